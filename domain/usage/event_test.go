package usage_test

import (
	"testing"
	"time"

	"github.com/artpar/metergate/domain/usage"
)

func TestRecordablePolicy_Default2xxOnly(t *testing.T) {
	p := usage.DefaultRecordable

	tests := []struct {
		status int
		want   bool
	}{
		{200, true},
		{201, true},
		{299, true},
		{199, false},
		{301, false},
		{404, false},
		{500, false},
	}

	for _, tt := range tests {
		if got := p.Recordable(tt.status); got != tt.want {
			t.Errorf("Recordable(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestRecordablePolicy_PredicateOverride(t *testing.T) {
	if !usage.RecordAll.Recordable(500) {
		t.Error("RecordAll should accept 500")
	}

	only404 := usage.RecordablePolicy{Predicate: func(s int) bool { return s == 404 }}
	if only404.Recordable(200) {
		t.Error("custom predicate should reject 200")
	}
	if !only404.Recordable(404) {
		t.Error("custom predicate should accept 404")
	}
}

func TestAggregate(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	events := []usage.Event{
		{DeveloperID: "dev_1", AmountUSDC: 0.05, StatusCode: 200, SettlementTxHash: "tx1"},
		{DeveloperID: "dev_1", AmountUSDC: 0.01, StatusCode: 200, SettlementTxHash: "tx2"},
		{DeveloperID: "dev_1", AmountUSDC: 0, StatusCode: 500},
	}

	s := usage.Aggregate(events, start, end)

	if s.RequestCount != 3 {
		t.Errorf("requestCount = %d, want 3", s.RequestCount)
	}
	if s.AmountUSDC != 0.06 {
		t.Errorf("amount = %v, want 0.06", s.AmountUSDC)
	}
	if s.ErrorCount != 1 {
		t.Errorf("errorCount = %d, want 1", s.ErrorCount)
	}
	if s.Settled != 2 {
		t.Errorf("settled = %d, want 2", s.Settled)
	}
	if s.DeveloperID != "dev_1" {
		t.Errorf("developerID = %q, want dev_1", s.DeveloperID)
	}
}

func TestAggregate_Empty(t *testing.T) {
	start := time.Now()
	s := usage.Aggregate(nil, start, start)

	if s.RequestCount != 0 || s.AmountUSDC != 0 {
		t.Errorf("empty aggregate should be zero, got %+v", s)
	}
}
