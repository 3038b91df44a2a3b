package usage

import "time"

// Summary represents aggregated usage for a period (value type).
// Used for billing reconciliation reports.
type Summary struct {
	DeveloperID  string
	PeriodStart  time.Time
	PeriodEnd    time.Time
	RequestCount int64
	AmountUSDC   float64
	ErrorCount   int64
	Settled      int64 // events carrying a settlement tx hash
}

// Aggregate combines multiple events into a summary.
// This is a PURE function.
func Aggregate(events []Event, periodStart, periodEnd time.Time) Summary {
	s := Summary{
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
	}

	for _, e := range events {
		if s.DeveloperID == "" {
			s.DeveloperID = e.DeveloperID
		}
		s.RequestCount++
		s.AmountUSDC += e.AmountUSDC
		if e.IsError() {
			s.ErrorCount++
		}
		if e.SettlementTxHash != "" {
			s.Settled++
		}
	}

	return s
}
