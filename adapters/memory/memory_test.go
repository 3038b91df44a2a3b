package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/artpar/metergate/adapters/memory"
	"github.com/artpar/metergate/domain/billing"
	"github.com/artpar/metergate/domain/pricing"
	"github.com/artpar/metergate/domain/ratelimit"
	"github.com/artpar/metergate/domain/registry"
	"github.com/artpar/metergate/domain/usage"
	"github.com/artpar/metergate/ports"
)

func TestRegistryStore_ResolveBySlugAndID(t *testing.T) {
	store := memory.NewRegistryStore()
	store.Load(
		[]registry.Entry{{
			ID:      "api_1",
			Slug:    "weather",
			BaseURL: "https://api.example.com",
			Endpoints: []pricing.Endpoint{
				{ID: "ep_1", PathPattern: "*", PriceUSDC: 0.01},
			},
		}},
		[]registry.Key{{ID: "key_1", Value: "mk_abc", APIID: "api_1", DeveloperID: "dev_1"}},
	)

	ctx := context.Background()

	if e, err := store.Resolve(ctx, "api_1"); err != nil || e.Slug != "weather" {
		t.Errorf("Resolve by id: entry=%+v err=%v", e, err)
	}
	if e, err := store.Resolve(ctx, "weather"); err != nil || e.ID != "api_1" {
		t.Errorf("Resolve by slug: entry=%+v err=%v", e, err)
	}
	if _, err := store.Resolve(ctx, "nope"); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("Resolve unknown: err=%v, want ErrNotFound", err)
	}

	if k, err := store.LookupKey(ctx, "mk_abc"); err != nil || k.ID != "key_1" {
		t.Errorf("LookupKey: key=%+v err=%v", k, err)
	}
	if _, err := store.LookupKey(ctx, "mk_wrong"); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("LookupKey unknown: err=%v, want ErrNotFound", err)
	}
}

func TestRegistryStore_LoadReplacesSnapshot(t *testing.T) {
	store := memory.NewRegistryStore()
	store.Load([]registry.Entry{{ID: "api_old", Slug: "old"}}, nil)
	store.Load([]registry.Entry{{ID: "api_new", Slug: "new"}}, nil)

	ctx := context.Background()
	if _, err := store.Resolve(ctx, "old"); !errors.Is(err, ports.ErrNotFound) {
		t.Error("old entry should be gone after Load")
	}
	if _, err := store.Resolve(ctx, "new"); err != nil {
		t.Errorf("new entry should resolve: %v", err)
	}
}

func TestShardedRateLimitStore_ExclusivePerKey(t *testing.T) {
	store := memory.NewShardedRateLimitStore(memory.ShardedRateLimitConfig{})
	defer store.Close()

	cfg := ratelimit.Config{Limit: 100, Window: time.Minute}
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	// 200 concurrent checks against one key with limit 100: exactly 100
	// allowed. A lost update would let more through.
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.GetAndCheck(ctx, "key_1", cfg, now)
			if err != nil {
				t.Error(err)
				return
			}
			if res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 100 {
		t.Errorf("allowed = %d, want exactly 100", allowed)
	}
}

func TestUsageStore_ConcurrentRecordSingleWinner(t *testing.T) {
	store := memory.NewUsageStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.Record(ctx, usage.Event{ID: "evt", RequestID: "req_1"})
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}

	has, err := store.Has(ctx, "req_1")
	if err != nil || !has {
		t.Errorf("Has = %v, %v; want true", has, err)
	}
	events, _ := store.List(ctx, "")
	if len(events) != 1 {
		t.Errorf("events = %d, want 1", len(events))
	}
}

func TestUsageStore_AttachTxHash(t *testing.T) {
	store := memory.NewUsageStore()
	ctx := context.Background()

	store.Record(ctx, usage.Event{ID: "evt_1", RequestID: "req_1"})

	if err := store.AttachTxHash(ctx, "req_1", "0xlate"); err != nil {
		t.Fatal(err)
	}
	events, _ := store.List(ctx, "")
	if events[0].SettlementTxHash != "0xlate" {
		t.Errorf("hash = %q, want 0xlate", events[0].SettlementTxHash)
	}

	// An existing hash is never overwritten.
	if err := store.AttachTxHash(ctx, "req_1", "0xother"); err != nil {
		t.Fatal(err)
	}
	events, _ = store.List(ctx, "")
	if events[0].SettlementTxHash != "0xlate" {
		t.Errorf("hash = %q, must keep 0xlate", events[0].SettlementTxHash)
	}

	// Unknown request ids are a no-op.
	if err := store.AttachTxHash(ctx, "req_ghost", "0x"); err != nil {
		t.Errorf("unknown request id: %v", err)
	}
}

func TestUsageStore_ListFiltersByKey(t *testing.T) {
	store := memory.NewUsageStore()
	ctx := context.Background()

	store.Record(ctx, usage.Event{RequestID: "r1", APIKey: "mk_a"})
	store.Record(ctx, usage.Event{RequestID: "r2", APIKey: "mk_b"})
	store.Record(ctx, usage.Event{RequestID: "r3", APIKey: "mk_a"})

	events, err := store.List(ctx, "mk_a")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Errorf("filtered events = %d, want 2", len(events))
	}
}

func TestLedgerStore_TxLifecycle(t *testing.T) {
	store := memory.NewLedgerStore()
	ctx := context.Background()

	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.InsertPending(billing.Entry{ID: "led_1", RequestID: "req_1", AmountUSDC: 0.05}); err != nil {
		t.Fatal(err)
	}
	if err := tx.InsertPending(billing.Entry{ID: "led_2", RequestID: "req_1"}); !errors.Is(err, ports.ErrDuplicate) {
		t.Errorf("staged duplicate: err=%v, want ErrDuplicate", err)
	}
	if err := tx.MarkSettled("led_1", "0xhash"); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	e, err := store.GetByRequestID(ctx, "req_1")
	if err != nil {
		t.Fatal(err)
	}
	if e.TxHash != "0xhash" || e.Status != billing.StatusSettled {
		t.Errorf("committed entry = %+v, want settled with hash", e)
	}

	// A later insert for the same request id must fail.
	tx2, _ := store.Begin(ctx)
	if err := tx2.InsertPending(billing.Entry{ID: "led_3", RequestID: "req_1"}); !errors.Is(err, ports.ErrDuplicate) {
		t.Errorf("committed duplicate: err=%v, want ErrDuplicate", err)
	}
	tx2.Rollback()
}

func TestLedgerStore_DeletePendingReleasesClaim(t *testing.T) {
	store := memory.NewLedgerStore()
	ctx := context.Background()

	tx, _ := store.Begin(ctx)
	tx.InsertPending(billing.Entry{ID: "led_1", RequestID: "req_1"})
	tx.Commit()

	tx2, _ := store.Begin(ctx)
	if err := tx2.DeletePending("led_1"); err != nil {
		t.Fatal(err)
	}
	if err := tx2.Commit(); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetByRequestID(ctx, "req_1"); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("after delete: err=%v, want ErrNotFound", err)
	}

	// The same request id can be claimed again.
	tx3, _ := store.Begin(ctx)
	if err := tx3.InsertPending(billing.Entry{ID: "led_2", RequestID: "req_1"}); err != nil {
		t.Errorf("reclaim after delete: %v", err)
	}
	tx3.Commit()
}

func TestLedgerStore_DeletePendingSkipsSettled(t *testing.T) {
	store := memory.NewLedgerStore()
	ctx := context.Background()

	tx, _ := store.Begin(ctx)
	tx.InsertPending(billing.Entry{ID: "led_1", RequestID: "req_1"})
	tx.MarkSettled("led_1", "0xhash")
	tx.Commit()

	tx2, _ := store.Begin(ctx)
	if err := tx2.DeletePending("led_1"); err != nil {
		t.Fatal(err)
	}
	tx2.Commit()

	if _, err := store.GetByRequestID(ctx, "req_1"); err != nil {
		t.Errorf("settled entry must survive DeletePending: %v", err)
	}
}

func TestLedgerStore_RollbackDiscardsPlaceholder(t *testing.T) {
	store := memory.NewLedgerStore()
	ctx := context.Background()

	tx, _ := store.Begin(ctx)
	if err := tx.InsertPending(billing.Entry{ID: "led_1", RequestID: "req_1"}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}

	if _, err := store.GetByRequestID(ctx, "req_1"); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("after rollback: err=%v, want ErrNotFound (placeholder must not survive)", err)
	}
}
