package app_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/artpar/metergate/adapters/clock"
	"github.com/artpar/metergate/adapters/idgen"
	"github.com/artpar/metergate/adapters/memory"
	"github.com/artpar/metergate/adapters/settlement"
	"github.com/artpar/metergate/adapters/sqlite"
	"github.com/artpar/metergate/app"
	"github.com/artpar/metergate/domain/billing"
	"github.com/artpar/metergate/ports"
	"github.com/rs/zerolog"
)

// gatedSettlement parks every deduction until release is closed, so tests
// can observe which calls are in flight at the same time.
type gatedSettlement struct {
	*settlement.Mock
	entered chan struct{}
	release chan struct{}
}

func newGatedSettlement() *gatedSettlement {
	return &gatedSettlement{
		Mock:    settlement.NewMock(),
		entered: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
}

func (g *gatedSettlement) DeductBalance(ctx context.Context, developerID string, amountUSDC float64) (string, error) {
	g.entered <- struct{}{}
	select {
	case <-g.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return g.Mock.DeductBalance(ctx, developerID, amountUSDC)
}

var testTime = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

func newLedger(t *testing.T, store ports.LedgerStore, settle ports.Settlement) *app.LedgerService {
	t.Helper()
	return app.NewLedgerService(app.LedgerDeps{
		Store:      store,
		Settlement: settle,
		Clock:      clock.NewFake(testTime),
		IDGen:      idgen.NewSequential("led_"),
		Logger:     zerolog.Nop(),
	}, 0)
}

func TestDeduct_Idempotent(t *testing.T) {
	settle := settlement.NewMock()
	settle.SetBalance("dev_1", 1000)
	ledger := newLedger(t, memory.NewLedgerStore(), settle)
	ctx := context.Background()

	params := app.DeductParams{
		RequestID:   "req_1",
		DeveloperID: "dev_1",
		APIID:       "api_1",
		EndpointID:  "ep_1",
		APIKeyID:    "key_1",
		AmountUSDC:  0.01,
	}

	first, err := ledger.Deduct(ctx, params)
	if err != nil {
		t.Fatal(err)
	}
	if first.AlreadyProcessed {
		t.Error("first call should not be alreadyProcessed")
	}
	if first.TxHash == "" {
		t.Error("first call should carry a tx hash")
	}

	second, err := ledger.Deduct(ctx, params)
	if err != nil {
		t.Fatal(err)
	}
	if !second.AlreadyProcessed {
		t.Error("second call should be alreadyProcessed")
	}
	if second.UsageEventID != first.UsageEventID || second.TxHash != first.TxHash {
		t.Errorf("second result %+v differs from first %+v", second, first)
	}

	if settle.Calls() != 1 {
		t.Errorf("settlement calls = %d, want exactly 1", settle.Calls())
	}

	balance, _ := settle.GetBalance(ctx, "dev_1")
	if balance != 999.99 {
		t.Errorf("balance = %v, want 999.99 (no double charge)", balance)
	}
}

func TestDeduct_ConcurrentSingleSettlement(t *testing.T) {
	settle := settlement.NewMock()
	settle.SetBalance("dev_1", 1000)
	ledger := newLedger(t, memory.NewLedgerStore(), settle)
	ctx := context.Background()

	const n = 20
	results := make([]billing.DeductResult, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = ledger.Deduct(ctx, app.DeductParams{
				RequestID:   "req_shared",
				DeveloperID: "dev_1",
				AmountUSDC:  0.05,
			})
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if !results[i].AlreadyProcessed {
			fresh++
		}
		if results[i].UsageEventID != results[0].UsageEventID || results[i].TxHash != results[0].TxHash {
			t.Errorf("caller %d got %+v, want same result as caller 0 %+v", i, results[i], results[0])
		}
	}
	if fresh != 1 {
		t.Errorf("fresh results = %d, want exactly 1", fresh)
	}
	if settle.Calls() != 1 {
		t.Errorf("settlement calls = %d, want exactly 1", settle.Calls())
	}
}

func TestDeduct_DistinctRequestsSettleConcurrently(t *testing.T) {
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	store := sqlite.NewLedgerStore(db)

	gate := newGatedSettlement()
	gate.SetBalance("dev_1", 1000)
	ledger := newLedger(t, store, gate)
	ctx := context.Background()

	errCh := make(chan error, 2)
	for _, rid := range []string{"req_a", "req_b"} {
		go func(rid string) {
			_, err := ledger.Deduct(ctx, app.DeductParams{
				RequestID:   rid,
				DeveloperID: "dev_1",
				AmountUSDC:  0.05,
			})
			errCh <- err
		}(rid)
	}

	// Both deductions must reach the settlement service while the other is
	// still in flight. If one blocked the other's ledger write, the second
	// arrival never happens.
	for i := 0; i < 2; i++ {
		select {
		case <-gate.entered:
		case <-time.After(2 * time.Second):
			t.Fatal("second deduction never reached settlement; unrelated request ids are serialized")
		}
	}
	close(gate.release)

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			t.Fatal(err)
		}
	}
	if gate.Calls() != 2 {
		t.Errorf("settlement calls = %d, want 2", gate.Calls())
	}
	for _, rid := range []string{"req_a", "req_b"} {
		entry, err := store.GetByRequestID(ctx, rid)
		if err != nil {
			t.Fatalf("%s: %v", rid, err)
		}
		if entry.Status != billing.StatusSettled || entry.TxHash == "" {
			t.Errorf("%s entry = %+v, want settled with hash", rid, entry)
		}
	}
}

func TestDeduct_SettlementFailureRollsBack(t *testing.T) {
	settle := settlement.NewMock()
	settle.FailWith(errors.New("ledger node unavailable"))
	store := memory.NewLedgerStore()
	ledger := newLedger(t, store, settle)
	ctx := context.Background()

	_, err := ledger.Deduct(ctx, app.DeductParams{
		RequestID:   "req_1",
		DeveloperID: "dev_1",
		AmountUSDC:  0.05,
	})
	if !errors.Is(err, app.ErrSettlementFailure) {
		t.Fatalf("err = %v, want ErrSettlementFailure", err)
	}

	// The placeholder row must not survive a failed settlement.
	if _, err := store.GetByRequestID(ctx, "req_1"); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("placeholder lookup err = %v, want ErrNotFound", err)
	}

	// After the failure clears, the same request id settles fresh.
	settle.FailWith(nil)
	settle.SetBalance("dev_1", 10)
	res, err := ledger.Deduct(ctx, app.DeductParams{
		RequestID:   "req_1",
		DeveloperID: "dev_1",
		AmountUSDC:  0.05,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.AlreadyProcessed {
		t.Error("retry after rollback should settle fresh, not alreadyProcessed")
	}
}

func TestGetByRequestID(t *testing.T) {
	settle := settlement.NewMock()
	settle.SetBalance("dev_1", 10)
	store := memory.NewLedgerStore()
	ledger := newLedger(t, store, settle)
	ctx := context.Background()

	if _, err := ledger.GetByRequestID(ctx, "req_1"); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("missing entry err = %v, want ErrNotFound", err)
	}

	res, err := ledger.Deduct(ctx, app.DeductParams{RequestID: "req_1", DeveloperID: "dev_1", AmountUSDC: 0.01})
	if err != nil {
		t.Fatal(err)
	}

	entry, err := ledger.GetByRequestID(ctx, "req_1")
	if err != nil {
		t.Fatal(err)
	}
	if entry.ID != res.UsageEventID || entry.TxHash != res.TxHash {
		t.Errorf("entry %+v does not match deduct result %+v", entry, res)
	}
	// Status polling must not trigger another settlement call.
	if settle.Calls() != 1 {
		t.Errorf("settlement calls = %d, want 1", settle.Calls())
	}
}
