// Package app provides application services that orchestrate domain logic.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/metergate/domain/billing"
	"github.com/artpar/metergate/ports"
	"github.com/rs/zerolog"
)

// Failure classification for ledger operations.
var (
	// ErrSettlementFailure means the external settlement service rejected
	// or failed the deduction. The pending row is released.
	ErrSettlementFailure = errors.New("settlement failure")
	// ErrPersistenceFailure means the ledger store itself failed.
	ErrPersistenceFailure = errors.New("persistence failure")
)

// LedgerService performs idempotent balance deductions against the external
// settlement service, backed by a uniqueness-enforcing store.
type LedgerService struct {
	store      ports.LedgerStore
	settlement ports.Settlement
	clock      ports.Clock
	idGen      ports.IDGenerator
	logger     zerolog.Logger

	// settleTimeout bounds the settlement call and how long a duplicate
	// caller waits on a concurrent claim.
	settleTimeout time.Duration
}

// LedgerDeps contains dependencies for LedgerService.
type LedgerDeps struct {
	Store      ports.LedgerStore
	Settlement ports.Settlement
	Clock      ports.Clock
	IDGen      ports.IDGenerator
	Logger     zerolog.Logger
}

// NewLedgerService creates a new ledger service.
func NewLedgerService(deps LedgerDeps, settleTimeout time.Duration) *LedgerService {
	if settleTimeout <= 0 {
		settleTimeout = 10 * time.Second
	}
	return &LedgerService{
		store:         deps.Store,
		settlement:    deps.Settlement,
		clock:         deps.Clock,
		idGen:         deps.IDGen,
		logger:        deps.Logger,
		settleTimeout: settleTimeout,
	}
}

// DeductParams identifies one logical deduction.
type DeductParams struct {
	RequestID   string
	DeveloperID string
	APIID       string
	EndpointID  string
	APIKeyID    string
	AmountUSDC  float64
}

// Deduct settles one deduction at most once per RequestID, regardless of
// concurrency or client retries.
//
// Protocol:
//  1. settled row for RequestID -> return it, alreadyProcessed, no
//     settlement call;
//  2. claim the request id: insert a pending row in a short transaction
//     (UNIQUE on request_id) and commit before anything else happens;
//  3. call the settlement service with no store transaction open - the
//     only point where money moves;
//  4. success -> mark the row settled in a second short transaction;
//  5. failure -> delete the pending row so a retry can settle fresh;
//  6. duplicate-claim race -> wait for the winner's outcome.
//
// Store transactions never span the settlement call, so deductions for
// unrelated request ids settle in parallel.
func (s *LedgerService) Deduct(ctx context.Context, p DeductParams) (billing.DeductResult, error) {
	existing, err := s.store.GetByRequestID(ctx, p.RequestID)
	if err == nil {
		if existing.Status == billing.StatusSettled {
			return billing.ResultOf(existing, true), nil
		}
		// A pending row means another caller holds the claim.
		return s.awaitSettled(ctx, p.RequestID)
	}
	if !errors.Is(err, ports.ErrNotFound) {
		return billing.DeductResult{}, fmt.Errorf("%w: lookup: %v", ErrPersistenceFailure, err)
	}

	entry := billing.Entry{
		ID:          s.idGen.New(),
		RequestID:   p.RequestID,
		DeveloperID: p.DeveloperID,
		APIID:       p.APIID,
		EndpointID:  p.EndpointID,
		APIKeyID:    p.APIKeyID,
		AmountUSDC:  p.AmountUSDC,
		CreatedAt:   s.clock.Now(),
	}

	if err := s.claim(ctx, entry); err != nil {
		if errors.Is(err, ports.ErrDuplicate) {
			winner, qerr := s.store.GetByRequestID(ctx, p.RequestID)
			if qerr == nil && winner.Status == billing.StatusSettled {
				return billing.ResultOf(winner, true), nil
			}
			return s.awaitSettled(ctx, p.RequestID)
		}
		return billing.DeductResult{}, err
	}

	sctx, cancel := context.WithTimeout(ctx, s.settleTimeout)
	txHash, err := s.settlement.DeductBalance(sctx, p.DeveloperID, p.AmountUSDC)
	cancel()
	if err != nil {
		s.releaseClaim(entry)
		s.logger.Warn().
			Str("request_id", p.RequestID).
			Str("developer_id", p.DeveloperID).
			Float64("amount_usdc", p.AmountUSDC).
			Err(err).
			Msg("settlement deduction failed")
		return billing.DeductResult{}, fmt.Errorf("%w: %v", ErrSettlementFailure, err)
	}

	if err := s.markSettled(ctx, entry, txHash); err != nil {
		return billing.DeductResult{}, err
	}

	return billing.DeductResult{
		UsageEventID:     entry.ID,
		TxHash:           txHash,
		AlreadyProcessed: false,
	}, nil
}

// claim inserts the pending row and commits immediately.
func (s *LedgerService) claim(ctx context.Context, entry billing.Entry) error {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrPersistenceFailure, err)
	}
	if err := tx.InsertPending(entry); err != nil {
		tx.Rollback()
		if errors.Is(err, ports.ErrDuplicate) {
			return err
		}
		return fmt.Errorf("%w: insert: %v", ErrPersistenceFailure, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit claim: %v", ErrPersistenceFailure, err)
	}
	return nil
}

// releaseClaim removes a pending row after a failed settlement. Runs on a
// fresh context so a caller timeout cannot strand the claim.
func (s *LedgerService) releaseClaim(entry billing.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := s.store.Begin(ctx)
	if err == nil {
		if derr := tx.DeletePending(entry.ID); derr != nil {
			tx.Rollback()
			err = derr
		} else {
			err = tx.Commit()
		}
	}
	if err != nil {
		s.logger.Error().
			Str("request_id", entry.RequestID).
			Str("entry_id", entry.ID).
			Err(err).
			Msg("failed to release pending ledger claim")
	}
}

// markSettled attaches the tx hash in its own short transaction. Money has
// already moved at this point; on failure the row stays pending so
// reconciliation can find it.
func (s *LedgerService) markSettled(ctx context.Context, entry billing.Entry, txHash string) error {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin settle: %v", ErrPersistenceFailure, err)
	}
	if err := tx.MarkSettled(entry.ID, txHash); err != nil {
		tx.Rollback()
		return fmt.Errorf("%w: mark settled: %v", ErrPersistenceFailure, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit settle: %v", ErrPersistenceFailure, err)
	}
	return nil
}

// awaitSettled polls for the outcome of the concurrent deduction holding
// the claim on requestID, so all callers sharing a request id end up with
// the claim holder's result.
func (s *LedgerService) awaitSettled(ctx context.Context, requestID string) (billing.DeductResult, error) {
	deadline := time.NewTimer(s.settleTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

	for {
		entry, err := s.store.GetByRequestID(ctx, requestID)
		switch {
		case err == nil && entry.Status == billing.StatusSettled:
			return billing.ResultOf(entry, true), nil
		case errors.Is(err, ports.ErrNotFound):
			// The claim holder failed and released; nothing was settled.
			return billing.DeductResult{}, fmt.Errorf("%w: concurrent deduction for %s failed", ErrSettlementFailure, requestID)
		case err != nil:
			return billing.DeductResult{}, fmt.Errorf("%w: lookup: %v", ErrPersistenceFailure, err)
		}

		select {
		case <-ctx.Done():
			return billing.DeductResult{}, fmt.Errorf("%w: %v", ErrSettlementFailure, ctx.Err())
		case <-deadline.C:
			return billing.DeductResult{}, fmt.Errorf("%w: deduction for %s still pending", ErrSettlementFailure, requestID)
		case <-tick.C:
		}
	}
}

// GetByRequestID exposes the ledger row for status polling without
// attempting settlement.
func (s *LedgerService) GetByRequestID(ctx context.Context, requestID string) (billing.Entry, error) {
	return s.store.GetByRequestID(ctx, requestID)
}
