package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/artpar/metergate/domain/billing"
	"github.com/artpar/metergate/ports"
)

// LedgerStore implements ports.LedgerStore using SQLite.
// The UNIQUE index on request_id resolves the check-then-insert race: the
// loser of a concurrent duplicate insert gets ports.ErrDuplicate and can
// re-query the winner's row after rolling back.
type LedgerStore struct {
	db *DB
}

// NewLedgerStore creates a new SQLite ledger store.
func NewLedgerStore(db *DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// GetByRequestID retrieves an entry without attempting settlement.
func (s *LedgerStore) GetByRequestID(ctx context.Context, requestID string) (billing.Entry, error) {
	return scanEntry(s.db.QueryRowContext(ctx, selectEntry+" WHERE request_id = ?", requestID))
}

// Begin opens a ledger transaction.
func (s *LedgerStore) Begin(ctx context.Context) (ports.LedgerTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin ledger tx: %w", err)
	}
	return &ledgerTx{tx: tx, ctx: ctx}, nil
}

const selectEntry = `
	SELECT id, request_id, developer_id, api_id, endpoint_id, api_key_id,
	       amount_usdc, tx_hash, status, created_at
	FROM billing_entries
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (billing.Entry, error) {
	var e billing.Entry
	var status string
	err := row.Scan(
		&e.ID, &e.RequestID, &e.DeveloperID, &e.APIID, &e.EndpointID,
		&e.APIKeyID, &e.AmountUSDC, &e.TxHash, &status, &e.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return billing.Entry{}, ports.ErrNotFound
	}
	if err != nil {
		return billing.Entry{}, fmt.Errorf("scan ledger entry: %w", err)
	}
	e.Status = billing.EntryStatus(status)
	return e, nil
}

type ledgerTx struct {
	tx  *sql.Tx
	ctx context.Context
}

func (t *ledgerTx) InsertPending(e billing.Entry) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO billing_entries (
			id, request_id, developer_id, api_id, endpoint_id, api_key_id,
			amount_usdc, tx_hash, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, '', ?, ?)
	`,
		e.ID, e.RequestID, e.DeveloperID, e.APIID, e.EndpointID, e.APIKeyID,
		e.AmountUSDC, string(billing.StatusPending), e.CreatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ports.ErrDuplicate
		}
		return fmt.Errorf("insert pending entry: %w", err)
	}
	return nil
}

func (t *ledgerTx) MarkSettled(id, txHash string) error {
	res, err := t.tx.ExecContext(t.ctx,
		"UPDATE billing_entries SET tx_hash = ?, status = ? WHERE id = ?",
		txHash, string(billing.StatusSettled), id,
	)
	if err != nil {
		return fmt.Errorf("mark settled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ports.ErrNotFound
	}
	return nil
}

func (t *ledgerTx) DeletePending(id string) error {
	_, err := t.tx.ExecContext(t.ctx,
		"DELETE FROM billing_entries WHERE id = ? AND status = ?",
		id, string(billing.StatusPending),
	)
	if err != nil {
		return fmt.Errorf("delete pending entry: %w", err)
	}
	return nil
}

func (t *ledgerTx) Commit() error {
	return t.tx.Commit()
}

func (t *ledgerTx) Rollback() error {
	err := t.tx.Rollback()
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}

// Ensure interface compliance.
var _ ports.LedgerStore = (*LedgerStore)(nil)
