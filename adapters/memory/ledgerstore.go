package memory

import (
	"context"
	"sync"

	"github.com/artpar/metergate/domain/billing"
	"github.com/artpar/metergate/ports"
)

// LedgerStore is an in-memory implementation of ports.LedgerStore.
//
// Transactions hold the store mutex for their whole lifetime, mirroring the
// single-writer behavior of the SQLite backend. Per the port contract a
// transaction is a short-lived write, so the serialization is invisible; a
// concurrent duplicate blocks in Begin until the first transaction commits
// or rolls back, then either sees the committed row or hits ErrDuplicate.
type LedgerStore struct {
	mu          sync.Mutex
	byRequestID map[string]billing.Entry
}

// NewLedgerStore creates a new in-memory ledger store.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		byRequestID: make(map[string]billing.Entry),
	}
}

// GetByRequestID retrieves an entry without attempting settlement.
func (s *LedgerStore) GetByRequestID(ctx context.Context, requestID string) (billing.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.byRequestID[requestID]; ok {
		return e, nil
	}
	return billing.Entry{}, ports.ErrNotFound
}

// Begin opens a ledger transaction. Blocks while another transaction is open.
func (s *LedgerStore) Begin(ctx context.Context) (ports.LedgerTx, error) {
	s.mu.Lock()
	return &ledgerTx{
		store:   s,
		staged:  make(map[string]billing.Entry),
		deleted: make(map[string]bool),
	}, nil
}

type ledgerTx struct {
	store   *LedgerStore
	staged  map[string]billing.Entry
	deleted map[string]bool // requestIDs staged for deletion
	done    bool
}

func (tx *ledgerTx) InsertPending(e billing.Entry) error {
	if _, ok := tx.store.byRequestID[e.RequestID]; ok {
		return ports.ErrDuplicate
	}
	if _, ok := tx.staged[e.RequestID]; ok {
		return ports.ErrDuplicate
	}
	e.Status = billing.StatusPending
	tx.staged[e.RequestID] = e
	return nil
}

func (tx *ledgerTx) MarkSettled(id, txHash string) error {
	for rid, e := range tx.staged {
		if e.ID == id {
			e.TxHash = txHash
			e.Status = billing.StatusSettled
			tx.staged[rid] = e
			return nil
		}
	}
	for rid, e := range tx.store.byRequestID {
		if e.ID == id {
			e.TxHash = txHash
			e.Status = billing.StatusSettled
			tx.staged[rid] = e
			return nil
		}
	}
	return ports.ErrNotFound
}

func (tx *ledgerTx) DeletePending(id string) error {
	for rid, e := range tx.staged {
		if e.ID == id {
			if e.Status == billing.StatusPending {
				delete(tx.staged, rid)
			}
			return nil
		}
	}
	for rid, e := range tx.store.byRequestID {
		if e.ID == id {
			if e.Status == billing.StatusPending {
				tx.deleted[rid] = true
			}
			return nil
		}
	}
	return nil
}

func (tx *ledgerTx) Commit() error {
	if tx.done {
		return nil
	}
	for rid, e := range tx.staged {
		tx.store.byRequestID[rid] = e
	}
	for rid := range tx.deleted {
		delete(tx.store.byRequestID, rid)
	}
	tx.done = true
	tx.store.mu.Unlock()
	return nil
}

func (tx *ledgerTx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.staged = nil
	tx.done = true
	tx.store.mu.Unlock()
	return nil
}

// Ensure interface compliance.
var _ ports.LedgerStore = (*LedgerStore)(nil)
