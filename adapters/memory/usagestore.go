package memory

import (
	"context"
	"sync"

	"github.com/artpar/metergate/domain/usage"
	"github.com/artpar/metergate/ports"
)

// UsageStore is an in-memory implementation of ports.UsageStore.
// The single mutex doubles as the uniqueness guard on RequestID.
type UsageStore struct {
	mu          sync.Mutex
	byRequestID map[string]int // requestID -> index into events
	events      []usage.Event
}

// NewUsageStore creates a new in-memory usage store.
func NewUsageStore() *UsageStore {
	return &UsageStore{
		byRequestID: make(map[string]int),
	}
}

// Record stores an event. Returns false when the RequestID is already
// present; only one concurrent caller per RequestID observes true.
func (s *UsageStore) Record(ctx context.Context, e usage.Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byRequestID[e.RequestID]; exists {
		return false, nil
	}

	s.byRequestID[e.RequestID] = len(s.events)
	s.events = append(s.events, e)
	return true, nil
}

// AttachTxHash back-fills the settlement tx hash on a recorded event.
func (s *UsageStore) AttachTxHash(ctx context.Context, requestID, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i, exists := s.byRequestID[requestID]; exists && s.events[i].SettlementTxHash == "" {
		s.events[i].SettlementTxHash = txHash
	}
	return nil
}

// Has reports whether an event exists for the request id.
func (s *UsageStore) Has(ctx context.Context, requestID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.byRequestID[requestID]
	return exists, nil
}

// List returns events, optionally filtered by raw API key.
func (s *UsageStore) List(ctx context.Context, apiKey string) ([]usage.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]usage.Event, 0, len(s.events))
	for _, e := range s.events {
		if apiKey == "" || e.APIKey == apiKey {
			out = append(out, e)
		}
	}
	return out, nil
}

// Ensure interface compliance.
var _ ports.UsageStore = (*UsageStore)(nil)
