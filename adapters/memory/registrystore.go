// Package memory provides in-memory implementations of storage ports.
package memory

import (
	"context"
	"sync"

	"github.com/artpar/metergate/domain/registry"
	"github.com/artpar/metergate/ports"
)

// RegistryStore is an in-memory implementation of ports.RegistryStore.
// The registry is read-mostly; Load replaces the whole snapshot atomically,
// which is how config hot reload repopulates it.
type RegistryStore struct {
	mu     sync.RWMutex
	byID   map[string]registry.Entry
	bySlug map[string]registry.Entry
	keys   map[string]registry.Key // raw key value -> record
}

// NewRegistryStore creates an empty registry store.
func NewRegistryStore() *RegistryStore {
	s := &RegistryStore{}
	s.Load(nil, nil)
	return s
}

// Load replaces the registry contents with the given snapshot.
func (s *RegistryStore) Load(entries []registry.Entry, keys []registry.Key) {
	byID := make(map[string]registry.Entry, len(entries))
	bySlug := make(map[string]registry.Entry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
		if e.Slug != "" {
			bySlug[e.Slug] = e
		}
	}

	keyMap := make(map[string]registry.Key, len(keys))
	for _, k := range keys {
		keyMap[k.Value] = k
	}

	s.mu.Lock()
	s.byID = byID
	s.bySlug = bySlug
	s.keys = keyMap
	s.mu.Unlock()
}

// Resolve retrieves an entry by slug or id.
func (s *RegistryStore) Resolve(ctx context.Context, slugOrID string) (registry.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if e, ok := s.byID[slugOrID]; ok {
		return e, nil
	}
	if e, ok := s.bySlug[slugOrID]; ok {
		return e, nil
	}
	return registry.Entry{}, ports.ErrNotFound
}

// LookupKey retrieves a key record by its raw value.
func (s *RegistryStore) LookupKey(ctx context.Context, rawKey string) (registry.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if k, ok := s.keys[rawKey]; ok {
		return k, nil
	}
	return registry.Key{}, ports.ErrNotFound
}

// Ensure interface compliance.
var _ ports.RegistryStore = (*RegistryStore)(nil)
