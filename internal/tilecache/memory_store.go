// TrigpointingUK Tile Proxy - Metered OS Maps tile caching and admission control
// Copyright 2026 TrigpointingUK
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trigpointinguk/tileproxy

package tilecache

import (
	"context"
	"sync"
)

// MemoryStore is a mutex-guarded in-process cache used by tests and
// ephemeral deployments. It never evicts; production use should prefer
// the file or badger backends.
type MemoryStore struct {
	mu    sync.RWMutex
	tiles map[string]Entry
}

// NewMemoryStore returns an empty in-memory cache.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tiles: make(map[string]Entry)}
}

// Get returns the cached entry for key, if present.
func (s *MemoryStore) Get(ctx context.Context, key string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.tiles[key]
	if !ok {
		return nil, false
	}
	// Copy so callers cannot mutate the cached bytes.
	out := entry
	out.Data = append([]byte(nil), entry.Data...)
	return &out, true
}

// Put stores an entry under key, replacing any previous value.
func (s *MemoryStore) Put(ctx context.Context, key string, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := entry
	stored.Data = append([]byte(nil), entry.Data...)
	s.tiles[key] = stored
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// Len reports the number of cached tiles. Test helper.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tiles)
}
