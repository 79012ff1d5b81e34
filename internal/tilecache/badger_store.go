// TrigpointingUK Tile Proxy - Metered OS Maps tile caching and admission control
// Copyright 2026 TrigpointingUK
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trigpointinguk/tileproxy

package tilecache

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/trigpointinguk/tileproxy/internal/logging"
)

// Key prefix for BadgerDB storage
const tileKeyPrefix = "tile:"

// BadgerStore caches tiles in an embedded BadgerDB. It is durable
// across restarts but local to one instance, so it suits single-node
// deployments where a shared filesystem is unavailable.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) the database at path.
func NewBadgerStore(path string) (*BadgerStore, error) {
	if path == "" {
		return nil, fmt.Errorf("tilecache: badger backend requires a path")
	}
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("tilecache: open badger db: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Get retrieves a cached tile, treating not-found and decode failures
// as a miss.
func (s *BadgerStore) Get(ctx context.Context, key string) (*Entry, bool) {
	var entry Entry

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(tileKeyPrefix + key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			logging.Warn().Err(err).Str("key", key).Msg("Tile cache read failed, treating as miss")
		}
		return nil, false
	}
	if len(entry.Data) == 0 {
		return nil, false
	}
	return &entry, true
}

// Put stores a tile entry.
func (s *BadgerStore) Put(ctx context.Context, key string, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("tilecache: marshal entry: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(tileKeyPrefix+key), data)
	})
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
