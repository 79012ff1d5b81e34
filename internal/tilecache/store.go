// TrigpointingUK Tile Proxy - Metered OS Maps tile caching and admission control
// Copyright 2026 TrigpointingUK
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trigpointinguk/tileproxy

// Package tilecache provides persistent, shared storage for previously
// fetched tiles.
//
// The cache is the mechanism that amortizes upstream cost down to
// near-zero: a tile fetched once is served from here forever after, and
// cache hits never touch the usage ledger. Because admission decisions
// depend on cache reuse being global, the production backend must be
// visible to every proxy instance (a shared filesystem mount); the
// badger and memory backends are for single-node and test deployments.
//
// Concurrency: tile content for a given key is effectively invariant, so
// concurrent writes for the same key are allowed to race with
// last-write-wins semantics. Serializing them would trade a single point
// of contention for nothing.
package tilecache

import (
	"context"
	"fmt"
	"time"
)

// Entry is one cached tile: raw bytes, the upstream content type, and
// the time it was stored. Entries are never mutated in place.
type Entry struct {
	Data        []byte    `json:"data"`
	ContentType string    `json:"content_type"`
	StoredAt    time.Time `json:"stored_at"`
}

// Store is the tile cache contract consumed by the orchestrator.
//
// Get treats every failure mode (absent, unreadable, corrupt) as a miss:
// a miss silently triggers a re-fetch upstream, which is always safe,
// whereas propagating a storage fault would fail requests the proxy
// could have served.
type Store interface {
	// Get returns the cached entry for key, or ok=false on a miss.
	Get(ctx context.Context, key string) (*Entry, bool)

	// Put stores an entry under key. Last write wins; concurrent writers
	// for the same key are expected and permitted.
	Put(ctx context.Context, key string, entry Entry) error

	// Close releases backend resources.
	Close() error
}

// Config selects and parameterizes a cache backend.
type Config struct {
	// Backend is one of "file", "badger" or "memory".
	Backend string `koanf:"backend" validate:"oneof=file badger memory"`

	// Dir is the cache directory for the file backend. For shared
	// cross-instance caching this should be a shared mount.
	Dir string `koanf:"dir"`

	// Path is the database directory for the badger backend.
	Path string `koanf:"path"`
}

// New builds a Store from configuration.
func New(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "file":
		return NewFileStore(cfg.Dir)
	case "badger":
		return NewBadgerStore(cfg.Path)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("tilecache: unknown backend %q", cfg.Backend)
	}
}
