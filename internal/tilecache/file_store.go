// TrigpointingUK Tile Proxy - Metered OS Maps tile caching and admission control
// Copyright 2026 TrigpointingUK
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trigpointinguk/tileproxy

package tilecache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/trigpointinguk/tileproxy/internal/logging"
)

// FileStore caches tiles as plain image files under a directory tree,
// one file per tile at {dir}/{layer}/{z}/{x}/{y}.png. Pointing dir at a
// shared mount makes the cache visible to every proxy instance, which
// is what keeps repeat fetches free fleet-wide.
//
// Tile bytes are stored raw, not wrapped in an envelope, so the cache
// directory can be inspected or served directly by other tooling. A
// small JSON sidecar ({y}.png.meta) carries the upstream content type
// and storage time; if the sidecar is missing the entry still serves
// with sensible defaults.
type FileStore struct {
	dir string
}

// fileMeta is the sidecar record written next to each tile.
type fileMeta struct {
	ContentType string    `json:"content_type"`
	StoredAt    time.Time `json:"stored_at"`
}

// NewFileStore creates the cache root if needed and returns a store.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("tilecache: file backend requires a directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("tilecache: create cache dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// tilePath maps a cache key ("Layer/z/x/y") onto the on-disk layout.
// Keys come from tile.Key.String() and are validated upstream, but the
// path is still confined to the cache root as a hard backstop.
func (s *FileStore) tilePath(key string) (string, error) {
	p := filepath.Join(s.dir, filepath.FromSlash(key)+".png")
	if !strings.HasPrefix(p, filepath.Clean(s.dir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("tilecache: key %q escapes cache root", key)
	}
	return p, nil
}

// Get returns the cached tile, treating any read failure as a miss.
func (s *FileStore) Get(ctx context.Context, key string) (*Entry, bool) {
	p, err := s.tilePath(key)
	if err != nil {
		return nil, false
	}

	data, err := os.ReadFile(p)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Warn().Err(err).Str("key", key).Msg("Tile cache read failed, treating as miss")
		}
		return nil, false
	}
	if len(data) == 0 {
		// An interrupted writer can leave a zero-byte file behind; a
		// re-fetch will overwrite it.
		return nil, false
	}

	entry := Entry{Data: data, ContentType: "image/png"}
	if raw, err := os.ReadFile(p + ".meta"); err == nil {
		var meta fileMeta
		if err := json.Unmarshal(raw, &meta); err == nil {
			if meta.ContentType != "" {
				entry.ContentType = meta.ContentType
			}
			entry.StoredAt = meta.StoredAt
		}
	}
	if entry.StoredAt.IsZero() {
		if fi, err := os.Stat(p); err == nil {
			entry.StoredAt = fi.ModTime()
		}
	}
	return &entry, true
}

// Put writes the tile and its sidecar atomically via temp-file rename,
// so a reader never observes a partially written tile.
func (s *FileStore) Put(ctx context.Context, key string, entry Entry) error {
	p, err := s.tilePath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("tilecache: create tile dir: %w", err)
	}

	if err := writeAtomic(p, entry.Data); err != nil {
		return fmt.Errorf("tilecache: write tile: %w", err)
	}

	meta := fileMeta{ContentType: entry.ContentType, StoredAt: entry.StoredAt}
	if meta.StoredAt.IsZero() {
		meta.StoredAt = time.Now().UTC()
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("tilecache: encode sidecar: %w", err)
	}
	if err := writeAtomic(p+".meta", raw); err != nil {
		return fmt.Errorf("tilecache: write sidecar: %w", err)
	}
	return nil
}

// Close is a no-op; the file store holds no open handles between calls.
func (s *FileStore) Close() error { return nil }

// writeAtomic writes data to path via a temp file in the same directory
// followed by a rename. Rename is atomic on POSIX filesystems, so
// concurrent writers race safely with last-write-wins.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
