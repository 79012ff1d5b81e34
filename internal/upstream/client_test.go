// TrigpointingUK Tile Proxy - Metered OS Maps tile caching and admission control
// Copyright 2026 TrigpointingUK
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trigpointinguk/tileproxy

package upstream

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/trigpointinguk/tileproxy/internal/tile"
)

const testAPIKey = "super-secret-api-key"

func testConfig(baseURL string) Config {
	return Config{
		BaseURL:           baseURL,
		APIKey:            testAPIKey,
		Timeout:           2 * time.Second,
		RequestsPerSecond: 1000,
		Burst:             1000,
	}
}

func TestFetchSuccess(t *testing.T) {
	var gotPath, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.URL.Query().Get("key")
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	key := tile.Key{Layer: tile.LayerOutdoor, Z: 17, X: 1000, Y: 600}

	got, err := c.Fetch(context.Background(), key)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !bytes.Equal(got.Data, []byte("png-bytes")) {
		t.Errorf("Data = %q", got.Data)
	}
	if got.ContentType != "image/png" {
		t.Errorf("ContentType = %q", got.ContentType)
	}
	if gotPath != "/Outdoor_3857/17/1000/600.png" {
		t.Errorf("request path = %q", gotPath)
	}
	if gotKey != testAPIKey {
		t.Errorf("api key not sent in query")
	}
}

func TestFetchUpstreamStatusError(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusInternalServerError} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))

		c := NewClient(testConfig(srv.URL))
		_, err := c.Fetch(context.Background(), tile.Key{Layer: tile.LayerRoad, Z: 5, X: 1, Y: 2})
		if !errors.Is(err, ErrUnavailable) {
			t.Errorf("status %d: err = %v, want ErrUnavailable", status, err)
		}
		srv.Close()
	}
}

func TestFetchTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Timeout = 50 * time.Millisecond
	c := NewClient(cfg)

	_, err := c.Fetch(context.Background(), tile.Key{Layer: tile.LayerLight, Z: 3, X: 0, Y: 0})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestFetchEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	_, err := c.Fetch(context.Background(), tile.Key{Layer: tile.LayerLeisure, Z: 6, X: 40, Y: 30})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestPacerRejectionOnCanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream reached despite canceled context")
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Fetch(ctx, tile.Key{Layer: tile.LayerOutdoor, Z: 1, X: 0, Y: 0})
	if !errors.Is(err, ErrRejected) {
		t.Errorf("err = %v, want ErrRejected", err)
	}
}

// The API key must never surface in error text, whatever the failure mode.
func TestErrorsNeverContainAPIKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	_, err := c.Fetch(context.Background(), tile.Key{Layer: tile.LayerOutdoor, Z: 9, X: 250, Y: 170})
	if err == nil {
		t.Fatal("expected error")
	}
	if strings.Contains(err.Error(), testAPIKey) {
		t.Fatalf("api key leaked into error: %v", err)
	}

	// Unreachable host produces a transport error; it must be redacted too.
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Timeout = 100 * time.Millisecond
	c = NewClient(cfg)
	_, err = c.Fetch(context.Background(), tile.Key{Layer: tile.LayerOutdoor, Z: 9, X: 250, Y: 170})
	if err == nil {
		t.Fatal("expected error")
	}
	if strings.Contains(err.Error(), testAPIKey) {
		t.Fatalf("api key leaked into transport error: %v", err)
	}
}
