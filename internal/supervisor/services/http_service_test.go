// TrigpointingUK Tile Proxy - Metered OS Maps tile caching and admission control
// Copyright 2026 TrigpointingUK
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trigpointinguk/tileproxy

package services

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

// mockServer scripts ListenAndServe/Shutdown behavior.
type mockServer struct {
	serveErr    error
	serveDone   chan struct{}
	shutdownErr error
	shutdowns   int
}

func (m *mockServer) ListenAndServe() error {
	if m.serveDone != nil {
		<-m.serveDone
		return http.ErrServerClosed
	}
	return m.serveErr
}

func (m *mockServer) Shutdown(ctx context.Context) error {
	m.shutdowns++
	if m.serveDone != nil {
		close(m.serveDone)
	}
	return m.shutdownErr
}

func TestServeReturnsStartupError(t *testing.T) {
	srv := &mockServer{serveErr: errors.New("bind: address already in use")}
	svc := NewHTTPServerService(srv, time.Second)

	err := svc.Serve(context.Background())
	if !errors.Is(err, srv.serveErr) {
		t.Fatalf("Serve = %v, want wrapped startup error", err)
	}
}

func TestServeGracefulShutdown(t *testing.T) {
	srv := &mockServer{serveDone: make(chan struct{})}
	svc := NewHTTPServerService(srv, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	// Give the server goroutine a moment to start, then request shutdown.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}

	if srv.shutdowns != 1 {
		t.Errorf("Shutdown called %d times, want 1", srv.shutdowns)
	}
}

func TestServeSurfacesShutdownFailure(t *testing.T) {
	srv := &mockServer{serveDone: make(chan struct{}), shutdownErr: errors.New("connections still active")}
	svc := NewHTTPServerService(srv, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := svc.Serve(ctx)
	if err == nil || errors.Is(err, context.Canceled) {
		t.Errorf("Serve = %v, want shutdown failure", err)
	}
}

func TestStringer(t *testing.T) {
	svc := NewHTTPServerService(&mockServer{}, 0)
	if svc.String() != "http-server" {
		t.Errorf("String() = %q", svc.String())
	}
}
