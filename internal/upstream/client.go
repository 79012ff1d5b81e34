// TrigpointingUK Tile Proxy - Metered OS Maps tile caching and admission control
// Copyright 2026 TrigpointingUK
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trigpointinguk/tileproxy

// Package upstream is the HTTP client for the OS Maps ZXY raster API.
//
// Every call here costs money, so the client is defensive in both
// directions: a token-bucket pacer smooths our own burst behavior
// toward the provider, and a circuit breaker stops hammering it while
// it is failing. The API key travels only in the request query string
// and is never reproduced in errors or logs.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/trigpointinguk/tileproxy/internal/logging"
	"github.com/trigpointinguk/tileproxy/internal/metrics"
	"github.com/trigpointinguk/tileproxy/internal/tile"
)

var (
	// ErrRejected means the client refused to attempt the fetch: the
	// circuit is open or the pacer could not grant a slot before the
	// context expired. No upstream cost was incurred.
	ErrRejected = errors.New("upstream: request rejected")

	// ErrUnavailable means the fetch was attempted and failed: network
	// error, timeout, or a non-200 status from the provider.
	ErrUnavailable = errors.New("upstream: provider unavailable")
)

// maxTileBytes bounds a single tile read. OS Maps raster tiles are tens
// of kilobytes; anything past this is a misbehaving response.
const maxTileBytes = 4 << 20

// Tile is a successfully fetched raster tile.
type Tile struct {
	Data        []byte
	ContentType string
}

// Config configures the OS Maps client.
type Config struct {
	// BaseURL is the ZXY endpoint root, e.g.
	// "https://api.os.uk/maps/raster/v1/zxy".
	BaseURL string `koanf:"base_url" validate:"required,url"`

	// APIKey authenticates against the provider. Never logged.
	APIKey string `koanf:"api_key" validate:"required"`

	// Timeout bounds a single fetch end to end.
	Timeout time.Duration `koanf:"timeout" validate:"required"`

	// RequestsPerSecond and Burst shape the outbound pacer.
	RequestsPerSecond float64 `koanf:"requests_per_second" validate:"gt=0"`
	Burst             int     `koanf:"burst" validate:"gt=0"`
}

// Client fetches tiles from the OS Maps API.
//
// DETERMINISM NOTE: the circuit breaker uses real time (via
// sony/gobreaker) for its interval and timeout calculations. Tests
// should exercise failure handling through the HTTP layer rather than
// the breaker's clock.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker[*Tile]
	limiter *rate.Limiter
}

// NewClient builds a client with pacing and circuit breaking wired in.
// Circuit breaker configuration:
// - Max 3 concurrent requests in half-open state
// - 1 minute measurement window
// - 30 second timeout before attempting recovery
// - Opens after 60% failure rate with minimum 10 requests
func NewClient(cfg Config) *Client {
	cbName := "os-maps-api"
	metrics.CircuitBreakerState.WithLabelValues(cbName).Set(0) // 0 = closed

	cb := gobreaker.NewCircuitBreaker[*Tile](gobreaker.Settings{
		Name:        cbName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			shouldTrip := failureRatio >= 0.6
			if shouldTrip {
				logging.Warn().
					Uint32("failures", counts.TotalFailures).
					Float64("failure_rate", failureRatio*100).
					Msg("[CIRCUIT BREAKER] Opening circuit to OS Maps API")
			}
			return shouldTrip
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			fromStr := stateToString(from)
			toStr := stateToString(to)
			logging.Info().Str("from", fromStr).Str("to", toStr).Msg("[CIRCUIT BREAKER] State transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, fromStr, toStr).Inc()
		},
	})

	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		cb:      cb,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
	}
}

// Fetch retrieves one tile. Rejections (breaker open, pacer starved)
// return ErrRejected without touching the provider; attempted fetches
// that fail return ErrUnavailable.
func (c *Client) Fetch(ctx context.Context, key tile.Key) (*Tile, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		metrics.UpstreamRequests.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: pacer: %s", ErrRejected, key)
	}

	start := time.Now()
	result, err := c.cb.Execute(func() (*Tile, error) {
		return c.fetch(ctx, key)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.UpstreamRequests.WithLabelValues("rejected").Inc()
			logging.Warn().Str("tile", key.String()).Msg("[CIRCUIT BREAKER] Fetch rejected")
			return nil, fmt.Errorf("%w: circuit open: %s", ErrRejected, key)
		}
		metrics.UpstreamRequests.WithLabelValues("failure").Inc()
		return nil, err
	}

	metrics.UpstreamRequests.WithLabelValues("success").Inc()
	metrics.UpstreamRequestDuration.Observe(time.Since(start).Seconds())
	return result, nil
}

// fetch performs the raw HTTP round trip. Errors are built from the
// tile address, never from the request URL, so the API key cannot leak
// through wrapped url.Error values.
func (c *Client) fetch(ctx context.Context, key tile.Key) (*Tile, error) {
	u := c.baseURL + "/" + string(key.Layer) +
		"/" + strconv.Itoa(key.Z) + "/" + strconv.Itoa(key.X) + "/" + strconv.Itoa(key.Y) +
		".png?key=" + url.QueryEscape(c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request for %s", ErrUnavailable, key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %s", ErrUnavailable, key)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d for %s", ErrUnavailable, resp.StatusCode, key)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxTileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body for %s", ErrUnavailable, key)
	}
	if len(data) == 0 || len(data) > maxTileBytes {
		return nil, fmt.Errorf("%w: implausible tile size %d for %s", ErrUnavailable, len(data), key)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/png"
	}
	return &Tile{Data: data, ContentType: contentType}, nil
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}
