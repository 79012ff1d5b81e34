// TrigpointingUK Tile Proxy - Metered OS Maps tile caching and admission control
// Copyright 2026 TrigpointingUK
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trigpointinguk/tileproxy

// Package proxy orchestrates the tile pipeline: cache check,
// classification, admission, upstream fetch, store, serve.
package proxy

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/trigpointinguk/tileproxy/internal/ledger"
	"github.com/trigpointinguk/tileproxy/internal/logging"
	"github.com/trigpointinguk/tileproxy/internal/metrics"
	"github.com/trigpointinguk/tileproxy/internal/middleware"
	"github.com/trigpointinguk/tileproxy/internal/tile"
	"github.com/trigpointinguk/tileproxy/internal/tilecache"
	"github.com/trigpointinguk/tileproxy/internal/upstream"
)

// tileCacheControl marks tiles immutable for a year: tile content for a
// given address never changes, so clients and CDNs may cache forever.
const tileCacheControl = "public, max-age=31536000"

// Fetcher is the slice of the upstream client the orchestrator needs.
type Fetcher interface {
	Fetch(ctx context.Context, key tile.Key) (*upstream.Tile, error)
}

// Handler runs the tile pipeline for each request.
//
// The pipeline order is fixed: cache check precedes classification
// (class depends on the hit outcome), which precedes admission, which
// precedes the fetch. Concurrent requests for the same cold tile each
// run the full pipeline independently; a duplicate fetch costs less
// than coordinating them.
type Handler struct {
	cache  tilecache.Store
	ledger ledger.Ledger
	fetch  Fetcher

	// now is swappable for week-boundary tests.
	now func() time.Time
}

// NewHandler wires the pipeline.
func NewHandler(cache tilecache.Store, l ledger.Ledger, fetch Fetcher) *Handler {
	return &Handler{cache: cache, ledger: l, fetch: fetch, now: time.Now}
}

// ServeTile handles GET /tiles/{layer}/{z}/{x}/{y}.png.
//
// Outcomes: 400 invalid address, 429 weekly ceiling reached, 502
// upstream failure, 200 with the tile and X-Tile-Source/X-Tile-Type
// headers.
func (h *Handler) ServeTile(w http.ResponseWriter, r *http.Request) {
	key, err := tile.ParseKey(
		chi.URLParam(r, "layer"),
		chi.URLParam(r, "z"),
		chi.URLParam(r, "x"),
		chi.URLParam(r, "y"),
	)
	if err != nil {
		metrics.RecordTileRequest("none", "none", http.StatusBadRequest)
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()

	// Cache hit: serve directly. Always free, never touches the ledger.
	if entry, ok := h.cache.Get(ctx, key.String()); ok {
		metrics.TileCacheHits.Inc()
		metrics.RecordTileRequest("cache", tile.Free.String(), http.StatusOK)
		writeTile(w, entry.Data, entry.ContentType, "cache", tile.Free)
		return
	}
	metrics.TileCacheMisses.Inc()

	class := tile.Classify(key.Layer, key.Z, false)
	caller := middleware.CallerFromContext(ctx)
	scopes := caller.Scopes()
	week := ledger.WeekBucket(h.now())

	// From here on the request spends real budget, so the reservation,
	// fetch and cache write all run detached from the client's context.
	// A disconnect must not skip the accounting (a canceled context
	// surfacing through the ledger client is not a ledger outage), and
	// it must not strand a reserved counter without the fetch it paid
	// for. The upstream client carries its own timeout.
	opCtx := context.WithoutCancel(ctx)

	decision, err := h.ledger.CheckAndReserve(opCtx, scopes, class, week)
	switch {
	case err != nil:
		// Fail open: the ledger is accounting, not the product. A ledger
		// outage must not take the map down; admit and log loudly.
		metrics.LedgerFailOpen.Inc()
		logging.Ctx(ctx).Warn().Err(err).
			Str("tile", key.String()).
			Str("class", class.String()).
			Msg("Usage ledger unreachable, admitting without accounting")
	case !decision.Allowed:
		metrics.RateLimitDenials.WithLabelValues(string(decision.DeniedScope), class.String()).Inc()
		metrics.RecordTileRequest("none", class.String(), http.StatusTooManyRequests)
		logging.Ctx(ctx).Info().
			Str("tile", key.String()).
			Str("class", class.String()).
			Str("scope", string(decision.DeniedScope)).
			Int64("limit", decision.DeniedLimit).
			Msg("Tile fetch denied by weekly ceiling")
		respondError(w, http.StatusTooManyRequests, "weekly tile limit reached")
		return
	}

	fetched, err := h.fetch.Fetch(opCtx, key)
	if err != nil {
		// The reservation stands: it models attempted, cost-incurring
		// demand, and the provider may bill failed calls.
		metrics.RecordTileRequest("none", class.String(), http.StatusBadGateway)
		logging.CtxErr(ctx, err).Str("tile", key.String()).Msg("Upstream fetch failed")
		respondError(w, http.StatusBadGateway, "upstream tile fetch failed")
		return
	}

	// Best-effort store: a cache write failure must never fail a request
	// we already paid for.
	entry := tilecache.Entry{
		Data:        fetched.Data,
		ContentType: fetched.ContentType,
		StoredAt:    h.now().UTC(),
	}
	if err := h.cache.Put(opCtx, key.String(), entry); err != nil {
		metrics.TileCacheWriteFailures.Inc()
		logging.CtxErr(ctx, err).Str("tile", key.String()).Msg("Tile cache write failed")
	}

	metrics.RecordTileRequest("os-api", class.String(), http.StatusOK)
	writeTile(w, fetched.Data, fetched.ContentType, "os-api", class)
}

// writeTile emits a 200 tile response with the provenance headers.
func writeTile(w http.ResponseWriter, data []byte, contentType, source string, class tile.CostClass) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", tileCacheControl)
	w.Header().Set("X-Tile-Source", source)
	w.Header().Set("X-Tile-Type", class.String())
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
