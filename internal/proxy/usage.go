// TrigpointingUK Tile Proxy - Metered OS Maps tile caching and admission control
// Copyright 2026 TrigpointingUK
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trigpointinguk/tileproxy

package proxy

import (
	"net/http"

	"github.com/trigpointinguk/tileproxy/internal/ledger"
	"github.com/trigpointinguk/tileproxy/internal/logging"
	"github.com/trigpointinguk/tileproxy/internal/middleware"
)

// usageResponse is the body of GET /tiles/usage.
type usageResponse struct {
	Week   string              `json:"week"`
	Scopes []ledger.ScopeUsage `json:"scopes"`
}

// Usage handles GET /tiles/usage: the caller's own counters for the
// current week, read from the same store the limiter consults.
func (h *Handler) Usage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := middleware.CallerFromContext(ctx)
	week := ledger.WeekBucket(h.now())

	rows, err := h.ledger.Usage(ctx, caller.Scopes(), week)
	if err != nil {
		logging.CtxErr(ctx, err).Msg("Usage report failed")
		respondError(w, http.StatusServiceUnavailable, "usage ledger unavailable")
		return
	}

	respondJSON(w, http.StatusOK, usageResponse{Week: week, Scopes: rows})
}
