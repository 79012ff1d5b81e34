// TrigpointingUK Tile Proxy - Metered OS Maps tile caching and admission control
// Copyright 2026 TrigpointingUK
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trigpointinguk/tileproxy

package proxy

import (
	"net/http"

	json "github.com/goccy/go-json"

	"github.com/trigpointinguk/tileproxy/internal/logging"
)

// errorResponse is the body of every non-200 JSON response.
type errorResponse struct {
	Error string `json:"error"`
}

// respondJSON writes v as a JSON response.
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// respondError writes a JSON error body. Denied scopes and upstream
// details stay in the logs, not in the response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}
