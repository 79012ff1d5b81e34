// TrigpointingUK Tile Proxy - Metered OS Maps tile caching and admission control
// Copyright 2026 TrigpointingUK
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trigpointinguk/tileproxy

package proxy

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trigpointinguk/tileproxy/internal/config"
	"github.com/trigpointinguk/tileproxy/internal/middleware"
)

// Router assembles the HTTP surface of the proxy.
type Router struct {
	handler *Handler
	cfg     *config.Config
}

// NewRouter builds the router around a wired pipeline handler.
func NewRouter(cfg *config.Config, handler *Handler) *Router {
	return &Router{handler: handler, cfg: cfg}
}

// Setup configures all routes.
func (router *Router) Setup() http.Handler {
	r := chi.NewRouter()

	// Global middleware, applied to all routes in order.
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: router.cfg.CORS.Origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Tile-Source", "X-Tile-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	// Tile endpoints. The per-IP burst limiter sits in front of the
	// weekly ledger and absorbs scrapes cheaply; identity resolution
	// runs after it so even limited callers cost nothing to attribute.
	r.Route("/tiles", func(r chi.Router) {
		r.Use(httprate.LimitByIP(router.cfg.Burst.Requests, router.cfg.Burst.Window))
		r.Use(middleware.Identity)

		r.With(middleware.PrometheusMetrics("/tiles/usage")).
			Get("/usage", router.handler.Usage)
		r.With(middleware.PrometheusMetrics("/tiles/{layer}/{z}/{x}/{y}.png")).
			Get("/{layer}/{z}/{x}/{y}.png", router.handler.ServeTile)
	})

	// Health endpoints, unauthenticated and unlimited for orchestration
	// probes.
	r.Route("/healthz", func(r chi.Router) {
		r.Get("/live", router.handler.HealthLive)
		r.Get("/ready", router.handler.HealthReady)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}

// HealthLive reports process liveness.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HealthReady reports whether the proxy can serve tiles. The ledger is
// deliberately not probed: the proxy serves (fail-open) without it.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"cache":  "ok",
	})
}
