// TrigpointingUK Tile Proxy - Metered OS Maps tile caching and admission control
// Copyright 2026 TrigpointingUK
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trigpointinguk/tileproxy

// Package main is the entry point for the tile proxy server.
//
// The proxy sits between map clients and the metered Ordnance Survey
// Maps API. Every tile served from the shared cache is free; only cache
// misses touch the paid API, and those are admitted against weekly
// usage ceilings tracked per caller, per IP, and globally.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: layered settings from defaults, config.yaml and
//     environment variables (Koanf v2)
//  2. Tile cache: file, BadgerDB or in-memory backend
//  3. Usage ledger: Redis-backed weekly counters, or in-process
//     counters for single-instance deployments
//  4. Upstream client: OS Maps API with circuit breaker and pacer
//  5. HTTP server: chi router under a suture supervision tree
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins):
//   - Environment variables (OS_MAPS_API_KEY, REDIS_ADDR, ...)
//   - Config file (config.yaml, or CONFIG_PATH)
//   - Built-in defaults
//
// The only required setting is the OS Maps API key:
//
//	export OS_MAPS_API_KEY=your-os-data-hub-key
//	./tileproxy
//
// Multi-instance deployments share counters through Redis:
//
//	export REDIS_ENABLED=true
//	export REDIS_ADDR=redis:6379
//
// # Signal Handling
//
// The server handles graceful shutdown on SIGINT and SIGTERM: it stops
// accepting connections, waits for in-flight requests (10s timeout),
// then closes the cache and ledger.
package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	goredis "github.com/redis/go-redis/v9"

	"github.com/trigpointinguk/tileproxy/internal/config"
	"github.com/trigpointinguk/tileproxy/internal/ledger"
	"github.com/trigpointinguk/tileproxy/internal/logging"
	"github.com/trigpointinguk/tileproxy/internal/proxy"
	"github.com/trigpointinguk/tileproxy/internal/supervisor"
	"github.com/trigpointinguk/tileproxy/internal/supervisor/services"
	"github.com/trigpointinguk/tileproxy/internal/tilecache"
	"github.com/trigpointinguk/tileproxy/internal/upstream"
)

func main() {
	// Load configuration first to get logging settings.
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(cfg.Logging)

	logging.Info().
		Str("environment", cfg.Server.Environment).
		Str("cache_backend", cfg.Cache.Backend).
		Bool("redis_enabled", cfg.Redis.Enabled).
		Msg("Starting tile proxy")

	// Tile cache. All backends are safe for concurrent use; the file
	// backend is additionally safe to share between instances.
	cache, err := tilecache.New(cfg.Cache)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize tile cache")
	}
	defer func() {
		if err := cache.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing tile cache")
		}
	}()

	// Usage ledger. Redis gives fleet-wide counters; the in-process
	// ledger is for single-instance deployments and development.
	var usageLedger ledger.Ledger
	if cfg.Redis.Enabled {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			// Not fatal: admission fails open, and the client retries
			// on every reservation.
			logging.Warn().Err(err).Str("addr", cfg.Redis.Addr).
				Msg("Redis unreachable at startup, admission will fail open until it recovers")
		}
		usageLedger = ledger.NewRedisLedger(client, cfg.Limits,
			ledger.WithKeyPrefix(cfg.Redis.KeyPrefix))
		logging.Info().Str("addr", cfg.Redis.Addr).Msg("Usage ledger: redis")
	} else {
		usageLedger = ledger.NewMemoryLedger(cfg.Limits)
		logging.Info().Msg("Usage ledger: in-process (counters reset on restart)")
	}
	defer func() {
		if err := usageLedger.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing usage ledger")
		}
	}()

	fetcher := upstream.NewClient(cfg.OSMaps)

	handler := proxy.NewHandler(cache, usageLedger, fetcher)
	router := proxy.NewRouter(cfg, handler)

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router.Setup(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Supervision tree: restarts the HTTP server with backoff if it
	// fails, and drives graceful shutdown on signal.
	treeCfg := supervisor.DefaultTreeConfig()
	treeCfg.ShutdownTimeout = cfg.Server.ShutdownTimeout
	tree := supervisor.NewTree(logging.NewSlogLogger(), treeCfg)
	tree.Add(services.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info().Str("addr", cfg.Server.Addr()).Msg("Tile proxy listening")

	if err := tree.Serve(ctx); err != nil && err != context.Canceled {
		logging.Fatal().Err(err).Msg("Supervisor tree exited with error")
	}

	logging.Info().Msg("Tile proxy stopped")
}
