// TrigpointingUK Tile Proxy - Metered OS Maps tile caching and admission control
// Copyright 2026 TrigpointingUK
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trigpointinguk/tileproxy

// Package config defines the tile proxy's configuration model and its
// layered loading (defaults, optional YAML file, environment).
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/trigpointinguk/tileproxy/internal/ledger"
	"github.com/trigpointinguk/tileproxy/internal/logging"
	"github.com/trigpointinguk/tileproxy/internal/tilecache"
	"github.com/trigpointinguk/tileproxy/internal/upstream"
)

// Config is the root configuration, loaded once at startup and treated
// as immutable thereafter. The weekly rate-limit policy in particular
// must not change at runtime: admission decisions stay a pure function
// of (counters, policy).
type Config struct {
	Server  ServerConfig     `koanf:"server"`
	Logging logging.Config   `koanf:"logging"`
	OSMaps  upstream.Config  `koanf:"osmaps"`
	Cache   tilecache.Config `koanf:"cache"`
	Redis   RedisConfig      `koanf:"redis"`
	Limits  ledger.Policy    `koanf:"limits"`
	Burst   BurstConfig      `koanf:"burst"`
	CORS    CORSConfig       `koanf:"cors"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host            string        `koanf:"host" validate:"required"`
	Port            int           `koanf:"port" validate:"gt=0,lte=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `koanf:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
	Environment     string        `koanf:"environment" validate:"oneof=development production"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RedisConfig selects the ledger backend. When disabled, the in-memory
// ledger is used; that is only correct for single-instance deployments.
type RedisConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Addr      string `koanf:"addr" validate:"required_if=Enabled true"`
	Password  string `koanf:"password"`
	DB        int    `koanf:"db" validate:"gte=0"`
	KeyPrefix string `koanf:"key_prefix"`
}

// BurstConfig is the short-horizon per-IP request limit applied at the
// router, in front of the weekly ledger. It absorbs scrapes and tight
// retry loops cheaply so the ledger only sees plausible traffic.
type BurstConfig struct {
	Requests int           `koanf:"requests" validate:"gt=0"`
	Window   time.Duration `koanf:"window" validate:"gt=0"`
}

// CORSConfig controls browser access to the tile endpoints.
type CORSConfig struct {
	Origins []string `koanf:"origins"`
}

// Validate checks the assembled configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	return nil
}
