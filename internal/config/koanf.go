// TrigpointingUK Tile Proxy - Metered OS Maps tile caching and admission control
// Copyright 2026 TrigpointingUK
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trigpointinguk/tileproxy

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/trigpointinguk/tileproxy/internal/ledger"
	"github.com/trigpointinguk/tileproxy/internal/logging"
	"github.com/trigpointinguk/tileproxy/internal/tilecache"
	"github.com/trigpointinguk/tileproxy/internal/upstream"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/tileproxy/config.yaml",
	"/etc/tileproxy/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config with all defaults applied. Weekly
// ceilings default to the production numbers sized against the OS Maps
// free transaction allowance; override per environment.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 20 * time.Second,
			Environment:     "development",
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		OSMaps: upstream.Config{
			BaseURL:           "https://api.os.uk/maps/raster/v1/zxy",
			APIKey:            "",
			Timeout:           30 * time.Second,
			RequestsPerSecond: 50,
			Burst:             100,
		},
		Cache: tilecache.Config{
			Backend: "file",
			Dir:     "/data/tiles",
			Path:    "/data/tilecache.badger",
		},
		Redis: RedisConfig{
			Enabled:   false,
			Addr:      "localhost:6379",
			Password:  "",
			DB:        0,
			KeyPrefix: "tileproxy:",
		},
		Limits: ledger.Policy{
			Global:    ledger.ClassLimits{Free: 500000, Premium: 20000},
			PerIP:     ledger.ClassLimits{Free: 10000, Premium: 100},
			PerUser:   ledger.ClassLimits{Free: 25000, Premium: 1000},
			Anonymous: ledger.ClassLimits{Free: 200000, Premium: 2000},
		},
		Burst: BurstConfig{
			Requests: 300,
			Window:   time.Minute,
		},
		CORS: CORSConfig{
			Origins: []string{"*"},
		},
	}
}

// Load builds configuration using koanf v2 with layered sources:
//  1. Defaults: built-in values above
//  2. Config file: optional YAML (CONFIG_PATH or DefaultConfigPaths)
//  3. Environment variables: highest priority
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// OS_MAPS_API_KEY -> osmaps.api_key, LIMIT_PER_IP_PREMIUM -> limits.per_ip.premium
	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// findConfigFile returns the first config file that exists, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths lists config paths parsed as comma-separated slices
// when supplied through the environment.
var sliceConfigPaths = []string{
	"cors.origins",
}

// processSliceFields converts comma-separated string values to slices
// for known slice fields. Env vars arrive as strings; YAML arrives as
// real slices and is left alone.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}
		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envTransformFunc maps environment variable names to koanf paths.
// Unknown variables map to "" and are ignored, so the process
// environment cannot inject arbitrary config keys.
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}

var envMappings = map[string]string{
	// Server
	"http_host":             "server.host",
	"http_port":             "server.port",
	"http_read_timeout":     "server.read_timeout",
	"http_write_timeout":    "server.write_timeout",
	"http_shutdown_timeout": "server.shutdown_timeout",
	"environment":           "server.environment",

	// Logging
	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",

	// OS Maps upstream
	"os_maps_base_url": "osmaps.base_url",
	"os_maps_api_key":  "osmaps.api_key",
	"os_maps_timeout":  "osmaps.timeout",
	"os_maps_rps":      "osmaps.requests_per_second",
	"os_maps_burst":    "osmaps.burst",

	// Tile cache
	"cache_backend": "cache.backend",
	"cache_dir":     "cache.dir",
	"cache_path":    "cache.path",

	// Redis ledger
	"redis_enabled":    "redis.enabled",
	"redis_addr":       "redis.addr",
	"redis_password":   "redis.password",
	"redis_db":         "redis.db",
	"redis_key_prefix": "redis.key_prefix",

	// Weekly ceilings
	"limit_global_free":       "limits.global.free",
	"limit_global_premium":    "limits.global.premium",
	"limit_per_ip_free":       "limits.per_ip.free",
	"limit_per_ip_premium":    "limits.per_ip.premium",
	"limit_per_user_free":     "limits.per_user.free",
	"limit_per_user_premium":  "limits.per_user.premium",
	"limit_anonymous_free":    "limits.anonymous.free",
	"limit_anonymous_premium": "limits.anonymous.premium",

	// Router burst limit
	"burst_requests": "burst.requests",
	"burst_window":   "burst.window",

	// CORS
	"cors_origins": "cors.origins",
}
