/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int
	DBBackend   DatabaseBackend
	DBDSN       string
	AutoMigrate bool
	MetricsBind string

	// Speaker delivery
	SpeakerPort int // UDP destination port on every speaker endpoint

	// Encoder defaults
	OpusBitrate int // bits per second

	// Schedule orchestration
	ScanInterval time.Duration

	// Optional NATS mirror for runtime events
	NATSURL string
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment:  getEnv("SKALD_ENV", "development"),
		HTTPBind:     getEnv("SKALD_HTTP_BIND", "0.0.0.0"),
		HTTPPort:     getEnvInt("SKALD_HTTP_PORT", 8080),
		DBBackend:    DatabaseBackend(getEnv("SKALD_DB_BACKEND", string(DatabaseSQLite))),
		DBDSN:        getEnv("SKALD_DB_DSN", "skald.db"),
		AutoMigrate:  getEnvBool("SKALD_AUTO_MIGRATE", true),
		MetricsBind:  getEnv("SKALD_METRICS_BIND", "127.0.0.1:9000"),
		SpeakerPort:  getEnvInt("SKALD_SPEAKER_PORT", 7902),
		OpusBitrate:  getEnvInt("SKALD_OPUS_BITRATE", 64000),
		ScanInterval: time.Duration(getEnvInt("SKALD_SCAN_INTERVAL_SECONDS", 10)) * time.Second,
		NATSURL:      getEnv("SKALD_NATS_URL", ""),
	}

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}

	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("SKALD_DB_DSN must be provided")
	}

	if cfg.SpeakerPort <= 0 || cfg.SpeakerPort > 65535 {
		return nil, fmt.Errorf("SKALD_SPEAKER_PORT %d out of range", cfg.SpeakerPort)
	}

	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 10 * time.Second
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(strings.TrimSpace(val))
		if val == "true" || val == "1" || val == "yes" {
			return true
		}
		if val == "false" || val == "0" || val == "no" {
			return false
		}
	}
	return def
}
