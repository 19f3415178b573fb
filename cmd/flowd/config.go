package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all flowd daemon configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr        string `json:"listen_addr"`
	DBPath            string `json:"db_path"`
	LogLevel          string `json:"log_level"`
	MaxParallel       int    `json:"max_parallel"`
	NodeTimeoutSec    int    `json:"node_timeout_sec"`
	RetryDelayMs      int    `json:"retry_delay_ms"`
	DedupRetentionHrs int    `json:"dedup_retention_hrs"`
	PollIntervalMs    int    `json:"poll_interval_ms"`
	SweepIntervalSec  int    `json:"sweep_interval_sec"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:        ":4600",
		DBPath:            filepath.Join(flowdDir(), "flowd.db"),
		LogLevel:          "info",
		MaxParallel:       4,
		NodeTimeoutSec:    30,
		RetryDelayMs:      1000,
		DedupRetentionHrs: 24,
		PollIntervalMs:    500,
		SweepIntervalSec:  5,
	}
}

func flowdDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowd"
	}
	return filepath.Join(home, ".flowd")
}

func settingsPath() string {
	return filepath.Join(flowdDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("FLOWD_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("FLOWD_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("FLOWD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FLOWD_MAX_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxParallel = n
		}
	}
	if v := os.Getenv("FLOWD_NODE_TIMEOUT_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.NodeTimeoutSec = n
		}
	}
	if v := os.Getenv("FLOWD_RETRY_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetryDelayMs = n
		}
	}
	if v := os.Getenv("FLOWD_DEDUP_RETENTION_HRS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DedupRetentionHrs = n
		}
	}
	if v := os.Getenv("FLOWD_POLL_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PollIntervalMs = n
		}
	}
	if v := os.Getenv("FLOWD_SWEEP_INTERVAL_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SweepIntervalSec = n
		}
	}

	return cfg
}

func (c Config) nodeTimeout() time.Duration { return time.Duration(c.NodeTimeoutSec) * time.Second }

func (c Config) retryDelay() time.Duration { return time.Duration(c.RetryDelayMs) * time.Millisecond }

func (c Config) dedupRetention() time.Duration { return time.Duration(c.DedupRetentionHrs) * time.Hour }

func (c Config) pollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c Config) sweepInterval() time.Duration { return time.Duration(c.SweepIntervalSec) * time.Second }
