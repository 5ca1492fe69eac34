// Package config defines service configuration structures and loading hooks.
//
// Conventions:
// - Durations are carried as integer milliseconds and converted at the edge.
// - Provide New() to build a Config with defaults; Load layers file and env on top.
package config

import (
	"runtime"
	"time"
)

// Sync dispatch modes.
const (
	SyncModeInline = "inline"
	SyncModeAsync  = "async"
)

// Per-user lock backends.
const (
	LockLocal = "local"
	LockRedis = "redis"
)

// Store drivers.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// ModelBaseURL is the base address of the recommendation model service.
	ModelBaseURL string `koanf:"model_base_url"`

	// ModelTimeoutMS bounds every model call, retries included.
	ModelTimeoutMS int `koanf:"model_timeout_ms"`

	// ModelMaxRetries and ModelRetryBaseDelayMS shape backoff for retryable calls.
	ModelMaxRetries       int `koanf:"model_max_retries"`
	ModelRetryBaseDelayMS int `koanf:"model_retry_base_delay_ms"`

	// ModelRateLimitRPS caps outbound model calls; zero disables the limiter.
	ModelRateLimitRPS   float64 `koanf:"model_rate_limit_rps"`
	ModelRateLimitBurst int     `koanf:"model_rate_limit_burst"`

	// ModelReadinessPath enables polling after register until the profile is served.
	ModelReadinessPath       string `koanf:"model_readiness_path"`
	ModelReadinessIntervalMS int    `koanf:"model_readiness_interval_ms"`

	// SyncThreshold is the pending feedback count that triggers a model update.
	SyncThreshold int `koanf:"sync_threshold"`

	// SyncMode is inline (sync on the write path) or async (queued to workers).
	SyncMode string `koanf:"sync_mode"`

	// SyncTimeoutMS bounds one model update once it has been sent, detached
	// from the request that triggered it.
	SyncTimeoutMS int `koanf:"sync_timeout_ms"`

	// SyncOnRead runs a best-effort sync before recommendation and profile reads.
	SyncOnRead bool `koanf:"sync_on_read"`

	// SyncLock selects the per-user lock: local or redis. A redis lease lasts
	// LockTTLMS and is renewed while held; it must outlive one model call.
	SyncLock  string `koanf:"sync_lock"`
	RedisAddr string `koanf:"redis_addr"`
	LockTTLMS int    `koanf:"lock_ttl_ms"`

	// QueueSize bounds the async sync job queue.
	QueueSize int `koanf:"queue_size"`

	// WorkerCount sets the number of sync workers.
	WorkerCount int `koanf:"worker_count"`

	// DedupeSize sets the size of the feedback de-duplication window.
	DedupeSize int `koanf:"dedupe_size"`

	// StoreDriver selects memory or sqlite persistence.
	StoreDriver     string `koanf:"store_driver"`
	StoreSQLitePath string `koanf:"store_sqlite_path"`

	// EnrichMissingPolicy is keep or drop for recommendations absent from the catalog.
	EnrichMissingPolicy string `koanf:"enrich_missing_policy"`
	EnrichConcurrency   int    `koanf:"enrich_concurrency"`

	// RollbackOnRegisterFailure deletes the local user when model registration fails.
	RollbackOnRegisterFailure bool `koanf:"rollback_on_register_failure"`
}

// New creates a Config with defaults.
func New() *Config {
	return &Config{
		LogLevel:                  "info",
		Addr:                      ":9080",
		ModelBaseURL:              "http://localhost:8000",
		ModelTimeoutMS:            5_000,
		ModelMaxRetries:           3,
		ModelRetryBaseDelayMS:     100,
		ModelRateLimitRPS:         0,
		ModelRateLimitBurst:       10,
		ModelReadinessIntervalMS:  200,
		SyncThreshold:             5,
		SyncMode:                  SyncModeInline,
		SyncTimeoutMS:             30_000,
		SyncOnRead:                true,
		SyncLock:                  LockLocal,
		RedisAddr:                 "localhost:6379",
		LockTTLMS:                 30_000,
		QueueSize:                 10_000,
		WorkerCount:               runtime.NumCPU() * 2,
		DedupeSize:                100_000,
		StoreDriver:               StoreMemory,
		StoreSQLitePath:           "recsync.db",
		EnrichMissingPolicy:       "keep",
		EnrichConcurrency:         8,
		RollbackOnRegisterFailure: true,
	}
}

// ModelTimeout returns ModelTimeoutMS as a duration.
func (c *Config) ModelTimeout() time.Duration {
	return time.Duration(c.ModelTimeoutMS) * time.Millisecond
}

// ModelRetryBaseDelay returns ModelRetryBaseDelayMS as a duration.
func (c *Config) ModelRetryBaseDelay() time.Duration {
	return time.Duration(c.ModelRetryBaseDelayMS) * time.Millisecond
}

// ModelReadinessInterval returns ModelReadinessIntervalMS as a duration.
func (c *Config) ModelReadinessInterval() time.Duration {
	return time.Duration(c.ModelReadinessIntervalMS) * time.Millisecond
}

// SyncTimeout returns SyncTimeoutMS as a duration.
func (c *Config) SyncTimeout() time.Duration {
	return time.Duration(c.SyncTimeoutMS) * time.Millisecond
}

// LockTTL returns LockTTLMS as a duration.
func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.LockTTLMS) * time.Millisecond
}
