package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "RECSYNC_"

// FileEnv names the variable holding an optional YAML config path.
const FileEnv = EnvPrefix + "CONFIG"

// Load builds a Config by layering defaults, optional file, and env vars.
// Order of precedence (low -> high):
//  1. defaults (New())
//  2. file (YAML) if RECSYNC_CONFIG is set
//  3. env (prefix RECSYNC_)
func Load(_ context.Context) (*Config, error) {
	base := New()

	k := koanf.New(".")

	if path := os.Getenv(FileEnv); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrLoadConfig, path, err)
		}
	}

	// RECSYNC_SYNC_THRESHOLD -> sync_threshold; keys stay flat.
	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.TrimPrefix(strings.ToLower(s), strings.ToLower(EnvPrefix))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("%w: env: %w", ErrLoadConfig, err)
	}

	cfg := *base
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case c.ModelBaseURL == "":
		return fmt.Errorf("%w: model_base_url must not be empty", ErrInvalidConfig)
	case c.SyncThreshold < 1:
		return fmt.Errorf("%w: sync_threshold must be at least 1", ErrInvalidConfig)
	case c.ModelTimeoutMS <= 0:
		return fmt.Errorf("%w: model_timeout_ms must be positive", ErrInvalidConfig)
	case c.ModelMaxRetries < 0:
		return fmt.Errorf("%w: model_max_retries must not be negative", ErrInvalidConfig)
	case c.SyncTimeoutMS <= 0:
		return fmt.Errorf("%w: sync_timeout_ms must be positive", ErrInvalidConfig)
	}

	switch c.SyncMode {
	case SyncModeInline, SyncModeAsync:
	default:
		return fmt.Errorf("%w: unknown sync_mode %q", ErrInvalidConfig, c.SyncMode)
	}
	switch c.SyncLock {
	case LockLocal:
	case LockRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("%w: redis_addr required for sync_lock=redis", ErrInvalidConfig)
		}
		if c.LockTTLMS <= c.ModelTimeoutMS {
			return fmt.Errorf("%w: lock_ttl_ms (%d) must exceed model_timeout_ms (%d)",
				ErrInvalidConfig, c.LockTTLMS, c.ModelTimeoutMS)
		}
	default:
		return fmt.Errorf("%w: unknown sync_lock %q", ErrInvalidConfig, c.SyncLock)
	}
	switch c.StoreDriver {
	case StoreMemory:
	case StoreSQLite:
		if c.StoreSQLitePath == "" {
			return fmt.Errorf("%w: store_sqlite_path required for store_driver=sqlite", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store_driver %q", ErrInvalidConfig, c.StoreDriver)
	}
	switch c.EnrichMissingPolicy {
	case "keep", "drop":
	default:
		return fmt.Errorf("%w: unknown enrich_missing_policy %q", ErrInvalidConfig, c.EnrichMissingPolicy)
	}
	if c.SyncMode == SyncModeAsync && (c.QueueSize <= 0 || c.WorkerCount <= 0) {
		return fmt.Errorf("%w: async sync needs positive queue_size and worker_count", ErrInvalidConfig)
	}
	return nil
}
