package keylock

import (
	"time"

	"github.com/okian/recsync/pkg/logger"
)

// RedisOption configures a RedisLocker.
type RedisOption func(*RedisLocker)

// WithTTL sets the lease duration.
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *RedisLocker) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithPollInterval sets how often a contended lock is retried.
func WithPollInterval(d time.Duration) RedisOption {
	return func(r *RedisLocker) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// WithKeyPrefix namespaces lock keys.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *RedisLocker) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

// WithLogger sets the logger used for release failures.
func WithLogger(l logger.Logger) RedisOption {
	return func(r *RedisLocker) {
		if l != nil {
			r.logger = l.Named("keylock")
		}
	}
}
