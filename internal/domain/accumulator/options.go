package accumulator

import (
	"time"

	"github.com/okian/recsync/internal/domain/keylock"
	"github.com/okian/recsync/pkg/logger"
)

// Option applies a configuration option to the Accumulator.
type Option func(*Accumulator)

// WithThreshold sets the pending count that triggers a sync.
func WithThreshold(n int) Option {
	return func(a *Accumulator) {
		if n > 0 {
			a.threshold = n
		}
	}
}

// WithLocker sets the per-user lock. Defaults to an in-process lock.
func WithLocker(l keylock.Locker) Option {
	return func(a *Accumulator) {
		if l != nil {
			a.locker = l
		}
	}
}

// WithMaxConflictRetries bounds re-evaluations after a watermark conflict.
func WithMaxConflictRetries(n int) Option {
	return func(a *Accumulator) {
		if n >= 0 {
			a.maxConflictRetries = n
		}
	}
}

// WithSyncTimeout bounds the model call and watermark update once a batch
// is sent.
func WithSyncTimeout(d time.Duration) Option {
	return func(a *Accumulator) {
		if d > 0 {
			a.syncTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(a *Accumulator) {
		if l != nil {
			a.logger = l
		}
	}
}
