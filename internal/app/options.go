package service

import (
	"time"

	"github.com/okian/recsync/internal/domain/enrich"
	"github.com/okian/recsync/internal/domain/keylock"
	"github.com/okian/recsync/pkg/logger"
)

// SyncMode selects where sync decisions run after a feedback write.
type SyncMode string

const (
	// SyncInline runs the decision in the request that wrote the feedback.
	SyncInline SyncMode = "inline"
	// SyncAsync hands the decision to the worker pool.
	SyncAsync SyncMode = "async"
)

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithWorkerCount sets the number of sync workers used in async mode.
func WithWorkerCount(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.workerCount = count
		}
	}
}

// WithQueueSize sets the maximum number of waiting sync jobs.
func WithQueueSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithDedupeSize sets how many feedback ids are remembered for de-duplication.
func WithDedupeSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.dedupeSize = size
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(logger logger.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSyncThreshold sets the pending count that triggers a model update.
func WithSyncThreshold(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.threshold = n
		}
	}
}

// WithSyncMode selects inline or async sync decisions.
func WithSyncMode(mode SyncMode) Option {
	return func(s *Service) {
		if mode == SyncInline || mode == SyncAsync {
			s.syncMode = mode
		}
	}
}

// WithSyncOnRead runs a best-effort sync before profile and recommendation reads.
func WithSyncOnRead(enabled bool) Option {
	return func(s *Service) {
		s.syncOnRead = enabled
	}
}

// WithSyncTimeout bounds a model update once it has been sent.
func WithSyncTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.syncTimeout = d
		}
	}
}

// WithLocker sets the per-user lock shared by every sync decision.
func WithLocker(l keylock.Locker) Option {
	return func(s *Service) {
		if l != nil {
			s.locker = l
		}
	}
}

// WithMissingPolicy sets how recommendations absent from the catalog are handled.
func WithMissingPolicy(p enrich.MissingPolicy) Option {
	return func(s *Service) {
		s.missingPolicy = p
	}
}

// WithEnrichConcurrency bounds parallel catalog lookups per request.
func WithEnrichConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.enrichConcurrency = n
		}
	}
}

// WithRollbackOnRegisterFailure deletes the local user when the model refuses
// the initial topics, so sign-up can be retried.
func WithRollbackOnRegisterFailure(enabled bool) Option {
	return func(s *Service) {
		s.rollbackOnRegister = enabled
	}
}

// WithClock overrides time.Now for user creation.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}
