package enrich

import "github.com/okian/recsync/pkg/logger"

// Option applies a configuration option to the Enricher.
type Option func(*Enricher)

// WithMissingPolicy sets how catalog misses are handled.
func WithMissingPolicy(p MissingPolicy) Option {
	return func(e *Enricher) {
		if p == MissingKeep || p == MissingDrop {
			e.policy = p
		}
	}
}

// WithConcurrency bounds parallel catalog lookups.
func WithConcurrency(n int) Option {
	return func(e *Enricher) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(e *Enricher) {
		if l != nil {
			e.logger = l
		}
	}
}
