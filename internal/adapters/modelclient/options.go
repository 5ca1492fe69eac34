package modelclient

import (
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/okian/recsync/pkg/logger"
)

// Option applies a configuration option to the Client.
type Option func(*Client)

// WithHTTPClient injects the HTTP client used for every call.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout bounds each logical call, retries included.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMaxRetries sets how many extra attempts retryable calls may make.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithRetryBaseDelay sets the first backoff delay; it doubles per attempt.
func WithRetryBaseDelay(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.retryBaseDelay = d
		}
	}
}

// WithRateLimit caps outbound requests. rps <= 0 disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithReadinessProbe makes Register poll GET {base}{path}?userId= until the
// model serves the new profile.
func WithReadinessProbe(path string, interval time.Duration) Option {
	return func(c *Client) {
		c.readinessPath = path
		if interval > 0 {
			c.readinessInterval = interval
		}
	}
}

// WithBreaker tunes the circuit breaker: it opens after consecutiveFailures
// and probes again after openFor.
func WithBreaker(consecutiveFailures uint32, openFor time.Duration) Option {
	return func(c *Client) {
		if consecutiveFailures > 0 {
			c.breakerFailures = consecutiveFailures
		}
		if openFor > 0 {
			c.breakerOpenFor = openFor
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}
