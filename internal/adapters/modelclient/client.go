// Package modelclient talks to the external recommendation model service.
//
// Endpoints, relative to the base URL:
//
//	POST /register?userId=        body: ["topicId", ...]
//	GET  /recommendations?userId= resp: [{"videoId","explanation"}, ...]
//	POST /feedback                body: [feedback, ...]
//	POST /model                   body: "userId"
package modelclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/okian/recsync/internal/domain/model"
	"github.com/okian/recsync/pkg/logger"
	"github.com/okian/recsync/pkg/metrics"
)

// Operation names used in errors, logs and metrics.
const (
	OpRegister       = "register"
	OpRecommend      = "recommend"
	OpSubmitFeedback = "submit_feedback"
	OpUpdateModel    = "update_model"

	breakerName     = "model"
	maxResponseSize = 4 << 20
)

// Client is a typed HTTP client for the model service. It is safe for
// concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client

	timeout           time.Duration
	maxRetries        int
	retryBaseDelay    time.Duration
	readinessPath     string
	readinessInterval time.Duration
	breakerFailures   uint32
	breakerOpenFor    time.Duration

	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[struct{}]
	logger  logger.Logger
}

// New creates a Client for baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("model base url required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("model base url: %w", err)
	}

	c := &Client{
		baseURL:           baseURL,
		timeout:           5 * time.Second,
		maxRetries:        3,
		retryBaseDelay:    100 * time.Millisecond,
		readinessInterval: 200 * time.Millisecond,
		breakerFailures:   5,
		breakerOpenFor:    30 * time.Second,
		logger:            logger.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	c.logger = c.logger.Named("modelclient")
	c.breaker = c.newBreaker()
	return c, nil
}

func (c *Client) newBreaker() *gobreaker.CircuitBreaker[struct{}] {
	metrics.UpdateCircuitBreakerState(breakerName, 0)
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Timeout:     c.breakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= c.breakerFailures
		},
		// 4xx answers mean the model is up; only count outages.
		IsSuccessful: func(err error) bool {
			var re *RemoteError
			if errors.As(err, &re) {
				return !re.Temporary()
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn(context.Background(), "circuit breaker state change",
				logger.String("from", from.String()), logger.String("to", to.String()))
			metrics.UpdateCircuitBreakerState(name, stateToFloat(to))
		},
	})
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// BaseURL returns the configured model address.
func (c *Client) BaseURL() string { return c.baseURL }

// Register creates a cold-start profile. When it returns nil the profile is
// queryable: either the model confirmed synchronously or the readiness probe
// saw it served. Not retried.
func (c *Client) Register(ctx context.Context, userID string, topicIDs []model.TopicID) error {
	if topicIDs == nil {
		topicIDs = []model.TopicID{}
	}
	err := c.do(ctx, request{
		op:     OpRegister,
		method: http.MethodPost,
		path:   "/register",
		query:  url.Values{"userId": {userID}},
		body:   topicIDs,
	})
	if err != nil {
		return err
	}
	if c.readinessPath == "" {
		return nil
	}
	return c.awaitReady(ctx, userID)
}

// Recommend returns the model's ranked list. Idempotent, so retried.
func (c *Client) Recommend(ctx context.Context, userID string) ([]model.RawRecommendation, error) {
	var out []model.RawRecommendation
	err := c.do(ctx, request{
		op:     OpRecommend,
		method: http.MethodGet,
		path:   "/recommendations",
		query:  url.Values{"userId": {userID}},
		out:    &out,
		retry:  true,
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []model.RawRecommendation{}
	}
	return out, nil
}

// SubmitFeedback sends a batch. It is retried only when dedupeKey is set, in
// which case the key travels as Idempotency-Key so the model can drop replays.
func (c *Client) SubmitFeedback(ctx context.Context, userID string, batch []model.Feedback, dedupeKey string) error {
	for i := range batch {
		if batch[i].UserID != userID {
			return fmt.Errorf("model %s: feedback %d belongs to %q, not %q: %w",
				OpSubmitFeedback, i, batch[i].UserID, userID, ErrInvalidRequest)
		}
	}
	r := request{
		op:     OpSubmitFeedback,
		method: http.MethodPost,
		path:   "/feedback",
		body:   batch,
		retry:  dedupeKey != "",
	}
	if dedupeKey != "" {
		r.header = http.Header{"Idempotency-Key": {dedupeKey}}
	}
	return c.do(ctx, r)
}

// UpdateModel asks the model to rebuild the user's profile. Not retried.
func (c *Client) UpdateModel(ctx context.Context, userID string) error {
	return c.do(ctx, request{
		op:     OpUpdateModel,
		method: http.MethodPost,
		path:   "/model",
		body:   userID,
	})
}

type request struct {
	op     string
	method string
	path   string
	query  url.Values
	header http.Header
	body   any
	out    any
	retry  bool
}

func (c *Client) do(ctx context.Context, r request) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var payload []byte
	if r.body != nil {
		b, err := json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("model %s: encode body: %w", r.op, err)
		}
		payload = b
	}

	attempts := 1
	if r.retry {
		attempts += c.maxRetries
	}

	var err error
	delay := c.retryBaseDelay
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			metrics.RecordModelRetry(r.op)
			c.logger.Warn(ctx, "retrying model call",
				logger.String("op", r.op), logger.Int("attempt", attempt), logger.Error(err))
			if werr := sleep(ctx, jitter(delay)); werr != nil {
				break
			}
			delay *= 2
		}
		err = c.attempt(ctx, r, payload)
		if !retryable(ctx, err) {
			break
		}
	}

	metrics.RecordModelRequest(r.op, outcome(err), float64(time.Since(start).Microseconds())/1000)
	if err != nil {
		c.logger.Debug(ctx, "model call failed", logger.String("op", r.op), logger.Error(err))
	}
	return err
}

func (c *Client) attempt(ctx context.Context, r request, payload []byte) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &TransportError{Op: r.op, Err: err}
		}
	}
	_, err := c.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, c.send(ctx, r, payload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &TransportError{Op: r.op, Err: fmt.Errorf("%w: %w", ErrCircuitOpen, err)}
	}
	return err
}

func (c *Client) send(ctx context.Context, r request, payload []byte) error {
	target := c.baseURL + r.path
	if len(r.query) > 0 {
		target += "?" + r.query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, target, body)
	if err != nil {
		return fmt.Errorf("model %s: build request: %w", r.op, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range r.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: r.op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return &TransportError{Op: r.op, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseRemoteError(r.op, resp.StatusCode, raw)
	}
	if r.out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, r.out); err != nil {
		return &RemoteError{
			Op:         r.op,
			StatusCode: resp.StatusCode,
			Message:    "decode response: " + err.Error(),
			Body:       strings.TrimSpace(string(raw)),
		}
	}
	return nil
}

// awaitReady polls the readiness endpoint until 2xx or the timeout.
func (c *Client) awaitReady(ctx context.Context, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	r := request{
		op:     OpRegister,
		method: http.MethodGet,
		path:   c.readinessPath,
		query:  url.Values{"userId": {userID}},
	}
	ticker := time.NewTicker(c.readinessInterval)
	defer ticker.Stop()
	for {
		err := c.send(ctx, r, nil)
		if err == nil {
			return nil
		}
		var re *RemoteError
		if errors.As(err, &re) && re.StatusCode != http.StatusNotFound && !re.Temporary() {
			return err
		}
		select {
		case <-ctx.Done():
			return &TransportError{Op: OpRegister, Err: fmt.Errorf("%w: %w", ErrNotReady, ctx.Err())}
		case <-ticker.C:
		}
	}
}

func retryable(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Temporary()
	}
	return errors.Is(err, ErrTransport)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, ErrRemoteRejected):
		return metrics.OutcomeRejected
	default:
		return metrics.OutcomeTransport
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// jitter spreads d over [d/2, d).
func jitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	half := d / 2
	return half + rand.N(half)
}
