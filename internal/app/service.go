// Package service wires the store, the model client, the feedback accumulator
// and the enricher into the operations the HTTP API exposes.
package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/okian/recsync/internal/adapters/modelclient"
	"github.com/okian/recsync/internal/adapters/mq/queue"
	"github.com/okian/recsync/internal/adapters/mq/worker"
	"github.com/okian/recsync/internal/adapters/repository"
	"github.com/okian/recsync/internal/domain/accumulator"
	"github.com/okian/recsync/internal/domain/dedupe"
	"github.com/okian/recsync/internal/domain/enrich"
	"github.com/okian/recsync/internal/domain/keylock"
	"github.com/okian/recsync/internal/domain/model"
	"github.com/okian/recsync/pkg/logger"
	"github.com/okian/recsync/pkg/metrics"
)

const (
	maxUserIDLength = 64
	// maxTopicsListed caps GET /topics.
	maxTopicsListed = 80
)

// Ack statuses returned by RecordFeedback.
const (
	AckAccepted  = "accepted"
	AckDuplicate = "duplicate"
	AckFailed    = "failed"
)

// ModelClient is the remote recommendation model.
type ModelClient interface {
	Register(ctx context.Context, userID string, topicIDs []model.TopicID) error
	Recommend(ctx context.Context, userID string) ([]model.RawRecommendation, error)
	SubmitFeedback(ctx context.Context, userID string, batch []model.Feedback, dedupeKey string) error
	UpdateModel(ctx context.Context, userID string) error
}

// FeedbackAck reports what happened to one submitted feedback item.
type FeedbackAck struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	// Timestamp is the store-assigned timestamp; zero for duplicates.
	Timestamp int64 `json:"timestamp,omitempty"`
	// Synced is true when this write triggered a model update that succeeded.
	Synced bool `json:"synced,omitempty"`
	// Error is set on failed acks; the item was not stored and may be retried.
	Error string `json:"error,omitempty"`
}

// Service implements the API dependencies for recommendation orchestration.
type Service struct {
	mu sync.RWMutex

	store       repository.Store
	model       ModelClient
	accumulator *accumulator.Accumulator
	enricher    *enrich.Enricher
	deduper     dedupe.Deduper
	recommends  singleflight.Group

	syncQueue  *queue.InMemoryQueue
	workerPool *worker.Pool
	cancelRun  context.CancelFunc

	// Configuration
	workerCount        int
	queueSize          int
	dedupeSize         int
	threshold          int
	syncMode           SyncMode
	syncOnRead         bool
	syncTimeout        time.Duration
	locker             keylock.Locker
	missingPolicy      enrich.MissingPolicy
	enrichConcurrency  int
	rollbackOnRegister bool
	now                func() time.Time

	started bool
	logger  logger.Logger
}

// New constructs a Service over store and the model client.
func New(store repository.Store, client ModelClient, opts ...Option) *Service {
	s := &Service{
		store:              store,
		model:              client,
		workerCount:        runtime.NumCPU() * 2,
		queueSize:          10000,
		dedupeSize:         100000,
		threshold:          accumulator.DefaultThreshold,
		syncMode:           SyncInline,
		syncOnRead:         true,
		syncTimeout:        30 * time.Second,
		missingPolicy:      enrich.MissingKeep,
		enrichConcurrency:  8,
		rollbackOnRegister: true,
		now:                time.Now,
		logger:             logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.locker == nil {
		s.locker = keylock.NewLocal()
	}

	s.accumulator = accumulator.New(store, client,
		accumulator.WithThreshold(s.threshold),
		accumulator.WithLocker(s.locker),
		accumulator.WithSyncTimeout(s.syncTimeout),
		accumulator.WithLogger(s.logger),
	)
	s.enricher = enrich.New(store,
		enrich.WithMissingPolicy(s.missingPolicy),
		enrich.WithConcurrency(s.enrichConcurrency),
		enrich.WithLogger(s.logger),
	)
	s.deduper = dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(s.dedupeSize))
	s.logger = s.logger.Named("service")
	return s
}

// Start initializes the background components. It is required before
// RecordFeedback is accepted.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	if s.syncMode == SyncAsync {
		s.syncQueue = queue.NewInMemoryQueue(queue.WithCapacity(s.queueSize))
		s.workerPool = worker.NewPool(s.workerCount, s.syncQueue, s.accumulator,
			worker.WithLogger(s.logger),
			worker.WithJobTimeout(s.syncTimeout),
		)
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		s.cancelRun = cancel
		s.workerPool.Start(runCtx)
	}

	s.started = true
	s.logger.Info(ctx, "recommendation service started",
		logger.String("syncMode", string(s.syncMode)),
		logger.Int("threshold", s.threshold),
		logger.Bool("syncOnRead", s.syncOnRead),
		logger.String("missingPolicy", string(s.missingPolicy)),
		logger.Int("workers", s.workerCount),
	)
	return nil
}

// Stop drains pending sync jobs, bounded by ctx, and releases the store.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.logger.Info(ctx, "stopping recommendation service")

	var errs []error
	if s.workerPool != nil {
		if err := s.workerPool.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		s.cancelRun()
		s.workerPool, s.syncQueue = nil, nil
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	s.started = false
	s.logger.Info(ctx, "recommendation service stopped")
	return errors.Join(errs...)
}

// CreateUser signs a user up locally. The watermark starts at now, so only
// feedback given after sign-up is ever sent to the model.
func (s *Service) CreateUser(ctx context.Context, userID string, answers map[string]any) (model.User, error) {
	if err := ValidateUserID(userID); err != nil {
		return model.User{}, err
	}
	now := s.now().UnixMilli()
	u := model.User{
		UserID:           userID,
		FeedbackLastUsed: now,
		RegistrationDate: now,
		Answers:          answers,
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return model.User{}, fmt.Errorf("create user: %w", err)
	}
	s.logger.Info(ctx, "user created", logger.UserID(userID))
	return u, nil
}

// GetUser returns the user with their pending feedback count.
func (s *Service) GetUser(ctx context.Context, userID string) (model.UserProfile, error) {
	if s.syncOnRead {
		s.syncBestEffort(ctx, userID)
	}
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return model.UserProfile{}, fmt.Errorf("get user: %w", err)
	}
	pending, err := s.accumulator.Pending(ctx, userID)
	if err != nil {
		return model.UserProfile{}, fmt.Errorf("count pending: %w", err)
	}
	return model.UserProfile{User: u, Pending: pending}, nil
}

// RegisterUser sends the user's topics to the model. Concurrent calls are not
// coalesced; each one reaches the model.
func (s *Service) RegisterUser(ctx context.Context, userID string, topicIDs []model.TopicID) error {
	err := s.model.Register(ctx, userID, topicIDs)
	metrics.RecordUserRegistered(outcome(err))
	if err != nil {
		return fmt.Errorf("register user %s: %w", userID, err)
	}
	return nil
}

// InitializeTopics registers the user's topics and then asks the model to
// rebuild. A failed rebuild is only logged. A failed registration removes the
// local user when rollback is enabled.
func (s *Service) InitializeTopics(ctx context.Context, userID string, topicIDs []model.TopicID) error {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return fmt.Errorf("initialize topics: %w", err)
	}

	if err := s.RegisterUser(ctx, userID, topicIDs); err != nil {
		if s.rollbackOnRegister {
			// The user is gone either way from the caller's point of view, so
			// the cleanup must not depend on the caller staying around.
			cleanupCtx := context.WithoutCancel(ctx)
			if derr := s.store.DeleteUser(cleanupCtx, userID); derr != nil && !errors.Is(derr, repository.ErrNotFound) {
				s.logger.Error(ctx, "rollback of local user failed", logger.UserID(userID), logger.Error(derr))
			} else {
				s.logger.Warn(ctx, "model registration failed, local user rolled back",
					logger.UserID(userID), logger.Error(err))
			}
		}
		return err
	}

	if err := s.model.UpdateModel(ctx, userID); err != nil {
		s.logger.Warn(ctx, "model update after registration failed",
			logger.UserID(userID), logger.Error(err))
	}
	return nil
}

// UpdateProfile stores the user's explicit topic preferences and asks the
// model to rebuild. A failed rebuild is only logged.
func (s *Service) UpdateProfile(ctx context.Context, userID string, prefs model.Preferences) (model.User, error) {
	if err := validatePreferences(prefs); err != nil {
		return model.User{}, err
	}
	if err := s.store.UpdatePreferences(ctx, userID, prefs); err != nil {
		return model.User{}, fmt.Errorf("update profile: %w", err)
	}
	if err := s.model.UpdateModel(ctx, userID); err != nil {
		s.logger.Warn(ctx, "model update after profile change failed",
			logger.UserID(userID), logger.Error(err))
	}
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return model.User{}, fmt.Errorf("update profile: %w", err)
	}
	s.logger.Info(ctx, "profile updated", logger.UserID(userID), logger.Int("topics", len(prefs.Topics)))
	return u, nil
}

// ListTopics returns the topic catalog, capped for sign-up pages.
func (s *Service) ListTopics(ctx context.Context) ([]model.Topic, error) {
	topics, err := s.store.ListTopics(ctx, maxTopicsListed)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	return topics, nil
}

// RecordInteractions appends raw UI events. They are never sent to the model.
func (s *Service) RecordInteractions(ctx context.Context, items []model.Interaction) ([]model.Interaction, error) {
	for i, in := range items {
		if in.UserID == "" || in.Type == "" {
			return nil, fmt.Errorf("item %d: %w: userId and type are required", i, ErrInvalidInteraction)
		}
	}
	out := make([]model.Interaction, 0, len(items))
	for _, in := range items {
		if in.ID == "" {
			in.ID = uuid.NewString()
		}
		stored, err := s.store.AppendInteraction(ctx, in)
		if err != nil {
			return out, fmt.Errorf("record interaction %s: %w", in.ID, err)
		}
		out = append(out, stored)
	}
	return out, nil
}

// GetRecommendations returns the model's ranked list joined with catalog
// metadata, in model order. An empty list is not an error.
func (s *Service) GetRecommendations(ctx context.Context, userID string) ([]model.Recommendation, error) {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, fmt.Errorf("get recommendations: %w", err)
	}
	if s.syncOnRead {
		s.syncBestEffort(ctx, userID)
	}

	raws, err := s.recommend(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("recommend for %s: %w", userID, err)
	}
	if len(raws) == 0 {
		metrics.RecordRecommendationsServed(0)
		return []model.Recommendation{}, nil
	}

	recs, err := s.enricher.Enrich(ctx, raws)
	if err != nil {
		return nil, fmt.Errorf("enrich recommendations: %w", err)
	}
	metrics.RecordRecommendationsServed(len(recs))
	return recs, nil
}

// recommend shares one in-flight model call between concurrent readers of the
// same user. The shared call outlives any single caller.
func (s *Service) recommend(ctx context.Context, userID string) ([]model.RawRecommendation, error) {
	ch := s.recommends.DoChan(userID, func() (any, error) {
		return s.model.Recommend(context.WithoutCancel(ctx), userID)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]model.RawRecommendation), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RecordFeedback validates and stores each item, then runs or schedules the
// user's sync decision. Model failures never fail the write. Items already
// stored under the same id are acknowledged as duplicates without being stored
// again; a concurrent write of the same id waits for the first one's outcome.
//
// Every user in the batch must exist before anything is stored. A store
// failure on one item does not stop the rest: the returned acks cover every
// item and the error reports how many were not stored.
func (s *Service) RecordFeedback(ctx context.Context, items []model.Feedback) ([]FeedbackAck, error) {
	s.mu.RLock()
	started, q := s.started, s.syncQueue
	s.mu.RUnlock()
	if !started {
		return nil, ErrNotStarted
	}

	for i := range items {
		if err := validateFeedback(items[i]); err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
	}
	if err := s.checkUsers(ctx, items); err != nil {
		return nil, err
	}

	acks := make([]FeedbackAck, 0, len(items))
	var (
		firstErr error
		failed   int
	)
	for _, fb := range items {
		if fb.ID == "" {
			fb.ID = uuid.NewString()
		}
		claim, dup, err := s.deduper.Claim(ctx, fb.ID)
		if err != nil {
			acks, failed, firstErr = failAck(acks, fb.ID, err, failed, firstErr)
			continue
		}
		if dup {
			metrics.RecordFeedbackDuplicate()
			acks = append(acks, FeedbackAck{ID: fb.ID, Status: AckDuplicate})
			continue
		}

		ack, err := s.recordOne(ctx, q, fb)
		if err != nil {
			claim.Abort()
			acks, failed, firstErr = failAck(acks, fb.ID, err, failed, firstErr)
			continue
		}
		claim.Commit()
		acks = append(acks, ack)
	}
	if failed > 0 {
		return acks, fmt.Errorf("%d of %d feedback items not stored: %w", failed, len(items), firstErr)
	}
	return acks, nil
}

func failAck(acks []FeedbackAck, id string, err error, failed int, first error) ([]FeedbackAck, int, error) {
	if first == nil {
		first = err
	}
	return append(acks, FeedbackAck{ID: id, Status: AckFailed, Error: err.Error()}), failed + 1, first
}

// checkUsers fails with NotFound when any user in the batch is unknown.
func (s *Service) checkUsers(ctx context.Context, items []model.Feedback) error {
	seen := make(map[string]struct{}, 1)
	for _, fb := range items {
		if _, ok := seen[fb.UserID]; ok {
			continue
		}
		seen[fb.UserID] = struct{}{}
		if _, err := s.store.GetUser(ctx, fb.UserID); err != nil {
			return fmt.Errorf("record feedback for %s: %w", fb.UserID, err)
		}
	}
	return nil
}

func (s *Service) recordOne(ctx context.Context, q *queue.InMemoryQueue, fb model.Feedback) (FeedbackAck, error) {
	if q == nil {
		stored, res, err := s.accumulator.Record(ctx, fb)
		if err != nil {
			return FeedbackAck{}, fmt.Errorf("record feedback %s: %w", fb.ID, err)
		}
		return FeedbackAck{ID: stored.ID, Status: AckAccepted, Timestamp: stored.Timestamp, Synced: res.Synced}, nil
	}

	stored, err := s.store.AppendFeedback(ctx, fb)
	if err != nil {
		return FeedbackAck{}, fmt.Errorf("record feedback %s: %w", fb.ID, err)
	}
	metrics.RecordFeedbackRecorded()
	if err := q.Enqueue(ctx, model.SyncJob{UserID: stored.UserID}); err != nil {
		// The feedback is stored; the next write or read for this user retries the decision.
		s.logger.Warn(ctx, "sync job not queued", logger.UserID(stored.UserID), logger.Error(err))
	}
	return FeedbackAck{ID: stored.ID, Status: AckAccepted, Timestamp: stored.Timestamp}, nil
}

// Pending returns the user's unsynced feedback count.
func (s *Service) Pending(ctx context.Context, userID string) (int, error) {
	return s.accumulator.Pending(ctx, userID)
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]any{
		"started":       s.started,
		"syncMode":      string(s.syncMode),
		"syncThreshold": s.threshold,
		"syncOnRead":    s.syncOnRead,
		"syncTimeoutMs": s.syncTimeout.Milliseconds(),
		"missingPolicy": string(s.missingPolicy),
		"dedupeEntries": s.deduper.Size(),
	}
	if l, ok := s.locker.(*keylock.Local); ok {
		stats["lockedUsers"] = l.Len()
	}
	if s.syncQueue != nil {
		stats["queueLength"] = s.syncQueue.Len(context.Background())
		stats["queueSize"] = s.queueSize
	}
	if s.workerPool != nil {
		stats["workerCount"] = s.workerPool.Size()
		stats["syncJobsProcessed"] = s.workerPool.Processed()
	}
	return stats
}

func (s *Service) syncBestEffort(ctx context.Context, userID string) {
	res, err := s.accumulator.SyncIfDue(ctx, userID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.logger.Warn(ctx, "sync on read failed", logger.UserID(userID), logger.Error(err))
		return
	}
	if res.Err != nil {
		s.logger.Debug(ctx, "sync on read left batch pending", logger.UserID(userID), logger.Error(res.Err))
	}
}

// ValidateUserID accepts non-empty ASCII alphanumeric ids.
func ValidateUserID(id string) error {
	if id == "" || len(id) > maxUserIDLength {
		return fmt.Errorf("%w: %q", ErrInvalidUserID, id)
	}
	for _, r := range id {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return fmt.Errorf("%w: %q", ErrInvalidUserID, id)
		}
	}
	return nil
}

func validateFeedback(fb model.Feedback) error {
	switch {
	case fb.UserID == "":
		return fmt.Errorf("%w: userId is required", ErrInvalidFeedback)
	case fb.VideoID == "":
		return fmt.Errorf("%w: videoId is required", ErrInvalidFeedback)
	case fb.Rating < 0 || fb.Rating > 5:
		return fmt.Errorf("%w: rating %d outside 0..5", ErrInvalidFeedback, fb.Rating)
	case fb.TotalWatchTime < 0 || math.IsNaN(fb.TotalWatchTime) || math.IsInf(fb.TotalWatchTime, 0):
		return fmt.Errorf("%w: totalWatchTime must be a non-negative number", ErrInvalidFeedback)
	}
	return nil
}

func validatePreferences(p model.Preferences) error {
	switch {
	case p.ExploitCoeff < 0 || p.ExploitCoeff > 1 || math.IsNaN(p.ExploitCoeff):
		return fmt.Errorf("%w: exploit_coeff must be within 0..1", ErrInvalidPreferences)
	case p.NRecsPerModel < 0:
		return fmt.Errorf("%w: n_recs_per_model must not be negative", ErrInvalidPreferences)
	}
	for _, t := range p.Topics {
		if t.ID == "" {
			return fmt.Errorf("%w: topic id is required", ErrInvalidPreferences)
		}
	}
	return nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, modelclient.ErrTransport):
		return metrics.OutcomeTransport
	default:
		return metrics.OutcomeRejected
	}
}
