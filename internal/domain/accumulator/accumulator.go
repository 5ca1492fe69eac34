// Package accumulator decides when a user's unsynced feedback should be pushed
// to the model, and advances the user's watermark only after the model
// confirmed the batch.
package accumulator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/okian/recsync/internal/adapters/modelclient"
	"github.com/okian/recsync/internal/adapters/repository"
	"github.com/okian/recsync/internal/domain/keylock"
	"github.com/okian/recsync/internal/domain/model"
	"github.com/okian/recsync/pkg/logger"
	"github.com/okian/recsync/pkg/metrics"
)

// DefaultThreshold is the pending count that triggers a model update.
const DefaultThreshold = 5

// Store is the slice of the repository the accumulator needs.
type Store interface {
	GetUser(ctx context.Context, userID string) (model.User, error)
	GetFeedbackSince(ctx context.Context, userID string, ts int64) ([]model.Feedback, error)
	AppendFeedback(ctx context.Context, fb model.Feedback) (model.Feedback, error)
	AdvanceWatermark(ctx context.Context, userID string, from, to int64) error
}

// Submitter delivers feedback batches to the model.
type Submitter interface {
	SubmitFeedback(ctx context.Context, userID string, batch []model.Feedback, dedupeKey string) error
}

// SyncResult describes what one sync decision did.
type SyncResult struct {
	// Triggered is true when a batch was sent to the model.
	Triggered bool
	// Synced is true when the model confirmed and the watermark advanced.
	Synced    bool
	BatchSize int
	// Watermark is the user's watermark after the decision.
	Watermark int64
	// Pending is the unsynced feedback count after the decision.
	Pending int
	// Err is the model or store failure that left the watermark unchanged.
	Err error
}

// Accumulator serializes sync decisions per user.
type Accumulator struct {
	store              Store
	model              Submitter
	locker             keylock.Locker
	threshold          int
	maxConflictRetries int
	syncTimeout        time.Duration
	logger             logger.Logger
}

// New creates an Accumulator.
func New(store Store, submitter Submitter, opts ...Option) *Accumulator {
	a := &Accumulator{
		store:              store,
		model:              submitter,
		threshold:          DefaultThreshold,
		maxConflictRetries: 3,
		syncTimeout:        30 * time.Second,
		logger:             logger.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.locker == nil {
		a.locker = keylock.NewLocal()
	}
	a.logger = a.logger.Named("accumulator")
	return a
}

// Threshold returns the configured trigger threshold.
func (a *Accumulator) Threshold() int { return a.threshold }

// Record appends fb and then runs a sync decision for its user. The returned
// error is only the append failure; sync failures are reported in SyncResult.Err.
func (a *Accumulator) Record(ctx context.Context, fb model.Feedback) (model.Feedback, SyncResult, error) {
	stored, err := a.store.AppendFeedback(ctx, fb)
	if err != nil {
		return model.Feedback{}, SyncResult{}, fmt.Errorf("append feedback: %w", err)
	}
	metrics.RecordFeedbackRecorded()

	res, err := a.SyncIfDue(ctx, stored.UserID)
	if err != nil {
		res.Err = err
	}
	return stored, res, nil
}

// Pending returns the number of feedback records newer than the watermark.
func (a *Accumulator) Pending(ctx context.Context, userID string) (int, error) {
	u, err := a.store.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	fbs, err := a.store.GetFeedbackSince(ctx, userID, u.FeedbackLastUsed)
	if err != nil {
		return 0, err
	}
	return len(fbs), nil
}

// SyncIfDue submits the user's pending feedback when it reached the threshold.
// It returns an error only when the decision could not be made at all (lock or
// store read failure); model failures land in SyncResult.Err.
func (a *Accumulator) SyncIfDue(ctx context.Context, userID string) (SyncResult, error) {
	unlock, err := a.locker.Lock(ctx, userID)
	if err != nil {
		return SyncResult{}, fmt.Errorf("lock user %s: %w", userID, err)
	}
	defer unlock()

	// Once a batch is sent, finish the watermark update even if the caller goes away.
	syncCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.syncTimeout)
	defer cancel()

	var res SyncResult
	for attempt := 0; ; attempt++ {
		user, err := a.store.GetUser(ctx, userID)
		if err != nil {
			return res, err
		}
		pending, err := a.store.GetFeedbackSince(ctx, userID, user.FeedbackLastUsed)
		if err != nil {
			return res, err
		}
		res.Watermark = user.FeedbackLastUsed
		res.Pending = len(pending)
		if len(pending) < a.threshold {
			return res, nil
		}

		from := user.FeedbackLastUsed
		to := model.LatestTimestamp(pending)
		res.Triggered = true
		res.BatchSize = len(pending)
		metrics.RecordSyncTriggered(len(pending))

		if err := a.model.SubmitFeedback(syncCtx, userID, pending, dedupeKey(userID, from, to)); err != nil {
			metrics.RecordSyncFailed(failureReason(err))
			a.logger.Warn(ctx, "feedback sync failed, batch stays pending",
				logger.UserID(userID), logger.Int("batch", len(pending)), logger.Error(err))
			res.Err = err
			return res, nil
		}

		err = a.store.AdvanceWatermark(syncCtx, userID, from, to)
		switch {
		case err == nil:
			metrics.RecordSyncSucceeded()
			res.Synced = true
			res.Watermark = to
			res.Pending = a.pendingAfterSync(syncCtx, userID, to, res.Pending-res.BatchSize)
			a.logger.Debug(ctx, "feedback synced",
				logger.UserID(userID), logger.Int("batch", len(pending)), logger.Int64("watermark", to))
			return res, nil

		case errors.Is(err, repository.ErrConcurrencyConflict):
			metrics.RecordSyncConflict()
			if attempt >= a.maxConflictRetries {
				a.logger.Warn(ctx, "watermark kept moving, leaving batch for the next trigger",
					logger.UserID(userID), logger.Int("attempts", attempt+1))
				return res, nil
			}
			// Someone else moved the watermark; re-read and decide again.
			continue

		default:
			metrics.RecordSyncFailed("store")
			a.logger.Error(ctx, "model accepted batch but watermark update failed",
				logger.UserID(userID), logger.Int64("from", from), logger.Int64("to", to), logger.Error(err))
			res.Err = fmt.Errorf("advance watermark: %w", err)
			return res, nil
		}
	}
}

// pendingAfterSync recounts what arrived after the synced batch. When the
// recount fails it returns fallback, the count read before the sync minus the
// batch, which is a lower bound.
func (a *Accumulator) pendingAfterSync(ctx context.Context, userID string, watermark int64, fallback int) int {
	fbs, err := a.store.GetFeedbackSince(ctx, userID, watermark)
	if err != nil {
		a.logger.Warn(ctx, "recount after sync failed, reporting pending as of the sync",
			logger.UserID(userID), logger.Int64("watermark", watermark), logger.Error(err))
		return max(fallback, 0)
	}
	return len(fbs)
}

// dedupeKey is stable for a given pending window, so a resubmitted identical
// batch carries the same key.
func dedupeKey(userID string, from, to int64) string {
	return fmt.Sprintf("%s:%d:%d", userID, from, to)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, modelclient.ErrTransport):
		return metrics.OutcomeTransport
	case errors.Is(err, modelclient.ErrRemoteRejected):
		return metrics.OutcomeRejected
	default:
		return "other"
	}
}
