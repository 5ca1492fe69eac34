// Package repository persists users, their feedback and the video catalog.
package repository

import (
	"cmp"
	"context"
	"strconv"

	"github.com/okian/recsync/internal/domain/model"
)

// Store provides durable access to users, feedback and videos.
//
// Feedback timestamps are assigned on append and strictly increase per user,
// always landing above the user's current watermark.
type Store interface {
	// GetUser returns ErrNotFound when the user is unknown.
	GetUser(ctx context.Context, userID string) (model.User, error)
	// CreateUser returns ErrAlreadyExists when the id is taken.
	CreateUser(ctx context.Context, user model.User) error
	// DeleteUser removes the user and their feedback.
	DeleteUser(ctx context.Context, userID string) error
	// UpdatePreferences replaces the user's profile preferences.
	UpdatePreferences(ctx context.Context, userID string, prefs model.Preferences) error

	// GetFeedbackSince returns the user's feedback with Timestamp > ts, oldest first.
	GetFeedbackSince(ctx context.Context, userID string, ts int64) ([]model.Feedback, error)
	// AppendFeedback stores fb and returns it with its assigned Timestamp.
	AppendFeedback(ctx context.Context, fb model.Feedback) (model.Feedback, error)
	// AdvanceWatermark moves the watermark from -> to. It returns
	// ErrConcurrencyConflict when the current watermark is not from.
	AdvanceWatermark(ctx context.Context, userID string, from, to int64) error

	// GetVideo returns ErrNotFound when the catalog lacks videoID.
	GetVideo(ctx context.Context, videoID string) (model.Video, error)
	// PutVideo inserts or replaces catalog metadata.
	PutVideo(ctx context.Context, video model.Video) error

	// ListTopics returns up to limit catalog topics ordered by id; limit <= 0 means all.
	ListTopics(ctx context.Context, limit int) ([]model.Topic, error)
	// PutTopic inserts or replaces a catalog topic.
	PutTopic(ctx context.Context, topic model.Topic) error

	// AppendInteraction stores in and returns it with its assigned Timestamp.
	AppendInteraction(ctx context.Context, in model.Interaction) (model.Interaction, error)

	Close() error
}

// nextTimestamp picks a timestamp for a new feedback row.
func nextTimestamp(now, last, watermark int64) int64 {
	ts := now
	if ts <= last {
		ts = last + 1
	}
	if ts <= watermark {
		ts = watermark + 1
	}
	return ts
}

// compareTopicIDs orders numeric ids numerically and before textual ones.
func compareTopicIDs(a, b model.TopicID) int {
	an, aerr := strconv.ParseInt(string(a), 10, 64)
	bn, berr := strconv.ParseInt(string(b), 10, 64)
	switch {
	case aerr == nil && berr == nil:
		return cmp.Compare(an, bn)
	case aerr == nil:
		return -1
	case berr == nil:
		return 1
	}
	return cmp.Compare(a, b)
}
