package repository

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/recsync/internal/domain/model"
	"github.com/okian/recsync/pkg/metrics"
)

const driverMemory = "memory"

// userRecord holds one user's state. Each user has its own mutex so
// different users never contend.
type userRecord struct {
	mu       sync.RWMutex
	user     model.User
	feedback []model.Feedback // ordered by Timestamp
	lastTS   int64
	deleted  bool
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	opts   options
	users  sync.Map // userID -> *userRecord
	count  atomic.Int64
	closed atomic.Bool

	videoMu sync.RWMutex
	videos  map[string]model.Video

	topicMu sync.RWMutex
	topics  map[model.TopicID]model.Topic

	interactionMu sync.Mutex
	interactions  []model.Interaction
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &MemoryStore{
		opts:   o,
		videos: make(map[string]model.Video),
		topics: make(map[model.TopicID]model.Topic),
	}
}

func observe(driver, op string, start time.Time) {
	metrics.RecordStoreOperation(driver, op, float64(time.Since(start).Microseconds())/1000)
}

func (s *MemoryStore) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (s *MemoryStore) record(userID string) (*userRecord, bool) {
	v, ok := s.users.Load(userID)
	if !ok {
		return nil, false
	}
	return v.(*userRecord), true
}

func (s *MemoryStore) GetUser(ctx context.Context, userID string) (model.User, error) {
	defer observe(driverMemory, "get_user", time.Now())
	if err := s.check(ctx); err != nil {
		return model.User{}, err
	}
	rec, ok := s.record(userID)
	if !ok {
		return model.User{}, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	if rec.deleted {
		return model.User{}, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	u := rec.user
	u.Answers = maps.Clone(rec.user.Answers)
	u.Preferences = clonePreferences(rec.user.Preferences)
	return u, nil
}

func clonePreferences(p *model.Preferences) *model.Preferences {
	if p == nil {
		return nil
	}
	c := *p
	c.Topics = slices.Clone(p.Topics)
	return &c
}

func (s *MemoryStore) UpdatePreferences(ctx context.Context, userID string, prefs model.Preferences) error {
	defer observe(driverMemory, "update_preferences", time.Now())
	if err := s.check(ctx); err != nil {
		return err
	}
	rec, ok := s.record(userID)
	if !ok {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	rec.user.Preferences = clonePreferences(&prefs)
	return nil
}

func (s *MemoryStore) CreateUser(ctx context.Context, user model.User) error {
	defer observe(driverMemory, "create_user", time.Now())
	if err := s.check(ctx); err != nil {
		return err
	}
	if user.UserID == "" {
		return fmt.Errorf("%w: empty user id", ErrInvalidRecord)
	}
	user.Answers = maps.Clone(user.Answers)
	user.Preferences = clonePreferences(user.Preferences)
	if _, loaded := s.users.LoadOrStore(user.UserID, &userRecord{user: user}); loaded {
		return fmt.Errorf("user %s: %w", user.UserID, ErrAlreadyExists)
	}
	metrics.UpdateStoreUsers(driverMemory, int(s.count.Add(1)))
	return nil
}

func (s *MemoryStore) DeleteUser(ctx context.Context, userID string) error {
	defer observe(driverMemory, "delete_user", time.Now())
	if err := s.check(ctx); err != nil {
		return err
	}
	v, ok := s.users.LoadAndDelete(userID)
	if !ok {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	rec := v.(*userRecord)
	rec.mu.Lock()
	rec.deleted = true
	rec.feedback = nil
	rec.mu.Unlock()
	metrics.UpdateStoreUsers(driverMemory, int(s.count.Add(-1)))
	return nil
}

func (s *MemoryStore) GetFeedbackSince(ctx context.Context, userID string, ts int64) ([]model.Feedback, error) {
	defer observe(driverMemory, "get_feedback_since", time.Now())
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	rec, ok := s.record(userID)
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	if rec.deleted {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	i := sort.Search(len(rec.feedback), func(i int) bool { return rec.feedback[i].Timestamp > ts })
	out := make([]model.Feedback, len(rec.feedback)-i)
	copy(out, rec.feedback[i:])
	return out, nil
}

func (s *MemoryStore) AppendFeedback(ctx context.Context, fb model.Feedback) (model.Feedback, error) {
	defer observe(driverMemory, "append_feedback", time.Now())
	if err := s.check(ctx); err != nil {
		return model.Feedback{}, err
	}
	rec, ok := s.record(fb.UserID)
	if !ok {
		return model.Feedback{}, fmt.Errorf("user %s: %w", fb.UserID, ErrNotFound)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted {
		return model.Feedback{}, fmt.Errorf("user %s: %w", fb.UserID, ErrNotFound)
	}
	fb.Timestamp = nextTimestamp(s.opts.now().UnixMilli(), rec.lastTS, rec.user.FeedbackLastUsed)
	rec.lastTS = fb.Timestamp
	rec.feedback = append(rec.feedback, fb)
	return fb, nil
}

func (s *MemoryStore) AdvanceWatermark(ctx context.Context, userID string, from, to int64) error {
	defer observe(driverMemory, "advance_watermark", time.Now())
	if err := s.check(ctx); err != nil {
		return err
	}
	if to < from {
		return fmt.Errorf("%w: %d -> %d", ErrInvalidWatermark, from, to)
	}
	rec, ok := s.record(userID)
	if !ok {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if rec.user.FeedbackLastUsed != from {
		return fmt.Errorf("user %s at %d, expected %d: %w", userID, rec.user.FeedbackLastUsed, from, ErrConcurrencyConflict)
	}
	rec.user.FeedbackLastUsed = to
	return nil
}

func (s *MemoryStore) GetVideo(ctx context.Context, videoID string) (model.Video, error) {
	defer observe(driverMemory, "get_video", time.Now())
	if err := s.check(ctx); err != nil {
		return model.Video{}, err
	}
	s.videoMu.RLock()
	defer s.videoMu.RUnlock()
	v, ok := s.videos[videoID]
	if !ok {
		return model.Video{}, fmt.Errorf("video %s: %w", videoID, ErrNotFound)
	}
	return v, nil
}

func (s *MemoryStore) PutVideo(ctx context.Context, video model.Video) error {
	defer observe(driverMemory, "put_video", time.Now())
	if err := s.check(ctx); err != nil {
		return err
	}
	if video.VideoID == "" {
		return fmt.Errorf("%w: empty video id", ErrInvalidRecord)
	}
	s.videoMu.Lock()
	s.videos[video.VideoID] = video
	s.videoMu.Unlock()
	return nil
}

func (s *MemoryStore) ListTopics(ctx context.Context, limit int) ([]model.Topic, error) {
	defer observe(driverMemory, "list_topics", time.Now())
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.topicMu.RLock()
	out := slices.Collect(maps.Values(s.topics))
	s.topicMu.RUnlock()
	slices.SortFunc(out, func(a, b model.Topic) int { return compareTopicIDs(a.ID, b.ID) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) PutTopic(ctx context.Context, topic model.Topic) error {
	defer observe(driverMemory, "put_topic", time.Now())
	if err := s.check(ctx); err != nil {
		return err
	}
	if topic.ID == "" {
		return fmt.Errorf("%w: empty topic id", ErrInvalidRecord)
	}
	s.topicMu.Lock()
	s.topics[topic.ID] = topic
	s.topicMu.Unlock()
	return nil
}

func (s *MemoryStore) AppendInteraction(ctx context.Context, in model.Interaction) (model.Interaction, error) {
	defer observe(driverMemory, "append_interaction", time.Now())
	if err := s.check(ctx); err != nil {
		return model.Interaction{}, err
	}
	if in.UserID == "" {
		return model.Interaction{}, fmt.Errorf("%w: empty user id", ErrInvalidRecord)
	}
	in.Timestamp = s.opts.now().UnixMilli()
	in.Payload = maps.Clone(in.Payload)
	s.interactionMu.Lock()
	s.interactions = append(s.interactions, in)
	s.interactionMu.Unlock()
	return in, nil
}

// Interactions returns a copy of every stored interaction for userID, oldest first.
func (s *MemoryStore) Interactions(userID string) []model.Interaction {
	s.interactionMu.Lock()
	defer s.interactionMu.Unlock()
	var out []model.Interaction
	for _, in := range s.interactions {
		if in.UserID == userID {
			out = append(out, in)
		}
	}
	return out
}

// Close marks the store closed; later calls fail with ErrClosed.
func (s *MemoryStore) Close() error {
	s.closed.Store(true)
	return nil
}

var _ Store = (*MemoryStore)(nil)
