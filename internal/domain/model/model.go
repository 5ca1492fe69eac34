// Package model contains domain models passed between layers.
// JSON tags mirror the shapes exchanged with clients and the model service.
package model

import (
	"bytes"
	"errors"
	"strconv"

	json "github.com/goccy/go-json"
)

// User is a registered person whose feedback trains the model.
type User struct {
	UserID string `json:"userId"`
	// FeedbackLastUsed is the watermark (unix ms): feedback at or below it has
	// already been folded into the model.
	FeedbackLastUsed int64          `json:"feedbackLastUsed"`
	RegistrationDate int64          `json:"registrationDate"`
	Answers          map[string]any `json:"answers,omitempty"`
	// Preferences is nil until the user tunes their profile.
	Preferences *Preferences `json:"preferences,omitempty"`
}

// ErrInvalidTopicID is returned when a topic id is neither a string nor an integer.
var ErrInvalidTopicID = errors.New("topic id must be a string or an integer")

// TopicID identifies a topic. The model numbers its topics, so ids made only
// of digits travel as JSON integers; anything else stays a string.
type TopicID string

func (t TopicID) String() string { return string(t) }

func (t TopicID) numeric() bool {
	n, err := strconv.ParseInt(string(t), 10, 64)
	return err == nil && strconv.FormatInt(n, 10) == string(t)
}

func (t TopicID) MarshalJSON() ([]byte, error) {
	if t.numeric() {
		return []byte(t), nil
	}
	return json.Marshal(string(t))
}

func (t *TopicID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = TopicID(s)
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return ErrInvalidTopicID
	}
	*t = TopicID(strconv.FormatInt(n, 10))
	return nil
}

// TopicScore is one weighted entry of a user's topic preferences.
type TopicScore struct {
	ID          TopicID `json:"id"`
	Score       float64 `json:"score"`
	Description string  `json:"description,omitempty"`
}

// Preferences are the profile knobs the model reads when it rebuilds a user.
type Preferences struct {
	ExploitCoeff  float64      `json:"exploit_coeff"`
	NRecsPerModel int          `json:"n_recs_per_model"`
	Topics        []TopicScore `json:"topic_preferences"`
}

// Topic is a catalog entry users pick from during onboarding.
type Topic struct {
	ID            TopicID `json:"id"`
	Description   string  `json:"description"`
	DocumentCount int     `json:"documentCount,omitempty"`
}

// Interaction is a free-form UI event (click, skip, pause) kept for offline
// analysis. It never triggers a sync.
type Interaction struct {
	ID      string         `json:"id,omitempty"`
	UserID  string         `json:"userId"`
	VideoID string         `json:"videoId,omitempty"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
	// Timestamp (unix ms) is assigned by the store.
	Timestamp int64 `json:"timestamp"`
}

// Feedback is one immutable reaction of a user to a video.
type Feedback struct {
	ID      string `json:"id,omitempty"`
	UserID  string `json:"userId"`
	VideoID string `json:"videoId"`
	// Rating is 1..5; 0 means no explicit rating was given.
	Rating         int      `json:"rating"`
	More           []string `json:"more,omitempty"`
	Less           []string `json:"less,omitempty"`
	TotalWatchTime float64  `json:"totalWatchTime"`
	DislikeReasons []string `json:"dislikeReasons,omitempty"`
	// Timestamp (unix ms) is assigned by the store and strictly increases per user.
	Timestamp int64 `json:"timestamp"`
}

// Video is catalog metadata for a recommendable item.
type Video struct {
	VideoID      string   `json:"videoId"`
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	ChannelID    string   `json:"channelId,omitempty"`
	ChannelTitle string   `json:"channelTitle,omitempty"`
	Thumbnail    string   `json:"thumbnail,omitempty"`
	Duration     string   `json:"duration,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	PublishedAt  string   `json:"publishedAt,omitempty"`
	ViewCount    int64    `json:"viewCount,omitempty"`
	LikeCount    int64    `json:"likeCount,omitempty"`
}

// RawRecommendation is a ranked entry as returned by the model.
type RawRecommendation struct {
	VideoID     string `json:"videoId"`
	Explanation string `json:"explanation"`
}

// Recommendation is a model entry joined with catalog metadata.
type Recommendation struct {
	VideoID     string `json:"videoId"`
	Explanation string `json:"explanation"`
	Video       *Video `json:"video"`
	// Found reports whether the catalog held the video.
	Found bool `json:"found"`
}

// UserProfile is a user plus the number of feedback records not yet synced.
type UserProfile struct {
	User
	Pending int `json:"pending"`
}

// LatestTimestamp returns the newest timestamp in batch, or 0 when empty.
func LatestTimestamp(batch []Feedback) int64 {
	var latest int64
	for i := range batch {
		if batch[i].Timestamp > latest {
			latest = batch[i].Timestamp
		}
	}
	return latest
}

// SyncJob asks a worker to run a sync decision for a user.
type SyncJob struct {
	UserID string `json:"userId"`
	// EnqueuedAt is unix ms, used for queue latency metrics.
	EnqueuedAt int64 `json:"enqueuedAt"`
}
