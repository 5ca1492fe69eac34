// Package simulate drives synthetic user traffic against a running recsync
// service and checks that the sync invariants hold from the outside.
package simulate

import "time"

// Config holds configuration for a simulation run.
type Config struct {
	BaseURL         string        // Base URL of the service
	Users           int           // Number of users to sign up
	FeedbackPerUser int           // Feedback records posted per user
	BatchSize       int           // Feedback records per POST /feedback
	Topics          []string      // Topics every user starts from
	Workers         int           // Number of concurrent workers
	Timeout         time.Duration // HTTP request timeout
	SyncThreshold   int           // Expected server threshold; 0 skips the pending check
	LogFile         string        // Log file for run output
	Verbose         bool          // Enable verbose logging
}

// feedback mirrors the service's feedback payload.
type feedback struct {
	ID             string   `json:"id,omitempty"`
	UserID         string   `json:"userId"`
	VideoID        string   `json:"videoId"`
	Rating         int      `json:"rating"`
	More           []string `json:"more,omitempty"`
	Less           []string `json:"less,omitempty"`
	TotalWatchTime float64  `json:"totalWatchTime"`
}

type feedbackAck struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type profile struct {
	UserID  string `json:"userId"`
	Pending int    `json:"pending"`
}

type recommendation struct {
	VideoID string `json:"videoId"`
	Found   bool   `json:"found"`
}

// Stats holds run statistics.
type Stats struct {
	UsersCreated      int
	UsersFailed       int
	FeedbackSent      int
	FeedbackAccepted  int
	FeedbackDuplicate int
	FeedbackFailed    int
	Recommendations   int
	RecommendFailed   int
	MaxPending        int
	StartTime         time.Time
	EndTime           time.Time
	Duration          time.Duration
}
