package simulate

import "time"

// Default run parameters.
const (
	DefaultUsers           = 100
	DefaultFeedbackPerUser = 12
	DefaultBatchSize       = 3
	DefaultTimeout         = 30 * time.Second

	workerChannelMultiplier = 2
	maxRating               = 5
	maxWatchSeconds         = 600
	percentageMultiplier    = 100
)

const (
	ackAccepted  = "accepted"
	ackDuplicate = "duplicate"
)

// DefaultTopics seeds each simulated user.
var DefaultTopics = []string{"go", "distributed-systems", "cooking", "surfing"}
