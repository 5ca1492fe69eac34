package simulate

import (
	"crypto/rand"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

// randomInt returns a uniform value in [0, n) using crypto/rand.
func randomInt(n int) int {
	if n <= 1 {
		return 0
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(v.Int64())
}

// newUserID returns a fresh alphanumeric user id.
func newUserID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// generateUsers pre-allocates unique user ids.
func generateUsers(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = newUserID()
	}
	return ids
}

// generateFeedback builds count feedback records for userID, split into
// batches of at most batchSize. Videos are drawn from the topic catalog the
// model stub answers with, so some are known and some are not.
func generateFeedback(userID string, topics []string, count, batchSize int) [][]feedback {
	if batchSize <= 0 {
		batchSize = 1
	}
	all := make([]feedback, count)
	for i := range all {
		topic := "misc"
		if len(topics) > 0 {
			topic = topics[randomInt(len(topics))]
		}
		rating := randomInt(maxRating + 1)
		fb := feedback{
			ID:             uuid.NewString(),
			UserID:         userID,
			VideoID:        "vid-" + topic,
			Rating:         rating,
			TotalWatchTime: float64(randomInt(maxWatchSeconds)),
		}
		switch {
		case rating >= 4:
			fb.More = []string{topic}
		case rating <= 1:
			fb.Less = []string{topic}
		}
		all[i] = fb
	}

	batches := make([][]feedback, 0, (count+batchSize-1)/batchSize)
	for start := 0; start < len(all); start += batchSize {
		end := min(start+batchSize, len(all))
		batches = append(batches, all[start:end])
	}
	return batches
}
