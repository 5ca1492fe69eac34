package simulate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/recsync/pkg/logger"
)

// ErrVerification is returned when the service broke an observable invariant.
var ErrVerification = errors.New("verification failed")

// Run executes the complete simulation and returns its statistics.
func Run(ctx context.Context, config *Config) (*Stats, error) {
	log := logger.Get().Named("simulate")
	stats := &Stats{StartTime: time.Now()}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if len(config.Topics) == 0 {
		config.Topics = DefaultTopics
	}

	log.Info(ctx, "starting recsync simulation",
		logger.String("baseURL", config.BaseURL),
		logger.Int("users", config.Users),
		logger.Int("feedbackPerUser", config.FeedbackPerUser),
		logger.Int("workers", config.Workers),
		logger.Duration("timeout", config.Timeout))

	client := newHTTPClient(config.BaseURL, config.Timeout)

	if err := checkServiceHealth(ctx, client, log); err != nil {
		return stats, fmt.Errorf("service health check failed: %w", err)
	}

	users := signUpUsers(ctx, config, client, stats, log)
	if len(users) == 0 {
		return stats, fmt.Errorf("no users could be created")
	}

	replayed := submitFeedback(ctx, config, client, users, stats, log)
	fetchRecommendations(ctx, config, client, users, stats, log)

	err := verifyResults(ctx, config, client, users, replayed, stats, log)

	stats.EndTime = time.Now()
	stats.Duration = stats.EndTime.Sub(stats.StartTime)
	displayFinalStats(ctx, log, stats)
	if err != nil {
		return stats, err
	}
	log.Info(ctx, "simulation completed successfully")
	return stats, nil
}

func checkServiceHealth(ctx context.Context, client *httpClient, log logger.Logger) error {
	log.Info(ctx, "checking service health")
	if err := client.get(ctx, "/healthz", nil); err != nil {
		return err
	}
	log.Info(ctx, "service is healthy")
	return nil
}

// forEach runs fn over [0, n) on a fixed pool of workers.
func forEach(ctx context.Context, workers, n int, fn func(i int)) {
	jobs := make(chan int, workers*workerChannelMultiplier)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if ctx.Err() != nil {
					continue
				}
				fn(i)
			}
		}()
	}
feed:
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()
}

// signUpUsers registers users and seeds their topics. It returns the users
// that made it through both steps.
func signUpUsers(ctx context.Context, config *Config, client *httpClient, stats *Stats, log logger.Logger) []string {
	ids := generateUsers(config.Users)
	ok := make([]bool, len(ids))
	var failed atomic.Int64

	forEach(ctx, config.Workers, len(ids), func(i int) {
		id := ids[i]
		body := map[string]any{"userId": id, "answers": map[string]any{"source": "simulate"}}
		if err := client.post(ctx, "/users/register", body, nil); err != nil {
			failed.Add(1)
			log.Warn(ctx, "register failed", logger.UserID(id), logger.Error(err))
			return
		}
		if err := client.post(ctx, userPath("/topics/", id), config.Topics, nil); err != nil {
			failed.Add(1)
			log.Warn(ctx, "topic initialisation failed", logger.UserID(id), logger.Error(err))
			return
		}
		ok[i] = true
	})

	users := make([]string, 0, len(ids))
	for i, id := range ids {
		if ok[i] {
			users = append(users, id)
		}
	}
	stats.UsersCreated = len(users)
	stats.UsersFailed = int(failed.Load())
	log.Info(ctx, "users signed up", logger.Int("created", stats.UsersCreated), logger.Int("failed", stats.UsersFailed))
	return users
}

// submitFeedback posts every user's feedback in order, then replays each
// user's first batch to exercise deduplication. It returns the number of
// replayed records.
func submitFeedback(ctx context.Context, config *Config, client *httpClient, users []string, stats *Stats, log logger.Logger) int {
	var sent, accepted, duplicate, failed, replayed atomic.Int64

	post := func(batch []feedback) {
		var acks []feedbackAck
		sent.Add(int64(len(batch)))
		if err := client.post(ctx, "/feedback", batch, &acks); err != nil {
			failed.Add(int64(len(batch)))
			if config.Verbose {
				log.Warn(ctx, "feedback batch failed", logger.UserID(batch[0].UserID), logger.Error(err))
			}
			return
		}
		for _, a := range acks {
			switch a.Status {
			case ackAccepted:
				accepted.Add(1)
			case ackDuplicate:
				duplicate.Add(1)
			}
		}
	}

	// One worker owns a user so that batches arrive in order.
	forEach(ctx, config.Workers, len(users), func(i int) {
		batches := generateFeedback(users[i], config.Topics, config.FeedbackPerUser, config.BatchSize)
		for _, b := range batches {
			post(b)
		}
		if len(batches) > 0 {
			replayed.Add(int64(len(batches[0])))
			post(batches[0])
		}
	})

	stats.FeedbackSent = int(sent.Load())
	stats.FeedbackAccepted = int(accepted.Load())
	stats.FeedbackDuplicate = int(duplicate.Load())
	stats.FeedbackFailed = int(failed.Load())
	log.Info(ctx, "feedback submitted",
		logger.Int("sent", stats.FeedbackSent),
		logger.Int("accepted", stats.FeedbackAccepted),
		logger.Int("duplicate", stats.FeedbackDuplicate),
		logger.Int("failed", stats.FeedbackFailed))
	return int(replayed.Load())
}

func fetchRecommendations(ctx context.Context, config *Config, client *httpClient, users []string, stats *Stats, log logger.Logger) {
	var served, failed atomic.Int64
	forEach(ctx, config.Workers, len(users), func(i int) {
		var recs []recommendation
		if err := client.get(ctx, "/videos/recommendations?userId="+users[i], &recs); err != nil {
			failed.Add(1)
			log.Warn(ctx, "recommendations failed", logger.UserID(users[i]), logger.Error(err))
			return
		}
		served.Add(int64(len(recs)))
	})
	stats.Recommendations = int(served.Load())
	stats.RecommendFailed = int(failed.Load())
	log.Info(ctx, "recommendations fetched",
		logger.Int("served", stats.Recommendations),
		logger.Int("failed", stats.RecommendFailed))
}

func displayFinalStats(ctx context.Context, log logger.Logger, stats *Stats) {
	acceptRate := 0.0
	if stats.FeedbackSent > 0 {
		acceptRate = float64(stats.FeedbackAccepted) / float64(stats.FeedbackSent) * percentageMultiplier
	}
	perSecond := 0.0
	if stats.Duration > 0 {
		perSecond = float64(stats.FeedbackSent) / stats.Duration.Seconds()
	}
	log.Info(ctx, "final statistics",
		logger.Int("usersCreated", stats.UsersCreated),
		logger.Int("usersFailed", stats.UsersFailed),
		logger.Int("feedbackSent", stats.FeedbackSent),
		logger.Float64("acceptedPct", acceptRate),
		logger.Int("feedbackDuplicate", stats.FeedbackDuplicate),
		logger.Int("feedbackFailed", stats.FeedbackFailed),
		logger.Int("recommendations", stats.Recommendations),
		logger.Int("maxPending", stats.MaxPending),
		logger.Float64("feedbackPerSecond", perSecond),
		logger.Duration("duration", stats.Duration))
}
