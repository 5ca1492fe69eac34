package simulate

import (
	"context"
	"fmt"
	"sync"

	"github.com/okian/recsync/pkg/logger"
)

// verifyResults checks what an outside observer can see: every user is
// reachable, replays were recognised as duplicates, and no user holds a full
// batch of unsynced feedback when the service syncs inline.
func verifyResults(ctx context.Context, config *Config, client *httpClient, users []string, replayed int, stats *Stats, log logger.Logger) error {
	log.Info(ctx, "verifying results")

	var (
		mu       sync.Mutex
		problems []string
	)
	report := func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	forEach(ctx, config.Workers, len(users), func(i int) {
		var p profile
		if err := client.get(ctx, userPath("/users/", users[i]), &p); err != nil {
			report("user %s unreachable: %v", users[i], err)
			return
		}
		mu.Lock()
		stats.MaxPending = max(stats.MaxPending, p.Pending)
		mu.Unlock()
		if config.SyncThreshold > 0 && p.Pending >= config.SyncThreshold {
			report("user %s has %d pending feedback, threshold %d", users[i], p.Pending, config.SyncThreshold)
		}
	})

	if stats.FeedbackFailed == 0 && stats.FeedbackDuplicate != replayed {
		report("expected %d duplicate acks, got %d", replayed, stats.FeedbackDuplicate)
	}
	if stats.RecommendFailed > 0 {
		report("%d recommendation requests failed", stats.RecommendFailed)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if len(problems) > 0 {
		for _, p := range problems {
			log.Error(ctx, "verification problem", logger.String("detail", p))
		}
		return fmt.Errorf("%w: %d problems, first: %s", ErrVerification, len(problems), problems[0])
	}
	log.Info(ctx, "verification passed", logger.Int("users", len(users)))
	return nil
}
