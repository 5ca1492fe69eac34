package keylock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/okian/recsync/pkg/logger"
	"github.com/okian/recsync/pkg/metrics"
)

// releaseScript deletes the key only when it still holds our token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lease only when the key still holds our token.
var renewScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker is a Locker shared by every replica talking to the same Redis.
// Leases expire after ttl so a crashed holder cannot wedge a user forever.
// A live holder renews its lease every ttl/3 until it unlocks, so a sync that
// outlasts ttl keeps the user to itself.
type RedisLocker struct {
	rdb          goredis.UniversalClient
	prefix       string
	ttl          time.Duration
	pollInterval time.Duration
	logger       logger.Logger
}

// NewRedisLocker creates a RedisLocker over rdb.
func NewRedisLocker(rdb goredis.UniversalClient, opts ...RedisOption) *RedisLocker {
	r := &RedisLocker{
		rdb:          rdb,
		prefix:       "recsync:lock:",
		ttl:          30 * time.Second,
		pollInterval: 25 * time.Millisecond,
		logger:       logger.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Lock polls SET NX until the lease is ours or ctx is done.
func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	redisKey := r.prefix + key
	start := time.Now()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		ok, err := r.rdb.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
	metrics.RecordLockWait(float64(time.Since(start).Microseconds()) / 1000)

	stop, stopped := make(chan struct{}), make(chan struct{})
	go r.keepAlive(context.WithoutCancel(ctx), key, redisKey, token, stop, stopped)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-stopped
			// Release even if the caller's context is already cancelled.
			relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := r.release(relCtx, redisKey, token); err != nil {
				r.logger.Warn(relCtx, "failed to release user lock", logger.String("key", key), logger.Error(err))
			}
		})
	}, nil
}

// keepAlive renews the lease until stop is closed or the lease is found to
// belong to someone else. A failed renewal is retried on the next tick.
func (r *RedisLocker) keepAlive(ctx context.Context, key, redisKey, token string, stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	interval := max(r.ttl/3, time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		renewCtx, cancel := context.WithTimeout(ctx, interval)
		n, err := renewScript.Run(renewCtx, r.rdb, []string{redisKey}, token, r.ttl.Milliseconds()).Int()
		cancel()
		switch {
		case err != nil:
			r.logger.Warn(ctx, "user lock renewal failed", logger.String("key", key), logger.Error(err))
		case n == 0:
			metrics.RecordLockLost()
			r.logger.Error(ctx, "user lock lease expired while held", logger.String("key", key))
			return
		}
	}
}

func (r *RedisLocker) release(ctx context.Context, redisKey, token string) error {
	n, err := releaseScript.Run(ctx, r.rdb, []string{redisKey}, token).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

func newToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("lock token: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
