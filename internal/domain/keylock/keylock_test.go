package keylock_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/recsync/internal/domain/keylock"
)

func exerciseSerialization(l keylock.Locker, key string) int32 {
	var active, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), key)
			if err != nil {
				return
			}
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	return peak.Load()
}

func TestLocalLocker(t *testing.T) {
	Convey("Given a local locker", t, func() {
		l := keylock.NewLocal()

		Convey("When many goroutines lock the same user", func() {
			peak := exerciseSerialization(l, "alice")

			Convey("Then at most one holds it at a time", func() {
				So(peak, ShouldEqual, 1)
				So(l.Len(), ShouldEqual, 0)
			})
		})

		Convey("When two different users are locked", func() {
			unlockA, err := l.Lock(context.Background(), "alice")
			So(err, ShouldBeNil)
			defer unlockA()

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			unlockB, err := l.Lock(ctx, "bob")

			Convey("Then neither waits for the other", func() {
				So(err, ShouldBeNil)
				unlockB()
			})
		})

		Convey("When the waiter's context is cancelled", func() {
			unlock, err := l.Lock(context.Background(), "alice")
			So(err, ShouldBeNil)

			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			_, err = l.Lock(ctx, "alice")

			Convey("Then it gives up with the context error and leaks nothing", func() {
				So(errors.Is(err, context.DeadlineExceeded), ShouldBeTrue)
				So(l.Len(), ShouldEqual, 1)
				unlock()
				So(l.Len(), ShouldEqual, 0)
			})
		})

		Convey("When unlock is called twice", func() {
			unlock, err := l.Lock(context.Background(), "alice")
			So(err, ShouldBeNil)
			unlock()

			Convey("Then the second call is a no-op", func() {
				So(unlock, ShouldNotPanic)
				again, err := l.Lock(context.Background(), "alice")
				So(err, ShouldBeNil)
				again()
			})
		})
	})
}

// Runs only when a Redis server is available, e.g.
// RECSYNC_TEST_REDIS_ADDR=localhost:6379 go test ./internal/domain/keylock/
func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("RECSYNC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("RECSYNC_TEST_REDIS_ADDR not set")
	}

	Convey("Given a redis locker", t, func() {
		rdb := goredis.NewClient(&goredis.Options{Addr: addr})
		defer func() { _ = rdb.Close() }()
		So(rdb.Ping(context.Background()).Err(), ShouldBeNil)

		l := keylock.NewRedisLocker(rdb,
			keylock.WithKeyPrefix("recsync:test:"),
			keylock.WithTTL(5*time.Second),
			keylock.WithPollInterval(time.Millisecond),
		)

		Convey("When many goroutines lock the same user", func() {
			peak := exerciseSerialization(l, "alice")

			Convey("Then at most one holds it at a time", func() {
				So(peak, ShouldEqual, 1)
			})
		})

		Convey("When the lock is held and the waiter times out", func() {
			unlock, err := l.Lock(context.Background(), "bob")
			So(err, ShouldBeNil)
			defer unlock()

			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			_, err = l.Lock(ctx, "bob")

			Convey("Then the waiter gets the context error", func() {
				So(errors.Is(err, context.DeadlineExceeded), ShouldBeTrue)
			})
		})
	})

	Convey("Given a redis locker with a lease shorter than the critical section", t, func() {
		ctx := context.Background()
		rdb := goredis.NewClient(&goredis.Options{Addr: addr})
		defer func() { _ = rdb.Close() }()
		l := keylock.NewRedisLocker(rdb,
			keylock.WithKeyPrefix("recsync:test:"),
			keylock.WithTTL(90*time.Millisecond),
			keylock.WithPollInterval(5*time.Millisecond),
		)
		_ = rdb.Del(ctx, "recsync:test:carol", "recsync:test:dave").Err()

		Convey("When the holder keeps the lock for several lease lengths", func() {
			unlock, err := l.Lock(ctx, "carol")
			So(err, ShouldBeNil)

			waitCtx, cancel := context.WithTimeout(ctx, 400*time.Millisecond)
			defer cancel()
			_, waitErr := l.Lock(waitCtx, "carol")

			ttl := rdb.PTTL(ctx, "recsync:test:carol").Val()
			unlock()

			Convey("Then the lease is renewed and no one else gets in", func() {
				So(errors.Is(waitErr, context.DeadlineExceeded), ShouldBeTrue)
				So(ttl, ShouldBeGreaterThan, time.Duration(0))
			})

			Convey("And after unlock the key is free at once", func() {
				So(rdb.Exists(ctx, "recsync:test:carol").Val(), ShouldEqual, int64(0))
				again, err := l.Lock(ctx, "carol")
				So(err, ShouldBeNil)
				again()
			})
		})

		Convey("When a crashed holder left a lease behind", func() {
			So(rdb.Set(ctx, "recsync:test:dave", "someone-else", 90*time.Millisecond).Err(), ShouldBeNil)
			start := time.Now()
			unlock, err := l.Lock(ctx, "dave")

			Convey("Then the lease expires and the next caller acquires it", func() {
				So(err, ShouldBeNil)
				So(time.Since(start), ShouldBeGreaterThanOrEqualTo, 40*time.Millisecond)
				unlock()
			})
		})
	})
}
