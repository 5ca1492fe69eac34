// Package keylock provides per-key mutual exclusion so that work for one user
// is serialized while different users never contend.
package keylock

import (
	"context"
	"sync"
	"time"

	"github.com/okian/recsync/pkg/metrics"
)

// Locker grants exclusive access per key.
type Locker interface {
	// Lock blocks until key is held or ctx is done. The returned func releases it.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

type slot struct {
	sem  chan struct{}
	refs int
}

// Local is an in-process Locker. Idle keys are reclaimed once nobody holds or
// waits on them.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

// NewLocal creates an in-process Locker.
func NewLocal() *Local {
	return &Local{slots: make(map[string]*slot)}
}

// Lock acquires key, honoring ctx while waiting.
func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := l.acquireSlot(key)
	start := time.Now()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		l.releaseSlot(key, s)
		return nil, ctx.Err()
	}
	metrics.RecordLockWait(float64(time.Since(start).Microseconds()) / 1000)

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.sem
			l.releaseSlot(key, s)
		})
	}, nil
}

// Len returns the number of keys currently held or awaited.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

func (l *Local) acquireSlot(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{sem: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *Local) releaseSlot(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}
