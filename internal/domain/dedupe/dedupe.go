// Package dedupe remembers recently seen feedback IDs so client retries do not
// append the same feedback twice.
package dedupe

import (
	"context"
	"sync"
)

// staleSlack keeps small queues from compacting on every Unrecord.
const staleSlack = 64

// Deduper records seen IDs to ensure at-most-once acceptance.
type Deduper interface {
	// SeenAndRecord reports whether id was already seen and records it if not.
	SeenAndRecord(ctx context.Context, id string) bool

	// Unrecord forgets id so a submission whose write failed can be retried.
	Unrecord(ctx context.Context, id string)

	// Claim reserves id for one writer. dup is true when id is already
	// committed. While another writer holds the claim, Claim waits for its
	// outcome or for ctx.
	Claim(ctx context.Context, id string) (c *Claim, dup bool, err error)

	Size() int64
}

// Claim is an exclusive reservation of an id. Exactly one of Commit or Abort
// takes effect; later calls are no-ops.
type Claim struct {
	once   sync.Once
	finish func(commit bool)
}

// Commit records the id as seen and wakes waiters, who then report a duplicate.
func (c *Claim) Commit() { c.once.Do(func() { c.finish(true) }) }

// Abort releases the id unrecorded; the next waiter becomes the writer.
func (c *Claim) Abort() { c.once.Do(func() { c.finish(false) }) }

type entry struct {
	id  string
	gen uint64
}

// fifoDeduper keeps at most maxSize IDs and evicts the oldest first.
// Unrecord leaves a stale queue entry behind; eviction skips entries whose
// generation no longer matches the map, and compaction drops them once they
// outnumber live ones.
type fifoDeduper struct {
	mu       sync.Mutex
	seen     map[string]uint64
	inflight map[string]chan struct{}
	order    []entry
	head     int
	gen      uint64
	maxSize  int // <= 0 means unbounded
}

// NewInMemoryDeduper creates a new in-memory deduper.
func NewInMemoryDeduper(opts ...Option) Deduper {
	d := &fifoDeduper{
		maxSize: 50_000,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.seen = make(map[string]uint64)
	d.inflight = make(map[string]chan struct{})
	return d
}

func (d *fifoDeduper) SeenAndRecord(_ context.Context, id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return true
	}
	d.record(id)
	return false
}

func (d *fifoDeduper) Claim(ctx context.Context, id string) (*Claim, bool, error) {
	for {
		d.mu.Lock()
		if _, ok := d.seen[id]; ok {
			d.mu.Unlock()
			return nil, true, nil
		}
		busy, ok := d.inflight[id]
		if !ok {
			done := make(chan struct{})
			d.inflight[id] = done
			d.mu.Unlock()
			return &Claim{finish: func(commit bool) { d.release(id, done, commit) }}, false, nil
		}
		d.mu.Unlock()

		select {
		case <-busy:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

func (d *fifoDeduper) release(id string, done chan struct{}, commit bool) {
	d.mu.Lock()
	if commit {
		if _, ok := d.seen[id]; !ok {
			d.record(id)
		}
	}
	delete(d.inflight, id)
	d.mu.Unlock()
	close(done)
}

// record must be called with d.mu held and id unseen.
func (d *fifoDeduper) record(id string) {
	if d.maxSize <= 0 {
		d.seen[id] = 0
		return
	}
	for len(d.seen) >= d.maxSize && d.evictOldest() {
	}
	d.gen++
	d.seen[id] = d.gen
	d.order = append(d.order, entry{id: id, gen: d.gen})
}

func (d *fifoDeduper) Unrecord(_ context.Context, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; !ok {
		return
	}
	delete(d.seen, id)
	if queued := len(d.order) - d.head; queued > 2*len(d.seen)+staleSlack {
		d.dropStale()
	}
}

// evictOldest must be called with d.mu held. It reports whether a live ID
// was removed.
func (d *fifoDeduper) evictOldest() bool {
	defer d.compact()
	for d.head < len(d.order) {
		e := d.order[d.head]
		d.order[d.head] = entry{}
		d.head++
		if gen, ok := d.seen[e.id]; ok && gen == e.gen {
			delete(d.seen, e.id)
			return true
		}
	}
	return false
}

// compact drops the consumed prefix once it dominates the backing array.
func (d *fifoDeduper) compact() {
	if d.head == 0 || d.head < len(d.order)/2 {
		return
	}
	n := copy(d.order, d.order[d.head:])
	clear(d.order[n:])
	d.order = d.order[:n]
	d.head = 0
}

// dropStale rewrites the queue keeping only live entries, in order.
func (d *fifoDeduper) dropStale() {
	live := make([]entry, 0, len(d.seen))
	for _, e := range d.order[d.head:] {
		if gen, ok := d.seen[e.id]; ok && gen == e.gen {
			live = append(live, e)
		}
	}
	d.order = live
	d.head = 0
}

func (d *fifoDeduper) Size() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int64(len(d.seen))
}
