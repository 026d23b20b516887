// Package ratelimit implements the client-side token bucket that mirrors the Helix
// quota of one credential. A bucket starts from a configured guess (capacity per
// period) and is corrected from the Ratelimit-* headers of every response, so calls
// that the server would reject are held back locally instead of costing a round trip.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultPeriod is used when a bucket is created with a non-positive period.
const DefaultPeriod = time.Minute

// minWait bounds how often a starved Acquire re-checks the bucket.
const minWait = 10 * time.Millisecond

// State is a point-in-time copy of a bucket.
type State struct {
	Capacity  int           `json:"capacity"`
	Remaining int           `json:"remaining"`
	Period    time.Duration `json:"period"`
	NextReset time.Time     `json:"next_reset"`
}

// Bucket is a token bucket refilled linearly over Period and guaranteed full at
// NextReset. All reads and writes are serialized by mu.
type Bucket struct {
	clock clockwork.Clock

	mu        sync.Mutex
	capacity  int
	remaining int
	period    time.Duration
	nextReset time.Time
	// credited counts the refill tokens already added since windowStart.
	credited int
}

// Option customizes a Bucket at construction.
type Option func(*Bucket)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c clockwork.Clock) Option {
	return func(b *Bucket) {
		if c != nil {
			b.clock = c
		}
	}
}

// New returns a full bucket holding capacity tokens that refills over period.
func New(capacity int, period time.Duration, opts ...Option) *Bucket {
	if capacity < 1 {
		capacity = 1
	}
	if period <= 0 {
		period = DefaultPeriod
	}
	b := &Bucket{
		clock:     clockwork.NewRealClock(),
		capacity:  capacity,
		remaining: capacity,
		period:    period,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.nextReset = b.clock.Now().Add(period)
	return b
}

// Acquire takes one token, waiting for the refill schedule when the bucket is empty.
// It returns ctx.Err() if the context ends first; no token is consumed in that case.
// Waiters are not served in FIFO order.
func (b *Bucket) Acquire(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		wait, ok := b.take()
		if ok {
			return nil
		}
		timer := b.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.Chan():
		}
	}
}

// TryAcquire takes one token if one is available right now.
func (b *Bucket) TryAcquire() bool {
	_, ok := b.take()
	return ok
}

func (b *Bucket) take() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	b.refill(now)
	if b.remaining > 0 {
		b.remaining--
		return 0, true
	}
	return b.nextTokenIn(now), false
}

// UpdateCapacity sets the bucket size. Values below 1 are ignored.
func (b *Bucket) UpdateCapacity(c int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setCapacity(c, b.clock.Now())
}

// UpdateRemaining replaces the remaining count, clamped to [0, capacity].
func (b *Bucket) UpdateRemaining(r int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setRemaining(r, b.clock.Now())
}

// UpdateNextReset moves the full-refill time. Times in the past are ignored so stale
// server data can never collapse the schedule.
func (b *Bucket) UpdateNextReset(t time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setNextReset(t, b.clock.Now())
}

// UpdatePeriod sets the time the bucket takes to refill from empty. Non-positive
// values are ignored.
func (b *Bucket) UpdatePeriod(p time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p < 1 || p == b.period {
		return
	}
	b.period = p
	b.rebase(b.clock.Now())
}

// Snapshot returns the current state after applying any refill that is due.
func (b *Bucket) Snapshot() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(b.clock.Now())
	return State{
		Capacity:  b.capacity,
		Remaining: b.remaining,
		Period:    b.period,
		NextReset: b.nextReset,
	}
}

func (b *Bucket) setCapacity(c int, now time.Time) {
	if c < 1 || c == b.capacity {
		return
	}
	b.capacity = c
	if b.remaining > c {
		b.remaining = c
	}
	b.rebase(now)
}

func (b *Bucket) setRemaining(r int, now time.Time) {
	if r < 0 {
		r = 0
	}
	if r > b.capacity {
		r = b.capacity
	}
	if r == b.remaining {
		return
	}
	b.remaining = r
	b.rebase(now)
}

func (b *Bucket) setNextReset(t, now time.Time) {
	if t.Before(now) || t.Equal(b.nextReset) {
		return
	}
	b.nextReset = t
	b.rebase(now)
}

func (b *Bucket) windowStart() time.Time { return b.nextReset.Add(-b.period) }

// due is the number of tokens the linear schedule has released since windowStart.
func (b *Bucket) due(now time.Time) int {
	elapsed := now.Sub(b.windowStart())
	if elapsed <= 0 {
		return 0
	}
	if elapsed >= b.period {
		return b.capacity
	}
	return int(int64(elapsed) * int64(b.capacity) / int64(b.period))
}

func (b *Bucket) refill(now time.Time) {
	if !now.Before(b.nextReset) {
		b.remaining = b.capacity
		b.nextReset = now.Add(b.period)
		b.credited = 0
		return
	}
	if due := b.due(now); due > b.credited {
		b.remaining = min(b.capacity, b.remaining+due-b.credited)
		b.credited = due
	}
}

// rebase marks everything released so far as already accounted for. Called after
// server data changed the state, since that data already reflects past refills.
func (b *Bucket) rebase(now time.Time) {
	b.credited = b.due(now)
}

// nextTokenIn projects when the schedule releases the next token.
func (b *Bucket) nextTokenIn(now time.Time) time.Duration {
	n := int64(b.credited + 1)
	c := int64(b.capacity)
	offset := time.Duration((n*int64(b.period) + c - 1) / c)
	at := b.windowStart().Add(offset)
	if at.After(b.nextReset) {
		at = b.nextReset
	}
	wait := at.Sub(now)
	if wait < minWait {
		wait = minWait
	}
	return wait
}
