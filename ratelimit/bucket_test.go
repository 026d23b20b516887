package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

var epoch = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

func TestNewDefaults(t *testing.T) {
	fc := clockwork.NewFakeClockAt(epoch)
	tests := []struct {
		name         string
		capacity     int
		period       time.Duration
		wantCapacity int
		wantPeriod   time.Duration
	}{
		{"normal", 800, time.Minute, 800, time.Minute},
		{"zero capacity", 0, time.Minute, 1, time.Minute},
		{"negative capacity", -5, time.Minute, 1, time.Minute},
		{"zero period", 10, 0, 10, DefaultPeriod},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := New(tt.capacity, tt.period, WithClock(fc)).Snapshot()
			if st.Capacity != tt.wantCapacity {
				t.Errorf("Capacity = %d, want %d", st.Capacity, tt.wantCapacity)
			}
			if st.Remaining != tt.wantCapacity {
				t.Errorf("Remaining = %d, want full bucket %d", st.Remaining, tt.wantCapacity)
			}
			if st.Period != tt.wantPeriod {
				t.Errorf("Period = %v, want %v", st.Period, tt.wantPeriod)
			}
			if !st.NextReset.Equal(epoch.Add(tt.wantPeriod)) {
				t.Errorf("NextReset = %v, want %v", st.NextReset, epoch.Add(tt.wantPeriod))
			}
		})
	}
}

func TestAcquireWaitsForHalfPeriodRefill(t *testing.T) {
	fc := clockwork.NewFakeClockAt(epoch)
	b := New(2, 60*time.Second, WithClock(fc))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 2; i++ {
		if err := b.Acquire(ctx); err != nil {
			t.Fatalf("Acquire #%d error = %v", i+1, err)
		}
	}

	done := make(chan error, 1)
	go func() { done <- b.Acquire(ctx) }()

	if err := fc.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("third Acquire never started waiting: %v", err)
	}
	fc.Advance(29 * time.Second)
	select {
	case err := <-done:
		t.Fatalf("third Acquire returned early (err=%v)", err)
	case <-time.After(50 * time.Millisecond):
	}

	fc.Advance(time.Second)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("third Acquire error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("third Acquire did not complete after 30s of refill")
	}
	if got := b.Snapshot().Remaining; got != 0 {
		t.Errorf("Remaining = %d, want 0", got)
	}
}

func TestAcquireContextCanceled(t *testing.T) {
	fc := clockwork.NewFakeClockAt(epoch)
	b := New(1, time.Hour, WithClock(fc))
	if !b.TryAcquire() {
		t.Fatal("first TryAcquire should succeed")
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Acquire(ctx) }()
	if err := fc.BlockUntilContext(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Acquire error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Acquire ignored context cancellation")
	}
	if got := b.Snapshot().Remaining; got != 0 {
		t.Errorf("Remaining = %d after canceled wait, want 0", got)
	}
}

func TestFullRefillAtNextReset(t *testing.T) {
	fc := clockwork.NewFakeClockAt(epoch)
	b := New(5, time.Minute, WithClock(fc))
	for b.TryAcquire() {
	}
	fc.Advance(time.Minute)
	st := b.Snapshot()
	if st.Remaining != 5 {
		t.Errorf("Remaining = %d, want 5 after reset", st.Remaining)
	}
	if !st.NextReset.Equal(epoch.Add(2 * time.Minute)) {
		t.Errorf("NextReset = %v, want %v", st.NextReset, epoch.Add(2*time.Minute))
	}
}

func TestLinearRefill(t *testing.T) {
	fc := clockwork.NewFakeClockAt(epoch)
	b := New(60, time.Minute, WithClock(fc))
	for b.TryAcquire() {
	}
	fc.Advance(10 * time.Second)
	if got := b.Snapshot().Remaining; got != 10 {
		t.Errorf("Remaining = %d after 10s, want 10", got)
	}
	fc.Advance(500 * time.Millisecond)
	if got := b.Snapshot().Remaining; got != 10 {
		t.Errorf("Remaining = %d after 10.5s, want 10 (whole tokens only)", got)
	}
	fc.Advance(500 * time.Millisecond)
	if got := b.Snapshot().Remaining; got != 11 {
		t.Errorf("Remaining = %d after 11s, want 11", got)
	}
}

func TestUpdateCapacity(t *testing.T) {
	fc := clockwork.NewFakeClockAt(epoch)
	b := New(10, time.Minute, WithClock(fc))

	b.UpdateCapacity(0)
	if got := b.Snapshot().Capacity; got != 10 {
		t.Errorf("UpdateCapacity(0) changed capacity to %d", got)
	}
	b.UpdateCapacity(4)
	st := b.Snapshot()
	if st.Capacity != 4 || st.Remaining != 4 {
		t.Errorf("after UpdateCapacity(4): capacity=%d remaining=%d, want 4/4", st.Capacity, st.Remaining)
	}
	b.UpdateCapacity(20)
	st = b.Snapshot()
	if st.Capacity != 20 || st.Remaining != 4 {
		t.Errorf("after UpdateCapacity(20): capacity=%d remaining=%d, want 20/4", st.Capacity, st.Remaining)
	}
}

func TestUpdateRemaining(t *testing.T) {
	tests := []struct {
		name string
		in   int
		want int
	}{
		{"within range", 3, 3},
		{"negative clamps to zero", -2, 0},
		{"above capacity clamps", 99, 10},
		{"equal to current", 10, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := clockwork.NewFakeClockAt(epoch)
			b := New(10, time.Minute, WithClock(fc))
			b.UpdateRemaining(tt.in)
			if got := b.Snapshot().Remaining; got != tt.want {
				t.Errorf("Remaining = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestUpdateNextResetIgnoresPast(t *testing.T) {
	fc := clockwork.NewFakeClockAt(epoch)
	b := New(10, time.Minute, WithClock(fc))
	before := b.Snapshot()

	b.UpdateNextReset(epoch.Add(-time.Second))
	if after := b.Snapshot(); !after.NextReset.Equal(before.NextReset) {
		t.Errorf("past reset moved schedule: %v -> %v", before.NextReset, after.NextReset)
	}

	future := epoch.Add(2 * time.Minute)
	b.UpdateNextReset(future)
	if got := b.Snapshot().NextReset; !got.Equal(future) {
		t.Errorf("NextReset = %v, want %v", got, future)
	}
}

func TestUpdatePeriodIgnoresNonPositive(t *testing.T) {
	fc := clockwork.NewFakeClockAt(epoch)
	b := New(10, time.Minute, WithClock(fc))
	b.UpdatePeriod(0)
	b.UpdatePeriod(-time.Second)
	if got := b.Snapshot().Period; got != time.Minute {
		t.Errorf("Period = %v, want 1m", got)
	}
	b.UpdatePeriod(30 * time.Second)
	if got := b.Snapshot().Period; got != 30*time.Second {
		t.Errorf("Period = %v, want 30s", got)
	}
}

func TestRemainingStaysWithinCapacity(t *testing.T) {
	fc := clockwork.NewFakeClockAt(epoch)
	b := New(8, time.Minute, WithClock(fc))
	//nolint:gosec // deterministic sequence for property check
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 5000; i++ {
		switch rng.Intn(7) {
		case 0:
			b.UpdateCapacity(rng.Intn(20) - 2)
		case 1:
			b.UpdateRemaining(rng.Intn(30) - 5)
		case 2:
			b.UpdateNextReset(fc.Now().Add(time.Duration(rng.Intn(120)-30) * time.Second))
		case 3:
			b.UpdatePeriod(time.Duration(rng.Intn(90)-10) * time.Second)
		case 4:
			fc.Advance(time.Duration(rng.Intn(5000)) * time.Millisecond)
		default:
			b.TryAcquire()
		}
		st := b.Snapshot()
		if st.Remaining < 0 || st.Remaining > st.Capacity {
			t.Fatalf("step %d: remaining %d outside [0, %d]", i, st.Remaining, st.Capacity)
		}
		if st.Capacity < 1 {
			t.Fatalf("step %d: capacity %d < 1", i, st.Capacity)
		}
	}
}

func TestConcurrentAcquireNeverOverdraws(t *testing.T) {
	b := New(50, time.Hour)
	var got atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.TryAcquire() {
				got.Add(1)
			}
		}()
	}
	wg.Wait()
	if got.Load() != 50 {
		t.Errorf("acquired %d tokens, want exactly 50", got.Load())
	}
	if r := b.Snapshot().Remaining; r != 0 {
		t.Errorf("Remaining = %d, want 0", r)
	}
}
