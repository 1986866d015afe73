package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestMemoryLimiter(clock *fakeClock) *MemoryLimiter {
	l := NewMemoryLimiter(DefaultConfig())
	l.now = clock.Now
	return l
}

func TestMemoryLimiter_TenThenReject(t *testing.T) {
	clock := newFakeClock()
	l := newTestMemoryLimiter(clock)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d, err := l.Allow(ctx, "P1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
		if d.Remaining != 9-i {
			t.Errorf("attempt %d: expected remaining %d, got %d", i+1, 9-i, d.Remaining)
		}
		clock.Advance(time.Minute)
	}

	d, _ := l.Allow(ctx, "P1")
	if d.Allowed {
		t.Fatal("11th attempt should be rejected")
	}
	// first attempt at t0, now t0+10m
	if d.RetryAfter != 50*time.Minute {
		t.Errorf("expected retry after 50m, got %s", d.RetryAfter)
	}

	// Other patients are unaffected
	if d, _ := l.Allow(ctx, "P2"); !d.Allowed {
		t.Error("expected other patient to be allowed")
	}
}

func TestMemoryLimiter_RejectionNotRecorded(t *testing.T) {
	clock := newFakeClock()
	l := newTestMemoryLimiter(clock)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		l.Allow(ctx, "P1")
	}
	for i := 0; i < 5; i++ {
		if d, _ := l.Allow(ctx, "P1"); d.Allowed {
			t.Fatal("expected rejection")
		}
	}

	clock.Advance(time.Hour)
	for i := 0; i < 10; i++ {
		if d, _ := l.Allow(ctx, "P1"); !d.Allowed {
			t.Fatalf("attempt %d after window should be allowed", i+1)
		}
	}
}

func TestMemoryLimiter_WindowSlides(t *testing.T) {
	clock := newFakeClock()
	l := newTestMemoryLimiter(clock)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		l.Allow(ctx, "P1")
	}
	clock.Advance(59 * time.Minute)
	if d, _ := l.Allow(ctx, "P1"); d.Allowed {
		t.Fatal("expected rejection inside window")
	}
	clock.Advance(time.Minute)
	if d, _ := l.Allow(ctx, "P1"); !d.Allowed {
		t.Fatal("expected allowance once the window elapsed")
	}
}

func TestMemoryLimiter_ConcurrentSameKey(t *testing.T) {
	l := NewMemoryLimiter(DefaultConfig())
	ctx := context.Background()

	var allowed int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d, _ := l.Allow(ctx, "P1"); d.Allowed {
				atomic.AddInt64(&allowed, 1)
			}
		}()
	}
	wg.Wait()

	if allowed != 10 {
		t.Errorf("expected exactly 10 allowed, got %d", allowed)
	}
}

func TestMemoryLimiter_Seed(t *testing.T) {
	clock := newFakeClock()
	l := newTestMemoryLimiter(clock)
	ctx := context.Background()

	now := clock.Now()
	var stamps []time.Time
	for i := 0; i < 9; i++ {
		stamps = append(stamps, now.Add(-time.Duration(i+1)*time.Minute))
	}
	stamps = append(stamps, now.Add(-2*time.Hour)) // outside window
	if err := l.Seed(ctx, "P1", stamps); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if d, _ := l.Allow(ctx, "P1"); !d.Allowed || d.Remaining != 0 {
		t.Fatalf("expected 10th attempt allowed with 0 remaining, got %+v", d)
	}
	d, _ := l.Allow(ctx, "P1")
	if d.Allowed {
		t.Fatal("expected rejection after seeded history fills the window")
	}
	if d.RetryAfter != 51*time.Minute {
		t.Errorf("expected retry after 51m, got %s", d.RetryAfter)
	}
}

func TestMemoryLimiter_Sweep(t *testing.T) {
	clock := newFakeClock()
	l := newTestMemoryLimiter(clock)
	ctx := context.Background()

	l.Allow(ctx, "P1")
	l.Allow(ctx, "P2")
	clock.Advance(30 * time.Minute)
	l.Allow(ctx, "P3")
	clock.Advance(30 * time.Minute)

	if n := l.Sweep(); n != 2 {
		t.Errorf("expected 2 expired keys swept, got %d", n)
	}
	if n := l.Sweep(); n != 0 {
		t.Errorf("expected nothing left to sweep, got %d", n)
	}
}

func TestMemoryLimiter_SweepBetweenLookupAndLock(t *testing.T) {
	clock := newFakeClock()
	l := NewMemoryLimiter(Config{Window: time.Hour, Limit: 1})
	ctx := context.Background()

	var armed bool
	l.now = func() time.Time {
		if armed {
			armed = false
			// Sweep drops the expired window the caller already looked up.
			l.Sweep()
		}
		return clock.Now()
	}

	if d, _ := l.Allow(ctx, "P1"); !d.Allowed {
		t.Fatal("expected first attempt allowed")
	}
	clock.Advance(time.Hour)

	armed = true
	if d, _ := l.Allow(ctx, "P1"); !d.Allowed {
		t.Fatal("expected attempt allowed once the window elapsed")
	}
	if d, _ := l.Allow(ctx, "P1"); d.Allowed {
		t.Fatal("attempt recorded in a swept window; limit bypassed")
	}
}

func TestMemoryLimiter_Refund(t *testing.T) {
	clock := newFakeClock()
	l := NewMemoryLimiter(Config{Window: time.Hour, Limit: 1})
	l.now = clock.Now
	ctx := context.Background()

	d, _ := l.Allow(ctx, "P1")
	if !d.Allowed {
		t.Fatal("expected first attempt allowed")
	}
	if err := l.Refund(ctx, "P1", d); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if d, _ := l.Allow(ctx, "P1"); !d.Allowed {
		t.Fatal("expected the refunded slot to be available")
	}
	if d, _ := l.Allow(ctx, "P1"); d.Allowed {
		t.Fatal("expected rejection once the slot is used again")
	}

	// denied decisions refund nothing
	if err := l.Refund(ctx, "P1", Decision{}); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if d, _ := l.Allow(ctx, "P1"); d.Allowed {
		t.Fatal("expected rejection after a no-op refund")
	}
}
