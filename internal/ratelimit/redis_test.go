package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisLimiter(t *testing.T, clock *fakeClock) *RedisLimiter {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	l := NewRedisLimiter(rdb, DefaultConfig())
	if clock != nil {
		l.now = clock.Now
	}
	return l
}

func TestRedisLimiter_TenThenReject(t *testing.T) {
	clock := newFakeClock()
	l := newTestRedisLimiter(t, clock)
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

	d, err := l.Allow(ctx, "P1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed {
		t.Fatal("11th attempt should be rejected")
	}
	if d.RetryAfter != 50*time.Minute {
		t.Errorf("expected retry after 50m, got %s", d.RetryAfter)
	}

	clock.Advance(50 * time.Minute)
	if d, _ := l.Allow(ctx, "P1"); !d.Allowed {
		t.Error("expected allowance once the oldest attempt expired")
	}
}

func TestRedisLimiter_KeysIndependent(t *testing.T) {
	clock := newFakeClock()
	l := newTestRedisLimiter(t, clock)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		l.Allow(ctx, "P1")
	}
	if d, _ := l.Allow(ctx, "P2"); !d.Allowed {
		t.Error("expected other patient to be allowed")
	}
}

func TestRedisLimiter_Concurrent(t *testing.T) {
	l := newTestRedisLimiter(t, nil)
	ctx := context.Background()

	var allowed int64
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Allow(ctx, "P1")
			if err == nil && d.Allowed {
				atomic.AddInt64(&allowed, 1)
			}
		}()
	}
	wg.Wait()

	if allowed != 10 {
		t.Errorf("expected exactly 10 allowed, got %d", allowed)
	}
}

func TestRedisLimiter_Refund(t *testing.T) {
	clock := newFakeClock()
	l := newTestRedisLimiter(t, clock)
	l.cfg = Config{Window: time.Hour, Limit: 1}
	ctx := context.Background()

	d, err := l.Allow(ctx, "P1")
	if err != nil || !d.Allowed {
		t.Fatalf("expected first attempt allowed, got %+v %v", d, err)
	}
	if d.Token == "" {
		t.Fatal("expected a token on an allowed decision")
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
}
