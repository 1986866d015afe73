package ratelimit

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

const shardCount = 32

// window holds the accepted attempt times for one key, oldest first.
type window struct {
	mu     sync.Mutex
	stamps []time.Time
	// dead is set by Sweep once the window has left the shard map.
	dead bool
}

// evict drops stamps that have aged out. Caller holds w.mu.
func (w *window) evict(now time.Time, size time.Duration) {
	cut := 0
	for cut < len(w.stamps) && now.Sub(w.stamps[cut]) >= size {
		cut++
	}
	if cut > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[cut:]...)
	}
}

type shard struct {
	mu      sync.RWMutex
	windows map[string]*window
}

// MemoryLimiter keeps windows in process. Keys are spread over independently
// locked shards and every window carries its own mutex, so unrelated patients
// never contend.
type MemoryLimiter struct {
	cfg    Config
	shards [shardCount]*shard
	now    func() time.Time
}

func NewMemoryLimiter(cfg Config) *MemoryLimiter {
	l := &MemoryLimiter{cfg: cfg, now: time.Now}
	for i := range l.shards {
		l.shards[i] = &shard{windows: make(map[string]*window)}
	}
	return l
}

func (l *MemoryLimiter) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return l.shards[h.Sum32()%shardCount]
}

func (l *MemoryLimiter) getWindow(key string) *window {
	s := l.shardFor(key)
	s.mu.RLock()
	w, ok := s.windows[key]
	s.mu.RUnlock()
	if ok {
		return w
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Double-check after acquiring write lock
	if w, ok := s.windows[key]; ok {
		return w
	}
	w = &window{}
	s.windows[key] = w
	return w
}

// lockWindow returns the live window for key with its mutex held. A window
// swept between lookup and lock is discarded and looked up again.
func (l *MemoryLimiter) lockWindow(key string) (*window, time.Time) {
	for {
		w := l.getWindow(key)
		now := l.now()
		w.mu.Lock()
		if !w.dead {
			return w, now
		}
		w.mu.Unlock()
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	w, now := l.lockWindow(key)
	defer w.mu.Unlock()

	w.evict(now, l.cfg.Window)
	if len(w.stamps) >= l.cfg.Limit {
		return Decision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: w.stamps[0].Add(l.cfg.Window).Sub(now),
		}, nil
	}

	w.stamps = append(w.stamps, now)
	return Decision{Allowed: true, Remaining: l.cfg.Limit - len(w.stamps), At: now}, nil
}

// Refund removes the attempt recorded by d.
func (l *MemoryLimiter) Refund(_ context.Context, key string, d Decision) error {
	if !d.Allowed {
		return nil
	}
	w, _ := l.lockWindow(key)
	defer w.mu.Unlock()

	for i := len(w.stamps) - 1; i >= 0; i-- {
		if w.stamps[i].Equal(d.At) {
			w.stamps = append(w.stamps[:i], w.stamps[i+1:]...)
			break
		}
	}
	return nil
}

// Seed merges historical submission times into the window for key.
func (l *MemoryLimiter) Seed(_ context.Context, key string, stamps []time.Time) error {
	if len(stamps) == 0 {
		return nil
	}
	w, now := l.lockWindow(key)
	defer w.mu.Unlock()

	w.stamps = append(w.stamps, stamps...)
	sort.Slice(w.stamps, func(i, j int) bool { return w.stamps[i].Before(w.stamps[j]) })
	w.evict(now, l.cfg.Window)
	return nil
}

// Sweep removes keys whose windows have fully expired and returns how many
// were dropped.
func (l *MemoryLimiter) Sweep() int {
	now := l.now()
	removed := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for key, w := range s.windows {
			w.mu.Lock()
			w.evict(now, l.cfg.Window)
			if len(w.stamps) == 0 {
				w.dead = true
				delete(s.windows, key)
				removed++
			}
			w.mu.Unlock()
		}
		s.mu.Unlock()
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (l *MemoryLimiter) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}
