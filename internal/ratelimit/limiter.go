// Package ratelimit throttles query submissions per patient over a rolling
// window. Only accepted attempts are recorded.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of a single Allow call.
type Decision struct {
	Allowed   bool
	Remaining int
	// RetryAfter is the time until the oldest recorded attempt leaves the
	// window. Zero when Allowed.
	RetryAfter time.Duration
	// At is the recorded attempt time and Token identifies the recorded
	// attempt for Refund. Both are set only when Allowed.
	At    time.Time
	Token string
}

// Limiter records an attempt for key if the window has room.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Refunder gives back an attempt recorded by Allow, for submissions that
// failed before anything was stored.
type Refunder interface {
	Refund(ctx context.Context, key string, d Decision) error
}

// Seeder is implemented by limiters whose state is lost on restart and must
// be rebuilt from submission history.
type Seeder interface {
	Seed(ctx context.Context, key string, stamps []time.Time) error
}

// Config holds the rolling window settings.
type Config struct {
	Window time.Duration
	Limit  int
}

// DefaultConfig returns ten submissions per rolling hour.
func DefaultConfig() Config {
	return Config{
		Window: time.Hour,
		Limit:  10,
	}
}
