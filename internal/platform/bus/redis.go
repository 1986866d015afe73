// Package bus relays live-channel events between server instances over
// Redis pub/sub.
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// NewClient connects to Redis from a redis:// URL and verifies the
// connection.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// RedisBus publishes raw payloads on a single channel.
type RedisBus struct {
	rdb     *redis.Client
	channel string
	logger  zerolog.Logger
}

func NewRedisBus(rdb *redis.Client, channel string, logger zerolog.Logger) (*RedisBus, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client required")
	}
	if channel == "" {
		channel = "medquery-events"
	}
	return &RedisBus{
		rdb:     rdb,
		channel: channel,
		logger:  logger.With().Str("component", "redis_bus").Logger(),
	}, nil
}

func (b *RedisBus) Publish(ctx context.Context, payload []byte) error {
	return b.rdb.Publish(ctx, b.channel, payload).Err()
}

// StartForwarder subscribes to the channel and calls onMsg for every payload
// until ctx is done. It returns once the subscription is confirmed.
func (b *RedisBus) StartForwarder(ctx context.Context, onMsg func(payload []byte)) error {
	if onMsg == nil {
		return fmt.Errorf("onMsg callback required")
	}

	sub := b.rdb.Subscribe(ctx, b.channel)

	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					b.logger.Warn().Msg("redis subscription closed")
					return
				}
				onMsg([]byte(m.Payload))
			}
		}
	}()

	return nil
}

func (b *RedisBus) Close() error {
	return b.rdb.Close()
}
