package websocket

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Bus carries events between instances.
type Bus interface {
	Publish(ctx context.Context, payload []byte) error
	StartForwarder(ctx context.Context, onMsg func(payload []byte)) error
}

type envelope struct {
	Origin string   `json:"origin"`
	Topics []string `json:"topics"`
	Event  Event    `json:"event"`
}

// Bridge delivers events to local connections and, when a bus is set, to
// connections held by other instances.
type Bridge struct {
	hub    *Hub
	bus    Bus
	origin string
	logger zerolog.Logger
}

// NewBridge wraps hub. bus may be nil for a single instance.
func NewBridge(hub *Hub, bus Bus, logger zerolog.Logger) *Bridge {
	return &Bridge{
		hub:    hub,
		bus:    bus,
		origin: uuid.New().String(),
		logger: logger.With().Str("component", "ws_bridge").Logger(),
	}
}

func (b *Bridge) Hub() *Hub {
	return b.hub
}

// Publish is fire-and-forget: failures are logged and never reach the
// caller.
func (b *Bridge) Publish(ctx context.Context, event Event, topics ...string) {
	b.hub.Broadcast(event, topics...)

	if b.bus == nil {
		return
	}
	raw, err := json.Marshal(envelope{Origin: b.origin, Topics: topics, Event: event})
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to encode bus envelope")
		return
	}
	if err := b.bus.Publish(ctx, raw); err != nil {
		b.logger.Warn().Err(err).Str("type", event.Type).Msg("bus publish failed")
	}
}

// Start subscribes to the bus and relays events published by other
// instances to local connections.
func (b *Bridge) Start(ctx context.Context) error {
	if b.bus == nil {
		return nil
	}
	return b.bus.StartForwarder(ctx, b.deliver)
}

func (b *Bridge) deliver(payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		b.logger.Warn().Err(err).Msg("bad bus payload")
		return
	}
	if env.Origin == b.origin {
		return
	}
	b.hub.Broadcast(env.Event, env.Topics...)
}
