// Package websocket pushes query and review-queue changes to connected
// patients and clinicians. Clients subscribe to topics and receive events
// broadcast to those topics.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ClientMessage is an inbound message from a WebSocket client.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics,omitempty"`
}

// Client actions.
const (
	ActionHeartbeat   = "heartbeat"
	ActionResync      = "resync"
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// Client represents a single WebSocket connection.
type Client struct {
	ID         string
	Subscriber Subscriber
	Topics     []string
	Send       chan []byte

	lastSeen atomic.Int64
	dropped  atomic.Uint64
	conn     Conn
}

// NewClient builds a client with a bounded outbound buffer.
func NewClient(id string, sub Subscriber, buffer int, conn Conn) *Client {
	c := &Client{
		ID:         id,
		Subscriber: sub,
		Topics:     sub.DefaultTopics(),
		Send:       make(chan []byte, buffer),
		conn:       conn,
	}
	c.Touch(time.Now())
	return c
}

// Touch records liveness.
func (c *Client) Touch(at time.Time) {
	c.lastSeen.Store(at.UnixNano())
}

func (c *Client) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Dropped is how many events were discarded because the buffer was full.
func (c *Client) Dropped() uint64 {
	return c.dropped.Load()
}

// Hub tracks clients and their topic subscriptions. All operations are
// thread-safe via sync.RWMutex.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> set of clients
	all     map[*Client]struct{}

	dropped atomic.Uint64
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger.With().Str("component", "ws_hub").Logger(),
	}
}

// Register adds a client to the hub and subscribes it to its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}

	for _, topic := range client.Topics {
		if h.clients[topic] == nil {
			h.clients[topic] = make(map[*Client]struct{})
		}
		h.clients[topic][client] = struct{}{}
	}
}

// Unregister removes a client from the hub and closes its Send channel. It
// reports false when the client was already gone.
func (h *Hub) Unregister(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return false
	}

	for _, topic := range client.Topics {
		if subscribers, ok := h.clients[topic]; ok {
			delete(subscribers, client)
			if len(subscribers) == 0 {
				delete(h.clients, topic)
			}
		}
	}

	delete(h.all, client)
	close(client.Send)
	return true
}

// Subscribe adds topics the client is allowed to see and returns the ones
// that were accepted.
func (h *Hub) Subscribe(client *Client, topics []string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return nil
	}

	var accepted []string
	for _, topic := range topics {
		if !client.Subscriber.CanSubscribe(topic) {
			continue
		}
		if h.clients[topic] == nil {
			h.clients[topic] = make(map[*Client]struct{})
		}
		if _, dup := h.clients[topic][client]; dup {
			continue
		}
		h.clients[topic][client] = struct{}{}
		client.Topics = append(client.Topics, topic)
		accepted = append(accepted, topic)
	}
	return accepted
}

// Unsubscribe removes topics from an already-registered client.
func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	removeSet := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		removeSet[t] = struct{}{}
	}

	for _, topic := range topics {
		if subscribers, ok := h.clients[topic]; ok {
			delete(subscribers, client)
			if len(subscribers) == 0 {
				delete(h.clients, topic)
			}
		}
	}

	remaining := make([]string, 0, len(client.Topics))
	for _, t := range client.Topics {
		if _, rm := removeSet[t]; !rm {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

// Broadcast enqueues event for every client subscribed to any of topics. A
// client on several of the topics receives it once. Full buffers drop the
// event for that client only. Returns the number of clients reached.
func (h *Hub) Broadcast(event Event, topics ...string) int {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("type", event.Type).Msg("failed to marshal event")
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[*Client]struct{})
	delivered := 0
	for _, topic := range topics {
		for client := range h.clients[topic] {
			if _, dup := seen[client]; dup {
				continue
			}
			seen[client] = struct{}{}
			if h.enqueue(client, data) {
				delivered++
			}
		}
	}
	return delivered
}

// SendTo enqueues event for a single client.
func (h *Hub) SendTo(client *Client, event Event) bool {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("type", event.Type).Msg("failed to marshal event")
		return false
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.all[client]; !ok {
		return false
	}
	return h.enqueue(client, data)
}

// enqueue never blocks. Caller holds h.mu (read) so Send cannot be closed
// underneath it.
func (h *Hub) enqueue(client *Client, data []byte) bool {
	select {
	case client.Send <- data:
		return true
	default:
		client.dropped.Add(1)
		h.dropped.Add(1)
		h.logger.Warn().Str("connection_id", client.ID).Msg("send buffer full, event dropped")
		return false
	}
}

// Stale returns clients whose last sign of life is older than maxSilence.
func (h *Hub) Stale(now time.Time, maxSilence time.Duration) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var stale []*Client
	for client := range h.all {
		if now.Sub(client.LastSeen()) > maxSilence {
			stale = append(stale, client)
		}
	}
	return stale
}

// Reap evicts stale clients, closing their connections, and returns how many
// were removed.
func (h *Hub) Reap(now time.Time, maxSilence time.Duration) int {
	n := 0
	for _, client := range h.Stale(now, maxSilence) {
		if h.Unregister(client) {
			n++
			if client.conn != nil {
				_ = client.conn.Close()
			}
			h.logger.Info().
				Str("connection_id", client.ID).
				Str("user_id", client.Subscriber.UserID).
				Msg("evicted connection after missed heartbeats")
		}
	}
	return n
}

// RunReaper evicts clients that stayed silent for maxMissed heartbeat
// intervals, checking once per interval until ctx is done.
func (h *Hub) RunReaper(ctx context.Context, interval time.Duration, maxMissed int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	maxSilence := interval * time.Duration(maxMissed)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			h.Reap(now, maxSilence)
		}
	}
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of clients subscribed to a specific topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// Dropped is the total number of events discarded across all clients.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}
