package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medquery/medquery/internal/platform/auth"
)

const (
	writeWait       = 10 * time.Second
	maxMessageSize  = 4096
	snapshotTimeout = 5 * time.Second
)

// Conn abstracts a WebSocket connection for testability. *gorilla.Conn
// satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetPongHandler(h func(appData string) error)
	SetReadLimit(limit int64)
	SetWriteDeadline(t time.Time) error
	Close() error
}

// SnapshotProvider returns the current state a subscriber should see when
// it asks for a resync.
type SnapshotProvider interface {
	Snapshot(ctx context.Context, sub Subscriber) (interface{}, error)
}

// HandlerConfig controls heartbeats and buffering.
type HandlerConfig struct {
	HeartbeatInterval time.Duration
	MaxMissed         int
	SendBuffer        int
	AllowedOrigins    []string
}

func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		HeartbeatInterval: 30 * time.Second,
		MaxMissed:         3,
		SendBuffer:        256,
	}
}

// WebSocketHandler handles HTTP-to-WebSocket upgrades and message routing.
type WebSocketHandler struct {
	hub       *Hub
	snapshots SnapshotProvider
	cfg       HandlerConfig
	upgrader  gorillawebsocket.Upgrader
	logger    zerolog.Logger
}

func NewWebSocketHandler(hub *Hub, snapshots SnapshotProvider, cfg HandlerConfig, logger zerolog.Logger) *WebSocketHandler {
	def := DefaultHandlerConfig()
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.MaxMissed <= 0 {
		cfg.MaxMissed = def.MaxMissed
	}
	h := &WebSocketHandler{
		hub:       hub,
		snapshots: snapshots,
		cfg:       cfg,
		logger:    logger.With().Str("component", "ws_handler").Logger(),
	}
	h.upgrader = gorillawebsocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// RegisterRoutes registers the WebSocket endpoint on the provided Echo group.
func (h *WebSocketHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", h.HandleConnect)
}

// HandleConnect upgrades an authenticated request, registers the client
// under its default topics and starts the read and write pumps.
func (h *WebSocketHandler) HandleConnect(c echo.Context) error {
	ctx := c.Request().Context()
	userID := auth.UserIDFromContext(ctx)
	if userID == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	sub := Subscriber{UserID: userID, Role: primaryRole(auth.RolesFromContext(ctx))}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := NewClient(uuid.New().String(), sub, h.cfg.SendBuffer, ws)
	h.hub.Register(client)

	h.logger.Debug().
		Str("connection_id", client.ID).
		Str("user_id", sub.UserID).
		Str("role", sub.Role).
		Msg("connection established")

	if ev, err := NewEvent(EventConnectionEstablished, ConnectionEstablished{ConnectionID: client.ID}); err == nil {
		h.hub.SendTo(client, ev)
	}

	go h.writePump(client)
	go h.readPump(client)

	return nil
}

// readPump reads messages from the connection and processes them.
func (h *WebSocketHandler) readPump(client *Client) {
	defer func() {
		h.hub.Unregister(client)
		client.conn.Close()
	}()

	client.conn.SetReadLimit(maxMessageSize)
	client.conn.SetPongHandler(func(string) error {
		client.Touch(time.Now())
		return nil
	})

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue // Ignore malformed messages.
		}
		h.ProcessMessage(client, msg)
	}
}

// ProcessMessage dispatches an inbound client message.
func (h *WebSocketHandler) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case ActionHeartbeat:
		client.Touch(time.Now())
	case ActionResync:
		h.resync(client)
	case ActionSubscribe:
		h.hub.Subscribe(client, msg.Topics)
	case ActionUnsubscribe:
		h.hub.Unsubscribe(client, msg.Topics)
	}
}

func (h *WebSocketHandler) resync(client *Client) {
	if h.snapshots == nil {
		return
	}
	// The snapshot must not depend on the connection's lifetime.
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()

	state, err := h.snapshots.Snapshot(ctx, client.Subscriber)
	if err != nil {
		h.logger.Error().Err(err).Str("connection_id", client.ID).Msg("resync snapshot failed")
		return
	}
	ev, err := NewEvent(EventResync, state)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to encode resync")
		return
	}
	h.hub.SendTo(client, ev)
}

// writePump drains the Send channel and pings on every heartbeat interval.
func (h *WebSocketHandler) writePump(client *Client) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = client.conn.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if err := client.conn.WriteControl(gorillawebsocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func primaryRole(roles []string) string {
	for _, preferred := range []string{auth.RoleAdmin, auth.RoleClinician, auth.RolePatient} {
		for _, r := range roles {
			if r == preferred {
				return r
			}
		}
	}
	return auth.RolePatient
}
