// Package ws bridges the Redis signal bus to operator WebSocket
// clients: every detected signal and finished arb is fanned out live,
// with a periodic status frame so dashboards can render health without
// polling the REST API.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/neutralmarkets/spreadbot/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024
	sendBufferSize = 64
)

// busChannels maps bus channel names to the frame type sent to clients.
var busChannels = map[string]string{
	"signals": "signal",
	"arbs":    "arb",
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API key middleware has already vetted the request.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// frame is the envelope every client message arrives in.
type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// controlMsg is the only inbound message clients send: frame-type
// filtering.
type controlMsg struct {
	Action string   `json:"action"` // "subscribe" or "unsubscribe"
	Types  []string `json:"types"`
}

// client is one connected operator.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	subs map[string]bool // frame types the client wants
}

// Config configures the hub.
type Config struct {
	// Status composes the periodic status frame. Optional.
	Status func() domain.BotStatus
	// StatusEvery is the status frame interval. Default 10s.
	StatusEvery time.Duration
	Logger      *slog.Logger
}

// Hub owns the client set and fans bus messages out to it.
type Hub struct {
	bus         domain.SignalBus
	status      func() domain.BotStatus
	statusEvery time.Duration
	logger      *slog.Logger

	register   chan *client
	unregister chan *client
	broadcast  chan []byte

	mu      sync.RWMutex
	clients map[*client]bool
}

// NewHub creates a hub over the signal bus.
func NewHub(bus domain.SignalBus, cfg Config) *Hub {
	every := cfg.StatusEvery
	if every <= 0 {
		every = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		bus:         bus,
		status:      cfg.Status,
		statusEvery: every,
		logger:      logger.With(slog.String("component", "ws_hub")),
		register:    make(chan *client),
		unregister:  make(chan *client),
		broadcast:   make(chan []byte, 256),
		clients:     make(map[*client]bool),
	}
}

// Run pumps bus messages and status frames to clients until the
// context ends.
func (h *Hub) Run(ctx context.Context) error {
	for ch, typ := range busChannels {
		go h.pump(ctx, ch, typ)
	}

	ticker := time.NewTicker(h.statusEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", slog.Int("clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected", slog.Int("clients", n))

		case data := <-h.broadcast:
			h.fanOut(data)

		case <-ticker.C:
			if msg := h.statusFrame(); msg != nil {
				h.fanOut(msg)
			}
		}
	}
}

// pump forwards one bus channel into the broadcast queue, wrapping
// each payload in the frame envelope.
func (h *Hub) pump(ctx context.Context, channel, frameType string) {
	msgs, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.Error("bus subscribe failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()))
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-msgs:
			if !ok {
				h.logger.Warn("bus subscription closed", slog.String("channel", channel))
				return
			}
			data, err := json.Marshal(frame{Type: frameType, Payload: payload})
			if err != nil {
				continue
			}
			select {
			case h.broadcast <- data:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (h *Hub) fanOut(data []byte) {
	var typ struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(data, &typ)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(typ.Type) {
			continue
		}
		select {
		case c.send <- data:
		default:
			// Slow consumer; it can resync from the REST API.
			h.logger.Warn("dropping frame for slow client")
		}
	}
}

func (h *Hub) statusFrame() []byte {
	if h.status == nil {
		return nil
	}
	payload, err := json.Marshal(statusPayload(h.status()))
	if err != nil {
		return nil
	}
	data, err := json.Marshal(frame{Type: "bot_status", Payload: payload})
	if err != nil {
		return nil
	}
	return data
}

// statusPayload gives the status frame stable snake_case keys.
func statusPayload(s domain.BotStatus) map[string]any {
	return map[string]any{
		"mode":             s.Mode,
		"live_trading":     s.LiveTrading,
		"draining":         s.Draining,
		"kalshi_feed_up":   s.KalshiFeedUp,
		"polymarket_up":    s.PolymarketUp,
		"uptime_seconds":   s.UptimeSeconds,
		"tracked_books":    s.TrackedBooks,
		"inflight_arbs":    s.InflightArbs,
		"signals_detected": s.SignalsDetected,
		"signals_approved": s.SignalsApproved,
	}
}

// HandleWS upgrades the request and registers the client. New clients
// receive every frame type until they narrow their subscription.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: map[string]bool{"signal": true, "arb": true, "bot_status": true},
	}
	h.register <- c

	if msg := h.statusFrame(); msg != nil {
		select {
		case c.send <- msg:
		default:
		}
	}

	go c.writePump()
	go c.readPump()
}

func (c *client) wants(frameType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs[frameType]
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}

		var ctl controlMsg
		if err := json.Unmarshal(message, &ctl); err != nil {
			continue
		}
		c.mu.Lock()
		switch ctl.Action {
		case "subscribe":
			for _, t := range ctl.Types {
				c.subs[t] = true
			}
		case "unsubscribe":
			for _, t := range ctl.Types {
				delete(c.subs, t)
			}
		}
		c.mu.Unlock()
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
