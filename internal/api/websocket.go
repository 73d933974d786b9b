package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/homegate/internal/auth"
	"github.com/nerrad567/homegate/internal/infrastructure/config"
	"github.com/nerrad567/homegate/internal/infrastructure/logging"
)

// Message types exchanged over /ws.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

// outboxSize is how many frames may queue for one client before new
// events for it are dropped.
const outboxSize = 256

// WSMessage is one frame in either direction.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Channel   string `json:"channel,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload names the channels of a subscribe or unsubscribe frame.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// inbound is the decoded form of a client frame; the payload is kept raw
// until the type is known.
type inbound struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// channelMask is a set of channels, one bit per entry of Channels.
type channelMask uint32

func maskOf(channels []string) (channelMask, []string) {
	var m channelMask
	var unknown []string
	for _, name := range channels {
		bit := channelBit(name)
		if bit == 0 {
			unknown = append(unknown, name)
			continue
		}
		m |= bit
	}
	return m, unknown
}

func channelBit(name string) channelMask {
	for i, ch := range Channels {
		if ch == name {
			return 1 << i
		}
	}
	return 0
}

// Hub fans events out to the connected /ws clients.
//
// Frames reach a client only while it is registered: delivery happens under
// the read lock and a client's outbox is closed under the write lock.
type Hub struct {
	logger       *logging.Logger
	maxMessage   int64
	pingInterval time.Duration
	writeWait    time.Duration

	mu      sync.RWMutex
	clients map[*WSClient]struct{}

	dropped atomic.Uint64
}

// WSClient is one connected /ws peer.
type WSClient struct {
	hub    *Hub
	conn   *websocket.Conn
	outbox chan []byte
	mask   atomic.Uint32

	// From the bearer token; empty while auth is disabled.
	subject string
	role    auth.Role
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are policed by the CORS middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewHub builds a hub. Zero config values fall back to 8 KiB messages,
// 30 s pings and a 10 s pong wait.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	size, ping, pong := cfg.MaxMessageSize, cfg.PingInterval, cfg.PongTimeout
	if size <= 0 {
		size = 8192
	}
	if ping <= 0 {
		ping = 30
	}
	if pong <= 0 {
		pong = 10
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Hub{
		logger:       logger,
		maxMessage:   int64(size),
		pingInterval: time.Duration(ping) * time.Second,
		writeWait:    time.Duration(pong) * time.Second,
		clients:      make(map[*WSClient]struct{}),
	}
}

// Run blocks until ctx ends, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.drop(c)
		c.conn.Close()
	}
}

// Register starts delivering frames to c.
func (h *Hub) Register(c *WSClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n, "subject", c.subject)
}

// Unregister stops delivery to c. Calling it twice is harmless.
func (h *Hub) Unregister(c *WSClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		h.drop(c)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client disconnected", "clients", n)
}

// drop must be called with h.mu held for writing.
func (h *Hub) drop(c *WSClient) {
	delete(h.clients, c)
	close(c.outbox)
}

// Broadcast sends an event frame to every client subscribed to channel.
func (h *Hub) Broadcast(channel, eventType string, payload any) {
	bit := channelBit(channel)
	if bit == 0 {
		h.logger.Warn("broadcast on unknown channel", "channel", channel)
		return
	}
	data, err := encodeFrame(WSMessage{
		Type:      WSTypeEvent,
		Channel:   channel,
		EventType: eventType,
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("encoding websocket event", "error", err, "event", eventType)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if channelMask(c.mask.Load())&bit != 0 {
			h.enqueue(c, data)
		}
	}
}

// deliver queues a frame for a single client if it is still registered.
func (h *Hub) deliver(c *WSClient, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; ok {
		h.enqueue(c, data)
	}
}

// enqueue must be called with h.mu held. A full outbox loses the frame.
func (h *Hub) enqueue(c *WSClient, data []byte) {
	select {
	case c.outbox <- data:
	default:
		h.dropped.Add(1)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many frames were discarded because a client fell
// behind.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

func encodeFrame(msg WSMessage) ([]byte, error) {
	msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	return json.Marshal(msg)
}

// handleWebSocket upgrades the request and attaches the client to the
// hub. ?channels=a,b subscribes it up front.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	var initial channelMask
	if v := r.URL.Query().Get("channels"); v != "" {
		m, unknown := maskOf(strings.Split(v, ","))
		if len(unknown) > 0 {
			writeBadRequest(w, "unknown channels: "+strings.Join(unknown, ", "))
			return
		}
		initial = m
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the request.
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &WSClient{
		hub:    s.hub,
		conn:   conn,
		outbox: make(chan []byte, outboxSize),
	}
	c.mask.Store(uint32(initial))
	if claims := claimsFromContext(r.Context()); claims != nil {
		c.subject, c.role = claims.Subject, claims.Role
	}

	s.hub.Register(c)
	go c.writeLoop()
	go c.readLoop()
}

func (c *WSClient) readLoop() {
	h := c.hub
	defer func() {
		h.Unregister(c)
		c.conn.Close()
	}()

	extend := func() error {
		return c.conn.SetReadDeadline(time.Now().Add(h.pingInterval + h.writeWait))
	}
	c.conn.SetReadLimit(h.maxMessage)
	extend() //nolint:errcheck // a failed deadline surfaces on the next read
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read failed", "error", err, "subject", c.subject)
			}
			return
		}
		// Browsers do not always answer control pings; any frame counts.
		extend() //nolint:errcheck // see above
		c.handle(data)
	}
}

func (c *WSClient) writeLoop() {
	h := c.hub
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		var (
			kind int
			data []byte
		)
		select {
		case frame, ok := <-c.outbox:
			if !ok {
				c.conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(h.writeWait)) //nolint:errcheck // peer may be gone
				return
			}
			kind, data = websocket.TextMessage, frame
		case <-ticker.C:
			kind = websocket.PingMessage
		}
		c.conn.SetWriteDeadline(time.Now().Add(h.writeWait)) //nolint:errcheck // write below fails instead
		if err := c.conn.WriteMessage(kind, data); err != nil {
			return
		}
	}
}

func (c *WSClient) handle(data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		c.fail("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypePing:
		c.reply(msg.ID, WSTypePong, nil)
	case WSTypeSubscribe:
		c.subscription(msg, true)
	case WSTypeUnsubscribe:
		c.subscription(msg, false)
	default:
		c.fail(msg.ID, "unknown message type: "+msg.Type)
	}
}

// subscription adds or removes the channels named in msg.
func (c *WSClient) subscription(msg inbound, add bool) {
	var p WSSubscribePayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.fail(msg.ID, "invalid "+msg.Type+" payload")
			return
		}
	}
	m, unknown := maskOf(p.Channels)
	if len(unknown) > 0 {
		c.fail(msg.ID, "unknown channels: "+strings.Join(unknown, ", "))
		return
	}

	for {
		cur := c.mask.Load()
		next := cur | uint32(m)
		if !add {
			next = cur &^ uint32(m)
		}
		if c.mask.CompareAndSwap(cur, next) {
			break
		}
	}

	key := "unsubscribed"
	if add {
		key = "subscribed"
	}
	c.hub.logger.Debug("websocket "+key, "channels", p.Channels, "subject", c.subject, "role", c.role)
	c.reply(msg.ID, WSTypeResponse, map[string][]string{key: p.Channels})
}

func (c *WSClient) reply(id, msgType string, payload any) {
	data, err := encodeFrame(WSMessage{Type: msgType, ID: id, Payload: payload})
	if err != nil {
		c.hub.logger.Error("encoding websocket reply", "error", err)
		return
	}
	c.hub.deliver(c, data)
}

func (c *WSClient) fail(id, message string) {
	c.reply(id, WSTypeError, map[string]string{"message": message})
}
