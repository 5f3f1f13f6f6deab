package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/authcore/internal/audit"
	"github.com/nerrad567/authcore/internal/auth"
	"github.com/nerrad567/authcore/internal/infrastructure/config"
	"github.com/nerrad567/authcore/internal/infrastructure/logging"
)

// Stream frame types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

// Audit stream channels. Subscribing to ChannelAudit also delivers both
// outcome channels.
const (
	ChannelAudit        = "audit"
	ChannelAuditAllowed = "audit.allowed"
	ChannelAuditDenied  = "audit.denied"
)

const (
	streamQueueLen = 256

	defaultWSMaxMessageSize = 8192
	defaultWSPingInterval   = 30
	defaultWSPongTimeout    = 10
)

// WSMessage is one JSON frame on the audit stream, in either direction.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload carries the channel list of a subscribe or
// unsubscribe frame.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// Hub fans audit records out to connected operators. It implements
// audit.Subscriber; register it with audit.WithSubscribers.
type Hub struct {
	logger *logging.Logger

	readLimit int64
	ping      time.Duration
	pongWait  time.Duration

	mu      sync.RWMutex
	clients map[*WSClient]struct{}
}

// WSClient is one operator connection on the audit stream.
type WSClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu            sync.RWMutex
	subscriptions map[string]struct{}

	userID string
	role   auth.Role
}

// NewHub builds a hub. Zero values in cfg fall back to the defaults.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultWSMaxMessageSize
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultWSPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultWSPongTimeout
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Hub{
		logger:    logger,
		readLimit: int64(cfg.MaxMessageSize),
		ping:      time.Duration(cfg.PingInterval) * time.Second,
		pongWait:  time.Duration(cfg.PongTimeout) * time.Second,
		clients:   make(map[*WSClient]struct{}),
	}
}

// Run waits for ctx and then drops every connection.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.disconnectAll()
}

// Name identifies the hub as an audit subscriber.
func (h *Hub) Name() string { return "websocket" }

// Deliver pushes rec onto the channel matching its outcome. It never blocks
// on a slow reader.
func (h *Hub) Deliver(_ context.Context, rec audit.Record) error {
	h.Broadcast(ChannelAudit+"."+strings.ToLower(string(rec.Outcome)), rec)
	return nil
}

// Register starts routing broadcasts to client.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("audit stream opened", "user_id", client.userID, "streams", n)
}

// Unregister detaches client. Safe to call more than once; the send queue
// is closed by whichever call actually removed the entry.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, present := h.clients[client]
	delete(h.clients, client)
	n := len(h.clients)
	h.mu.Unlock()

	if !present {
		return
	}
	close(client.send)
	h.logger.Debug("audit stream closed", "user_id", client.userID, "streams", n)
}

// Broadcast encodes payload once and queues it for every client subscribed
// to channel. Client locks are taken only after the hub lock is released.
func (h *Hub) Broadcast(channel string, payload any) {
	frame, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("encoding stream event", "channel", channel, "error", err)
		return
	}

	for _, c := range h.snapshot() {
		if c.isSubscribed(channel) {
			c.trySend(frame)
		}
	}
}

// ClientCount reports the number of open streams.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) snapshot() []*WSClient {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

func (h *Hub) disconnectAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		if c.conn != nil {
			c.conn.Close()
		}
		delete(h.clients, c)
	}
}

// handleAuditStream upgrades to a WebSocket that carries audit records.
// The route is guarded by audit:read, so the caller identity is in context.
// Initial channels come from ?channels=a,b and default to every outcome.
func (s *Server) handleAuditStream(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())

	requested := []string{ChannelAudit}
	if v := r.URL.Query().Get("channels"); v != "" {
		requested = strings.Split(v, ",")
	}

	up := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkStreamOrigin,
	}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Warn("audit stream upgrade failed", "user_id", id.ID, "error", err)
		return
	}

	client := &WSClient{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, streamQueueLen),
		subscriptions: make(map[string]struct{}, len(requested)),
		userID:        id.ID,
		role:          id.Role,
	}
	for _, ch := range requested {
		if ch = strings.TrimSpace(ch); ch != "" {
			client.subscriptions[ch] = struct{}{}
		}
	}

	s.hub.Register(client)
	go client.writeLoop()
	go client.readLoop()
}

// checkStreamOrigin admits non-browser clients, the server's own origin and
// explicitly listed origins. Browsers attach cookies to the handshake
// whatever CORS says, so a permissive CORS list does not widen this.
func (s *Server) checkStreamOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.isListedOrigin(origin) {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

// readLoop owns the read side of the connection and tears the client down
// when the peer goes away or stops answering pings.
func (c *WSClient) readLoop() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	deadline := func() time.Time { return time.Now().Add(c.hub.ping + c.hub.pongWait) }

	c.conn.SetReadLimit(c.hub.readLimit)
	c.conn.SetReadDeadline(deadline()) //nolint:errcheck // a failed read surfaces it
	c.conn.SetPongHandler(func(string) error { return c.conn.SetReadDeadline(deadline()) })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("audit stream read failed", "user_id", c.userID, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(deadline()) //nolint:errcheck // a failed read surfaces it
		c.handleMessage(data)
	}
}

// writeLoop is the only writer on conn. It exits when send is closed or a
// write fails.
func (c *WSClient) writeLoop() {
	ticker := time.NewTicker(c.hub.ping)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		c.conn.SetWriteDeadline(time.Now().Add(c.hub.pongWait)) //nolint:errcheck // the write reports it
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case frame, open := <-c.send:
			if !open {
				write(websocket.CloseMessage, nil) //nolint:errcheck // closing anyway
				return
			}
			if err := write(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypeSubscribe, WSTypeUnsubscribe:
		c.updateSubscriptions(msg, msg.Type == WSTypeSubscribe)
	case WSTypePing:
		c.reply(msg.ID, WSTypePong, nil)
	default:
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

func (c *WSClient) updateSubscriptions(msg WSMessage, add bool) {
	// Payload arrives as a generic map; round-trip it into the typed form.
	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		c.sendError(msg.ID, "invalid payload")
		return
	}
	var sub WSSubscribePayload
	if err := json.Unmarshal(raw, &sub); err != nil {
		c.sendError(msg.ID, "invalid "+msg.Type+" payload")
		return
	}

	c.mu.Lock()
	for _, ch := range sub.Channels {
		if add {
			c.subscriptions[ch] = struct{}{}
		} else {
			delete(c.subscriptions, ch)
		}
	}
	c.mu.Unlock()

	key := "unsubscribed"
	if add {
		key = "subscribed"
	}
	c.reply(msg.ID, WSTypeResponse, map[string]any{key: sub.Channels})
}

// trySend queues data without blocking. A full queue drops the frame, and
// a queue closed by a concurrent Unregister is ignored.
func (c *WSClient) trySend(data []byte) {
	defer func() { recover() }() //nolint:errcheck // send on closed channel

	select {
	case c.send <- data:
	default:
	}
}

// isSubscribed matches the channel itself or its parent ("audit" for
// "audit.denied").
func (c *WSClient) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.subscriptions[channel]; ok {
		return true
	}
	if i := strings.LastIndexByte(channel, '.'); i > 0 {
		_, ok := c.subscriptions[channel[:i]]
		return ok
	}
	return false
}

func (c *WSClient) reply(id, kind string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      kind,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *WSClient) sendError(id, message string) {
	c.reply(id, WSTypeError, map[string]string{"message": message})
}
