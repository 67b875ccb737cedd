package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket" //nolint:staticcheck // TODO: migrate to github.com/coder/websocket

	"github.com/scrypster/cloudml/internal/metrics"
	"github.com/scrypster/cloudml/internal/registry"
)

// WebSocketHub manages WebSocket connections and broadcasts model events.
// It implements registry.EventSink.
type WebSocketHub struct {
	clients    map[subscriber]bool
	broadcast  chan interface{}
	register   chan subscriber
	unregister chan subscriber
	mu         sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
	running    atomic.Bool
	done       chan struct{}

	origins []string // host[:port] patterns allowed to connect
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// HubOption configures a WebSocketHub.
type HubOption func(*WebSocketHub)

// WithAllowedOrigins sets the host[:port] values browsers may connect from.
// Requests without an Origin header (non-browser clients) are always accepted.
func WithAllowedOrigins(origins ...string) HubOption {
	return func(h *WebSocketHub) { h.origins = origins }
}

// WithHubLogger sets the hub's logger.
func WithHubLogger(logger *zap.Logger) HubOption {
	return func(h *WebSocketHub) {
		if logger != nil {
			h.logger = logger.Named("ws")
		}
	}
}

// WithHubMetrics records connected clients in m.
func WithHubMetrics(m *metrics.Metrics) HubOption {
	return func(h *WebSocketHub) { h.metrics = m }
}

// subscriber is a hub member: a live connection or a MockClient.
type subscriber interface {
	outbox() chan []byte
	close()
}

// Client represents a WebSocket connection.
type Client struct {
	hub  *WebSocketHub
	conn *websocket.Conn //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	send chan []byte
}

func (c *Client) outbox() chan []byte {
	return c.send
}

func (c *Client) close() {
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "") //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	}
}

// NewWebSocketHub creates a new WebSocket hub. By default only local
// origins on any port may connect.
func NewWebSocketHub(opts ...HubOption) *WebSocketHub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &WebSocketHub{
		clients:    make(map[subscriber]bool),
		broadcast:  make(chan interface{}, 256),
		register:   make(chan subscriber),
		unregister: make(chan subscriber),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		origins:    []string{"localhost:*", "127.0.0.1:*"},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run starts the hub's message processing loop. It returns after Stop.
func (h *WebSocketHub) Run() {
	h.running.Store(true)
	defer close(h.done)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.metrics.WebSocketConnected(1)
			h.logger.Debug("client connected", zap.Int("clients", count))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.outbox())
				h.metrics.WebSocketConnected(-1)
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client disconnected", zap.Int("clients", count))

		case message := <-h.broadcast:
			data, err := json.Marshal(message)
			if err != nil {
				h.logger.Error("failed to marshal message", zap.Error(err))
				continue
			}

			// Full Lock because slow clients are dropped from the map.
			h.mu.Lock()
			for client := range h.clients {
				out := client.outbox()
				select {
				case out <- data:
				default:
					close(out)
					delete(h.clients, client)
					h.metrics.WebSocketConnected(-1)
					h.logger.Warn("dropping slow client")
				}
			}
			h.mu.Unlock()

		case <-h.ctx.Done():
			h.closeAll()
			return
		}
	}
}

// closeAll disconnects every client. Only Run calls it, so the send
// channels are never closed twice.
func (h *WebSocketHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.outbox())
		client.close()
		h.metrics.WebSocketConnected(-1)
	}
	h.clients = make(map[subscriber]bool)
}

// Stop shuts down the hub and waits for Run to disconnect its clients.
func (h *WebSocketHub) Stop() {
	h.cancel()
	if h.running.Load() {
		<-h.done
	}
}

// ClientCount returns the number of connected clients.
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a message to all connected clients. It never blocks; when
// the queue is full the message is dropped.
func (h *WebSocketHub) Broadcast(message interface{}) {
	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("broadcast channel full, dropping message")
	}
}

// Publish forwards a registry event to every client.
func (h *WebSocketHub) Publish(e registry.Event) {
	h.Broadcast(e)
}

// Register adds a client to the hub.
func (h *WebSocketHub) Register(client subscriber) {
	select {
	case h.register <- client:
	case <-h.ctx.Done():
	}
}

// Unregister removes a client from the hub.
func (h *WebSocketHub) Unregister(client subscriber) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// ServeHTTP handles WebSocket upgrade requests.
func (h *WebSocketHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if origin := r.Header.Get("Origin"); origin != "" && !h.originAllowed(origin) {
		http.Error(w, "Forbidden: invalid origin", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{ //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
	}

	h.Register(client)

	go client.writePump()
	go client.readPump()
}

// originAllowed matches the Origin host against the configured patterns
// using the same rules websocket.Accept applies.
func (h *WebSocketHub) originAllowed(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	for _, pattern := range h.origins {
		if matchOrigin(pattern, u.Host) {
			return true
		}
	}
	return false
}

// matchOrigin supports an exact host[:port] or a trailing ":*" port wildcard.
func matchOrigin(pattern, host string) bool {
	if pattern == host {
		return true
	}
	if n := len(pattern); n > 2 && pattern[n-2:] == ":*" {
		hostname := pattern[:n-2]
		if host == hostname {
			return true
		}
		if len(host) > len(hostname) && host[:len(hostname)] == hostname && host[len(hostname)] == ':' {
			return true
		}
	}
	return false
}

// writePump sends messages to the WebSocket connection.
func (c *Client) writePump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close(websocket.StatusNormalClosure, "") //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	}()

	for message := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.conn.Write(ctx, websocket.MessageText, message) //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
		cancel()

		if err != nil {
			c.hub.logger.Debug("write failed", zap.Error(err))
			return
		}
	}
}

// readPump drains incoming frames so disconnects are noticed.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close(websocket.StatusNormalClosure, "") //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	}()

	for {
		if _, _, err := c.conn.Read(c.hub.ctx); err != nil { //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
			return
		}
	}
}

// MockClient is a mock client for testing.
type MockClient struct {
	SendChan chan []byte
}

func (m *MockClient) outbox() chan []byte {
	return m.SendChan
}

func (m *MockClient) close() {
	// No-op for mock client
}
