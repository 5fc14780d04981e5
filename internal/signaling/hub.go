package signaling

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/broker"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/ratelimit"
)

// Handler receives connection lifecycle and inbound events. Dispatch is
// called sequentially per connection, in arrival order.
type Handler interface {
	Connect(connID string)
	Dispatch(connID, event string, data json.RawMessage)
	Disconnect(connID string)
}

// Config wires together the runtime dependencies for the hub.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Origins gates the WebSocket upgrade. Nil admits same-host origins only.
	Origins *origin.Policy

	// IdleTimeout closes a connection that has sent nothing (not even a pong)
	// for this long. PingInterval should be well below it.
	IdleTimeout  time.Duration
	PingInterval time.Duration

	MaxMessageBytes   int64
	MessagesPerSecond int
	// SendQueueSize bounds the frames buffered for one connection. A
	// connection whose queue fills up is closed.
	SendQueueSize int

	Clock ratelimit.Clock
	// NewConnID defaults to random UUIDs.
	NewConnID func() string
}

const (
	defaultIdleTimeout       = 60 * time.Second
	defaultPingInterval      = 20 * time.Second
	defaultMaxMessageBytes   = 64 * 1024
	defaultMessagesPerSecond = 50
	defaultSendQueueSize     = 256
)

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Origins == nil {
		c.Origins = origin.NewPolicy(nil)
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = defaultMaxMessageBytes
	}
	if c.MessagesPerSecond <= 0 {
		c.MessagesPerSecond = defaultMessagesPerSecond
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = defaultSendQueueSize
	}
	if c.Clock == nil {
		c.Clock = ratelimit.RealClock{}
	}
	if c.NewConnID == nil {
		c.NewConnID = uuid.NewString
	}
	return c
}

// Hub owns every live signaling socket and the room broadcast groups. It
// implements broker.Transport.
type Hub struct {
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	handlerMu sync.RWMutex
	handler   Handler

	mu     sync.Mutex
	closed bool
	conns  map[string]*conn
	groups map[string]map[*conn]struct{}

	wg sync.WaitGroup
}

var _ broker.Transport = (*Hub)(nil)

func NewHub(cfg Config) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:     cfg,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		conns:   make(map[string]*conn),
		groups:  make(map[string]map[*conn]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if cfg.Origins.CheckRequest(r) {
				return true
			}
			h.metrics.Inc(metrics.ConnectionsRejected)
			h.log.Warn("rejected websocket origin", "origin", r.Header.Get("Origin"), "host", r.Host)
			return false
		},
	}
	return h
}

// SetHandler installs the event handler. It must be called before the hub
// serves its first connection.
func (h *Hub) SetHandler(handler Handler) {
	h.handlerMu.Lock()
	defer h.handlerMu.Unlock()
	h.handler = handler
}

func (h *Hub) currentHandler() Handler {
	h.handlerMu.RLock()
	defer h.handlerMu.RUnlock()
	return h.handler
}

// ServeHTTP upgrades the request and serves the socket until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	handler := h.currentHandler()
	if handler == nil {
		http.Error(w, "signaling not configured", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an error response.
		return
	}

	c := newConn(h, h.cfg.NewConnID(), ws)
	if !h.register(c) {
		writeClose(ws, websocket.CloseGoingAway, "server shutting down")
		_ = ws.Close()
		return
	}
	defer h.wg.Done()

	go c.writePump()
	h.log.Debug("websocket connected", "conn_id", c.id, "remote_addr", r.RemoteAddr)

	handler.Connect(c.id)
	c.readPump(handler)

	h.unregister(c)
	handler.Disconnect(c.id)
	c.shutdown(websocket.CloseNormalClosure, "")
	<-c.writerDone
	h.log.Debug("websocket disconnected", "conn_id", c.id)
}

// JoinGroup is ignored for connections that are no longer live.
func (h *Hub) JoinGroup(connID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return
	}
	group := h.groups[roomID]
	if group == nil {
		group = make(map[*conn]struct{})
		h.groups[roomID] = group
	}
	group[c] = struct{}{}
	c.groups[roomID] = struct{}{}
}

func (h *Hub) LeaveGroup(connID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return
	}
	h.leaveLocked(c, roomID)
}

func (h *Hub) Send(connID string, ev broker.Event) {
	h.mu.Lock()
	c, ok := h.conns[connID]
	h.mu.Unlock()
	if !ok {
		return
	}
	frame, err := encodeEvent(ev)
	if err != nil {
		h.log.Error("dropping unencodable event", "conn_id", connID, "event", ev.Name, "err", err)
		return
	}
	c.enqueue(frame)
}

// Broadcast encodes ev once and queues it for every member of the group
// except exceptConnID. The group is copied under the lock; the sends happen
// after it is released.
func (h *Hub) Broadcast(roomID, exceptConnID string, ev broker.Event) {
	h.mu.Lock()
	group := h.groups[roomID]
	targets := make([]*conn, 0, len(group))
	for c := range group {
		if c.id != exceptConnID {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	frame, err := encodeEvent(ev)
	if err != nil {
		h.log.Error("dropping unencodable broadcast", "room_id", roomID, "event", ev.Name, "err", err)
		return
	}
	for _, c := range targets {
		c.enqueue(frame)
	}
}

// Len returns the number of live connections.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// GroupSize returns the number of live connections in a room's group.
func (h *Hub) GroupSize(roomID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.groups[roomID])
}

// Close closes every socket with a going-away frame and waits until each one
// has been disconnected from the handler. New upgrades are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.shutdown(websocket.CloseGoingAway, "server shutting down")
	}
	h.wg.Wait()
}

func (h *Hub) register(c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c.id] = c
	h.wg.Add(1)
	return true
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[c.id] == c {
		delete(h.conns, c.id)
	}
	for roomID := range c.groups {
		h.leaveLocked(c, roomID)
	}
}

func (h *Hub) leaveLocked(c *conn, roomID string) {
	delete(c.groups, roomID)
	group, ok := h.groups[roomID]
	if !ok {
		return
	}
	delete(group, c)
	if len(group) == 0 {
		delete(h.groups, roomID)
	}
}
