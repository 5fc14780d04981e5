package signaling

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/broker"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/rooms"
)

type testServer struct {
	hub     *Hub
	rooms   *rooms.Registry
	metrics *metrics.Metrics
	ts      *httptest.Server
	wsURL   string
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	reg, err := rooms.NewRegistry(rooms.Options{})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	hub := NewHub(cfg)
	b, err := broker.New(broker.Config{Rooms: reg, Transport: hub, Metrics: cfg.Metrics})
	if err != nil {
		t.Fatalf("broker.New: %v", err)
	}
	hub.SetHandler(b)

	mux := http.NewServeMux()
	mux.Handle("GET /ws", hub)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
	})
	return &testServer{
		hub:     hub,
		rooms:   reg,
		metrics: cfg.Metrics,
		ts:      ts,
		wsURL:   "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
	}
}

type wireEvent struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

// dial connects and consumes the connected acknowledgement, returning the
// server-assigned connection id.
func (s *testServer) dial(t *testing.T) (*websocket.Conn, string) {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(s.wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	ev := readEvent(t, c)
	if ev.Event != broker.EventConnected || ev.Data["status"] != "ok" {
		t.Fatalf("first event=%+v, want connected", ev)
	}
	sid, _ := ev.Data["sid"].(string)
	if sid == "" {
		t.Fatalf("connected without sid: %+v", ev)
	}
	return c, sid
}

func emit(t *testing.T, c *websocket.Conn, event string, data any) {
	t.Helper()
	b, err := json.Marshal(map[string]any{"event": event, "data": data})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := c.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

func readEvent(t *testing.T, c *websocket.Conn) wireEvent {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	defer func() { _ = c.SetReadDeadline(time.Time{}) }()
	msgType, b, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msgType != websocket.TextMessage {
		t.Fatalf("message type=%d, want text", msgType)
	}
	var ev wireEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		t.Fatalf("unmarshal %s: %v", b, err)
	}
	return ev
}

func expectEvent(t *testing.T, c *websocket.Conn, name string) wireEvent {
	t.Helper()
	ev := readEvent(t, c)
	if ev.Event != name {
		t.Fatalf("event=%q (%v), want %q", ev.Event, ev.Data, name)
	}
	return ev
}

// expectSilence fails if c receives a frame within d.
func expectSilence(t *testing.T, c *websocket.Conn, d time.Duration) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(d))
	defer func() { _ = c.SetReadDeadline(time.Time{}) }()
	_, b, err := c.ReadMessage()
	if err == nil {
		t.Fatalf("unexpected frame %s", b)
	}
	if !isTimeout(err) {
		t.Fatalf("read error=%v, want timeout", err)
	}
}

func expectClose(t *testing.T, c *websocket.Conn, code int) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := c.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, code) {
			t.Fatalf("read error=%v, want close %d", err, code)
		}
		return
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not reached before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebSocket_JoinOfferAndDisconnect(t *testing.T) {
	s := newTestServer(t, Config{})
	room := s.rooms.Create("abc")

	a, sidA := s.dial(t)
	b, sidB := s.dial(t)
	if sidA == sidB {
		t.Fatalf("connection ids collide: %q", sidA)
	}

	emit(t, a, broker.EventJoin, map[string]any{"room_id": room, "password": "xyz"})
	ev := expectEvent(t, a, broker.EventError)
	if ev.Data["message"] != broker.MsgInvalidPassword {
		t.Fatalf("error message=%v", ev.Data["message"])
	}

	emit(t, a, broker.EventJoin, map[string]any{"room_id": room, "password": "abc"})
	expectEvent(t, a, broker.EventJoined)

	emit(t, b, broker.EventJoin, map[string]any{"room_id": room, "password": "abc"})
	expectEvent(t, b, broker.EventJoined)
	ev = expectEvent(t, a, broker.EventUserJoined)
	if ev.Data["sid"] != sidB || ev.Data["room_id"] != room {
		t.Fatalf("user_joined=%v", ev.Data)
	}

	emit(t, b, broker.EventOffer, map[string]any{
		"room_id": room,
		"offer":   map[string]any{"type": "offer", "sdp": "v=0"},
	})
	ev = expectEvent(t, a, broker.EventOffer)
	if ev.Data["sid"] != sidB {
		t.Fatalf("offer sid=%v, want %s", ev.Data["sid"], sidB)
	}
	offer, _ := ev.Data["offer"].(map[string]any)
	if offer["sdp"] != "v=0" {
		t.Fatalf("offer payload=%v", ev.Data["offer"])
	}
	expectSilence(t, b, 100*time.Millisecond)

	_ = b.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = b.Close()
	ev = expectEvent(t, a, broker.EventUserLeft)
	if ev.Data["sid"] != sidB {
		t.Fatalf("user_left sid=%v, want %s", ev.Data["sid"], sidB)
	}
	waitFor(t, func() bool { return s.hub.Len() == 1 })
	if members := s.rooms.Members(room); len(members) != 1 || members[0] != sidA {
		t.Fatalf("members=%v, want [%s]", members, sidA)
	}
}

func TestWebSocket_PerSenderOrdering(t *testing.T) {
	s := newTestServer(t, Config{MessagesPerSecond: 1000})
	room := s.rooms.Create("")

	a, _ := s.dial(t)
	b, _ := s.dial(t)
	emit(t, a, broker.EventJoin, map[string]any{"room_id": room})
	expectEvent(t, a, broker.EventJoined)
	emit(t, b, broker.EventJoin, map[string]any{"room_id": room})
	expectEvent(t, b, broker.EventJoined)
	expectEvent(t, a, broker.EventUserJoined)

	const n = 50
	for i := 0; i < n; i++ {
		emit(t, a, broker.EventICECandidate, map[string]any{"room_id": room, "candidate": fmt.Sprintf("c%d", i)})
	}
	for i := 0; i < n; i++ {
		ev := expectEvent(t, b, broker.EventICECandidate)
		if want := fmt.Sprintf("c%d", i); ev.Data["candidate"] != want {
			t.Fatalf("candidate[%d]=%v, want %s", i, ev.Data["candidate"], want)
		}
	}
}

func TestWebSocket_MalformedFrameGetsErrorEvent(t *testing.T) {
	s := newTestServer(t, Config{})
	c, _ := s.dial(t)

	if err := c.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	ev := expectEvent(t, c, broker.EventError)
	if ev.Data["message"] != broker.MsgInvalidRequest {
		t.Fatalf("message=%v", ev.Data["message"])
	}

	// The connection stays usable.
	emit(t, c, broker.EventJoin, map[string]any{"room_id": "missing"})
	ev = expectEvent(t, c, broker.EventError)
	if ev.Data["message"] != broker.MsgRoomNotFound {
		t.Fatalf("message=%v", ev.Data["message"])
	}
	if got := s.metrics.Get(metrics.MessagesInvalid); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.MessagesInvalid, got)
	}
}

func TestWebSocket_InvalidUTF8IsNeverRelayed(t *testing.T) {
	s := newTestServer(t, Config{})
	room := s.rooms.Create("")
	a, _ := s.dial(t)
	b, bID := s.dial(t)

	emit(t, a, broker.EventJoin, map[string]any{"room_id": room})
	expectEvent(t, a, broker.EventJoined)
	emit(t, b, broker.EventJoin, map[string]any{"room_id": room})
	expectEvent(t, b, broker.EventJoined)
	expectEvent(t, a, broker.EventUserJoined)

	bad := []byte(`{"event":"offer","data":{"room_id":"` + room + "\",\"offer\":{\"sdp\":\"v=0\xff\xfe\"}}}")
	if err := b.WriteMessage(websocket.TextMessage, bad); err != nil {
		t.Fatalf("write: %v", err)
	}
	ev := expectEvent(t, b, broker.EventError)
	if ev.Data["message"] != broker.MsgInvalidRequest {
		t.Fatalf("message=%v", ev.Data["message"])
	}

	// Frames from one sender arrive in order, so a relayed bad offer would
	// reach a before this one.
	emit(t, b, broker.EventOffer, map[string]any{"room_id": room, "offer": map[string]any{"sdp": "v=0"}})
	ev = expectEvent(t, a, broker.EventOffer)
	if offer, _ := ev.Data["offer"].(map[string]any); ev.Data["sid"] != bID || offer["sdp"] != "v=0" {
		t.Fatalf("offer=%v, want the valid offer from %s", ev.Data, bID)
	}
	if got := s.metrics.Get(metrics.MessagesInvalid); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.MessagesInvalid, got)
	}
}

func TestWebSocket_BinaryFrameClosesConnection(t *testing.T) {
	s := newTestServer(t, Config{})
	c, _ := s.dial(t)

	if err := c.WriteMessage(websocket.BinaryMessage, []byte{0x01}); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectClose(t, c, websocket.CloseUnsupportedData)
	waitFor(t, func() bool { return s.hub.Len() == 0 })
}

func TestWebSocket_OversizedFrameClosesConnection(t *testing.T) {
	s := newTestServer(t, Config{MaxMessageBytes: 128})
	c, _ := s.dial(t)

	emit(t, c, broker.EventChatMessage, map[string]any{"room_id": "r", "message": strings.Repeat("x", 512)})
	expectClose(t, c, websocket.CloseMessageTooBig)
	waitFor(t, func() bool { return s.metrics.Get(metrics.MessagesOversized) == 1 })
}

func TestWebSocket_RateLimitClosesConnection(t *testing.T) {
	s := newTestServer(t, Config{MessagesPerSecond: 2})
	c, _ := s.dial(t)

	for i := 0; i < 3; i++ {
		emit(t, c, "noop", nil)
	}
	expectClose(t, c, websocket.ClosePolicyViolation)
	waitFor(t, func() bool { return s.metrics.Get(metrics.MessagesRateLimited) == 1 })
}

func TestWebSocket_RejectsDisallowedOrigin(t *testing.T) {
	s := newTestServer(t, Config{Origins: origin.NewPolicy([]string{"https://app.example.com"})})

	h := http.Header{}
	h.Set("Origin", "https://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial(s.wsURL, h)
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp=%v, want 403", resp)
	}
	if got := s.metrics.Get(metrics.ConnectionsRejected); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.ConnectionsRejected, got)
	}

	h.Set("Origin", "https://app.example.com")
	c, _, err := websocket.DefaultDialer.Dial(s.wsURL, h)
	if err != nil {
		t.Fatalf("allowed origin dial: %v", err)
	}
	_ = c.Close()
}

func TestWebSocket_SendQueueOverflowClosesSlowConsumer(t *testing.T) {
	s := newTestServer(t, Config{SendQueueSize: 1})
	_, sid := s.dial(t)

	// Nothing drains faster than a tight loop of direct sends, so the queue
	// overflows long before the writer catches up.
	for i := 0; i < 10_000 && s.metrics.Get(metrics.SendQueueOverflow) == 0; i++ {
		s.hub.Send(sid, broker.Event{Name: broker.EventChatMessage, Data: map[string]int{"i": i}})
	}
	if s.metrics.Get(metrics.SendQueueOverflow) == 0 {
		t.Fatalf("send queue never overflowed")
	}
	waitFor(t, func() bool { return s.hub.Len() == 0 })
}

func TestHub_CloseDisconnectsEveryone(t *testing.T) {
	s := newTestServer(t, Config{})
	room := s.rooms.Create("")
	a, _ := s.dial(t)
	b, _ := s.dial(t)
	emit(t, a, broker.EventJoin, map[string]any{"room_id": room})
	expectEvent(t, a, broker.EventJoined)
	emit(t, b, broker.EventJoin, map[string]any{"room_id": room})
	expectEvent(t, b, broker.EventJoined)

	s.hub.Close()

	if s.hub.Len() != 0 {
		t.Fatalf("Len=%d after Close", s.hub.Len())
	}
	if members := s.rooms.Members(room); len(members) != 0 {
		t.Fatalf("members=%v after Close", members)
	}
	if s.hub.GroupSize(room) != 0 {
		t.Fatalf("group not emptied")
	}
	expectClose(t, a, websocket.CloseGoingAway)
}

func TestHub_GroupsIgnoreUnknownConnections(t *testing.T) {
	hub := NewHub(Config{})
	hub.JoinGroup("ghost", "room")
	if hub.GroupSize("room") != 0 {
		t.Fatalf("unknown connection joined a group")
	}
	hub.LeaveGroup("ghost", "room")
	hub.Send("ghost", broker.Event{Name: broker.EventJoined})
	hub.Broadcast("room", "", broker.Event{Name: broker.EventJoined})
}

func TestHub_ServeHTTPWithoutHandler(t *testing.T) {
	hub := NewHub(Config{})
	rec := httptest.NewRecorder()
	hub.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", rec.Code)
	}
}
