package broker

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/rooms"
)

// recordingTransport delivers broadcasts to its own group bookkeeping and
// records every event per target connection.
type recordingTransport struct {
	mu     sync.Mutex
	groups map[string]map[string]bool
	inbox  map[string][]Event
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{
		groups: make(map[string]map[string]bool),
		inbox:  make(map[string][]Event),
	}
}

func (t *recordingTransport) JoinGroup(connID, roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.groups[roomID] == nil {
		t.groups[roomID] = make(map[string]bool)
	}
	t.groups[roomID][connID] = true
}

func (t *recordingTransport) LeaveGroup(connID, roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.groups[roomID], connID)
}

func (t *recordingTransport) Send(connID string, ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inbox[connID] = append(t.inbox[connID], ev)
}

func (t *recordingTransport) Broadcast(roomID, except string, ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for connID := range t.groups[roomID] {
		if connID == except {
			continue
		}
		t.inbox[connID] = append(t.inbox[connID], ev)
	}
}

// drain returns and clears the events delivered to connID.
func (t *recordingTransport) drain(connID string) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.inbox[connID]
	delete(t.inbox, connID)
	return out
}

type harness struct {
	t         *testing.T
	rooms     *rooms.Registry
	broker    *Broker
	transport *recordingTransport
	metrics   *metrics.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg, err := rooms.NewRegistry(rooms.Options{})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	tr := newRecordingTransport()
	m := metrics.New()
	b, err := New(Config{Rooms: reg, Transport: tr, Metrics: m})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &harness{t: t, rooms: reg, broker: b, transport: tr, metrics: m}
}

// connect connects connID and discards its connected acknowledgement.
func (h *harness) connect(connIDs ...string) {
	for _, id := range connIDs {
		h.broker.Connect(id)
		h.transport.drain(id)
	}
}

func (h *harness) dispatch(connID, event, data string) {
	h.broker.Dispatch(connID, event, json.RawMessage(data))
}

func (h *harness) expectEvents(connID string, names ...string) []Event {
	h.t.Helper()
	got := h.transport.drain(connID)
	if len(got) != len(names) {
		h.t.Fatalf("%s received %d events %v, want %v", connID, len(got), eventNames(got), names)
	}
	for i, ev := range got {
		if ev.Name != names[i] {
			h.t.Fatalf("%s event[%d]=%q, want %q (all: %v)", connID, i, ev.Name, names[i], eventNames(got))
		}
	}
	return got
}

func eventNames(evs []Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.Name
	}
	return out
}

// wire renders an event the way a transport would put it on the wire and
// decodes it back to a generic map.
func wire(t *testing.T, ev Event) map[string]any {
	t.Helper()
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal %q: %v", ev.Name, err)
	}
	var out struct {
		Event string         `json:"event"`
		Data  map[string]any `json:"data"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal %s: %v", b, err)
	}
	return out.Data
}

func TestConnect_AcknowledgesOnlyTheConnection(t *testing.T) {
	h := newHarness(t)
	h.broker.Connect("a")

	evs := h.expectEvents("a", EventConnected)
	data := wire(t, evs[0])
	if data["status"] != "ok" || data["sid"] != "a" {
		t.Fatalf("connected payload=%v", data)
	}
	if h.broker.Connections().Len() != 1 {
		t.Fatalf("connections=%d, want 1", h.broker.Connections().Len())
	}

	// A duplicate connect is not acknowledged twice.
	h.broker.Connect("a")
	h.expectEvents("a")
}

func TestJoin_Errors(t *testing.T) {
	h := newHarness(t)
	h.connect("a")
	locked := h.rooms.Create("abc")

	h.dispatch("a", EventJoin, `{"room_id":"missing","password":"abc"}`)
	evs := h.expectEvents("a", EventError)
	if msg := wire(t, evs[0])["message"]; msg != MsgRoomNotFound {
		t.Fatalf("message=%v, want %q", msg, MsgRoomNotFound)
	}

	h.dispatch("a", EventJoin, fmt.Sprintf(`{"room_id":%q,"password":"xyz"}`, locked))
	evs = h.expectEvents("a", EventError)
	if msg := wire(t, evs[0])["message"]; msg != MsgInvalidPassword {
		t.Fatalf("message=%v, want %q", msg, MsgInvalidPassword)
	}
	if h.rooms.IsMember(locked, "a") {
		t.Fatalf("rejected join added membership")
	}
	if rooms := h.broker.Connections().RoomsFor("a"); len(rooms) != 0 {
		t.Fatalf("rejected join recorded rooms %v", rooms)
	}
	if got := h.metrics.Get(metrics.JoinsInvalidPassword); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.JoinsInvalidPassword, got)
	}
}

func TestJoin_BroadcastsToExistingMembersOnly(t *testing.T) {
	h := newHarness(t)
	h.connect("a", "b", "c", "outsider")
	room := h.rooms.Create("")
	other := h.rooms.Create("")

	h.broker.Join("outsider", JoinRequest{RoomID: other})
	h.expectEvents("outsider", EventJoined)

	h.broker.Join("a", JoinRequest{RoomID: room})
	evs := h.expectEvents("a", EventJoined)
	if got := wire(t, evs[0])["room_id"]; got != room {
		t.Fatalf("joined room_id=%v, want %q", got, room)
	}

	h.broker.Join("b", JoinRequest{RoomID: room})
	h.expectEvents("b", EventJoined)
	evs = h.expectEvents("a", EventUserJoined)
	if sid := wire(t, evs[0])["sid"]; sid != "b" {
		t.Fatalf("user_joined sid=%v, want b", sid)
	}

	h.broker.Join("c", JoinRequest{RoomID: room})
	h.expectEvents("c", EventJoined)
	h.expectEvents("a", EventUserJoined)
	h.expectEvents("b", EventUserJoined)
	h.expectEvents("outsider")
}

func TestJoin_RejoinDoesNotAnnounceAgain(t *testing.T) {
	h := newHarness(t)
	h.connect("a", "b")
	room := h.rooms.Create("")
	h.broker.Join("a", JoinRequest{RoomID: room})
	h.broker.Join("b", JoinRequest{RoomID: room})
	h.transport.drain("a")
	h.transport.drain("b")

	h.broker.Join("b", JoinRequest{RoomID: room})
	h.expectEvents("b", EventJoined)
	h.expectEvents("a")
	if got := h.rooms.Members(room); len(got) != 2 {
		t.Fatalf("members=%v, want 2", got)
	}
}

func TestJoin_UnknownConnectionIsRolledBack(t *testing.T) {
	h := newHarness(t)
	room := h.rooms.Create("")

	h.broker.Join("ghost", JoinRequest{RoomID: room})
	if h.rooms.IsMember(room, "ghost") {
		t.Fatalf("join from an unregistered connection left membership behind")
	}
	h.expectEvents("ghost")
}

func TestLeave(t *testing.T) {
	h := newHarness(t)
	h.connect("a", "b")
	room := h.rooms.Create("")
	h.broker.Join("a", JoinRequest{RoomID: room})
	h.broker.Join("b", JoinRequest{RoomID: room})
	h.transport.drain("a")
	h.transport.drain("b")

	h.dispatch("b", EventLeave, fmt.Sprintf(`{"room_id":%q}`, room))
	evs := h.expectEvents("a", EventUserLeft)
	if sid := wire(t, evs[0])["sid"]; sid != "b" {
		t.Fatalf("user_left sid=%v, want b", sid)
	}
	h.expectEvents("b")
	if h.rooms.IsMember(room, "b") {
		t.Fatalf("b still a member after leave")
	}

	// Leaving again, or leaving an unknown room, is silent.
	h.broker.Leave("b", room)
	h.broker.Leave("b", "missing")
	h.expectEvents("a")
	h.expectEvents("b")
}

func TestRelay_ReachesOtherMembersOnce(t *testing.T) {
	h := newHarness(t)
	h.connect("a", "b", "c", "d")
	room := h.rooms.Create("")
	other := h.rooms.Create("")
	for _, id := range []string{"a", "b", "c"} {
		h.broker.Join(id, JoinRequest{RoomID: room})
	}
	h.broker.Join("d", JoinRequest{RoomID: other})
	for _, id := range []string{"a", "b", "c", "d"} {
		h.transport.drain(id)
	}

	h.dispatch("a", EventICECandidate, fmt.Sprintf(`{"room_id":%q,"candidate":{"candidate":"candidate:1 1 udp 1 10.0.0.1 9 typ host","sdpMid":"0"}}`, room))

	for _, id := range []string{"b", "c"} {
		evs := h.expectEvents(id, EventICECandidate)
		data := wire(t, evs[0])
		if data["sid"] != "a" || data["room_id"] != room {
			t.Fatalf("%s got %v", id, data)
		}
		cand, ok := data["candidate"].(map[string]any)
		if !ok || cand["sdpMid"] != "0" {
			t.Fatalf("%s candidate payload not passed through: %v", id, data["candidate"])
		}
	}
	h.expectEvents("a")
	h.expectEvents("d")
}

func TestRelay_PayloadFieldsMirrorClientFields(t *testing.T) {
	h := newHarness(t)
	h.connect("a", "b")
	room := h.rooms.Create("")
	h.broker.Join("a", JoinRequest{RoomID: room})
	h.broker.Join("b", JoinRequest{RoomID: room})
	h.transport.drain("a")
	h.transport.drain("b")

	cases := []struct {
		event string
		field string
	}{
		{EventOffer, "offer"},
		{EventAnswer, "answer"},
		{EventICECandidate, "candidate"},
		{EventChatMessage, "message"},
	}
	for _, tc := range cases {
		h.dispatch("a", tc.event, fmt.Sprintf(`{"room_id":%q,%q:"payload-%s"}`, room, tc.field, tc.event))
		evs := h.expectEvents("b", tc.event)
		if got := wire(t, evs[0])[tc.field]; got != "payload-"+tc.event {
			t.Fatalf("%s: %s=%v", tc.event, tc.field, got)
		}
	}
}

func TestRelay_MissingPayloadFieldIsNull(t *testing.T) {
	h := newHarness(t)
	h.connect("a", "b")
	room := h.rooms.Create("")
	h.broker.Join("a", JoinRequest{RoomID: room})
	h.broker.Join("b", JoinRequest{RoomID: room})
	h.transport.drain("b")

	h.dispatch("a", EventOffer, fmt.Sprintf(`{"room_id":%q}`, room))
	evs := h.expectEvents("b", EventOffer)
	data := wire(t, evs[0])
	if v, ok := data["offer"]; !ok || v != nil {
		t.Fatalf("offer=%v (present=%v), want null", v, ok)
	}
}

func TestRelay_DroppedSilently(t *testing.T) {
	h := newHarness(t)
	h.connect("a", "b", "stranger")
	room := h.rooms.Create("")
	h.broker.Join("a", JoinRequest{RoomID: room})
	h.broker.Join("b", JoinRequest{RoomID: room})
	h.transport.drain("a")
	h.transport.drain("b")

	h.dispatch("a", EventOffer, `{"room_id":"missing","offer":{}}`)
	h.dispatch("stranger", EventOffer, fmt.Sprintf(`{"room_id":%q,"offer":{}}`, room))

	h.expectEvents("a")
	h.expectEvents("b")
	h.expectEvents("stranger")
	if got := h.metrics.Get(metrics.RelayDropped); got != 2 {
		t.Fatalf("%s=%d, want 2", metrics.RelayDropped, got)
	}
}

func TestRelay_NonMemberAllowedWhenConfigured(t *testing.T) {
	reg, err := rooms.NewRegistry(rooms.Options{})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	tr := newRecordingTransport()
	b, err := New(Config{Rooms: reg, Transport: tr, AllowNonMemberRelay: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	room := reg.Create("")
	b.Connect("a")
	b.Connect("stranger")
	b.Join("a", JoinRequest{RoomID: room})
	tr.drain("a")

	b.Relay("stranger", EventOffer, room, json.RawMessage(`{"sdp":"x"}`))
	if got := tr.drain("a"); len(got) != 1 || got[0].Name != EventOffer {
		t.Fatalf("a received %v, want one offer", eventNames(got))
	}
}

func TestDisconnect_LeavesEveryRoomOnce(t *testing.T) {
	h := newHarness(t)
	h.connect("a", "b", "c")
	r1 := h.rooms.Create("")
	r2 := h.rooms.Create("")
	h.broker.Join("a", JoinRequest{RoomID: r1})
	h.broker.Join("b", JoinRequest{RoomID: r2})
	h.broker.Join("c", JoinRequest{RoomID: r1})
	h.broker.Join("c", JoinRequest{RoomID: r2})
	for _, id := range []string{"a", "b", "c"} {
		h.transport.drain(id)
	}

	h.broker.Disconnect("c")
	evs := h.expectEvents("a", EventUserLeft)
	if data := wire(t, evs[0]); data["sid"] != "c" || data["room_id"] != r1 {
		t.Fatalf("a got %v", data)
	}
	evs = h.expectEvents("b", EventUserLeft)
	if data := wire(t, evs[0]); data["sid"] != "c" || data["room_id"] != r2 {
		t.Fatalf("b got %v", data)
	}
	if h.rooms.IsMember(r1, "c") || h.rooms.IsMember(r2, "c") {
		t.Fatalf("c still a member after disconnect")
	}

	h.broker.Disconnect("c")
	h.expectEvents("a")
	h.expectEvents("b")
	if got := h.metrics.Get(metrics.ConnectionsClosed); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.ConnectionsClosed, got)
	}
}

func TestDispatch_InvalidPayloads(t *testing.T) {
	h := newHarness(t)
	h.connect("a")

	for _, tc := range []struct{ event, data string }{
		{EventJoin, `not json`},
		{EventJoin, `{"room_id": 42}`},
		{EventLeave, `[]`},
		{EventOffer, `"string"`},
		{EventOffer, `{"room_id": {"nested": true}}`},
	} {
		h.dispatch("a", tc.event, tc.data)
		evs := h.expectEvents("a", EventError)
		if msg := wire(t, evs[0])["message"]; msg != MsgInvalidRequest {
			t.Fatalf("%s %s: message=%v", tc.event, tc.data, msg)
		}
	}
}

func TestDispatch_UnknownEventIgnored(t *testing.T) {
	h := newHarness(t)
	h.connect("a")
	h.dispatch("a", "launch_missiles", `{"room_id":"x"}`)
	h.dispatch("a", "", `{}`)
	h.expectEvents("a")
}

func TestDispatch_EmptyJoinPayloadReportsRoomNotFound(t *testing.T) {
	h := newHarness(t)
	h.connect("a")
	h.dispatch("a", EventJoin, ``)
	evs := h.expectEvents("a", EventError)
	if msg := wire(t, evs[0])["message"]; msg != MsgRoomNotFound {
		t.Fatalf("message=%v, want %q", msg, MsgRoomNotFound)
	}
}

func TestScenario_PasswordRoomOfferAndDisconnect(t *testing.T) {
	h := newHarness(t)
	h.connect("A", "B")
	r1 := h.rooms.Create("abc")

	h.dispatch("A", EventJoin, fmt.Sprintf(`{"room_id":%q,"password":"xyz"}`, r1))
	h.expectEvents("A", EventError)
	if got := h.rooms.Members(r1); len(got) != 0 {
		t.Fatalf("members=%v, want none", got)
	}

	h.dispatch("A", EventJoin, fmt.Sprintf(`{"room_id":%q,"password":"abc"}`, r1))
	h.expectEvents("A", EventJoined)
	if got := h.rooms.Members(r1); len(got) != 1 || got[0] != "A" {
		t.Fatalf("members=%v, want [A]", got)
	}

	h.dispatch("B", EventJoin, fmt.Sprintf(`{"room_id":%q,"password":"abc"}`, r1))
	h.expectEvents("B", EventJoined)
	evs := h.expectEvents("A", EventUserJoined)
	if sid := wire(t, evs[0])["sid"]; sid != "B" {
		t.Fatalf("user_joined sid=%v, want B", sid)
	}
	if got := h.rooms.Members(r1); len(got) != 2 {
		t.Fatalf("members=%v, want [A B]", got)
	}

	h.dispatch("B", EventOffer, fmt.Sprintf(`{"room_id":%q,"offer":{"type":"offer","sdp":"v=0"}}`, r1))
	evs = h.expectEvents("A", EventOffer)
	data := wire(t, evs[0])
	if data["sid"] != "B" {
		t.Fatalf("offer sid=%v, want B", data["sid"])
	}
	if offer, ok := data["offer"].(map[string]any); !ok || offer["sdp"] != "v=0" {
		t.Fatalf("offer payload=%v", data["offer"])
	}
	h.expectEvents("B")

	h.broker.Disconnect("B")
	evs = h.expectEvents("A", EventUserLeft)
	if sid := wire(t, evs[0])["sid"]; sid != "B" {
		t.Fatalf("user_left sid=%v, want B", sid)
	}
	if got := h.rooms.Members(r1); len(got) != 1 || got[0] != "A" {
		t.Fatalf("members=%v, want [A]", got)
	}
}

func TestConcurrentJoinAndDisconnect(t *testing.T) {
	h := newHarness(t)
	room := h.rooms.Create("")

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		id := fmt.Sprintf("c%d", i)
		h.broker.Connect(id)
		wg.Add(1)
		go func(id string, i int) {
			defer wg.Done()
			h.broker.Join(id, JoinRequest{RoomID: room})
			if i%2 == 0 {
				h.broker.Disconnect(id)
			}
		}(id, i)
	}
	wg.Wait()

	members := h.rooms.Members(room)
	if len(members) != 16 {
		t.Fatalf("members=%d (%v), want 16", len(members), members)
	}
	for _, m := range members {
		var n int
		if _, err := fmt.Sscanf(m, "c%d", &n); err != nil || n%2 == 0 {
			t.Fatalf("unexpected member %q", m)
		}
	}
	if got := h.broker.Connections().Len(); got != 16 {
		t.Fatalf("connections=%d, want 16", got)
	}
}
