package broker

import (
	"bytes"
	"encoding/json"
)

// Event names on the real-time channel.
const (
	// client -> server
	EventJoin         = "join"
	EventLeave        = "leave"
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventICECandidate = "ice-candidate"
	EventChatMessage  = "chat_message"

	// server -> client
	EventConnected  = "connected"
	EventJoined     = "joined"
	EventError      = "error"
	EventUserJoined = "user_joined"
	EventUserLeft   = "user_left"
)

// Error messages sent in EventError payloads.
const (
	MsgRoomNotFound    = "Room not found"
	MsgInvalidPassword = "Invalid password"
	MsgInvalidRequest  = "Invalid request"
)

// relayFields maps each relayed event to the payload field it carries. The
// same field name is used inbound and outbound.
var relayFields = map[string]string{
	EventOffer:        "offer",
	EventAnswer:       "answer",
	EventICECandidate: "candidate",
	EventChatMessage:  "message",
}

// RelayField returns the payload field for a relayed event kind.
func RelayField(event string) (string, bool) {
	f, ok := relayFields[event]
	return f, ok
}

// Event is one message on the wire: {"event": "...", "data": {...}}.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data,omitempty"`
}

type JoinRequest struct {
	RoomID   string `json:"room_id"`
	Password string `json:"password,omitempty"`
}

type LeaveRequest struct {
	RoomID string `json:"room_id"`
}

type ConnectedPayload struct {
	Status string `json:"status"`
	SID    string `json:"sid"`
}

type JoinedPayload struct {
	RoomID string `json:"room_id"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// PeerPayload announces a member joining or leaving a room.
type PeerPayload struct {
	SID    string `json:"sid"`
	RoomID string `json:"room_id"`
}

// Relayed is a signaling payload forwarded to the other members of a room.
// Payload is passed through without being interpreted.
type Relayed struct {
	Field   string
	Payload json.RawMessage
	SID     string
	RoomID  string
}

func (r Relayed) MarshalJSON() ([]byte, error) {
	payload := r.Payload
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = json.RawMessage("null")
	}
	return json.Marshal(map[string]any{
		r.Field:   payload,
		"sid":     r.SID,
		"room_id": r.RoomID,
	})
}
