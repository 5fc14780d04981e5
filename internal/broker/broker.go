// Package broker implements the signaling protocol: room joins and leaves
// gated by the room registry, fan-out of signaling payloads to the other
// members of a room, and cleanup when a connection goes away.
//
// The broker never touches sockets. It drives a Transport, which lets the
// protocol be exercised without a network.
package broker

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/rooms"
)

type Config struct {
	Rooms       *rooms.Registry
	Connections *Connections
	Transport   Transport
	Logger      *slog.Logger
	Metrics     *metrics.Metrics

	// AllowNonMemberRelay forwards signaling payloads into any existing room,
	// even when the sender has not joined it.
	AllowNonMemberRelay bool
}

type Broker struct {
	rooms     *rooms.Registry
	conns     *Connections
	transport Transport
	log       *slog.Logger
	metrics   *metrics.Metrics

	allowNonMemberRelay bool
}

func New(cfg Config) (*Broker, error) {
	if cfg.Rooms == nil {
		return nil, errors.New("broker: room registry is required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("broker: transport is required")
	}
	if cfg.Connections == nil {
		cfg.Connections = NewConnections()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Broker{
		rooms:               cfg.Rooms,
		conns:               cfg.Connections,
		transport:           cfg.Transport,
		log:                 cfg.Logger,
		metrics:             cfg.Metrics,
		allowNonMemberRelay: cfg.AllowNonMemberRelay,
	}, nil
}

// Connections exposes the reverse index, mainly for gauges.
func (b *Broker) Connections() *Connections { return b.conns }

// Connect registers a new connection and acknowledges it to that connection
// only.
func (b *Broker) Connect(connID string) {
	if !b.conns.Register(connID) {
		b.log.Warn("duplicate connect ignored", "conn_id", connID)
		return
	}
	b.metrics.Inc(metrics.ConnectionsOpened)
	b.transport.Send(connID, Event{Name: EventConnected, Data: ConnectedPayload{Status: "ok", SID: connID}})
}

// Join admits connID into a room. A missing room is reported before a wrong
// password. Re-joining a room the connection is already in re-acknowledges
// it without announcing the connection again.
func (b *Broker) Join(connID string, req JoinRequest) {
	added, err := b.rooms.Admit(req.RoomID, connID, req.Password)
	switch {
	case errors.Is(err, rooms.ErrNotFound):
		b.metrics.Inc(metrics.JoinsRoomNotFound)
		b.sendError(connID, MsgRoomNotFound)
		return
	case errors.Is(err, rooms.ErrUnauthorized):
		b.metrics.Inc(metrics.JoinsInvalidPassword)
		b.sendError(connID, MsgInvalidPassword)
		return
	case err != nil:
		b.log.Error("join failed", "conn_id", connID, "room_id", req.RoomID, "err", err)
		b.sendError(connID, MsgInvalidRequest)
		return
	}

	if !b.conns.RecordJoin(connID, req.RoomID) {
		// The connection disconnected while the join was in flight.
		if added {
			b.rooms.RemoveMember(req.RoomID, connID)
		}
		return
	}
	b.transport.JoinGroup(connID, req.RoomID)
	b.metrics.Inc(metrics.JoinsOK)
	b.log.Debug("joined room", "conn_id", connID, "room_id", req.RoomID, "new_member", added)

	b.transport.Send(connID, Event{Name: EventJoined, Data: JoinedPayload{RoomID: req.RoomID}})
	if added {
		b.transport.Broadcast(req.RoomID, connID, Event{
			Name: EventUserJoined,
			Data: PeerPayload{SID: connID, RoomID: req.RoomID},
		})
	}
}

// Leave removes connID from a room. Leaving a room the connection is not in
// (or that does not exist) does nothing.
func (b *Broker) Leave(connID, roomID string) {
	if !b.rooms.RemoveMember(roomID, connID) {
		return
	}
	b.conns.RecordLeave(connID, roomID)
	b.transport.LeaveGroup(connID, roomID)
	b.metrics.Inc(metrics.Leaves)
	b.announceLeft(connID, roomID)
}

// Relay forwards a signaling payload verbatim to the other members of a room,
// tagged with the sender's id. Payloads for unknown rooms are dropped without
// telling the sender.
func (b *Broker) Relay(connID, event, roomID string, payload json.RawMessage) {
	field, ok := RelayField(event)
	if !ok {
		return
	}
	if !b.rooms.Exists(roomID) {
		b.metrics.Inc(metrics.RelayDropped)
		return
	}
	if !b.allowNonMemberRelay && !b.rooms.IsMember(roomID, connID) {
		b.metrics.Inc(metrics.RelayDropped)
		b.log.Debug("dropping relay from non-member", "conn_id", connID, "room_id", roomID, "event", event)
		return
	}
	b.metrics.Inc(metrics.RelayedEventPrefix + event)
	b.transport.Broadcast(roomID, connID, Event{
		Name: event,
		Data: Relayed{Field: field, Payload: payload, SID: connID, RoomID: roomID},
	})
}

// Disconnect removes connID from every room it joined and announces the
// departure in each. Calling it again for the same connection does nothing.
func (b *Broker) Disconnect(connID string) {
	roomIDs, ok := b.conns.Take(connID)
	if !ok {
		return
	}
	b.metrics.Inc(metrics.ConnectionsClosed)
	for _, roomID := range roomIDs {
		b.transport.LeaveGroup(connID, roomID)
		if b.rooms.RemoveMember(roomID, connID) {
			b.announceLeft(connID, roomID)
		}
	}
	b.log.Debug("connection cleaned up", "conn_id", connID, "rooms", len(roomIDs))
}

// Dispatch decodes an inbound event and routes it to its handler. Unknown
// events are ignored; known events with undecodable payloads get an error
// reply.
func (b *Broker) Dispatch(connID, event string, data json.RawMessage) {
	switch event {
	case EventJoin:
		var req JoinRequest
		if !b.decode(connID, event, data, &req) {
			return
		}
		b.Join(connID, req)
	case EventLeave:
		var req LeaveRequest
		if !b.decode(connID, event, data, &req) {
			return
		}
		b.Leave(connID, req.RoomID)
	case EventOffer, EventAnswer, EventICECandidate, EventChatMessage:
		var fields map[string]json.RawMessage
		if !b.decode(connID, event, data, &fields) {
			return
		}
		var roomID string
		if raw, ok := fields["room_id"]; ok {
			if err := json.Unmarshal(raw, &roomID); err != nil {
				b.rejectPayload(connID, event, err)
				return
			}
		}
		field, _ := RelayField(event)
		b.Relay(connID, event, roomID, fields[field])
	default:
		b.log.Debug("ignoring unknown event", "conn_id", connID, "event", event)
	}
}

func (b *Broker) decode(connID, event string, data json.RawMessage, v any) bool {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return true
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		b.rejectPayload(connID, event, err)
		return false
	}
	return true
}

func (b *Broker) rejectPayload(connID, event string, err error) {
	b.metrics.Inc(metrics.MessagesInvalid)
	b.log.Debug("invalid event payload", "conn_id", connID, "event", event, "err", err)
	b.sendError(connID, MsgInvalidRequest)
}

func (b *Broker) announceLeft(connID, roomID string) {
	b.transport.Broadcast(roomID, connID, Event{
		Name: EventUserLeft,
		Data: PeerPayload{SID: connID, RoomID: roomID},
	})
}

func (b *Broker) sendError(connID, msg string) {
	b.transport.Send(connID, Event{Name: EventError, Data: ErrorPayload{Message: msg}})
}
