package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/broker"
)

var (
	errEmptyMessage = errors.New("signaling: empty message")
	errMissingEvent = errors.New("signaling: missing event name")
	errInvalidUTF8  = errors.New("signaling: message is not valid UTF-8")
)

// envelope is the inbound frame shape. Data stays raw so the broker decodes
// it against the event it belongs to.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func parseEnvelope(b []byte) (envelope, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return envelope{}, errEmptyMessage
	}
	// Relayed payloads are copied verbatim into other peers' text frames, and
	// browsers fail the connection on invalid UTF-8.
	if !utf8.Valid(b) {
		return envelope{}, errInvalidUTF8
	}
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return envelope{}, fmt.Errorf("signaling: decode envelope: %w", err)
	}
	if env.Event == "" {
		return envelope{}, errMissingEvent
	}
	return env, nil
}

func encodeEvent(ev broker.Event) ([]byte, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("signaling: encode %q: %w", ev.Name, err)
	}
	return b, nil
}
