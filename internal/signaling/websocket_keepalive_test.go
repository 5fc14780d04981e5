package signaling

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/broker"
)

const (
	keepaliveIdle = 400 * time.Millisecond
	keepalivePing = 50 * time.Millisecond
)

// silencePings stops c from answering server pings. notify receives a value
// for the first ping seen.
func silencePings(c *websocket.Conn, notify chan<- struct{}) {
	c.SetPingHandler(func(string) error {
		select {
		case notify <- struct{}{}:
		default:
		}
		return nil
	})
}

func TestKeepalive_SilentPeerIsDroppedFromRoom(t *testing.T) {
	s := newTestServer(t, Config{IdleTimeout: keepaliveIdle, PingInterval: keepalivePing})
	room := s.rooms.Create("")

	alive, _ := s.dial(t)
	silent, silentID := s.dial(t)

	emit(t, alive, broker.EventJoin, map[string]any{"room_id": room})
	expectEvent(t, alive, broker.EventJoined)
	emit(t, silent, broker.EventJoin, map[string]any{"room_id": room})
	expectEvent(t, silent, broker.EventJoined)
	expectEvent(t, alive, broker.EventUserJoined)

	// alive keeps reading so gorilla's default ping handler answers for it.
	aliveEvents := make(chan wireEvent, 8)
	go func() {
		for {
			var ev wireEvent
			if err := alive.ReadJSON(&ev); err != nil {
				close(aliveEvents)
				return
			}
			aliveEvents <- ev
		}
	}()

	pingSeen := make(chan struct{}, 1)
	silencePings(silent, pingSeen)
	closed := make(chan error, 1)
	go func() {
		for {
			if _, _, err := silent.ReadMessage(); err != nil {
				closed <- err
				return
			}
		}
	}()

	select {
	case <-pingSeen:
	case err := <-closed:
		t.Fatalf("closed before the first ping: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("no ping from server")
	}

	select {
	case err := <-closed:
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			t.Fatalf("close error=%v, want %d", err, websocket.CloseNormalClosure)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("idle connection was not closed")
	}

	select {
	case ev, ok := <-aliveEvents:
		if !ok {
			t.Fatalf("live peer was disconnected too")
		}
		if ev.Event != broker.EventUserLeft || ev.Data["sid"] != silentID || ev.Data["room_id"] != room {
			t.Fatalf("event=%s %v, want user_left for %s", ev.Event, ev.Data, silentID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("live peer never saw user_left")
	}
	if members := s.rooms.Members(room); len(members) != 1 {
		t.Fatalf("members=%v, want only the live peer", members)
	}
}

func TestKeepalive_PongsOutliveIdleTimeout(t *testing.T) {
	s := newTestServer(t, Config{IdleTimeout: keepaliveIdle, PingInterval: keepalivePing})
	c, _ := s.dial(t)

	closed := make(chan error, 1)
	go func() {
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				closed <- err
				return
			}
		}
	}()

	time.Sleep(keepaliveIdle + 4*keepalivePing)

	select {
	case err := <-closed:
		t.Fatalf("connection closed despite pongs: %v", err)
	default:
	}
	if n := s.hub.Len(); n != 1 {
		t.Fatalf("hub Len=%d, want 1", n)
	}

	_ = c.Close()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("reader did not exit after Close")
	}
}
