package signaling

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/broker"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/ratelimit"
)

const wsWriteWait = 1 * time.Second

type conn struct {
	id  string
	hub *Hub
	ws  *websocket.Conn

	// send is drained by writePump only, so frames reach the socket in the
	// order they were queued.
	send       chan []byte
	done       chan struct{}
	writerDone chan struct{}

	closeOnce   sync.Once
	closeCode   int
	closeReason string

	limiter *ratelimit.TokenBucket

	// groups is guarded by hub.mu.
	groups map[string]struct{}
}

func newConn(h *Hub, id string, ws *websocket.Conn) *conn {
	rate := int64(h.cfg.MessagesPerSecond)
	return &conn{
		id:         id,
		hub:        h,
		ws:         ws,
		send:       make(chan []byte, h.cfg.SendQueueSize),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		limiter:    ratelimit.NewTokenBucket(h.cfg.Clock, rate, rate, time.Second),
		groups:     make(map[string]struct{}),
	}
}

// enqueue never blocks. A full queue means the peer is not keeping up, and
// the connection is closed rather than buffering without bound.
func (c *conn) enqueue(frame []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- frame:
	default:
		c.hub.metrics.Inc(metrics.SendQueueOverflow)
		c.hub.log.Warn("send queue full; closing connection", "conn_id", c.id, "queue_size", cap(c.send))
		c.shutdown(websocket.CloseTryAgainLater, "send queue overflow")
	}
}

// shutdown asks the writer to send a close frame with the given code and
// then drop the socket. Only the first call's code is used.
func (c *conn) shutdown(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

func (c *conn) readPump(handler Handler) {
	h := c.hub
	c.ws.SetReadLimit(h.cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				// gorilla has already sent a 1009 close frame.
				h.metrics.Inc(metrics.MessagesOversized)
				c.shutdown(websocket.CloseMessageTooBig, "message too large")
			case isTimeout(err):
				c.shutdown(websocket.CloseNormalClosure, "idle timeout")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))

		// Rate limit after reading so bytes already in the receive buffer are
		// consumed and the close frame reaches the client instead of a RST.
		if !c.limiter.Allow(1) {
			h.metrics.Inc(metrics.MessagesRateLimited)
			c.shutdown(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			h.metrics.Inc(metrics.MessagesInvalid)
			c.shutdown(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		env, err := parseEnvelope(data)
		if err != nil {
			h.metrics.Inc(metrics.MessagesInvalid)
			h.log.Debug("invalid signaling frame", "conn_id", c.id, "err", err)
			h.Send(c.id, broker.Event{
				Name: broker.EventError,
				Data: broker.ErrorPayload{Message: broker.MsgInvalidRequest},
			})
			continue
		}
		handler.Dispatch(c.id, env.Event, env.Data)
	}
}

func (c *conn) writePump() {
	defer close(c.writerDone)
	defer c.ws.Close()

	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			writeClose(c.ws, c.closeCode, c.closeReason)
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.shutdown(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.shutdown(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

func writeClose(ws *websocket.Conn, code int, reason string) {
	if code == websocket.CloseAbnormalClosure {
		// 1006 must never be sent on the wire.
		return
	}
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
