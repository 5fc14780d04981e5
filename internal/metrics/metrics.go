package metrics

import (
	"sort"
	"sync"
)

// Event counter names. Exported as the `event` label of
// aero_webrtc_signaling_relay_events_total.
const (
	ConnectionsOpened      = "ws_connections_opened"
	ConnectionsClosed      = "ws_connections_closed"
	ConnectionsRejected    = "ws_connections_rejected_origin"
	SendQueueOverflow      = "ws_send_queue_overflow"
	MessagesRateLimited    = "ws_messages_rate_limited"
	MessagesOversized      = "ws_messages_oversized"
	MessagesInvalid        = "ws_messages_invalid"
	RoomsCreated           = "rooms_created"
	RoomsExpired           = "rooms_expired"
	RoomCreateRateLimited  = "room_create_rate_limited"
	CaptchaFailed          = "captcha_failed"
	JoinsOK                = "joins_ok"
	JoinsRoomNotFound      = "joins_room_not_found"
	JoinsInvalidPassword   = "joins_invalid_password"
	Leaves                 = "leaves"
	RelayDropped           = "relay_dropped"
	TURNCredentialsIssued  = "turn_credentials_issued"
	RelayedEventPrefix     = "relayed_"
	PasswordVerifyRequests = "password_verify_requests"
	PasswordSetRequests    = "password_set_requests"
	AuthFailed             = "auth_failed"
)

// Metrics is a concurrency-safe registry of monotonic counters plus gauges
// that are sampled at scrape time. A nil *Metrics is valid and discards
// everything, so components can run without one.
type Metrics struct {
	mu     sync.Mutex
	m      map[string]uint64
	gauges map[string]func() float64
}

func New() *Metrics {
	return &Metrics{
		m:      make(map[string]uint64),
		gauges: make(map[string]func() float64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return map[string]uint64{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}

// RegisterGauge installs fn as the sampler for a gauge. Registering the same
// name again replaces the previous sampler. fn must not call back into m.
func (m *Metrics) RegisterGauge(name string, fn func() float64) {
	if m == nil || fn == nil {
		return
	}
	m.mu.Lock()
	m.gauges[name] = fn
	m.mu.Unlock()
}

type gaugeSample struct {
	name  string
	value float64
}

func (m *Metrics) sampleGauges() []gaugeSample {
	m.mu.Lock()
	fns := make(map[string]func() float64, len(m.gauges))
	for k, fn := range m.gauges {
		fns[k] = fn
	}
	m.mu.Unlock()

	out := make([]gaugeSample, 0, len(fns))
	for name, fn := range fns {
		out = append(out, gaugeSample{name: name, value: fn()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}
