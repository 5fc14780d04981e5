// Package rooms holds the in-memory room registry: room ids, optional
// password gating and the canonical membership of every room.
package rooms

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound      = errors.New("room not found")
	ErrUnauthorized  = errors.New("invalid password")
	ErrNoActiveRooms = errors.New("no active rooms available")
)

type room struct {
	id        string
	password  string
	members   map[string]struct{}
	createdAt time.Time

	// emptySince is the last time members dropped to zero (or createdAt for a
	// room nobody has joined yet). Zero while the room has members.
	emptySince time.Time
}

func (r *room) protected() bool { return r.password != "" }

// Info is a point-in-time copy of a room's state.
type Info struct {
	ID                string
	PasswordProtected bool
	Members           int
	CreatedAt         time.Time
}

// Stats summarizes the registry for gauges and logging.
type Stats struct {
	Rooms       int
	ActiveRooms int
	Members     int
}

type Options struct {
	// IDSource generates candidate ids. Nil uses NewIDSource(DefaultIDLength).
	IDSource IDSource
	// Now defaults to time.Now.
	Now func() time.Time
	// IntN picks a uniform index in [0, n). Defaults to math/rand/v2.IntN.
	IntN func(n int) int
}

// Registry maps room ids to rooms. All methods are safe for concurrent use;
// a single mutex guards the whole map and every room in it.
type Registry struct {
	newID IDSource
	now   func() time.Time
	intN  func(n int) int

	mu    sync.Mutex
	rooms map[string]*room
}

func NewRegistry(opts Options) (*Registry, error) {
	if opts.IDSource == nil {
		src, err := NewIDSource(DefaultIDLength)
		if err != nil {
			return nil, err
		}
		opts.IDSource = src
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.IntN == nil {
		opts.IntN = rand.IntN
	}
	return &Registry{
		newID: opts.IDSource,
		now:   opts.Now,
		intN:  opts.IntN,
		rooms: make(map[string]*room),
	}, nil
}

// Create registers a new room and returns its id. Surrounding whitespace is
// stripped from password; an empty result leaves the room unprotected.
func (g *Registry) Create(password string) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := g.newID()
	for {
		if _, taken := g.rooms[id]; !taken {
			break
		}
		id = g.newID()
	}

	now := g.now()
	g.rooms[id] = &room{
		id:         id,
		password:   strings.TrimSpace(password),
		members:    make(map[string]struct{}),
		createdAt:  now,
		emptySince: now,
	}
	return id
}

func (g *Registry) Exists(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.rooms[id]
	return ok
}

// Lookup returns a snapshot of the room with the given id.
func (g *Registry) Lookup(id string) (Info, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[id]
	if !ok {
		return Info{}, false
	}
	return Info{
		ID:                r.id,
		PasswordProtected: r.protected(),
		Members:           len(r.members),
		CreatedAt:         r.createdAt,
	}, true
}

// IsPasswordProtected is false for unknown rooms.
func (g *Registry) IsPasswordProtected(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[id]
	return ok && r.protected()
}

// VerifyPassword reports whether candidate opens the room. Unprotected rooms
// accept any candidate; protected rooms require exact equality.
func (g *Registry) VerifyPassword(id, candidate string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[id]
	if !ok {
		return false, ErrNotFound
	}
	return !r.protected() || candidate == r.password, nil
}

// SetPassword replaces the room's password and returns whether the room is
// protected afterwards. Empty or whitespace-only input clears protection.
func (g *Registry) SetPassword(id, password string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[id]
	if !ok {
		return false, ErrNotFound
	}
	r.password = strings.TrimSpace(password)
	return r.protected(), nil
}

// Admit checks the room and password and adds connID to the members in one
// step. Missing rooms are reported before password mismatches. added is false
// when connID was already a member.
func (g *Registry) Admit(id, connID, password string) (added bool, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[id]
	if !ok {
		return false, ErrNotFound
	}
	if r.protected() && password != r.password {
		return false, ErrUnauthorized
	}
	return g.addLocked(r, connID), nil
}

// AddMember is a no-op when the room does not exist.
func (g *Registry) AddMember(id, connID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.rooms[id]; ok {
		g.addLocked(r, connID)
	}
}

// RemoveMember reports whether connID was a member. Unknown rooms are a no-op.
func (g *Registry) RemoveMember(id, connID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[id]
	if !ok {
		return false
	}
	if _, member := r.members[connID]; !member {
		return false
	}
	delete(r.members, connID)
	if len(r.members) == 0 {
		r.emptySince = g.now()
	}
	return true
}

func (g *Registry) IsMember(id, connID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[id]
	if !ok {
		return false
	}
	_, member := r.members[connID]
	return member
}

// Members returns the sorted member ids of a room (nil for unknown rooms).
func (g *Registry) Members(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(r.members))
	for m := range r.members {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// RandomActiveRoom picks uniformly among rooms that have at least one member.
func (g *Registry) RandomActiveRoom() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	active := make([]string, 0, len(g.rooms))
	for id, r := range g.rooms {
		if len(r.members) > 0 {
			active = append(active, id)
		}
	}
	if len(active) == 0 {
		return "", ErrNoActiveRooms
	}
	// Map iteration order is not uniform; sort so the pick only depends on intN.
	sort.Strings(active)
	return active[g.intN(len(active))], nil
}

func (g *Registry) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := Stats{Rooms: len(g.rooms)}
	for _, r := range g.rooms {
		if n := len(r.members); n > 0 {
			st.ActiveRooms++
			st.Members += n
		}
	}
	return st
}

// Sweep forgets rooms that have had no members for at least ttl and returns
// their ids. ttl <= 0 never removes anything.
func (g *Registry) Sweep(ttl time.Duration) []string {
	if ttl <= 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := g.now().Add(-ttl)
	var removed []string
	for id, r := range g.rooms {
		if len(r.members) == 0 && !r.emptySince.After(cutoff) {
			delete(g.rooms, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

// RunJanitor calls Sweep every interval until ctx is done. onSweep, if set,
// receives the ids removed by each non-empty sweep.
func (g *Registry) RunJanitor(ctx context.Context, interval, ttl time.Duration, logger *slog.Logger, onSweep func([]string)) {
	if interval <= 0 || ttl <= 0 {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := g.Sweep(ttl)
			if len(removed) == 0 {
				continue
			}
			logger.Debug("expired empty rooms", "count", len(removed), "empty_room_ttl", ttl)
			if onSweep != nil {
				onSweep(removed)
			}
		}
	}
}

func (g *Registry) addLocked(r *room, connID string) bool {
	if _, member := r.members[connID]; member {
		return false
	}
	r.members[connID] = struct{}{}
	r.emptySince = time.Time{}
	return true
}
