package broker

import (
	"sort"
	"sync"
)

// Connections is the reverse index from a live connection to the rooms it
// has joined, so disconnect cleanup only touches those rooms.
type Connections struct {
	mu     sync.Mutex
	joined map[string]map[string]struct{}
}

func NewConnections() *Connections {
	return &Connections{joined: make(map[string]map[string]struct{})}
}

// Register starts tracking connID. It reports false if connID is already
// tracked.
func (c *Connections) Register(connID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.joined[connID]; ok {
		return false
	}
	c.joined[connID] = make(map[string]struct{})
	return true
}

// RecordJoin reports false if connID is not tracked (never connected or
// already disconnected).
func (c *Connections) RecordJoin(connID, roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.joined[connID]
	if !ok {
		return false
	}
	set[roomID] = struct{}{}
	return true
}

func (c *Connections) RecordLeave(connID, roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if set, ok := c.joined[connID]; ok {
		delete(set, roomID)
	}
}

// RoomsFor returns the rooms connID has joined, sorted.
func (c *Connections) RoomsFor(connID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedKeys(c.joined[connID])
}

func (c *Connections) Forget(connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.joined, connID)
}

// Take removes connID and returns the rooms it had joined. ok is false when
// connID was not tracked, which makes repeated disconnects no-ops.
func (c *Connections) Take(connID string) (roomIDs []string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.joined[connID]
	if !ok {
		return nil, false
	}
	delete(c.joined, connID)
	return sortedKeys(set), true
}

// Len returns the number of tracked connections.
func (c *Connections) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.joined)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
