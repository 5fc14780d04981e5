package broker

// Transport is the real-time channel the broker drives. Implementations must
// preserve the order of events sent to any single connection and must not
// block on slow receivers while holding locks shared with other connections.
type Transport interface {
	// JoinGroup adds the connection to the broadcast group for roomID.
	JoinGroup(connID, roomID string)
	// LeaveGroup removes the connection from the broadcast group for roomID.
	LeaveGroup(connID, roomID string)
	// Send delivers ev to a single connection.
	Send(connID string, ev Event)
	// Broadcast delivers ev to every connection in roomID's group except
	// exceptConnID.
	Broadcast(roomID, exceptConnID string, ev Event)
}
