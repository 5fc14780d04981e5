// Package signaling contains the WebSocket transport for the signaling
// broker: one socket per client, room broadcast groups and a bounded
// outbound queue per connection.
//
// Frames are JSON text messages of the form {"event": "...", "data": ...}
// in both directions.
package signaling
