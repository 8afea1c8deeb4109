// Package signaling is the websocket control plane of the relay.
//
// A client connects to /ws, authenticates as a stored user and then drives
// the relay with JSON messages of the form {"type": ..., "payload": {...}}.
// Messages pushed by the relay (peer lists, endpoint discoveries, fallback
// packets) share the same connection.
package signaling
