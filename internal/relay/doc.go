// Package relay runs the per-room UDP relay.
//
// Each room owns one IPv4 UDP socket on a port from a fixed range. Game
// clients send raw datagrams to that port; the relay learns each peer's
// public endpoint from the first datagram it sees (or from an explicit
// registration over the signaling channel) and forwards every datagram
// verbatim to the other peers in the room. Peers whose endpoint is not yet
// known receive the datagram base64-encoded over their control connection
// instead.
//
// All room, peer and endpoint state is owned by a Service and guarded by a
// single mutex. Control connections (Conn) must not block on Send.
package relay
