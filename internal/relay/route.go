package relay

import "net/netip"

// Route says how a datagram reaches a peer. It is either DirectUDP or
// ControlChannelOnly.
type Route interface {
	isRoute()
}

// DirectUDP sends from the room socket to the peer's external endpoint.
type DirectUDP struct {
	Addr netip.AddrPort
}

// ControlChannelOnly sends base64 over the peer's control connection.
type ControlChannelOnly struct{}

func (DirectUDP) isRoute()          {}
func (ControlChannelOnly) isRoute() {}
