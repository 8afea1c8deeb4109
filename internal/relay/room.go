package relay

import (
	"net/netip"
	"slices"
	"sync/atomic"
	"time"

	"github.com/pion/transport/v3"

	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/ratelimit"
)

type peer struct {
	id   string
	conn Conn
	// internal is the LAN endpoint the client reported, if any.
	internal      netip.AddrPort
	lastHeartbeat time.Time
	// discovered is set once the peer's external endpoint has been learned,
	// by sniffing or by registration.
	discovered bool
	// observed is set when the endpoint came from a datagram the relay
	// received rather than from the client's own report.
	observed bool
}

type room struct {
	id         int64
	hostPeerID string
	relayPort  uint16
	gamePort   uint16
	createdAt  time.Time
	socket     transport.UDPConn

	peers map[string]*peer
	// order is the join order of peers. It breaks ties for endpoint discovery
	// and host migration.
	order []string

	// limiter is nil when per-source rate limiting is disabled.
	limiter *ratelimit.KeyedLimiter[netip.AddrPort]

	closed atomic.Bool
}

func (rm *room) removeFromOrder(peerID string) {
	if i := slices.Index(rm.order, peerID); i >= 0 {
		rm.order = slices.Delete(rm.order, i, i+1)
	}
}

// EndpointInfo is an address/port pair as reported to clients.
type EndpointInfo struct {
	Address string `json:"address"`
	Port    uint16 `json:"port"`
}

func endpointInfo(ap netip.AddrPort) EndpointInfo {
	return EndpointInfo{Address: ap.Addr().String(), Port: ap.Port()}
}

// RoomInfo is a point-in-time snapshot of a room.
type RoomInfo struct {
	RoomID            int64                   `json:"roomId"`
	HostPeerID        string                  `json:"hostPeerId"`
	RelayPort         uint16                  `json:"relayPort"`
	GamePort          uint16                  `json:"gamePort"`
	PeerCount         int                     `json:"peerCount"`
	Peers             []string                `json:"peers"`
	Endpoints         map[string]EndpointInfo `json:"endpoints"`
	InternalEndpoints map[string]EndpointInfo `json:"internalEndpoints,omitempty"`
	LastHeartbeat     map[string]time.Time    `json:"lastHeartbeat"`
	CreatedAt         time.Time               `json:"createdAt"`
}

// EndpointAddrs renders Endpoints as "address:port" strings keyed by peer.
func (i RoomInfo) EndpointAddrs() map[string]string {
	out := make(map[string]string, len(i.Endpoints))
	for id, ep := range i.Endpoints {
		addr, err := netip.ParseAddr(ep.Address)
		if err != nil {
			continue
		}
		out[id] = netip.AddrPortFrom(addr, ep.Port).String()
	}
	return out
}
