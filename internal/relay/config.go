package relay

import (
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/transport/v3"

	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/policy"
)

// DestinationPolicy decides whether relay_send_udp may target an address.
type DestinationPolicy interface {
	AllowUDP(dst netip.AddrPort) error
}

type Config struct {
	// PortMin and PortMax bound the room socket ports, inclusive.
	PortMin uint16
	PortMax uint16
	// BindIP is the IPv4 address room sockets listen on.
	BindIP netip.Addr
	// SocketBufferBytes sizes the kernel read and write buffers of each room
	// socket. Negative leaves the OS defaults.
	SocketBufferBytes int

	// MaxDatagramPayloadBytes is the largest datagram forwarded; anything
	// larger is dropped rather than truncated.
	MaxDatagramPayloadBytes int
	// MaxPacketsPerSecondPerPeer limits inbound datagrams per source endpoint.
	// Zero disables the limit.
	MaxPacketsPerSecondPerPeer int

	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration

	// DefaultGamePort is recorded for rooms created without a game port.
	DefaultGamePort uint16

	// Net opens room sockets. Nil uses the host network stack.
	Net transport.Net
	// Clock drives heartbeats and the liveness sweep.
	Clock clock.Clock
	// Policy gates relay_send_udp destinations that are not registered peer
	// endpoints of the same room.
	Policy DestinationPolicy
}

func DefaultConfig() Config {
	return Config{
		PortMin:                 19132,
		PortMax:                 19200,
		BindIP:                  netip.IPv4Unspecified(),
		SocketBufferBytes:       1 << 20, // 1MiB
		MaxDatagramPayloadBytes: 65507,
		HeartbeatTimeout:        30 * time.Second,
		SweepInterval:           10 * time.Second,
		DefaultGamePort:         19132,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PortMin == 0 {
		c.PortMin = d.PortMin
	}
	if c.PortMax == 0 {
		c.PortMax = d.PortMax
	}
	if !c.BindIP.IsValid() {
		c.BindIP = d.BindIP
	}
	c.BindIP = c.BindIP.Unmap()
	if c.SocketBufferBytes == 0 {
		c.SocketBufferBytes = d.SocketBufferBytes
	}
	if c.MaxDatagramPayloadBytes <= 0 {
		c.MaxDatagramPayloadBytes = d.MaxDatagramPayloadBytes
	}
	if c.MaxPacketsPerSecondPerPeer < 0 {
		c.MaxPacketsPerSecondPerPeer = 0
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.DefaultGamePort == 0 {
		c.DefaultGamePort = d.DefaultGamePort
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Policy == nil {
		c.Policy = policy.NewProductionDestinationPolicy()
	}
	return c
}
