package relay

import (
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/policy"
)

// Room sockets in this package bind within this range so they stay clear of
// other packages' tests.
const (
	testPortMin uint16 = 39100
	testPortMax uint16 = 39199
)

type fakeConn struct {
	mu     sync.Mutex
	msgs   []Message
	notify chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{notify: make(chan struct{}, 1)}
}

func (c *fakeConn) Send(msg Message) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

func (c *fakeConn) ofType(typ string) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Message
	for _, m := range c.msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeConn) waitFor(t *testing.T, typ string, n int) []Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if got := c.ofType(typ); len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d %s messages (have %d)", n, typ, len(c.ofType(typ)))
		}
		select {
		case <-c.notify:
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func newTestService(t *testing.T, cfg Config) (*Service, *clock.Mock, *metrics.Metrics) {
	t.Helper()
	mock := clock.NewMock()
	if cfg.PortMin == 0 {
		cfg.PortMin, cfg.PortMax = testPortMin, testPortMax
	}
	cfg.BindIP = netip.MustParseAddr("127.0.0.1")
	cfg.Clock = mock
	if cfg.Policy == nil {
		cfg.Policy = policy.NewDevDestinationPolicy()
	}
	m := metrics.New()
	s, err := NewService(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), m)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, mock, m
}

func dialRoom(t *testing.T, port uint16) *net.UDPConn {
	t.Helper()
	c, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(port)})
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func localAddrPort(c *net.UDPConn) netip.AddrPort {
	return normalizeAddrPort(c.LocalAddr().(*net.UDPAddr).AddrPort())
}

func readDatagram(t *testing.T, c *net.UDPConn) []byte {
	t.Helper()
	buf := make([]byte, 65536)
	if err := c.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	n, err := c.Read(buf)
	if err != nil {
		t.Fatalf("read datagram: %v", err)
	}
	return append([]byte(nil), buf[:n]...)
}

func mustWrite(t *testing.T, c *net.UDPConn, b []byte) {
	t.Helper()
	if _, err := c.Write(b); err != nil {
		t.Fatalf("write datagram: %v", err)
	}
}

// checkInvariants verifies the cross-index invariants of the service.
func checkInvariants(t *testing.T, s *Service) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	seenPorts := map[uint16]int64{}
	for id, rm := range s.rooms {
		if len(rm.peers) == 0 {
			t.Fatalf("room %d is empty", id)
		}
		if _, ok := rm.peers[rm.hostPeerID]; !ok {
			t.Fatalf("room %d host %q is not a member", id, rm.hostPeerID)
		}
		if len(rm.order) != len(rm.peers) {
			t.Fatalf("room %d order=%v, peers=%d", id, rm.order, len(rm.peers))
		}
		if other, dup := seenPorts[rm.relayPort]; dup {
			t.Fatalf("rooms %d and %d share port %d", id, other, rm.relayPort)
		}
		seenPorts[rm.relayPort] = id
		if s.ports[rm.relayPort] != id {
			t.Fatalf("ports[%d]=%d, want %d", rm.relayPort, s.ports[rm.relayPort], id)
		}
	}
	if len(s.ports) != len(s.rooms) {
		t.Fatalf("ports=%d rooms=%d", len(s.ports), len(s.rooms))
	}
	for addr, ref := range s.reg.byAddr {
		rm, ok := s.rooms[ref.roomID]
		if !ok {
			t.Fatalf("address %s points at closed room %d", addr, ref.roomID)
		}
		if _, ok := rm.peers[ref.peerID]; !ok {
			t.Fatalf("address %s points at departed peer %s", addr, ref.peerID)
		}
		if got, _ := s.reg.endpoint(ref); got != addr {
			t.Fatalf("endpoint(%v)=%s, want %s", ref, got, addr)
		}
	}
	for roomID, endpoints := range s.reg.byRoom {
		for peerID, addr := range endpoints {
			if s.reg.byAddr[addr] != (peerRef{roomID, peerID}) {
				t.Fatalf("room %d peer %s endpoint %s not indexed", roomID, peerID, addr)
			}
		}
	}
}
