package signaling

import (
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/policy"
	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/relay"
	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/storage"
)

// Room sockets opened by this package's tests stay inside this range.
const (
	testPortMin uint16 = 39200
	testPortMax uint16 = 39299
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRelay(t *testing.T, pol relay.DestinationPolicy) (*relay.Service, *metrics.Metrics) {
	t.Helper()
	if pol == nil {
		pol = policy.NewDevDestinationPolicy()
	}
	m := metrics.New()
	svc, err := relay.NewService(relay.Config{
		PortMin: testPortMin,
		PortMax: testPortMax,
		BindIP:  netip.MustParseAddr("127.0.0.1"),
		Policy:  pol,
	}, discardLogger(), m)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return svc, m
}

func newTestStore(t *testing.T) *storage.Memory {
	t.Helper()
	return storage.NewMemory(
		storage.User{ID: 1, Username: "alice"},
		storage.User{ID: 2, Username: "bob"},
		storage.User{ID: 3, Username: "carol"},
	)
}

// recordingConn is a relay.Conn that keeps every message it is sent.
type recordingConn struct {
	mu   sync.Mutex
	msgs []relay.Message
}

func (c *recordingConn) Send(msg relay.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *recordingConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.msgs))
	for _, m := range c.msgs {
		out = append(out, m.Type)
	}
	return out
}

func (c *recordingConn) last(typ string) (relay.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.msgs) - 1; i >= 0; i-- {
		if c.msgs[i].Type == typ {
			return c.msgs[i], true
		}
	}
	return relay.Message{}, false
}

func (c *recordingConn) reset() {
	c.mu.Lock()
	c.msgs = nil
	c.mu.Unlock()
}

func mustLast(t *testing.T, c *recordingConn, typ string) relay.Message {
	t.Helper()
	msg, ok := c.last(typ)
	if !ok {
		t.Fatalf("no %s message; got %v", typ, c.types())
	}
	return msg
}

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestControl(t *testing.T, pol relay.DestinationPolicy) (*control, *relay.Service, *storage.Memory) {
	t.Helper()
	svc, m := newTestRelay(t, pol)
	store := newTestStore(t)
	return &control{
		relay:           svc,
		store:           store,
		publicHost:      "relay.example",
		defaultGamePort: 19132,
		log:             discardLogger(),
		metrics:         m,
		now:             func() time.Time { return fixedNow },
	}, svc, store
}
