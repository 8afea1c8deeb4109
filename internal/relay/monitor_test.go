package relay

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/metrics"
)

func TestSweepRemovesSilentPeers(t *testing.T) {
	s, mock, m := newTestService(t, Config{HeartbeatTimeout: 30 * time.Second})
	a, b := newFakeConn(), newFakeConn()
	if _, err := s.CreateRoom(1, "user_1", a, 0); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if _, err := s.JoinRoom(1, "user_2", b); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}

	mock.Add(20 * time.Second)
	if err := s.Heartbeat("user_2"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	// Exactly at the timeout a peer is still alive.
	mock.Add(10 * time.Second)
	if n := s.Sweep(); n != 0 {
		t.Fatalf("Sweep removed %d at the boundary, want 0", n)
	}

	mock.Add(5 * time.Second)
	if n := s.Sweep(); n != 1 {
		t.Fatalf("Sweep removed %d, want 1", n)
	}
	info, ok := s.RoomInfo(1)
	if !ok {
		t.Fatalf("room closed with a live peer")
	}
	if diff := cmp.Diff([]string{"user_2"}, info.Peers); diff != "" {
		t.Fatalf("peers mismatch (-want +got):\n%s", diff)
	}
	if info.HostPeerID != "user_2" {
		t.Fatalf("host=%q, want user_2", info.HostPeerID)
	}
	if n := len(b.ofType(MsgHostChanged)); n != 1 {
		t.Fatalf("host changes=%d, want 1", n)
	}
	if got := m.Get(metrics.PeersTimedOut); got != 1 {
		t.Fatalf("peers_timed_out=%d, want 1", got)
	}
	checkInvariants(t, s)

	mock.Add(31 * time.Second)
	if n := s.Sweep(); n != 1 {
		t.Fatalf("Sweep removed %d, want 1", n)
	}
	if _, ok := s.RoomInfo(1); ok {
		t.Fatalf("room still open after every peer timed out")
	}
	checkInvariants(t, s)
}

func TestRunSweepsOnInterval(t *testing.T) {
	s, mock, _ := newTestService(t, Config{HeartbeatTimeout: 30 * time.Second, SweepInterval: 10 * time.Second})
	if _, err := s.CreateRoom(1, "user_1", newFakeConn(), 0); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// The ticker is registered asynchronously, so keep advancing until a
	// sweep has run past the timeout.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := s.RoomInfo(1); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("room not swept")
		}
		mock.Add(10 * time.Second)
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}
