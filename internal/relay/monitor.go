package relay

import (
	"context"
	"slices"
)

// Run sweeps for silent peers every SweepInterval until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	ticker := s.clock.Ticker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep removes every peer whose last heartbeat is older than
// HeartbeatTimeout and returns how many were removed.
func (s *Service) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	removed := 0
	for _, id := range s.sortedRoomIDsLocked() {
		rm := s.rooms[id]
		for _, peerID := range slices.Clone(rm.order) {
			if s.rooms[id] != rm {
				break
			}
			p := rm.peers[peerID]
			if now.Sub(p.lastHeartbeat) <= s.cfg.HeartbeatTimeout {
				continue
			}
			s.removePeerLocked(rm, peerID, reasonHeartbeatTimeout)
			removed++
		}
	}
	return removed
}
