package relay

import (
	"encoding/base64"
	"errors"
	"net"
	"net/netip"
	"time"

	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/metrics"
)

// readPump reads datagrams from a room socket until it is closed.
func (s *Service) readPump(rm *room) {
	defer s.pumps.Done()

	// One spare byte detects datagrams above the payload limit; a short buffer
	// would silently truncate them.
	buf := make([]byte, s.cfg.MaxDatagramPayloadBytes+1)
	for {
		n, from, err := rm.socket.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || rm.closed.Load() {
				return
			}
			s.log.Debug("relay socket read failed", "room_id", rm.id, "relay_port", rm.relayPort, "err", err)
			continue
		}
		udpAddr, ok := from.(*net.UDPAddr)
		if !ok {
			continue
		}
		s.handleDatagram(rm, buf[:n], normalizeAddrPort(udpAddr.AddrPort()))
	}
}

// handleDatagram attributes a datagram to a peer, discovering the sender's
// endpoint if needed, and forwards it to the rest of the room.
func (s *Service) handleDatagram(rm *room, data []byte, src netip.AddrPort) {
	if len(data) == 0 {
		s.metrics.Inc(metrics.UDPDroppedEmpty)
		return
	}
	if len(data) > s.cfg.MaxDatagramPayloadBytes {
		s.metrics.Inc(metrics.UDPDroppedOversized)
		return
	}
	if !src.IsValid() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rooms[rm.id] != rm {
		return
	}
	s.metrics.Inc(metrics.UDPDatagramsIn)

	var sender *peer
	if ref, ok := s.reg.lookup(src); ok && ref.roomID == rm.id {
		sender = rm.peers[ref.peerID]
	}
	if sender == nil {
		sender = s.discoverLocked(rm, src)
	}

	now := s.clock.Now()
	senderID := ""
	if sender != nil {
		sender.lastHeartbeat = now
		senderID = sender.id
	}
	if rm.limiter != nil && !rm.limiter.Allow(src, now) {
		s.metrics.Inc(metrics.UDPDroppedRateLimited)
		return
	}

	s.fanOutLocked(rm, senderID, src, data, now)
}

// discoverLocked gives src to the earliest-joined peer whose endpoint is
// still unknown.
func (s *Service) discoverLocked(rm *room, src netip.AddrPort) *peer {
	for _, id := range rm.order {
		p := rm.peers[id]
		if p.discovered {
			continue
		}
		s.bindEndpointLocked(rm, p, src)
		p.discovered = true
		p.observed = true
		s.metrics.Inc(metrics.EndpointsDiscovered)
		s.log.Info("peer endpoint discovered", "room_id", rm.id, "peer_id", id, "endpoint", src.String())
		s.broadcastEndpointLocked(rm, id, src)
		return p
	}
	return nil
}

// fanOutLocked forwards data to every peer except the sender. A failure for
// one target does not affect the others.
func (s *Service) fanOutLocked(rm *room, senderID string, src netip.AddrPort, data []byte, now time.Time) {
	var encoded string
	for _, id := range rm.order {
		if id == senderID {
			continue
		}
		p := rm.peers[id]
		switch r := s.routeLocked(rm, p).(type) {
		case DirectUDP:
			if err := s.writeLocked(rm, r.Addr, data); err != nil {
				s.metrics.Inc(metrics.UDPSendErrors)
				s.log.Warn("relay forward failed", "room_id", rm.id, "peer_id", id, "err", err)
				continue
			}
			s.metrics.Inc(metrics.UDPDatagramsForwarded)
			s.metrics.AddForwardedBytes(len(data))
		case ControlChannelOnly:
			if encoded == "" {
				encoded = base64.StdEncoding.EncodeToString(data)
			}
			s.sendLocked(p, Message{Type: MsgUDPPacket, Payload: UDPPacketPayload{
				RoomID:        rm.id,
				Data:          encoded,
				SourceAddress: src.Addr().String(),
				SourcePort:    src.Port(),
				SenderID:      senderID,
				Timestamp:     now.UnixMilli(),
			}})
			s.metrics.Inc(metrics.UDPDatagramsFallback)
		}
	}
}
