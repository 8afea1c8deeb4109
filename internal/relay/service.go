package relay

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/transport/v3"
	"github.com/pion/transport/v3/stdnet"
	"go.uber.org/multierr"

	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/ratelimit"
)

const (
	reasonLeave            = "leave"
	reasonDisconnect       = "disconnect"
	reasonHeartbeatTimeout = "heartbeat_timeout"
)

// Service owns every relay room.
type Service struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
	net     transport.Net
	clock   clock.Clock

	mu       sync.Mutex
	closed   bool
	rooms    map[int64]*room
	ports    map[uint16]int64
	reg      *registry
	peerRoom map[string]int64

	pumps sync.WaitGroup
}

func NewService(cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Service, error) {
	cfg = cfg.withDefaults()
	if cfg.PortMin > cfg.PortMax {
		return nil, fmt.Errorf("relay: port range %d-%d is empty", cfg.PortMin, cfg.PortMax)
	}
	if !cfg.BindIP.Is4() {
		return nil, fmt.Errorf("relay: bind IP %s is not IPv4", cfg.BindIP)
	}
	if cfg.Net == nil {
		n, err := stdnet.NewNet()
		if err != nil {
			return nil, fmt.Errorf("relay: open network: %w", err)
		}
		cfg.Net = n
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:      cfg,
		log:      logger,
		metrics:  m,
		net:      cfg.Net,
		clock:    cfg.Clock,
		rooms:    make(map[int64]*room),
		ports:    make(map[uint16]int64),
		reg:      newRegistry(),
		peerRoom: make(map[string]int64),
	}, nil
}

// CreateRoom opens a room with peerID as host. If the room already exists
// the caller is added to it (or its connection refreshed) instead.
func (s *Service) CreateRoom(roomID int64, peerID string, conn Conn, gamePort uint16) (RoomInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return RoomInfo{}, ErrServiceClosed
	}

	if rm, ok := s.rooms[roomID]; ok {
		if s.addPeerLocked(rm, peerID, conn) {
			s.log.Info("peer joined relay room", "room_id", roomID, "peer_id", peerID)
		}
		s.broadcastPeerListLocked(rm)
		s.updateGaugesLocked()
		return s.snapshotLocked(rm), nil
	}

	port, sock, err := s.bindRoomSocketLocked()
	if err != nil {
		s.metrics.Inc(metrics.RoomCreateFailures)
		s.log.Warn("relay room create failed", "room_id", roomID, "peer_id", peerID, "err", err)
		return RoomInfo{}, err
	}
	if gamePort == 0 {
		gamePort = s.cfg.DefaultGamePort
	}

	rm := &room{
		id:         roomID,
		hostPeerID: peerID,
		relayPort:  port,
		gamePort:   gamePort,
		createdAt:  s.clock.Now(),
		socket:     sock,
		peers:      make(map[string]*peer),
	}
	if s.cfg.MaxPacketsPerSecondPerPeer > 0 {
		limiter, err := ratelimit.NewKeyedLimiter[netip.AddrPort](s.cfg.MaxPacketsPerSecondPerPeer, ratelimit.DefaultMaxKeys, nil)
		if err != nil {
			_ = sock.Close()
			return RoomInfo{}, err
		}
		rm.limiter = limiter
	}
	s.addPeerLocked(rm, peerID, conn)
	s.rooms[roomID] = rm
	s.ports[port] = roomID

	s.pumps.Add(1)
	go s.readPump(rm)

	s.metrics.Inc(metrics.RoomsCreated)
	s.log.Info("relay room created", "room_id", roomID, "relay_port", port, "game_port", gamePort, "peer_id", peerID)

	s.broadcastPeerListLocked(rm)
	s.updateGaugesLocked()
	return s.snapshotLocked(rm), nil
}

// JoinRoom adds peerID to an existing room. Joining again replaces the
// peer's connection and refreshes its heartbeat.
func (s *Service) JoinRoom(roomID int64, peerID string, conn Conn) (RoomInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rm, ok := s.rooms[roomID]
	if !ok {
		return RoomInfo{}, fmt.Errorf("room %d: %w", roomID, ErrRoomNotFound)
	}
	if s.addPeerLocked(rm, peerID, conn) {
		s.log.Info("peer joined relay room", "room_id", roomID, "peer_id", peerID)
	}
	s.broadcastPeerListLocked(rm)
	s.updateGaugesLocked()
	return s.snapshotLocked(rm), nil
}

func (s *Service) LeaveRoom(roomID int64, peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rm, ok := s.rooms[roomID]
	if !ok {
		return fmt.Errorf("room %d: %w", roomID, ErrRoomNotFound)
	}
	if _, ok := rm.peers[peerID]; !ok {
		return fmt.Errorf("peer %s in room %d: %w", peerID, roomID, ErrPeerNotFound)
	}
	s.removePeerLocked(rm, peerID, reasonLeave)
	return nil
}

// DisconnectPeer removes peerID from every room that still holds conn as
// its connection. It returns the number of rooms left.
func (s *Service) DisconnectPeer(peerID string, conn Conn) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, id := range s.sortedRoomIDsLocked() {
		rm := s.rooms[id]
		if rm == nil {
			continue
		}
		if p, ok := rm.peers[peerID]; ok && p.conn == conn {
			s.removePeerLocked(rm, peerID, reasonDisconnect)
			n++
		}
	}
	return n
}

func (s *Service) RoomInfo(roomID int64) (RoomInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.rooms[roomID]
	if !ok {
		return RoomInfo{}, false
	}
	return s.snapshotLocked(rm), true
}

// Rooms returns a snapshot of every open room ordered by room id.
func (s *Service) Rooms() []RoomInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RoomInfo, 0, len(s.rooms))
	for _, id := range s.sortedRoomIDsLocked() {
		out = append(out, s.snapshotLocked(s.rooms[id]))
	}
	return out
}

// RoomOf returns the room peerID most recently created or joined.
func (s *Service) RoomOf(peerID string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.peerRoom[peerID]
	return id, ok
}

func (s *Service) Heartbeat(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, p, err := s.resolveLocked(peerID)
	if err != nil {
		return err
	}
	p.lastHeartbeat = s.clock.Now()
	return nil
}

// RegisterEndpoint records the external (and optionally internal) endpoint a
// client reports for itself and marks it discovered.
func (s *Service) RegisterEndpoint(peerID string, external, internal netip.AddrPort) error {
	external = normalizeAddrPort(external)
	if !validIPv4Endpoint(external) {
		return fmt.Errorf("%w: %s", ErrInvalidEndpoint, external)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rm, p, err := s.resolveLocked(peerID)
	if err != nil {
		return err
	}
	s.bindEndpointLocked(rm, p, external)
	p.discovered = true
	p.observed = false
	if internal.IsValid() {
		p.internal = normalizeAddrPort(internal)
	}
	s.metrics.Inc(metrics.EndpointsRegistered)
	s.log.Debug("peer endpoint registered", "room_id", rm.id, "peer_id", peerID, "endpoint", external.String())
	s.broadcastEndpointLocked(rm, peerID, external)
	return nil
}

// SendToPeer delivers data from senderID to one peer in the sender's room.
func (s *Service) SendToPeer(senderID, targetID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, _, err := s.resolveLocked(senderID)
	if err != nil {
		return err
	}
	target, ok := rm.peers[targetID]
	if !ok {
		return fmt.Errorf("peer %s in room %d: %w", targetID, rm.id, ErrPeerNotFound)
	}
	s.deliverLocked(rm, senderID, target, data)
	return nil
}

// RelayPacket delivers data to targetID, or to every other peer in the
// sender's room when targetID is empty.
func (s *Service) RelayPacket(senderID string, data []byte, targetID string) error {
	if targetID != "" {
		return s.SendToPeer(senderID, targetID, data)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, _, err := s.resolveLocked(senderID)
	if err != nil {
		return err
	}
	for _, id := range rm.order {
		if id == senderID {
			continue
		}
		s.deliverLocked(rm, senderID, rm.peers[id], data)
	}
	return nil
}

// PunchHole tells each side of the pair the other's external endpoint. A
// side is only told when the counterpart's endpoint is known.
func (s *Service) PunchHole(senderID, targetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, sender, err := s.resolveLocked(senderID)
	if err != nil {
		return err
	}
	target, ok := rm.peers[targetID]
	if !ok {
		return fmt.Errorf("peer %s in room %d: %w", targetID, rm.id, ErrPeerNotFound)
	}

	if addr, ok := s.reg.endpoint(peerRef{rm.id, targetID}); ok {
		s.sendLocked(sender, Message{Type: MsgPunchTarget, Payload: PunchTargetPayload{
			TargetPeerID: targetID,
			Address:      addr.Addr().String(),
			Port:         addr.Port(),
		}})
		s.metrics.Inc(metrics.PunchTargetsSent)
	}
	if addr, ok := s.reg.endpoint(peerRef{rm.id, senderID}); ok {
		s.sendLocked(target, Message{Type: MsgPunchTarget, Payload: PunchTargetPayload{
			TargetPeerID: senderID,
			Address:      addr.Addr().String(),
			Port:         addr.Port(),
		}})
		s.metrics.Inc(metrics.PunchTargetsSent)
	}
	return nil
}

// Signal forwards an opaque signaling blob to a peer in the sender's room.
func (s *Service) Signal(senderID, targetID string, signal json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, _, err := s.resolveLocked(senderID)
	if err != nil {
		return err
	}
	target, ok := rm.peers[targetID]
	if !ok {
		return fmt.Errorf("peer %s in room %d: %w", targetID, rm.id, ErrPeerNotFound)
	}
	s.sendLocked(target, Message{Type: MsgSignal, Payload: SignalPayload{SenderID: senderID, Signal: signal}})
	s.metrics.Inc(metrics.SignalsForwarded)
	return nil
}

// SendUDP writes data from a room's socket to dst on behalf of a member.
// Endpoints the relay observed for the room's peers are always reachable;
// anything else, including client-registered endpoints, must pass the
// destination policy.
func (s *Service) SendUDP(peerID string, roomID int64, dst netip.AddrPort, data []byte) error {
	dst = normalizeAddrPort(dst)
	if !validIPv4Endpoint(dst) {
		return fmt.Errorf("%w: %s", ErrInvalidEndpoint, dst)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.rooms[roomID]
	if !ok {
		return fmt.Errorf("room %d: %w", roomID, ErrRoomNotFound)
	}
	if _, ok := rm.peers[peerID]; !ok {
		return fmt.Errorf("peer %s in room %d: %w", peerID, roomID, ErrPeerNotFound)
	}
	if !s.observedEndpointLocked(rm, dst) {
		if err := s.cfg.Policy.AllowUDP(dst); err != nil {
			s.metrics.Inc(metrics.UDPDestinationsDenied)
			return fmt.Errorf("%w: %v", ErrDestinationDenied, err)
		}
	}
	if err := s.writeLocked(rm, dst, data); err != nil {
		s.metrics.Inc(metrics.UDPSendErrors)
		return err
	}
	s.metrics.Inc(metrics.UDPDirectSends)
	return nil
}

// Close closes every room. Further room creation fails.
func (s *Service) Close() error {
	s.mu.Lock()
	s.closed = true
	var err error
	for _, id := range s.sortedRoomIDsLocked() {
		err = multierr.Append(err, s.closeRoomLocked(s.rooms[id]))
	}
	s.updateGaugesLocked()
	s.mu.Unlock()

	s.pumps.Wait()
	return err
}

// observedEndpointLocked reports whether dst is an endpoint the relay sniffed
// for a peer of rm.
func (s *Service) observedEndpointLocked(rm *room, dst netip.AddrPort) bool {
	ref, ok := s.reg.lookup(dst)
	if !ok || ref.roomID != rm.id {
		return false
	}
	p := rm.peers[ref.peerID]
	return p != nil && p.observed
}

func validIPv4Endpoint(ap netip.AddrPort) bool {
	return ap.IsValid() && ap.Port() != 0 && ap.Addr().Is4() && !ap.Addr().IsUnspecified()
}

func (s *Service) resolveLocked(peerID string) (*room, *peer, error) {
	roomID, ok := s.peerRoom[peerID]
	if !ok {
		return nil, nil, fmt.Errorf("peer %s: %w", peerID, ErrPeerNotFound)
	}
	rm, ok := s.rooms[roomID]
	if !ok {
		return nil, nil, fmt.Errorf("room %d: %w", roomID, ErrRoomNotFound)
	}
	p, ok := rm.peers[peerID]
	if !ok {
		return nil, nil, fmt.Errorf("peer %s in room %d: %w", peerID, roomID, ErrPeerNotFound)
	}
	return rm, p, nil
}

// addPeerLocked reports whether peerID is new to the room.
func (s *Service) addPeerLocked(rm *room, peerID string, conn Conn) bool {
	now := s.clock.Now()
	s.peerRoom[peerID] = rm.id
	if p, ok := rm.peers[peerID]; ok {
		p.conn = conn
		p.lastHeartbeat = now
		return false
	}
	rm.peers[peerID] = &peer{id: peerID, conn: conn, lastHeartbeat: now}
	rm.order = append(rm.order, peerID)
	s.metrics.Inc(metrics.PeersJoined)
	return true
}

func (s *Service) removePeerLocked(rm *room, peerID, reason string) {
	delete(rm.peers, peerID)
	rm.removeFromOrder(peerID)
	if addr, ok := s.reg.unbind(peerRef{rm.id, peerID}); ok && rm.limiter != nil {
		rm.limiter.Forget(addr)
	}
	if id, ok := s.peerRoom[peerID]; ok && id == rm.id {
		delete(s.peerRoom, peerID)
	}

	if reason == reasonHeartbeatTimeout {
		s.metrics.Inc(metrics.PeersTimedOut)
	} else {
		s.metrics.Inc(metrics.PeersLeft)
	}
	s.log.Info("peer left relay room", "room_id", rm.id, "peer_id", peerID, "reason", reason)

	if len(rm.peers) == 0 {
		if err := s.closeRoomLocked(rm); err != nil {
			s.log.Warn("relay socket close failed", "room_id", rm.id, "relay_port", rm.relayPort, "err", err)
		}
		s.updateGaugesLocked()
		return
	}

	if rm.hostPeerID == peerID {
		rm.hostPeerID = rm.order[0]
		s.metrics.Inc(metrics.HostMigrations)
		s.log.Info("relay room host changed", "room_id", rm.id, "peer_id", rm.hostPeerID)
		s.broadcastLocked(rm, Message{Type: MsgHostChanged, Payload: HostChangedPayload{
			RoomID:        rm.id,
			NewHostPeerID: rm.hostPeerID,
		}})
	}
	s.broadcastPeerListLocked(rm)
	s.updateGaugesLocked()
}

// closeRoomLocked forgets the room and then closes its socket, which ends
// the read pump.
func (s *Service) closeRoomLocked(rm *room) error {
	delete(s.rooms, rm.id)
	delete(s.ports, rm.relayPort)
	for id := range rm.peers {
		if roomID, ok := s.peerRoom[id]; ok && roomID == rm.id {
			delete(s.peerRoom, id)
		}
	}
	s.reg.dropRoom(rm.id)

	rm.closed.Store(true)
	err := rm.socket.Close()
	s.metrics.Inc(metrics.RoomsClosed)
	s.log.Info("relay room closed", "room_id", rm.id, "relay_port", rm.relayPort)
	return err
}

// bindEndpointLocked points addr at p. A peer that previously owned addr
// loses it and becomes discoverable again.
func (s *Service) bindEndpointLocked(rm *room, p *peer, addr netip.AddrPort) {
	evicted, ok := s.reg.bind(peerRef{rm.id, p.id}, addr)
	if !ok {
		return
	}
	if other := s.rooms[evicted.roomID]; other != nil {
		if op := other.peers[evicted.peerID]; op != nil {
			op.discovered = false
			op.observed = false
		}
	}
	s.log.Debug("endpoint claimed by another peer", "room_id", evicted.roomID, "peer_id", evicted.peerID, "endpoint", addr.String())
}

func (s *Service) routeLocked(rm *room, p *peer) Route {
	if p.discovered {
		if addr, ok := s.reg.endpoint(peerRef{rm.id, p.id}); ok {
			return DirectUDP{Addr: addr}
		}
	}
	return ControlChannelOnly{}
}

// deliverLocked sends an application packet from senderID to target over
// UDP when its endpoint is known, otherwise as relay_packet.
func (s *Service) deliverLocked(rm *room, senderID string, target *peer, data []byte) {
	switch r := s.routeLocked(rm, target).(type) {
	case DirectUDP:
		if err := s.writeLocked(rm, r.Addr, data); err != nil {
			s.metrics.Inc(metrics.UDPSendErrors)
			s.log.Warn("relay send failed", "room_id", rm.id, "peer_id", target.id, "err", err)
			return
		}
		s.metrics.Inc(metrics.UDPDirectSends)
	case ControlChannelOnly:
		s.sendLocked(target, Message{Type: MsgPacket, Payload: PacketPayload{
			SenderID:  senderID,
			Data:      base64.StdEncoding.EncodeToString(data),
			Timestamp: s.clock.Now().UnixMilli(),
		}})
		s.metrics.Inc(metrics.ControlPacketsDelivered)
	}
}

func (s *Service) writeLocked(rm *room, dst netip.AddrPort, data []byte) error {
	if _, err := rm.socket.WriteTo(data, net.UDPAddrFromAddrPort(dst)); err != nil {
		return fmt.Errorf("%w: to %s: %v", ErrUDPSend, dst, err)
	}
	return nil
}

func (s *Service) sendLocked(p *peer, msg Message) {
	if p == nil || p.conn == nil {
		return
	}
	if err := p.conn.Send(msg); err != nil {
		s.log.Debug("control send failed", "peer_id", p.id, "type", msg.Type, "err", err)
	}
}

func (s *Service) broadcastLocked(rm *room, msg Message) {
	for _, id := range rm.order {
		s.sendLocked(rm.peers[id], msg)
	}
}

func (s *Service) broadcastPeerListLocked(rm *room) {
	endpoints := make(map[string]string, len(rm.peers))
	for id, addr := range s.reg.roomEndpoints(rm.id) {
		endpoints[id] = addr.String()
	}
	s.broadcastLocked(rm, Message{Type: MsgPeerList, Payload: PeerListPayload{
		RoomID:     rm.id,
		Peers:      slices.Clone(rm.order),
		HostPeerID: rm.hostPeerID,
		Endpoints:  endpoints,
		RelayPort:  rm.relayPort,
	}})
}

// broadcastEndpointLocked announces peerID's endpoint to the other peers.
func (s *Service) broadcastEndpointLocked(rm *room, peerID string, addr netip.AddrPort) {
	msg := Message{Type: MsgEndpointDiscovered, Payload: EndpointDiscoveredPayload{
		RoomID:  rm.id,
		PeerID:  peerID,
		Address: addr.Addr().String(),
		Port:    addr.Port(),
	}}
	for _, id := range rm.order {
		if id != peerID {
			s.sendLocked(rm.peers[id], msg)
		}
	}
}

func (s *Service) snapshotLocked(rm *room) RoomInfo {
	info := RoomInfo{
		RoomID:        rm.id,
		HostPeerID:    rm.hostPeerID,
		RelayPort:     rm.relayPort,
		GamePort:      rm.gamePort,
		PeerCount:     len(rm.peers),
		Peers:         slices.Clone(rm.order),
		Endpoints:     make(map[string]EndpointInfo),
		LastHeartbeat: make(map[string]time.Time, len(rm.peers)),
		CreatedAt:     rm.createdAt,
	}
	for _, id := range rm.order {
		p := rm.peers[id]
		if addr, ok := s.reg.endpoint(peerRef{rm.id, id}); ok {
			info.Endpoints[id] = endpointInfo(addr)
		}
		if p.internal.IsValid() {
			if info.InternalEndpoints == nil {
				info.InternalEndpoints = make(map[string]EndpointInfo)
			}
			info.InternalEndpoints[id] = endpointInfo(p.internal)
		}
		info.LastHeartbeat[id] = p.lastHeartbeat
	}
	return info
}

func (s *Service) sortedRoomIDsLocked() []int64 {
	ids := make([]int64, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s *Service) updateGaugesLocked() {
	peers := 0
	for _, rm := range s.rooms {
		peers += len(rm.peers)
	}
	s.metrics.SetRoomsOpen(len(s.rooms))
	s.metrics.SetPeersActive(peers)
}
