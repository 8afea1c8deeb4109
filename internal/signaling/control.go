package signaling

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/relay"
	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/storage"
)

// control dispatches authenticated client messages to the relay service.
type control struct {
	relay           *relay.Service
	store           storage.Store
	publicHost      string
	defaultGamePort uint16
	log             *slog.Logger
	metrics         *metrics.Metrics
	now             func() time.Time
}

func (c *control) reply(conn relay.Conn, typ string, payload any) {
	if err := conn.Send(relay.Message{Type: typ, Payload: payload}); err != nil {
		c.log.Debug("signaling reply dropped", "type", typ, "err", err)
	}
}

func (c *control) fail(conn relay.Conn, peerID, typ, text string, err error) {
	c.metrics.Inc(metrics.SignalingMessageErrors)
	c.log.Debug("signaling message failed", "peer_id", peerID, "type", typ, "err", err)
	if sendErr := conn.Send(errorMessage(text)); sendErr != nil {
		c.log.Debug("signaling reply dropped", "type", MsgError, "err", sendErr)
	}
}

// handleControlMessage runs one client message on behalf of peerID. Failures
// are reported to the client as relay_error; the connection stays usable.
func (c *control) handleControlMessage(ctx context.Context, peerID string, conn relay.Conn, msg inboundMessage) {
	c.metrics.Inc(metrics.SignalingMessagesIn)

	switch msg.Type {
	case MsgCreateRoom:
		c.createRoom(ctx, peerID, conn, msg)
	case MsgJoinRoom:
		c.joinRoom(peerID, conn, msg)
	case MsgLeaveRoom:
		var req roomRequest
		if err := msg.decode(&req); err != nil || req.RoomID == nil {
			c.fail(conn, peerID, msg.Type, "roomId is required", err)
			return
		}
		if err := c.relay.LeaveRoom(*req.RoomID, peerID); err != nil {
			c.log.Debug("leave room", "room_id", *req.RoomID, "peer_id", peerID, "err", err)
		}
		c.reply(conn, MsgRoomLeft, roomLeftPayload{RoomID: *req.RoomID})
	case MsgHeartbeat:
		if err := c.relay.Heartbeat(peerID); err != nil {
			c.log.Debug("heartbeat from peer outside any room", "peer_id", peerID)
		}
		c.reply(conn, MsgHeartbeatAck, heartbeatAckPayload{Timestamp: c.now().UnixMilli()})
	case MsgRegisterEndpoint, MsgUpdateUDPInfo:
		c.registerEndpoint(peerID, conn, msg)
	case MsgSendToPeer:
		var req sendToPeerRequest
		if err := msg.decode(&req); err != nil || req.TargetPeerID == "" {
			c.fail(conn, peerID, msg.Type, "targetPeerId is required", err)
			return
		}
		data, ok := c.decodeData(conn, peerID, msg.Type, req.Data)
		if !ok {
			return
		}
		if err := c.relay.SendToPeer(peerID, req.TargetPeerID, data); err != nil {
			c.log.Debug("send to peer dropped", "peer_id", peerID, "target_peer_id", req.TargetPeerID, "err", err)
		}
	case relay.MsgPacket:
		var req packetRequest
		if err := msg.decode(&req); err != nil {
			c.fail(conn, peerID, msg.Type, "invalid payload", err)
			return
		}
		data, ok := c.decodeData(conn, peerID, msg.Type, req.Data)
		if !ok {
			return
		}
		if err := c.relay.RelayPacket(peerID, data, req.TargetPeerID); err != nil {
			c.log.Debug("relay packet dropped", "peer_id", peerID, "target_peer_id", req.TargetPeerID, "err", err)
		}
	case MsgPunchHole:
		var req punchHoleRequest
		if err := msg.decode(&req); err != nil || req.TargetPeerID == "" {
			c.fail(conn, peerID, msg.Type, "targetPeerId is required", err)
			return
		}
		if err := c.relay.PunchHole(peerID, req.TargetPeerID); err != nil {
			c.log.Debug("punch hole dropped", "peer_id", peerID, "target_peer_id", req.TargetPeerID, "err", err)
		}
	case relay.MsgSignal:
		var req signalRequest
		if err := msg.decode(&req); err != nil || req.TargetPeerID == "" {
			c.fail(conn, peerID, msg.Type, "targetPeerId is required", err)
			return
		}
		if err := c.relay.Signal(peerID, req.TargetPeerID, req.Signal); err != nil {
			c.log.Debug("signal dropped", "peer_id", peerID, "target_peer_id", req.TargetPeerID, "err", err)
		}
	case MsgSendUDP:
		c.sendUDP(peerID, conn, msg)
	case MsgGetRelayInfo:
		var req roomRequest
		if err := msg.decode(&req); err != nil || req.RoomID == nil {
			c.fail(conn, peerID, msg.Type, "roomId is required", err)
			return
		}
		info, ok := c.relay.RoomInfo(*req.RoomID)
		if !ok {
			c.fail(conn, peerID, msg.Type, "Room not found", relay.ErrRoomNotFound)
			return
		}
		c.reply(conn, MsgRelayInfo, info)
	default:
		c.metrics.Inc(metrics.SignalingUnknownMessage)
		c.fail(conn, peerID, msg.Type, fmt.Sprintf("unknown message type %q", msg.Type), errInvalidMessage)
	}
}

func (c *control) createRoom(ctx context.Context, peerID string, conn relay.Conn, msg inboundMessage) {
	var req createRoomRequest
	if err := msg.decode(&req); err != nil || req.RoomID == nil {
		c.fail(conn, peerID, msg.Type, "roomId is required", err)
		return
	}
	stored, hasStored := c.storedRoom(ctx, *req.RoomID)
	gamePort, err := resolveGamePort(req, stored)
	if err != nil {
		c.fail(conn, peerID, msg.Type, err.Error(), err)
		return
	}
	info, err := c.relay.CreateRoom(*req.RoomID, peerID, conn, gamePort)
	if err != nil {
		c.fail(conn, peerID, msg.Type, "Failed to create room", err)
		return
	}
	if hasStored && !stored.IsActive {
		active := true
		if _, err := c.store.UpdateRoom(ctx, stored.ID, storage.RoomUpdate{IsActive: &active}); err != nil {
			c.log.Warn("room reactivation failed", "room_id", stored.ID, "err", err)
		}
	}
	c.reply(conn, MsgRoomCreated, roomCreatedPayload{RoomID: info.RoomID, RelayPort: info.RelayPort, PeerID: peerID})
}

// storedRoom looks up the room's metadata, if the store has any.
func (c *control) storedRoom(ctx context.Context, roomID int64) (storage.Room, bool) {
	if c.store == nil {
		return storage.Room{}, false
	}
	stored, err := c.store.GetRoom(ctx, roomID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.log.Warn("room lookup failed", "room_id", roomID, "err", err)
		}
		return storage.Room{}, false
	}
	return stored, true
}

// resolveGamePort picks the game port for a new room: the message's gamePort,
// then its mcpePort, then the stored room's hostPort. Zero leaves the relay
// default.
func resolveGamePort(req createRoomRequest, stored storage.Room) (uint16, error) {
	for _, p := range []*int{req.GamePort, req.MCPEPort} {
		if p == nil || *p == 0 {
			continue
		}
		if *p < 0 || *p > 65535 {
			return 0, fmt.Errorf("invalid game port %d", *p)
		}
		return uint16(*p), nil
	}
	return stored.HostPort, nil
}

func (c *control) joinRoom(peerID string, conn relay.Conn, msg inboundMessage) {
	var req roomRequest
	if err := msg.decode(&req); err != nil || req.RoomID == nil {
		c.fail(conn, peerID, msg.Type, "roomId is required", err)
		return
	}
	info, err := c.relay.JoinRoom(*req.RoomID, peerID, conn)
	if err != nil {
		c.reply(conn, MsgRoomJoined, roomJoinedPayload{
			Success:   false,
			RoomID:    *req.RoomID,
			Peers:     []string{},
			Endpoints: map[string]string{},
		})
		c.fail(conn, peerID, msg.Type, "Room not found", err)
		return
	}
	c.reply(conn, MsgRoomJoined, roomJoinedPayload{
		Success:    true,
		RoomID:     info.RoomID,
		RelayPort:  info.RelayPort,
		RelayHost:  c.publicHost,
		HostPeerID: info.HostPeerID,
		Peers:      info.Peers,
		Endpoints:  info.EndpointAddrs(),
	})
}

func (c *control) registerEndpoint(peerID string, conn relay.Conn, msg inboundMessage) {
	var req registerEndpointRequest
	if err := msg.decode(&req); err != nil {
		c.fail(conn, peerID, msg.Type, "invalid payload", err)
		return
	}
	external, err := parseEndpoint(req.Address, req.Port)
	if err != nil {
		c.fail(conn, peerID, msg.Type, "Invalid endpoint", err)
		return
	}
	var internal netip.AddrPort
	if req.InternalAddress != "" {
		internal, err = parseEndpoint(req.InternalAddress, req.InternalPort)
		if err != nil {
			c.fail(conn, peerID, msg.Type, "Invalid internal endpoint", err)
			return
		}
	}
	if err := c.relay.RegisterEndpoint(peerID, external, internal); err != nil {
		c.fail(conn, peerID, msg.Type, "Failed to register endpoint", err)
	}
}

func (c *control) sendUDP(peerID string, conn relay.Conn, msg inboundMessage) {
	var req sendUDPRequest
	if err := msg.decode(&req); err != nil || req.RoomID == nil {
		c.fail(conn, peerID, msg.Type, "roomId is required", err)
		return
	}
	data, ok := c.decodeData(conn, peerID, msg.Type, req.Data)
	if !ok {
		return
	}
	if len(data) == 0 {
		c.fail(conn, peerID, msg.Type, "data is required", errInvalidMessage)
		return
	}
	address, port := req.TargetAddress, req.TargetPort
	if address == "" {
		address = "127.0.0.1"
	}
	if port == 0 {
		port = int(c.defaultGamePort)
	}
	dst, err := parseEndpoint(address, port)
	if err != nil {
		c.fail(conn, peerID, msg.Type, "Invalid target", err)
		return
	}
	if err := c.relay.SendUDP(peerID, *req.RoomID, dst, data); err != nil {
		text := "Failed to send UDP packet"
		if errors.Is(err, relay.ErrDestinationDenied) {
			text = "Destination not allowed"
		}
		c.fail(conn, peerID, msg.Type, text, err)
	}
}

func (c *control) decodeData(conn relay.Conn, peerID, typ, data string) ([]byte, bool) {
	b, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		c.fail(conn, peerID, typ, "data must be base64", err)
		return nil, false
	}
	return b, true
}

func parseEndpoint(address string, port int) (netip.AddrPort, error) {
	addr, err := netip.ParseAddr(address)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: address %q", relay.ErrInvalidEndpoint, address)
	}
	if port <= 0 || port > 65535 {
		return netip.AddrPort{}, fmt.Errorf("%w: port %d", relay.ErrInvalidEndpoint, port)
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(port)), nil
}
