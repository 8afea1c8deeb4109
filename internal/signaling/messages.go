package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/relay"
)

// Client to relay message types. relay_packet and relay_signal are also
// relay to client types; their constants live in the relay package.
const (
	MsgAuth             = "auth"
	MsgCreateRoom       = "relay_create_room"
	MsgJoinRoom         = "relay_join_room"
	MsgLeaveRoom        = "relay_leave_room"
	MsgHeartbeat        = "relay_heartbeat"
	MsgRegisterEndpoint = "relay_register_endpoint"
	MsgUpdateUDPInfo    = "relay_update_udp_info"
	MsgSendToPeer       = "relay_send_to_peer"
	MsgPunchHole        = "relay_punch_hole"
	MsgSendUDP          = "relay_send_udp"
	MsgGetRelayInfo     = "get_relay_info"
)

// Replies.
const (
	MsgAuthSuccess  = "auth_success"
	MsgRoomCreated  = "relay_room_created"
	MsgRoomJoined   = "relay_room_joined"
	MsgRoomLeft     = "relay_room_left"
	MsgHeartbeatAck = "relay_heartbeat_ack"
	MsgRelayInfo    = "relay_info"
	MsgError        = "relay_error"
)

var errInvalidMessage = errors.New("invalid message")

// inboundMessage is a decoded client message. Payload holds the "payload"
// object, or the whole message when the client sent its fields inline.
type inboundMessage struct {
	Type    string
	Payload json.RawMessage
}

func parseMessage(data []byte) (inboundMessage, error) {
	var envelope struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return inboundMessage{}, errInvalidMessage
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return inboundMessage{}, errInvalidMessage
	}
	payload := envelope.Payload
	if len(bytes.TrimSpace(payload)) == 0 || bytes.Equal(bytes.TrimSpace(payload), []byte("null")) {
		payload = data
	}
	return inboundMessage{Type: typ, Payload: payload}, nil
}

func (m inboundMessage) decode(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return errInvalidMessage
	}
	return nil
}

type createRoomRequest struct {
	RoomID   *int64 `json:"roomId"`
	GamePort *int   `json:"gamePort"`
	MCPEPort *int   `json:"mcpePort"`
}

type roomRequest struct {
	RoomID *int64 `json:"roomId"`
}

type registerEndpointRequest struct {
	Address         string `json:"address"`
	Port            int    `json:"port"`
	InternalAddress string `json:"internalAddress"`
	InternalPort    int    `json:"internalPort"`
}

type sendToPeerRequest struct {
	TargetPeerID string `json:"targetPeerId"`
	Data         string `json:"data"`
}

type packetRequest struct {
	Data         string `json:"data"`
	TargetPeerID string `json:"targetPeerId"`
}

type punchHoleRequest struct {
	TargetPeerID string `json:"targetPeerId"`
}

type signalRequest struct {
	TargetPeerID string          `json:"targetPeerId"`
	Signal       json.RawMessage `json:"signal"`
}

type sendUDPRequest struct {
	RoomID        *int64 `json:"roomId"`
	Data          string `json:"data"`
	TargetAddress string `json:"targetAddress"`
	TargetPort    int    `json:"targetPort"`
}

type authSuccessPayload struct {
	UserID int64  `json:"userId"`
	PeerID string `json:"peerId"`
}

type roomCreatedPayload struct {
	RoomID    int64  `json:"roomId"`
	RelayPort uint16 `json:"relayPort"`
	PeerID    string `json:"peerId"`
}

type roomJoinedPayload struct {
	Success    bool              `json:"success"`
	RoomID     int64             `json:"roomId"`
	RelayPort  uint16            `json:"relayPort,omitempty"`
	RelayHost  string            `json:"relayHost,omitempty"`
	HostPeerID string            `json:"hostPeerId,omitempty"`
	Peers      []string          `json:"peers"`
	Endpoints  map[string]string `json:"endpoints"`
}

type roomLeftPayload struct {
	RoomID int64 `json:"roomId"`
}

type heartbeatAckPayload struct {
	Timestamp int64 `json:"timestamp"`
}

type errorPayload struct {
	Error string `json:"error"`
}

func errorMessage(text string) relay.Message {
	return relay.Message{Type: MsgError, Payload: errorPayload{Error: text}}
}
