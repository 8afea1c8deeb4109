package relay

import "encoding/json"

// Messages the relay pushes to peers.
const (
	MsgPeerList           = "relay_peer_list"
	MsgHostChanged        = "relay_host_changed"
	MsgEndpointDiscovered = "relay_endpoint_discovered"
	MsgUDPPacket          = "relay_udp_packet"
	MsgPacket             = "relay_packet"
	MsgPunchTarget        = "relay_punch_target"
	MsgSignal             = "relay_signal"
)

type PeerListPayload struct {
	RoomID     int64             `json:"roomId"`
	Peers      []string          `json:"peers"`
	HostPeerID string            `json:"hostPeerId"`
	Endpoints  map[string]string `json:"endpoints"`
	RelayPort  uint16            `json:"relayPort"`
}

type HostChangedPayload struct {
	RoomID        int64  `json:"roomId"`
	NewHostPeerID string `json:"newHostPeerId"`
}

type EndpointDiscoveredPayload struct {
	RoomID  int64  `json:"roomId"`
	PeerID  string `json:"peerId"`
	Address string `json:"address"`
	Port    uint16 `json:"port"`
}

// UDPPacketPayload carries a datagram to a peer whose UDP endpoint is
// unknown. SenderID is empty when the source could not be attributed.
type UDPPacketPayload struct {
	RoomID        int64  `json:"roomId"`
	Data          string `json:"data"`
	SourceAddress string `json:"sourceAddress"`
	SourcePort    uint16 `json:"sourcePort"`
	SenderID      string `json:"senderId"`
	Timestamp     int64  `json:"timestamp"`
}

type PacketPayload struct {
	SenderID  string `json:"senderId"`
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

type PunchTargetPayload struct {
	TargetPeerID string `json:"targetPeerId"`
	Address      string `json:"address"`
	Port         uint16 `json:"port"`
}

type SignalPayload struct {
	SenderID string          `json:"senderId"`
	Signal   json.RawMessage `json:"signal"`
}
