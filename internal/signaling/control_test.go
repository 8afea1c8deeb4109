package signaling

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/policy"
	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/relay"
	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/storage"
)

func send(t *testing.T, c *control, peerID string, conn relay.Conn, raw string) {
	t.Helper()
	msg, err := parseMessage([]byte(raw))
	if err != nil {
		t.Fatalf("parseMessage(%s): %v", raw, err)
	}
	c.handleControlMessage(context.Background(), peerID, conn, msg)
}

func errorText(t *testing.T, conn *recordingConn) string {
	t.Helper()
	return mustLast(t, conn, MsgError).Payload.(errorPayload).Error
}

func TestControlCreateAndJoin(t *testing.T) {
	c, svc, _ := newTestControl(t, nil)
	host, guest := &recordingConn{}, &recordingConn{}

	send(t, c, "user_1", host, `{"type":"relay_create_room","payload":{"roomId":5,"mcpePort":19133}}`)
	if diff := cmp.Diff([]string{relay.MsgPeerList, MsgRoomCreated}, host.types()); diff != "" {
		t.Fatalf("host messages (-want +got):\n%s", diff)
	}
	created := mustLast(t, host, MsgRoomCreated).Payload.(roomCreatedPayload)
	if created.RoomID != 5 || created.PeerID != "user_1" || created.RelayPort < testPortMin || created.RelayPort > testPortMax {
		t.Fatalf("created=%+v", created)
	}
	info, _ := svc.RoomInfo(5)
	if info.GamePort != 19133 {
		t.Fatalf("gamePort=%d, want 19133", info.GamePort)
	}

	send(t, c, "user_2", guest, `{"type":"relay_join_room","payload":{"roomId":5}}`)
	joined := mustLast(t, guest, MsgRoomJoined).Payload.(roomJoinedPayload)
	want := roomJoinedPayload{
		Success:    true,
		RoomID:     5,
		RelayPort:  created.RelayPort,
		RelayHost:  "relay.example",
		HostPeerID: "user_1",
		Peers:      []string{"user_1", "user_2"},
		Endpoints:  map[string]string{},
	}
	if diff := cmp.Diff(want, joined); diff != "" {
		t.Fatalf("joined mismatch (-want +got):\n%s", diff)
	}
	list := mustLast(t, host, relay.MsgPeerList).Payload.(relay.PeerListPayload)
	if diff := cmp.Diff([]string{"user_1", "user_2"}, list.Peers); diff != "" {
		t.Fatalf("host peer list (-want +got):\n%s", diff)
	}

	send(t, c, "user_2", guest, `{"type":"relay_leave_room","payload":{"roomId":5}}`)
	if got := mustLast(t, guest, MsgRoomLeft).Payload.(roomLeftPayload); got.RoomID != 5 {
		t.Fatalf("left=%+v", got)
	}
	info, _ = svc.RoomInfo(5)
	if diff := cmp.Diff([]string{"user_1"}, info.Peers); diff != "" {
		t.Fatalf("peers after leave (-want +got):\n%s", diff)
	}
}

func TestControlCreateReactivatesStoredRoom(t *testing.T) {
	c, _, store := newTestControl(t, nil)
	ctx := context.Background()
	stored, err := store.CreateRoom(ctx, storage.Room{Name: "factory", HostUserID: 2, GameType: storage.GameMindustry})
	if err != nil {
		t.Fatalf("store.CreateRoom: %v", err)
	}
	inactive := false
	if _, err := store.UpdateRoom(ctx, stored.ID, storage.RoomUpdate{IsActive: &inactive}); err != nil {
		t.Fatalf("store.UpdateRoom: %v", err)
	}

	conn := &recordingConn{}
	send(t, c, "user_2", conn, `{"type":"relay_create_room","payload":{"roomId":`+jsonInt(stored.ID)+`}}`)
	mustLast(t, conn, MsgRoomCreated)

	got, err := store.GetRoom(ctx, stored.ID)
	if err != nil {
		t.Fatalf("store.GetRoom: %v", err)
	}
	if !got.IsActive {
		t.Fatalf("stored room still inactive after relay room opened")
	}
}

func TestControlGamePortResolution(t *testing.T) {
	c, svc, store := newTestControl(t, nil)
	ctx := context.Background()
	stored, err := store.CreateRoom(ctx, storage.Room{Name: "survival", HostUserID: 1, HostPort: 25565, GameType: storage.GameMinecraft})
	if err != nil {
		t.Fatalf("store.CreateRoom: %v", err)
	}

	tests := []struct {
		name   string
		roomID int64
		raw    string
		want   uint16
	}{
		{"gamePort wins", 101, `{"roomId":101,"gamePort":7777,"mcpePort":19133}`, 7777},
		{"mcpePort", 102, `{"roomId":102,"mcpePort":19133}`, 19133},
		{"stored hostPort", stored.ID, `{"roomId":` + jsonInt(stored.ID) + `}`, 25565},
		{"relay default", 103, `{"roomId":103}`, 19132},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := &recordingConn{}
			send(t, c, "user_1", conn, `{"type":"relay_create_room","payload":`+tt.raw+`}`)
			mustLast(t, conn, MsgRoomCreated)
			info, ok := svc.RoomInfo(tt.roomID)
			if !ok {
				t.Fatalf("room %d not created", tt.roomID)
			}
			if info.GamePort != tt.want {
				t.Fatalf("gamePort=%d, want %d", info.GamePort, tt.want)
			}
		})
	}

	conn := &recordingConn{}
	send(t, c, "user_1", conn, `{"type":"relay_create_room","payload":{"roomId":104,"gamePort":70000}}`)
	if _, ok := svc.RoomInfo(104); ok {
		t.Fatalf("room created with an invalid game port")
	}
	mustLast(t, conn, MsgError)
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func TestControlJoinMissingRoom(t *testing.T) {
	c, _, _ := newTestControl(t, nil)
	conn := &recordingConn{}

	send(t, c, "user_1", conn, `{"type":"relay_join_room","payload":{"roomId":404}}`)
	if diff := cmp.Diff([]string{MsgRoomJoined, MsgError}, conn.types()); diff != "" {
		t.Fatalf("messages (-want +got):\n%s", diff)
	}
	joined := mustLast(t, conn, MsgRoomJoined).Payload.(roomJoinedPayload)
	if joined.Success || joined.RoomID != 404 {
		t.Fatalf("joined=%+v", joined)
	}
}

func TestControlRejectsBadMessages(t *testing.T) {
	c, _, _ := newTestControl(t, nil)
	conn := &recordingConn{}
	send(t, c, "user_1", conn, `{"type":"relay_create_room","payload":{"roomId":1}}`)

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"missing roomId", `{"type":"relay_create_room","payload":{}}`, "roomId is required"},
		{"wrong roomId type", `{"type":"relay_join_room","payload":{"roomId":"abc"}}`, "roomId is required"},
		{"bad base64", `{"type":"relay_packet","payload":{"data":"***"}}`, "data must be base64"},
		{"missing target", `{"type":"relay_send_to_peer","payload":{"data":"aGk="}}`, "targetPeerId is required"},
		{"bad endpoint", `{"type":"relay_register_endpoint","payload":{"address":"nope","port":1}}`, "Invalid endpoint"},
		{"bad port", `{"type":"relay_update_udp_info","payload":{"address":"203.0.113.1","port":0}}`, "Invalid endpoint"},
		{"unknown room info", `{"type":"get_relay_info","payload":{"roomId":999}}`, "Room not found"},
		{"unknown type", `{"type":"relay_teleport","payload":{}}`, `unknown message type "relay_teleport"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn.reset()
			send(t, c, "user_1", conn, tt.raw)
			if got := errorText(t, conn); got != tt.want {
				t.Fatalf("error=%q, want %q", got, tt.want)
			}
		})
	}
}

func TestControlHeartbeatAck(t *testing.T) {
	c, _, _ := newTestControl(t, nil)
	conn := &recordingConn{}

	// Acked even when the peer is not in a room.
	send(t, c, "user_1", conn, `{"type":"relay_heartbeat"}`)
	ack := mustLast(t, conn, MsgHeartbeatAck).Payload.(heartbeatAckPayload)
	if ack.Timestamp != fixedNow.UnixMilli() {
		t.Fatalf("timestamp=%d, want %d", ack.Timestamp, fixedNow.UnixMilli())
	}
}

func TestControlEndpointPunchAndSignal(t *testing.T) {
	c, svc, _ := newTestControl(t, nil)
	a, b := &recordingConn{}, &recordingConn{}
	send(t, c, "user_1", a, `{"type":"relay_create_room","payload":{"roomId":9}}`)
	send(t, c, "user_2", b, `{"type":"relay_join_room","payload":{"roomId":9}}`)

	send(t, c, "user_2", b, `{"type":"relay_register_endpoint","payload":{"address":"203.0.113.2","port":50000,"internalAddress":"10.0.0.2","internalPort":19132}}`)
	disc := mustLast(t, a, relay.MsgEndpointDiscovered).Payload.(relay.EndpointDiscoveredPayload)
	if disc.PeerID != "user_2" || disc.Address != "203.0.113.2" || disc.Port != 50000 {
		t.Fatalf("discovered=%+v", disc)
	}
	info, _ := svc.RoomInfo(9)
	if got := info.InternalEndpoints["user_2"]; got.Address != "10.0.0.2" || got.Port != 19132 {
		t.Fatalf("internal endpoint=%+v", got)
	}

	send(t, c, "user_1", a, `{"type":"relay_punch_hole","payload":{"targetPeerId":"user_2"}}`)
	punch := mustLast(t, a, relay.MsgPunchTarget).Payload.(relay.PunchTargetPayload)
	if diff := cmp.Diff(relay.PunchTargetPayload{TargetPeerID: "user_2", Address: "203.0.113.2", Port: 50000}, punch); diff != "" {
		t.Fatalf("punch target (-want +got):\n%s", diff)
	}
	if _, ok := b.last(relay.MsgPunchTarget); ok {
		t.Fatalf("user_2 got a punch target although user_1 has no endpoint")
	}

	send(t, c, "user_1", a, `{"type":"relay_signal","payload":{"targetPeerId":"user_2","signal":{"candidate":"x"}}}`)
	sig := mustLast(t, b, relay.MsgSignal).Payload.(relay.SignalPayload)
	if sig.SenderID != "user_1" || string(sig.Signal) != `{"candidate":"x"}` {
		t.Fatalf("signal=%+v", sig)
	}

	// user_1 has no endpoint, so user_2's packet falls back to the control
	// channel.
	send(t, c, "user_2", b, `{"type":"relay_send_to_peer","payload":{"targetPeerId":"user_1","data":"AQID"}}`)
	pkt := mustLast(t, a, relay.MsgPacket).Payload.(relay.PacketPayload)
	if pkt.SenderID != "user_2" || pkt.Data != "AQID" {
		t.Fatalf("packet=%+v", pkt)
	}

	send(t, c, "user_1", a, `{"type":"get_relay_info","payload":{"roomId":9}}`)
	got := mustLast(t, a, MsgRelayInfo).Payload.(relay.RoomInfo)
	if got.RoomID != 9 || got.PeerCount != 2 {
		t.Fatalf("relay info=%+v", got)
	}
}

func TestControlSendUDPPolicy(t *testing.T) {
	c, _, _ := newTestControl(t, policy.NewProductionDestinationPolicy())
	conn := &recordingConn{}
	send(t, c, "user_1", conn, `{"type":"relay_create_room","payload":{"roomId":3}}`)

	// Without a target the packet goes to the local game port, which the
	// production policy refuses.
	send(t, c, "user_1", conn, `{"type":"relay_send_udp","payload":{"roomId":3,"data":"aGk="}}`)
	if got := errorText(t, conn); got != "Destination not allowed" {
		t.Fatalf("error=%q, want Destination not allowed", got)
	}

	conn.reset()
	send(t, c, "user_1", conn, `{"type":"relay_send_udp","payload":{"roomId":3,"data":""}}`)
	if got := errorText(t, conn); got != "data is required" {
		t.Fatalf("error=%q, want data is required", got)
	}
}
