package relay

import "net/netip"

type peerRef struct {
	roomID int64
	peerID string
}

// registry maps external UDP endpoints to peers and back.
//
// byAddr is the global address index used to attribute inbound datagrams;
// byRoom holds each room's peerID -> endpoint map. Every address key points
// at exactly one peer and that peer's entry in byRoom equals the key.
type registry struct {
	byAddr map[netip.AddrPort]peerRef
	byRoom map[int64]map[string]netip.AddrPort
}

func newRegistry() *registry {
	return &registry{
		byAddr: make(map[netip.AddrPort]peerRef),
		byRoom: make(map[int64]map[string]netip.AddrPort),
	}
}

func normalizeAddrPort(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

func (r *registry) lookup(addr netip.AddrPort) (peerRef, bool) {
	ref, ok := r.byAddr[normalizeAddrPort(addr)]
	return ref, ok
}

func (r *registry) endpoint(ref peerRef) (netip.AddrPort, bool) {
	addr, ok := r.byRoom[ref.roomID][ref.peerID]
	return addr, ok
}

// bind points addr at ref. The peer's previous endpoint is released first.
// If a different peer held addr, its claim is dropped and returned.
func (r *registry) bind(ref peerRef, addr netip.AddrPort) (evicted peerRef, hadOwner bool) {
	addr = normalizeAddrPort(addr)

	if old, ok := r.endpoint(ref); ok {
		if old == addr {
			return peerRef{}, false
		}
		delete(r.byAddr, old)
	}
	if owner, ok := r.byAddr[addr]; ok && owner != ref {
		r.removeRoomEntry(owner)
		evicted, hadOwner = owner, true
	}

	r.byAddr[addr] = ref
	endpoints := r.byRoom[ref.roomID]
	if endpoints == nil {
		endpoints = make(map[string]netip.AddrPort)
		r.byRoom[ref.roomID] = endpoints
	}
	endpoints[ref.peerID] = addr
	return evicted, hadOwner
}

// unbind releases ref's endpoint, returning it.
func (r *registry) unbind(ref peerRef) (netip.AddrPort, bool) {
	addr, ok := r.endpoint(ref)
	if !ok {
		return netip.AddrPort{}, false
	}
	if r.byAddr[addr] == ref {
		delete(r.byAddr, addr)
	}
	r.removeRoomEntry(ref)
	return addr, true
}

func (r *registry) removeRoomEntry(ref peerRef) {
	endpoints := r.byRoom[ref.roomID]
	delete(endpoints, ref.peerID)
	if len(endpoints) == 0 {
		delete(r.byRoom, ref.roomID)
	}
}

// dropRoom releases every endpoint held by a room.
func (r *registry) dropRoom(roomID int64) {
	for _, addr := range r.byRoom[roomID] {
		if r.byAddr[addr].roomID == roomID {
			delete(r.byAddr, addr)
		}
	}
	delete(r.byRoom, roomID)
}

func (r *registry) roomEndpoints(roomID int64) map[string]netip.AddrPort {
	return r.byRoom[roomID]
}
