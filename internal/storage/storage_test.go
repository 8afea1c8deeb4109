package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryCreateRoomDefaults(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(User{ID: 1, Username: "alice"})

	r, err := m.CreateRoom(ctx, Room{Name: "survival", HostUserID: 1, GameType: GameMinecraft})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if r.ID != 1 {
		t.Fatalf("id=%d, want 1", r.ID)
	}
	if r.HostPort != DefaultHostPort || r.MaxPlayers != DefaultMaxPlayers || !r.IsActive {
		t.Fatalf("room=%+v, want default port/maxPlayers and active", r)
	}

	got, err := m.GetRoom(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	if got.Name != "survival" {
		t.Fatalf("name=%q, want survival", got.Name)
	}
}

func TestMemoryCreateRoomValidation(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(User{ID: 1, Username: "alice"})

	cases := map[string]Room{
		"no name":      {HostUserID: 1, GameType: GameMinecraft},
		"unknown game": {Name: "x", HostUserID: 1, GameType: "chess"},
		"unknown host": {Name: "x", HostUserID: 2, GameType: GameMindustry},
	}
	for name, room := range cases {
		if _, err := m.CreateRoom(ctx, room); !errors.Is(err, ErrInvalidRoom) {
			t.Fatalf("%s: err=%v, want ErrInvalidRoom", name, err)
		}
	}

	if _, err := m.CreateRoom(ctx, Room{ID: 9, Name: "a", HostUserID: 1, GameType: GameMinecraft}); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if _, err := m.CreateRoom(ctx, Room{ID: 9, Name: "b", HostUserID: 1, GameType: GameMinecraft}); !errors.Is(err, ErrInvalidRoom) {
		t.Fatalf("duplicate id: err=%v, want ErrInvalidRoom", err)
	}
}

func TestMemoryUpdateAndList(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(User{ID: 1, Username: "alice"}, User{ID: 2, Username: "bob"})

	a, _ := m.CreateRoom(ctx, Room{Name: "a", HostUserID: 1, GameType: GameMinecraft})
	b, _ := m.CreateRoom(ctx, Room{Name: "b", HostUserID: 2, GameType: GameMindustry})

	port := uint16(6567)
	inactive := false
	if _, err := m.UpdateRoom(ctx, b.ID, RoomUpdate{HostPort: &port}); err != nil {
		t.Fatalf("UpdateRoom: %v", err)
	}
	if _, err := m.UpdateRoom(ctx, a.ID, RoomUpdate{IsActive: &inactive}); err != nil {
		t.Fatalf("UpdateRoom: %v", err)
	}
	if _, err := m.UpdateRoom(ctx, 99, RoomUpdate{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing room: err=%v, want ErrNotFound", err)
	}

	rooms, err := m.ListRooms(ctx)
	if err != nil {
		t.Fatalf("ListRooms: %v", err)
	}
	if len(rooms) != 1 || rooms[0].ID != b.ID || rooms[0].HostPort != 6567 {
		t.Fatalf("rooms=%+v, want only b with port 6567", rooms)
	}
}

type countingStore struct {
	*Memory
	userLookups int
}

func (c *countingStore) GetUser(ctx context.Context, id int64) (User, error) {
	c.userLookups++
	return c.Memory.GetUser(ctx, id)
}

func TestCachedUserLookups(t *testing.T) {
	ctx := context.Background()
	inner := &countingStore{Memory: NewMemory(User{ID: 1, Username: "alice"})}
	c := NewCached(inner, time.Minute)
	defer c.Close()

	for i := 0; i < 3; i++ {
		u, err := c.GetUser(ctx, 1)
		if err != nil {
			t.Fatalf("GetUser: %v", err)
		}
		if u.Username != "alice" {
			t.Fatalf("username=%q, want alice", u.Username)
		}
	}
	if inner.userLookups != 1 {
		t.Fatalf("userLookups=%d, want 1", inner.userLookups)
	}

	if _, err := c.GetUser(ctx, 2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing user: err=%v, want ErrNotFound", err)
	}
	inner.PutUser(User{ID: 2, Username: "bob"})
	if u, err := c.GetUser(ctx, 2); err != nil || u.Username != "bob" {
		t.Fatalf("user=%+v err=%v, want bob after miss", u, err)
	}

	c.Invalidate(1)
	if _, err := c.GetUser(ctx, 1); err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if inner.userLookups != 4 {
		t.Fatalf("userLookups=%d, want 4", inner.userLookups)
	}
}

func TestCachedPassesRoomsThrough(t *testing.T) {
	ctx := context.Background()
	c := NewCached(NewMemory(User{ID: 1, Username: "alice"}), time.Minute)
	defer c.Close()

	r, err := c.CreateRoom(ctx, Room{Name: "r", HostUserID: 1, GameType: GameMinecraft})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if _, err := c.GetRoom(ctx, r.ID); err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
}
