package main

import (
	"context"
	"errors"
	"testing"

	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/p2p-relay/internal/storage"
)

func TestOpenStoreSeedsUsersAndRooms(t *testing.T) {
	logger, _ := newRecordingLogger()
	cfg := config.Config{
		SeedUsers: []config.SeedUser{{ID: 1, Username: "alice"}},
		SeedRooms: []config.SeedRoom{{ID: 10, HostUserID: 1, HostPort: 25565, GameType: "minecraft"}},
	}
	store, closeStore, err := openStore(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer closeStore()

	ctx := context.Background()
	if u, err := store.GetUser(ctx, 1); err != nil || u.Username != "alice" {
		t.Fatalf("GetUser=%+v,%v, want alice", u, err)
	}
	room, err := store.GetRoom(ctx, 10)
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	if room.HostPort != 25565 || room.GameType != storage.GameMinecraft || !room.IsActive {
		t.Fatalf("room=%+v", room)
	}
}

func TestOpenStoreWrapsCache(t *testing.T) {
	logger, _ := newRecordingLogger()
	store, closeStore, err := openStore(context.Background(), config.Config{UserCacheTTL: 1 << 30}, logger)
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer closeStore()
	if _, ok := store.(*storage.Cached); !ok {
		t.Fatalf("store=%T, want *storage.Cached", store)
	}
}

func TestOpenStoreRejectsBadSeedRoom(t *testing.T) {
	logger, _ := newRecordingLogger()
	cases := map[string]config.SeedRoom{
		"unknown host": {ID: 10, HostUserID: 9, HostPort: 19132, GameType: "minecraft"},
		"unknown game": {ID: 11, HostUserID: 1, HostPort: 19132, GameType: "chess"},
	}
	for name, r := range cases {
		cfg := config.Config{
			SeedUsers: []config.SeedUser{{ID: 1, Username: "alice"}},
			SeedRooms: []config.SeedRoom{r},
		}
		_, _, err := openStore(context.Background(), cfg, logger)
		if !errors.Is(err, storage.ErrInvalidRoom) {
			t.Fatalf("%s: err=%v, want ErrInvalidRoom", name, err)
		}
	}
}
