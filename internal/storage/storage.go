// Package storage is the relay's view of the room and user records owned by
// the rest of the hub. The relay only reads users and reads or writes room
// metadata; everything else about accounts lives elsewhere.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrInvalidRoom = errors.New("invalid room")
)

const (
	DefaultHostPort   uint16 = 19132
	DefaultMaxPlayers        = 8
)

type GameType string

const (
	GameMinecraft GameType = "minecraft"
	GameMindustry GameType = "mindustry"
)

type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type Room struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	HostUserID int64     `json:"hostUserId"`
	HostPort   uint16    `json:"hostPort"`
	MaxPlayers int       `json:"maxPlayers"`
	GameType   GameType  `json:"gameType"`
	IsActive   bool      `json:"isActive"`
	CreatedAt  time.Time `json:"createdAt"`
}

// RoomUpdate is a partial update; nil fields are left unchanged.
type RoomUpdate struct {
	Name       *string
	HostUserID *int64
	HostPort   *uint16
	MaxPlayers *int
	IsActive   *bool
}

type Store interface {
	GetUser(ctx context.Context, id int64) (User, error)
	GetRoom(ctx context.Context, id int64) (Room, error)
	CreateRoom(ctx context.Context, room Room) (Room, error)
	UpdateRoom(ctx context.Context, id int64, update RoomUpdate) (Room, error)
	ListRooms(ctx context.Context) ([]Room, error)
}

func (r Room) validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRoom)
	}
	if r.HostUserID <= 0 {
		return fmt.Errorf("%w: host user is required", ErrInvalidRoom)
	}
	if r.MaxPlayers < 1 {
		return fmt.Errorf("%w: maxPlayers must be >= 1", ErrInvalidRoom)
	}
	switch r.GameType {
	case GameMinecraft, GameMindustry:
	default:
		return fmt.Errorf("%w: unknown game type %q", ErrInvalidRoom, r.GameType)
	}
	return nil
}
