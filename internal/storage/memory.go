package storage

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Memory is an in-process Store.
type Memory struct {
	now func() time.Time

	mu     sync.RWMutex
	users  map[int64]User
	rooms  map[int64]Room
	nextID int64
}

var _ Store = (*Memory)(nil)

func NewMemory(users ...User) *Memory {
	m := &Memory{
		now:    time.Now,
		users:  make(map[int64]User, len(users)),
		rooms:  make(map[int64]Room),
		nextID: 1,
	}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

// PutUser adds or replaces a user.
func (m *Memory) PutUser(u User) {
	m.mu.Lock()
	m.users[u.ID] = u
	m.mu.Unlock()
}

func (m *Memory) GetUser(_ context.Context, id int64) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return User{}, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	return u, nil
}

func (m *Memory) GetRoom(_ context.Context, id int64) (Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[id]
	if !ok {
		return Room{}, fmt.Errorf("room %d: %w", id, ErrNotFound)
	}
	return r, nil
}

// CreateRoom stores room. A zero ID is assigned from a counter; zero
// HostPort and MaxPlayers take their defaults.
func (m *Memory) CreateRoom(_ context.Context, room Room) (Room, error) {
	if room.HostPort == 0 {
		room.HostPort = DefaultHostPort
	}
	if room.MaxPlayers == 0 {
		room.MaxPlayers = DefaultMaxPlayers
	}
	if err := room.validate(); err != nil {
		return Room{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[room.HostUserID]; !ok {
		return Room{}, fmt.Errorf("%w: host user %d: %w", ErrInvalidRoom, room.HostUserID, ErrNotFound)
	}
	if room.ID == 0 {
		for {
			room.ID = m.nextID
			m.nextID++
			if _, taken := m.rooms[room.ID]; !taken {
				break
			}
		}
	} else if _, taken := m.rooms[room.ID]; taken {
		return Room{}, fmt.Errorf("%w: room %d already exists", ErrInvalidRoom, room.ID)
	}
	room.IsActive = true
	room.CreatedAt = m.now()
	m.rooms[room.ID] = room
	return room, nil
}

func (m *Memory) UpdateRoom(_ context.Context, id int64, update RoomUpdate) (Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		return Room{}, fmt.Errorf("room %d: %w", id, ErrNotFound)
	}
	if update.Name != nil {
		r.Name = *update.Name
	}
	if update.HostUserID != nil {
		r.HostUserID = *update.HostUserID
	}
	if update.HostPort != nil {
		r.HostPort = *update.HostPort
	}
	if update.MaxPlayers != nil {
		r.MaxPlayers = *update.MaxPlayers
	}
	if update.IsActive != nil {
		r.IsActive = *update.IsActive
	}
	if err := r.validate(); err != nil {
		return Room{}, err
	}
	m.rooms[id] = r
	return r, nil
}

// ListRooms returns active rooms ordered by id.
func (m *Memory) ListRooms(_ context.Context) ([]Room, error) {
	m.mu.RLock()
	out := make([]Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		if r.IsActive {
			out = append(out, r)
		}
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b Room) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out, nil
}
