// Package legacy reads the legacy chat server's database: users, rooms,
// messages and room memberships. Access is read-only.
package legacy

import (
	"context"
	"fmt"
	"sort"
	"time"
)

type User struct {
	ID        string
	Name      string
	Status    string // online, away, busy, offline
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Room struct {
	ID          string
	Name        string
	Description string
	Public      bool
	CreatedAt   time.Time
}

// Message types stored by the legacy server.
const (
	MessageText   = "text"
	MessageKnock  = "knock"
	MessageSystem = "system"
)

type Message struct {
	ID       string
	Content  string
	Type     string
	SenderID string
	// RoomID is empty for direct messages and knocks.
	RoomID string
	// TargetUserID is empty for room messages.
	TargetUserID string
	CreatedAt    time.Time
}

type Membership struct {
	UserID   string
	RoomID   string
	JoinedAt time.Time
}

// Store is the read-only collaborator the migration extracts from.
type Store interface {
	ListUsers(ctx context.Context) ([]User, error)
	ListRooms(ctx context.Context) ([]Room, error)
	ListMessages(ctx context.Context) ([]Message, error)
	ListMemberships(ctx context.Context) ([]Membership, error)
	Close() error
}

// Snapshot is the whole legacy dataset as read once per run.
type Snapshot struct {
	Users       []User
	Rooms       []Room
	Messages    []Message
	Memberships []Membership

	// UserRooms maps a user id to the rooms it belongs to; RoomMembers is
	// the inverse. Both are sorted.
	UserRooms   map[string][]string
	RoomMembers map[string][]string

	users map[string]int
	rooms map[string]int
}

// Load reads every table from s.
func Load(ctx context.Context, s Store) (*Snapshot, error) {
	users, err := s.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	rooms, err := s.ListRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	messages, err := s.ListMessages(ctx)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	memberships, err := s.ListMemberships(ctx)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	return NewSnapshot(users, rooms, messages, memberships), nil
}

// NewSnapshot builds the lookup maps over already loaded records.
func NewSnapshot(users []User, rooms []Room, messages []Message, memberships []Membership) *Snapshot {
	s := &Snapshot{
		Users:       users,
		Rooms:       rooms,
		Messages:    messages,
		Memberships: memberships,
		UserRooms:   make(map[string][]string),
		RoomMembers: make(map[string][]string),
		users:       make(map[string]int, len(users)),
		rooms:       make(map[string]int, len(rooms)),
	}
	for i, u := range users {
		s.users[u.ID] = i
	}
	for i, r := range rooms {
		s.rooms[r.ID] = i
	}
	for _, m := range memberships {
		s.UserRooms[m.UserID] = append(s.UserRooms[m.UserID], m.RoomID)
		s.RoomMembers[m.RoomID] = append(s.RoomMembers[m.RoomID], m.UserID)
	}
	for _, v := range s.UserRooms {
		sort.Strings(v)
	}
	for _, v := range s.RoomMembers {
		sort.Strings(v)
	}
	return s
}

func (s *Snapshot) User(id string) (User, bool) {
	i, ok := s.users[id]
	if !ok {
		return User{}, false
	}
	return s.Users[i], true
}

func (s *Snapshot) Room(id string) (Room, bool) {
	i, ok := s.rooms[id]
	if !ok {
		return Room{}, false
	}
	return s.Rooms[i], true
}
