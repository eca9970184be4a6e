// Package room maintains chat-room membership, the set of live connections
// currently subscribed to realtime events for each chat, and fans events out
// to members. Membership is ephemeral: it is rebuilt from join/leave traffic
// and never persisted.
package room

import (
	"log"
	"sync"
)

// Conn is the slice of a connection the room layer needs: identity, liveness,
// and a non-blocking enqueue onto the connection's bounded outbound queue.
type Conn interface {
	ID() string
	UserID() string
	Active() bool
	Send(data []byte) error
}

// Broadcaster is the fanout primitive the rest of the core depends on. A
// single-process Manager implements it directly; a multi-node deployment
// would back it with an external pub/sub bus instead.
type Broadcaster interface {
	Broadcast(chatID string, data []byte, except ...string)
}

// Manager maps chats to their member connections. Join does not verify
// chat-participant authorization — callers check that against the
// persistence layer first. All mutations are serialized by one mutex;
// broadcasts hold the read lock only to snapshot membership.
type Manager struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Conn // chat_id -> conn_id -> Conn
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{
		rooms: make(map[string]map[string]Conn),
	}
}

// Join adds a connection to a chat's member set and reports whether it was
// admitted. A connection past its active state is rejected: its teardown has
// already swept the room maps (or is about to), and admitting it now would
// strand a dead member whose presence suppresses notifications forever.
// Joining a room the connection is already in is a no-op that reports true.
func (m *Manager) Join(chatID string, c Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !c.Active() {
		return false
	}
	members, ok := m.rooms[chatID]
	if !ok {
		members = make(map[string]Conn)
		m.rooms[chatID] = members
	}
	members[c.ID()] = c
	return true
}

// Leave removes a connection from a chat's member set and reports whether it
// was a member. Empty rooms are deleted. Leaving a room the connection is not
// in is a no-op.
func (m *Manager) Leave(chatID, connID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leaveLocked(chatID, connID)
}

func (m *Manager) leaveLocked(chatID, connID string) bool {
	members, ok := m.rooms[chatID]
	if !ok {
		return false
	}
	if _, ok := members[connID]; !ok {
		return false
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(m.rooms, chatID)
	}
	return true
}

// LeaveAll removes a connection from every room it belongs to and returns
// the chat IDs it left. Used by connection teardown, whose caller cascades
// typing cleanup per chat.
func (m *Manager) LeaveAll(connID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var left []string
	for chatID, members := range m.rooms {
		if _, ok := members[connID]; ok {
			left = append(left, chatID)
			m.leaveLocked(chatID, connID)
		}
	}
	return left
}

// IsMember reports whether a connection is currently in a chat's room.
func (m *Manager) IsMember(chatID, connID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rooms[chatID][connID]
	return ok
}

// UserInRoom reports whether any of a user's connections is in the chat's
// room. The dispatcher uses this to decide who gets a notification instead
// of (or in addition to) the room broadcast.
func (m *Manager) UserInRoom(chatID, userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.rooms[chatID] {
		if c.UserID() == userID {
			return true
		}
	}
	return false
}

// MembersOf returns a snapshot of the connection IDs in a chat's room.
func (m *Manager) MembersOf(chatID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	members := m.rooms[chatID]
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out
}

// Count returns the number of rooms with at least one member. Used by metrics.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// Broadcast delivers data to every member of the chat's room except the
// listed connection IDs. Message broadcasts pass no exclusions (the sender
// sees its own message come back for optimistic-UI confirmation); typing
// relays exclude the originator. Broadcasting to a room with no members is a
// no-op. Per-connection enqueue failures are logged and skipped so a stalled
// member never blocks delivery to the rest of the room.
func (m *Manager) Broadcast(chatID string, data []byte, except ...string) {
	m.mu.RLock()
	conns := make([]Conn, 0, len(m.rooms[chatID]))
	for id, c := range m.rooms[chatID] {
		if excluded(id, except) {
			continue
		}
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		if err := c.Send(data); err != nil {
			log.Printf("room: broadcast to conn=%s chat=%s failed: %v", c.ID(), chatID, err)
		}
	}
}

func excluded(id string, except []string) bool {
	for _, e := range except {
		if id == e {
			return true
		}
	}
	return false
}
