package room

import (
	"errors"
	"sort"
	"testing"
)

type fakeConn struct {
	id     string
	userID string
	frames [][]byte
	fail   bool
	closed bool
}

func (c *fakeConn) ID() string     { return c.id }
func (c *fakeConn) UserID() string { return c.userID }
func (c *fakeConn) Active() bool   { return !c.closed }

func (c *fakeConn) Send(data []byte) error {
	if c.fail {
		return errors.New("queue full")
	}
	c.frames = append(c.frames, data)
	return nil
}

func TestJoinLeave_Idempotent(t *testing.T) {
	m := NewManager()
	c := &fakeConn{id: "c1", userID: "user-a"}

	m.Join("chat-1", c)
	m.Join("chat-1", c) // duplicate join is a no-op

	if got := m.MembersOf("chat-1"); len(got) != 1 {
		t.Fatalf("expected 1 member after duplicate join, got %v", got)
	}

	if !m.Leave("chat-1", "c1") {
		t.Error("expected Leave to report membership removal")
	}
	if m.Leave("chat-1", "c1") {
		t.Error("second Leave should be a no-op")
	}
	if m.IsMember("chat-1", "c1") {
		t.Error("connection should no longer be a member")
	}
}

// A connection whose teardown already ran must not get back into a room: a
// join-chat handler can pass its authorization check, lose its connection
// while waiting on the store, and only then call Join. Admitting the dead
// connection would pin its user in the room forever and suppress their
// offline notifications.
func TestJoin_RejectsClosedConnection(t *testing.T) {
	m := NewManager()
	c := &fakeConn{id: "c1", userID: "user-a", closed: true}

	if m.Join("chat-1", c) {
		t.Fatal("Join must refuse a connection that is no longer active")
	}
	if m.IsMember("chat-1", "c1") {
		t.Error("closed connection must not appear in membership")
	}
	if m.UserInRoom("chat-1", "user-a") {
		t.Error("closed connection must not count toward user presence in the room")
	}
	if m.Count() != 0 {
		t.Errorf("no room should be created for a refused join, have %d", m.Count())
	}
}

// Final membership equals true iff the last operation was join, for any
// join/leave sequence on the same (chat, connection) pair.
func TestJoinLeave_OrderDeterminism(t *testing.T) {
	sequences := []struct {
		ops  string // 'j' = join, 'l' = leave
		want bool
	}{
		{"j", true},
		{"jl", false},
		{"jlj", true},
		{"jjll", false},
		{"ljjlj", true},
		{"l", false},
	}

	for _, seq := range sequences {
		m := NewManager()
		c := &fakeConn{id: "c1", userID: "user-a"}
		for _, op := range seq.ops {
			if op == 'j' {
				m.Join("chat-1", c)
			} else {
				m.Leave("chat-1", "c1")
			}
		}
		if got := m.IsMember("chat-1", "c1"); got != seq.want {
			t.Errorf("sequence %q: expected membership=%v, got %v", seq.ops, seq.want, got)
		}
	}
}

func TestBroadcast_DeliversToAllMembers(t *testing.T) {
	m := NewManager()
	a := &fakeConn{id: "c1", userID: "user-a"}
	b := &fakeConn{id: "c2", userID: "user-b"}
	other := &fakeConn{id: "c3", userID: "user-c"}

	m.Join("chat-1", a)
	m.Join("chat-1", b)
	m.Join("chat-2", other)

	m.Broadcast("chat-1", []byte("hello"))

	if len(a.frames) != 1 || len(b.frames) != 1 {
		t.Errorf("expected both members to receive the frame, got a=%d b=%d",
			len(a.frames), len(b.frames))
	}
	if len(other.frames) != 0 {
		t.Error("member of a different room must not receive the frame")
	}
}

func TestBroadcast_Exclusion(t *testing.T) {
	m := NewManager()
	a := &fakeConn{id: "c1", userID: "user-a"}
	b := &fakeConn{id: "c2", userID: "user-b"}

	m.Join("chat-1", a)
	m.Join("chat-1", b)

	m.Broadcast("chat-1", []byte("typing"), "c1")

	if len(a.frames) != 0 {
		t.Error("excluded connection must not receive the frame")
	}
	if len(b.frames) != 1 {
		t.Error("non-excluded member should receive the frame")
	}
}

func TestBroadcast_EmptyRoomIsNoop(t *testing.T) {
	m := NewManager()
	m.Broadcast("ghost-chat", []byte("hello")) // must not panic
}

func TestBroadcast_FailedMemberDoesNotBlockOthers(t *testing.T) {
	m := NewManager()
	bad := &fakeConn{id: "c1", userID: "user-a", fail: true}
	good := &fakeConn{id: "c2", userID: "user-b"}

	m.Join("chat-1", bad)
	m.Join("chat-1", good)

	m.Broadcast("chat-1", []byte("hello"))

	if len(good.frames) != 1 {
		t.Error("delivery failure to one member must not prevent delivery to others")
	}
}

func TestLeaveAll(t *testing.T) {
	m := NewManager()
	c := &fakeConn{id: "c1", userID: "user-a"}
	peer := &fakeConn{id: "c2", userID: "user-b"}

	m.Join("chat-1", c)
	m.Join("chat-2", c)
	m.Join("chat-2", peer)

	left := m.LeaveAll("c1")
	sort.Strings(left)
	if len(left) != 2 || left[0] != "chat-1" || left[1] != "chat-2" {
		t.Fatalf("expected to leave both rooms, got %v", left)
	}
	if m.IsMember("chat-2", "c1") {
		t.Error("connection should be removed from chat-2")
	}
	if !m.IsMember("chat-2", "c2") {
		t.Error("other members must be untouched")
	}
	if m.Count() != 1 {
		t.Errorf("empty rooms should be deleted, have %d rooms", m.Count())
	}
}

func TestUserInRoom(t *testing.T) {
	m := NewManager()
	m.Join("chat-1", &fakeConn{id: "c1", userID: "user-a"})

	if !m.UserInRoom("chat-1", "user-a") {
		t.Error("expected user-a in room")
	}
	if m.UserInRoom("chat-1", "user-b") {
		t.Error("user-b has no connection in the room")
	}
}
