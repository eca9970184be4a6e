// Package presence derives global online/offline status from session registry
// population transitions and fans the resulting events out to every other
// connected user.
package presence

import (
	"log"

	"github.com/whisper/messenger/internal/protocol"
)

// Sink delivers a presence frame to every live connection except those
// belonging to the excluded user. Delivery failures to individual connections
// are the sink's problem; they must never block the caller.
type Sink interface {
	BroadcastExceptUser(data []byte, exceptUserID string)
}

// Tracker emits user-online and user-offline events. Edge detection lives in
// the session registry (Register/Unregister report the 0->1 and 1->0
// transitions); the tracker's job is to turn each edge into exactly one
// broadcast. Presence is global, not room-scoped: direct-chat clients show
// online dots for users they share no open room with.
type Tracker struct {
	sink Sink
}

// NewTracker creates a Tracker that broadcasts through the given sink.
func NewTracker(sink Sink) *Tracker {
	return &Tracker{sink: sink}
}

// UserOnline announces a user's 0->1 connection transition. Callers must
// invoke it only on that edge.
func (t *Tracker) UserOnline(userID string) {
	data, err := protocol.NewServerMessage(protocol.TypeUserOnline, protocol.UserOnlineMsg{
		UserID: userID,
	})
	if err != nil {
		log.Printf("presence: failed to build user-online for user=%s: %v", userID, err)
		return
	}
	t.sink.BroadcastExceptUser(data, userID)
}

// UserOffline announces a user's 1->0 connection transition.
func (t *Tracker) UserOffline(userID string) {
	data, err := protocol.NewServerMessage(protocol.TypeUserOffline, protocol.UserOfflineMsg{
		UserID: userID,
	})
	if err != nil {
		log.Printf("presence: failed to build user-offline for user=%s: %v", userID, err)
		return
	}
	t.sink.BroadcastExceptUser(data, userID)
}
