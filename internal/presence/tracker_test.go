package presence

import (
	"encoding/json"
	"testing"

	"github.com/whisper/messenger/internal/protocol"
	"github.com/whisper/messenger/internal/session"
)

type recordingSink struct {
	frames   [][]byte
	excluded []string
}

func (s *recordingSink) BroadcastExceptUser(data []byte, exceptUserID string) {
	s.frames = append(s.frames, data)
	s.excluded = append(s.excluded, exceptUserID)
}

func decodeFrame(t *testing.T, data []byte) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("frame is not valid JSON: %v", err)
	}
	return m
}

func TestUserOnline_FrameShape(t *testing.T) {
	sink := &recordingSink{}
	tracker := NewTracker(sink)

	tracker.UserOnline("user-a")

	if len(sink.frames) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(sink.frames))
	}
	frame := decodeFrame(t, sink.frames[0])
	if frame["type"] != protocol.TypeUserOnline {
		t.Errorf("expected type %q, got %v", protocol.TypeUserOnline, frame["type"])
	}
	if frame["userId"] != "user-a" {
		t.Errorf("expected userId user-a, got %v", frame["userId"])
	}
	if sink.excluded[0] != "user-a" {
		t.Errorf("the transitioning user must be excluded, got %q", sink.excluded[0])
	}
}

// Presence emits exactly once per edge: a user opening and closing several
// connections produces one user-online (on 0->1) and one user-offline
// (on 1->0), with nothing emitted for the intermediate transitions.
func TestPresence_SingleEmissionPerEdge(t *testing.T) {
	sink := &recordingSink{}
	tracker := NewTracker(sink)
	reg := session.NewRegistry()

	connect := func(connID string) {
		if first := reg.Register(connID, "user-a"); first {
			tracker.UserOnline("user-a")
		}
	}
	disconnect := func(connID string) {
		if _, last := reg.Unregister(connID); last {
			tracker.UserOffline("user-a")
		}
	}

	connect("c1")
	connect("c2")
	connect("c3")
	disconnect("c2")
	disconnect("c1")
	disconnect("c3")

	if len(sink.frames) != 2 {
		t.Fatalf("expected exactly 2 presence events, got %d", len(sink.frames))
	}
	first := decodeFrame(t, sink.frames[0])
	second := decodeFrame(t, sink.frames[1])
	if first["type"] != protocol.TypeUserOnline {
		t.Errorf("first event should be user-online, got %v", first["type"])
	}
	if second["type"] != protocol.TypeUserOffline {
		t.Errorf("second event should be user-offline, got %v", second["type"])
	}
}
