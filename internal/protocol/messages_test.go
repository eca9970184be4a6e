package protocol

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid send-message message
// ---------------------------------------------------------------------------

func TestParseClientMessage_SendMessage(t *testing.T) {
	input := []byte(`{"type":"send-message","chatId":"chat-1","content":"Hello!","replyToId":"msg-9"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSendMessage {
		t.Fatalf("expected type %q, got %q", TypeSendMessage, msgType)
	}

	sm, ok := msg.(SendMessageMsg)
	if !ok {
		t.Fatalf("expected SendMessageMsg, got %T", msg)
	}
	if sm.ChatID != "chat-1" {
		t.Errorf("expected chatId %q, got %q", "chat-1", sm.ChatID)
	}
	if sm.Content != "Hello!" {
		t.Errorf("expected content %q, got %q", "Hello!", sm.Content)
	}
	if sm.ReplyToID != "msg-9" {
		t.Errorf("expected replyToId %q, got %q", "msg-9", sm.ReplyToID)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing join/leave and typing messages
// ---------------------------------------------------------------------------

func TestParseClientMessage_JoinChat(t *testing.T) {
	input := []byte(`{"type":"join-chat","chatId":"abc-123"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeJoinChat {
		t.Fatalf("expected type %q, got %q", TypeJoinChat, msgType)
	}

	jm, ok := msg.(JoinChatMsg)
	if !ok {
		t.Fatalf("expected JoinChatMsg, got %T", msg)
	}
	if jm.ChatID != "abc-123" {
		t.Errorf("expected chatId %q, got %q", "abc-123", jm.ChatID)
	}
}

func TestParseClientMessage_Typing(t *testing.T) {
	input := []byte(`{"type":"typing","chatId":"abc-123","isTyping":true}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeTyping {
		t.Fatalf("expected type %q, got %q", TypeTyping, msgType)
	}

	tm, ok := msg.(TypingMsg)
	if !ok {
		t.Fatalf("expected TypingMsg, got %T", msg)
	}
	if !tm.IsTyping {
		t.Error("expected isTyping=true")
	}
}

// ---------------------------------------------------------------------------
// Test: Building a new-message server frame
// ---------------------------------------------------------------------------

func TestNewServerMessage_NewMessage(t *testing.T) {
	payload := NewMessageMsg{
		Message: Message{
			ID:       "msg-1",
			ChatID:   "chat-1",
			SenderID: "user-a",
			Content:  "hi",
			MsgType:  "text",
			Status:   "sent",
		},
	}

	data, err := NewServerMessage(TypeNewMessage, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("result is not valid JSON: %v", err)
	}
	if decoded["type"] != TypeNewMessage {
		t.Errorf("expected type %q, got %v", TypeNewMessage, decoded["type"])
	}

	inner, ok := decoded["message"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected nested message object, got %T", decoded["message"])
	}
	if inner["id"] != "msg-1" {
		t.Errorf("expected message id %q, got %v", "msg-1", inner["id"])
	}
	if inner["senderId"] != "user-a" {
		t.Errorf("expected senderId %q, got %v", "user-a", inner["senderId"])
	}
}

// ---------------------------------------------------------------------------
// Test: Error cases
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"new-message"}`)

	_, _, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected error for server-only message type")
	}
}

func TestParseClientMessage_MissingType(t *testing.T) {
	input := []byte(`{"chatId":"abc-123"}`)

	_, _, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected error for missing type field")
	}
}

func TestParseClientMessage_InvalidJSON(t *testing.T) {
	input := []byte(`{"type":"join-chat",`)

	_, _, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}
