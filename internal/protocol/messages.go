// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoinChat    = "join-chat"
	TypeLeaveChat   = "leave-chat"
	TypeTyping      = "typing"
	TypeSendMessage = "send-message"
	TypeMarkRead    = "mark-read"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeConnected    = "connected"
	TypeNewMessage   = "new-message"
	TypeMessageRead  = "message-read"
	TypeUserTyping   = "user-typing"
	TypeNotification = "notification"
	TypeUserOnline   = "user-online"
	TypeUserOffline  = "user-offline"
	TypeError        = "error"
	TypePong         = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinChatMsg is sent by the client to subscribe to realtime events for a
// chat. Participant authorization is checked before membership is granted.
type JoinChatMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
}

// LeaveChatMsg is sent by the client to unsubscribe from a chat's events.
type LeaveChatMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
}

// TypingMsg indicates whether the client is currently typing in a chat.
type TypingMsg struct {
	Type     string `json:"type"`
	ChatID   string `json:"chatId"`
	IsTyping bool   `json:"isTyping"`
}

// SendMessageMsg carries a new chat message from the client. ReplyToID is
// optional and references the message being replied to. MsgType defaults to
// "text" when empty.
type SendMessageMsg struct {
	Type      string `json:"type"`
	ChatID    string `json:"chatId"`
	Content   string `json:"content"`
	MsgType   string `json:"msgType,omitempty"`
	ReplyToID string `json:"replyToId,omitempty"`
}

// MarkReadMsg is sent by the client to mark a message as read.
type MarkReadMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// Message is the wire shape of a persisted chat message. CreatedAt is the
// storage-assigned timestamp; the persistence layer defines the per-chat
// message order.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	MsgType   string    `json:"type"`
	ReplyToID string    `json:"replyToId,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// ConnectedMsg is sent by the server once a connection has been authenticated
// and is ready to accept operations.
type ConnectedMsg struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
}

// NewMessageMsg broadcasts a persisted message to all members of its chat
// room, including the sender (for optimistic-UI reconciliation).
type NewMessageMsg struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

// MessageReadMsg broadcasts a read receipt to the chat room.
type MessageReadMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
}

// UserTypingMsg relays a typing indicator to the other members of a chat.
type UserTypingMsg struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	ChatID   string `json:"chatId"`
	IsTyping bool   `json:"isTyping"`
}

// NotificationMsg is delivered on a user's personal channel so clients can
// update unread counts for chats they do not have open.
type NotificationMsg struct {
	Type      string `json:"type"`
	Kind      string `json:"kind"` // e.g. "new-message"
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
}

// UserOnlineMsg announces that a user's first connection came online.
type UserOnlineMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// UserOfflineMsg announces that a user's last connection went away.
type UserOfflineMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// ErrorMsg is sent by the server to communicate an error condition correlated
// to the client's most recent request.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoinChat:
		var m JoinChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveChat:
		var m LeaveChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMarkRead:
		var m MarkReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
