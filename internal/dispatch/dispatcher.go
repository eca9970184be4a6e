// Package dispatch turns validated client intents into persisted facts and
// broadcast events. It is the only component that talks to the durable
// stores: persistence success is always a precondition for broadcast, so a
// storage failure never produces a partial fanout.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/whisper/messenger/internal/metrics"
	"github.com/whisper/messenger/internal/protocol"
)

// StatusSent is the initial status the store assigns to new messages.
// Transitions are forward-only: sent -> delivered -> read.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// Message is a durable chat message as returned by the store.
type Message struct {
	ID        string
	ChatID    string
	SenderID  string
	Content   string
	MsgType   string
	ReplyToID string
	Status    string
	CreatedAt time.Time
}

// NewMessage carries the validated fields for a message about to be
// persisted. The store assigns id, status, and timestamp.
type NewMessage struct {
	ChatID    string
	SenderID  string
	Content   string
	MsgType   string
	ReplyToID string
}

// MessageStore is the durable message collaborator.
type MessageStore interface {
	// Create persists a message with status "sent" and returns the stored row.
	Create(ctx context.Context, m *NewMessage) (*Message, error)
	// GetForUser returns the message only if userID participates in its
	// chat; (nil, nil) when the message is absent or not visible.
	GetForUser(ctx context.Context, messageID, userID string) (*Message, error)
	// UpdateStatus advances the message status. Backward transitions are
	// rejected in the store; it reports whether a row actually changed.
	UpdateStatus(ctx context.Context, messageID, status string) (bool, error)
}

// ChatStore is the durable chat collaborator.
type ChatStore interface {
	IsParticipant(ctx context.Context, chatID, userID string) (bool, error)
	Participants(ctx context.Context, chatID string) ([]string, error)
	TouchLastActivity(ctx context.Context, chatID string) error
}

// Rooms is the fanout surface the dispatcher needs from the room manager.
type Rooms interface {
	Broadcast(chatID string, data []byte, except ...string)
	UserInRoom(chatID, userID string) bool
}

// Notifier pushes a frame onto a user's personal delivery channel, reaching
// their connections even when they have no room open for the chat.
type Notifier interface {
	PublishUserNotification(userID string, data []byte) error
}

// Dispatcher validates inbound send and read-receipt requests, persists them,
// and fans out the durable result.
type Dispatcher struct {
	messages MessageStore
	chats    ChatStore
	rooms    Rooms
	notifier Notifier

	mu        sync.Mutex
	chatOrder map[string]*sync.Mutex
}

// NewDispatcher wires a Dispatcher to its collaborators.
func NewDispatcher(messages MessageStore, chats ChatStore, rooms Rooms, notifier Notifier) *Dispatcher {
	return &Dispatcher{
		messages:  messages,
		chats:     chats,
		rooms:     rooms,
		notifier:  notifier,
		chatOrder: make(map[string]*sync.Mutex),
	}
}

// chatLock returns the ordering mutex for a chat, creating it on first use.
// Entries are never removed; the set of chats a process sends into is small
// next to its connection count.
func (d *Dispatcher) chatLock(chatID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.chatOrder[chatID]
	if !ok {
		l = &sync.Mutex{}
		d.chatOrder[chatID] = l
	}
	return l
}

// HandleSend persists a new message and broadcasts it to the chat's room.
// The caller has already established that the connection is active and
// authenticated. The sender is included in the broadcast so its client can
// reconcile the optimistic local copy against the authoritative row.
// Participants without a connection in the room are notified asynchronously
// on their personal channels. Within one chat, messages are broadcast in the
// order they were persisted.
func (d *Dispatcher) HandleSend(ctx context.Context, userID string, req *NewMessage) (*Message, error) {
	content := strings.TrimSpace(req.Content)
	if err := ValidateContent(content); err != nil {
		return nil, err
	}
	if req.ChatID == "" {
		return nil, fmt.Errorf("%w: missing chatId", ErrValidation)
	}

	ok, err := d.chats.IsParticipant(ctx, req.ChatID, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: participant check: %v", ErrPersistence, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: user=%s chat=%s", ErrUnauthorized, userID, req.ChatID)
	}

	msgType := req.MsgType
	if msgType == "" {
		msgType = "text"
	}

	// Persistence order defines broadcast order within a chat, so the
	// persist and fanout run under a per-chat lock. Concurrent senders in
	// the same chat serialize here; other chats are unaffected.
	lock := d.chatLock(req.ChatID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	msg, err := d.messages.Create(ctx, &NewMessage{
		ChatID:    req.ChatID,
		SenderID:  userID,
		Content:   content,
		MsgType:   msgType,
		ReplyToID: req.ReplyToID,
	})
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("%w: create message: %v", ErrPersistence, err)
	}
	metrics.PersistLatency.Observe(time.Since(start).Seconds())

	// The message is durable at this point. A failure to bump the chat's
	// activity timestamp is logged, not surfaced — the client already owns
	// an authoritative message and the broadcast must follow.
	if err := d.chats.TouchLastActivity(ctx, req.ChatID); err != nil {
		log.Printf("dispatch: touch last-activity chat=%s: %v", req.ChatID, err)
	}

	frame, err := protocol.NewServerMessage(protocol.TypeNewMessage, protocol.NewMessageMsg{
		Message: wireMessage(msg),
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch: build new-message frame: %w", err)
	}

	// Sender included: no exclusions.
	d.rooms.Broadcast(msg.ChatID, frame)
	metrics.MessagesTotal.WithLabelValues("sent").Inc()

	go d.notifyAbsentParticipants(msg)

	return msg, nil
}

// notifyAbsentParticipants pushes a notification frame to every chat
// participant who has no connection in the room right now (other than the
// sender). Runs off the request path; failures are logged and skipped.
func (d *Dispatcher) notifyAbsentParticipants(msg *Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	participants, err := d.chats.Participants(ctx, msg.ChatID)
	if err != nil {
		log.Printf("dispatch: load participants chat=%s: %v", msg.ChatID, err)
		return
	}

	frame, err := protocol.NewServerMessage(protocol.TypeNotification, protocol.NotificationMsg{
		Kind:      "new-message",
		ChatID:    msg.ChatID,
		MessageID: msg.ID,
	})
	if err != nil {
		log.Printf("dispatch: build notification frame: %v", err)
		return
	}

	for _, userID := range participants {
		if userID == msg.SenderID {
			continue
		}
		if d.rooms.UserInRoom(msg.ChatID, userID) {
			continue // already receiving the room broadcast
		}
		if err := d.notifier.PublishUserNotification(userID, frame); err != nil {
			log.Printf("dispatch: notify user=%s chat=%s: %v", userID, msg.ChatID, err)
		}
	}
}

// HandleMarkRead marks a message as read and broadcasts the read receipt to
// the chat's room. Marking an already-read message succeeds silently with no
// duplicate broadcast. A message that does not exist or is not visible to
// the caller fails with ErrNotFound either way.
func (d *Dispatcher) HandleMarkRead(ctx context.Context, userID, messageID string) error {
	if messageID == "" {
		return fmt.Errorf("%w: missing messageId", ErrValidation)
	}

	msg, err := d.messages.GetForUser(ctx, messageID, userID)
	if err != nil {
		return fmt.Errorf("%w: load message: %v", ErrPersistence, err)
	}
	if msg == nil {
		return fmt.Errorf("%w: message %s", ErrNotFound, messageID)
	}

	if msg.Status == StatusRead {
		return nil // idempotent: already read
	}

	updated, err := d.messages.UpdateStatus(ctx, messageID, StatusRead)
	if err != nil {
		return fmt.Errorf("%w: update status: %v", ErrPersistence, err)
	}
	if !updated {
		// A concurrent mark-read won the race; their broadcast stands.
		return nil
	}

	frame, err := protocol.NewServerMessage(protocol.TypeMessageRead, protocol.MessageReadMsg{
		MessageID: messageID,
		UserID:    userID,
	})
	if err != nil {
		return fmt.Errorf("dispatch: build message-read frame: %w", err)
	}

	d.rooms.Broadcast(msg.ChatID, frame)
	metrics.MessagesTotal.WithLabelValues("read").Inc()
	return nil
}

func wireMessage(m *Message) protocol.Message {
	return protocol.Message{
		ID:        m.ID,
		ChatID:    m.ChatID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		MsgType:   m.MsgType,
		ReplyToID: m.ReplyToID,
		Status:    m.Status,
		CreatedAt: m.CreatedAt,
	}
}
