// Package store provides PostgreSQL-backed persistence for messages and
// chats. It implements the storage collaborator interfaces consumed by the
// dispatcher; the realtime core treats it as external and never caches its
// rows.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/whisper/messenger/internal/dispatch"
)

// Open connects to PostgreSQL with the given DSN and verifies the connection.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: postgres connection failed: %w", err)
	}
	return db, nil
}

// MessageStore manages chat messages in PostgreSQL.
type MessageStore struct {
	db *sql.DB
}

// NewMessageStore creates a message store backed by the given database handle.
func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

// Create inserts a message with status "sent". The id is a fresh UUID and
// created_at is assigned by the database, which defines the per-chat message
// order.
func (s *MessageStore) Create(ctx context.Context, m *dispatch.NewMessage) (*dispatch.Message, error) {
	const query = `
		INSERT INTO messages (id, chat_id, sender_id, content, type, reply_to_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'sent')
		RETURNING status, created_at`

	msg := &dispatch.Message{
		ID:        uuid.New().String(),
		ChatID:    m.ChatID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		MsgType:   m.MsgType,
		ReplyToID: m.ReplyToID,
	}

	var replyTo sql.NullString
	if m.ReplyToID != "" {
		replyTo = sql.NullString{String: m.ReplyToID, Valid: true}
	}

	err := s.db.QueryRowContext(ctx, query,
		msg.ID, m.ChatID, m.SenderID, m.Content, m.MsgType, replyTo,
	).Scan(&msg.Status, &msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: insert message: %w", err)
	}
	return msg, nil
}

// GetForUser returns a message only if the user participates in its chat.
// Absence and lack of visibility both return (nil, nil) so callers report
// the same error for either.
func (s *MessageStore) GetForUser(ctx context.Context, messageID, userID string) (*dispatch.Message, error) {
	const query = `
		SELECT m.id, m.chat_id, m.sender_id, m.content, m.type, m.reply_to_id, m.status, m.created_at
		FROM messages m
		JOIN chat_participants p ON p.chat_id = m.chat_id
		WHERE m.id = $1 AND p.user_id = $2`

	var (
		msg     dispatch.Message
		replyTo sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, messageID, userID).Scan(
		&msg.ID, &msg.ChatID, &msg.SenderID, &msg.Content, &msg.MsgType,
		&replyTo, &msg.Status, &msg.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get message: %w", err)
	}
	if replyTo.Valid {
		msg.ReplyToID = replyTo.String
	}
	return &msg, nil
}

// UpdateStatus advances a message's status. Transitions only move forward
// (sent -> delivered -> read); the rank guard in the query rejects backward
// or repeated transitions. It reports whether a row changed.
func (s *MessageStore) UpdateStatus(ctx context.Context, messageID, status string) (bool, error) {
	const query = `
		UPDATE messages
		SET status = $2
		WHERE id = $1
		  AND CASE status WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 ELSE 3 END
		    < CASE $2     WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 ELSE 3 END`

	res, err := s.db.ExecContext(ctx, query, messageID, status)
	if err != nil {
		return false, fmt.Errorf("store: update message status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: update message status: %w", err)
	}
	return n > 0, nil
}

// ChatStore manages chat metadata in PostgreSQL.
type ChatStore struct {
	db *sql.DB
}

// NewChatStore creates a chat store backed by the given database handle.
func NewChatStore(db *sql.DB) *ChatStore {
	return &ChatStore{db: db}
}

// IsParticipant reports whether the user belongs to the chat.
func (s *ChatStore) IsParticipant(ctx context.Context, chatID, userID string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM chat_participants WHERE chat_id = $1 AND user_id = $2
		)`

	var ok bool
	if err := s.db.QueryRowContext(ctx, query, chatID, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("store: participant check: %w", err)
	}
	return ok, nil
}

// Participants returns the user IDs participating in the chat.
func (s *ChatStore) Participants(ctx context.Context, chatID string) ([]string, error) {
	const query = `SELECT user_id FROM chat_participants WHERE chat_id = $1`

	rows, err := s.db.QueryContext(ctx, query, chatID)
	if err != nil {
		return nil, fmt.Errorf("store: list participants: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("store: scan participant: %w", err)
		}
		users = append(users, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list participants: %w", err)
	}
	return users, nil
}

// TouchLastActivity bumps the chat's last-message timestamp.
func (s *ChatStore) TouchLastActivity(ctx context.Context, chatID string) error {
	const query = `UPDATE chats SET last_message_at = NOW() WHERE id = $1`

	if _, err := s.db.ExecContext(ctx, query, chatID); err != nil {
		return fmt.Errorf("store: touch chat activity: %w", err)
	}
	return nil
}
