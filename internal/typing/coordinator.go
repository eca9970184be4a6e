// Package typing tracks per-room, per-user ephemeral typing state with
// automatic expiry. The server-side TTL is a safety net for clients that
// disconnect or stall without sending a stop event; it is independent of any
// client-side debounce.
package typing

import (
	"context"
	"log"
	"sync"
	"time"
)

// DefaultTTL is how long a typing entry lives without a refresh.
const DefaultTTL = 5 * time.Second

// Emitter delivers a typing event to the chat's room, excluding the typing
// user's own connections. The coordinator calls it with the entry lock held
// so that start/stop emissions for the same (chat, user) pair are observed
// in order; implementations must only enqueue, never block.
type Emitter interface {
	EmitTyping(chatID, userID string, isTyping bool)
}

type key struct {
	chatID string
	userID string
}

// Coordinator holds at most one active typing entry per (chat, user) pair.
// Start events are emitted only on the false -> true edge; refreshes extend
// the expiry silently. Stop events are emitted only when an entry existed,
// whether removed explicitly, by the background sweep, or by disconnect
// cleanup — so every true edge is closed by exactly one false edge.
type Coordinator struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[key]time.Time // -> expiry
	emitter Emitter

	// now is swappable for expiry tests.
	now func() time.Time
}

// NewCoordinator creates a Coordinator with the given entry TTL. A ttl of 0
// selects DefaultTTL.
func NewCoordinator(ttl time.Duration, emitter Emitter) *Coordinator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Coordinator{
		ttl:     ttl,
		entries: make(map[key]time.Time),
		emitter: emitter,
		now:     time.Now,
	}
}

// StartTyping upserts the (chat, user) entry with a fresh expiry and emits
// isTyping=true to the room on the false -> true edge only.
func (c *Coordinator) StartTyping(chatID, userID string) {
	k := key{chatID: chatID, userID: userID}

	c.mu.Lock()
	defer c.mu.Unlock()

	_, refreshing := c.entries[k]
	c.entries[k] = c.now().Add(c.ttl)
	if !refreshing {
		c.emitter.EmitTyping(chatID, userID, true)
	}
}

// StopTyping removes the (chat, user) entry if present and emits
// isTyping=false. Stopping when no entry exists is a silent no-op — no
// emission, no error.
func (c *Coordinator) StopTyping(chatID, userID string) {
	k := key{chatID: chatID, userID: userID}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[k]; !ok {
		return
	}
	delete(c.entries, k)
	c.emitter.EmitTyping(chatID, userID, false)
}

// ActiveCount returns the number of live typing entries. Used by metrics.
func (c *Coordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// RunSweeper periodically expires stale entries, emitting the synthetic
// isTyping=false exactly once per expiry. It blocks until ctx is cancelled
// and is meant to run in its own goroutine.
func (c *Coordinator) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("typing: sweeper stopped")
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep removes every expired entry and emits its stop event. Removal and
// emission happen under the entry lock, so an expiry and a concurrent
// StartTyping refresh cannot both claim the same entry.
func (c *Coordinator) sweep() {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for k, expiry := range c.entries {
		if now.Before(expiry) {
			continue
		}
		delete(c.entries, k)
		c.emitter.EmitTyping(k.chatID, k.userID, false)
	}
}
