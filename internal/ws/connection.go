package ws

import (
	"errors"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/messenger/internal/metrics"
)

// Connection lifecycle states. Transitions only move forward: Connecting ->
// Authenticating -> Active -> Closing -> Closed. Only Active connections
// accept chat operations.
const (
	StateConnecting int32 = iota
	StateAuthenticating
	StateActive
	StateClosing
	StateClosed
)

// ErrSendQueueFull is returned by Send when the connection's outbound queue
// is at capacity. The server treats this as a slow consumer and disconnects.
var ErrSendQueueFull = errors.New("ws: send queue full")

// ErrConnClosed is returned by Send once the connection is closing or closed.
var ErrConnClosed = errors.New("ws: connection closed")

// Connection represents a single WebSocket client connection. Outbound frames
// go through a bounded queue drained by a dedicated writer goroutine, so
// handlers never block on a slow client's socket.
type Connection struct {
	id        string    // connection ID (UUID)
	userID    string    // set during authentication, immutable once Active
	conn      net.Conn  // underlying TCP connection
	fd        int       // file descriptor for epoll lookups
	createdAt time.Time // when the connection was established
	lastPing  int64     // unix nano of last activity, updated atomically

	state      int32       // lifecycle state, updated via CAS
	send       chan []byte // bounded outbound queue
	done       chan struct{}
	closeOnce  sync.Once
	writeMu    sync.Mutex // serializes frame writes (writer goroutine vs pings)
	processing int32      // atomic flag: 0 = idle, 1 = being read by handleConn

	writeTimeout time.Duration
	onOverflow   func(c *Connection) // invoked once when the queue overflows
}

// newConnection wraps an upgraded net.Conn. The writer goroutine is started
// by the caller once the connection is registered.
func newConnection(id string, nc net.Conn, queueDepth int, writeTimeout time.Duration) *Connection {
	c := &Connection{
		id:           id,
		conn:         nc,
		fd:           socketFD(nc),
		createdAt:    time.Now(),
		state:        StateConnecting,
		send:         make(chan []byte, queueDepth),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
	}
	c.touch()
	return c
}

// ID returns the connection's unique identifier.
func (c *Connection) ID() string { return c.id }

// UserID returns the authenticated user, or "" before authentication.
func (c *Connection) UserID() string { return c.userID }

// State returns the current lifecycle state.
func (c *Connection) State() int32 {
	return atomic.LoadInt32(&c.state)
}

// Active reports whether the connection is in the Active state, the only
// state in which room membership and message operations are accepted.
func (c *Connection) Active() bool {
	return atomic.LoadInt32(&c.state) == StateActive
}

// transition atomically moves the connection from one state to another.
// Returns false if the connection was not in the expected state, which means
// another goroutine already moved it forward.
func (c *Connection) transition(from, to int32) bool {
	return atomic.CompareAndSwapInt32(&c.state, from, to)
}

// touch records activity on the connection for heartbeat accounting.
func (c *Connection) touch() {
	atomic.StoreInt64(&c.lastPing, time.Now().UnixNano())
}

// lastActive returns the time of the last observed activity.
func (c *Connection) lastActive() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastPing))
}

// Send enqueues a text frame for delivery. It never blocks: if the queue is
// full the frame is dropped, the overflow callback fires, and
// ErrSendQueueFull is returned. Sends on a closing connection return
// ErrConnClosed.
func (c *Connection) Send(data []byte) error {
	if s := c.State(); s == StateClosing || s == StateClosed {
		return ErrConnClosed
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
	}

	metrics.SendQueueEvictions.Inc()
	if c.onOverflow != nil {
		c.onOverflow(c)
	}
	return ErrSendQueueFull
}

// writeLoop drains the send queue onto the socket. It exits when the
// connection is closed; frames still queued at that point are discarded.
func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.send:
			if err := c.writeFrame(data); err != nil {
				log.Printf("ws: write failed conn=%s: %v", c.id, err)
				if c.onOverflow != nil {
					c.onOverflow(c)
				}
				return
			}
		case <-c.done:
			return
		}
	}
}

// writeFrame writes a single text frame under the write mutex with the
// configured deadline.
func (c *Connection) writeFrame(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	err := wsutil.WriteServerMessage(c.conn, ws.OpText, data)
	_ = c.conn.SetWriteDeadline(time.Time{})
	return err
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9). The
// write mutex keeps it from interleaving with queued frames.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.conn, ws.NewPingFrame(nil))
}

// Close terminates the connection exactly once: the writer goroutine stops
// and the underlying socket is closed. Safe to call from multiple goroutines.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.state, StateClosed)
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// ConnectionManager is a thread-safe registry mapping connection IDs and file
// descriptors to their Connection objects, with O(1) lookups by either key.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection // conn_id -> Connection
	byFd map[int]*Connection    // fd -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

// Add registers a connection in both lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.id] = conn
	cm.byFd[conn.fd] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID from both lookup maps. Returns the
// connection if it was present, or nil if it was already gone. The caller is
// responsible for closing it; this keeps removal usable as a one-shot guard
// when read errors and heartbeat timeouts race.
func (cm *ConnectionManager) Remove(id string) *Connection {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byFd, conn.fd)
	}
	cm.mu.Unlock()

	if !ok {
		return nil
	}
	return conn
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn by extracting its
// file descriptor. Returns nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	return cm.GetByFd(socketFD(c))
}

// Count returns the current number of registered connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections, safe to iterate without
// holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}

// BroadcastExceptUser enqueues a frame for every active connection except
// those belonging to the given user. Queue overflows are handled per
// connection by the overflow callback.
func (cm *ConnectionManager) BroadcastExceptUser(data []byte, exceptUserID string) {
	for _, conn := range cm.All() {
		if conn.userID == exceptUserID || conn.State() != StateActive {
			continue
		}
		_ = conn.Send(data)
	}
}
