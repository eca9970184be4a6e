// Package ws handles WebSocket connection management: upgrading and
// authenticating HTTP connections, maintaining active client connections
// through their lifecycle, and dispatching incoming messages to the
// appropriate handlers.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/whisper/messenger/internal/auth"
	"github.com/whisper/messenger/internal/metrics"
	"github.com/whisper/messenger/internal/protocol"
	"github.com/whisper/messenger/internal/ratelimit"
	"github.com/whisper/messenger/internal/session"
)

// maxFrameBytes caps the declared payload length of a single inbound data
// frame. The length comes straight off the wire, so it must be checked
// before any buffer is sized from it; well-formed client messages are a few
// KB at most.
const maxFrameBytes = 64 << 10

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	SendQueueDepth int           // per-connection outbound queue capacity
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	AuthTimeout    time.Duration // budget for credential verification
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		SendQueueDepth: 64,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		AuthTimeout:    3 * time.Second,
	}
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections, authenticates them against the shared session
// store, registers them with an epoll instance for I/O readiness
// notifications, and dispatches ready connections to a bounded worker pool
// for frame reading.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	verifier     auth.Verifier
	sessionStore *session.Store     // Redis mirror of live connections
	limiter      *ratelimit.Limiter // per-IP connection throttling, may be nil
	workerPool   chan struct{}      // semaphore limiting concurrent read workers

	onMessage    func(conn *Connection, data []byte)
	onConnect    func(conn *Connection) // called once a connection becomes Active
	onDisconnect func(conn *Connection) // called once during teardown

	httpServer *http.Server
	done       chan struct{}
	startedAt  time.Time
}

// NewServer creates a Server with the given configuration and collaborators.
// The onMessage callback is invoked from a worker goroutine whenever a
// complete WebSocket text frame arrives on an authenticated connection.
func NewServer(config ServerConfig, verifier auth.Verifier, sessionStore *session.Store,
	limiter *ratelimit.Limiter, onMessage func(conn *Connection, data []byte)) *Server {
	return &Server{
		config:       config,
		conns:        NewConnectionManager(),
		verifier:     verifier,
		sessionStore: sessionStore,
		limiter:      limiter,
		workerPool:   make(chan struct{}, config.WorkerPoolSize),
		onMessage:    onMessage,
		done:         make(chan struct{}),
	}
}

// SetOnConnect registers a callback invoked after a connection has
// authenticated and become Active, before the greeting is sent.
func (s *Server) SetOnConnect(fn func(conn *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked exactly once when a connection
// is removed (read error, heartbeat timeout, slow consumer, or graceful
// close). It runs before the Redis session entry is deleted.
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// Start initializes the epoll instance, configures the HTTP server, and
// begins accepting WebSocket connections. It starts the epoll event loop in a
// background goroutine and blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	go s.startEventLoop()

	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade authenticates and upgrades an HTTP request to a WebSocket
// connection. The credential is extracted before the upgrade; verification
// happens after, so a slow Redis lookup never blocks the HTTP handler pool
// on an un-upgraded socket. Connections that fail verification get a single
// error frame and are closed without ever becoming Active.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil {
		ip := clientIP(r)
		allowed, _ := s.limiter.Allow(r.Context(), ip, ratelimit.RuleConnect)
		if !allowed {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	credential := auth.CredentialFromRequest(r)

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	connID := uuid.New().String()
	c := newConnection(connID, netConn, s.config.SendQueueDepth, s.config.WriteTimeout)
	c.onOverflow = s.evictSlow

	c.transition(StateConnecting, StateAuthenticating)

	ctx, cancel := context.WithTimeout(context.Background(), s.config.AuthTimeout)
	userID, err := s.verifier.Verify(ctx, credential)
	cancel()
	if err != nil {
		s.rejectUnauthenticated(c, err)
		return
	}
	c.userID = userID

	if !c.transition(StateAuthenticating, StateActive) {
		// The client hung up while we were verifying.
		c.Close()
		return
	}

	s.conns.Add(c)
	go c.writeLoop()

	if err := s.epoll.Add(netConn); err != nil {
		log.Printf("ws: epoll add failed conn=%s: %v", connID, err)
		s.RemoveConnection(c)
		return
	}

	metrics.ConnectionsActive.Inc()

	// Mirror the live connection into Redis for cross-service visibility.
	if s.sessionStore != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.sessionStore.Create(sctx, connID, userID); err != nil {
			log.Printf("ws: failed to create redis session for %s: %v", connID, err)
		}
		scancel()
	}

	if s.onConnect != nil {
		s.onConnect(c)
	}

	greeting, err := protocol.NewServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{
		ConnectionID: connID,
		UserID:       userID,
	})
	if err != nil {
		log.Printf("ws: failed to build greeting for conn %s: %v", connID, err)
	} else if err := c.Send(greeting); err != nil {
		log.Printf("ws: failed to queue greeting for conn %s: %v", connID, err)
	}

	log.Printf("ws: new connection conn=%s user=%s fd=%d (total=%d)",
		connID, userID, c.fd, s.conns.Count())
}

// rejectUnauthenticated closes a connection that failed verification. No
// frame is written first: an unauthenticated peer gets the transport close
// and nothing else. The connection was never registered, so no teardown
// cascade runs.
func (s *Server) rejectUnauthenticated(c *Connection, cause error) {
	log.Printf("ws: authentication failed conn=%s: %v", c.id, cause)
	c.Close()
}

// handleHealth responds with the server's health status as JSON, including
// the current connection count and uptime. Used by load balancer checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn // capture for goroutine

			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails the
// connection is torn down.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// The heartbeat handles genuinely dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		// Pong/ping: connection is alive, nothing else to do.
		return
	}

	if header.Length > maxFrameBytes {
		log.Printf("ws: oversized frame conn=%s user=%s declared=%d, disconnecting",
			c.id, c.userID, header.Length)
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// evictSlow tears down a connection whose send queue overflowed. The removal
// runs on a fresh goroutine because overflows surface inside Send callers
// that may hold room or registry locks.
func (s *Server) evictSlow(c *Connection) {
	if c.State() != StateActive {
		return
	}
	log.Printf("ws: slow consumer conn=%s user=%s, disconnecting", c.id, c.userID)
	go s.RemoveConnection(c)
}

// RemoveConnection tears a connection down exactly once: it leaves epoll,
// transitions to Closing, runs the disconnect cascade, deletes the Redis
// session entry, and closes the socket. Safe to call concurrently from the
// read path, the heartbeat, slow-consumer eviction, and shutdown.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.conn)
	}

	// The manager entry doubles as the one-shot guard: the first caller to
	// remove it runs the cascade, latecomers return.
	if s.conns.Remove(c.id) == nil {
		return
	}

	c.transition(StateActive, StateClosing)
	c.transition(StateAuthenticating, StateClosing)

	metrics.ConnectionsActive.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.sessionStore.Delete(ctx, c.id); err != nil {
			log.Printf("ws: failed to delete redis session for %s: %v", c.id, err)
		}
		cancel()
	}

	c.Close()

	log.Printf("ws: connection closed conn=%s user=%s (total=%d)", c.id, c.userID, s.conns.Count())
}

// SendMessage enqueues a text frame for the connection identified by connID.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	return c.Send(data)
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat, presence sink, or room wiring).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown performs a graceful shutdown: it stops the HTTP listener, signals
// the event loop to exit, and tears down all active connections through the
// normal removal path so presence and room state are cleaned up.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("ws: http shutdown error: %v", err)
	}

	var wg sync.WaitGroup
	for _, c := range s.conns.All() {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			s.RemoveConnection(c)
		}(c)
	}
	wg.Wait()

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// clientIP extracts the requester's IP, honoring X-Forwarded-For from the
// load balancer when present.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// isEINTR checks if the error is a syscall interrupted error (EINTR), which
// is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
