package ws

import (
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"

	"github.com/whisper/messenger/internal/auth"
)

// A failed credential check closes the transport without emitting anything:
// an unauthenticated peer learns nothing beyond the close itself.
func TestRejectUnauthenticatedEmitsNoFrame(t *testing.T) {
	srv := NewServer(DefaultServerConfig(), nil, nil, nil, nil)

	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	read := make(chan int, 1)
	go func() {
		buf := make([]byte, 256)
		n, _ := client.Read(buf) // blocks until data or close
		read <- n
	}()

	c := newConnection("conn-1", server, 8, time.Second)
	c.transition(StateConnecting, StateAuthenticating)
	srv.rejectUnauthenticated(c, auth.ErrUnauthenticated)

	if n := <-read; n != 0 {
		t.Errorf("expected no bytes before close, client read %d", n)
	}
	if c.State() != StateClosed {
		t.Errorf("connection should be Closed, got %d", c.State())
	}
}

// The payload length in a frame header is client-controlled. A header that
// declares a huge payload must tear the connection down before any buffer is
// sized from it.
func TestHandleConnRejectsOversizedFrameHeader(t *testing.T) {
	srv := NewServer(DefaultServerConfig(), nil, nil, nil, func(*Connection, []byte) {
		t.Error("no message may be dispatched from an oversized frame")
	})

	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	c := newConnection("conn-1", server, 8, time.Second)
	c.transition(StateConnecting, StateAuthenticating)
	c.transition(StateAuthenticating, StateActive)
	srv.conns.Add(c)

	wrote := make(chan error, 1)
	go func() {
		wrote <- ws.WriteHeader(client, ws.Header{
			Fin:    true,
			OpCode: ws.OpText,
			Masked: true,
			Length: 1 << 40, // claims a 1 TiB payload that never arrives
		})
	}()

	srv.handleConn(server)

	if err := <-wrote; err != nil {
		t.Fatalf("writing the frame header failed: %v", err)
	}
	if srv.conns.Get("conn-1") != nil {
		t.Error("connection must be removed after an oversized frame header")
	}
	if c.State() != StateClosed {
		t.Errorf("connection should be Closed, got %d", c.State())
	}
}
