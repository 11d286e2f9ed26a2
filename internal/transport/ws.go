// Package transport adapts a raw WebSocket connection (accepted via
// gobwas/ws, the teacher's transport library) to the session.Transport
// interface the stateful session engine depends on. Frames in this
// protocol are binary, unlike the teacher's JSON text frames, so writes
// use ws.OpBinary; reads accept binary or text data frames.
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// WSTransport wraps one accepted connection. It is safe for one concurrent
// reader and one concurrent writer (matching how session.Session drives
// it: a single read goroutine, and synchronous writes from the main
// loop), but not for concurrent writers among themselves.
type WSTransport struct {
	conn net.Conn

	readTimeout  time.Duration
	writeTimeout time.Duration
}

// New wraps an already-upgraded connection. Upgrading itself (the HTTP
// handshake) happens in the accepting HTTP handler via ws.Upgrader, kept
// out of this type so it stays a pure Transport implementation testable
// without a real listener.
func New(conn net.Conn, readTimeout, writeTimeout time.Duration) *WSTransport {
	return &WSTransport{conn: conn, readTimeout: readTimeout, writeTimeout: writeTimeout}
}

// ReadMessage blocks for the next binary or text WebSocket frame. Control
// frames (ping/pong/close) are handled by wsutil and never surfaced to the
// caller; a peer close, which wsutil reports as wsutil.ClosedError, is
// returned as io.EOF so the session treats it as a peer disconnect.
func (t *WSTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	if t.readTimeout > 0 {
		t.conn.SetReadDeadline(time.Now().Add(t.readTimeout))
	} else if dl, ok := ctx.Deadline(); ok {
		t.conn.SetReadDeadline(dl)
	}

	for {
		data, op, err := wsutil.ReadClientData(t.conn)
		if err != nil {
			if _, closed := err.(wsutil.ClosedError); closed {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("transport: read: %w", err)
		}
		switch op {
		case ws.OpBinary, ws.OpText:
			return data, nil
		case ws.OpClose:
			return nil, io.EOF
		case ws.OpPing, ws.OpPong:
			continue
		default:
			continue
		}
	}
}

// WriteMessage sends one binary WebSocket frame.
func (t *WSTransport) WriteMessage(ctx context.Context, data []byte) error {
	if t.writeTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	} else if dl, ok := ctx.Deadline(); ok {
		t.conn.SetWriteDeadline(dl)
	}
	if err := wsutil.WriteServerMessage(t.conn, ws.OpBinary, data); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// Close closes the underlying connection after a best-effort close frame.
func (t *WSTransport) Close() error {
	_ = wsutil.WriteServerMessage(t.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
	return t.conn.Close()
}
