package server

import (
	"net"
	"sync"
	"time"

	"github.com/picochat/picochat/pkg/protocol"
)

// SafeConn wraps a net.Conn with write synchronization so that frames from
// concurrent senders (the connection's own handler and room broadcasts
// from other connections) never interleave on the wire.
type SafeConn struct {
	conn         net.Conn
	maxFrame     int
	writeTimeout time.Duration
	mu           sync.Mutex // Protects writes to conn
}

// NewSafeConn wraps conn. maxFrame bounds inbound and outbound payloads;
// zero means protocol.MaxFrameSize.
func NewSafeConn(conn net.Conn, maxFrame int) *SafeConn {
	if maxFrame <= 0 {
		maxFrame = protocol.MaxFrameSize
	}
	return &SafeConn{
		conn:     conn,
		maxFrame: maxFrame,
	}
}

// SetWriteTimeout bounds every write. A peer that stops reading then
// fails the write instead of blocking its senders forever. Zero disables
// the deadline.
func (sc *SafeConn) SetWriteTimeout(d time.Duration) {
	sc.mu.Lock()
	sc.writeTimeout = d
	sc.mu.Unlock()
}

// armDeadline must be called with mu held.
func (sc *SafeConn) armDeadline() error {
	if sc.writeTimeout <= 0 {
		return nil
	}
	return sc.conn.SetWriteDeadline(time.Now().Add(sc.writeTimeout))
}

// WriteFrame encodes and sends a frame while holding the write lock.
func (sc *SafeConn) WriteFrame(frame *protocol.Frame) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if err := sc.armDeadline(); err != nil {
		return err
	}
	return protocol.EncodeFrameLimit(sc.conn, frame, sc.maxFrame)
}

// ReadFrame reads a protocol frame from the connection.
// Reads don't need write synchronization.
func (sc *SafeConn) ReadFrame() (*protocol.Frame, error) {
	return protocol.DecodeFrameLimit(sc.conn, sc.maxFrame)
}

// WriteBytes writes an already encoded frame.
// Used for broadcasts, which encode once for all members.
func (sc *SafeConn) WriteBytes(data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if err := sc.armDeadline(); err != nil {
		return err
	}
	_, err := sc.conn.Write(data)
	return err
}

// Close closes the underlying connection
func (sc *SafeConn) Close() error {
	return sc.conn.Close()
}

// RemoteAddr returns the remote network address
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}
