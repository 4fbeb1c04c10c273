package server

import (
	"bytes"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/picochat/picochat/pkg/attachments"
	"github.com/picochat/picochat/pkg/protocol"
	"github.com/stretchr/testify/require"
)

// bufferConn is a net.Conn that records everything written to it. Reads
// block until Close.
type bufferConn struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	closed   bool
	closedCh chan struct{}
}

func newBufferConn() *bufferConn {
	return &bufferConn{closedCh: make(chan struct{})}
}

func (b *bufferConn) Read(p []byte) (int, error) {
	<-b.closedCh
	return 0, io.EOF
}

func (b *bufferConn) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, net.ErrClosed
	}
	return b.buf.Write(p)
}

func (b *bufferConn) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.closedCh)
	}
	return nil
}

func (b *bufferConn) LocalAddr() net.Addr                { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }
func (b *bufferConn) RemoteAddr() net.Addr               { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }
func (b *bufferConn) SetDeadline(t time.Time) error      { return nil }
func (b *bufferConn) SetReadDeadline(t time.Time) error  { return nil }
func (b *bufferConn) SetWriteDeadline(t time.Time) error { return nil }

// take decodes and removes every frame written so far.
func (b *bufferConn) take(t *testing.T) []*protocol.Frame {
	t.Helper()
	b.mu.Lock()
	data := append([]byte(nil), b.buf.Bytes()...)
	b.buf.Reset()
	b.mu.Unlock()

	r := bytes.NewReader(data)
	var frames []*protocol.Frame
	for r.Len() > 0 {
		f, err := protocol.DecodeFrame(r)
		require.NoError(t, err)
		frames = append(frames, f)
	}
	return frames
}

// one asserts exactly one frame was written and returns it.
func (b *bufferConn) one(t *testing.T) *protocol.Frame {
	t.Helper()
	frames := b.take(t)
	require.Len(t, frames, 1, "frames: %v", frameTypes(frames))
	return frames[0]
}

func frameTypes(frames []*protocol.Frame) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Type.String()
	}
	return out
}

var testConnID atomic.Uint64

// newTestConn returns a connection wired to events whose output is recorded.
func newTestConn(events Events) (*Connection, *bufferConn) {
	bc := newBufferConn()
	return NewConnection(testConnID.Add(1), bc, events, 0), bc
}

func newTestRegistry(t *testing.T, announce bool) *Registry {
	t.Helper()
	store, err := attachments.Open(t.TempDir(), false)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewRegistry(store, nil, RegistryOptions{AnnounceMembership: announce})
}

// loggedIn creates a connection logged in as name and clears its output.
func loggedIn(t *testing.T, r *Registry, name string) (*Connection, *bufferConn) {
	t.Helper()
	c, bc := newTestConn(r)
	r.Login(c, name)
	require.Equal(t, protocol.TypeSystemLoginOK, bc.one(t).Type)
	return c, bc
}

// joined logs name in and joins it to rooms, clearing the output.
func joined(t *testing.T, r *Registry, name string, rooms ...string) (*Connection, *bufferConn) {
	t.Helper()
	c, bc := loggedIn(t, r, name)
	for _, room := range rooms {
		r.JoinRoom(c, room)
		require.Equal(t, protocol.TypeSystemJoinRoomOK, bc.one(t).Type)
	}
	return c, bc
}

func decodeLoginInfo(t *testing.T, f *protocol.Frame) *protocol.LoginInfo {
	t.Helper()
	info := &protocol.LoginInfo{}
	require.NoError(t, info.Decode(f.Payload))
	return info
}
