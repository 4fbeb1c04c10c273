package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/picochat/picochat/pkg/protocol"
)

var ErrConnectionClosed = errors.New("connection closed")

// Events receives the requests decoded by a Connection. Every method is
// called on the goroutine running Handle, so one connection's requests are
// processed strictly in order. Record arguments are nil when the payload
// could not be decoded.
type Events interface {
	Login(c *Connection, name string)
	Logout(c *Connection)
	JoinRoom(c *Connection, room string)
	LeaveRoom(c *Connection, room string)
	ListRooms(c *Connection)
	MessageReceived(c *Connection, m *protocol.Message)
	ImageMessageReceived(c *Connection, m *protocol.ImageMessage)
	PushFile(c *Connection, m *protocol.FileMessage)
	PullFile(c *Connection, fileID string)
	Closed(c *Connection)
}

// Connection is the server side of one client socket.
type Connection struct {
	id      uint64
	conn    *SafeConn
	events  Events
	metrics *Metrics
	ctx     context.Context

	// mu guards name and rooms. Rooms and the registry take their own
	// locks before this one.
	mu    sync.RWMutex
	name  string
	rooms map[string]struct{}

	closing   atomic.Bool
	closeOnce sync.Once
}

// NewConnection wraps conn. Frames are bounded by maxFrame bytes
// (protocol.MaxFrameSize when zero).
func NewConnection(id uint64, conn net.Conn, events Events, maxFrame int) *Connection {
	return &Connection{
		id:     id,
		conn:   NewSafeConn(conn, maxFrame),
		events: events,
		ctx:    context.Background(),
		rooms:  make(map[string]struct{}),
	}
}

// SetWriteTimeout bounds each write to the peer. Call before Handle.
func (c *Connection) SetWriteTimeout(d time.Duration) {
	c.conn.SetWriteTimeout(d)
}

// SetMetrics attaches frame counters to the connection.
func (c *Connection) SetMetrics(m *Metrics) {
	c.metrics = m
}

func (c *Connection) ID() uint64 {
	return c.id
}

func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Context is the context Handle was started with.
func (c *Connection) Context() context.Context {
	return c.ctx
}

// ClientName returns the logged in name, or "" before login and after logout.
func (c *Connection) ClientName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

func (c *Connection) setName(name string) {
	c.mu.Lock()
	c.name = name
	c.mu.Unlock()
}

// JoinedRooms returns the names of the rooms this connection is in, sorted.
func (c *Connection) JoinedRooms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.rooms))
	for name := range c.rooms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InRoom reports whether the connection is a member of room.
func (c *Connection) InRoom(room string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.rooms[room]
	return ok
}

func (c *Connection) addRoom(room string) {
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
}

func (c *Connection) removeRoom(room string) {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
}

// Send writes one frame. Sending on a closed connection is expected when
// a broadcast races a disconnect; it is logged and reported as
// ErrConnectionClosed.
func (c *Connection) Send(t protocol.MessageType, payload []byte) error {
	return c.sendFrame(protocol.NewFrame(t, payload))
}

// SendText sends a frame whose payload is a UTF-8 string.
func (c *Connection) SendText(t protocol.MessageType, text string) error {
	return c.sendFrame(protocol.TextFrame(t, text))
}

// SendRecord encodes msg and sends it as a frame of type t.
func (c *Connection) SendRecord(t protocol.MessageType, msg protocol.ProtocolMessage) error {
	frame, err := protocol.RecordFrame(t, msg)
	if err != nil {
		errorLog.Printf("Connection %d: %v", c.id, err)
		return err
	}
	return c.sendFrame(frame)
}

func (c *Connection) sendFrame(frame *protocol.Frame) error {
	if c.closing.Load() {
		debugLog.Printf("Connection %d: dropped %s, connection closed", c.id, frame.Type)
		return ErrConnectionClosed
	}
	if err := c.conn.WriteFrame(frame); err != nil {
		return c.sendFailed(frame.Type, err)
	}
	debugLog.Printf("Connection %d → SEND: Type=%s PayloadLen=%d", c.id, frame.Type, len(frame.Payload))
	c.metrics.RecordFrameSent(frame.Type.String())
	return nil
}

// sendEncoded writes a frame encoded by the caller.
func (c *Connection) sendEncoded(t protocol.MessageType, data []byte) error {
	if c.closing.Load() {
		return ErrConnectionClosed
	}
	if err := c.conn.WriteBytes(data); err != nil {
		return c.sendFailed(t, err)
	}
	c.metrics.RecordFrameSent(t.String())
	return nil
}

// sendFailed closes the connection unless the frame was refused before
// any byte went out: a frame cut short leaves the stream unusable.
func (c *Connection) sendFailed(t protocol.MessageType, err error) error {
	if errors.Is(err, protocol.ErrFrameTooLarge) {
		errorLog.Printf("Connection %d: %s not sent: %v", c.id, t, err)
		return err
	}
	c.Close()
	if isClosedConnError(err) {
		debugLog.Printf("Connection %d: dropped %s: %v", c.id, t, err)
		return ErrConnectionClosed
	}
	errorLog.Printf("Connection %d: send %s failed, closing: %v", c.id, t, err)
	return err
}

// Close shuts the socket. The read loop in Handle then ends and raises
// Closed; calling Close from another goroutine is the way to stop a
// connection.
func (c *Connection) Close() error {
	c.closing.Store(true)
	return c.conn.Close()
}

// Handle runs the read loop until the peer disconnects, the socket fails,
// or ctx is cancelled. It raises Closed exactly once before releasing the
// socket. Ordinary closure returns nil.
func (c *Connection) Handle(ctx context.Context) error {
	c.ctx = ctx
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()
	defer c.finish()

	for {
		frame, err := c.conn.ReadFrame()
		if err != nil {
			if isClosedConnError(err) || c.closing.Load() {
				debugLog.Printf("Connection %d: client disconnected", c.id)
				return nil
			}
			return err
		}

		debugLog.Printf("Connection %d ← RECV: Type=%s PayloadLen=%d", c.id, frame.Type, len(frame.Payload))
		c.metrics.RecordFrameReceived(frame.Type.String())

		if !c.dispatch(frame) {
			debugLog.Printf("Connection %d: disconnect requested", c.id)
			return nil
		}
	}
}

// finish raises Closed once and releases the socket.
func (c *Connection) finish() {
	c.closeOnce.Do(func() {
		if c.events != nil {
			c.events.Closed(c)
		}
		c.Close()
	})
}

// dispatch hands a frame to the matching event. It returns false when the
// client asked to disconnect.
func (c *Connection) dispatch(frame *protocol.Frame) bool {
	switch frame.Type {
	case protocol.TypeClientLogin:
		c.events.Login(c, frame.Text())
	case protocol.TypeClientLogout:
		c.events.Logout(c)
	case protocol.TypeClientJoinRoom:
		c.events.JoinRoom(c, frame.Text())
	case protocol.TypeClientLeaveRoom:
		c.events.LeaveRoom(c, frame.Text())
	case protocol.TypeClientListJoinedRooms:
		c.events.ListRooms(c)
	case protocol.TypeClientMessage:
		m := &protocol.Message{}
		if err := m.Decode(frame.Payload); err != nil {
			debugLog.Printf("Connection %d: bad message payload: %v", c.id, err)
			m = nil
		}
		c.events.MessageReceived(c, m)
	case protocol.TypeClientImageMessage:
		m := &protocol.ImageMessage{}
		if err := m.Decode(frame.Payload); err != nil {
			debugLog.Printf("Connection %d: bad image payload: %v", c.id, err)
			m = nil
		}
		c.events.ImageMessageReceived(c, m)
	case protocol.TypeClientPushFile:
		m := &protocol.FileMessage{}
		if err := m.Decode(frame.Payload); err != nil {
			debugLog.Printf("Connection %d: bad file payload: %v", c.id, err)
			m = nil
		}
		c.events.PushFile(c, m)
	case protocol.TypeClientPullFile:
		c.events.PullFile(c, frame.Text())
	case protocol.TypeClientDisconnect:
		return false
	default:
		debugLog.Printf("Connection %d: ignoring %s", c.id, frame.Type)
	}
	return true
}

// isClosedConnError reports errors that mean the peer or we closed the
// connection, as opposed to a protocol violation.
func isClosedConnError(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
