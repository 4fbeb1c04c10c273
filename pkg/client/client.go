// Package client speaks the picochat wire protocol from the client side.
//
// Requests are serialized: each call sends one frame and waits for the
// server's single reply. Frames the server pushes unprompted (relayed room
// messages and server notices) arrive on Events.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/picochat/picochat/pkg/protocol"
	"github.com/picochat/picochat/pkg/transport"
)

// DefaultTimeout bounds a request whose context has no deadline.
const DefaultTimeout = 10 * time.Second

var ErrClosed = errors.New("connection closed")

// ReplyError is a typed refusal from the server.
type ReplyError struct {
	Type protocol.MessageType
	Text string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Text)
}

// IsReply reports whether err is a server reply of type t.
func IsReply(err error, t protocol.MessageType) bool {
	var re *ReplyError
	return errors.As(err, &re) && re.Type == t
}

// Client is one connection to a picochat server.
type Client struct {
	conn   net.Conn
	sendMu sync.Mutex
	reqMu  sync.Mutex

	mu     sync.RWMutex
	closed bool
	name   string
	err    error

	replies chan *protocol.Frame
	events  chan *protocol.Frame
	done    chan struct{}
}

// Dial connects over TCP.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}
	return New(conn), nil
}

// DialWebSocket connects through a server's WebSocket gateway.
func DialWebSocket(ctx context.Context, url string) (*Client, error) {
	conn, err := transport.DialWebSocket(ctx, url)
	if err != nil {
		return nil, err
	}
	return New(conn), nil
}

// New runs the protocol over an established connection.
func New(conn net.Conn) *Client {
	c := &Client{
		conn:    conn,
		replies: make(chan *protocol.Frame, 16),
		events:  make(chan *protocol.Frame, 256),
		done:    make(chan struct{}),
	}
	go c.receiveLoop()
	return c
}

// Events delivers relayed messages (CLIENT_MESSAGE, CLIENT_IMAGE_MESSAGE,
// CLIENT_FILE_MESSAGE) and server notices (SYSTEM_MESSAGE). When the
// buffer is full the oldest frame is dropped. The channel is closed when
// the connection ends.
func (c *Client) Events() <-chan *protocol.Frame {
	return c.events
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the receive loop, if any.
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Name returns the name this client is logged in as.
func (c *Client) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

func (c *Client) setName(name string) {
	c.mu.Lock()
	c.name = name
	c.mu.Unlock()
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Close closes the connection without notifying the server.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

// Disconnect tells the server the client is leaving, then closes.
func (c *Client) Disconnect() error {
	err := c.Send(protocol.NewFrame(protocol.TypeClientDisconnect, nil))
	if cerr := c.Close(); err == nil {
		err = cerr
	}
	return err
}

// Send writes a raw frame without waiting for a reply.
func (c *Client) Send(frame *protocol.Frame) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.isClosed() {
		return ErrClosed
	}
	if err := protocol.EncodeFrame(c.conn, frame); err != nil {
		return fmt.Errorf("write frame failed: %w", err)
	}
	return nil
}

// Request sends frame and returns the server's reply.
func (c *Client) Request(ctx context.Context, frame *protocol.Frame) (*protocol.Frame, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	// A reply to an earlier request that timed out must not answer this one
	for drained := false; !drained; {
		select {
		case <-c.replies:
		default:
			drained = true
		}
	}

	if err := c.Send(frame); err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	select {
	case reply := <-c.replies:
		return reply, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for reply to %s: %w", frame.Type, ctx.Err())
	}
}

// receiveLoop reads frames until the connection fails. Replies go to the
// pending request; relays and notices go to the events channel.
func (c *Client) receiveLoop() {
	defer close(c.done)
	defer close(c.events)

	for {
		frame, err := protocol.DecodeFrame(c.conn)
		if err != nil {
			if !c.isClosed() {
				c.mu.Lock()
				c.err = err
				c.mu.Unlock()
			}
			return
		}

		switch frame.Type {
		case protocol.TypeClientMessage,
			protocol.TypeClientImageMessage,
			protocol.TypeClientFileMessage,
			protocol.TypeSystemMessage:
			deliver(c.events, frame)
		default:
			deliver(c.replies, frame)
		}
	}
}

// deliver sends without blocking, dropping the oldest queued frame when
// ch is full.
func deliver(ch chan *protocol.Frame, frame *protocol.Frame) {
	for {
		select {
		case ch <- frame:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// expect converts any reply other than want into an error.
func expect(reply *protocol.Frame, want protocol.MessageType) error {
	if reply.Type == want {
		return nil
	}
	text := reply.Text()
	if reply.Type == protocol.TypeSystemLoginFailed {
		info := &protocol.LoginInfo{}
		if err := info.Decode(reply.Payload); err == nil {
			text = info.Content
		}
	}
	return &ReplyError{Type: reply.Type, Text: text}
}

// Login claims name. A refusal is returned as a *ReplyError of type
// SYSTEM_LOGIN_FAILED carrying the server's reason.
func (c *Client) Login(ctx context.Context, name string) (*protocol.LoginInfo, error) {
	reply, err := c.Request(ctx, protocol.TextFrame(protocol.TypeClientLogin, name))
	if err != nil {
		return nil, err
	}
	if err := expect(reply, protocol.TypeSystemLoginOK); err != nil {
		return nil, err
	}
	info := &protocol.LoginInfo{}
	if err := info.Decode(reply.Payload); err != nil {
		return nil, fmt.Errorf("login reply: %w", err)
	}
	c.setName(info.Name)
	return info, nil
}

// Logout gives up the name and leaves every room.
func (c *Client) Logout(ctx context.Context) error {
	reply, err := c.Request(ctx, protocol.NewFrame(protocol.TypeClientLogout, nil))
	if err != nil {
		return err
	}
	if err := expect(reply, protocol.TypeSystemOK); err != nil {
		return err
	}
	c.setName("")
	return nil
}

// Join enters room, creating it on the server if needed.
func (c *Client) Join(ctx context.Context, room string) error {
	return c.roomRequest(ctx, protocol.TypeClientJoinRoom, protocol.TypeSystemJoinRoomOK, room)
}

// Leave exits room.
func (c *Client) Leave(ctx context.Context, room string) error {
	return c.roomRequest(ctx, protocol.TypeClientLeaveRoom, protocol.TypeSystemLeaveRoomOK, room)
}

func (c *Client) roomRequest(ctx context.Context, t, want protocol.MessageType, room string) error {
	reply, err := c.Request(ctx, protocol.TextFrame(t, room))
	if err != nil {
		return err
	}
	if err := expect(reply, want); err != nil {
		return err
	}
	info := &protocol.RoomInfo{}
	if err := info.Decode(reply.Payload); err != nil {
		return fmt.Errorf("%s reply: %w", want, err)
	}
	if info.Name != room {
		return fmt.Errorf("%s for room %q, asked for %q", want, info.Name, room)
	}
	return nil
}

// ListJoinedRooms returns the rooms this client is in.
func (c *Client) ListJoinedRooms(ctx context.Context) ([]string, error) {
	reply, err := c.Request(ctx, protocol.NewFrame(protocol.TypeClientListJoinedRooms, nil))
	if err != nil {
		return nil, err
	}
	if err := expect(reply, protocol.TypeClientListJoinedRooms); err != nil {
		return nil, err
	}
	rooms := []string{}
	for _, line := range strings.Split(reply.Text(), "\n") {
		if line != "" {
			rooms = append(rooms, line)
		}
	}
	return rooms, nil
}

// SendText posts content to room and waits for the delivery receipt.
func (c *Client) SendText(ctx context.Context, room, content string) (*protocol.Message, error) {
	m := protocol.NewMessage(room, c.Name(), content)
	if err := c.post(ctx, protocol.TypeClientMessage, m, m.ID); err != nil {
		return nil, err
	}
	return m, nil
}

// SendImage posts encoded image bytes to room.
func (c *Client) SendImage(ctx context.Context, room string, image []byte) (*protocol.ImageMessage, error) {
	m := protocol.NewImageMessage(room, c.Name(), image)
	if err := c.post(ctx, protocol.TypeClientImageMessage, m, m.ID); err != nil {
		return nil, err
	}
	return m, nil
}

// PushFile uploads data as fileName and shares it with room. The returned
// metadata carries the file ID others use to pull it.
func (c *Client) PushFile(ctx context.Context, room, fileName string, data []byte) (*protocol.FileMessage, error) {
	m := protocol.NewFileMessage(room, c.Name(), fileName, data)
	if err := c.post(ctx, protocol.TypeClientPushFile, m, m.ID); err != nil {
		return nil, err
	}
	return m.Metadata(), nil
}

// PullFile downloads a previously shared file.
func (c *Client) PullFile(ctx context.Context, fileID string) (*protocol.FileMessage, error) {
	reply, err := c.Request(ctx, protocol.TextFrame(protocol.TypeClientPullFile, fileID))
	if err != nil {
		return nil, err
	}
	if err := expect(reply, protocol.TypeSystemFileTransfer); err != nil {
		return nil, err
	}
	fm := &protocol.FileMessage{}
	if err := fm.Decode(reply.Payload); err != nil {
		return nil, fmt.Errorf("file transfer: %w", err)
	}
	return fm, nil
}

func (c *Client) post(ctx context.Context, t protocol.MessageType, msg protocol.ProtocolMessage, id string) error {
	frame, err := protocol.RecordFrame(t, msg)
	if err != nil {
		return err
	}
	reply, err := c.Request(ctx, frame)
	if err != nil {
		return err
	}
	if err := expect(reply, protocol.TypeSystemMessageOK); err != nil {
		return err
	}
	receipt := &protocol.Receipt{}
	if err := receipt.Decode(reply.Payload); err != nil {
		return fmt.Errorf("receipt: %w", err)
	}
	if receipt.ID != id {
		return fmt.Errorf("receipt for %s, sent %s", receipt.ID, id)
	}
	return nil
}
