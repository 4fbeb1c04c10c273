package server

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/picochat/picochat/pkg/attachments"
	"github.com/picochat/picochat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogin(t *testing.T) {
	r := newTestRegistry(t, false)

	alice, aliceOut := newTestConn(r)
	r.Login(alice, "alice")
	reply := aliceOut.one(t)
	require.Equal(t, protocol.TypeSystemLoginOK, reply.Type)
	info := decodeLoginInfo(t, reply)
	assert.Equal(t, "alice", info.Name)
	assert.Equal(t, "Hello alice~", info.Content)
	assert.Equal(t, "alice", alice.ClientName())

	t.Run("already logged in", func(t *testing.T) {
		r.Login(alice, "other")
		reply := aliceOut.one(t)
		require.Equal(t, protocol.TypeSystemLoginFailed, reply.Type)
		assert.Equal(t, `Already logged as "alice"`, decodeLoginInfo(t, reply).Content)
		assert.Equal(t, "alice", alice.ClientName())
		_, ok := r.lookup("other")
		assert.False(t, ok)
	})

	t.Run("name taken", func(t *testing.T) {
		c, out := newTestConn(r)
		r.Login(c, "alice")
		reply := out.one(t)
		require.Equal(t, protocol.TypeSystemLoginFailed, reply.Type)
		assert.Equal(t, `Sorry, the name "alice" is already taken`, decodeLoginInfo(t, reply).Content)
		assert.Empty(t, c.ClientName())
	})

	t.Run("invalid names", func(t *testing.T) {
		for _, name := range []string{"", "   ", strings.Repeat("x", defaultMaxNameLength+1)} {
			c, out := newTestConn(r)
			r.Login(c, name)
			assert.Equal(t, protocol.TypeSystemLoginFailed, out.one(t).Type, "name %q", name)
		}
	})

	t.Run("surrounding space is trimmed", func(t *testing.T) {
		c, out := newTestConn(r)
		r.Login(c, "  bob ")
		require.Equal(t, protocol.TypeSystemLoginOK, out.one(t).Type)
		assert.Equal(t, "bob", c.ClientName())
	})

	assert.Equal(t, []string{"alice", "bob"}, r.Names())
}

func TestConcurrentLoginSameName(t *testing.T) {
	r := newTestRegistry(t, false)

	const n = 20
	conns := make([]*Connection, n)
	outs := make([]*bufferConn, n)
	for i := range conns {
		conns[i], outs[i] = newTestConn(r)
	}

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			r.Login(c, "same")
		}(c)
	}
	wg.Wait()

	ok := 0
	for _, out := range outs {
		if out.one(t).Type == protocol.TypeSystemLoginOK {
			ok++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, []string{"same"}, r.Names())
}

func TestLogout(t *testing.T) {
	r := newTestRegistry(t, false)

	c, out := newTestConn(r)
	r.Logout(c)
	assert.Equal(t, protocol.TypeNoLogged, out.one(t).Type)

	c, out = joined(t, r, "alice", "a", "b")
	r.Logout(c)
	assert.Equal(t, protocol.TypeSystemOK, out.one(t).Type)
	assert.Empty(t, c.ClientName())
	assert.Empty(t, c.JoinedRooms())
	for _, name := range []string{"a", "b"} {
		room, ok := r.Room(name)
		require.True(t, ok)
		assert.False(t, room.Has(c))
	}

	// The name is free again and a message as the old name is refused
	loggedIn(t, r, "alice")
	r.MessageReceived(c, protocol.NewMessage("a", "alice", "hi"))
	assert.Equal(t, protocol.TypeNoLogged, out.one(t).Type)
}

func TestJoinRoom(t *testing.T) {
	r := newTestRegistry(t, false)

	anon, anonOut := newTestConn(r)
	r.JoinRoom(anon, "lobby")
	assert.Equal(t, protocol.TypeNoLogged, anonOut.one(t).Type)
	_, exists := r.Room("lobby")
	assert.False(t, exists)

	c, out := loggedIn(t, r, "alice")
	r.JoinRoom(c, "lobby")
	reply := out.one(t)
	require.Equal(t, protocol.TypeSystemJoinRoomOK, reply.Type)
	info := &protocol.RoomInfo{}
	require.NoError(t, info.Decode(reply.Payload))
	assert.Equal(t, "lobby", info.Name)

	room, ok := r.Room("lobby")
	require.True(t, ok)
	assert.True(t, room.Has(c))
	assert.True(t, c.InRoom("lobby"))

	r.JoinRoom(c, "lobby")
	assert.Equal(t, protocol.TypeAlreadyJoined, out.one(t).Type)
	assert.Equal(t, 1, room.Len())

	r.JoinRoom(c, "")
	assert.Equal(t, protocol.TypeSystemError, out.one(t).Type)
}

func TestLeaveRoom(t *testing.T) {
	r := newTestRegistry(t, false)

	anon, anonOut := newTestConn(r)
	r.LeaveRoom(anon, "lobby")
	assert.Equal(t, protocol.TypeNoLogged, anonOut.one(t).Type)

	c, out := joined(t, r, "alice", "lobby")

	r.LeaveRoom(c, "nowhere")
	reply := out.one(t)
	assert.Equal(t, protocol.TypeSystemError, reply.Type)
	assert.Equal(t, "No joinned the room[nowhere]", reply.Text())

	r.LeaveRoom(c, "lobby")
	reply = out.one(t)
	require.Equal(t, protocol.TypeSystemLeaveRoomOK, reply.Type)
	info := &protocol.RoomInfo{}
	require.NoError(t, info.Decode(reply.Payload))
	assert.Equal(t, "lobby", info.Name)
	assert.False(t, c.InRoom("lobby"))

	// The room still exists, so leaving again is acknowledged
	r.LeaveRoom(c, "lobby")
	assert.Equal(t, protocol.TypeSystemLeaveRoomOK, out.one(t).Type)
}

func TestListRooms(t *testing.T) {
	r := newTestRegistry(t, false)

	anon, anonOut := newTestConn(r)
	r.ListRooms(anon)
	assert.Equal(t, protocol.TypeNoLogged, anonOut.one(t).Type)

	c, out := joined(t, r, "alice", "zeta", "alpha")
	r.ListRooms(c)
	reply := out.one(t)
	assert.Equal(t, protocol.TypeClientListJoinedRooms, reply.Type)
	assert.Equal(t, "alpha\nzeta\n", reply.Text())

	c2, out2 := loggedIn(t, r, "bob")
	r.ListRooms(c2)
	assert.Equal(t, "", out2.one(t).Text())
}

func TestMessageValidation(t *testing.T) {
	r := newTestRegistry(t, false)
	alice, aliceOut := joined(t, r, "alice", "lobby")
	joined(t, r, "bob", "other")
	anon, anonOut := newTestConn(r)

	tests := []struct {
		name string
		conn *Connection
		out  *bufferConn
		msg  *protocol.Message
		want protocol.MessageType
	}{
		{name: "undecodable", conn: alice, out: aliceOut, msg: nil, want: protocol.TypeSystemError},
		{name: "not logged in", conn: anon, out: anonOut, msg: protocol.NewMessage("lobby", "alice", "x"), want: protocol.TypeNoLogged},
		{name: "author mismatch", conn: alice, out: aliceOut, msg: protocol.NewMessage("lobby", "bob", "x"), want: protocol.TypeNoLogged},
		{name: "empty room", conn: alice, out: aliceOut, msg: protocol.NewMessage("", "alice", "x"), want: protocol.TypeSystemUnjoinRoom},
		{name: "unknown room", conn: alice, out: aliceOut, msg: protocol.NewMessage("nowhere", "alice", "x"), want: protocol.TypeSystemUnjoinRoom},
		{name: "room not joined", conn: alice, out: aliceOut, msg: protocol.NewMessage("other", "alice", "x"), want: protocol.TypeSystemUnjoinRoom},
		{name: "valid", conn: alice, out: aliceOut, msg: protocol.NewMessage("lobby", "alice", "x"), want: protocol.TypeSystemMessageOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r.MessageReceived(tt.conn, tt.msg)
			assert.Equal(t, tt.want, tt.out.one(t).Type)
		})
	}
}

func TestMessageRelayExcludesSender(t *testing.T) {
	r := newTestRegistry(t, false)
	a, aOut := joined(t, r, "a", "room")
	_, bOut := joined(t, r, "b", "room")
	_, cOut := joined(t, r, "c", "room")
	_, dOut := joined(t, r, "d", "elsewhere")

	m := protocol.NewMessage("room", "a", "hello")
	r.MessageReceived(a, m)

	receipt := aOut.one(t)
	require.Equal(t, protocol.TypeSystemMessageOK, receipt.Type)
	rc := &protocol.Receipt{}
	require.NoError(t, rc.Decode(receipt.Payload))
	assert.Equal(t, m.ID, rc.ID)

	for _, out := range []*bufferConn{bOut, cOut} {
		relay := out.one(t)
		require.Equal(t, protocol.TypeClientMessage, relay.Type)
		got := &protocol.Message{}
		require.NoError(t, got.Decode(relay.Payload))
		assert.Equal(t, m, got)
	}
	assert.Empty(t, dOut.take(t))
}

func TestImageMessage(t *testing.T) {
	r := newTestRegistry(t, false)
	a, aOut := joined(t, r, "a", "room")
	_, bOut := joined(t, r, "b", "room")

	r.ImageMessageReceived(a, nil)
	assert.Equal(t, protocol.TypeSystemError, aOut.one(t).Type)

	r.ImageMessageReceived(a, protocol.NewImageMessage("room", "a", nil))
	assert.Equal(t, protocol.TypeSystemError, aOut.one(t).Type)

	r.ImageMessageReceived(a, protocol.NewImageMessage("room", "b", []byte{1}))
	assert.Equal(t, protocol.TypeNoLogged, aOut.one(t).Type)

	img := protocol.NewImageMessage("room", "a", []byte{0x89, 'P', 'N', 'G'})
	r.ImageMessageReceived(a, img)
	assert.Equal(t, protocol.TypeSystemMessageOK, aOut.one(t).Type)

	relay := bOut.one(t)
	require.Equal(t, protocol.TypeClientImageMessage, relay.Type)
	got := &protocol.ImageMessage{}
	require.NoError(t, got.Decode(relay.Payload))
	assert.Equal(t, []byte(img.Image), []byte(got.Image))
}

func TestPushAndPullFile(t *testing.T) {
	r := newTestRegistry(t, false)
	a, aOut := joined(t, r, "a", "room")
	b, bOut := joined(t, r, "b", "room")

	data := []byte("file contents")
	fm := protocol.NewFileMessage("room", "a", "notes.txt", data)
	r.PushFile(a, fm)
	assert.Equal(t, protocol.TypeSystemMessageOK, aOut.one(t).Type)

	relay := bOut.one(t)
	require.Equal(t, protocol.TypeClientFileMessage, relay.Type)
	meta := &protocol.FileMessage{}
	require.NoError(t, meta.Decode(relay.Payload))
	assert.Nil(t, meta.Data)
	assert.Equal(t, fm.FileID, meta.FileID)
	assert.Equal(t, "notes.txt", meta.FileName)
	assert.EqualValues(t, len(data), meta.FileSize)

	r.PullFile(b, meta.FileID)
	reply := bOut.one(t)
	require.Equal(t, protocol.TypeSystemFileTransfer, reply.Type)
	got := &protocol.FileMessage{}
	require.NoError(t, got.Decode(reply.Payload))
	assert.Equal(t, data, []byte(got.Data))
	assert.Equal(t, fm.FileID, got.FileID)
	assert.Equal(t, "notes.txt", got.FileName)
	assert.Equal(t, "a", got.Name)

	r.PullFile(b, "unknown-file")
	assert.Equal(t, protocol.TypeSystemError, bOut.one(t).Type)

	r.PullFile(b, "../index.db")
	assert.Equal(t, protocol.TypeSystemError, bOut.one(t).Type)
}

func TestPushFileEdgeCases(t *testing.T) {
	r := newTestRegistry(t, false)
	a, aOut := joined(t, r, "a", "room")

	r.PushFile(a, nil)
	assert.Equal(t, protocol.TypeSystemError, aOut.one(t).Type)

	bad := protocol.NewFileMessage("room", "a", "x", []byte("x"))
	bad.FileID = "../../etc/passwd"
	r.PushFile(a, bad)
	assert.Equal(t, protocol.TypeSystemError, aOut.one(t).Type)

	unjoined := protocol.NewFileMessage("elsewhere", "a", "x", []byte("x"))
	r.PushFile(a, unjoined)
	assert.Equal(t, protocol.TypeSystemUnjoinRoom, aOut.one(t).Type)

	noID := protocol.NewFileMessage("room", "a", "x", []byte("x"))
	noID.FileID = ""
	r.PushFile(a, noID)
	assert.Equal(t, protocol.TypeSystemMessageOK, aOut.one(t).Type)
	assert.NotEmpty(t, noID.FileID)
	stored, err := r.store.Get(context.Background(), noID.FileID)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), []byte(stored.Data))

	r.PushFile(a, noID)
	assert.Equal(t, protocol.TypeSystemError, aOut.one(t).Type, "duplicate file id")
}

func TestFileTransferDisabled(t *testing.T) {
	r := NewRegistry(nil, nil, RegistryOptions{})
	a, aOut := joined(t, r, "a", "room")

	r.PushFile(a, protocol.NewFileMessage("room", "a", "x", []byte("x")))
	assert.Equal(t, protocol.TypeSystemError, aOut.one(t).Type)

	r.PullFile(a, "anything")
	assert.Equal(t, protocol.TypeSystemError, aOut.one(t).Type)
}

func TestClosedCleansUp(t *testing.T) {
	r := newTestRegistry(t, false)
	a, _ := joined(t, r, "a", "one", "two")

	r.Closed(a)

	for _, name := range []string{"one", "two"} {
		room, ok := r.Room(name)
		require.True(t, ok)
		assert.False(t, room.Has(a))
		assert.Zero(t, room.Len())
	}
	_, ok := r.lookup("a")
	assert.False(t, ok)

	// Closing an anonymous connection is harmless
	anon, _ := newTestConn(r)
	r.Closed(anon)

	loggedIn(t, r, "a")
}

func TestMembershipAnnouncements(t *testing.T) {
	r := newTestRegistry(t, true)
	a, aOut := joined(t, r, "a", "room")

	b, bOut := loggedIn(t, r, "b")
	r.JoinRoom(b, "room")
	assert.Equal(t, protocol.TypeSystemJoinRoomOK, bOut.one(t).Type, "joiner gets no notice about itself")

	notice := aOut.one(t)
	require.Equal(t, protocol.TypeSystemMessage, notice.Type)
	m := &protocol.Message{}
	require.NoError(t, m.Decode(notice.Payload))
	assert.Equal(t, "b joined the room", m.Content)
	assert.Equal(t, "room", m.Room)
	assert.Empty(t, m.Name)

	r.LeaveRoom(b, "room")
	assert.Equal(t, protocol.TypeSystemLeaveRoomOK, bOut.one(t).Type)
	require.NoError(t, m.Decode(aOut.one(t).Payload))
	assert.Equal(t, "b left the room", m.Content)

	r.JoinRoom(b, "room")
	bOut.take(t)
	aOut.take(t)

	r.Closed(b)
	require.NoError(t, m.Decode(aOut.one(t).Payload))
	assert.Equal(t, "b left the room", m.Content)

	r.Logout(a)
	assert.Equal(t, protocol.TypeSystemOK, aOut.one(t).Type)
}

func TestStalledMemberDoesNotBlockRegistry(t *testing.T) {
	r := newTestRegistry(t, false)

	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })
	alice := NewConnection(testConnID.Add(1), server, r, 0)
	alice.SetWriteTimeout(300 * time.Millisecond)

	// alice reads her login and join replies, then stops reading
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for range 2 {
			if _, err := protocol.DecodeFrame(client); err != nil {
				return
			}
		}
	}()
	r.Login(alice, "alice")
	r.JoinRoom(alice, "x")
	<-drained

	bob, bobOut := joined(t, r, "bob", "x")
	carol, carolOut := loggedIn(t, r, "carol")

	sent := make(chan struct{})
	go func() {
		defer close(sent)
		r.MessageReceived(bob, protocol.NewMessage("x", "bob", "hello?"))
	}()
	time.Sleep(20 * time.Millisecond)

	// Registry-wide operations go through while the broadcast is stuck
	dave, daveOut := newTestConn(r)
	r.Login(dave, "dave")
	assert.Equal(t, protocol.TypeSystemLoginOK, daveOut.one(t).Type)
	r.JoinRoom(dave, "y")
	assert.Equal(t, protocol.TypeSystemJoinRoomOK, daveOut.one(t).Type)
	select {
	case <-sent:
		t.Fatal("broadcast finished before alice's write timed out")
	default:
	}

	// Joining the stuck room waits at most for the write timeout
	joinedX := make(chan struct{})
	go func() {
		defer close(joinedX)
		r.JoinRoom(carol, "x")
	}()
	for _, ch := range []chan struct{}{sent, joinedX} {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatal("room stayed blocked on a stalled member")
		}
	}

	assert.Equal(t, protocol.TypeSystemMessageOK, bobOut.one(t).Type)
	assert.Equal(t, protocol.TypeSystemJoinRoomOK, carolOut.one(t).Type)
	assert.ErrorIs(t, alice.SendText(protocol.TypeSystemOK, "late"), ErrConnectionClosed)
}

func TestRelayOverFrameLimitFails(t *testing.T) {
	store, err := attachments.Open(t.TempDir(), false)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	r := NewRegistry(store, nil, RegistryOptions{MaxFrameSize: 512})

	a, aOut := joined(t, r, "a", "room")
	_, bOut := joined(t, r, "b", "room")

	r.ImageMessageReceived(a, protocol.NewImageMessage("room", "a", make([]byte, 1024)))
	reply := aOut.one(t)
	assert.Equal(t, protocol.TypeSystemError, reply.Type)
	assert.Contains(t, string(reply.Payload), protocol.ErrFrameTooLarge.Error())
	assert.Empty(t, bOut.take(t), "nothing relayed")

	// Small messages still go through
	r.MessageReceived(a, protocol.NewMessage("room", "a", "hi"))
	assert.Equal(t, protocol.TypeSystemMessageOK, aOut.one(t).Type)
	assert.Equal(t, protocol.TypeClientMessage, bOut.one(t).Type)
}
