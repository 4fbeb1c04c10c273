package server

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/picochat/picochat/pkg/attachments"
	"github.com/picochat/picochat/pkg/protocol"
)

const defaultMaxNameLength = 32

// RegistryOptions tunes request handling.
type RegistryOptions struct {
	// MaxNameLength bounds login names in bytes (default 32)
	MaxNameLength int
	// AnnounceMembership sends SYSTEM_MESSAGE notices to a room when
	// someone joins or leaves it
	AnnounceMembership bool
	// MaxFrameSize bounds the frames relayed to room members (default
	// protocol.MaxFrameSize)
	MaxFrameSize int
}

// Registry tracks logged in connections by name and rooms by name, and
// implements Events for every connection the server accepts.
type Registry struct {
	store   *attachments.Store
	metrics *Metrics
	opts    RegistryOptions

	// mu guards connections and rooms. It is never held while waiting on a
	// room lock: a room can be stuck behind a slow member's write.
	mu          sync.Mutex
	connections map[string]*Connection
	rooms       map[string]*Room
}

// NewRegistry creates an empty registry. store may be nil, in which case
// file pushes and pulls are refused.
func NewRegistry(store *attachments.Store, metrics *Metrics, opts RegistryOptions) *Registry {
	if opts.MaxNameLength <= 0 {
		opts.MaxNameLength = defaultMaxNameLength
	}
	return &Registry{
		store:       store,
		metrics:     metrics,
		opts:        opts,
		connections: make(map[string]*Connection),
		rooms:       make(map[string]*Room),
	}
}

// lookup returns the connection logged in as name.
func (r *Registry) lookup(name string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.connections[name]
	return c, ok
}

// Room returns the room called name.
func (r *Registry) Room(name string) (*Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[name]
	return room, ok
}

// Names returns the logged in names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.connections))
	for name := range r.connections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RoomNames returns every room that has been created, sorted.
func (r *Registry) RoomNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.rooms))
	for name := range r.rooms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Login(c *Connection, name string) {
	name = strings.TrimSpace(name)

	r.mu.Lock()
	if current := c.ClientName(); current != "" {
		r.mu.Unlock()
		c.SendRecord(protocol.TypeSystemLoginFailed, &protocol.LoginInfo{
			Name:    current,
			Content: fmt.Sprintf("Already logged as %q", current),
		})
		return
	}
	if name == "" || len(name) > r.opts.MaxNameLength {
		r.mu.Unlock()
		c.SendRecord(protocol.TypeSystemLoginFailed, &protocol.LoginInfo{
			Name:    name,
			Content: fmt.Sprintf("Names must be 1 to %d bytes long", r.opts.MaxNameLength),
		})
		return
	}
	if _, taken := r.connections[name]; taken {
		r.mu.Unlock()
		c.SendRecord(protocol.TypeSystemLoginFailed, &protocol.LoginInfo{
			Name:    name,
			Content: fmt.Sprintf("Sorry, the name %q is already taken", name),
		})
		return
	}
	r.connections[name] = c
	c.setName(name)
	r.metrics.RecordLoggedInUsers(len(r.connections))
	r.mu.Unlock()

	log.Printf("Connection %d logged in as %s", c.ID(), name)
	c.SendRecord(protocol.TypeSystemLoginOK, &protocol.LoginInfo{
		Name:    name,
		Content: fmt.Sprintf("Hello %s~", name),
	})
}

func (r *Registry) Logout(c *Connection) {
	name := c.ClientName()
	if name == "" {
		c.SendText(protocol.TypeNoLogged, "Not logged in")
		return
	}

	r.release(c)
	log.Printf("%s logged out", name)
	c.SendText(protocol.TypeSystemOK, fmt.Sprintf("Goodbye %s", name))
}

func (r *Registry) JoinRoom(c *Connection, name string) {
	user := c.ClientName()
	if user == "" {
		c.SendText(protocol.TypeNoLogged, "Log in before joining a room")
		return
	}
	if name == "" {
		c.SendText(protocol.TypeSystemError, "Room name must not be empty")
		return
	}

	r.mu.Lock()
	room, ok := r.rooms[name]
	if !ok {
		room = NewRoom(name)
		room.metrics = r.metrics
		room.maxFrame = r.opts.MaxFrameSize
		r.rooms[name] = room
		r.metrics.RecordRooms(len(r.rooms))
		debugLog.Printf("Room %s created by %s", name, user)
	}
	r.mu.Unlock()

	added := room.Add(c)

	if !added {
		c.SendText(protocol.TypeAlreadyJoined, fmt.Sprintf("Already joined the room[%s]", name))
		return
	}

	c.SendRecord(protocol.TypeSystemJoinRoomOK, &protocol.RoomInfo{Name: name})
	if r.opts.AnnounceMembership {
		room.Announce(user, fmt.Sprintf("%s joined the room", user))
	}
}

func (r *Registry) LeaveRoom(c *Connection, name string) {
	user := c.ClientName()
	if user == "" {
		c.SendText(protocol.TypeNoLogged, "Log in before leaving a room")
		return
	}

	r.mu.Lock()
	room, ok := r.rooms[name]
	r.mu.Unlock()
	removed := ok && room.Remove(c)

	if !ok {
		c.SendText(protocol.TypeSystemError, fmt.Sprintf("No joinned the room[%s]", name))
		return
	}

	c.SendRecord(protocol.TypeSystemLeaveRoomOK, &protocol.RoomInfo{Name: name})
	if removed && r.opts.AnnounceMembership {
		room.Announce(user, fmt.Sprintf("%s left the room", user))
	}
}

func (r *Registry) ListRooms(c *Connection) {
	if c.ClientName() == "" {
		c.SendText(protocol.TypeNoLogged, "Log in before listing rooms")
		return
	}

	var sb strings.Builder
	for _, name := range c.JoinedRooms() {
		sb.WriteString(name)
		sb.WriteByte('\n')
	}
	c.SendText(protocol.TypeClientListJoinedRooms, sb.String())
}

func (r *Registry) MessageReceived(c *Connection, m *protocol.Message) {
	if m == nil {
		c.SendText(protocol.TypeSystemError, "Malformed message")
		return
	}
	room, ok := r.routable(c, m)
	if !ok {
		return
	}
	if err := r.relay(c, room, protocol.TypeClientMessage, m); err != nil {
		c.SendText(protocol.TypeSystemError, fmt.Sprintf("Cannot relay message: %v", err))
		return
	}
	c.SendRecord(protocol.TypeSystemMessageOK, &protocol.Receipt{ID: m.ID})
}

func (r *Registry) ImageMessageReceived(c *Connection, m *protocol.ImageMessage) {
	if m == nil {
		c.SendText(protocol.TypeSystemError, "Malformed image message")
		return
	}
	room, ok := r.routable(c, m)
	if !ok {
		return
	}
	if len(m.Image) == 0 {
		c.SendText(protocol.TypeSystemError, "Image is empty")
		return
	}
	if err := r.relay(c, room, protocol.TypeClientImageMessage, m); err != nil {
		c.SendText(protocol.TypeSystemError, fmt.Sprintf("Cannot relay image: %v", err))
		return
	}
	c.SendRecord(protocol.TypeSystemMessageOK, &protocol.Receipt{ID: m.ID})
}

func (r *Registry) PushFile(c *Connection, m *protocol.FileMessage) {
	if m == nil {
		c.SendText(protocol.TypeSystemError, "Malformed file message")
		return
	}
	room, ok := r.routable(c, m)
	if !ok {
		return
	}
	if r.store == nil {
		c.SendText(protocol.TypeSystemError, "File transfer is disabled")
		return
	}

	if m.FileID == "" {
		m.FileID = protocol.NewID()
	}
	m.FileSize = int64(len(m.Data))
	if err := r.store.Put(c.Context(), m); err != nil {
		debugLog.Printf("Connection %d: push %s failed: %v", c.ID(), m.FileID, err)
		c.SendText(protocol.TypeSystemError, fmt.Sprintf("Cannot store file: %v", err))
		return
	}
	r.metrics.RecordAttachmentStored(m.FileSize)
	log.Printf("%s shared %s (%s, %d bytes) in %s", m.Name, m.FileName, m.FileID, m.FileSize, m.Room)

	if err := r.relay(c, room, protocol.TypeClientFileMessage, m.Metadata()); err != nil {
		c.SendText(protocol.TypeSystemError, fmt.Sprintf("Cannot relay file: %v", err))
		return
	}
	c.SendRecord(protocol.TypeSystemMessageOK, &protocol.Receipt{ID: m.ID})
}

func (r *Registry) PullFile(c *Connection, fileID string) {
	if r.store == nil {
		c.SendText(protocol.TypeSystemError, "File transfer is disabled")
		return
	}

	stored, err := r.store.Get(c.Context(), fileID)
	if err != nil {
		debugLog.Printf("Connection %d: pull %q failed: %v", c.ID(), fileID, err)
		c.SendText(protocol.TypeSystemError, fmt.Sprintf("Cannot read file %q", fileID))
		return
	}

	transfer := protocol.NewFileMessage(stored.Room, stored.Name, stored.FileName, stored.Data)
	transfer.FileID = stored.FileID
	c.SendRecord(protocol.TypeSystemFileTransfer, transfer)
}

// Closed evicts c from every room and frees its name.
func (r *Registry) Closed(c *Connection) {
	if name := c.ClientName(); name != "" {
		debugLog.Printf("Connection %d (%s) closed", c.ID(), name)
	}
	r.release(c)
}

// release removes c from all of its rooms and from the name map.
func (r *Registry) release(c *Connection) {
	name := c.ClientName()

	r.mu.Lock()
	var joined []*Room
	for _, roomName := range c.JoinedRooms() {
		if room, ok := r.rooms[roomName]; ok {
			joined = append(joined, room)
		}
	}
	if name != "" && r.connections[name] == c {
		delete(r.connections, name)
	}
	c.setName("")
	r.metrics.RecordLoggedInUsers(len(r.connections))
	r.mu.Unlock()

	var left []*Room
	for _, room := range joined {
		if room.Remove(c) {
			left = append(left, room)
		}
	}

	if name != "" && r.opts.AnnounceMembership {
		for _, room := range left {
			room.Announce(name, fmt.Sprintf("%s left the room", name))
		}
	}
}

// routable applies the checks shared by every message sent to a room and
// replies with the failure. It returns the target room on success.
func (r *Registry) routable(c *Connection, m protocol.Routed) (*Room, bool) {
	name := c.ClientName()
	if name == "" || name != m.Author() {
		c.SendText(protocol.TypeNoLogged, "Not logged in as the message author")
		return nil, false
	}
	if m.RoomName() == "" {
		c.SendText(protocol.TypeSystemUnjoinRoom, "No room given")
		return nil, false
	}

	r.mu.Lock()
	room, ok := r.rooms[m.RoomName()]
	r.mu.Unlock()

	if !ok || !room.Has(c) {
		c.SendText(protocol.TypeSystemUnjoinRoom, fmt.Sprintf("Not joined the room[%s]", m.RoomName()))
		return nil, false
	}
	return room, true
}

func (r *Registry) relay(c *Connection, room *Room, t protocol.MessageType, m protocol.Routed) error {
	n, err := room.Broadcast(t, m)
	if err != nil {
		errorLog.Printf("Connection %d: broadcast to %s failed: %v", c.ID(), room.Name(), err)
		return err
	}
	debugLog.Printf("%s → %s: %s relayed to %d members", m.Author(), room.Name(), t, n)
	return nil
}
