package server

import (
	"bytes"
	"sort"
	"sync"

	"github.com/picochat/picochat/pkg/protocol"
)

// Room is a named set of connections that receive each other's messages.
// Membership is mirrored in each member's joined-room set; both sides are
// updated under the room lock.
type Room struct {
	name     string
	metrics  *Metrics
	maxFrame int

	mu      sync.RWMutex
	members map[*Connection]struct{}
}

func NewRoom(name string) *Room {
	return &Room{
		name:    name,
		members: make(map[*Connection]struct{}),
	}
}

func (r *Room) Name() string {
	return r.name
}

// Add makes c a member. It returns false if c already was one.
func (r *Room) Add(c *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[c]; ok {
		return false
	}
	r.members[c] = struct{}{}
	c.addRoom(r.name)
	return true
}

// Remove drops c from the room. It returns false if c was not a member.
func (r *Room) Remove(c *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[c]; !ok {
		return false
	}
	delete(r.members, c)
	c.removeRoom(r.name)
	return true
}

// Has reports whether c is a member.
func (r *Room) Has(c *Connection) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[c]
	return ok
}

func (r *Room) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// memberNames returns the names of members, sorted. Members that are no longer
// logged in are listed as "".
func (r *Room) memberNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.members))
	for c := range r.members {
		names = append(names, c.ClientName())
	}
	sort.Strings(names)
	return names
}

// Broadcast relays msg as a frame of type t to every member except its
// author, and returns the number of members it was written to.
func (r *Room) Broadcast(t protocol.MessageType, msg protocol.Routed) (int, error) {
	return r.broadcast(t, msg, msg.Author())
}

// Announce sends a server notice about subject to every other member.
func (r *Room) Announce(subject, text string) (int, error) {
	notice := &protocol.Message{
		ID:      protocol.NewID(),
		UtcTime: protocol.Now(),
		Room:    r.name,
		Content: text,
	}
	return r.broadcast(protocol.TypeSystemMessage, notice, subject)
}

// broadcast encodes msg once and writes it to each member not named
// exclude. The read lock is held for the whole iteration so Remove cannot
// run in the middle of it; member writes carry a deadline, so a member
// that stops reading delays this room only until its write times out.
func (r *Room) broadcast(t protocol.MessageType, msg protocol.ProtocolMessage, exclude string) (int, error) {
	limit := r.maxFrame
	if limit <= 0 {
		limit = protocol.MaxFrameSize
	}

	var buf bytes.Buffer
	frame, err := protocol.RecordFrame(t, msg)
	if err != nil {
		return 0, err
	}
	if err := protocol.EncodeFrameLimit(&buf, frame, limit); err != nil {
		return 0, err
	}
	data := buf.Bytes()

	r.mu.RLock()
	defer r.mu.RUnlock()

	sent := 0
	for c := range r.members {
		if c.ClientName() == exclude {
			continue
		}
		if err := c.sendEncoded(t, data); err == nil {
			sent++
		}
	}
	r.metrics.RecordBroadcastFanout(sent)
	return sent, nil
}
