package protocol

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

var ErrEmptyPayload = errors.New("empty record payload")

// ProtocolMessage is implemented by every record carried in a frame payload.
// Records are TOML documents keyed by field name.
type ProtocolMessage interface {
	// Encode serializes the message to bytes (convenience wrapper)
	Encode() ([]byte, error)
	// EncodeTo serializes the message directly to a writer
	EncodeTo(w io.Writer) error
	// Decode deserializes the message from bytes
	Decode(payload []byte) error
}

// Routed is a record addressed to a room on behalf of an author.
type Routed interface {
	ProtocolMessage
	RoomName() string
	Author() string
}

// Blob is binary content carried inside a record as base64 text.
type Blob []byte

func (b Blob) MarshalText() ([]byte, error) {
	out := make([]byte, base64.StdEncoding.EncodedLen(len(b)))
	base64.StdEncoding.Encode(out, b)
	return out, nil
}

func (b *Blob) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*b = nil
		return nil
	}
	out := make([]byte, base64.StdEncoding.DecodedLen(len(text)))
	n, err := base64.StdEncoding.Decode(out, text)
	if err != nil {
		return fmt.Errorf("blob: %w", err)
	}
	*b = out[:n]
	return nil
}

// Now returns the current time in the form stored in records.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// NewID returns a fresh identifier for messages and files.
func NewID() string {
	return uuid.NewString()
}

func encodeRecord(w io.Writer, v any) error {
	return toml.NewEncoder(w).Encode(v)
}

func marshalRecord(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeRecord(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRecord(payload []byte, v any) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		return ErrEmptyPayload
	}
	if _, err := toml.Decode(string(payload), v); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	return nil
}

// Message is a text message posted to a room.
type Message struct {
	ID      string    `toml:"id"`
	UtcTime time.Time `toml:"utc_time"`
	Room    string    `toml:"room"`
	Name    string    `toml:"name"`
	Content string    `toml:"content"`
}

// NewMessage stamps a text message with a fresh ID and the current time.
func NewMessage(room, name, content string) *Message {
	return &Message{ID: NewID(), UtcTime: Now(), Room: room, Name: name, Content: content}
}

func (m *Message) RoomName() string { return m.Room }
func (m *Message) Author() string   { return m.Name }

func (m *Message) Encode() ([]byte, error)    { return marshalRecord(m) }
func (m *Message) EncodeTo(w io.Writer) error { return encodeRecord(w, m) }

func (m *Message) Decode(payload []byte) error {
	var out Message
	if err := decodeRecord(payload, &out); err != nil {
		return err
	}
	out.UtcTime = out.UtcTime.UTC()
	*m = out
	return nil
}

// ImageMessage carries an encoded image instead of text.
type ImageMessage struct {
	ID      string    `toml:"id"`
	UtcTime time.Time `toml:"utc_time"`
	Room    string    `toml:"room"`
	Name    string    `toml:"name"`
	Image   Blob      `toml:"image,omitempty"`
}

func NewImageMessage(room, name string, image []byte) *ImageMessage {
	return &ImageMessage{ID: NewID(), UtcTime: Now(), Room: room, Name: name, Image: image}
}

func (m *ImageMessage) RoomName() string { return m.Room }
func (m *ImageMessage) Author() string   { return m.Name }

func (m *ImageMessage) Encode() ([]byte, error)    { return marshalRecord(m) }
func (m *ImageMessage) EncodeTo(w io.Writer) error { return encodeRecord(w, m) }

func (m *ImageMessage) Decode(payload []byte) error {
	var out ImageMessage
	if err := decodeRecord(payload, &out); err != nil {
		return err
	}
	out.UtcTime = out.UtcTime.UTC()
	*m = out
	return nil
}

// FileMessage describes a file shared to a room. Data is present on push
// and on transfer replies, and absent in relays to room members.
type FileMessage struct {
	ID       string    `toml:"id"`
	UtcTime  time.Time `toml:"utc_time"`
	Room     string    `toml:"room"`
	Name     string    `toml:"name"`
	FileID   string    `toml:"file_id"`
	FileName string    `toml:"file_name"`
	FileSize int64     `toml:"file_size"`
	Data     Blob      `toml:"data,omitempty"`
}

// NewFileMessage stamps a file push with fresh message and file IDs.
func NewFileMessage(room, name, fileName string, data []byte) *FileMessage {
	return &FileMessage{
		ID:       NewID(),
		UtcTime:  Now(),
		Room:     room,
		Name:     name,
		FileID:   NewID(),
		FileName: fileName,
		FileSize: int64(len(data)),
		Data:     data,
	}
}

func (m *FileMessage) RoomName() string { return m.Room }
func (m *FileMessage) Author() string   { return m.Name }

// Metadata returns a copy without the file contents.
func (m *FileMessage) Metadata() *FileMessage {
	out := *m
	out.Data = nil
	return &out
}

func (m *FileMessage) Encode() ([]byte, error)    { return marshalRecord(m) }
func (m *FileMessage) EncodeTo(w io.Writer) error { return encodeRecord(w, m) }

func (m *FileMessage) Decode(payload []byte) error {
	var out FileMessage
	if err := decodeRecord(payload, &out); err != nil {
		return err
	}
	out.UtcTime = out.UtcTime.UTC()
	*m = out
	return nil
}

// LoginInfo answers a login attempt: the accepted or rejected name and a
// greeting or reason.
type LoginInfo struct {
	Name    string `toml:"name"`
	Content string `toml:"content"`
}

func (m *LoginInfo) Encode() ([]byte, error)    { return marshalRecord(m) }
func (m *LoginInfo) EncodeTo(w io.Writer) error { return encodeRecord(w, m) }

func (m *LoginInfo) Decode(payload []byte) error {
	var out LoginInfo
	if err := decodeRecord(payload, &out); err != nil {
		return err
	}
	*m = out
	return nil
}

// RoomInfo names the room a join or leave applied to.
type RoomInfo struct {
	Name string `toml:"name"`
}

func (m *RoomInfo) Encode() ([]byte, error)    { return marshalRecord(m) }
func (m *RoomInfo) EncodeTo(w io.Writer) error { return encodeRecord(w, m) }

func (m *RoomInfo) Decode(payload []byte) error {
	var out RoomInfo
	if err := decodeRecord(payload, &out); err != nil {
		return err
	}
	*m = out
	return nil
}

// Receipt acknowledges a delivered message by ID.
type Receipt struct {
	ID string `toml:"id"`
}

func (m *Receipt) Encode() ([]byte, error)    { return marshalRecord(m) }
func (m *Receipt) EncodeTo(w io.Writer) error { return encodeRecord(w, m) }

func (m *Receipt) Decode(payload []byte) error {
	var out Receipt
	if err := decodeRecord(payload, &out); err != nil {
		return err
	}
	*m = out
	return nil
}
