package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxFrameSize is the default upper bound for a frame payload (32 MiB)
	MaxFrameSize = 32 * 1024 * 1024

	// ProtocolVersion is written in the version field of every frame.
	// Peers accept any value on read; the field is reserved.
	ProtocolVersion = 0

	// HeaderSize is version (2) + type (2) + length (4)
	HeaderSize = 8

	readChunk = 64 * 1024
)

var (
	ErrFrameTooLarge      = errors.New("frame exceeds maximum size")
	ErrInvalidFrameLength = errors.New("invalid frame length")
)

// Frame is the unit of exchange on the wire.
// Format: [Version (int16)][Type (int16)][Length (int32)][Payload (Length bytes)]
// All integers are little-endian.
type Frame struct {
	Version int16
	Type    MessageType
	Payload []byte
}

// NewFrame builds a frame of the current protocol version.
func NewFrame(t MessageType, payload []byte) *Frame {
	return &Frame{Version: ProtocolVersion, Type: t, Payload: payload}
}

// TextFrame builds a frame whose payload is a UTF-8 string.
func TextFrame(t MessageType, text string) *Frame {
	return NewFrame(t, []byte(text))
}

// RecordFrame encodes msg and wraps it in a frame of type t.
func RecordFrame(t MessageType, msg ProtocolMessage) (*Frame, error) {
	payload, err := msg.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", t, err)
	}
	return NewFrame(t, payload), nil
}

// Text returns the payload as a string.
func (f *Frame) Text() string {
	return string(f.Payload)
}

// EncodeFrame writes f to w with the default size limit.
// The whole frame goes out in a single Write call.
func EncodeFrame(w io.Writer, f *Frame) error {
	return EncodeFrameLimit(w, f, MaxFrameSize)
}

// EncodeFrameLimit writes f to w, refusing payloads larger than limit.
func EncodeFrameLimit(w io.Writer, f *Frame, limit int) error {
	if len(f.Payload) > limit {
		return ErrFrameTooLarge
	}

	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize+len(f.Payload)))
	if err := WriteInt16(buf, f.Version); err != nil {
		return err
	}
	if err := WriteInt16(buf, int16(f.Type)); err != nil {
		return err
	}
	if err := WriteInt32(buf, int32(len(f.Payload))); err != nil {
		return err
	}
	buf.Write(f.Payload)

	_, err := w.Write(buf.Bytes())
	return err
}

// DecodeFrame reads one frame from r with the default size limit.
func DecodeFrame(r io.Reader) (*Frame, error) {
	return DecodeFrameLimit(r, MaxFrameSize)
}

// DecodeFrameLimit reads one frame from r.
//
// io.EOF is returned only when the stream ends cleanly before a header;
// a frame cut short yields io.ErrUnexpectedEOF. A type value outside the
// known range decodes as TypeSystemUnknown and its payload is consumed and
// dropped so the stream stays aligned.
func DecodeFrameLimit(r io.Reader, limit int) (*Frame, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	hr := bytes.NewReader(header[:])
	version, _ := ReadInt16(hr)
	rawType, _ := ReadInt16(hr)
	length, _ := ReadInt32(hr)

	if length < 0 {
		return nil, ErrInvalidFrameLength
	}
	if int64(length) > int64(limit) {
		return nil, ErrFrameTooLarge
	}

	msgType := MessageType(rawType)
	if !msgType.IsKnown() {
		if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
			return nil, unexpected(err)
		}
		return &Frame{Version: version, Type: TypeSystemUnknown}, nil
	}

	// The buffer grows with the bytes that actually arrive, so a header
	// alone cannot make us allocate the full declared length.
	payload := []byte{}
	if length > 0 {
		var buf bytes.Buffer
		buf.Grow(min(int(length), readChunk))
		if _, err := io.CopyN(&buf, r, int64(length)); err != nil {
			return nil, unexpected(err)
		}
		payload = buf.Bytes()
	}

	return &Frame{
		Version: version,
		Type:    msgType,
		Payload: payload,
	}, nil
}

// EncodeMessage encodes a record into a complete frame.
func EncodeMessage(t MessageType, msg ProtocolMessage) ([]byte, error) {
	frame, err := RecordFrame(t, msg)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := EncodeFrame(&buf, frame); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// unexpected maps a clean EOF inside a frame body to io.ErrUnexpectedEOF.
func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
