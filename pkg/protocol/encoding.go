package protocol

import (
	"encoding/binary"
	"io"
)

// Wire integers are little-endian.
var byteOrder = binary.LittleEndian

func WriteInt16(w io.Writer, v int16) error {
	var b [2]byte
	byteOrder.PutUint16(b[:], uint16(v))
	_, err := w.Write(b[:])
	return err
}

func WriteInt32(w io.Writer, v int32) error {
	var b [4]byte
	byteOrder.PutUint32(b[:], uint32(v))
	_, err := w.Write(b[:])
	return err
}

func ReadInt16(r io.Reader) (int16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int16(byteOrder.Uint16(b[:])), nil
}

func ReadInt32(r io.Reader) (int32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int32(byteOrder.Uint32(b[:])), nil
}
