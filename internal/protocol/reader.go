package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrOutOfBounds is returned when a read runs past the end of the buffer.
var ErrOutOfBounds = errors.New("read out of bounds")

// PacketReader reads little-endian values from a frame payload.
// A failed read leaves the offset unchanged.
type PacketReader struct {
	data []byte
	off  int
}

// NewPacketReader creates a reader over data.
func NewPacketReader(data []byte) *PacketReader {
	return &PacketReader{data: data}
}

func (r *PacketReader) need(n int) error {
	if n < 0 || r.off+n > len(r.data) {
		return fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrOutOfBounds, n, r.off, len(r.data)-r.off)
	}
	return nil
}

// ReadUint8 reads a single byte.
func (r *PacketReader) ReadUint8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.data[r.off]
	r.off++
	return v, nil
}

// ReadInt32 reads a little-endian int32.
func (r *PacketReader) ReadInt32() (int32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := int32(binary.LittleEndian.Uint32(r.data[r.off:]))
	r.off += 4
	return v, nil
}

// ReadString reads a u16 length-prefixed UTF-8 string.
func (r *PacketReader) ReadString() (string, error) {
	if err := r.need(2); err != nil {
		return "", err
	}
	n := int(binary.LittleEndian.Uint16(r.data[r.off:]))
	if err := r.need(2 + n); err != nil {
		return "", err
	}
	s := string(r.data[r.off+2 : r.off+2+n])
	r.off += 2 + n
	return s, nil
}

// ReadRemaining returns every unread byte and moves to the end.
func (r *PacketReader) ReadRemaining() []byte {
	rest := r.data[r.off:]
	r.off = len(r.data)
	return rest
}

// IsEnd reports whether every byte has been consumed.
func (r *PacketReader) IsEnd() bool {
	return r.off >= len(r.data)
}

// Remaining returns the number of unread bytes.
func (r *PacketReader) Remaining() int {
	return len(r.data) - r.off
}
