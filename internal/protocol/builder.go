package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrStringTooLong is returned when a string does not fit a u16 length prefix.
var ErrStringTooLong = errors.New("string exceeds maximum encodable length")

// PacketBuilder constructs binary frame payloads.
// The first failed write is sticky: later writes are ignored and Build
// reports the error, so a half-written frame is never produced.
type PacketBuilder struct {
	buf bytes.Buffer
	err error
}

// NewPacketBuilder creates a new PacketBuilder.
func NewPacketBuilder() *PacketBuilder {
	return &PacketBuilder{}
}

// Reset clears the builder for reuse.
func (b *PacketBuilder) Reset() {
	b.buf.Reset()
	b.err = nil
}

// WriteUint8 writes a single byte.
func (b *PacketBuilder) WriteUint8(v uint8) *PacketBuilder {
	if b.err != nil {
		return b
	}
	b.buf.WriteByte(v)
	return b
}

// WriteInt32 writes an int32 in little-endian order.
func (b *PacketBuilder) WriteInt32(v int32) *PacketBuilder {
	if b.err != nil {
		return b
	}
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(v))
	b.buf.Write(tmp[:])
	return b
}

// WriteUint32 writes a uint32 in little-endian order.
func (b *PacketBuilder) WriteUint32(v uint32) *PacketBuilder {
	if b.err != nil {
		return b
	}
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.buf.Write(tmp[:])
	return b
}

// WriteString writes a u16 length-prefixed UTF-8 string.
// Format: [length:2][string bytes...]
// Strings longer than MaxStringLength write nothing and fail the builder.
func (b *PacketBuilder) WriteString(s string) *PacketBuilder {
	if b.err != nil {
		return b
	}
	if len(s) > MaxStringLength {
		b.err = fmt.Errorf("%w: %d bytes (max %d)", ErrStringTooLong, len(s), MaxStringLength)
		return b
	}
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], uint16(len(s)))
	b.buf.Write(tmp[:])
	b.buf.WriteString(s)
	return b
}

// WriteBytes writes raw bytes.
func (b *PacketBuilder) WriteBytes(data []byte) *PacketBuilder {
	if b.err != nil {
		return b
	}
	b.buf.Write(data)
	return b
}

// Err returns the first write error, if any.
func (b *PacketBuilder) Err() error {
	return b.err
}

// Build returns the constructed bytes, or the first write error.
func (b *PacketBuilder) Build() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.buf.Bytes(), nil
}

// Len returns the current size of the payload being built.
func (b *PacketBuilder) Len() int {
	return b.buf.Len()
}

// PayloadFunc writes a packet payload into a builder.
type PayloadFunc func(b *PacketBuilder)

// StringPayload returns a PayloadFunc writing a single string.
func StringPayload(s string) PayloadFunc {
	return func(b *PacketBuilder) {
		b.WriteString(s)
	}
}

// BuildFrame assembles a complete frame: header followed by the payload
// written by fn (which may be nil for header-only frames).
func BuildFrame(t PacketType, requestID int32, fn PayloadFunc) ([]byte, error) {
	b := NewPacketBuilder()
	b.WriteUint8(byte(t))
	b.WriteInt32(requestID)
	if fn != nil {
		fn(b)
	}

	frame, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build %s frame: %w", t, err)
	}
	if len(frame) > MaxFrameSize {
		return nil, fmt.Errorf("%s frame too large: %d bytes (max %d)", t, len(frame), MaxFrameSize)
	}
	return frame, nil
}

// String returns a hex dump of the current payload for debugging.
func (b *PacketBuilder) String() string {
	data := b.buf.Bytes()
	return fmt.Sprintf("PacketBuilder[%d bytes]: %x", len(data), data)
}
