package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrInvalidFrameLength is returned when a stream length prefix is outside
// [HeaderSize, MaxFrameSize].
var ErrInvalidFrameLength = errors.New("invalid frame length")

// ErrShortFrame is returned when a frame is smaller than the header.
var ErrShortFrame = errors.New("frame shorter than header")

// ReadPacket reads a single length-prefixed frame from a stream.
// Frame format: [4-byte LE length][frame bytes...]
// Returns the frame bytes (excluding length prefix).
func ReadPacket(r io.Reader) ([]byte, error) {
	var prefix [LengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("failed to read frame length: %w", err)
	}

	length := binary.LittleEndian.Uint32(prefix[:])
	if length < HeaderSize || length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes (min %d, max %d)", ErrInvalidFrameLength, length, HeaderSize, MaxFrameSize)
	}

	frame := make([]byte, length)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, fmt.Errorf("failed to read frame body (%d bytes): %w", length, err)
	}

	return frame, nil
}

// WritePacket writes a length-prefixed frame to a stream in one write.
func WritePacket(w io.Writer, frame []byte) error {
	if len(frame) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrInvalidFrameLength, len(frame), MaxFrameSize)
	}

	data := make([]byte, LengthPrefixSize+len(frame))
	binary.LittleEndian.PutUint32(data[:LengthPrefixSize], uint32(len(frame)))
	copy(data[LengthPrefixSize:], frame)

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ParseHeader splits a frame into its header fields and a reader positioned
// at the start of the payload.
func ParseHeader(frame []byte) (PacketType, int32, *PacketReader, error) {
	if len(frame) < HeaderSize {
		return 0, 0, nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(frame))
	}

	r := NewPacketReader(frame)
	t, _ := r.ReadUint8()
	requestID, _ := r.ReadInt32()

	return PacketType(t), requestID, r, nil
}
