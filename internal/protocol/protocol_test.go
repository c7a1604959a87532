package protocol

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderReaderRoundTrip(t *testing.T) {
	payload, err := NewPacketBuilder().
		WriteUint8(7).
		WriteInt32(-42).
		WriteString("héllo").
		WriteString("").
		WriteInt32(1 << 30).
		WriteBytes([]byte{0xde, 0xad}).
		Build()
	require.NoError(t, err)

	r := NewPacketReader(payload)

	u8, err := r.ReadUint8()
	require.NoError(t, err)
	assert.Equal(t, uint8(7), u8)

	i32, err := r.ReadInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(-42), i32)

	s, err := r.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "héllo", s)

	empty, err := r.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "", empty)

	big, err := r.ReadInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(1<<30), big)

	assert.Equal(t, []byte{0xde, 0xad}, r.ReadRemaining())
	assert.True(t, r.IsEnd())
}

func TestWriteStringTooLongWritesNothing(t *testing.T) {
	b := NewPacketBuilder().WriteUint8(1)
	before := b.Len()

	b.WriteString(strings.Repeat("x", MaxStringLength+1))
	assert.Equal(t, before, b.Len())
	assert.ErrorIs(t, b.Err(), ErrStringTooLong)

	// sticky: later writes are ignored
	b.WriteUint8(2)
	assert.Equal(t, before, b.Len())

	_, err := b.Build()
	assert.ErrorIs(t, err, ErrStringTooLong)
}

func TestWriteStringAtLimit(t *testing.T) {
	s := strings.Repeat("y", MaxStringLength)
	payload, err := NewPacketBuilder().WriteString(s).Build()
	require.NoError(t, err)
	assert.Len(t, payload, 2+MaxStringLength)

	got, err := NewPacketReader(payload).ReadString()
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestReaderOutOfBounds(t *testing.T) {
	r := NewPacketReader([]byte{0x01, 0x02})

	_, err := r.ReadInt32()
	assert.ErrorIs(t, err, ErrOutOfBounds)
	assert.Equal(t, 2, r.Remaining(), "failed read must not advance")

	// length prefix claims more bytes than exist
	r = NewPacketReader([]byte{0x05, 0x00, 'a', 'b'})
	_, err = r.ReadString()
	assert.ErrorIs(t, err, ErrOutOfBounds)

	r = NewPacketReader(nil)
	_, err = r.ReadUint8()
	assert.ErrorIs(t, err, ErrOutOfBounds)
	assert.True(t, r.IsEnd())
}

func TestBuildFrameAndParseHeader(t *testing.T) {
	frame, err := BuildFrame(PeerConnectRequest, -7, StringPayload(`{"targetDeviceId":"b"}`))
	require.NoError(t, err)

	pt, requestID, r, err := ParseHeader(frame)
	require.NoError(t, err)
	assert.Equal(t, PeerConnectRequest, pt)
	assert.Equal(t, int32(-7), requestID)

	body, err := r.ReadString()
	require.NoError(t, err)
	assert.Equal(t, `{"targetDeviceId":"b"}`, body)
	assert.True(t, r.IsEnd())
}

func TestBuildFrameHeaderOnly(t *testing.T) {
	frame, err := BuildFrame(SystemHandshake, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0, 0, 0, 0}, frame)
}

func TestParseHeaderShortFrame(t *testing.T) {
	_, _, _, err := ParseHeader([]byte{0x01, 0x00, 0x00, 0x00})
	assert.ErrorIs(t, err, ErrShortFrame)
}

func TestStreamFramingRoundTrip(t *testing.T) {
	frame, err := BuildFrame(SystemHeartbeat, 3, StringPayload("ping"))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WritePacket(&buf, frame))
	require.NoError(t, WritePacket(&buf, frame))

	for i := 0; i < 2; i++ {
		got, err := ReadPacket(&buf)
		require.NoError(t, err)
		assert.Equal(t, frame, got)
	}
}

func TestReadPacketRejectsBadLengths(t *testing.T) {
	tests := []struct {
		name   string
		prefix []byte
	}{
		{"below header", []byte{0x04, 0x00, 0x00, 0x00}},
		{"zero", []byte{0x00, 0x00, 0x00, 0x00}},
		{"above max", []byte{0x01, 0x00, 0x10, 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadPacket(bytes.NewReader(append(tt.prefix, make([]byte, 8)...)))
			assert.True(t, errors.Is(err, ErrInvalidFrameLength), "got %v", err)
		})
	}
}

func TestPacketTypeString(t *testing.T) {
	assert.Equal(t, "PEER_SOCKET_READY", PeerSocketReady.String())
	assert.Equal(t, "UNKNOWN_0x7F", PacketType(0x7F).String())
	assert.True(t, FileAck.Known())
	assert.False(t, PacketType(0x7F).Known())
}

func TestValidPort(t *testing.T) {
	assert.True(t, ValidPort(1))
	assert.True(t, ValidPort(65535))
	assert.False(t, ValidPort(0))
	assert.False(t, ValidPort(70000))
	assert.False(t, ValidPort(-1))
}
