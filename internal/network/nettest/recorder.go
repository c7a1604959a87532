// Package nettest provides an in-memory Transport for exercising the
// connection runtime without sockets.
package nettest

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/tether-project/tether/internal/network"
	"github.com/tether-project/tether/internal/protocol"
)

// Frame is one decoded outbound frame.
type Frame struct {
	Type      protocol.PacketType
	RequestID int32
	Body      []byte
}

// JSON decodes the single string field of the frame body into v.
func (f Frame) JSON(v any) error {
	s, err := protocol.NewPacketReader(f.Body).ReadString()
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(s), v)
}

// Recorder is a Transport that keeps every frame written to it.
type Recorder struct {
	KindValue network.TransportKind
	IP        string
	Auth      bool

	mu     sync.Mutex
	frames []Frame
	closed bool
}

// NewTCP returns a recorder that behaves like the TCP adapter.
func NewTCP(ip string) *Recorder {
	return &Recorder{KindValue: network.TransportTCP, IP: ip, Auth: true}
}

// NewWebSocket returns a recorder that behaves like the WebSocket adapter.
func NewWebSocket(ip string) *Recorder {
	return &Recorder{KindValue: network.TransportWebSocket, IP: ip}
}

func (r *Recorder) Kind() network.TransportKind { return r.KindValue }

func (r *Recorder) RemoteIP() string { return r.IP }

func (r *Recorder) RequiresAuth() bool { return r.Auth }

func (r *Recorder) Write(frame []byte) error {
	t, reqID, reader, err := protocol.ParseHeader(frame)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("closed")
	}
	r.frames = append(r.frames, Frame{Type: t, RequestID: reqID, Body: reader.ReadRemaining()})
	return nil
}

func (r *Recorder) Writable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Closed reports whether Close was called.
func (r *Recorder) Closed() bool {
	return !r.Writable()
}

// Frames returns a copy of every recorded frame.
func (r *Recorder) Frames() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Frame(nil), r.frames...)
}

// OfType returns the recorded frames of packet type t.
func (r *Recorder) OfType(t protocol.PacketType) []Frame {
	var out []Frame
	for _, f := range r.Frames() {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

// Last returns the most recent frame.
func (r *Recorder) Last() (Frame, bool) {
	frames := r.Frames()
	if len(frames) == 0 {
		return Frame{}, false
	}
	return frames[len(frames)-1], true
}

// Reset forgets recorded frames.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = nil
}
