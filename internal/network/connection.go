// Package network implements the connection runtime shared by the TCP and
// WebSocket transports: the generic Connection with its auth gate, the
// session Registry, the packet Router and the two transport adapters.
package network

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tether-project/tether/internal/protocol"
	"github.com/tether-project/tether/internal/telemetry"
)

// TransportKind names the transport a connection arrived on.
type TransportKind string

const (
	TransportTCP       TransportKind = "TCP"
	TransportWebSocket TransportKind = "WebSocket"
)

// Transport is the socket-level half of a connection. Each adapter owns its
// own stream framing and write serialization.
type Transport interface {
	Kind() TransportKind
	RemoteIP() string
	// RequiresAuth reports whether a login packet must precede everything else.
	RequiresAuth() bool
	// Write sends one complete frame.
	Write(frame []byte) error
	Writable() bool
	Close() error
}

// Identity is the user and session attached to an authenticated connection.
type Identity struct {
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	SessionID string `json:"sessionId"`
}

// Lifecycle receives authentication and close transitions. Implementations
// drive presence fan-out and negotiation cleanup.
type Lifecycle interface {
	Authenticated(ctx context.Context, c *Connection, firstForUser bool)
	Closed(ctx context.Context, c *Connection, lastForUser bool)
}

// Runtime bundles the state shared by every connection of both transports.
type Runtime struct {
	Registry  *Registry
	Router    *Router
	Lifecycle Lifecycle
	Metrics   *telemetry.Metrics
}

// lifecycleTimeout bounds close-time collaborator calls, which run on a
// context detached from server shutdown.
const lifecycleTimeout = 5 * time.Second

// Connection is one live client link, independent of its transport.
type Connection struct {
	id        string
	transport Transport
	rt        *Runtime
	ctx       context.Context
	logger    atomic.Pointer[zerolog.Logger]

	mu           sync.Mutex
	identity     *Identity
	connectedAt  time.Time
	lastActivity time.Time
	closed       bool
}

// NewConnection wraps a transport and registers it with the runtime registry.
func NewConnection(ctx context.Context, id string, transport Transport, rt *Runtime) *Connection {
	now := time.Now()
	c := &Connection{
		id:           id,
		transport:    transport,
		rt:           rt,
		ctx:          ctx,
		connectedAt:  now,
		lastActivity: now,
	}
	logger := log.With().
		Str("component", "connection").
		Str("conn_id", id).
		Str("transport", string(transport.Kind())).
		Str("remote", transport.RemoteIP()).
		Logger()
	c.logger.Store(&logger)

	rt.Registry.Add(c)
	rt.Metrics.ConnectionOpened(string(transport.Kind()))
	return c
}

// ID returns the opaque connection id.
func (c *Connection) ID() string {
	return c.id
}

// Kind returns the transport kind.
func (c *Connection) Kind() TransportKind {
	return c.transport.Kind()
}

// RemoteIP returns the client address as seen by the transport.
func (c *Connection) RemoteIP() string {
	return c.transport.RemoteIP()
}

// Logger returns the connection-scoped logger. Once authenticated it also
// carries user_id.
func (c *Connection) Logger() *zerolog.Logger {
	return c.logger.Load()
}

// IsAuthenticated reports whether an identity is attached.
func (c *Connection) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity != nil
}

// Identity returns the attached identity.
func (c *Connection) Identity() (Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return Identity{}, false
	}
	return *c.identity, true
}

// SetAuthenticated attaches an identity, indexes the connection by user and
// fires the lifecycle hook. It is a no-op on a closed or already
// authenticated connection.
func (c *Connection) SetAuthenticated(id Identity) {
	c.mu.Lock()
	if c.closed || c.identity != nil {
		c.mu.Unlock()
		return
	}
	c.identity = &id
	withUser := c.logger.Load().With().Str("user_id", id.UserID).Logger()
	c.logger.Store(&withUser)
	c.mu.Unlock()

	first := c.rt.Registry.BindUser(c)
	c.rt.Metrics.SetOnlineUsers(c.rt.Registry.UserCount())

	c.Logger().Info().Bool("first_for_user", first).Msg("connection authenticated")

	if c.rt.Lifecycle != nil {
		c.rt.Lifecycle.Authenticated(c.ctx, c, first)
	}
}

// ConnectedAt returns the time the connection was established.
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// LastActivity returns the time of the last inbound frame.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// IsClosed returns whether the connection has been closed.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Send builds a frame and writes it if the transport is still writable.
// Frames for a closed or unwritable transport are dropped silently.
func (c *Connection) Send(t protocol.PacketType, requestID int32, fn protocol.PayloadFunc) error {
	if c.IsClosed() || !c.transport.Writable() {
		return nil
	}

	frame, err := protocol.BuildFrame(t, requestID, fn)
	if err != nil {
		c.Logger().Error().Err(err).Str("packet", t.String()).Int32("request_id", requestID).Msg("failed to build packet")
		return err
	}

	if err := c.transport.Write(frame); err != nil {
		c.Logger().Warn().Err(err).Str("packet", t.String()).Msg("failed to write packet")
		return fmt.Errorf("failed to send %s: %w", t, err)
	}

	if t != protocol.SystemHeartbeat {
		c.Logger().Debug().
			Str("packet", t.String()).
			Int32("request_id", requestID).
			Int("size", len(frame)).
			Msg("packet sent")
	}
	return nil
}

// SendJSON sends v marshalled as JSON in a single string field.
func (c *Connection) SendJSON(t protocol.PacketType, requestID int32, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	return c.Send(t, requestID, protocol.StringPayload(string(data)))
}

// SendError sends {"message": msg} as packet t.
func (c *Connection) SendError(t protocol.PacketType, requestID int32, msg string) error {
	return c.SendJSON(t, requestID, protocol.MessagePayload{Message: msg})
}

// Push sends an unsolicited packet with a random request id.
func (c *Connection) Push(t protocol.PacketType, fn protocol.PayloadFunc) error {
	return c.Send(t, NewRequestID(), fn)
}

// PushJSON sends an unsolicited JSON packet with a random request id.
func (c *Connection) PushJSON(t protocol.PacketType, v any) error {
	return c.SendJSON(t, NewRequestID(), v)
}

// NewRequestID returns a random positive request id for unsolicited pushes.
func NewRequestID() int32 {
	return rand.Int31n(math.MaxInt32)
}

// HandleMessage validates one inbound frame, applies the auth gate and routes
// it. It never returns an error: protocol violations close the connection.
func (c *Connection) HandleMessage(frame []byte) {
	if len(frame) == 0 {
		return
	}

	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()

	if len(frame) < protocol.HeaderSize {
		c.Logger().Warn().Int("size", len(frame)).Msg("dropping frame shorter than header")
		return
	}

	if len(frame) > protocol.MaxFrameSize {
		c.Logger().Warn().Int("size", len(frame)).Int("max", protocol.MaxFrameSize).Msg("frame too large, shutting down")
		c.Close()
		return
	}

	t := protocol.PacketType(frame[0])
	if c.transport.RequiresAuth() && !c.IsAuthenticated() && t != protocol.AuthLoginRequest {
		c.Logger().Warn().Str("packet", t.String()).Msg("packet before authentication, shutting down")
		c.SendError(protocol.ErrorPermission, 0, "Authentication required")
		c.Close()
		return
	}

	_, requestID, reader, err := protocol.ParseHeader(frame)
	if err != nil {
		c.Logger().Warn().Err(err).Msg("dropping malformed frame")
		return
	}

	c.rt.Router.Dispatch(c.ctx, t, c, reader, requestID)
}

// Close removes the connection from the registry, closes the transport and
// fires the lifecycle hook. It is idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	last := c.rt.Registry.Remove(c)
	err := c.transport.Close()

	c.rt.Metrics.ConnectionClosed(string(c.transport.Kind()))
	c.rt.Metrics.SetOnlineUsers(c.rt.Registry.UserCount())
	c.Logger().Info().Dur("uptime", time.Since(c.connectedAt)).Msg("connection closed")

	if c.rt.Lifecycle != nil && c.IsAuthenticated() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), lifecycleTimeout)
		defer cancel()
		c.rt.Lifecycle.Closed(ctx, c, last)
	}

	return err
}
