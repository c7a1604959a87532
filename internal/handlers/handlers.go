// Package handlers binds the signaling packets to the negotiation engine, the
// transfer tracker, the store and the presence gateway. The same handler set
// serves both transports.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tether-project/tether/internal/events"
	"github.com/tether-project/tether/internal/network"
	"github.com/tether-project/tether/internal/peer"
	"github.com/tether-project/tether/internal/presence"
	"github.com/tether-project/tether/internal/protocol"
	"github.com/tether-project/tether/internal/store"
	"github.com/tether-project/tether/internal/transfer"
)

// IdentityVerifier resolves login tokens to users and sessions.
type IdentityVerifier interface {
	VerifyOneTimeToken(ctx context.Context, token string) (store.Verified, error)
	VerifySessionToken(ctx context.Context, token string) (store.Verified, error)
	RevokeOneTimeToken(ctx context.Context, token string) error
}

// DeviceStore is the device persistence used by the socket modules.
type DeviceStore interface {
	DeviceByID(ctx context.Context, deviceID string) (store.Device, error)
	DeviceBySession(ctx context.Context, sessionID string) (store.Device, error)
	DeviceBySessionAndUser(ctx context.Context, sessionID, userID string) (store.Device, error)
	OwnedDevice(ctx context.Context, userID, deviceID string) (store.Device, error)
	FirstDeviceOfUser(ctx context.Context, userID string) (store.Device, error)
	RenameDevice(ctx context.Context, deviceID, name string) error
	DeleteDevice(ctx context.Context, deviceID string) error
	DeleteSession(ctx context.Context, sessionID string) error
	TouchActivity(ctx context.Context, sessionID, userID string) error
	UpdateDeviceNameBySession(ctx context.Context, sessionID, name string) error
}

// Deps are the collaborators shared by every handler.
type Deps struct {
	Registry  *network.Registry
	Peers     *peer.Engine
	Transfers *transfer.Tracker
	Identity  IdentityVerifier
	Devices   DeviceStore
	Presence  *presence.Gateway
	Bus       *events.EventBus
}

// Handlers holds the packet handlers and implements network.Lifecycle.
type Handlers struct {
	Deps
	logger zerolog.Logger
}

// New creates the handler set.
func New(deps Deps) *Handlers {
	return &Handlers{
		Deps:   deps,
		logger: log.With().Str("component", "handlers").Logger(),
	}
}

// Register binds every handled packet type on the router.
func (h *Handlers) Register(r *network.Router) {
	r.Register(protocol.AuthLoginRequest, h.handleLogin)
	r.Register(protocol.AuthTokenRevoke, h.handleTokenRevoke)

	r.Register(protocol.SystemHeartbeat, h.handleHeartbeat)

	r.Register(protocol.UserUpdateDevice, h.handleUpdateDevice)

	r.Register(protocol.DeviceRename, h.handleDeviceRename)
	r.Register(protocol.DeviceDelete, h.handleDeviceDelete)

	r.Register(protocol.PeerConnectRequest, h.handlePeerConnect)
	r.Register(protocol.PeerSocketReady, h.handlePeerSocketReady)
	r.Register(protocol.PeerConnectionConfirm, h.handlePeerConfirm)
	r.Register(protocol.PeerDisconnect, h.handlePeerDisconnect)

	r.Register(protocol.FileOffer, h.handleFileOffer)
	r.Register(protocol.FileAccept, h.handleFileAccept)
	r.Register(protocol.FileReject, h.handleFileReject)
	r.Register(protocol.FileAck, h.handleFileAck)

	h.logger.Debug().Msg("packet handlers registered")
}

// errUnauthenticated is returned by handlers reached without an identity,
// which only WebSocket connections created outside the upgrade route can do.
var errUnauthenticated = errors.New("Unauthorized")

func identityOf(c *network.Connection) (network.Identity, error) {
	id, ok := c.Identity()
	if !ok {
		return network.Identity{}, errUnauthenticated
	}
	return id, nil
}

// readJSON reads one string field and decodes it into v.
func readJSON(r *protocol.PacketReader, v any) error {
	raw, err := r.ReadString()
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), v)
}

// connectionForDevice returns the live connection bound to the device's
// current session.
func (h *Handlers) connectionForDevice(d store.Device) (*network.Connection, bool) {
	if d.CurrentSessionID == "" {
		return nil, false
	}
	return h.Registry.FindBySession(d.CurrentSessionID)
}

func trimmed(s string) string {
	return strings.TrimSpace(s)
}
