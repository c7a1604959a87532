package handlers

import (
	"context"
	"encoding/json"

	"github.com/tether-project/tether/internal/network"
	"github.com/tether-project/tether/internal/protocol"
)

func sendLoginResponse(c *network.Connection, requestID int32, ok bool, body string) error {
	return c.Send(protocol.AuthLoginResponse, requestID, func(b *protocol.PacketBuilder) {
		b.WriteUint8(boolByte(ok)).WriteString(body)
	})
}

func sendRevokeResult(c *network.Connection, requestID int32, ok bool, message string) error {
	return c.Send(protocol.AuthTokenRevoke, requestID, func(b *protocol.PacketBuilder) {
		b.WriteUint8(boolByte(ok)).WriteString(message)
	})
}

func boolByte(ok bool) uint8 {
	if ok {
		return 1
	}
	return 0
}

// loginFailure answers a failed login and shuts the connection down.
func (h *Handlers) loginFailure(c *network.Connection, requestID int32, message string) error {
	c.Logger().Warn().Str("reason", message).Msg("authentication failed")
	sendLoginResponse(c, requestID, false, message)
	return c.Close()
}

func (h *Handlers) handleLogin(ctx context.Context, c *network.Connection, r *protocol.PacketReader, requestID int32) error {
	token, err := r.ReadString()
	if err != nil {
		return h.loginFailure(c, requestID, "Authentication error")
	}

	if id, ok := c.Identity(); ok {
		body, _ := json.Marshal(protocol.LoginUser{ID: id.UserID, Name: id.UserName})
		return sendLoginResponse(c, requestID, true, string(body))
	}

	if token == "" {
		return h.loginFailure(c, requestID, "No session token provided")
	}

	verified, err := h.Identity.VerifyOneTimeToken(ctx, token)
	if err != nil {
		c.Logger().Debug().Err(err).Msg("one-time token rejected")
		return h.loginFailure(c, requestID, "Invalid or expired session")
	}

	if _, err := h.Devices.FirstDeviceOfUser(ctx, verified.User.ID); err != nil {
		c.Logger().Debug().Err(err).Str("user_id", verified.User.ID).Msg("no device for user")
		return h.loginFailure(c, requestID, "Associated device not found")
	}

	c.SetAuthenticated(network.Identity{
		UserID:    verified.User.ID,
		UserName:  verified.User.Name,
		SessionID: verified.Session.ID,
	})

	body, err := json.Marshal(protocol.LoginUser{ID: verified.User.ID, Name: verified.User.Name})
	if err != nil {
		return h.loginFailure(c, requestID, "Authentication error")
	}
	c.Logger().Info().Str("user", verified.User.Name).Msg("client authenticated")
	return sendLoginResponse(c, requestID, true, string(body))
}

func (h *Handlers) handleTokenRevoke(ctx context.Context, c *network.Connection, r *protocol.PacketReader, requestID int32) error {
	token, err := r.ReadString()
	if err != nil {
		return sendRevokeResult(c, requestID, false, "Error revoking refresh token")
	}

	if !c.IsAuthenticated() {
		return sendRevokeResult(c, requestID, false, "Not authenticated")
	}

	if token != "" {
		if err := h.Identity.RevokeOneTimeToken(ctx, token); err != nil {
			c.Logger().Error().Err(err).Msg("token revoke failed")
			return sendRevokeResult(c, requestID, false, "Error revoking refresh token")
		}
	}
	return sendRevokeResult(c, requestID, true, "")
}
