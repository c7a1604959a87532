package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/tether-project/tether/internal/network"
	"github.com/tether-project/tether/internal/protocol"
)

// sendRawError replies ERROR_GENERIC with a plain string body, the shape used
// by the system and user modules.
func sendRawError(c *network.Connection, requestID int32, message string) error {
	return c.Send(protocol.ErrorGeneric, requestID, protocol.StringPayload(message))
}

func (h *Handlers) handleHeartbeat(ctx context.Context, c *network.Connection, r *protocol.PacketReader, requestID int32) error {
	// Older clients send a string body; it carries nothing we use.
	if !r.IsEnd() {
		r.ReadString()
	}

	if err := h.touch(ctx, c); err != nil {
		c.Logger().Error().Err(err).Msg("heartbeat failed")
		return sendRawError(c, requestID, fmt.Sprintf("Heartbeat failed: %v", err))
	}
	return c.Send(protocol.SystemHeartbeat, 0, nil)
}

func (h *Handlers) touch(ctx context.Context, c *network.Connection) error {
	id, err := identityOf(c)
	if err != nil {
		return err
	}
	return h.Devices.TouchActivity(ctx, id.SessionID, id.UserID)
}

var errDeviceNameRequired = errors.New("Invalid payload: deviceName is required")

func (h *Handlers) handleUpdateDevice(ctx context.Context, c *network.Connection, r *protocol.PacketReader, requestID int32) error {
	if err := h.updateDevice(ctx, c, r); err != nil {
		c.Logger().Error().Err(err).Msg("device info update failed")
		return sendRawError(c, requestID, fmt.Sprintf("Update failed: %v", err))
	}
	return nil
}

func (h *Handlers) updateDevice(ctx context.Context, c *network.Connection, r *protocol.PacketReader) error {
	var req protocol.UserUpdateDeviceRequest
	if err := readJSON(r, &req); err != nil {
		return errors.New("Invalid JSON data")
	}

	name := trimmed(req.DeviceName)
	if name == "" {
		return errDeviceNameRequired
	}

	id, err := identityOf(c)
	if err != nil {
		return err
	}
	if err := h.Devices.UpdateDeviceNameBySession(ctx, id.SessionID, name); err != nil {
		return err
	}

	c.Logger().Debug().Str("device_name", name).Msg("device info updated")
	return nil
}
