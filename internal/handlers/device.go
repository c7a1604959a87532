package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/tether-project/tether/internal/events"
	"github.com/tether-project/tether/internal/network"
	"github.com/tether-project/tether/internal/protocol"
	"github.com/tether-project/tether/internal/store"
)

const unknownDeviceName = "Unknown Device"

var (
	errInvalidPayload = errors.New("Invalid payload")
	errDeviceNotFound = errors.New("Device not found")
)

func (h *Handlers) handleDeviceRename(ctx context.Context, c *network.Connection, r *protocol.PacketReader, requestID int32) error {
	if err := h.renameDevice(ctx, c, r); err != nil {
		c.Logger().Error().Err(err).Msg("failed to rename device")
		return c.SendError(protocol.ErrorGeneric, requestID, fmt.Sprintf("Rename failed: %v", err))
	}
	return nil
}

func (h *Handlers) renameDevice(ctx context.Context, c *network.Connection, r *protocol.PacketReader) error {
	var req protocol.DeviceRenameRequest
	if err := readJSON(r, &req); err != nil || req.ID == "" || req.Name == "" {
		return errInvalidPayload
	}

	id, err := identityOf(c)
	if err != nil {
		return err
	}

	if _, err := h.Devices.OwnedDevice(ctx, id.UserID, req.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errDeviceNotFound
		}
		return err
	}

	if err := h.Devices.RenameDevice(ctx, req.ID, req.Name); err != nil {
		return err
	}

	h.Presence.DeviceUpdated(id.UserID, req.ID, req.Name)
	h.emitDeviceChanged(ctx, events.DeviceChangedPayload{
		Kind:     events.DeviceRenamed,
		UserID:   id.UserID,
		DeviceID: req.ID,
		Name:     req.Name,
	})

	c.Logger().Debug().Str("device_id", req.ID).Str("name", req.Name).Msg("device renamed")
	return nil
}

func (h *Handlers) handleDeviceDelete(ctx context.Context, c *network.Connection, r *protocol.PacketReader, requestID int32) error {
	if err := h.deleteDevice(ctx, c, r); err != nil {
		c.Logger().Error().Err(err).Msg("failed to delete device")
		return c.SendError(protocol.ErrorGeneric, requestID, fmt.Sprintf("Delete failed: %v", err))
	}
	return nil
}

func (h *Handlers) deleteDevice(ctx context.Context, c *network.Connection, r *protocol.PacketReader) error {
	var req protocol.DeviceDeleteRequest
	if err := readJSON(r, &req); err != nil || req.ID == "" {
		return errInvalidPayload
	}

	id, err := identityOf(c)
	if err != nil {
		return err
	}

	device, err := h.Devices.OwnedDevice(ctx, id.UserID, req.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errDeviceNotFound
		}
		return err
	}

	if err := h.Devices.DeleteDevice(ctx, req.ID); err != nil {
		return err
	}
	if device.CurrentSessionID != "" {
		if err := h.Devices.DeleteSession(ctx, device.CurrentSessionID); err != nil {
			return err
		}
	}

	actor := unknownDeviceName
	if id.SessionID != "" {
		if d, err := h.Devices.DeviceBySession(ctx, id.SessionID); err == nil {
			actor = d.Name
		}
	}

	h.Presence.DeviceRemoved(id.UserID, protocol.DeviceRemovedPayload{
		ID:           req.ID,
		Fingerprint:  device.Fingerprint,
		TerminatedBy: actor,
	})
	h.emitDeviceChanged(ctx, events.DeviceChangedPayload{
		Kind:         events.DeviceDeleted,
		UserID:       id.UserID,
		DeviceID:     req.ID,
		Fingerprint:  device.Fingerprint,
		TerminatedBy: actor,
	})

	c.Logger().Debug().
		Str("device_id", req.ID).
		Str("terminated_session", device.CurrentSessionID).
		Msg("device deleted")
	return nil
}

func (h *Handlers) emitDeviceChanged(ctx context.Context, payload events.DeviceChangedPayload) {
	if h.Bus == nil {
		return
	}
	h.Bus.Emit(context.WithoutCancel(ctx), events.Event{
		Type:    events.EventDeviceChanged,
		Source:  "handlers",
		Payload: payload,
	})
}
