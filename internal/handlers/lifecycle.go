package handlers

import (
	"context"
	"time"

	"github.com/tether-project/tether/internal/events"
	"github.com/tether-project/tether/internal/network"
	"github.com/tether-project/tether/internal/peer"
	"github.com/tether-project/tether/internal/transfer"
)

// Authenticated fans out presence for a newly authenticated connection.
func (h *Handlers) Authenticated(ctx context.Context, c *network.Connection, firstForUser bool) {
	id, ok := c.Identity()
	if !ok {
		return
	}

	if firstForUser {
		if _, err := h.Presence.UserOnline(ctx, id.UserID); err != nil {
			c.Logger().Error().Err(err).Msg("failed to broadcast friend online")
		}
	}

	deviceID := ""
	if d, err := h.Devices.DeviceBySession(ctx, id.SessionID); err == nil {
		deviceID = d.ID
		h.Presence.DeviceOnline(id.UserID, d.ID, c.ID())
	} else {
		c.Logger().Debug().Err(err).Msg("no device bound to session")
	}

	h.emitSession(ctx, events.EventSessionOpened, c, id, deviceID, firstForUser)
}

// Closed releases negotiations held by the connection's device and fans out
// offline presence.
func (h *Handlers) Closed(ctx context.Context, c *network.Connection, lastForUser bool) {
	id, ok := c.Identity()
	if !ok {
		return
	}

	deviceID := ""
	if d, err := h.Devices.DeviceBySession(ctx, id.SessionID); err == nil {
		deviceID = d.ID
		if n := h.Peers.HandleDeviceDisconnect(d.ID); n > 0 {
			c.Logger().Info().Str("device_id", d.ID).Int("negotiations", n).Msg("cleaned up peer negotiations")
		}
		h.Presence.DeviceOffline(id.UserID, d.ID)
	} else {
		c.Logger().Debug().Err(err).Msg("no device bound to closed session")
	}

	if lastForUser {
		if _, err := h.Presence.UserOffline(ctx, id.UserID); err != nil {
			c.Logger().Error().Err(err).Msg("failed to broadcast friend offline")
		}
	}

	h.emitSession(ctx, events.EventSessionClosed, c, id, deviceID, lastForUser)
}

func (h *Handlers) emitSession(ctx context.Context, t events.EventType, c *network.Connection, id network.Identity, deviceID string, firstOrLast bool) {
	if h.Bus == nil {
		return
	}
	h.Bus.Emit(context.WithoutCancel(ctx), events.Event{
		Type:   t,
		Source: "lifecycle",
		Payload: events.SessionPayload{
			ConnectionID: c.ID(),
			Transport:    string(c.Kind()),
			UserID:       id.UserID,
			DeviceID:     deviceID,
			RemoteIP:     c.RemoteIP(),
			FirstOrLast:  firstOrLast,
			At:           time.Now(),
		},
	})
}

// PublishStateChanges mirrors negotiation and transfer transitions onto the bus.
func (h *Handlers) PublishStateChanges() {
	if h.Bus == nil {
		return
	}

	h.Peers.OnChange(func(rec peer.Record) {
		h.Bus.Emit(context.Background(), events.Event{
			Type:   events.EventPeerStateChanged,
			Source: "peer",
			Payload: events.PeerStatePayload{
				PairID:    rec.PairID,
				RequestID: rec.RequestID,
				State:     string(rec.State),
				Reason:    string(rec.LastReason),
			},
		})
	})

	h.Transfers.OnChange(func(s transfer.Session, removed bool) {
		h.Bus.Emit(context.Background(), events.Event{
			Type:   events.EventTransferStateChanged,
			Source: "transfer",
			Payload: events.TransferStatePayload{
				TransferID:       s.TransferID,
				SenderDeviceID:   s.SenderDeviceID,
				ReceiverDeviceID: s.ReceiverDeviceID,
				State:            string(s.State),
				Removed:          removed,
			},
		})
	})
}
