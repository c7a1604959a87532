package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/tether-project/tether/internal/network"
	"github.com/tether-project/tether/internal/protocol"
)

const (
	targetNotConnectedReason = "Target device is not connected"
	defaultRejectReason      = "Transfer rejected by receiver"
)

// transferFailure answers a rejected FILE_* packet as ERROR_GENERIC.
func (h *Handlers) transferFailure(c *network.Connection, t protocol.PacketType, requestID int32, err error) error {
	c.Logger().Error().Err(err).Str("packet", t.String()).Msg("file transfer packet rejected")
	return c.SendError(protocol.ErrorGeneric, requestID, fmt.Sprintf("%s rejected: %v", t, err))
}

// deviceOf resolves the device bound to the connection's session.
func (h *Handlers) deviceOf(ctx context.Context, c *network.Connection) (string, error) {
	id, err := identityOf(c)
	if err != nil {
		return "", err
	}
	d, err := h.Devices.DeviceBySession(ctx, id.SessionID)
	if err != nil {
		return "", err
	}
	return d.ID, nil
}

// connectionForDeviceID loads a device and returns its live connection.
func (h *Handlers) connectionForDeviceID(ctx context.Context, deviceID string) (*network.Connection, bool) {
	d, err := h.Devices.DeviceByID(ctx, deviceID)
	if err != nil {
		return nil, false
	}
	return h.connectionForDevice(d)
}

func (h *Handlers) handleFileOffer(ctx context.Context, c *network.Connection, r *protocol.PacketReader, requestID int32) error {
	if err := h.fileOffer(ctx, c, r, requestID); err != nil {
		return h.transferFailure(c, protocol.FileOffer, requestID, err)
	}
	return nil
}

func (h *Handlers) fileOffer(ctx context.Context, c *network.Connection, r *protocol.PacketReader, requestID int32) error {
	var req protocol.FileOfferPayload
	if err := readJSON(r, &req); err != nil {
		return errors.New("Invalid FILE_OFFER payload")
	}
	transferID := trimmed(req.TransferID)
	targetID := trimmed(req.ToDeviceID)
	if transferID == "" || targetID == "" || len(req.Files) == 0 {
		return errors.New("Invalid FILE_OFFER payload")
	}

	id, err := identityOf(c)
	if err != nil {
		return err
	}
	sender, err := h.Devices.DeviceBySession(ctx, id.SessionID)
	if err != nil {
		return errors.New("Unauthorized sender device")
	}

	if req.FromDeviceID != "" && req.FromDeviceID != sender.ID {
		c.Logger().Warn().
			Str("claimed", req.FromDeviceID).
			Str("device_id", sender.ID).
			Msg("ignoring spoofed fromDeviceId")
	}

	if sender.ID == targetID {
		return errors.New("Cannot transfer files to the same device")
	}

	targetConn, ok := h.connectionForDeviceID(ctx, targetID)
	if !ok {
		c.Logger().Warn().Str("target", targetID).Msg("file offer target not connected")
		return c.SendJSON(protocol.FileReject, requestID, protocol.FileRejectPayload{
			TransferID:     transferID,
			SenderDeviceID: sender.ID,
			Reason:         targetNotConnectedReason,
		})
	}

	if _, err := h.Transfers.RegisterOffer(transferID, sender.ID, targetID); err != nil {
		return err
	}

	c.Logger().Info().Str("transfer_id", transferID).Str("target", targetID).Msg("file offer forwarded")
	return targetConn.PushJSON(protocol.FileOffer, protocol.FileOfferForwardPayload{
		TransferID:              transferID,
		SenderDeviceID:          sender.ID,
		SenderDeviceFingerprint: sender.Fingerprint,
		SenderDeviceName:        sender.Name,
		SenderUserID:            id.UserID,
		SenderUserName:          id.UserName,
		Files:                   req.Files,
	})
}

func (h *Handlers) handleFileAccept(ctx context.Context, c *network.Connection, r *protocol.PacketReader, requestID int32) error {
	if err := h.fileAccept(ctx, c, r); err != nil {
		return h.transferFailure(c, protocol.FileAccept, requestID, err)
	}
	return nil
}

func (h *Handlers) fileAccept(ctx context.Context, c *network.Connection, r *protocol.PacketReader) error {
	var req protocol.FileAcceptPayload
	if err := readJSON(r, &req); err != nil {
		return errors.New("Invalid FILE_ACCEPT payload")
	}
	transferID := trimmed(req.TransferID)
	senderID := trimmed(req.SenderDeviceID)
	if transferID == "" || senderID == "" || trimmed(req.Address) == "" {
		return errors.New("Invalid FILE_ACCEPT payload")
	}
	if !protocol.ValidPort(req.Port) {
		return errors.New("Invalid FILE_ACCEPT port")
	}

	id, err := identityOf(c)
	if err != nil {
		return err
	}
	receiver, err := h.Devices.DeviceBySession(ctx, id.SessionID)
	if err != nil {
		return errors.New("Could not determine receiver device ID from connection")
	}

	if _, err := h.Transfers.EnsureParticipants(transferID, senderID, receiver.ID); err != nil {
		return errors.New("FILE_ACCEPT does not match an active transfer session")
	}

	senderConn, ok := h.connectionForDeviceID(ctx, senderID)
	if !ok {
		c.Logger().Warn().Str("sender", senderID).Msg("file accept sender not connected")
		return nil
	}

	if _, err := h.Transfers.MarkAccepted(transferID); err != nil {
		return err
	}

	c.Logger().Info().Str("transfer_id", transferID).Str("sender", senderID).Msg("file accept forwarded")
	return senderConn.PushJSON(protocol.FileAccept, protocol.FileAcceptForwardPayload{
		TransferID:          transferID,
		SenderDeviceID:      senderID,
		ReceiverDeviceID:    receiver.ID,
		ReceiverFingerprint: receiver.Fingerprint,
		Address:             req.Address,
		Port:                req.Port,
	})
}

func (h *Handlers) handleFileReject(ctx context.Context, c *network.Connection, r *protocol.PacketReader, requestID int32) error {
	if err := h.fileReject(ctx, c, r); err != nil {
		return h.transferFailure(c, protocol.FileReject, requestID, err)
	}
	return nil
}

func (h *Handlers) fileReject(ctx context.Context, c *network.Connection, r *protocol.PacketReader) error {
	var req protocol.FileRejectPayload
	if err := readJSON(r, &req); err != nil {
		return errors.New("Invalid FILE_REJECT payload")
	}
	transferID := trimmed(req.TransferID)
	if transferID == "" {
		return errors.New("Invalid FILE_REJECT payload")
	}

	rejector, err := h.deviceOf(ctx, c)
	if err != nil {
		return errors.New("Unauthorized rejector device")
	}

	senderID := trimmed(req.SenderDeviceID)
	if senderID == "" {
		senderID = trimmed(req.ReceiverDeviceID)
	}
	if senderID == "" {
		if s, ok := h.Transfers.Lookup(transferID); ok {
			senderID = s.SenderDeviceID
		}
	}
	if senderID == "" {
		return errors.New("Missing sender device for FILE_REJECT")
	}

	if _, err := h.Transfers.EnsureParticipants(transferID, senderID, rejector); err != nil {
		return errors.New("FILE_REJECT does not match an active transfer session")
	}
	h.Transfers.Remove(transferID)

	senderConn, ok := h.connectionForDeviceID(ctx, senderID)
	if !ok {
		c.Logger().Warn().Str("sender", senderID).Msg("file reject sender not connected")
		return nil
	}

	reason := req.Reason
	if reason == "" {
		reason = defaultRejectReason
	}

	c.Logger().Info().Str("transfer_id", transferID).Str("sender", senderID).Msg("file reject forwarded")
	return senderConn.PushJSON(protocol.FileReject, protocol.FileRejectPayload{
		TransferID:     transferID,
		SenderDeviceID: senderID,
		Reason:         reason,
	})
}

func (h *Handlers) handleFileAck(ctx context.Context, c *network.Connection, r *protocol.PacketReader, requestID int32) error {
	if err := h.fileAck(ctx, c, r); err != nil {
		return h.transferFailure(c, protocol.FileAck, requestID, err)
	}
	return nil
}

func (h *Handlers) fileAck(ctx context.Context, c *network.Connection, r *protocol.PacketReader) error {
	target, err := r.ReadString()
	if err != nil {
		return err
	}
	ackJSON, err := r.ReadString()
	if err != nil {
		return err
	}

	targetID := trimmed(target)
	if targetID == "" {
		return errors.New("Invalid FILE_ACK target device")
	}

	senderID, err := h.deviceOf(ctx, c)
	if err != nil {
		return errors.New("Unauthorized ACK sender")
	}

	session, err := h.Transfers.ResolveForAck(senderID, targetID, ackJSON)
	if err != nil {
		return errors.New("FILE_ACK does not match an accepted transfer session")
	}

	targetConn, ok := h.connectionForDeviceID(ctx, targetID)
	if !ok {
		c.Logger().Warn().Str("target", targetID).Msg("file ack target not connected")
		return nil
	}

	c.Logger().Info().Str("transfer_id", session.TransferID).Str("target", targetID).Msg("file ack forwarded")
	return targetConn.Push(protocol.FileAck, protocol.StringPayload(ackJSON))
}
