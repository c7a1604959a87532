package handlers

import (
	"context"
	"errors"
	"strconv"

	"github.com/tether-project/tether/internal/network"
	"github.com/tether-project/tether/internal/peer"
	"github.com/tether-project/tether/internal/protocol"
)

// peerError is a failure reported to the client with its exact message.
type peerError string

func (e peerError) Error() string { return string(e) }

const (
	errPeerTargetRequired   peerError = "Invalid payload: targetDeviceId is required"
	errPeerReadyPayload     peerError = "Invalid payload: requestId and port are required"
	errPeerConfirmPayload   peerError = "Invalid payload: requestId is required"
	errPeerSourceNotFound   peerError = "Source device not found or not registered"
	errPeerTargetNotFound   peerError = "Target device not found or does not belong to your account"
	errPeerSelf             peerError = "Cannot connect to yourself"
	errPeerInvalidPort      peerError = "Invalid port number"
	errPeerNoPending        peerError = "No pending request found for this ID"
	errPeerDeviceNotFound   peerError = "Device not found"
	errPeerUpdateFailed     peerError = "Failed to update connection state"
	errPeerSourceGone       peerError = "Source device is no longer connected"
	errPeerConfirmFailed    peerError = "Connection not found or already in different state"
	errPeerDisconnectSource peerError = "Source device not found"
)

const defaultDisconnectReason = "Peer disconnected"

func sendConnectResponse(c *network.Connection, requestID int32, resp protocol.PeerConnectResponsePayload) error {
	return c.SendJSON(protocol.PeerConnectResponse, requestID, resp)
}

func (h *Handlers) handlePeerConnect(ctx context.Context, c *network.Connection, r *protocol.PacketReader, requestID int32) error {
	var req protocol.PeerConnectRequestPayload
	if err := readJSON(r, &req); err != nil || req.TargetDeviceID == "" {
		return h.connectFailure(c, requestID, errPeerTargetRequired)
	}
	if err := h.connect(ctx, c, requestID, req); err != nil {
		return h.connectFailure(c, requestID, err)
	}
	return nil
}

func (h *Handlers) connectFailure(c *network.Connection, requestID int32, err error) error {
	c.Logger().Error().Err(err).Msg("peer connect request failed")
	return sendConnectResponse(c, requestID, protocol.PeerConnectResponsePayload{
		Success: false,
		Status:  protocol.PeerStatusFailed,
		Message: err.Error(),
	})
}

func (h *Handlers) connect(ctx context.Context, c *network.Connection, requestID int32, req protocol.PeerConnectRequestPayload) error {
	id, err := identityOf(c)
	if err != nil {
		return err
	}

	source, err := h.Devices.DeviceBySessionAndUser(ctx, id.SessionID, id.UserID)
	if err != nil {
		return errPeerSourceNotFound
	}
	target, err := h.Devices.OwnedDevice(ctx, id.UserID, req.TargetDeviceID)
	if err != nil {
		return errPeerTargetNotFound
	}
	if source.ID == target.ID {
		return errPeerSelf
	}

	rec, err := h.Peers.AttemptConnection(peer.Attempt{
		SourceDeviceID:  source.ID,
		TargetDeviceID:  target.ID,
		RequestID:       strconv.FormatInt(int64(requestID), 10),
		SourceConnID:    c.ID(),
		SourceTransport: string(c.Kind()),
	})
	if errors.Is(err, peer.ErrDuplicate) {
		c.Logger().Debug().
			Str("source", source.Name).
			Str("target", target.Name).
			Str("existing_request", rec.RequestID).
			Msg("connection attempt rejected as duplicate")
		return sendConnectResponse(c, requestID, protocol.PeerConnectResponsePayload{
			Success:   false,
			Status:    protocol.PeerStatusDuplicate,
			RequestID: rec.RequestID,
			Message:   err.Error(),
		})
	}
	if err != nil {
		return err
	}

	targetConn, ok := h.connectionForDevice(target)
	if !ok {
		h.Peers.MarkDisconnected(source.ID, target.ID, peer.ReasonDeviceOffline)
		return sendConnectResponse(c, requestID, protocol.PeerConnectResponsePayload{
			Success: false,
			Status:  protocol.PeerStatusFailed,
			Message: "Target device is offline",
		})
	}

	c.Logger().Info().
		Str("source", source.Name).
		Str("target", target.Name).
		Str("request_id", rec.RequestID).
		Msg("peer connect")

	targetConn.PushJSON(protocol.PeerIncomingRequest, protocol.PeerIncomingRequestPayload{
		RequestID:        rec.RequestID,
		SourceDeviceID:   source.ID,
		SourceDeviceName: source.Name,
		SourceIP:         c.RemoteIP(),
		Fingerprint:      source.Fingerprint,
	})

	return sendConnectResponse(c, requestID, protocol.PeerConnectResponsePayload{
		Success:   true,
		Status:    protocol.PeerStatusPending,
		RequestID: rec.RequestID,
		Message:   "Connection request sent to target device",
	})
}

func (h *Handlers) handlePeerSocketReady(ctx context.Context, c *network.Connection, r *protocol.PacketReader, requestID int32) error {
	var req protocol.PeerSocketReadyPayload
	if err := readJSON(r, &req); err != nil || req.RequestID == "" || req.Port == 0 {
		return h.socketReadyFailure(c, requestID, errPeerReadyPayload)
	}
	if err := h.socketReady(ctx, c, requestID, req); err != nil {
		return h.socketReadyFailure(c, requestID, err)
	}
	return nil
}

func (h *Handlers) socketReadyFailure(c *network.Connection, requestID int32, err error) error {
	c.Logger().Error().Err(err).Msg("peer socket ready failed")
	return c.SendJSON(protocol.PeerSocketReady, requestID, protocol.AckPayload{Success: false, Message: err.Error()})
}

func (h *Handlers) socketReady(ctx context.Context, c *network.Connection, requestID int32, req protocol.PeerSocketReadyPayload) error {
	if !protocol.ValidPort(req.Port) {
		return errPeerInvalidPort
	}

	id, err := identityOf(c)
	if err != nil {
		return err
	}
	device, err := h.Devices.DeviceBySessionAndUser(ctx, id.SessionID, id.UserID)
	if err != nil {
		return errPeerDeviceNotFound
	}

	if _, ok := h.Peers.LookupByRequest(req.RequestID, device.ID); !ok {
		return errPeerNoPending
	}

	updated, err := h.Peers.MarkTargetAccepted(req.RequestID, device.ID, c.ID(), req.Port)
	switch {
	case errors.Is(err, peer.ErrSourceGone):
		c.Logger().Warn().Str("source_conn", updated.SourceConnID).Msg("source connection no longer available")
		return errPeerSourceGone
	case err != nil:
		return errPeerUpdateFailed
	}

	sourceConn, ok := h.Registry.Get(updated.SourceConnID)
	if !ok {
		h.Peers.MarkDisconnected(updated.DeviceA, updated.DeviceB, peer.ReasonDeviceOffline)
		return errPeerSourceGone
	}

	c.Logger().Info().
		Str("device", device.Name).
		Str("ip", c.RemoteIP()).
		Int("port", req.Port).
		Msg("peer socket ready")

	sourceConn.PushJSON(protocol.PeerConnectionInfo, protocol.PeerConnectionInfoPayload{
		RequestID:   req.RequestID,
		IP:          c.RemoteIP(),
		Port:        req.Port,
		DeviceName:  device.Name,
		Fingerprint: device.Fingerprint,
	})

	return c.SendJSON(protocol.PeerSocketReady, requestID, protocol.AckPayload{
		Success: true,
		Message: "Connection info relayed to source device",
	})
}

func (h *Handlers) ackFailure(c *network.Connection, requestID int32, err error) error {
	c.Logger().Error().Err(err).Msg("peer request failed")
	return c.SendJSON(protocol.PeerAck, requestID, protocol.AckPayload{Success: false, Message: err.Error()})
}

func (h *Handlers) handlePeerConfirm(ctx context.Context, c *network.Connection, r *protocol.PacketReader, requestID int32) error {
	var req protocol.PeerConnectionConfirmPayload
	if err := readJSON(r, &req); err != nil || req.RequestID == "" {
		return h.ackFailure(c, requestID, errPeerConfirmPayload)
	}

	id, err := identityOf(c)
	if err != nil {
		return h.ackFailure(c, requestID, err)
	}
	device, err := h.Devices.DeviceBySessionAndUser(ctx, id.SessionID, id.UserID)
	if err != nil {
		return h.ackFailure(c, requestID, errPeerDeviceNotFound)
	}

	if _, err := h.Peers.MarkConnected(req.RequestID, device.ID); err != nil {
		return h.ackFailure(c, requestID, errPeerConfirmFailed)
	}

	c.Logger().Info().Str("request_id", req.RequestID).Msg("p2p connection confirmed")
	return c.SendJSON(protocol.PeerAck, requestID, protocol.AckPayload{Success: true, Message: "Connection confirmed"})
}

func (h *Handlers) handlePeerDisconnect(ctx context.Context, c *network.Connection, r *protocol.PacketReader, requestID int32) error {
	var req protocol.PeerDisconnectPayload
	if err := readJSON(r, &req); err != nil || req.TargetDeviceID == "" {
		return h.ackFailure(c, requestID, errPeerTargetRequired)
	}
	if err := h.disconnect(ctx, c, req); err != nil {
		return h.ackFailure(c, requestID, err)
	}
	return c.SendJSON(protocol.PeerAck, requestID, protocol.AckPayload{Success: true, Message: "Disconnected"})
}

func (h *Handlers) disconnect(ctx context.Context, c *network.Connection, req protocol.PeerDisconnectPayload) error {
	id, err := identityOf(c)
	if err != nil {
		return err
	}
	source, err := h.Devices.DeviceBySessionAndUser(ctx, id.SessionID, id.UserID)
	if err != nil {
		return errPeerDisconnectSource
	}

	if h.Peers.MarkDisconnected(source.ID, req.TargetDeviceID, peer.ReasonExplicitDisconnect) {
		c.Logger().Info().Str("source", source.ID).Str("target", req.TargetDeviceID).Msg("peer disconnected")
	}

	target, err := h.Devices.DeviceByID(ctx, req.TargetDeviceID)
	if err != nil {
		return nil
	}
	if targetConn, ok := h.connectionForDevice(target); ok {
		reason := req.Reason
		if reason == "" {
			reason = defaultDisconnectReason
		}
		targetConn.PushJSON(protocol.PeerDisconnected, protocol.PeerDisconnectedPayload{
			DeviceID: source.ID,
			Reason:   reason,
		})
	}
	return nil
}
