// Package presence fans presence, device and friend events out to the live
// sessions of the users they concern. Nothing is queued: a user with no
// live session simply misses the event.
package presence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tether-project/tether/internal/events"
	"github.com/tether-project/tether/internal/network"
	"github.com/tether-project/tether/internal/protocol"
	"github.com/tether-project/tether/internal/telemetry"
)

// FriendLister resolves a user's accepted friends.
type FriendLister interface {
	AcceptedFriendIDs(ctx context.Context, userID string) ([]string, error)
}

// Gateway pushes events to every registered session of a user.
type Gateway struct {
	registry *network.Registry
	friends  FriendLister
	metrics  *telemetry.Metrics
	logger   zerolog.Logger
}

// NewGateway creates a Gateway over the shared registry. metrics may be nil.
func NewGateway(registry *network.Registry, friends FriendLister, metrics *telemetry.Metrics) *Gateway {
	return &Gateway{
		registry: registry,
		friends:  friends,
		metrics:  metrics,
		logger:   log.With().Str("component", "presence").Logger(),
	}
}

// SendToUser pushes payload as JSON to every session of userID except
// excludeConnID, and returns the number of pushes.
func (g *Gateway) SendToUser(userID string, t protocol.PacketType, payload any, excludeConnID string) int {
	sessions := g.registry.ByUser(userID)
	if len(sessions) == 0 {
		return 0
	}

	data, err := json.Marshal(payload)
	if err != nil {
		g.logger.Error().Err(err).Str("packet", t.String()).Msg("failed to marshal fan-out payload")
		return 0
	}
	body := protocol.StringPayload(string(data))

	sent := 0
	for _, c := range sessions {
		if excludeConnID != "" && c.ID() == excludeConnID {
			continue
		}
		if err := c.Push(t, body); err != nil {
			continue
		}
		sent++
	}

	g.metrics.AddFanout(t.String(), sent)
	return sent
}

// UserOnline tells userID's accepted friends that the user came online.
func (g *Gateway) UserOnline(ctx context.Context, userID string) (int, error) {
	return g.broadcastToFriends(ctx, userID, protocol.FriendOnline)
}

// UserOffline tells userID's accepted friends that the user went offline.
func (g *Gateway) UserOffline(ctx context.Context, userID string) (int, error) {
	return g.broadcastToFriends(ctx, userID, protocol.FriendOffline)
}

func (g *Gateway) broadcastToFriends(ctx context.Context, userID string, t protocol.PacketType) (int, error) {
	friendIDs, err := g.friends.AcceptedFriendIDs(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to list friends of %s: %w", userID, err)
	}

	payload := protocol.FriendPresencePayload{UserID: userID}
	sent := 0
	for _, friendID := range friendIDs {
		sent += g.SendToUser(friendID, t, payload, "")
	}

	if len(friendIDs) > 0 {
		g.logger.Debug().
			Str("packet", t.String()).
			Str("user_id", userID).
			Int("friends", len(friendIDs)).
			Int("pushes", sent).
			Msg("friend presence broadcast")
	}
	return sent, nil
}

// DeviceOnline tells the owner's other sessions that a device connected.
func (g *Gateway) DeviceOnline(userID, deviceID, excludeConnID string) int {
	sent := g.SendToUser(userID, protocol.DeviceOnline, protocol.DevicePresencePayload{DeviceID: deviceID}, excludeConnID)
	g.logger.Debug().Str("device_id", deviceID).Int("pushes", sent).Msg("device online broadcast")
	return sent
}

// DeviceOffline tells the owner's remaining sessions that a device left.
func (g *Gateway) DeviceOffline(userID, deviceID string) int {
	return g.SendToUser(userID, protocol.DeviceOffline, protocol.DevicePresencePayload{DeviceID: deviceID}, "")
}

// DeviceUpdated broadcasts a rename to the owner's sessions.
func (g *Gateway) DeviceUpdated(userID, deviceID, name string) int {
	return g.SendToUser(userID, protocol.DeviceUpdated, protocol.DeviceRenameRequest{ID: deviceID, Name: name}, "")
}

// DeviceRemoved broadcasts a deletion to the owner's sessions.
func (g *Gateway) DeviceRemoved(userID string, payload protocol.DeviceRemovedPayload) int {
	return g.SendToUser(userID, protocol.DeviceRemoved, payload, "")
}

// FriendEvent pushes a friend lifecycle packet to targetUserID. It is dropped
// when the user has no live session.
func (g *Gateway) FriendEvent(t protocol.PacketType, targetUserID string, data any) int {
	if !g.registry.IsUserOnline(targetUserID) {
		g.logger.Debug().Str("packet", t.String()).Str("user_id", targetUserID).Msg("no active sessions, dropping friend event")
		return 0
	}
	return g.SendToUser(targetUserID, t, data, "")
}

var friendPackets = map[events.EventType]protocol.PacketType{
	events.EventFriendRequestReceived:  protocol.FriendRequestReceived,
	events.EventFriendRequestAccepted:  protocol.FriendRequestAccepted,
	events.EventFriendRequestRejected:  protocol.FriendRequestRejected,
	events.EventFriendRequestCancelled: protocol.FriendRequestCancelled,
	events.EventFriendRemoved:          protocol.FriendRemoved,
}

// Subscribe wires the friend lifecycle events of the bus to FriendEvent.
func (g *Gateway) Subscribe(bus *events.EventBus) {
	for _, et := range events.FriendEventTypes {
		bus.Subscribe(et, "presence", g.handleFriendEvent)
	}
}

func (g *Gateway) handleFriendEvent(_ context.Context, event events.Event) error {
	t, ok := friendPackets[event.Type]
	if !ok {
		return fmt.Errorf("unexpected event type %s", event.Type)
	}

	payload, ok := event.Payload.(events.FriendPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", event.Payload, event.Type)
	}

	g.FriendEvent(t, payload.TargetUserID, payload.Data)
	return nil
}
