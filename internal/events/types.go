// Package events defines the event bus and the events exchanged between the
// signaling core and its observers.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Session lifecycle
	EventSessionOpened EventType = "session_opened"
	EventSessionClosed EventType = "session_closed"

	// Negotiation and transfer state
	EventPeerStateChanged     EventType = "peer_state_changed"
	EventTransferStateChanged EventType = "transfer_state_changed"

	// Friend lifecycle, published by account management
	EventFriendRequestReceived  EventType = "friend_request_received"
	EventFriendRequestAccepted  EventType = "friend_request_accepted"
	EventFriendRequestRejected  EventType = "friend_request_rejected"
	EventFriendRequestCancelled EventType = "friend_request_cancelled"
	EventFriendRemoved          EventType = "friend_removed"

	// Device changes made through the socket or account management
	EventDeviceChanged EventType = "device_changed"

	EventShutdown EventType = "shutdown"
)

// FriendEventTypes lists every friend lifecycle event.
var FriendEventTypes = []EventType{
	EventFriendRequestReceived,
	EventFriendRequestAccepted,
	EventFriendRequestRejected,
	EventFriendRequestCancelled,
	EventFriendRemoved,
}

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// SessionPayload accompanies session_opened and session_closed.
type SessionPayload struct {
	ConnectionID string    `json:"connectionId"`
	Transport    string    `json:"transport"`
	UserID       string    `json:"userId"`
	DeviceID     string    `json:"deviceId,omitempty"`
	RemoteIP     string    `json:"remoteIp"`
	FirstOrLast  bool      `json:"firstOrLast"`
	At           time.Time `json:"at"`
}

// PeerStatePayload accompanies peer_state_changed.
type PeerStatePayload struct {
	PairID    string `json:"pairId"`
	RequestID string `json:"requestId"`
	State     string `json:"state"`
	Reason    string `json:"reason"`
}

// TransferStatePayload accompanies transfer_state_changed.
type TransferStatePayload struct {
	TransferID       string `json:"transferId"`
	SenderDeviceID   string `json:"senderDeviceId"`
	ReceiverDeviceID string `json:"receiverDeviceId"`
	State            string `json:"state"`
	Removed          bool   `json:"removed"`
}

// FriendPayload accompanies the friend lifecycle events. TargetUserID is the
// user whose sessions receive the push; Data is forwarded to them as-is.
type FriendPayload struct {
	TargetUserID string      `json:"targetUserId"`
	Data         interface{} `json:"data"`
}

// DeviceChangeKind distinguishes device_changed events.
type DeviceChangeKind string

const (
	DeviceRenamed DeviceChangeKind = "renamed"
	DeviceDeleted DeviceChangeKind = "deleted"
)

// DeviceChangedPayload accompanies device_changed.
type DeviceChangedPayload struct {
	Kind         DeviceChangeKind `json:"kind"`
	UserID       string           `json:"userId"`
	DeviceID     string           `json:"deviceId"`
	Name         string           `json:"name,omitempty"`
	Fingerprint  *string          `json:"fingerprint,omitempty"`
	TerminatedBy string           `json:"terminatedBy,omitempty"`
}
