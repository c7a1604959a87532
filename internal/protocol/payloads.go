package protocol

import "encoding/json"

// JSON payload shapes carried inside string fields of frames.

// MessagePayload is the body of error packets.
type MessagePayload struct {
	Message string `json:"message"`
}

// AckPayload is a generic success/failure reply.
type AckPayload struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// LoginUser is returned in a successful AUTH_LOGIN_RESPONSE.
type LoginUser struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// UserUpdateDeviceRequest is the body of USER_UPDATE_DEVICE.
type UserUpdateDeviceRequest struct {
	DeviceName string `json:"deviceName"`
}

// DeviceRenameRequest is the body of DEVICE_RENAME and DEVICE_UPDATED.
type DeviceRenameRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// DeviceDeleteRequest is the body of DEVICE_DELETE.
type DeviceDeleteRequest struct {
	ID string `json:"id"`
}

// DeviceRemovedPayload is pushed to a user's sessions after a device is deleted.
type DeviceRemovedPayload struct {
	ID           string  `json:"id"`
	Fingerprint  *string `json:"fingerprint"`
	TerminatedBy string  `json:"terminatedBy"`
}

// DevicePresencePayload is the body of DEVICE_ONLINE and DEVICE_OFFLINE.
type DevicePresencePayload struct {
	DeviceID string `json:"deviceId"`
}

// FriendPresencePayload is the body of FRIEND_ONLINE and FRIEND_OFFLINE.
type FriendPresencePayload struct {
	UserID string `json:"userId"`
}

// FriendIDPayload is the body of friend rejected/cancelled/removed events.
type FriendIDPayload struct {
	FriendID string `json:"friendId"`
}

// PeerConnectRequestPayload is the body of PEER_CONNECT_REQUEST.
type PeerConnectRequestPayload struct {
	TargetDeviceID string `json:"targetDeviceId"`
}

// Peer connect response statuses.
const (
	PeerStatusPending   = "pending"
	PeerStatusDuplicate = "duplicate"
	PeerStatusFailed    = "failed"
)

// PeerConnectResponsePayload is the body of PEER_CONNECT_RESPONSE.
type PeerConnectResponsePayload struct {
	Success   bool   `json:"success"`
	Status    string `json:"status"`
	RequestID string `json:"requestId,omitempty"`
	Message   string `json:"message"`
}

// PeerIncomingRequestPayload is pushed to the target of a peer connect.
type PeerIncomingRequestPayload struct {
	RequestID        string  `json:"requestId"`
	SourceDeviceID   string  `json:"sourceDeviceId"`
	SourceDeviceName string  `json:"sourceDeviceName"`
	SourceIP         string  `json:"sourceIp"`
	Fingerprint      *string `json:"fingerprint"`
}

// PeerSocketReadyPayload is the body of PEER_SOCKET_READY from the target.
type PeerSocketReadyPayload struct {
	RequestID string `json:"requestId"`
	Port      int    `json:"port"`
}

// PeerConnectionInfoPayload is pushed to the source once the target listens.
type PeerConnectionInfoPayload struct {
	RequestID   string  `json:"requestId"`
	IP          string  `json:"ip"`
	Port        int     `json:"port"`
	DeviceName  string  `json:"deviceName"`
	Fingerprint *string `json:"fingerprint"`
}

// PeerConnectionConfirmPayload is the body of PEER_CONNECTION_CONFIRM.
type PeerConnectionConfirmPayload struct {
	RequestID string `json:"requestId"`
}

// PeerDisconnectPayload is the body of PEER_DISCONNECT.
type PeerDisconnectPayload struct {
	TargetDeviceID string `json:"targetDeviceId"`
	Reason         string `json:"reason,omitempty"`
}

// PeerDisconnectedPayload is pushed to the other side of a disconnect.
type PeerDisconnectedPayload struct {
	DeviceID string `json:"deviceId"`
	Reason   string `json:"reason"`
}

// FileOfferPayload is the body of FILE_OFFER from the sender.
type FileOfferPayload struct {
	TransferID   string            `json:"transferId"`
	FromDeviceID string            `json:"fromDeviceId,omitempty"`
	ToDeviceID   string            `json:"toDeviceId"`
	Files        []json.RawMessage `json:"files"`
}

// FileOfferForwardPayload is the FILE_OFFER delivered to the receiver.
type FileOfferForwardPayload struct {
	TransferID              string            `json:"transferId"`
	SenderDeviceID          string            `json:"senderDeviceId"`
	SenderDeviceFingerprint *string           `json:"senderDeviceFingerprint"`
	SenderDeviceName        string            `json:"senderDeviceName"`
	SenderUserID            string            `json:"senderUserId"`
	SenderUserName          string            `json:"senderUserName"`
	Files                   []json.RawMessage `json:"files"`
}

// FileAcceptPayload is the body of FILE_ACCEPT from the receiver.
type FileAcceptPayload struct {
	TransferID     string `json:"transferId"`
	SenderDeviceID string `json:"senderDeviceId"`
	Address        string `json:"address"`
	Port           int    `json:"port"`
}

// FileAcceptForwardPayload is the FILE_ACCEPT delivered to the sender.
type FileAcceptForwardPayload struct {
	TransferID          string  `json:"transferId"`
	SenderDeviceID      string  `json:"senderDeviceId"`
	ReceiverDeviceID    string  `json:"receiverDeviceId"`
	ReceiverFingerprint *string `json:"receiverFingerprint"`
	Address             string  `json:"address"`
	Port                int     `json:"port"`
}

// FileRejectPayload is the body of FILE_REJECT in both directions.
type FileRejectPayload struct {
	TransferID       string `json:"transferId"`
	SenderDeviceID   string `json:"senderDeviceId,omitempty"`
	ReceiverDeviceID string `json:"receiverDeviceId,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

// FileAckPayload is the optional structured part of a FILE_ACK body.
type FileAckPayload struct {
	TransferID string `json:"transferId"`
}

// ValidPort reports whether port is a usable TCP port.
func ValidPort(port int) bool {
	return port >= 1 && port <= 65535
}
