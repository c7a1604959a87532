// Package protocol implements the binary wire protocol shared by the TCP and
// WebSocket transports. Every frame starts with a 1-byte packet type and a
// 4-byte little-endian signed request id, followed by a type-specific payload.
// Strings are encoded as a 2-byte little-endian length followed by UTF-8 bytes.
package protocol

import "fmt"

// PacketType is the 1-byte discriminator at the start of every frame.
type PacketType byte

// System packets.
const (
	SystemHandshake PacketType = 0x00
	SystemHeartbeat PacketType = 0x01
	SystemKick      PacketType = 0x02
)

// Auth packets.
const (
	AuthLoginRequest  PacketType = 0x10
	AuthLoginResponse PacketType = 0x11
	AuthTokenRefresh  PacketType = 0x12
	AuthTokenRevoke   PacketType = 0x13
	AuthLogout        PacketType = 0x14
)

// User packets.
const (
	UserUpdateDevice PacketType = 0x22
)

// Peer negotiation packets.
const (
	PeerConnectRequest    PacketType = 0x31
	PeerConnectResponse   PacketType = 0x32
	PeerSocketReady       PacketType = 0x33
	PeerConnectionInfo    PacketType = 0x34
	PeerIncomingRequest   PacketType = 0x35
	PeerConnectionConfirm PacketType = 0x37
	PeerDisconnect        PacketType = 0x38
	PeerDisconnected      PacketType = 0x39
	PeerAck               PacketType = 0x3A
)

// File transfer packets.
const (
	FileOffer  PacketType = 0x40
	FileAccept PacketType = 0x41
	FileReject PacketType = 0x42
	FileAck    PacketType = 0x45
)

// Device packets.
const (
	DeviceRename  PacketType = 0x90
	DeviceDelete  PacketType = 0x91
	DeviceUpdated PacketType = 0x92
	DeviceRemoved PacketType = 0x93
	DeviceAdded   PacketType = 0x94
	DeviceOnline  PacketType = 0x95
	DeviceOffline PacketType = 0x96
)

// Friend packets.
const (
	FriendRequestReceived  PacketType = 0xA0
	FriendRequestAccepted  PacketType = 0xA1
	FriendRequestRejected  PacketType = 0xA2
	FriendRequestCancelled PacketType = 0xA3
	FriendRemoved          PacketType = 0xA4
	FriendOnline           PacketType = 0xA5
	FriendOffline          PacketType = 0xA6
)

// Error packets.
const (
	ErrorGeneric    PacketType = 0xF0
	ErrorPermission PacketType = 0xF1
	ErrorNotFound   PacketType = 0xF2
)

const (
	// HeaderSize is the size of the frame header: type (1) + request id (4).
	HeaderSize = 5

	// MaxFrameSize bounds a single frame, header included.
	MaxFrameSize = 1 << 20

	// MaxStringLength is the largest string a u16 length prefix can describe.
	MaxStringLength = 65535

	// LengthPrefixSize is the size of the TCP stream length prefix.
	LengthPrefixSize = 4
)

var packetNames = map[PacketType]string{
	SystemHandshake:        "SYSTEM_HANDSHAKE",
	SystemHeartbeat:        "SYSTEM_HEARTBEAT",
	SystemKick:             "SYSTEM_KICK",
	AuthLoginRequest:       "AUTH_LOGIN_REQUEST",
	AuthLoginResponse:      "AUTH_LOGIN_RESPONSE",
	AuthTokenRefresh:       "AUTH_TOKEN_REFRESH",
	AuthTokenRevoke:        "AUTH_TOKEN_REVOKE",
	AuthLogout:             "AUTH_LOGOUT",
	UserUpdateDevice:       "USER_UPDATE_DEVICE",
	PeerConnectRequest:     "PEER_CONNECT_REQUEST",
	PeerConnectResponse:    "PEER_CONNECT_RESPONSE",
	PeerSocketReady:        "PEER_SOCKET_READY",
	PeerConnectionInfo:     "PEER_CONNECTION_INFO",
	PeerIncomingRequest:    "PEER_INCOMING_REQUEST",
	PeerConnectionConfirm:  "PEER_CONNECTION_CONFIRM",
	PeerDisconnect:         "PEER_DISCONNECT",
	PeerDisconnected:       "PEER_DISCONNECTED",
	PeerAck:                "PEER_ACK",
	FileOffer:              "FILE_OFFER",
	FileAccept:             "FILE_ACCEPT",
	FileReject:             "FILE_REJECT",
	FileAck:                "FILE_ACK",
	DeviceRename:           "DEVICE_RENAME",
	DeviceDelete:           "DEVICE_DELETE",
	DeviceUpdated:          "DEVICE_UPDATED",
	DeviceRemoved:          "DEVICE_REMOVED",
	DeviceAdded:            "DEVICE_ADDED",
	DeviceOnline:           "DEVICE_ONLINE",
	DeviceOffline:          "DEVICE_OFFLINE",
	FriendRequestReceived:  "FRIEND_REQUEST_RECEIVED",
	FriendRequestAccepted:  "FRIEND_REQUEST_ACCEPTED",
	FriendRequestRejected:  "FRIEND_REQUEST_REJECTED",
	FriendRequestCancelled: "FRIEND_REQUEST_CANCELLED",
	FriendRemoved:          "FRIEND_REMOVED",
	FriendOnline:           "FRIEND_ONLINE",
	FriendOffline:          "FRIEND_OFFLINE",
	ErrorGeneric:           "ERROR_GENERIC",
	ErrorPermission:        "ERROR_PERMISSION",
	ErrorNotFound:          "ERROR_NOT_FOUND",
}

// String returns the catalogue name of the packet type, or its hex value
// for types outside the catalogue.
func (t PacketType) String() string {
	if name, ok := packetNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_0x%02X", byte(t))
}

// Known reports whether t is part of the packet catalogue.
func (t PacketType) Known() bool {
	_, ok := packetNames[t]
	return ok
}
