// SPDX-FileCopyrightText: (c) 2025 The ferrypost authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package commands defines the typed events exchanged between clients,
// relays and the base node, along with their acknowledgement payloads.
package commands

import "time"

// Event names.  These appear verbatim on the wire in the envelope's event
// field.
const (
	RegisterRelay          = "registerRelay"
	RelayHeartbeat         = "relayHeartbeat"
	RegisterUser           = "registerUser"
	CheckUser              = "checkUser"
	SendMessage            = "sendMessage"
	DeliverMessage         = "deliverMessage"
	ConfirmMessageDelivery = "confirmMessageDelivery"
	GetAvailableRelays     = "getAvailableRelays"
	UserStatusUpdate       = "userStatusUpdate"
	RelayStatusUpdate      = "relayStatusUpdate"
	UsernameReleased       = "usernameReleased"
	UserLogout             = "userLogout"
)

// Failure reasons carried in acknowledgement payloads.  Every public
// operation acknowledges either success or one of these typed reasons,
// never an opaque error.
const (
	ReasonNotFound           = "not_found"
	ReasonOffline            = "offline"
	ReasonRelayUnavailable   = "relay_unavailable"
	ReasonConflict           = "conflict"
	ReasonExpired            = "expired"
	ReasonBounceLimit        = "bounce_limit_exceeded"
	ReasonTransportFailure   = "transport_failure"
	ReasonMalformedRequest   = "malformed_request"
)

// Capabilities describes what a relay offers to its clients.
type Capabilities struct {
	OfflineRelay bool `json:"offlineRelay"`
	Encryption   bool `json:"encryption"`
}

// RegisterRelayRequest is sent by a relay over its uplink on connect.
type RegisterRelayRequest struct {
	IP           string       `json:"ip,omitempty"`
	Port         int          `json:"port,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
}

// RegisterRelayResponse acknowledges relay registration with the assigned
// relay identifier.
type RegisterRelayResponse struct {
	Success bool   `json:"success"`
	RelayID string `json:"relayId,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// RelayHeartbeatRequest refreshes a relay's liveness and reports advisory
// load counters.
type RelayHeartbeatRequest struct {
	RelayID             string `json:"relayId,omitempty"`
	Status              string `json:"status,omitempty"`
	ConnectedUsers      int    `json:"connectedUsers,omitempty"`
	PendingMessageCount int    `json:"pendingMessageCount,omitempty"`
}

// RelayHeartbeatResponse acknowledges a heartbeat.
type RelayHeartbeatResponse struct {
	Success bool   `json:"success"`
	RelayID string `json:"relayId,omitempty"`
}

// RegisterUserRequest claims a username for a device.
type RegisterUserRequest struct {
	Username  string `json:"username"`
	DeviceID  string `json:"deviceId"`
	PublicKey []byte `json:"publicKey,omitempty"`
	RelayID   string `json:"relayId,omitempty"`
}

// RegisterUserResponse acknowledges a registration attempt.
type RegisterUserResponse struct {
	Success         bool   `json:"success"`
	Reason          string `json:"reason,omitempty"`
	IsNewDevice     bool   `json:"isNewDevice,omitempty"`
	PendingMessages int    `json:"pendingMessages,omitempty"`
}

// CheckUserRequest probes username availability.
type CheckUserRequest struct {
	Username string `json:"username"`
}

// CheckUserResponse reports existence and online status.
type CheckUserResponse struct {
	Exists bool `json:"exists"`
	Online bool `json:"online"`
}

// SendMessageRequest routes a message towards a destination username.  The
// payload is either plaintext Message or the EncryptedContent/IV pair, with
// Encrypted as the discriminator; the routing layer treats both as opaque.
type SendMessageRequest struct {
	From             string `json:"from,omitempty"`
	To               string `json:"to"`
	Message          string `json:"message,omitempty"`
	DeviceID         string `json:"deviceId,omitempty"`
	Encrypted        bool   `json:"encrypted,omitempty"`
	EncryptedContent string `json:"encryptedContent,omitempty"`
	IV               string `json:"iv,omitempty"`
	Bounce           bool   `json:"bounce,omitempty"`
	TTLSeconds       uint64 `json:"ttl,omitempty"`

	// BounceCount carries the accumulated bounce budget spend when a
	// relay re-offers a message it could not deliver locally.
	BounceCount int `json:"bounceCount,omitempty"`
}

// SendMessageResponse acknowledges a routing attempt.
type SendMessageResponse struct {
	Delivered bool       `json:"delivered"`
	Bounced   bool       `json:"bounced,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// DeliverMessageEvent carries a message to its final hop (base to relay, or
// relay/base to client).  Fire and forget, optionally followed by a
// ConfirmMessageDelivery request from the receiving side.
type DeliverMessageEvent struct {
	ID               string    `json:"id"`
	From             string    `json:"from"`
	To               string    `json:"to,omitempty"`
	Message          string    `json:"message,omitempty"`
	FromDeviceID     string    `json:"fromDeviceId,omitempty"`
	Encrypted        bool      `json:"encrypted,omitempty"`
	EncryptedContent string    `json:"encryptedContent,omitempty"`
	IV               string    `json:"iv,omitempty"`
	Timestamp        time.Time `json:"timestamp"`

	// ExpiresAt and BounceCount propagate the message's remaining queue
	// lifetime and bounce budget spend across hops, so a relay that has
	// to re-offer the message keeps the bound intact.
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	BounceCount int        `json:"bounceCount,omitempty"`
}

// ConfirmMessageDeliveryRequest reports that a spooled message reached its
// recipient and may be dropped from the queue.
type ConfirmMessageDeliveryRequest struct {
	MessageID string `json:"messageId"`
	To        string `json:"to"`
}

// ConfirmMessageDeliveryResponse acknowledges a delivery confirmation.
type ConfirmMessageDeliveryResponse struct {
	Success bool `json:"success"`
}

// RelayInfo is a single entry of the available relay list.
type RelayInfo struct {
	ID     string `json:"id"`
	IP     string `json:"ip,omitempty"`
	Port   int    `json:"port,omitempty"`
	Status string `json:"status"`
}

// RelayListResponse answers a getAvailableRelays request.
type RelayListResponse struct {
	Relays []RelayInfo `json:"relays"`
}

// UserStatusUpdateEvent is broadcast when a username changes online state.
type UserStatusUpdateEvent struct {
	Username string `json:"username"`
	Online   bool   `json:"online"`
}

// RelayStatusUpdateEvent is broadcast when a relay changes status.
type RelayStatusUpdateEvent struct {
	RelayID string `json:"relayId"`
	Status  string `json:"status"`
}

// UsernameReleasedEvent is broadcast when a username is hard-deleted, so
// availability checks update without polling.
type UsernameReleasedEvent struct {
	Username string `json:"username"`
}

// UserLogoutEvent requests immediate release of a username.
type UserLogoutEvent struct {
	Username string `json:"username"`
	DeviceID string `json:"deviceId"`
}
