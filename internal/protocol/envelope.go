// Package protocol defines the wire contract between the relay and its
// clients: the length-prefixed frame carried on the reliable channel, the
// JSON control envelope inside it, and the limits of the datagram channel.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Actions carried in the control envelope.
const (
	ActionWelcome      = "Welcome!"
	ActionCreateUDP    = "create_udp_channel"
	ActionUpdateUser   = "update_user"
	ActionUpdateStatus = "update_status"
	ActionListClients  = "list_clients"
	ActionBroadcast    = "broadcast"
	ActionRiderStatus  = "rider_status_update"
	ActionData         = "data"
)

// Envelope is the JSON object carried on every reliable frame. Data is
// always a string; for structured actions it holds a nested JSON document.
type Envelope struct {
	Action string `json:"action"`
	Data   string `json:"data"`
}

// Encode serializes the envelope for transmission on the reliable channel.
func (e *Envelope) Encode() []byte {
	buf, _ := json.Marshal(e) // string fields only, cannot fail
	return buf
}

// DecodeEnvelope parses a reliable-channel payload into an Envelope.
// Unknown actions are not an error here — dispatch decides what to drop.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	return &e, nil
}

// UserInfo is the identity document posted with update_user.
type UserInfo struct {
	UserID     string `json:"user_id"`
	UserName   string `json:"user_name"`
	UserDomain string `json:"user_domain"`
}

// StatusInfo is the ride status document posted with update_status.
type StatusInfo struct {
	SceneID  string `json:"scene_id"`
	ScenePos string `json:"scene_pos"`
	Speed    string `json:"speed"`
}

// Profile is a client's self-reported identity and ride status as the
// relay remembers it. list_clients serializes it in field order.
type Profile struct {
	UserID     string `json:"user_id"`
	UserName   string `json:"user_name"`
	UserDomain string `json:"user_domain"`
	SceneID    string `json:"scene_id"`
	ScenePos   string `json:"scene_pos"`
	Speed      string `json:"speed"`
}

// UnassignedScene is the scene id of a client that has not joined any
// scene yet. Such clients form a scope of their own.
const UnassignedScene = "-1"

// NewProfile returns the sentinel profile every client starts with.
func NewProfile() Profile {
	return Profile{
		UserID:     "N/A",
		UserName:   "N/A",
		UserDomain: "N/A",
		SceneID:    UnassignedScene,
		ScenePos:   "0",
		Speed:      "0",
	}
}
