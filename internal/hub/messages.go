// Package hub accepts client connections and owns per-connection buffering,
// heartbeats, and message delivery.
package hub

import (
	"encoding/json"
	"time"
)

// Message kinds on the client channel.
const (
	TypeAck          = "ack"
	TypeHeartbeat    = "heartbeat"
	TypeTranscript   = "transcript"
	TypeVolumeAction = "volume_action"
	TypeConfig       = "config"
	TypeWarning      = "warning"
)

// Outbound is a server-to-client JSON message.
type Outbound struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Payload   any    `json:"payload,omitempty"`
	ClientID  string `json:"clientId,omitempty"`
}

// NewOutbound stamps an outbound message with the current time.
func NewOutbound(typ string, payload any) Outbound {
	return Outbound{
		Type:      typ,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}
}

// AckPayload confirms a new session to its client.
type AckPayload struct {
	ClientID string `json:"clientId"`
	Status   string `json:"status"`
}

// inbound is a client-to-server JSON control message. Unknown types are
// logged and dropped; payloads are passed through opaquely.
type inbound struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}
