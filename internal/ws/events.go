// Package ws pushes live usage snapshots to dashboard clients over
// WebSocket connections.
package ws

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message types carried in the envelope.
const (
	TypeConnected        = "connected"
	TypeStatsUpdate      = "stats_update"
	TypeProviderSwitched = "provider_switched"
	TypeHeartbeat        = "heartbeat"
	TypePing             = "ping"
	TypePong             = "pong"
	TypeError            = "error"
)

// Envelope wraps every message in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope stamps a payload with its type and the current time.
func NewEnvelope(msgType string, data any) (Envelope, error) {
	env := Envelope{Type: msgType, Timestamp: time.Now().UTC()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, fmt.Errorf("ws: marshal %s payload: %w", msgType, err)
		}
		env.Data = raw
	}
	return env, nil
}
