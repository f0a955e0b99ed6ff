package events

import "time"

// PresenceEvent is published when a controller crosses the liveness timeout
// in either direction.
type PresenceEvent struct {
	ControllerID string    `json:"controller_id"`
	Classroom    string    `json:"classroom,omitempty"`
	Online       bool      `json:"online"`
	LastSeen     time.Time `json:"last_seen"`
	At           time.Time `json:"at"`
}
