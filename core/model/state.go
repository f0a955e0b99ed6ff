package model

import "time"

// Source identifies where an observed switch state came from.
type Source int

const (
	// SourceControllerReport is a state reported by the controller itself.
	SourceControllerReport Source = iota + 1
	// SourceOptimisticCommand is a state applied after the transport
	// accepted a command, before the controller confirms it.
	SourceOptimisticCommand
)

// String returns the wire representation of the source.
func (s Source) String() string {
	switch s {
	case SourceControllerReport:
		return "controller-report"
	case SourceOptimisticCommand:
		return "optimistic-command"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Source) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Source) UnmarshalText(b []byte) error {
	switch string(b) {
	case "controller-report":
		*s = SourceControllerReport
	case "optimistic-command":
		*s = SourceOptimisticCommand
	default:
		*s = 0
	}
	return nil
}

// ControllerReport is an inbound message from a controller. Hello reports
// carry the identification secret instead of a switch state.
type ControllerReport struct {
	Address   string    `json:"controller_address"`
	SwitchID  string    `json:"switch_id,omitempty"`
	State     bool      `json:"state"`
	Timestamp time.Time `json:"timestamp"`
	Hello     bool      `json:"hello,omitempty"`
	Secret    string    `json:"secret,omitempty"`
}

// Observation is a state fact handed to the reconciler.
type Observation struct {
	ControllerID string
	SwitchID     string
	State        bool
	Source       Source
	At           time.Time
}
