package events

import "time"

// CommandEvent is published for each dispatched switch command.
type CommandEvent struct {
	ControllerID string
	SwitchID     string
	BatchID      string
	State        bool
	Success      bool
	// Kind is the failure kind, empty on success.
	Kind     string
	Reason   string
	Attempts int
	Latency  time.Duration
}

// LeakEvent is published when the reaper drops a counter entry whose task
// never released it.
type LeakEvent struct {
	ControllerID string
	Count        int
	At           time.Time
}
