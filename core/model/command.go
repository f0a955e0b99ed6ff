package model

import "time"

// ChangeRequest asks for a switch to be set to State. A nil State toggles the
// switch from its current value.
type ChangeRequest struct {
	ControllerID string `json:"controller_id"`
	SwitchID     string `json:"switch_id"`
	State        *bool  `json:"state"`
}

// Toggle reports whether the request flips the current state.
func (r ChangeRequest) Toggle() bool { return r.State == nil }

// Target resolves the desired state given the current one.
func (r ChangeRequest) Target(current bool) bool {
	if r.State == nil {
		return !current
	}
	return *r.State
}

// PendingCommand is a change request resolved against its controller and
// ready to be batched.
type PendingCommand struct {
	ControllerID string
	Address      string
	SwitchID     string
	Pin          int
	State        bool
	SubmittedAt  time.Time
	// Index is the position of the originating request in the submission.
	Index int
}

// Batch is an ordered group of commands for a single controller.
type Batch struct {
	ID           string
	ControllerID string
	Commands     []PendingCommand
	Deadline     time.Time
}

// Command is the outbound message handed to the transport for one switch.
type Command struct {
	CommandID string `json:"command_id"`
	BatchID   string `json:"batch_id"`
	Address   string `json:"controller_address"`
	SwitchID  string `json:"switch_id"`
	Pin       int    `json:"pin"`
	State     bool   `json:"state"`
	AuthToken string `json:"auth_token,omitempty"`
	Timestamp int64  `json:"timestamp"`
}
