package events

import (
	"time"

	"github.com/kilianp07/switchyard/core/model"
)

// ChangeEvent is published once per committed switch state change. Sequence
// is strictly increasing per controller.
type ChangeEvent struct {
	ControllerID string       `json:"controller_id"`
	Classroom    string       `json:"classroom,omitempty"`
	SwitchID     string       `json:"switch_id"`
	State        bool         `json:"state"`
	Sequence     uint64       `json:"sequence"`
	Source       model.Source `json:"source"`
	At           time.Time    `json:"at"`
}
