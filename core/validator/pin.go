// Package validator resolves and vets the GPIO assignment of a switch before
// a command is built for it.
package validator

import (
	"errors"
	"fmt"

	"github.com/kilianp07/switchyard/core/model"
)

// Safety classifies a legal pin.
type Safety string

const (
	SafetySafe          Safety = "safe"
	SafetyBootSensitive Safety = "boot-sensitive"
	SafetyReserved      Safety = "reserved"
)

var (
	// ErrPinUnassigned is returned when the switch has no pin.
	ErrPinUnassigned = errors.New("pin unassigned")
	// ErrPinIllegal is returned for pins the controller cannot drive.
	ErrPinIllegal = errors.New("pin not allowed")
)

// Verdict is the outcome of a pin check.
type Verdict struct {
	Pin    int
	Safety Safety
	Err    error
}

// Legal reports whether a command may be sent for the pin.
func (v Verdict) Legal() bool { return v.Err == nil }

// PinValidator checks a switch's pin assignment on a controller.
type PinValidator interface {
	Validate(c model.Controller, sw model.Switch) Verdict
}

// PinTable is a static PinValidator keyed by GPIO number. Pins absent from
// the table or classified reserved are illegal.
type PinTable map[int]Safety

// DefaultPinTable describes the ESP8266 relay boards deployed in classrooms:
// GPIO 4, 5, 12, 13 drive relays, 14 and 16 are free, 0, 2 and 15 work but
// select the boot mode, and 6 to 11 are wired to the flash chip.
func DefaultPinTable() PinTable {
	return PinTable{
		0: SafetyBootSensitive, 2: SafetyBootSensitive, 15: SafetyBootSensitive,
		4: SafetySafe, 5: SafetySafe, 12: SafetySafe, 13: SafetySafe, 14: SafetySafe, 16: SafetySafe,
		6: SafetyReserved, 7: SafetyReserved, 8: SafetyReserved, 9: SafetyReserved, 10: SafetyReserved, 11: SafetyReserved,
	}
}

// Validate implements PinValidator. Negative pins are treated as unassigned.
func (t PinTable) Validate(c model.Controller, sw model.Switch) Verdict {
	v := Verdict{Pin: sw.Pin}
	if sw.Pin < 0 {
		v.Err = fmt.Errorf("%w: switch %s on %s", ErrPinUnassigned, sw.ID, c.ID)
		return v
	}
	safety, ok := t[sw.Pin]
	if !ok || safety == SafetyReserved {
		v.Safety = safety
		v.Err = fmt.Errorf("%w: gpio %d for switch %s", ErrPinIllegal, sw.Pin, sw.ID)
		return v
	}
	v.Safety = safety
	return v
}
