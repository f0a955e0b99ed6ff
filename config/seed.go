package config

import (
	"errors"

	"github.com/kilianp07/switchyard/core/model"
)

// ControllerSeed declares a controller in the configuration file.
type ControllerSeed struct {
	ID        string       `json:"id"`
	Address   string       `json:"address"`
	Name      string       `json:"name"`
	Classroom string       `json:"classroom"`
	Secret    string       `json:"secret"`
	Switches  []SwitchSeed `json:"switches"`
}

// SwitchSeed declares a switch. A missing pin is unassigned.
type SwitchSeed struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Pin  *int   `json:"pin"`
}

// Validate checks the identifiers.
func (s ControllerSeed) Validate() error {
	if s.ID == "" || s.Address == "" {
		return errors.New("id and address are required")
	}
	ids := make(map[string]bool, len(s.Switches))
	for _, sw := range s.Switches {
		if sw.ID == "" {
			return errors.New("switch id is required")
		}
		if ids[sw.ID] {
			return errors.New("duplicate switch id " + sw.ID)
		}
		ids[sw.ID] = true
	}
	return nil
}

// Controller converts the seed. Existing runtime fields are carried over
// from prev so that restarting does not reset switch states or sequences.
func (s ControllerSeed) Controller(prev *model.Controller) model.Controller {
	c := model.Controller{
		ID:        s.ID,
		Address:   s.Address,
		Name:      s.Name,
		Classroom: s.Classroom,
		Secret:    s.Secret,
	}
	var old map[string]model.Switch
	if prev != nil {
		c.Identified = prev.Identified
		c.LastSeen = prev.LastSeen
		c.Sequence = prev.Sequence
		old = make(map[string]model.Switch, len(prev.Switches))
		for _, sw := range prev.Switches {
			old[sw.ID] = sw
		}
	}
	for _, sw := range s.Switches {
		pin := -1
		if sw.Pin != nil {
			pin = *sw.Pin
		}
		out := model.Switch{ID: sw.ID, Name: sw.Name, Pin: pin}
		if o, ok := old[sw.ID]; ok {
			out.State = o.State
			out.LastChanged = o.LastChanged
		}
		c.Switches = append(c.Switches, out)
	}
	return c
}
