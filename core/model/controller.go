package model

import "time"

// Controller is a physical multi-switch unit addressed by a stable hardware
// identifier. It owns its switches and the per-controller sequence counter.
type Controller struct {
	ID         string    `json:"id" bson:"_id"`
	Address    string    `json:"address" bson:"address"`
	Name       string    `json:"name,omitempty" bson:"name,omitempty"`
	Classroom  string    `json:"classroom,omitempty" bson:"classroom,omitempty"`
	Identified bool      `json:"identified" bson:"identified"`
	LastSeen   time.Time `json:"last_seen" bson:"last_seen"`
	Secret     string    `json:"-" bson:"secret,omitempty"`
	Sequence   uint64    `json:"sequence" bson:"sequence"`
	Switches   []Switch  `json:"switches" bson:"switches"`
}

// Switch is one controllable output of a controller.
type Switch struct {
	ID          string    `json:"id" bson:"id"`
	Name        string    `json:"name,omitempty" bson:"name,omitempty"`
	Pin         int       `json:"pin" bson:"pin"`
	State       bool      `json:"state" bson:"state"`
	LastChanged time.Time `json:"last_changed" bson:"last_changed"`
}

// Online reports whether the controller was heard from within timeout.
func (c Controller) Online(now time.Time, timeout time.Duration) bool {
	if c.LastSeen.IsZero() {
		return false
	}
	return now.Sub(c.LastSeen) <= timeout
}

// Ready reports whether commands may be sent to the controller: it must be
// online and have completed the identification handshake.
func (c Controller) Ready(now time.Time, timeout time.Duration) bool {
	return c.Identified && c.Online(now, timeout)
}

// Switch returns the switch with the given id.
func (c Controller) Switch(id string) (Switch, bool) {
	for _, sw := range c.Switches {
		if sw.ID == id {
			return sw, true
		}
	}
	return Switch{}, false
}

// Clone returns a deep copy so callers may mutate the result freely.
func (c Controller) Clone() Controller {
	out := c
	out.Switches = append([]Switch(nil), c.Switches...)
	return out
}
