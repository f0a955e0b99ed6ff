// Package store defines the persistence contract of the dispatch core.
//
// Controllers are stored as single documents embedding their switches and
// the sequence counter, so every state change is one atomic document update.
// The core never creates the schema; it only reads controllers and mutates
// switch state, last-seen, identification and sequence fields.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/kilianp07/switchyard/core/model"
)

var (
	// ErrControllerNotFound is returned when no controller matches the lookup.
	ErrControllerNotFound = errors.New("controller not found")
	// ErrSwitchNotFound is returned when the controller has no such switch.
	ErrSwitchNotFound = errors.New("switch not found")
)

// Change is the outcome of ApplySwitchState.
type Change struct {
	// Changed is false when the stored state already matched.
	Changed bool
	// Sequence is the controller sequence after the update. For an unchanged
	// state it is the current sequence.
	Sequence  uint64
	Classroom string
}

// Store is the controller document store.
type Store interface {
	Controller(ctx context.Context, id string) (model.Controller, error)
	ControllerByAddress(ctx context.Context, address string) (model.Controller, error)
	Controllers(ctx context.Context) ([]model.Controller, error)
	// ApplySwitchState sets the switch state and last-changed timestamp and
	// increments the controller sequence in one atomic update, but only when
	// the stored state differs from state.
	ApplySwitchState(ctx context.Context, controllerID, switchID string, state bool, at time.Time) (Change, error)
	// Touch records contact with the controller.
	Touch(ctx context.Context, controllerID string, at time.Time) error
	// MarkIdentified flags the controller as having completed the handshake.
	MarkIdentified(ctx context.Context, controllerID string, at time.Time) error
}

// Seeder is implemented by stores that accept controller definitions.
type Seeder interface {
	Upsert(ctx context.Context, c model.Controller) error
}
