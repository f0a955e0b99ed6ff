package dispatch

import "errors"

// Kind classifies a command failure.
type Kind string

const (
	KindAdmission   Kind = "admission"
	KindOffline     Kind = "offline"
	KindTransport   Kind = "transport"
	KindTimeout     Kind = "timeout"
	KindPersistence Kind = "persistence"
	KindLeak        Kind = "leak"
)

var (
	// ErrOffline is returned for controllers not heard from within the
	// liveness timeout.
	ErrOffline = errors.New("controller offline")
	// ErrUnidentified is returned for controllers that never completed the
	// identification handshake.
	ErrUnidentified = errors.New("controller unidentified")
	// ErrRejected is returned when the transport did not accept a command.
	ErrRejected = errors.New("transport rejected command")
	// ErrBatchTimeout is returned when the batch deadline expired first.
	ErrBatchTimeout = errors.New("batch timeout")
	// ErrTransportPanic is returned when the transport panicked.
	ErrTransportPanic = errors.New("transport panic")
)
