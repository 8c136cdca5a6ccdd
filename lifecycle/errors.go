package lifecycle

import "errors"

var (
	// ErrInvalidTransition indicates a state change the machine does not allow.
	ErrInvalidTransition = errors.New("lifecycle: invalid transition")
	// ErrInvalidEvent indicates an event violating the source/target contract.
	ErrInvalidEvent = errors.New("lifecycle: invalid event")
	// ErrOffline indicates an operation on a component that already shut down.
	ErrOffline = errors.New("lifecycle: component is offline")
)
