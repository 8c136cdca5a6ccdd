package invoke

import "errors"

// Invocation failures fall into four kinds. Callers branch with errors.Is;
// the wire carries the kind so remote failures map back onto the same
// sentinels on the caller side.
var (
	// ErrResolution means no live capability matched the requested function.
	ErrResolution = errors.New("invoke: function not resolvable")

	// ErrValidation means the provider rejected the arguments against the
	// advertised parameter schema.
	ErrValidation = errors.New("invoke: argument validation failed")

	// ErrExecution means the provider's handler failed or panicked.
	ErrExecution = errors.New("invoke: execution failed")

	// ErrTimeout means no reply arrived within the invocation deadline.
	ErrTimeout = errors.New("invoke: invocation timed out")
)

// Wire identifiers for error kinds.
const (
	kindResolution = "resolution"
	kindValidation = "validation"
	kindExecution  = "execution"
	kindTimeout    = "timeout"
)

func kindToError(kind, message string) error {
	var base error
	switch kind {
	case kindResolution:
		base = ErrResolution
	case kindValidation:
		base = ErrValidation
	case kindTimeout:
		base = ErrTimeout
	default:
		base = ErrExecution
	}
	if message == "" {
		return base
	}
	return wrappedError{base: base, message: message}
}

// wrappedError carries the remote message while keeping errors.Is matching
// on the sentinel.
type wrappedError struct {
	base    error
	message string
}

func (e wrappedError) Error() string { return e.base.Error() + ": " + e.message }
func (e wrappedError) Unwrap() error { return e.base }
