package capability

import "errors"

// Record validation errors.
var (
	// ErrMissingFunctionID indicates the record has no function id.
	ErrMissingFunctionID = errors.New("capability: missing function_id")
	// ErrMissingName indicates the record has no name.
	ErrMissingName = errors.New("capability: missing name")
	// ErrMissingServiceName indicates the record has no resolvable destination.
	ErrMissingServiceName = errors.New("capability: missing service_name")
	// ErrEmptySchema indicates the record declares no parameters.
	ErrEmptySchema = errors.New("capability: empty parameter_schema")
	// ErrInvalidSchema indicates the parameter schema itself is malformed.
	ErrInvalidSchema = errors.New("capability: invalid parameter_schema")
	// ErrArguments indicates call arguments failed schema validation.
	ErrArguments = errors.New("capability: arguments do not match schema")
)
