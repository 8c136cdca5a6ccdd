package transport

import "errors"

var (
	// ErrClosed indicates the bus has been shut down.
	ErrClosed = errors.New("transport: bus closed")
	// ErrTopicRequired indicates an empty topic was passed.
	ErrTopicRequired = errors.New("transport: topic required")
	// ErrKeyRequired indicates a retained operation was passed an empty key.
	ErrKeyRequired = errors.New("transport: retained key required")
)
