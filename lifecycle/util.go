package lifecycle

import (
	"fmt"
	"time"
)

func nowUTC() time.Time { return time.Now().UTC() }

// panicError converts a recovered panic value into an error so Guard can
// route handler panics through the DEGRADED path instead of crashing.
func panicError(r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("handler panic: %w", err)
	}
	return fmt.Errorf("handler panic: %v", r)
}
