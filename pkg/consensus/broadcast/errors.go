package broadcast

import (
	"errors"
	"fmt"
	"time"
)

// ErrTimeout matches any *TimeoutError via errors.Is.
var ErrTimeout = errors.New("broadcast wait timed out")

// TimeoutError reports that a payload was not delivered within the wait
// window. It records the elapsed duration for diagnostics.
type TimeoutError struct {
	ID      MessageID
	Elapsed time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("broadcast %s not delivered after %v", e.ID, e.Elapsed)
}

// Is reports whether target is the timeout sentinel.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}
