package coordinator

import (
	"errors"
	"fmt"
)

// ErrTestAlreadyRunning is returned by Start while a run is active.
var ErrTestAlreadyRunning = errors.New("a test is already running")

// ErrNoActiveRun is returned by Stop when there is nothing to stop.
var ErrNoActiveRun = errors.New("no test is currently running")

// ValidationError reports a malformed or missing start parameter.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// UpstreamError reports a failed call to the load generator.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("load generator %s failed: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}
