package service

import "fmt"

// Class partitions cycle failures for exit-status reporting.
type Class string

const (
	// ClassFetch covers network/timeout/malformed-payload failures; the
	// cycle aborted before any history mutation.
	ClassFetch Class = "fetch"
	// ClassDispatch covers alert delivery failures; detection state was
	// already updated and is not rolled back.
	ClassDispatch Class = "dispatch"
	// ClassStorage covers checkpoint persistence failures.
	ClassStorage Class = "storage"
)

// CycleError wraps a tick failure with its class.
type CycleError struct {
	Class Class
	Err   error
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *CycleError) Unwrap() error {
	return e.Err
}
