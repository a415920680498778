package offline0

import (
	"errors"
	"fmt"
)

var (
	// ErrInstall marks a failed install phase. Nothing was staged.
	ErrInstall = errors.New("install failed")

	// ErrReconcile marks a failed activation. The content, staging and
	// manifest stores have been destroyed.
	ErrReconcile = errors.New("cache reconciliation failed")

	ErrUnknownMessage = errors.New("unknown message")
	ErrNoAgent        = errors.New("no agent")
)

// StatusError is returned when a resource that must be cached answered
// with a non-2xx status.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.URL, e.Status)
}
