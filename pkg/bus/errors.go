package bus

import (
	"errors"
	"fmt"
)

// ErrRequestTimeout is returned by Request when no reply arrived within
// the deadline. It is an expected outcome, distinct from transport or
// publish failures, and callers should test for it with errors.Is.
var ErrRequestTimeout = errors.New("request timed out")

// PublishError reports a failed append to the log. The bus performs no
// retry; retry policy belongs to the caller.
type PublishError struct {
	EventType string
	Err       error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("failed to publish %s: %v", e.EventType, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// GroupSetupError reports a consumer-group creation failure for a
// reason other than the group already existing. The affected event type
// is skipped for the run; the consumer itself keeps going.
type GroupSetupError struct {
	Stream string
	Group  string
	Err    error
}

func (e *GroupSetupError) Error() string {
	return fmt.Sprintf("failed to create group %s on %s: %v", e.Group, e.Stream, e.Err)
}

func (e *GroupSetupError) Unwrap() error { return e.Err }
