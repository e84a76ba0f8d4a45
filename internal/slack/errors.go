package slack

import (
	"errors"
	"fmt"
)

// ErrNotFound reports that a history or thread scan completed without a
// match. A recovery miss is a valid outcome, not a failure; callers test
// for it with errors.Is.
var ErrNotFound = errors.New("slack: no matching message")

// TransportError reports an outbound Slack call that failed after the
// rate-limit retry budget was exhausted, or failed outright.
type TransportError struct {
	Method     string
	StatusCode int
	APIError   string
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.APIError != "":
		return fmt.Sprintf("slack %s: api error %q (status %d)", e.Method, e.APIError, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("slack %s: %v", e.Method, e.Err)
	default:
		return fmt.Sprintf("slack %s: status %d", e.Method, e.StatusCode)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }
