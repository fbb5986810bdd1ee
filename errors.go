package socius

import (
	"fmt"
	"time"
)

// Error taxonomy shared by the client and the sync layers. None of these are
// retried automatically; callers decide what to surface.

// NetworkError wraps a transport-level failure (no connectivity, DNS, reset).
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// AuthError reports an expired or invalid session (HTTP 401). It is expected
// to propagate to whatever owns the session; this library does not attempt a
// refresh.
type AuthError struct{}

func (e *AuthError) Error() string { return "session expired or invalid" }

// ServerError reports a non-2xx response other than 401.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server error: HTTP %d", e.Status)
	}
	return fmt.Sprintf("server error: HTTP %d: %s", e.Status, e.Message)
}

// TimeoutError reports that the answer poll deadline elapsed before the
// assistant replied. Distinct from NetworkError: the transport was fine, the
// answer just never came.
type TimeoutError struct {
	QuestionID string
	Deadline   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no answer for question %s within %s", e.QuestionID, e.Deadline)
}
