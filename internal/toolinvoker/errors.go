package toolinvoker

import "errors"

// Sentinel errors for the tool-invocation boundary. Stages branch on these
// to decide between retrying, falling back, and aborting.
var (
	// ErrToolNotFound means the service does not expose the requested
	// tool. Never retried: the same call cannot start succeeding.
	ErrToolNotFound = errors.New("tool not found")

	// ErrServiceUnavailable means the service could not be reached or
	// answered with a server-side failure. Transient.
	ErrServiceUnavailable = errors.New("tool service unavailable")

	// ErrTimeout means the call exceeded the service's time budget.
	// Transient.
	ErrTimeout = errors.New("tool call timed out")
)

// Transient reports whether an error is worth retrying.
func Transient(err error) bool {
	return errors.Is(err, ErrServiceUnavailable) || errors.Is(err, ErrTimeout)
}
