package pipeline

import (
	"errors"
	"fmt"
)

// ErrCycleBudgetExhausted is returned by a pipeline unit when its stages
// kept routing back into already-visited stages more times than the
// configured cycle budget allows. The budget is mandatory: without it an
// error-handling stage that routes back to the entry could loop forever.
var ErrCycleBudgetExhausted = errors.New("pipeline retry budget exhausted")

// ValidationError marks malformed input detected in a stage's prepare
// phase. It is never retried; the stage fails immediately and routes via
// the "error" edge.
type ValidationError struct {
	Stage  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("stage %s: invalid input: %s", e.Stage, e.Reason)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
