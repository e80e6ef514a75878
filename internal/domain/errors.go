package domain

import "errors"

// ErrNotFound is returned whenever an offer or order is absent, the
// acting user is not a party, or the stage does not match. Callers
// must answer it with a generic "not found" so offer existence never
// leaks to third parties.
var ErrNotFound = errors.New("not found")

// ValidationError carries a user-facing message key for bad input.
// It never wraps an internal error, so nothing leaks past the message.
type ValidationError struct {
	Key  string
	Args []interface{}
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Key
}

// NewValidationError builds a ValidationError for message key with
// optional format arguments.
func NewValidationError(key string, args ...interface{}) *ValidationError {
	return &ValidationError{Key: key, Args: args}
}

// ConnectionError marks an unreachable blockchain node. Retryable at a
// higher level, never fatal to the process.
type ConnectionError struct {
	Node string
	Err  error
}

func (e *ConnectionError) Error() string {
	return "blockchain node unreachable: " + e.Node + ": " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error { return e.Err }
