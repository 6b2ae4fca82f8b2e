package executor

import "errors"

var (
	// ErrAttemptsExhausted is returned when a Bounded policy runs out of attempts
	ErrAttemptsExhausted = errors.New("attempts exhausted")
)
