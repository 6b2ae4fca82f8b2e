package report

import "errors"

var (
	// ErrDuplicateTest is returned when a kind already has a record in the document
	ErrDuplicateTest = errors.New("test already recorded")
)
