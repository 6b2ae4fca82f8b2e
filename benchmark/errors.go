package benchmark

import "errors"

var (
	// ErrUnknownKind is returned when no implementation is registered for a kind
	ErrUnknownKind = errors.New("unknown benchmark kind")
)
