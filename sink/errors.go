package sink

import "errors"

var (
	// ErrUnsupportedSink is returned for a sink URI whose scheme has no backend
	ErrUnsupportedSink = errors.New("unsupported sink")
)
