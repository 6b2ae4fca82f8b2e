package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLastNonEmptyLine(t *testing.T) {
	assert.Equal(t, "FATAL: disk full", LastNonEmptyLine([]byte("starting\nFATAL: disk full\n\n  \n")))
	assert.Equal(t, "one", LastNonEmptyLine([]byte("one")))
	assert.Empty(t, LastNonEmptyLine(nil))
	assert.Empty(t, LastNonEmptyLine([]byte("\n\n")))
}
