package util

import (
	"strings"
)

// LastNonEmptyLine returns the last line of out that is not blank, or "" if there is none. Remote
// commands print their failure reason last.
func LastNonEmptyLine(out []byte) string {
	lines := strings.Split(string(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
