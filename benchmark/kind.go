package benchmark

import (
	"slices"
	"strings"
)

type Kind string

const (
	KindCPU          Kind = "cpu"
	KindMemory       Kind = "memory"
	KindDatabaseOLTP Kind = "database-oltp"
	KindDiskIO       Kind = "disk-io"
	KindNetwork      Kind = "network"
)

// SelectAll is the selector that expands to every supported kind.
const SelectAll = "all"

// AllKinds is every supported kind, in the order "all" runs them.
var AllKinds = []Kind{KindCPU, KindMemory, KindDatabaseOLTP, KindDiskIO, KindNetwork}

func (k Kind) Supported() bool {
	return slices.Contains(AllKinds, k)
}

// ParseSelector resolves a selector into the kinds to run. If any entry is "all" the result is AllKinds.
// Otherwise the named kinds are returned in the order given; unknown names and repeats are returned in
// skipped instead.
func ParseSelector(selector string) (kinds []Kind, skipped []string) {
	names := []string{}
	for _, name := range strings.Split(selector, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if name == SelectAll {
			return slices.Clone(AllKinds), nil
		}
		names = append(names, name)
	}

	kinds = []Kind{}
	for _, name := range names {
		k := Kind(name)
		if !k.Supported() || slices.Contains(kinds, k) {
			skipped = append(skipped, name)
			continue
		}
		kinds = append(kinds, k)
	}
	return kinds, skipped
}
