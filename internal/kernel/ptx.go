package kernel

import (
	"errors"
	"regexp"
)

var entryPattern = regexp.MustCompile(`\.visible\s+\.entry\s+([_a-zA-Z0-9$]+)`)

// EntryNames returns the visible entry points declared in ptx, in order.
func EntryNames(ptx string) []string {
	var names []string
	for _, m := range entryPattern.FindAllStringSubmatch(ptx, -1) {
		names = append(names, m[1])
	}
	return names
}

// ExtractKernelName returns the first visible entry point in ptx.
func ExtractKernelName(ptx string) (string, error) {
	m := entryPattern.FindStringSubmatch(ptx)
	if m == nil {
		return "", errors.New("no .visible .entry found in PTX")
	}
	return m[1], nil
}
