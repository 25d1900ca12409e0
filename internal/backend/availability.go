package backend

import "strings"

// Available returns a comma-separated list of the backends in this build.
func Available() string {
	entries := []string{Emu}
	if Has(CUDA) {
		entries = append(entries, CUDA)
	}
	return strings.Join(entries, ",")
}

func Has(name string) bool {
	switch name {
	case CUDA:
		return cudaEnabled
	case Emu, Auto:
		return true
	default:
		return false
	}
}
