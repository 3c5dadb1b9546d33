package backend

import "strings"

// Available returns a comma-separated list of available backends.
func Available() string {
	entries := []string{Host}
	if Has(CUDA) {
		entries = append(entries, CUDA)
	}
	return strings.Join(entries, ",")
}

func Has(name string) bool {
	switch name {
	case CUDA:
		return cudaEnabled
	default:
		return name == Host
	}
}
