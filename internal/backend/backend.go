// Package backend selects the device platform and collective library a process runs on.
package backend

import (
	"fmt"
	"strings"

	"github.com/samcharles93/gradsync/internal/collective"
	"github.com/samcharles93/gradsync/internal/device"
)

const (
	Host = "host"
	CUDA = "cuda"
	Auto = "auto"
)

type Backend interface {
	Name() string
	// Platform returns the devices visible to the calling process.
	Platform() (device.Platform, error)
	Collectives() collective.Library
}

func Normalize(name string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(name))
	if backend == "" {
		return Auto, nil
	}
	switch backend {
	case Host, CUDA, Auto:
		return backend, nil
	default:
		return "", fmt.Errorf("unknown backend %q (expected auto, host, or cuda)", backend)
	}
}

// New returns the named backend. Auto prefers CUDA when this build has it and a device is
// visible, and otherwise falls back to host memory.
func New(name string, hostDevices int) (Backend, error) {
	name, err := Normalize(name)
	if err != nil {
		return nil, err
	}
	switch name {
	case Host:
		return NewHost(hostDevices), nil
	case CUDA:
		return NewCUDA()
	default:
		if cudaEnabled {
			if b, err := NewCUDA(); err == nil && b.Collectives().Available() {
				return b, nil
			}
		}
		return NewHost(hostDevices), nil
	}
}
