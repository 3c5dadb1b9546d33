package backend

import (
	"github.com/samcharles93/gradsync/internal/collective"
	"github.com/samcharles93/gradsync/internal/device"
)

// HostBackend runs every process of a simulation in this one: devices are host memory and
// collectives go through a shared Loopback.
type HostBackend struct {
	devices int
	opts    []device.HostOption
	lib     *collective.Loopback
}

func NewHost(devicesPerProcess int, opts ...device.HostOption) *HostBackend {
	if devicesPerProcess < 1 {
		devicesPerProcess = 1
	}
	return &HostBackend{devices: devicesPerProcess, opts: opts, lib: collective.NewLoopback()}
}

func (b *HostBackend) Name() string { return Host }

// Platform returns a fresh set of host devices on every call. Each simulated process calls it
// once.
func (b *HostBackend) Platform() (device.Platform, error) {
	return device.NewHostPlatform(b.devices, b.opts...), nil
}

func (b *HostBackend) Collectives() collective.Library { return b.lib }

// Loopback exposes the shared library, e.g. to count communicator constructions.
func (b *HostBackend) Loopback() *collective.Loopback { return b.lib }
