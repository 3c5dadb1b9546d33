// Package communicator synchronizes the parameters and gradients of data-parallel replicas.
//
// A Communicator packs every gradient of a model into one contiguous device buffer, reduces
// it across all processes with a single collective call, averages the result and scatters it
// back into the per-parameter buffers. The collective handle is built on the first call, so
// the caller must select its device before synchronizing but may construct the communicator
// earlier.
package communicator

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/samcharles93/gradsync/internal/collective"
	"github.com/samcharles93/gradsync/internal/device"
	"github.com/samcharles93/gradsync/internal/dtype"
	"github.com/samcharles93/gradsync/internal/group"
	"github.com/samcharles93/gradsync/internal/logger"
	"github.com/samcharles93/gradsync/internal/params"
	"github.com/samcharles93/gradsync/internal/topology"
)

var ErrConfiguration = errors.New("communicator: invalid configuration")

// MinLibraryVersion is the oldest collective library release the multi-node path supports.
const MinLibraryVersion = 2000

type Communicator interface {
	Topology() topology.Topology
	// BroadcastData overwrites every replica's parameter data with that of the root.
	BroadcastData(m params.Model) error
	// AllreduceGrad replaces every gradient with its mean across all replicas. A nil stream
	// means the default stream.
	AllreduceGrad(m params.Model, stream device.Stream) error
	// Close frees the device buffers and destroys the collective handle.
	Close() error
}

type Options struct {
	Logger logger.Logger
	// AllreduceDType is the wire type gradients are reduced in. Invalid reduces in the
	// gradients' own storage type. Only the multi-node communicator honors it.
	AllreduceDType dtype.DType
}

// base holds what both communicators share: the process group, the resolved topology and the
// lazily built collective handle.
type base struct {
	g    group.Group
	topo topology.Topology
	plat device.Platform
	lib  collective.Library
	log  logger.Logger
	comm *collective.Handle

	// set when comm is built
	dev  device.Device
	bufs []*device.Buffer
}

func newBase(g group.Group, plat device.Platform, lib collective.Library, opts Options) (*base, error) {
	if g == nil || plat == nil || lib == nil {
		return nil, fmt.Errorf("%w: missing process group, device platform or collective library", ErrConfiguration)
	}
	topo, err := topology.Discover(g)
	if err != nil {
		return nil, err
	}
	return &base{
		g:    g,
		topo: topo,
		plat: plat,
		lib:  lib,
		log:  logger.ForRank(opts.Logger, topo),
	}, nil
}

func (b *base) Topology() topology.Topology { return b.topo }

// setup arranges for the handle to span sub on the device current at first use.
func (b *base) setup(sub group.Group, nBufs int) {
	b.comm = collective.NewHandle(func() (collective.Comm, error) {
		dev, err := b.plat.Current()
		if err != nil {
			return nil, fmt.Errorf("communicator: current device: %w", err)
		}
		c, err := collective.Init(b.lib, sub, dev)
		if err != nil {
			return nil, err
		}
		b.dev = dev
		b.bufs = make([]*device.Buffer, nBufs)
		for i := range b.bufs {
			b.bufs[i] = device.NewBuffer(dev)
		}
		b.log.Debug("collective handle ready",
			"device", dev.ID(),
			"ranks", c.Size(),
			"library_version", b.lib.Version(),
		)
		return c, nil
	})
}

func (b *base) init() (collective.Comm, error) {
	return b.comm.Get()
}

// assign grows buf to hold nBytes and logs when that allocates.
func (b *base) assign(buf *device.Buffer, name string, nBytes int64) error {
	before := buf.Size()
	if err := buf.Assign(nBytes); err != nil {
		return err
	}
	if buf.Size() != before {
		b.log.Debug("buffer grown", "buffer", name, "size", humanize.IBytes(uint64(buf.Size())))
	}
	return nil
}

func (b *base) Close() error {
	var errs []error
	for _, buf := range b.bufs {
		if err := buf.Free(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := b.comm.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// storageType returns the type shared by the selected views of ps, or Invalid when ps is empty.
func storageType(ps []params.Named, which params.View) (dtype.DType, error) {
	if len(ps) == 0 {
		return dtype.Invalid, nil
	}
	dt := ps[0].Array(which).DType
	for _, p := range ps[1:] {
		if got := p.Array(which).DType; got != dt {
			return dtype.Invalid, fmt.Errorf("%w: %s %s is %s but %s %s is %s",
				ErrConfiguration, ps[0].Name, which, dt, p.Name, which, got)
		}
	}
	return dt, nil
}

// syncBefore orders the caller's pending work on the default stream ahead of a collective
// submitted on stream.
func syncBefore(dev device.Device, stream device.Stream) error {
	if device.IsDefault(stream) {
		return nil
	}
	return dev.DefaultStream().Synchronize()
}

func syncAfter(stream device.Stream) error {
	if device.IsDefault(stream) {
		return nil
	}
	return stream.Synchronize()
}
