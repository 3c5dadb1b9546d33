package communicator

import (
	"fmt"

	"github.com/samcharles93/gradsync/internal/collective"
	"github.com/samcharles93/gradsync/internal/device"
	"github.com/samcharles93/gradsync/internal/dtype"
	"github.com/samcharles93/gradsync/internal/group"
	"github.com/samcharles93/gradsync/internal/params"
	"github.com/samcharles93/gradsync/internal/topology"
)

// SingleNode reduces float32 gradients among the processes of one machine.
type SingleNode struct {
	*base
}

const (
	singleA = iota
	singleB
	singleBufs
)

// NewSingleNode resolves the topology of g and fails with ErrConfiguration if g spans more
// than one machine. Every member of g must call it together.
func NewSingleNode(g group.Group, plat device.Platform, lib collective.Library, opts Options) (*SingleNode, error) {
	b, err := newBase(g, plat, lib, opts)
	if err != nil {
		return nil, err
	}
	if b.topo.MultiNode() {
		return nil, fmt.Errorf("%w: single-node communicator on %d nodes", ErrConfiguration, b.topo.InterSize)
	}
	intra, err := topology.IntraGroup(g, b.topo)
	if err != nil {
		return nil, fmt.Errorf("communicator: intra-node group: %w", err)
	}
	b.setup(intra, singleBufs)
	b.log.Info("single-node communicator created", "intra_size", b.topo.IntraSize)
	return &SingleNode{base: b}, nil
}

func (c *SingleNode) BroadcastData(m params.Model) error {
	comm, err := c.init()
	if err != nil {
		return err
	}
	ps := params.Extract(m, params.Data)
	n, nBytes, err := float32Layout(ps, params.Data)
	if err != nil {
		return err
	}
	a := c.bufs[singleA]
	if err := c.assign(a, "a", nBytes); err != nil {
		return err
	}
	if err := params.Pack(c.dev, ps, 4, params.Data, a); err != nil {
		return err
	}
	if err := comm.Broadcast(a.Ptr(), a.Ptr(), n, collective.Float32, 0, nil); err != nil {
		return fmt.Errorf("communicator: broadcast %d elements: %w", n, err)
	}
	return params.Unpack(c.dev, ps, 4, params.Data, a)
}

func (c *SingleNode) AllreduceGrad(m params.Model, stream device.Stream) error {
	comm, err := c.init()
	if err != nil {
		return err
	}
	ps := params.Extract(m, params.Grad)
	n, nBytes, err := float32Layout(ps, params.Grad)
	if err != nil {
		return err
	}
	a, b := c.bufs[singleA], c.bufs[singleB]
	if err := c.assign(a, "a", nBytes); err != nil {
		return err
	}
	if err := c.assign(b, "b", nBytes); err != nil {
		return err
	}
	if err := params.Pack(c.dev, ps, 4, params.Grad, a); err != nil {
		return err
	}
	if err := syncBefore(c.dev, stream); err != nil {
		return err
	}
	if err := comm.AllReduce(a.Ptr(), b.Ptr(), n, collective.Float32, collective.Sum, stream); err != nil {
		return fmt.Errorf("communicator: allreduce %d elements: %w", n, err)
	}
	if err := syncAfter(stream); err != nil {
		return err
	}
	sum, err := b.Array(n, dtype.Float32)
	if err != nil {
		return err
	}
	if err := device.Scale(c.dev, sum, 1.0/float64(c.topo.IntraSize)); err != nil {
		return err
	}
	return params.Unpack(c.dev, ps, 4, params.Grad, b)
}

// float32Layout checks that every selected view stores float32 and returns the element and
// byte totals.
func float32Layout(ps []params.Named, which params.View) (int, int64, error) {
	dt, err := storageType(ps, which)
	if err != nil {
		return 0, 0, err
	}
	if dt != dtype.Invalid && dt != dtype.Float32 {
		return 0, 0, fmt.Errorf("%w: single-node communicator reduces float32, %s is %s",
			dtype.ErrUnsupported, which, dt)
	}
	_, nBytes, err := params.Layout(ps, 4, which)
	if err != nil {
		return 0, 0, err
	}
	return int(nBytes / 4), nBytes, nil
}
