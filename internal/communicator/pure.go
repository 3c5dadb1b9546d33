package communicator

import (
	"fmt"

	"github.com/samcharles93/gradsync/internal/collective"
	"github.com/samcharles93/gradsync/internal/device"
	"github.com/samcharles93/gradsync/internal/dtype"
	"github.com/samcharles93/gradsync/internal/group"
	"github.com/samcharles93/gradsync/internal/params"
)

// Pure reduces gradients over every process of the group with one flat collective, optionally
// in a wire type narrower or wider than the gradients' storage type.
type Pure struct {
	*base
	wire dtype.DType
}

const (
	pureTmp = iota
	pureA
	pureB
	pureBufs
)

// NewPure fails with ErrConfiguration when the collective library is older than
// MinLibraryVersion or when opts.AllreduceDType is set to a type the collective library cannot
// carry. The latter error also matches dtype.ErrUnsupported.
// Every member of g must call it together.
func NewPure(g group.Group, plat device.Platform, lib collective.Library, opts Options) (*Pure, error) {
	if lib != nil && lib.Version() < MinLibraryVersion {
		return nil, fmt.Errorf("%w: collective library version %d, need %d or newer",
			ErrConfiguration, lib.Version(), MinLibraryVersion)
	}
	if opts.AllreduceDType != dtype.Invalid && !opts.AllreduceDType.IsFloat() {
		return nil, fmt.Errorf("%w: allreduce dtype must be float16, float32 or float64, got %s",
			ErrConfiguration, opts.AllreduceDType)
	}
	if opts.AllreduceDType != dtype.Invalid {
		if _, err := collective.WireTypeOf(opts.AllreduceDType); err != nil {
			return nil, fmt.Errorf("%w: allreduce dtype: %w", ErrConfiguration, err)
		}
	}
	b, err := newBase(g, plat, lib, opts)
	if err != nil {
		return nil, err
	}
	b.setup(g, pureBufs)
	wire := "native"
	if opts.AllreduceDType != dtype.Invalid {
		wire = opts.AllreduceDType.String()
	}
	b.log.Info("pure communicator created",
		"nodes", b.topo.InterSize,
		"intra_size", b.topo.IntraSize,
		"allreduce_dtype", wire,
	)
	return &Pure{base: b, wire: opts.AllreduceDType}, nil
}

// BroadcastData sends every parameter's data from global rank 0 through the process group, one
// parameter at a time. Unlike AllreduceGrad it works for any storage type.
func (c *Pure) BroadcastData(m params.Model) error {
	if _, err := c.init(); err != nil {
		return err
	}
	for _, p := range params.Extract(m, params.Data) {
		a := *p.Data
		var host []byte
		if c.topo.GlobalRank == 0 {
			host = make([]byte, a.Bytes())
			if a.Len > 0 {
				if err := c.dev.CopyDtoH(host, a.Ptr); err != nil {
					return fmt.Errorf("communicator: read %s: %w", p.Name, err)
				}
			}
		}
		got, err := c.g.Bcast(host, 0)
		if err != nil {
			return fmt.Errorf("communicator: broadcast %s: %w", p.Name, err)
		}
		if int64(len(got)) != a.Bytes() {
			return fmt.Errorf("communicator: %s is %d bytes here but %d bytes on rank 0", p.Name, a.Bytes(), len(got))
		}
		if c.topo.GlobalRank == 0 || a.Len == 0 {
			continue
		}
		if err := c.dev.CopyHtoD(a.Ptr, got); err != nil {
			return fmt.Errorf("communicator: write %s: %w", p.Name, err)
		}
	}
	return nil
}

func (c *Pure) AllreduceGrad(m params.Model, stream device.Stream) error {
	comm, err := c.init()
	if err != nil {
		return err
	}
	ps := params.Extract(m, params.Grad)
	native, err := storageType(ps, params.Grad)
	if err != nil {
		return err
	}
	if native == dtype.Invalid {
		return nil
	}
	wire := c.wire
	if wire == dtype.Invalid {
		wire = native
	}
	wireType, err := collective.WireTypeOf(wire)
	if err != nil {
		return err
	}
	n := params.Count(ps, params.Grad)
	convert := native != wire

	tmp, a, b := c.bufs[pureTmp], c.bufs[pureA], c.bufs[pureB]
	wireBytes := int64(n) * int64(wire.Size())
	if err := c.assign(a, "a", wireBytes); err != nil {
		return err
	}
	if err := c.assign(b, "b", wireBytes); err != nil {
		return err
	}
	if convert {
		if err := c.assign(tmp, "tmp", int64(n)*int64(native.Size())); err != nil {
			return err
		}
	}

	if err := c.pack(ps, native, wire, n); err != nil {
		return err
	}
	if err := syncBefore(c.dev, stream); err != nil {
		return err
	}
	if err := comm.AllReduce(a.Ptr(), b.Ptr(), n, wireType, collective.Sum, stream); err != nil {
		return fmt.Errorf("communicator: allreduce %d %s elements: %w", n, wire, err)
	}
	if err := syncAfter(stream); err != nil {
		return err
	}
	sum, err := b.Array(n, wire)
	if err != nil {
		return err
	}
	if err := device.Scale(c.dev, sum, 1.0/float64(c.topo.GlobalSize)); err != nil {
		return err
	}
	return c.unpack(ps, native, wire, n)
}

// pack fills buffer a with the gradients in the wire type, staging through tmp when the
// storage type differs.
func (c *Pure) pack(ps []params.Named, native, wire dtype.DType, n int) error {
	a := c.bufs[pureA]
	if native == wire {
		return params.Pack(c.dev, ps, wire.Size(), params.Grad, a)
	}
	tmp := c.bufs[pureTmp]
	if err := params.Pack(c.dev, ps, native.Size(), params.Grad, tmp); err != nil {
		return err
	}
	src, err := tmp.Array(n, native)
	if err != nil {
		return err
	}
	dst, err := a.Array(n, wire)
	if err != nil {
		return err
	}
	return device.Convert(c.dev, dst, src)
}

func (c *Pure) unpack(ps []params.Named, native, wire dtype.DType, n int) error {
	b := c.bufs[pureB]
	if native == wire {
		return params.Unpack(c.dev, ps, wire.Size(), params.Grad, b)
	}
	tmp := c.bufs[pureTmp]
	src, err := b.Array(n, wire)
	if err != nil {
		return err
	}
	dst, err := tmp.Array(n, native)
	if err != nil {
		return err
	}
	if err := device.Convert(c.dev, dst, src); err != nil {
		return err
	}
	return params.Unpack(c.dev, ps, native.Size(), params.Grad, tmp)
}
