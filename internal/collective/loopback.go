package collective

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/samcharles93/gradsync/internal/device"
	"github.com/samcharles93/gradsync/internal/dtype"
	"github.com/samcharles93/gradsync/internal/group"
)

// LoopbackVersion is the version Loopback reports by default.
const LoopbackVersion = 2708

// Loopback is an in-process Library. Each clique is a local group, and every rank stages its
// device data through host memory. Sums are accumulated in rank order at wire precision, so
// all ranks see identical results.
type Loopback struct {
	version     int
	unavailable bool

	mu      sync.Mutex
	cliques map[UniqueID]*clique

	created atomic.Int64
}

type clique struct {
	members []group.Group
	joined  []bool
	left    int
}

type LoopbackOption func(*Loopback)

func WithVersion(v int) LoopbackOption {
	return func(l *Loopback) { l.version = v }
}

// Unavailable makes the library report itself unusable.
func Unavailable() LoopbackOption {
	return func(l *Loopback) { l.unavailable = true }
}

func NewLoopback(opts ...LoopbackOption) *Loopback {
	l := &Loopback{version: LoopbackVersion, cliques: make(map[UniqueID]*clique)}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Loopback) Available() bool { return !l.unavailable }
func (l *Loopback) Version() int    { return l.version }

// CommsCreated counts the communicators built so far.
func (l *Loopback) CommsCreated() int64 { return l.created.Load() }

func (l *Loopback) NewUniqueID() (UniqueID, error) {
	var id UniqueID
	u := uuid.New()
	copy(id[:], u[:])
	return id, nil
}

func (l *Loopback) NewComm(dev device.Device, nRanks int, id UniqueID, rank int) (Comm, error) {
	if l.unavailable {
		return nil, ErrUnavailable
	}
	if rank < 0 || rank >= nRanks {
		return nil, fmt.Errorf("loopback: rank %d outside clique of %d", rank, nRanks)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.cliques[id]
	if !ok {
		members, err := group.NewLocalWorld(nRanks, nil)
		if err != nil {
			return nil, err
		}
		c = &clique{members: members, joined: make([]bool, nRanks)}
		l.cliques[id] = c
	}
	if len(c.members) != nRanks {
		return nil, fmt.Errorf("loopback: clique %s has %d ranks, joined with %d", id, len(c.members), nRanks)
	}
	if c.joined[rank] {
		return nil, fmt.Errorf("loopback: rank %d joined clique %s twice", rank, id)
	}
	c.joined[rank] = true
	c.left++
	if c.left == nRanks {
		delete(l.cliques, id)
	}
	l.created.Add(1)
	return &loopComm{g: c.members[rank], dev: dev}, nil
}

type loopComm struct {
	g      group.Group
	dev    device.Device
	closed bool
}

func (c *loopComm) Rank() int { return c.g.Rank() }
func (c *loopComm) Size() int { return c.g.Size() }

func (c *loopComm) AllReduce(send, recv device.Ptr, count int, dt DataType, op RedOp, stream device.Stream) error {
	if err := c.check(dt); err != nil {
		return err
	}
	if op != Sum {
		return fmt.Errorf("loopback: unsupported reduction %s", op)
	}
	if count == 0 {
		return nil
	}
	host := make([]byte, count*dt.Size())
	if err := c.dev.CopyDtoH(host, send); err != nil {
		return err
	}
	parts, err := c.g.AllGather(host)
	if err != nil {
		return err
	}
	sum := make([]byte, len(host))
	copy(sum, parts[0])
	for _, p := range parts[1:] {
		if len(p) != len(sum) {
			return fmt.Errorf("loopback: allreduce count mismatch: %d != %d bytes", len(p), len(sum))
		}
		if err := dtype.Accumulate(sum, p, dt.DType(), count); err != nil {
			return err
		}
	}
	return c.dev.CopyHtoD(recv, sum)
}

func (c *loopComm) Broadcast(send, recv device.Ptr, count int, dt DataType, root int, stream device.Stream) error {
	if err := c.check(dt); err != nil {
		return err
	}
	if count == 0 {
		return nil
	}
	var host []byte
	if c.g.Rank() == root {
		host = make([]byte, count*dt.Size())
		if err := c.dev.CopyDtoH(host, send); err != nil {
			return err
		}
	}
	got, err := c.g.Bcast(host, root)
	if err != nil {
		return err
	}
	if len(got) != count*dt.Size() {
		return fmt.Errorf("loopback: broadcast of %d bytes, expected %d", len(got), count*dt.Size())
	}
	return c.dev.CopyHtoD(recv, got)
}

func (c *loopComm) Close() error {
	c.closed = true
	return nil
}

func (c *loopComm) check(dt DataType) error {
	if c.closed {
		return fmt.Errorf("loopback: communicator closed")
	}
	if dt.Size() == 0 {
		return fmt.Errorf("%w: wire type %s", dtype.ErrUnsupported, dt)
	}
	return nil
}
