package device

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"

	"github.com/samcharles93/gradsync/internal/dtype"
)

const (
	hostAlign     = 256
	hostSpaceBits = 40
)

// HostPlatform is a set of devices backed by ordinary process memory. Each device owns a
// disjoint address range, so a pointer used on the wrong device fails with ErrInvalidAddress.
// It stands in for a GPU platform on machines without one and in tests.
type HostPlatform struct {
	mu      sync.Mutex
	devices []*HostDevice
	current int
}

type HostOption func(*HostDevice)

// WithMemoryLimit caps the bytes each device may have allocated at once.
func WithMemoryLimit(nBytes int64) HostOption {
	return func(d *HostDevice) { d.limit = nBytes }
}

func NewHostPlatform(numDevices int, opts ...HostOption) *HostPlatform {
	if numDevices < 1 {
		numDevices = 1
	}
	p := &HostPlatform{devices: make([]*HostDevice, numDevices)}
	for i := range p.devices {
		d := newHostDevice(i)
		for _, opt := range opts {
			opt(d)
		}
		p.devices[i] = d
	}
	return p
}

func (p *HostPlatform) Count() int { return len(p.devices) }

// Use selects the current device, like cudaSetDevice.
func (p *HostPlatform) Use(id int) error {
	if id < 0 || id >= len(p.devices) {
		return fmt.Errorf("%w: %d (have %d)", ErrNoDevice, id, len(p.devices))
	}
	p.mu.Lock()
	p.current = id
	p.mu.Unlock()
	return nil
}

func (p *HostPlatform) Current() (Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.devices[p.current], nil
}

func (p *HostPlatform) Device(id int) (*HostDevice, error) {
	if id < 0 || id >= len(p.devices) {
		return nil, fmt.Errorf("%w: %d (have %d)", ErrNoDevice, id, len(p.devices))
	}
	return p.devices[id], nil
}

type hostAlloc struct {
	base Ptr
	mem  []byte
}

func (a hostAlloc) end() Ptr { return a.base + Ptr(len(a.mem)) }

type HostDevice struct {
	id    int
	limit int64

	mu     sync.Mutex
	next   Ptr
	used   int64
	allocs []hostAlloc
	calls  int

	streamIDs atomic.Uintptr
	null      *HostStream
}

func newHostDevice(id int) *HostDevice {
	d := &HostDevice{
		id:   id,
		next: Ptr(uintptr(id+1) << hostSpaceBits),
	}
	d.null = &HostStream{}
	return d
}

func (d *HostDevice) ID() int { return d.id }

func (d *HostDevice) Alloc(nBytes int64) (Ptr, error) {
	if nBytes < 0 {
		return Null, fmt.Errorf("device %d: negative allocation %d", d.id, nBytes)
	}
	if nBytes == 0 {
		return Null, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.limit > 0 && d.used+nBytes > d.limit {
		return Null, fmt.Errorf("%w: device %d has %s of %s in use, requested %s",
			ErrOutOfMemory, d.id, humanize.IBytes(uint64(d.used)), humanize.IBytes(uint64(d.limit)),
			humanize.IBytes(uint64(nBytes)))
	}
	a := hostAlloc{base: d.next, mem: make([]byte, nBytes)}
	d.next += Ptr((nBytes+hostAlign-1)/hostAlign*hostAlign + hostAlign)
	d.allocs = append(d.allocs, a)
	d.used += nBytes
	return a.base, nil
}

func (d *HostDevice) Free(p Ptr) error {
	if p == Null {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.find(p)
	if i < 0 || d.allocs[i].base != p {
		return fmt.Errorf("%w: free of %#x on device %d", ErrInvalidAddress, uintptr(p), d.id)
	}
	d.used -= int64(len(d.allocs[i].mem))
	d.allocs = append(d.allocs[:i], d.allocs[i+1:]...)
	return nil
}

// find returns the index of the allocation containing p, or -1. Callers hold d.mu.
func (d *HostDevice) find(p Ptr) int {
	i := sort.Search(len(d.allocs), func(i int) bool { return d.allocs[i].base > p }) - 1
	if i < 0 || p >= d.allocs[i].end() {
		return -1
	}
	return i
}

// span resolves [p, p+n) to the backing memory. Callers hold d.mu.
func (d *HostDevice) span(p Ptr, n int64) ([]byte, error) {
	i := d.find(p)
	if i < 0 {
		return nil, fmt.Errorf("%w: %#x on device %d", ErrInvalidAddress, uintptr(p), d.id)
	}
	a := d.allocs[i]
	off := int64(p - a.base)
	if off+n > int64(len(a.mem)) {
		return nil, fmt.Errorf("%w: %#x+%d overruns allocation of %d bytes on device %d",
			ErrInvalidAddress, uintptr(p), n, len(a.mem), d.id)
	}
	return a.mem[off : off+n], nil
}

func (d *HostDevice) CopyHtoD(dst Ptr, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	mem, err := d.span(dst, int64(len(src)))
	if err != nil {
		return err
	}
	copy(mem, src)
	return nil
}

func (d *HostDevice) CopyDtoH(dst []byte, src Ptr) error {
	if len(dst) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	mem, err := d.span(src, int64(len(dst)))
	if err != nil {
		return err
	}
	copy(dst, mem)
	return nil
}

func (d *HostDevice) CopyDtoD(dst, src Ptr, nBytes int64) error {
	if nBytes == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	to, err := d.span(dst, nBytes)
	if err != nil {
		return err
	}
	from, err := d.span(src, nBytes)
	if err != nil {
		return err
	}
	copy(to, from)
	return nil
}

func (d *HostDevice) Scale(a Array, alpha float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	mem, err := d.span(a.Ptr, a.Bytes())
	if err != nil {
		return err
	}
	return dtype.Scale(mem, a.DType, a.Len, alpha)
}

func (d *HostDevice) Convert(dst, src Array) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	to, err := d.span(dst.Ptr, dst.Bytes())
	if err != nil {
		return err
	}
	from, err := d.span(src.Ptr, src.Bytes())
	if err != nil {
		return err
	}
	return dtype.Convert(to, dst.DType, from, src.DType, src.Len)
}

func (d *HostDevice) DefaultStream() Stream { return d.null }

// NewStream returns a non-default stream. Host work completes synchronously, so streams only
// record how often they were synchronized.
func (d *HostDevice) NewStream() *HostStream {
	return &HostStream{handle: d.streamIDs.Add(1)}
}

// InUse reports the bytes currently allocated.
func (d *HostDevice) InUse() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.used
}

// AllocCalls counts successful and failed non-empty allocation requests.
func (d *HostDevice) AllocCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type HostStream struct {
	handle uintptr
	syncs  atomic.Int64
}

func (s *HostStream) Handle() uintptr { return s.handle }

func (s *HostStream) Synchronize() error {
	s.syncs.Add(1)
	return nil
}

func (s *HostStream) Syncs() int64 { return s.syncs.Load() }
