//go:build cuda

// Package cuda implements device.Device on the CUDA runtime.
package cuda

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/samcharles93/gradsync/internal/device"
	"github.com/samcharles93/gradsync/internal/device/cuda/native"
	"github.com/samcharles93/gradsync/internal/dtype"
)

// Platform reports the CUDA device current for the calling thread. Callers that select a
// device with Use should keep the goroutine locked to its OS thread.
type Platform struct {
	mu      sync.Mutex
	devices map[int]*Device
}

func NewPlatform() (*Platform, error) {
	count, err := native.DeviceCount()
	if err != nil {
		return nil, fmt.Errorf("cuda device query failed: %w", err)
	}
	if count < 1 {
		return nil, fmt.Errorf("no cuda devices detected")
	}
	return &Platform{devices: make(map[int]*Device)}, nil
}

// Use locks the calling goroutine to its thread and makes id the current device.
func (p *Platform) Use(id int) error {
	runtime.LockOSThread()
	if err := native.SetDevice(id); err != nil {
		return fmt.Errorf("%w: %d: %v", device.ErrNoDevice, id, err)
	}
	return nil
}

func (p *Platform) Current() (device.Device, error) {
	id, err := native.GetDevice()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if d, ok := p.devices[id]; ok {
		return d, nil
	}
	d, err := newDevice(id)
	if err != nil {
		return nil, err
	}
	p.devices[id] = d
	return d, nil
}

// Close destroys the cuBLAS handles of every device handed out.
func (p *Platform) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	for id, d := range p.devices {
		if e := d.blas.Destroy(); e != nil && err == nil {
			err = e
		}
		delete(p.devices, id)
	}
	return err
}

type Device struct {
	id   int
	blas native.BlasHandle
}

func newDevice(id int) (*Device, error) {
	blas, err := native.NewBlasHandle(native.NullStream)
	if err != nil {
		return nil, fmt.Errorf("cublas init failed on device %d: %w", id, err)
	}
	return &Device{id: id, blas: blas}, nil
}

func (d *Device) ID() int { return d.id }

func (d *Device) Alloc(nBytes int64) (device.Ptr, error) {
	if nBytes == 0 {
		return device.Null, nil
	}
	buf, err := native.AllocDevice(nBytes)
	if errors.Is(err, native.ErrOutOfMemory) {
		return device.Null, fmt.Errorf("%w: %v", device.ErrOutOfMemory, err)
	}
	if err != nil {
		return device.Null, err
	}
	return device.Ptr(buf.Addr()), nil
}

func (d *Device) Free(p device.Ptr) error {
	return native.BufferAt(uintptr(p)).Free()
}

func (d *Device) CopyHtoD(dst device.Ptr, src []byte) error {
	return native.MemcpyH2D(native.BufferAt(uintptr(dst)), src)
}

func (d *Device) CopyDtoH(dst []byte, src device.Ptr) error {
	return native.MemcpyD2H(dst, native.BufferAt(uintptr(src)))
}

func (d *Device) CopyDtoD(dst, src device.Ptr, nBytes int64) error {
	return native.MemcpyD2D(native.BufferAt(uintptr(dst)), native.BufferAt(uintptr(src)), nBytes)
}

func (d *Device) DefaultStream() device.Stream { return native.NullStream }

// Scale runs cuBLAS scal for float32 and float64 and stages half-precision types through host memory.
func (d *Device) Scale(a device.Array, alpha float64) error {
	buf := native.BufferAt(uintptr(a.Ptr))
	switch a.DType {
	case dtype.Float32:
		return native.ScalF32(d.blas, a.Len, float32(alpha), buf)
	case dtype.Float64:
		return native.ScalF64(d.blas, a.Len, alpha, buf)
	default:
		return device.StagedScale(d, a, alpha)
	}
}

func (d *Device) Convert(dst, src device.Array) error {
	return device.StagedConvert(d, dst, src)
}

// WrapStream adapts a stream handle owned by the caller.
func WrapStream(handle uintptr) device.Stream {
	return native.StreamFromHandle(handle)
}
