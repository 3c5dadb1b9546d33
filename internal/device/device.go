// Package device abstracts the memory and stream primitives of an accelerator.
//
// Addresses are opaque Ptr values that are only meaningful to the Device that
// produced them. Host code moves bytes in and out with CopyHtoD/CopyDtoH, and
// typed element access goes through Array views plus the Scale/Convert kernels.
package device

import (
	"errors"
	"fmt"

	"github.com/samcharles93/gradsync/internal/dtype"
)

// Ptr is a device address. Null is the address of a zero-sized allocation.
type Ptr uintptr

const Null Ptr = 0

var (
	ErrOutOfMemory    = errors.New("device: out of memory")
	ErrInvalidAddress = errors.New("device: invalid address")
	ErrNoDevice       = errors.New("device: no such device")
)

// Stream orders device work. Handle 0 is the default (null) stream.
type Stream interface {
	Handle() uintptr
	Synchronize() error
}

type Device interface {
	ID() int
	Alloc(nBytes int64) (Ptr, error)
	Free(p Ptr) error
	CopyHtoD(dst Ptr, src []byte) error
	CopyDtoH(dst []byte, src Ptr) error
	CopyDtoD(dst, src Ptr, nBytes int64) error
	DefaultStream() Stream
}

// Kernels is implemented by devices that can scale and convert arrays without
// staging through host memory.
type Kernels interface {
	Scale(a Array, alpha float64) error
	Convert(dst, src Array) error
}

// Platform hands out the device that is current for the calling process.
type Platform interface {
	Current() (Device, error)
}

// Array is a typed view of Len elements starting at Ptr.
type Array struct {
	Ptr   Ptr
	Len   int
	DType dtype.DType
}

func (a Array) Bytes() int64 {
	return int64(a.Len) * int64(a.DType.Size())
}

func (a Array) String() string {
	return fmt.Sprintf("%s[%d]@%#x", a.DType, a.Len, uintptr(a.Ptr))
}

// IsDefault reports whether s is nil or the default stream.
func IsDefault(s Stream) bool {
	return s == nil || s.Handle() == 0
}

// Scale multiplies a in place by alpha.
func Scale(d Device, a Array, alpha float64) error {
	if a.Len == 0 {
		return nil
	}
	if k, ok := d.(Kernels); ok {
		return k.Scale(a, alpha)
	}
	return StagedScale(d, a, alpha)
}

// StagedScale scales a by copying it to host memory and back.
func StagedScale(d Device, a Array, alpha float64) error {
	host := make([]byte, a.Bytes())
	if err := d.CopyDtoH(host, a.Ptr); err != nil {
		return err
	}
	if err := dtype.Scale(host, a.DType, a.Len, alpha); err != nil {
		return err
	}
	return d.CopyHtoD(a.Ptr, host)
}

// Convert casts src into dst element-wise. Both views must hold the same number of elements.
func Convert(d Device, dst, src Array) error {
	if dst.Len != src.Len {
		return fmt.Errorf("device: convert length mismatch: %d != %d", dst.Len, src.Len)
	}
	if src.Len == 0 {
		return nil
	}
	if k, ok := d.(Kernels); ok {
		return k.Convert(dst, src)
	}
	return StagedConvert(d, dst, src)
}

// StagedConvert converts src into dst by way of host memory.
func StagedConvert(d Device, dst, src Array) error {
	in := make([]byte, src.Bytes())
	if err := d.CopyDtoH(in, src.Ptr); err != nil {
		return err
	}
	out := make([]byte, dst.Bytes())
	if err := dtype.Convert(out, dst.DType, in, src.DType, src.Len); err != nil {
		return err
	}
	return d.CopyHtoD(dst.Ptr, out)
}

// Read copies a to the host and decodes it.
func Read(d Device, a Array) ([]float64, error) {
	host := make([]byte, a.Bytes())
	if a.Len > 0 {
		if err := d.CopyDtoH(host, a.Ptr); err != nil {
			return nil, err
		}
	}
	return dtype.Decode(host, a.DType, a.Len)
}

// Write encodes vals as a.DType and copies them into a.
func Write(d Device, a Array, vals []float64) error {
	if len(vals) != a.Len {
		return fmt.Errorf("device: write of %d values into %s", len(vals), a)
	}
	host, err := dtype.Encode(vals, a.DType)
	if err != nil {
		return err
	}
	if a.Len == 0 {
		return nil
	}
	return d.CopyHtoD(a.Ptr, host)
}

// NewArray allocates a fresh array on d and fills it with vals.
func NewArray(d Device, dt dtype.DType, vals []float64) (Array, error) {
	p, err := d.Alloc(int64(len(vals)) * int64(dt.Size()))
	if err != nil {
		return Array{}, err
	}
	a := Array{Ptr: p, Len: len(vals), DType: dt}
	if err := Write(d, a, vals); err != nil {
		_ = d.Free(p)
		return Array{}, err
	}
	return a, nil
}
