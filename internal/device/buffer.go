package device

import (
	"fmt"

	"github.com/samcharles93/gradsync/internal/dtype"
)

// Buffer is an owned, grow-only block of device memory reused across calls.
// The zero-sized buffer has the Null pointer.
type Buffer struct {
	dev  Device
	ptr  Ptr
	size int64
}

func NewBuffer(dev Device) *Buffer {
	return &Buffer{dev: dev}
}

func (b *Buffer) Device() Device { return b.dev }
func (b *Buffer) Ptr() Ptr       { return b.ptr }
func (b *Buffer) Size() int64    { return b.size }

// Assign ensures at least nBytes of capacity. The current allocation is kept when it is
// large enough; otherwise it is released and replaced, and its contents are lost.
func (b *Buffer) Assign(nBytes int64) error {
	if nBytes < 0 {
		return fmt.Errorf("device: negative buffer size %d", nBytes)
	}
	if nBytes <= b.size {
		return nil
	}
	if err := b.Free(); err != nil {
		return err
	}
	p, err := b.dev.Alloc(nBytes)
	if err != nil {
		return fmt.Errorf("assign %d bytes on device %d: %w", nBytes, b.dev.ID(), err)
	}
	b.ptr = p
	b.size = nBytes
	return nil
}

// Array returns a typed view of the first n elements.
func (b *Buffer) Array(n int, dt dtype.DType) (Array, error) {
	a := Array{Ptr: b.ptr, Len: n, DType: dt}
	if n < 0 || a.Bytes() > b.size {
		return Array{}, fmt.Errorf("device: view %s exceeds buffer of %d bytes", a, b.size)
	}
	return a, nil
}

// FromDevice copies src into the start of the buffer.
func (b *Buffer) FromDevice(src Array) error {
	n := src.Bytes()
	if n > b.size {
		return fmt.Errorf("device: copy of %d bytes into buffer of %d bytes", n, b.size)
	}
	if n == 0 {
		return nil
	}
	return b.dev.CopyDtoD(b.ptr, src.Ptr, n)
}

func (b *Buffer) FromHost(src []byte) error {
	if int64(len(src)) > b.size {
		return fmt.Errorf("device: copy of %d bytes into buffer of %d bytes", len(src), b.size)
	}
	if len(src) == 0 {
		return nil
	}
	return b.dev.CopyHtoD(b.ptr, src)
}

func (b *Buffer) ToHost(nBytes int64) ([]byte, error) {
	if nBytes > b.size {
		return nil, fmt.Errorf("device: read of %d bytes from buffer of %d bytes", nBytes, b.size)
	}
	out := make([]byte, nBytes)
	if nBytes == 0 {
		return out, nil
	}
	if err := b.dev.CopyDtoH(out, b.ptr); err != nil {
		return nil, err
	}
	return out, nil
}

// Free releases the allocation. The buffer can be assigned again afterwards.
func (b *Buffer) Free() error {
	if b.ptr == Null {
		b.size = 0
		return nil
	}
	err := b.dev.Free(b.ptr)
	b.ptr = Null
	b.size = 0
	return err
}
