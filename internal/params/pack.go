package params

import (
	"fmt"

	"github.com/samcharles93/gradsync/internal/device"
	"github.com/samcharles93/gradsync/internal/dtype"
)

// Copier moves bytes between device addresses. device.Device satisfies it.
type Copier interface {
	CopyDtoD(dst, src device.Ptr, nBytes int64) error
}

// Span is where one parameter lands in a packed buffer.
type Span struct {
	Name   string
	Offset int64
	Bytes  int64
}

// Layout walks ps in order and assigns each selected view a contiguous byte range, with no
// padding. Every view must store itemSize-byte elements.
func Layout(ps []Named, itemSize int, which View) ([]Span, int64, error) {
	if itemSize <= 0 {
		return nil, 0, fmt.Errorf("params: invalid item size %d", itemSize)
	}
	spans := make([]Span, 0, len(ps))
	var off int64
	for _, p := range ps {
		a := p.Array(which)
		if a == nil {
			return nil, 0, fmt.Errorf("params: %s has no %s view", p.Name, which)
		}
		if w := a.DType.Size(); w != itemSize {
			return nil, 0, fmt.Errorf("%w: %s %s is %s (%d bytes per element), packing %d",
				dtype.ErrUnsupported, p.Name, which, a.DType, w, itemSize)
		}
		n := int64(a.Len) * int64(itemSize)
		spans = append(spans, Span{Name: p.Name, Offset: off, Bytes: n})
		off += n
	}
	return spans, off, nil
}

// Pack concatenates the selected views of ps into dst.
func Pack(cp Copier, ps []Named, itemSize int, which View, dst *device.Buffer) error {
	return walk(ps, itemSize, which, dst, func(a *device.Array, at device.Ptr, n int64) error {
		return cp.CopyDtoD(at, a.Ptr, n)
	})
}

// Unpack is the inverse of Pack: it copies consecutive ranges of src back into the views.
func Unpack(cp Copier, ps []Named, itemSize int, which View, src *device.Buffer) error {
	return walk(ps, itemSize, which, src, func(a *device.Array, at device.Ptr, n int64) error {
		return cp.CopyDtoD(a.Ptr, at, n)
	})
}

func walk(ps []Named, itemSize int, which View, buf *device.Buffer, copyFn func(*device.Array, device.Ptr, int64) error) error {
	spans, total, err := Layout(ps, itemSize, which)
	if err != nil {
		return err
	}
	if total > buf.Size() {
		return fmt.Errorf("params: %d bytes of %s do not fit buffer of %d bytes", total, which, buf.Size())
	}
	for i, s := range spans {
		if s.Bytes == 0 {
			continue
		}
		if err := copyFn(ps[i].Array(which), buf.Ptr()+device.Ptr(s.Offset), s.Bytes); err != nil {
			return fmt.Errorf("params: %s %s: %w", which, s.Name, err)
		}
	}
	return nil
}
