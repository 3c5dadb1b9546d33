// Package collective defines the collective-communication library the communicators reduce
// through, and manages the lifetime of its per-device communicator handles.
package collective

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/samcharles93/gradsync/internal/device"
	"github.com/samcharles93/gradsync/internal/dtype"
)

var ErrUnavailable = errors.New("collective: library unavailable")

// DataType is a wire type the library can reduce. The values are the library's own tags.
type DataType uint8

const (
	Float16 DataType = 6
	Float32 DataType = 7
	Float64 DataType = 8
)

func (t DataType) Size() int {
	switch t {
	case Float16:
		return 2
	case Float32:
		return 4
	case Float64:
		return 8
	default:
		return 0
	}
}

// DType is the storage type matching t.
func (t DataType) DType() dtype.DType {
	switch t {
	case Float16:
		return dtype.Float16
	case Float32:
		return dtype.Float32
	case Float64:
		return dtype.Float64
	default:
		return dtype.Invalid
	}
}

func (t DataType) String() string {
	if d := t.DType(); d != dtype.Invalid {
		return d.String()
	}
	return fmt.Sprintf("DataType(%d)", uint8(t))
}

// WireTypeOf maps a storage type to its wire type. Only float16, float32 and float64 travel
// on the wire.
func WireTypeOf(d dtype.DType) (DataType, error) {
	switch d {
	case dtype.Float16:
		return Float16, nil
	case dtype.Float32:
		return Float32, nil
	case dtype.Float64:
		return Float64, nil
	default:
		return 0, fmt.Errorf("%w: no wire type for %s", dtype.ErrUnsupported, d)
	}
}

type RedOp uint8

const Sum RedOp = 0

func (op RedOp) String() string {
	if op == Sum {
		return "sum"
	}
	return fmt.Sprintf("RedOp(%d)", uint8(op))
}

// UniqueID names one communicator clique. The root creates it and every member joins with it.
type UniqueID [128]byte

func (id UniqueID) String() string {
	var u uuid.UUID
	copy(u[:], id[:16])
	return u.String()
}

// Library is a collective-communication implementation.
type Library interface {
	Available() bool
	// Version is encoded as major*1000 + minor*100 + patch.
	Version() int
	NewUniqueID() (UniqueID, error)
	// NewComm joins clique id as rank, binding the communicator to dev.
	NewComm(dev device.Device, nRanks int, id UniqueID, rank int) (Comm, error)
}

// Comm operates on device memory of the device it was created on. Calls are enqueued on
// stream; a nil stream means the default stream.
type Comm interface {
	Rank() int
	Size() int
	AllReduce(send, recv device.Ptr, count int, dt DataType, op RedOp, stream device.Stream) error
	Broadcast(send, recv device.Ptr, count int, dt DataType, root int, stream device.Stream) error
	Close() error
}
