//go:build cuda

// Package nccl binds collective.Library to NCCL.
package nccl

/*
#cgo LDFLAGS: -lnccl -lcudart

#include <stddef.h>

typedef void* cudaStream_t;
typedef struct ncclComm* ncclComm_t;
typedef struct { char internal[128]; } ncclUniqueId;
typedef int ncclResult_t;
typedef int ncclDataType_t;
typedef int ncclRedOp_t;

extern const char* ncclGetErrorString(ncclResult_t result);
extern ncclResult_t ncclGetVersion(int* version);
extern ncclResult_t ncclGetUniqueId(ncclUniqueId* uniqueId);
extern ncclResult_t ncclCommInitRank(ncclComm_t* comm, int nranks, ncclUniqueId commId, int rank);
extern ncclResult_t ncclCommDestroy(ncclComm_t comm);
extern ncclResult_t ncclAllReduce(const void* sendbuff, void* recvbuff, size_t count,
	ncclDataType_t datatype, ncclRedOp_t op, ncclComm_t comm, cudaStream_t stream);
extern ncclResult_t ncclBroadcast(const void* sendbuff, void* recvbuff, size_t count,
	ncclDataType_t datatype, int root, ncclComm_t comm, cudaStream_t stream);

static int gsNcclVersion(int* out) { return (int)ncclGetVersion(out); }
static int gsNcclUniqueID(void* out) { return (int)ncclGetUniqueId((ncclUniqueId*)out); }
static int gsNcclInit(ncclComm_t* comm, int nranks, void* id, int rank) {
	return (int)ncclCommInitRank(comm, nranks, *(ncclUniqueId*)id, rank);
}
static int gsNcclDestroy(ncclComm_t comm) { return (int)ncclCommDestroy(comm); }
static int gsNcclAllReduce(void* send, void* recv, size_t count, int dt, int op, ncclComm_t comm, cudaStream_t stream) {
	return (int)ncclAllReduce(send, recv, count, dt, op, comm, stream);
}
static int gsNcclBroadcast(void* send, void* recv, size_t count, int dt, int root, ncclComm_t comm, cudaStream_t stream) {
	return (int)ncclBroadcast(send, recv, count, dt, root, comm, stream);
}
*/
import "C"

import (
	"fmt"
	"unsafe"

	"github.com/samcharles93/gradsync/internal/collective"
	"github.com/samcharles93/gradsync/internal/device"
	"github.com/samcharles93/gradsync/internal/device/cuda/native"
)

type Library struct{}

func New() *Library { return &Library{} }

// Available reports whether a CUDA device is visible to this process.
func (Library) Available() bool {
	n, err := native.DeviceCount()
	return err == nil && n > 0
}

func (Library) Version() int {
	var v C.int
	if ncclErr(C.gsNcclVersion(&v)) != nil {
		return 0
	}
	return int(v)
}

func (Library) NewUniqueID() (collective.UniqueID, error) {
	var id collective.UniqueID
	if err := ncclErr(C.gsNcclUniqueID(unsafe.Pointer(&id[0]))); err != nil {
		return id, err
	}
	return id, nil
}

func (Library) NewComm(dev device.Device, nRanks int, id collective.UniqueID, rank int) (collective.Comm, error) {
	if err := native.SetDevice(dev.ID()); err != nil {
		return nil, err
	}
	var comm C.ncclComm_t
	if err := ncclErr(C.gsNcclInit(&comm, C.int(nRanks), unsafe.Pointer(&id[0]), C.int(rank))); err != nil {
		return nil, err
	}
	return &Comm{ptr: comm, rank: rank, size: nRanks}, nil
}

type Comm struct {
	ptr  C.ncclComm_t
	rank int
	size int
}

func (c *Comm) Rank() int { return c.rank }
func (c *Comm) Size() int { return c.size }

func (c *Comm) AllReduce(send, recv device.Ptr, count int, dt collective.DataType, op collective.RedOp, stream device.Stream) error {
	return ncclErr(C.gsNcclAllReduce(ptr(send), ptr(recv), C.size_t(count), C.int(dt), C.int(op), c.ptr, streamOf(stream)))
}

func (c *Comm) Broadcast(send, recv device.Ptr, count int, dt collective.DataType, root int, stream device.Stream) error {
	return ncclErr(C.gsNcclBroadcast(ptr(send), ptr(recv), C.size_t(count), C.int(dt), C.int(root), c.ptr, streamOf(stream)))
}

func (c *Comm) Close() error {
	if c.ptr == nil {
		return nil
	}
	err := ncclErr(C.gsNcclDestroy(c.ptr))
	c.ptr = nil
	return err
}

func ptr(p device.Ptr) unsafe.Pointer {
	return unsafe.Pointer(uintptr(p))
}

func streamOf(s device.Stream) C.cudaStream_t {
	if device.IsDefault(s) {
		return nil
	}
	return C.cudaStream_t(unsafe.Pointer(s.Handle()))
}

func ncclErr(code C.int) error {
	if code == 0 {
		return nil
	}
	return fmt.Errorf("nccl error %d: %s", int(code), C.GoString(C.ncclGetErrorString(C.ncclResult_t(code))))
}
