//go:build cuda

package native

/*
#cgo LDFLAGS: -lcudart -lcublas

// Forward declarations keep the CUDA headers out of the build; libcudart and libcublas are
// still required at link time.
typedef void* cudaStream_t;
typedef int cudaError_t;

extern const char* cudaGetErrorString(cudaError_t err);
extern cudaError_t cudaGetDeviceCount(int* count);
extern cudaError_t cudaSetDevice(int device);
extern cudaError_t cudaGetDevice(int* device);
extern cudaError_t cudaMemGetInfo(unsigned long long* free, unsigned long long* total);
extern cudaError_t cudaStreamCreate(cudaStream_t* stream);
extern cudaError_t cudaStreamDestroy(cudaStream_t stream);
extern cudaError_t cudaStreamSynchronize(cudaStream_t stream);
extern cudaError_t cudaMalloc(void** ptr, unsigned long long size);
extern cudaError_t cudaFree(void* ptr);
extern cudaError_t cudaMemcpy(void* dst, const void* src, unsigned long long size, int kind);

#define GRADSYNC_CUDA_MEMCPY_HOST_TO_DEVICE 1
#define GRADSYNC_CUDA_MEMCPY_DEVICE_TO_HOST 2
#define GRADSYNC_CUDA_MEMCPY_DEVICE_TO_DEVICE 3

typedef struct cublasContext* cublasHandle_t;
typedef int cublasStatus_t;

extern cublasStatus_t cublasCreate_v2(cublasHandle_t* handle);
extern cublasStatus_t cublasDestroy_v2(cublasHandle_t handle);
extern cublasStatus_t cublasSetStream_v2(cublasHandle_t handle, cudaStream_t stream);
extern cublasStatus_t cublasSscal_v2(cublasHandle_t handle, int n, const float* alpha, float* x, int incx);
extern cublasStatus_t cublasDscal_v2(cublasHandle_t handle, int n, const double* alpha, double* x, int incx);

static const char* gsCudaGetErrorString(cudaError_t err) { return cudaGetErrorString(err); }
static int gsCudaGetDeviceCount(int* out) { return (int)cudaGetDeviceCount(out); }
static int gsCudaSetDevice(int device) { return (int)cudaSetDevice(device); }
static int gsCudaGetDevice(int* out) { return (int)cudaGetDevice(out); }
static int gsCudaMemGetInfo(unsigned long long* free, unsigned long long* total) {
	return (int)cudaMemGetInfo(free, total);
}
static int gsCudaStreamCreate(cudaStream_t* out) { return (int)cudaStreamCreate(out); }
static int gsCudaStreamDestroy(cudaStream_t stream) { return (int)cudaStreamDestroy(stream); }
static int gsCudaStreamSynchronize(cudaStream_t stream) { return (int)cudaStreamSynchronize(stream); }
static int gsCudaMalloc(void** ptr, unsigned long long size) { return (int)cudaMalloc(ptr, size); }
static int gsCudaFree(void* ptr) { return (int)cudaFree(ptr); }
static int gsCudaMemcpy(void* dst, const void* src, unsigned long long size, int kind) {
	return (int)cudaMemcpy(dst, src, size, kind);
}

static int gsCublasCreate(cublasHandle_t* out) { return (int)cublasCreate_v2(out); }
static int gsCublasDestroy(cublasHandle_t handle) { return (int)cublasDestroy_v2(handle); }
static int gsCublasSetStream(cublasHandle_t handle, cudaStream_t stream) {
	return (int)cublasSetStream_v2(handle, stream);
}
static int gsCublasSscal(cublasHandle_t handle, int n, float alpha, void* x) {
	return (int)cublasSscal_v2(handle, n, &alpha, (float*)x, 1);
}
static int gsCublasDscal(cublasHandle_t handle, int n, double alpha, void* x) {
	return (int)cublasDscal_v2(handle, n, &alpha, (double*)x, 1);
}
*/
import "C"

import (
	"errors"
	"fmt"
	"unsafe"
)

const cudaErrorMemoryAllocation = 2

var ErrOutOfMemory = errors.New("cuda: out of memory")

type Stream struct {
	ptr C.cudaStream_t
}

// NullStream is the legacy default stream.
var NullStream = Stream{}

type BlasHandle struct {
	ptr C.cublasHandle_t
}

type DeviceBuffer struct {
	ptr unsafe.Pointer
}

func DeviceCount() (int, error) {
	var count C.int
	if err := cudaErr(C.gsCudaGetDeviceCount(&count)); err != nil {
		return 0, err
	}
	return int(count), nil
}

func SetDevice(id int) error {
	return cudaErr(C.gsCudaSetDevice(C.int(id)))
}

// GetDevice returns the device current for the calling OS thread.
func GetDevice() (int, error) {
	var id C.int
	if err := cudaErr(C.gsCudaGetDevice(&id)); err != nil {
		return 0, err
	}
	return int(id), nil
}

func MemGetInfo() (free, total uint64, err error) {
	var f, t C.ulonglong
	if err := cudaErr(C.gsCudaMemGetInfo(&f, &t)); err != nil {
		return 0, 0, err
	}
	return uint64(f), uint64(t), nil
}

func NewStream() (Stream, error) {
	var stream C.cudaStream_t
	if err := cudaErr(C.gsCudaStreamCreate(&stream)); err != nil {
		return Stream{}, err
	}
	return Stream{ptr: stream}, nil
}

func (s Stream) Destroy() error {
	if s.ptr == nil {
		return nil
	}
	return cudaErr(C.gsCudaStreamDestroy(s.ptr))
}

func (s Stream) Handle() uintptr {
	return uintptr(unsafe.Pointer(s.ptr))
}

func (s Stream) Synchronize() error {
	return cudaErr(C.gsCudaStreamSynchronize(s.ptr))
}

// StreamFromHandle wraps a stream created elsewhere, e.g. by a training framework.
func StreamFromHandle(h uintptr) Stream {
	return Stream{ptr: C.cudaStream_t(unsafe.Pointer(h))}
}

func AllocDevice(bytes int64) (DeviceBuffer, error) {
	if bytes <= 0 {
		return DeviceBuffer{}, fmt.Errorf("device alloc size must be > 0")
	}
	var ptr unsafe.Pointer
	if err := cudaErr(C.gsCudaMalloc((*unsafe.Pointer)(&ptr), C.ulonglong(bytes))); err != nil {
		return DeviceBuffer{}, err
	}
	return DeviceBuffer{ptr: ptr}, nil
}

func BufferAt(addr uintptr) DeviceBuffer {
	return DeviceBuffer{ptr: unsafe.Pointer(addr)}
}

func (b DeviceBuffer) Free() error {
	if b.ptr == nil {
		return nil
	}
	return cudaErr(C.gsCudaFree(b.ptr))
}

func (b DeviceBuffer) Addr() uintptr {
	return uintptr(b.ptr)
}

func MemcpyH2D(dst DeviceBuffer, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	return cudaErr(C.gsCudaMemcpy(dst.ptr, unsafe.Pointer(&src[0]), C.ulonglong(len(src)), C.GRADSYNC_CUDA_MEMCPY_HOST_TO_DEVICE))
}

func MemcpyD2H(dst []byte, src DeviceBuffer) error {
	if len(dst) == 0 {
		return nil
	}
	return cudaErr(C.gsCudaMemcpy(unsafe.Pointer(&dst[0]), src.ptr, C.ulonglong(len(dst)), C.GRADSYNC_CUDA_MEMCPY_DEVICE_TO_HOST))
}

func MemcpyD2D(dst, src DeviceBuffer, bytes int64) error {
	if bytes <= 0 {
		return nil
	}
	return cudaErr(C.gsCudaMemcpy(dst.ptr, src.ptr, C.ulonglong(bytes), C.GRADSYNC_CUDA_MEMCPY_DEVICE_TO_DEVICE))
}

func NewBlasHandle(stream Stream) (BlasHandle, error) {
	var handle C.cublasHandle_t
	if err := cublasErr(C.gsCublasCreate(&handle)); err != nil {
		return BlasHandle{}, err
	}
	if err := cublasErr(C.gsCublasSetStream(handle, stream.ptr)); err != nil {
		_ = cublasErr(C.gsCublasDestroy(handle))
		return BlasHandle{}, err
	}
	return BlasHandle{ptr: handle}, nil
}

func (h BlasHandle) Destroy() error {
	if h.ptr == nil {
		return nil
	}
	return cublasErr(C.gsCublasDestroy(h.ptr))
}

func ScalF32(h BlasHandle, n int, alpha float32, x DeviceBuffer) error {
	return cublasErr(C.gsCublasSscal(h.ptr, C.int(n), C.float(alpha), x.ptr))
}

func ScalF64(h BlasHandle, n int, alpha float64, x DeviceBuffer) error {
	return cublasErr(C.gsCublasDscal(h.ptr, C.int(n), C.double(alpha), x.ptr))
}

func cublasErr(code C.int) error {
	if code == 0 {
		return nil
	}
	return fmt.Errorf("cublas error %d", int(code))
}

func cudaErr(code C.int) error {
	if code == 0 {
		return nil
	}
	msg := C.GoString(C.gsCudaGetErrorString(C.cudaError_t(code)))
	if code == cudaErrorMemoryAllocation {
		return fmt.Errorf("%w: %s", ErrOutOfMemory, msg)
	}
	return fmt.Errorf("cuda runtime error %d: %s", int(code), msg)
}
