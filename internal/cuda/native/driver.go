//go:build cuda

package native

/*
#cgo LDFLAGS: -lcuda

#include <stddef.h>
#include <stdlib.h>

// Minimal CUDA driver forward declarations so cuda.h is not needed at compile time.
// Versioned symbols are named directly since the header macros are absent.
typedef int CUresult;
typedef int CUdevice;
typedef int CUjit_option;
typedef unsigned long long CUdeviceptr;
typedef struct CUctx_st* CUcontext;
typedef struct CUstream_st* CUstream;
typedef struct CUmod_st* CUmodule;
typedef struct CUfunc_st* CUfunction;

extern CUresult cuInit(unsigned int flags);
extern CUresult cuGetErrorName(CUresult err, const char** pStr);
extern CUresult cuGetErrorString(CUresult err, const char** pStr);
extern CUresult cuDeviceGetCount(int* count);
extern CUresult cuDeviceGet(CUdevice* device, int ordinal);
extern CUresult cuDeviceGetAttribute(int* pi, int attrib, CUdevice dev);
extern CUresult cuDevicePrimaryCtxRetain(CUcontext* pctx, CUdevice dev);
extern CUresult cuDevicePrimaryCtxRelease_v2(CUdevice dev);
extern CUresult cuCtxSetCurrent(CUcontext ctx);
extern CUresult cuStreamCreate(CUstream* phStream, unsigned int flags);
extern CUresult cuStreamDestroy_v2(CUstream hStream);
extern CUresult cuStreamGetCtx(CUstream hStream, CUcontext* pctx);
extern CUresult cuStreamSynchronize(CUstream hStream);
extern CUresult cuModuleLoadDataEx(CUmodule* module, const void* image, unsigned int numOptions, CUjit_option* options, void** optionValues);
extern CUresult cuModuleGetFunction(CUfunction* hfunc, CUmodule hmod, const char* name);
extern CUresult cuLaunchKernel(CUfunction f,
	unsigned int gridDimX, unsigned int gridDimY, unsigned int gridDimZ,
	unsigned int blockDimX, unsigned int blockDimY, unsigned int blockDimZ,
	unsigned int sharedMemBytes, CUstream hStream, void** kernelParams, void** extra);
extern CUresult cuMemAlloc_v2(CUdeviceptr* dptr, size_t bytesize);
extern CUresult cuMemFree_v2(CUdeviceptr dptr);
extern CUresult cuMemcpyHtoD_v2(CUdeviceptr dstDevice, const void* srcHost, size_t byteCount);
extern CUresult cuMemcpyDtoH_v2(void* dstHost, CUdeviceptr srcDevice, size_t byteCount);

#define UFI_CU_JIT_INFO_LOG_BUFFER 3
#define UFI_CU_JIT_INFO_LOG_BUFFER_SIZE_BYTES 4
#define UFI_CU_JIT_ERROR_LOG_BUFFER 5
#define UFI_CU_JIT_ERROR_LOG_BUFFER_SIZE_BYTES 6
#define UFI_CU_DEVICE_ATTRIBUTE_COMPUTE_CAPABILITY_MAJOR 75
#define UFI_CU_DEVICE_ATTRIBUTE_COMPUTE_CAPABILITY_MINOR 76

static const char* ufiErrorName(CUresult err) {
	const char* s = NULL;
	if (cuGetErrorName(err, &s) != 0) {
		return NULL;
	}
	return s;
}

static const char* ufiErrorString(CUresult err) {
	const char* s = NULL;
	if (cuGetErrorString(err, &s) != 0) {
		return NULL;
	}
	return s;
}

static int ufiComputeCapability(CUdevice dev, int* major, int* minor) {
	CUresult st = cuDeviceGetAttribute(major, UFI_CU_DEVICE_ATTRIBUTE_COMPUTE_CAPABILITY_MAJOR, dev);
	if (st != 0) {
		return st;
	}
	return cuDeviceGetAttribute(minor, UFI_CU_DEVICE_ATTRIBUTE_COMPUTE_CAPABILITY_MINOR, dev);
}

static int ufiStreamCreate(CUcontext ctx, CUstream* out) {
	CUresult st = cuCtxSetCurrent(ctx);
	if (st != 0) {
		return st;
	}
	return cuStreamCreate(out, 0);
}

static int ufiModuleLoad(CUcontext ctx, CUmodule* out, const char* image,
	char* infoLog, char* errorLog, size_t logSize) {
	CUresult st = cuCtxSetCurrent(ctx);
	if (st != 0) {
		return st;
	}
	CUjit_option options[] = {
		UFI_CU_JIT_INFO_LOG_BUFFER,
		UFI_CU_JIT_INFO_LOG_BUFFER_SIZE_BYTES,
		UFI_CU_JIT_ERROR_LOG_BUFFER,
		UFI_CU_JIT_ERROR_LOG_BUFFER_SIZE_BYTES,
	};
	void* values[] = {
		(void*)infoLog,
		(void*)logSize,
		(void*)errorLog,
		(void*)logSize,
	};
	return cuModuleLoadDataEx(out, (const void*)image, 4, options, values);
}

static int ufiLaunch(CUfunction f,
	unsigned int gx, unsigned int gy, unsigned int gz,
	unsigned int bx, unsigned int by, unsigned int bz,
	unsigned int shared, CUstream stream, void* params, size_t size) {
	size_t paramSize = size;
	void* config[] = {
		(void*)1, // CU_LAUNCH_PARAM_BUFFER_POINTER
		params,
		(void*)2, // CU_LAUNCH_PARAM_BUFFER_SIZE
		&paramSize,
		(void*)0, // CU_LAUNCH_PARAM_END
	};
	return cuLaunchKernel(f, gx, gy, gz, bx, by, bz, shared, stream, NULL, config);
}

static int ufiMemAlloc(CUcontext ctx, CUdeviceptr* out, size_t bytes) {
	CUresult st = cuCtxSetCurrent(ctx);
	if (st != 0) {
		return st;
	}
	return cuMemAlloc_v2(out, bytes);
}

static int ufiMemFree(CUcontext ctx, CUdeviceptr ptr) {
	CUresult st = cuCtxSetCurrent(ctx);
	if (st != 0) {
		return st;
	}
	return cuMemFree_v2(ptr);
}

static int ufiMemcpyHtoD(CUcontext ctx, CUdeviceptr dst, const void* src, size_t bytes) {
	CUresult st = cuCtxSetCurrent(ctx);
	if (st != 0) {
		return st;
	}
	return cuMemcpyHtoD_v2(dst, src, bytes);
}

static int ufiMemcpyDtoH(CUcontext ctx, void* dst, CUdeviceptr src, size_t bytes) {
	CUresult st = cuCtxSetCurrent(ctx);
	if (st != 0) {
		return st;
	}
	return cuMemcpyDtoH_v2(dst, src, bytes);
}
*/
import "C"

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/samcharles93/ufi/internal/cuda"
)

// Driver binds cuda.Driver to libcuda.
type Driver struct {
	initOnce sync.Once
	initErr  error

	mu      sync.Mutex
	devices map[int]C.CUdevice
}

var _ cuda.Driver = (*Driver)(nil)

func New() *Driver {
	return &Driver{devices: make(map[int]C.CUdevice)}
}

func (d *Driver) Name() string {
	return "cuda"
}

func (d *Driver) init() error {
	d.initOnce.Do(func() {
		d.initErr = driverErr("cuInit", C.int(C.cuInit(0)))
	})
	return d.initErr
}

func (d *Driver) DeviceCount() (int, error) {
	if err := d.init(); err != nil {
		return 0, err
	}
	var count C.int
	if err := driverErr("cuDeviceGetCount", C.int(C.cuDeviceGetCount(&count))); err != nil {
		return 0, err
	}
	return int(count), nil
}

func (d *Driver) device(ordinal int) (C.CUdevice, error) {
	if err := d.init(); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if dev, ok := d.devices[ordinal]; ok {
		return dev, nil
	}
	var dev C.CUdevice
	if err := driverErr("cuDeviceGet", C.int(C.cuDeviceGet(&dev, C.int(ordinal)))); err != nil {
		return 0, err
	}
	d.devices[ordinal] = dev
	return dev, nil
}

func (d *Driver) ComputeCapability(ordinal int) (int, int, error) {
	dev, err := d.device(ordinal)
	if err != nil {
		return 0, 0, err
	}
	var major, minor C.int
	if err := driverErr("cuDeviceGetAttribute", C.ufiComputeCapability(dev, &major, &minor)); err != nil {
		return 0, 0, err
	}
	return int(major), int(minor), nil
}

func (d *Driver) Attach(ordinal int) (cuda.Context, error) {
	dev, err := d.device(ordinal)
	if err != nil {
		return 0, err
	}
	var ctx C.CUcontext
	if err := driverErr("cuDevicePrimaryCtxRetain", C.int(C.cuDevicePrimaryCtxRetain(&ctx, dev))); err != nil {
		return 0, err
	}
	return cuda.Context(uintptr(unsafe.Pointer(ctx))), nil
}

func (d *Driver) Detach(ordinal int) error {
	dev, err := d.device(ordinal)
	if err != nil {
		return err
	}
	return driverErr("cuDevicePrimaryCtxRelease", C.int(C.cuDevicePrimaryCtxRelease_v2(dev)))
}

func (d *Driver) StreamCreate(ctx cuda.Context) (cuda.Stream, error) {
	var stream C.CUstream
	if err := driverErr("cuStreamCreate", C.ufiStreamCreate(cctx(ctx), &stream)); err != nil {
		return 0, err
	}
	return cuda.Stream(uintptr(unsafe.Pointer(stream))), nil
}

func (d *Driver) StreamDestroy(s cuda.Stream) error {
	if s == 0 {
		return nil
	}
	return driverErr("cuStreamDestroy", C.int(C.cuStreamDestroy_v2(cstream(s))))
}

func (d *Driver) StreamContext(s cuda.Stream) (cuda.Context, error) {
	var ctx C.CUcontext
	if err := driverErr("cuStreamGetCtx", C.int(C.cuStreamGetCtx(cstream(s), &ctx))); err != nil {
		return 0, err
	}
	return cuda.Context(uintptr(unsafe.Pointer(ctx))), nil
}

func (d *Driver) StreamSynchronize(s cuda.Stream) error {
	return driverErr("cuStreamSynchronize", C.int(C.cuStreamSynchronize(cstream(s))))
}

func (d *Driver) ModuleLoadDataEx(ctx cuda.Context, image string, opts cuda.JITOptions) (cuda.Module, cuda.JITLog, error) {
	logSize := opts.LogSize
	if logSize <= 0 {
		logSize = cuda.DefaultJITLogSize
	}
	infoLog := make([]byte, logSize)
	errorLog := make([]byte, logSize)

	cimage := C.CString(image)
	defer C.free(unsafe.Pointer(cimage))

	var mod C.CUmodule
	st := C.ufiModuleLoad(cctx(ctx), &mod, cimage,
		(*C.char)(unsafe.Pointer(&infoLog[0])),
		(*C.char)(unsafe.Pointer(&errorLog[0])),
		C.size_t(logSize))
	log := cuda.JITLog{Info: cstring(infoLog), Error: cstring(errorLog)}
	if err := driverErr("cuModuleLoadDataEx", st); err != nil {
		return 0, log, err
	}
	return cuda.Module(uintptr(unsafe.Pointer(mod))), log, nil
}

func (d *Driver) ModuleGetFunction(m cuda.Module, name string) (cuda.Function, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	var fn C.CUfunction
	st := C.int(C.cuModuleGetFunction(&fn, C.CUmodule(unsafe.Pointer(uintptr(m))), cname))
	if err := driverErr("cuModuleGetFunction", st); err != nil {
		return 0, err
	}
	return cuda.Function(uintptr(unsafe.Pointer(fn))), nil
}

func (d *Driver) LaunchKernel(f cuda.Function, grid, block cuda.Dim3, sharedMem uint32, s cuda.Stream, params []byte) error {
	if len(params) == 0 {
		return cuda.NewError("cuLaunchKernel", cuda.ErrorInvalidValue, "empty parameter buffer")
	}
	st := C.ufiLaunch(C.CUfunction(unsafe.Pointer(uintptr(f))),
		C.uint(grid.X), C.uint(grid.Y), C.uint(grid.Z),
		C.uint(block.X), C.uint(block.Y), C.uint(block.Z),
		C.uint(sharedMem), cstream(s),
		unsafe.Pointer(&params[0]), C.size_t(len(params)))
	return driverErr("cuLaunchKernel", st)
}

func (d *Driver) MemAlloc(ctx cuda.Context, bytes int64) (cuda.DevicePtr, error) {
	if bytes <= 0 {
		return 0, fmt.Errorf("device alloc size must be > 0")
	}
	var ptr C.CUdeviceptr
	if err := driverErr("cuMemAlloc", C.ufiMemAlloc(cctx(ctx), &ptr, C.size_t(bytes))); err != nil {
		return 0, err
	}
	return cuda.DevicePtr(ptr), nil
}

func (d *Driver) MemFree(ctx cuda.Context, p cuda.DevicePtr) error {
	if p == 0 {
		return nil
	}
	return driverErr("cuMemFree", C.ufiMemFree(cctx(ctx), C.CUdeviceptr(p)))
}

func (d *Driver) MemcpyHtoD(ctx cuda.Context, dst cuda.DevicePtr, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	st := C.ufiMemcpyHtoD(cctx(ctx), C.CUdeviceptr(dst), unsafe.Pointer(&src[0]), C.size_t(len(src)))
	return driverErr("cuMemcpyHtoD", st)
}

func (d *Driver) MemcpyDtoH(ctx cuda.Context, dst []byte, src cuda.DevicePtr) error {
	if len(dst) == 0 {
		return nil
	}
	st := C.ufiMemcpyDtoH(cctx(ctx), unsafe.Pointer(&dst[0]), C.CUdeviceptr(src), C.size_t(len(dst)))
	return driverErr("cuMemcpyDtoH", st)
}

func cctx(ctx cuda.Context) C.CUcontext {
	return C.CUcontext(unsafe.Pointer(uintptr(ctx)))
}

func cstream(s cuda.Stream) C.CUstream {
	return C.CUstream(unsafe.Pointer(uintptr(s)))
}

// cstring trims a NUL-terminated log buffer.
func cstring(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}

func driverErr(call string, code C.int) error {
	if code == 0 {
		return nil
	}
	res := cuda.Result(code)
	e := &cuda.Error{Call: call, Code: res, Name: res.Name()}
	if name := C.ufiErrorName(C.CUresult(code)); name != nil {
		e.Name = C.GoString(name)
	}
	if msg := C.ufiErrorString(C.CUresult(code)); msg != nil {
		e.Message = C.GoString(msg)
	}
	return e
}
