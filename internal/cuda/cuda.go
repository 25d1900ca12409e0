// Package cuda describes the slice of the CUDA driver API that ufi consumes.
//
// Handles are plain value types so they can be compared, hashed and logged
// without holding on to driver state. The cgo binding lives in the native
// subpackage (cuda build tag); the emu subpackage implements the same
// contract in Go for hosts without a GPU.
package cuda

import "fmt"

// Context identifies a driver execution context (one per device visible to a worker).
type Context uintptr

func (c Context) String() string {
	return fmt.Sprintf("0x%x", uintptr(c))
}

// Stream is an ordered queue of device work bound to one context.
type Stream uintptr

// Module is a JIT-compiled device module.
type Module uintptr

// Function is a launchable entry point resolved from a Module.
type Function uintptr

// DevicePtr is a device virtual address.
type DevicePtr uintptr

// Dim3 is a grid or block extent.
type Dim3 struct {
	X, Y, Z uint32
}

func (d Dim3) String() string {
	return fmt.Sprintf("(%d,%d,%d)", d.X, d.Y, d.Z)
}

// Threads returns X*Y*Z.
func (d Dim3) Threads() uint64 {
	return uint64(d.X) * uint64(d.Y) * uint64(d.Z)
}

// DefaultJITLogSize matches the 16 KiB log buffers handed to the JIT.
const DefaultJITLogSize = 16384

// JITOptions configures ModuleLoadDataEx.
type JITOptions struct {
	// LogSize is the capacity of each of the info and error log buffers.
	LogSize int
}

// JITLog holds what the JIT wrote into its log buffers.
type JITLog struct {
	Info  string
	Error string
}

// Driver is the driver-API surface used by ufi. Calls that need a current
// context take it explicitly; implementations make it current for the
// duration of the call.
type Driver interface {
	Name() string
	DeviceCount() (int, error)
	ComputeCapability(ordinal int) (major, minor int, err error)

	// Attach retains the primary context of a device.
	Attach(ordinal int) (Context, error)
	Detach(ordinal int) error

	StreamCreate(ctx Context) (Stream, error)
	StreamDestroy(s Stream) error
	StreamContext(s Stream) (Context, error)
	StreamSynchronize(s Stream) error

	ModuleLoadDataEx(ctx Context, image string, opts JITOptions) (Module, JITLog, error)
	ModuleGetFunction(m Module, name string) (Function, error)

	// LaunchKernel passes params through CU_LAUNCH_PARAM_BUFFER_POINTER.
	// The driver copies the buffer before returning, so callers may reuse it.
	LaunchKernel(f Function, grid, block Dim3, sharedMem uint32, s Stream, params []byte) error

	MemAlloc(ctx Context, bytes int64) (DevicePtr, error)
	MemFree(ctx Context, p DevicePtr) error
	MemcpyHtoD(ctx Context, dst DevicePtr, src []byte) error
	MemcpyDtoH(ctx Context, dst []byte, src DevicePtr) error
}
