package cuda

import (
	"errors"
	"fmt"
)

// Result is a CUresult code.
type Result int32

const (
	Success                  Result = 0
	ErrorInvalidValue        Result = 1
	ErrorOutOfMemory         Result = 2
	ErrorNotInitialized      Result = 3
	ErrorDeinitialized       Result = 4
	ErrorNoDevice            Result = 100
	ErrorInvalidDevice       Result = 101
	ErrorInvalidImage        Result = 200
	ErrorInvalidContext      Result = 201
	ErrorNoBinaryForGPU      Result = 209
	ErrorInvalidPTX          Result = 218
	ErrorJITCompilerNotFound Result = 221
	ErrorOperatingSystem     Result = 304
	ErrorInvalidHandle       Result = 400
	ErrorNotFound            Result = 500
	ErrorNotReady            Result = 600
	ErrorIllegalAddress      Result = 700
	ErrorLaunchOutOfResource Result = 701
	ErrorLaunchTimeout       Result = 702
	ErrorLaunchFailed        Result = 719
	ErrorUnknown             Result = 999
)

var resultNames = map[Result]string{
	Success:                  "CUDA_SUCCESS",
	ErrorInvalidValue:        "CUDA_ERROR_INVALID_VALUE",
	ErrorOutOfMemory:         "CUDA_ERROR_OUT_OF_MEMORY",
	ErrorNotInitialized:      "CUDA_ERROR_NOT_INITIALIZED",
	ErrorDeinitialized:       "CUDA_ERROR_DEINITIALIZED",
	ErrorNoDevice:            "CUDA_ERROR_NO_DEVICE",
	ErrorInvalidDevice:       "CUDA_ERROR_INVALID_DEVICE",
	ErrorInvalidImage:        "CUDA_ERROR_INVALID_IMAGE",
	ErrorInvalidContext:      "CUDA_ERROR_INVALID_CONTEXT",
	ErrorNoBinaryForGPU:      "CUDA_ERROR_NO_BINARY_FOR_GPU",
	ErrorInvalidPTX:          "CUDA_ERROR_INVALID_PTX",
	ErrorJITCompilerNotFound: "CUDA_ERROR_JIT_COMPILER_NOT_FOUND",
	ErrorOperatingSystem:     "CUDA_ERROR_OPERATING_SYSTEM",
	ErrorInvalidHandle:       "CUDA_ERROR_INVALID_HANDLE",
	ErrorNotFound:            "CUDA_ERROR_NOT_FOUND",
	ErrorNotReady:            "CUDA_ERROR_NOT_READY",
	ErrorIllegalAddress:      "CUDA_ERROR_ILLEGAL_ADDRESS",
	ErrorLaunchOutOfResource: "CUDA_ERROR_LAUNCH_OUT_OF_RESOURCES",
	ErrorLaunchTimeout:       "CUDA_ERROR_LAUNCH_TIMEOUT",
	ErrorLaunchFailed:        "CUDA_ERROR_LAUNCH_FAILED",
	ErrorUnknown:             "CUDA_ERROR_UNKNOWN",
}

// Name returns the symbolic name of r, or CUDA_ERROR(n) for codes outside the table.
func (r Result) Name() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("CUDA_ERROR(%d)", int32(r))
}

// Error is a failed driver call.
type Error struct {
	Call    string // driver entry point, e.g. "cuModuleLoadDataEx"
	Code    Result
	Name    string // as reported by cuGetErrorName
	Message string // as reported by cuGetErrorString
}

func (e *Error) Error() string {
	name := e.Name
	if name == "" {
		name = e.Code.Name()
	}
	if e.Message == "" {
		return fmt.Sprintf("%s = %d (%s)", e.Call, int32(e.Code), name)
	}
	return fmt.Sprintf("%s = %d (%s): %s", e.Call, int32(e.Code), name, e.Message)
}

// NewError builds an Error using the static name table.
func NewError(call string, code Result, message string) *Error {
	return &Error{Call: call, Code: code, Name: code.Name(), Message: message}
}

// Code extracts the driver result from err, or Success when err carries none.
func Code(err error) Result {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Success
}
