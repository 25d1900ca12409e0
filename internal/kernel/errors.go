package kernel

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/samcharles93/ufi/internal/cuda"
)

// Contract errors the caller can check and recover from.
var (
	ErrUnsupportedType = errors.New("unsupported element type (only float32 operands can be launched)")
	ErrElementCount    = errors.New("element count exceeds operand volume")
)

// FailureKind classifies a JIT compilation failure.
type FailureKind int

const (
	FailureDriver FailureKind = iota
	FailureUnsupported
	FailureWrongArch
)

func (k FailureKind) String() string {
	switch k {
	case FailureUnsupported:
		return "unsupported-platform"
	case FailureWrongArch:
		return "wrong-architecture"
	default:
		return "driver"
	}
}

// CompilationError is a failed module JIT load.
type CompilationError struct {
	Kind FailureKind
	Key  Key
	Log  cuda.JITLog
	Err  error
	Site string
}

func (e *CompilationError) Error() string {
	switch e.Kind {
	case FailureUnsupported:
		return fmt.Sprintf("compile %s at %s: device-side asserts are not supported by the CUDA driver on this platform: %v",
			e.Key, e.Site, e.Err)
	case FailureWrongArch:
		return fmt.Sprintf("compile %s at %s: the binary was compiled for the wrong GPU architecture: %v",
			e.Key, e.Site, e.Err)
	default:
		return fmt.Sprintf("compile %s at %s: failed to load CUDA module: %v; error log: %q",
			e.Key, e.Site, e.Err, e.Log.Error)
	}
}

func (e *CompilationError) Unwrap() error { return e.Err }
func (e *CompilationError) Fatal() bool   { return true }

// SymbolNotFoundError is returned when a module does not define the
// requested entry point.
type SymbolNotFoundError struct {
	Key  Key
	Err  error
	Site string
}

func (e *SymbolNotFoundError) Error() string {
	return fmt.Sprintf("resolve %s at %s: entry point %q not defined by module: %v", e.Key, e.Site, e.Key.Symbol, e.Err)
}

func (e *SymbolNotFoundError) Unwrap() error { return e.Err }
func (e *SymbolNotFoundError) Fatal() bool   { return true }

// CacheMissError is a run for a key that was never loaded on the processor.
type CacheMissError struct {
	Key  Key
	Site string
}

func (e *CacheMissError) Error() string {
	return fmt.Sprintf("run %s at %s: kernel %q was not loaded in context %s before launch",
		e.Key, e.Site, e.Key.Symbol, e.Key.Context)
}

func (e *CacheMissError) Fatal() bool { return true }

// LaunchError is a driver failure while launching or synchronizing.
type LaunchError struct {
	Key   Key
	Grid  cuda.Dim3
	Block cuda.Dim3
	Err   error
	Site  string
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s grid=%s block=%s at %s: %v", e.Key, e.Grid, e.Block, e.Site, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }
func (e *LaunchError) Fatal() bool   { return true }

// IsFatal reports whether err, or any error it wraps, leaves device state
// that cannot be trusted.
func IsFatal(err error) bool {
	var f interface{ Fatal() bool }
	return errors.As(err, &f) && f.Fatal()
}

// site returns file:line of its caller.
func site() string {
	return callerSite(2)
}

func callerSite(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}
