package kernel

import (
	"fmt"

	"github.com/samcharles93/ufi/internal/cuda"
	"github.com/samcharles93/ufi/internal/logger"
)

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithJITLogSize sets the capacity of the JIT info and error log buffers.
func WithJITLogSize(n int) LoaderOption {
	return func(l *Loader) {
		if n > 0 {
			l.logSize = n
		}
	}
}

// Loader JIT-compiles PTX and places the resulting functions in a Cache.
type Loader struct {
	drv     cuda.Driver
	log     logger.Logger
	logSize int
}

func NewLoader(drv cuda.Driver, log logger.Logger, opts ...LoaderOption) *Loader {
	l := &Loader{drv: drv, log: log, logSize: cuda.DefaultJITLogSize}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load compiles ptx in ctx and caches the entry point name. A key that is
// already cached returns its function without compiling again.
func (l *Loader) Load(cache *Cache, ctx cuda.Context, ptx, name string) (cuda.Function, error) {
	key := Key{Context: ctx, Symbol: name}
	if fn, ok := cache.Lookup(key); ok {
		return fn, nil
	}

	l.log.Debug("compiling PTX", "kernel", name, "context", ctx, "bytes", len(ptx), "ptx", ptx)

	mod, jit, err := l.drv.ModuleLoadDataEx(ctx, ptx, cuda.JITOptions{LogSize: l.logSize})
	if err != nil {
		cerr := &CompilationError{Key: key, Log: jit, Err: err, Site: site()}
		switch cuda.Code(err) {
		case cuda.ErrorOperatingSystem:
			cerr.Kind = FailureUnsupported
		case cuda.ErrorNoBinaryForGPU:
			cerr.Kind = FailureWrongArch
		}
		return 0, cerr
	}
	if jit.Info != "" {
		l.log.Debug("JIT info log", "kernel", name, "log", jit.Info)
	}

	fn, err := l.drv.ModuleGetFunction(mod, name)
	if err != nil {
		return 0, &SymbolNotFoundError{Key: key, Err: err, Site: site()}
	}
	cache.Insert(key, fn)

	l.log.Debug("placed function", "kernel", name, "context", ctx, "function", fmt.Sprintf("%#x", uintptr(fn)))
	return fn, nil
}
