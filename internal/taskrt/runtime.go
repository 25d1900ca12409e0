// Package taskrt is the in-process host runtime that ufi's device tasks run
// on. It owns one Processor per device, the stores allocated on them, and
// the registry of task variants. Submissions run synchronously on the
// processor that owns their data.
package taskrt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/samcharles93/ufi/internal/cuda"
	"github.com/samcharles93/ufi/internal/kernel"
	"github.com/samcharles93/ufi/internal/logger"
	"github.com/samcharles93/ufi/internal/store"
)

type Option func(*Runtime)

// WithDevices limits the runtime to the first n devices. Zero means all.
func WithDevices(n int) Option {
	return func(rt *Runtime) { rt.devices = n }
}

func WithLogger(l logger.Logger) Option {
	return func(rt *Runtime) { rt.log = l }
}

// WithExitFunc replaces the hook called after a fatal device error. The
// default exits the process with status 1.
func WithExitFunc(fn func(err error)) Option {
	return func(rt *Runtime) { rt.exit = fn }
}

// WithLoaderOptions configures the PTX loader shared by all processors.
func WithLoaderOptions(opts ...kernel.LoaderOption) Option {
	return func(rt *Runtime) { rt.loaderOpts = append(rt.loaderOpts, opts...) }
}

type Runtime struct {
	drv        cuda.Driver
	log        logger.Logger
	exit       func(error)
	devices    int
	loaderOpts []kernel.LoaderOption

	loader   *kernel.Loader
	launcher *kernel.Launcher
	procs    []*Processor

	mu       sync.RWMutex
	closed   bool
	variants map[string]Variant

	smu      sync.Mutex
	storages map[uuid.UUID]*store.Storage
}

// New attaches the configured devices and starts one processor per device.
func New(drv cuda.Driver, opts ...Option) (*Runtime, error) {
	rt := &Runtime{
		drv:      drv,
		log:      logger.Default(),
		exit:     func(error) { os.Exit(1) },
		variants: make(map[string]Variant),
		storages: make(map[uuid.UUID]*store.Storage),
	}
	for _, opt := range opts {
		opt(rt)
	}
	rt.log = rt.log.With("backend", drv.Name())
	rt.loader = kernel.NewLoader(drv, rt.log, rt.loaderOpts...)
	rt.launcher = kernel.NewLauncher(drv, rt.log)

	count, err := drv.DeviceCount()
	if err != nil {
		return nil, fmt.Errorf("device count: %w", err)
	}
	n := rt.devices
	if n == 0 {
		n = count
	}
	if n <= 0 || n > count {
		return nil, fmt.Errorf("requested %d devices, %d available", rt.devices, count)
	}

	for i := range n {
		ctx, err := drv.Attach(i)
		if err != nil {
			rt.shutdown()
			return nil, fmt.Errorf("attach device %d: %w", i, err)
		}
		s, err := drv.StreamCreate(ctx)
		if err != nil {
			_ = drv.Detach(i)
			rt.shutdown()
			return nil, fmt.Errorf("create stream on device %d: %w", i, err)
		}
		rt.procs = append(rt.procs, newProcessor(i, ctx, s))
		rt.log.Debug("processor started", "processor", i, "context", ctx)
	}
	return rt, nil
}

func (rt *Runtime) Driver() cuda.Driver { return rt.drv }

// Processors returns the runtime's processors ordered by device.
func (rt *Runtime) Processors() []*Processor {
	return append([]*Processor(nil), rt.procs...)
}

func (rt *Runtime) processor(id int) (*Processor, error) {
	if id < 0 || id >= len(rt.procs) {
		return nil, fmt.Errorf("processor %d of %d: %w", id, len(rt.procs), ErrArgument)
	}
	return rt.procs[id], nil
}

// Register adds a task variant under name.
func (rt *Runtime) Register(name string, v Variant) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, ok := rt.variants[name]; ok {
		return fmt.Errorf("task %q already registered", name)
	}
	rt.variants[name] = v
	return nil
}

// enter holds the runtime open until the returned func is called.
func (rt *Runtime) enter() (func(), error) {
	rt.mu.RLock()
	if rt.closed {
		rt.mu.RUnlock()
		return nil, ErrClosed
	}
	return rt.mu.RUnlock, nil
}

// Submit runs t and blocks until it completes. A task with stores runs on
// the processor owning the storage of its first output (or first input when
// it has no outputs); a task without stores runs on every processor.
// Fatal device errors are passed to the exit hook, once per submission,
// before being returned.
func (rt *Runtime) Submit(ctx context.Context, t *Task) error {
	leave, err := rt.enter()
	if err != nil {
		return err
	}
	defer leave()

	v, ok := rt.variants[t.Name]
	if !ok {
		return fmt.Errorf("%q: %w", t.Name, ErrUnknownTask)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	for _, c := range t.Constraints {
		if err := c.check(); err != nil {
			return fmt.Errorf("task %s: %w", t.Name, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	stores := t.stores()
	if len(stores) == 0 {
		errs := make([]error, len(rt.procs))
		var wg sync.WaitGroup
		for i, p := range rt.procs {
			wg.Go(func() { errs[i] = rt.execute(p, t, v) })
		}
		wg.Wait()
		return rt.terminate(t, errors.Join(errs...))
	}

	owner := stores[0].Storage().Processor
	for _, s := range stores {
		if s.Storage().Processor != owner {
			return fmt.Errorf("task %s: stores span processors %d and %d: %w",
				t.Name, owner, s.Storage().Processor, ErrArgument)
		}
	}
	p, err := rt.processor(owner)
	if err != nil {
		return err
	}
	return rt.terminate(t, rt.execute(p, t, v))
}

func (rt *Runtime) execute(p *Processor, t *Task, v Variant) error {
	log := rt.log.With("task", t.Name, "id", t.ID, "processor", p.ID)
	err := p.do(func() error {
		tc := &TaskContext{rt: rt, proc: p, task: t, log: log}
		defer tc.release()
		return v(tc)
	})
	if err == nil {
		return nil
	}
	return fmt.Errorf("task %s on processor %d: %w", t.Name, p.ID, err)
}

// terminate hands err to the exit hook when it is fatal and returns it.
func (rt *Runtime) terminate(t *Task, err error) error {
	if kernel.IsFatal(err) {
		rt.log.Error("fatal device error, terminating", "task", t.Name, "id", t.ID, "err", err)
		rt.exit(err)
	}
	return err
}

// Sync waits for every processor stream to drain.
func (rt *Runtime) Sync(ctx context.Context) error {
	leave, err := rt.enter()
	if err != nil {
		return err
	}
	defer leave()

	var errs []error
	for _, p := range rt.procs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.do(func() error { return rt.drv.StreamSynchronize(p.Stream) }); err != nil {
			errs = append(errs, fmt.Errorf("processor %d: %w", p.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Kernels returns the cached kernel keys of every processor.
func (rt *Runtime) Kernels() (map[int][]kernel.Key, error) {
	leave, err := rt.enter()
	if err != nil {
		return nil, err
	}
	defer leave()

	out := make(map[int][]kernel.Key, len(rt.procs))
	for _, p := range rt.procs {
		_ = p.do(func() error {
			out[p.ID] = p.Cache().Keys()
			return nil
		})
	}
	return out, nil
}

// Loaded reports whether symbol is cached in processor id's context.
func (rt *Runtime) Loaded(id int, symbol string) (bool, error) {
	leave, err := rt.enter()
	if err != nil {
		return false, err
	}
	defer leave()

	p, err := rt.processor(id)
	if err != nil {
		return false, err
	}
	var ok bool
	_ = p.do(func() error {
		_, ok = p.Cache().Lookup(kernel.Key{Context: p.Context, Symbol: symbol})
		return nil
	})
	return ok, nil
}

// Close stops the processors and releases every store, stream and context.
func (rt *Runtime) Close() error {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil
	}
	rt.closed = true
	rt.mu.Unlock()

	var errs []error
	rt.smu.Lock()
	for _, st := range rt.storages {
		if err := rt.drv.MemFree(rt.procs[st.Processor].Context, st.Ptr); err != nil {
			errs = append(errs, err)
		}
	}
	clear(rt.storages)
	rt.smu.Unlock()
	errs = append(errs, rt.shutdown())
	return errors.Join(errs...)
}

func (rt *Runtime) shutdown() error {
	var errs []error
	for _, p := range rt.procs {
		p.stop()
		if err := rt.drv.StreamDestroy(p.Stream); err != nil {
			errs = append(errs, err)
		}
		if err := rt.drv.Detach(p.ID); err != nil {
			errs = append(errs, err)
		}
	}
	rt.procs = nil
	return errors.Join(errs...)
}
