// Package emu implements cuda.Driver in Go so the dispatch path can run on
// hosts without a GPU.
//
// PTX is not compiled. A module load checks the .version and .target
// directives and records the visible entries; an entry resolves to a
// function only when a Go KernelFunc is registered under its name (or
// under its leading token, so add_k resolves to add). Launches copy the
// parameter buffer, queue on the stream and execute when the stream is
// synchronized or memory is copied back to the host.
package emu

import (
	"fmt"
	"strings"
	"sync"

	"github.com/samcharles93/ufi/internal/cuda"
)

// DefaultArch is the emulated compute capability (sm_80).
const DefaultArch = 80

type Option func(*Driver)

// WithDevices sets the number of emulated devices (default 1).
func WithDevices(n int) Option {
	return func(d *Driver) { d.devices = n }
}

// WithArch sets the emulated compute capability as major*10+minor.
func WithArch(arch int) Option {
	return func(d *Driver) { d.arch = arch }
}

// WithKernel registers an emulated kernel under name.
func WithKernel(name string, fn KernelFunc) Option {
	return func(d *Driver) { d.library[name] = fn }
}

// FailLoad makes every ModuleLoadDataEx fail with code.
func FailLoad(code cuda.Result) Option {
	return func(d *Driver) { d.failLoad = code }
}

// FailLaunch makes every LaunchKernel fail with code.
func FailLaunch(code cuda.Result) Option {
	return func(d *Driver) { d.failLaunch = code }
}

type stream struct {
	ctx     cuda.Context
	pending []launch
}

type module struct {
	ctx     cuda.Context
	entries map[string]bool
}

type function struct {
	ctx    cuda.Context
	name   string
	kernel KernelFunc
}

type launch struct {
	fn     *function
	grid   cuda.Dim3
	block  cuda.Dim3
	params []byte
}

// Driver is an in-process cuda.Driver.
type Driver struct {
	mu sync.Mutex

	devices    int
	arch       int
	library    map[string]KernelFunc
	failLoad   cuda.Result
	failLaunch cuda.Result

	next      uintptr
	primary   map[int]cuda.Context
	retains   map[int]int
	contexts  map[cuda.Context]int
	streams   map[cuda.Stream]*stream
	modules   map[cuda.Module]*module
	functions map[cuda.Function]*function
	mem       *memory

	compilations int
	launches     int
}

var _ cuda.Driver = (*Driver)(nil)

func New(opts ...Option) *Driver {
	d := &Driver{
		devices:   1,
		arch:      DefaultArch,
		library:   Builtins(),
		next:      0x1000,
		primary:   make(map[int]cuda.Context),
		retains:   make(map[int]int),
		contexts:  make(map[cuda.Context]int),
		streams:   make(map[cuda.Stream]*stream),
		modules:   make(map[cuda.Module]*module),
		functions: make(map[cuda.Function]*function),
		mem:       newMemory(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Driver) Name() string {
	return "emu"
}

// Compilations reports how many modules were JIT-loaded successfully.
func (d *Driver) Compilations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.compilations
}

// Launches reports how many kernel launches were accepted.
func (d *Driver) Launches() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.launches
}

// Allocations reports the number of live device allocations.
func (d *Driver) Allocations() int {
	return d.mem.live()
}

func (d *Driver) handle() uintptr {
	d.next += 0x10
	return d.next
}

func (d *Driver) DeviceCount() (int, error) {
	return d.devices, nil
}

func (d *Driver) ComputeCapability(ordinal int) (int, int, error) {
	if ordinal < 0 || ordinal >= d.devices {
		return 0, 0, cuda.NewError("cuDeviceGet", cuda.ErrorInvalidDevice, "invalid device ordinal")
	}
	return d.arch / 10, d.arch % 10, nil
}

func (d *Driver) Attach(ordinal int) (cuda.Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ordinal < 0 || ordinal >= d.devices {
		return 0, cuda.NewError("cuDeviceGet", cuda.ErrorInvalidDevice, "invalid device ordinal")
	}
	ctx, ok := d.primary[ordinal]
	if !ok {
		ctx = cuda.Context(d.handle())
		d.primary[ordinal] = ctx
		d.contexts[ctx] = ordinal
	}
	d.retains[ordinal]++
	return ctx, nil
}

func (d *Driver) Detach(ordinal int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.retains[ordinal] == 0 {
		return cuda.NewError("cuDevicePrimaryCtxRelease", cuda.ErrorInvalidContext, "context not retained")
	}
	d.retains[ordinal]--
	return nil
}

func (d *Driver) checkContext(call string, ctx cuda.Context) error {
	if _, ok := d.contexts[ctx]; !ok {
		return cuda.NewError(call, cuda.ErrorInvalidContext, "invalid device context")
	}
	return nil
}

func (d *Driver) StreamCreate(ctx cuda.Context) (cuda.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkContext("cuStreamCreate", ctx); err != nil {
		return 0, err
	}
	s := cuda.Stream(d.handle())
	d.streams[s] = &stream{ctx: ctx}
	return s, nil
}

func (d *Driver) StreamDestroy(s cuda.Stream) error {
	if s == 0 {
		return nil
	}
	if err := d.StreamSynchronize(s); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.streams, s)
	return nil
}

func (d *Driver) StreamContext(s cuda.Stream) (cuda.Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.streams[s]
	if !ok {
		return 0, cuda.NewError("cuStreamGetCtx", cuda.ErrorInvalidHandle, "invalid resource handle")
	}
	return st.ctx, nil
}

func (d *Driver) StreamSynchronize(s cuda.Stream) error {
	d.mu.Lock()
	st, ok := d.streams[s]
	if !ok {
		d.mu.Unlock()
		return cuda.NewError("cuStreamSynchronize", cuda.ErrorInvalidHandle, "invalid resource handle")
	}
	pending := st.pending
	st.pending = nil
	d.mu.Unlock()

	return d.drain("cuStreamSynchronize", pending)
}

func (d *Driver) drain(call string, pending []launch) error {
	for _, l := range pending {
		x := &Exec{Grid: l.grid, Block: l.block, Params: l.params, mem: d.mem}
		if err := l.fn.kernel(x); err != nil {
			return cuda.NewError(call, cuda.ErrorLaunchFailed, fmt.Sprintf("kernel %s: %v", l.fn.name, err))
		}
	}
	return nil
}

// drainContext runs every pending launch of the streams bound to ctx.
func (d *Driver) drainContext(call string, ctx cuda.Context) error {
	d.mu.Lock()
	var pending []launch
	for _, st := range d.streams {
		if st.ctx == ctx {
			pending = append(pending, st.pending...)
			st.pending = nil
		}
	}
	d.mu.Unlock()
	return d.drain(call, pending)
}

func (d *Driver) ModuleLoadDataEx(ctx cuda.Context, image string, opts cuda.JITOptions) (cuda.Module, cuda.JITLog, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkContext("cuModuleLoadDataEx", ctx); err != nil {
		return 0, cuda.JITLog{}, err
	}
	if d.failLoad != cuda.Success {
		log := cuda.JITLog{Error: clip("emu: injected failure "+d.failLoad.Name(), opts.LogSize)}
		return 0, log, cuda.NewError("cuModuleLoadDataEx", d.failLoad, "injected failure")
	}

	img, code, errLog := scan(image, d.arch)
	if code != cuda.Success {
		return 0, cuda.JITLog{Error: clip(errLog, opts.LogSize)}, cuda.NewError("cuModuleLoadDataEx", code, "")
	}

	m := cuda.Module(d.handle())
	d.modules[m] = &module{ctx: ctx, entries: img.entries}
	d.compilations++
	info := fmt.Sprintf("emu: %d entry function(s) for sm_%d", len(img.entries), img.target)
	return m, cuda.JITLog{Info: clip(info, opts.LogSize)}, nil
}

func (d *Driver) ModuleGetFunction(m cuda.Module, name string) (cuda.Function, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	mod, ok := d.modules[m]
	if !ok {
		return 0, cuda.NewError("cuModuleGetFunction", cuda.ErrorInvalidHandle, "invalid resource handle")
	}
	if !mod.entries[name] {
		return 0, cuda.NewError("cuModuleGetFunction", cuda.ErrorNotFound, "named symbol not found")
	}
	kernel, ok := d.lookup(name)
	if !ok {
		return 0, cuda.NewError("cuModuleGetFunction", cuda.ErrorNotFound,
			fmt.Sprintf("no emulated kernel registered for %q", name))
	}
	f := cuda.Function(d.handle())
	d.functions[f] = &function{ctx: mod.ctx, name: name, kernel: kernel}
	return f, nil
}

func (d *Driver) lookup(name string) (KernelFunc, bool) {
	if fn, ok := d.library[name]; ok {
		return fn, true
	}
	op, _, _ := strings.Cut(strings.TrimLeft(name, "_"), "_")
	fn, ok := d.library[op]
	return fn, ok
}

func (d *Driver) LaunchKernel(f cuda.Function, grid, block cuda.Dim3, sharedMem uint32, s cuda.Stream, params []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn, ok := d.functions[f]
	if !ok {
		return cuda.NewError("cuLaunchKernel", cuda.ErrorInvalidHandle, "invalid resource handle")
	}
	st, ok := d.streams[s]
	if !ok {
		return cuda.NewError("cuLaunchKernel", cuda.ErrorInvalidHandle, "invalid resource handle")
	}
	if st.ctx != fn.ctx {
		return cuda.NewError("cuLaunchKernel", cuda.ErrorInvalidContext, "function and stream belong to different contexts")
	}
	if grid.Threads() == 0 || block.Threads() == 0 || block.Threads() > 1024 {
		return cuda.NewError("cuLaunchKernel", cuda.ErrorInvalidValue, "invalid launch geometry")
	}
	if d.failLaunch != cuda.Success {
		return cuda.NewError("cuLaunchKernel", d.failLaunch, "injected failure")
	}

	st.pending = append(st.pending, launch{
		fn:     fn,
		grid:   grid,
		block:  block,
		params: append([]byte(nil), params...),
	})
	d.launches++
	return nil
}

func (d *Driver) MemAlloc(ctx cuda.Context, bytes int64) (cuda.DevicePtr, error) {
	d.mu.Lock()
	err := d.checkContext("cuMemAlloc", ctx)
	d.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if bytes <= 0 {
		return 0, cuda.NewError("cuMemAlloc", cuda.ErrorInvalidValue, "allocation size must be > 0")
	}
	return d.mem.alloc(bytes)
}

func (d *Driver) MemFree(ctx cuda.Context, p cuda.DevicePtr) error {
	if p == 0 {
		return nil
	}
	return d.mem.free(p)
}

func (d *Driver) MemcpyHtoD(ctx cuda.Context, dst cuda.DevicePtr, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	if err := d.drainContext("cuMemcpyHtoD", ctx); err != nil {
		return err
	}
	buf, err := d.mem.resolve(dst, len(src))
	if err != nil {
		return cuda.NewError("cuMemcpyHtoD", cuda.ErrorInvalidValue, err.Error())
	}
	copy(buf, src)
	return nil
}

func (d *Driver) MemcpyDtoH(ctx cuda.Context, dst []byte, src cuda.DevicePtr) error {
	if len(dst) == 0 {
		return nil
	}
	if err := d.drainContext("cuMemcpyDtoH", ctx); err != nil {
		return err
	}
	buf, err := d.mem.resolve(src, len(dst))
	if err != nil {
		return cuda.NewError("cuMemcpyDtoH", cuda.ErrorInvalidValue, err.Error())
	}
	copy(dst, buf)
	return nil
}

func clip(s string, size int) string {
	if size > 0 && len(s) >= size {
		return s[:size-1]
	}
	return s
}
