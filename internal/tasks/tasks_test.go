package tasks

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/ufi/internal/cuda/emu"
	"github.com/samcharles93/ufi/internal/kernel"
	"github.com/samcharles93/ufi/internal/logger"
	"github.com/samcharles93/ufi/internal/ptxtest"
	"github.com/samcharles93/ufi/internal/store"
	"github.com/samcharles93/ufi/internal/taskrt"
)

type harness struct {
	rt  *taskrt.Runtime
	drv *emu.Driver

	mu    sync.Mutex
	exits []error
}

func newHarness(t *testing.T, opts ...emu.Option) *harness {
	t.Helper()
	h := &harness{drv: emu.New(opts...)}
	rt, err := taskrt.New(h.drv,
		taskrt.WithLogger(logger.Nop()),
		taskrt.WithExitFunc(func(err error) {
			h.mu.Lock()
			h.exits = append(h.exits, err)
			h.mu.Unlock()
		}),
	)
	require.NoError(t, err)
	require.NoError(t, Register(rt))
	t.Cleanup(func() { _ = rt.Close() })
	h.rt = rt
	return h
}

func (h *harness) exitCalls() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.exits...)
}

func (h *harness) vector(t *testing.T, shape store.Shape, proc int, vals []float32) *store.Store {
	t.Helper()
	ctx := context.Background()
	s, err := h.rt.CreateStore(ctx, store.Float32, shape, proc)
	require.NoError(t, err)
	if vals != nil {
		require.NoError(t, h.rt.WriteFloat32(ctx, s, vals))
	}
	return s
}

func (h *harness) read(t *testing.T, s *store.Store) []float32 {
	t.Helper()
	out, err := h.rt.ReadFloat32(context.Background(), s)
	require.NoError(t, err)
	return out
}

func TestAddEndToEnd(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	name, err := LoadPTX(ctx, h.rt, ptxtest.AddK, "")
	require.NoError(t, err)
	assert.Equal(t, "add_k", name)

	a := h.vector(t, store.Shape{8}, 0, []float32{1, 2, 3, 4, 5, 6, 7, 8})
	b := h.vector(t, store.Shape{8}, 0, []float32{8, 7, 6, 5, 4, 3, 2, 1})
	c := h.vector(t, store.Shape{8}, 0, nil)
	require.NoError(t, RunPTX(ctx, h.rt, name, a, b, c, 8))
	require.NoError(t, Sync(ctx, h.rt))

	assert.Equal(t, []float32{9, 9, 9, 9, 9, 9, 9, 9}, h.read(t, c))
}

func TestRunBroadcastsOperands(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	_, err := LoadPTX(ctx, h.rt, ptxtest.Renamed("mul_k"), "mul_k")
	require.NoError(t, err)

	row := h.vector(t, store.Shape{3}, 0, []float32{1, 2, 3})
	col := h.vector(t, store.Shape{2, 1}, 0, []float32{10, 100})
	out := h.vector(t, store.Shape{2, 3}, 0, nil)
	require.NoError(t, RunPTX(ctx, h.rt, "mul_k", row, col, out, 6))

	assert.Equal(t, []float32{10, 20, 30, 100, 200, 300}, h.read(t, out))
}

func TestLoadIsIdempotentPerProcessor(t *testing.T) {
	t.Parallel()
	h := newHarness(t, emu.WithDevices(2))
	ctx := context.Background()

	for range 3 {
		_, err := LoadPTX(ctx, h.rt, ptxtest.AddK, "add_k")
		require.NoError(t, err)
	}
	assert.Equal(t, 2, h.drv.Compilations(), "one compilation per processor")

	kernels, err := h.rt.Kernels()
	require.NoError(t, err)
	for _, p := range h.rt.Processors() {
		assert.Equal(t, []kernel.Key{{Context: p.Context, Symbol: "add_k"}}, kernels[p.ID], "processor %d", p.ID)
	}

	// The second processor runs with its own compiled function.
	a := h.vector(t, store.Shape{4}, 1, []float32{1, 1, 1, 1})
	c := h.vector(t, store.Shape{4}, 1, nil)
	require.NoError(t, RunPTX(ctx, h.rt, "add_k", a, a, c, 4))
	assert.Equal(t, []float32{2, 2, 2, 2}, h.read(t, c))
}

func TestRunPartialCount(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	_, err := LoadPTX(ctx, h.rt, ptxtest.Renamed("sub_k"), "")
	require.NoError(t, err)

	a := h.vector(t, store.Shape{4}, 0, []float32{5, 5, 5, 5})
	b := h.vector(t, store.Shape{4}, 0, []float32{1, 2, 3, 4})
	c := h.vector(t, store.Shape{4}, 0, nil)
	require.NoError(t, RunPTX(ctx, h.rt, "sub_k", a, b, c, 2))
	assert.Equal(t, []float32{4, 3, 0, 0}, h.read(t, c))

	assert.NoError(t, RunPTX(ctx, h.rt, "sub_k", a, b, c, 0), "zero count")
}

func TestGhostKernelIsFatal(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	a := h.vector(t, store.Shape{8}, 0, []float32{1, 2, 3, 4, 5, 6, 7, 8})
	c := h.vector(t, store.Shape{8}, 0, nil)
	err := RunPTX(ctx, h.rt, "ghost", a, a, c, 8)

	var miss *kernel.CacheMissError
	require.ErrorAs(t, err, &miss)
	assert.Equal(t, "ghost", miss.Key.Symbol)
	exits := h.exitCalls()
	require.Len(t, exits, 1)
	assert.ErrorAs(t, exits[0], &miss)
	assert.Equal(t, make([]float32, 8), h.read(t, c), "output written despite cache miss")
	assert.Zero(t, h.drv.Launches(), "kernel launched for unknown symbol")
}

func TestLoadFailuresAreFatal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts []emu.Option
		sym  string
		want func(t *testing.T, err error)
	}{
		{"wrong arch", []emu.Option{emu.WithArch(50)}, "add_k", func(t *testing.T, err error) {
			var e *kernel.CompilationError
			require.ErrorAs(t, err, &e)
			assert.Equal(t, kernel.FailureWrongArch, e.Kind)
		}},
		{"missing entry", nil, "saxpy_k", func(t *testing.T, err error) {
			var e *kernel.SymbolNotFoundError
			assert.ErrorAs(t, err, &e)
		}},
		{"wrong arch on every device", []emu.Option{emu.WithArch(50), emu.WithDevices(3)}, "add_k", func(t *testing.T, err error) {
			var e *kernel.CompilationError
			assert.ErrorAs(t, err, &e)
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, tc.opts...)
			_, err := LoadPTX(context.Background(), h.rt, ptxtest.AddK, tc.sym)
			tc.want(t, err)
			assert.Len(t, h.exitCalls(), 1, "exit hook fires once per failed load")
		})
	}
}

func TestShapeErrorBeforeSubmission(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	_, err := LoadPTX(ctx, h.rt, ptxtest.AddK, "")
	require.NoError(t, err)

	a := h.vector(t, store.Shape{4, 3}, 0, nil)
	out := h.vector(t, store.Shape{4, 5}, 0, nil)
	err = RunPTX(ctx, h.rt, "add_k", a, a, out, 20)

	var se *store.ShapeError
	assert.ErrorAs(t, err, &se)
	assert.Empty(t, h.exitCalls(), "shape errors must not terminate")
}

func TestRunArity(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	out := h.vector(t, store.Shape{4}, 0, nil)
	err := h.rt.Submit(context.Background(), &taskrt.Task{
		Name:    RunPTXTask,
		Outputs: []*store.Store{out},
		Scalars: []any{"add_k", uint32(4)},
	})
	assert.ErrorIs(t, err, taskrt.ErrArgument)
}

func TestLoadPTXWithoutEntry(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	_, err := LoadPTX(context.Background(), h.rt, ".version 7.0\n.target sm_52\n", "")
	assert.Error(t, err)
}

func TestRunFloat32(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	_, err := LoadPTX(ctx, h.rt, ptxtest.AddK, "")
	require.NoError(t, err)

	res, err := RunFloat32(ctx, h.rt, Float32Launch{
		Kernel: "add_k",
		A:      []float32{1, 2, 3},
		B:      []float32{10, 20},
		BShape: store.Shape{2, 1},
		Shape:  store.Shape{2, 3},
	})
	require.NoError(t, err)
	assert.Equal(t, store.Shape{2, 3}, res.Shape)
	assert.Equal(t, uint32(6), res.Count)
	assert.Equal(t, []float32{11, 12, 13, 21, 22, 23}, res.Output)

	n := uint32(2)
	res, err = RunFloat32(ctx, h.rt, Float32Launch{Kernel: "add_k", A: []float32{1, 1, 1}, B: []float32{2, 2, 2}, Count: &n})
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 3, 0}, res.Output)
	assert.Zero(t, h.drv.Allocations(), "staged stores must be freed")
}

func TestRunFloat32RejectsOversizedShapes(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	_, err := LoadPTX(ctx, h.rt, ptxtest.AddK, "")
	require.NoError(t, err)

	tests := []struct {
		name   string
		launch Float32Launch
		want   error
	}{
		{"wrapping volume", Float32Launch{A: []float32{1, 2}, B: []float32{3, 4}, Shape: store.Shape{1<<63 + 1, 2}}, store.ErrShapeOverflow},
		{"wrapping input", Float32Launch{A: []float32{1}, AShape: store.Shape{1 << 40, 1 << 40}, B: []float32{1}}, store.ErrShapeOverflow},
		{"beyond uint32 count", Float32Launch{A: []float32{1}, B: []float32{1}, Shape: store.Shape{1 << 62}}, taskrt.ErrArgument},
	}
	for _, tc := range tests {
		tc.launch.Kernel = "add_k"
		_, err := RunFloat32(ctx, h.rt, tc.launch)
		assert.ErrorIs(t, err, tc.want, tc.name)
	}
	assert.Zero(t, h.drv.Allocations())
	assert.Empty(t, h.exitCalls())

	// The processor is still serving work.
	res, err := RunFloat32(ctx, h.rt, Float32Launch{Kernel: "add_k", A: []float32{1}, B: []float32{2}})
	require.NoError(t, err)
	assert.Equal(t, []float32{3}, res.Output)
}
