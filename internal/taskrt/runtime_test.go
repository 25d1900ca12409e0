package taskrt

import (
	"context"
	"encoding/binary"
	"math"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/ufi/internal/cuda/emu"
	"github.com/samcharles93/ufi/internal/kernel"
	"github.com/samcharles93/ufi/internal/logger"
	"github.com/samcharles93/ufi/internal/store"
)

type exitRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (r *exitRecorder) exit(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *exitRecorder) calls() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func newRuntime(t *testing.T, devices int) (*Runtime, *emu.Driver, *exitRecorder) {
	t.Helper()
	drv := emu.New(emu.WithDevices(devices))
	rec := &exitRecorder{}
	rt, err := New(drv, WithLogger(logger.Nop()), WithExitFunc(rec.exit))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt, drv, rec
}

func mustStore(t *testing.T, rt *Runtime, shape store.Shape, proc int, vals []float32) *store.Store {
	t.Helper()
	s, err := rt.CreateStore(context.Background(), store.Float32, shape, proc)
	require.NoError(t, err)
	if vals != nil {
		require.NoError(t, rt.WriteFloat32(context.Background(), s, vals))
	}
	return s
}

func TestNewValidatesDevices(t *testing.T) {
	t.Parallel()
	_, err := New(emu.New(), WithDevices(2), WithLogger(logger.Nop()))
	assert.Error(t, err, "more devices than available")

	rt, err := New(emu.New(emu.WithDevices(3)), WithLogger(logger.Nop()))
	require.NoError(t, err)
	defer rt.Close()
	assert.Len(t, rt.Processors(), 3)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	t.Parallel()
	rt, _, _ := newRuntime(t, 1)
	noop := func(*TaskContext) error { return nil }
	require.NoError(t, rt.Register("noop", noop))
	assert.Error(t, rt.Register("noop", noop))
}

func TestSubmitUnknownTask(t *testing.T) {
	t.Parallel()
	rt, _, _ := newRuntime(t, 1)
	err := rt.Submit(context.Background(), &Task{Name: "missing"})
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestTaskWithoutStoresRunsEverywhere(t *testing.T) {
	t.Parallel()
	rt, _, _ := newRuntime(t, 3)

	var mu sync.Mutex
	var seen []int
	_ = rt.Register("broadcast", func(tc *TaskContext) error {
		ctx, err := tc.Context()
		if err != nil {
			return err
		}
		assert.Equal(t, tc.Processor().Context, ctx)
		mu.Lock()
		seen = append(seen, tc.Processor().ID)
		mu.Unlock()
		return nil
	})

	require.NoError(t, rt.Submit(context.Background(), &Task{Name: "broadcast"}))
	slices.Sort(seen)
	assert.Equal(t, []int{0, 1, 2}, seen)
}

func TestTaskRunsOnOutputOwner(t *testing.T) {
	t.Parallel()
	rt, _, _ := newRuntime(t, 2)
	out := mustStore(t, rt, store.Shape{4}, 1, nil)

	ran := -1
	_ = rt.Register("owner", func(tc *TaskContext) error {
		ran = tc.Processor().ID
		return nil
	})
	require.NoError(t, rt.Submit(context.Background(), &Task{Name: "owner", Outputs: []*store.Store{out}}))
	assert.Equal(t, 1, ran)

	in := mustStore(t, rt, store.Shape{4}, 0, nil)
	err := rt.Submit(context.Background(), &Task{Name: "owner", Inputs: []*store.Store{in}, Outputs: []*store.Store{out}})
	assert.ErrorIs(t, err, ErrArgument)
}

func TestAlignConstraint(t *testing.T) {
	t.Parallel()
	rt, _, _ := newRuntime(t, 1)
	a := mustStore(t, rt, store.Shape{4}, 0, nil)
	b := mustStore(t, rt, store.Shape{5}, 0, nil)

	ran := false
	_ = rt.Register("aligned", func(*TaskContext) error { ran = true; return nil })
	err := rt.Submit(context.Background(), &Task{
		Name:        "aligned",
		Inputs:      []*store.Store{a},
		Outputs:     []*store.Store{b},
		Constraints: []Constraint{Align(b, a)},
	})
	assert.ErrorIs(t, err, ErrAlignment)
	assert.False(t, ran, "variant ran despite violated constraint")
}

func TestScalarArguments(t *testing.T) {
	t.Parallel()
	rt, _, rec := newRuntime(t, 1)

	var name string
	var count uint32
	_ = rt.Register("scalars", func(tc *TaskContext) error {
		var err error
		if name, err = tc.StringArg(0); err != nil {
			return err
		}
		count, err = tc.Uint32Arg(1)
		return err
	})

	require.NoError(t, rt.Submit(context.Background(), &Task{Name: "scalars", Scalars: []any{"add_k", uint32(8)}}))
	assert.Equal(t, "add_k", name)
	assert.Equal(t, uint32(8), count)

	for _, scalars := range [][]any{{"add_k", 8}, {"add_k"}, {1, uint32(1)}} {
		err := rt.Submit(context.Background(), &Task{Name: "scalars", Scalars: scalars})
		assert.ErrorIs(t, err, ErrArgument, "scalars %v", scalars)
	}
	assert.Empty(t, rec.calls(), "argument errors must not terminate")
}

func TestFatalErrorCallsExitHookOnce(t *testing.T) {
	t.Parallel()
	rt, _, rec := newRuntime(t, 2)
	_ = rt.Register("doomed", func(tc *TaskContext) error {
		ctx, _ := tc.Context()
		return &kernel.CacheMissError{Key: kernel.Key{Context: ctx, Symbol: "ghost"}, Site: "test"}
	})

	err := rt.Submit(context.Background(), &Task{Name: "doomed"})
	var miss *kernel.CacheMissError
	require.ErrorAs(t, err, &miss)

	calls := rec.calls()
	require.Len(t, calls, 1, "a submission that fails on every processor terminates once")
	assert.Contains(t, calls[0].Error(), "processor 0")
	assert.Contains(t, calls[0].Error(), "processor 1")
	assert.True(t, kernel.IsFatal(calls[0]))

	out := mustStore(t, rt, store.Shape{1}, 1, nil)
	err = rt.Submit(context.Background(), &Task{Name: "doomed", Outputs: []*store.Store{out}})
	require.ErrorAs(t, err, &miss)
	assert.Len(t, rec.calls(), 2)
}

func TestProcessorCacheIsLazy(t *testing.T) {
	t.Parallel()
	rt, _, _ := newRuntime(t, 1)
	p := rt.Processors()[0]

	var before, after *kernel.Cache
	_ = rt.Register("peek", func(tc *TaskContext) error {
		before = p.cache
		after = tc.Cache()
		return nil
	})
	require.NoError(t, rt.Submit(context.Background(), &Task{Name: "peek"}))
	assert.Nil(t, before, "cache created before first use")
	require.NotNil(t, after)
	assert.Same(t, after, p.Cache())
}

func TestStoreReadWrite(t *testing.T) {
	t.Parallel()
	rt, _, _ := newRuntime(t, 1)
	ctx := context.Background()
	s := mustStore(t, rt, store.Shape{5}, 0, []float32{1, 2, 3, 4, 5})

	got, err := rt.ReadFloat32(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4, 5}, got)

	b, err := store.Broadcast(store.Shape{2, 5}, s)
	require.NoError(t, err)
	got, err = rt.ReadFloat32(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 1, 2, 3, 4, 5}, got)

	assert.ErrorIs(t, rt.WriteFloat32(ctx, b, make([]float32, 10)), ErrArgument)
	assert.ErrorIs(t, rt.WriteFloat32(ctx, s, []float32{1}), ErrArgument)
}

func TestCreateStoreRejectsOversizedShapes(t *testing.T) {
	t.Parallel()
	rt, drv, _ := newRuntime(t, 1)
	ctx := context.Background()

	for _, shape := range []store.Shape{{1 << 62}, {1<<63 + 1, 2}, {1 << 32, 1 << 32}} {
		_, err := rt.CreateStore(ctx, store.Float32, shape, 0)
		assert.ErrorIs(t, err, store.ErrShapeOverflow, "shape %v", shape)
	}
	assert.Zero(t, drv.Allocations())

	s := mustStore(t, rt, store.Shape{2}, 0, nil)
	assert.Equal(t, int64(8), s.Storage().Bytes)
}

func TestMapMaterializesBroadcastViews(t *testing.T) {
	t.Parallel()
	rt, drv, _ := newRuntime(t, 1)
	src := mustStore(t, rt, store.Shape{3}, 0, []float32{7, 8, 9})
	view, err := store.Broadcast(store.Shape{2, 3}, src)
	require.NoError(t, err)
	live := drv.Allocations()

	var gathered []float32
	_ = rt.Register("map", func(tc *TaskContext) error {
		_, err := tc.Map(view, true)
		assert.ErrorIs(t, err, ErrArgument, "writable broadcast map")
		ptr, err := tc.Map(view, false)
		if err != nil {
			return err
		}
		assert.NotEqual(t, src.Storage().Ptr, ptr, "broadcast view mapped in place")
		buf := make([]byte, 24)
		if err := drv.MemcpyDtoH(tc.Processor().Context, buf, ptr); err != nil {
			return err
		}
		for i := range 6 {
			gathered = append(gathered, math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:])))
		}
		dense, err := tc.Map(src, true)
		if err != nil {
			return err
		}
		assert.Equal(t, src.Storage().Ptr, dense)
		return nil
	})
	require.NoError(t, rt.Submit(context.Background(), &Task{Name: "map", Inputs: []*store.Store{view}}))
	assert.Equal(t, []float32{7, 8, 9, 7, 8, 9}, gathered)
	assert.Equal(t, live, drv.Allocations(), "scratch leaked")
}

func TestMapRejectsViewsPastStorage(t *testing.T) {
	t.Parallel()
	rt, _, _ := newRuntime(t, 1)
	small := mustStore(t, rt, store.Shape{2}, 0, nil)
	// A dense view claiming more elements than its storage holds.
	oversized := store.New(&store.Storage{
		ID:        small.Storage().ID,
		DType:     store.Float32,
		Shape:     store.Shape{1 << 62},
		Ptr:       small.Storage().Ptr,
		Bytes:     small.Storage().Bytes,
		Processor: 0,
	})

	_ = rt.Register("map", func(tc *TaskContext) error {
		_, err := tc.Map(oversized, true)
		return err
	})
	err := rt.Submit(context.Background(), &Task{Name: "map", Outputs: []*store.Store{oversized}})
	assert.ErrorIs(t, err, ErrArgument)
}

func TestCloseReleasesEverything(t *testing.T) {
	t.Parallel()
	drv := emu.New(emu.WithDevices(2))
	rt, err := New(drv, WithLogger(logger.Nop()))
	require.NoError(t, err)
	ctx := context.Background()
	a := mustStore(t, rt, store.Shape{4}, 0, nil)
	mustStore(t, rt, store.Shape{4}, 1, nil)
	require.NoError(t, rt.Free(ctx, a))
	assert.ErrorIs(t, rt.Free(ctx, a), ErrArgument, "double free")
	require.NoError(t, rt.Sync(ctx))

	require.NoError(t, rt.Close())
	assert.Zero(t, drv.Allocations())
	assert.ErrorIs(t, rt.Submit(ctx, &Task{Name: "any"}), ErrClosed)
	assert.NoError(t, rt.Close(), "second Close")
}
