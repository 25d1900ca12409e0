//go:build cuda

package native

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/ufi/internal/cuda"
	"github.com/samcharles93/ufi/internal/ptxtest"
)

func attachOrSkip(t *testing.T) (*Driver, cuda.Context) {
	t.Helper()
	d := New()
	count, err := d.DeviceCount()
	if err != nil {
		t.Skipf("DeviceCount: %v", err)
	}
	if count < 1 {
		t.Skip("no cuda device available")
	}
	ctx, err := d.Attach(0)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, d.Detach(0))
	})
	return d, ctx
}

func TestStreamContextMatchesAttachedContext(t *testing.T) {
	d, ctx := attachOrSkip(t)

	stream, err := d.StreamCreate(ctx)
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, d.StreamDestroy(stream))
	}()

	got, err := d.StreamContext(stream)
	require.NoError(t, err)
	assert.Equal(t, ctx, got)
}

func TestModuleLoadRejectsGarbage(t *testing.T) {
	d, ctx := attachOrSkip(t)

	_, _, err := d.ModuleLoadDataEx(ctx, "this is not ptx", cuda.JITOptions{})
	require.Error(t, err)
	assert.NotEqual(t, cuda.Success, cuda.Code(err), "expected driver error code")
}

func TestLaunchAddKernel(t *testing.T) {
	d, ctx := attachOrSkip(t)

	stream, err := d.StreamCreate(ctx)
	require.NoError(t, err)
	defer func() { _ = d.StreamDestroy(stream) }()

	mod, log, err := d.ModuleLoadDataEx(ctx, ptxtest.AddK, cuda.JITOptions{LogSize: 4096})
	require.NoError(t, err, "log: %s", log.Error)
	fn, err := d.ModuleGetFunction(mod, "add_k")
	require.NoError(t, err)
	_, err = d.ModuleGetFunction(mod, "missing")
	assert.Equal(t, cuda.ErrorNotFound, cuda.Code(err), "missing symbol")

	const n = 8
	ptrs := make([]cuda.DevicePtr, 3)
	for i := range ptrs {
		p, err := d.MemAlloc(ctx, n*4)
		require.NoError(t, err)
		defer func() { _ = d.MemFree(ctx, p) }()
		ptrs[i] = p
	}
	a := make([]byte, n*4)
	b := make([]byte, n*4)
	for i := range n {
		binary.LittleEndian.PutUint32(a[i*4:], math.Float32bits(float32(i+1)))
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(float32(n-i)))
	}
	require.NoError(t, d.MemcpyHtoD(ctx, ptrs[0], a))
	require.NoError(t, d.MemcpyHtoD(ctx, ptrs[1], b))

	params := make([]byte, 16+3*32+4)
	for i, p := range ptrs {
		off := 16 + i*32
		binary.LittleEndian.PutUint64(params[off:], uint64(p))
		binary.LittleEndian.PutUint64(params[off+8:], n*4)
		binary.LittleEndian.PutUint64(params[off+16:], n)
	}
	binary.LittleEndian.PutUint32(params[16+3*32:], n)

	require.NoError(t, d.LaunchKernel(fn, cuda.Dim3{X: 1, Y: 1, Z: 1}, cuda.Dim3{X: 256, Y: 1, Z: 1}, 0, stream, params))
	require.NoError(t, d.StreamSynchronize(stream))

	out := make([]byte, n*4)
	require.NoError(t, d.MemcpyDtoH(ctx, out, ptrs[2]))
	for i := range n {
		got := math.Float32frombits(binary.LittleEndian.Uint32(out[i*4:]))
		assert.Equal(t, float32(9), got, "c[%d]", i)
	}
}
