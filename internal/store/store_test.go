package store

import (
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStorage(dt DType, shape Shape) *Storage {
	return &Storage{
		ID:    uuid.New(),
		DType: dt,
		Shape: shape,
		Ptr:   0x10000,
		Bytes: int64(shape.Volume()) * int64(dt.Size()),
	}
}

func offsets(s *Store) []int64 {
	var out []int64
	s.ForEachOffset(func(off int64) { out = append(out, off) })
	return out
}

func TestDType(t *testing.T) {
	assert.Equal(t, 4, Float32.Size())
	assert.Equal(t, 8, Int64.Size())
	assert.Equal(t, 0, Invalid.Size())

	dt, err := ParseDType("F32")
	require.NoError(t, err)
	assert.Equal(t, Float32, dt)
	_, err = ParseDType("complex64")
	assert.Error(t, err)
}

func TestShape(t *testing.T) {
	s, err := ParseShape("[4, 5]")
	require.NoError(t, err)
	assert.Equal(t, Shape{4, 5}, s)
	assert.Equal(t, uint64(20), s.Volume())
	assert.Equal(t, "[4,5]", s.String())

	s, err = ParseShape("2x3x4")
	require.NoError(t, err)
	assert.Equal(t, Shape{2, 3, 4}, s)

	assert.Equal(t, uint64(1), Shape{}.Volume())
	assert.Equal(t, uint64(0), Shape{3, 0}.Volume())
	assert.True(t, Shape{1, 2}.Equal(Shape{1, 2}))
	assert.False(t, Shape{1, 2}.Equal(Shape{2}))

	_, err = ParseShape("4,-1")
	assert.Error(t, err)
}

func TestNewIsRowMajor(t *testing.T) {
	s := New(newStorage(Float32, Shape{2, 3, 4}))
	assert.Equal(t, []int64{12, 4, 1}, s.Strides())
	assert.Equal(t, 3, s.Dim())
	assert.True(t, s.IsDense())
	assert.Len(t, offsets(s), 24)
}

func TestPromoteProject(t *testing.T) {
	base := New(newStorage(Float32, Shape{2, 3}))

	p, err := base.Promote(1, 4)
	require.NoError(t, err)
	assert.Equal(t, Shape{2, 4, 3}, p.Shape())
	assert.Equal(t, []int64{3, 0, 1}, p.Strides())
	assert.False(t, p.IsDense())
	assert.Equal(t, Shape{2, 3}, base.Shape(), "source view must not change")

	q, err := base.Project(0, 1)
	require.NoError(t, err)
	assert.Equal(t, Shape{3}, q.Shape())
	assert.Equal(t, int64(3), q.Offset())
	assert.True(t, q.IsDense())
	assert.Equal(t, []int64{3, 4, 5}, offsets(q))

	_, err = base.Project(0, 2)
	assert.Error(t, err)
	_, err = base.Promote(3, 1)
	assert.Error(t, err)
}

func TestBroadcast(t *testing.T) {
	target := Shape{4, 5}

	t.Run("promotes missing leading axis", func(t *testing.T) {
		src := New(newStorage(Float32, Shape{5}))
		out, err := Broadcast(target, src)
		require.NoError(t, err)
		assert.Equal(t, target, out.Shape())
		assert.Equal(t, []int64{0, 1}, out.Strides())
		assert.Same(t, src.Storage(), out.Storage())
		assert.Equal(t, uint64(5), out.Storage().Shape.Volume())
		assert.Equal(t, Shape{5}, src.Shape())

		offs := offsets(out)
		require.Len(t, offs, 20)
		assert.Equal(t, []int64{0, 1, 2, 3, 4}, offs[15:])
	})

	t.Run("projects and promotes unit axis", func(t *testing.T) {
		src := New(newStorage(Float32, Shape{1, 5}))
		out, err := Broadcast(target, src)
		require.NoError(t, err)
		assert.Equal(t, target, out.Shape())
		assert.Equal(t, []int64{0, 1}, out.Strides())
		assert.Equal(t, int64(0), out.Offset())
	})

	t.Run("matching shape is unchanged", func(t *testing.T) {
		src := New(newStorage(Float32, Shape{4, 5}))
		out, err := Broadcast(target, src)
		require.NoError(t, err)
		assert.True(t, out.IsDense())
		assert.Equal(t, src.Strides(), out.Strides())
	})

	t.Run("mismatched extent", func(t *testing.T) {
		src := New(newStorage(Float32, Shape{4, 3}))
		_, err := Broadcast(target, src)
		var se *ShapeError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, 1, se.Axis)
		assert.Contains(t, err.Error(), "extent 3 at axis 1")
	})

	t.Run("rank too high", func(t *testing.T) {
		src := New(newStorage(Float32, Shape{2, 4, 5}))
		_, err := Broadcast(target, src)
		var se *ShapeError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, -1, se.Axis)
	})

	t.Run("scalar to higher rank", func(t *testing.T) {
		src := New(newStorage(Float32, Shape{}))
		out, err := Broadcast(Shape{2, 3, 2}, src)
		require.NoError(t, err)
		assert.Equal(t, Shape{2, 3, 2}, out.Shape())
		for _, off := range offsets(out) {
			assert.Equal(t, int64(0), off)
		}
	})
}

func TestShapeOverflow(t *testing.T) {
	huge := Shape{1<<63 + 1, 2}

	_, err := huge.CheckedVolume()
	require.ErrorIs(t, err, ErrShapeOverflow)
	assert.Equal(t, uint64(math.MaxUint64), huge.Volume(), "wrapped product must not look small")

	_, err = Shape{1 << 32, 1 << 32}.CheckedVolume()
	assert.ErrorIs(t, err, ErrShapeOverflow)
	_, err = Shape{0, 1 << 63}.CheckedVolume()
	assert.ErrorIs(t, err, ErrShapeOverflow, "an oversized extent is rejected even when another is zero")

	v, err := Shape{1 << 62}.CheckedVolume()
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<62), v)
	_, err = Shape{1 << 62}.ByteSize(Float32)
	assert.ErrorIs(t, err, ErrShapeOverflow)
	n, err := Shape{4, 5}.ByteSize(Float64)
	require.NoError(t, err)
	assert.Equal(t, int64(160), n)

	_, err = ParseShape("9223372036854775809,2")
	assert.ErrorIs(t, err, ErrShapeOverflow)

	src := New(newStorage(Float32, Shape{2}))
	_, err = Broadcast(huge, src)
	assert.ErrorIs(t, err, ErrShapeOverflow)
	_, err = src.Promote(0, 1<<62)
	assert.ErrorIs(t, err, ErrShapeOverflow)

	calls := 0
	(&Store{storage: src.Storage(), extents: huge, strides: []int64{0, 1}}).ForEachOffset(func(int64) { calls++ })
	assert.Zero(t, calls)
}
