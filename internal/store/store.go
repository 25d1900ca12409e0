// Package store models the arrays a task operates on: device storage owned
// by one processor, and immutable views over it with per-axis extents and
// element strides. Broadcasting never touches storage; it only derives a
// new view with stride-0 axes.
package store

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/samcharles93/ufi/internal/cuda"
)

type DType uint8

const (
	Invalid DType = iota
	Float32
	Float64
	Int32
	Int64
)

// Size is the element size in bytes.
func (d DType) Size() int {
	switch d {
	case Float32, Int32:
		return 4
	case Float64, Int64:
		return 8
	default:
		return 0
	}
}

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	default:
		return "invalid"
	}
}

// ParseDType accepts the names returned by DType.String.
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "float32", "f32":
		return Float32, nil
	case "float64", "f64":
		return Float64, nil
	case "int32", "i32":
		return Int32, nil
	case "int64", "i64":
		return Int64, nil
	default:
		return Invalid, fmt.Errorf("unknown dtype %q", s)
	}
}

// Shape is an ordered list of extents. The empty shape is a scalar.
type Shape []uint64

// ErrShapeOverflow reports a shape whose element count or byte size does
// not fit in an int64.
var ErrShapeOverflow = errors.New("shape too large")

// Volume is the number of elements (1 for a scalar). It saturates at
// math.MaxUint64 when the product overflows; use CheckedVolume to reject
// such shapes.
func (s Shape) Volume() uint64 {
	v, err := s.CheckedVolume()
	if err != nil {
		return math.MaxUint64
	}
	return v
}

// CheckedVolume returns the element count, or ErrShapeOverflow when it or
// any extent exceeds math.MaxInt64.
func (s Shape) CheckedVolume() (uint64, error) {
	empty := false
	for _, e := range s {
		if e > math.MaxInt64 {
			return 0, fmt.Errorf("shape %s: extent %d: %w", s, e, ErrShapeOverflow)
		}
		empty = empty || e == 0
	}
	if empty {
		return 0, nil
	}
	v := uint64(1)
	for _, e := range s {
		hi, lo := bits.Mul64(v, e)
		if hi != 0 || lo > math.MaxInt64 {
			return 0, fmt.Errorf("shape %s: element count: %w", s, ErrShapeOverflow)
		}
		v = lo
	}
	return v, nil
}

// ByteSize returns the bytes needed to hold s densely at dt.
func (s Shape) ByteSize(dt DType) (int64, error) {
	v, err := s.CheckedVolume()
	if err != nil {
		return 0, err
	}
	hi, lo := bits.Mul64(v, uint64(dt.Size()))
	if hi != 0 || lo > math.MaxInt64 {
		return 0, fmt.Errorf("shape %s of %s: byte size: %w", s, dt, ErrShapeOverflow)
	}
	return int64(lo), nil
}

func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

func (s Shape) Clone() Shape {
	return append(Shape(nil), s...)
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, e := range s {
		parts[i] = strconv.FormatUint(e, 10)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// ParseShape parses "4,5", "4x5" or "[4,5]".
func ParseShape(s string) (Shape, error) {
	s = strings.Trim(strings.TrimSpace(s), "[]")
	if s == "" {
		return Shape{}, nil
	}
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == 'x' || r == ' ' })
	out := make(Shape, 0, len(fields))
	for _, f := range fields {
		e, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse shape %q: %w", s, err)
		}
		out = append(out, e)
	}
	if _, err := out.CheckedVolume(); err != nil {
		return nil, err
	}
	return out, nil
}

// Storage is one device allocation. It is owned by the processor whose
// context allocated it.
type Storage struct {
	ID        uuid.UUID
	DType     DType
	Shape     Shape
	Ptr       cuda.DevicePtr
	Bytes     int64
	Processor int
}

// Store is an immutable view over a Storage. Strides are in elements.
type Store struct {
	storage *Storage
	extents Shape
	strides []int64
	offset  int64
}

// New returns the dense row-major view of st over its full shape.
func New(st *Storage) *Store {
	extents := st.Shape.Clone()
	strides := make([]int64, len(extents))
	step := int64(1)
	for i := len(extents) - 1; i >= 0; i-- {
		strides[i] = step
		step *= int64(extents[i])
	}
	return &Store{storage: st, extents: extents, strides: strides}
}

func (s *Store) Storage() *Storage { return s.storage }
func (s *Store) DType() DType      { return s.storage.DType }
func (s *Store) Dim() int          { return len(s.extents) }
func (s *Store) Offset() int64     { return s.offset }
func (s *Store) Volume() uint64    { return s.extents.Volume() }

// Shape returns a copy of the view's extents.
func (s *Store) Shape() Shape {
	return s.extents.Clone()
}

// Strides returns a copy of the view's element strides.
func (s *Store) Strides() []int64 {
	return append([]int64(nil), s.strides...)
}

func (s *Store) String() string {
	return fmt.Sprintf("store(%s %s%s strides=%v offset=%d)",
		s.storage.ID.String()[:8], s.storage.DType, s.extents, s.strides, s.offset)
}

// Promote inserts a new axis of the given extent at position axis. The new
// axis has stride 0, so every index along it aliases the same elements.
func (s *Store) Promote(axis int, extent uint64) (*Store, error) {
	if axis < 0 || axis > len(s.extents) {
		return nil, fmt.Errorf("promote: axis %d out of range for %d-d store", axis, len(s.extents))
	}
	out := &Store{
		storage: s.storage,
		extents: make(Shape, 0, len(s.extents)+1),
		strides: make([]int64, 0, len(s.strides)+1),
		offset:  s.offset,
	}
	out.extents = append(append(append(out.extents, s.extents[:axis]...), extent), s.extents[axis:]...)
	out.strides = append(append(append(out.strides, s.strides[:axis]...), 0), s.strides[axis:]...)
	if _, err := out.extents.CheckedVolume(); err != nil {
		return nil, fmt.Errorf("promote: %w", err)
	}
	return out, nil
}

// Project removes axis, fixing it at index.
func (s *Store) Project(axis int, index uint64) (*Store, error) {
	if axis < 0 || axis >= len(s.extents) {
		return nil, fmt.Errorf("project: axis %d out of range for %d-d store", axis, len(s.extents))
	}
	if index >= s.extents[axis] {
		return nil, fmt.Errorf("project: index %d out of range for extent %d", index, s.extents[axis])
	}
	out := &Store{
		storage: s.storage,
		extents: make(Shape, 0, len(s.extents)-1),
		strides: make([]int64, 0, len(s.strides)-1),
		offset:  s.offset + int64(index)*s.strides[axis],
	}
	out.extents = append(append(out.extents, s.extents[:axis]...), s.extents[axis+1:]...)
	out.strides = append(append(out.strides, s.strides[:axis]...), s.strides[axis+1:]...)
	return out, nil
}

// IsDense reports whether the view addresses a contiguous row-major run of
// Volume elements starting at Offset. Unit axes are ignored.
func (s *Store) IsDense() bool {
	want := int64(1)
	for i := len(s.extents) - 1; i >= 0; i-- {
		e := s.extents[i]
		if e == 0 {
			return true
		}
		if e == 1 {
			continue
		}
		if s.strides[i] != want {
			return false
		}
		want *= int64(e)
	}
	return true
}

// ForEachOffset calls fn with the storage element offset of every logical
// element in row-major order.
func (s *Store) ForEachOffset(fn func(off int64)) {
	if v, err := s.extents.CheckedVolume(); err != nil || v == 0 {
		return
	}
	idx := make([]uint64, len(s.extents))
	off := s.offset
	for {
		fn(off)
		axis := len(idx) - 1
		for ; axis >= 0; axis-- {
			idx[axis]++
			off += s.strides[axis]
			if idx[axis] < s.extents[axis] {
				break
			}
			off -= int64(idx[axis]) * s.strides[axis]
			idx[axis] = 0
		}
		if axis < 0 {
			return
		}
	}
}
