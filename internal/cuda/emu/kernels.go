package emu

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/samcharles93/ufi/internal/cuda"
)

// Parameter-buffer layout read by the built-in kernels: a 16-byte kernel
// state header, one 32-byte {ptr, maxsize, length, reserved} descriptor per
// array, then trailing scalars.
const (
	headerBytes     = 16
	descriptorBytes = 32
)

// KernelFunc emulates one device entry point.
type KernelFunc func(x *Exec) error

// Exec is the state of one emulated launch.
type Exec struct {
	Grid   cuda.Dim3
	Block  cuda.Dim3
	Params []byte

	mem *memory
}

// Threads is the total number of threads in the launch.
func (x *Exec) Threads() uint64 {
	return x.Grid.Threads() * x.Block.Threads()
}

// Uint32 reads a scalar parameter at byte offset off.
func (x *Exec) Uint32(off int) (uint32, error) {
	if off < 0 || off+4 > len(x.Params) {
		return 0, fmt.Errorf("scalar at offset %d outside %d-byte parameter buffer", off, len(x.Params))
	}
	return binary.LittleEndian.Uint32(x.Params[off:]), nil
}

// Array decodes the i-th array descriptor.
func (x *Exec) Array(i int) (Float32s, error) {
	off := headerBytes + i*descriptorBytes
	if off+descriptorBytes > len(x.Params) {
		return Float32s{}, fmt.Errorf("descriptor %d outside %d-byte parameter buffer", i, len(x.Params))
	}
	ptr := cuda.DevicePtr(binary.LittleEndian.Uint64(x.Params[off:]))
	maxsize := int64(binary.LittleEndian.Uint64(x.Params[off+8:]))
	length := int64(binary.LittleEndian.Uint64(x.Params[off+16:]))
	if length*4 > maxsize {
		return Float32s{}, fmt.Errorf("descriptor %d: length %d exceeds capacity %d bytes", i, length, maxsize)
	}
	if length == 0 {
		return Float32s{}, nil
	}
	buf, err := x.mem.resolve(ptr, int(length)*4)
	if err != nil {
		return Float32s{}, fmt.Errorf("descriptor %d: %w", i, err)
	}
	return Float32s{b: buf}, nil
}

// Float32s is a little-endian float32 view over device bytes.
type Float32s struct {
	b []byte
}

func (v Float32s) Len() int {
	return len(v.b) / 4
}

func (v Float32s) At(i int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(v.b[i*4:]))
}

func (v Float32s) Set(i int, f float32) {
	binary.LittleEndian.PutUint32(v.b[i*4:], math.Float32bits(f))
}

// Binary emulates c[i] = op(a[i], b[i]) for the thread index i < n, with
// parameters (a, b, c, n).
func Binary(op func(a, b float32) float32) KernelFunc {
	return func(x *Exec) error {
		a, err := x.Array(0)
		if err != nil {
			return err
		}
		b, err := x.Array(1)
		if err != nil {
			return err
		}
		c, err := x.Array(2)
		if err != nil {
			return err
		}
		n, err := x.Uint32(headerBytes + 3*descriptorBytes)
		if err != nil {
			return err
		}
		for tid := uint64(0); tid < x.Threads(); tid++ {
			if tid >= uint64(n) {
				break
			}
			i := int(tid)
			if i >= a.Len() || i >= b.Len() || i >= c.Len() {
				return fmt.Errorf("thread %d: out-of-bounds access", i)
			}
			c.Set(i, op(a.At(i), b.At(i)))
		}
		return nil
	}
}

// Builtins returns the default kernel library.
func Builtins() map[string]KernelFunc {
	return map[string]KernelFunc{
		"add": Binary(func(a, b float32) float32 { return a + b }),
		"sub": Binary(func(a, b float32) float32 { return a - b }),
		"mul": Binary(func(a, b float32) float32 { return a * b }),
		"div": Binary(func(a, b float32) float32 { return a / b }),
		"max": Binary(func(a, b float32) float32 { return float32(math.Max(float64(a), float64(b))) }),
		"min": Binary(func(a, b float32) float32 { return float32(math.Min(float64(a), float64(b))) }),
	}
}
