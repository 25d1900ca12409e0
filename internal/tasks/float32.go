package tasks

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/samcharles93/ufi/internal/store"
	"github.com/samcharles93/ufi/internal/taskrt"
)

// Float32Launch describes a run over host float32 values. Nil shapes default
// to flat: A and B to their own lengths, Shape to A's shape. A nil Count
// covers the whole output.
type Float32Launch struct {
	Kernel    string
	A, B      []float32
	AShape    store.Shape
	BShape    store.Shape
	Shape     store.Shape
	Count     *uint32
	Processor int
}

type Float32Result struct {
	Shape  store.Shape
	Count  uint32
	Output []float32
}

// RunFloat32 stages l's inputs on its processor, runs the kernel and reads
// the output back. Every store it creates is freed before it returns.
func RunFloat32(ctx context.Context, rt *taskrt.Runtime, l Float32Launch) (res Float32Result, err error) {
	aShape := flatOr(l.AShape, len(l.A))
	bShape := flatOr(l.BShape, len(l.B))
	outShape := l.Shape
	if outShape == nil {
		outShape = aShape
	}
	for _, s := range []store.Shape{aShape, bShape, outShape} {
		if _, err := s.CheckedVolume(); err != nil {
			return res, err
		}
	}
	vol := outShape.Volume()
	if vol > math.MaxUint32 {
		return res, fmt.Errorf("output shape %s exceeds 2^32-1 elements: %w", outShape, taskrt.ErrArgument)
	}
	n := uint32(vol)
	if l.Count != nil {
		n = *l.Count
	}

	var staged []*store.Store
	defer func() {
		for _, s := range staged {
			err = errors.Join(err, rt.Free(ctx, s))
		}
	}()
	stage := func(shape store.Shape, vals []float32) (*store.Store, error) {
		s, err := rt.CreateStore(ctx, store.Float32, shape, l.Processor)
		if err != nil {
			return nil, err
		}
		staged = append(staged, s)
		if vals == nil {
			return s, nil
		}
		return s, rt.WriteFloat32(ctx, s, vals)
	}

	a, err := stage(aShape, l.A)
	if err != nil {
		return res, err
	}
	b, err := stage(bShape, l.B)
	if err != nil {
		return res, err
	}
	out, err := stage(outShape, nil)
	if err != nil {
		return res, err
	}
	if err := RunPTX(ctx, rt, l.Kernel, a, b, out, n); err != nil {
		return res, err
	}
	vals, err := rt.ReadFloat32(ctx, out)
	if err != nil {
		return res, err
	}
	return Float32Result{Shape: outShape.Clone(), Count: n, Output: vals}, nil
}

func flatOr(shape store.Shape, n int) store.Shape {
	if shape != nil {
		return shape
	}
	return store.Shape{uint64(n)}
}
