package taskrt

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/samcharles93/ufi/internal/cuda"
	"github.com/samcharles93/ufi/internal/store"
)

// CreateStore allocates zeroed device storage on processor id and returns
// its dense view.
func (rt *Runtime) CreateStore(ctx context.Context, dt store.DType, shape store.Shape, id int) (*store.Store, error) {
	leave, err := rt.enter()
	if err != nil {
		return nil, err
	}
	defer leave()

	if dt.Size() == 0 {
		return nil, fmt.Errorf("create store: dtype %s: %w", dt, ErrArgument)
	}
	bytes, err := shape.ByteSize(dt)
	if err != nil {
		return nil, fmt.Errorf("create store: %w", err)
	}
	p, err := rt.processor(id)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	st := &store.Storage{
		ID:        uuid.New(),
		DType:     dt,
		Shape:     shape.Clone(),
		Bytes:     bytes,
		Processor: id,
	}
	err = p.do(func() error {
		ptr, err := rt.drv.MemAlloc(p.Context, max(st.Bytes, 1))
		if err != nil {
			return err
		}
		st.Ptr = ptr
		if st.Bytes == 0 {
			return nil
		}
		return rt.drv.MemcpyHtoD(p.Context, ptr, make([]byte, st.Bytes))
	})
	if err != nil {
		if st.Ptr != 0 {
			_ = rt.drv.MemFree(p.Context, st.Ptr)
		}
		return nil, fmt.Errorf("create store %s%s on processor %d: %w", dt, shape, id, err)
	}

	rt.smu.Lock()
	rt.storages[st.ID] = st
	rt.smu.Unlock()
	rt.log.Debug("store created", "store", st.ID, "dtype", dt, "shape", shape, "processor", id)
	return store.New(st), nil
}

// Free releases the storage behind s. Views over it become invalid.
func (rt *Runtime) Free(ctx context.Context, s *store.Store) error {
	leave, err := rt.enter()
	if err != nil {
		return err
	}
	defer leave()

	st := s.Storage()
	rt.smu.Lock()
	_, ok := rt.storages[st.ID]
	delete(rt.storages, st.ID)
	rt.smu.Unlock()
	if !ok {
		return fmt.Errorf("free store %s: not allocated by this runtime: %w", st.ID, ErrArgument)
	}
	p, err := rt.processor(st.Processor)
	if err != nil {
		return err
	}
	return p.do(func() error {
		if err := rt.drv.StreamSynchronize(p.Stream); err != nil {
			return err
		}
		return rt.drv.MemFree(p.Context, st.Ptr)
	})
}

// WriteFloat32 copies vals into the dense float32 view s.
func (rt *Runtime) WriteFloat32(ctx context.Context, s *store.Store, vals []float32) error {
	if s.DType() != store.Float32 {
		return fmt.Errorf("write %s store as float32: %w", s.DType(), ErrArgument)
	}
	if uint64(len(vals)) != s.Volume() {
		return fmt.Errorf("write %d values into %s: %w", len(vals), s.Shape(), ErrArgument)
	}
	if !s.IsDense() {
		return fmt.Errorf("write through non-dense view %s: %w", s, ErrArgument)
	}
	buf := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return rt.write(ctx, s, buf)
}

func (rt *Runtime) write(ctx context.Context, s *store.Store, buf []byte) error {
	leave, err := rt.enter()
	if err != nil {
		return err
	}
	defer leave()

	st := s.Storage()
	p, err := rt.processor(st.Processor)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(buf) == 0 {
		return nil
	}
	off := s.Offset() * int64(st.DType.Size())
	if off+int64(len(buf)) > st.Bytes {
		return fmt.Errorf("write %d bytes at %d into %d-byte storage: %w", len(buf), off, st.Bytes, ErrArgument)
	}
	return p.do(func() error {
		if err := rt.drv.StreamSynchronize(p.Stream); err != nil {
			return err
		}
		return rt.drv.MemcpyHtoD(p.Context, st.Ptr+cuda.DevicePtr(off), buf)
	})
}

// ReadFloat32 returns the elements of the float32 view s in row-major
// order. Broadcast views repeat their aliased elements.
func (rt *Runtime) ReadFloat32(ctx context.Context, s *store.Store) ([]float32, error) {
	if s.DType() != store.Float32 {
		return nil, fmt.Errorf("read %s store as float32: %w", s.DType(), ErrArgument)
	}
	raw, err := rt.read(ctx, s)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}

func (rt *Runtime) read(ctx context.Context, s *store.Store) ([]byte, error) {
	leave, err := rt.enter()
	if err != nil {
		return nil, err
	}
	defer leave()

	st := s.Storage()
	p, err := rt.processor(st.Processor)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if st.Bytes == 0 || s.Volume() == 0 {
		return nil, nil
	}
	src := make([]byte, st.Bytes)
	err = p.do(func() error {
		if err := rt.drv.StreamSynchronize(p.Stream); err != nil {
			return err
		}
		return rt.drv.MemcpyDtoH(p.Context, src, st.Ptr)
	})
	if err != nil {
		return nil, err
	}
	return gather(s, src), nil
}
