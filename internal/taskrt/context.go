package taskrt

import (
	"fmt"

	"github.com/samcharles93/ufi/internal/cuda"
	"github.com/samcharles93/ufi/internal/kernel"
	"github.com/samcharles93/ufi/internal/logger"
	"github.com/samcharles93/ufi/internal/store"
)

// TaskContext is what a variant sees while it runs on a processor.
type TaskContext struct {
	rt      *Runtime
	proc    *Processor
	task    *Task
	log     logger.Logger
	scratch []cuda.DevicePtr
}

var _ kernel.Mapper = (*TaskContext)(nil)

func (tc *TaskContext) Task() *Task                { return tc.task }
func (tc *TaskContext) Processor() *Processor      { return tc.proc }
func (tc *TaskContext) Stream() cuda.Stream        { return tc.proc.Stream }
func (tc *TaskContext) Cache() *kernel.Cache       { return tc.proc.Cache() }
func (tc *TaskContext) Loader() *kernel.Loader     { return tc.rt.loader }
func (tc *TaskContext) Launcher() *kernel.Launcher { return tc.rt.launcher }
func (tc *TaskContext) Logger() logger.Logger      { return tc.log }

// Context queries the driver for the context of the task's stream.
func (tc *TaskContext) Context() (cuda.Context, error) {
	return tc.rt.drv.StreamContext(tc.proc.Stream)
}

// StringArg and Uint32Arg unpack positional scalar arguments.
func (tc *TaskContext) StringArg(i int) (string, error) { return scalar[string](tc.task, i) }
func (tc *TaskContext) Uint32Arg(i int) (uint32, error) { return scalar[uint32](tc.task, i) }

// Map returns a device pointer addressing the view's elements contiguously
// in row-major order. Dense views map in place. Other views are gathered
// into scratch memory that lives until the task returns; they cannot be
// written through, so an output view must be dense.
func (tc *TaskContext) Map(s *store.Store, write bool) (cuda.DevicePtr, error) {
	st := s.Storage()
	if st.Processor != tc.proc.ID {
		return 0, fmt.Errorf("store on processor %d mapped on processor %d: %w", st.Processor, tc.proc.ID, ErrArgument)
	}
	elem := int64(st.DType.Size())

	if s.IsDense() {
		limit := st.Bytes / elem
		vol, err := s.Shape().CheckedVolume()
		if err != nil {
			return 0, fmt.Errorf("map %s: %w", s, err)
		}
		if s.Offset() < 0 || vol > uint64(limit) || s.Offset() > limit-int64(vol) {
			return 0, fmt.Errorf("view %s exceeds its %d-element storage: %w", s, limit, ErrArgument)
		}
		return st.Ptr + cuda.DevicePtr(s.Offset()*elem), nil
	}
	if write {
		return 0, fmt.Errorf("output view %s is not dense: %w", s, ErrArgument)
	}

	if _, err := s.Shape().CheckedVolume(); err != nil {
		return 0, fmt.Errorf("map %s: %w", s, err)
	}
	src := make([]byte, st.Bytes)
	if err := tc.rt.drv.StreamSynchronize(tc.proc.Stream); err != nil {
		return 0, err
	}
	if err := tc.rt.drv.MemcpyDtoH(tc.proc.Context, src, st.Ptr); err != nil {
		return 0, err
	}
	dst := gather(s, src)
	ptr, err := tc.rt.drv.MemAlloc(tc.proc.Context, int64(len(dst)))
	if err != nil {
		return 0, err
	}
	tc.scratch = append(tc.scratch, ptr)
	if err := tc.rt.drv.MemcpyHtoD(tc.proc.Context, ptr, dst); err != nil {
		return 0, err
	}
	tc.log.Debug("materialized view", "view", s.String(), "bytes", len(dst))
	return ptr, nil
}

// gather copies the elements of s out of its storage bytes in row-major order.
func gather(s *store.Store, src []byte) []byte {
	elem := int64(s.DType().Size())
	dst := make([]byte, 0, int64(s.Volume())*elem)
	s.ForEachOffset(func(off int64) {
		dst = append(dst, src[off*elem:(off+1)*elem]...)
	})
	return dst
}

func (tc *TaskContext) release() {
	for _, p := range tc.scratch {
		if err := tc.rt.drv.MemFree(tc.proc.Context, p); err != nil {
			tc.log.Warn("free scratch", "err", err)
		}
	}
	tc.scratch = nil
}
