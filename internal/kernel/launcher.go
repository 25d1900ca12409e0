package kernel

import (
	"fmt"

	"github.com/samcharles93/ufi/internal/cuda"
	"github.com/samcharles93/ufi/internal/logger"
	"github.com/samcharles93/ufi/internal/store"
)

// BlockSize is the number of threads per block for every launch.
const BlockSize = 256

// Geometry returns the 1-D launch configuration covering n elements.
func Geometry(n uint32) (grid, block cuda.Dim3) {
	blocks := (uint64(n) + BlockSize - 1) / BlockSize
	return cuda.Dim3{X: uint32(blocks), Y: 1, Z: 1}, cuda.Dim3{X: BlockSize, Y: 1, Z: 1}
}

// Mapper resolves a store view to a device pointer addressing its elements
// contiguously. write is set for the output operand.
type Mapper interface {
	Map(s *store.Store, write bool) (cuda.DevicePtr, error)
}

// Launch describes one kernel invocation.
type Launch struct {
	Key      Key
	Function cuda.Function
	Stream   cuda.Stream
	Inputs   []*store.Store
	Output   *store.Store
	Count    uint32
}

// Launcher builds parameter buffers and issues launches.
type Launcher struct {
	drv cuda.Driver
	log logger.Logger
}

func NewLauncher(drv cuda.Driver, log logger.Logger) *Launcher {
	return &Launcher{drv: drv, log: log}
}

// Run broadcasts the inputs to the output shape, launches the function
// over Count elements and waits for the stream to drain. A zero count
// returns without launching.
func (l *Launcher) Run(req Launch, m Mapper) error {
	if req.Output == nil {
		return fmt.Errorf("launch %s: no output operand", req.Key)
	}
	if uint64(req.Count) > req.Output.Volume() {
		return fmt.Errorf("launch %s: count %d, output volume %d: %w",
			req.Key, req.Count, req.Output.Volume(), ErrElementCount)
	}

	target := req.Output.Shape()
	operands := make([]*store.Store, 0, len(req.Inputs)+1)
	for i, in := range req.Inputs {
		if in.DType() != store.Float32 {
			return fmt.Errorf("launch %s: input %d is %s: %w", req.Key, i, in.DType(), ErrUnsupportedType)
		}
		b, err := store.Broadcast(target, in)
		if err != nil {
			return fmt.Errorf("launch %s: input %d: %w", req.Key, i, err)
		}
		operands = append(operands, b)
	}
	if req.Output.DType() != store.Float32 {
		return fmt.Errorf("launch %s: output is %s: %w", req.Key, req.Output.DType(), ErrUnsupportedType)
	}
	operands = append(operands, req.Output)

	grid, block := Geometry(req.Count)
	if grid.X == 0 {
		l.log.Debug("skipping empty launch", "kernel", req.Key.Symbol, "context", req.Key.Context)
		return nil
	}

	const elemSize = 4
	records := make([]Record, 0, len(operands)+2)
	records = append(records, Padding(HeaderBytes))
	for i, op := range operands {
		ptr, err := m.Map(op, i == len(operands)-1)
		if err != nil {
			return fmt.Errorf("launch %s: map operand %d: %w", req.Key, i, err)
		}
		records = append(records, Descriptor{
			Ptr:     ptr,
			MaxSize: uint64(req.Count) * elemSize,
			Length:  uint64(req.Count),
		})
	}
	records = append(records, Uint32(req.Count))
	args := BuildArgs(records...)

	l.log.Debug("running function", "kernel", req.Key.Symbol, "context", req.Key.Context,
		"count", req.Count, "grid", grid, "block", block, "bytes", len(args))

	if err := l.drv.LaunchKernel(req.Function, grid, block, 0, req.Stream, args); err != nil {
		return &LaunchError{Key: req.Key, Grid: grid, Block: block, Err: err, Site: site()}
	}
	if err := l.drv.StreamSynchronize(req.Stream); err != nil {
		return &LaunchError{Key: req.Key, Grid: grid, Block: block, Err: err, Site: site()}
	}
	return nil
}
