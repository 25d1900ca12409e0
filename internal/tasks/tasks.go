// Package tasks defines the load-ptx and run-ptx task variants and the
// client calls that submit them.
package tasks

import (
	"context"
	"fmt"

	"github.com/samcharles93/ufi/internal/kernel"
	"github.com/samcharles93/ufi/internal/store"
	"github.com/samcharles93/ufi/internal/taskrt"
)

const (
	LoadPTXTask = "load-ptx"
	RunPTXTask  = "run-ptx"
)

// Register installs both variants on rt.
func Register(rt *taskrt.Runtime) error {
	if err := rt.Register(LoadPTXTask, loadPTX); err != nil {
		return err
	}
	return rt.Register(RunPTXTask, runPTX)
}

// loadPTX unpacks (ptx, name) and compiles into the processor's cache.
func loadPTX(tc *taskrt.TaskContext) error {
	ptx, err := tc.StringArg(0)
	if err != nil {
		return err
	}
	name, err := tc.StringArg(1)
	if err != nil {
		return err
	}
	ctx, err := tc.Context()
	if err != nil {
		return err
	}
	_, err = tc.Loader().Load(tc.Cache(), ctx, ptx, name)
	return err
}

// runPTX unpacks (name, n) with inputs (a, b) and output c.
func runPTX(tc *taskrt.TaskContext) error {
	name, err := tc.StringArg(0)
	if err != nil {
		return err
	}
	n, err := tc.Uint32Arg(1)
	if err != nil {
		return err
	}
	t := tc.Task()
	if len(t.Inputs) != 2 || len(t.Outputs) != 1 {
		return fmt.Errorf("%s takes 2 inputs and 1 output, got %d and %d: %w",
			RunPTXTask, len(t.Inputs), len(t.Outputs), taskrt.ErrArgument)
	}

	ctx, err := tc.Context()
	if err != nil {
		return err
	}
	key := kernel.Key{Context: ctx, Symbol: name}
	fn, err := tc.Cache().Require(key)
	if err != nil {
		return err
	}
	return tc.Launcher().Run(kernel.Launch{
		Key:      key,
		Function: fn,
		Stream:   tc.Stream(),
		Inputs:   t.Inputs,
		Output:   t.Outputs[0],
		Count:    n,
	}, tc)
}

// LoadPTX compiles ptx on every processor and returns the kernel name. An
// empty name selects the first entry point declared in ptx.
func LoadPTX(ctx context.Context, rt *taskrt.Runtime, ptx, name string) (string, error) {
	if name == "" {
		var err error
		if name, err = kernel.ExtractKernelName(ptx); err != nil {
			return "", err
		}
	}
	err := rt.Submit(ctx, &taskrt.Task{Name: LoadPTXTask, Scalars: []any{ptx, name}})
	if err != nil {
		return "", err
	}
	return name, nil
}

// RunPTX launches name over the first n elements of out, with a and b
// broadcast to out's shape. A ShapeError is returned before anything is
// submitted.
func RunPTX(ctx context.Context, rt *taskrt.Runtime, name string, a, b, out *store.Store, n uint32) error {
	target := out.Shape()
	ab, err := store.Broadcast(target, a)
	if err != nil {
		return err
	}
	bb, err := store.Broadcast(target, b)
	if err != nil {
		return err
	}
	return rt.Submit(ctx, &taskrt.Task{
		Name:    RunPTXTask,
		Inputs:  []*store.Store{ab, bb},
		Outputs: []*store.Store{out},
		Scalars: []any{name, n},
		Constraints: []taskrt.Constraint{
			taskrt.Align(out, ab),
			taskrt.Align(ab, bb),
		},
	})
}

// Sync waits for all outstanding device work on every processor.
func Sync(ctx context.Context, rt *taskrt.Runtime) error {
	return rt.Sync(ctx)
}
