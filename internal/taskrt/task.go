package taskrt

import (
	"errors"
	"fmt"

	"github.com/samcharles93/ufi/internal/store"
)

var (
	ErrUnknownTask = errors.New("unknown task")
	ErrArgument    = errors.New("invalid task argument")
	ErrAlignment   = errors.New("alignment constraint violated")
	ErrClosed      = errors.New("runtime closed")
)

// Variant is the body of a task on one processor.
type Variant func(tc *TaskContext) error

// Constraint requires two stores to have identical shapes so their
// partitions line up element for element.
type Constraint struct {
	A, B *store.Store
}

func Align(a, b *store.Store) Constraint {
	return Constraint{A: a, B: b}
}

func (c Constraint) check() error {
	if !c.A.Shape().Equal(c.B.Shape()) {
		return fmt.Errorf("align %s with %s: %w", c.A.Shape(), c.B.Shape(), ErrAlignment)
	}
	return nil
}

// Task is one submission. Scalars are positional and typed by the variant
// that unpacks them.
type Task struct {
	ID          string
	Name        string
	Inputs      []*store.Store
	Outputs     []*store.Store
	Scalars     []any
	Constraints []Constraint
}

func (t *Task) stores() []*store.Store {
	return append(append([]*store.Store(nil), t.Outputs...), t.Inputs...)
}

func scalar[T any](t *Task, i int) (T, error) {
	var zero T
	if i < 0 || i >= len(t.Scalars) {
		return zero, fmt.Errorf("task %s: scalar %d of %d: %w", t.Name, i, len(t.Scalars), ErrArgument)
	}
	v, ok := t.Scalars[i].(T)
	if !ok {
		return zero, fmt.Errorf("task %s: scalar %d is %T, want %T: %w", t.Name, i, t.Scalars[i], zero, ErrArgument)
	}
	return v, nil
}
