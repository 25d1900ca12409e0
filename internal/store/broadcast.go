package store

import "fmt"

// ShapeError reports a view that cannot be broadcast to a target shape.
// Axis is -1 when the view has more dimensions than the target.
type ShapeError struct {
	Target Shape
	Actual Shape
	Axis   int
}

func (e *ShapeError) Error() string {
	if e.Axis < 0 {
		return fmt.Sprintf("cannot broadcast %d-d shape %s to %d-d shape %s",
			len(e.Actual), e.Actual, len(e.Target), e.Target)
	}
	return fmt.Sprintf("cannot broadcast shape %s to %s: extent %d at axis %d is neither 1 nor %d",
		e.Actual, e.Target, e.Actual[e.Axis-(len(e.Target)-len(e.Actual))], e.Axis, e.Target[e.Axis])
}

// Broadcast aligns s to target. Missing leading axes are promoted, and unit
// axes whose extent differs from the target are projected away and promoted
// back at the target extent. s is not modified. A target whose volume
// overflows is rejected with ErrShapeOverflow.
func Broadcast(target Shape, s *Store) (*Store, error) {
	if _, err := target.CheckedVolume(); err != nil {
		return nil, fmt.Errorf("broadcast: %w", err)
	}
	diff := len(target) - s.Dim()
	if diff < 0 {
		return nil, &ShapeError{Target: target.Clone(), Actual: s.Shape(), Axis: -1}
	}
	for i, e := range s.extents {
		if e != 1 && e != target[diff+i] {
			return nil, &ShapeError{Target: target.Clone(), Actual: s.Shape(), Axis: diff + i}
		}
	}

	out := s
	var err error
	for axis := 0; axis < diff; axis++ {
		if out, err = out.Promote(axis, target[axis]); err != nil {
			return nil, err
		}
	}
	for axis := diff; axis < len(target); axis++ {
		if out.extents[axis] == target[axis] {
			continue
		}
		if out, err = out.Project(axis, 0); err != nil {
			return nil, err
		}
		if out, err = out.Promote(axis, target[axis]); err != nil {
			return nil, err
		}
	}
	return out, nil
}
