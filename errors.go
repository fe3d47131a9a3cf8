package dtensor

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrCrossMesh is returned when the source and destination specs reference
// different device meshes. Cross-mesh redistribution is not supported.
var ErrCrossMesh = errors.New("cross-mesh redistribution not supported: source and destination specs must share the same device mesh")

// UnsupportedTransitionError reports a placement transition the planner or
// executor cannot lower on the given mesh dimension.
type UnsupportedTransitionError struct {
	From, To   Placement
	MeshDim    int
	IsBackward bool
}

func (e *UnsupportedTransitionError) Error() string {
	direction := "forward"
	if e.IsBackward {
		direction = "backward"
	}
	return fmt.Sprintf("unsupported placement transition %s -> %s on mesh dim %d (%s pass)",
		e.From, e.To, e.MeshDim, direction)
}

func unsupportedTransitionError(step TransformStep, isBackward bool) error {
	return errors.WithStack(&UnsupportedTransitionError{
		From:       step.From,
		To:         step.To,
		MeshDim:    step.MeshDim,
		IsBackward: isBackward,
	})
}

// UnreachablePlanError reports that the planner's outer-to-inner pass stalled:
// it indicates a planner bug or a malformed spec.
type UnreachablePlanError struct {
	Current, Target []Placement
}

func (e *UnreachablePlanError) Error() string {
	return fmt.Sprintf("could not redistribute from %s to %s",
		placementsString(e.Current), placementsString(e.Target))
}

// SpecInvariantError reports a shape or placement inconsistency detected while
// constructing a spec or executing a step.
type SpecInvariantError struct {
	Detail string
}

func (e *SpecInvariantError) Error() string {
	return "spec invariant violated: " + e.Detail
}

func specInvariantErrorf(format string, args ...any) error {
	return errors.WithStack(&SpecInvariantError{Detail: fmt.Sprintf(format, args...)})
}

// CollectiveError wraps a failure bubbled up from the collective layer. It is
// fatal for the current redistribution; the caller's input tensor is left
// untouched.
type CollectiveError struct {
	Underlying error
}

func (e *CollectiveError) Error() string {
	return "collective failed: " + e.Underlying.Error()
}

func (e *CollectiveError) Unwrap() error {
	return e.Underlying
}
