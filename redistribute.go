package dtensor

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/gomlx/dtensor/types/collectives"
	"github.com/gomlx/dtensor/types/tensor"
)

// DTensor couples a worker's local shard with the Spec describing how the
// logical tensor it belongs to is partitioned across the mesh.
//
// A DTensor returned by an asynchronous redistribution may still be pending
// its final collective; Local waits for it on first use.
type DTensor struct {
	local   *tensor.Tensor
	pending collectives.Future
	spec    *Spec
}

// NewDTensor wraps a local shard and its spec, validating that the local
// tensor's shape matches the shard this worker's coordinates are due under
// the spec.
func NewDTensor(local *tensor.Tensor, spec *Spec) (*DTensor, error) {
	if local == nil || spec == nil {
		return nil, specInvariantErrorf("DTensor requires a local tensor and a spec")
	}
	if coords, ok := spec.mesh.Coordinate(); ok {
		want, err := spec.LocalShape(coords)
		if err != nil {
			return nil, err
		}
		if !intsEqual(local.Dimensions(), want) {
			return nil, specInvariantErrorf(
				"local tensor shape %v inconsistent with %s at mesh coordinates %v (expected %v)",
				local.Dimensions(), spec, coords, want)
		}
		if local.DType() != spec.meta.Shape.DType {
			return nil, specInvariantErrorf("local tensor dtype %s differs from spec dtype %s",
				local.DType(), spec.meta.Shape.DType)
		}
	}
	return &DTensor{local: local, spec: spec}, nil
}

func intsEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Spec returns the DTensor's partitioning spec.
func (d *DTensor) Spec() *Spec { return d.spec }

// Local returns the local shard, waiting for any pending collective first.
func (d *DTensor) Local() (*tensor.Tensor, error) {
	if d.local == nil {
		t, err := d.pending.Wait()
		if err != nil {
			return nil, err
		}
		d.local = t
	}
	return d.local, nil
}

// String implements the fmt.Stringer interface.
func (d *DTensor) String() string {
	return fmt.Sprintf("DTensor(%s)", d.spec)
}

// RedistributeLocal transforms a local shard from its current spec to the
// target spec, issuing the necessary collectives. It is the synchronous core
// of Redistribute; on failure the input tensor is left untouched and remains
// valid.
func RedistributeLocal(local *tensor.Tensor, current, target *Spec, opts ...Option) (*tensor.Tensor, error) {
	fut, err := redistributeLocal(local, current, target, buildOptions(opts))
	if err != nil {
		return nil, err
	}
	return fut.Wait()
}

func redistributeLocal(local *tensor.Tensor, current, target *Spec, o options) (collectives.Future, error) {
	if !current.mesh.Equal(target.mesh) {
		return nil, errors.WithStack(ErrCrossMesh)
	}
	if _, ok := current.mesh.Coordinate(); !ok {
		// A worker outside the mesh skips redistribution entirely.
		return collectives.Ready(local), nil
	}
	steps, err := Plan(current, target)
	if err != nil {
		return nil, err
	}
	return executeSteps(local, steps, current.mesh, o)
}

// Redistribute moves the input DTensor to the target placements on the same
// mesh, returning a new DTensor. With WithAsyncOp the returned DTensor is
// pending and materializes on first Local call.
func Redistribute(input *DTensor, placements []Placement, opts ...Option) (*DTensor, error) {
	current := input.spec
	if placementsEqual(current.placements, placements) {
		// Same placements: reuse the local tensor.
		return &DTensor{local: input.local, pending: input.pending, spec: current}, nil
	}
	target, err := NewSpec(current.mesh, placements, current.meta)
	if err != nil {
		return nil, err
	}
	local, err := input.Local()
	if err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	fut, err := redistributeLocal(local, current, target, o)
	if err != nil {
		return nil, err
	}
	if o.asyncOp {
		return &DTensor{pending: fut, spec: target}, nil
	}
	t, err := fut.Wait()
	if err != nil {
		return nil, err
	}
	return &DTensor{local: t, spec: target}, nil
}

// RedistributeBackward is the transpose of Redistribute: it moves the
// gradient from its own spec back to the spec the forward pass started from,
// under the backward execution rules, and normalizes any Partial placement in
// the returned spec to Replicate -- a gradient is never handed upstream as
// pending-reduction.
func RedistributeBackward(grad *DTensor, forwardSpec *Spec, opts ...Option) (*DTensor, error) {
	local, err := grad.Local()
	if err != nil {
		return nil, err
	}
	o := buildOptions(append(opts, WithBackward()))
	fut, err := redistributeLocal(local, grad.spec, forwardSpec, o)
	if err != nil {
		return nil, err
	}

	normalized := forwardSpec.Placements()
	for i, p := range normalized {
		if p.IsPartial() {
			normalized[i] = Replicate{}
		}
	}
	spec, err := NewSpec(forwardSpec.mesh, normalized, forwardSpec.meta)
	if err != nil {
		return nil, err
	}
	if o.asyncOp {
		return &DTensor{pending: fut, spec: spec}, nil
	}
	t, err := fut.Wait()
	if err != nil {
		return nil, err
	}
	return &DTensor{local: t, spec: spec}, nil
}
