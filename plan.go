package dtensor

import (
	"fmt"
	"slices"
	"sync"

	"github.com/pkg/errors"
)

// TransformStep is one per-mesh-dim placement transition of a redistribution
// plan. Applying the steps of a plan in order on every worker takes the source
// spec to the destination spec.
type TransformStep struct {
	MeshDim  int
	From, To Placement

	// LogicalShape is the shape of the logical tensor subset residing on this
	// worker's coordinates in all outer mesh dimensions (after applying all
	// outer shardings). It is what gives uneven shardings their correct chunk
	// sizes on this mesh dim.
	LogicalShape []int
}

func (s TransformStep) String() string {
	return fmt.Sprintf("TransformStep(mesh_dim=%d, %s -> %s, logical_shape=%v)",
		s.MeshDim, s.From, s.To, s.LogicalShape)
}

// planCache memoizes plans per (src, dst, coordinate) structural key. Entries
// are immutable and live for the process; concurrent inserts of the same key
// compute the same value, so last-writer-wins is safe.
var planCache sync.Map

// Plan produces the ordered list of TransformSteps whose sequential
// application takes a local shard from src to dst. It is a pure function of
// the two specs and this worker's mesh coordinates: every worker computes the
// same sequence of (mesh dim, from, to), differing only in logical shapes --
// the global ordering invariant that makes the issued collectives line up.
//
// The returned slice is shared with the memoization cache and must not be
// modified.
func Plan(src, dst *Spec) ([]TransformStep, error) {
	if !src.mesh.Equal(dst.mesh) {
		return nil, errors.WithStack(ErrCrossMesh)
	}
	if !src.meta.Shape.Equal(dst.meta.Shape) {
		return nil, specInvariantErrorf("source %s and destination %s describe different logical tensors",
			src, dst)
	}
	coords, ok := src.mesh.Coordinate()
	if !ok {
		return nil, specInvariantErrorf("planning requires a mesh bound to a member worker (mesh %s)",
			src.mesh)
	}

	key := fmt.Sprintf("%s|%s|%s|%v", src.mesh, src, dst, coords)
	if cached, found := planCache.Load(key); found {
		return cached.([]TransformStep), nil
	}

	steps, err := genTransformSteps(src, dst, coords)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("src", src.String()).Str("dst", dst.String()).
		Int("steps", len(steps)).Msg("planned redistribution")
	planCache.Store(key, steps)
	return steps, nil
}

// genTransformSteps generates the transform steps from the source placements
// to the destination placements.
//
// A single transition may decompose into multiple steps, i.e. S(i) -> S(j) may
// become S(i) -> R -> S(j) when there are misaligned or nested shardings
// between the source and destination placements. E.g. for
// (S(0), S(0)) -> (R, S(0)) the S(0) -> S(0) on mesh dim 1 needs resharding:
// the former is a nested sharding of a tensor dimension already sharded on
// mesh dim 0, whereas the latter is the first sharding of tensor dimension 0.
func genTransformSteps(src, dst *Spec, coords []int) ([]TransformStep, error) {
	m := src.mesh
	ndim := m.Rank()
	initialShape := src.Dimensions()

	if ndim == 1 {
		// On a 1D mesh redistribution is a single direct transformation.
		return []TransformStep{{
			MeshDim:      0,
			From:         src.placements[0],
			To:           dst.placements[0],
			LogicalShape: initialShape,
		}}, nil
	}

	current := slices.Clone(src.placements)
	target := slices.Clone(dst.placements)

	// shapesByDim[i] is the logical shape of the per-worker subtensor after
	// applying placements 0..i-1: it ensures uneven shardings get correct
	// chunk sizes on mesh dim i.
	shapesByDim := [][]int{initialShape}
	for i := 0; i < ndim; i++ {
		currentShape := shapesByDim[i]
		if shard, ok := current[i].(Shard); ok {
			if i < ndim-1 {
				local, _ := LocalShardSizeOnDim(currentShape[shard.Dim], m.DimSize(i), coords[i])
				nextShape := slices.Clone(currentShape)
				nextShape[shard.Dim] = local
				shapesByDim = append(shapesByDim, nextShape)
			}
		} else {
			shapesByDim = append(shapesByDim, currentShape)
		}
	}

	var steps []TransformStep
	if src.NumShards() > 1 {
		// The source shardings could be misaligned with the destination, the
		// common case being nested sharding (e.g. (S(0), S(0)) -> (R, S(0))).
		// Traverse from the innermost placement outwards first, replicating
		// whatever blocks the target placements.
		if err := searchTransformSteps(current, target, ndim-1, shapesByDim, &steps, false); err != nil {
			return nil, err
		}
	}

	// Then traverse from the outermost placement inwards to generate the
	// remaining steps in their natural order.
	if err := searchTransformSteps(current, target, 0, shapesByDim, &steps, true); err != nil {
		return nil, err
	}
	return steps, nil
}

// reshardableFromSrcToDst decides whether mesh dim meshDim can be transformed
// from current to target in place, without first replicating other mesh dims.
func reshardableFromSrcToDst(current, target []Placement, meshDim int) bool {
	// A sharded current placement must be the innermost sharding of its
	// tensor dimension; otherwise altering it would corrupt the nested
	// shards inside it.
	if shard, ok := current[meshDim].(Shard); ok {
		for i := len(current) - 1; i >= 0; i-- {
			if current[i].IsShardOf(shard.Dim) {
				if i != meshDim {
					return false
				}
				break
			}
		}
	}

	targetShard, ok := target[meshDim].(Shard)
	if !ok {
		return true
	}

	// For a sharded target, the mesh dims before meshDim must shard the
	// target tensor dimension identically in current and target; otherwise
	// the new shard would land misaligned relative to the outer placements.
	var currentSharding, targetSharding []int
	for i := 0; i < meshDim; i++ {
		if current[i].IsShardOf(targetShard.Dim) {
			currentSharding = append(currentSharding, i)
		}
		if target[i].IsShardOf(targetShard.Dim) {
			targetSharding = append(targetSharding, i)
		}
	}
	return slices.Equal(currentSharding, targetSharding)
}

// searchTransformSteps walks the mesh dims from start -- rightwards when
// leftToRight, else leftwards -- appending a step per placement change and
// updating current in place. When a dim is not directly reshardable, the
// right-to-left walk unshards it to Replicate (clearing nested shardings);
// the left-to-right walk fails instead.
func searchTransformSteps(current, target []Placement, start int, shapesByDim [][]int,
	steps *[]TransformStep, leftToRight bool) error {
	ndim := len(current)
	for i := start; i >= 0 && i < ndim; {
		if placementsEqual(current, target) {
			return nil
		}
		src, dst := current[i], target[i]

		if reshardableFromSrcToDst(current, target, i) {
			if src != dst {
				*steps = append(*steps, TransformStep{
					MeshDim:      i,
					From:         src,
					To:           dst,
					LogicalShape: shapesByDim[i],
				})
				current[i] = dst
			}
		} else if !leftToRight {
			*steps = append(*steps, TransformStep{
				MeshDim:      i,
				From:         src,
				To:           Replicate{},
				LogicalShape: shapesByDim[i],
			})
			current[i] = Replicate{}
		} else {
			return errors.WithStack(&UnreachablePlanError{
				Current: slices.Clone(current),
				Target:  slices.Clone(target),
			})
		}

		if leftToRight {
			i++
		} else {
			i--
		}
	}
	return nil
}
