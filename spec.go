package dtensor

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/dtensor/types/mesh"
	"github.com/gomlx/dtensor/types/shapes"
)

// TensorMeta carries the metadata of the logical (global) tensor of a
// distributed tensor: shape (with dtype) and strides.
type TensorMeta struct {
	Shape shapes.Shape

	// Strides of the logical tensor, in elements. Metadata only: the local
	// shards handled here are always contiguous.
	Strides []int
}

// MakeTensorMeta returns a TensorMeta with row-major contiguous strides.
func MakeTensorMeta(shape shapes.Shape) TensorMeta {
	strides := make([]int, shape.Rank())
	stride := 1
	for i := shape.Rank() - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape.Dimensions[i]
	}
	return TensorMeta{Shape: shape, Strides: strides}
}

// Equal compares shape and strides.
func (m TensorMeta) Equal(other TensorMeta) bool {
	return m.Shape.Equal(other.Shape) && slices.Equal(m.Strides, other.Strides)
}

// Spec is the canonical description of one partitioning of a logical tensor:
// the device mesh, one placement per mesh dimension and the tensor metadata.
//
// Specs are immutable values: all accessors return copies of mutable state.
type Spec struct {
	mesh       *mesh.DeviceMesh
	placements []Placement
	meta       TensorMeta
}

// NewSpec validates and builds a Spec. There must be exactly one placement per
// mesh dimension, and every Shard placement must name a tensor dimension
// within the meta shape's rank.
func NewSpec(m *mesh.DeviceMesh, placements []Placement, meta TensorMeta) (*Spec, error) {
	if m == nil {
		return nil, specInvariantErrorf("spec requires a device mesh")
	}
	if !meta.Shape.Ok() {
		return nil, specInvariantErrorf("invalid tensor shape %s", meta.Shape)
	}
	if len(placements) != m.Rank() {
		return nil, specInvariantErrorf("got %d placements for a mesh of %d dimensions",
			len(placements), m.Rank())
	}
	for i, p := range placements {
		if p == nil {
			return nil, specInvariantErrorf("placement for mesh dim %d is nil", i)
		}
		if s, ok := p.(Shard); ok {
			if s.Dim < 0 || s.Dim >= meta.Shape.Rank() {
				return nil, specInvariantErrorf(
					"placement %s on mesh dim %d shards tensor dimension out of bounds for shape %s",
					s, i, meta.Shape)
			}
		}
	}
	return &Spec{mesh: m, placements: slices.Clone(placements), meta: meta}, nil
}

// Mesh returns the spec's device mesh.
func (s *Spec) Mesh() *mesh.DeviceMesh { return s.mesh }

// Placements returns a copy of the per-mesh-dim placements.
func (s *Spec) Placements() []Placement { return slices.Clone(s.placements) }

// Placement returns the placement of the given mesh dimension.
func (s *Spec) Placement(meshDim int) Placement { return s.placements[meshDim] }

// Meta returns the logical tensor metadata.
func (s *Spec) Meta() TensorMeta {
	return TensorMeta{Shape: s.meta.Shape.Clone(), Strides: slices.Clone(s.meta.Strides)}
}

// Dimensions returns a copy of the logical tensor's dimensions.
func (s *Spec) Dimensions() []int { return slices.Clone(s.meta.Shape.Dimensions) }

// NumShards returns the number of shards the spec splits the tensor into: the
// product of the mesh sizes of every sharding mesh dimension.
func (s *Spec) NumShards() int {
	num := 1
	for i, p := range s.placements {
		if p.IsShard() {
			num *= s.mesh.DimSize(i)
		}
	}
	return num
}

// LocalShape returns the shape of the local shard held by the worker at the
// given mesh coordinates: the logical shape with every sharding mesh dimension
// applied in mesh-dimension order (nested shardings compound).
func (s *Spec) LocalShape(coords []int) ([]int, error) {
	if len(coords) != s.mesh.Rank() {
		return nil, specInvariantErrorf("got %d coordinates for a mesh of %d dimensions",
			len(coords), s.mesh.Rank())
	}
	local := s.Dimensions()
	for i, p := range s.placements {
		if shard, ok := p.(Shard); ok {
			local[shard.Dim], _ = LocalShardSizeOnDim(local[shard.Dim], s.mesh.DimSize(i), coords[i])
		}
	}
	return local, nil
}

// Equal compares mesh (structurally), placements and metadata.
func (s *Spec) Equal(other *Spec) bool {
	if s == other {
		return true
	}
	if s == nil || other == nil {
		return false
	}
	return s.mesh.Equal(other.mesh) &&
		placementsEqual(s.placements, other.placements) &&
		s.meta.Equal(other.meta)
}

// String implements the fmt.Stringer interface.
// E.g.: "Spec((Float32)[8 4], (S(0), R))".
func (s *Spec) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Spec(%s, %s)", s.meta.Shape, placementsString(s.placements))
	return sb.String()
}
