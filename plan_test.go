package dtensor

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gomlx/dtensor/backends/loopback"
	"github.com/gomlx/dtensor/types/mesh"
)

// stepHead is the per-worker-invariant part of a TransformStep.
type stepHead struct {
	meshDim  int
	from, to Placement
}

func heads(steps []TransformStep) []stepHead {
	hs := make([]stepHead, len(steps))
	for i, s := range steps {
		hs[i] = stepHead{s.MeshDim, s.From, s.To}
	}
	return hs
}

// planMesh returns the mesh bound to the given worker of a fresh loopback
// world. The planner only needs the worker's coordinates; no collective is
// issued.
func planMesh(t *testing.T, sizes []int, names []string, rank int) *mesh.DeviceMesh {
	t.Helper()
	m := testMesh(t, sizes, names)
	numDevices := 1
	for _, s := range sizes {
		numDevices *= s
	}
	world, err := loopback.NewWorld(numDevices)
	require.NoError(t, err)
	bound, err := m.WithCollectives(world.Backend(rank), rank)
	require.NoError(t, err)
	return bound
}

func TestPlan_FastPath1D(t *testing.T) {
	m := planMesh(t, []int{4}, []string{"x"}, 1)
	src := testSpec(t, m, []int{8}, Shard{Dim: 0})
	dst := testSpec(t, m, []int{8}, Replicate{})

	steps, err := Plan(src, dst)
	require.NoError(t, err)
	require.Equal(t, []stepHead{{0, Shard{Dim: 0}, Replicate{}}}, heads(steps))
	require.Equal(t, []int{8}, steps[0].LogicalShape)

	// Identity still yields the single direct step; the executor skips it.
	steps, err = Plan(src, src)
	require.NoError(t, err)
	require.Equal(t, []stepHead{{0, Shard{Dim: 0}, Shard{Dim: 0}}}, heads(steps))
}

func TestPlan_Identity2D(t *testing.T) {
	m := planMesh(t, []int{2, 2}, []string{"x", "y"}, 0)
	s := testSpec(t, m, []int{8}, Shard{Dim: 0}, Replicate{})
	steps, err := Plan(s, s)
	require.NoError(t, err)
	require.Empty(t, steps)
}

func TestPlan_NestedSharding(t *testing.T) {
	// (S(0), S(0)) -> (R, S(0)) on a 2x2 mesh: the inner nested shard must be
	// replicated first, then the outer shard, then the target resharding.
	for rank := 0; rank < 4; rank++ {
		m := planMesh(t, []int{2, 2}, []string{"x", "y"}, rank)
		src := testSpec(t, m, []int{4, 4}, Shard{Dim: 0}, Shard{Dim: 0})
		dst := testSpec(t, m, []int{4, 4}, Replicate{}, Shard{Dim: 0})

		steps, err := Plan(src, dst)
		require.NoError(t, err)
		require.Equal(t, []stepHead{
			{1, Shard{Dim: 0}, Replicate{}},
			{0, Shard{Dim: 0}, Replicate{}},
			{1, Replicate{}, Shard{Dim: 0}},
		}, heads(steps), "rank %d", rank)

		// The inner step sees the subtensor left by the outer sharding.
		require.Equal(t, []int{2, 4}, steps[0].LogicalShape)
		require.Equal(t, []int{4, 4}, steps[1].LogicalShape)
		require.Equal(t, []int{2, 4}, steps[2].LogicalShape)
	}
}

func TestPlan_ReplicateSwap(t *testing.T) {
	// (R, S(0)) -> (S(0), R): unshard the inner dim, then shard the outer.
	m := planMesh(t, []int{2, 2}, []string{"x", "y"}, 3)
	src := testSpec(t, m, []int{8}, Replicate{}, Shard{Dim: 0})
	dst := testSpec(t, m, []int{8}, Shard{Dim: 0}, Replicate{})

	steps, err := Plan(src, dst)
	require.NoError(t, err)
	require.Equal(t, []stepHead{
		{1, Shard{Dim: 0}, Replicate{}},
		{0, Replicate{}, Shard{Dim: 0}},
	}, heads(steps))
}

func TestPlan_Deterministic(t *testing.T) {
	m := planMesh(t, []int{2, 2}, []string{"x", "y"}, 2)
	src := testSpec(t, m, []int{6, 4}, Shard{Dim: 0}, Shard{Dim: 1})
	dst := testSpec(t, m, []int{6, 4}, Replicate{}, Shard{Dim: 0})

	first, err := Plan(src, dst)
	require.NoError(t, err)
	second, err := Plan(src, dst)
	require.NoError(t, err)
	require.True(t, reflect.DeepEqual(first, second))
}

func TestPlan_GlobalConsistency(t *testing.T) {
	// Every worker must produce the same (mesh dim, from, to) sequence; only
	// logical shapes may differ. Sweep a few redistributions on a 2x3 mesh
	// with an unevenly divided tensor.
	redistributions := []struct {
		name     string
		src, dst []Placement
	}{
		{"nested to outer", []Placement{Shard{Dim: 0}, Shard{Dim: 0}}, []Placement{Replicate{}, Shard{Dim: 0}}},
		{"swap dims", []Placement{Shard{Dim: 0}, Shard{Dim: 1}}, []Placement{Shard{Dim: 1}, Shard{Dim: 0}}},
		{"partial to shards", []Placement{Partial{}, Partial{}}, []Placement{Shard{Dim: 0}, Shard{Dim: 1}}},
		{"gather all", []Placement{Shard{Dim: 1}, Shard{Dim: 1}}, []Placement{Replicate{}, Replicate{}}},
	}
	for _, tc := range redistributions {
		t.Run(tc.name, func(t *testing.T) {
			var reference []stepHead
			for rank := 0; rank < 6; rank++ {
				m := planMesh(t, []int{2, 3}, []string{"x", "y"}, rank)
				src := testSpec(t, m, []int{7, 5}, tc.src...)
				dst := testSpec(t, m, []int{7, 5}, tc.dst...)
				steps, err := Plan(src, dst)
				require.NoError(t, err)
				if rank == 0 {
					reference = heads(steps)
					continue
				}
				require.Equal(t, reference, heads(steps), "rank %d diverged", rank)
			}
		})
	}
}

func TestPlan_CrossMesh(t *testing.T) {
	a := planMesh(t, []int{2}, []string{"x"}, 0)
	b := testMesh(t, []int{2}, []string{"other"})
	src := testSpec(t, a, []int{8}, Shard{Dim: 0})
	dst := testSpec(t, b, []int{8}, Replicate{})

	_, err := Plan(src, dst)
	require.ErrorIs(t, err, ErrCrossMesh)
}

func TestPlan_MismatchedShapes(t *testing.T) {
	m := planMesh(t, []int{2}, []string{"x"}, 0)
	src := testSpec(t, m, []int{8}, Shard{Dim: 0})
	dst := testSpec(t, m, []int{6}, Replicate{})

	_, err := Plan(src, dst)
	var invariantErr *SpecInvariantError
	require.ErrorAs(t, err, &invariantErr)
}

func TestPlan_UnboundMesh(t *testing.T) {
	m := testMesh(t, []int{2}, []string{"x"})
	src := testSpec(t, m, []int{8}, Shard{Dim: 0})
	dst := testSpec(t, m, []int{8}, Replicate{})

	_, err := Plan(src, dst)
	var invariantErr *SpecInvariantError
	require.ErrorAs(t, err, &invariantErr)
}

func TestReshardableFromSrcToDst(t *testing.T) {
	testCases := []struct {
		name    string
		current []Placement
		target  []Placement
		meshDim int
		want    bool
	}{
		{
			name:    "outer nested shard is blocked",
			current: []Placement{Shard{Dim: 0}, Shard{Dim: 0}},
			target:  []Placement{Replicate{}, Shard{Dim: 0}},
			meshDim: 0,
			want:    false,
		},
		{
			name:    "innermost shard with misaligned target is blocked",
			current: []Placement{Shard{Dim: 0}, Shard{Dim: 0}},
			target:  []Placement{Replicate{}, Shard{Dim: 0}},
			meshDim: 1,
			want:    false, // target sharding misaligned with current outer shard
		},
		{
			name:    "aligned target sharding",
			current: []Placement{Shard{Dim: 0}, Replicate{}},
			target:  []Placement{Shard{Dim: 0}, Shard{Dim: 0}},
			meshDim: 1,
			want:    true,
		},
		{
			name:    "non-shard target is always fine for innermost",
			current: []Placement{Replicate{}, Shard{Dim: 1}},
			target:  []Placement{Replicate{}, Replicate{}},
			meshDim: 1,
			want:    true,
		},
		{
			name:    "different tensor dims do not interact",
			current: []Placement{Shard{Dim: 0}, Replicate{}},
			target:  []Placement{Shard{Dim: 0}, Shard{Dim: 1}},
			meshDim: 1,
			want:    true,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, reshardableFromSrcToDst(tc.current, tc.target, tc.meshDim))
		})
	}
}
