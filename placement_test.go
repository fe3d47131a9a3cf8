package dtensor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gomlx/dtensor/types/collectives"
	"github.com/gomlx/dtensor/types/tensor"
)

func TestPlacementPredicates(t *testing.T) {
	testCases := []struct {
		placement   Placement
		isReplicate bool
		isShard     bool
		isPartial   bool
		str         string
	}{
		{Replicate{}, true, false, false, "R"},
		{Shard{Dim: 0}, false, true, false, "S(0)"},
		{Shard{Dim: 2}, false, true, false, "S(2)"},
		{Partial{}, false, false, true, "P(sum)"},
		{Partial{Op: collectives.ReduceMax}, false, false, true, "P(max)"},
	}
	for _, tc := range testCases {
		t.Run(tc.str, func(t *testing.T) {
			require.Equal(t, tc.isReplicate, tc.placement.IsReplicate())
			require.Equal(t, tc.isShard, tc.placement.IsShard())
			require.Equal(t, tc.isPartial, tc.placement.IsPartial())
			require.Equal(t, tc.str, tc.placement.String())
		})
	}

	require.True(t, Shard{Dim: 1}.IsShardOf(1))
	require.False(t, Shard{Dim: 1}.IsShardOf(0))
	require.False(t, Replicate{}.IsShardOf(0))
	require.False(t, Partial{}.IsShardOf(0))

	// Placements are plain values: == compares structurally.
	require.True(t, Placement(Shard{Dim: 1}) == Placement(Shard{Dim: 1}))
	require.False(t, Placement(Shard{Dim: 1}) == Placement(Shard{Dim: 2}))
	require.True(t, Placement(Partial{}) == Placement(Partial{Op: collectives.ReduceSum}))
}

func TestLocalShardSizeOnDim(t *testing.T) {
	testCases := []struct {
		name      string
		size      int
		numChunks int
		wantSizes []int
		wantPads  []int
	}{
		{"even", 8, 4, []int{2, 2, 2, 2}, []int{0, 0, 0, 0}},
		{"uneven", 7, 3, []int{3, 2, 2}, []int{0, 1, 1}},
		{"one short tail", 5, 2, []int{3, 2}, []int{0, 1}},
		{"empty tail chunks", 2, 4, []int{1, 1, 0, 0}, []int{0, 0, 1, 1}},
		{"single chunk", 5, 1, []int{5}, []int{0}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			for coord := 0; coord < tc.numChunks; coord++ {
				local, pad := LocalShardSizeOnDim(tc.size, tc.numChunks, coord)
				require.Equal(t, tc.wantSizes[coord], local, "size of chunk %d", coord)
				require.Equal(t, tc.wantPads[coord], pad, "pad of chunk %d", coord)
			}
			require.Equal(t, tc.wantSizes, shardSizes(tc.size, tc.numChunks))

			// Chunks tile the dimension.
			total := 0
			for coord := 0; coord < tc.numChunks; coord++ {
				require.Equal(t, total, shardOffset(tc.size, tc.numChunks, coord))
				total += tc.wantSizes[coord]
			}
			require.Equal(t, tc.size, total)
		})
	}
}

func TestPadUnpadShards(t *testing.T) {
	// 7 elements over 3 chunks: [1 2 3 | 4 5 | 6 7] padded to even chunks of 3.
	original, err := tensor.FromValue([]float32{1, 2, 3, 4, 5, 6, 7})
	require.NoError(t, err)

	padded, err := padShards(original, 0, 3)
	require.NoError(t, err)
	wantPadded, err := tensor.FromValue([]float32{1, 2, 3, 4, 5, 0, 6, 7, 0})
	require.NoError(t, err)
	require.True(t, padded.Equal(wantPadded), "padShards() = %v", padded.Flat())

	unpadded, err := unpadShards(padded, 0, 3, 7)
	require.NoError(t, err)
	require.True(t, unpadded.Equal(original), "unpadShards() = %v", unpadded.Flat())

	// Even division is the identity.
	even, err := tensor.FromValue([]float32{1, 2, 3, 4})
	require.NoError(t, err)
	same, err := padShards(even, 0, 2)
	require.NoError(t, err)
	require.Same(t, even, same)
	same, err = unpadShards(even, 0, 2, 4)
	require.NoError(t, err)
	require.Same(t, even, same)

	_, err = unpadShards(even, 0, 3, 7)
	require.Error(t, err)
}

func TestReplicateToShard(t *testing.T) {
	replicated, err := tensor.FromValue([]float32{1, 2, 3, 4, 5, 6, 7})
	require.NoError(t, err)
	wantChunks := [][]float32{{1, 2, 3}, {4, 5}, {6, 7}}
	for coord, want := range wantChunks {
		got, err := Shard{Dim: 0}.replicateToShard(replicated, 3, coord)
		require.NoError(t, err)
		wantTensor, err := tensor.FromValue(want)
		require.NoError(t, err)
		require.True(t, got.Equal(wantTensor), "chunk %d = %v, want %v", coord, got.Flat(), want)
	}
}

func TestPartitionValue(t *testing.T) {
	replicated, err := tensor.FromValue([]float32{2, 4, 8})
	require.NoError(t, err)

	partial, err := Partial{}.partitionValue(replicated, 2)
	require.NoError(t, err)
	want, err := tensor.FromValue([]float32{1, 2, 4})
	require.NoError(t, err)
	require.True(t, partial.Equal(want))

	_, err = Partial{Op: collectives.ReduceMax}.partitionValue(replicated, 2)
	require.Error(t, err)
}
