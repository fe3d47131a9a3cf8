package dtensor

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/gomlx/dtensor/types/collectives"
	"github.com/gomlx/dtensor/types/tensor"
)

// Placement describes how one mesh dimension partitions a tensor. It is a
// tagged variant with three cases -- Replicate, Shard and Partial -- all plain
// comparable values, so two placements can be compared with ==.
type Placement interface {
	IsReplicate() bool
	IsShard() bool
	// IsShardOf returns whether the placement is Shard of the given tensor
	// dimension.
	IsShardOf(dim int) bool
	IsPartial() bool
	fmt.Stringer

	isPlacement()
}

// Replicate places the full tensor on every worker along the mesh dimension.
type Replicate struct{}

func (Replicate) IsReplicate() bool { return true }
func (Replicate) IsShard() bool { return false }
func (Replicate) IsShardOf(int) bool { return false }
func (Replicate) IsPartial() bool { return false }
func (Replicate) String() string { return "R" }
func (Replicate) isPlacement() {}

// Shard splits the tensor along tensor dimension Dim into meshSize contiguous
// chunks; the worker at coordinate k holds chunk k. When the dimension does
// not divide evenly, the first size%meshSize workers hold the ceil-division
// chunk size and the rest the floor size; a worker whose chunk would be empty
// holds a zero-length chunk but remains a participant.
type Shard struct {
	Dim int
}

func (Shard) IsReplicate() bool { return false }
func (Shard) IsShard() bool { return true }
func (s Shard) IsShardOf(dim int) bool { return s.Dim == dim }
func (Shard) IsPartial() bool { return false }
func (s Shard) String() string { return fmt.Sprintf("S(%d)", s.Dim) }
func (Shard) isPlacement() {}

// Partial places a full-shape tensor on every worker along the mesh dimension;
// the logical value is the Op-reduction across workers. The zero value reduces
// with sum.
type Partial struct {
	Op collectives.ReduceOp
}

func (Partial) IsReplicate() bool { return false }
func (Partial) IsShard() bool { return false }
func (Partial) IsShardOf(int) bool { return false }
func (Partial) IsPartial() bool { return true }
func (p Partial) String() string { return fmt.Sprintf("P(%s)", p.Op) }
func (Partial) isPlacement() {}

func placementsString(placements []Placement) string {
	parts := make([]string, len(placements))
	for i, p := range placements {
		parts[i] = p.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func placementsEqual(a, b []Placement) bool {
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

// LocalShardSizeOnDim returns the chunk size held by coord when size elements
// are split into numChunks contiguous chunks, and the padding needed to bring
// that chunk up to the even ceil-division chunk size.
func LocalShardSizeOnDim(size, numChunks, coord int) (local, pad int) {
	base := size / numChunks
	rem := size % numChunks
	local = base
	if coord < rem {
		local++
	}
	full := base
	if rem > 0 {
		full++
	}
	return local, full - local
}

// shardSizes returns the chunk size of every coordinate.
func shardSizes(size, numChunks int) []int {
	sizes := make([]int, numChunks)
	for k := range sizes {
		sizes[k], _ = LocalShardSizeOnDim(size, numChunks, k)
	}
	return sizes
}

// shardOffset returns the start of coord's chunk within the logical dimension.
func shardOffset(size, numChunks, coord int) int {
	offset := 0
	for k := 0; k < coord; k++ {
		chunk, _ := LocalShardSizeOnDim(size, numChunks, k)
		offset += chunk
	}
	return offset
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// padShards pads a full-logical tensor for an even split into numChunks along
// dim: each chunk is padded to the ceil-division chunk size, so chunk k starts
// at k*ceil. Identity when the dimension divides evenly.
func padShards(t *tensor.Tensor, dim, numChunks int) (*tensor.Tensor, error) {
	size := t.Dim(dim)
	if size%numChunks == 0 {
		return t, nil
	}
	full := ceilDiv(size, numChunks)
	sizes := shardSizes(size, numChunks)
	padded := make([]*tensor.Tensor, numChunks)
	offset := 0
	for k, chunkSize := range sizes {
		chunk, err := tensor.Narrow(t, dim, offset, chunkSize)
		if err != nil {
			return nil, err
		}
		padded[k], err = tensor.Pad(chunk, dim, full-chunkSize)
		if err != nil {
			return nil, err
		}
		offset += chunkSize
	}
	return tensor.Concat(dim, padded...)
}

// unpadShards undoes the even-chunk padding after a gather: the tensor holds
// numChunks ceil-division chunks along dim; each is narrowed back to its true
// size so the dimension ends up at logicalSize. Identity when logicalSize
// divides evenly.
func unpadShards(t *tensor.Tensor, dim, numChunks, logicalSize int) (*tensor.Tensor, error) {
	full := ceilDiv(logicalSize, numChunks)
	if full*numChunks == logicalSize {
		return t, nil
	}
	if t.Dim(dim) != full*numChunks {
		return nil, errors.Errorf("unpadding dimension %d of size %d, expected %d chunks of %d",
			dim, t.Dim(dim), numChunks, full)
	}
	sizes := shardSizes(logicalSize, numChunks)
	chunks := make([]*tensor.Tensor, numChunks)
	for k, chunkSize := range sizes {
		var err error
		chunks[k], err = tensor.Narrow(t, dim, k*full, chunkSize)
		if err != nil {
			return nil, err
		}
	}
	return tensor.Concat(dim, chunks...)
}

// toReplicate gathers the shards along the communicator into the full logical
// dimension: pad to the even chunk size, all-gather, crop the padding back out.
func (s Shard) toReplicate(local *tensor.Tensor, comm collectives.Comm, logicalShape []int) collectives.Future {
	numChunks := comm.Size()
	logicalSize := logicalShape[s.Dim]
	full := ceilDiv(logicalSize, numChunks)
	if pad := full - local.Dim(s.Dim); pad > 0 {
		var err error
		local, err = tensor.Pad(local, s.Dim, pad)
		if err != nil {
			return collectives.Fail(err)
		}
	}
	fut := comm.AllGather(local, s.Dim)
	if full*numChunks == logicalSize {
		return fut
	}
	return collectives.Then(fut, func(t *tensor.Tensor) (*tensor.Tensor, error) {
		return unpadShards(t, s.Dim, numChunks, logicalSize)
	})
}

// replicateToShard selects this worker's chunk out of a replicated tensor: a
// contiguous slice along the shard dimension, no communication.
func (s Shard) replicateToShard(local *tensor.Tensor, numChunks, coord int) (*tensor.Tensor, error) {
	size := local.Dim(s.Dim)
	chunk, _ := LocalShardSizeOnDim(size, numChunks, coord)
	return tensor.Narrow(local, s.Dim, shardOffset(size, numChunks, coord), chunk)
}

// toNewShardDim resplits a shard from tensor dimension s.Dim to newDim with a
// single all-to-all. Both dimensions are padded to their even chunk sizes
// before the collective and cropped after.
func (s Shard) toNewShardDim(local *tensor.Tensor, comm collectives.Comm, logicalShape []int, newDim int) collectives.Future {
	numChunks := comm.Size()
	coord := comm.Rank()
	oldSize := logicalShape[s.Dim]
	newSize := logicalShape[newDim]
	oldFull := ceilDiv(oldSize, numChunks)

	t := local
	var err error
	if pad := oldFull - t.Dim(s.Dim); pad > 0 {
		t, err = tensor.Pad(t, s.Dim, pad)
		if err != nil {
			return collectives.Fail(err)
		}
	}
	t, err = padShards(t, newDim, numChunks)
	if err != nil {
		return collectives.Fail(err)
	}

	fut := comm.AllToAll(t, newDim, s.Dim)
	return collectives.Then(fut, func(t *tensor.Tensor) (*tensor.Tensor, error) {
		t, err := unpadShards(t, s.Dim, numChunks, oldSize)
		if err != nil {
			return nil, err
		}
		localNew, _ := LocalShardSizeOnDim(newSize, numChunks, coord)
		if localNew == t.Dim(newDim) {
			return t, nil
		}
		return tensor.Narrow(t, newDim, 0, localNew)
	})
}

// reduceValue reduces the partial values across the communicator; every worker
// receives the full reduction.
func (p Partial) reduceValue(local *tensor.Tensor, comm collectives.Comm) collectives.Future {
	return comm.AllReduce(local, p.Op)
}

// reduceShardValue reduces the partial values and leaves each worker with its
// shard along target.Dim: pad to even chunks, reduce-scatter, crop the chunk.
func (p Partial) reduceShardValue(local *tensor.Tensor, comm collectives.Comm, target Shard) collectives.Future {
	numChunks := comm.Size()
	coord := comm.Rank()
	logicalSize := local.Dim(target.Dim)
	padded, err := padShards(local, target.Dim, numChunks)
	if err != nil {
		return collectives.Fail(err)
	}
	fut := comm.ReduceScatter(padded, p.Op, target.Dim)
	chunk, pad := LocalShardSizeOnDim(logicalSize, numChunks, coord)
	if pad == 0 {
		return fut
	}
	return collectives.Then(fut, func(t *tensor.Tensor) (*tensor.Tensor, error) {
		return tensor.Narrow(t, target.Dim, 0, chunk)
	})
}

// partitionValue turns a replicated tensor into one partial contribution, so
// that the reduction across workers restores the replicated value. Only
// defined for sum: every worker keeps local/numChunks.
func (p Partial) partitionValue(local *tensor.Tensor, numChunks int) (*tensor.Tensor, error) {
	if p.Op != collectives.ReduceSum {
		return nil, errors.Errorf("partitioning a replicated tensor into Partial(%s) is not defined", p.Op)
	}
	return tensor.Scale(local, 1/float64(numChunks))
}
