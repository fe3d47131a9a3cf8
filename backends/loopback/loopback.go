// Package loopback implements an in-process collectives.Backend for a world
// of workers driven from goroutines of a single process.
//
// Every collective is a rendezvous: the members of a group publish their local
// tensor under a (group, op, sequence) key and block until the group is
// complete; each member then computes its own result locally -- a gather is a
// concatenation in rank order, a reduction a fold, an all-to-all a split and
// regroup. Collectives therefore complete at issue time and the returned
// futures are always ready.
//
// As with any SPMD collective fabric, the members of a group must issue the
// same collectives in the same order; a diverging member blocks its group
// forever.
package loopback

import (
	"fmt"
	"slices"
	"sync"

	"github.com/pkg/errors"

	"github.com/gomlx/dtensor/types/collectives"
	"github.com/gomlx/dtensor/types/tensor"
)

// World is the shared fabric connecting the workers of one process-local
// device group. It is safe for concurrent use from all worker goroutines.
type World struct {
	numDevices int

	mu        sync.Mutex
	exchanges map[string]*exchange
}

type exchange struct {
	vals    []*tensor.Tensor
	arrived int
	read    int
	done    chan struct{}
}

// NewWorld creates a fabric for numDevices workers with device ranks
// 0..numDevices-1.
func NewWorld(numDevices int) (*World, error) {
	if numDevices <= 0 {
		return nil, errors.Errorf("loopback world needs a positive number of devices, got %d", numDevices)
	}
	return &World{
		numDevices: numDevices,
		exchanges:  make(map[string]*exchange),
	}, nil
}

// NumDevices returns the number of workers in the world.
func (w *World) NumDevices() int { return w.numDevices }

// Backend returns the collectives backend for the worker with the given
// device rank.
func (w *World) Backend(deviceRank int) collectives.Backend {
	return &backend{world: w, deviceRank: deviceRank}
}

type backend struct {
	world      *World
	deviceRank int
}

func (b *backend) NewComm(ranks []int, rank int) (collectives.Comm, error) {
	if rank < 0 || rank >= len(ranks) {
		return nil, errors.Errorf("rank %d out of bounds for a group of %d members", rank, len(ranks))
	}
	if ranks[rank] != b.deviceRank {
		return nil, errors.Errorf("group position %d holds device rank %d, but this backend is device rank %d",
			rank, ranks[rank], b.deviceRank)
	}
	for _, r := range ranks {
		if r < 0 || r >= b.world.numDevices {
			return nil, errors.Errorf("device rank %d out of bounds for a world of %d devices", r, b.world.numDevices)
		}
	}
	return &comm{world: b.world, ranks: slices.Clone(ranks), pos: rank}, nil
}

type comm struct {
	world *World
	ranks []int
	pos   int

	mu  sync.Mutex
	seq int
}

func (c *comm) Rank() int { return c.pos }
func (c *comm) Size() int { return len(c.ranks) }

// rendezvous publishes this member's contribution and blocks until every
// group member has contributed, returning all contributions in group order.
// The exchange entry is released once every member has read it.
func (c *comm) rendezvous(op string, t *tensor.Tensor) ([]*tensor.Tensor, error) {
	c.mu.Lock()
	seq := c.seq
	c.seq++
	c.mu.Unlock()
	key := fmt.Sprintf("%v|%s|%d", c.ranks, op, seq)

	n := len(c.ranks)
	w := c.world
	w.mu.Lock()
	ex := w.exchanges[key]
	if ex == nil {
		ex = &exchange{vals: make([]*tensor.Tensor, n), done: make(chan struct{})}
		w.exchanges[key] = ex
	}
	if ex.vals[c.pos] != nil {
		w.mu.Unlock()
		return nil, errors.Errorf("loopback: duplicate contribution to %s from group position %d", key, c.pos)
	}
	ex.vals[c.pos] = t
	ex.arrived++
	if ex.arrived == n {
		close(ex.done)
	}
	w.mu.Unlock()

	<-ex.done

	w.mu.Lock()
	ex.read++
	if ex.read == n {
		delete(w.exchanges, key)
	}
	w.mu.Unlock()
	return ex.vals, nil
}

// reduce folds the contributions elementwise with op.
func reduce(vals []*tensor.Tensor, op collectives.ReduceOp) (*tensor.Tensor, error) {
	var combine func(a, b *tensor.Tensor) (*tensor.Tensor, error)
	switch op {
	case collectives.ReduceSum, collectives.ReduceAvg:
		combine = tensor.Add
	case collectives.ReduceProduct:
		combine = tensor.Mul
	case collectives.ReduceMax:
		combine = tensor.Maximum
	case collectives.ReduceMin:
		combine = tensor.Minimum
	default:
		return nil, errors.Errorf("loopback: reduce op %s not supported", op)
	}
	acc := vals[0]
	for _, v := range vals[1:] {
		var err error
		acc, err = combine(acc, v)
		if err != nil {
			return nil, err
		}
	}
	if op == collectives.ReduceAvg {
		return tensor.Scale(acc, 1/float64(len(vals)))
	}
	if acc == vals[0] {
		// Single-member group: don't alias the contribution.
		acc = acc.Clone()
	}
	return acc, nil
}

func (c *comm) AllGather(operand *tensor.Tensor, gatherDim int) collectives.Future {
	vals, err := c.rendezvous("all_gather", operand)
	if err != nil {
		return collectives.Fail(err)
	}
	result, err := tensor.Concat(gatherDim, vals...)
	if err != nil {
		return collectives.Fail(err)
	}
	return collectives.Ready(result)
}

func (c *comm) ReduceScatter(operand *tensor.Tensor, op collectives.ReduceOp, scatterDim int) collectives.Future {
	vals, err := c.rendezvous("reduce_scatter", operand)
	if err != nil {
		return collectives.Fail(err)
	}
	reduced, err := reduce(vals, op)
	if err != nil {
		return collectives.Fail(err)
	}
	chunks, err := tensor.Split(reduced, scatterDim, len(c.ranks))
	if err != nil {
		return collectives.Fail(err)
	}
	return collectives.Ready(chunks[c.pos])
}

func (c *comm) AllReduce(operand *tensor.Tensor, op collectives.ReduceOp) collectives.Future {
	vals, err := c.rendezvous("all_reduce", operand)
	if err != nil {
		return collectives.Fail(err)
	}
	result, err := reduce(vals, op)
	if err != nil {
		return collectives.Fail(err)
	}
	return collectives.Ready(result)
}

func (c *comm) AllToAll(operand *tensor.Tensor, splitDim, concatDim int) collectives.Future {
	vals, err := c.rendezvous("all_to_all", operand)
	if err != nil {
		return collectives.Fail(err)
	}
	mine := make([]*tensor.Tensor, len(vals))
	for j, v := range vals {
		pieces, err := tensor.Split(v, splitDim, len(c.ranks))
		if err != nil {
			return collectives.Fail(err)
		}
		mine[j] = pieces[c.pos]
	}
	result, err := tensor.Concat(concatDim, mine...)
	if err != nil {
		return collectives.Fail(err)
	}
	return collectives.Ready(result)
}

func (c *comm) Broadcast(operand *tensor.Tensor, root int) collectives.Future {
	if root < 0 || root >= len(c.ranks) {
		return collectives.Fail(errors.Errorf("loopback: broadcast root %d out of bounds for a group of %d members",
			root, len(c.ranks)))
	}
	vals, err := c.rendezvous("broadcast", operand)
	if err != nil {
		return collectives.Fail(err)
	}
	return collectives.Ready(vals[root].Clone())
}
