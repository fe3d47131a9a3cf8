// Package collectives defines the typed interface through which the
// redistribution engine consumes low-level collective communication
// primitives (all-gather, reduce-scatter, all-reduce, all-to-all, broadcast).
//
// The engine never implements these primitives: a Backend supplies a Comm per
// communicating group, and every collective returns a possibly-lazy Future.
// In an SPMD setup the members of a group must issue the same collectives in
// the same order -- the redistribution planner guarantees this by emitting
// identical plans on every worker.
package collectives

import (
	"sync"

	"github.com/gomlx/dtensor/types/tensor"
)

// Future is a possibly-lazy tensor resulting from a collective. Wait blocks
// until the value is available; it can be called multiple times.
type Future interface {
	Wait() (*tensor.Tensor, error)
}

// Comm is a communicator over one group of devices -- for redistribution, the
// devices spanned by one mesh dimension. Rank is this worker's position within
// the group (its mesh coordinate along the dimension), Size the group size.
//
// Operands are the worker's local contribution; collectives that depend on
// chunk equality (gather, scatter, all-to-all) require every member to
// contribute the same shape.
type Comm interface {
	Rank() int
	Size() int

	// AllGather concatenates every member's operand along gatherDim, in rank
	// order. Every member receives the concatenation.
	AllGather(operand *tensor.Tensor, gatherDim int) Future

	// ReduceScatter reduces every member's operand with op and scatters the
	// result: member k receives the k-th of Size equal chunks along scatterDim.
	ReduceScatter(operand *tensor.Tensor, op ReduceOp, scatterDim int) Future

	// AllReduce reduces every member's operand with op; every member receives
	// the full result.
	AllReduce(operand *tensor.Tensor, op ReduceOp) Future

	// AllToAll splits every member's operand into Size equal chunks along
	// splitDim, sends chunk k to member k, and concatenates the received
	// chunks along concatDim in rank order.
	AllToAll(operand *tensor.Tensor, splitDim, concatDim int) Future

	// Broadcast distributes the root member's operand to every member.
	Broadcast(operand *tensor.Tensor, root int) Future
}

// Backend creates communicators. The ranks are the device ranks of the group
// members in group order; rank is this worker's position within that slice.
type Backend interface {
	NewComm(ranks []int, rank int) (Comm, error)
}

type readyFuture struct {
	t *tensor.Tensor
}

func (f readyFuture) Wait() (*tensor.Tensor, error) { return f.t, nil }

// Ready wraps an already-materialized tensor as a Future.
func Ready(t *tensor.Tensor) Future { return readyFuture{t} }

type failedFuture struct {
	err error
}

func (f failedFuture) Wait() (*tensor.Tensor, error) { return nil, f.err }

// Fail wraps an error as a Future that fails on Wait.
func Fail(err error) Future { return failedFuture{err} }

type lazyFuture struct {
	once sync.Once
	prev Future
	fn   func(*tensor.Tensor) (*tensor.Tensor, error)
	t    *tensor.Tensor
	err  error
}

func (f *lazyFuture) Wait() (*tensor.Tensor, error) {
	f.once.Do(func() {
		var t *tensor.Tensor
		t, f.err = f.prev.Wait()
		if f.err != nil {
			return
		}
		f.t, f.err = f.fn(t)
	})
	return f.t, f.err
}

// Then chains a local transformation after a Future. The transformation runs
// lazily, on the first Wait, and exactly once.
func Then(f Future, fn func(*tensor.Tensor) (*tensor.Tensor, error)) Future {
	return &lazyFuture{prev: f, fn: fn}
}
