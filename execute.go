package dtensor

import (
	"github.com/pkg/errors"

	"github.com/gomlx/dtensor/types/collectives"
	"github.com/gomlx/dtensor/types/mesh"
	"github.com/gomlx/dtensor/types/tensor"
)

type options struct {
	asyncOp  bool
	backward bool
}

// Option configures a redistribution call.
type Option func(*options)

// WithAsyncOp makes the call return without waiting on the final collective:
// the resulting DTensor materializes its local tensor lazily, on first use.
func WithAsyncOp() Option {
	return func(o *options) { o.asyncOp = true }
}

// WithBackward executes the plan under the gradient (transpose) rules:
// Replicate -> Partial becomes the identity (the gradient stays replicated
// rather than paying a later redundant reduction) and Shard -> Partial is
// permitted, lowered to an all-gather.
func WithBackward() Option {
	return func(o *options) { o.backward = true }
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// checkedFuture tags failures from the collective layer as CollectiveError.
type checkedFuture struct {
	inner collectives.Future
}

func (f checkedFuture) Wait() (*tensor.Tensor, error) {
	t, err := f.inner.Wait()
	if err != nil {
		return nil, errors.WithStack(&CollectiveError{Underlying: err})
	}
	return t, nil
}

// checkedComm wraps a communicator so that every collective failure surfaces
// as a CollectiveError.
type checkedComm struct {
	collectives.Comm
}

func (c checkedComm) AllGather(operand *tensor.Tensor, gatherDim int) collectives.Future {
	return checkedFuture{c.Comm.AllGather(operand, gatherDim)}
}

func (c checkedComm) ReduceScatter(operand *tensor.Tensor, op collectives.ReduceOp, scatterDim int) collectives.Future {
	return checkedFuture{c.Comm.ReduceScatter(operand, op, scatterDim)}
}

func (c checkedComm) AllReduce(operand *tensor.Tensor, op collectives.ReduceOp) collectives.Future {
	return checkedFuture{c.Comm.AllReduce(operand, op)}
}

func (c checkedComm) AllToAll(operand *tensor.Tensor, splitDim, concatDim int) collectives.Future {
	return checkedFuture{c.Comm.AllToAll(operand, splitDim, concatDim)}
}

func (c checkedComm) Broadcast(operand *tensor.Tensor, root int) collectives.Future {
	return checkedFuture{c.Comm.Broadcast(operand, root)}
}

// Execute walks the plan in order, invoking for each step the appropriate
// collective (or local selection) on the local shard, and waits for the final
// result. Workers outside the mesh return their input unchanged.
func Execute(local *tensor.Tensor, steps []TransformStep, m *mesh.DeviceMesh, opts ...Option) (*tensor.Tensor, error) {
	fut, err := executeSteps(local, steps, m, buildOptions(opts))
	if err != nil {
		return nil, err
	}
	return fut.Wait()
}

func executeSteps(local *tensor.Tensor, steps []TransformStep, m *mesh.DeviceMesh, o options) (collectives.Future, error) {
	coords, ok := m.Coordinate()
	if !ok {
		// This worker is not part of the mesh: redistribution is the identity.
		return collectives.Ready(local), nil
	}
	fut := collectives.Ready(local)
	for _, step := range steps {
		if step.From == step.To {
			continue
		}
		t, err := fut.Wait()
		if err != nil {
			return nil, err
		}
		fut, err = applyStep(t, step, m, coords, o.backward)
		if err != nil {
			return nil, err
		}
	}
	return fut, nil
}

// applyStep lowers one transform step to a collective or local operation.
// Trailing local crops are chained lazily onto the collective's future.
func applyStep(local *tensor.Tensor, step TransformStep, m *mesh.DeviceMesh, coords []int,
	backward bool) (collectives.Future, error) {
	log.Debug().Stringer("from", step.From).Stringer("to", step.To).
		Int("mesh_dim", step.MeshDim).Msg("redistribute step")

	numChunks := m.DimSize(step.MeshDim)
	comm := func() (collectives.Comm, error) {
		c, err := m.Comm(step.MeshDim)
		if err != nil {
			return nil, err
		}
		return checkedComm{c}, nil
	}

	switch to := step.To.(type) {
	case Replicate:
		switch from := step.From.(type) {
		case Partial:
			c, err := comm()
			if err != nil {
				return nil, err
			}
			return from.reduceValue(local, c), nil
		case Shard:
			c, err := comm()
			if err != nil {
				return nil, err
			}
			return from.toReplicate(local, c, step.LogicalShape), nil
		}

	case Shard:
		switch from := step.From.(type) {
		case Partial:
			c, err := comm()
			if err != nil {
				return nil, err
			}
			return from.reduceShardValue(local, c, to), nil
		case Replicate:
			// Local selection of this worker's chunk, no communication.
			t, err := to.replicateToShard(local, numChunks, coords[step.MeshDim])
			if err != nil {
				return nil, err
			}
			return collectives.Ready(t), nil
		case Shard:
			if from.Dim != to.Dim {
				c, err := comm()
				if err != nil {
					return nil, err
				}
				return from.toNewShardDim(local, c, step.LogicalShape, to.Dim), nil
			}
		}

	case Partial:
		switch from := step.From.(type) {
		case Replicate:
			if backward {
				// Keep the gradient replicated: converting it back to
				// partial would only force a redundant reduction later.
				return collectives.Ready(local), nil
			}
			t, err := to.partitionValue(local, numChunks)
			if err != nil {
				return nil, unsupportedTransitionError(step, backward)
			}
			return collectives.Ready(t), nil
		case Shard:
			if backward {
				// The transpose of a reduce-scatter: gather the shards back.
				c, err := comm()
				if err != nil {
					return nil, err
				}
				return from.toReplicate(local, c, step.LogicalShape), nil
			}
		}
	}

	return nil, unsupportedTransitionError(step, backward)
}
