// Package dtensor plans and executes the redistribution of a distributed
// tensor: given a logically global tensor partitioned across an N-dimensional
// mesh of workers under one placement scheme, it produces the sequence of
// collective communication steps that transform it into another placement
// scheme, and executes that sequence on each worker's local shard.
//
// Among its features:
//
//   - Placements per mesh dimension: Replicate, Shard (by tensor dimension,
//     with uneven-division semantics) and Partial (pending reduction).
//   - A deterministic, memoized planner that handles nested and misaligned
//     shardings across mesh dimensions, lifting blockers to an intermediate
//     replicated state only when required.
//   - An executor that lowers each step to the collectives of
//     types/collectives, padding and cropping around uneven shards.
//   - A transpose rule for the backward pass: the reverse redistribution with
//     partial placements normalized to replicate.
//
// Every worker must run the planner with the same source and destination
// specs: plans are identical across workers except for per-worker logical
// shapes, which is what makes the issued collectives line up.
package dtensor

import "github.com/rs/zerolog"

var log = zerolog.Nop()

// SetLogger sets the package logger. The default discards everything; the
// executor logs each applied step at debug level.
func SetLogger(logger zerolog.Logger) {
	log = logger
}
