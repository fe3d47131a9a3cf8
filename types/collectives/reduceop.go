package collectives

// ReduceOp identifies the arithmetic reduction applied by the reducing
// collectives (AllReduce, ReduceScatter).
type ReduceOp int

//go:generate go tool enumer -type=ReduceOp -trimprefix=Reduce -transform=lower -output=gen_reduceop_enumer.go reduceop.go

const (
	// ReduceSum adds the contributions of every member. It is the zero value,
	// and the default reduction.
	ReduceSum ReduceOp = iota

	// ReduceAvg averages the contributions of every member.
	ReduceAvg

	// ReduceMax takes the elementwise maximum.
	ReduceMax

	// ReduceMin takes the elementwise minimum.
	ReduceMin

	// ReduceProduct multiplies the contributions of every member.
	ReduceProduct
)
