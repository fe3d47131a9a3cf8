// Package shapes defines the Shape value type used to describe dense tensors:
// a data type (dtype) plus its dimensions.
//
// A Shape is a small value object, cheap to copy and compare. Dimensions are
// stored in row-major (outer-to-inner) order.
package shapes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
)

// Shape of a dense tensor: dtype and dimensions.
//
// A rank-0 shape (no dimensions) is a scalar.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape with the given dtype and dimensions.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	return Shape{DType: dtype, Dimensions: dimensions}
}

// Invalid returns an invalid Shape, for which Ok() returns false.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether the shape is valid: a valid dtype and strictly positive
// or zero dimensions (a zero dimension yields an empty but valid tensor).
func (s Shape) Ok() bool {
	if s.DType == dtypes.InvalidDType {
		return false
	}
	for _, dim := range s.Dimensions {
		if dim < 0 {
			return false
		}
	}
	return true
}

// Rank returns the number of dimensions.
func (s Shape) Rank() int {
	return len(s.Dimensions)
}

// IsScalar returns whether the shape has rank 0.
func (s Shape) IsScalar() bool {
	return len(s.Dimensions) == 0
}

// Size returns the total number of elements.
func (s Shape) Size() int {
	size := 1
	for _, dim := range s.Dimensions {
		size *= dim
	}
	return size
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// Equal compares dtype and dimensions.
func (s Shape) Equal(other Shape) bool {
	return s.DType == other.DType && slices.Equal(s.Dimensions, other.Dimensions)
}

// String implements the fmt.Stringer interface.
// E.g.: "(Float32)[8 4]".
func (s Shape) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "(%s)", s.DType)
	_, _ = fmt.Fprintf(&sb, "%v", s.Dimensions)
	return sb.String()
}
