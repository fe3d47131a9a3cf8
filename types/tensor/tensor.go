// Package tensor implements a dense host tensor: a shape plus a flat slice of
// values in row-major order.
//
// It covers the handful of local operations redistribution needs -- narrowing,
// concatenation, zero-padding, even splits and the elementwise combines backing
// the reducing collectives. It is not a compute library.
//
// Supported dtypes: Float64, Float32, Float16, Int64 and Int32. Float16 values
// are stored as github.com/x448/float16 and combined in float32.
package tensor

import (
	"fmt"
	"reflect"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/gomlx/dtensor/types/shapes"
)

// Tensor is a dense tensor held in host memory.
//
// The flat data is owned by the Tensor; operations return new tensors and do
// not alias their inputs, except Pad with a zero count, which returns its input.
type Tensor struct {
	shape shapes.Shape
	flat  any
}

func newFlat(dtype dtypes.DType, size int) (any, error) {
	switch dtype {
	case dtypes.Float64:
		return make([]float64, size), nil
	case dtypes.Float32:
		return make([]float32, size), nil
	case dtypes.Float16:
		return make([]float16.Float16, size), nil
	case dtypes.Int64:
		return make([]int64, size), nil
	case dtypes.Int32:
		return make([]int32, size), nil
	default:
		return nil, errors.Errorf("tensor: dtype %s not supported", dtype)
	}
}

// New returns a zero-initialized tensor of the given shape.
func New(shape shapes.Shape) (*Tensor, error) {
	if !shape.Ok() {
		return nil, errors.Errorf("tensor.New: invalid shape %s", shape)
	}
	flat, err := newFlat(shape.DType, shape.Size())
	if err != nil {
		return nil, err
	}
	return &Tensor{shape: shape.Clone(), flat: flat}, nil
}

// FromFlat wraps a flat slice of values as a tensor of the given shape.
// The slice element type must match the shape's dtype and its length the
// shape's size. The slice is copied.
func FromFlat(shape shapes.Shape, flat any) (*Tensor, error) {
	if !shape.Ok() {
		return nil, errors.Errorf("tensor.FromFlat: invalid shape %s", shape)
	}
	want, err := newFlat(shape.DType, 0)
	if err != nil {
		return nil, err
	}
	if reflect.TypeOf(flat) != reflect.TypeOf(want) {
		return nil, errors.Errorf("tensor.FromFlat: flat data is %T, shape %s requires %T", flat, shape, want)
	}
	v := reflect.ValueOf(flat)
	if v.Len() != shape.Size() {
		return nil, errors.Errorf("tensor.FromFlat: flat data has %d elements, shape %s requires %d",
			v.Len(), shape, shape.Size())
	}
	dst := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
	reflect.Copy(dst, v)
	return &Tensor{shape: shape.Clone(), flat: dst.Interface()}, nil
}

// FromValue builds a tensor from a Go value: a scalar or (nested) dense slices.
// The dtype is inferred from the innermost element type.
func FromValue(value any) (*Tensor, error) {
	shape, err := shapes.FromValue(value)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	flat, err := newFlat(shape.DType, 0)
	if err != nil {
		return nil, err
	}
	dst := reflect.ValueOf(flat)
	dst = appendValueRecursive(dst, reflect.ValueOf(value))
	return &Tensor{shape: shape, flat: dst.Interface()}, nil
}

func appendValueRecursive(dst, v reflect.Value) reflect.Value {
	if v.Kind() != reflect.Slice {
		return reflect.Append(dst, v)
	}
	for i := 0; i < v.Len(); i++ {
		dst = appendValueRecursive(dst, v.Index(i))
	}
	return dst
}

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() shapes.Shape { return t.shape.Clone() }

// DType returns the tensor's dtype.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Dim returns the size of the given dimension.
func (t *Tensor) Dim(dim int) int { return t.shape.Dimensions[dim] }

// Dimensions returns a copy of the tensor's dimensions.
func (t *Tensor) Dimensions() []int { return slices.Clone(t.shape.Dimensions) }

// Size returns the total number of elements.
func (t *Tensor) Size() int { return t.shape.Size() }

// Flat returns the tensor's values as a flat slice ([]float32, []float64, ...)
// in row-major order. The returned slice aliases the tensor's storage and must
// not be modified.
func (t *Tensor) Flat() any { return t.flat }

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	v := reflect.ValueOf(t.flat)
	dst := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
	reflect.Copy(dst, v)
	return &Tensor{shape: t.shape.Clone(), flat: dst.Interface()}
}

// Equal compares shapes and values.
func (t *Tensor) Equal(other *Tensor) bool {
	if other == nil {
		return t == nil
	}
	return t.shape.Equal(other.shape) && reflect.DeepEqual(t.flat, other.flat)
}

// String implements the fmt.Stringer interface.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor[%s]", t.shape)
}

// geometry decomposes the shape around dim: the product of the dimensions
// before dim (outer), dim's own size and the product of the dimensions after
// dim (inner). With it every dim-wise copy reduces to contiguous runs.
func (t *Tensor) geometry(dim int) (outer, size, inner int) {
	outer, inner = 1, 1
	for i, d := range t.shape.Dimensions {
		switch {
		case i < dim:
			outer *= d
		case i > dim:
			inner *= d
		}
	}
	return outer, t.shape.Dimensions[dim], inner
}

func (t *Tensor) checkDim(op string, dim int) error {
	if dim < 0 || dim >= t.Rank() {
		return errors.Errorf("tensor.%s: dimension %d out of bounds for rank %d", op, dim, t.Rank())
	}
	return nil
}

func narrowFlat[T any](src []T, outer, size, inner, start, length int) []T {
	dst := make([]T, outer*length*inner)
	for o := 0; o < outer; o++ {
		copy(dst[o*length*inner:(o+1)*length*inner],
			src[(o*size+start)*inner:(o*size+start+length)*inner])
	}
	return dst
}

// Narrow returns the sub-tensor covering [start, start+length) of the given
// dimension. The result is a copy.
func Narrow(t *Tensor, dim, start, length int) (*Tensor, error) {
	if err := t.checkDim("Narrow", dim); err != nil {
		return nil, err
	}
	outer, size, inner := t.geometry(dim)
	if start < 0 || length < 0 || start+length > size {
		return nil, errors.Errorf("tensor.Narrow: range [%d, %d) out of bounds for dimension %d of size %d",
			start, start+length, dim, size)
	}
	shape := t.shape.Clone()
	shape.Dimensions[dim] = length
	out := &Tensor{shape: shape}
	switch flat := t.flat.(type) {
	case []float64:
		out.flat = narrowFlat(flat, outer, size, inner, start, length)
	case []float32:
		out.flat = narrowFlat(flat, outer, size, inner, start, length)
	case []float16.Float16:
		out.flat = narrowFlat(flat, outer, size, inner, start, length)
	case []int64:
		out.flat = narrowFlat(flat, outer, size, inner, start, length)
	case []int32:
		out.flat = narrowFlat(flat, outer, size, inner, start, length)
	default:
		return nil, errors.Errorf("tensor.Narrow: dtype %s not supported", t.DType())
	}
	return out, nil
}

func concatFlat[T any](parts [][]T, outer int, sizes []int, inner int) []T {
	total := 0
	for _, s := range sizes {
		total += s
	}
	dst := make([]T, outer*total*inner)
	offset := 0
	for p, part := range parts {
		for o := 0; o < outer; o++ {
			copy(dst[(o*total+offset)*inner:(o*total+offset+sizes[p])*inner],
				part[o*sizes[p]*inner:(o+1)*sizes[p]*inner])
		}
		offset += sizes[p]
	}
	return dst
}

// Concat concatenates the parts along the given dimension. All parts must
// share dtype and every dimension but dim.
func Concat(dim int, parts ...*Tensor) (*Tensor, error) {
	if len(parts) == 0 {
		return nil, errors.New("tensor.Concat: requires at least one part")
	}
	first := parts[0]
	if err := first.checkDim("Concat", dim); err != nil {
		return nil, err
	}
	sizes := make([]int, len(parts))
	total := 0
	for p, part := range parts {
		if part.DType() != first.DType() || part.Rank() != first.Rank() {
			return nil, errors.Errorf("tensor.Concat: part #%d has shape %s, incompatible with %s",
				p, part.shape, first.shape)
		}
		for i, d := range part.shape.Dimensions {
			if i != dim && d != first.shape.Dimensions[i] {
				return nil, errors.Errorf("tensor.Concat: part #%d has shape %s, incompatible with %s on dimension %d",
					p, part.shape, first.shape, i)
			}
		}
		sizes[p] = part.Dim(dim)
		total += sizes[p]
	}
	outer, _, inner := first.geometry(dim)
	shape := first.shape.Clone()
	shape.Dimensions[dim] = total
	out := &Tensor{shape: shape}
	switch first.flat.(type) {
	case []float64:
		out.flat = concatFlat(gatherFlats[float64](parts), outer, sizes, inner)
	case []float32:
		out.flat = concatFlat(gatherFlats[float32](parts), outer, sizes, inner)
	case []float16.Float16:
		out.flat = concatFlat(gatherFlats[float16.Float16](parts), outer, sizes, inner)
	case []int64:
		out.flat = concatFlat(gatherFlats[int64](parts), outer, sizes, inner)
	case []int32:
		out.flat = concatFlat(gatherFlats[int32](parts), outer, sizes, inner)
	default:
		return nil, errors.Errorf("tensor.Concat: dtype %s not supported", first.DType())
	}
	return out, nil
}

func gatherFlats[T any](parts []*Tensor) [][]T {
	flats := make([][]T, len(parts))
	for p, part := range parts {
		flats[p] = part.flat.([]T)
	}
	return flats
}

// Pad appends count zero-valued rows at the tail of the given dimension. With a
// zero count it returns t itself.
func Pad(t *Tensor, dim, count int) (*Tensor, error) {
	if err := t.checkDim("Pad", dim); err != nil {
		return nil, err
	}
	if count < 0 {
		return nil, errors.Errorf("tensor.Pad: negative pad count %d", count)
	}
	if count == 0 {
		return t, nil
	}
	padShape := t.shape.Clone()
	padShape.Dimensions[dim] = count
	padding, err := New(padShape)
	if err != nil {
		return nil, err
	}
	return Concat(dim, t, padding)
}

// Split divides the tensor into count equal chunks along the given dimension.
// The dimension size must be divisible by count.
func Split(t *Tensor, dim, count int) ([]*Tensor, error) {
	if err := t.checkDim("Split", dim); err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, errors.Errorf("tensor.Split: count %d must be positive", count)
	}
	size := t.Dim(dim)
	if size%count != 0 {
		return nil, errors.Errorf("tensor.Split: dimension %d of size %d is not divisible by %d", dim, size, count)
	}
	chunk := size / count
	chunks := make([]*Tensor, count)
	for k := range chunks {
		var err error
		chunks[k], err = Narrow(t, dim, k*chunk, chunk)
		if err != nil {
			return nil, err
		}
	}
	return chunks, nil
}
