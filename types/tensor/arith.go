package tensor

import (
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// The elementwise combines below back the reducing collectives (all-reduce,
// reduce-scatter): sum, product, max and min. Average is sum followed by Scale.

type number interface {
	~int32 | ~int64 | ~float32 | ~float64
}

func zipFlat[T any](a, b []T, f func(T, T) T) []T {
	dst := make([]T, len(a))
	for i := range a {
		dst[i] = f(a[i], b[i])
	}
	return dst
}

func addFn[T number](x, y T) T { return x + y }
func mulFn[T number](x, y T) T { return x * y }
func maxFn[T number](x, y T) T {
	if y > x {
		return y
	}
	return x
}
func minFn[T number](x, y T) T {
	if y < x {
		return y
	}
	return x
}

func f16Fn(f func(float32, float32) float32) func(float16.Float16, float16.Float16) float16.Float16 {
	return func(x, y float16.Float16) float16.Float16 {
		return float16.Fromfloat32(f(x.Float32(), y.Float32()))
	}
}

func checkBinary(op string, a, b *Tensor) error {
	if !a.shape.Equal(b.shape) {
		return errors.Errorf("tensor.%s: shapes %s and %s differ", op, a.shape, b.shape)
	}
	return nil
}

func binary(op string, a, b *Tensor,
	f64 func(float64, float64) float64, f32 func(float32, float32) float32,
	i64 func(int64, int64) int64, i32 func(int32, int32) int32) (*Tensor, error) {
	if err := checkBinary(op, a, b); err != nil {
		return nil, err
	}
	out := &Tensor{shape: a.shape.Clone()}
	switch flat := a.flat.(type) {
	case []float64:
		out.flat = zipFlat(flat, b.flat.([]float64), f64)
	case []float32:
		out.flat = zipFlat(flat, b.flat.([]float32), f32)
	case []float16.Float16:
		out.flat = zipFlat(flat, b.flat.([]float16.Float16), f16Fn(f32))
	case []int64:
		out.flat = zipFlat(flat, b.flat.([]int64), i64)
	case []int32:
		out.flat = zipFlat(flat, b.flat.([]int32), i32)
	default:
		return nil, errors.Errorf("tensor.%s: dtype %s not supported", op, a.DType())
	}
	return out, nil
}

// Add returns the elementwise sum of a and b.
func Add(a, b *Tensor) (*Tensor, error) {
	return binary("Add", a, b, addFn[float64], addFn[float32], addFn[int64], addFn[int32])
}

// Mul returns the elementwise product of a and b.
func Mul(a, b *Tensor) (*Tensor, error) {
	return binary("Mul", a, b, mulFn[float64], mulFn[float32], mulFn[int64], mulFn[int32])
}

// Maximum returns the elementwise maximum of a and b.
func Maximum(a, b *Tensor) (*Tensor, error) {
	return binary("Maximum", a, b, maxFn[float64], maxFn[float32], maxFn[int64], maxFn[int32])
}

// Minimum returns the elementwise minimum of a and b.
func Minimum(a, b *Tensor) (*Tensor, error) {
	return binary("Minimum", a, b, minFn[float64], minFn[float32], minFn[int64], minFn[int32])
}

func scaleFlat[T ~float32 | ~float64](src []T, factor float64) []T {
	dst := make([]T, len(src))
	for i, x := range src {
		dst[i] = T(float64(x) * factor)
	}
	return dst
}

// Scale multiplies every element by factor. Only defined for float dtypes.
func Scale(t *Tensor, factor float64) (*Tensor, error) {
	out := &Tensor{shape: t.shape.Clone()}
	switch flat := t.flat.(type) {
	case []float64:
		out.flat = scaleFlat(flat, factor)
	case []float32:
		out.flat = scaleFlat(flat, factor)
	case []float16.Float16:
		dst := make([]float16.Float16, len(flat))
		for i, x := range flat {
			dst[i] = float16.Fromfloat32(float32(float64(x.Float32()) * factor))
		}
		out.flat = dst
	default:
		return nil, errors.Errorf("tensor.Scale: dtype %s not supported", t.DType())
	}
	return out, nil
}
