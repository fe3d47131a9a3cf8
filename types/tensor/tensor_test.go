package tensor

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/dtensor/types/shapes"
)

func fromValue(t *testing.T, value any) *Tensor {
	tn, err := FromValue(value)
	require.NoError(t, err)
	return tn
}

func TestNewAndFromFlat(t *testing.T) {
	zero, err := New(shapes.Make(dtypes.Float32, 2, 3))
	require.NoError(t, err)
	require.Equal(t, []float32{0, 0, 0, 0, 0, 0}, zero.Flat())

	tn, err := FromFlat(shapes.Make(dtypes.Int64, 2, 2), []int64{1, 2, 3, 4})
	require.NoError(t, err)
	require.Equal(t, 4, tn.Size())
	require.Equal(t, 2, tn.Dim(1))

	_, err = FromFlat(shapes.Make(dtypes.Int64, 2, 2), []int32{1, 2, 3, 4})
	require.Error(t, err)
	_, err = FromFlat(shapes.Make(dtypes.Int64, 2, 2), []int64{1, 2, 3})
	require.Error(t, err)
	_, err = New(shapes.Make(dtypes.Complex64, 2))
	require.Error(t, err)
}

func TestFromValue(t *testing.T) {
	tn := fromValue(t, [][]float32{{1, 2, 3}, {4, 5, 6}})
	require.Equal(t, []int{2, 3}, tn.Dimensions())
	require.Equal(t, dtypes.Float32, tn.DType())
	require.Equal(t, []float32{1, 2, 3, 4, 5, 6}, tn.Flat())
}

func TestCloneAndEqual(t *testing.T) {
	a := fromValue(t, []float64{1, 2, 3})
	b := a.Clone()
	require.True(t, a.Equal(b))
	b.Flat().([]float64)[0] = 7
	require.False(t, a.Equal(b))
	require.False(t, a.Equal(fromValue(t, []float64{1, 2})))
	require.False(t, a.Equal(fromValue(t, []float32{1, 2, 3})))
}

func TestNarrow(t *testing.T) {
	tn := fromValue(t, [][]float32{{1, 2, 3}, {4, 5, 6}})

	rows, err := Narrow(tn, 0, 1, 1)
	require.NoError(t, err)
	require.True(t, rows.Equal(fromValue(t, [][]float32{{4, 5, 6}})))

	cols, err := Narrow(tn, 1, 1, 2)
	require.NoError(t, err)
	require.True(t, cols.Equal(fromValue(t, [][]float32{{2, 3}, {5, 6}})))

	empty, err := Narrow(tn, 0, 2, 0)
	require.NoError(t, err)
	require.Equal(t, []int{0, 3}, empty.Dimensions())

	_, err = Narrow(tn, 2, 0, 1)
	require.Error(t, err)
	_, err = Narrow(tn, 0, 1, 3)
	require.Error(t, err)
}

func TestConcat(t *testing.T) {
	a := fromValue(t, [][]float32{{1, 2}, {3, 4}})
	b := fromValue(t, [][]float32{{5, 6}})

	rows, err := Concat(0, a, b)
	require.NoError(t, err)
	require.True(t, rows.Equal(fromValue(t, [][]float32{{1, 2}, {3, 4}, {5, 6}})))

	c := fromValue(t, [][]float32{{7}, {8}})
	cols, err := Concat(1, a, c)
	require.NoError(t, err)
	require.True(t, cols.Equal(fromValue(t, [][]float32{{1, 2, 7}, {3, 4, 8}})))

	_, err = Concat(0, a, c)
	require.Error(t, err)
	_, err = Concat(0)
	require.Error(t, err)
}

func TestPadAndSplit(t *testing.T) {
	tn := fromValue(t, []int32{1, 2, 3})

	padded, err := Pad(tn, 0, 2)
	require.NoError(t, err)
	require.True(t, padded.Equal(fromValue(t, []int32{1, 2, 3, 0, 0})))

	same, err := Pad(tn, 0, 0)
	require.NoError(t, err)
	require.True(t, same.Equal(tn))

	chunks, err := Split(fromValue(t, []int32{1, 2, 3, 4}), 0, 2)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	require.True(t, chunks[0].Equal(fromValue(t, []int32{1, 2})))
	require.True(t, chunks[1].Equal(fromValue(t, []int32{3, 4})))

	_, err = Split(tn, 0, 2)
	require.Error(t, err)
}

func TestArith(t *testing.T) {
	a := fromValue(t, []float32{1, 2, 3})
	b := fromValue(t, []float32{4, 1, 5})

	sum, err := Add(a, b)
	require.NoError(t, err)
	require.True(t, sum.Equal(fromValue(t, []float32{5, 3, 8})))

	prod, err := Mul(a, b)
	require.NoError(t, err)
	require.True(t, prod.Equal(fromValue(t, []float32{4, 2, 15})))

	maxT, err := Maximum(a, b)
	require.NoError(t, err)
	require.True(t, maxT.Equal(fromValue(t, []float32{4, 2, 5})))

	minT, err := Minimum(a, b)
	require.NoError(t, err)
	require.True(t, minT.Equal(fromValue(t, []float32{1, 1, 3})))

	_, err = Add(a, fromValue(t, []float32{1, 2}))
	require.Error(t, err)
}

func TestScale(t *testing.T) {
	a := fromValue(t, []float64{2, 4, 6})
	half, err := Scale(a, 0.5)
	require.NoError(t, err)
	require.True(t, half.Equal(fromValue(t, []float64{1, 2, 3})))

	_, err = Scale(fromValue(t, []int32{2, 4}), 0.5)
	require.Error(t, err)
}
