// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package posembed

import (
	"math"
	"testing"

	"github.com/gomlx/compute/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSinCos1D(t *testing.T) {
	got := SinCos1D(4, []float64{0, 1})
	require.Len(t, got, 8)
	// Position 0: sines are 0, cosines are 1.
	assert.InDeltaSlice(t, []float64{0, 0, 1, 1}, got[:4], 1e-9)
	// Position 1: frequencies are 1 and 1/100.
	assert.InDeltaSlice(t, []float64{math.Sin(1), math.Sin(0.01), math.Cos(1), math.Cos(0.01)}, got[4:], 1e-9)

	assert.Panics(t, func() { SinCos1D(3, []float64{0}) })
}

func TestSinCos2D(t *testing.T) {
	const embedDim, gridSize = 8, 3
	got := SinCos2D(embedDim, gridSize)
	require.Len(t, got, gridSize*gridSize*embedDim)

	// Token at row=2, col=1: first half encodes the column, second half the row.
	token := got[(2*gridSize+1)*embedDim : (2*gridSize+2)*embedDim]
	assert.InDeltaSlice(t, SinCos1D(embedDim/2, []float64{1}), token[:embedDim/2], 1e-9)
	assert.InDeltaSlice(t, SinCos1D(embedDim/2, []float64{2}), token[embedDim/2:], 1e-9)

	// Deterministic.
	assert.Equal(t, got, SinCos2D(embedDim, gridSize))

	assert.Panics(t, func() { SinCos2D(6, gridSize) })
	assert.Panics(t, func() { SinCos2D(embedDim, 0) })
}

func TestTensor(t *testing.T) {
	tensor := Tensor(dtypes.Float32, 16, 4)
	assert.Equal(t, []int{16, 16}, tensor.Shape().Dimensions)
	assert.Equal(t, dtypes.Float32, tensor.DType())
	values := tensor.Value().([][]float32)
	// First token sits at (0, 0): sines 0, cosines 1 in both halves.
	assert.InDeltaSlice(t, []float32{0, 0, 0, 0, 1, 1, 1, 1, 0, 0, 0, 0, 1, 1, 1, 1}, values[0], 1e-6)

	assert.Equal(t, dtypes.Float64, Tensor(dtypes.Float64, 16, 4).DType())
	assert.Panics(t, func() { Tensor(dtypes.Int32, 16, 4) })
}
