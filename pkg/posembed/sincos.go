// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package posembed generates fixed (non-learned) 2D sine-cosine positional embeddings for
// square grids of tokens, as used by ViT and MAE style encoders.
//
// The embeddings are computed on the host once, and are meant to be stored in non-trainable
// variables (see context.Variable.SetTrainable).
package posembed

import (
	"math"

	"github.com/gomlx/compute/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// MaxPeriod is the base of the geometric progression of frequencies.
const MaxPeriod = 10000.0

// SinCos1D returns the embeddings of the given positions, shaped `[len(positions), embedDim]`
// (flat, row-major). The first half of each row holds the sines, the second half the cosines,
// for frequencies `1/MaxPeriod^(k/(embedDim/2))`, with `k` in `[0, embedDim/2)`.
//
// embedDim must be even.
func SinCos1D(embedDim int, positions []float64) []float64 {
	if embedDim <= 0 || embedDim%2 != 0 {
		Panicf("posembed.SinCos1D requires a positive even embedDim, got %d", embedDim)
	}
	half := embedDim / 2
	omega := make([]float64, half)
	for k := range omega {
		omega[k] = 1.0 / math.Pow(MaxPeriod, float64(k)/float64(half))
	}
	out := make([]float64, len(positions)*embedDim)
	for ii, pos := range positions {
		row := out[ii*embedDim : (ii+1)*embedDim]
		for k, w := range omega {
			row[k] = math.Sin(pos * w)
			row[half+k] = math.Cos(pos * w)
		}
	}
	return out
}

// SinCos2D returns the embeddings for a `gridSize x gridSize` grid of tokens, flat and shaped
// `[gridSize*gridSize, embedDim]`, with tokens in row-major order.
//
// Each token embedding is the concatenation of the 1D embedding (of size embedDim/2) of its
// column followed by the 1D embedding of its row.
//
// embedDim must be divisible by 4.
func SinCos2D(embedDim, gridSize int) []float64 {
	if embedDim <= 0 || embedDim%4 != 0 {
		Panicf("posembed.SinCos2D requires embedDim divisible by 4, got %d", embedDim)
	}
	if gridSize <= 0 {
		Panicf("posembed.SinCos2D requires a positive gridSize, got %d", gridSize)
	}
	numTokens := gridSize * gridSize
	cols := make([]float64, numTokens)
	rows := make([]float64, numTokens)
	for row := range gridSize {
		for col := range gridSize {
			cols[row*gridSize+col] = float64(col)
			rows[row*gridSize+col] = float64(row)
		}
	}
	half := embedDim / 2
	embCols := SinCos1D(half, cols)
	embRows := SinCos1D(half, rows)
	out := make([]float64, numTokens*embedDim)
	for ii := range numTokens {
		copy(out[ii*embedDim:ii*embedDim+half], embCols[ii*half:(ii+1)*half])
		copy(out[ii*embedDim+half:(ii+1)*embedDim], embRows[ii*half:(ii+1)*half])
	}
	return out
}

// Tensor returns SinCos2D as a tensor shaped `[gridSize*gridSize, embedDim]` of the given dtype.
// Only Float32 and Float64 are supported.
func Tensor(dtype dtypes.DType, embedDim, gridSize int) *tensors.Tensor {
	values := SinCos2D(embedDim, gridSize)
	numTokens := gridSize * gridSize
	switch dtype {
	case dtypes.Float64:
		return tensors.FromFlatDataAndDimensions(values, numTokens, embedDim)
	case dtypes.Float32:
		values32 := make([]float32, len(values))
		for ii, v := range values {
			values32[ii] = float32(v)
		}
		return tensors.FromFlatDataAndDimensions(values32, numTokens, embedDim)
	default:
		Panicf("posembed.Tensor does not support dtype %s, only Float32 and Float64", dtype)
	}
	return nil
}
