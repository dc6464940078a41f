// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package vit implements the Vision Transformer building blocks used by the counting model:
// patch embedding, the pre-norm transformer block and the cross-attention block.
//
// All layers take a *context.Context and create their variables in sub-scopes named after the
// corresponding modules of the usual PyTorch implementations ("patch_embed", "norm1", "attn",
// "mlp/fc1", ...), which keeps checkpoint conversion a matter of renaming and reshaping.
package vit

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/attention"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// Config holds the hyperparameters shared by Block and CrossBlock.
type Config struct {
	// NumHeads is the number of attention heads. The embedding dimension must be divisible by it.
	NumHeads int

	// MLPRatio is the ratio of the MLP hidden dimension to the embedding dimension.
	MLPRatio float64

	// NormEpsilon is the epsilon of the layer normalizations.
	NormEpsilon float64
}

// PatchEmbed splits images into non-overlapping patchSize x patchSize patches and linearly
// projects each one to embedDim, using a convolution with kernel and strides equal to patchSize.
//
// pixels must be shaped `[batch, channels, height, width]`, with height and width divisible by
// patchSize. The output is shaped `[batch, numPatches, embedDim]`, with patches in row-major order.
//
// Variables are created under the scope "patch_embed".
func PatchEmbed(ctx *context.Context, pixels *Node, patchSize, embedDim int) *Node {
	if pixels.Rank() != 4 {
		Panicf("PatchEmbed requires images shaped [batch, channels, height, width], got %s", pixels.Shape())
	}
	dims := pixels.Shape().Dimensions
	batchSize, height, width := dims[0], dims[2], dims[3]
	if patchSize <= 0 || height%patchSize != 0 || width%patchSize != 0 {
		Panicf("PatchEmbed: image size %dx%d is not divisible by the patch size %d", height, width, patchSize)
	}
	x := layers.Convolution(ctx.In("patch_embed"), pixels).
		ChannelsAxis(images.ChannelsFirst).
		Filters(embedDim).
		KernelSize(patchSize).
		Strides(patchSize).
		NoPadding().
		Done()
	x = Reshape(x, batchSize, embedDim, -1)
	return TransposeAllDims(x, 0, 2, 1)
}

// LayerNorm normalizes the last axis of x, with learned gain and offset.
func LayerNorm(ctx *context.Context, x *Node, epsilon float64) *Node {
	return layers.LayerNormalization(ctx, x, -1).Epsilon(epsilon).Done()
}

// MLP applies the transformer feed-forward network: Dense(hiddenDim) -> GELU -> Dense(embedDim),
// with variables under "fc1" and "fc2".
func MLP(ctx *context.Context, x *Node, hiddenDim int) *Node {
	embedDim := x.Shape().Dim(-1)
	x = layers.Dense(ctx.In("fc1"), x, true, hiddenDim)
	x = activations.Gelu(x)
	return layers.Dense(ctx.In("fc2"), x, true, embedDim)
}

func headDim(cfg Config, embedDim int) int {
	if cfg.NumHeads <= 0 || embedDim%cfg.NumHeads != 0 {
		Panicf("embedding dimension %d is not divisible by the number of heads %d", embedDim, cfg.NumHeads)
	}
	return embedDim / cfg.NumHeads
}

func mlpDim(cfg Config, embedDim int) int {
	return int(float64(embedDim) * cfg.MLPRatio)
}

// Block is a pre-norm transformer encoder block on x shaped `[batch, tokens, embedDim]`:
//
//	x = x + SelfAttention(LayerNorm(x))
//	x = x + MLP(LayerNorm(x))
//
// Scopes: "norm1", "attn", "norm2" and "mlp".
func Block(ctx *context.Context, x *Node, cfg Config) *Node {
	embedDim := x.Shape().Dim(-1)
	residual := x
	x = LayerNorm(ctx.In("norm1"), x, cfg.NormEpsilon)
	x = attention.SelfAttention(ctx.In("attn"), x, cfg.NumHeads, headDim(cfg, embedDim)).Done()
	x = Add(residual, x)

	residual = x
	x = LayerNorm(ctx.In("norm2"), x, cfg.NormEpsilon)
	x = MLP(ctx.In("mlp"), x, mlpDim(cfg, embedDim))
	return Add(residual, x)
}

// CrossBlock is a pre-norm transformer decoder block, where the tokens x (`[batch, queries, embedDim]`)
// attend to themselves and then to y (`[batch, keys, yDim]`):
//
//	x = x + SelfAttention(LayerNorm(x))
//	x = x + CrossAttention(query=LayerNorm(x), key=value=y)
//	x = x + MLP(LayerNorm(x))
//
// y is not normalized. It returns the updated x and the cross-attention coefficients, shaped
// `[batch, queries, numHeads, keys]`, each row summing to 1 over the keys.
//
// Scopes: "norm0", "self_attn", "norm1", "cross_attn", "norm2" and "mlp".
func CrossBlock(ctx *context.Context, x, y *Node, cfg Config) (output, coefficients *Node) {
	embedDim := x.Shape().Dim(-1)
	if y.Rank() != 3 || y.Shape().Dim(0) != x.Shape().Dim(0) {
		Panicf("CrossBlock requires x and y shaped [batch, tokens, dim] with the same batch size, got x=%s and y=%s",
			x.Shape(), y.Shape())
	}
	dimPerHead := headDim(cfg, embedDim)

	residual := x
	x = LayerNorm(ctx.In("norm0"), x, cfg.NormEpsilon)
	x = attention.SelfAttention(ctx.In("self_attn"), x, cfg.NumHeads, dimPerHead).Done()
	x = Add(residual, x)

	residual = x
	x = LayerNorm(ctx.In("norm1"), x, cfg.NormEpsilon)
	x, coefficients = attention.MultiHeadAttention(ctx.In("cross_attn"), x, y, y, cfg.NumHeads, dimPerHead).
		WithOutputDim(embedDim).
		DoneWithCoefficients()
	x = Add(residual, x)

	residual = x
	x = LayerNorm(ctx.In("norm2"), x, cfg.NormEpsilon)
	x = MLP(ctx.In("mlp"), x, mlpDim(cfg, embedDim))
	return Add(residual, x), coefficients
}
