// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"math"

	countlayers "github.com/gomlx/counting/pkg/layers"
	"github.com/gomlx/counting/pkg/layers/vit"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// Decoder fuses the latent image tokens `[batch, numPatches, EmbedDim]` with the exemplar embeddings
// `[batch, numExemplars, DecoderEmbedDim]`, returning `[batch, numPatches, DecoderEmbedDim]`.
//
// The image tokens are projected to DecoderEmbedDim, added to the frozen decoder positional embedding,
// and go through DecoderDepth cross-attention blocks attending to the exemplar embeddings.
//
// ctx should be scoped at DecoderScope.
func (m *Model) Decoder(ctx *context.Context, latent, exemplarEmbed *Node) *Node {
	cfg := m.config
	latent.AssertDims(-1, cfg.NumPatches(), cfg.EmbedDim)
	if exemplarEmbed.Rank() != 3 || exemplarEmbed.Shape().Dim(0) != latent.Shape().Dim(0) ||
		exemplarEmbed.Shape().Dim(2) != cfg.DecoderEmbedDim {
		Panicf("exemplar embeddings must be shaped [%d, numExemplars, %d], got %s",
			latent.Shape().Dim(0), cfg.DecoderEmbedDim, exemplarEmbed.Shape())
	}
	g := latent.Graph()

	x := layers.Dense(ctx.In("embed"), latent, true, cfg.DecoderEmbedDim)
	x = Add(x, InsertAxes(frozenValue(ctx, g, PosEmbedVariable), 0))
	blockCfg := m.decoderBlockConfig()
	for ii := range cfg.DecoderDepth {
		x, _ = vit.CrossBlock(ctx.Inf("block_%d", ii), x, exemplarEmbed, blockCfg)
	}
	return vit.LayerNorm(ctx.In("norm"), x, cfg.NormEpsilon)
}

// RegressionHead maps the decoded tokens `[batch, hw, channels]`, with hw a perfect square, to the
// density map `[batch, 16*sqrt(hw), 16*sqrt(hw)]`.
//
// It has HeadUpsamplings stages of 3x3 convolution, group normalization and ReLU, each followed by a 2x
// bilinear upsampling. The last stage projects to a single channel with a 1x1 convolution before upsampling.
//
// ctx should be scoped at HeadScope.
func (m *Model) RegressionHead(ctx *context.Context, x *Node) *Node {
	if x.Rank() != 3 {
		Panicf("regression head input must be shaped [batch, tokens, channels], got %s", x.Shape())
	}
	dims := x.Shape().Dimensions
	batchSize, numTokens, channels := dims[0], dims[1], dims[2]
	side := int(math.Round(math.Sqrt(float64(numTokens))))
	if side*side != numTokens {
		Panicf("regression head requires a square grid of tokens, got %d tokens", numTokens)
	}
	x = Reshape(TransposeAllDims(x, 0, 2, 1), batchSize, channels, side, side)
	for ii := range HeadUpsamplings {
		stageCtx := ctx.Inf("stage_%d", ii)
		convCtx := stageCtx.WithInitializer(convInitializer(ctx, x.Shape().Dim(1)*3*3))
		x = layers.Convolution(convCtx, x).
			ChannelsAxis(images.ChannelsFirst).
			Filters(m.config.HeadChannels).
			KernelSize(3).
			PadSame().
			Done()
		x = countlayers.GroupNormalization(stageCtx, x, HeadGroups).Done()
		x = activations.Relu(x)
		if ii == HeadUpsamplings-1 {
			outputCtx := stageCtx.In("output").WithInitializer(convInitializer(ctx, x.Shape().Dim(1)))
			x = layers.Convolution(outputCtx, x).
				ChannelsAxis(images.ChannelsFirst).
				Filters(1).
				KernelSize(1).
				Done()
		}
		side *= 2
		x = Interpolate(x, NoInterpolation, NoInterpolation, side, side).
			Bilinear().HalfPixelCenters(true).AlignCorner(false).
			Done()
	}
	return Reshape(x, batchSize, side, side)
}
