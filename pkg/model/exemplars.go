// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	countlayers "github.com/gomlx/counting/pkg/layers"
	"github.com/gomlx/counting/pkg/layers/vit"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// ExemplarEncoder maps the first shots exemplar crops of `[batch, maxShots, InChannels, ExemplarSize, ExemplarSize]`
// to tokens `[batch, shots*ExemplarTokens(), DecoderEmbedDim]`, ordered by shot and then by the row-major position
// in the exemplar feature map.
//
// Each crop goes through one 3x3 convolution, instance normalization, ReLU and 2x2 max-pooling stage per
// element of Config.ExemplarChannels, and a final stage (without pooling) projecting to DecoderEmbedDim.
// Exemplars beyond shots are not read.
//
// ctx should be scoped at ExemplarEncoderScope.
func (m *Model) ExemplarEncoder(ctx *context.Context, exemplars *Node, shots int) *Node {
	cfg := m.config
	if exemplars.Rank() != 5 {
		Panicf("exemplars must be shaped [batch, maxShots, channels, height, width], got %s", exemplars.Shape())
	}
	dims := exemplars.Shape().Dimensions
	batchSize, maxShots := dims[0], dims[1]
	if shots <= 0 || shots > maxShots {
		Panicf("shots must be between 1 and the number of exemplars given (%d), got %d", maxShots, shots)
	}
	if dims[2] != cfg.InChannels || dims[3] != cfg.ExemplarSize || dims[4] != cfg.ExemplarSize {
		Panicf("exemplars must be shaped [batch, maxShots, %d, %d, %d], got %s",
			cfg.InChannels, cfg.ExemplarSize, cfg.ExemplarSize, exemplars.Shape())
	}

	x := exemplars
	if shots < maxShots {
		x = Slice(x, AxisRange(), AxisRange(0, shots))
	}
	// Instance normalization is per example, so all crops can be processed as one batch.
	x = Reshape(x, batchSize*shots, cfg.InChannels, cfg.ExemplarSize, cfg.ExemplarSize)
	for ii, channels := range cfg.ExemplarChannels {
		x = exemplarStage(ctx.Inf("stage_%d", ii), x, channels, true)
	}
	x = exemplarStage(ctx.In("final"), x, cfg.DecoderEmbedDim, false)

	// [batch*shots, C, h, w] -> [batch, shots*h*w, C]
	gridSize := cfg.ExemplarGridSize()
	x.AssertDims(batchSize*shots, cfg.DecoderEmbedDim, gridSize, gridSize)
	x = Reshape(x, batchSize, shots, cfg.DecoderEmbedDim, gridSize*gridSize)
	x = TransposeAllDims(x, 0, 1, 3, 2)
	return Reshape(x, batchSize, shots*gridSize*gridSize, cfg.DecoderEmbedDim)
}

func exemplarStage(ctx *context.Context, x *Node, channels int, pool bool) *Node {
	convCtx := ctx.WithInitializer(convInitializer(ctx, x.Shape().Dim(1)*3*3))
	x = layers.Convolution(convCtx, x).
		ChannelsAxis(images.ChannelsFirst).
		Filters(channels).
		KernelSize(3).
		PadSame().
		Done()
	x = countlayers.InstanceNormalization(x, countlayers.DefaultEpsilon)
	x = activations.Relu(x)
	if pool {
		x = MaxPool(x).ChannelsAxis(images.ChannelsFirst).Window(2).Strides(2).NoPadding().Done()
	}
	return x
}

// AggregateExemplars refines the exemplar tokens `[batch, shots*ExemplarTokens(), DecoderEmbedDim]`
// (see ExemplarEncoder) with CrossBlocks attention blocks, and pools them into one embedding per shot,
// shaped `[batch, shots, DecoderEmbedDim]`.
//
// The pooling is a weighted mean over the tokens of each shot, with weights given by GateWeights.
//
// ctx should be scoped at AggregatorScope.
func (m *Model) AggregateExemplars(ctx *context.Context, tokens *Node, shots int) *Node {
	pooled, _, _ := m.aggregate(ctx, tokens, shots)
	return pooled
}

// GateWeights returns the per-token weights `[batch, shots*ExemplarTokens(), 1]`, with values in [0, 1],
// used by AggregateExemplars.
//
// ctx should be scoped at AggregatorScope. It creates the same variables as AggregateExemplars.
func (m *Model) GateWeights(ctx *context.Context, tokens *Node, shots int) *Node {
	_, weights, _ := m.aggregate(ctx, tokens, shots)
	return weights
}

// aggregate implements AggregateExemplars and GateWeights. It also returns the normalized
// refined tokens `[batch, shots*T, DecoderEmbedDim]` that are pooled (T=ExemplarTokens()).
//
// For each block the attention coefficients are averaged over the key shots (see shotMeanCoefficients):
// for each token, how it attends to each position of a "typical" exemplar. A gate of linear layers followed
// by a sigmoid maps these to one weight per token, averaged over the blocks.
func (m *Model) aggregate(ctx *context.Context, tokens *Node, shots int) (pooled, weights, normalized *Node) {
	cfg := m.config
	numTokens := cfg.ExemplarTokens()
	embedDim := cfg.DecoderEmbedDim
	if tokens.Rank() != 3 || tokens.Shape().Dim(1) != shots*numTokens || tokens.Shape().Dim(2) != embedDim {
		Panicf("exemplar tokens must be shaped [batch, %d*%d, %d], got %s", shots, numTokens, embedDim, tokens.Shape())
	}

	blockCfg := m.decoderBlockConfig()
	x := tokens
	gateInputs := make([]*Node, 0, cfg.CrossBlocks)
	for ii := range cfg.CrossBlocks {
		var coefficients *Node
		x, coefficients = vit.CrossBlock(ctx.Inf("block_%d", ii), x, x, blockCfg)
		gateInputs = append(gateInputs, shotMeanCoefficients(coefficients, shots, numTokens))
	}

	// Gate: stacked linear layers, with no activations in between.
	gate := Stack(gateInputs, 0)
	for ii, dim := range gateDims {
		gate = layers.Dense(ctx.Inf("gate_%d", ii), gate, true, dim)
	}
	weights = ReduceMean(Sigmoid(gate), 0) // [batch, shots*T, 1]

	normalized = vit.LayerNorm(ctx.In("norm"), x, cfg.NormEpsilon)
	pooled = weightedShotMean(normalized, weights, shots, numTokens)
	return pooled, weights, normalized
}

// shotMeanCoefficients averages the attention coefficients `[batch, queries, heads, shots*numTokens]`
// over the key shots, returning `[batch, queries, heads*numTokens]`.
//
// The key axis is ordered by shot and then by token, and each batch example is reduced independently.
func shotMeanCoefficients(coefficients *Node, shots, numTokens int) *Node {
	if coefficients.Rank() != 4 || coefficients.Shape().Dim(3) != shots*numTokens {
		Panicf("attention coefficients must be shaped [batch, queries, heads, %d*%d], got %s",
			shots, numTokens, coefficients.Shape())
	}
	dims := coefficients.Shape().Dimensions
	batchSize, numQueries, numHeads := dims[0], dims[1], dims[2]
	coefficients = Reshape(coefficients, batchSize, numQueries, numHeads, shots, numTokens)
	coefficients = ReduceMean(coefficients, 3)
	return Reshape(coefficients, batchSize, numQueries, numHeads*numTokens)
}

// weightedShotMean pools the tokens x `[batch, shots*numTokens, dim]` into `[batch, shots, dim]`: for each shot,
// the mean of its tokens weighted by weights `[batch, shots*numTokens, 1]`.
func weightedShotMean(x, weights *Node, shots, numTokens int) *Node {
	batchSize, dim := x.Shape().Dim(0), x.Shape().Dim(-1)
	x = Mul(x, weights)
	pooled := ReduceMean(Reshape(x, batchSize, shots, numTokens, dim), 2)
	// Renormalize the plain mean by the mean of the weights.
	weightSums := Reshape(ReduceSum(Reshape(weights, batchSize, shots, numTokens), 2), batchSize, shots, 1)
	return Div(MulScalar(pooled, float64(numTokens)), weightSums)
}
