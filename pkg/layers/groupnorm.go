// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package layers implements the normalization layers for channels-first feature maps that
// the counting model needs on top of GoMLX's layers: group normalization and instance
// normalization.
package layers

import (
	"github.com/gomlx/compute/shapes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// DefaultEpsilon is the epsilon added to the variance by GroupNormalization and
// InstanceNormalization unless configured otherwise.
const DefaultEpsilon = 1e-5

// GroupNormBuilder holds the configuration of a group normalization. Create it with
// GroupNormalization, configure it, and call Done.
type GroupNormBuilder struct {
	ctx          *context.Context
	x            *Node
	numGroups    int
	epsilon      float64
	channelsAxis images.ChannelsAxisConfig
	affine       bool
}

// GroupNormalization normalizes x over groups of channels: channels are split into numGroups
// contiguous groups and each group is normalized (mean 0, variance 1) over its channels and
// all spatial positions, separately for each example of the batch.
//
// x must be shaped `[batch, channels, spatial...]` (the default, images.ChannelsFirst) or
// `[batch, spatial..., channels]` (images.ChannelsLast), and the number of channels must be
// divisible by numGroups.
//
// By default it learns a per-channel gain (variable "gain", initialized to 1) and offset
// (variable "offset", initialized to 0), under the scope "group_normalization".
//
// Based on "Group Normalization" (Yuxin Wu, Kaiming He), https://arxiv.org/abs/1803.08494
func GroupNormalization(ctx *context.Context, x *Node, numGroups int) *GroupNormBuilder {
	return &GroupNormBuilder{
		ctx:          ctx.In("group_normalization"),
		x:            x,
		numGroups:    numGroups,
		epsilon:      DefaultEpsilon,
		channelsAxis: images.ChannelsFirst,
		affine:       true,
	}
}

// Epsilon added to the variance. Default is DefaultEpsilon.
func (b *GroupNormBuilder) Epsilon(value float64) *GroupNormBuilder {
	b.epsilon = value
	return b
}

// ChannelsAxis configures the layout of x. Default is images.ChannelsFirst.
func (b *GroupNormBuilder) ChannelsAxis(config images.ChannelsAxisConfig) *GroupNormBuilder {
	b.channelsAxis = config
	return b
}

// Affine defines whether to learn the per-channel gain and offset. Default is true.
func (b *GroupNormBuilder) Affine(value bool) *GroupNormBuilder {
	b.affine = value
	return b
}

// Done builds the normalization and returns the normalized x, with the same shape as x.
func (b *GroupNormBuilder) Done() *Node {
	x := b.x
	if x.Rank() < 3 {
		Panicf("GroupNormalization requires x to be shaped [batch, channels, spatial...], got %s", x.Shape())
	}
	if b.channelsAxis == images.ChannelsLast {
		// Move channels to axis 1 and back at the end.
		x = TransposeAllDims(x, channelsLastToFirst(x.Rank())...)
	}
	dims := x.Shape().Dimensions
	batchSize, numChannels := dims[0], dims[1]
	if b.numGroups <= 0 || numChannels%b.numGroups != 0 {
		Panicf("GroupNormalization: %d channels not divisible by %d groups", numChannels, b.numGroups)
	}
	grouped := Reshape(x, batchSize, b.numGroups, -1)
	normalized := Reshape(normalizeAxes(grouped, b.epsilon, 2), dims...)

	if b.affine {
		g := x.Graph()
		paramShape := shapes.Make(x.DType(), numChannels)
		broadcastDims := make([]int, x.Rank())
		for ii := range broadcastDims {
			broadcastDims[ii] = 1
		}
		broadcastDims[1] = numChannels
		gain := b.ctx.WithInitializer(initializers.One).VariableWithShape("gain", paramShape).ValueGraph(g)
		offset := b.ctx.WithInitializer(initializers.Zero).VariableWithShape("offset", paramShape).ValueGraph(g)
		normalized = Add(Mul(normalized, Reshape(gain, broadcastDims...)), Reshape(offset, broadcastDims...))
	}

	if b.channelsAxis == images.ChannelsLast {
		normalized = TransposeAllDims(normalized, channelsFirstToLast(normalized.Rank())...)
	}
	return normalized
}

// InstanceNormalization normalizes each channel of each example of x (shaped
// `[batch, channels, spatial...]`) over its spatial positions. It has no learned parameters.
//
// It is equivalent to a group normalization with one group per channel and no affine transformation.
func InstanceNormalization(x *Node, epsilon float64) *Node {
	if x.Rank() < 3 {
		Panicf("InstanceNormalization requires x to be shaped [batch, channels, spatial...], got %s", x.Shape())
	}
	dims := x.Shape().Dimensions
	flat := Reshape(x, dims[0], dims[1], -1)
	return Reshape(normalizeAxes(flat, epsilon, 2), dims...)
}

// normalizeAxes uses the biased variance, as in the papers.
func normalizeAxes(x *Node, epsilon float64, axes ...int) *Node {
	mean := ReduceAndKeep(x, ReduceMean, axes...)
	centered := Sub(x, mean)
	variance := ReduceAndKeep(Square(centered), ReduceMean, axes...)
	return Mul(centered, Rsqrt(AddScalar(variance, epsilon)))
}

func channelsLastToFirst(rank int) []int {
	perm := make([]int, 0, rank)
	perm = append(perm, 0, rank-1)
	for axis := 1; axis < rank-1; axis++ {
		perm = append(perm, axis)
	}
	return perm
}

func channelsFirstToLast(rank int) []int {
	perm := make([]int, 0, rank)
	perm = append(perm, 0)
	for axis := 2; axis < rank; axis++ {
		perm = append(perm, axis)
	}
	return append(perm, 1)
}
