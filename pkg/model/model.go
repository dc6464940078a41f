// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package model implements a class-agnostic object counting model: given an image and a few
// exemplar crops of the object type to count, it predicts a density map whose sum, divided
// by the configured density scale, approximates the number of objects.
//
// The model is made of:
//
//   - Encoder: a ViT (patch embedding, frozen 2D sine-cosine positional embedding and transformer
//     blocks), whose output is treated as a constant (no gradients flow into it).
//   - ExemplarEncoder: a small CNN mapping each exemplar crop to a grid of tokens.
//   - AggregateExemplars: cross-attention blocks over the exemplar tokens, whose attention
//     coefficients drive a learned gate weighting each token. Pooled per exemplar.
//   - Decoder: cross-attention blocks where the image tokens attend to the exemplar embeddings.
//   - RegressionHead: convolutions with group normalization and 2x bilinear upsampling back to the
//     image resolution.
//
// All tensors are channels-first: images are `[batch, channels, height, width]` and exemplars are
// `[batch, maxShots, channels, exemplarSize, exemplarSize]`.
package model

import (
	"math"

	"github.com/gomlx/compute/shapes"
	"github.com/gomlx/counting/pkg/posembed"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/pkg/errors"
)

// Scopes of the model components, under the context given to New and Model.Forward.
const (
	EncoderScope         = "encoder"
	ExemplarEncoderScope = "exemplar_encoder"
	AggregatorScope      = "aggregator"
	DecoderScope         = "decoder"
	HeadScope            = "head"

	// PosEmbedVariable is the name of the frozen positional embedding variable, in the
	// EncoderScope and DecoderScope scopes.
	PosEmbedVariable = "pos_embed"

	// ShotTokenVariable is the name of the learned exemplar embedding used when no exemplars
	// are given, in the root scope of the model.
	ShotTokenVariable = "shot_token"

	// ShotTokenStddev is the standard deviation of the initial value of the shot token.
	ShotTokenStddev = 0.02
)

// Model builds the computation graph of the counting model. It holds only the configuration:
// the parameters live in the context.
type Model struct {
	config *Config
}

// New validates the configuration and creates the frozen positional embeddings of the model in ctx.
// The other variables are created the first time the model graph is built.
//
// The positional embeddings are always (re-)computed here, overwriting any previous value
// with the same shape, for instance one loaded from a checkpoint.
func New(ctx *context.Context, config *Config) (*Model, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid counting model configuration")
	}
	m := &Model{config: config.Clone()}
	gridSize := m.config.GridSize()
	err := TryCatch[error](func() {
		setFrozenVariable(ctx.In(EncoderScope), PosEmbedVariable,
			posembed.Tensor(m.config.DType, m.config.EmbedDim, gridSize))
		setFrozenVariable(ctx.In(DecoderScope), PosEmbedVariable,
			posembed.Tensor(m.config.DType, m.config.DecoderEmbedDim, gridSize))
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create positional embeddings")
	}
	return m, nil
}

// Config returns a copy of the model configuration.
func (m *Model) Config() *Config {
	return m.config.Clone()
}

// Forward builds the graph of the full model: images `[batch, InChannels, ImageSize, ImageSize]`
// and exemplars `[batch, maxShots, InChannels, ExemplarSize, ExemplarSize]` are mapped to the density map
// `[batch, ImageSize, ImageSize]`.
//
// Only the first shots exemplars are used, and shots can be 0, in which case exemplars are not read
// at all (it can then be nil).
//
// Variables are created if they don't exist yet: to build a second graph on the same context, or to
// use variables loaded from a checkpoint, pass ctx.Reuse() or ctx.Checked(false).
func (m *Model) Forward(ctx *context.Context, images, exemplars *Node, shots int) *Node {
	ctx = ctx.WithInitializer(linearInitializer(ctx))
	latent := m.Encoder(ctx.In(EncoderScope), images)
	return m.Decode(ctx, latent, exemplars, shots)
}

// Decode builds the trainable part of the model: from the latent image tokens `[batch, numPatches, EmbedDim]`
// and the exemplars to the density map. See Forward.
//
// ctx is the root scope of the model, the same given to Forward.
func (m *Model) Decode(ctx *context.Context, latent, exemplars *Node, shots int) *Node {
	batchSize := latent.Shape().Dim(0)
	var exemplarEmbed *Node
	if shots > 0 {
		if exemplars == nil {
			Panicf("exemplars must be given for shots=%d", shots)
		}
		if exemplars.Shape().Dim(0) != batchSize {
			Panicf("exemplars batch size (%s) doesn't match images batch size %d", exemplars.Shape(), batchSize)
		}
		tokens := m.ExemplarEncoder(ctx.In(ExemplarEncoderScope), exemplars, shots)
		exemplarEmbed = m.AggregateExemplars(ctx.In(AggregatorScope), tokens, shots)
	} else {
		exemplarEmbed = m.ShotToken(ctx, latent.Graph(), batchSize)
	}
	x := m.Decoder(ctx.In(DecoderScope), latent, exemplarEmbed)
	return m.RegressionHead(ctx.In(HeadScope), x)
}

// ShotToken returns the learned fallback exemplar embedding, broadcast to `[batchSize, 1, DecoderEmbedDim]`.
func (m *Model) ShotToken(ctx *context.Context, g *Graph, batchSize int) *Node {
	dim := m.config.DecoderEmbedDim
	tokenVar := ctx.WithInitializer(initializers.RandomNormalFn(ctx, ShotTokenStddev)).
		VariableWithShape(ShotTokenVariable, shapes.Make(m.config.DType, dim))
	token := Reshape(tokenVar.ValueGraph(g), 1, 1, dim)
	return BroadcastToDims(token, batchSize, 1, dim)
}

// frozenValue returns the value of a variable created by New.
func frozenValue(ctx *context.Context, g *Graph, name string) *Node {
	v := ctx.GetVariable(name)
	if v == nil {
		Panicf("variable %q not found in scope %q: the counting model must be created with model.New", name, ctx.Scope())
	}
	return v.ValueGraph(g)
}

// setFrozenVariable creates or overwrites the non-trainable variable name in the ctx scope.
func setFrozenVariable(ctx *context.Context, name string, value *tensors.Tensor) {
	v := ctx.GetVariable(name)
	if v == nil {
		ctx.Checked(false).VariableWithValue(name, value).SetTrainable(false)
		return
	}
	if !v.Shape().Equal(value.Shape()) {
		Panicf("variable %q in scope %q has shape %s, but %s is required", name, ctx.Scope(), v.Shape(), value.Shape())
	}
	if err := v.SetValue(value); err != nil {
		panic(errors.WithMessagef(err, "failed to set variable %q in scope %q", name, ctx.Scope()))
	}
	v.SetTrainable(false)
}

// linearInitializer initializes biases (rank <= 1) with zeros and weights with Xavier (Glorot) uniform,
// that is, uniformly in ±sqrt(6/(fanIn+fanOut)).
//
// Dense kernels are `[in, out...]`. Rank-4 kernels are convolutions `[out, in, height, width]` (the patch
// embedding), whose fan-in is the size of all but the first axis.
func linearInitializer(ctx *context.Context) initializers.VariableInitializer {
	return func(g *Graph, shape shapes.Shape) *Node {
		if shape.Rank() <= 1 {
			return initializers.Zero(g, shape)
		}
		fanIn, fanOut := linearFans(shape)
		limit := math.Sqrt(6 / float64(fanIn+fanOut))
		return initializers.RandomUniformFn(ctx, -limit, limit)(g, shape)
	}
}

func linearFans(shape shapes.Shape) (fanIn, fanOut int) {
	first := shape.Dimensions[0]
	if shape.Rank() == 4 {
		return shape.Size() / first, first
	}
	return first, shape.Size() / first
}

// convInitializer initializes both the kernel and the bias of a convolution uniformly in ±1/sqrt(fanIn),
// where fanIn is the number of input channels times the kernel area.
func convInitializer(ctx *context.Context, fanIn int) initializers.VariableInitializer {
	bound := 1 / math.Sqrt(float64(fanIn))
	return initializers.RandomUniformFn(ctx, -bound, bound)
}
