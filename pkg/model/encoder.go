// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"github.com/gomlx/counting/pkg/layers/vit"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

func (m *Model) encoderBlockConfig() vit.Config {
	return vit.Config{NumHeads: m.config.NumHeads, MLPRatio: m.config.MLPRatio, NormEpsilon: m.config.NormEpsilon}
}

func (m *Model) decoderBlockConfig() vit.Config {
	return vit.Config{NumHeads: m.config.DecoderNumHeads, MLPRatio: m.config.MLPRatio, NormEpsilon: m.config.NormEpsilon}
}

// Encoder maps images `[batch, InChannels, ImageSize, ImageSize]` to the latent image tokens
// `[batch, numPatches, EmbedDim]`.
//
// The output is wrapped in a StopGradient: the encoder is a fixed feature extractor and receives
// no gradient from the rest of the model. It has no dropout, so training and inference outputs are the same.
//
// ctx should be scoped at EncoderScope.
func (m *Model) Encoder(ctx *context.Context, images *Node) *Node {
	cfg := m.config
	if images.Rank() != 4 {
		Panicf("images must be shaped [batch, channels, height, width], got %s", images.Shape())
	}
	dims := images.Shape().Dimensions
	if dims[1] != cfg.InChannels {
		Panicf("images have %d channels, model expects %d (images shape %s)", dims[1], cfg.InChannels, images.Shape())
	}
	if dims[2]%cfg.PatchSize != 0 || dims[3]%cfg.PatchSize != 0 {
		Panicf("image size %dx%d is not divisible by the patch size %d", dims[2], dims[3], cfg.PatchSize)
	}
	if dims[2] != cfg.ImageSize || dims[3] != cfg.ImageSize {
		Panicf("images must be %dx%d, got %dx%d", cfg.ImageSize, cfg.ImageSize, dims[2], dims[3])
	}
	g := images.Graph()

	x := vit.PatchEmbed(ctx, images, cfg.PatchSize, cfg.EmbedDim)
	posEmbed := frozenValue(ctx, g, PosEmbedVariable)
	x = Add(x, InsertAxes(posEmbed, 0))

	blockCfg := m.encoderBlockConfig()
	for ii := range cfg.Depth {
		x = vit.Block(ctx.Inf("block_%d", ii), x, blockCfg)
	}
	x = vit.LayerNorm(ctx.In("norm"), x, cfg.NormEpsilon)
	return StopGradient(x)
}
