// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"fmt"
	"slices"

	"github.com/gomlx/compute/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/pkg/errors"
)

// Hyperparameter keys for context configuration.
const (
	ParamImageSize        = "countr_image_size"
	ParamPatchSize        = "countr_patch_size"
	ParamInChannels       = "countr_in_channels"
	ParamEmbedDim         = "countr_embed_dim"
	ParamDepth            = "countr_depth"
	ParamNumHeads         = "countr_num_heads"
	ParamDecoderEmbedDim  = "countr_decoder_embed_dim"
	ParamDecoderDepth     = "countr_decoder_depth"
	ParamDecoderNumHeads  = "countr_decoder_num_heads"
	ParamMLPRatio         = "countr_mlp_ratio"
	ParamNormEpsilon      = "countr_norm_epsilon"
	ParamCrossBlocks      = "countr_cross_blocks"
	ParamNormPixLoss      = "countr_norm_pix_loss"
	ParamExemplarSize     = "countr_exemplar_size"
	ParamExemplarChannels = "countr_exemplar_channels"
	ParamHeadChannels     = "countr_head_channels"
	ParamDensityScale     = "countr_density_scale"
	ParamDType            = "countr_dtype"
)

const (
	// HeadUpsamplings is the number of 2x upsampling stages of the regression head.
	// The patch grid times 2^HeadUpsamplings must match the image size.
	HeadUpsamplings = 4

	// HeadGroups is the number of groups of the group normalizations in the regression head.
	HeadGroups = 8
)

// gateDims are the output dimensions of the linear layers of the exemplar gate.
var gateDims = []int{256, 64, 16, 1}

// GateLayers returns the number of linear layers of the exemplar gate, scoped "gate_0", "gate_1", ...
func GateLayers() int { return len(gateDims) }

// Config holds the architecture of the counting model.
//
// Create it with BaseConfig (or ConfigFromContext), adjust it with the With* methods,
// and pass it to New.
type Config struct {
	ImageSize  int // Side of the square input images.
	PatchSize  int // Side of the square patches of the encoder.
	InChannels int // Channels of the input images.

	EmbedDim int // Encoder embedding dimension.
	Depth    int // Number of encoder blocks.
	NumHeads int // Encoder attention heads.

	DecoderEmbedDim int // Decoder (and exemplar) embedding dimension.
	DecoderDepth    int // Number of image-exemplar cross-attention blocks.
	DecoderNumHeads int // Attention heads of the decoder and of the exemplar aggregator.

	MLPRatio    float64 // Ratio of MLP hidden dimension to embedding dimension.
	NormEpsilon float64 // Epsilon of the layer normalizations.
	CrossBlocks int     // Number of exemplar aggregator blocks.

	// NormPixLoss is carried for training setups that normalize pixel targets. Inference ignores it.
	NormPixLoss bool

	ExemplarSize     int   // Side of the square exemplar crops.
	ExemplarChannels []int // Channels of the pooled exemplar CNN stages. The final stage outputs DecoderEmbedDim.
	HeadChannels     int   // Channels of the regression head convolutions.

	// DensityScale divides the sum of the density map to produce the count.
	DensityScale float64

	DType dtypes.DType // Float32 or Float64.
}

// BaseConfig returns the recommended architecture, known as "mae_vit_base_patch16_dec512d8b":
// 384x384 images, 16x16 patches, a 12-layer 768-wide encoder with 12 heads and an 8-layer 512-wide
// decoder with 16 heads.
func BaseConfig() *Config {
	return &Config{
		ImageSize:        384,
		PatchSize:        16,
		InChannels:       3,
		EmbedDim:         768,
		Depth:            12,
		NumHeads:         12,
		DecoderEmbedDim:  512,
		DecoderDepth:     8,
		DecoderNumHeads:  16,
		MLPRatio:         4,
		NormEpsilon:      1e-6,
		CrossBlocks:      4,
		ExemplarSize:     64,
		ExemplarChannels: []int{64, 128, 256},
		HeadChannels:     256,
		DensityScale:     60,
		DType:            dtypes.Float32,
	}
}

// ConfigFromContext returns BaseConfig adjusted by the context hyperparameters. See Config.FromContext.
func ConfigFromContext(ctx *context.Context) *Config {
	return BaseConfig().FromContext(ctx)
}

// FromContext overwrites the configuration with the hyperparameters set in the context.
// The keys are the Param* constants (e.g. "countr_embed_dim"), and unset keys keep the current value.
//
// It panics if the dtype hyperparameter is not a valid float dtype.
func (c *Config) FromContext(ctx *context.Context) *Config {
	c.ImageSize = context.GetParamOr(ctx, ParamImageSize, c.ImageSize)
	c.PatchSize = context.GetParamOr(ctx, ParamPatchSize, c.PatchSize)
	c.InChannels = context.GetParamOr(ctx, ParamInChannels, c.InChannels)
	c.EmbedDim = context.GetParamOr(ctx, ParamEmbedDim, c.EmbedDim)
	c.Depth = context.GetParamOr(ctx, ParamDepth, c.Depth)
	c.NumHeads = context.GetParamOr(ctx, ParamNumHeads, c.NumHeads)
	c.DecoderEmbedDim = context.GetParamOr(ctx, ParamDecoderEmbedDim, c.DecoderEmbedDim)
	c.DecoderDepth = context.GetParamOr(ctx, ParamDecoderDepth, c.DecoderDepth)
	c.DecoderNumHeads = context.GetParamOr(ctx, ParamDecoderNumHeads, c.DecoderNumHeads)
	c.MLPRatio = context.GetParamOr(ctx, ParamMLPRatio, c.MLPRatio)
	c.NormEpsilon = context.GetParamOr(ctx, ParamNormEpsilon, c.NormEpsilon)
	c.CrossBlocks = context.GetParamOr(ctx, ParamCrossBlocks, c.CrossBlocks)
	c.NormPixLoss = context.GetParamOr(ctx, ParamNormPixLoss, c.NormPixLoss)
	c.ExemplarSize = context.GetParamOr(ctx, ParamExemplarSize, c.ExemplarSize)
	c.ExemplarChannels = context.GetParamOr(ctx, ParamExemplarChannels, c.ExemplarChannels)
	c.HeadChannels = context.GetParamOr(ctx, ParamHeadChannels, c.HeadChannels)
	c.DensityScale = context.GetParamOr(ctx, ParamDensityScale, c.DensityScale)
	dtypeStr := context.GetParamOr(ctx, ParamDType, "")
	if dtypeStr != "" {
		dtype, err := dtypes.DTypeString(dtypeStr)
		if err != nil || !dtype.IsFloat() {
			Panicf("invalid hyperparameter value %s=%q: it must be a float dtype", ParamDType, dtypeStr)
		}
		c.DType = dtype
	}
	return c
}

// SetParams writes the configuration as hyperparameters of the context, so they can be listed
// and changed from the command line (see commandline.ParseContextSettings) and read back with FromContext.
func (c *Config) SetParams(ctx *context.Context) {
	ctx.SetParams(map[string]any{
		ParamImageSize:        c.ImageSize,
		ParamPatchSize:        c.PatchSize,
		ParamInChannels:       c.InChannels,
		ParamEmbedDim:         c.EmbedDim,
		ParamDepth:            c.Depth,
		ParamNumHeads:         c.NumHeads,
		ParamDecoderEmbedDim:  c.DecoderEmbedDim,
		ParamDecoderDepth:     c.DecoderDepth,
		ParamDecoderNumHeads:  c.DecoderNumHeads,
		ParamMLPRatio:         c.MLPRatio,
		ParamNormEpsilon:      c.NormEpsilon,
		ParamCrossBlocks:      c.CrossBlocks,
		ParamNormPixLoss:      c.NormPixLoss,
		ParamExemplarSize:     c.ExemplarSize,
		ParamExemplarChannels: slices.Clone(c.ExemplarChannels),
		ParamHeadChannels:     c.HeadChannels,
		ParamDensityScale:     c.DensityScale,
		ParamDType:            c.DType.String(),
	})
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.ExemplarChannels = slices.Clone(c.ExemplarChannels)
	return &clone
}

// WithImageSize sets the side of the square input images.
func (c *Config) WithImageSize(size int) *Config {
	c.ImageSize = size
	return c
}

// WithPatchSize sets the side of the encoder patches.
func (c *Config) WithPatchSize(size int) *Config {
	c.PatchSize = size
	return c
}

// WithEncoder sets the encoder width, depth and number of heads.
func (c *Config) WithEncoder(embedDim, depth, numHeads int) *Config {
	c.EmbedDim = embedDim
	c.Depth = depth
	c.NumHeads = numHeads
	return c
}

// WithDecoder sets the decoder width, depth and number of heads.
func (c *Config) WithDecoder(embedDim, depth, numHeads int) *Config {
	c.DecoderEmbedDim = embedDim
	c.DecoderDepth = depth
	c.DecoderNumHeads = numHeads
	return c
}

// WithMLPRatio sets the ratio of the MLP hidden dimension to the embedding dimension.
func (c *Config) WithMLPRatio(ratio float64) *Config {
	c.MLPRatio = ratio
	return c
}

// WithNormEpsilon sets the epsilon of the layer normalizations.
func (c *Config) WithNormEpsilon(epsilon float64) *Config {
	c.NormEpsilon = epsilon
	return c
}

// WithCrossBlocks sets the number of exemplar aggregator blocks.
func (c *Config) WithCrossBlocks(n int) *Config {
	c.CrossBlocks = n
	return c
}

// WithExemplarEncoder sets the exemplar crop size and the channels of its pooled CNN stages.
func (c *Config) WithExemplarEncoder(size int, channels ...int) *Config {
	c.ExemplarSize = size
	c.ExemplarChannels = slices.Clone(channels)
	return c
}

// WithHeadChannels sets the width of the regression head.
func (c *Config) WithHeadChannels(channels int) *Config {
	c.HeadChannels = channels
	return c
}

// WithDensityScale sets the scale dividing the density sum to produce counts.
func (c *Config) WithDensityScale(scale float64) *Config {
	c.DensityScale = scale
	return c
}

// WithDType sets the dtype of the model parameters and computation.
func (c *Config) WithDType(dtype dtypes.DType) *Config {
	c.DType = dtype
	return c
}

// GridSize is the number of patches per side of the image.
func (c *Config) GridSize() int { return c.ImageSize / c.PatchSize }

// NumPatches is the number of image tokens.
func (c *Config) NumPatches() int { return c.GridSize() * c.GridSize() }

// ExemplarGridSize is the side of the exemplar feature maps, after the pooled CNN stages.
func (c *Config) ExemplarGridSize() int { return c.ExemplarSize >> len(c.ExemplarChannels) }

// ExemplarTokens is the number of tokens per exemplar.
func (c *Config) ExemplarTokens() int { return c.ExemplarGridSize() * c.ExemplarGridSize() }

// Validate checks the configuration is consistent.
func (c *Config) Validate() error {
	for _, field := range []struct {
		name  string
		value int
	}{
		{"ImageSize", c.ImageSize}, {"PatchSize", c.PatchSize}, {"InChannels", c.InChannels},
		{"EmbedDim", c.EmbedDim}, {"Depth", c.Depth}, {"NumHeads", c.NumHeads},
		{"DecoderEmbedDim", c.DecoderEmbedDim}, {"DecoderDepth", c.DecoderDepth},
		{"DecoderNumHeads", c.DecoderNumHeads}, {"CrossBlocks", c.CrossBlocks},
		{"ExemplarSize", c.ExemplarSize}, {"HeadChannels", c.HeadChannels},
	} {
		if field.value <= 0 {
			return errors.Errorf("model.Config.%s must be positive, got %d", field.name, field.value)
		}
	}
	if c.MLPRatio <= 0 {
		return errors.Errorf("model.Config.MLPRatio must be positive, got %g", c.MLPRatio)
	}
	if c.NormEpsilon <= 0 {
		return errors.Errorf("model.Config.NormEpsilon must be positive, got %g", c.NormEpsilon)
	}
	if c.DensityScale <= 0 {
		return errors.Errorf("model.Config.DensityScale must be positive, got %g", c.DensityScale)
	}
	if c.ImageSize%c.PatchSize != 0 {
		return errors.Errorf("image size %d is not divisible by patch size %d", c.ImageSize, c.PatchSize)
	}
	if c.GridSize()<<HeadUpsamplings != c.ImageSize {
		return errors.Errorf("the regression head upsamples the %dx%d patch grid %d times by 2, which doesn't match the image size %d",
			c.GridSize(), c.GridSize(), HeadUpsamplings, c.ImageSize)
	}
	if c.EmbedDim%c.NumHeads != 0 {
		return errors.Errorf("encoder embedding dimension %d is not divisible by its number of heads %d", c.EmbedDim, c.NumHeads)
	}
	if c.DecoderEmbedDim%c.DecoderNumHeads != 0 {
		return errors.Errorf("decoder embedding dimension %d is not divisible by its number of heads %d",
			c.DecoderEmbedDim, c.DecoderNumHeads)
	}
	if c.EmbedDim%4 != 0 || c.DecoderEmbedDim%4 != 0 {
		return errors.Errorf("2D sine-cosine positional embeddings require embedding dimensions divisible by 4, got %d and %d",
			c.EmbedDim, c.DecoderEmbedDim)
	}
	if len(c.ExemplarChannels) == 0 {
		return errors.New("model.Config.ExemplarChannels must have at least one stage")
	}
	for ii, channels := range c.ExemplarChannels {
		if channels <= 0 {
			return errors.Errorf("model.Config.ExemplarChannels[%d] must be positive, got %d", ii, channels)
		}
	}
	if c.ExemplarGridSize() == 0 || c.ExemplarGridSize()<<len(c.ExemplarChannels) != c.ExemplarSize {
		return errors.Errorf("exemplar size %d is not divisible by 2^%d, for the pooled exemplar stages",
			c.ExemplarSize, len(c.ExemplarChannels))
	}
	if c.HeadChannels%HeadGroups != 0 {
		return errors.Errorf("head channels %d not divisible by the %d normalization groups", c.HeadChannels, HeadGroups)
	}
	if c.DType != dtypes.Float32 && c.DType != dtypes.Float64 {
		return errors.Errorf("model.Config.DType must be Float32 or Float64, got %s", c.DType)
	}
	return nil
}

// String implements fmt.Stringer.
func (c *Config) String() string {
	return fmt.Sprintf("image %dx%d/%d, encoder %dx%d (%d heads), decoder %dx%d (%d heads), %d cross blocks, exemplars %dx%d %v, head %d, %s",
		c.ImageSize, c.ImageSize, c.PatchSize, c.EmbedDim, c.Depth, c.NumHeads,
		c.DecoderEmbedDim, c.DecoderDepth, c.DecoderNumHeads, c.CrossBlocks,
		c.ExemplarSize, c.ExemplarSize, c.ExemplarChannels, c.HeadChannels, c.DType)
}
