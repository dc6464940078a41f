// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"testing"

	"github.com/gomlx/compute/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaseConfig(t *testing.T) {
	cfg := BaseConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 24, cfg.GridSize())
	assert.Equal(t, 576, cfg.NumPatches())
	assert.Equal(t, 8, cfg.ExemplarGridSize())
	assert.Equal(t, 64, cfg.ExemplarTokens())
	require.NoError(t, testConfig().Validate())
}

func TestConfigValidate(t *testing.T) {
	for name, cfg := range map[string]*Config{
		"image not divisible by patch":  BaseConfig().WithImageSize(390),
		"grid doesn't upsample to size": BaseConfig().WithPatchSize(8),
		"heads don't divide embedding":  BaseConfig().WithEncoder(768, 12, 10),
		"embedding not divisible by 4":  BaseConfig().WithDecoder(514, 8, 2),
		"exemplar size not poolable":    BaseConfig().WithExemplarEncoder(60, 64, 128, 256),
		"no exemplar stages":            BaseConfig().WithExemplarEncoder(64),
		"head channels not in groups":   BaseConfig().WithHeadChannels(100),
		"no cross blocks":               BaseConfig().WithCrossBlocks(0),
		"negative density scale":        BaseConfig().WithDensityScale(-1),
		"integer dtype":                 BaseConfig().WithDType(dtypes.Int32),
	} {
		assert.Errorf(t, cfg.Validate(), "configuration %q should be invalid", name)
	}
}

func TestConfigFromContext(t *testing.T) {
	ctx := context.New()
	testConfig().SetParams(ctx)
	assert.Equal(t, testConfig(), ConfigFromContext(ctx))

	ctx.SetParams(map[string]any{
		ParamDecoderDepth: 3,
		ParamDensityScale: 100.0,
		ParamDType:        "float64",
	})
	cfg := ConfigFromContext(ctx)
	assert.Equal(t, 3, cfg.DecoderDepth)
	assert.Equal(t, 100.0, cfg.DensityScale)
	assert.Equal(t, dtypes.Float64, cfg.DType)
	assert.Equal(t, 64, cfg.ImageSize)

	for _, invalid := range []string{"int8", "float7"} {
		ctx.SetParam(ParamDType, invalid)
		err := exceptions.TryCatch[error](func() { ConfigFromContext(ctx) })
		require.Error(t, err, "dtype %q", invalid)
		assert.ErrorContains(t, err, ParamDType)
	}
}

func TestConfigClone(t *testing.T) {
	cfg := BaseConfig()
	clone := cfg.Clone()
	clone.ExemplarChannels[0] = 1
	clone.Depth = 1
	assert.Equal(t, 64, cfg.ExemplarChannels[0])
	assert.Equal(t, 12, cfg.Depth)
}
