// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/counting/pkg/checkpoint"
	"github.com/gomlx/counting/pkg/model"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestPredictor creates a small randomly initialized model, configured as it would be from the command line.
func newTestPredictor(t *testing.T) *model.Predictor {
	ctx := context.New()
	model.BaseConfig().SetParams(ctx)
	settings := "countr_image_size=64;countr_embed_dim=32;countr_depth=1;countr_num_heads=2;" +
		"countr_decoder_embed_dim=32;countr_decoder_depth=1;countr_decoder_num_heads=2;countr_cross_blocks=1;" +
		"countr_exemplar_size=16;countr_exemplar_channels=8,8;countr_head_channels=16"
	must.M1(commandline.ParseContextSettings(ctx, settings))
	predictor, err := newPredictor(graphtest.BuildTestBackend(), ctx)
	require.NoError(t, err)
	t.Cleanup(predictor.Finalize)
	assert.Equal(t, 64, predictor.Model().Config().ImageSize)
	return predictor
}

func writeTestImage(t *testing.T, dir, name string) string {
	img := imaging.New(120, 90, color.NRGBA{G: 200, A: 255})
	img = imaging.Paste(img, imaging.New(20, 20, color.White), image.Pt(30, 30))
	path := filepath.Join(dir, name)
	require.NoError(t, imaging.Save(img, path))
	return path
}

func TestCountImage(t *testing.T) {
	predictor := newTestPredictor(t)
	dir := t.TempDir()
	imagePath := writeTestImage(t, dir, "image.png")
	densityPath := filepath.Join(dir, "density.png")

	require.NoError(t, countImage(predictor, imagePath, "30,30,50,50;0,0,10,10", densityPath))
	_, err := os.Stat(densityPath)
	require.NoError(t, err)

	// Zero-shot.
	require.NoError(t, countImage(predictor, imagePath, "", ""))

	require.Error(t, countImage(predictor, imagePath, "1,2,3", ""))
	require.Error(t, countImage(predictor, filepath.Join(dir, "missing.png"), "", ""))
	require.Error(t, countImage(predictor, imagePath, "500,500,510,510", ""))
}

func TestEvaluate(t *testing.T) {
	predictor := newTestPredictor(t)
	dir := t.TempDir()
	writeTestImage(t, dir, "1.png")
	writeTestImage(t, dir, "2.png")
	annotationsPath := filepath.Join(dir, "annotations.json")
	require.NoError(t, os.WriteFile(annotationsPath, []byte(`{
		"1.png": {"box_examples_coordinates": [[[30, 30], [30, 50], [50, 50], [50, 30]]], "points": [[40, 40]]},
		"2.png": {"box_examples_coordinates": [], "points": [[40, 40], [1, 1]]}
	}`), 0o644))
	splitsPath := filepath.Join(dir, "splits.json")
	require.NoError(t, os.WriteFile(splitsPath, []byte(`{"test": ["2.png", "3.png"], "val": []}`), 0o644))

	require.NoError(t, evaluate(predictor, annotationsPath, dir, "", "", 0))
	require.NoError(t, evaluate(predictor, annotationsPath, dir, "", "", 1))
	require.NoError(t, evaluate(predictor, annotationsPath, dir, splitsPath, "test", 0))
	require.Error(t, evaluate(predictor, annotationsPath, dir, splitsPath, "val", 0))
	require.Error(t, evaluate(predictor, annotationsPath, dir, splitsPath, "train", 0))
	require.Error(t, evaluate(predictor, annotationsPath, filepath.Join(dir, "missing"), "", "", 0))
}

func TestListCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "countr.safetensors")
	require.NoError(t, checkpoint.WriteSafetensors(path, map[string]*tensors.Tensor{
		"shot_token":          tensors.FromValue([]float32{1, -2, 3, -4}),
		"pos_embed":           tensors.FromValue([][]float32{{0, 1}}),
		"blocks.0.norm1.bias": tensors.FromValue([]float32{0.5}),
		"unexpected.weight":   tensors.FromValue([]float64{1, 2}),
	}, nil))
	ckpt, err := checkpoint.ReadSafetensors(path)
	require.NoError(t, err)
	assert.Equal(t, 1, listCheckpoint(ckpt, model.BaseConfig()))
}

func TestReadCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "countr.safetensors")
	require.NoError(t, checkpoint.WriteSafetensors(path, map[string]*tensors.Tensor{
		"shot_token": tensors.FromValue([]float32{1, -2, 3, -4}),
	}, nil))
	setFlag := func(f *string, value string) {
		previous := *f
		*f = value
		t.Cleanup(func() { *f = previous })
	}

	ckpt, source, err := readCheckpoint()
	require.NoError(t, err)
	assert.Nil(t, ckpt, "no checkpoint flags")
	assert.Empty(t, source)

	setFlag(flagCheckpoint, path)
	ckpt, source, err = readCheckpoint()
	require.NoError(t, err)
	assert.Equal(t, []string{"shot_token"}, ckpt.Names())
	assert.Contains(t, source, path)

	setFlag(flagCheckpoint, filepath.Join(t.TempDir(), "missing.safetensors"))
	_, _, err = readCheckpoint()
	require.Error(t, err)
}

func TestTensorStats(t *testing.T) {
	mav, rms, maxAV := tensorStats([]float32{3, -4})
	assert.InDelta(t, 3.5, mav, 1e-6)
	assert.InDelta(t, math.Sqrt(12.5), rms, 1e-6)
	assert.InDelta(t, 4.0, maxAV, 1e-6)

	mav, rms, maxAV = tensorStats(nil)
	assert.Zero(t, mav+rms+maxAV)
}
