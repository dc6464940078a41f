// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package preprocess

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/gomlx/compute/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// DensityOpacity is the opacity of the density map drawn over the image by SaveDensity.
const DensityOpacity = 0.6

// DensityImage renders a density map shaped `[height, width]` (or `[1, height, width]`) as a heat map:
// zero density is transparent black and the maximum density is opaque yellow.
func DensityImage(density *tensors.Tensor) (*image.NRGBA, error) {
	dims := density.Shape().Dimensions
	if len(dims) == 3 && dims[0] == 1 {
		dims = dims[1:]
	}
	if len(dims) != 2 {
		return nil, errors.Errorf("density must be shaped [height, width] or [1, height, width], got %s", density.Shape())
	}
	var values []float64
	switch density.DType() {
	case dtypes.Float32:
		for _, v := range tensors.MustCopyFlatData[float32](density) {
			values = append(values, float64(v))
		}
	case dtypes.Float64:
		values = tensors.MustCopyFlatData[float64](density)
	default:
		return nil, errors.Errorf("density must be Float32 or Float64, got %s", density.DType())
	}

	var maxValue float64
	for _, v := range values {
		maxValue = max(maxValue, v)
	}
	height, width := dims[0], dims[1]
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			var level float64
			if maxValue > 0 {
				level = max(values[y*width+x], 0) / maxValue
			}
			img.SetNRGBA(x, y, heat(level))
		}
	}
	return img, nil
}

// heat maps level in [0, 1] to a black-red-yellow color, with alpha proportional to the level.
func heat(level float64) color.NRGBA {
	red := min(2*level, 1)
	green := max(2*level-1, 0)
	return color.NRGBA{R: uint8(255 * red), G: uint8(255 * green), A: uint8(255 * level)}
}

// SaveDensity draws the density map over background (resized to the background size) and saves it to
// path. The format is given by the file extension (".png", ".jpg", ...).
func SaveDensity(path string, density *tensors.Tensor, background image.Image) error {
	heatMap, err := DensityImage(density)
	if err != nil {
		return err
	}
	size := background.Bounds().Size()
	resized := imaging.Resize(heatMap, size.X, size.Y, imaging.Linear)
	overlay := imaging.Overlay(imaging.Clone(background), resized, image.Pt(0, 0), DensityOpacity)
	return errors.Wrapf(imaging.Save(overlay, path), "failed to save density map to %q", path)
}
