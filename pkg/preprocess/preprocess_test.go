// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package preprocess

import (
	"image"
	"image/color"
	"image/draw"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/compute/dtypes"
	"github.com/gomlx/counting/pkg/model"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testImage returns a 100x80 blue image with a red square at [10,50)x[20,60).
func testImage() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, 100, 80))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.NRGBA{B: 255, A: 255}}, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(10, 20, 50, 60), &image.Uniform{C: color.NRGBA{R: 255, A: 255}}, image.Point{}, draw.Src)
	return img
}

func TestParseBoxes(t *testing.T) {
	boxes, err := ParseBoxes("10,20,50,60; 0.5,1,2.5,3;")
	require.NoError(t, err)
	assert.Equal(t, []Box{{10, 20, 50, 60}, {0.5, 1, 2.5, 3}}, boxes)
	assert.Equal(t, image.Rect(0, 1, 3, 3), boxes[1].Rect())

	boxes, err = ParseBoxes("")
	require.NoError(t, err)
	assert.Empty(t, boxes)

	for _, invalid := range []string{"1,2,3", "1,2,3,x", "10,10,5,20", "1,2,3,4,5"} {
		_, err = ParseBoxes(invalid)
		assert.Errorf(t, err, "boxes %q", invalid)
	}
}

func TestExample(t *testing.T) {
	p := New(model.BaseConfig().WithImageSize(64).WithExemplarEncoder(16, 8, 8), 3)
	assert.Equal(t, 64, p.ImageSize)
	assert.Equal(t, 16, p.ExemplarSize)

	// The first box is the red square, the second is fully blue and the third shot is zero padding.
	boxes := []Box{{10, 20, 50, 60}, {60, 0, 100, 10}}
	ex, err := p.Example(testImage(), boxes)
	require.NoError(t, err)
	assert.Equal(t, 2, ex.Shots)
	assert.Equal(t, []int{1, 3, 64, 64}, ex.Image.Shape().Dimensions)
	assert.Equal(t, []int{1, 3, 3, 16, 16}, ex.Exemplars.Shape().Dimensions)
	assert.Equal(t, dtypes.Float32, ex.Exemplars.DType())

	// Exemplars are [1, shots, channels, 16, 16]: check the mean of each channel of each shot.
	data := tensors.MustCopyFlatData[float32](ex.Exemplars)
	plane := 16 * 16
	channelMean := func(shot, channel int) float64 {
		var sum float64
		start := (shot*3 + channel) * plane
		for _, v := range data[start : start+plane] {
			sum += float64(v)
		}
		return sum / float64(plane)
	}
	want := [3][3]float64{{1, 0, 0}, {0, 0, 1}, {0, 0, 0}}
	for shot := range 3 {
		for channel := range 3 {
			assert.InDeltaf(t, want[shot][channel], channelMean(shot, channel), 1e-3, "shot=%d, channel=%d", shot, channel)
		}
	}

	// Image is channels-first, values in [0, 1]: the top-left corner is blue.
	pixels := tensors.MustCopyFlatData[float32](ex.Image)
	assert.InDelta(t, 0.0, pixels[0], 1e-3)
	assert.InDelta(t, 1.0, pixels[2*64*64], 1e-3)

	// Boxes beyond MaxShots are ignored.
	ex, err = p.Example(testImage(), append(boxes, Box{0, 0, 5, 5}, Box{0, 0, 5, 5}))
	require.NoError(t, err)
	assert.Equal(t, 3, ex.Shots)

	// Boxes outside the image.
	_, err = p.Example(testImage(), []Box{{200, 200, 210, 210}})
	require.Error(t, err)

	p.DType = dtypes.Float64
	ex, err = p.Example(testImage(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, ex.Shots)
	assert.Equal(t, dtypes.Float64, ex.Image.DType())
	assert.Equal(t, dtypes.Float64, ex.Exemplars.DType())

	p.DType = dtypes.Int32
	_, err = p.Example(testImage(), nil)
	require.Error(t, err)
}

func TestAnnotations(t *testing.T) {
	dir := t.TempDir()
	annotationsPath := filepath.Join(dir, "annotation_FSC147_384.json")
	require.NoError(t, os.WriteFile(annotationsPath, []byte(`{
		"2.jpg": {
			"box_examples_coordinates": [[[10, 20], [10, 60], [50, 60], [50, 20]], [[1, 1], [1, 1], [1, 1], [1, 1]], []],
			"points": [[12.5, 30], [40, 41], [5, 5]],
			"H": 384, "W": 512
		},
		"1.jpg": {"box_examples_coordinates": [], "points": []}
	}`), 0o644))
	annotations, err := ReadAnnotations(annotationsPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"1.jpg", "2.jpg"}, SortedNames(annotations))
	assert.Equal(t, 3, annotations["2.jpg"].Count())
	assert.Equal(t, []Box{{10, 20, 50, 60}}, annotations["2.jpg"].Boxes())
	assert.Empty(t, annotations["1.jpg"].Boxes())

	splitsPath := filepath.Join(dir, "Train_Test_Val_FSC_147.json")
	require.NoError(t, os.WriteFile(splitsPath, []byte(`{"train": ["1.jpg"], "test": ["2.jpg"]}`), 0o644))
	splits, err := ReadSplits(splitsPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"2.jpg"}, splits["test"])

	_, err = ReadAnnotations(filepath.Join(dir, "missing.json"))
	require.Error(t, err)
	_, err = ReadSplits(annotationsPath)
	require.Error(t, err)
}

func TestDensity(t *testing.T) {
	density := tensors.FromValue([][][]float32{{{0, 1}, {2, 4}}})
	heatMap, err := DensityImage(density)
	require.NoError(t, err)
	assert.Equal(t, image.Pt(2, 2), heatMap.Bounds().Size())
	assert.Equal(t, color.NRGBA{}, heatMap.NRGBAAt(0, 0))
	assert.Equal(t, color.NRGBA{R: 255, G: 255, A: 255}, heatMap.NRGBAAt(1, 1))
	assert.Equal(t, color.NRGBA{R: 255, A: 127}, heatMap.NRGBAAt(0, 1))

	_, err = DensityImage(tensors.FromValue([]float32{1, 2}))
	require.Error(t, err)

	// All zeros is fully transparent.
	heatMap, err = DensityImage(tensors.FromValue([][]float64{{0, 0}}))
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{}, heatMap.NRGBAAt(1, 0))

	path := filepath.Join(t.TempDir(), "density.png")
	require.NoError(t, SaveDensity(path, density, testImage()))
	saved, err := LoadImage(path)
	require.NoError(t, err)
	assert.Equal(t, image.Pt(100, 80), saved.Bounds().Size())

	_, err = LoadImage(filepath.Join(t.TempDir(), "missing.png"))
	require.Error(t, err)
	require.Error(t, SaveDensity(filepath.Join(t.TempDir(), "density.unknown"), density, imaging.New(4, 4, color.Black)))
}
