// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package preprocess converts images and exemplar boxes to the tensors taken by the counting model,
// and reads FSC-147 style annotations.
package preprocess

import (
	"image"
	"math"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gomlx/compute/dtypes"
	"github.com/gomlx/counting/pkg/model"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/pkg/errors"
)

// Box is an exemplar bounding box in pixel coordinates of the original image.
type Box struct {
	X0, Y0, X1, Y1 float64
}

// Rect returns the box as an image.Rectangle, rounding outwards.
func (b Box) Rect() image.Rectangle {
	return image.Rect(
		int(math.Floor(b.X0)), int(math.Floor(b.Y0)),
		int(math.Ceil(b.X1)), int(math.Ceil(b.Y1)))
}

// ParseBoxes parses boxes formatted as "x0,y0,x1,y1;x0,y0,x1,y1;...".
func ParseBoxes(s string) ([]Box, error) {
	var boxes []Box
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Split(part, ",")
		if len(fields) != 4 {
			return nil, errors.Errorf("box %q must have 4 coordinates x0,y0,x1,y1", part)
		}
		var coords [4]float64
		for ii, field := range fields {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid coordinate in box %q", part)
			}
			coords[ii] = v
		}
		box := Box{X0: coords[0], Y0: coords[1], X1: coords[2], Y1: coords[3]}
		if box.X1 <= box.X0 || box.Y1 <= box.Y0 {
			return nil, errors.Errorf("box %q is empty: x1 and y1 must be larger than x0 and y0", part)
		}
		boxes = append(boxes, box)
	}
	return boxes, nil
}

// Preprocessor converts images and exemplar boxes to model inputs.
type Preprocessor struct {
	ImageSize, ExemplarSize int
	MaxShots                int
	DType                   dtypes.DType
	Filter                  imaging.ResampleFilter
}

// New returns a Preprocessor for a model with the given configuration, taking up to maxShots exemplars.
func New(config *model.Config, maxShots int) *Preprocessor {
	return &Preprocessor{
		ImageSize:    config.ImageSize,
		ExemplarSize: config.ExemplarSize,
		MaxShots:     maxShots,
		DType:        config.DType,
		Filter:       imaging.Linear,
	}
}

// Example holds the model inputs for one image, with a batch dimension of 1.
type Example struct {
	// Image is shaped `[1, channels, ImageSize, ImageSize]`, with values in [0, 1].
	Image *tensors.Tensor

	// Exemplars is shaped `[1, MaxShots, channels, ExemplarSize, ExemplarSize]`. Unused shots are zero.
	Exemplars *tensors.Tensor

	// Shots is the number of exemplars given, at most MaxShots.
	Shots int
}

// Example resizes img and crops the exemplars given by boxes (in img coordinates).
// Boxes beyond MaxShots are ignored.
func (p *Preprocessor) Example(img image.Image, boxes []Box) (*Example, error) {
	if p.MaxShots <= 0 {
		return nil, errors.Errorf("MaxShots must be > 0, got %d", p.MaxShots)
	}
	if p.DType != dtypes.Float32 && p.DType != dtypes.Float64 {
		return nil, errors.Errorf("unsupported dtype %s, only Float32 and Float64 are supported", p.DType)
	}
	ex := &Example{Shots: min(len(boxes), p.MaxShots)}
	ex.Image = p.ImageTensor(img)

	exemplarSize := 3 * p.ExemplarSize * p.ExemplarSize
	crops := make([]*tensors.Tensor, ex.Shots)
	for ii, box := range boxes[:ex.Shots] {
		crop, err := p.Crop(img, box)
		if err != nil {
			return nil, errors.WithMessagef(err, "exemplar #%d", ii)
		}
		crops[ii] = crop
	}
	switch p.DType {
	case dtypes.Float32:
		ex.Exemplars = stack[float32](crops, p.MaxShots, exemplarSize, p.ExemplarSize)
	case dtypes.Float64:
		ex.Exemplars = stack[float64](crops, p.MaxShots, exemplarSize, p.ExemplarSize)
	}
	return ex, nil
}

// ImageTensor resizes img to ImageSize x ImageSize and returns it shaped `[1, 3, ImageSize, ImageSize]`.
func (p *Preprocessor) ImageTensor(img image.Image) *tensors.Tensor {
	resized := imaging.Resize(img, p.ImageSize, p.ImageSize, p.Filter)
	return toChannelsFirst(images.ToTensor(p.DType).Batch([]image.Image{resized}))
}

// Crop cuts the box (clipped to the image bounds) out of img, resized to ExemplarSize x ExemplarSize and
// shaped `[1, 3, ExemplarSize, ExemplarSize]`.
func (p *Preprocessor) Crop(img image.Image, box Box) (*tensors.Tensor, error) {
	bounds := img.Bounds()
	rect := box.Rect().Add(bounds.Min).Intersect(bounds)
	if rect.Empty() {
		return nil, errors.Errorf("box %+v is outside the image bounds %s", box, bounds.Size())
	}
	crop := imaging.Resize(imaging.Crop(img, rect), p.ExemplarSize, p.ExemplarSize, p.Filter)
	return toChannelsFirst(images.ToTensor(p.DType).Batch([]image.Image{crop})), nil
}

// toChannelsFirst transposes `[batch, height, width, channels]` to `[batch, channels, height, width]`.
func toChannelsFirst(t *tensors.Tensor) *tensors.Tensor {
	switch t.DType() {
	case dtypes.Float32:
		return transposeChannels[float32](t)
	case dtypes.Float64:
		return transposeChannels[float64](t)
	}
	panic(errors.Errorf("unsupported image dtype %s", t.DType()))
}

func transposeChannels[T float32 | float64](t *tensors.Tensor) *tensors.Tensor {
	dims := t.Shape().Dimensions
	batch, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	src := tensors.MustCopyFlatData[T](t)
	dst := make([]T, len(src))
	planeSize := height * width
	for b := range batch {
		offset := b * planeSize * channels
		for pixel := range planeSize {
			for c := range channels {
				dst[offset+c*planeSize+pixel] = src[offset+pixel*channels+c]
			}
		}
	}
	return tensors.FromFlatDataAndDimensions(dst, batch, channels, height, width)
}

// stack concatenates the crops `[1, 3, size, size]` into `[1, maxShots, 3, size, size]`, zero padded.
func stack[T float32 | float64](crops []*tensors.Tensor, maxShots, cropSize, size int) *tensors.Tensor {
	data := make([]T, maxShots*cropSize)
	for ii, crop := range crops {
		copy(data[ii*cropSize:(ii+1)*cropSize], tensors.MustCopyFlatData[T](crop))
	}
	return tensors.FromFlatDataAndDimensions(data, 1, maxShots, 3, size, size)
}
