// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package preprocess

import (
	"encoding/json"
	"image"
	"math"
	"os"
	"slices"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// Annotation of one image, in the FSC-147 format.
type Annotation struct {
	// ExemplarCoordinates holds, for each exemplar, the corners of its box as [x, y] pairs.
	ExemplarCoordinates [][][2]float64 `json:"box_examples_coordinates"`

	// Points marks the objects in the image, as [x, y] pairs.
	Points [][2]float64 `json:"points"`
}

// Boxes returns the exemplar boxes, each the bounding rectangle of its corners.
func (a *Annotation) Boxes() []Box {
	boxes := make([]Box, 0, len(a.ExemplarCoordinates))
	for _, corners := range a.ExemplarCoordinates {
		if len(corners) == 0 {
			continue
		}
		box := Box{X0: math.Inf(1), Y0: math.Inf(1), X1: math.Inf(-1), Y1: math.Inf(-1)}
		for _, corner := range corners {
			box.X0, box.X1 = min(box.X0, corner[0]), max(box.X1, corner[0])
			box.Y0, box.Y1 = min(box.Y0, corner[1]), max(box.Y1, corner[1])
		}
		if box.X1 > box.X0 && box.Y1 > box.Y0 {
			boxes = append(boxes, box)
		}
	}
	return boxes
}

// Count returns the number of annotated objects.
func (a *Annotation) Count() int { return len(a.Points) }

// ReadAnnotations reads an annotation file mapping image file names to their annotation.
func ReadAnnotations(path string) (map[string]*Annotation, error) {
	var annotations map[string]*Annotation
	if err := readJSON(path, &annotations); err != nil {
		return nil, err
	}
	return annotations, nil
}

// ReadSplits reads a file mapping split names ("train", "val", "test") to image file names.
func ReadSplits(path string) (map[string][]string, error) {
	var splits map[string][]string
	if err := readJSON(path, &splits); err != nil {
		return nil, err
	}
	return splits, nil
}

// SortedNames returns the image names of the annotations, sorted.
func SortedNames(annotations map[string]*Annotation) []string {
	names := make([]string, 0, len(annotations))
	for name := range annotations {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read %q", path)
	}
	return errors.Wrapf(json.Unmarshal(data, v), "failed to parse %q", path)
}

// LoadImage reads an image file, applying the EXIF orientation if present.
func LoadImage(path string) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load image %q", path)
	}
	return img, nil
}
