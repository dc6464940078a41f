// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"time"

	"github.com/gomlx/counting/pkg/model"
	"github.com/gomlx/counting/pkg/preprocess"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// countImage counts the objects in imagePath similar to the exemplars in boxes, and optionally saves
// the density map to densityPath.
func countImage(predictor *model.Predictor, imagePath, boxesSpec, densityPath string) error {
	boxes, err := preprocess.ParseBoxes(boxesSpec)
	if err != nil {
		return err
	}
	img, err := preprocess.LoadImage(imagePath)
	if err != nil {
		return err
	}
	if len(boxes) > *flagShots {
		klog.Warningf("%d boxes given, only the first %d (-shots) are used", len(boxes), *flagShots)
	}
	example, err := preprocess.New(predictor.Model().Config(), *flagShots).Example(img, boxes)
	if err != nil {
		return errors.WithMessagef(err, "preprocessing %q", imagePath)
	}

	start := time.Now()
	density, counts, err := predictor.PredictAndCount(example.Image, example.Exemplars, example.Shots)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)
	printTable(nil, [][]string{
		{"Image", imagePath},
		{"Exemplars", fmt.Sprintf("%d", example.Shots)},
		{"Count", fmt.Sprintf("%.1f", counts[0])},
		{"Time", commandline.FormatDuration(elapsed)},
	})

	if densityPath != "" {
		if err = preprocess.SaveDensity(densityPath, density, img); err != nil {
			return err
		}
		fmt.Printf("Density map saved to %q\n", densityPath)
	}
	return nil
}
