// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"cmp"
	"fmt"
	"math"
	"path/filepath"
	"slices"
	"time"

	"github.com/gomlx/counting/pkg/model"
	"github.com/gomlx/counting/pkg/preprocess"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// numWorstReported is the number of images with the largest errors listed after an evaluation.
const numWorstReported = 5

type imageResult struct {
	name             string
	predicted, truth float64
}

func (r imageResult) absError() float64 { return math.Abs(r.predicted - r.truth) }

// evaluate counts the objects of the annotated images and reports the mean absolute error (MAE) and
// root-mean-square error (RMSE) against the number of annotated points.
func evaluate(predictor *model.Predictor, annotationsPath, imagesDir, splitsPath, split string, limit int) error {
	annotations, err := preprocess.ReadAnnotations(annotationsPath)
	if err != nil {
		return err
	}
	names := preprocess.SortedNames(annotations)
	if splitsPath != "" {
		splits, err := preprocess.ReadSplits(splitsPath)
		if err != nil {
			return err
		}
		splitNames, found := splits[split]
		if !found {
			return errors.Errorf("split %q not found in %q", split, splitsPath)
		}
		names = slices.DeleteFunc(slices.Clone(splitNames), func(name string) bool {
			_, annotated := annotations[name]
			if !annotated {
				klog.Warningf("Image %q of split %q has no annotation, skipping", name, split)
			}
			return !annotated
		})
	}
	if limit > 0 && len(names) > limit {
		names = names[:limit]
	}
	if len(names) == 0 {
		return errors.Errorf("no images to evaluate in %q", annotationsPath)
	}

	pre := preprocess.New(predictor.Model().Config(), *flagShots)
	results := make([]imageResult, 0, len(names))
	start := time.Now()
	bar := progressbar.Default(int64(len(names)), "Counting")
	for _, name := range names {
		img, err := preprocess.LoadImage(filepath.Join(imagesDir, name))
		if err != nil {
			return err
		}
		annotation := annotations[name]
		example, err := pre.Example(img, annotation.Boxes())
		if err != nil {
			return errors.WithMessagef(err, "preprocessing %q", name)
		}
		counts, err := predictor.Count(example.Image, example.Exemplars, example.Shots)
		if err != nil {
			return errors.WithMessagef(err, "counting %q", name)
		}
		results = append(results, imageResult{name: name, predicted: counts[0], truth: float64(annotation.Count())})
		if err := bar.Add(1); err != nil {
			klog.Warningf("Failed to update progress bar: %v", err)
		}
	}
	if err := bar.Finish(); err != nil {
		klog.Warningf("Failed to finish progress bar: %v", err)
	}
	elapsed := time.Since(start)

	var sumAbs, sumSquares float64
	for _, r := range results {
		sumAbs += r.absError()
		sumSquares += r.absError() * r.absError()
	}
	n := float64(len(results))
	printTable([]string{"Metric", "Value"}, [][]string{
		{"Images", fmt.Sprintf("%d", len(results))},
		{"MAE", fmt.Sprintf("%.2f", sumAbs/n)},
		{"RMSE", fmt.Sprintf("%.2f", math.Sqrt(sumSquares/n))},
		{"Time", commandline.FormatDuration(elapsed)},
	})

	slices.SortFunc(results, func(a, b imageResult) int { return cmp.Compare(b.absError(), a.absError()) })
	rows := make([][]string, 0, numWorstReported)
	for _, r := range results[:min(numWorstReported, len(results))] {
		rows = append(rows, []string{r.name, fmt.Sprintf("%.1f", r.predicted), fmt.Sprintf("%.0f", r.truth)})
	}
	printTable([]string{"Largest errors", "Predicted", "Annotated"}, rows)
	return nil
}
