// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"math"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/counting/pkg/checkpoint"
	"github.com/gomlx/counting/pkg/model"
	"k8s.io/klog/v2"
)

var (
	evenRowStyle = lipgloss.NewStyle().PaddingLeft(1).PaddingRight(1)
	oddRowStyle  = evenRowStyle.Faint(true)
	redRowStyle  = evenRowStyle.
			Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).
			Bold(true)
)

// tableWithReds is a table where some rows can be highlighted in red.
type tableWithReds struct {
	table *lgtable.Table
	count int
	reds  map[int]bool
}

func newTableWithReds(headers ...string) *tableWithReds {
	t := &tableWithReds{reds: make(map[int]bool)}
	t.table = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == lgtable.HeaderRow:
				return headerStyle
			case t.reds[row]:
				return redRowStyle
			case row%2 == 0:
				return evenRowStyle
			default:
				return oddRowStyle
			}
		})
	return t
}

func (t *tableWithReds) Row(isRed bool, row ...string) {
	if isRed {
		t.reds[t.count] = true
	}
	t.table.Row(row...)
	t.count++
}

// tensorStats returns the MAV (mean absolute value), RMS (root-mean-square) and MaxAV (max absolute value) of values.
func tensorStats(values []float32) (mav, rms, maxAV float64) {
	if len(values) == 0 {
		return
	}
	for _, v := range values {
		abs := math.Abs(float64(v))
		mav += abs
		rms += abs * abs
		maxAV = max(maxAV, abs)
	}
	n := float64(len(values))
	return mav / n, math.Sqrt(rms / n), maxAV
}

// listCheckpoint prints the tensors of the checkpoint, with the model variables they are
// loaded into. Tensors the loader doesn't recognize are highlighted in red.
// It returns the number of unknown tensors.
func listCheckpoint(ckpt *checkpoint.Checkpoint, config *model.Config) (numUnknown int) {
	mapping := checkpoint.NewMapping(config)
	table := newTableWithReds("Tensor", "Variables", "DType", "Shape", "Size", "MAV", "RMS", "MaxAV")
	for _, name := range ckpt.Names() {
		t := ckpt.Tensors[name]
		targets, skip, ok := mapping.Map(name)
		var variables string
		switch {
		case skip:
			variables = "<skipped>"
		case !ok:
			variables = "<unknown>"
			numUnknown++
		default:
			paths := make([]string, 0, len(targets))
			for _, target := range targets {
				paths = append(paths, target.Path())
			}
			variables = strings.Join(paths, "\n")
		}
		var mav, rms, maxAV string
		values, _, err := ckpt.Float32(name)
		if err != nil {
			klog.V(1).Infof("No statistics for %q: %v", name, err)
		} else if len(values) == 1 {
			mav = fmt.Sprintf("%8v", values[0])
		} else {
			m, r, x := tensorStats(values)
			mav, rms, maxAV = fmt.Sprintf("%.3g", m), fmt.Sprintf("%.3g", r), fmt.Sprintf("%.3g", x)
		}
		table.Row(!skip && !ok, name, variables, t.DType().String(), fmt.Sprint(t.Shape().Dimensions),
			humanize.Comma(int64(t.Size())), mav, rms, maxAV)
	}
	fmt.Println(table.table.Render())
	fmt.Printf("%d tensors, %s parameters, %d unknown\n", len(ckpt.Tensors), humanize.Comma(ckpt.NumParameters()), numUnknown)
	return numUnknown
}
