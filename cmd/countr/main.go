// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// countr counts objects in images given a few exemplar boxes of the object type to count.
//
// Count the objects in one image, saving the density map:
//
//	countr -checkpoint=countr.safetensors -image=apples.jpg -boxes="10,20,50,60;80,20,120,64" -density=density.png
//
// Evaluate over the FSC-147 test split:
//
//	countr -hf_repo=<repo> -annotations=annotation_FSC147_384.json -splits=Train_Test_Val_FSC_147.json \
//	  -split=test -images_dir=images_384_VarV2
//
// List the tensors of a checkpoint and the model variables they map to:
//
//	countr -checkpoint=countr.safetensors -vars
//
// The model architecture can be changed with -set, e.g. -set="countr_depth=24;countr_embed_dim=1024;countr_num_heads=16".
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/counting/pkg/checkpoint"
	"github.com/gomlx/counting/pkg/model"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagCheckpoint = flag.String("checkpoint", "", "Safetensors file with the model weights.")
	flagHFRepo     = flag.String("hf_repo", "", "HuggingFace repository to download the weights from, if -checkpoint is not set.")
	flagHFFile     = flag.String("hf_file", "", "Safetensors file to read from -hf_repo. If empty, the repository's model file (or its shards) is read.")
	flagBackend    = flag.String("backend", "", "Backend to use (default: auto-detect).")
	flagShots      = flag.Int("shots", 3, "Maximum number of exemplars used per image.")
	flagVars       = flag.Bool("vars", false, "Lists the tensors of the checkpoint and the model variables they are loaded into, and exits.")

	flagImage   = flag.String("image", "", "Image to count objects in.")
	flagBoxes   = flag.String("boxes", "", `Exemplar boxes in image pixel coordinates, formatted as "x0,y0,x1,y1;x0,y0,x1,y1;...". Empty for zero-shot.`)
	flagDensity = flag.String("density", "", "If set, saves the density map drawn over -image to this file (.png or .jpg).")

	flagAnnotations = flag.String("annotations", "", "FSC-147 style annotation file: evaluates the counts of its images.")
	flagImagesDir   = flag.String("images_dir", ".", "Directory with the images listed in -annotations.")
	flagSplits      = flag.String("splits", "", "FSC-147 style split file, to restrict the evaluation to the images of -split.")
	flagSplit       = flag.String("split", "test", "Split of -splits to evaluate.")
	flagLimit       = flag.Int("limit", 0, "If > 0, maximum number of images to evaluate.")
)

var (
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	headerStyle = lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
)

func main() {
	ctx := context.New()
	model.BaseConfig().SetParams(ctx)
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	if *flagBackend != "" {
		must.M(os.Setenv("GOMLX_BACKEND", *flagBackend))
	}
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	if len(paramsSet) > 0 {
		klog.V(1).Infof("Hyperparameters set:\n%s", commandline.SprintModifiedContextSettings(ctx, paramsSet))
	}

	if *flagVars {
		if err := listVars(ctx); err != nil {
			klog.Fatalf("Failed: %+v", err)
		}
		return
	}
	if *flagImage == "" && *flagAnnotations == "" {
		fmt.Fprintf(os.Stderr, "Either -image, -annotations or -vars must be given.\n\n")
		flag.Usage()
		os.Exit(1)
	}
	backend, err := backends.New()
	if err != nil {
		klog.Fatalf("Failed to create backend: %+v", err)
	}
	defer backend.Finalize()

	predictor, err := newPredictor(backend, ctx)
	if err != nil {
		klog.Fatalf("Failed to create model: %+v", err)
	}
	defer predictor.Finalize()

	if *flagImage != "" {
		err = countImage(predictor, *flagImage, *flagBoxes, *flagDensity)
	} else {
		err = evaluate(predictor, *flagAnnotations, *flagImagesDir, *flagSplits, *flagSplit, *flagLimit)
	}
	if err != nil {
		klog.Fatalf("Failed: %+v", err)
	}
}

// newPredictor creates the model with the configuration from the context hyperparameters and loads
// its weights.
func newPredictor(backend backends.Backend, ctx *context.Context) (*model.Predictor, error) {
	config, err := configFromContext(ctx)
	if err != nil {
		return nil, err
	}
	m, err := model.New(ctx, config)
	if err != nil {
		return nil, err
	}
	ckpt, source, err := readCheckpoint()
	if err != nil {
		return nil, err
	}
	rows := [][]string{
		{"Backend", backend.Name()},
		{"Model", config.String()},
	}
	if ckpt == nil {
		klog.Warningf("No -checkpoint or -hf_repo given: the model is randomly initialized and counts are meaningless.")
		rows = append(rows, []string{"Checkpoint", "none (random initialization)"})
	} else {
		report, err := checkpoint.Load(ctx, ckpt, config)
		if err != nil {
			return nil, errors.WithMessage(err, "loading weights")
		}
		if len(report.Unknown) > 0 {
			klog.Warningf("%d tensors in %s were not recognized", len(report.Unknown), source)
		}
		rows = append(rows,
			[]string{"Checkpoint", source},
			[]string{"Variables loaded", humanize.Comma(int64(len(report.Loaded)))},
			[]string{"Parameters loaded", humanize.Comma(report.Parameters)},
			[]string{"Memory", humanize.Bytes(uint64(ctx.Memory()))})
	}
	printTable(nil, rows)
	return model.NewPredictor(backend, ctx, m), nil
}

// listVars implements -vars.
func listVars(ctx *context.Context) error {
	config, err := configFromContext(ctx)
	if err != nil {
		return err
	}
	ckpt, source, err := readCheckpoint()
	if err != nil {
		return err
	}
	if ckpt == nil {
		return errors.New("-vars requires -checkpoint or -hf_repo")
	}
	numUnknown := listCheckpoint(ckpt, config)
	if numUnknown > 0 {
		klog.Warningf("%d tensors in %s don't match the model configuration, see -set", numUnknown, source)
	}
	return nil
}

// configFromContext returns the model configuration set with -set.
func configFromContext(ctx *context.Context) (config *model.Config, err error) {
	err = exceptions.TryCatch[error](func() { config = model.ConfigFromContext(ctx) })
	return
}

// readCheckpoint reads -checkpoint, or else the checkpoint of -hf_repo, and describes where it came from.
// It returns a nil checkpoint if neither is set.
func readCheckpoint() (ckpt *checkpoint.Checkpoint, source string, err error) {
	switch {
	case *flagCheckpoint != "":
		ckpt, err = checkpoint.ReadSafetensors(*flagCheckpoint)
		return ckpt, fmt.Sprintf("%q", *flagCheckpoint), err
	case *flagHFRepo != "":
		source = "hf://" + *flagHFRepo
		if *flagHFFile != "" {
			source += "/" + *flagHFFile
		}
		ckpt, err = checkpoint.ReadHub(checkpoint.NewRepo(*flagHFRepo), *flagHFFile)
		return ckpt, source, err
	}
	return nil, "", nil
}

// printTable prints a table with rounded borders to stdout. headers can be nil.
func printTable(headers []string, rows [][]string) {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	if len(headers) > 0 {
		table.Headers(headers...)
	}
	table.Rows(rows...)
	fmt.Println(table.Render())
}
