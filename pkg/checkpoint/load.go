// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"github.com/gomlx/compute/dtypes"
	"github.com/gomlx/counting/pkg/model"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Report summarizes what was loaded from a checkpoint.
type Report struct {
	// Loaded holds the paths (relative to the loading context) of the variables set.
	Loaded []string

	// Skipped holds the checkpoint tensors known but not used by the model.
	Skipped []string

	// Unknown holds the checkpoint tensors that don't map to any variable.
	Unknown []string

	// Parameters is the number of values loaded.
	Parameters int64
}

// LoadFile reads the safetensors checkpoint at path and loads it into ctx. See Load.
func LoadFile(ctx *context.Context, path string, config *model.Config) (*Report, error) {
	ckpt, err := ReadSafetensors(path)
	if err != nil {
		return nil, err
	}
	return Load(ctx, ckpt, config)
}

// Load sets the variables of the counting model in ctx (the same context given to model.New) from
// the checkpoint, converting the tensors from their PyTorch layout.
//
// Variables that don't exist yet are created, and existing ones must have a matching shape.
// Unknown tensors are logged and reported, but are not an error.
func Load(ctx *context.Context, ckpt *Checkpoint, config *model.Config) (*Report, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	mapping := NewMapping(config)
	report := &Report{}
	for _, name := range ckpt.Names() {
		targets, skip, ok := mapping.Map(name)
		if skip {
			klog.V(1).Infof("checkpoint: skipping %q", name)
			report.Skipped = append(report.Skipped, name)
			continue
		}
		if !ok {
			klog.Warningf("checkpoint: unknown tensor %q ignored", name)
			report.Unknown = append(report.Unknown, name)
			continue
		}
		values, shape, err := ckpt.Float32(name)
		if err != nil {
			return nil, err
		}
		for _, target := range targets {
			value, err := convert(values, shape, target, config.DType)
			if err != nil {
				return nil, errors.WithMessagef(err, "loading %q into %q", name, target.Path())
			}
			if err = setVariable(ctx, target, value); err != nil {
				return nil, errors.WithMessagef(err, "loading %q", name)
			}
			klog.V(2).Infof("checkpoint: %q -> %q %s", name, target.Path(), value.Shape())
			report.Loaded = append(report.Loaded, target.Path())
			report.Parameters += int64(value.Shape().Size())
		}
	}
	klog.V(1).Infof("checkpoint: loaded %d variables (%d parameters), skipped %d tensors, %d unknown",
		len(report.Loaded), report.Parameters, len(report.Skipped), len(report.Unknown))
	return report, nil
}

// convert rearranges the values of a checkpoint tensor shaped `shape` to the layout of target.
func convert(values []float32, shape []int, target Target, dtype dtypes.DType) (*tensors.Tensor, error) {
	if target.NumParts > 0 {
		if len(shape) == 0 || shape[0]%target.NumParts != 0 {
			return nil, errors.Errorf("fused tensor shaped %v can't be split in %d parts", shape, target.NumParts)
		}
		partSize := len(values) / target.NumParts
		values = values[target.Part*partSize : (target.Part+1)*partSize]
		shape = append([]int{shape[0] / target.NumParts}, shape[1:]...)
	}

	var dims []int
	switch target.Layout {
	case AsIs:
		dims = shape
	case Linear, HeadsWeights:
		if len(shape) != 2 {
			return nil, errors.Errorf("linear weights must have rank 2, got shape %v", shape)
		}
		values = transpose(values, shape[0], shape[1])
		dims = []int{shape[1], shape[0]}
		if target.Layout == HeadsWeights {
			if target.Heads <= 0 || shape[0]%target.Heads != 0 {
				return nil, errors.Errorf("output dimension %d not divisible by %d heads", shape[0], target.Heads)
			}
			dims = []int{shape[1], target.Heads, shape[0] / target.Heads}
		}
	case HeadsBiases:
		if len(shape) != 1 || target.Heads <= 0 || shape[0]%target.Heads != 0 {
			return nil, errors.Errorf("biases shaped %v can't be split in %d heads", shape, target.Heads)
		}
		dims = []int{target.Heads, shape[0] / target.Heads}
	default:
		return nil, errors.Errorf("unknown layout %d", target.Layout)
	}

	switch dtype {
	case dtypes.Float32:
		return tensors.FromFlatDataAndDimensions(values, dims...), nil
	case dtypes.Float64:
		converted := make([]float64, len(values))
		for ii, v := range values {
			converted[ii] = float64(v)
		}
		return tensors.FromFlatDataAndDimensions(converted, dims...), nil
	}
	return nil, errors.Errorf("checkpoints can only be loaded as Float32 or Float64, got %s", dtype)
}

// transpose a row-major matrix shaped [rows, cols].
func transpose(values []float32, rows, cols int) []float32 {
	result := make([]float32, len(values))
	for row := range rows {
		for col := range cols {
			result[col*rows+row] = values[row*cols+col]
		}
	}
	return result
}

// setVariable overwrites the target variable, or creates it if it doesn't exist yet.
func setVariable(ctx *context.Context, target Target, value *tensors.Tensor) error {
	scoped := ctx
	for _, scope := range target.Scope {
		scoped = scoped.In(scope)
	}
	if v := scoped.GetVariable(target.Name); v != nil {
		if !v.Shape().Equal(value.Shape()) {
			return errors.Errorf("variable %q is shaped %s, checkpoint has %s", target.Path(), v.Shape(), value.Shape())
		}
		return errors.WithMessagef(v.SetValue(value), "setting variable %q", target.Path())
	}
	return exceptions.TryCatch[error](func() {
		scoped.Checked(false).VariableWithValue(target.Name, value)
	})
}
