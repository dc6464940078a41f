// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"sync"

	"github.com/gomlx/compute/dtypes"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Predictor runs the counting model for inference.
//
// It compiles one executable per number of shots used (and, within it, per input shapes), and it is
// safe for concurrent use.
type Predictor struct {
	backend backends.Backend
	ctx     *context.Context
	model   *Model

	mu    sync.Mutex
	execs map[int]*context.Exec
}

// NewPredictor creates a Predictor for the model with the variables in ctx, to be executed on backend.
//
// Variables not yet in ctx (e.g. not loaded from a checkpoint) are initialized randomly on first use.
func NewPredictor(backend backends.Backend, ctx *context.Context, model *Model) *Predictor {
	return &Predictor{
		backend: backend,
		ctx:     ctx.Checked(false),
		model:   model,
		execs:   make(map[int]*context.Exec),
	}
}

// Model returns the model used by the Predictor.
func (p *Predictor) Model() *Model { return p.model }

// exec returns the executable for the given number of shots, creating it if needed.
func (p *Predictor) exec(shots int) (*context.Exec, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, found := p.execs[shots]; found {
		return e, nil
	}
	scale := p.model.config.DensityScale
	countsFn := func(density *Node) []*Node {
		counts := DivScalar(ReduceSum(ConvertDType(density, dtypes.Float64), 1, 2), scale)
		return []*Node{density, counts}
	}
	var e *context.Exec
	var err error
	if shots == 0 {
		e, err = context.NewExec(p.backend, p.ctx, func(ctx *context.Context, images *Node) []*Node {
			return countsFn(p.model.Forward(ctx, images, nil, 0))
		})
	} else {
		e, err = context.NewExec(p.backend, p.ctx, func(ctx *context.Context, images, exemplars *Node) []*Node {
			return countsFn(p.model.Forward(ctx, images, exemplars, shots))
		})
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create executable for %d shots", shots)
	}
	klog.V(1).Infof("Created counting model executable for %d shots", shots)
	p.execs[shots] = e
	return e, nil
}

// run returns the density map and the counts.
func (p *Predictor) run(images, exemplars *tensors.Tensor, shots int) (density, counts *tensors.Tensor, err error) {
	if images == nil {
		return nil, nil, errors.New("images must be given")
	}
	if shots < 0 {
		return nil, nil, errors.Errorf("invalid number of shots %d", shots)
	}
	if shots > 0 {
		if exemplars == nil {
			return nil, nil, errors.Errorf("exemplars must be given for %d shots", shots)
		}
		if exemplars.Rank() != 5 || exemplars.Shape().Dim(1) < shots {
			return nil, nil, errors.Errorf("exemplars shaped %s can't provide %d shots", exemplars.Shape(), shots)
		}
	}
	e, err := p.exec(shots)
	if err != nil {
		return nil, nil, err
	}
	var outputs []*tensors.Tensor
	var execErr error
	err = TryCatch[error](func() {
		if shots == 0 {
			outputs, execErr = e.Exec(images)
		} else {
			outputs, execErr = e.Exec(images, exemplars)
		}
	})
	if err == nil {
		err = execErr
	}
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "failed to run counting model on images %s with %d shots", images.Shape(), shots)
	}
	return outputs[0], outputs[1], nil
}

// Predict returns the density map `[batch, ImageSize, ImageSize]` for images `[batch, InChannels, ImageSize, ImageSize]`,
// using the first shots exemplars of `[batch, maxShots, InChannels, ExemplarSize, ExemplarSize]`.
// If shots is 0, exemplars are ignored and can be nil.
func (p *Predictor) Predict(images, exemplars *tensors.Tensor, shots int) (*tensors.Tensor, error) {
	density, counts, err := p.run(images, exemplars, shots)
	if err != nil {
		return nil, err
	}
	counts.FinalizeAll()
	return density, nil
}

// Count returns the estimated number of objects in each image: the sum of its density map divided by
// Config.DensityScale. See Predict for the arguments.
func (p *Predictor) Count(images, exemplars *tensors.Tensor, shots int) ([]float64, error) {
	density, counts, err := p.run(images, exemplars, shots)
	if err != nil {
		return nil, err
	}
	density.FinalizeAll()
	return tensors.MustCopyFlatData[float64](counts), nil
}

// PredictAndCount returns both the density maps and the counts. See Predict and Count.
func (p *Predictor) PredictAndCount(images, exemplars *tensors.Tensor, shots int) (*tensors.Tensor, []float64, error) {
	density, counts, err := p.run(images, exemplars, shots)
	if err != nil {
		return nil, nil, err
	}
	return density, tensors.MustCopyFlatData[float64](counts), nil
}

// Finalize releases the compiled executables.
func (p *Predictor) Finalize() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for shots, e := range p.execs {
		e.Finalize()
		delete(p.execs, shots)
	}
}
