// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"testing"

	"github.com/gomlx/compute/dtypes"
	"github.com/gomlx/compute/shapes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/ctxtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupNormalization(t *testing.T) {
	ctxtest.RunTestGraphFn(t, "GroupNormalization(ChannelsFirst)",
		func(ctx *context.Context, g *Graph) (inputs, outputs []*Node) {
			x := Const(g, [][][][]float32{{
				{{1, 3}}, {{5, 7}}, // Group 0: mean 4, variance 5.
				{{0, 0}}, {{2, 2}}, // Group 1: mean 1, variance 1.
			}})
			inputs = []*Node{x}
			outputs = []*Node{GroupNormalization(ctx, x, 2).Epsilon(0).Done()}
			return
		}, []any{
			[][][][]float32{{
				{{-1.3416408, -0.4472136}}, {{0.4472136, 1.3416408}},
				{{-1, -1}}, {{1, 1}},
			}},
		}, 1e-4)

	ctxtest.RunTestGraphFn(t, "GroupNormalization(ChannelsLast)",
		func(ctx *context.Context, g *Graph) (inputs, outputs []*Node) {
			x := Const(g, [][][][]float32{{{{1, 5, 0, 2}, {3, 7, 0, 2}}}})
			inputs = []*Node{x}
			outputs = []*Node{GroupNormalization(ctx, x, 2).Epsilon(0).ChannelsAxis(images.ChannelsLast).Done()}
			return
		}, []any{
			[][][][]float32{{{{-1.3416408, 0.4472136, -1, 1}, {-0.4472136, 1.3416408, -1, 1}}}},
		}, 1e-4)
}

func TestGroupNormalizationVariables(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return GroupNormalization(ctx, x, 4).Done()
	})
	_ = exec.MustExec(tensors.FromFlatDataAndDimensions(make([]float32, 2*8*3*3), 2, 8, 3, 3))
	gain := ctx.GetVariableByScopeAndName("/group_normalization", "gain")
	require.NotNil(t, gain)
	assert.Equal(t, []int{8}, gain.Shape().Dimensions)
	offset := ctx.GetVariableByScopeAndName("/group_normalization", "offset")
	require.NotNil(t, offset)

	// Without affine transformation no variables are created.
	ctx = context.New()
	g := NewGraph(backend, "no_affine")
	x := Parameter(g, "x", shapes.Make(dtypes.Float32, 2, 8, 3, 3))
	_ = GroupNormalization(ctx, x, 4).Affine(false).Done()
	assert.Nil(t, ctx.GetVariableByScopeAndName("/group_normalization", "gain"))

	// Channels not divisible by the number of groups.
	assert.Panics(t, func() { _ = GroupNormalization(context.New(), x, 3).Done() })
}

func TestInstanceNormalization(t *testing.T) {
	graphtest.RunTestGraphFn(t, "InstanceNormalization", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, [][][][]float32{{
			{{1, 2}, {3, 4}},
			{{5, 5}, {5, 5}},
		}})
		inputs = []*Node{x}
		outputs = []*Node{InstanceNormalization(x, DefaultEpsilon)}
		return
	}, []any{
		[][][][]float32{{
			{{-1.3416354, -0.4472118}, {0.4472118, 1.3416354}},
			{{0, 0}, {0, 0}},
		}},
	}, 1e-4)
}
