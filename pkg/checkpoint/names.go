// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/counting/pkg/model"
)

// Layout describes how a checkpoint tensor (PyTorch layout) is converted to the variable layout.
type Layout int

const (
	// AsIs copies the tensor unchanged: convolution kernels `[out, in, h, w]`, normalization
	// parameters and embeddings.
	AsIs Layout = iota

	// Linear transposes a linear weight `[out, in]` to `[in, out]`.
	Linear

	// HeadsWeights transposes an attention projection weight `[out, in]` and splits the output
	// into heads: `[in, heads, out/heads]`.
	HeadsWeights

	// HeadsBiases splits an attention projection bias `[out]` into `[heads, out/heads]`.
	HeadsBiases
)

// Target is the context variable (or part of a fused tensor) a checkpoint tensor is loaded into.
type Target struct {
	// Scope is relative to the context given to Load, e.g. []string{"encoder", "block_0", "norm1"}.
	Scope  []string
	Name   string
	Layout Layout
	Heads  int

	// Part and NumParts select a slice along the first (output) axis of a fused tensor:
	// NumParts is 0 for tensors that are not fused.
	Part, NumParts int
}

// Path returns the variable path relative to the loading context, e.g. "encoder/norm/layer_normalization/gain".
func (t Target) Path() string {
	return strings.Join(extend(t.Scope, t.Name), "/")
}

// Mapping translates checkpoint tensor names to context variables.
type Mapping struct {
	config *model.Config
}

// NewMapping creates a Mapping for a model with the given configuration. The number of heads is
// needed to split attention projections.
func NewMapping(config *model.Config) *Mapping {
	return &Mapping{config: config}
}

// Map returns the targets for the checkpoint tensor name.
//
// It returns skip=true for known tensors that are not loaded (the frozen positional embeddings,
// which are recomputed, and the unused pooled exemplar branch), and ok=false for unknown names.
func (m *Mapping) Map(name string) (targets []Target, skip, ok bool) {
	name = strings.TrimPrefix(strings.TrimPrefix(name, "module."), "model.")
	parts := strings.Split(name, ".")
	switch parts[0] {
	case "pos_embed", "decoder_pos_embed", "decoder_proj4":
		return nil, true, true
	case "shot_token":
		if len(parts) == 1 {
			return single(nil, model.ShotTokenVariable, AsIs), false, true
		}
		return nil, false, false
	}
	if len(parts) < 2 {
		return nil, false, false
	}
	module, param := parts[:len(parts)-1], parts[len(parts)-1]
	targets, ok = m.mapModule(module, param)
	return targets, false, ok
}

func (m *Mapping) mapModule(module []string, param string) ([]Target, bool) {
	cfg := m.config
	switch module[0] {
	case "patch_embed":
		if matches(module, "patch_embed", "proj") {
			return conv([]string{model.EncoderScope, "patch_embed"}, param)
		}
	case "norm":
		if len(module) == 1 {
			return layerNorm([]string{model.EncoderScope, "norm"}, param)
		}
	case "blocks":
		if index, rest, ok := indexed(module); ok {
			scope := []string{model.EncoderScope, fmt.Sprintf("block_%d", index)}
			return m.encoderBlock(scope, rest, param, cfg.NumHeads)
		}
	case "decoder_embed":
		if len(module) == 1 {
			return linear([]string{model.DecoderScope, "embed"}, param)
		}
	case "decoder_proj1", "decoder_proj2", "decoder_proj3":
		// Only the convolution (index 0) has parameters: instance normalization is not affine.
		if matches(module, module[0], "0") {
			stage := int(module[0][len("decoder_proj")]-'0') - 1
			if stage >= len(cfg.ExemplarChannels) {
				return nil, false
			}
			return conv([]string{model.ExemplarEncoderScope, fmt.Sprintf("stage_%d", stage)}, param)
		}
	case "decoder_proj_final":
		if matches(module, "decoder_proj_final", "0") {
			return conv([]string{model.ExemplarEncoderScope, "final"}, param)
		}
	case "decoder_blocks":
		if index, rest, ok := indexed(module); ok {
			scope := []string{model.DecoderScope, fmt.Sprintf("block_%d", index)}
			return m.crossBlock(scope, rest, param, cfg.DecoderNumHeads)
		}
	case "exemplar_blocks":
		if index, rest, ok := indexed(module); ok {
			scope := []string{model.AggregatorScope, fmt.Sprintf("block_%d", index)}
			return m.crossBlock(scope, rest, param, cfg.DecoderNumHeads)
		}
	case "exemplar_weights":
		if index, rest, ok := indexed(module); ok && len(rest) == 0 && index < model.GateLayers() {
			return linear([]string{model.AggregatorScope, fmt.Sprintf("gate_%d", index)}, param)
		}
	case "decoder_norm":
		if len(module) == 1 {
			return layerNorm([]string{model.DecoderScope, "norm"}, param)
		}
	case "exemplar_norm":
		if len(module) == 1 {
			return layerNorm([]string{model.AggregatorScope, "norm"}, param)
		}
	default:
		if stage, found := strings.CutPrefix(module[0], "decode_head"); found && len(module) == 2 {
			return m.headStage(stage, module[1], param)
		}
	}
	return nil, false
}

// headStage maps decode_head{stage}.{layer}: layer 0 is the convolution, 1 the group normalization
// and, for the last stage, 3 is the 1x1 output convolution.
func (m *Mapping) headStage(stage, layer, param string) ([]Target, bool) {
	index, err := strconv.Atoi(stage)
	if err != nil || index < 0 || index >= model.HeadUpsamplings {
		return nil, false
	}
	scope := []string{model.HeadScope, fmt.Sprintf("stage_%d", index)}
	switch {
	case layer == "0":
		return conv(scope, param)
	case layer == "1":
		return groupNorm(scope, param)
	case layer == "3" && index == model.HeadUpsamplings-1:
		return conv(append(scope, "output"), param)
	}
	return nil, false
}

func (m *Mapping) encoderBlock(scope, module []string, param string, heads int) ([]Target, bool) {
	switch {
	case matches(module, "norm1"), matches(module, "norm2"):
		return layerNorm(extend(scope, module[0]), param)
	case matches(module, "attn", "qkv"):
		return fusedQKV(extend(scope, "attn"), param, heads)
	case matches(module, "attn", "proj"):
		return linear(extend(scope, "attn", "MultiHeadAttention", "output"), param)
	case matches(module, "mlp", "fc1"), matches(module, "mlp", "fc2"):
		return linear(extend(scope, "mlp", module[1]), param)
	}
	return nil, false
}

func (m *Mapping) crossBlock(scope, module []string, param string, heads int) ([]Target, bool) {
	switch {
	case matches(module, "norm0"), matches(module, "norm1"), matches(module, "norm2"):
		return layerNorm(extend(scope, module[0]), param)
	case matches(module, "selfattn", "qkv"):
		return fusedQKV(extend(scope, "self_attn"), param, heads)
	case matches(module, "selfattn", "proj"):
		return linear(extend(scope, "self_attn", "MultiHeadAttention", "output"), param)
	case matches(module, "attn", "wq"):
		return headsProjection(extend(scope, "cross_attn", "MultiHeadAttention", "query"), param, heads)
	case matches(module, "attn", "wk"):
		return headsProjection(extend(scope, "cross_attn", "MultiHeadAttention", "key"), param, heads)
	case matches(module, "attn", "wv"):
		return headsProjection(extend(scope, "cross_attn", "MultiHeadAttention", "value"), param, heads)
	case matches(module, "attn", "proj"):
		return linear(extend(scope, "cross_attn", "MultiHeadAttention", "output"), param)
	case matches(module, "mlp", "fc1"), matches(module, "mlp", "fc2"):
		return linear(extend(scope, "mlp", module[1]), param)
	}
	return nil, false
}

func single(scope []string, name string, layout Layout) []Target {
	return []Target{{Scope: scope, Name: name, Layout: layout}}
}

func linear(scope []string, param string) ([]Target, bool) {
	scope = extend(scope, "dense")
	switch param {
	case "weight":
		return single(scope, "weights", Linear), true
	case "bias":
		return single(scope, "biases", AsIs), true
	}
	return nil, false
}

func conv(scope []string, param string) ([]Target, bool) {
	scope = extend(scope, "conv")
	switch param {
	case "weight":
		return single(scope, "weights", AsIs), true
	case "bias":
		return single(scope, "biases", AsIs), true
	}
	return nil, false
}

func normalization(scope []string, param string) ([]Target, bool) {
	switch param {
	case "weight":
		return single(scope, "gain", AsIs), true
	case "bias":
		return single(scope, "offset", AsIs), true
	}
	return nil, false
}

func layerNorm(scope []string, param string) ([]Target, bool) {
	return normalization(extend(scope, "layer_normalization"), param)
}

func groupNorm(scope []string, param string) ([]Target, bool) {
	return normalization(extend(scope, "group_normalization"), param)
}

func headsProjection(scope []string, param string, heads int) ([]Target, bool) {
	scope = extend(scope, "dense")
	switch param {
	case "weight":
		return []Target{{Scope: scope, Name: "weights", Layout: HeadsWeights, Heads: heads}}, true
	case "bias":
		return []Target{{Scope: scope, Name: "biases", Layout: HeadsBiases, Heads: heads}}, true
	}
	return nil, false
}

// fusedQKV splits a fused `[3*dim, in]` query/key/value projection into the attention layer's
// query, key and value projections.
func fusedQKV(scope []string, param string, heads int) ([]Target, bool) {
	var targets []Target
	for part, projection := range []string{"query", "key", "value"} {
		projTargets, ok := headsProjection(extend(scope, "MultiHeadAttention", projection), param, heads)
		if !ok {
			return nil, false
		}
		projTargets[0].Part, projTargets[0].NumParts = part, 3
		targets = append(targets, projTargets...)
	}
	return targets, true
}

// indexed parses module paths like ["blocks", "3", ...], returning 3 and the remaining path.
func indexed(module []string) (index int, rest []string, ok bool) {
	if len(module) < 2 {
		return 0, nil, false
	}
	index, err := strconv.Atoi(module[1])
	if err != nil || index < 0 {
		return 0, nil, false
	}
	return index, module[2:], true
}

func matches(module []string, want ...string) bool {
	return slices.Equal(module, want)
}

// extend returns a new scope with the sub-scopes appended, never sharing the backing array of scope.
func extend(scope []string, subScopes ...string) []string {
	result := make([]string, 0, len(scope)+len(subScopes))
	result = append(result, scope...)
	return append(result, subScopes...)
}
