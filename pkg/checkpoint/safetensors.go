// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/compute/dtypes"
	"github.com/gomlx/compute/dtypes/bfloat16"
	"github.com/gomlx/compute/dtypes/float16"
	"github.com/gomlx/compute/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// MetadataKey is the reserved header entry holding free-form string metadata.
const MetadataKey = "__metadata__"

// maxHeaderSize protects against corrupted files claiming huge headers.
const maxHeaderSize = 100 << 20

// TensorInfo is the header entry of one tensor in a safetensors file.
type TensorInfo struct {
	DType string `json:"dtype"`
	Shape []int  `json:"shape"`

	// DataOffsets are the [start, end) byte offsets of the tensor, relative to the start of the data
	// section (just after the header).
	DataOffsets [2]int64 `json:"data_offsets"`
}

// Checkpoint holds the tensors of a checkpoint in host memory, with the dtypes they were stored with.
//
// It is read from a local safetensors file with ReadSafetensors, or from a HuggingFace repository with ReadHub.
type Checkpoint struct {
	Metadata map[string]string
	Tensors  map[string]*tensors.Tensor
}

// ReadSafetensors reads the local safetensors file at path.
func ReadSafetensors(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read checkpoint %q", path)
	}
	ckpt, err := ParseSafetensors(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "checkpoint %q", path)
	}
	return ckpt, nil
}

// ParseSafetensors parses the contents of a safetensors file: an 8-byte little-endian header size,
// a JSON header and the raw tensor data.
func ParseSafetensors(data []byte) (*Checkpoint, error) {
	if len(data) < 8 {
		return nil, errors.Errorf("safetensors data too small (%d bytes)", len(data))
	}
	headerSize := binary.LittleEndian.Uint64(data[:8])
	if headerSize > maxHeaderSize || headerSize > uint64(len(data)-8) {
		return nil, errors.Errorf("invalid safetensors header size %d for %d bytes of data", headerSize, len(data))
	}
	var rawHeader map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerSize], &rawHeader); err != nil {
		return nil, errors.Wrap(err, "failed to parse safetensors header")
	}

	ckpt := &Checkpoint{Tensors: make(map[string]*tensors.Tensor, len(rawHeader))}
	tensorsData := data[8+headerSize:]
	for name, raw := range rawHeader {
		if name == MetadataKey {
			if err := json.Unmarshal(raw, &ckpt.Metadata); err != nil {
				return nil, errors.Wrap(err, "failed to parse safetensors metadata")
			}
			continue
		}
		info := &TensorInfo{}
		if err := json.Unmarshal(raw, info); err != nil {
			return nil, errors.Wrapf(err, "failed to parse safetensors entry for %q", name)
		}
		dtype, err := dtypeFromSafetensors(info.DType)
		if err != nil {
			return nil, errors.WithMessagef(err, "tensor %q", name)
		}
		shape := shapes.Make(dtype, info.Shape...)
		start, end := info.DataOffsets[0], info.DataOffsets[1]
		if start < 0 || end < start || end > int64(len(tensorsData)) {
			return nil, errors.Errorf("tensor %q has invalid data offsets %v (data section has %d bytes)",
				name, info.DataOffsets, len(tensorsData))
		}
		t, err := tensors.FromRaw(nil, 0, shape, tensorsData[start:end])
		if err != nil {
			return nil, errors.WithMessagef(err, "tensor %q", name)
		}
		ckpt.Tensors[name] = t
	}
	return ckpt, nil
}

// dtypeFromSafetensors converts safetensors dtype names ("F32", "BF16", "I64", ...).
func dtypeFromSafetensors(name string) (dtypes.DType, error) {
	dtype, found := dtypes.MapOfNames[strings.ToLower(name)]
	if !found || dtype == dtypes.InvalidDType {
		return dtypes.InvalidDType, errors.Errorf("unknown safetensors dtype %q", name)
	}
	return dtype, nil
}

// safetensorsDTypes maps the dtypes that can be written to their safetensors names.
var safetensorsDTypes = map[dtypes.DType]string{
	dtypes.Bool:     "BOOL",
	dtypes.Int8:     "I8",
	dtypes.Int16:    "I16",
	dtypes.Int32:    "I32",
	dtypes.Int64:    "I64",
	dtypes.Uint8:    "U8",
	dtypes.Float16:  "F16",
	dtypes.BFloat16: "BF16",
	dtypes.Float32:  "F32",
	dtypes.Float64:  "F64",
}

// Names returns the sorted names of the tensors in the checkpoint.
func (c *Checkpoint) Names() []string {
	names := make([]string, 0, len(c.Tensors))
	for name := range c.Tensors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// NumParameters returns the total number of elements over all tensors.
func (c *Checkpoint) NumParameters() int64 {
	var total int64
	for _, t := range c.Tensors {
		total += int64(t.Size())
	}
	return total
}

// Float32 converts tensor name to float32 values, along with its dimensions.
//
// Supported dtypes are Float32, Float64, Float16 and BFloat16.
func (c *Checkpoint) Float32(name string) (values []float32, dims []int, err error) {
	t, found := c.Tensors[name]
	if !found {
		return nil, nil, errors.Errorf("tensor %q not found in checkpoint", name)
	}
	switch t.DType() {
	case dtypes.Float32:
		values, err = tensors.CopyFlatData[float32](t)
	case dtypes.Float64:
		values, err = convertFlat(t, func(v float64) float32 { return float32(v) })
	case dtypes.Float16:
		values, err = convertFlat(t, float16.Float16.Float32)
	case dtypes.BFloat16:
		values, err = convertFlat(t, bfloat16.BFloat16.Float32)
	default:
		return nil, nil, errors.Errorf("tensor %q has unsupported dtype %s for conversion to float", name, t.DType())
	}
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "tensor %q", name)
	}
	return values, slices.Clone(t.Shape().Dimensions), nil
}

func convertFlat[T dtypes.Supported](t *tensors.Tensor, fn func(T) float32) ([]float32, error) {
	values := make([]float32, t.Size())
	err := tensors.ConstFlatData(t, func(flat []T) {
		for ii, v := range flat {
			values[ii] = fn(v)
		}
	})
	return values, err
}

// rawTensor is an already encoded tensor to be written.
type rawTensor struct {
	name  string
	dtype string
	shape []int
	data  []byte
}

// WriteSafetensors writes the given tensors to path in the safetensors format.
func WriteSafetensors(path string, values map[string]*tensors.Tensor, metadata map[string]string) error {
	raws := make([]rawTensor, 0, len(values))
	for name, t := range values {
		dtype, found := safetensorsDTypes[t.DType()]
		if !found {
			return errors.Errorf("tensor %q has dtype %s, which can't be saved in safetensors", name, t.DType())
		}
		raw := rawTensor{name: name, dtype: dtype, shape: slices.Clone(t.Shape().Dimensions)}
		if err := t.ConstBytes(func(data []byte) { raw.data = slices.Clone(data) }); err != nil {
			return errors.WithMessagef(err, "tensor %q", name)
		}
		raws = append(raws, raw)
	}
	out, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create checkpoint %q", path)
	}
	if err = writeRaw(out, raws, metadata); err != nil {
		_ = out.Close()
		return errors.WithMessagef(err, "writing checkpoint %q", path)
	}
	return errors.Wrapf(out.Close(), "failed to close checkpoint %q", path)
}

// writeRaw writes the tensors sorted by name, with the header padded to a multiple of 8 bytes.
func writeRaw(w io.Writer, raws []rawTensor, metadata map[string]string) error {
	slices.SortFunc(raws, func(a, b rawTensor) int { return strings.Compare(a.name, b.name) })
	header := make(map[string]any, len(raws)+1)
	if len(metadata) > 0 {
		header[MetadataKey] = metadata
	}
	var offset int64
	for _, raw := range raws {
		end := offset + int64(len(raw.data))
		header[raw.name] = &TensorInfo{DType: raw.dtype, Shape: raw.shape, DataOffsets: [2]int64{offset, end}}
		offset = end
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "failed to encode safetensors header")
	}
	if pad := len(headerBytes) % 8; pad != 0 {
		headerBytes = append(headerBytes, bytes.Repeat([]byte{' '}, 8-pad)...)
	}
	if err = binary.Write(w, binary.LittleEndian, uint64(len(headerBytes))); err != nil {
		return errors.Wrap(err, "failed to write safetensors header size")
	}
	if _, err = w.Write(headerBytes); err != nil {
		return errors.Wrap(err, "failed to write safetensors header")
	}
	for _, raw := range raws {
		if _, err = w.Write(raw.data); err != nil {
			return errors.Wrapf(err, "failed to write tensor %q", raw.name)
		}
	}
	return nil
}
