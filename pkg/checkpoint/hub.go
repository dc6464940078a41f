// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"fmt"
	"maps"
	"os"
	"slices"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/go-huggingface/models/safetensors"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// NewRepo returns the HuggingFace repository repoID, with a progress bar for downloads.
//
// The environment variable HF_TOKEN is used for authentication, if set.
func NewRepo(repoID string) *hub.Repo {
	repo := hub.New(repoID).WithProgressBar(true)
	if token := os.Getenv("HF_TOKEN"); token != "" {
		repo = repo.WithAuth(token)
	}
	return repo
}

// ReadHub downloads (or reuses from the HuggingFace cache) and reads the checkpoint of a HuggingFace repository.
//
// If filename is empty, the repository's safetensors model is read: either its single safetensors file,
// or all the shards listed in its index. Otherwise, only the given safetensors file is read.
func ReadHub(repo *hub.Repo, filename string) (*Checkpoint, error) {
	if filename != "" {
		return readHubFile(repo, filename)
	}
	st, err := safetensors.New(repo)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load safetensors model from HuggingFace repository %q", repo)
	}
	ckpt := &Checkpoint{Tensors: make(map[string]*tensors.Tensor, len(st.Index.WeightMap))}
	for _, header := range st.Headers {
		ckpt.addMetadata(header.Metadata)
	}
	ckpt.addMetadata(st.Index.Metadata)
	for tn, err := range st.IterTensors(nil) {
		if err != nil {
			return nil, errors.WithMessagef(err, "reading checkpoint from HuggingFace repository %q", repo)
		}
		ckpt.Tensors[tn.Name] = tn.Tensor
	}
	klog.V(1).Infof("checkpoint: read %d tensors from HuggingFace repository %q", len(ckpt.Tensors), repo)
	return ckpt, nil
}

func readHubFile(repo *hub.Repo, filename string) (*Checkpoint, error) {
	reader, err := safetensors.NewEmpty(repo).NewTensorReader(filename)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to read %q from HuggingFace repository %q", filename, repo)
	}
	defer func() {
		if err := reader.Close(); err != nil {
			klog.Warningf("checkpoint: failed to close %q: %v", filename, err)
		}
	}()
	ckpt := &Checkpoint{Tensors: make(map[string]*tensors.Tensor, len(reader.Header.Tensors))}
	ckpt.addMetadata(reader.Header.Metadata)
	names := slices.Sorted(maps.Keys(reader.Header.Tensors))
	for tn, err := range reader.IterTensors(nil, names) {
		if err != nil {
			return nil, errors.WithMessagef(err, "reading %q from HuggingFace repository %q", filename, repo)
		}
		ckpt.Tensors[tn.Name] = tn.Tensor
	}
	return ckpt, nil
}

// addMetadata merges free-form metadata, formatting non-string values.
func (c *Checkpoint) addMetadata(metadata map[string]any) {
	for key, value := range metadata {
		if c.Metadata == nil {
			c.Metadata = make(map[string]string)
		}
		if s, ok := value.(string); ok {
			c.Metadata[key] = s
		} else {
			c.Metadata[key] = fmt.Sprint(value)
		}
	}
}
