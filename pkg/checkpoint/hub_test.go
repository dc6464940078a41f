// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testRepoID = "gomlx/countr-test"
	testCommit = "0123456789abcdef0123456789abcdef01234567"
	testToken  = "test-token"
)

// newTestHub serves the files of one model repository with the HuggingFace Hub protocol, requiring
// testToken for authentication.
func newTestHub(t *testing.T, files map[string][]byte) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/models/"+testRepoID+"/revision/main", func(w http.ResponseWriter, r *http.Request) {
		siblings := []map[string]string{{"rfilename": "README.md"}}
		for name := range files {
			siblings = append(siblings, map[string]string{"rfilename": name})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": testRepoID, "sha": testCommit, "siblings": siblings})
	})
	resolvePrefix := "/" + testRepoID + "/resolve/" + testCommit + "/"
	mux.HandleFunc(resolvePrefix, func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, resolvePrefix)
		data, found := files[name]
		if !found {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("ETag", strconv.Quote("blob-"+name))
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write(data)
	})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestRepo(t *testing.T, server *httptest.Server) *hub.Repo {
	return NewRepo(testRepoID).WithEndpoint(server.URL).WithCacheDir(t.TempDir())
}

func TestReadHub(t *testing.T) {
	t.Setenv("HF_TOKEN", testToken)
	cfg := testConfig()
	path, values := writeTorchCheckpoint(t, cfg, nil)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	server := newTestHub(t, map[string][]byte{"model.safetensors": data})

	local, err := ReadSafetensors(path)
	require.NoError(t, err)
	for _, filename := range []string{"", "model.safetensors"} {
		ckpt, err := ReadHub(newTestRepo(t, server), filename)
		require.NoErrorf(t, err, "filename=%q", filename)
		assert.Equal(t, local.Names(), ckpt.Names())
		assert.Equal(t, "pt", ckpt.Metadata["format"])
		for name, want := range values {
			got, found := ckpt.Tensors[name]
			require.Truef(t, found, "tensor %q", name)
			assert.Truef(t, want.Equal(got), "tensor %q", name)
		}
	}

	_, err = ReadHub(newTestRepo(t, server), "missing.safetensors")
	require.Error(t, err)

	t.Setenv("HF_TOKEN", "")
	_, err = ReadHub(newTestRepo(t, server), "")
	require.Error(t, err, "unauthenticated")
}

func TestLoadFromHub(t *testing.T) {
	t.Setenv("HF_TOKEN", testToken)
	cfg := testConfig()
	path, _ := writeTorchCheckpoint(t, cfg, nil)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	server := newTestHub(t, map[string][]byte{"model.safetensors": data})

	ckpt, err := ReadHub(newTestRepo(t, server), "")
	require.NoError(t, err)
	hubCtx := context.New()
	hubReport, err := Load(hubCtx, ckpt, cfg)
	require.NoError(t, err)

	fileCtx := context.New()
	fileReport, err := LoadFile(fileCtx, path, cfg)
	require.NoError(t, err)
	assert.Equal(t, fileReport, hubReport)
	for _, varPath := range fileReport.Loaded {
		scope, name := splitVariablePath(varPath)
		want := fileCtx.GetVariableByScopeAndName(scope, name)
		got := hubCtx.GetVariableByScopeAndName(scope, name)
		require.NotNilf(t, got, "variable %q", varPath)
		assert.Truef(t, want.MustValue().Equal(got.MustValue()), "variable %q", varPath)
	}
}

// splitVariablePath splits a Target.Path, "scope/sub/name", into the absolute scope "/scope/sub" and the name.
func splitVariablePath(varPath string) (scope, name string) {
	idx := strings.LastIndex(varPath, "/")
	return "/" + varPath[:max(idx, 0)], varPath[idx+1:]
}
