package discover

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-tllama/internal/gguf"
	"github.com/23skdu/longbow-tllama/internal/ollama"
)

func writeGGUF(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	w := gguf.NewWriter()
	w.AddKV("general.architecture", "llama")
	require.NoError(t, w.WriteFile(path))
}

func writeOllama(t *testing.T, base, model, tag string) string {
	t.Helper()
	blob := filepath.Join(base, "blobs", "sha256-feed")
	writeGGUF(t, blob)
	info, err := os.Stat(blob)
	require.NoError(t, err)

	m := ollama.Manifest{SchemaVersion: 2, Layers: []ollama.Layer{
		{MediaType: ollama.MediaTypeModel, Digest: "sha256:feed", Size: info.Size()},
	}}
	data, err := json.Marshal(m)
	require.NoError(t, err)
	path := filepath.Join(base, "manifests", ollama.DefaultHost, ollama.DefaultNamespace, model, tag)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return blob
}

func fixture(t *testing.T) Options {
	t.Helper()
	root := t.TempDir()
	models := filepath.Join(root, "models")
	writeGGUF(t, filepath.Join(models, "tiny-q8.gguf"))
	writeGGUF(t, filepath.Join(models, "nested", "mistral-7b.GGUF"))
	// right extension, wrong content
	require.NoError(t, os.WriteFile(filepath.Join(models, "fake.gguf"), []byte("not a model at all"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(models, "notes.txt"), []byte("x"), 0o644))
	writeGGUF(t, filepath.Join(models, ".cache", "hidden.gguf"))

	hf := filepath.Join(root, "hf", "hub")
	blob := filepath.Join(hf, "models--acme--chat-GGUF", "blobs", "abc")
	writeGGUF(t, blob)
	snap := filepath.Join(hf, "models--acme--chat-GGUF", "snapshots", "rev1")
	require.NoError(t, os.MkdirAll(snap, 0o755))
	require.NoError(t, os.Symlink(blob, filepath.Join(snap, "chat.Q4_K_M.gguf")))

	ollamaDir := filepath.Join(root, "ollama")
	writeOllama(t, ollamaDir, "llama3", "8b")

	return Options{
		Paths:       []string{models, filepath.Join(root, "missing")},
		OllamaDir:   ollamaDir,
		HFDir:       hf,
		Concurrency: 2,
	}
}

func names(models []Model) []string {
	out := make([]string, len(models))
	for i, m := range models {
		out[i] = m.Name
	}
	return out
}

func TestScan(t *testing.T) {
	opts := fixture(t)
	models, err := Scan(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"llama3:8b", "mistral-7b", "tiny-q8"}, names(models))
	assert.Equal(t, SourceOllama, models[0].Source)
	assert.Equal(t, SourcePath, models[2].Source)

	opts.All = true
	models, err = Scan(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme/chat-GGUF/chat.Q4_K_M", "llama3:8b", "mistral-7b", "tiny-q8"}, names(models))
	assert.Equal(t, SourceHuggingFace, models[0].Source)
}

func TestScanMinSize(t *testing.T) {
	opts := fixture(t)
	opts.MinSize = 50 * 1024 * 1024
	models, err := Scan(context.Background(), opts)
	require.NoError(t, err)
	assert.Empty(t, models)
}

func TestScanCanceled(t *testing.T) {
	opts := fixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Scan(ctx, opts)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResolve(t *testing.T) {
	opts := fixture(t)
	ctx := context.Background()

	m, err := Resolve(ctx, "tiny-q8", opts)
	require.NoError(t, err)
	assert.Equal(t, "tiny-q8.gguf", filepath.Base(m.Path))

	m, err = Resolve(ctx, "llama3:8b", opts)
	require.NoError(t, err)
	assert.Equal(t, SourceOllama, m.Source)

	m, err = Resolve(ctx, m.Path, opts)
	require.NoError(t, err)
	assert.Equal(t, SourcePath, m.Source)

	_, err = Resolve(ctx, "tiny-q9", opts)
	var nf *NotFoundError
	require.True(t, errors.As(err, &nf), "got %v", err)
	assert.Equal(t, "tiny-q8", nf.Suggestion)
	assert.Contains(t, err.Error(), `did you mean "tiny-q8"`)

	_, err = Resolve(ctx, filepath.Join(opts.Paths[0], "fake.gguf"), opts)
	assert.ErrorIs(t, err, gguf.ErrBadMagic)
}

func TestSuggest(t *testing.T) {
	cands := []string{"llama3:8b", "mistral-7b", "qwen2:1.5b"}
	assert.Equal(t, "llama3:8b", Suggest("llama3:7b", cands))
	assert.Equal(t, "mistral-7b", Suggest("Mistral-7B", cands))
	assert.Equal(t, "", Suggest("something-else-entirely", cands))
	assert.Equal(t, "", Suggest("x", nil))
}

func TestHFName(t *testing.T) {
	assert.Equal(t, "owner/repo/file", hfName("models--owner--repo/snapshots/abc/file.gguf"))
	assert.Equal(t, "file", hfName("file.gguf"))
}
