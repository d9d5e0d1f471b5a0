package model_test

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/23skdu/longbow-tllama/internal/config"
	"github.com/23skdu/longbow-tllama/internal/gguf"
	"github.com/23skdu/longbow-tllama/internal/model"
	"github.com/23skdu/longbow-tllama/internal/model/modeltest"
	"github.com/23skdu/longbow-tllama/internal/quant"
)

func TestLoadTiny(t *testing.T) {
	opts := modeltest.Tiny()
	opts.Kind = quant.Q8_0
	m := modeltest.Load(t, opts)

	c := m.Config
	if c.Layers != 2 || c.Dim != 64 || c.Heads != 4 || c.KVHeads != 2 || c.HeadDim != 16 {
		t.Fatalf("unexpected config %+v", c)
	}
	if c.VocabSize != 16 || c.SeqLen != 64 || c.HiddenDim != 128 {
		t.Fatalf("unexpected config %+v", c)
	}
	if c.RopeStyle != config.RopeNormal {
		t.Errorf("llama should use normal rope, got %s", c.RopeStyle)
	}
	if m.Layers[1].AttnQ.Kind != quant.Q8_0 {
		t.Errorf("attn_q kind = %s", m.Layers[1].AttnQ.Kind)
	}
	if len(m.Layers[0].AttnNorm) != 64 || m.Layers[0].BiasQ != nil {
		t.Errorf("norm/bias binding wrong")
	}
	if m.Output == m.TokenEmbd {
		t.Errorf("output should not be tied")
	}
	if m.Vocabulary().Size() != 16 {
		t.Errorf("vocab size %d", m.Vocabulary().Size())
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestTiedEmbeddingsAndBiases(t *testing.T) {
	opts := modeltest.Tiny()
	opts.Arch = "qwen2"
	opts.TiedEmbed = true
	opts.Biases = true
	m := modeltest.Load(t, opts)

	if m.Output != m.TokenEmbd {
		t.Error("output should alias token_embd")
	}
	if m.Config.RopeStyle != config.RopeNeox {
		t.Errorf("qwen2 should use neox rope")
	}
	l := m.Layers[0]
	if len(l.BiasQ) != 64 || len(l.BiasK) != 32 || len(l.BiasV) != 32 {
		t.Errorf("bias lengths %d %d %d", len(l.BiasQ), len(l.BiasK), len(l.BiasV))
	}
}

func writeRaw(t *testing.T, w *gguf.Writer) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "raw.gguf")
	if err := w.WriteFile(path); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name  string
		build func(t *testing.T) string
		want  error
	}{
		{
			name: "missing tensor",
			build: func(t *testing.T) string {
				opts := modeltest.Tiny()
				opts.Skip = []string{"blk.1.ffn_up.weight"}
				return modeltest.WriteFile(t, opts)
			},
			want: gguf.ErrMissingTensor,
		},
		{
			name: "unsupported architecture",
			build: func(t *testing.T) string {
				opts := modeltest.Tiny()
				opts.Arch = "mamba"
				return modeltest.WriteFile(t, opts)
			},
			want: gguf.ErrUnsupportedModel,
		},
		{
			name: "missing hyperparameter",
			build: func(t *testing.T) string {
				w := gguf.NewWriter()
				w.AddKV("general.architecture", "llama")
				w.AddKV("llama.block_count", uint32(1))
				return writeRaw(t, w)
			},
			want: gguf.ErrMissingHyperparameter,
		},
		{
			name: "shape mismatch",
			build: func(t *testing.T) string {
				opts := modeltest.Tiny()
				w, err := opts.Writer()
				if err != nil {
					t.Fatal(err)
				}
				// more heads than the k/v projections were built for
				w.AddKV("llama.attention.head_count", uint32(8))
				return writeRaw(t, w)
			},
			want: gguf.ErrShapeMismatch,
		},
		{
			name: "corrupt block count",
			build: func(t *testing.T) string {
				w, err := modeltest.Successor().Writer()
				if err != nil {
					t.Fatal(err)
				}
				w.AddKV("llama.block_count", uint32(0xff0001))
				return writeRaw(t, w)
			},
			want: gguf.ErrMissingTensor,
		},
		{
			name: "corrupt embedding length",
			build: func(t *testing.T) string {
				w, err := modeltest.Successor().Writer()
				if err != nil {
					t.Fatal(err)
				}
				w.AddKV("llama.embedding_length", uint32(0x40000000))
				return writeRaw(t, w)
			},
			want: gguf.ErrShapeMismatch,
		},
		{
			name: "corrupt feed forward length",
			build: func(t *testing.T) string {
				w, err := modeltest.Successor().Writer()
				if err != nil {
					t.Fatal(err)
				}
				w.AddKV("llama.feed_forward_length", uint32(0x7f000000))
				return writeRaw(t, w)
			},
			want: gguf.ErrShapeMismatch,
		},
		{
			name: "corrupt kv head count",
			build: func(t *testing.T) string {
				w, err := modeltest.Successor().Writer()
				if err != nil {
					t.Fatal(err)
				}
				w.AddKV("llama.attention.head_count_kv", uint32(2))
				return writeRaw(t, w)
			},
			want: gguf.ErrShapeMismatch,
		},
		{
			name: "vocabulary mismatch",
			build: func(t *testing.T) string {
				w, err := modeltest.Tiny().Writer()
				if err != nil {
					t.Fatal(err)
				}
				w.AddKV("tokenizer.ggml.tokens", []string{"<unk>", "a", "b"})
				w.AddKV("tokenizer.ggml.scores", []float32{0, 0, 0})
				w.AddKV("tokenizer.ggml.token_type", []int32{2, 1, 1})
				return writeRaw(t, w)
			},
			want: gguf.ErrShapeMismatch,
		},
		{
			name: "not gguf",
			build: func(t *testing.T) string {
				path := filepath.Join(t.TempDir(), "junk.gguf")
				if err := os.WriteFile(path, []byte("this is not a model file at all"), 0o644); err != nil {
					t.Fatal(err)
				}
				return path
			},
			want: gguf.ErrBadMagic,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := tt.build(t)
			m, err := model.Load(path)
			if err == nil {
				m.Close()
				t.Fatal("expected error")
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
			var le *gguf.LoadError
			if !errors.As(err, &le) || le.Path != path {
				t.Errorf("error should carry the path: %v", err)
			}
		})
	}
}

// A single flipped byte in the block count must come back as a load error
// instead of sizing the layer table from it.
func TestCorruptBlockCountByte(t *testing.T) {
	data, err := modeltest.Successor().Bytes()
	if err != nil {
		t.Fatal(err)
	}
	key := []byte("llama.block_count")
	i := bytes.Index(data, key)
	if i < 0 {
		t.Fatal("block_count key not found")
	}
	// the key is followed by a u32 value type and the u32 value
	val := i + len(key) + 4
	for _, b := range []byte{0xff, 0x7f, 0x40} {
		corrupt := bytes.Clone(data)
		corrupt[val+2] = b
		f, err := gguf.Parse(corrupt)
		if err != nil {
			t.Fatal(err)
		}
		m, err := model.FromFile(f)
		if err == nil {
			m.Close()
			t.Fatalf("byte %#x: expected error", b)
		}
		if !errors.Is(err, gguf.ErrMissingTensor) {
			t.Errorf("byte %#x: got %v", b, err)
		}
	}
}

func TestRequiredTensors(t *testing.T) {
	names := model.RequiredTensors(config.Config{Layers: 2})
	if len(names) != 2+2*9 {
		t.Fatalf("got %d names", len(names))
	}
	if names[len(names)-1] != "blk.1.ffn_down.weight" {
		t.Errorf("last = %s", names[len(names)-1])
	}
}
