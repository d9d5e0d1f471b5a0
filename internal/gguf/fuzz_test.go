package gguf_test

import (
	"bytes"
	"testing"

	"github.com/23skdu/longbow-tllama/internal/gguf"
	"github.com/23skdu/longbow-tllama/internal/model"
	"github.com/23skdu/longbow-tllama/internal/model/modeltest"
	"github.com/23skdu/longbow-tllama/internal/tokenizer"
)

// Fuzz target for the checkpoint loaders: a hostile file must fail with an
// error, never a panic or an allocation sized by an untrusted count.
func FuzzParse(f *testing.F) {
	valid, err := modeltest.Successor().Bytes()
	if err != nil {
		f.Fatal(err)
	}
	tiny, err := modeltest.Tiny().Bytes()
	if err != nil {
		f.Fatal(err)
	}

	f.Add(valid)
	f.Add(tiny)
	f.Add(valid[:len(valid)/2])
	f.Add(valid[:24])
	f.Add([]byte("GGUF"))
	f.Add([]byte{})
	if i := bytes.Index(valid, []byte("llama.block_count")); i >= 0 {
		corrupt := bytes.Clone(valid)
		corrupt[i+len("llama.block_count")+6] = 0xff
		f.Add(corrupt)
	}
	if i := bytes.Index(valid, []byte("tokenizer.ggml.tokens")); i >= 0 {
		// array length
		corrupt := bytes.Clone(valid)
		corrupt[i+len("tokenizer.ggml.tokens")+8+7] = 0x7f
		f.Add(corrupt)
	}

	f.Fuzz(func(t *testing.T, data []byte) {
		if len(data) > 1<<20 {
			return
		}
		file, err := gguf.Parse(data)
		if err != nil {
			return
		}
		if tok, err := tokenizer.FromGGUF(file); err == nil {
			_, _ = tok.Encode("abc", true)
		}
		m, err := model.FromFile(file)
		if err != nil {
			return
		}
		if m.Config.Layers != len(m.Layers) {
			t.Errorf("config has %d layers, bound %d", m.Config.Layers, len(m.Layers))
		}
		_ = m.Close()
	})
}
