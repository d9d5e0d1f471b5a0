// Package modeltest builds small synthetic GGUF checkpoints for tests.
package modeltest

import (
	"fmt"
	"math"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/23skdu/longbow-tllama/internal/gguf"
	"github.com/23skdu/longbow-tllama/internal/model"
	"github.com/23skdu/longbow-tllama/internal/quant"
	"github.com/23skdu/longbow-tllama/internal/tokenizer"
)

type Options struct {
	Arch    string
	Name    string
	Layers  int
	Dim     int
	Heads   int
	KVHeads int
	FF      int
	Context int
	Theta   float32

	// Kind is used for every matrix; norms and biases stay F32.
	Kind quant.Kind
	Seed uint64

	// Tokens defaults to "<unk>" followed by single letters, one per
	// vocabulary entry. The first token is the unknown token.
	Tokens []string
	Vocab  int
	// EOS marks a token id as end of sequence, -1 for none.
	EOS int32

	// Successor zeroes attention and feed-forward weights and wires the
	// embedding and output so that greedy decoding always picks
	// (t+1) mod vocab. It requires Dim == Vocab.
	Successor bool
	Biases    bool
	TiedEmbed bool

	ChatTemplate string
	// Poison fills these embedding rows with NaN.
	Poison []int
	// Skip omits tensors by name, for loader error tests.
	Skip []string
}

// Tiny is a small random llama-style model with grouped-query attention.
func Tiny() Options {
	return Options{
		Arch:    "llama",
		Name:    "tiny",
		Layers:  2,
		Dim:     64,
		Heads:   4,
		KVHeads: 2,
		FF:      128,
		Context: 64,
		Kind:    quant.F32,
		Seed:    1,
		Vocab:   16,
		EOS:     -1,
	}
}

// Successor is the one-layer model whose greedy continuation of token t is
// always (t+1) mod 4.
func Successor() Options {
	return Options{
		Arch:      "llama",
		Name:      "successor",
		Layers:    1,
		Dim:       4,
		Heads:     2,
		KVHeads:   1,
		FF:        8,
		Context:   8,
		Kind:      quant.F32,
		Vocab:     4,
		EOS:       -1,
		Successor: true,
	}
}

func (o Options) tokens() []string {
	if o.Tokens != nil {
		return o.Tokens
	}
	toks := make([]string, o.Vocab)
	toks[0] = "<unk>"
	for i := 1; i < o.Vocab; i++ {
		toks[i] = string(rune('a' + (i-1)%26))
		if i > 26 {
			toks[i] = fmt.Sprintf("%s%d", toks[i], i)
		}
	}
	return toks
}

// Writer assembles the checkpoint described by o.
func (o Options) Writer() (*gguf.Writer, error) {
	if o.Arch == "" {
		o.Arch = "llama"
	}
	toks := o.tokens()
	vocab := len(toks)
	if o.Successor && o.Dim != vocab {
		return nil, fmt.Errorf("successor model needs dim == vocab, have %d and %d", o.Dim, vocab)
	}
	if o.Theta == 0 {
		o.Theta = 10000
	}
	headDim := o.Dim / o.Heads
	qDim := o.Heads * headDim
	kvDim := o.KVHeads * headDim
	rng := rand.New(rand.NewPCG(o.Seed, o.Seed^0x9E3779B9))

	w := gguf.NewWriter()
	arch := o.Arch
	w.AddKV("general.architecture", arch)
	w.AddKV("general.name", o.Name)
	w.AddKV(arch+".block_count", uint32(o.Layers))
	w.AddKV(arch+".embedding_length", uint32(o.Dim))
	w.AddKV(arch+".feed_forward_length", uint32(o.FF))
	w.AddKV(arch+".attention.head_count", uint32(o.Heads))
	w.AddKV(arch+".attention.head_count_kv", uint32(o.KVHeads))
	w.AddKV(arch+".context_length", uint32(o.Context))
	w.AddKV(arch+".attention.layer_norm_rms_epsilon", float32(1e-5))
	w.AddKV(arch+".rope.freq_base", o.Theta)

	types := make([]int32, vocab)
	scores := make([]float32, vocab)
	for i := range types {
		types[i] = tokenizer.TokenTypeNormal
		scores[i] = -float32(i)
	}
	types[0] = tokenizer.TokenTypeUnknown
	w.AddKV("tokenizer.ggml.model", tokenizer.ModelSPM)
	w.AddKV("tokenizer.ggml.tokens", toks)
	w.AddKV("tokenizer.ggml.scores", scores)
	w.AddKV("tokenizer.ggml.token_type", types)
	w.AddKV("tokenizer.ggml.unknown_token_id", uint32(0))
	w.AddKV("tokenizer.ggml.add_bos_token", false)
	w.AddKV("tokenizer.ggml.add_space_prefix", false)
	if o.EOS >= 0 {
		w.AddKV("tokenizer.ggml.eos_token_id", uint32(o.EOS))
	}
	if o.ChatTemplate != "" {
		w.AddKV("tokenizer.chat_template", o.ChatTemplate)
	}

	skip := make(map[string]bool, len(o.Skip))
	for _, s := range o.Skip {
		skip[s] = true
	}
	var err error
	add := func(name string, kind quant.Kind, values []float32, dims ...uint64) {
		if err != nil || skip[name] {
			return
		}
		err = w.AddFloat32(name, kind, dims, values)
	}
	random := func(n, fanIn int) []float32 {
		v := make([]float32, n)
		if o.Successor {
			return v
		}
		s := 1 / float32(math.Sqrt(float64(fanIn)))
		for i := range v {
			v[i] = (rng.Float32()*2 - 1) * s
		}
		return v
	}
	norm := func(n int) []float32 {
		v := make([]float32, n)
		for i := range v {
			v[i] = 1
			if !o.Successor {
				v[i] += (rng.Float32() - 0.5) * 0.2
			}
		}
		return v
	}

	embd := random(vocab*o.Dim, 1)
	out := random(vocab*o.Dim, o.Dim)
	if o.Successor {
		// embedding(t) = e_t, logit(j) = x[(j-1) mod vocab]
		for t := 0; t < vocab; t++ {
			embd[t*o.Dim+t] = 1
			out[t*o.Dim+(t+vocab-1)%vocab] = 1
		}
	}
	for _, t := range o.Poison {
		for i := range o.Dim {
			embd[t*o.Dim+i] = float32(math.NaN())
		}
	}
	add("token_embd.weight", o.Kind, embd, uint64(o.Dim), uint64(vocab))
	add("output_norm.weight", quant.F32, norm(o.Dim), uint64(o.Dim))
	if !o.TiedEmbed {
		add("output.weight", o.Kind, out, uint64(o.Dim), uint64(vocab))
	}

	for l := 0; l < o.Layers; l++ {
		name := func(s string) string { return fmt.Sprintf("blk.%d.%s", l, s) }
		add(name("attn_norm.weight"), quant.F32, norm(o.Dim), uint64(o.Dim))
		add(name("attn_q.weight"), o.Kind, random(qDim*o.Dim, o.Dim), uint64(o.Dim), uint64(qDim))
		add(name("attn_k.weight"), o.Kind, random(kvDim*o.Dim, o.Dim), uint64(o.Dim), uint64(kvDim))
		add(name("attn_v.weight"), o.Kind, random(kvDim*o.Dim, o.Dim), uint64(o.Dim), uint64(kvDim))
		add(name("attn_output.weight"), o.Kind, random(o.Dim*qDim, qDim), uint64(qDim), uint64(o.Dim))
		if o.Biases {
			add(name("attn_q.bias"), quant.F32, random(qDim, 4), uint64(qDim))
			add(name("attn_k.bias"), quant.F32, random(kvDim, 4), uint64(kvDim))
			add(name("attn_v.bias"), quant.F32, random(kvDim, 4), uint64(kvDim))
		}
		add(name("ffn_norm.weight"), quant.F32, norm(o.Dim), uint64(o.Dim))
		add(name("ffn_gate.weight"), o.Kind, random(o.FF*o.Dim, o.Dim), uint64(o.Dim), uint64(o.FF))
		add(name("ffn_up.weight"), o.Kind, random(o.FF*o.Dim, o.Dim), uint64(o.Dim), uint64(o.FF))
		add(name("ffn_down.weight"), o.Kind, random(o.Dim*o.FF, o.FF), uint64(o.FF), uint64(o.Dim))
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Bytes encodes the checkpoint.
func (o Options) Bytes() ([]byte, error) {
	w, err := o.Writer()
	if err != nil {
		return nil, err
	}
	return w.Bytes()
}

// WriteFile writes the checkpoint into a test temp dir and returns its path.
func WriteFile(t testing.TB, o Options) string {
	t.Helper()
	w, err := o.Writer()
	if err != nil {
		t.Fatalf("modeltest: %v", err)
	}
	name := o.Name
	if name == "" {
		name = "model"
	}
	path := filepath.Join(t.TempDir(), name+".gguf")
	if err := w.WriteFile(path); err != nil {
		t.Fatalf("modeltest: %v", err)
	}
	return path
}

// Load writes and loads the checkpoint; the model is closed at cleanup.
func Load(t testing.TB, o Options) *model.Model {
	t.Helper()
	m, err := model.Load(WriteFile(t, o))
	if err != nil {
		t.Fatalf("modeltest: load: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}
