package model

import (
	"fmt"
	"slices"
	"strings"

	"github.com/23skdu/longbow-tllama/internal/config"
	"github.com/23skdu/longbow-tllama/internal/gguf"
	"github.com/23skdu/longbow-tllama/internal/quant"
)

// Architectures lists the general.architecture values that can be loaded.
var Architectures = []string{"llama", "mistral", "qwen2"}

func readConfig(f *gguf.GGUFFile, arch string) (config.Config, error) {
	cfg := config.Default()
	cfg.Architecture = arch

	required := func(key string) (int, error) {
		v, ok := f.GetUint(arch + "." + key)
		if !ok {
			return 0, gguf.NewLoadError(gguf.ErrMissingHyperparameter, "%s.%s", arch, key)
		}
		return int(v), nil
	}

	var err error
	if cfg.Layers, err = required("block_count"); err != nil {
		return cfg, err
	}
	if cfg.Dim, err = required("embedding_length"); err != nil {
		return cfg, err
	}
	if cfg.HiddenDim, err = required("feed_forward_length"); err != nil {
		return cfg, err
	}
	if cfg.Heads, err = required("attention.head_count"); err != nil {
		return cfg, err
	}
	if cfg.SeqLen, err = required("context_length"); err != nil {
		return cfg, err
	}
	eps, ok := f.GetFloat(arch + ".attention.layer_norm_rms_epsilon")
	if !ok {
		return cfg, gguf.NewLoadError(gguf.ErrMissingHyperparameter, "%s.attention.layer_norm_rms_epsilon", arch)
	}
	cfg.Eps = float32(eps)

	cfg.KVHeads = cfg.Heads
	if v, ok := f.GetUint(arch + ".attention.head_count_kv"); ok {
		cfg.KVHeads = int(v)
	}
	if cfg.Heads > 0 {
		cfg.HeadDim = cfg.Dim / cfg.Heads
	}
	if v, ok := f.GetUint(arch + ".attention.key_length"); ok {
		cfg.HeadDim = int(v)
	}
	if v, ok := f.GetFloat(arch + ".rope.freq_base"); ok {
		cfg.RopeTheta = float32(v)
	}
	if v, ok := f.GetUint(arch + ".rope.dimension_count"); ok {
		cfg.RopeDim = int(v)
	}
	if arch == "qwen2" {
		cfg.RopeStyle = config.RopeNeox
	}

	// The vocabulary size comes from the embedding table, not metadata.
	if info, ok := f.Tensor("token_embd.weight"); ok && len(info.Dimensions) == 2 {
		cfg.VocabSize = int(info.Dimensions[1])
	} else if !ok {
		return cfg, gguf.NewLoadError(gguf.ErrMissingTensor, "token_embd.weight")
	} else {
		return cfg, gguf.NewLoadError(gguf.ErrShapeMismatch, "token_embd.weight has %d dims", len(info.Dimensions))
	}

	if err := cfg.Validate(); err != nil {
		return cfg, gguf.NewLoadError(gguf.ErrShapeMismatch, "%v", err)
	}
	return cfg, checkGeometry(f, cfg)
}

// checkGeometry compares the hyperparameters with the tensor directory, so
// that nothing is sized from a corrupt header value.
func checkGeometry(f *gguf.GGUFFile, c config.Config) error {
	if need := 2 + 9*uint64(c.Layers); need > uint64(len(f.Tensors)) {
		return gguf.NewLoadError(gguf.ErrMissingTensor, "%s.block_count is %d but the file holds only %d tensors",
			c.Architecture, c.Layers, len(f.Tensors))
	}
	for _, want := range []struct {
		name       string
		cols, rows int
	}{
		{"token_embd.weight", c.Dim, c.VocabSize},
		{"blk.0.attn_q.weight", c.Dim, c.Heads * c.HeadDim},
		{"blk.0.attn_k.weight", c.Dim, c.KVDim()},
		{"blk.0.ffn_gate.weight", c.Dim, c.HiddenDim},
	} {
		info, ok := f.Tensor(want.name)
		if !ok {
			return gguf.NewLoadError(gguf.ErrMissingTensor, "%s", want.name)
		}
		d := info.Dimensions
		if len(d) != 2 || d[0] != uint64(want.cols) || d[1] != uint64(want.rows) {
			return gguf.NewLoadError(gguf.ErrShapeMismatch, "%s: shape %v, want [%d %d]", want.name, d, want.cols, want.rows)
		}
	}
	return nil
}

// binder looks up tensors and checks their shapes against the config,
// keeping the first failure.
type binder struct {
	m   *Model
	err error
}

func (b *binder) tensor(name string, optional bool, shape ...int) *quant.Tensor {
	if b.err != nil {
		return nil
	}
	t, ok := b.m.Tensors[name]
	if !ok {
		if !optional {
			b.err = gguf.NewLoadError(gguf.ErrMissingTensor, "%s", name)
		}
		return nil
	}
	if !slices.Equal(t.Shape, shape) {
		b.err = gguf.NewLoadError(gguf.ErrShapeMismatch, "%s: shape %v, want %v", name, t.Shape, shape)
		return nil
	}
	return t
}

func (b *binder) vector(name string, optional bool, n int) []float32 {
	t := b.tensor(name, optional, n)
	if t == nil {
		return nil
	}
	return t.Dequantize()
}

func (m *Model) bind() error {
	c := &m.Config
	qDim := c.Heads * c.HeadDim
	kvDim := c.KVDim()
	if missing := m.file.FindMissingTensors(RequiredTensors(*c)); len(missing) > 0 {
		return gguf.NewLoadError(gguf.ErrMissingTensor, "%s", strings.Join(missing, ", "))
	}
	b := &binder{m: m}

	m.TokenEmbd = b.tensor("token_embd.weight", false, c.Dim, c.VocabSize)
	m.OutputNorm = b.vector("output_norm.weight", false, c.Dim)
	m.Output = b.tensor("output.weight", true, c.Dim, c.VocabSize)
	if m.Output == nil {
		m.Output = m.TokenEmbd
	}

	m.Layers = make([]Layer, c.Layers)
	for i := range m.Layers {
		blk := func(s string) string { return fmt.Sprintf("blk.%d.%s", i, s) }
		m.Layers[i] = Layer{
			AttnNorm: b.vector(blk("attn_norm.weight"), false, c.Dim),
			AttnQ:    b.tensor(blk("attn_q.weight"), false, c.Dim, qDim),
			AttnK:    b.tensor(blk("attn_k.weight"), false, c.Dim, kvDim),
			AttnV:    b.tensor(blk("attn_v.weight"), false, c.Dim, kvDim),
			AttnO:    b.tensor(blk("attn_output.weight"), false, qDim, c.Dim),
			BiasQ:    b.vector(blk("attn_q.bias"), true, qDim),
			BiasK:    b.vector(blk("attn_k.bias"), true, kvDim),
			BiasV:    b.vector(blk("attn_v.bias"), true, kvDim),
			FfnNorm:  b.vector(blk("ffn_norm.weight"), false, c.Dim),
			FfnGate:  b.tensor(blk("ffn_gate.weight"), false, c.Dim, c.HiddenDim),
			FfnUp:    b.tensor(blk("ffn_up.weight"), false, c.Dim, c.HiddenDim),
			FfnDown:  b.tensor(blk("ffn_down.weight"), false, c.HiddenDim, c.Dim),
		}
	}
	return b.err
}

// RequiredTensors lists the tensor names a checkpoint with cfg must carry.
func RequiredTensors(cfg config.Config) []string {
	names := []string{"token_embd.weight", "output_norm.weight"}
	for i := 0; i < cfg.Layers; i++ {
		for _, s := range []string{
			"attn_norm", "attn_q", "attn_k", "attn_v", "attn_output",
			"ffn_norm", "ffn_gate", "ffn_up", "ffn_down",
		} {
			names = append(names, fmt.Sprintf("blk.%d.%s.weight", i, s))
		}
	}
	return names
}
