package model

import (
	"fmt"
	"slices"
	"time"

	"github.com/23skdu/longbow-tllama/internal/config"
	"github.com/23skdu/longbow-tllama/internal/gguf"
	"github.com/23skdu/longbow-tllama/internal/logger"
	"github.com/23skdu/longbow-tllama/internal/metrics"
	"github.com/23skdu/longbow-tllama/internal/quant"
	"github.com/23skdu/longbow-tllama/internal/tokenizer"
)

// Layer holds the weights of one transformer block. Matrices keep GGUF
// orientation: Cols is the input width and Rows the output width.
type Layer struct {
	AttnNorm []float32
	AttnQ    *quant.Tensor
	AttnK    *quant.Tensor
	AttnV    *quant.Tensor
	AttnO    *quant.Tensor

	// Optional projection biases (qwen2).
	BiasQ, BiasK, BiasV []float32

	FfnNorm []float32
	FfnGate *quant.Tensor
	FfnUp   *quant.Tensor
	FfnDown *quant.Tensor
}

// Model is an immutable loaded checkpoint. It is shared by every session
// and must not be modified after Load returns.
type Model struct {
	Path         string
	Name         string
	Config       config.Config
	Tokenizer    *tokenizer.Tokenizer
	ChatTemplate string

	TokenEmbd  *quant.Tensor
	OutputNorm []float32
	// Output aliases TokenEmbd when the checkpoint ties the embeddings.
	Output *quant.Tensor
	Layers []Layer

	Tensors map[string]*quant.Tensor

	file *gguf.GGUFFile
}

// Load opens and binds a GGUF checkpoint. The returned model keeps the file
// mapped until Close.
func Load(path string) (*Model, error) {
	start := time.Now()
	f, err := gguf.Open(path)
	if err != nil {
		metrics.RecordLoadError(gguf.Class(err))
		return nil, err
	}
	m, err := FromFile(f)
	if err != nil {
		_ = f.Close()
		metrics.RecordLoadError(gguf.Class(err))
		return nil, gguf.WithPath(err, path)
	}
	m.Path = path
	metrics.RecordModelLoad(time.Since(start))

	logger.Log.Info("model loaded",
		"path", path,
		"arch", m.Config.Architecture,
		"layers", m.Config.Layers,
		"dim", m.Config.Dim,
		"heads", m.Config.Heads,
		"kv_heads", m.Config.KVHeads,
		"vocab", m.Config.VocabSize,
		"ctx", m.Config.SeqLen,
		"kind", m.Layers[0].AttnQ.Kind,
		"duration", time.Since(start))
	return m, nil
}

// FromFile binds an already parsed checkpoint. On success the model owns f.
func FromFile(f *gguf.GGUFFile) (*Model, error) {
	arch := f.Architecture()
	if !slices.Contains(Architectures, arch) {
		return nil, gguf.NewLoadError(gguf.ErrUnsupportedModel, "general.architecture %q", arch)
	}

	cfg, err := readConfig(f, arch)
	if err != nil {
		return nil, err
	}

	m := &Model{
		Config:  cfg,
		Tensors: make(map[string]*quant.Tensor, len(f.Tensors)),
		file:    f,
	}
	m.Name, _ = f.GetString("general.name")
	m.ChatTemplate, _ = f.GetString("tokenizer.chat_template")

	for _, info := range f.Tensors {
		t, err := info.Tensor()
		if err != nil {
			return nil, gguf.NewLoadError(gguf.ErrShapeMismatch, "%v", err)
		}
		m.Tensors[info.Name] = t
	}

	if err := m.bind(); err != nil {
		return nil, err
	}

	tok, err := tokenizer.FromGGUF(f)
	if err != nil {
		return nil, err
	}
	if n := tok.Vocabulary().Size(); n != m.Config.VocabSize {
		return nil, gguf.NewLoadError(gguf.ErrShapeMismatch, "tokenizer has %d tokens, token_embd has %d rows", n, m.Config.VocabSize)
	}
	m.Tokenizer = tok
	return m, nil
}

// Close releases the file mapping. Tensors must not be used afterwards.
func (m *Model) Close() error {
	if m.file == nil {
		return nil
	}
	err := m.file.Close()
	m.file = nil
	return err
}

func (m *Model) Vocabulary() *tokenizer.Vocabulary {
	return m.Tokenizer.Vocabulary()
}

// File exposes the parsed container, for inspection only.
func (m *Model) File() *gguf.GGUFFile {
	return m.file
}

func (m *Model) String() string {
	name := m.Name
	if name == "" {
		name = m.Path
	}
	return fmt.Sprintf("%s (%s, %d layers, dim %d, vocab %d)", name, m.Config.Architecture, m.Config.Layers, m.Config.Dim, m.Config.VocabSize)
}
