package config

import (
	"fmt"
	"strings"
)

// RopeStyle selects how rotary embedding pairs dimensions.
type RopeStyle int

const (
	// RopeNormal rotates adjacent pairs (2i, 2i+1), as llama-family GGUF
	// exports expect.
	RopeNormal RopeStyle = iota
	// RopeNeox rotates (i, i+dim/2).
	RopeNeox
)

func (s RopeStyle) String() string {
	if s == RopeNeox {
		return "neox"
	}
	return "normal"
}

// Config holds the hyperparameters of a loaded model.
type Config struct {
	Architecture string
	Dim          int
	HiddenDim    int
	Layers       int
	Heads        int
	KVHeads      int
	HeadDim      int
	VocabSize    int
	SeqLen       int
	Eps          float32
	RopeTheta    float32
	RopeDim      int
	RopeStyle    RopeStyle
}

func (c *Config) Validate() error {
	if c.Dim <= 0 {
		return fmt.Errorf("invalid dim: %d (must be positive)", c.Dim)
	}
	if c.Layers <= 0 {
		return fmt.Errorf("invalid layers: %d (must be positive)", c.Layers)
	}
	if c.Heads <= 0 {
		return fmt.Errorf("invalid heads: %d (must be positive)", c.Heads)
	}
	if c.KVHeads <= 0 {
		return fmt.Errorf("invalid kv_heads: %d (must be positive)", c.KVHeads)
	}
	if c.KVHeads > c.Heads {
		return fmt.Errorf("invalid kv_heads: %d (must be <= heads: %d)", c.KVHeads, c.Heads)
	}
	if c.Heads%c.KVHeads != 0 {
		return fmt.Errorf("invalid kv_heads: %d (must divide heads: %d)", c.KVHeads, c.Heads)
	}
	if c.HeadDim <= 0 {
		return fmt.Errorf("invalid head_dim: %d (must be positive)", c.HeadDim)
	}
	if c.HeadDim%2 != 0 {
		return fmt.Errorf("invalid head_dim: %d (must be even)", c.HeadDim)
	}
	if c.Dim != c.Heads*c.HeadDim {
		return fmt.Errorf("dim mismatch: %d != heads(%d) * head_dim(%d)", c.Dim, c.Heads, c.HeadDim)
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", c.VocabSize)
	}
	if c.SeqLen <= 0 {
		return fmt.Errorf("invalid seq_len: %d (must be positive)", c.SeqLen)
	}
	if c.Eps <= 0 {
		return fmt.Errorf("invalid eps: %f (must be positive)", c.Eps)
	}
	if c.RopeTheta <= 0 {
		return fmt.Errorf("invalid rope_theta: %f (must be positive)", c.RopeTheta)
	}
	if c.RopeDim < 0 || c.RopeDim > c.HeadDim || c.RopeDim%2 != 0 {
		return fmt.Errorf("invalid rope_dim: %d (must be even and <= head_dim: %d)", c.RopeDim, c.HeadDim)
	}
	if c.HiddenDim <= 0 {
		return fmt.Errorf("invalid hidden_dim: %d (must be positive)", c.HiddenDim)
	}
	return nil
}

func (c *Config) GetArchitecture() string {
	return strings.ToLower(c.Architecture)
}

// KVDim is the width of one position's key (or value) across all kv heads.
func (c *Config) KVDim() int {
	return c.KVHeads * c.HeadDim
}

// GroupSize is the number of query heads sharing one kv head.
func (c *Config) GroupSize() int {
	return c.Heads / c.KVHeads
}

// RotaryDim is the number of leading head dimensions that are rotated.
func (c *Config) RotaryDim() int {
	if c.RopeDim == 0 {
		return c.HeadDim
	}
	return c.RopeDim
}

func Default() Config {
	return Config{
		Architecture: "llama",
		SeqLen:       2048,
		Eps:          1e-5,
		RopeTheta:    10000.0,
		RopeStyle:    RopeNormal,
	}
}
