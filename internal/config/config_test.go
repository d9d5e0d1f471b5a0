package config

import (
	"testing"
)

func validConfig() Config {
	cfg := Default()
	cfg.Dim = 4096
	cfg.HiddenDim = 11008
	cfg.Layers = 32
	cfg.Heads = 32
	cfg.KVHeads = 8
	cfg.HeadDim = 128
	cfg.VocabSize = 32000
	return cfg
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.SeqLen != 2048 {
		t.Errorf("expected SeqLen 2048, got %d", cfg.SeqLen)
	}
	if cfg.Eps != 1e-5 {
		t.Errorf("expected Eps 1e-5, got %v", cfg.Eps)
	}
	if cfg.RopeTheta != 10000.0 {
		t.Errorf("expected RopeTheta 10000.0, got %v", cfg.RopeTheta)
	}
	if cfg.RopeStyle != RopeNormal {
		t.Errorf("expected normal rope, got %v", cfg.RopeStyle)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid config", func(c *Config) {}, false},
		{"invalid dim", func(c *Config) { c.Dim = 0 }, true},
		{"negative dim", func(c *Config) { c.Dim = -1 }, true},
		{"invalid layers", func(c *Config) { c.Layers = 0 }, true},
		{"invalid heads", func(c *Config) { c.Heads = 0 }, true},
		{"kv heads above heads", func(c *Config) { c.KVHeads = 64 }, true},
		{"kv heads not dividing heads", func(c *Config) { c.KVHeads = 5 }, true},
		{"odd head dim", func(c *Config) { c.HeadDim = 127; c.Dim = 32 * 127 }, true},
		{"dim mismatch", func(c *Config) { c.HeadDim = 64 }, true},
		{"invalid vocab size", func(c *Config) { c.VocabSize = 0 }, true},
		{"invalid seq len", func(c *Config) { c.SeqLen = 0 }, true},
		{"invalid eps", func(c *Config) { c.Eps = 0 }, true},
		{"invalid rope theta", func(c *Config) { c.RopeTheta = -1 }, true},
		{"rope dim too large", func(c *Config) { c.RopeDim = 256 }, true},
		{"partial rope", func(c *Config) { c.RopeDim = 64 }, false},
		{"invalid hidden dim", func(c *Config) { c.HiddenDim = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDerivedDims(t *testing.T) {
	cfg := validConfig()
	if got := cfg.KVDim(); got != 1024 {
		t.Errorf("KVDim = %d, want 1024", got)
	}
	if got := cfg.GroupSize(); got != 4 {
		t.Errorf("GroupSize = %d, want 4", got)
	}
	if got := cfg.RotaryDim(); got != 128 {
		t.Errorf("RotaryDim = %d, want 128", got)
	}
	cfg.RopeDim = 64
	if got := cfg.RotaryDim(); got != 64 {
		t.Errorf("RotaryDim = %d, want 64", got)
	}
}

func TestGetArchitecture(t *testing.T) {
	cfg := Config{Architecture: "LLaMA"}
	if got := cfg.GetArchitecture(); got != "llama" {
		t.Errorf("expected llama, got %s", got)
	}
}
