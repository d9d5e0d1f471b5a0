// Package sampler turns logits into the next token.
package sampler

import (
	"cmp"
	"math"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/23skdu/longbow-tllama/internal/cpu"
	"github.com/23skdu/longbow-tllama/internal/metrics"
)

// Config holds the sampling parameters of one generation.
type Config struct {
	Temperature float64
	// TopK keeps the K most likely tokens, 0 disables.
	TopK int
	// TopP keeps the smallest set whose mass reaches P, 1 disables.
	TopP          float64
	RepeatPenalty float64
	// RepeatLastN is the penalty window, 0 for the whole history.
	RepeatLastN int
	// MaxTokens bounds the completion, 0 runs until the context is full.
	MaxTokens int
	// Seed makes sampling reproducible; nil seeds from the clock.
	Seed *uint64
	Stop []string
}

// Defaults returns the command line defaults.
func Defaults() Config {
	return Config{
		Temperature:   0.8,
		TopK:          40,
		TopP:          0.9,
		RepeatPenalty: 1.1,
		RepeatLastN:   64,
		MaxTokens:     512,
	}
}

// Greedy returns a deterministic arg-max configuration.
func Greedy() Config {
	return Config{TopP: 1, RepeatPenalty: 1}
}

func (c Config) Validate() error {
	switch {
	case math.IsNaN(c.Temperature) || c.Temperature < 0:
		return invalid("temperature", "must be >= 0, got %g", c.Temperature)
	case c.TopK < 0:
		return invalid("top_k", "must be >= 0, got %d", c.TopK)
	case math.IsNaN(c.TopP) || c.TopP <= 0 || c.TopP > 1:
		return invalid("top_p", "must be in (0, 1], got %g", c.TopP)
	case math.IsNaN(c.RepeatPenalty) || c.RepeatPenalty < 1:
		return invalid("repeat_penalty", "must be >= 1, got %g", c.RepeatPenalty)
	case c.RepeatLastN < 0:
		return invalid("repeat_last_n", "must be >= 0, got %d", c.RepeatLastN)
	case c.MaxTokens < 0:
		return invalid("max_tokens", "must be >= 0, got %d", c.MaxTokens)
	}
	return nil
}

type candidate struct {
	id   int32
	prob float64
}

// Sampler draws tokens for one session. It is not safe for concurrent use.
type Sampler struct {
	cfg   Config
	rng   *rand.Rand
	cands []candidate
	seen  map[int32]struct{}
}

func New(cfg Config) (*Sampler, error) {
	if err := cfg.Validate(); err != nil {
		metrics.RecordValidationError("sample", "config")
		return nil, err
	}
	seed := uint64(time.Now().UnixNano())
	if cfg.Seed != nil {
		seed = *cfg.Seed
	}
	metrics.RecordSamplingConfig(cfg.Temperature, cfg.TopK, cfg.TopP, cfg.RepeatPenalty)
	return &Sampler{
		cfg:  cfg,
		rng:  rand.New(rand.NewPCG(seed, seed^0x9E3779B9)),
		seen: make(map[int32]struct{}),
	}, nil
}

func (s *Sampler) Config() Config { return s.cfg }

// Sample picks the next token from logits given the token history. logits
// is modified in place.
func (s *Sampler) Sample(logits []float32, history []int32) (int32, error) {
	usable := 0
	for i, v := range logits {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 1) {
			logits[i] = float32(math.Inf(-1))
			metrics.SamplingNaNHandling.Inc()
			continue
		}
		if !math.IsInf(float64(v), -1) {
			usable++
		}
	}
	if usable == 0 {
		return 0, &GenerationError{Err: ErrNonFiniteLogits}
	}

	if s.cfg.RepeatPenalty > 1 {
		s.applyRepetitionPenalty(logits, history)
	}

	if s.cfg.Temperature == 0 {
		return int32(cpu.Argmax(logits)), nil
	}

	s.softmax(logits, s.cfg.Temperature)
	s.cands = applyTopK(s.cands, s.cfg.TopK)
	s.cands = applyTopP(s.cands, s.cfg.TopP)
	return s.draw(s.cands), nil
}

func (s *Sampler) applyRepetitionPenalty(logits []float32, history []int32) {
	window := history
	if n := s.cfg.RepeatLastN; n > 0 && len(window) > n {
		window = window[len(window)-n:]
	}
	clear(s.seen)
	penalty := float32(s.cfg.RepeatPenalty)
	for _, id := range window {
		if id < 0 || int(id) >= len(logits) {
			continue
		}
		if _, ok := s.seen[id]; ok {
			continue
		}
		s.seen[id] = struct{}{}
		if logits[id] > 0 {
			logits[id] /= penalty
		} else {
			logits[id] *= penalty
		}
	}
}

// softmax fills s.cands with the tempered distribution, most likely first.
func (s *Sampler) softmax(logits []float32, temperature float64) {
	maxLogit := math.Inf(-1)
	for _, v := range logits {
		maxLogit = math.Max(maxLogit, float64(v))
	}

	s.cands = s.cands[:0]
	var sum float64
	for i, v := range logits {
		p := math.Exp((float64(v) - maxLogit) / temperature)
		if p == 0 {
			continue
		}
		s.cands = append(s.cands, candidate{id: int32(i), prob: p})
		sum += p
	}
	for i := range s.cands {
		s.cands[i].prob /= sum
	}
	slices.SortFunc(s.cands, func(a, b candidate) int {
		if c := cmp.Compare(b.prob, a.prob); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})
}

func applyTopK(cands []candidate, k int) []candidate {
	if k <= 0 || k >= len(cands) {
		return cands
	}
	return normalize(cands[:k])
}

// applyTopP keeps the smallest prefix whose mass reaches p.
func applyTopP(cands []candidate, p float64) []candidate {
	if p >= 1 {
		return cands
	}
	var sum float64
	for i, c := range cands {
		sum += c.prob
		if sum >= p {
			return normalize(cands[:i+1])
		}
	}
	return cands
}

func normalize(cands []candidate) []candidate {
	var sum float64
	for _, c := range cands {
		sum += c.prob
	}
	for i := range cands {
		cands[i].prob /= sum
	}
	return cands
}

func (s *Sampler) draw(cands []candidate) int32 {
	r := s.rng.Float64()
	var acc float64
	for _, c := range cands {
		acc += c.prob
		if r < acc {
			return c.id
		}
	}
	return cands[len(cands)-1].id
}
