// Package session runs the decode loop of one conversation.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/23skdu/longbow-tllama/internal/config"
	"github.com/23skdu/longbow-tllama/internal/engine"
	"github.com/23skdu/longbow-tllama/internal/kvcache"
	"github.com/23skdu/longbow-tllama/internal/logger"
	"github.com/23skdu/longbow-tllama/internal/metrics"
	"github.com/23skdu/longbow-tllama/internal/sampler"
	"github.com/23skdu/longbow-tllama/internal/tokenizer"
)

const (
	FinishStop   = "stop"
	FinishLength = "length"
)

type Options struct {
	// Context is the cache size in positions, 0 for the model's context.
	Context  int
	Overflow config.OverflowPolicy
	// NumKeep is the prompt prefix kept when the shift policy evicts.
	NumKeep int
	// Batch is the prefill chunk size, 0 for engine.DefaultBatch.
	Batch int
}

// Event is one generated token. Text is the output released by this token,
// possibly empty while bytes are held back. A final Event with Token -1
// carries text flushed at the end of generation.
type Event struct {
	Token int32
	Text  string
}

type Result struct {
	Tokens       []int32
	Text         string
	FinishReason string

	PromptTokens     int
	CompletionTokens int
	// CachedTokens is the prompt prefix reused from the previous call.
	CachedTokens int

	PromptDuration time.Duration
	DecodeDuration time.Duration
}

// Session owns a cache and the token history it holds. The model behind the
// engine is shared; everything else is private to the session. A Session is
// not safe for concurrent use.
type Session struct {
	eng   *engine.Engine
	tok   *tokenizer.Tokenizer
	st    *engine.State
	cache *kvcache.Cache
	opts  Options

	// history mirrors the cache contents position by position.
	history []int32
	closed  bool
}

func New(eng *engine.Engine, opts Options) (*Session, error) {
	if opts.Overflow == "" {
		opts.Overflow = config.OverflowStop
	}
	if opts.NumKeep < 0 {
		return nil, fmt.Errorf("session: negative num_keep %d", opts.NumKeep)
	}
	cache, err := eng.NewCache(opts.Context)
	if err != nil {
		return nil, err
	}
	metrics.SessionsActive.Inc()
	return &Session{
		eng:   eng,
		tok:   eng.Model().Tokenizer,
		st:    eng.NewState(opts.Batch),
		cache: cache,
		opts:  opts,
	}, nil
}

// History returns the tokens currently held in the cache.
func (s *Session) History() []int32 { return s.history }

func (s *Session) Cache() *kvcache.Cache { return s.cache }

func (s *Session) Tokenizer() *tokenizer.Tokenizer { return s.tok }

// Reset forgets the conversation, keeping the cache buffers.
func (s *Session) Reset() {
	s.cache.Reset()
	s.history = s.history[:0]
}

// Close releases the cache. It is safe to call more than once.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.cache.Release()
	s.history = nil
	metrics.SessionsActive.Dec()
}

// Generate continues the conversation with prompt, which is the full token
// sequence the model should see. The longest prefix shared with the cached
// history is reused. emit is called once per generated token; an error
// from emit stops generation. When generation fails after tokens were
// produced, the partial Result is returned with the error.
func (s *Session) Generate(ctx context.Context, prompt []int32, cfg sampler.Config, emit func(Event) error) (Result, error) {
	if s.closed {
		return Result{}, errors.New("session: closed")
	}
	if len(prompt) == 0 {
		return Result{}, &sampler.GenerationError{Param: "prompt", Err: errors.New("empty prompt")}
	}
	smp, err := sampler.New(cfg)
	if err != nil {
		return Result{}, err
	}
	if len(prompt) > s.cache.Cap() {
		return Result{}, &kvcache.CapacityError{Len: len(prompt), Cap: s.cache.Cap()}
	}
	if emit == nil {
		emit = func(Event) error { return nil }
	}

	res := Result{PromptTokens: len(prompt)}
	start := time.Now()

	logits, err := s.prefill(ctx, prompt, &res)
	if err != nil {
		return res, err
	}
	res.PromptDuration = time.Since(start)
	metrics.RecordPrefill(len(prompt)-res.CachedTokens, res.PromptDuration)

	limit := cfg.MaxTokens
	if limit == 0 && s.opts.Overflow == config.OverflowShift {
		limit = s.cache.Cap()
	}
	vocab := s.tok.Vocabulary()
	out := &streamer{stops: cfg.Stop}
	decodeStart := time.Now()

	fail := func(err error) (Result, error) {
		res.Text = out.text()
		res.CompletionTokens = len(res.Tokens)
		res.DecodeDuration = time.Since(decodeStart)
		return res, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}

		if stats := engine.AuditLogits(logits); !stats.Finite() {
			logger.Log.Warn("non-finite logits", "nan", stats.NumNaNs, "inf", stats.NumInfs, "step", len(res.Tokens))
			return fail(&sampler.GenerationError{Step: len(res.Tokens), Err: sampler.ErrNonFiniteLogits})
		}
		tok, err := smp.Sample(logits, s.history)
		if err != nil {
			return fail(err)
		}
		if vocab.IsEOG(tok) {
			res.FinishReason = FinishStop
			break
		}

		res.Tokens = append(res.Tokens, tok)
		if err := emit(Event{Token: tok, Text: out.push(s.tok.Piece(tok))}); err != nil {
			return fail(err)
		}
		if out.stopped {
			res.FinishReason = FinishStop
			break
		}
		if limit > 0 && len(res.Tokens) >= limit {
			res.FinishReason = FinishLength
			break
		}

		if s.cache.Remaining() == 0 {
			ok, err := s.overflow(ctx)
			if err != nil {
				return fail(err)
			}
			if !ok {
				res.FinishReason = FinishLength
				break
			}
		}

		stepStart := time.Now()
		logits, err = s.eng.Forward(ctx, s.st, s.cache, []int32{tok})
		if err != nil {
			return fail(s.wrap(err, len(res.Tokens)))
		}
		s.history = append(s.history, tok)
		metrics.RecordDecodeStep(time.Since(stepStart))
	}

	if tail := out.flush(); tail != "" {
		if err := emit(Event{Token: -1, Text: tail}); err != nil {
			return fail(err)
		}
	}
	res.Text = out.text()
	res.CompletionTokens = len(res.Tokens)
	res.DecodeDuration = time.Since(decodeStart)

	metrics.RecordInference(res.CompletionTokens, time.Since(start))
	metrics.RecordContextLength(s.cache.Len())
	metrics.RecordFinish(res.FinishReason)
	logger.Log.Debug("generation finished",
		"prompt", res.PromptTokens,
		"cached", res.CachedTokens,
		"completion", res.CompletionTokens,
		"finish", res.FinishReason)
	return res, nil
}

// prefill rewinds the cache to the prefix shared with prompt and evaluates
// the rest. At least one prompt token is always evaluated so that there
// are logits to sample from.
func (s *Session) prefill(ctx context.Context, prompt []int32, res *Result) ([]float32, error) {
	n := 0
	for n < len(s.history) && n < len(prompt) && s.history[n] == prompt[n] {
		n++
	}
	if n == len(prompt) {
		n--
	}
	if err := s.cache.Truncate(n); err != nil {
		return nil, err
	}
	s.history = s.history[:n]
	res.CachedTokens = n
	if n > 0 {
		metrics.RecordPrefixReuse(n)
	}

	logits, err := s.eng.Forward(ctx, s.st, s.cache, prompt[n:])
	if err != nil {
		// chunks committed before the failure stay cached
		s.history = append(s.history, prompt[n:s.cache.Len()]...)
		return nil, s.wrap(err, 0)
	}
	s.history = append(s.history, prompt[n:]...)
	return logits, nil
}

// overflow applies the overflow policy to a full cache. It reports whether
// generation can continue.
func (s *Session) overflow(ctx context.Context) (bool, error) {
	policy := s.opts.Overflow
	if policy != config.OverflowShift {
		metrics.RecordKVCacheOverflow(string(policy), 0)
		return false, nil
	}

	keep := min(s.opts.NumKeep, len(s.history))
	discard := (len(s.history) - keep) / 2
	if discard == 0 {
		metrics.RecordKVCacheOverflow(string(policy), 0)
		return false, nil
	}

	rest := append([]int32(nil), s.history[keep+discard:]...)
	if err := s.cache.Truncate(keep); err != nil {
		return false, err
	}
	s.history = s.history[:keep]
	logger.Log.Debug("context shift", "keep", keep, "discard", discard, "reprocess", len(rest))
	metrics.RecordKVCacheOverflow(string(policy), discard)

	if len(rest) > 0 {
		if _, err := s.eng.Forward(ctx, s.st, s.cache, rest); err != nil {
			s.history = append(s.history, rest[:s.cache.Len()-keep]...)
			return false, s.wrap(err, 0)
		}
		s.history = append(s.history, rest...)
	}
	return true, nil
}

// wrap leaves cancellation and capacity errors untouched and reports
// everything else as a generation failure.
func (s *Session) wrap(err error, step int) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, kvcache.ErrCapacity) {
		return err
	}
	return &sampler.GenerationError{Step: step, Err: err}
}
