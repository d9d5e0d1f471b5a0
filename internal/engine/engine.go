package engine

import (
	"context"
	"fmt"
	"math"

	"github.com/23skdu/longbow-tllama/internal/config"
	"github.com/23skdu/longbow-tllama/internal/cpu"
	"github.com/23skdu/longbow-tllama/internal/kvcache"
	"github.com/23skdu/longbow-tllama/internal/logger"
	"github.com/23skdu/longbow-tllama/internal/model"
	"github.com/23skdu/longbow-tllama/internal/quant"
)

// DefaultBatch is the number of prompt positions evaluated together during
// prefill.
const DefaultBatch = 32

// Engine runs the transformer forward pass of a shared model. It holds no
// per-session state and is safe for concurrent use with distinct States
// and caches.
type Engine struct {
	m         *model.Model
	cfg       config.Config
	pool      *cpu.Pool
	cacheKind quant.Kind
}

type Option func(*Engine)

// WithCacheKind packs the kv cache of every session as k. Kinds whose
// block does not divide the head width fall back to F16.
func WithCacheKind(k quant.Kind) Option {
	return func(e *Engine) { e.cacheKind = k }
}

func New(m *model.Model, pool *cpu.Pool, opts ...Option) *Engine {
	e := &Engine{m: m, cfg: m.Config, pool: pool, cacheKind: quant.F32}
	for _, opt := range opts {
		opt(e)
	}
	if !e.cacheKind.Valid() || e.cfg.HeadDim%e.cacheKind.BlockSize() != 0 {
		logger.Log.Warn("kv cache type does not fit the head width, using F16",
			"kv_cache_type", e.cacheKind,
			"head_dim", e.cfg.HeadDim)
		e.cacheKind = quant.F16
	}
	return e
}

func (e *Engine) Model() *model.Model { return e.m }

// CacheKind is the packing used for new caches.
func (e *Engine) CacheKind() quant.Kind { return e.cacheKind }

// NewCache allocates a cache sized for ctxLen positions, capped at the
// model's context length. ctxLen <= 0 selects the model's context length.
func (e *Engine) NewCache(ctxLen int) (*kvcache.Cache, error) {
	if ctxLen <= 0 || ctxLen > e.cfg.SeqLen {
		ctxLen = e.cfg.SeqLen
	}
	return kvcache.New(e.cfg.Layers, ctxLen, e.cfg.KVDim(), e.cacheKind)
}

// Forward evaluates tokens at positions cache.Len() onwards, appends their
// keys and values to cache, and returns the logits of the last position.
// The returned slice belongs to st and is overwritten by the next call.
// Prompts longer than the state's batch are evaluated in chunks; each
// chunk is committed to the cache before the next one starts, and ctx is
// checked between chunks.
func (e *Engine) Forward(ctx context.Context, st *State, cache *kvcache.Cache, tokens []int32) ([]float32, error) {
	if err := e.run(ctx, st, cache, tokens, nil); err != nil {
		return nil, err
	}
	last := st.xb[st.lastRow]
	quant.MatVec(e.pool, e.m.Output, last, st.logits)
	return st.logits, nil
}

// Embed evaluates tokens like Forward and returns the mean over positions
// of the final normalized hidden state.
func (e *Engine) Embed(ctx context.Context, st *State, cache *kvcache.Cache, tokens []int32) ([]float32, error) {
	sum := make([]float32, e.cfg.Dim)
	err := e.run(ctx, st, cache, tokens, func(h []float32) {
		cpu.Add(sum, h)
	})
	if err != nil {
		return nil, err
	}
	cpu.Scale(sum, 1/float32(len(tokens)))
	return sum, nil
}

func (e *Engine) run(ctx context.Context, st *State, cache *kvcache.Cache, tokens []int32, visit func([]float32)) error {
	if len(tokens) == 0 {
		return fmt.Errorf("engine: no tokens to evaluate")
	}
	if st.dim != e.cfg.Dim || st.vocab != e.cfg.VocabSize {
		return fmt.Errorf("engine: state was built for a different model")
	}
	if cache.Layers() != e.cfg.Layers || cache.KVDim() != e.cfg.KVDim() {
		return fmt.Errorf("engine: cache geometry does not match the model")
	}
	if n := cache.Len() + len(tokens); n > cache.Cap() {
		return &kvcache.CapacityError{Layer: 0, Len: n, Cap: cache.Cap()}
	}
	for _, t := range tokens {
		if t < 0 || int(t) >= e.cfg.VocabSize {
			return fmt.Errorf("engine: token %d outside vocabulary of %d", t, e.cfg.VocabSize)
		}
	}

	for start := 0; start < len(tokens); start += st.batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk := tokens[start:min(start+st.batch, len(tokens))]
		if err := e.step(st, cache, chunk); err != nil {
			cache.Rollback()
			return err
		}
		if err := cache.Commit(); err != nil {
			return err
		}

		n := len(chunk)
		st.lastRow = n - 1
		if visit != nil {
			for i := 0; i < n; i++ {
				cpu.RMSNorm(st.xb[i], st.x[i], e.m.OutputNorm, e.cfg.Eps)
				visit(st.xb[i])
			}
		} else if start+n == len(tokens) {
			cpu.RMSNorm(st.xb[n-1], st.x[n-1], e.m.OutputNorm, e.cfg.Eps)
		}
	}
	return nil
}

// step runs every layer over one chunk of positions, leaving the final
// residual stream in st.x.
func (e *Engine) step(st *State, cache *kvcache.Cache, tokens []int32) error {
	c := &e.cfg
	n := len(tokens)
	pos0 := cache.Len()
	rot := c.RotaryDim()
	neox := c.RopeStyle == config.RopeNeox

	x, xb := st.x[:n], st.xb[:n]
	q, k, v := st.q[:n], st.k[:n], st.v[:n]
	att, hb, hb2 := st.att[:n], st.hb[:n], st.hb2[:n]

	for i, t := range tokens {
		e.m.TokenEmbd.Row(int(t), x[i])
		cpu.RopeTable(st.cos[i], st.sin[i], pos0+i, rot, c.RopeTheta)
	}

	for l := range e.m.Layers {
		layer := &e.m.Layers[l]

		for i := range x {
			cpu.RMSNorm(xb[i], x[i], layer.AttnNorm, c.Eps)
		}
		quant.MatMul(e.pool, layer.AttnQ, xb, q)
		quant.MatMul(e.pool, layer.AttnK, xb, k)
		quant.MatMul(e.pool, layer.AttnV, xb, v)
		for i := range x {
			if layer.BiasQ != nil {
				cpu.Add(q[i], layer.BiasQ)
			}
			if layer.BiasK != nil {
				cpu.Add(k[i], layer.BiasK)
			}
			if layer.BiasV != nil {
				cpu.Add(v[i], layer.BiasV)
			}
			cpu.Rope(q[i], c.Heads, c.HeadDim, st.cos[i], st.sin[i], neox)
			cpu.Rope(k[i], c.KVHeads, c.HeadDim, st.cos[i], st.sin[i], neox)
			if err := cache.Append(l, k[i], v[i]); err != nil {
				return err
			}
		}

		e.attention(st, cache, l, pos0, q, att)

		quant.MatMul(e.pool, layer.AttnO, att, xb)
		for i := range x {
			cpu.Add(x[i], xb[i])
			cpu.RMSNorm(xb[i], x[i], layer.FfnNorm, c.Eps)
		}

		quant.MatMul(e.pool, layer.FfnGate, xb, hb)
		quant.MatMul(e.pool, layer.FfnUp, xb, hb2)
		for i := range hb {
			cpu.SwiGLU(hb[i], hb2[i])
		}
		quant.MatMul(e.pool, layer.FfnDown, hb, xb)
		for i := range x {
			cpu.Add(x[i], xb[i])
		}
	}
	return nil
}

// attention computes causal grouped-query attention for every position of
// the chunk, parallel over query heads. Position pos0+i attends to cached
// positions 0..pos0+i.
func (e *Engine) attention(st *State, cache *kvcache.Cache, layer, pos0 int, q, out [][]float32) {
	c := &e.cfg
	hd := c.HeadDim
	group := c.GroupSize()
	scale := float32(1 / math.Sqrt(float64(hd)))
	keys, vals := cache.Read(layer)
	span := pos0 + len(q)

	e.pool.For(c.Heads, 1, func(h0, h1 int) {
		for h := h0; h < h1; h++ {
			scores := st.scores(h, span)
			row := st.headRows[h]
			kvOff := (h / group) * hd
			for i := range q {
				qh := q[i][h*hd : (h+1)*hd]
				n := pos0 + i + 1
				s := scores[:n]
				for t := 0; t < n; t++ {
					s[t] = keys.Dot(t, kvOff, qh) * scale
				}
				cpu.Softmax(s)

				oh := out[i][h*hd : (h+1)*hd]
				clear(oh)
				for t := 0; t < n; t++ {
					vals.Row(t, kvOff, row)
					cpu.Axpy(s[t], row, oh)
				}
			}
		}
	})
}
