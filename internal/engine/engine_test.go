package engine

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/23skdu/longbow-tllama/internal/cpu"
	"github.com/23skdu/longbow-tllama/internal/kvcache"
	"github.com/23skdu/longbow-tllama/internal/model"
	"github.com/23skdu/longbow-tllama/internal/model/modeltest"
	"github.com/23skdu/longbow-tllama/internal/quant"
)

func newEngine(t *testing.T, m *model.Model) *Engine {
	t.Helper()
	pool := cpu.NewPool(4)
	t.Cleanup(pool.Close)
	return New(m, pool)
}

func maxDiff(a, b []float32) float64 {
	var d float64
	for i := range a {
		d = math.Max(d, math.Abs(float64(a[i]-b[i])))
	}
	return d
}

func TestSuccessorNextToken(t *testing.T) {
	e := newEngine(t, modeltest.Load(t, modeltest.Successor()))
	st := e.NewState(0)
	cache, err := e.NewCache(0)
	if err != nil {
		t.Fatal(err)
	}

	logits, err := e.Forward(context.Background(), st, cache, []int32{0, 1})
	if err != nil {
		t.Fatal(err)
	}
	next := int32(cpu.Argmax(logits))
	want := []int32{2, 3, 0, 1}
	for i, w := range want {
		if next != w {
			t.Fatalf("step %d: got %d, want %d", i, next, w)
		}
		logits, err = e.Forward(context.Background(), st, cache, []int32{next})
		if err != nil {
			t.Fatal(err)
		}
		next = int32(cpu.Argmax(logits))
	}
	if cache.Len() != 2+len(want) {
		t.Errorf("cache len = %d", cache.Len())
	}
}

// The same sequence must produce the same logits whether it is evaluated
// in one pass, in small prefill chunks or one token at a time.
func TestPrefillStrategiesAgree(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*modeltest.Options)
	}{
		{"llama f32", func(o *modeltest.Options) {}},
		{"llama q8_0", func(o *modeltest.Options) { o.Kind = quant.Q8_0 }},
		{"qwen2 neox biases", func(o *modeltest.Options) {
			o.Arch = "qwen2"
			o.Biases = true
			o.TiedEmbed = true
		}},
	}
	tokens := []int32{1, 5, 9, 2, 7, 3, 11}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := modeltest.Tiny()
			tt.mutate(&opts)
			e := newEngine(t, modeltest.Load(t, opts))
			ctx := context.Background()

			run := func(batch int, split []int) []float32 {
				st := e.NewState(batch)
				cache, err := e.NewCache(0)
				if err != nil {
					t.Fatal(err)
				}
				var logits []float32
				start := 0
				for _, end := range split {
					logits, err = e.Forward(ctx, st, cache, tokens[start:end])
					if err != nil {
						t.Fatal(err)
					}
					start = end
				}
				return append([]float32(nil), logits...)
			}

			full := run(0, []int{len(tokens)})
			chunked := run(2, []int{len(tokens)})
			var steps []int
			for i := 1; i <= len(tokens); i++ {
				steps = append(steps, i)
			}
			incremental := run(1, steps)
			mixed := run(3, []int{4, 5, len(tokens)})

			for name, got := range map[string][]float32{"chunked": chunked, "incremental": incremental, "mixed": mixed} {
				if d := maxDiff(full, got); d > 1e-4 {
					t.Errorf("%s differs from full pass by %g", name, d)
				}
			}
			for _, v := range full {
				if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
					t.Fatal("non-finite logit")
				}
			}
		})
	}
}

func TestCapacityExceeded(t *testing.T) {
	e := newEngine(t, modeltest.Load(t, modeltest.Successor()))
	st := e.NewState(0)
	cache, _ := e.NewCache(4)

	if _, err := e.Forward(context.Background(), st, cache, []int32{0, 1, 2}); err != nil {
		t.Fatal(err)
	}
	_, err := e.Forward(context.Background(), st, cache, []int32{3, 0})
	if !errors.Is(err, kvcache.ErrCapacity) {
		t.Fatalf("expected capacity error, got %v", err)
	}
	if cache.Len() != 3 {
		t.Fatalf("failed call must not change the cache, len = %d", cache.Len())
	}
}

func TestForwardRejectsBadInput(t *testing.T) {
	e := newEngine(t, modeltest.Load(t, modeltest.Successor()))
	st := e.NewState(0)
	cache, _ := e.NewCache(0)
	ctx := context.Background()

	if _, err := e.Forward(ctx, st, cache, nil); err == nil {
		t.Error("expected error for empty input")
	}
	if _, err := e.Forward(ctx, st, cache, []int32{4}); err == nil {
		t.Error("expected error for out-of-vocabulary token")
	}
	other := newEngine(t, modeltest.Load(t, modeltest.Tiny()))
	if _, err := e.Forward(ctx, other.NewState(0), cache, []int32{1}); err == nil {
		t.Error("expected error for foreign state")
	}
	wrongCache, _ := other.NewCache(0)
	if _, err := e.Forward(ctx, st, wrongCache, []int32{1}); err == nil {
		t.Error("expected error for foreign cache")
	}
}

func TestForwardCanceled(t *testing.T) {
	e := newEngine(t, modeltest.Load(t, modeltest.Tiny()))
	st := e.NewState(2)
	cache, _ := e.NewCache(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Forward(ctx, st, cache, []int32{1, 2, 3, 4})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if cache.Len() != 0 {
		t.Errorf("cache len = %d", cache.Len())
	}
}

func TestEmbed(t *testing.T) {
	e := newEngine(t, modeltest.Load(t, modeltest.Successor()))
	cache, _ := e.NewCache(0)
	vec, err := e.Embed(context.Background(), e.NewState(1), cache, []int32{0, 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(vec) != 4 {
		t.Fatalf("len = %d", len(vec))
	}
	// hidden states are normalized one-hot vectors, so the mean splits
	// evenly between the two tokens
	if math.Abs(float64(vec[0]-vec[2])) > 1e-5 || vec[1] != 0 || vec[3] != 0 {
		t.Errorf("vec = %v", vec)
	}
	if vec[0] <= 0 {
		t.Errorf("vec = %v", vec)
	}
}

// Packed caches must track the f32 cache closely over a short prompt.
func TestCacheKinds(t *testing.T) {
	opts := modeltest.Tiny()
	opts.Heads, opts.KVHeads = 2, 1 // head width 32, one Q8_0 block
	m := modeltest.Load(t, opts)
	pool := cpu.NewPool(2)
	t.Cleanup(pool.Close)
	tokens := []int32{1, 5, 9, 2, 7, 3}

	logits := func(kind quant.Kind) []float32 {
		e := New(m, pool, WithCacheKind(kind))
		if e.CacheKind() != kind {
			t.Fatalf("cache kind %s, want %s", e.CacheKind(), kind)
		}
		cache, err := e.NewCache(0)
		if err != nil {
			t.Fatal(err)
		}
		if cache.Kind() != kind {
			t.Fatalf("cache packed as %s", cache.Kind())
		}
		out, err := e.Forward(context.Background(), e.NewState(2), cache, tokens)
		if err != nil {
			t.Fatal(err)
		}
		return append([]float32(nil), out...)
	}

	ref := logits(quant.F32)
	for _, tt := range []struct {
		kind quant.Kind
		tol  float64
	}{
		{quant.F16, 5e-3},
		{quant.Q8_0, 5e-2},
	} {
		if d := maxDiff(ref, logits(tt.kind)); d > tt.tol {
			t.Errorf("%s cache differs from f32 by %g", tt.kind, d)
		}
	}

	// head width 16 cannot hold a Q8_0 block
	narrow := New(modeltest.Load(t, modeltest.Tiny()), pool, WithCacheKind(quant.Q8_0))
	if narrow.CacheKind() != quant.F16 {
		t.Errorf("fallback kind = %s", narrow.CacheKind())
	}
}

func TestAuditLogits(t *testing.T) {
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))
	tests := []struct {
		name   string
		in     []float32
		finite bool
		flat   bool
	}{
		{"normal", []float32{1, 2, 3}, true, false},
		{"flat", []float32{2, 2, 2}, true, true},
		{"nan", []float32{1, nan}, false, false},
		{"inf", []float32{inf, 0, 1}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := AuditLogits(tt.in)
			if s.Finite() != tt.finite || s.IsFlat != tt.flat {
				t.Errorf("got %+v", s)
			}
		})
	}
	s := AuditLogits([]float32{-1, 3})
	if s.Max != 3 || s.Min != -1 || s.Mean != 1 {
		t.Errorf("moments %+v", s)
	}
}
