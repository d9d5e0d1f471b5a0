package cpu

import (
	"math"
	"sync"
	"sync/atomic"
	"testing"
)

func approx(a, b, tol float32) bool {
	return float32(math.Abs(float64(a-b))) <= tol
}

func TestPoolForCoversRangeOnce(t *testing.T) {
	for _, workers := range []int{1, 2, 4, 8} {
		p := NewPool(workers)
		for _, n := range []int{0, 1, 7, 64, 1000, 4097} {
			hits := make([]int32, n)
			p.For(n, 1, func(start, end int) {
				for i := start; i < end; i++ {
					atomic.AddInt32(&hits[i], 1)
				}
			})
			for i, h := range hits {
				if h != 1 {
					t.Fatalf("workers=%d n=%d: index %d visited %d times", workers, n, i, h)
				}
			}
		}
		p.Close()
	}
}

func TestPoolGrainRunsInline(t *testing.T) {
	p := NewPool(4)
	defer p.Close()

	calls := 0
	p.For(10, 64, func(start, end int) {
		calls++
		if start != 0 || end != 10 {
			t.Errorf("expected single chunk [0,10), got [%d,%d)", start, end)
		}
	})
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestPoolConcurrentCallers(t *testing.T) {
	p := NewPool(4)
	defer p.Close()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var sum atomic.Int64
			p.For(1000, 8, func(start, end int) {
				for i := start; i < end; i++ {
					sum.Add(int64(i))
				}
			})
			if sum.Load() != 999*1000/2 {
				t.Errorf("wrong sum %d", sum.Load())
			}
		}()
	}
	wg.Wait()
}

func TestPoolAfterClose(t *testing.T) {
	p := NewPool(3)
	p.Close()
	p.Close()

	var n atomic.Int32
	p.For(100, 1, func(start, end int) { n.Add(int32(end - start)) })
	if n.Load() != 100 {
		t.Errorf("closed pool should run inline, got %d", n.Load())
	}

	var nilPool *Pool
	nilPool.For(5, 1, func(start, end int) { n.Add(int32(end - start)) })
	if nilPool.Workers() != 1 {
		t.Error("nil pool should report one worker")
	}
}

func TestDot(t *testing.T) {
	a := []float32{1, 2, 3, 4, 5, 6, 7}
	b := []float32{7, 6, 5, 4, 3, 2, 1}
	if got := Dot(a, b); got != 84 {
		t.Errorf("Dot = %v, want 84", got)
	}
	if got := Dot(nil, nil); got != 0 {
		t.Errorf("empty Dot = %v", got)
	}
}

func TestAxpyAddScale(t *testing.T) {
	y := []float32{1, 1, 1}
	Axpy(2, []float32{1, 2, 3}, y)
	Add(y, []float32{1, 1, 1})
	Scale(y, 0.5)
	want := []float32{2, 3, 4}
	for i := range want {
		if y[i] != want[i] {
			t.Errorf("y[%d] = %v, want %v", i, y[i], want[i])
		}
	}
}

func TestNormalize(t *testing.T) {
	x := []float32{3, 4}
	Normalize(x)
	if !approx(x[0], 0.6, 1e-6) || !approx(x[1], 0.8, 1e-6) {
		t.Errorf("Normalize = %v", x)
	}
	zero := []float32{0, 0}
	Normalize(zero)
	if zero[0] != 0 || zero[1] != 0 {
		t.Errorf("zero vector changed: %v", zero)
	}
}

func TestRMSNorm(t *testing.T) {
	x := []float32{1, 2, 3, 4}
	w := []float32{1, 1, 2, 0.5}
	out := make([]float32, 4)
	RMSNorm(out, x, w, 0)

	rms := float32(math.Sqrt((1 + 4 + 9 + 16) / 4.0))
	for i := range x {
		want := x[i] / rms * w[i]
		if !approx(out[i], want, 1e-6) {
			t.Errorf("out[%d] = %v, want %v", i, out[i], want)
		}
	}

	// in place
	RMSNorm(x, x, w, 0)
	for i := range x {
		if !approx(x[i], out[i], 1e-6) {
			t.Errorf("in-place mismatch at %d", i)
		}
	}
}

func TestSoftmaxStability(t *testing.T) {
	x := make([]float32, 10)
	for i := range x {
		x[i] = float32(1000 + i)
	}
	Softmax(x)

	var sum float32
	for i, v := range x {
		if v < 0 || v > 1 || v != v {
			t.Fatalf("bad probability %v at %d", v, i)
		}
		sum += v
		if i > 0 && x[i] <= x[i-1] {
			t.Errorf("softmax not monotonic at %d", i)
		}
	}
	if !approx(sum, 1, 1e-5) {
		t.Errorf("softmax sums to %v", sum)
	}
	Softmax(nil)
}

func TestSwiGLU(t *testing.T) {
	gate := []float32{0, 1, -1, 3}
	up := []float32{5, 2, 2, 1}
	want := make([]float32, 4)
	for i := range gate {
		s := 1 / (1 + math.Exp(-float64(gate[i])))
		want[i] = float32(float64(gate[i])*s) * up[i]
	}
	SwiGLU(gate, up)
	for i := range want {
		if !approx(gate[i], want[i], 1e-6) {
			t.Errorf("SwiGLU[%d] = %v, want %v", i, gate[i], want[i])
		}
	}
}

func TestArgmax(t *testing.T) {
	nan := float32(math.NaN())
	tests := []struct {
		name string
		in   []float32
		want int
	}{
		{"simple", []float32{1, 5, 2, 0.5}, 1},
		{"first of ties", []float32{3, 3, 1}, 0},
		{"nan skipped", []float32{nan, 2, 4, nan}, 2},
		{"all nan", []float32{nan, nan}, 0},
		{"empty", nil, 0},
		{"negative", []float32{-3, -1, -2}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Argmax(tt.in); got != tt.want {
				t.Errorf("Argmax = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRopePositionZeroIsIdentity(t *testing.T) {
	vec := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	orig := append([]float32(nil), vec...)
	cos := make([]float32, 2)
	sin := make([]float32, 2)
	RopeTable(cos, sin, 0, 4, 10000)

	for _, neox := range []bool{false, true} {
		Rope(vec, 2, 4, cos, sin, neox)
		for i := range vec {
			if !approx(vec[i], orig[i], 1e-6) {
				t.Fatalf("neox=%v: pos 0 changed %d: %v != %v", neox, i, vec[i], orig[i])
			}
		}
	}
}

func TestRopePreservesNorm(t *testing.T) {
	cos := make([]float32, 4)
	sin := make([]float32, 4)
	RopeTable(cos, sin, 17, 8, 10000)

	for _, neox := range []bool{false, true} {
		vec := []float32{0.3, -1, 2, 0.5, 1, 1, -0.7, 0.25}
		var before float32
		for _, v := range vec {
			before += v * v
		}
		Rope(vec, 1, 8, cos, sin, neox)
		var after float32
		for _, v := range vec {
			after += v * v
		}
		if !approx(before, after, 1e-4) {
			t.Errorf("neox=%v: norm changed %v -> %v", neox, before, after)
		}
	}
}

func TestRopeNormalPairing(t *testing.T) {
	// One pair, rotDim 2: angle = pos * theta^0 = pos.
	cos := make([]float32, 1)
	sin := make([]float32, 1)
	RopeTable(cos, sin, 1, 2, 10000)

	vec := []float32{1, 0}
	Rope(vec, 1, 2, cos, sin, false)
	if !approx(vec[0], float32(math.Cos(1)), 1e-6) || !approx(vec[1], float32(math.Sin(1)), 1e-6) {
		t.Errorf("unexpected rotation %v", vec)
	}
}

func TestRopeRelativeInvariance(t *testing.T) {
	// q·k after rotation depends only on the position difference.
	dot := func(pq, pk int) float32 {
		q := []float32{0.1, 0.7, -0.4, 1.2}
		k := []float32{0.9, -0.3, 0.5, 0.2}
		c := make([]float32, 2)
		s := make([]float32, 2)
		RopeTable(c, s, pq, 4, 10000)
		Rope(q, 1, 4, c, s, false)
		RopeTable(c, s, pk, 4, 10000)
		Rope(k, 1, 4, c, s, false)
		return Dot(q, k)
	}
	if a, b := dot(5, 2), dot(13, 10); !approx(a, b, 1e-4) {
		t.Errorf("relative property violated: %v vs %v", a, b)
	}
}
