package cpu

import (
	"math"
)

// Dot returns sum(a[i]*b[i]) over len(a) accumulated in float32.
func Dot(a, b []float32) float32 {
	n := len(a)
	b = b[:n]
	var s0, s1, s2, s3 float32
	i := 0
	for ; i+4 <= n; i += 4 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
	}
	for ; i < n; i++ {
		s0 += a[i] * b[i]
	}
	return (s0 + s1) + (s2 + s3)
}

// Axpy computes y += a*x.
func Axpy(a float32, x, y []float32) {
	y = y[:len(x)]
	for i, v := range x {
		y[i] += a * v
	}
}

// Add computes dst += src.
func Add(dst, src []float32) {
	src = src[:len(dst)]
	for i := range dst {
		dst[i] += src[i]
	}
}

func Scale(x []float32, s float32) {
	for i := range x {
		x[i] *= s
	}
}

// Normalize scales x to unit L2 norm. A zero vector is left as is.
func Normalize(x []float32) {
	n := math.Sqrt(float64(Dot(x, x)))
	if n > 0 {
		Scale(x, float32(1/n))
	}
}

// RMSNorm writes x / rms(x) * weight into out. out and x may alias.
func RMSNorm(out, x, weight []float32, eps float32) {
	var sum float32
	for _, v := range x {
		sum += v * v
	}
	inv := float32(1.0 / math.Sqrt(float64(sum/float32(len(x)))+float64(eps)))
	weight = weight[:len(x)]
	out = out[:len(x)]
	for i, v := range x {
		out[i] = v * inv * weight[i]
	}
}

// Softmax normalises x in place, subtracting the max first.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	max := x[0]
	for _, v := range x {
		if v > max {
			max = v
		}
	}
	sum := float32(0.0)
	for i := range x {
		x[i] = float32(math.Exp(float64(x[i] - max)))
		sum += x[i]
	}
	if sum > 0 {
		invSum := float32(1.0) / sum
		for i := range x {
			x[i] *= invSum
		}
	}
}

func Silu(x float32) float32 {
	return x / (1 + float32(math.Exp(float64(-x))))
}

// SwiGLU writes silu(gate)*up into gate.
func SwiGLU(gate, up []float32) {
	up = up[:len(gate)]
	for i, g := range gate {
		gate[i] = Silu(g) * up[i]
	}
}

// Argmax returns the index of the largest non-NaN value, 0 when every value
// is NaN or x is empty.
func Argmax(x []float32) int {
	best := -1
	var bestVal float32
	for i, v := range x {
		if v != v {
			continue
		}
		if best < 0 || v > bestVal {
			best, bestVal = i, v
		}
	}
	if best < 0 {
		return 0
	}
	return best
}
