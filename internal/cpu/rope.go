package cpu

import "math"

// RopeTable fills cos and sin (each rotDim/2 long) for absolute position
// pos: angle_i = pos * theta^(-2i/rotDim).
func RopeTable(cos, sin []float32, pos, rotDim int, theta float32) {
	half := rotDim / 2
	for i := 0; i < half; i++ {
		freq := math.Pow(float64(theta), -2.0*float64(i)/float64(rotDim))
		angle := float64(pos) * freq
		s, c := math.Sincos(angle)
		cos[i] = float32(c)
		sin[i] = float32(s)
	}
}

// Rope rotates the first len(cos)*2 dimensions of every head in vec. With
// neox set the pairs are (i, i+rot/2); otherwise they are adjacent.
func Rope(vec []float32, heads, headDim int, cos, sin []float32, neox bool) {
	half := len(cos)
	for h := 0; h < heads; h++ {
		head := vec[h*headDim : (h+1)*headDim]
		if neox {
			for i := 0; i < half; i++ {
				x0, x1 := head[i], head[i+half]
				head[i] = x0*cos[i] - x1*sin[i]
				head[i+half] = x0*sin[i] + x1*cos[i]
			}
			continue
		}
		for i := 0; i < half; i++ {
			x0, x1 := head[2*i], head[2*i+1]
			head[2*i] = x0*cos[i] - x1*sin[i]
			head[2*i+1] = x0*sin[i] + x1*cos[i]
		}
	}
}
