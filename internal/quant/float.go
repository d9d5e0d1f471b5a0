package quant

import (
	"encoding/binary"
	"math"

	bfloat16 "github.com/d4l3k/go-bfloat16"
)

func dequantF32(dst []float32, src []byte) {
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[4*i:]))
	}
}

func dotF32(src []byte, x []float32) float32 {
	var s0, s1 float32
	n := len(x)
	i := 0
	for ; i+2 <= n; i += 2 {
		s0 += math.Float32frombits(binary.LittleEndian.Uint32(src[4*i:])) * x[i]
		s1 += math.Float32frombits(binary.LittleEndian.Uint32(src[4*i+4:])) * x[i+1]
	}
	for ; i < n; i++ {
		s0 += math.Float32frombits(binary.LittleEndian.Uint32(src[4*i:])) * x[i]
	}
	return s0 + s1
}

func quantizeF32(dst []byte, src []float32) {
	for i, v := range src {
		binary.LittleEndian.PutUint32(dst[4*i:], math.Float32bits(v))
	}
}

func dequantF16(dst []float32, src []byte) {
	for i := range dst {
		dst[i] = half(src[2*i:])
	}
}

func dotF16(src []byte, x []float32) float32 {
	var sum float32
	for i, v := range x {
		sum += half(src[2*i:]) * v
	}
	return sum
}

func quantizeF16(dst []byte, src []float32) {
	for i, v := range src {
		putHalf(dst[2*i:], v)
	}
}

func dequantBF16(dst []float32, src []byte) {
	copy(dst, bfloat16.DecodeFloat32(src))
}

func dotBF16(src []byte, x []float32) float32 {
	var sum float32
	for i, v := range x {
		w := math.Float32frombits(uint32(binary.LittleEndian.Uint16(src[2*i:])) << 16)
		sum += w * v
	}
	return sum
}

func quantizeBF16(dst []byte, src []float32) {
	copy(dst, bfloat16.EncodeFloat32(src))
}
