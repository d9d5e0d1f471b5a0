package quant

import (
	"encoding/binary"
	"math"
)

// Legacy 32-weight blocks. Nibble j holds weight j in its low half and
// weight j+16 in its high half.

func dequantQ4_0(dst []float32, src []byte) {
	const bs = 2 + qk/2
	for b := 0; b*bs < len(src); b++ {
		blk := src[b*bs : (b+1)*bs]
		d := half(blk)
		qs := blk[2:]
		y := dst[b*qk : (b+1)*qk]
		for j := 0; j < qk/2; j++ {
			y[j] = float32(int(qs[j]&0x0F)-8) * d
			y[j+qk/2] = float32(int(qs[j]>>4)-8) * d
		}
	}
}

func dotQ4_0(src []byte, x []float32) float32 {
	const bs = 2 + qk/2
	var sum float32
	for b := 0; b*bs < len(src); b++ {
		blk := src[b*bs : (b+1)*bs]
		qs := blk[2:]
		xb := x[b*qk : (b+1)*qk]
		var acc float32
		for j := 0; j < qk/2; j++ {
			acc += float32(int(qs[j]&0x0F)-8)*xb[j] + float32(int(qs[j]>>4)-8)*xb[j+qk/2]
		}
		sum += half(blk) * acc
	}
	return sum
}

func quantizeQ4_0(dst []byte, src []float32) {
	const bs = 2 + qk/2
	for b := 0; b*qk < len(src); b++ {
		xb := src[b*qk : (b+1)*qk]
		blk := dst[b*bs : (b+1)*bs]

		var amax, vmax float32
		for _, v := range xb {
			if a := abs(v); a > amax {
				amax, vmax = a, v
			}
		}
		d := putHalf(blk, vmax/-8)
		var id float32
		if d != 0 {
			id = 1 / d
		}
		for j := 0; j < qk/2; j++ {
			x0 := clampInt(int(xb[j]*id+8.5), 0, 15)
			x1 := clampInt(int(xb[j+qk/2]*id+8.5), 0, 15)
			blk[2+j] = byte(x0) | byte(x1)<<4
		}
	}
}

func dequantQ4_1(dst []float32, src []byte) {
	const bs = 4 + qk/2
	for b := 0; b*bs < len(src); b++ {
		blk := src[b*bs : (b+1)*bs]
		d, m := half(blk), half(blk[2:])
		qs := blk[4:]
		y := dst[b*qk : (b+1)*qk]
		for j := 0; j < qk/2; j++ {
			y[j] = float32(qs[j]&0x0F)*d + m
			y[j+qk/2] = float32(qs[j]>>4)*d + m
		}
	}
}

func dotQ4_1(src []byte, x []float32) float32 {
	const bs = 4 + qk/2
	var sum float32
	for b := 0; b*bs < len(src); b++ {
		blk := src[b*bs : (b+1)*bs]
		qs := blk[4:]
		xb := x[b*qk : (b+1)*qk]
		var acc, sx float32
		for j := 0; j < qk/2; j++ {
			acc += float32(qs[j]&0x0F)*xb[j] + float32(qs[j]>>4)*xb[j+qk/2]
			sx += xb[j] + xb[j+qk/2]
		}
		sum += half(blk)*acc + half(blk[2:])*sx
	}
	return sum
}

func quantizeQ4_1(dst []byte, src []float32) {
	const bs = 4 + qk/2
	for b := 0; b*qk < len(src); b++ {
		xb := src[b*qk : (b+1)*qk]
		blk := dst[b*bs : (b+1)*bs]

		lo, hi := minMax(xb)
		d := putHalf(blk, (hi-lo)/15)
		m := putHalf(blk[2:], lo)
		var id float32
		if d != 0 {
			id = 1 / d
		}
		for j := 0; j < qk/2; j++ {
			x0 := clampInt(int((xb[j]-m)*id+0.5), 0, 15)
			x1 := clampInt(int((xb[j+qk/2]-m)*id+0.5), 0, 15)
			blk[4+j] = byte(x0) | byte(x1)<<4
		}
	}
}

func dequantQ5_0(dst []float32, src []byte) {
	const bs = 2 + 4 + qk/2
	for b := 0; b*bs < len(src); b++ {
		blk := src[b*bs : (b+1)*bs]
		d := half(blk)
		qh := binary.LittleEndian.Uint32(blk[2:])
		qs := blk[6:]
		y := dst[b*qk : (b+1)*qk]
		for j := 0; j < qk/2; j++ {
			xh0 := ((qh >> j) << 4) & 0x10
			xh1 := (qh >> (j + 12)) & 0x10
			y[j] = float32(int32(uint32(qs[j]&0x0F)|xh0)-16) * d
			y[j+qk/2] = float32(int32(uint32(qs[j]>>4)|xh1)-16) * d
		}
	}
}

func dotQ5_0(src []byte, x []float32) float32 {
	const bs = 2 + 4 + qk/2
	var sum float32
	for b := 0; b*bs < len(src); b++ {
		blk := src[b*bs : (b+1)*bs]
		qh := binary.LittleEndian.Uint32(blk[2:])
		qs := blk[6:]
		xb := x[b*qk : (b+1)*qk]
		var acc float32
		for j := 0; j < qk/2; j++ {
			xh0 := ((qh >> j) << 4) & 0x10
			xh1 := (qh >> (j + 12)) & 0x10
			acc += float32(int32(uint32(qs[j]&0x0F)|xh0)-16)*xb[j] +
				float32(int32(uint32(qs[j]>>4)|xh1)-16)*xb[j+qk/2]
		}
		sum += half(blk) * acc
	}
	return sum
}

func quantizeQ5_0(dst []byte, src []float32) {
	const bs = 2 + 4 + qk/2
	for b := 0; b*qk < len(src); b++ {
		xb := src[b*qk : (b+1)*qk]
		blk := dst[b*bs : (b+1)*bs]

		var amax, vmax float32
		for _, v := range xb {
			if a := abs(v); a > amax {
				amax, vmax = a, v
			}
		}
		d := putHalf(blk, vmax/-16)
		var id float32
		if d != 0 {
			id = 1 / d
		}
		var qh uint32
		for j := 0; j < qk/2; j++ {
			x0 := uint32(clampInt(int(xb[j]*id+16.5), 0, 31))
			x1 := uint32(clampInt(int(xb[j+qk/2]*id+16.5), 0, 31))
			blk[6+j] = byte(x0&0x0F) | byte(x1&0x0F)<<4
			qh |= ((x0 & 0x10) >> 4) << j
			qh |= ((x1 & 0x10) >> 4) << (j + qk/2)
		}
		binary.LittleEndian.PutUint32(blk[2:], qh)
	}
}

func dequantQ5_1(dst []float32, src []byte) {
	const bs = 4 + 4 + qk/2
	for b := 0; b*bs < len(src); b++ {
		blk := src[b*bs : (b+1)*bs]
		d, m := half(blk), half(blk[2:])
		qh := binary.LittleEndian.Uint32(blk[4:])
		qs := blk[8:]
		y := dst[b*qk : (b+1)*qk]
		for j := 0; j < qk/2; j++ {
			xh0 := ((qh >> j) << 4) & 0x10
			xh1 := (qh >> (j + 12)) & 0x10
			y[j] = float32(uint32(qs[j]&0x0F)|xh0)*d + m
			y[j+qk/2] = float32(uint32(qs[j]>>4)|xh1)*d + m
		}
	}
}

func dotQ5_1(src []byte, x []float32) float32 {
	const bs = 4 + 4 + qk/2
	var sum float32
	for b := 0; b*bs < len(src); b++ {
		blk := src[b*bs : (b+1)*bs]
		qh := binary.LittleEndian.Uint32(blk[4:])
		qs := blk[8:]
		xb := x[b*qk : (b+1)*qk]
		var acc, sx float32
		for j := 0; j < qk/2; j++ {
			xh0 := ((qh >> j) << 4) & 0x10
			xh1 := (qh >> (j + 12)) & 0x10
			acc += float32(uint32(qs[j]&0x0F)|xh0)*xb[j] + float32(uint32(qs[j]>>4)|xh1)*xb[j+qk/2]
			sx += xb[j] + xb[j+qk/2]
		}
		sum += half(blk)*acc + half(blk[2:])*sx
	}
	return sum
}

func quantizeQ5_1(dst []byte, src []float32) {
	const bs = 4 + 4 + qk/2
	for b := 0; b*qk < len(src); b++ {
		xb := src[b*qk : (b+1)*qk]
		blk := dst[b*bs : (b+1)*bs]

		lo, hi := minMax(xb)
		d := putHalf(blk, (hi-lo)/31)
		m := putHalf(blk[2:], lo)
		var id float32
		if d != 0 {
			id = 1 / d
		}
		var qh uint32
		for j := 0; j < qk/2; j++ {
			x0 := uint32(clampInt(int((xb[j]-m)*id+0.5), 0, 31))
			x1 := uint32(clampInt(int((xb[j+qk/2]-m)*id+0.5), 0, 31))
			blk[8+j] = byte(x0&0x0F) | byte(x1&0x0F)<<4
			qh |= ((x0 & 0x10) >> 4) << j
			qh |= ((x1 & 0x10) >> 4) << (j + qk/2)
		}
		binary.LittleEndian.PutUint32(blk[4:], qh)
	}
}

func dequantQ8_0(dst []float32, src []byte) {
	const bs = 2 + qk
	for b := 0; b*bs < len(src); b++ {
		blk := src[b*bs : (b+1)*bs]
		d := half(blk)
		y := dst[b*qk : (b+1)*qk]
		for j := 0; j < qk; j++ {
			y[j] = float32(int8(blk[2+j])) * d
		}
	}
}

func dotQ8_0(src []byte, x []float32) float32 {
	const bs = 2 + qk
	var sum float32
	for b := 0; b*bs < len(src); b++ {
		blk := src[b*bs : (b+1)*bs]
		qs := blk[2:]
		xb := x[b*qk : (b+1)*qk]
		var acc float32
		for j := 0; j < qk; j++ {
			acc += float32(int8(qs[j])) * xb[j]
		}
		sum += half(blk) * acc
	}
	return sum
}

func quantizeQ8_0(dst []byte, src []float32) {
	const bs = 2 + qk
	for b := 0; b*qk < len(src); b++ {
		xb := src[b*qk : (b+1)*qk]
		blk := dst[b*bs : (b+1)*bs]

		var amax float32
		for _, v := range xb {
			amax = max(amax, abs(v))
		}
		d := putHalf(blk, amax/127)
		var id float32
		if d != 0 {
			id = 1 / d
		}
		for j, v := range xb {
			q := clampInt(int(math.Round(float64(v*id))), -127, 127)
			blk[2+j] = byte(int8(q))
		}
	}
}

func abs(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

func minMax(x []float32) (lo, hi float32) {
	lo, hi = x[0], x[0]
	for _, v := range x[1:] {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	return lo, hi
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
