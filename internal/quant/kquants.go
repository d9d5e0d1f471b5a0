package quant

import (
	"math"
)

// K-quants pack 256 weights per super block. Q4_K and Q5_K carry eight
// 32-weight sub blocks with 6-bit scales and mins; Q6_K carries sixteen
// 16-weight sub blocks with int8 scales.

// scaleMinK4 unpacks the 6-bit scale and min of sub block j from the
// 12-byte table shared by Q4_K and Q5_K.
func scaleMinK4(j int, q []byte) (sc, m uint8) {
	if j < 4 {
		return q[j] & 63, q[j+4] & 63
	}
	sc = (q[j+4] & 0x0F) | ((q[j-4] >> 6) << 4)
	m = (q[j+4] >> 4) | ((q[j] >> 6) << 4)
	return sc, m
}

func packScaleMinK4(q []byte, ls, lm *[8]uint8) {
	clear(q[:12])
	for j := 0; j < 8; j++ {
		if j < 4 {
			q[j] = ls[j]
			q[j+4] = lm[j]
			continue
		}
		q[j+4] = (ls[j] & 0x0F) | ((lm[j] & 0x0F) << 4)
		q[j-4] |= (ls[j] >> 4) << 6
		q[j] |= (lm[j] >> 4) << 6
	}
}

const (
	q4KBytes = 4 + 12 + qk_k/2
	q5KBytes = 4 + 12 + qk_k/8 + qk_k/2
	q6KBytes = qk_k/2 + qk_k/4 + qk_k/16 + 2
)

func dequantQ4_K(dst []float32, src []byte) {
	for b := 0; b*q4KBytes < len(src); b++ {
		blk := src[b*q4KBytes : (b+1)*q4KBytes]
		d, dmin := half(blk), half(blk[2:])
		scales := blk[4:16]
		q := blk[16:]
		y := dst[b*qk_k : (b+1)*qk_k]

		is := 0
		for j := 0; j < qk_k; j += 64 {
			sc, m := scaleMinK4(is, scales)
			d1, m1 := d*float32(sc), dmin*float32(m)
			sc, m = scaleMinK4(is+1, scales)
			d2, m2 := d*float32(sc), dmin*float32(m)
			for l := 0; l < 32; l++ {
				y[j+l] = d1*float32(q[l]&0x0F) - m1
			}
			for l := 0; l < 32; l++ {
				y[j+32+l] = d2*float32(q[l]>>4) - m2
			}
			q = q[32:]
			is += 2
		}
	}
}

func dotQ4_K(src []byte, x []float32) float32 {
	var sum float32
	for b := 0; b*q4KBytes < len(src); b++ {
		blk := src[b*q4KBytes : (b+1)*q4KBytes]
		d, dmin := half(blk), half(blk[2:])
		scales := blk[4:16]
		q := blk[16:]
		xb := x[b*qk_k : (b+1)*qk_k]

		is := 0
		for j := 0; j < qk_k; j += 64 {
			var a1, a2, s1, s2 float32
			for l := 0; l < 32; l++ {
				v1, v2 := xb[j+l], xb[j+32+l]
				a1 += float32(q[l]&0x0F) * v1
				a2 += float32(q[l]>>4) * v2
				s1 += v1
				s2 += v2
			}
			sc, m := scaleMinK4(is, scales)
			sum += d*float32(sc)*a1 - dmin*float32(m)*s1
			sc, m = scaleMinK4(is+1, scales)
			sum += d*float32(sc)*a2 - dmin*float32(m)*s2
			q = q[32:]
			is += 2
		}
	}
	return sum
}

func dequantQ5_K(dst []float32, src []byte) {
	for b := 0; b*q5KBytes < len(src); b++ {
		blk := src[b*q5KBytes : (b+1)*q5KBytes]
		d, dmin := half(blk), half(blk[2:])
		scales := blk[4:16]
		qh := blk[16:48]
		ql := blk[48:]
		y := dst[b*qk_k : (b+1)*qk_k]

		is := 0
		var u1, u2 uint8 = 1, 2
		for j := 0; j < qk_k; j += 64 {
			sc, m := scaleMinK4(is, scales)
			d1, m1 := d*float32(sc), dmin*float32(m)
			sc, m = scaleMinK4(is+1, scales)
			d2, m2 := d*float32(sc), dmin*float32(m)
			for l := 0; l < 32; l++ {
				v := ql[l] & 0x0F
				if qh[l]&u1 != 0 {
					v += 16
				}
				y[j+l] = d1*float32(v) - m1
			}
			for l := 0; l < 32; l++ {
				v := ql[l] >> 4
				if qh[l]&u2 != 0 {
					v += 16
				}
				y[j+32+l] = d2*float32(v) - m2
			}
			ql = ql[32:]
			is += 2
			u1 <<= 2
			u2 <<= 2
		}
	}
}

func dotQ5_K(src []byte, x []float32) float32 {
	var sum float32
	for b := 0; b*q5KBytes < len(src); b++ {
		blk := src[b*q5KBytes : (b+1)*q5KBytes]
		d, dmin := half(blk), half(blk[2:])
		scales := blk[4:16]
		qh := blk[16:48]
		ql := blk[48:]
		xb := x[b*qk_k : (b+1)*qk_k]

		is := 0
		var u1, u2 uint8 = 1, 2
		for j := 0; j < qk_k; j += 64 {
			var a1, a2, s1, s2 float32
			for l := 0; l < 32; l++ {
				lo, hi := ql[l]&0x0F, ql[l]>>4
				if qh[l]&u1 != 0 {
					lo += 16
				}
				if qh[l]&u2 != 0 {
					hi += 16
				}
				v1, v2 := xb[j+l], xb[j+32+l]
				a1 += float32(lo) * v1
				a2 += float32(hi) * v2
				s1 += v1
				s2 += v2
			}
			sc, m := scaleMinK4(is, scales)
			sum += d*float32(sc)*a1 - dmin*float32(m)*s1
			sc, m = scaleMinK4(is+1, scales)
			sum += d*float32(sc)*a2 - dmin*float32(m)*s2
			ql = ql[32:]
			is += 2
			u1 <<= 2
			u2 <<= 2
		}
	}
	return sum
}

// quantizeScaleMinK fills one Q4_K/Q5_K super block worth of sub-block
// levels. Mins are fixed first so every scale covers [-min, max] of its sub
// block; both are rounded up so the grid never clips.
func quantizeScaleMinK(xb []float32, levels int, hdr []byte, ls, lm *[8]uint8, q *[qk_k]uint8) {
	var need, span [8]float32
	var maxNeed float32
	for s := 0; s < 8; s++ {
		lo, hi := minMax(xb[s*32 : (s+1)*32])
		need[s] = -min(lo, 0)
		span[s] = max(hi, 0)
		maxNeed = max(maxNeed, need[s])
	}

	dmin := putHalfCeil(hdr[2:], maxNeed/63)
	var mins [8]float32
	for s := 0; s < 8; s++ {
		if dmin > 0 {
			lm[s] = uint8(clampInt(int(math.Ceil(float64(need[s]/dmin))), 0, 63))
		} else {
			lm[s] = 0
		}
		mins[s] = dmin * float32(lm[s])
	}

	var steps [8]float32
	var maxStep float32
	for s := 0; s < 8; s++ {
		steps[s] = (span[s] + mins[s]) / float32(levels)
		maxStep = max(maxStep, steps[s])
	}
	d := putHalfCeil(hdr, maxStep/63)
	for s := 0; s < 8; s++ {
		var step float32
		if d > 0 {
			ls[s] = uint8(clampInt(int(math.Ceil(float64(steps[s]/d))), 0, 63))
			step = d * float32(ls[s])
		} else {
			ls[s] = 0
		}
		for l := 0; l < 32; l++ {
			i := s*32 + l
			if step == 0 {
				q[i] = 0
				continue
			}
			q[i] = uint8(clampInt(int(math.Round(float64((xb[i]+mins[s])/step))), 0, levels))
		}
	}
}

func quantizeQ4_K(dst []byte, src []float32) {
	var ls, lm [8]uint8
	var q [qk_k]uint8
	for b := 0; b*qk_k < len(src); b++ {
		xb := src[b*qk_k : (b+1)*qk_k]
		blk := dst[b*q4KBytes : (b+1)*q4KBytes]

		quantizeScaleMinK(xb, 15, blk, &ls, &lm, &q)
		packScaleMinK4(blk[4:16], &ls, &lm)
		out := blk[16:]
		for j := 0; j < qk_k; j += 64 {
			for l := 0; l < 32; l++ {
				out[l] = q[j+l] | q[j+32+l]<<4
			}
			out = out[32:]
		}
	}
}

func quantizeQ5_K(dst []byte, src []float32) {
	var ls, lm [8]uint8
	var q [qk_k]uint8
	for b := 0; b*qk_k < len(src); b++ {
		xb := src[b*qk_k : (b+1)*qk_k]
		blk := dst[b*q5KBytes : (b+1)*q5KBytes]

		quantizeScaleMinK(xb, 31, blk, &ls, &lm, &q)
		packScaleMinK4(blk[4:16], &ls, &lm)
		qh := blk[16:48]
		clear(qh)
		ql := blk[48:]
		var u1, u2 uint8 = 1, 2
		for j := 0; j < qk_k; j += 64 {
			for l := 0; l < 32; l++ {
				lo, hi := q[j+l], q[j+32+l]
				if lo > 15 {
					qh[l] |= u1
				}
				if hi > 15 {
					qh[l] |= u2
				}
				ql[l] = (lo & 0x0F) | (hi&0x0F)<<4
			}
			ql = ql[32:]
			u1 <<= 2
			u2 <<= 2
		}
	}
}

// Q6_K layout: ql[128] low nibbles, qh[64] high bit pairs, int8 scales[16],
// f16 d. Sub block i/16 scales weight i.

func dequantQ6_K(dst []float32, src []byte) {
	for b := 0; b*q6KBytes < len(src); b++ {
		blk := src[b*q6KBytes : (b+1)*q6KBytes]
		ql := blk[:128]
		qh := blk[128:192]
		sc := blk[192:208]
		d := half(blk[208:])
		y := dst[b*qk_k : (b+1)*qk_k]

		for n := 0; n < qk_k; n += 128 {
			for l := 0; l < 32; l++ {
				is := l / 16
				q1 := int8((ql[l]&0x0F)|((qh[l]>>0)&3)<<4) - 32
				q2 := int8((ql[l+32]&0x0F)|((qh[l]>>2)&3)<<4) - 32
				q3 := int8((ql[l]>>4)|((qh[l]>>4)&3)<<4) - 32
				q4 := int8((ql[l+32]>>4)|((qh[l]>>6)&3)<<4) - 32
				y[n+l] = d * float32(int8(sc[is+0])) * float32(q1)
				y[n+l+32] = d * float32(int8(sc[is+2])) * float32(q2)
				y[n+l+64] = d * float32(int8(sc[is+4])) * float32(q3)
				y[n+l+96] = d * float32(int8(sc[is+6])) * float32(q4)
			}
			ql = ql[64:]
			qh = qh[32:]
			sc = sc[8:]
		}
	}
}

// unpackQ6_K expands the 6-bit values of one super block, already centred.
func unpackQ6_K(blk []byte, q *[qk_k]int8) {
	ql := blk[:128]
	qh := blk[128:192]
	for n := 0; n < qk_k; n += 128 {
		for l := 0; l < 32; l++ {
			q[n+l] = int8((ql[l]&0x0F)|((qh[l]>>0)&3)<<4) - 32
			q[n+l+32] = int8((ql[l+32]&0x0F)|((qh[l]>>2)&3)<<4) - 32
			q[n+l+64] = int8((ql[l]>>4)|((qh[l]>>4)&3)<<4) - 32
			q[n+l+96] = int8((ql[l+32]>>4)|((qh[l]>>6)&3)<<4) - 32
		}
		ql = ql[64:]
		qh = qh[32:]
	}
}

func dotQ6_K(src []byte, x []float32) float32 {
	var q [qk_k]int8
	var sum float32
	for b := 0; b*q6KBytes < len(src); b++ {
		blk := src[b*q6KBytes : (b+1)*q6KBytes]
		unpackQ6_K(blk, &q)
		sc := blk[192:208]
		xb := x[b*qk_k : (b+1)*qk_k]

		var acc float32
		for s := 0; s < 16; s++ {
			var a float32
			for i := s * 16; i < (s+1)*16; i++ {
				a += float32(q[i]) * xb[i]
			}
			acc += float32(int8(sc[s])) * a
		}
		sum += half(blk[208:]) * acc
	}
	return sum
}

func quantizeQ6_K(dst []byte, src []float32) {
	var q [qk_k]uint8
	for b := 0; b*qk_k < len(src); b++ {
		xb := src[b*qk_k : (b+1)*qk_k]
		blk := dst[b*q6KBytes : (b+1)*q6KBytes]

		var steps [16]float32
		var maxStep float32
		for s := 0; s < 16; s++ {
			var amax float32
			for _, v := range xb[s*16 : (s+1)*16] {
				amax = max(amax, abs(v))
			}
			steps[s] = amax / 31
			maxStep = max(maxStep, steps[s])
		}
		d := putHalfCeil(blk[208:], maxStep/127)

		sc := blk[192:208]
		for s := 0; s < 16; s++ {
			var ls int
			if d > 0 {
				ls = clampInt(int(math.Ceil(float64(steps[s]/d))), 0, 127)
			}
			sc[s] = byte(int8(ls))
			step := d * float32(ls)
			for i := s * 16; i < (s+1)*16; i++ {
				v := 0
				if step > 0 {
					v = clampInt(int(math.Round(float64(xb[i]/step))), -32, 31)
				}
				q[i] = uint8(v + 32)
			}
		}

		ql := blk[:128]
		qh := blk[128:192]
		for n := 0; n < qk_k; n += 128 {
			for l := 0; l < 32; l++ {
				q1, q2, q3, q4 := q[n+l], q[n+l+32], q[n+l+64], q[n+l+96]
				ql[l] = (q1 & 0x0F) | (q3&0x0F)<<4
				ql[l+32] = (q2 & 0x0F) | (q4&0x0F)<<4
				qh[l] = q1>>4 | (q2>>4)<<2 | (q3>>4)<<4 | (q4>>4)<<6
			}
			ql = ql[64:]
			qh = qh[32:]
		}
	}
}
