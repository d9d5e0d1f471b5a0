package quant

// ErrorBound is the largest absolute reconstruction error Quantize then
// DequantizeBlock may introduce on any value of the given block. The block
// must be exactly BlockSize values.
func ErrorBound(k Kind, block []float32) float32 {
	const eps = 1e-6
	var amax float32
	for _, v := range block {
		amax = max(amax, abs(v))
	}
	lo, hi := minMax(block)
	rng := max(hi, 0) - min(lo, 0)

	switch k {
	case F32:
		return 0
	case F16:
		return amax*1e-3 + 1e-7
	case BF16:
		return amax / 128
	case Q4_0:
		return amax/8*(1+1e-2) + eps
	case Q5_0:
		return amax/16*(1+1e-2) + eps
	case Q8_0:
		return amax/127*(1+1e-3) + eps
	case Q4_1:
		return (hi-lo)/15 + (abs(lo)+abs(hi))*2e-3 + eps
	case Q5_1:
		return (hi-lo)/31 + (abs(lo)+abs(hi))*2e-3 + eps
	case Q4_K:
		return rng/15 + eps
	case Q5_K:
		return rng/31 + eps
	case Q6_K:
		return amax/31 + eps
	}
	return 0
}
