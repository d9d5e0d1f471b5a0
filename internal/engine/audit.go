package engine

import "math"

// LogitStats summarizes a logit vector.
type LogitStats struct {
	Max     float32
	Min     float32
	Mean    float32
	RMS     float32
	HasNaN  bool
	HasInf  bool
	NumNaNs int
	NumInfs int
	// IsFlat is set when every finite logit is (nearly) the same value.
	IsFlat bool
}

// Finite reports whether the vector can be sampled from.
func (s LogitStats) Finite() bool { return !s.HasNaN && !s.HasInf }

// AuditLogits inspects the logit distribution for non-finite values and
// flatness. Non-finite entries are excluded from the moments.
func AuditLogits(logits []float32) LogitStats {
	var st LogitStats
	if len(logits) == 0 {
		return st
	}

	var sum, sumSq float64
	minVal, maxVal := float32(math.MaxFloat32), float32(-math.MaxFloat32)
	finite := 0
	for _, v := range logits {
		switch {
		case math.IsNaN(float64(v)):
			st.HasNaN = true
			st.NumNaNs++
			continue
		case math.IsInf(float64(v), 0):
			st.HasInf = true
			st.NumInfs++
			continue
		}
		minVal = min(minVal, v)
		maxVal = max(maxVal, v)
		sum += float64(v)
		sumSq += float64(v) * float64(v)
		finite++
	}
	if finite == 0 {
		return st
	}

	st.Max, st.Min = maxVal, minVal
	mean := sum / float64(finite)
	st.Mean = float32(mean)
	st.RMS = float32(math.Sqrt(sumSq / float64(finite)))
	st.IsFlat = sumSq/float64(finite)-mean*mean < 1e-6
	return st
}
