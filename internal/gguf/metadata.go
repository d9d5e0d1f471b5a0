package gguf

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/23skdu/longbow-tllama/internal/quant"
)

func asUint(v any) (uint64, bool) {
	switch x := v.(type) {
	case uint8:
		return uint64(x), true
	case uint16:
		return uint64(x), true
	case uint32:
		return uint64(x), true
	case uint64:
		return x, true
	case int8:
		return uint64(x), x >= 0
	case int16:
		return uint64(x), x >= 0
	case int32:
		return uint64(x), x >= 0
	case int64:
		return uint64(x), x >= 0
	}
	return 0, false
}

func (f *GGUFFile) GetString(key string) (string, bool) {
	s, ok := f.KV[key].(string)
	return s, ok
}

// GetUint returns any non-negative integer value widened to uint64.
func (f *GGUFFile) GetUint(key string) (uint64, bool) {
	v, ok := f.KV[key]
	if !ok {
		return 0, false
	}
	return asUint(v)
}

// GetFloat accepts float and integer values.
func (f *GGUFFile) GetFloat(key string) (float64, bool) {
	switch x := f.KV[key].(type) {
	case float32:
		return float64(x), true
	case float64:
		return x, true
	}
	if u, ok := f.GetUint(key); ok {
		return float64(u), true
	}
	return 0, false
}

func (f *GGUFFile) GetBool(key string) (bool, bool) {
	b, ok := f.KV[key].(bool)
	return b, ok
}

func (f *GGUFFile) GetStrings(key string) ([]string, bool) {
	s, ok := f.KV[key].([]string)
	return s, ok
}

func (f *GGUFFile) GetFloat32s(key string) ([]float32, bool) {
	s, ok := f.KV[key].([]float32)
	return s, ok
}

// GetInt32s returns an integer array as int32, whatever its stored width.
func (f *GGUFFile) GetInt32s(key string) ([]int32, bool) {
	switch x := f.KV[key].(type) {
	case []int32:
		return x, true
	case []uint32:
		return convertInts[uint32](x), true
	case []int64:
		return convertInts[int64](x), true
	case []uint64:
		return convertInts[uint64](x), true
	case []int16:
		return convertInts[int16](x), true
	case []uint16:
		return convertInts[uint16](x), true
	case []int8:
		return convertInts[int8](x), true
	case []uint8:
		return convertInts[uint8](x), true
	}
	return nil, false
}

func convertInts[T ~int8 | ~uint8 | ~int16 | ~uint16 | ~uint32 | ~int64 | ~uint64](in []T) []int32 {
	out := make([]int32, len(in))
	for i, v := range in {
		out[i] = int32(v)
	}
	return out
}

// Architecture is general.architecture, or "" when absent.
func (f *GGUFFile) Architecture() string {
	arch, _ := f.GetString("general.architecture")
	return arch
}

type AnalysisReport struct {
	Path            string
	Version         uint32
	Architecture    string
	ModelName       string
	ContextLength   int
	EmbeddingLength int
	BlockCount      int
	AttentionHeads  int
	KVHeads         int
	FeedForward     int
	VocabSize       int
	TokenizerModel  string
	HasChatTemplate bool
	TotalParameters int64
	TensorCount     int
	TotalBytes      int64
	KindBytes       map[quant.Kind]int64
	KindTensors     map[quant.Kind]int
}

// Analyze summarises a parsed checkpoint for inspection.
func Analyze(f *GGUFFile) *AnalysisReport {
	report := &AnalysisReport{
		Path:         f.Path,
		Version:      f.Header.Version,
		Architecture: f.Architecture(),
		TensorCount:  len(f.Tensors),
		KindBytes:    make(map[quant.Kind]int64),
		KindTensors:  make(map[quant.Kind]int),
	}
	report.ModelName, _ = f.GetString("general.name")
	report.TokenizerModel, _ = f.GetString("tokenizer.ggml.model")
	_, report.HasChatTemplate = f.GetString("tokenizer.chat_template")

	arch := report.Architecture
	getInt := func(keys ...string) int {
		for _, key := range keys {
			if v, ok := f.GetUint(key); ok {
				return int(v)
			}
		}
		return 0
	}
	report.ContextLength = getInt(arch+".context_length", "general.context_length")
	report.EmbeddingLength = getInt(arch+".embedding_length", arch+".hidden_size")
	report.BlockCount = getInt(arch + ".block_count")
	report.AttentionHeads = getInt(arch + ".attention.head_count")
	report.KVHeads = getInt(arch+".attention.head_count_kv", arch+".attention.kv_head_count")
	if report.KVHeads == 0 {
		report.KVHeads = report.AttentionHeads
	}
	report.FeedForward = getInt(arch+".feed_forward_length", arch+".intermediate_size")
	if tokens, ok := f.GetStrings("tokenizer.ggml.tokens"); ok {
		report.VocabSize = len(tokens)
	}

	for _, t := range f.Tensors {
		report.TotalParameters += int64(t.Elements())
		size := int64(t.SizeBytes())
		report.TotalBytes += size
		report.KindBytes[t.Type] += size
		report.KindTensors[t.Type]++
	}
	return report
}

// DominantKind is the kind holding the most bytes.
func (r *AnalysisReport) DominantKind() quant.Kind {
	var best quant.Kind
	var bestBytes int64 = -1
	for _, k := range r.Kinds() {
		if r.KindBytes[k] > bestBytes {
			best, bestBytes = k, r.KindBytes[k]
		}
	}
	return best
}

// Kinds lists the kinds present, in id order.
func (r *AnalysisReport) Kinds() []quant.Kind {
	kinds := make([]quant.Kind, 0, len(r.KindTensors))
	for k := range r.KindTensors {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func (r *AnalysisReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, `GGUF Model Analysis Report
============================
Architecture:     %s
Model Name:       %s
GGUF Version:     %d
Context Length:   %d
Embedding:        %d
Layers:           %d
Attention Heads:  %d
KV Heads:         %d
Feed Forward:     %d
Vocabulary:       %d (%s)
Chat Template:    %t
Total Tensors:    %d
Total Parameters: %d (%.2fB)
Weights Size:     %.2f GB
`,
		r.Architecture,
		r.ModelName,
		r.Version,
		r.ContextLength,
		r.EmbeddingLength,
		r.BlockCount,
		r.AttentionHeads,
		r.KVHeads,
		r.FeedForward,
		r.VocabSize, r.TokenizerModel,
		r.HasChatTemplate,
		r.TensorCount,
		r.TotalParameters,
		float64(r.TotalParameters)/1e9,
		float64(r.TotalBytes)/1e9,
	)
	for _, k := range r.Kinds() {
		fmt.Fprintf(&b, "  %-6s %4d tensors %10.2f MB\n", k, r.KindTensors[k], float64(r.KindBytes[k])/1e6)
	}
	return b.String()
}

// FindMissingTensors returns the names in required that the file lacks.
func (f *GGUFFile) FindMissingTensors(required []string) []string {
	var missing []string
	for _, name := range required {
		if _, ok := f.byName[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

type TensorStats struct {
	Name         string
	Type         string
	Dimensions   []uint64
	ElementCount uint64
	SizeBytes    uint64
	MinValue     float64
	MaxValue     float64
	MeanValue    float64
	HasNaN       bool
	HasInf       bool
}

// ComputeStats dequantizes a tensor row by row and reports its value range.
func (f *GGUFFile) ComputeStats(tensorName string) (*TensorStats, error) {
	info, ok := f.Tensor(tensorName)
	if !ok {
		return nil, NewLoadError(ErrMissingTensor, "tensor %s not found", tensorName)
	}
	t, err := info.Tensor()
	if err != nil {
		return nil, err
	}

	stats := &TensorStats{
		Name:         info.Name,
		Type:         info.Type.String(),
		Dimensions:   info.Dimensions,
		ElementCount: info.Elements(),
		SizeBytes:    info.SizeBytes(),
		MinValue:     math.Inf(1),
		MaxValue:     math.Inf(-1),
	}

	row := make([]float32, t.Cols())
	var sum float64
	var finite uint64
	for r := 0; r < t.Rows(); r++ {
		t.Row(r, row)
		for _, v := range row {
			x := float64(v)
			switch {
			case math.IsNaN(x):
				stats.HasNaN = true
				continue
			case math.IsInf(x, 0):
				stats.HasInf = true
				continue
			}
			stats.MinValue = math.Min(stats.MinValue, x)
			stats.MaxValue = math.Max(stats.MaxValue, x)
			sum += x
			finite++
		}
	}
	if finite > 0 {
		stats.MeanValue = sum / float64(finite)
	} else {
		stats.MinValue, stats.MaxValue = 0, 0
	}
	return stats, nil
}
