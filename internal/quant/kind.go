// Package quant holds quantized weight tensors and the block kernels that
// read them. Every supported encoding is a Kind; a Kind is dispatched through
// a fixed table of (dequantize, fused dot, quantize) functions.
package quant

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/x448/float16"
)

// Kind is a ggml tensor type id as stored in GGUF tensor directories.
type Kind uint32

const (
	F32  Kind = 0
	F16  Kind = 1
	Q4_0 Kind = 2
	Q4_1 Kind = 3
	Q5_0 Kind = 6
	Q5_1 Kind = 7
	Q8_0 Kind = 8
	Q4_K Kind = 12
	Q5_K Kind = 13
	Q6_K Kind = 14
	BF16 Kind = 30
)

// Version identifies the kind set below. Bump it when a kind is added so
// loaders and caches keyed on it notice.
const Version = 1

const (
	qk   = 32  // weights per legacy block
	qk_k = 256 // weights per k-quant super block
)

type traits struct {
	name       string
	blockSize  int
	blockBytes int

	// dequant and dot take whole blocks: len(src) is a multiple of
	// blockBytes and dst / x hold blockSize values per block.
	dequant  func(dst []float32, src []byte)
	dot      func(src []byte, x []float32) float32
	quantize func(dst []byte, src []float32)
}

var table [BF16 + 1]*traits

func init() {
	register := func(k Kind, t *traits) { table[k] = t }

	register(F32, &traits{"F32", 1, 4, dequantF32, dotF32, quantizeF32})
	register(F16, &traits{"F16", 1, 2, dequantF16, dotF16, quantizeF16})
	register(BF16, &traits{"BF16", 1, 2, dequantBF16, dotBF16, quantizeBF16})
	register(Q4_0, &traits{"Q4_0", qk, 2 + qk/2, dequantQ4_0, dotQ4_0, quantizeQ4_0})
	register(Q4_1, &traits{"Q4_1", qk, 4 + qk/2, dequantQ4_1, dotQ4_1, quantizeQ4_1})
	register(Q5_0, &traits{"Q5_0", qk, 2 + 4 + qk/2, dequantQ5_0, dotQ5_0, quantizeQ5_0})
	register(Q5_1, &traits{"Q5_1", qk, 4 + 4 + qk/2, dequantQ5_1, dotQ5_1, quantizeQ5_1})
	register(Q8_0, &traits{"Q8_0", qk, 2 + qk, dequantQ8_0, dotQ8_0, quantizeQ8_0})
	register(Q4_K, &traits{"Q4_K", qk_k, 4 + 12 + qk_k/2, dequantQ4_K, dotQ4_K, quantizeQ4_K})
	register(Q5_K, &traits{"Q5_K", qk_k, 4 + 12 + qk_k/8 + qk_k/2, dequantQ5_K, dotQ5_K, quantizeQ5_K})
	register(Q6_K, &traits{"Q6_K", qk_k, qk_k/2 + qk_k/4 + qk_k/16 + 2, dequantQ6_K, dotQ6_K, quantizeQ6_K})
}

func (k Kind) traits() *traits {
	if int(k) >= len(table) {
		return nil
	}
	return table[k]
}

// Kinds lists every supported kind in id order.
func Kinds() []Kind {
	var out []Kind
	for i, t := range table {
		if t != nil {
			out = append(out, Kind(i))
		}
	}
	return out
}

// Valid reports whether k is in the supported set.
func (k Kind) Valid() bool {
	return k.traits() != nil
}

func (k Kind) String() string {
	if t := k.traits(); t != nil {
		return t.name
	}
	return fmt.Sprintf("UNKNOWN_TYPE_%d", uint32(k))
}

// ParseKind maps a name such as "q4_k" back to its Kind.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds() {
		if strings.EqualFold(k.String(), s) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown quantization kind %q", s)
}

// BlockSize is the number of weights packed in one block.
func (k Kind) BlockSize() int {
	return k.traits().blockSize
}

// BlockBytes is the byte size of one packed block.
func (k Kind) BlockBytes() int {
	return k.traits().blockBytes
}

// RowBytes is the packed size of n weights; n must be a multiple of the
// block size.
func (k Kind) RowBytes(n int) int {
	t := k.traits()
	return n / t.blockSize * t.blockBytes
}

// ByteSize returns the packed size of a tensor with the given element
// count, or an error when the count does not fill whole blocks.
func (k Kind) ByteSize(elements uint64) (uint64, error) {
	t := k.traits()
	if t == nil {
		return 0, fmt.Errorf("unknown quantization kind %d", uint32(k))
	}
	if elements%uint64(t.blockSize) != 0 {
		return 0, fmt.Errorf("%d elements is not a multiple of the %s block size %d", elements, t.name, t.blockSize)
	}
	return elements / uint64(t.blockSize) * uint64(t.blockBytes), nil
}

// DequantizeBlock reconstructs the weights of the packed blocks in src into
// dst. len(dst) must be blocks*BlockSize.
func (k Kind) DequantizeBlock(dst []float32, src []byte) {
	t := k.traits()
	if len(src)%t.blockBytes != 0 || len(dst) != len(src)/t.blockBytes*t.blockSize {
		panic(fmt.Sprintf("quant: %s dequantize size mismatch: %d bytes into %d values", t.name, len(src), len(dst)))
	}
	t.dequant(dst, src)
}

// Dot returns the dot product of the packed row and x without
// materialising the row. Accumulation is float32 for every kind.
func (k Kind) Dot(row []byte, x []float32) float32 {
	t := k.traits()
	if len(row)%t.blockBytes != 0 || len(x) != len(row)/t.blockBytes*t.blockSize {
		panic(fmt.Sprintf("quant: %s dot size mismatch: %d bytes against %d values", t.name, len(row), len(x)))
	}
	return t.dot(row, x)
}

// QuantizeTo packs src into dst, which must be exactly RowBytes(len(src))
// long.
func (k Kind) QuantizeTo(dst []byte, src []float32) {
	t := k.traits()
	if len(src)%t.blockSize != 0 || len(dst) != len(src)/t.blockSize*t.blockBytes {
		panic(fmt.Sprintf("quant: %s quantize size mismatch: %d values into %d bytes", t.name, len(src), len(dst)))
	}
	t.quantize(dst, src)
}

// Quantize packs src, whose length must be a multiple of the block size.
func (k Kind) Quantize(src []float32) ([]byte, error) {
	t := k.traits()
	if t == nil {
		return nil, fmt.Errorf("unknown quantization kind %d", uint32(k))
	}
	if len(src)%t.blockSize != 0 {
		return nil, fmt.Errorf("%d values is not a multiple of the %s block size %d", len(src), t.name, t.blockSize)
	}
	dst := make([]byte, len(src)/t.blockSize*t.blockBytes)
	t.quantize(dst, src)
	return dst, nil
}

func half(b []byte) float32 {
	return float16.Frombits(binary.LittleEndian.Uint16(b)).Float32()
}

// putHalf stores f as f16 and returns the value actually stored.
func putHalf(b []byte, f float32) float32 {
	h := float16.Fromfloat32(f)
	binary.LittleEndian.PutUint16(b, h.Bits())
	return h.Float32()
}

// putHalfCeil stores the smallest f16 not below f, for f >= 0.
func putHalfCeil(b []byte, f float32) float32 {
	h := float16.Fromfloat32(f)
	if h.Float32() < f {
		h = float16.Frombits(h.Bits() + 1)
	}
	binary.LittleEndian.PutUint16(b, h.Bits())
	return h.Float32()
}
