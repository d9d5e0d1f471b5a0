package quant

import (
	"encoding/binary"
	"math"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/23skdu/longbow-tllama/internal/cpu"
	"github.com/x448/float16"
)

func randomValues(r *rand.Rand, n int, scale float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(r.NormFloat64()) * scale
	}
	return out
}

func TestKindTable(t *testing.T) {
	tests := []struct {
		kind       Kind
		name       string
		blockSize  int
		blockBytes int
	}{
		{F32, "F32", 1, 4},
		{F16, "F16", 1, 2},
		{Q4_0, "Q4_0", 32, 18},
		{Q4_1, "Q4_1", 32, 20},
		{Q5_0, "Q5_0", 32, 22},
		{Q5_1, "Q5_1", 32, 24},
		{Q8_0, "Q8_0", 32, 34},
		{Q4_K, "Q4_K", 256, 144},
		{Q5_K, "Q5_K", 256, 176},
		{Q6_K, "Q6_K", 256, 210},
		{BF16, "BF16", 1, 2},
	}
	if len(Kinds()) != len(tests) {
		t.Fatalf("expected %d kinds, got %d", len(tests), len(Kinds()))
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.kind.String() != tt.name {
				t.Errorf("String() = %q", tt.kind.String())
			}
			if tt.kind.BlockSize() != tt.blockSize || tt.kind.BlockBytes() != tt.blockBytes {
				t.Errorf("got %d/%d, want %d/%d", tt.kind.BlockSize(), tt.kind.BlockBytes(), tt.blockSize, tt.blockBytes)
			}
			for _, name := range []string{tt.name, strings.ToLower(tt.name)} {
				k, err := ParseKind(name)
				if err != nil || k != tt.kind {
					t.Errorf("ParseKind(%q) = %v, %v", name, k, err)
				}
			}
		})
	}
}

func TestUnknownKind(t *testing.T) {
	for _, k := range []Kind{4, 5, 9, 10, 11, 15, 29, 31, 1000} {
		if k.Valid() {
			t.Errorf("kind %d should not be valid", k)
		}
	}
	if Kind(9).String() != "UNKNOWN_TYPE_9" {
		t.Errorf("unexpected name %q", Kind(9).String())
	}
	if _, err := ParseKind("q3_k"); err == nil {
		t.Error("expected error for unsupported name")
	}
	if _, err := Kind(9).ByteSize(32); err == nil {
		t.Error("expected error for unknown kind size")
	}
}

func TestByteSize(t *testing.T) {
	n, err := Q4_K.ByteSize(512)
	if err != nil || n != 288 {
		t.Errorf("Q4_K 512 = %d, %v", n, err)
	}
	if _, err := Q8_0.ByteSize(33); err == nil {
		t.Error("expected partial block error")
	}
	if _, err := Q4_0.Quantize(make([]float32, 31)); err == nil {
		t.Error("expected partial block error from Quantize")
	}
}

func TestRoundTripWithinBound(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for _, kind := range Kinds() {
		t.Run(kind.String(), func(t *testing.T) {
			bs := kind.BlockSize()
			n := 4 * max(bs, 64)
			for _, scale := range []float32{1e-3, 0.5, 20} {
				x := randomValues(r, n, scale)
				packed, err := kind.Quantize(x)
				if err != nil {
					t.Fatal(err)
				}
				if len(packed) != kind.RowBytes(n) {
					t.Fatalf("packed %d bytes, want %d", len(packed), kind.RowBytes(n))
				}
				y := make([]float32, n)
				kind.DequantizeBlock(y, packed)
				for b := 0; b < n; b += bs {
					bound := ErrorBound(kind, x[b:b+bs])
					for i := b; i < b+bs; i++ {
						if diff := abs(x[i] - y[i]); diff > bound {
							t.Fatalf("scale %v index %d: |%v - %v| = %v > %v", scale, i, x[i], y[i], diff, bound)
						}
					}
				}
			}
		})
	}
}

func TestRequantizeIsStable(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 4))
	for _, kind := range Kinds() {
		t.Run(kind.String(), func(t *testing.T) {
			n := 512
			x := randomValues(r, n, 1)
			p1, _ := kind.Quantize(x)
			y := make([]float32, n)
			kind.DequantizeBlock(y, p1)

			p2, _ := kind.Quantize(y)
			z := make([]float32, n)
			kind.DequantizeBlock(z, p2)

			bs := kind.BlockSize()
			for b := 0; b < n; b += bs {
				bound := ErrorBound(kind, y[b:b+bs])
				for i := b; i < b+bs; i++ {
					if diff := abs(z[i] - y[i]); diff > bound {
						t.Fatalf("index %d drifted by %v > %v", i, diff, bound)
					}
				}
			}
		})
	}
}

func TestFusedDotMatchesDequantized(t *testing.T) {
	r := rand.New(rand.NewPCG(5, 6))
	for _, kind := range Kinds() {
		t.Run(kind.String(), func(t *testing.T) {
			n := 512
			w := randomValues(r, n, 1)
			x := randomValues(r, n, 1)
			packed, _ := kind.Quantize(w)
			deq := make([]float32, n)
			kind.DequantizeBlock(deq, packed)

			want := cpu.Dot(deq, x)
			got := kind.Dot(packed, x)

			var mag float32
			for i := range x {
				mag += abs(deq[i] * x[i])
			}
			if diff := abs(got - want); diff > mag*1e-4+1e-5 {
				t.Errorf("fused dot %v, dequantized dot %v", got, want)
			}
		})
	}
}

func TestQuantizeToMatchesQuantize(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 7))
	src := randomValues(r, 64, 1)
	for _, k := range []Kind{F32, F16, BF16, Q8_0, Q4_0} {
		want, err := k.Quantize(src)
		if err != nil {
			t.Fatal(err)
		}
		got := make([]byte, k.RowBytes(len(src)))
		k.QuantizeTo(got, src)
		if string(got) != string(want) {
			t.Errorf("%s: QuantizeTo differs from Quantize", k)
		}
	}

	defer func() {
		if recover() == nil {
			t.Error("expected panic on size mismatch")
		}
	}()
	Q8_0.QuantizeTo(make([]byte, 10), src)
}

func TestDecodeKnownQ4_0(t *testing.T) {
	blk := make([]byte, 18)
	binary.LittleEndian.PutUint16(blk, float16.Fromfloat32(0.5).Bits())
	for j := 0; j < 16; j++ {
		blk[2+j] = byte(j) | byte(15-j)<<4
	}
	y := make([]float32, 32)
	Q4_0.DequantizeBlock(y, blk)
	for j := 0; j < 16; j++ {
		if want := float32(j-8) * 0.5; y[j] != want {
			t.Errorf("y[%d] = %v, want %v", j, y[j], want)
		}
		if want := float32(15-j-8) * 0.5; y[j+16] != want {
			t.Errorf("y[%d] = %v, want %v", j+16, y[j+16], want)
		}
	}
}

func TestDecodeKnownQ8_0(t *testing.T) {
	blk := make([]byte, 34)
	binary.LittleEndian.PutUint16(blk, float16.Fromfloat32(0.25).Bits())
	for j := 0; j < 32; j++ {
		blk[2+j] = byte(int8(j - 16))
	}
	y := make([]float32, 32)
	Q8_0.DequantizeBlock(y, blk)
	for j := range y {
		if want := float32(j-16) * 0.25; y[j] != want {
			t.Errorf("y[%d] = %v, want %v", j, y[j], want)
		}
	}
}

func TestDecodeKnownQ4_K(t *testing.T) {
	// d=1, dmin=1. Sub block 0 has scale 2 min 1, sub block 5 scale 33
	// min 17 so the packed high bits are exercised.
	blk := make([]byte, 144)
	binary.LittleEndian.PutUint16(blk, float16.Fromfloat32(1).Bits())
	binary.LittleEndian.PutUint16(blk[2:], float16.Fromfloat32(1).Bits())
	var ls, lm [8]uint8
	ls[0], lm[0] = 2, 1
	ls[5], lm[5] = 33, 17
	packScaleMinK4(blk[4:16], &ls, &lm)
	for s := 0; s < 8; s++ {
		sc, m := scaleMinK4(s, blk[4:16])
		if sc != ls[s] || m != lm[s] {
			t.Fatalf("sub block %d unpacked %d/%d, want %d/%d", s, sc, m, ls[s], lm[s])
		}
	}
	qs := blk[16:]
	for l := 0; l < 32; l++ {
		// sub block 0 reads the low nibbles of the first chunk, sub block 5
		// the high nibbles of the third
		qs[l] = 3
		qs[64+l] = 7 << 4
	}
	y := make([]float32, 256)
	Q4_K.DequantizeBlock(y, blk)
	if y[0] != 2*3-1 {
		t.Errorf("y[0] = %v, want 5", y[0])
	}
	if y[32] != 0 {
		t.Errorf("y[32] = %v, want 0", y[32])
	}
	if y[5*32] != 33*7-17 {
		t.Errorf("y[160] = %v, want %v", y[160], 33*7-17)
	}
}

func TestDecodeKnownQ6_K(t *testing.T) {
	blk := make([]byte, 210)
	binary.LittleEndian.PutUint16(blk[208:], float16.Fromfloat32(0.5).Bits())
	for s := 0; s < 16; s++ {
		blk[192+s] = byte(int8(s - 8))
	}
	// weight 0: low nibble 5, high bits 2 -> 37-32 = 5
	blk[0] = 5
	blk[128] = 2
	// weight 200 lives in the second half at l=8, group 2 (ql high nibble)
	// -> q = 0x0F | (3<<4) = 63 -> 31
	blk[64+8] = 0xF0
	blk[128+32+8] = 3 << 4

	y := make([]float32, 256)
	Q6_K.DequantizeBlock(y, blk)
	if want := float32(0.5 * -8 * 5); y[0] != want {
		t.Errorf("y[0] = %v, want %v", y[0], want)
	}
	if want := float32(0.5 * float32(200/16-8) * 31); y[200] != want {
		t.Errorf("y[200] = %v, want %v", y[200], want)
	}
	// untouched weights decode to -32 times their scale
	if want := float32(0.5 * float32(1-8) * -32); y[16] != want {
		t.Errorf("y[16] = %v, want %v", y[16], want)
	}
}

func TestZeroBlocks(t *testing.T) {
	for _, kind := range Kinds() {
		x := make([]float32, 256)
		packed, _ := kind.Quantize(x)
		y := make([]float32, 256)
		kind.DequantizeBlock(y, packed)
		for i, v := range y {
			if v != 0 {
				t.Fatalf("%s: zero input decoded to %v at %d", kind, v, i)
			}
		}
	}
}

func TestTensorShapeChecks(t *testing.T) {
	if _, err := NewTensor("w", Q4_0, []int{32, 2}, make([]byte, 36)); err != nil {
		t.Fatal(err)
	}
	if _, err := NewTensor("w", Q4_0, []int{32, 2}, make([]byte, 35)); err == nil {
		t.Error("expected size mismatch")
	}
	if _, err := NewTensor("w", Q4_0, []int{16, 4}, make([]byte, 36)); err == nil {
		t.Error("expected row block error")
	}
	if _, err := NewTensor("w", Kind(9), []int{32}, nil); err == nil {
		t.Error("expected unknown kind error")
	}
}

func TestMatVecParallelMatchesSequential(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 8))
	cols, rows := 256, 97
	for _, kind := range []Kind{F32, F16, Q4_0, Q8_0, Q4_K, Q6_K} {
		t.Run(kind.String(), func(t *testing.T) {
			w, err := FromFloat32("w", kind, []int{cols, rows}, randomValues(r, cols*rows, 0.1))
			if err != nil {
				t.Fatal(err)
			}
			x := randomValues(r, cols, 1)

			seq := make([]float32, rows)
			MatVec(nil, w, x, seq)

			p := cpu.NewPool(4)
			defer p.Close()
			par := make([]float32, rows)
			MatVec(p, w, x, par)

			rowBuf := make([]float32, cols)
			for i := range seq {
				if seq[i] != par[i] {
					t.Fatalf("row %d: sequential %v, parallel %v", i, seq[i], par[i])
				}
				w.Row(i, rowBuf)
				ref := cpu.Dot(rowBuf, x)
				if float64(abs(ref-seq[i])) > 1e-3*math.Max(1, float64(abs(ref))) {
					t.Fatalf("row %d: matvec %v, reference %v", i, seq[i], ref)
				}
			}

			xs := [][]float32{x, randomValues(r, cols, 1)}
			outs := [][]float32{make([]float32, rows), make([]float32, rows)}
			MatMul(p, w, xs, outs)
			for i := range seq {
				if outs[0][i] != seq[i] {
					t.Fatalf("matmul row %d differs from matvec", i)
				}
			}
		})
	}
}
