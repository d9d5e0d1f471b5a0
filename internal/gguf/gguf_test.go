package gguf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/23skdu/longbow-tllama/internal/quant"
)

func TestGGUFMagic(t *testing.T) {
	if GGUFMagic != 0x46554747 {
		t.Errorf("expected GGUFMagic 0x46554747, got 0x%x", GGUFMagic)
	}
}

func f32Bytes(vals ...float32) []byte {
	b := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
	}
	return b
}

// sampleFile is a small valid checkpoint: two F32 tensors and a Q8_0 one.
func sampleFile(t *testing.T) []byte {
	t.Helper()
	w := NewWriter()
	w.AddKV("general.architecture", "llama")
	w.AddKV("general.name", "sample")
	w.AddKV("llama.context_length", uint32(8))
	w.AddKV("tokenizer.ggml.tokens", []string{"a", "b", "c"})

	vals := make([]float32, 64)
	for i := range vals {
		vals[i] = float32(i) / 10
	}
	w.AddTensor("a", quant.F32, []uint64{32, 2}, f32Bytes(vals...))
	w.AddTensor("b", quant.F32, []uint64{4}, f32Bytes(1, 2, 3, 4))
	if err := w.AddFloat32("c", quant.Q8_0, []uint64{32}, vals[:32]); err != nil {
		t.Fatal(err)
	}
	b, err := w.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestParseValidFile(t *testing.T) {
	f, err := Parse(sampleFile(t))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if f.Header.Version != GGUFVersion || f.Header.TensorCount != 3 || f.Header.KVCount != 4 {
		t.Errorf("unexpected header %+v", f.Header)
	}
	if f.DataOffset%DefaultAlignment != 0 {
		t.Errorf("data offset %d not aligned", f.DataOffset)
	}
	if got := f.Keys; !reflect.DeepEqual(got, []string{"general.architecture", "general.name", "llama.context_length", "tokenizer.ggml.tokens"}) {
		t.Errorf("keys = %v", got)
	}

	a, ok := f.Tensor("a")
	if !ok {
		t.Fatal("tensor a missing")
	}
	if a.SizeBytes() != 256 || len(a.Data) != 256 {
		t.Errorf("tensor a size %d / %d", a.SizeBytes(), len(a.Data))
	}
	qt, err := a.Tensor()
	if err != nil {
		t.Fatal(err)
	}
	if qt.Rows() != 2 || qt.Cols() != 32 {
		t.Errorf("tensor a is %dx%d", qt.Rows(), qt.Cols())
	}
	row := make([]float32, 32)
	qt.Row(1, row)
	if row[0] != 3.2 {
		t.Errorf("row 1 starts with %v, want 3.2", row[0])
	}

	c, _ := f.Tensor("c")
	if c.Type != quant.Q8_0 || len(c.Data) != 34 {
		t.Errorf("tensor c: %s, %d bytes", c.Type, len(c.Data))
	}
}

func TestMetadataValueRoundTrip(t *testing.T) {
	values := map[string]any{
		"u8":    uint8(7),
		"i8":    int8(-7),
		"u16":   uint16(700),
		"i16":   int16(-700),
		"u32":   uint32(70000),
		"i32":   int32(-70000),
		"f32":   float32(1.5),
		"bool":  true,
		"str":   "hello",
		"u64":   uint64(1 << 40),
		"i64":   int64(-1 << 40),
		"f64":   2.25,
		"strs":  []string{"x", "", "zz"},
		"f32s":  []float32{0.5, -1},
		"i32s":  []int32{1, -2, 3},
		"u32s":  []uint32{4, 5},
		"bytes": []uint8{1, 2, 3},
		"empty": []string{},
		"bools": []bool{true, false},
	}
	w := NewWriter()
	for _, k := range []string{"u8", "i8", "u16", "i16", "u32", "i32", "f32", "bool", "str", "u64", "i64", "f64", "strs", "f32s", "i32s", "u32s", "bytes", "empty", "bools"} {
		w.AddKV(k, values[k])
	}
	b, err := w.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	f, err := Parse(b)
	if err != nil {
		t.Fatal(err)
	}
	for k, want := range values {
		if got := f.KV[k]; !reflect.DeepEqual(got, want) {
			t.Errorf("%s = %#v, want %#v", k, got, want)
		}
	}

	if v, ok := f.GetUint("i32"); ok {
		t.Errorf("negative int read as uint %d", v)
	}
	if v, ok := f.GetUint("u16"); !ok || v != 700 {
		t.Errorf("GetUint(u16) = %d, %v", v, ok)
	}
	if v, ok := f.GetFloat("u32"); !ok || v != 70000 {
		t.Errorf("GetFloat(u32) = %v, %v", v, ok)
	}
	if v, ok := f.GetInt32s("u32s"); !ok || !reflect.DeepEqual(v, []int32{4, 5}) {
		t.Errorf("GetInt32s(u32s) = %v, %v", v, ok)
	}
	if _, ok := f.GetString("missing"); ok {
		t.Error("missing key reported present")
	}
}

func TestWriterRejectsUnsupportedValue(t *testing.T) {
	w := NewWriter()
	w.AddKV("bad", struct{}{})
	if _, err := w.Bytes(); err == nil {
		t.Error("expected error for unsupported value")
	}
}

func TestUnknownKeysTolerated(t *testing.T) {
	w := NewWriter()
	w.AddKV("future.feature.flag", []float64{1, 2})
	w.AddKV("general.architecture", "llama")
	b, _ := w.Bytes()
	f, err := Parse(b)
	if err != nil {
		t.Fatalf("unknown key rejected: %v", err)
	}
	if f.Architecture() != "llama" {
		t.Errorf("architecture = %q", f.Architecture())
	}
}

func build(t *testing.T, fn func(w *Writer)) []byte {
	t.Helper()
	w := NewWriter()
	fn(w)
	b, err := w.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestLoadErrorClasses(t *testing.T) {
	valid := sampleFile(t)
	patch := func(off int, v uint32) []byte {
		b := bytes.Clone(valid)
		binary.LittleEndian.PutUint32(b[off:], v)
		return b
	}

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrTruncated},
		{"short header", valid[:10], ErrTruncated},
		{"bad magic", patch(0, 0x12345678), ErrBadMagic},
		{"version 1", patch(4, 1), ErrUnsupportedVersion},
		{"version 4", patch(4, 4), ErrUnsupportedVersion},
		{"metadata cut", valid[:40], ErrTruncated},
		{"payload cut", valid[:len(valid)-40], ErrTruncated},
		{"huge kv count", func() []byte {
			b := bytes.Clone(valid)
			binary.LittleEndian.PutUint64(b[16:], 1<<40)
			return b
		}(), ErrTruncated},
		// first key is general.architecture; its type follows the key bytes
		{"unknown value type", patch(24+8+len("general.architecture"), 99), ErrTruncated},
		{"unknown kind", build(t, func(w *Writer) {
			w.AddTensor("x", quant.Kind(9), []uint64{32}, make([]byte, 32))
		}), ErrUnknownQuantKind},
		{"partial block", build(t, func(w *Writer) {
			w.AddTensor("x", quant.Q4_0, []uint64{16, 2}, make([]byte, 18))
		}), ErrShapeMismatch},
		{"declared length overlaps", build(t, func(w *Writer) {
			w.AddTensor("x", quant.F32, []uint64{32}, make([]byte, 32))
			w.AddTensor("y", quant.F32, []uint64{8}, make([]byte, 32))
			w.AddTensor("z", quant.F32, []uint64{32}, make([]byte, 128))
		}), ErrShapeMismatch},
		{"misaligned", build(t, func(w *Writer) {
			w.AddKV("general.alignment", uint32(64))
			w.AddTensor("x", quant.F32, []uint64{8}, make([]byte, 32))
			w.AddTensor("y", quant.F32, []uint64{8}, make([]byte, 32))
		}), ErrShapeMismatch},
		{"bad alignment", build(t, func(w *Writer) {
			w.AddKV("general.alignment", uint32(3))
		}), ErrShapeMismatch},
		{"zero dimension", build(t, func(w *Writer) {
			w.AddTensor("x", quant.F32, []uint64{0}, nil)
		}), ErrShapeMismatch},
		{"duplicate tensor", build(t, func(w *Writer) {
			w.AddTensor("x", quant.F32, []uint64{8}, make([]byte, 32))
			w.AddTensor("x", quant.F32, []uint64{8}, make([]byte, 32))
		}), ErrShapeMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.data)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want kind %v", err, tt.want)
			}
			var le *LoadError
			if !errors.As(err, &le) {
				t.Errorf("error %T is not a *LoadError", err)
			}
		})
	}
}

func TestLoadErrorDetailTypes(t *testing.T) {
	b := sampleFile(t)
	binary.LittleEndian.PutUint32(b, 0xdeadbeef)
	_, err := Parse(b)
	var magic ErrInvalidMagic
	if !errors.As(err, &magic) || magic.Magic != 0xdeadbeef {
		t.Errorf("expected ErrInvalidMagic, got %v", err)
	}

	b = sampleFile(t)
	binary.LittleEndian.PutUint32(b[4:], 42)
	_, err = Parse(b)
	var ver ErrInvalidVersion
	if !errors.As(err, &ver) || ver.Version != 42 {
		t.Errorf("expected ErrInvalidVersion, got %v", err)
	}
	if got := ver.Error(); got != "unsupported GGUF version: 42" {
		t.Errorf("Error() = %q", got)
	}
}

func TestOpenMapsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.gguf")
	if err := os.WriteFile(path, sampleFile(t), 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if f.Path != path {
		t.Errorf("path = %q", f.Path)
	}
	b, _ := f.Tensor("b")
	if !bytes.Equal(b.Data, f32Bytes(1, 2, 3, 4)) {
		t.Errorf("tensor b payload %v", b.Data)
	}
	if err := f.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := Open(filepath.Join(dir, "missing.gguf")); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected not-exist, got %v", err)
	}

	empty := filepath.Join(dir, "empty.gguf")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Open(empty)
	if !errors.Is(err, ErrTruncated) {
		t.Errorf("expected truncated, got %v", err)
	}
	if err == nil || !strings.Contains(err.Error(), empty) {
		t.Errorf("error should name the file: %v", err)
	}
}

func TestReadFromReaderAt(t *testing.T) {
	data := sampleFile(t)
	f, err := Read(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	if f.Mapped || len(f.Tensors) != 3 {
		t.Errorf("unexpected result mapped=%v tensors=%d", f.Mapped, len(f.Tensors))
	}
	if _, err := Read(bytes.NewReader(data[:20]), int64(len(data))); !errors.Is(err, ErrTruncated) {
		t.Errorf("short source should be truncated, got %v", err)
	}
}

func TestReadHeader(t *testing.T) {
	h, err := ReadHeader(bytes.NewReader(sampleFile(t)))
	if err != nil {
		t.Fatal(err)
	}
	if h.Magic != GGUFMagic || h.TensorCount != 3 {
		t.Errorf("header %+v", h)
	}
	if _, err := ReadHeader(strings.NewReader("not a gguf file at all....")); !errors.Is(err, ErrBadMagic) {
		t.Errorf("expected bad magic, got %v", err)
	}
}
