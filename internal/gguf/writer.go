package gguf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/23skdu/longbow-tllama/internal/quant"
)

// Writer assembles a GGUF v3 file in memory. It exists for fixtures and
// tooling; inference never writes checkpoints.
type Writer struct {
	Alignment uint64

	kv      []kvEntry
	tensors []tensorEntry
}

type kvEntry struct {
	key   string
	value any
}

type tensorEntry struct {
	name string
	kind quant.Kind
	dims []uint64
	data []byte
}

func NewWriter() *Writer {
	return &Writer{Alignment: DefaultAlignment}
}

// AddKV appends a metadata entry. Supported values are the GGUF scalar types,
// string, and slices of those.
func (w *Writer) AddKV(key string, value any) {
	w.kv = append(w.kv, kvEntry{key, value})
}

// AddTensor appends a tensor; dims are in GGUF order (row length first).
func (w *Writer) AddTensor(name string, kind quant.Kind, dims []uint64, data []byte) {
	w.tensors = append(w.tensors, tensorEntry{name, kind, dims, data})
}

// AddFloat32 quantizes values to kind and appends the tensor.
func (w *Writer) AddFloat32(name string, kind quant.Kind, dims []uint64, values []float32) error {
	data, err := kind.Quantize(values)
	if err != nil {
		return fmt.Errorf("tensor %s: %w", name, err)
	}
	w.AddTensor(name, kind, dims, data)
	return nil
}

func (w *Writer) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (w *Writer) WriteFile(path string) error {
	b, err := w.Bytes()
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	align := w.Alignment
	if align == 0 {
		align = DefaultAlignment
	}

	var buf bytes.Buffer
	le := binary.LittleEndian
	put := func(v any) { _ = binary.Write(&buf, le, v) }

	put(uint32(GGUFMagic))
	put(uint32(GGUFVersion))
	put(uint64(len(w.tensors)))
	put(uint64(len(w.kv)))

	for _, e := range w.kv {
		writeString(&buf, e.key)
		if err := writeValue(&buf, e.value); err != nil {
			return 0, fmt.Errorf("gguf: key %s: %w", e.key, err)
		}
	}

	offsets := make([]uint64, len(w.tensors))
	var next uint64
	for i, t := range w.tensors {
		offsets[i] = next
		next += uint64(len(t.data))
		next = alignUp(next, align)
	}
	for i, t := range w.tensors {
		writeString(&buf, t.name)
		put(uint32(len(t.dims)))
		for _, d := range t.dims {
			put(d)
		}
		put(uint32(t.kind))
		put(offsets[i])
	}

	pad(&buf, align)
	for _, t := range w.tensors {
		buf.Write(t.data)
		pad(&buf, align)
	}

	n, err := out.Write(buf.Bytes())
	return int64(n), err
}

func alignUp(n, align uint64) uint64 {
	if rem := n % align; rem != 0 {
		n += align - rem
	}
	return n
}

func pad(buf *bytes.Buffer, align uint64) {
	n := uint64(buf.Len())
	buf.Write(make([]byte, alignUp(n, align)-n))
}

func writeString(buf *bytes.Buffer, s string) {
	_ = binary.Write(buf, binary.LittleEndian, uint64(len(s)))
	buf.WriteString(s)
}

func valueType(v any) (GGUFMetadataValueType, bool) {
	switch v.(type) {
	case uint8:
		return GGUFMetadataValueTypeUint8, true
	case int8:
		return GGUFMetadataValueTypeInt8, true
	case uint16:
		return GGUFMetadataValueTypeUint16, true
	case int16:
		return GGUFMetadataValueTypeInt16, true
	case uint32:
		return GGUFMetadataValueTypeUint32, true
	case int32:
		return GGUFMetadataValueTypeInt32, true
	case float32:
		return GGUFMetadataValueTypeFloat32, true
	case bool:
		return GGUFMetadataValueTypeBool, true
	case string:
		return GGUFMetadataValueTypeString, true
	case uint64:
		return GGUFMetadataValueTypeUint64, true
	case int64:
		return GGUFMetadataValueTypeInt64, true
	case float64:
		return GGUFMetadataValueTypeFloat64, true
	}
	return 0, false
}

func writeValue(buf *bytes.Buffer, v any) error {
	le := binary.LittleEndian
	if typ, ok := valueType(v); ok {
		_ = binary.Write(buf, le, uint32(typ))
		return writeScalar(buf, v)
	}

	var elems []any
	switch x := v.(type) {
	case []string:
		elems = toAny(x)
	case []float32:
		elems = toAny(x)
	case []int32:
		elems = toAny(x)
	case []uint32:
		elems = toAny(x)
	case []uint8:
		elems = toAny(x)
	case []int8:
		elems = toAny(x)
	case []int64:
		elems = toAny(x)
	case []uint64:
		elems = toAny(x)
	case []float64:
		elems = toAny(x)
	case []bool:
		elems = toAny(x)
	default:
		return fmt.Errorf("unsupported metadata value %T", v)
	}

	var et GGUFMetadataValueType
	if len(elems) > 0 {
		et, _ = valueType(elems[0])
	} else {
		et = emptyElemType(v)
	}
	_ = binary.Write(buf, le, uint32(GGUFMetadataValueTypeArray))
	_ = binary.Write(buf, le, uint32(et))
	_ = binary.Write(buf, le, uint64(len(elems)))
	for _, e := range elems {
		if err := writeScalar(buf, e); err != nil {
			return err
		}
	}
	return nil
}

func emptyElemType(v any) GGUFMetadataValueType {
	switch v.(type) {
	case []string:
		return GGUFMetadataValueTypeString
	case []float32:
		return GGUFMetadataValueTypeFloat32
	case []int32:
		return GGUFMetadataValueTypeInt32
	case []uint32:
		return GGUFMetadataValueTypeUint32
	case []int8:
		return GGUFMetadataValueTypeInt8
	case []int64:
		return GGUFMetadataValueTypeInt64
	case []uint64:
		return GGUFMetadataValueTypeUint64
	case []float64:
		return GGUFMetadataValueTypeFloat64
	case []bool:
		return GGUFMetadataValueTypeBool
	}
	return GGUFMetadataValueTypeUint8
}

func toAny[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

func writeScalar(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case string:
		writeString(buf, x)
	case bool:
		var b uint8
		if x {
			b = 1
		}
		buf.WriteByte(b)
	default:
		if _, ok := valueType(v); !ok {
			return fmt.Errorf("unsupported metadata value %T", v)
		}
		return binary.Write(buf, binary.LittleEndian, v)
	}
	return nil
}
