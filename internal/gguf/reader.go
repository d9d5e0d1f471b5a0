package gguf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"math/bits"
	"os"
	"sort"

	"github.com/23skdu/longbow-tllama/internal/logger"
	"github.com/23skdu/longbow-tllama/internal/quant"
)

const (
	headerSize = 24
	maxDims    = 4
	maxNesting = 4
)

// Open maps a GGUF file into memory and parses headers, metadata and the
// tensor directory. Tensor payloads alias the mapping. When mapping is not
// available the file is read into an owned buffer instead.
func Open(path string) (*GGUFFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close() // the mapping outlives the descriptor
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	data, unmap, err := mmapFile(f, info.Size())
	mapped := err == nil
	if err != nil {
		logger.Log.Debug("mmap unavailable, reading file", "path", path, "error", err)
		data, err = io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	file, err := Parse(data)
	if err != nil {
		if unmap != nil {
			_ = unmap()
		}
		return nil, WithPath(err, path)
	}
	file.Path = path
	file.Mapped = mapped
	file.unmap = unmap

	logger.Log.Debug("gguf opened",
		"path", path,
		"version", file.Header.Version,
		"tensors", len(file.Tensors),
		"kv", len(file.KV),
		"mapped", mapped)
	return file, nil
}

// Read parses a checkpoint from any random-access source into an owned
// buffer.
func Read(r io.ReaderAt, size int64) (*GGUFFile, error) {
	if size < 0 {
		return nil, NewLoadError(ErrTruncated, "negative size %d", size)
	}
	buf := make([]byte, size)
	n, err := r.ReadAt(buf, 0)
	if err != nil && !(errors.Is(err, io.EOF) && int64(n) == size) {
		return nil, &LoadError{Kind: ErrTruncated, Detail: fmt.Sprintf("read %d of %d bytes", n, size), Err: err}
	}
	return Parse(buf)
}

// ReadHeader reads and checks only the fixed header.
func ReadHeader(r io.Reader) (GGUFHeader, error) {
	var buf [headerSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return GGUFHeader{}, &LoadError{Kind: ErrTruncated, Detail: "header", Err: err}
	}
	d := &decoder{data: buf[:], what: "header"}
	return d.header()
}

// Parse decodes a checkpoint held entirely in data. Tensor payloads are
// sub-slices of data.
func Parse(data []byte) (*GGUFFile, error) {
	d := &decoder{data: data, what: "header"}
	hdr, err := d.header()
	if err != nil {
		return nil, err
	}

	file := &GGUFFile{
		Header:    hdr,
		KV:        make(map[string]any, min(hdr.KVCount, 1024)),
		Data:      data,
		Alignment: DefaultAlignment,
		byName:    make(map[string]*TensorInfo),
	}

	// Each entry needs at least a key length, a type and one value byte.
	if hdr.KVCount > d.remaining()/13 {
		return nil, NewLoadError(ErrTruncated, "%d metadata entries cannot fit in %d bytes", hdr.KVCount, d.remaining())
	}
	d.what = "metadata"
	for i := uint64(0); i < hdr.KVCount; i++ {
		key := d.str()
		typ := GGUFMetadataValueType(d.u32())
		val := d.value(typ, 0)
		if d.err != nil {
			return nil, d.err
		}
		if _, dup := file.KV[key]; !dup {
			file.Keys = append(file.Keys, key)
		}
		file.KV[key] = val
	}

	if hdr.TensorCount > d.remaining()/32 {
		return nil, NewLoadError(ErrTruncated, "%d tensors cannot fit in %d bytes", hdr.TensorCount, d.remaining())
	}
	d.what = "tensor directory"
	for i := uint64(0); i < hdr.TensorCount; i++ {
		name := d.str()
		nd := d.u32()
		if d.err != nil {
			return nil, d.err
		}
		if nd == 0 || nd > maxDims {
			return nil, NewLoadError(ErrShapeMismatch, "tensor %s has %d dimensions", name, nd)
		}
		dims := make([]uint64, nd)
		for j := range dims {
			dims[j] = d.u64()
		}
		typ := quant.Kind(d.u32())
		offset := d.u64()
		if d.err != nil {
			return nil, d.err
		}
		if _, dup := file.byName[name]; dup {
			return nil, NewLoadError(ErrShapeMismatch, "duplicate tensor %s", name)
		}
		t := &TensorInfo{Name: name, Dimensions: dims, Type: typ, Offset: offset}
		file.Tensors = append(file.Tensors, t)
		file.byName[name] = t
	}

	if v, ok := file.KV["general.alignment"]; ok {
		a, ok := asUint(v)
		if !ok || a == 0 || a&(a-1) != 0 {
			return nil, NewLoadError(ErrShapeMismatch, "invalid general.alignment %v", v)
		}
		file.Alignment = a
	}

	offset := d.off
	if rem := offset % file.Alignment; rem != 0 {
		offset += file.Alignment - rem
	}
	file.DataOffset = offset

	if err := file.bindTensors(); err != nil {
		return nil, err
	}
	return file, nil
}

// bindTensors validates every directory entry against the data region and
// slices its payload.
func (f *GGUFFile) bindTensors() error {
	size := uint64(len(f.Data))
	for _, t := range f.Tensors {
		if !t.Type.Valid() {
			return &LoadError{Kind: ErrUnknownQuantKind, Detail: fmt.Sprintf("tensor %s has type %s", t.Name, t.Type)}
		}
		elements := uint64(1)
		for _, dim := range t.Dimensions {
			hi, lo := bits.Mul64(elements, dim)
			if dim == 0 || hi != 0 {
				return NewLoadError(ErrShapeMismatch, "tensor %s has invalid dimensions %v", t.Name, t.Dimensions)
			}
			elements = lo
		}
		if t.Dimensions[0]%uint64(t.Type.BlockSize()) != 0 {
			return NewLoadError(ErrShapeMismatch, "tensor %s row length %d is not a multiple of the %s block size %d",
				t.Name, t.Dimensions[0], t.Type, t.Type.BlockSize())
		}
		if t.Offset%f.Alignment != 0 {
			return NewLoadError(ErrShapeMismatch, "tensor %s offset %d is not %d-byte aligned", t.Name, t.Offset, f.Alignment)
		}
		n := t.SizeBytes()
		start := f.DataOffset + t.Offset
		if start < f.DataOffset || start > size || n > size-start {
			return NewLoadError(ErrTruncated, "tensor %s needs bytes [%d, %d) but the file has %d", t.Name, start, start+n, size)
		}
		t.Data = f.Data[start : start+n : start+n]
	}

	sorted := make([]*TensorInfo, len(f.Tensors))
	copy(sorted, f.Tensors)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Offset < sorted[j].Offset
	})
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		if prev.Offset+prev.SizeBytes() > cur.Offset {
			return NewLoadError(ErrShapeMismatch, "tensor %s overlaps %s", cur.Name, prev.Name)
		}
	}
	return nil
}

type decoder struct {
	data []byte
	off  uint64
	err  error
	what string
}

func (d *decoder) remaining() uint64 {
	return uint64(len(d.data)) - d.off
}

// take consumes n bytes. After the first failure every read is a no-op and
// d.err keeps the original cause.
func (d *decoder) take(n uint64) []byte {
	if d.err != nil {
		return nil
	}
	if n > d.remaining() {
		d.err = NewLoadError(ErrTruncated, "%s: need %d bytes at offset %d, have %d", d.what, n, d.off, d.remaining())
		return nil
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) u8() uint8 {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) u16() uint16 {
	if b := d.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if b := d.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if b := d.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (d *decoder) str() string {
	n := d.u64()
	return string(d.take(n))
}

func (d *decoder) header() (GGUFHeader, error) {
	var h GGUFHeader
	if uint64(len(d.data)) < headerSize {
		return h, NewLoadError(ErrTruncated, "file is %d bytes, header needs %d", len(d.data), headerSize)
	}
	h.Magic = d.u32()
	if h.Magic != GGUFMagic {
		return h, &LoadError{Kind: ErrBadMagic, Err: ErrInvalidMagic{Magic: h.Magic}}
	}
	h.Version = d.u32()
	if h.Version < 2 || h.Version > GGUFVersion {
		return h, &LoadError{Kind: ErrUnsupportedVersion, Err: ErrInvalidVersion{Version: h.Version}}
	}
	h.TensorCount = d.u64()
	h.KVCount = d.u64()
	return h, d.err
}

func elemSize(typ GGUFMetadataValueType) uint64 {
	switch typ {
	case GGUFMetadataValueTypeUint8, GGUFMetadataValueTypeInt8, GGUFMetadataValueTypeBool:
		return 1
	case GGUFMetadataValueTypeUint16, GGUFMetadataValueTypeInt16:
		return 2
	case GGUFMetadataValueTypeUint32, GGUFMetadataValueTypeInt32, GGUFMetadataValueTypeFloat32:
		return 4
	case GGUFMetadataValueTypeUint64, GGUFMetadataValueTypeInt64, GGUFMetadataValueTypeFloat64,
		GGUFMetadataValueTypeString:
		return 8
	case GGUFMetadataValueTypeArray:
		return 12
	}
	return 0
}

func (d *decoder) value(typ GGUFMetadataValueType, depth int) any {
	if d.err != nil {
		return nil
	}
	switch typ {
	case GGUFMetadataValueTypeUint8:
		return d.u8()
	case GGUFMetadataValueTypeInt8:
		return int8(d.u8())
	case GGUFMetadataValueTypeUint16:
		return d.u16()
	case GGUFMetadataValueTypeInt16:
		return int16(d.u16())
	case GGUFMetadataValueTypeUint32:
		return d.u32()
	case GGUFMetadataValueTypeInt32:
		return int32(d.u32())
	case GGUFMetadataValueTypeFloat32:
		return math.Float32frombits(d.u32())
	case GGUFMetadataValueTypeBool:
		return d.u8() != 0
	case GGUFMetadataValueTypeString:
		return d.str()
	case GGUFMetadataValueTypeUint64:
		return d.u64()
	case GGUFMetadataValueTypeInt64:
		return int64(d.u64())
	case GGUFMetadataValueTypeFloat64:
		return math.Float64frombits(d.u64())
	case GGUFMetadataValueTypeArray:
		et := GGUFMetadataValueType(d.u32())
		n := d.u64()
		if d.err != nil {
			return nil
		}
		size := elemSize(et)
		if size == 0 {
			d.err = NewLoadError(ErrTruncated, "%s: unsupported array element type %d", d.what, et)
			return nil
		}
		if n > d.remaining()/size {
			d.err = NewLoadError(ErrTruncated, "%s: array of %d elements cannot fit in %d bytes", d.what, n, d.remaining())
			return nil
		}
		if et == GGUFMetadataValueTypeArray && depth >= maxNesting {
			d.err = NewLoadError(ErrTruncated, "%s: arrays nested deeper than %d", d.what, maxNesting)
			return nil
		}
		return d.array(et, n, depth)
	}
	d.err = NewLoadError(ErrTruncated, "%s: unsupported metadata value type %d", d.what, typ)
	return nil
}

func readSlice[T any](d *decoder, n uint64, read func() T) []T {
	out := make([]T, n)
	for i := range out {
		out[i] = read()
	}
	if d.err != nil {
		return nil
	}
	return out
}

func (d *decoder) array(et GGUFMetadataValueType, n uint64, depth int) any {
	switch et {
	case GGUFMetadataValueTypeUint8:
		b := d.take(n)
		if b == nil {
			return nil
		}
		return append([]uint8(nil), b...)
	case GGUFMetadataValueTypeInt8:
		return readSlice(d, n, func() int8 { return int8(d.u8()) })
	case GGUFMetadataValueTypeUint16:
		return readSlice(d, n, d.u16)
	case GGUFMetadataValueTypeInt16:
		return readSlice(d, n, func() int16 { return int16(d.u16()) })
	case GGUFMetadataValueTypeUint32:
		return readSlice(d, n, d.u32)
	case GGUFMetadataValueTypeInt32:
		return readSlice(d, n, func() int32 { return int32(d.u32()) })
	case GGUFMetadataValueTypeFloat32:
		return readSlice(d, n, func() float32 { return math.Float32frombits(d.u32()) })
	case GGUFMetadataValueTypeBool:
		return readSlice(d, n, func() bool { return d.u8() != 0 })
	case GGUFMetadataValueTypeString:
		return readSlice(d, n, d.str)
	case GGUFMetadataValueTypeUint64:
		return readSlice(d, n, d.u64)
	case GGUFMetadataValueTypeInt64:
		return readSlice(d, n, func() int64 { return int64(d.u64()) })
	case GGUFMetadataValueTypeFloat64:
		return readSlice(d, n, func() float64 { return math.Float64frombits(d.u64()) })
	case GGUFMetadataValueTypeArray:
		return readSlice(d, n, func() any {
			return d.value(GGUFMetadataValueTypeArray, depth+1)
		})
	}
	return nil
}
