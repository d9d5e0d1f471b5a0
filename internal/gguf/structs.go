package gguf

import (
	"fmt"

	"github.com/23skdu/longbow-tllama/internal/quant"
)

const (
	GGUFMagic   = 0x46554747 // "GGUF"
	GGUFVersion = 3

	DefaultAlignment = 32
)

type GGUFMetadataValueType uint32

const (
	GGUFMetadataValueTypeUint8   GGUFMetadataValueType = 0
	GGUFMetadataValueTypeInt8    GGUFMetadataValueType = 1
	GGUFMetadataValueTypeUint16  GGUFMetadataValueType = 2
	GGUFMetadataValueTypeInt16   GGUFMetadataValueType = 3
	GGUFMetadataValueTypeUint32  GGUFMetadataValueType = 4
	GGUFMetadataValueTypeInt32   GGUFMetadataValueType = 5
	GGUFMetadataValueTypeFloat32 GGUFMetadataValueType = 6
	GGUFMetadataValueTypeBool    GGUFMetadataValueType = 7
	GGUFMetadataValueTypeString  GGUFMetadataValueType = 8
	GGUFMetadataValueTypeArray   GGUFMetadataValueType = 9
	GGUFMetadataValueTypeUint64  GGUFMetadataValueType = 10
	GGUFMetadataValueTypeInt64   GGUFMetadataValueType = 11
	GGUFMetadataValueTypeFloat64 GGUFMetadataValueType = 12
)

type TensorInfo struct {
	Name       string
	Dimensions []uint64 // ne (number of elements) in each dimension
	Type       quant.Kind
	Offset     uint64 // Offset relative to data start
	Data       []byte // Payload; aliases the mapping when the file is mmap'd
}

func (t *TensorInfo) Elements() uint64 {
	n := uint64(1)
	for _, d := range t.Dimensions {
		n *= d
	}
	return n
}

// SizeBytes is the packed payload size, 0 for unknown kinds or partial
// blocks.
func (t *TensorInfo) SizeBytes() uint64 {
	n, err := t.Type.ByteSize(t.Elements())
	if err != nil {
		return 0
	}
	return n
}

func (t *TensorInfo) Shape() []int {
	shape := make([]int, len(t.Dimensions))
	for i, d := range t.Dimensions {
		shape[i] = int(d)
	}
	return shape
}

// Tensor wraps the payload as a quantized tensor view.
func (t *TensorInfo) Tensor() (*quant.Tensor, error) {
	return quant.NewTensor(t.Name, t.Type, t.Shape(), t.Data)
}

type GGUFHeader struct {
	Magic       uint32
	Version     uint32
	TensorCount uint64
	KVCount     uint64
}

// GGUFFile is a parsed checkpoint. Tensor payloads stay valid until Close.
type GGUFFile struct {
	Path       string
	Header     GGUFHeader
	KV         map[string]any
	Keys       []string // metadata keys in file order
	Tensors    []*TensorInfo
	Alignment  uint64
	DataOffset uint64 // Offset where the tensor data starts
	Data       []byte // The whole file, mapped or read
	Mapped     bool

	byName map[string]*TensorInfo
	unmap  func() error
}

// Tensor looks up a tensor by name.
func (f *GGUFFile) Tensor(name string) (*TensorInfo, bool) {
	t, ok := f.byName[name]
	return t, ok
}

func (f *GGUFFile) Close() error {
	if f.unmap == nil {
		return nil
	}
	err := f.unmap()
	f.unmap = nil
	f.Data = nil
	return err
}

type ErrInvalidMagic struct{ Magic uint32 }

func (e ErrInvalidMagic) Error() string {
	return fmt.Sprintf("invalid GGUF magic: %x", e.Magic)
}

type ErrInvalidVersion struct{ Version uint32 }

func (e ErrInvalidVersion) Error() string {
	return fmt.Sprintf("unsupported GGUF version: %d", e.Version)
}
