package quant

import (
	"fmt"

	"github.com/23skdu/longbow-tllama/internal/cpu"
)

// Tensor is a read-only view over packed weights. Shape follows GGUF order:
// Shape[0] is the row length and varies fastest. Data usually aliases the
// model file mapping and must not be written.
type Tensor struct {
	Name  string
	Kind  Kind
	Shape []int
	Data  []byte
}

// NewTensor checks that data is exactly the packed size of shape.
func NewTensor(name string, kind Kind, shape []int, data []byte) (*Tensor, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("tensor %s: unknown quantization kind %d", name, uint32(kind))
	}
	n := uint64(1)
	for _, d := range shape {
		if d <= 0 {
			return nil, fmt.Errorf("tensor %s: invalid shape %v", name, shape)
		}
		n *= uint64(d)
	}
	if len(shape) > 0 && shape[0]%kind.BlockSize() != 0 {
		return nil, fmt.Errorf("tensor %s: row length %d is not a multiple of the %s block size %d", name, shape[0], kind, kind.BlockSize())
	}
	want, err := kind.ByteSize(n)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	if uint64(len(data)) != want {
		return nil, fmt.Errorf("tensor %s: have %d bytes, %s %v needs %d", name, len(data), kind, shape, want)
	}
	return &Tensor{Name: name, Kind: kind, Shape: shape, Data: data}, nil
}

// FromFloat32 quantizes values into a new tensor of the given kind.
func FromFloat32(name string, kind Kind, shape []int, values []float32) (*Tensor, error) {
	data, err := kind.Quantize(values)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	return NewTensor(name, kind, shape, data)
}

func (t *Tensor) Elements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Cols is the row length.
func (t *Tensor) Cols() int {
	if len(t.Shape) == 0 {
		return 1
	}
	return t.Shape[0]
}

func (t *Tensor) Rows() int {
	return t.Elements() / t.Cols()
}

func (t *Tensor) RowBytes() int {
	return t.Kind.RowBytes(t.Cols())
}

// RowData returns the packed bytes of row r.
func (t *Tensor) RowData(r int) []byte {
	rb := t.RowBytes()
	return t.Data[r*rb : (r+1)*rb]
}

// Row dequantizes row r into dst, which must hold Cols values.
func (t *Tensor) Row(r int, dst []float32) {
	t.Kind.DequantizeBlock(dst[:t.Cols()], t.RowData(r))
}

// Dequantize expands the whole tensor.
func (t *Tensor) Dequantize() []float32 {
	out := make([]float32, t.Elements())
	t.Kind.DequantizeBlock(out, t.Data)
	return out
}

func (t *Tensor) String() string {
	return fmt.Sprintf("%s %s %v", t.Name, t.Kind, t.Shape)
}

// rows smaller than this are not worth a pool dispatch
const matVecGrain = 16

// MatVec computes out[r] = row_r · x for every row using the fused dot.
// Rows are partitioned across the pool; each output element is written by
// exactly one worker.
func MatVec(p *cpu.Pool, w *Tensor, x, out []float32) {
	cols, rows := w.Cols(), w.Rows()
	if len(x) != cols || len(out) != rows {
		panic(fmt.Sprintf("quant: matvec %s: x has %d values, out %d; want %d and %d", w.Name, len(x), len(out), cols, rows))
	}
	rb := w.RowBytes()
	kind := w.Kind.traits()
	p.For(rows, matVecGrain, func(start, end int) {
		for r := start; r < end; r++ {
			out[r] = kind.dot(w.Data[r*rb:(r+1)*rb], x)
		}
	})
}

// MatMul applies MatVec to each input vector of a batch. Work is split over
// rows so each weight row is streamed once for the whole batch.
func MatMul(p *cpu.Pool, w *Tensor, xs, outs [][]float32) {
	if len(xs) != len(outs) {
		panic(fmt.Sprintf("quant: matmul %s: %d inputs, %d outputs", w.Name, len(xs), len(outs)))
	}
	if len(xs) == 1 {
		MatVec(p, w, xs[0], outs[0])
		return
	}
	cols, rows := w.Cols(), w.Rows()
	for i := range xs {
		if len(xs[i]) != cols || len(outs[i]) != rows {
			panic(fmt.Sprintf("quant: matmul %s: batch %d has %d/%d values, want %d/%d", w.Name, i, len(xs[i]), len(outs[i]), cols, rows))
		}
	}
	rb := w.RowBytes()
	kind := w.Kind.traits()
	p.For(rows, matVecGrain, func(start, end int) {
		for r := start; r < end; r++ {
			row := w.Data[r*rb : (r+1)*rb]
			for i, x := range xs {
				outs[i][r] = kind.dot(row, x)
			}
		}
	})
}
