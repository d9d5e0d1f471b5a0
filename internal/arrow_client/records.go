package arrow_client

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

const (
	ColID     = "id"
	ColModel  = "model"
	ColText   = "text"
	ColVector = "vector"
)

var ErrNoRows = errors.New("no embeddings provided")

// Embedding is one row of an exported embedding batch.
type Embedding struct {
	ID     string
	Model  string
	Text   string
	Vector []float32
}

// Schema is the layout of embedding records: three string columns and a
// fixed size list of dim float32 values.
func Schema(dim int) *arrow.Schema {
	md := arrow.NewMetadata([]string{"producer"}, []string{"tllama"})
	return arrow.NewSchema([]arrow.Field{
		{Name: ColID, Type: arrow.BinaryTypes.String},
		{Name: ColModel, Type: arrow.BinaryTypes.String},
		{Name: ColText, Type: arrow.BinaryTypes.String},
		{Name: ColVector, Type: arrow.FixedSizeListOf(int32(dim), arrow.PrimitiveTypes.Float32)},
	}, &md)
}

// NewRecord packs rows into one record. Every vector must have the same
// length. The caller releases the record.
func NewRecord(mem memory.Allocator, rows []Embedding) (arrow.Record, error) {
	if len(rows) == 0 {
		return nil, ErrNoRows
	}
	dim := len(rows[0].Vector)
	if dim == 0 {
		return nil, fmt.Errorf("row 0: empty vector")
	}

	b := array.NewRecordBuilder(mem, Schema(dim))
	defer b.Release()
	ids := b.Field(0).(*array.StringBuilder)
	models := b.Field(1).(*array.StringBuilder)
	texts := b.Field(2).(*array.StringBuilder)
	vectors := b.Field(3).(*array.FixedSizeListBuilder)
	values := vectors.ValueBuilder().(*array.Float32Builder)
	values.Reserve(len(rows) * dim)

	for i, r := range rows {
		if len(r.Vector) != dim {
			return nil, fmt.Errorf("row %d: vector has %d dims, want %d", i, len(r.Vector), dim)
		}
		ids.Append(r.ID)
		models.Append(r.Model)
		texts.Append(r.Text)
		vectors.Append(true)
		values.AppendValues(r.Vector, nil)
	}
	return b.NewRecord(), nil
}

// Rows copies the embeddings out of rec.
func Rows(rec arrow.Record) ([]Embedding, error) {
	col := func(name string) (arrow.Array, error) {
		idx := rec.Schema().FieldIndices(name)
		if len(idx) == 0 {
			return nil, fmt.Errorf("record has no %q column", name)
		}
		return rec.Column(idx[0]), nil
	}
	str := func(name string) (*array.String, error) {
		c, err := col(name)
		if err != nil {
			return nil, err
		}
		s, ok := c.(*array.String)
		if !ok {
			return nil, fmt.Errorf("column %q is %s, want utf8", name, c.DataType())
		}
		return s, nil
	}

	ids, err := str(ColID)
	if err != nil {
		return nil, err
	}
	models, err := str(ColModel)
	if err != nil {
		return nil, err
	}
	texts, err := str(ColText)
	if err != nil {
		return nil, err
	}
	c, err := col(ColVector)
	if err != nil {
		return nil, err
	}
	vectors, ok := c.(*array.FixedSizeList)
	if !ok {
		return nil, fmt.Errorf("column %q is %s, want fixed_size_list<float32>", ColVector, c.DataType())
	}
	values, ok := vectors.ListValues().(*array.Float32)
	if !ok {
		return nil, fmt.Errorf("column %q holds %s, want float32", ColVector, vectors.ListValues().DataType())
	}

	raw := values.Float32Values()
	out := make([]Embedding, rec.NumRows())
	for i := range out {
		start, end := vectors.ValueOffsets(i)
		out[i] = Embedding{
			ID:     ids.Value(i),
			Model:  models.Value(i),
			Text:   texts.Value(i),
			Vector: slices.Clone(raw[start:end]),
		}
	}
	return out, nil
}

// WriteFile stores rows as an Arrow IPC file.
func WriteFile(path string, rows []Embedding) error {
	rec, err := NewRecord(memory.DefaultAllocator, rows)
	if err != nil {
		return err
	}
	defer rec.Release()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w, err := ipc.NewFileWriter(f, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		f.Close()
		return fmt.Errorf("arrow file writer: %w", err)
	}
	if err := w.Write(rec); err != nil {
		w.Close()
		f.Close()
		return fmt.Errorf("write record: %w", err)
	}
	if err := w.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadFile loads every embedding stored in an Arrow IPC file.
func ReadFile(path string) ([]Embedding, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		return nil, fmt.Errorf("arrow file reader: %w", err)
	}
	defer r.Close()

	var out []Embedding
	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		rows, err := Rows(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}
