package arrow_client

import (
	"fmt"
	"os"
	"time"

	"github.com/23skdu/longbow-probe/internal/direction"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"
)

const (
	colID = iota
	colLayer
	colLabelA
	colLabelB
	colSizeA
	colSizeB
	colCreatedAt
	colVector

	numCols
)

// DirectionSchema is the Arrow layout of a batch of dim-dimensional
// directions.
func DirectionSchema(dim int) *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.BinaryTypes.String},
		{Name: "layer", Type: arrow.PrimitiveTypes.Int32},
		{Name: "label_a", Type: arrow.BinaryTypes.String},
		{Name: "label_b", Type: arrow.BinaryTypes.String},
		{Name: "size_a", Type: arrow.PrimitiveTypes.Int32},
		{Name: "size_b", Type: arrow.PrimitiveTypes.Int32},
		{Name: "created_at", Type: &arrow.TimestampType{Unit: arrow.Nanosecond, TimeZone: "UTC"}},
		{Name: "vector", Type: arrow.FixedSizeListOf(int32(dim), arrow.PrimitiveTypes.Float32)},
	}, nil)
}

// DirectionsToRecord builds one record from dirs. All directions must share
// a dimension. The caller releases the record.
func DirectionsToRecord(mem memory.Allocator, dirs []*direction.Direction) (arrow.Record, error) {
	if len(dirs) == 0 {
		return nil, fmt.Errorf("no directions provided")
	}
	dim := dirs[0].Dim()
	schema := DirectionSchema(dim)

	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	ids := b.Field(colID).(*array.StringBuilder)
	layers := b.Field(colLayer).(*array.Int32Builder)
	labelA := b.Field(colLabelA).(*array.StringBuilder)
	labelB := b.Field(colLabelB).(*array.StringBuilder)
	sizeA := b.Field(colSizeA).(*array.Int32Builder)
	sizeB := b.Field(colSizeB).(*array.Int32Builder)
	created := b.Field(colCreatedAt).(*array.TimestampBuilder)
	vectors := b.Field(colVector).(*array.FixedSizeListBuilder)
	values := vectors.ValueBuilder().(*array.Float32Builder)

	for i, d := range dirs {
		if d.Dim() != dim {
			return nil, fmt.Errorf("direction %d has dim %d, expected %d", i, d.Dim(), dim)
		}
		ids.Append(d.ID.String())
		layers.Append(int32(d.Layer))
		labelA.Append(d.LabelA)
		labelB.Append(d.LabelB)
		sizeA.Append(int32(d.SizeA))
		sizeB.Append(int32(d.SizeB))
		created.Append(arrow.Timestamp(d.CreatedAt.UnixNano()))
		vectors.Append(true)
		values.AppendValues(d.Vector(), nil)
	}
	return b.NewRecord(), nil
}

// RecordToDirections decodes a record produced by DirectionsToRecord.
// Vectors are re-normalized on the way in; sizes and creation time are
// carried over.
func RecordToDirections(rec arrow.Record) ([]*direction.Direction, error) {
	if rec.NumCols() != numCols {
		return nil, fmt.Errorf("expected %d columns, got %d", numCols, rec.NumCols())
	}
	ids, ok := rec.Column(colID).(*array.String)
	if !ok {
		return nil, fmt.Errorf("column id: unexpected type %s", rec.Column(colID).DataType())
	}
	layers, ok := rec.Column(colLayer).(*array.Int32)
	if !ok {
		return nil, fmt.Errorf("column layer: unexpected type %s", rec.Column(colLayer).DataType())
	}
	labelA, ok := rec.Column(colLabelA).(*array.String)
	if !ok {
		return nil, fmt.Errorf("column label_a: unexpected type %s", rec.Column(colLabelA).DataType())
	}
	labelB, ok := rec.Column(colLabelB).(*array.String)
	if !ok {
		return nil, fmt.Errorf("column label_b: unexpected type %s", rec.Column(colLabelB).DataType())
	}
	sizeA, ok := rec.Column(colSizeA).(*array.Int32)
	if !ok {
		return nil, fmt.Errorf("column size_a: unexpected type %s", rec.Column(colSizeA).DataType())
	}
	sizeB, ok := rec.Column(colSizeB).(*array.Int32)
	if !ok {
		return nil, fmt.Errorf("column size_b: unexpected type %s", rec.Column(colSizeB).DataType())
	}
	created, ok := rec.Column(colCreatedAt).(*array.Timestamp)
	if !ok {
		return nil, fmt.Errorf("column created_at: unexpected type %s", rec.Column(colCreatedAt).DataType())
	}
	vectors, ok := rec.Column(colVector).(*array.FixedSizeList)
	if !ok {
		return nil, fmt.Errorf("column vector: unexpected type %s", rec.Column(colVector).DataType())
	}
	values, ok := vectors.ListValues().(*array.Float32)
	if !ok {
		return nil, fmt.Errorf("vector values: unexpected type %s", vectors.ListValues().DataType())
	}
	raw := values.Float32Values()

	out := make([]*direction.Direction, 0, rec.NumRows())
	for i := 0; i < int(rec.NumRows()); i++ {
		start, end := vectors.ValueOffsets(i)
		vec := append([]float32(nil), raw[start:end]...)

		d, err := direction.FromVector(int(layers.Value(i)), vec, labelA.Value(i), labelB.Value(i))
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		if d.ID, err = uuid.Parse(ids.Value(i)); err != nil {
			return nil, fmt.Errorf("row %d id: %w", i, err)
		}
		d.SizeA = int(sizeA.Value(i))
		d.SizeB = int(sizeB.Value(i))
		d.CreatedAt = time.Unix(0, int64(created.Value(i))).UTC()
		out = append(out, d)
	}
	return out, nil
}

// WriteIPCFile writes dirs to path in the Arrow IPC file format.
func WriteIPCFile(path string, dirs []*direction.Direction) error {
	mem := memory.NewGoAllocator()
	rec, err := DirectionsToRecord(mem, dirs)
	if err != nil {
		return err
	}
	defer rec.Release()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	w, err := ipc.NewFileWriter(f, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	if err != nil {
		return fmt.Errorf("failed to create IPC writer: %w", err)
	}
	if err := w.Write(rec); err != nil {
		w.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close IPC writer: %w", err)
	}
	return f.Sync()
}

// ReadIPCFile reads every record of an IPC file written by WriteIPCFile.
func ReadIPCFile(path string) ([]*direction.Direction, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("failed to create IPC reader: %w", err)
	}
	defer r.Close()

	var out []*direction.Direction
	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		if err != nil {
			return nil, fmt.Errorf("failed to read record %d: %w", i, err)
		}
		dirs, err := RecordToDirections(rec)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out = append(out, dirs...)
	}
	return out, nil
}
