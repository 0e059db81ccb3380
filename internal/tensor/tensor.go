// Package tensor holds the hidden-state layout that flows between layers.
package tensor

import "fmt"

// Tensor is a row-major [batch, seq, dim] block of hidden states.
// Offset is the absolute sequence position of row 0, so an incremental decode
// step carries the cache position while a prefill pass carries 0.
type Tensor struct {
	Batch  int
	Seq    int
	Dim    int
	Offset int
	Data   []float32
}

// New allocates a zeroed tensor.
func New(batch, seq, dim int) *Tensor {
	return &Tensor{
		Batch: batch,
		Seq:   seq,
		Dim:   dim,
		Data:  make([]float32, batch*seq*dim),
	}
}

// FromRows builds a single-batch tensor from per-position vectors.
func FromRows(rows [][]float32) (*Tensor, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("no rows provided")
	}
	dim := len(rows[0])
	t := New(1, len(rows), dim)
	for s, r := range rows {
		if len(r) != dim {
			return nil, fmt.Errorf("row %d has dim %d, expected %d", s, len(r), dim)
		}
		copy(t.Row(0, s), r)
	}
	return t, nil
}

// Row returns the live slice for (batch b, local position s).
func (t *Tensor) Row(b, s int) []float32 {
	start := (b*t.Seq + s) * t.Dim
	return t.Data[start : start+t.Dim]
}

// CopyRow returns a detached copy of the row at (b, s).
func (t *Tensor) CopyRow(b, s int) []float32 {
	out := make([]float32, t.Dim)
	copy(out, t.Row(b, s))
	return out
}

// LastRow returns a detached copy of the final sequence position of batch b.
func (t *Tensor) LastRow(b int) []float32 {
	return t.CopyRow(b, t.Seq-1)
}

// LastPosition is the absolute position of the final row.
func (t *Tensor) LastPosition() int {
	return t.Offset + t.Seq - 1
}

// Local maps an absolute position to a row index of this tensor.
func (t *Tensor) Local(pos int) (int, bool) {
	s := pos - t.Offset
	if s < 0 || s >= t.Seq {
		return 0, false
	}
	return s, true
}

// Clone deep-copies the tensor.
func (t *Tensor) Clone() *Tensor {
	c := &Tensor{
		Batch:  t.Batch,
		Seq:    t.Seq,
		Dim:    t.Dim,
		Offset: t.Offset,
		Data:   make([]float32, len(t.Data)),
	}
	copy(c.Data, t.Data)
	return c
}

// SameShape reports whether o has identical batch, seq and dim.
func (t *Tensor) SameShape(o *Tensor) bool {
	return o != nil && t.Batch == o.Batch && t.Seq == o.Seq && t.Dim == o.Dim
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor[%d,%d,%d]@%d", t.Batch, t.Seq, t.Dim, t.Offset)
}
