package features

import (
	"fmt"

	"github.com/MrWong99/telepathy/pkg/types"
)

// Block names in extraction order.
const (
	BlockMFCC     = "mfcc"
	BlockChroma   = "chroma"
	BlockContrast = "contrast"
	BlockTonnetz  = "tonnetz"
)

const (
	chromaBins  = 12
	tonnetzDims = 6
)

// Block is a named run of adjacent columns in a feature matrix.
type Block struct {
	Name  string `json:"name" msgpack:"name"`
	Width int    `json:"width" msgpack:"width"`
}

// Schema declares the column layout of a feature matrix as an ordered list
// of blocks. It is persisted with the scaler so a loaded model can verify it
// is fed the layout it was trained on.
type Schema struct {
	Blocks []Block `json:"blocks" msgpack:"blocks"`
}

// Width returns the total column count.
func (s Schema) Width() int {
	var n int
	for _, b := range s.Blocks {
		n += b.Width
	}
	return n
}

// Offset returns the first column of the named block and its width, or
// (-1, 0) if the block is absent.
func (s Schema) Offset(name string) (int, int) {
	var off int
	for _, b := range s.Blocks {
		if b.Name == name {
			return off, b.Width
		}
		off += b.Width
	}
	return -1, 0
}

// Equal reports whether both schemas declare the same blocks in the same
// order.
func (s Schema) Equal(o Schema) bool {
	if len(s.Blocks) != len(o.Blocks) {
		return false
	}
	for i := range s.Blocks {
		if s.Blocks[i] != o.Blocks[i] {
			return false
		}
	}
	return true
}

// Validate returns an error wrapping [types.ErrShapeMismatch] if m does not
// have exactly Width columns.
func (s Schema) Validate(m Matrix) error {
	if m.Cols != s.Width() {
		return fmt.Errorf("features: matrix has %d columns, schema wants %d: %w", m.Cols, s.Width(), types.ErrShapeMismatch)
	}
	if len(m.Data) != m.Rows*m.Cols {
		return fmt.Errorf("features: matrix data length %d != %d×%d: %w", len(m.Data), m.Rows, m.Cols, types.ErrShapeMismatch)
	}
	return nil
}

// Matrix is a row-major feature matrix: one row per time frame, one column
// per feature.
type Matrix struct {
	Rows int       `json:"rows" msgpack:"rows"`
	Cols int       `json:"cols" msgpack:"cols"`
	Data []float64 `json:"data" msgpack:"data"`
}

// NewMatrix allocates a zeroed rows × cols matrix.
func NewMatrix(rows, cols int) Matrix {
	return Matrix{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}
}

// At returns the value at (r, c).
func (m Matrix) At(r, c int) float64 { return m.Data[r*m.Cols+c] }

// Set stores v at (r, c).
func (m Matrix) Set(r, c int, v float64) { m.Data[r*m.Cols+c] = v }

// Row returns a view of row r.
func (m Matrix) Row(r int) []float64 { return m.Data[r*m.Cols : (r+1)*m.Cols] }
