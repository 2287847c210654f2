// Package normalize maps variable-length feature matrices onto the fixed
// (time_steps, feature_count) tensor the classifier consumes.
//
// A [Normalizer] is fitted once on the training matrices and persisted.
// Inference loads the fitted parameters and only ever calls [Normalizer.Apply];
// it never re-fits.
package normalize

import (
	"fmt"

	"github.com/MrWong99/telepathy/pkg/features"
	"github.com/MrWong99/telepathy/pkg/types"
	"gonum.org/v1/gonum/stat"
)

// MinStd is the smallest standard deviation kept at fit time. Columns whose
// spread falls below it are scaled by 1 instead, so constant features map to
// zero rather than to ±Inf or NaN.
const MinStd = 1e-8

// Normalizer holds the fitted time axis length and per-column affine
// scaling parameters.
type Normalizer struct {
	TimeSteps    int       `json:"time_steps"`
	FeatureCount int       `json:"feature_count"`
	Mean         []float64 `json:"mean"`
	Std          []float64 `json:"std"`
}

// Tensor is a normalised (TimeSteps × FeatureCount) row-major tensor.
type Tensor struct {
	TimeSteps    int
	FeatureCount int
	Data         []float64
}

// Fit derives time_steps as the largest row count among matrices, pads or
// truncates every matrix to that length, and computes each column's mean and
// population standard deviation over all resulting rows.
//
// Returns an error wrapping [types.ErrNoTrainableData] if matrices is empty
// and [types.ErrShapeMismatch] if the matrices disagree on column count.
func Fit(matrices []features.Matrix) (*Normalizer, error) {
	if len(matrices) == 0 {
		return nil, fmt.Errorf("normalize: fit: %w", types.ErrNoTrainableData)
	}
	cols := matrices[0].Cols
	steps := 0
	for i, m := range matrices {
		if m.Cols != cols {
			return nil, fmt.Errorf("normalize: matrix %d has %d columns, want %d: %w", i, m.Cols, cols, types.ErrShapeMismatch)
		}
		steps = max(steps, m.Rows)
	}
	if cols == 0 || steps == 0 {
		return nil, fmt.Errorf("normalize: fit on empty matrices: %w", types.ErrNoTrainableData)
	}
	return FitSteps(matrices, steps)
}

// FitSteps is like [Fit] with an explicit time_steps.
func FitSteps(matrices []features.Matrix, steps int) (*Normalizer, error) {
	if len(matrices) == 0 {
		return nil, fmt.Errorf("normalize: fit: %w", types.ErrNoTrainableData)
	}
	if steps <= 0 {
		return nil, fmt.Errorf("normalize: time_steps must be positive, got %d", steps)
	}
	cols := matrices[0].Cols
	n := &Normalizer{
		TimeSteps:    steps,
		FeatureCount: cols,
		Mean:         make([]float64, cols),
		Std:          make([]float64, cols),
	}

	col := make([]float64, len(matrices)*steps)
	for c := range cols {
		i := 0
		for _, m := range matrices {
			if m.Cols != cols {
				return nil, fmt.Errorf("normalize: matrix has %d columns, want %d: %w", m.Cols, cols, types.ErrShapeMismatch)
			}
			for r := range steps {
				if r < m.Rows {
					col[i] = m.At(r, c)
				} else {
					col[i] = 0
				}
				i++
			}
		}
		mean, std := stat.PopMeanStdDev(col, nil)
		if std < MinStd {
			std = 1
		}
		n.Mean[c], n.Std[c] = mean, std
	}
	return n, nil
}

// Apply pads m with trailing zero rows or drops its trailing rows to reach
// TimeSteps, then scales every column with the fitted parameters.
//
// Returns an error wrapping [types.ErrShapeMismatch] if m has the wrong
// column count or the normalizer itself is inconsistent.
func (n *Normalizer) Apply(m features.Matrix) (Tensor, error) {
	if err := n.Validate(); err != nil {
		return Tensor{}, err
	}
	if m.Cols != n.FeatureCount {
		return Tensor{}, fmt.Errorf("normalize: matrix has %d columns, want %d: %w", m.Cols, n.FeatureCount, types.ErrShapeMismatch)
	}
	out := Tensor{
		TimeSteps:    n.TimeSteps,
		FeatureCount: n.FeatureCount,
		Data:         make([]float64, n.TimeSteps*n.FeatureCount),
	}
	for r := range n.TimeSteps {
		row := out.Data[r*n.FeatureCount : (r+1)*n.FeatureCount]
		for c := range n.FeatureCount {
			var x float64
			if r < m.Rows {
				x = m.At(r, c)
			}
			row[c] = (x - n.Mean[c]) / n.Std[c]
		}
	}
	return out, nil
}

// Validate checks the internal consistency of persisted parameters.
func (n *Normalizer) Validate() error {
	if n.TimeSteps <= 0 || n.FeatureCount <= 0 {
		return fmt.Errorf("normalize: invalid shape (%d, %d): %w", n.TimeSteps, n.FeatureCount, types.ErrShapeMismatch)
	}
	if len(n.Mean) != n.FeatureCount || len(n.Std) != n.FeatureCount {
		return fmt.Errorf("normalize: %d means and %d stds for %d features: %w",
			len(n.Mean), len(n.Std), n.FeatureCount, types.ErrShapeMismatch)
	}
	for c, s := range n.Std {
		if !(s > 0) {
			return fmt.Errorf("normalize: non-positive std %g in column %d: %w", s, c, types.ErrShapeMismatch)
		}
	}
	return nil
}

// Row returns a view of time step r.
func (t Tensor) Row(r int) []float64 {
	return t.Data[r*t.FeatureCount : (r+1)*t.FeatureCount]
}
