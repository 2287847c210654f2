package normalize_test

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/MrWong99/telepathy/pkg/features"
	"github.com/MrWong99/telepathy/pkg/normalize"
	"github.com/MrWong99/telepathy/pkg/types"
)

// ramp returns a rows × cols matrix whose value at (r, c) is r+1+c.
func ramp(rows, cols int) features.Matrix {
	m := features.NewMatrix(rows, cols)
	for r := range rows {
		for c := range cols {
			m.Set(r, c, float64(r+1+c))
		}
	}
	return m
}

// identity returns a normalizer that only pads and truncates.
func identity(steps, cols int) *normalize.Normalizer {
	n := &normalize.Normalizer{TimeSteps: steps, FeatureCount: cols, Mean: make([]float64, cols), Std: make([]float64, cols)}
	for i := range n.Std {
		n.Std[i] = 1
	}
	return n
}

func TestApply_PadAndTruncate(t *testing.T) {
	m := ramp(80, 3)
	tests := []struct {
		name  string
		steps int
	}{
		{"pad to 120", 120},
		{"exact 80", 80},
		{"truncate to 60", 60},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := identity(tt.steps, 3).Apply(m)
			if err != nil {
				t.Fatalf("Apply: %v", err)
			}
			if out.TimeSteps != tt.steps || out.FeatureCount != 3 {
				t.Fatalf("shape: got (%d, %d), want (%d, 3)", out.TimeSteps, out.FeatureCount, tt.steps)
			}
			if len(out.Data) != tt.steps*3 {
				t.Fatalf("data length: got %d, want %d", len(out.Data), tt.steps*3)
			}
			for r := range tt.steps {
				for c := range 3 {
					want := 0.0
					if r < 80 {
						want = float64(r + 1 + c)
					}
					if got := out.Row(r)[c]; got != want {
						t.Fatalf("(%d,%d): got %g, want %g", r, c, got, want)
					}
				}
			}
		})
	}
}

func TestApply_PaddedRowsAreTrailingZerosBeforeScaling(t *testing.T) {
	n := &normalize.Normalizer{TimeSteps: 120, FeatureCount: 2, Mean: []float64{1, 2}, Std: []float64{2, 4}}
	out, err := n.Apply(ramp(80, 2))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	for r := 80; r < 120; r++ {
		if got := out.Row(r); got[0] != -0.5 || got[1] != -0.5 {
			t.Fatalf("padded row %d: got %v, want [-0.5 -0.5]", r, got)
		}
	}
}

func TestFit_StatsOverPaddedTensor(t *testing.T) {
	a := features.Matrix{Rows: 2, Cols: 1, Data: []float64{2, 4}}
	b := features.Matrix{Rows: 1, Cols: 1, Data: []float64{6}}
	n, err := normalize.Fit([]features.Matrix{a, b})
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if n.TimeSteps != 2 {
		t.Errorf("time steps: got %d, want 2", n.TimeSteps)
	}
	// Rows seen: 2, 4, 6, 0 (padding).
	if math.Abs(n.Mean[0]-3) > 1e-12 {
		t.Errorf("mean: got %g, want 3", n.Mean[0])
	}
	if want := math.Sqrt(5); math.Abs(n.Std[0]-want) > 1e-12 {
		t.Errorf("std: got %g, want %g", n.Std[0], want)
	}

	out, err := n.Apply(a)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if want := (2 - 3) / math.Sqrt(5); math.Abs(out.Data[0]-want) > 1e-12 {
		t.Errorf("scaled: got %g, want %g", out.Data[0], want)
	}
}

func TestFit_ZeroVarianceGuard(t *testing.T) {
	m := features.Matrix{Rows: 3, Cols: 2, Data: []float64{5, 1, 5, 2, 5, 3}}
	n, err := normalize.Fit([]features.Matrix{m})
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if n.Std[0] != 1 {
		t.Errorf("constant column std: got %g, want 1", n.Std[0])
	}
	out, err := n.Apply(m)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	for r := range 3 {
		v := out.Row(r)[0]
		if v != 0 || math.IsNaN(v) {
			t.Errorf("row %d constant column: got %g, want 0", r, v)
		}
	}
}

func TestFit_Errors(t *testing.T) {
	if _, err := normalize.Fit(nil); !errors.Is(err, types.ErrNoTrainableData) {
		t.Errorf("empty: got %v, want ErrNoTrainableData", err)
	}
	_, err := normalize.Fit([]features.Matrix{ramp(3, 2), ramp(3, 3)})
	if !errors.Is(err, types.ErrShapeMismatch) {
		t.Errorf("mixed widths: got %v, want ErrShapeMismatch", err)
	}
}

func TestApply_ShapeMismatch(t *testing.T) {
	_, err := identity(10, 3).Apply(ramp(5, 4))
	if !errors.Is(err, types.ErrShapeMismatch) {
		t.Errorf("got %v, want ErrShapeMismatch", err)
	}
	broken := &normalize.Normalizer{TimeSteps: 10, FeatureCount: 3, Mean: []float64{0}, Std: []float64{1}}
	if _, err := broken.Apply(ramp(5, 3)); !errors.Is(err, types.ErrShapeMismatch) {
		t.Errorf("inconsistent params: got %v, want ErrShapeMismatch", err)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	n, err := normalize.Fit([]features.Matrix{ramp(4, 2), ramp(6, 2)})
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	raw, err := json.Marshal(n)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got normalize.Normalizer
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	a, _ := n.Apply(ramp(5, 2))
	b, err := got.Apply(ramp(5, 2))
	if err != nil {
		t.Fatalf("Apply after load: %v", err)
	}
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			t.Fatalf("value %d differs after reload", i)
		}
	}
}
