package model_test

import (
	"bytes"
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/MrWong99/telepathy/pkg/model"
	"github.com/MrWong99/telepathy/pkg/types"
)

func tinyArch(classes int) model.Architecture {
	return model.Architecture{TimeSteps: 6, FeatureCount: 4, Hidden1: 8, Hidden2: 6, Dropout: 0.1, Classes: classes}
}

// separable returns n samples per class in which feature k is raised for
// class k at every time step.
func separable(arch model.Architecture, n int, seed uint64) []model.Sample {
	rng := rand.New(rand.NewPCG(seed, seed))
	var out []model.Sample
	for y := range arch.Classes {
		for range n {
			x := make([]float64, arch.InputLen())
			for t := range arch.TimeSteps {
				for f := range arch.FeatureCount {
					v := 0.1 * rng.NormFloat64()
					if f == y {
						v += 1.5
					}
					x[t*arch.FeatureCount+f] = v
				}
			}
			out = append(out, model.Sample{X: x, Y: y})
		}
	}
	return out
}

func trained(t *testing.T, arch model.Architecture) *model.Classifier {
	t.Helper()
	c, err := model.New(arch, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cfg := model.DefaultTrainConfig()
	cfg.Epochs = 2
	cfg.BatchSize = 4
	if _, err := c.Fit(context.Background(), separable(arch, 4, 1), nil, cfg); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	return c
}

func TestPredict_Untrained(t *testing.T) {
	c, err := model.New(tinyArch(3), 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.State() != model.StateUntrained {
		t.Fatalf("state: got %v, want untrained", c.State())
	}
	_, err = c.Predict(make([]float64, tinyArch(3).InputLen()))
	if !errors.Is(err, types.ErrArtifactNotLoaded) {
		t.Errorf("got %v, want ErrArtifactNotLoaded", err)
	}
	if err := c.Save(&bytes.Buffer{}); !errors.Is(err, types.ErrArtifactNotLoaded) {
		t.Errorf("Save: got %v, want ErrArtifactNotLoaded", err)
	}
}

func TestPredict_Distribution(t *testing.T) {
	arch := tinyArch(5)
	c := trained(t, arch)
	if c.State() != model.StateTrained {
		t.Fatalf("state: got %v, want trained", c.State())
	}
	x := separable(arch, 1, 9)[2].X
	p, err := c.Predict(x)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if len(p) != 5 {
		t.Fatalf("got %d probabilities, want 5", len(p))
	}
	var sum float64
	for _, v := range p {
		if v < 0 || v > 1 {
			t.Errorf("probability %g out of range", v)
		}
		sum += v
	}
	if math.Abs(sum-1) > 1e-5 {
		t.Errorf("sum: got %g, want 1", sum)
	}

	again, err := c.Predict(x)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	for i := range p {
		if p[i] != again[i] {
			t.Fatalf("repeat prediction differs at %d: %g vs %g", i, p[i], again[i])
		}
	}
}

func TestPredict_ShapeMismatch(t *testing.T) {
	c := trained(t, tinyArch(3))
	_, err := c.Predict(make([]float64, 5))
	if !errors.Is(err, types.ErrShapeMismatch) {
		t.Errorf("got %v, want ErrShapeMismatch", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	arch := tinyArch(3)
	c := trained(t, arch)
	var buf bytes.Buffer
	if err := c.Save(&buf); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := model.Load(&buf)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Architecture() != arch {
		t.Errorf("architecture: got %+v, want %+v", loaded.Architecture(), arch)
	}
	x := separable(arch, 1, 5)[0].X
	a, _ := c.Predict(x)
	b, err := loaded.Predict(x)
	if err != nil {
		t.Fatalf("Predict after load: %v", err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("probability %d differs after reload: %g vs %g", i, a[i], b[i])
		}
	}
}

func TestLoad_Corrupt(t *testing.T) {
	_, err := model.Load(bytes.NewReader([]byte("definitely not msgpack weights")))
	if !errors.Is(err, types.ErrArtifactLoad) {
		t.Errorf("got %v, want ErrArtifactLoad", err)
	}
}

func TestFit_LearnsSeparableData(t *testing.T) {
	arch := tinyArch(3)
	arch.Dropout = 0
	c, err := model.New(arch, 7)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cfg := model.DefaultTrainConfig()
	cfg.Epochs = 60
	cfg.BatchSize = 4
	cfg.LearningRate = 0.01
	cfg.Patience = 0

	var epochs int
	cfg.OnEpoch = func(model.EpochStats) { epochs++ }
	train := separable(arch, 8, 2)
	hist, err := c.Fit(context.Background(), train, nil, cfg)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if epochs != 60 || len(hist.Epochs) != 60 {
		t.Errorf("epochs: callback %d, history %d, want 60", epochs, len(hist.Epochs))
	}
	if first, last := hist.Epochs[0].Loss, hist.Best().Loss; last >= first {
		t.Errorf("loss did not decrease: first %g, best %g", first, last)
	}
	_, acc, err := c.Evaluate(separable(arch, 5, 3))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if acc < 0.8 {
		t.Errorf("held-out accuracy %g, want ≥ 0.8", acc)
	}
}

func TestFit_ReportedAccuracyMatchesEvaluate(t *testing.T) {
	arch := tinyArch(3)
	arch.Dropout = 0
	c, err := model.New(arch, 7)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cfg := model.DefaultTrainConfig()
	cfg.Epochs = 60
	cfg.BatchSize = 4
	cfg.LearningRate = 0.01
	cfg.Patience = 0

	train := separable(arch, 8, 2)
	hist, err := c.Fit(context.Background(), train, nil, cfg)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	_, evalAcc, err := c.Evaluate(train)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	last := hist.Epochs[len(hist.Epochs)-1]
	if evalAcc < 0.9 {
		t.Fatalf("train accuracy %g, want the data to be learned", evalAcc)
	}
	if math.Abs(last.Accuracy-evalAcc) > 0.15 {
		t.Errorf("last epoch accuracy %g, Evaluate(train) %g", last.Accuracy, evalAcc)
	}
	if best := hist.Best(); best.Accuracy == 0 {
		t.Errorf("best epoch reports zero accuracy (loss %g)", best.Loss)
	}
}

func TestFit_ValidationCheckpoint(t *testing.T) {
	arch := tinyArch(3)
	c, err := model.New(arch, 3)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cfg := model.DefaultTrainConfig()
	cfg.Epochs = 5
	cfg.BatchSize = 4
	hist, err := c.Fit(context.Background(), separable(arch, 4, 1), separable(arch, 2, 2), cfg)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if hist.BestEpoch < 1 || hist.BestEpoch > 5 {
		t.Fatalf("best epoch %d out of range", hist.BestEpoch)
	}
	best := hist.Best()
	if !best.HasValidation || !best.Checkpointed {
		t.Errorf("best epoch stats: %+v", best)
	}
	// The restored weights reproduce the checkpointed validation accuracy.
	_, acc, err := c.Evaluate(separable(arch, 2, 2))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if acc != best.ValAccuracy {
		t.Errorf("restored accuracy %g, checkpoint reported %g", acc, best.ValAccuracy)
	}
}

func TestFit_Errors(t *testing.T) {
	arch := tinyArch(3)
	c, err := model.New(arch, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cfg := model.DefaultTrainConfig()
	if _, err := c.Fit(context.Background(), nil, nil, cfg); !errors.Is(err, types.ErrNoTrainableData) {
		t.Errorf("no data: got %v, want ErrNoTrainableData", err)
	}
	bad := []model.Sample{{X: make([]float64, 3), Y: 0}}
	if _, err := c.Fit(context.Background(), bad, nil, cfg); !errors.Is(err, types.ErrShapeMismatch) {
		t.Errorf("bad shape: got %v, want ErrShapeMismatch", err)
	}
	badLabel := []model.Sample{{X: make([]float64, arch.InputLen()), Y: 3}}
	if _, err := c.Fit(context.Background(), badLabel, nil, cfg); !errors.Is(err, types.ErrUnknownLabel) {
		t.Errorf("bad label: got %v, want ErrUnknownLabel", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Fit(ctx, separable(arch, 2, 1), nil, cfg); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled: got %v, want context.Canceled", err)
	}
}

func TestArchitectureValidate(t *testing.T) {
	if err := model.DefaultArchitecture(100, 65, 5).Validate(); err != nil {
		t.Fatalf("default architecture invalid: %v", err)
	}
	if _, err := model.New(model.Architecture{Classes: 1, Dropout: 1}, 0); err == nil {
		t.Error("New accepted an invalid architecture")
	}
}
