package model

import (
	"fmt"
	"io"
	"math/rand/v2"
	"slices"

	"github.com/MrWong99/telepathy/pkg/types"
	"github.com/vmihailenco/msgpack/v5"
)

// formatVersion is bumped whenever the persisted layout changes.
const formatVersion = 1

// Sample is one training example: a flat normalised tensor and its class.
type Sample struct {
	X []float64
	Y int
}

// Classifier is the recurrent emotion classifier. Fit mutates the weights
// and must not run concurrently with any other method; once trained, Predict
// and Evaluate may be called from many goroutines.
type Classifier struct {
	arch  Architecture
	w     weights
	state State
}

// New returns an untrained classifier with weights drawn from seed.
func New(arch Architecture, seed uint64) (*Classifier, error) {
	if err := arch.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(seed, seed^0xda3e39cb94b95bdb))
	return &Classifier{arch: arch, w: initWeights(arch, rng), state: StateUntrained}, nil
}

// Architecture returns the network shape.
func (c *Classifier) Architecture() Architecture { return c.arch }

// State returns the lifecycle stage.
func (c *Classifier) State() State { return c.state }

// Predict returns the class probabilities for one flat input tensor of
// length TimeSteps×FeatureCount.
//
// Returns [types.ErrArtifactNotLoaded] before training or loading and an
// error wrapping [types.ErrShapeMismatch] for inputs of the wrong length.
func (c *Classifier) Predict(x []float64) ([]float64, error) {
	if c.state != StateTrained {
		return nil, fmt.Errorf("model: predict: %w", types.ErrArtifactNotLoaded)
	}
	if len(x) != c.arch.InputLen() {
		return nil, fmt.Errorf("model: input length %d, want %d×%d: %w",
			len(x), c.arch.TimeSteps, c.arch.FeatureCount, types.ErrShapeMismatch)
	}
	return c.forward(x), nil
}

// forward is the inference pass without dropout.
func (c *Classifier) forward(x []float64) []float64 {
	h1, _ := c.w.L1.forward(c.steps(x), false)
	h2, _ := c.w.L2.forward(h1, false)
	return softmax(c.w.Out.forward(h2[len(h2)-1]))
}

// steps slices a flat tensor into per-step views.
func (c *Classifier) steps(x []float64) [][]float64 {
	f := c.arch.FeatureCount
	xs := make([][]float64, c.arch.TimeSteps)
	for t := range xs {
		xs[t] = x[t*f : (t+1)*f]
	}
	return xs
}

// dropoutMasks holds the inverted-dropout multipliers of one training
// example. Nil masks disable dropout.
type dropoutMasks struct {
	seq  [][]float64
	last []float64
}

func (c *Classifier) drawMasks(rng *rand.Rand) dropoutMasks {
	p := c.arch.Dropout
	if p == 0 {
		return dropoutMasks{}
	}
	keep := 1 / (1 - p)
	draw := func(n int) []float64 {
		m := make([]float64, n)
		for i := range m {
			if rng.Float64() >= p {
				m[i] = keep
			}
		}
		return m
	}
	seq := make([][]float64, c.arch.TimeSteps)
	for t := range seq {
		seq[t] = draw(c.arch.Hidden1)
	}
	return dropoutMasks{seq: seq, last: draw(c.arch.Hidden2)}
}

func mul(x, mask []float64) []float64 {
	if mask == nil {
		return x
	}
	out := make([]float64, len(x))
	for i := range x {
		out[i] = x[i] * mask[i]
	}
	return out
}

// backprop runs one example forward with the given dropout masks, adds the
// loss gradient into grad and returns the loss and the predicted class.
func (c *Classifier) backprop(s Sample, masks dropoutMasks, grad *weights) (float64, int) {
	h1, cache1 := c.w.L1.forward(c.steps(s.X), true)
	x2 := h1
	if masks.seq != nil {
		x2 = make([][]float64, len(h1))
		for t := range h1 {
			x2[t] = mul(h1[t], masks.seq[t])
		}
	}
	h2, cache2 := c.w.L2.forward(x2, true)
	last := mul(h2[len(h2)-1], masks.last)
	p := softmax(c.w.Out.forward(last))
	loss := crossEntropy(p, s.Y)
	pred := argmax(p)

	// Softmax + cross-entropy gradient.
	dLogits := slices.Clone(p)
	dLogits[s.Y] -= 1

	out := &c.w.Out
	dLast := make([]float64, out.In)
	for r, d := range dLogits {
		row := out.W[r*out.In : (r+1)*out.In]
		gRow := grad.Out.W[r*out.In : (r+1)*out.In]
		for j := range row {
			gRow[j] += d * last[j]
			dLast[j] += d * row[j]
		}
		grad.Out.B[r] += d
	}
	dLast = mul(dLast, masks.last)

	dh2 := make([][]float64, len(h2))
	dh2[len(h2)-1] = dLast
	dx2 := c.w.L2.backward(cache2, dh2, &grad.L2, true)
	if masks.seq != nil {
		for t := range dx2 {
			dx2[t] = mul(dx2[t], masks.seq[t])
		}
	}
	c.w.L1.backward(cache1, dx2, &grad.L1, false)

	return loss, pred
}

// snapshot is the persisted form of a classifier.
type snapshot struct {
	Version int          `msgpack:"version"`
	Arch    Architecture `msgpack:"arch"`
	Weights weights      `msgpack:"weights"`
}

// Save writes the architecture and weights to w as msgpack. Only trained
// classifiers can be saved.
func (c *Classifier) Save(w io.Writer) error {
	if c.state != StateTrained {
		return fmt.Errorf("model: save: %w", types.ErrArtifactNotLoaded)
	}
	if err := msgpack.NewEncoder(w).Encode(snapshot{Version: formatVersion, Arch: c.arch, Weights: c.w}); err != nil {
		return fmt.Errorf("model: save: %w", err)
	}
	return nil
}

// Load reads a classifier written by [Classifier.Save]. The result is in
// [StateTrained]. Malformed or inconsistent data yields an error wrapping
// [types.ErrArtifactLoad].
func Load(r io.Reader) (*Classifier, error) {
	var s snapshot
	if err := msgpack.NewDecoder(r).Decode(&s); err != nil {
		return nil, fmt.Errorf("model: decode weights: %w: %w", types.ErrArtifactLoad, err)
	}
	if s.Version != formatVersion {
		return nil, fmt.Errorf("model: unsupported format version %d: %w", s.Version, types.ErrArtifactLoad)
	}
	if err := s.Arch.Validate(); err != nil {
		return nil, fmt.Errorf("model: %w: %w", types.ErrArtifactLoad, err)
	}
	if !s.Weights.matches(s.Arch) {
		return nil, fmt.Errorf("model: weights do not match architecture %+v: %w", s.Arch, types.ErrArtifactLoad)
	}
	return &Classifier{arch: s.Arch, w: s.Weights, state: StateTrained}, nil
}
