// Package inference classifies clips with a loaded set of training
// artifacts.
//
// A [Context] is built once from an [artifact.Bundle] and is immutable
// afterwards, so one instance can serve any number of concurrent requests.
package inference

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/telepathy/internal/artifact"
	"github.com/MrWong99/telepathy/internal/observe"
	"github.com/MrWong99/telepathy/pkg/audio"
	"github.com/MrWong99/telepathy/pkg/features"
	"github.com/MrWong99/telepathy/pkg/types"
)

// probabilityTolerance bounds how far a distribution may drift from summing to 1.
const probabilityTolerance = 1e-5

// Context holds everything needed to turn audio into a prediction.
type Context struct {
	bundle    *artifact.Bundle
	loader    audio.Loader
	extractor *features.Extractor
	metrics   *observe.Metrics
	now       func() time.Time
}

// Option customises a [Context].
type Option func(*Context)

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Context) { c.metrics = m }
}

// WithClock overrides the prediction timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Context) { c.now = now }
}

// New builds a Context from a consistent bundle. Audio is decoded with the
// sample rate and duration recorded at training time.
func New(b *artifact.Bundle, opts ...Option) (*Context, error) {
	if b == nil {
		return nil, fmt.Errorf("inference: %w", types.ErrArtifactNotLoaded)
	}
	if err := b.Check(); err != nil {
		return nil, err
	}
	ext, err := features.New(b.Features)
	if err != nil {
		return nil, fmt.Errorf("inference: %w: %w", types.ErrArtifactLoad, err)
	}
	c := &Context{
		bundle:    b,
		loader:    audio.Loader{SampleRate: b.Audio.SampleRate, MaxDuration: b.Audio.MaxDuration},
		extractor: ext,
		now:       time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c, nil
}

// Load reads the current run from store and builds a Context.
func Load(ctx context.Context, store *artifact.Store, opts ...Option) (*Context, error) {
	b, err := store.LoadCurrent(ctx)
	if err != nil {
		return nil, err
	}
	return New(b, opts...)
}

// RunID returns the training run the artifacts came from.
func (c *Context) RunID() string { return c.bundle.RunID }

// Categories returns the category names in codec order.
func (c *Context) Categories() []string { return c.bundle.Labels.Categories() }

// Audio returns the decode parameters in effect.
func (c *Context) Audio() artifact.AudioParams { return c.bundle.Audio }

// Manifest returns the manifest of the loaded run.
func (c *Context) Manifest() artifact.Manifest { return c.bundle.Manifest }

// WarnOnDrift logs a warning for every audio or feature setting in the
// running configuration that differs from what the artifacts were trained
// with. The artifact values win.
func (c *Context) WarnOnDrift(sampleRate int, maxDuration time.Duration, fc features.Config) {
	a := c.bundle.Audio
	if sampleRate != a.SampleRate {
		slog.Warn("configured sample rate differs from trained artifacts, using artifact value",
			"configured", sampleRate, "artifact", a.SampleRate)
	}
	if maxDuration != a.MaxDuration {
		slog.Warn("configured max duration differs from trained artifacts, using artifact value",
			"configured", maxDuration, "artifact", a.MaxDuration)
	}
	if fc.Fingerprint() != c.bundle.Features.Fingerprint() {
		slog.Warn("configured feature settings differ from trained artifacts, using artifact values",
			"configured", fc.Fingerprint(), "artifact", c.bundle.Features.Fingerprint())
	}
}

// ClassifyBytes decodes an encoded clip and classifies it.
//
// Client-side failures wrap [types.ErrAudioDecode], [types.ErrEmptyInput]
// or [types.ErrShapeMismatch]; see [types.IsClientError].
func (c *Context) ClassifyBytes(ctx context.Context, data []byte) (types.Prediction, error) {
	w, err := c.loader.Load(data)
	if err != nil {
		return types.Prediction{}, err
	}
	return c.Classify(ctx, w)
}

// Classify runs extraction, normalisation and the classifier on a decoded
// waveform. The waveform must already be at the trained sample rate.
func (c *Context) Classify(ctx context.Context, w audio.Waveform) (types.Prediction, error) {
	if w.SampleRate != c.bundle.Audio.SampleRate {
		return types.Prediction{}, fmt.Errorf("inference: waveform at %d Hz, artifacts expect %d Hz: %w",
			w.SampleRate, c.bundle.Audio.SampleRate, types.ErrShapeMismatch)
	}
	if !w.Finite() {
		return types.Prediction{}, fmt.Errorf("inference: waveform has non-finite samples: %w", types.ErrAudioDecode)
	}

	_, done := observe.Stage(ctx, "extract", c.metrics.ExtractionDuration)
	m, err := c.extractor.Extract(w)
	done(err)
	if err != nil {
		return types.Prediction{}, err
	}

	_, done = observe.Stage(ctx, "normalize", c.metrics.NormalizeDuration)
	x, err := c.bundle.Normalizer.Apply(m)
	done(err)
	if err != nil {
		return types.Prediction{}, err
	}

	_, done = observe.Stage(ctx, "classify", c.metrics.InferenceDuration)
	probs, err := c.bundle.Classifier.Predict(x.Data)
	done(err)
	if err != nil {
		return types.Prediction{}, err
	}

	p := types.Prediction{
		Probabilities: make(map[string]float64, len(probs)),
		Timestamp:     c.now().UTC(),
		RunID:         c.bundle.RunID,
	}
	best := 0
	for i, v := range probs {
		name, err := c.bundle.Labels.Decode(i)
		if err != nil {
			return types.Prediction{}, err
		}
		p.Probabilities[name] = v
		if v > probs[best] {
			best = i
		}
	}
	p.Emotion, _ = c.bundle.Labels.Decode(best)
	p.Confidence = probs[best]
	if !p.Valid(probabilityTolerance) {
		return types.Prediction{}, fmt.Errorf("inference: invalid distribution (sum %g)", p.Sum())
	}
	return p, nil
}
