// Package types defines the shared types and sentinel errors used across all
// Telepathy packages.
//
// These types form the lingua franca between the feature extractor, the
// normaliser, the classifier, the artifact store and the serving layer. Each
// package defines its own domain types, but cross-cutting data structures live
// here to avoid circular imports.
package types

import (
	"errors"
	"math"
	"sort"
	"time"
)

// Sentinel errors. Packages wrap these with context via fmt.Errorf("...: %w")
// so callers can classify failures with [errors.Is].
var (
	// ErrAudioDecode reports unreadable or corrupt audio input.
	ErrAudioDecode = errors.New("audio decode failed")

	// ErrEmptyInput reports a zero-length or silent clip.
	ErrEmptyInput = errors.New("empty or silent audio input")

	// ErrShapeMismatch reports disagreeing dimensions between persisted
	// artifacts, or between an artifact and a request.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrUnknownLabel reports a category name that is not part of the frozen
	// label codec.
	ErrUnknownLabel = errors.New("unknown label")

	// ErrArtifactLoad reports missing or corrupt persisted artifacts.
	ErrArtifactLoad = errors.New("artifact load failed")

	// ErrArtifactNotLoaded reports use of the classifier before a trained
	// model is available.
	ErrArtifactNotLoaded = errors.New("artifacts not loaded")

	// ErrNoTrainableData reports a training run in which no usable samples
	// remain after corpus scanning and feature extraction.
	ErrNoTrainableData = errors.New("no trainable data")
)

// IsClientError reports whether err was caused by the request payload rather
// than by the service. The serving layer maps these to HTTP 400.
func IsClientError(err error) bool {
	return errors.Is(err, ErrAudioDecode) ||
		errors.Is(err, ErrEmptyInput) ||
		errors.Is(err, ErrShapeMismatch)
}

// Prediction is the result of classifying a single clip.
type Prediction struct {
	// Emotion is the most likely category.
	Emotion string `json:"emotion"`

	// Confidence is the probability assigned to Emotion, in [0, 1].
	Confidence float64 `json:"confidence"`

	// Probabilities maps every known category to its probability. The values
	// sum to 1 within floating-point tolerance.
	Probabilities map[string]float64 `json:"all_probabilities"`

	// Timestamp is when the prediction was produced.
	Timestamp time.Time `json:"timestamp"`

	// RunID identifies the training run whose artifacts produced this result.
	RunID string `json:"run_id,omitempty"`
}

// Ranked is a single (category, probability) pair.
type Ranked struct {
	Emotion     string
	Probability float64
}

// Ranking returns the distribution sorted by descending probability. Ties
// are broken by category name so the order is stable.
func (p Prediction) Ranking() []Ranked {
	out := make([]Ranked, 0, len(p.Probabilities))
	for k, v := range p.Probabilities {
		out = append(out, Ranked{Emotion: k, Probability: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Probability != out[j].Probability {
			return out[i].Probability > out[j].Probability
		}
		return out[i].Emotion < out[j].Emotion
	})
	return out
}

// Sum returns the total probability mass of the distribution.
func (p Prediction) Sum() float64 {
	var s float64
	for _, v := range p.Probabilities {
		s += v
	}
	return s
}

// Valid reports whether the distribution is well formed: every probability
// lies in [0, 1] and the total is within tol of 1.
func (p Prediction) Valid(tol float64) bool {
	for _, v := range p.Probabilities {
		if v < 0 || v > 1 || math.IsNaN(v) {
			return false
		}
	}
	return math.Abs(p.Sum()-1) <= tol
}
