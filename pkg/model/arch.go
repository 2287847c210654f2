// Package model implements the two-layer LSTM emotion classifier.
//
// The network reads a normalised (time_steps × feature_count) tensor:
//
//	LSTM(Hidden1, full sequence) → Dropout → LSTM(Hidden2, last state)
//	→ Dropout → Dense(Classes) → softmax
//
// Training uses mini-batch backpropagation through time with categorical
// cross-entropy, the Adam optimiser and global gradient-norm clipping.
// Inference is a pure forward pass with dropout disabled; a trained
// [Classifier] is safe for concurrent Predict calls.
package model

import (
	"errors"
	"fmt"
)

// Architecture is the shape metadata persisted with the weights.
type Architecture struct {
	TimeSteps    int     `msgpack:"time_steps" json:"time_steps"`
	FeatureCount int     `msgpack:"feature_count" json:"feature_count"`
	Hidden1      int     `msgpack:"hidden1" json:"hidden1"`
	Hidden2      int     `msgpack:"hidden2" json:"hidden2"`
	Dropout      float64 `msgpack:"dropout" json:"dropout"`
	Classes      int     `msgpack:"classes" json:"classes"`
}

// DefaultArchitecture returns 128 and 64 hidden units with 30% dropout.
func DefaultArchitecture(timeSteps, featureCount, classes int) Architecture {
	return Architecture{
		TimeSteps:    timeSteps,
		FeatureCount: featureCount,
		Hidden1:      128,
		Hidden2:      64,
		Dropout:      0.3,
		Classes:      classes,
	}
}

// InputLen returns the flat length of one input tensor.
func (a Architecture) InputLen() int { return a.TimeSteps * a.FeatureCount }

// Validate reports every invalid field at once.
func (a Architecture) Validate() error {
	var errs []error
	if a.TimeSteps <= 0 {
		errs = append(errs, fmt.Errorf("model: time_steps must be positive, got %d", a.TimeSteps))
	}
	if a.FeatureCount <= 0 {
		errs = append(errs, fmt.Errorf("model: feature_count must be positive, got %d", a.FeatureCount))
	}
	if a.Hidden1 <= 0 || a.Hidden2 <= 0 {
		errs = append(errs, fmt.Errorf("model: hidden sizes must be positive, got %d/%d", a.Hidden1, a.Hidden2))
	}
	if a.Dropout < 0 || a.Dropout >= 1 {
		errs = append(errs, fmt.Errorf("model: dropout must be in [0, 1), got %g", a.Dropout))
	}
	if a.Classes < 2 {
		errs = append(errs, fmt.Errorf("model: need at least 2 classes, got %d", a.Classes))
	}
	return errors.Join(errs...)
}

// State is the lifecycle stage of a [Classifier].
type State int

const (
	// StateUntrained classifiers hold random initial weights and refuse to
	// predict.
	StateUntrained State = iota
	// StateTrained classifiers finished Fit or were loaded from an artifact.
	StateTrained
)

func (s State) String() string {
	switch s {
	case StateUntrained:
		return "untrained"
	case StateTrained:
		return "trained"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}
