package audio

import (
	"math"
	"time"
)

// Waveform is a mono clip of floating-point samples in [-1, 1] at a fixed
// sample rate. A Waveform is never mutated after construction; helpers that
// transform audio return a new value.
type Waveform struct {
	// Samples holds the mono PCM samples.
	Samples []float64

	// SampleRate in Hz (e.g., 44100).
	SampleRate int
}

// Len returns the number of samples.
func (w Waveform) Len() int { return len(w.Samples) }

// Duration returns the playback length of the clip.
func (w Waveform) Duration() time.Duration {
	if w.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(len(w.Samples)) / float64(w.SampleRate) * float64(time.Second))
}

// Peak returns the largest absolute sample value.
func (w Waveform) Peak() float64 {
	var p float64
	for _, s := range w.Samples {
		if a := math.Abs(s); a > p {
			p = a
		}
	}
	return p
}

// RMS returns the root-mean-square energy of the clip. Returns 0 for an
// empty waveform.
func (w Waveform) RMS() float64 {
	if len(w.Samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range w.Samples {
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(w.Samples)))
}

// IsSilent reports whether no sample exceeds threshold in absolute value.
// An empty waveform is silent.
func (w Waveform) IsSilent(threshold float64) bool {
	return w.Peak() <= threshold
}

// Finite reports whether every sample is a finite number.
func (w Waveform) Finite() bool {
	for _, v := range w.Samples {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Truncate returns a waveform capped at maxDur. The samples slice is shared
// with w. A non-positive maxDur returns w unchanged.
func (w Waveform) Truncate(maxDur time.Duration) Waveform {
	if maxDur <= 0 || w.SampleRate <= 0 {
		return w
	}
	n := int(maxDur.Seconds() * float64(w.SampleRate))
	if n >= len(w.Samples) {
		return w
	}
	return Waveform{Samples: w.Samples[:n], SampleRate: w.SampleRate}
}

// Clone returns a deep copy of w.
func (w Waveform) Clone() Waveform {
	s := make([]float64, len(w.Samples))
	copy(s, w.Samples)
	return Waveform{Samples: s, SampleRate: w.SampleRate}
}
