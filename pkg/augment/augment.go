// Package augment perturbs training waveforms before feature extraction:
// additive Gaussian noise, pitch shifting and time stretching, each applied
// independently with its own probability.
//
// An [Augmenter] owns its random source and is not safe for concurrent use;
// give each worker its own, seeded from the run seed and the file index.
// Augmentation is a training concern only and never runs at inference time.
package augment

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/MrWong99/telepathy/pkg/audio"
	"github.com/MrWong99/telepathy/pkg/dsp"
)

// Config controls which perturbations run and how strong they are.
type Config struct {
	NoiseProb   float64 `yaml:"noise_prob"`
	PitchProb   float64 `yaml:"pitch_prob"`
	StretchProb float64 `yaml:"stretch_prob"`

	// NoiseFactor scales the noise amplitude relative to the clip maximum.
	NoiseFactor float64 `yaml:"noise_factor"`

	// MaxSemitones bounds the pitch shift to [-MaxSemitones, MaxSemitones].
	MaxSemitones int `yaml:"max_semitones"`

	// StretchMin and StretchMax bound the time-stretch rate.
	StretchMin float64 `yaml:"stretch_min"`
	StretchMax float64 `yaml:"stretch_max"`

	// NFFT and HopLength frame the phase vocoder.
	NFFT      int `yaml:"n_fft"`
	HopLength int `yaml:"hop_length"`
}

// DefaultConfig returns a 30% chance for each step, noise at 0.005 of the
// peak, shifts of up to two semitones and rates in [0.9, 1.1].
func DefaultConfig() Config {
	return Config{
		NoiseProb:    0.3,
		PitchProb:    0.3,
		StretchProb:  0.3,
		NoiseFactor:  0.005,
		MaxSemitones: 2,
		StretchMin:   0.9,
		StretchMax:   1.1,
		NFFT:         2048,
		HopLength:    512,
	}
}

// Disabled returns a configuration in which no step ever runs.
func Disabled() Config {
	c := DefaultConfig()
	c.NoiseProb, c.PitchProb, c.StretchProb = 0, 0, 0
	return c
}

// Enabled reports whether any step can run.
func (c Config) Enabled() bool {
	return c.NoiseProb > 0 || c.PitchProb > 0 || c.StretchProb > 0
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	probs := []struct {
		name string
		p    float64
	}{{"noise_prob", c.NoiseProb}, {"pitch_prob", c.PitchProb}, {"stretch_prob", c.StretchProb}}
	for _, pr := range probs {
		if pr.p < 0 || pr.p > 1 {
			errs = append(errs, fmt.Errorf("augment: %s must be in [0, 1], got %g", pr.name, pr.p))
		}
	}
	if c.NoiseFactor < 0 {
		errs = append(errs, fmt.Errorf("augment: noise_factor must not be negative, got %g", c.NoiseFactor))
	}
	if c.MaxSemitones < 0 {
		errs = append(errs, fmt.Errorf("augment: max_semitones must not be negative, got %d", c.MaxSemitones))
	}
	if c.StretchMin <= 0 || c.StretchMax < c.StretchMin {
		errs = append(errs, fmt.Errorf("augment: stretch range [%g, %g] is invalid", c.StretchMin, c.StretchMax))
	}
	if c.NFFT < 4 || c.HopLength <= 0 || c.HopLength > c.NFFT {
		errs = append(errs, fmt.Errorf("augment: invalid framing n_fft=%d hop_length=%d", c.NFFT, c.HopLength))
	}
	return errors.Join(errs...)
}

// Augmenter applies randomised perturbations with a private seeded RNG.
type Augmenter struct {
	cfg Config
	rng *rand.Rand
}

// New returns an Augmenter whose random draws are fully determined by seed.
func New(cfg Config, seed uint64) (*Augmenter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Augmenter{cfg: cfg, rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}, nil
}

// Apply returns a perturbed copy of w. Each step is decided by its own draw,
// in the order noise, pitch shift, time stretch. The input is never
// modified.
func (a *Augmenter) Apply(w audio.Waveform) (audio.Waveform, error) {
	out := w.Clone()
	var err error
	if a.rng.Float64() < a.cfg.NoiseProb {
		out = AddNoise(out, a.cfg.NoiseFactor*a.rng.Float64(), a.rng)
	}
	if a.rng.Float64() < a.cfg.PitchProb {
		steps := a.rng.IntN(2*a.cfg.MaxSemitones+1) - a.cfg.MaxSemitones
		out, err = PitchShift(out, float64(steps), a.cfg.NFFT, a.cfg.HopLength)
		if err != nil {
			return audio.Waveform{}, err
		}
	}
	if a.rng.Float64() < a.cfg.StretchProb {
		rate := a.cfg.StretchMin + (a.cfg.StretchMax-a.cfg.StretchMin)*a.rng.Float64()
		out, err = TimeStretch(out, rate, a.cfg.NFFT, a.cfg.HopLength)
		if err != nil {
			return audio.Waveform{}, err
		}
	}
	return out, nil
}

// AddNoise returns w plus Gaussian noise with standard deviation
// factor·max(w).
func AddNoise(w audio.Waveform, factor float64, rng *rand.Rand) audio.Waveform {
	peak := math.Inf(-1)
	for _, s := range w.Samples {
		peak = math.Max(peak, s)
	}
	amp := factor * peak
	out := make([]float64, len(w.Samples))
	for i, s := range w.Samples {
		out[i] = s + amp*rng.NormFloat64()
	}
	return audio.Waveform{Samples: out, SampleRate: w.SampleRate}
}

// TimeStretch changes the speed of w by rate without changing its pitch.
// The result has round(len/rate) samples.
func TimeStretch(w audio.Waveform, rate float64, nFFT, hop int) (audio.Waveform, error) {
	if rate <= 0 {
		return audio.Waveform{}, fmt.Errorf("augment: stretch rate must be positive, got %g", rate)
	}
	if w.Len() == 0 {
		return w, nil
	}
	spec, err := dsp.STFT(w.Samples, nFFT, hop)
	if err != nil {
		return audio.Waveform{}, fmt.Errorf("augment: %w", err)
	}
	n := int(math.Round(float64(w.Len()) / rate))
	return audio.Waveform{
		Samples:    dsp.ISTFT(PhaseVocoder(spec, rate), n),
		SampleRate: w.SampleRate,
	}, nil
}

// PitchShift moves w by semitones without changing its length: the clip is
// time-stretched by 2^(-semitones/12) and resampled back to the original
// rate.
func PitchShift(w audio.Waveform, semitones float64, nFFT, hop int) (audio.Waveform, error) {
	if semitones == 0 || w.Len() == 0 {
		return w, nil
	}
	rate := math.Pow(2, -semitones/12)
	stretched, err := TimeStretch(w, rate, nFFT, hop)
	if err != nil {
		return audio.Waveform{}, err
	}
	src := int(math.Round(float64(w.SampleRate) / rate))
	shifted, err := audio.Resample(stretched.Samples, src, w.SampleRate)
	if err != nil {
		return audio.Waveform{}, fmt.Errorf("augment: pitch shift: %w", err)
	}
	return audio.Waveform{
		Samples:    audio.FixLength(shifted, w.Len()),
		SampleRate: w.SampleRate,
	}, nil
}
