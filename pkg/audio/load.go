package audio

import (
	"fmt"
	"os"
	"time"

	"github.com/MrWong99/telepathy/pkg/types"
)

// SilenceThreshold is the peak amplitude at or below which a clip is treated
// as silent and rejected with [types.ErrEmptyInput].
const SilenceThreshold = 1e-6

// Loader turns encoded audio into a mono [Waveform] at a fixed target sample
// rate, capped at a maximum duration. The zero value is not usable; set
// SampleRate.
type Loader struct {
	// SampleRate is the target rate every decoded clip is resampled to.
	SampleRate int

	// MaxDuration truncates longer clips. Zero disables truncation.
	MaxDuration time.Duration
}

// Load decodes a WAV byte payload, downmixes it to mono, resamples it to
// l.SampleRate and truncates it to l.MaxDuration.
//
// Returns an error wrapping [types.ErrAudioDecode] for unreadable input and
// [types.ErrEmptyInput] for clips with no samples or only silence.
func (l Loader) Load(data []byte) (Waveform, error) {
	if len(data) == 0 {
		return Waveform{}, fmt.Errorf("audio: empty payload: %w", types.ErrEmptyInput)
	}
	w, err := DecodeWAV(data)
	if err != nil {
		return Waveform{}, err
	}
	if w.Len() == 0 {
		return Waveform{}, fmt.Errorf("audio: clip has no samples: %w", types.ErrEmptyInput)
	}

	// Truncate before resampling so long uploads are cheap to reject.
	w = w.Truncate(l.MaxDuration)

	if l.SampleRate > 0 && w.SampleRate != l.SampleRate {
		s, err := Resample(w.Samples, w.SampleRate, l.SampleRate)
		if err != nil {
			return Waveform{}, fmt.Errorf("%w: %w", types.ErrAudioDecode, err)
		}
		w = Waveform{Samples: s, SampleRate: l.SampleRate}
		w = w.Truncate(l.MaxDuration)
	}

	if w.IsSilent(SilenceThreshold) {
		return Waveform{}, fmt.Errorf("audio: clip is silent: %w", types.ErrEmptyInput)
	}
	return w, nil
}

// LoadFile reads and decodes the WAV file at path. See [Loader.Load].
func (l Loader) LoadFile(path string) (Waveform, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Waveform{}, fmt.Errorf("audio: read %s: %w", path, err)
	}
	w, err := l.Load(data)
	if err != nil {
		return Waveform{}, fmt.Errorf("audio: load %s: %w", path, err)
	}
	return w, nil
}
