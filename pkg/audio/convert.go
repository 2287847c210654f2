package audio

import (
	"encoding/binary"
	"fmt"
	"math"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form, e.g. "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// resampleTail is the amount of zero padding (in seconds of input) fed after
// the clip so the filter flushes its delay line.
const resampleTail = 0.05

// Resample converts mono samples from srcRate to dstRate with the polyphase
// resampler from go-audio-resampling. The output length is always
// round(len(samples) * dstRate / srcRate). If the rates match, samples is
// returned unchanged.
func Resample(samples []float64, srcRate, dstRate int) ([]float64, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("audio: invalid resample rates %d -> %d", srcRate, dstRate)
	}
	if srcRate == dstRate || len(samples) == 0 {
		return samples, nil
	}
	want := int(math.Round(float64(len(samples)) * float64(dstRate) / float64(srcRate)))

	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(srcRate),
		OutputRate: float64(dstRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("audio: create resampler: %w", err)
	}

	in := make([]float64, len(samples)+int(resampleTail*float64(srcRate)))
	copy(in, samples)
	out, err := r.Process(in)
	if err != nil {
		return nil, fmt.Errorf("audio: resample: %w", err)
	}
	return FixLength(out, want), nil
}

// FixLength truncates or zero-pads samples to exactly n values.
func FixLength(samples []float64, n int) []float64 {
	if len(samples) == n {
		return samples
	}
	if len(samples) > n {
		return samples[:n]
	}
	out := make([]float64, n)
	copy(out, samples)
	return out
}

// DownmixInterleaved averages interleaved multi-channel samples into a mono
// slice. A trailing partial frame is ignored.
func DownmixInterleaved(interleaved []float64, channels int) []float64 {
	if channels <= 1 {
		return interleaved
	}
	frames := len(interleaved) / channels
	mono := make([]float64, frames)
	inv := 1 / float64(channels)
	for i := range frames {
		var sum float64
		for ch := range channels {
			sum += interleaved[i*channels+ch]
		}
		mono[i] = sum * inv
	}
	return mono
}

// pcmToFloat converts little-endian integer or IEEE float PCM into float64
// samples normalised to [-1, 1]. bits selects the container width; isFloat
// selects IEEE float decoding for 32- and 64-bit data.
func pcmToFloat(pcm []byte, bits int, isFloat bool) ([]float64, error) {
	width := bits / 8
	if width == 0 {
		return nil, fmt.Errorf("audio: unsupported bit depth %d", bits)
	}
	n := len(pcm) / width
	out := make([]float64, n)

	switch {
	case isFloat && bits == 32:
		for i := range n {
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(pcm[i*4:])))
		}
	case isFloat && bits == 64:
		for i := range n {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(pcm[i*8:]))
		}
	case isFloat:
		return nil, fmt.Errorf("audio: unsupported float bit depth %d", bits)
	case bits == 8:
		// 8-bit WAV is unsigned with a 128 midpoint.
		for i := range n {
			out[i] = (float64(pcm[i]) - 128) / 128
		}
	case bits == 16:
		for i := range n {
			out[i] = float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
		}
	case bits == 24:
		for i := range n {
			b := pcm[i*3:]
			v := int32(uint32(b[0])<<8|uint32(b[1])<<16|uint32(b[2])<<24) >> 8
			out[i] = float64(v) / 8388608.0
		}
	case bits == 32:
		for i := range n {
			out[i] = float64(int32(binary.LittleEndian.Uint32(pcm[i*4:]))) / 2147483648.0
		}
	default:
		return nil, fmt.Errorf("audio: unsupported bit depth %d", bits)
	}
	if isFloat {
		for i, v := range out {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("audio: non-finite sample at index %d", i)
			}
		}
	}
	return out, nil
}

// floatToPCM16 converts samples in [-1, 1] to 16-bit little-endian PCM,
// clamping out-of-range values.
func floatToPCM16(samples []float64) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := math.Round(s * 32767)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}
