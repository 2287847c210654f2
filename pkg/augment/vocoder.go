package augment

import (
	"math"
	"math/cmplx"

	"github.com/MrWong99/telepathy/pkg/dsp"
)

// PhaseVocoder resamples the frames of s in time by rate (rate > 1 speeds
// up) while keeping each bin's phase advance consistent, so the inverse
// transform plays faster or slower at the original pitch.
func PhaseVocoder(s dsp.Spectrogram, rate float64) dsp.Spectrogram {
	frames := s.Len()
	bins := s.Bins()
	if frames == 0 {
		return s
	}

	// Expected phase advance per hop for each bin.
	advance := make([]float64, bins)
	for k := range bins {
		advance[k] = 2 * math.Pi * float64(s.Hop) * float64(k) / float64(s.NFFT)
	}

	at := func(t, k int) complex128 {
		if t < frames {
			return s.Frames[t][k]
		}
		return 0
	}

	acc := make([]float64, bins)
	for k := range bins {
		acc[k] = cmplx.Phase(s.Frames[0][k])
	}

	var out [][]complex128
	for i := 0; float64(i)*rate < float64(frames); i++ {
		step := float64(i) * rate
		t0 := int(step)
		alpha := step - math.Floor(step)
		frame := make([]complex128, bins)
		for k := range bins {
			c0, c1 := at(t0, k), at(t0+1, k)
			mag := (1-alpha)*cmplx.Abs(c0) + alpha*cmplx.Abs(c1)
			frame[k] = cmplx.Rect(mag, acc[k])

			dphase := cmplx.Phase(c1) - cmplx.Phase(c0) - advance[k]
			dphase -= 2 * math.Pi * math.RoundToEven(dphase/(2*math.Pi))
			acc[k] += advance[k] + dphase
		}
		out = append(out, frame)
	}
	return dsp.Spectrogram{NFFT: s.NFFT, Hop: s.Hop, Frames: out}
}
