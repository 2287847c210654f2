package dsp

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Slaney mel scale constants: linear below 1 kHz, logarithmic above.
const (
	melFSP       = 200.0 / 3
	melMinLogHz  = 1000.0
	melMinLogMel = melMinLogHz / melFSP
)

var melLogStep = math.Log(6.4) / 27.0

// HzToMel converts a frequency to the Slaney mel scale.
func HzToMel(hz float64) float64 {
	if hz >= melMinLogHz {
		return melMinLogMel + math.Log(hz/melMinLogHz)/melLogStep
	}
	return hz / melFSP
}

// MelToHz is the inverse of [HzToMel].
func MelToHz(mel float64) float64 {
	if mel >= melMinLogMel {
		return melMinLogHz * math.Exp(melLogStep*(mel-melMinLogMel))
	}
	return mel * melFSP
}

// MelFrequencies returns n frequencies evenly spaced on the mel scale
// between fmin and fmax inclusive.
func MelFrequencies(n int, fmin, fmax float64) []float64 {
	lo, hi := HzToMel(fmin), HzToMel(fmax)
	out := make([]float64, n)
	for i := range n {
		m := lo
		if n > 1 {
			m = lo + (hi-lo)*float64(i)/float64(n-1)
		}
		out[i] = MelToHz(m)
	}
	return out
}

// MelFilterBank returns an nMels × (nFFT/2+1) matrix of triangular filters
// on the Slaney mel scale with area normalisation. A non-positive fmax
// selects the Nyquist frequency.
func MelFilterBank(sr, nFFT, nMels int, fmin, fmax float64) *mat.Dense {
	if fmax <= 0 {
		fmax = float64(sr) / 2
	}
	bins := nFFT/2 + 1
	fftFreqs := FFTFrequencies(sr, nFFT)
	melF := MelFrequencies(nMels+2, fmin, fmax)

	w := mat.NewDense(nMels, bins, nil)
	for i := range nMels {
		lowerW := melF[i+1] - melF[i]
		upperW := melF[i+2] - melF[i+1]
		enorm := 2 / (melF[i+2] - melF[i])
		for k, f := range fftFreqs {
			lower := (f - melF[i]) / lowerW
			upper := (melF[i+2] - f) / upperW
			v := math.Max(0, math.Min(lower, upper))
			if v > 0 {
				w.Set(i, k, v*enorm)
			}
		}
	}
	return w
}

// ApplyFilterBank multiplies a filter bank (filters × bins) with a frames ×
// bins spectrogram and returns a filters × frames matrix.
func ApplyFilterBank(fb *mat.Dense, spec [][]float64) *mat.Dense {
	nFilters, bins := fb.Dims()
	if len(spec) == 0 {
		return mat.NewDense(nFilters, 1, nil)
	}
	s := mat.NewDense(bins, len(spec), nil)
	for t, row := range spec {
		for k := 0; k < bins && k < len(row); k++ {
			s.Set(k, t, row[k])
		}
	}
	var out mat.Dense
	out.Mul(fb, s)
	return &out
}
