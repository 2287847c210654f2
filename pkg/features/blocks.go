package features

import (
	"math"
	"slices"

	"github.com/MrWong99/telepathy/pkg/dsp"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// dB conversion parameters shared by the MFCC and contrast blocks.
const (
	dbAmin = 1e-10
	dbTop  = 80.0
)

// mfcc returns the NMFCC × frames cepstrum of a power spectrogram.
func (e *Extractor) mfcc(power [][]float64, sr int) *mat.Dense {
	fb := dsp.MelFilterBank(sr, e.cfg.NFFT, e.cfg.NMels, 0, 0)
	mel := dsp.ApplyFilterBank(fb, power)
	dsp.PowerToDB(mel, 1, dbAmin, dbTop)
	var out mat.Dense
	out.Mul(e.dct, mel)
	return &out
}

// chromaFilterBank returns the 12 × (nFFT/2+1) chroma projection: Gaussian
// bumps around each pitch class (A440 reference, no tuning offset), every
// bin's column L2-normalised, weighted by a Gaussian over octaves centred on
// octave 5 with a width of 2 octaves, rotated so row 0 is C.
func chromaFilterBank(sr, nFFT int) *mat.Dense {
	const (
		nChroma = chromaBins
		ctrOct  = 5.0
		octW    = 2.0
	)
	// frqbins[j] is the fractional chroma bin of FFT bin j; bin 0 (DC) is
	// placed 1.5 octaves below bin 1.
	frq := make([]float64, nFFT)
	for j := 1; j < nFFT; j++ {
		hz := float64(j) * float64(sr) / float64(nFFT)
		frq[j] = nChroma * math.Log2(hz/(440.0/16))
	}
	frq[0] = frq[1] - 1.5*nChroma

	binW := make([]float64, nFFT)
	for j := range nFFT - 1 {
		binW[j] = math.Max(frq[j+1]-frq[j], 1)
	}
	binW[nFFT-1] = 1

	half := math.Round(nChroma / 2.0)
	w := make([][]float64, nChroma)
	for c := range nChroma {
		w[c] = make([]float64, nFFT)
		for j := range nFFT {
			d := math.Mod(frq[j]-float64(c)+half+10*nChroma, nChroma)
			if d < 0 {
				d += nChroma
			}
			d -= half
			x := 2 * d / binW[j]
			w[c][j] = math.Exp(-0.5 * x * x)
		}
	}
	for j := range nFFT {
		var norm float64
		for c := range nChroma {
			norm += w[c][j] * w[c][j]
		}
		norm = math.Sqrt(norm)
		oct := (frq[j]/nChroma - ctrOct) / octW
		octWeight := math.Exp(-0.5 * oct * oct)
		for c := range nChroma {
			if norm > 0 {
				w[c][j] /= norm
			}
			w[c][j] *= octWeight
		}
	}

	bins := nFFT/2 + 1
	fb := mat.NewDense(nChroma, bins, nil)
	for c := range nChroma {
		// Roll by -3 so the first row is C rather than A.
		src := w[(c+3)%nChroma]
		for k := range bins {
			fb.Set(c, k, src[k])
		}
	}
	return fb
}

// chroma returns the 12 × frames chromagram of a power spectrogram with each
// frame scaled to a maximum of 1. All-zero frames stay zero.
func chroma(fb *mat.Dense, power [][]float64) *mat.Dense {
	c := dsp.ApplyFilterBank(fb, power)
	normalizeColumns(c, math.Inf(1))
	return c
}

// contrast returns the (bands+1) × frames spectral contrast of a magnitude
// spectrogram.
func (e *Extractor) contrast(mag [][]float64, sr int) *mat.Dense {
	nBands := e.cfg.ContrastBands
	frames := len(mag)
	freqs := dsp.FFTFrequencies(sr, e.cfg.NFFT)

	octa := make([]float64, nBands+2)
	for i := 1; i < len(octa); i++ {
		octa[i] = e.cfg.ContrastFMin * math.Pow(2, float64(i-1))
	}

	peak := mat.NewDense(nBands+1, frames, nil)
	valley := mat.NewDense(nBands+1, frames, nil)
	sub := make([]float64, 0, len(freqs))

	for k := 0; k <= nBands; k++ {
		lo, hi := bandBins(freqs, octa[k], octa[k+1], k, nBands)
		count := hi - lo
		if k < nBands && count > 1 {
			// The top edge bin belongs to the next band.
			hi--
		}
		n := int(math.Max(math.RoundToEven(e.cfg.ContrastQuantile*float64(count)), 1))
		for t := range frames {
			sub = append(sub[:0], mag[t][lo:hi]...)
			slices.Sort(sub)
			m := min(n, len(sub))
			valley.Set(k, t, floats.Sum(sub[:m])/float64(m))
			peak.Set(k, t, floats.Sum(sub[len(sub)-m:])/float64(m))
		}
	}

	dsp.PowerToDB(peak, 1, dbAmin, dbTop)
	dsp.PowerToDB(valley, 1, dbAmin, dbTop)
	var out mat.Dense
	out.Sub(peak, valley)
	return &out
}

// bandBins returns the half-open bin range [lo, hi) of contrast band k with
// edges fLow and fHigh. Every band above the first also takes the bin just
// below its lower edge; the last band extends to Nyquist. A band that holds
// no bin collapses onto the bin nearest fLow.
func bandBins(freqs []float64, fLow, fHigh float64, k, nBands int) (int, int) {
	lo, hi := -1, -1
	for j, f := range freqs {
		if f >= fLow && f <= fHigh {
			if lo < 0 {
				lo = j
			}
			hi = j + 1
		}
	}
	if lo < 0 {
		j := nearestBin(freqs, fLow)
		return j, j + 1
	}
	if k > 0 && lo > 0 {
		lo--
	}
	if k == nBands {
		hi = len(freqs)
	}
	return lo, hi
}

func nearestBin(freqs []float64, f float64) int {
	best := 0
	for j := range freqs {
		if math.Abs(freqs[j]-f) < math.Abs(freqs[best]-f) {
			best = j
		}
	}
	return best
}

// harmonic returns the harmonic part of a magnitude spectrogram: the input
// scaled by the soft mask of its time-median against its frequency-median
// (power 2, margin 1).
func harmonic(mag [][]float64, kernel int) [][]float64 {
	frames := len(mag)
	if frames == 0 {
		return nil
	}
	bins := len(mag[0])

	harm := make([][]float64, frames)
	for t := range frames {
		harm[t] = make([]float64, bins)
	}
	series := make([]float64, frames)
	for k := range bins {
		for t := range frames {
			series[t] = mag[t][k]
		}
		med := dsp.MedianFilter(series, kernel)
		for t := range frames {
			harm[t][k] = med[t]
		}
	}

	out := make([][]float64, frames)
	for t := range frames {
		perc := dsp.MedianFilter(mag[t], kernel)
		row := make([]float64, bins)
		for k := range bins {
			row[k] = mag[t][k] * dsp.SoftMask(harm[t][k], perc[k], 2)
		}
		out[t] = row
	}
	return out
}

// tonnetzBasis is the 6 × 12 projection of pitch classes onto the circles of
// fifths, minor thirds and major thirds (sine and cosine components each).
var tonnetzBasis = func() *mat.Dense {
	scale := [tonnetzDims]float64{7.0 / 6, 7.0 / 6, 3.0 / 2, 3.0 / 2, 2.0 / 3, 2.0 / 3}
	radius := [tonnetzDims]float64{1, 1, 1, 1, 0.5, 0.5}
	phi := mat.NewDense(tonnetzDims, chromaBins, nil)
	for i := range tonnetzDims {
		for j := range chromaBins {
			v := scale[i] * float64(j)
			if i%2 == 0 {
				v -= 0.5
			}
			phi.Set(i, j, radius[i]*math.Cos(math.Pi*v))
		}
	}
	return phi
}()

// tonnetz returns the 6 × frames tonal centroid features of a harmonic power
// spectrogram. Chroma frames are L1-normalised before projection.
func tonnetz(fb *mat.Dense, harmonicPower [][]float64) *mat.Dense {
	c := chroma(fb, harmonicPower)
	normalizeColumns(c, 1)
	var out mat.Dense
	out.Mul(tonnetzBasis, c)
	return &out
}

// normalizeColumns divides each column of m by its L-norm. Columns whose
// norm is below the smallest normal float are left unchanged.
func normalizeColumns(m *mat.Dense, L float64) {
	r, c := m.Dims()
	col := make([]float64, r)
	for j := range c {
		mat.Col(col, j, m)
		n := floats.Norm(col, L)
		if n < 0x1p-1022 {
			continue
		}
		for i := range r {
			m.Set(i, j, col[i]/n)
		}
	}
}
