// Package dsp implements the short-time spectral primitives shared by the
// feature extractor and the augmentation pipeline: windowing, centred STFT
// and its inverse, mel filter banks, the orthonormal DCT-II, decibel scaling
// and median filtering.
//
// FFTs are computed with gonum's dsp/fourier. The gonum FFT types keep
// internal work buffers, so every call creates its own plan and the package
// functions are safe for concurrent use.
package dsp

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Spectrogram is a complex STFT laid out as Frames rows of Bins columns.
// Bins is always NFFT/2+1.
type Spectrogram struct {
	NFFT   int
	Hop    int
	Frames [][]complex128
}

// Bins returns the number of frequency bins per frame.
func (s Spectrogram) Bins() int { return s.NFFT/2 + 1 }

// Len returns the number of frames.
func (s Spectrogram) Len() int { return len(s.Frames) }

// Magnitude returns |S| as a frames × bins matrix.
func (s Spectrogram) Magnitude() [][]float64 {
	out := make([][]float64, len(s.Frames))
	for t, f := range s.Frames {
		row := make([]float64, len(f))
		for k, c := range f {
			row[k] = cmplx.Abs(c)
		}
		out[t] = row
	}
	return out
}

// Power returns |S|² as a frames × bins matrix.
func (s Spectrogram) Power() [][]float64 {
	out := make([][]float64, len(s.Frames))
	for t, f := range s.Frames {
		row := make([]float64, len(f))
		for k, c := range f {
			row[k] = real(c)*real(c) + imag(c)*imag(c)
		}
		out[t] = row
	}
	return out
}

// STFT computes the centred short-time Fourier transform of x with a
// periodic Hann window of length nFFT. The signal is zero-padded by nFFT/2
// on both sides so frame t is centred on sample t*hop. The result always
// has 1 + len(x)/hop frames.
func STFT(x []float64, nFFT, hop int) (Spectrogram, error) {
	if nFFT < 2 || hop < 1 {
		return Spectrogram{}, fmt.Errorf("dsp: invalid STFT parameters n_fft=%d hop=%d", nFFT, hop)
	}
	pad := nFFT / 2
	padded := make([]float64, len(x)+2*pad)
	copy(padded[pad:], x)

	nFrames := 1 + (len(padded)-nFFT)/hop
	win := Hann(nFFT)
	fft := fourier.NewFFT(nFFT)
	buf := make([]float64, nFFT)

	frames := make([][]complex128, nFrames)
	for t := range nFrames {
		start := t * hop
		for i := range nFFT {
			buf[i] = padded[start+i] * win[i]
		}
		frames[t] = fft.Coefficients(nil, buf)
	}
	return Spectrogram{NFFT: nFFT, Hop: hop, Frames: frames}, nil
}

// ISTFT inverts a centred STFT by windowed overlap-add, normalised by the
// summed squared window. The output is trimmed or zero-padded to length
// samples; a negative length keeps the natural length.
func ISTFT(s Spectrogram, length int) []float64 {
	nFFT, hop := s.NFFT, s.Hop
	if len(s.Frames) == 0 || nFFT < 2 || hop < 1 {
		if length < 0 {
			return nil
		}
		return make([]float64, length)
	}

	win := Hann(nFFT)
	fft := fourier.NewFFT(nFFT)
	total := nFFT + hop*(len(s.Frames)-1)
	y := make([]float64, total)
	wss := make([]float64, total)
	scale := 1 / float64(nFFT)

	for t, frame := range s.Frames {
		seq := fft.Sequence(nil, frame)
		start := t * hop
		for i := range nFFT {
			y[start+i] += seq[i] * scale * win[i]
			wss[start+i] += win[i] * win[i]
		}
	}

	tiny := math.SmallestNonzeroFloat64
	for i := range y {
		if wss[i] > tiny {
			y[i] /= wss[i]
		}
	}

	pad := nFFT / 2
	if pad < len(y) {
		y = y[pad:]
	} else {
		y = nil
	}
	if length < 0 {
		if len(y) > pad {
			y = y[:len(y)-pad]
		}
		return y
	}
	return fixLength(y, length)
}

// Hann returns a periodic Hann window of length n, the form used for
// spectral analysis (the symmetric window of length n+1 without its last
// sample).
func Hann(n int) []float64 {
	w := make([]float64, n)
	for i := range n {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n))
	}
	return w
}

// FFTFrequencies returns the centre frequency in Hz of each of the
// nFFT/2+1 bins.
func FFTFrequencies(sr, nFFT int) []float64 {
	out := make([]float64, nFFT/2+1)
	for k := range out {
		out[k] = float64(k) * float64(sr) / float64(nFFT)
	}
	return out
}

func fixLength(x []float64, n int) []float64 {
	if len(x) >= n {
		return x[:n]
	}
	out := make([]float64, n)
	copy(out, x)
	return out
}
