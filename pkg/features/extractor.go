// Package features turns a mono waveform into a frame-by-feature matrix.
//
// The matrix concatenates four blocks per STFT frame, in this order:
//
//   - mfcc: cepstral coefficients of a 128-band Slaney mel power spectrogram
//     in dB, via the orthonormal DCT-II.
//   - chroma: 12 pitch-class energies of the power spectrogram, each frame
//     scaled so its largest class is 1.
//   - contrast: per octave sub-band, the dB difference between the mean of
//     the loudest and the quietest bins.
//   - tonnetz: the 6-D tonal centroid of the chroma of the harmonic part of
//     the signal, isolated by median-filter harmonic/percussive separation.
//
// All blocks share one framing (centred frames, periodic Hann window), so
// every block has exactly 1 + len(samples)/hop rows. Extraction is
// deterministic and an [Extractor] is safe for concurrent use.
package features

import (
	"fmt"

	"github.com/MrWong99/telepathy/pkg/audio"
	"github.com/MrWong99/telepathy/pkg/dsp"
	"github.com/MrWong99/telepathy/pkg/types"
	"gonum.org/v1/gonum/mat"
)

// Extractor computes feature matrices under a fixed [Config].
type Extractor struct {
	cfg    Config
	schema Schema
	dct    *mat.Dense
}

// New validates cfg and returns an Extractor.
func New(cfg Config) (*Extractor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Extractor{
		cfg:    cfg,
		schema: cfg.Schema(),
		dct:    dsp.DCTBasis(cfg.NMFCC, cfg.NMels),
	}, nil
}

// Config returns the extractor configuration.
func (e *Extractor) Config() Config { return e.cfg }

// Schema returns the column layout of every matrix this extractor produces.
func (e *Extractor) Schema() Schema { return e.schema }

// Extract computes the feature matrix of w.
//
// Returns an error wrapping [types.ErrEmptyInput] if w has no samples or is
// silent, [types.ErrAudioDecode] if the sample rate is not positive or a
// sample is not finite, and
// [types.ErrShapeMismatch] if the rate is too low for the contrast bands.
func (e *Extractor) Extract(w audio.Waveform) (Matrix, error) {
	if w.SampleRate <= 0 {
		return Matrix{}, fmt.Errorf("features: invalid sample rate %d: %w", w.SampleRate, types.ErrAudioDecode)
	}
	if !w.Finite() {
		return Matrix{}, fmt.Errorf("features: non-finite samples: %w", types.ErrAudioDecode)
	}
	if w.Len() == 0 || w.IsSilent(audio.SilenceThreshold) {
		return Matrix{}, fmt.Errorf("features: %w", types.ErrEmptyInput)
	}
	if w.SampleRate < e.cfg.MinSampleRate() {
		return Matrix{}, fmt.Errorf("features: sample rate %d too low for %d contrast bands from %g Hz: %w",
			w.SampleRate, e.cfg.ContrastBands, e.cfg.ContrastFMin, types.ErrShapeMismatch)
	}

	spec, err := dsp.STFT(w.Samples, e.cfg.NFFT, e.cfg.HopLength)
	if err != nil {
		return Matrix{}, fmt.Errorf("features: %w", err)
	}
	mag := spec.Magnitude()
	power := square(mag)
	chromaFB := chromaFilterBank(w.SampleRate, e.cfg.NFFT)

	blocks := []*mat.Dense{
		e.mfcc(power, w.SampleRate),
		chroma(chromaFB, power),
		e.contrast(mag, w.SampleRate),
		tonnetz(chromaFB, square(harmonic(mag, e.cfg.HPSSKernel))),
	}
	return e.assemble(blocks, spec.Len())
}

// assemble transposes the (width × frames) blocks into one row-major
// frames × width matrix in schema order.
func (e *Extractor) assemble(blocks []*mat.Dense, frames int) (Matrix, error) {
	out := NewMatrix(frames, e.schema.Width())
	col := 0
	for i, b := range blocks {
		r, c := b.Dims()
		if r != e.schema.Blocks[i].Width || c != frames {
			return Matrix{}, fmt.Errorf("features: block %s is %dx%d, want %dx%d: %w",
				e.schema.Blocks[i].Name, r, c, e.schema.Blocks[i].Width, frames, types.ErrShapeMismatch)
		}
		for f := range r {
			for t := range frames {
				out.Set(t, col+f, b.At(f, t))
			}
		}
		col += r
	}
	return out, nil
}

// square returns the element-wise square of a frames × bins matrix.
func square(m [][]float64) [][]float64 {
	out := make([][]float64, len(m))
	for t, row := range m {
		sq := make([]float64, len(row))
		for k, v := range row {
			sq[k] = v * v
		}
		out[t] = sq
	}
	return out
}
