package features

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// Config holds the framing and block parameters of the extractor. Every
// field participates in [Config.Fingerprint], so artifacts and cached
// matrices produced under one configuration are never mixed with another.
type Config struct {
	// NMFCC is the number of cepstral coefficients kept per frame.
	NMFCC int `yaml:"n_mfcc" json:"n_mfcc"`

	// NFFT is the STFT frame length in samples.
	NFFT int `yaml:"n_fft" json:"n_fft"`

	// HopLength is the STFT hop in samples.
	HopLength int `yaml:"hop_length" json:"hop_length"`

	// NMels is the number of mel bands the MFCC is computed from.
	NMels int `yaml:"n_mels" json:"n_mels"`

	// ContrastBands is the number of octave sub-bands; the contrast block
	// has ContrastBands+1 columns.
	ContrastBands int `yaml:"contrast_bands" json:"contrast_bands"`

	// ContrastFMin is the upper edge of the lowest contrast band in Hz.
	ContrastFMin float64 `yaml:"contrast_fmin" json:"contrast_fmin"`

	// ContrastQuantile is the fraction of bins averaged for peak and valley.
	ContrastQuantile float64 `yaml:"contrast_quantile" json:"contrast_quantile"`

	// HPSSKernel is the median filter width of harmonic/percussive
	// separation. Must be odd.
	HPSSKernel int `yaml:"hpss_kernel" json:"hpss_kernel"`
}

// DefaultConfig returns the extractor configuration used by the shipped
// models: 40 MFCCs from 128 mel bands, 2048-sample frames with a 512-sample
// hop, six contrast bands from 200 Hz and a 31-frame HPSS kernel.
func DefaultConfig() Config {
	return Config{
		NMFCC:            40,
		NFFT:             2048,
		HopLength:        512,
		NMels:            128,
		ContrastBands:    6,
		ContrastFMin:     200,
		ContrastQuantile: 0.02,
		HPSSKernel:       31,
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.NMFCC <= 0 {
		errs = append(errs, fmt.Errorf("features: n_mfcc must be positive, got %d", c.NMFCC))
	}
	if c.NMels <= 0 {
		errs = append(errs, fmt.Errorf("features: n_mels must be positive, got %d", c.NMels))
	}
	if c.NMFCC > c.NMels {
		errs = append(errs, fmt.Errorf("features: n_mfcc (%d) must not exceed n_mels (%d)", c.NMFCC, c.NMels))
	}
	if c.NFFT < 16 {
		errs = append(errs, fmt.Errorf("features: n_fft must be at least 16, got %d", c.NFFT))
	}
	if c.HopLength <= 0 || c.HopLength > c.NFFT {
		errs = append(errs, fmt.Errorf("features: hop_length must be in (0, n_fft], got %d", c.HopLength))
	}
	if c.ContrastBands <= 0 {
		errs = append(errs, fmt.Errorf("features: contrast_bands must be positive, got %d", c.ContrastBands))
	}
	if c.ContrastFMin <= 0 {
		errs = append(errs, fmt.Errorf("features: contrast_fmin must be positive, got %g", c.ContrastFMin))
	}
	if c.ContrastQuantile <= 0 || c.ContrastQuantile >= 1 {
		errs = append(errs, fmt.Errorf("features: contrast_quantile must be in (0, 1), got %g", c.ContrastQuantile))
	}
	if c.HPSSKernel < 1 || c.HPSSKernel%2 == 0 {
		errs = append(errs, fmt.Errorf("features: hpss_kernel must be a positive odd number, got %d", c.HPSSKernel))
	}
	return errors.Join(errs...)
}

// MinSampleRate returns the lowest sample rate at which every contrast band
// lies below Nyquist.
func (c Config) MinSampleRate() int {
	if c.ContrastBands < 1 {
		return 1
	}
	top := c.ContrastFMin * float64(int(1)<<(c.ContrastBands-1))
	return int(2*top) + 1
}

// Schema returns the column layout produced under this configuration.
func (c Config) Schema() Schema {
	return Schema{Blocks: []Block{
		{Name: BlockMFCC, Width: c.NMFCC},
		{Name: BlockChroma, Width: chromaBins},
		{Name: BlockContrast, Width: c.ContrastBands + 1},
		{Name: BlockTonnetz, Width: tonnetzDims},
	}}
}

// Fingerprint returns a short stable hash of the configuration.
func (c Config) Fingerprint() string {
	sum := sha256.Sum256(fmt.Appendf(nil, "v1|%d|%d|%d|%d|%d|%g|%g|%d",
		c.NMFCC, c.NFFT, c.HopLength, c.NMels,
		c.ContrastBands, c.ContrastFMin, c.ContrastQuantile, c.HPSSKernel))
	return hex.EncodeToString(sum[:8])
}
