package features_test

import (
	"errors"
	"math"
	"testing"

	"github.com/MrWong99/telepathy/pkg/audio"
	"github.com/MrWong99/telepathy/pkg/features"
	"github.com/MrWong99/telepathy/pkg/types"
)

// smallConfig keeps tests fast while exercising every block.
func smallConfig() features.Config {
	return features.Config{
		NMFCC:            13,
		NFFT:             256,
		HopLength:        128,
		NMels:            40,
		ContrastBands:    6,
		ContrastFMin:     50,
		ContrastQuantile: 0.02,
		HPSSKernel:       5,
	}
}

func newExtractor(t *testing.T, cfg features.Config) *features.Extractor {
	t.Helper()
	e, err := features.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func tone(freq float64, sr, n int) audio.Waveform {
	s := make([]float64, n)
	for i := range s {
		s[i] = 0.5*math.Cos(2*math.Pi*freq*float64(i)/float64(sr)) +
			0.1*math.Cos(2*math.Pi*3*freq*float64(i)/float64(sr))
	}
	return audio.Waveform{Samples: s, SampleRate: sr}
}

func TestDefaultSchemaWidth(t *testing.T) {
	s := features.DefaultConfig().Schema()
	if got := s.Width(); got != 65 {
		t.Errorf("width: got %d, want 65", got)
	}
	off, w := s.Offset(features.BlockContrast)
	if off != 52 || w != 7 {
		t.Errorf("contrast offset: got (%d, %d), want (52, 7)", off, w)
	}
	if off, _ := s.Offset("nope"); off != -1 {
		t.Errorf("missing block offset: got %d, want -1", off)
	}
}

func TestExtract_WidthIndependentOfLength(t *testing.T) {
	e := newExtractor(t, smallConfig())
	want := e.Schema().Width()
	for _, sr := range []int{8000, 16000} {
		for _, n := range []int{1, 100, 1000, 8000} {
			m, err := e.Extract(tone(440, sr, n))
			if err != nil {
				t.Fatalf("sr=%d n=%d: Extract: %v", sr, n, err)
			}
			if m.Cols != want {
				t.Errorf("sr=%d n=%d: got %d columns, want %d", sr, n, m.Cols, want)
			}
			if wantRows := 1 + n/128; m.Rows != wantRows {
				t.Errorf("sr=%d n=%d: got %d rows, want %d", sr, n, m.Rows, wantRows)
			}
			if err := e.Schema().Validate(m); err != nil {
				t.Errorf("sr=%d n=%d: Validate: %v", sr, n, err)
			}
			for i, v := range m.Data {
				if math.IsNaN(v) || math.IsInf(v, 0) {
					t.Fatalf("sr=%d n=%d: non-finite value at %d", sr, n, i)
				}
			}
		}
	}
}

func TestExtract_Deterministic(t *testing.T) {
	e := newExtractor(t, smallConfig())
	w := tone(330, 8000, 4000)
	a, err := e.Extract(w)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	b, err := e.Extract(w)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			t.Fatalf("value %d differs: %v vs %v", i, a.Data[i], b.Data[i])
		}
	}
}

func withSample(w audio.Waveform, i int, v float64) audio.Waveform {
	w = w.Clone()
	w.Samples[i] = v
	return w
}

func TestExtract_Errors(t *testing.T) {
	e := newExtractor(t, smallConfig())
	tests := []struct {
		name string
		w    audio.Waveform
		want error
	}{
		{"empty", audio.Waveform{SampleRate: 8000}, types.ErrEmptyInput},
		{"silent", audio.Waveform{Samples: make([]float64, 4000), SampleRate: 8000}, types.ErrEmptyInput},
		{"zero rate", audio.Waveform{Samples: []float64{0.5}, SampleRate: 0}, types.ErrAudioDecode},
		{"rate below contrast bands", tone(100, 2000, 2000), types.ErrShapeMismatch},
		{"nan sample", withSample(tone(440, 8000, 2000), 1000, math.NaN()), types.ErrAudioDecode},
		{"inf sample", withSample(tone(440, 8000, 2000), 10, math.Inf(-1)), types.ErrAudioDecode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Extract(tt.w)
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestExtract_ChromaPeaksOnA(t *testing.T) {
	cfg := features.DefaultConfig()
	e := newExtractor(t, cfg)
	const sr = 22050
	s := make([]float64, sr/2)
	for i := range s {
		s[i] = 0.5 * math.Sin(2*math.Pi*440*float64(i)/sr)
	}
	m, err := e.Extract(audio.Waveform{Samples: s, SampleRate: sr})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	off, width := e.Schema().Offset(features.BlockChroma)
	row := m.Row(m.Rows / 2)[off : off+width]
	best := 0
	for i := range row {
		if row[i] > row[best] {
			best = i
		}
	}
	if best != 9 {
		t.Errorf("peak pitch class: got %d, want 9 (A)", best)
	}
	if math.Abs(row[best]-1) > 1e-9 {
		t.Errorf("peak chroma: got %f, want 1", row[best])
	}
}

func TestConfigValidate(t *testing.T) {
	if err := features.DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	bad := features.Config{NMFCC: 50, NMels: 40, NFFT: 8, HopLength: 0, HPSSKernel: 4}
	if err := bad.Validate(); err == nil {
		t.Fatal("expected validation error")
	}
	if _, err := features.New(bad); err == nil {
		t.Fatal("New accepted an invalid config")
	}
}

func TestFingerprint(t *testing.T) {
	a := features.DefaultConfig()
	b := features.DefaultConfig()
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("equal configs have different fingerprints")
	}
	b.HopLength = 256
	if a.Fingerprint() == b.Fingerprint() {
		t.Error("different configs share a fingerprint")
	}
}

func TestSchemaValidate(t *testing.T) {
	s := smallConfig().Schema()
	if err := s.Validate(features.NewMatrix(3, s.Width())); err != nil {
		t.Errorf("valid matrix rejected: %v", err)
	}
	err := s.Validate(features.NewMatrix(3, s.Width()-1))
	if !errors.Is(err, types.ErrShapeMismatch) {
		t.Errorf("got %v, want ErrShapeMismatch", err)
	}
	if !s.Equal(smallConfig().Schema()) {
		t.Error("Equal: identical schemas differ")
	}
	if s.Equal(features.DefaultConfig().Schema()) {
		t.Error("Equal: different schemas match")
	}
}
