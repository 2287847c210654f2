package dsp_test

import (
	"math"
	"testing"

	"github.com/MrWong99/telepathy/pkg/dsp"
	"gonum.org/v1/gonum/mat"
)

func sine(freq float64, sr, n int) []float64 {
	x := make([]float64, n)
	for i := range x {
		x[i] = math.Sin(2 * math.Pi * freq * float64(i) / float64(sr))
	}
	return x
}

func TestSTFT_FrameCount(t *testing.T) {
	tests := []struct {
		n, nFFT, hop, want int
	}{
		{0, 256, 128, 1},
		{1, 256, 128, 1},
		{1000, 256, 128, 8},
		{44100 * 5, 2048, 512, 431},
	}
	for _, tt := range tests {
		s, err := dsp.STFT(make([]float64, tt.n), tt.nFFT, tt.hop)
		if err != nil {
			t.Fatalf("STFT: %v", err)
		}
		if s.Len() != tt.want {
			t.Errorf("n=%d: got %d frames, want %d", tt.n, s.Len(), tt.want)
		}
		if len(s.Frames[0]) != s.Bins() {
			t.Errorf("n=%d: got %d bins, want %d", tt.n, len(s.Frames[0]), s.Bins())
		}
	}
}

func TestSTFT_InvalidParams(t *testing.T) {
	if _, err := dsp.STFT([]float64{1, 2}, 1, 1); err == nil {
		t.Error("expected error for n_fft < 2")
	}
	if _, err := dsp.STFT([]float64{1, 2}, 256, 0); err == nil {
		t.Error("expected error for hop < 1")
	}
}

func TestSTFT_PeakBin(t *testing.T) {
	const sr, nFFT = 8000, 256
	// 1 kHz falls exactly on bin 32.
	s, err := dsp.STFT(sine(1000, sr, 4000), nFFT, 64)
	if err != nil {
		t.Fatalf("STFT: %v", err)
	}
	mag := s.Magnitude()
	row := mag[len(mag)/2]
	best := 0
	for k := range row {
		if row[k] > row[best] {
			best = k
		}
	}
	if best != 32 {
		t.Errorf("peak bin: got %d, want 32", best)
	}
}

func TestISTFT_RoundTrip(t *testing.T) {
	x := sine(440, 8000, 2000)
	s, err := dsp.STFT(x, 256, 64)
	if err != nil {
		t.Fatalf("STFT: %v", err)
	}
	y := dsp.ISTFT(s, len(x))
	if len(y) != len(x) {
		t.Fatalf("length mismatch: got %d, want %d", len(y), len(x))
	}
	for i := 128; i < len(x)-128; i++ {
		if math.Abs(x[i]-y[i]) > 1e-6 {
			t.Fatalf("sample %d: got %f, want %f", i, y[i], x[i])
		}
	}
}

func TestHann(t *testing.T) {
	w := dsp.Hann(4)
	want := []float64{0, 0.5, 1, 0.5}
	for i := range want {
		if math.Abs(w[i]-want[i]) > 1e-12 {
			t.Errorf("w[%d]: got %f, want %f", i, w[i], want[i])
		}
	}
}

func TestMelScaleRoundTrip(t *testing.T) {
	for _, hz := range []float64{0, 200, 999, 1000, 4000, 22050} {
		if got := dsp.MelToHz(dsp.HzToMel(hz)); math.Abs(got-hz) > 1e-6 {
			t.Errorf("round trip %f: got %f", hz, got)
		}
	}
	if got := dsp.HzToMel(1000); math.Abs(got-15) > 1e-9 {
		t.Errorf("HzToMel(1000): got %f, want 15", got)
	}
}

func TestMelFilterBank_Shape(t *testing.T) {
	fb := dsp.MelFilterBank(22050, 2048, 128, 0, 0)
	r, c := fb.Dims()
	if r != 128 || c != 1025 {
		t.Fatalf("dims: got %dx%d, want 128x1025", r, c)
	}
	for i := range r {
		var sum float64
		for j := range c {
			v := fb.At(i, j)
			if v < 0 {
				t.Fatalf("negative weight at (%d,%d)", i, j)
			}
			sum += v
		}
		if sum == 0 {
			t.Errorf("filter %d is empty", i)
		}
	}
}

func TestPowerToDB(t *testing.T) {
	m := mat.NewDense(1, 3, []float64{1, 1e-3, 0})
	dsp.PowerToDB(m, 1, 1e-10, 80)
	want := []float64{0, -30, -80}
	for j := range want {
		if math.Abs(m.At(0, j)-want[j]) > 1e-9 {
			t.Errorf("col %d: got %f, want %f", j, m.At(0, j), want[j])
		}
	}
}

func TestDCTBasis_Orthonormal(t *testing.T) {
	b := dsp.DCTBasis(8, 8)
	var p mat.Dense
	p.Mul(b, b.T())
	for i := range 8 {
		for j := range 8 {
			want := 0.0
			if i == j {
				want = 1
			}
			if math.Abs(p.At(i, j)-want) > 1e-9 {
				t.Errorf("(%d,%d): got %f, want %f", i, j, p.At(i, j), want)
			}
		}
	}
}

func TestMedianFilter(t *testing.T) {
	got := dsp.MedianFilter([]float64{1, 9, 2, 3, 8}, 3)
	// reflect padding: [1 1 9 2 3 8 8]
	want := []float64{1, 2, 3, 3, 8}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %f, want %f", i, got[i], want[i])
		}
	}
}

func TestSoftMask(t *testing.T) {
	if got := dsp.SoftMask(0, 0, 2); got != 0 {
		t.Errorf("zero inputs: got %f, want 0", got)
	}
	if got := dsp.SoftMask(1, 1, 2); math.Abs(got-0.5) > 1e-12 {
		t.Errorf("equal inputs: got %f, want 0.5", got)
	}
	if got := dsp.SoftMask(3, 1, 2); math.Abs(got-0.9) > 1e-12 {
		t.Errorf("3 vs 1: got %f, want 0.9", got)
	}
}
