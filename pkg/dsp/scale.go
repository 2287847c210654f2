package dsp

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/mat"
)

// PowerToDB converts a power matrix to decibels in place:
// 10·log10(max(amin, x)) - 10·log10(max(amin, ref)). When topDB > 0 the
// result is floored at max(result) - topDB.
func PowerToDB(m *mat.Dense, ref, amin, topDB float64) {
	r, c := m.Dims()
	refDB := 10 * math.Log10(math.Max(amin, ref))
	peak := math.Inf(-1)
	for i := range r {
		for j := range c {
			v := 10*math.Log10(math.Max(amin, m.At(i, j))) - refDB
			m.Set(i, j, v)
			peak = math.Max(peak, v)
		}
	}
	if topDB <= 0 {
		return
	}
	floor := peak - topDB
	for i := range r {
		for j := range c {
			if m.At(i, j) < floor {
				m.Set(i, j, floor)
			}
		}
	}
}

// DCTBasis returns the nOut × n orthonormal DCT-II basis. Multiplying it
// with an n-row column vector yields the first nOut ortho DCT-II
// coefficients.
func DCTBasis(nOut, n int) *mat.Dense {
	b := mat.NewDense(nOut, n, nil)
	s0 := math.Sqrt(1 / float64(n))
	sk := math.Sqrt(2 / float64(n))
	for k := range nOut {
		scale := sk
		if k == 0 {
			scale = s0
		}
		for j := range n {
			b.Set(k, j, scale*math.Cos(math.Pi*float64(k)*(2*float64(j)+1)/(2*float64(n))))
		}
	}
	return b
}

// MedianFilter applies a 1-D median filter of odd width size to x with
// reflect padding at the edges.
func MedianFilter(x []float64, size int) []float64 {
	n := len(x)
	out := make([]float64, n)
	if n == 0 {
		return out
	}
	half := size / 2
	win := make([]float64, size)
	for i := range n {
		for j := range size {
			win[j] = x[reflectIndex(i+j-half, n)]
		}
		slices.Sort(win)
		out[i] = win[half]
	}
	return out
}

// reflectIndex maps an out-of-range index into [0, n) by mirroring about the
// edges, repeating the edge sample (scipy "reflect" mode).
func reflectIndex(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * n
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - 1 - i
	}
	return i
}

// SoftMask returns the Wiener-style mask x^p / (x^p + ref^p). The mask is 0
// where both x and ref are effectively zero.
func SoftMask(x, ref, power float64) float64 {
	z := math.Max(x, ref)
	if z < 1e-300 {
		return 0
	}
	xp := math.Pow(x/z, power)
	rp := math.Pow(ref/z, power)
	return xp / (xp + rp)
}
