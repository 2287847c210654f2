package model

import (
	"math"
	"math/rand/v2"
	"slices"

	"gonum.org/v1/gonum/mat"
)

// weights is the full parameter set of the network.
type weights struct {
	L1  lstm  `msgpack:"lstm1"`
	L2  lstm  `msgpack:"lstm2"`
	Out dense `msgpack:"dense"`
}

// initWeights draws Keras-style initial values: Glorot-uniform input and
// output kernels, orthogonal recurrent kernels, zero biases except a forget
// gate bias of 1.
func initWeights(a Architecture, rng *rand.Rand) weights {
	return weights{
		L1:  initLSTM(a.FeatureCount, a.Hidden1, rng),
		L2:  initLSTM(a.Hidden1, a.Hidden2, rng),
		Out: initDense(a.Hidden2, a.Classes, rng),
	}
}

func initLSTM(in, h int, rng *rand.Rand) lstm {
	l := lstm{
		In:     in,
		Hidden: h,
		W:      glorotUniform(4*h, in, rng),
		U:      orthogonal(4*h, h, rng),
		B:      make([]float64, 4*h),
	}
	for j := h; j < 2*h; j++ {
		l.B[j] = 1
	}
	return l
}

func initDense(in, out int, rng *rand.Rand) dense {
	return dense{In: in, Out: out, W: glorotUniform(out, in, rng), B: make([]float64, out)}
}

// glorotUniform returns rows×cols values from U(-l, l), l = sqrt(6/(rows+cols)).
func glorotUniform(rows, cols int, rng *rand.Rand) []float64 {
	limit := math.Sqrt(6 / float64(rows+cols))
	w := make([]float64, rows*cols)
	for i := range w {
		w[i] = (2*rng.Float64() - 1) * limit
	}
	return w
}

// orthogonal returns a rows×cols (rows ≥ cols) matrix with orthonormal
// columns, taken from the QR decomposition of a Gaussian matrix with the
// signs of R's diagonal folded into Q.
func orthogonal(rows, cols int, rng *rand.Rand) []float64 {
	a := mat.NewDense(rows, cols, nil)
	for i := range rows {
		for j := range cols {
			a.Set(i, j, rng.NormFloat64())
		}
	}
	var qr mat.QR
	qr.Factorize(a)
	var q, r mat.Dense
	qr.QTo(&q)
	qr.RTo(&r)

	w := make([]float64, rows*cols)
	for j := range cols {
		sign := 1.0
		if r.At(j, j) < 0 {
			sign = -1
		}
		for i := range rows {
			w[i*cols+j] = q.At(i, j) * sign
		}
	}
	return w
}

// params returns every parameter slice in a fixed order.
func (w *weights) params() [][]float64 {
	return [][]float64{w.L1.W, w.L1.U, w.L1.B, w.L2.W, w.L2.U, w.L2.B, w.Out.W, w.Out.B}
}

// zerosLike returns a parameter set of the same shape filled with zeros.
func (w *weights) zerosLike() weights {
	z := func(s []float64) []float64 { return make([]float64, len(s)) }
	return weights{
		L1:  lstm{In: w.L1.In, Hidden: w.L1.Hidden, W: z(w.L1.W), U: z(w.L1.U), B: z(w.L1.B)},
		L2:  lstm{In: w.L2.In, Hidden: w.L2.Hidden, W: z(w.L2.W), U: z(w.L2.U), B: z(w.L2.B)},
		Out: dense{In: w.Out.In, Out: w.Out.Out, W: z(w.Out.W), B: z(w.Out.B)},
	}
}

// clone returns a deep copy.
func (w *weights) clone() weights {
	c := func(s []float64) []float64 { return slices.Clone(s) }
	return weights{
		L1:  lstm{In: w.L1.In, Hidden: w.L1.Hidden, W: c(w.L1.W), U: c(w.L1.U), B: c(w.L1.B)},
		L2:  lstm{In: w.L2.In, Hidden: w.L2.Hidden, W: c(w.L2.W), U: c(w.L2.U), B: c(w.L2.B)},
		Out: dense{In: w.Out.In, Out: w.Out.Out, W: c(w.Out.W), B: c(w.Out.B)},
	}
}

// reset zeroes every parameter in place.
func (w *weights) reset() {
	for _, p := range w.params() {
		clear(p)
	}
}

// matches reports whether w has the shapes implied by a.
func (w *weights) matches(a Architecture) bool {
	h1, h2 := a.Hidden1, a.Hidden2
	return w.L1.In == a.FeatureCount && w.L1.Hidden == h1 &&
		len(w.L1.W) == 4*h1*a.FeatureCount && len(w.L1.U) == 4*h1*h1 && len(w.L1.B) == 4*h1 &&
		w.L2.In == h1 && w.L2.Hidden == h2 &&
		len(w.L2.W) == 4*h2*h1 && len(w.L2.U) == 4*h2*h2 && len(w.L2.B) == 4*h2 &&
		w.Out.In == h2 && w.Out.Out == a.Classes &&
		len(w.Out.W) == a.Classes*h2 && len(w.Out.B) == a.Classes
}

// adam is the Adam optimiser with the bias correction folded into the step
// size.
type adam struct {
	lr, beta1, beta2, eps float64
	t                     int
	m, v                  [][]float64
}

func newAdam(params [][]float64, lr float64) *adam {
	a := &adam{lr: lr, beta1: 0.9, beta2: 0.999, eps: 1e-7}
	for _, p := range params {
		a.m = append(a.m, make([]float64, len(p)))
		a.v = append(a.v, make([]float64, len(p)))
	}
	return a
}

func (a *adam) step(params, grads [][]float64) {
	a.t++
	lrT := a.lr * math.Sqrt(1-math.Pow(a.beta2, float64(a.t))) / (1 - math.Pow(a.beta1, float64(a.t)))
	for k, p := range params {
		g, m, v := grads[k], a.m[k], a.v[k]
		for i := range p {
			m[i] = a.beta1*m[i] + (1-a.beta1)*g[i]
			v[i] = a.beta2*v[i] + (1-a.beta2)*g[i]*g[i]
			p[i] -= lrT * m[i] / (math.Sqrt(v[i]) + a.eps)
		}
	}
}

// clipGlobalNorm scales grads so their joint L2 norm is at most maxNorm and
// returns the norm before clipping.
func clipGlobalNorm(grads [][]float64, maxNorm float64) float64 {
	var sq float64
	for _, g := range grads {
		for _, v := range g {
			sq += v * v
		}
	}
	norm := math.Sqrt(sq)
	if maxNorm > 0 && norm > maxNorm {
		s := maxNorm / norm
		for _, g := range grads {
			for i := range g {
				g[i] *= s
			}
		}
	}
	return norm
}
