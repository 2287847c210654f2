package model

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// lstm holds one LSTM layer. Gate rows are stacked in the order input,
// forget, cell candidate, output; W is 4H×In, U is 4H×H, both row-major.
type lstm struct {
	In     int       `msgpack:"in"`
	Hidden int       `msgpack:"hidden"`
	W      []float64 `msgpack:"w"`
	U      []float64 `msgpack:"u"`
	B      []float64 `msgpack:"b"`
}

// lstmCache keeps the activations of a forward pass for backpropagation.
type lstmCache struct {
	xs                   [][]float64
	i, f, g, o, c, tc, h [][]float64
}

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

// forward runs the layer over xs and returns the hidden state of every step.
// When keep is set the activations needed by backward are retained.
func (l *lstm) forward(xs [][]float64, keep bool) ([][]float64, *lstmCache) {
	H, In := l.Hidden, l.In
	T := len(xs)
	hs := make([][]float64, T)
	var cache *lstmCache
	if keep {
		cache = &lstmCache{
			xs: xs,
			i:  make([][]float64, T), f: make([][]float64, T),
			g: make([][]float64, T), o: make([][]float64, T),
			c: make([][]float64, T), tc: make([][]float64, T),
			h: hs,
		}
	}

	hPrev := make([]float64, H)
	cPrev := make([]float64, H)
	z := make([]float64, 4*H)
	for t, x := range xs {
		for r := range 4 * H {
			z[r] = l.B[r] + floats.Dot(l.W[r*In:(r+1)*In], x) + floats.Dot(l.U[r*H:(r+1)*H], hPrev)
		}
		h := make([]float64, H)
		c := make([]float64, H)
		var gi, gf, gg, gob, tcs []float64
		if keep {
			gi, gf, gg, gob, tcs = make([]float64, H), make([]float64, H), make([]float64, H), make([]float64, H), make([]float64, H)
		}
		for j := range H {
			ig := sigmoid(z[j])
			fg := sigmoid(z[H+j])
			cg := math.Tanh(z[2*H+j])
			og := sigmoid(z[3*H+j])
			c[j] = fg*cPrev[j] + ig*cg
			tch := math.Tanh(c[j])
			h[j] = og * tch
			if keep {
				gi[j], gf[j], gg[j], gob[j], tcs[j] = ig, fg, cg, og, tch
			}
		}
		if keep {
			cache.i[t], cache.f[t], cache.g[t], cache.o[t], cache.tc[t], cache.c[t] = gi, gf, gg, gob, tcs, c
		}
		hs[t] = h
		hPrev, cPrev = h, c
	}
	return hs, cache
}

// backward accumulates parameter gradients into grad given the loss
// gradient with respect to each step's hidden state (nil entries are zero).
// It returns the gradient with respect to each input step when wantDx is
// set.
func (l *lstm) backward(cache *lstmCache, dhs [][]float64, grad *lstm, wantDx bool) [][]float64 {
	H, In := l.Hidden, l.In
	T := len(cache.h)
	zeros := make([]float64, H)
	dhNext := make([]float64, H)
	dcNext := make([]float64, H)
	dz := make([]float64, 4*H)
	var dxs [][]float64
	if wantDx {
		dxs = make([][]float64, T)
	}

	for t := T - 1; t >= 0; t-- {
		hPrev, cPrev := zeros, zeros
		if t > 0 {
			hPrev, cPrev = cache.h[t-1], cache.c[t-1]
		}
		for j := range H {
			dh := dhNext[j]
			if dhs[t] != nil {
				dh += dhs[t][j]
			}
			ig, fg, cg, og, tch := cache.i[t][j], cache.f[t][j], cache.g[t][j], cache.o[t][j], cache.tc[t][j]
			dc := dcNext[j] + dh*og*(1-tch*tch)
			dz[j] = dc * cg * ig * (1 - ig)
			dz[H+j] = dc * cPrev[j] * fg * (1 - fg)
			dz[2*H+j] = dc * ig * (1 - cg*cg)
			dz[3*H+j] = dh * tch * og * (1 - og)
			dcNext[j] = dc * fg
		}

		x := cache.xs[t]
		clear(dhNext)
		var dx []float64
		if wantDx {
			dx = make([]float64, In)
		}
		for r, d := range dz {
			if d == 0 {
				continue
			}
			floats.AddScaled(grad.W[r*In:(r+1)*In], d, x)
			floats.AddScaled(grad.U[r*H:(r+1)*H], d, hPrev)
			grad.B[r] += d
			floats.AddScaled(dhNext, d, l.U[r*H:(r+1)*H])
			if wantDx {
				floats.AddScaled(dx, d, l.W[r*In:(r+1)*In])
			}
		}
		if wantDx {
			dxs[t] = dx
		}
	}
	return dxs
}

// dense is a fully connected output layer; W is Out×In row-major.
type dense struct {
	In  int       `msgpack:"in"`
	Out int       `msgpack:"out"`
	W   []float64 `msgpack:"w"`
	B   []float64 `msgpack:"b"`
}

func (d *dense) forward(x []float64) []float64 {
	out := make([]float64, d.Out)
	for r := range d.Out {
		out[r] = d.B[r] + floats.Dot(d.W[r*d.In:(r+1)*d.In], x)
	}
	return out
}

// softmax returns the normalised exponentials of logits.
func softmax(logits []float64) []float64 {
	m := floats.Max(logits)
	out := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		out[i] = math.Exp(v - m)
		sum += out[i]
	}
	floats.Scale(1/sum, out)
	return out
}

// crossEntropy returns -log p[y] with p clipped away from zero.
func crossEntropy(p []float64, y int) float64 {
	return -math.Log(math.Max(p[y], probEpsilon))
}

const probEpsilon = 1e-7

func argmax(v []float64) int {
	return floats.MaxIdx(v)
}
