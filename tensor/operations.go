package tensor

import (
	"fmt"
	"math"
	"math/rand"
)

// SoftmaxOp normalises over the last dimension.
type SoftmaxOp struct {
	out *Tensor
}

func (op *SoftmaxOp) Forward(inputs ...*Tensor) *Tensor {
	x := inputs[0]
	cols := x.Size(-1)
	rows := x.NumElems / cols
	out := MustNew(x.Shape, nil)

	for r := 0; r < rows; r++ {
		in := x.Data[r*cols : (r+1)*cols]
		o := out.Data[r*cols : (r+1)*cols]
		maxVal := in[0]
		for _, v := range in[1:] {
			if v > maxVal {
				maxVal = v
			}
		}
		var sum float64
		for j, v := range in {
			e := math.Exp(float64(v - maxVal))
			o[j] = float32(e)
			sum += e
		}
		inv := float32(1 / sum)
		for j := range o {
			o[j] *= inv
		}
	}
	op.out = out
	return record(op, out, x)
}

func (op *SoftmaxOp) Backward(gradOut *Tensor) []*Tensor {
	y := op.out
	cols := y.Size(-1)
	rows := y.NumElems / cols
	grad := MustNew(y.Shape, nil)

	for r := 0; r < rows; r++ {
		yr := y.Data[r*cols : (r+1)*cols]
		gr := gradOut.Data[r*cols : (r+1)*cols]
		var dot float32
		for j := range yr {
			dot += gr[j] * yr[j]
		}
		out := grad.Data[r*cols : (r+1)*cols]
		for j := range yr {
			out[j] = yr[j] * (gr[j] - dot)
		}
	}
	return []*Tensor{grad}
}

// unaryOp applies an elementwise function whose derivative is expressed in
// terms of the input and the output.
type unaryOp struct {
	in, out *Tensor
	f       func(x float64) float64
	df      func(x, y float64) float64
}

func (op *unaryOp) Forward(inputs ...*Tensor) *Tensor {
	x := inputs[0]
	out := MustNew(x.Shape, nil)
	for i, v := range x.Data {
		out.Data[i] = float32(op.f(float64(v)))
	}
	op.in, op.out = x, out
	return record(op, out, x)
}

func (op *unaryOp) Backward(gradOut *Tensor) []*Tensor {
	grad := MustNew(gradOut.Shape, nil)
	for i, g := range gradOut.Data {
		grad.Data[i] = g * float32(op.df(float64(op.in.Data[i]), float64(op.out.Data[i])))
	}
	return []*Tensor{grad}
}

func ReLU(x *Tensor) *Tensor {
	return (&unaryOp{
		f: func(v float64) float64 { return math.Max(v, 0) },
		df: func(v, _ float64) float64 {
			if v > 0 {
				return 1
			}
			return 0
		},
	}).Forward(x)
}

func Sigmoid(x *Tensor) *Tensor {
	return (&unaryOp{
		f:  func(v float64) float64 { return 1 / (1 + math.Exp(-v)) },
		df: func(_, y float64) float64 { return y * (1 - y) },
	}).Forward(x)
}

// GELU is the exact (erf based) Gaussian error linear unit.
func GELU(x *Tensor) *Tensor {
	return (&unaryOp{
		f: func(v float64) float64 { return 0.5 * v * (1 + math.Erf(v/math.Sqrt2)) },
		df: func(v, _ float64) float64 {
			cdf := 0.5 * (1 + math.Erf(v/math.Sqrt2))
			pdf := math.Exp(-0.5*v*v) / math.Sqrt(2*math.Pi)
			return cdf + v*pdf
		},
	}).Forward(x)
}

func Log(x *Tensor) *Tensor {
	return (&unaryOp{
		f:  math.Log,
		df: func(v, _ float64) float64 { return 1 / v },
	}).Forward(x)
}

// Clamp limits values to [lo, hi]; the gradient passes only inside the range.
func Clamp(x *Tensor, lo, hi float32) *Tensor {
	l, h := float64(lo), float64(hi)
	return (&unaryOp{
		f: func(v float64) float64 { return math.Min(math.Max(v, l), h) },
		df: func(v, _ float64) float64 {
			if v < l || v > h {
				return 0
			}
			return 1
		},
	}).Forward(x)
}

// LayerNormOp normalises the last dimension and applies gamma and beta.
type LayerNormOp struct {
	inputs []*Tensor
	eps    float64
	xhat   []float32
	invStd []float32
}

func (op *LayerNormOp) Forward(inputs ...*Tensor) *Tensor {
	x, gamma, beta := inputs[0], inputs[1], inputs[2]
	cols := x.Size(-1)
	if gamma.NumElems != cols || beta.NumElems != cols {
		panic(fmt.Sprintf("layernorm: affine parameters of size %d/%d for %d features", gamma.NumElems, beta.NumElems, cols))
	}
	rows := x.NumElems / cols
	op.inputs = inputs
	op.xhat = make([]float32, x.NumElems)
	op.invStd = make([]float32, rows)

	out := MustNew(x.Shape, nil)
	for r := 0; r < rows; r++ {
		in := x.Data[r*cols : (r+1)*cols]
		var mean, variance float64
		for _, v := range in {
			mean += float64(v)
		}
		mean /= float64(cols)
		for _, v := range in {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(cols)
		inv := 1 / math.Sqrt(variance+op.eps)
		op.invStd[r] = float32(inv)

		for j, v := range in {
			xh := float32((float64(v) - mean) * inv)
			op.xhat[r*cols+j] = xh
			out.Data[r*cols+j] = xh*gamma.Data[j] + beta.Data[j]
		}
	}
	return record(op, out, x, gamma, beta)
}

func (op *LayerNormOp) Backward(gradOut *Tensor) []*Tensor {
	x, gamma, beta := op.inputs[0], op.inputs[1], op.inputs[2]
	cols := x.Size(-1)
	rows := x.NumElems / cols
	n := float32(cols)

	gradX := MustNew(x.Shape, nil)
	gradGamma := MustNew(gamma.Shape, nil)
	gradBeta := MustNew(beta.Shape, nil)

	for r := 0; r < rows; r++ {
		g := gradOut.Data[r*cols : (r+1)*cols]
		xh := op.xhat[r*cols : (r+1)*cols]

		var sumG, sumGX float32
		for j := range g {
			gradGamma.Data[j] += g[j] * xh[j]
			gradBeta.Data[j] += g[j]
			gx := g[j] * gamma.Data[j]
			sumG += gx
			sumGX += gx * xh[j]
		}
		inv := op.invStd[r]
		out := gradX.Data[r*cols : (r+1)*cols]
		for j := range g {
			gx := g[j] * gamma.Data[j]
			out[j] = inv * (n*gx - sumG - xh[j]*sumGX) / n
		}
	}
	return []*Tensor{gradX, gradGamma, gradBeta}
}

// DropoutOp zeroes elements with probability p and rescales the rest.
type DropoutOp struct {
	mask []float32
}

func (op *DropoutOp) Forward(inputs ...*Tensor) *Tensor {
	x := inputs[0]
	out := MustNew(x.Shape, nil)
	for i, v := range x.Data {
		out.Data[i] = v * op.mask[i]
	}
	return record(op, out, x)
}

func (op *DropoutOp) Backward(gradOut *Tensor) []*Tensor {
	grad := MustNew(gradOut.Shape, nil)
	for i, g := range gradOut.Data {
		grad.Data[i] = g * op.mask[i]
	}
	return []*Tensor{grad}
}

func LayerNorm(x, gamma, beta *Tensor, eps float64) *Tensor {
	return (&LayerNormOp{eps: eps}).Forward(x, gamma, beta)
}

func Softmax(x *Tensor) *Tensor {
	return (&SoftmaxOp{}).Forward(x)
}

// Dropout applies inverted dropout using rng. p <= 0 returns x unchanged.
func Dropout(x *Tensor, p float32, rng *rand.Rand) *Tensor {
	if p <= 0 {
		return x
	}
	keep := 1 - p
	mask := make([]float32, x.NumElems)
	for i := range mask {
		if rng.Float32() < keep {
			mask[i] = 1 / keep
		}
	}
	return (&DropoutOp{mask: mask}).Forward(x)
}
