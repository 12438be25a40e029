package tensor

import (
	"fmt"
	"math"
)

// Conv2DOp convolves an NCHW input with an [O, C, KH, KW] kernel using
// im2col followed by a single gemm per image.
type Conv2DOp struct {
	Stride, Padding int

	inputs     []*Tensor
	cols       [][]float32
	oh, ow     int
	kh, kw     int
	n, c, h, w int
	o          int
}

func (op *Conv2DOp) Forward(inputs ...*Tensor) *Tensor {
	x, weight, bias := inputs[0], inputs[1], inputs[2]
	if len(x.Shape) != 4 || len(weight.Shape) != 4 {
		panic(fmt.Sprintf("conv2d: expected NCHW input and OCKK kernel, got %v and %v", x.Shape, weight.Shape))
	}
	if x.Shape[1] != weight.Shape[1] {
		panic(fmt.Sprintf("conv2d: input has %d channels, kernel expects %d", x.Shape[1], weight.Shape[1]))
	}
	if op.Stride <= 0 {
		op.Stride = 1
	}

	op.inputs = inputs
	op.n, op.c, op.h, op.w = x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	op.o, op.kh, op.kw = weight.Shape[0], weight.Shape[2], weight.Shape[3]
	op.oh = (op.h+2*op.Padding-op.kh)/op.Stride + 1
	op.ow = (op.w+2*op.Padding-op.kw)/op.Stride + 1
	if op.oh <= 0 || op.ow <= 0 {
		panic(fmt.Sprintf("conv2d: kernel %dx%d does not fit input %dx%d", op.kh, op.kw, op.h, op.w))
	}

	ckk := op.c * op.kh * op.kw
	spatial := op.oh * op.ow
	out := Zeros(op.n, op.o, op.oh, op.ow)
	op.cols = make([][]float32, op.n)
	imgSize := op.c * op.h * op.w
	outSize := op.o * spatial

	forEach(op.n, func(i int) {
		cols := make([]float32, ckk*spatial)
		op.im2col(x.Data[i*imgSize:(i+1)*imgSize], cols)
		op.cols[i] = cols

		dst := out.Data[i*outSize : (i+1)*outSize]
		gemm(false, false, op.o, spatial, ckk, weight.Data, cols, dst, false)
		if bias != nil {
			for oc := 0; oc < op.o; oc++ {
				b := bias.Data[oc]
				row := dst[oc*spatial : (oc+1)*spatial]
				for j := range row {
					row[j] += b
				}
			}
		}
	})
	return record(op, out, x, weight, bias)
}

func (op *Conv2DOp) Backward(gradOut *Tensor) []*Tensor {
	x, weight, bias := op.inputs[0], op.inputs[1], op.inputs[2]
	ckk := op.c * op.kh * op.kw
	spatial := op.oh * op.ow
	imgSize := op.c * op.h * op.w
	outSize := op.o * spatial

	var gradX, gradW, gradB *Tensor
	if x.requiresGrad {
		gradX = MustNew(x.Shape, nil)
	}
	perImageW := make([][]float32, op.n)

	forEach(op.n, func(i int) {
		g := gradOut.Data[i*outSize : (i+1)*outSize]
		if weight.requiresGrad {
			dw := make([]float32, op.o*ckk)
			gemm(false, true, op.o, ckk, spatial, g, op.cols[i], dw, false)
			perImageW[i] = dw
		}
		if gradX != nil {
			dcols := make([]float32, ckk*spatial)
			gemm(true, false, ckk, spatial, op.o, weight.Data, g, dcols, false)
			op.col2im(dcols, gradX.Data[i*imgSize:(i+1)*imgSize])
		}
	})

	if weight.requiresGrad {
		gradW = MustNew(weight.Shape, nil)
		for _, dw := range perImageW {
			for j, v := range dw {
				gradW.Data[j] += v
			}
		}
	}
	if bias != nil && bias.requiresGrad {
		gradB = MustNew(bias.Shape, nil)
		for i := 0; i < op.n; i++ {
			for oc := 0; oc < op.o; oc++ {
				row := gradOut.Data[i*outSize+oc*spatial : i*outSize+(oc+1)*spatial]
				for _, v := range row {
					gradB.Data[oc] += v
				}
			}
		}
	}
	return []*Tensor{gradX, gradW, gradB}
}

// im2col lays out every receptive field of one image as a column of
// cols [C*KH*KW, OH*OW]; out-of-bounds taps read as zero.
func (op *Conv2DOp) im2col(img, cols []float32) {
	spatial := op.oh * op.ow
	row := 0
	for ch := 0; ch < op.c; ch++ {
		for ky := 0; ky < op.kh; ky++ {
			for kx := 0; kx < op.kw; kx++ {
				dst := cols[row*spatial : (row+1)*spatial]
				for oy := 0; oy < op.oh; oy++ {
					iy := oy*op.Stride - op.Padding + ky
					for ox := 0; ox < op.ow; ox++ {
						ix := ox*op.Stride - op.Padding + kx
						if iy < 0 || iy >= op.h || ix < 0 || ix >= op.w {
							dst[oy*op.ow+ox] = 0
							continue
						}
						dst[oy*op.ow+ox] = img[(ch*op.h+iy)*op.w+ix]
					}
				}
				row++
			}
		}
	}
}

func (op *Conv2DOp) col2im(cols, img []float32) {
	spatial := op.oh * op.ow
	row := 0
	for ch := 0; ch < op.c; ch++ {
		for ky := 0; ky < op.kh; ky++ {
			for kx := 0; kx < op.kw; kx++ {
				src := cols[row*spatial : (row+1)*spatial]
				for oy := 0; oy < op.oh; oy++ {
					iy := oy*op.Stride - op.Padding + ky
					if iy < 0 || iy >= op.h {
						continue
					}
					for ox := 0; ox < op.ow; ox++ {
						ix := ox*op.Stride - op.Padding + kx
						if ix < 0 || ix >= op.w {
							continue
						}
						img[(ch*op.h+iy)*op.w+ix] += src[oy*op.ow+ox]
					}
				}
				row++
			}
		}
	}
}

// MaxPool2DOp takes the maximum over non-overlapping or strided windows and
// routes the gradient back to the winning element.
type MaxPool2DOp struct {
	Kernel, Stride int

	inShape []int
	argmax  []int
}

func (op *MaxPool2DOp) Forward(inputs ...*Tensor) *Tensor {
	x := inputs[0]
	if len(x.Shape) != 4 {
		panic(fmt.Sprintf("maxpool2d: expected NCHW input, got %v", x.Shape))
	}
	if op.Stride <= 0 {
		op.Stride = op.Kernel
	}
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oh := (h-op.Kernel)/op.Stride + 1
	ow := (w-op.Kernel)/op.Stride + 1
	if oh <= 0 || ow <= 0 {
		panic(fmt.Sprintf("maxpool2d: kernel %d does not fit input %dx%d", op.Kernel, h, w))
	}

	op.inShape = x.Shape
	out := Zeros(n, c, oh, ow)
	op.argmax = make([]int, out.NumElems)

	forEach(n*c, func(plane int) {
		base := plane * h * w
		obase := plane * oh * ow
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				best := float32(math.Inf(-1))
				bestIdx := base
				for ky := 0; ky < op.Kernel; ky++ {
					for kx := 0; kx < op.Kernel; kx++ {
						idx := base + (oy*op.Stride+ky)*w + ox*op.Stride + kx
						if v := x.Data[idx]; v > best {
							best, bestIdx = v, idx
						}
					}
				}
				out.Data[obase+oy*ow+ox] = best
				op.argmax[obase+oy*ow+ox] = bestIdx
			}
		}
	})
	return record(op, out, x)
}

func (op *MaxPool2DOp) Backward(gradOut *Tensor) []*Tensor {
	grad := MustNew(op.inShape, nil)
	for i, g := range gradOut.Data {
		grad.Data[op.argmax[i]] += g
	}
	return []*Tensor{grad}
}

// GlobalAvgPoolOp averages each channel plane of an NCHW tensor to [N, C].
type GlobalAvgPoolOp struct {
	inShape []int
}

func (op *GlobalAvgPoolOp) Forward(inputs ...*Tensor) *Tensor {
	x := inputs[0]
	if len(x.Shape) != 4 {
		panic(fmt.Sprintf("global avg pool: expected NCHW input, got %v", x.Shape))
	}
	op.inShape = x.Shape
	n, c := x.Shape[0], x.Shape[1]
	area := x.Shape[2] * x.Shape[3]
	out := Zeros(n, c)
	for p := 0; p < n*c; p++ {
		var s float32
		for _, v := range x.Data[p*area : (p+1)*area] {
			s += v
		}
		out.Data[p] = s / float32(area)
	}
	return record(op, out, x)
}

func (op *GlobalAvgPoolOp) Backward(gradOut *Tensor) []*Tensor {
	grad := MustNew(op.inShape, nil)
	area := op.inShape[2] * op.inShape[3]
	for p, g := range gradOut.Data {
		v := g / float32(area)
		dst := grad.Data[p*area : (p+1)*area]
		for j := range dst {
			dst[j] = v
		}
	}
	return []*Tensor{grad}
}

// Conv2D convolves x [N,C,H,W] with weight [O,C,KH,KW]; bias may be nil.
func Conv2D(x, weight, bias *Tensor, stride, padding int) *Tensor {
	return (&Conv2DOp{Stride: stride, Padding: padding}).Forward(x, weight, bias)
}

func MaxPool2D(x *Tensor, kernel, stride int) *Tensor {
	return (&MaxPool2DOp{Kernel: kernel, Stride: stride}).Forward(x)
}

func GlobalAvgPool(x *Tensor) *Tensor {
	return (&GlobalAvgPoolOp{}).Forward(x)
}
