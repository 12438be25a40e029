package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// gemm computes c = op(a) @ op(b) (+ c when accumulate) for row-major
// matrices, where op(a) is m×k and op(b) is k×n.
func gemm(transA, transB bool, m, n, k int, a, b, c []float32, accumulate bool) {
	ta, tb := blas.NoTrans, blas.NoTrans
	ga := blas32.General{Rows: m, Cols: k, Stride: k, Data: a}
	if transA {
		ta = blas.Trans
		ga = blas32.General{Rows: k, Cols: m, Stride: m, Data: a}
	}
	gb := blas32.General{Rows: k, Cols: n, Stride: n, Data: b}
	if transB {
		tb = blas.Trans
		gb = blas32.General{Rows: n, Cols: k, Stride: k, Data: b}
	}
	gc := blas32.General{Rows: m, Cols: n, Stride: n, Data: c}

	var beta float32
	if accumulate {
		beta = 1
	}
	blas32.Gemm(ta, tb, 1, ga, gb, beta, gc)
}

// LinearOp computes x @ W^T + b with x [..., in], W [out, in], b [out].
type LinearOp struct {
	inputs []*Tensor
	rows   int
}

func (op *LinearOp) Forward(inputs ...*Tensor) *Tensor {
	x, w, b := inputs[0], inputs[1], inputs[2]
	if len(w.Shape) != 2 {
		panic(fmt.Sprintf("linear: weight must be 2D, got %v", w.Shape))
	}
	out, in := w.Shape[0], w.Shape[1]
	if x.Size(-1) != in {
		panic(fmt.Sprintf("linear: input features %d do not match weight %v", x.Size(-1), w.Shape))
	}
	if b != nil && (len(b.Shape) != 1 || b.Shape[0] != out) {
		panic(fmt.Sprintf("linear: bias shape %v does not match %d outputs", b.Shape, out))
	}
	op.inputs = inputs
	op.rows = x.NumElems / in

	outShape := copyShape(x.Shape)
	outShape[len(outShape)-1] = out
	y := MustNew(outShape, nil)

	gemm(false, true, op.rows, out, in, x.Data, w.Data, y.Data, false)
	if b != nil {
		for r := 0; r < op.rows; r++ {
			row := y.Data[r*out : (r+1)*out]
			for j := range row {
				row[j] += b.Data[j]
			}
		}
	}
	return record(op, y, x, w, b)
}

func (op *LinearOp) Backward(gradOut *Tensor) []*Tensor {
	x, w, b := op.inputs[0], op.inputs[1], op.inputs[2]
	out, in := w.Shape[0], w.Shape[1]

	var gradX, gradW, gradB *Tensor
	if x.requiresGrad {
		gradX = MustNew(x.Shape, nil)
		gemm(false, false, op.rows, in, out, gradOut.Data, w.Data, gradX.Data, false)
	}
	if w.requiresGrad {
		gradW = MustNew(w.Shape, nil)
		gemm(true, false, out, in, op.rows, gradOut.Data, x.Data, gradW.Data, false)
	}
	if b != nil && b.requiresGrad {
		gradB = MustNew(b.Shape, nil)
		for r := 0; r < op.rows; r++ {
			row := gradOut.Data[r*out : (r+1)*out]
			for j, g := range row {
				gradB.Data[j] += g
			}
		}
	}
	return []*Tensor{gradX, gradW, gradB}
}

// BatchMatMulOp multiplies [G, M, K] by [G, K, N] (or [G, N, K] when transB)
// group by group.
type BatchMatMulOp struct {
	inputs  []*Tensor
	transB  bool
	g, m, n int
	k       int
}

func (op *BatchMatMulOp) Forward(inputs ...*Tensor) *Tensor {
	a, b := inputs[0], inputs[1]
	if len(a.Shape) != 3 || len(b.Shape) != 3 || a.Shape[0] != b.Shape[0] {
		panic(fmt.Sprintf("batch matmul: incompatible shapes %v and %v", a.Shape, b.Shape))
	}
	op.inputs = inputs
	op.g, op.m, op.k = a.Shape[0], a.Shape[1], a.Shape[2]
	if op.transB {
		op.n = b.Shape[1]
		if b.Shape[2] != op.k {
			panic(fmt.Sprintf("batch matmul: incompatible shapes %v and %v^T", a.Shape, b.Shape))
		}
	} else {
		op.n = b.Shape[2]
		if b.Shape[1] != op.k {
			panic(fmt.Sprintf("batch matmul: incompatible shapes %v and %v", a.Shape, b.Shape))
		}
	}

	c := Zeros(op.g, op.m, op.n)
	sa, sb, sc := op.m*op.k, op.k*op.n, op.m*op.n
	forEach(op.g, func(i int) {
		gemm(false, op.transB, op.m, op.n, op.k,
			a.Data[i*sa:(i+1)*sa], b.Data[i*sb:(i+1)*sb], c.Data[i*sc:(i+1)*sc], false)
	})
	return record(op, c, a, b)
}

func (op *BatchMatMulOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]
	sa, sb, sc := op.m*op.k, op.k*op.n, op.m*op.n

	var gradA, gradB *Tensor
	if a.requiresGrad {
		gradA = MustNew(a.Shape, nil)
	}
	if b.requiresGrad {
		gradB = MustNew(b.Shape, nil)
	}

	forEach(op.g, func(i int) {
		ga := gradOut.Data[i*sc : (i+1)*sc]
		ad := a.Data[i*sa : (i+1)*sa]
		bd := b.Data[i*sb : (i+1)*sb]
		if gradA != nil {
			// dA = dC @ op(B)^T
			gemm(false, !op.transB, op.m, op.k, op.n, ga, bd, gradA.Data[i*sa:(i+1)*sa], false)
		}
		if gradB != nil {
			if op.transB {
				// dB = dC^T @ A
				gemm(true, false, op.n, op.k, op.m, ga, ad, gradB.Data[i*sb:(i+1)*sb], false)
			} else {
				// dB = A^T @ dC
				gemm(true, false, op.k, op.n, op.m, ad, ga, gradB.Data[i*sb:(i+1)*sb], false)
			}
		}
	})
	return []*Tensor{gradA, gradB}
}

// ReshapeOp shares data with its input.
type ReshapeOp struct {
	shape   []int
	inShape []int
}

func (op *ReshapeOp) Forward(inputs ...*Tensor) *Tensor {
	x := inputs[0]
	op.inShape = x.Shape
	out, err := NewTensor(op.shape, x.Data)
	if err != nil {
		panic(fmt.Sprintf("reshape %v to %v: %v", x.Shape, op.shape, err))
	}
	return record(op, out, x)
}

func (op *ReshapeOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{MustNew(op.inShape, gradOut.Data)}
}

// PermuteOp reorders dimensions.
type PermuteOp struct {
	perm []int
}

func (op *PermuteOp) Forward(inputs ...*Tensor) *Tensor {
	x := inputs[0]
	return record(op, permute(x, op.perm), x)
}

func (op *PermuteOp) Backward(gradOut *Tensor) []*Tensor {
	inv := make([]int, len(op.perm))
	for i, p := range op.perm {
		inv[p] = i
	}
	return []*Tensor{permute(gradOut, inv)}
}

func permute(x *Tensor, perm []int) *Tensor {
	if len(perm) != len(x.Shape) {
		panic(fmt.Sprintf("permute: %d axes for %d dimensions", len(perm), len(x.Shape)))
	}
	outShape := make([]int, len(perm))
	for i, p := range perm {
		outShape[i] = x.Shape[p]
	}
	out := MustNew(outShape, nil)

	// srcStride[i] is the input stride of output axis i.
	srcStride := make([]int, len(perm))
	for i, p := range perm {
		srcStride[i] = x.Strides[p]
	}

	idx := make([]int, len(outShape))
	for o := 0; o < out.NumElems; o++ {
		src := 0
		for d, v := range idx {
			src += v * srcStride[d]
		}
		out.Data[o] = x.Data[src]
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < outShape[d] {
				break
			}
			idx[d] = 0
		}
	}
	return out
}

// Linear applies x @ W^T + b. b may be nil.
func Linear(x, w, b *Tensor) *Tensor {
	return (&LinearOp{}).Forward(x, w, b)
}

// BatchMatMul multiplies [G,M,K] by [G,K,N], or by [G,N,K]^T when transB.
func BatchMatMul(a, b *Tensor, transB bool) *Tensor {
	return (&BatchMatMulOp{transB: transB}).Forward(a, b)
}

// MatMul multiplies two 2D tensors.
func MatMul(a, b *Tensor) *Tensor {
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		panic(fmt.Sprintf("matmul: expected 2D tensors, got %v and %v", a.Shape, b.Shape))
	}
	c := BatchMatMul(Reshape(a, 1, a.Shape[0], a.Shape[1]), Reshape(b, 1, b.Shape[0], b.Shape[1]), false)
	return Reshape(c, a.Shape[0], b.Shape[1])
}

// Reshape returns a view of x with a new shape. One dimension may be -1.
func Reshape(x *Tensor, shape ...int) *Tensor {
	shape = copyShape(shape)
	infer := -1
	known := 1
	for i, d := range shape {
		if d == -1 {
			if infer >= 0 {
				panic("reshape: more than one inferred dimension")
			}
			infer = i
			continue
		}
		known *= d
	}
	if infer >= 0 {
		if known == 0 || x.NumElems%known != 0 {
			panic(fmt.Sprintf("reshape: cannot infer dimension of %v for %d elements", shape, x.NumElems))
		}
		shape[infer] = x.NumElems / known
	}

	return (&ReshapeOp{shape: shape}).Forward(x)
}

// Permute reorders dimensions so that output axis i is input axis perm[i].
func Permute(x *Tensor, perm ...int) *Tensor {
	return (&PermuteOp{perm: perm}).Forward(x)
}

// Transpose swaps the two axes of a 2D tensor.
func Transpose(x *Tensor) *Tensor {
	return Permute(x, 1, 0)
}
