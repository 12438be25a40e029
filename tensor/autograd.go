package tensor

import (
	"fmt"

	"github.com/pkg/errors"
)

// record attaches op as the creator of out when any input needs a gradient.
// Without such an input no history is kept, which is how evaluation runs
// without building a graph.
func record(op Operation, out *Tensor, inputs ...*Tensor) *Tensor {
	for _, in := range inputs {
		if in != nil && in.requiresGrad {
			out.requiresGrad = true
			out.creator = op
			out.parents = inputs
			return out
		}
	}
	return out
}

// Backward runs reverse-mode differentiation from a scalar (or any tensor,
// seeded with ones) and accumulates gradients into leaf tensors.
func (t *Tensor) Backward() error {
	return t.BackwardWithGrad(Ones(t.Shape...))
}

// BackwardWithGrad runs reverse-mode differentiation seeded with seed, which
// must have the same shape as t. Loss scaling seeds the graph this way.
func (t *Tensor) BackwardWithGrad(seed *Tensor) error {
	if !t.requiresGrad {
		return errors.Errorf("backward called on tensor that does not require grad")
	}
	if !shapesEqual(t.Shape, seed.Shape) {
		return errors.Errorf("seed gradient shape %v does not match tensor shape %v", seed.Shape, t.Shape)
	}

	order := topoSort(t)
	grads := map[*Tensor]*Tensor{t: seed}

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		g, ok := grads[node]
		if !ok {
			continue
		}
		delete(grads, node)

		if node.creator == nil {
			node.accumulateGrad(g)
			continue
		}

		inGrads := node.creator.Backward(g)
		if len(inGrads) != len(node.parents) {
			return errors.Errorf("%T returned %d gradients for %d inputs", node.creator, len(inGrads), len(node.parents))
		}
		for j, p := range node.parents {
			if p == nil || !p.requiresGrad || inGrads[j] == nil {
				continue
			}
			if !shapesEqual(p.Shape, inGrads[j].Shape) {
				return errors.Errorf("%T produced gradient shape %v for input shape %v", node.creator, inGrads[j].Shape, p.Shape)
			}
			if existing, ok := grads[p]; ok {
				grads[p] = addNew(existing, inGrads[j])
			} else {
				grads[p] = inGrads[j]
			}
		}
	}
	return nil
}

func (t *Tensor) accumulateGrad(g *Tensor) {
	if t.grad == nil {
		t.grad = g.Clone()
		return
	}
	t.grad = addNew(t.grad, g)
}

// topoSort returns nodes in post-order so that reversing it visits every
// tensor after all of its consumers.
func topoSort(root *Tensor) []*Tensor {
	var order []*Tensor
	visited := make(map[*Tensor]bool)

	type frame struct {
		node *Tensor
		next int
	}
	stack := []frame{{node: root}}
	visited[root] = true

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next < len(top.node.parents) {
			p := top.node.parents[top.next]
			top.next++
			if p != nil && p.requiresGrad && !visited[p] {
				visited[p] = true
				stack = append(stack, frame{node: p})
			}
			continue
		}
		order = append(order, top.node)
		stack = stack[:len(stack)-1]
	}
	return order
}

func addNew(a, b *Tensor) *Tensor {
	out := MustNew(a.Shape, nil)
	for i := range out.Data {
		out.Data[i] = a.Data[i] + b.Data[i]
	}
	return out
}

// reduceGradientToShape sums a gradient over the leading dimensions that
// were broadcast when a tensor of targetShape was combined with a larger one.
func reduceGradientToShape(grad *Tensor, targetShape []int) *Tensor {
	if shapesEqual(grad.Shape, targetShape) {
		return grad
	}
	out := MustNew(targetShape, nil)
	n := out.NumElems
	for i, v := range grad.Data {
		out.Data[i%n] += v
	}
	return out
}

func checkBroadcastable(a, b *Tensor) error {
	if shapesEqual(a.Shape, b.Shape) || isSuffix(b.Shape, a.Shape) {
		return nil
	}
	return errors.Errorf("shapes %v and %v are not broadcast compatible", a.Shape, b.Shape)
}

// AddOp adds b to a; b may match a's shape or its trailing dimensions.
type AddOp struct {
	inputs []*Tensor
}

func (op *AddOp) Forward(inputs ...*Tensor) *Tensor {
	a, b := inputs[0], inputs[1]
	if err := checkBroadcastable(a, b); err != nil {
		panic(fmt.Sprintf("add: %v", err))
	}
	op.inputs = inputs

	out := MustNew(a.Shape, nil)
	n := b.NumElems
	for i, v := range a.Data {
		out.Data[i] = v + b.Data[i%n]
	}
	return record(op, out, a, b)
}

func (op *AddOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{gradOut, reduceGradientToShape(gradOut, op.inputs[1].Shape)}
}

// MulOp multiplies elementwise with the same broadcasting rule as AddOp.
type MulOp struct {
	inputs []*Tensor
}

func (op *MulOp) Forward(inputs ...*Tensor) *Tensor {
	a, b := inputs[0], inputs[1]
	if err := checkBroadcastable(a, b); err != nil {
		panic(fmt.Sprintf("mul: %v", err))
	}
	op.inputs = inputs

	out := MustNew(a.Shape, nil)
	n := b.NumElems
	for i, v := range a.Data {
		out.Data[i] = v * b.Data[i%n]
	}
	return record(op, out, a, b)
}

func (op *MulOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]
	n := b.NumElems

	gradA := MustNew(a.Shape, nil)
	gradBFull := MustNew(a.Shape, nil)
	for i, g := range gradOut.Data {
		gradA.Data[i] = g * b.Data[i%n]
		gradBFull.Data[i] = g * a.Data[i]
	}
	return []*Tensor{gradA, reduceGradientToShape(gradBFull, b.Shape)}
}

// ScaleOp computes alpha*x + beta.
type ScaleOp struct {
	alpha, beta float32
}

func (op *ScaleOp) Forward(inputs ...*Tensor) *Tensor {
	x := inputs[0]
	out := MustNew(x.Shape, nil)
	for i, v := range x.Data {
		out.Data[i] = op.alpha*v + op.beta
	}
	return record(op, out, x)
}

func (op *ScaleOp) Backward(gradOut *Tensor) []*Tensor {
	grad := MustNew(gradOut.Shape, nil)
	for i, g := range gradOut.Data {
		grad.Data[i] = op.alpha * g
	}
	return []*Tensor{grad}
}

// SumOp reduces every element to a one-element tensor.
type SumOp struct {
	shape []int
}

func (op *SumOp) Forward(inputs ...*Tensor) *Tensor {
	x := inputs[0]
	op.shape = x.Shape
	var s float64
	for _, v := range x.Data {
		s += float64(v)
	}
	return record(op, FromScalar(float32(s)), x)
}

func (op *SumOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{Full(gradOut.Data[0], op.shape...)}
}

func Add(a, b *Tensor) *Tensor {
	return (&AddOp{}).Forward(a, b)
}

func Mul(a, b *Tensor) *Tensor {
	return (&MulOp{}).Forward(a, b)
}

// Scale returns alpha*x.
func Scale(x *Tensor, alpha float32) *Tensor {
	return (&ScaleOp{alpha: alpha}).Forward(x)
}

// Affine returns alpha*x + beta.
func Affine(x *Tensor, alpha, beta float32) *Tensor {
	return (&ScaleOp{alpha: alpha, beta: beta}).Forward(x)
}

func Sum(x *Tensor) *Tensor {
	return (&SumOp{}).Forward(x)
}

func Mean(x *Tensor) *Tensor {
	return Scale(Sum(x), 1/float32(x.NumElems))
}
