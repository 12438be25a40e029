package tensor

import (
	"fmt"

	"github.com/pkg/errors"
)

type DType int

const (
	Float32 DType = iota
	Float16
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "Float32"
	case Float16:
		return "Float16"
	default:
		return "Unknown"
	}
}

// Operation is a node of the autograd graph. Forward records the inputs it
// needs for Backward; Backward returns one gradient per input (nil when the
// input does not need one).
type Operation interface {
	Forward(inputs ...*Tensor) *Tensor
	Backward(gradOut *Tensor) []*Tensor
}

// Tensor is a dense row-major float32 array with optional autograd history.
// Data may be shared between tensors produced by Reshape; ops never write
// into their inputs.
type Tensor struct {
	Shape    []int
	Strides  []int
	Data     []float32
	NumElems int

	requiresGrad bool
	grad         *Tensor
	creator      Operation
	parents      []*Tensor
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d, requires_grad=%t)",
		t.Shape, t.NumElems, t.requiresGrad)
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
}

func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// SetGrad replaces the accumulated gradient. Used by the data-parallel
// runtime after gradients have been averaged across workers.
func (t *Tensor) SetGrad(g *Tensor) {
	t.grad = g
}

func (t *Tensor) ZeroGrad() {
	t.grad = nil
}

// IsLeaf reports whether the tensor was created by the user rather than by
// an operation.
func (t *Tensor) IsLeaf() bool {
	return t.creator == nil
}

// Dims returns the number of dimensions.
func (t *Tensor) Dims() int {
	return len(t.Shape)
}

// Size returns the extent of dimension dim; negative dims count from the end.
func (t *Tensor) Size(dim int) int {
	if dim < 0 {
		dim += len(t.Shape)
	}
	return t.Shape[dim]
}

// Item returns the single value of a one-element tensor.
func (t *Tensor) Item() float32 {
	if t.NumElems != 1 {
		panic(fmt.Sprintf("Item called on tensor with %d elements", t.NumElems))
	}
	return t.Data[0]
}

// At returns the element at the given coordinates.
func (t *Tensor) At(indices ...int) float32 {
	return t.Data[getIndex(indices, t.Strides)]
}

// Detach returns a tensor sharing data but without history.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{
		Shape:    t.Shape,
		Strides:  t.Strides,
		Data:     t.Data,
		NumElems: t.NumElems,
	}
}

// Clone returns a deep copy without history.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{
		Shape:    copyShape(t.Shape),
		Strides:  copyShape(t.Strides),
		Data:     data,
		NumElems: t.NumElems,
	}
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return errors.Errorf("invalid shape: at least one dimension is required")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return errors.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func getIndex(indices []int, strides []int) int {
	index := 0
	for i, idx := range indices {
		index += idx * strides[i]
	}
	return index
}

func copyShape(shape []int) []int {
	out := make([]int, len(shape))
	copy(out, shape)
	return out
}

func shapesEqual(shape1, shape2 []int) bool {
	if len(shape1) != len(shape2) {
		return false
	}
	for i := range shape1 {
		if shape1[i] != shape2[i] {
			return false
		}
	}
	return true
}

// isSuffix reports whether small equals the trailing dimensions of big.
func isSuffix(small, big []int) bool {
	if len(small) > len(big) {
		return false
	}
	off := len(big) - len(small)
	for i := range small {
		if small[i] != big[off+i] {
			return false
		}
	}
	return true
}
