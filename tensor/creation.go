package tensor

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

// NewTensor wraps data in a tensor of the given shape. A nil data slice
// allocates zeros.
func NewTensor(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	if data == nil {
		data = make([]float32, numElems)
	} else if len(data) != numElems {
		return nil, errors.Errorf("data length %d does not match tensor size %d", len(data), numElems)
	}

	return &Tensor{
		Shape:    copyShape(shape),
		Strides:  calculateStrides(shape),
		Data:     data,
		NumElems: numElems,
	}, nil
}

// MustNew is NewTensor for shapes known to be valid; it panics otherwise.
func MustNew(shape []int, data []float32) *Tensor {
	t, err := NewTensor(shape, data)
	if err != nil {
		panic(err)
	}
	return t
}

func Zeros(shape ...int) *Tensor {
	return MustNew(shape, nil)
}

func Ones(shape ...int) *Tensor {
	return Full(1, shape...)
}

func Full(value float32, shape ...int) *Tensor {
	t := MustNew(shape, nil)
	for i := range t.Data {
		t.Data[i] = value
	}
	return t
}

// FromScalar creates a one-element tensor.
func FromScalar(value float32) *Tensor {
	return MustNew([]int{1}, []float32{value})
}

// RandomNormal fills a tensor with N(mean, std) samples from rng.
func RandomNormal(rng *rand.Rand, mean, std float32, shape ...int) *Tensor {
	t := MustNew(shape, nil)
	for i := range t.Data {
		t.Data[i] = mean + std*float32(rng.NormFloat64())
	}
	return t
}

// RandomUniform fills a tensor with U(-bound, bound) samples from rng.
func RandomUniform(rng *rand.Rand, bound float32, shape ...int) *Tensor {
	t := MustNew(shape, nil)
	for i := range t.Data {
		t.Data[i] = (2*rng.Float32() - 1) * bound
	}
	return t
}

// XavierNormal initialises a weight of shape [fanOut, fanIn, ...] with
// std = sqrt(2 / (fanIn + fanOut)), where receptive field sizes are folded
// into both fans the way convolution kernels are counted.
func XavierNormal(rng *rand.Rand, shape ...int) *Tensor {
	fanIn, fanOut := fans(shape)
	std := float32(math.Sqrt(2.0 / float64(fanIn+fanOut)))
	t := RandomNormal(rng, 0, std, shape...)
	t.requiresGrad = true
	return t
}

// KaimingUniform mirrors the default initialisation of linear and
// convolution layers: U(-1/sqrt(fanIn), 1/sqrt(fanIn)).
func KaimingUniform(rng *rand.Rand, shape ...int) *Tensor {
	fanIn, _ := fans(shape)
	bound := float32(1 / math.Sqrt(float64(fanIn)))
	t := RandomUniform(rng, bound, shape...)
	t.requiresGrad = true
	return t
}

func fans(shape []int) (int, int) {
	if len(shape) == 1 {
		return shape[0], shape[0]
	}
	receptive := 1
	for _, d := range shape[2:] {
		receptive *= d
	}
	return shape[1] * receptive, shape[0] * receptive
}
