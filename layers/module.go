package layers

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/go-mil/tensor"
)

// Module interface defines methods that all neural network layers must implement
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	NamedParameters() []NamedParameter // Trainable parameters with stable, dotted names
	Train()                            // Sets module to training mode
	Eval()                             // Sets module to evaluation mode
	IsTraining() bool                  // Returns true if in training mode
}

// NamedParameter pairs a trainable tensor with its position in the module tree.
type NamedParameter struct {
	Name  string
	Value *tensor.Tensor
}

// Parameters returns the trainable tensors of m in NamedParameters order.
func Parameters(m Module) []*tensor.Tensor {
	named := m.NamedParameters()
	params := make([]*tensor.Tensor, len(named))
	for i, p := range named {
		params[i] = p.Value
	}
	return params
}

// prefixed qualifies child parameter names with prefix.
func prefixed(prefix string, params []NamedParameter) []NamedParameter {
	out := make([]NamedParameter, len(params))
	for i, p := range params {
		out[i] = NamedParameter{Name: prefix + "." + p.Name, Value: p.Value}
	}
	return out
}

type mode struct {
	training bool
}

func (m *mode) Train()           { m.training = true }
func (m *mode) Eval()            { m.training = false }
func (m *mode) IsTraining() bool { return m.training }

// Linear implements a fully connected layer: y = xW^T + b
type Linear struct {
	mode
	weight *tensor.Tensor
	bias   *tensor.Tensor
}

// NewLinear creates a Linear layer with weight [out, in] drawn from
// U(-1/sqrt(in), 1/sqrt(in)) and a bias from the same range.
func NewLinear(rng *rand.Rand, inputSize, outputSize int, bias bool) *Linear {
	l := &Linear{
		mode:   mode{training: true},
		weight: tensor.KaimingUniform(rng, outputSize, inputSize),
	}
	if bias {
		bound := float32(1 / math.Sqrt(float64(inputSize)))
		l.bias = tensor.RandomUniform(rng, bound, outputSize)
		l.bias.SetRequiresGrad(true)
	}
	return l
}

// InitXavierNormal redraws the weight from a Xavier normal distribution.
func (l *Linear) InitXavierNormal(rng *rand.Rand) {
	copy(l.weight.Data, tensor.XavierNormal(rng, l.weight.Shape...).Data)
}

func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if input.Size(-1) != l.weight.Shape[1] {
		return nil, errors.Errorf("input size mismatch: expected %d, got %d", l.weight.Shape[1], input.Size(-1))
	}
	return tensor.Linear(input, l.weight, l.bias), nil
}

func (l *Linear) NamedParameters() []NamedParameter {
	params := []NamedParameter{{Name: "weight", Value: l.weight}}
	if l.bias != nil {
		params = append(params, NamedParameter{Name: "bias", Value: l.bias})
	}
	return params
}

func (l *Linear) InFeatures() int  { return l.weight.Shape[1] }
func (l *Linear) OutFeatures() int { return l.weight.Shape[0] }

// Conv2D implements a 2D convolution over NCHW input
type Conv2D struct {
	mode
	weight          *tensor.Tensor
	bias            *tensor.Tensor
	stride, padding int
}

func NewConv2D(rng *rand.Rand, inputChannels, outputChannels, kernelSize, stride, padding int, bias bool) *Conv2D {
	c := &Conv2D{
		mode:    mode{training: true},
		weight:  tensor.KaimingUniform(rng, outputChannels, inputChannels, kernelSize, kernelSize),
		stride:  stride,
		padding: padding,
	}
	if bias {
		bound := float32(1 / math.Sqrt(float64(inputChannels*kernelSize*kernelSize)))
		c.bias = tensor.RandomUniform(rng, bound, outputChannels)
		c.bias.SetRequiresGrad(true)
	}
	return c
}

func (c *Conv2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if input.Dims() != 4 || input.Shape[1] != c.weight.Shape[1] {
		return nil, errors.Errorf("Conv2D expects [N, %d, H, W] input, got %v", c.weight.Shape[1], input.Shape)
	}
	return tensor.Conv2D(input, c.weight, c.bias, c.stride, c.padding), nil
}

func (c *Conv2D) NamedParameters() []NamedParameter {
	params := []NamedParameter{{Name: "weight", Value: c.weight}}
	if c.bias != nil {
		params = append(params, NamedParameter{Name: "bias", Value: c.bias})
	}
	return params
}

// ReLU activation
type ReLU struct{ mode }

func NewReLU() *ReLU { return &ReLU{mode{training: true}} }

func (r *ReLU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.ReLU(input), nil
}

func (r *ReLU) NamedParameters() []NamedParameter { return nil }

// GELU activation
type GELU struct{ mode }

func NewGELU() *GELU { return &GELU{mode{training: true}} }

func (g *GELU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.GELU(input), nil
}

func (g *GELU) NamedParameters() []NamedParameter { return nil }

// MaxPool2D implements 2D max pooling
type MaxPool2D struct {
	mode
	kernelSize, stride int
}

func NewMaxPool2D(kernelSize, stride int) *MaxPool2D {
	return &MaxPool2D{mode: mode{training: true}, kernelSize: kernelSize, stride: stride}
}

func (m *MaxPool2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if input.Dims() != 4 {
		return nil, errors.Errorf("MaxPool2D expects 4D input, got shape %v", input.Shape)
	}
	return tensor.MaxPool2D(input, m.kernelSize, m.stride), nil
}

func (m *MaxPool2D) NamedParameters() []NamedParameter { return nil }

// GlobalAvgPool reduces [N, C, H, W] to [N, C]
type GlobalAvgPool struct{ mode }

func NewGlobalAvgPool() *GlobalAvgPool { return &GlobalAvgPool{mode{training: true}} }

func (g *GlobalAvgPool) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if input.Dims() != 4 {
		return nil, errors.Errorf("GlobalAvgPool expects 4D input, got shape %v", input.Shape)
	}
	return tensor.GlobalAvgPool(input), nil
}

func (g *GlobalAvgPool) NamedParameters() []NamedParameter { return nil }

// Flatten reshapes [N, ...] to [N, features]
type Flatten struct{ mode }

func NewFlatten() *Flatten { return &Flatten{mode{training: true}} }

func (f *Flatten) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if input.Dims() < 2 {
		return nil, errors.Errorf("Flatten expects at least 2D input, got shape %v", input.Shape)
	}
	return tensor.Reshape(input, input.Shape[0], -1), nil
}

func (f *Flatten) NamedParameters() []NamedParameter { return nil }

// Dropout zeroes activations with probability rate while training
type Dropout struct {
	mode
	rate float32
	rng  *rand.Rand
}

func NewDropout(rate float32, rng *rand.Rand) *Dropout {
	return &Dropout{mode: mode{training: true}, rate: rate, rng: rng}
}

func (d *Dropout) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if !d.training {
		return input, nil
	}
	return tensor.Dropout(input, d.rate, d.rng), nil
}

func (d *Dropout) NamedParameters() []NamedParameter { return nil }

// LayerNorm normalizes the last dimension with a learnable scale and shift
type LayerNorm struct {
	mode
	gamma, beta *tensor.Tensor
	eps         float64
}

func NewLayerNorm(features int, eps float64) *LayerNorm {
	ln := &LayerNorm{
		mode:  mode{training: true},
		gamma: tensor.Ones(features),
		beta:  tensor.Zeros(features),
		eps:   eps,
	}
	ln.gamma.SetRequiresGrad(true)
	ln.beta.SetRequiresGrad(true)
	return ln
}

func (ln *LayerNorm) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if input.Size(-1) != ln.gamma.NumElems {
		return nil, errors.Errorf("LayerNorm expects %d features, got shape %v", ln.gamma.NumElems, input.Shape)
	}
	return tensor.LayerNorm(input, ln.gamma, ln.beta, ln.eps), nil
}

func (ln *LayerNorm) NamedParameters() []NamedParameter {
	return []NamedParameter{{Name: "weight", Value: ln.gamma}, {Name: "bias", Value: ln.beta}}
}

// ResidualBlock computes relu(x + conv2(relu(conv1(x)))) with 3x3
// same-padding convolutions.
type ResidualBlock struct {
	mode
	conv1, conv2 *Conv2D
}

func NewResidualBlock(rng *rand.Rand, channels int) *ResidualBlock {
	return &ResidualBlock{
		mode:  mode{training: true},
		conv1: NewConv2D(rng, channels, channels, 3, 1, 1, true),
		conv2: NewConv2D(rng, channels, channels, 3, 1, 1, true),
	}
}

func (r *ResidualBlock) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	h, err := r.conv1.Forward(input)
	if err != nil {
		return nil, err
	}
	h, err = r.conv2.Forward(tensor.ReLU(h))
	if err != nil {
		return nil, err
	}
	return tensor.ReLU(tensor.Add(input, h)), nil
}

func (r *ResidualBlock) NamedParameters() []NamedParameter {
	return append(prefixed("conv1", r.conv1.NamedParameters()), prefixed("conv2", r.conv2.NamedParameters())...)
}

// Sequential chains named modules
type Sequential struct {
	mode
	names   []string
	modules []Module
}

func NewSequential() *Sequential {
	return &Sequential{mode: mode{training: true}}
}

// Add appends a module. Unnamed modules are named by position.
func (s *Sequential) Add(name string, module Module) {
	if name == "" {
		name = fmt.Sprintf("%d", len(s.modules))
	}
	s.names = append(s.names, name)
	s.modules = append(s.modules, module)
}

func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	output := input
	for i, module := range s.modules {
		var err error
		output, err = module.Forward(output)
		if err != nil {
			return nil, errors.Errorf("%s: %v", s.names[i], err)
		}
	}
	return output, nil
}

func (s *Sequential) NamedParameters() []NamedParameter {
	var params []NamedParameter
	for i, module := range s.modules {
		params = append(params, prefixed(s.names[i], module.NamedParameters())...)
	}
	return params
}

func (s *Sequential) Train() {
	s.training = true
	for _, module := range s.modules {
		module.Train()
	}
}

func (s *Sequential) Eval() {
	s.training = false
	for _, module := range s.modules {
		module.Eval()
	}
}

// Len returns the number of modules
func (s *Sequential) Len() int {
	return len(s.modules)
}
