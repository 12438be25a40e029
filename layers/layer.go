package layers

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/pkg/errors"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	LayerDense LayerType = iota
	LayerConv2D
	LayerReLU
	LayerGELU
	LayerMaxPool2D
	LayerGlobalAvgPool
	LayerFlatten
	LayerDropout
	LayerLayerNorm
	LayerResidual
)

func (lt LayerType) String() string {
	switch lt {
	case LayerDense:
		return "Dense"
	case LayerConv2D:
		return "Conv2D"
	case LayerReLU:
		return "ReLU"
	case LayerGELU:
		return "GELU"
	case LayerMaxPool2D:
		return "MaxPool2D"
	case LayerGlobalAvgPool:
		return "GlobalAvgPool"
	case LayerFlatten:
		return "Flatten"
	case LayerDropout:
		return "Dropout"
	case LayerLayerNorm:
		return "LayerNorm"
	case LayerResidual:
		return "Residual"
	default:
		return "Unknown"
	}
}

// LayerSpec defines layer configuration.
// This is pure configuration - Build turns it into executable modules.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// ModelSpec defines a complete feature extractor as layer configuration
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	// Compiled model information
	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// ModelBuilder helps construct neural network models
type ModelBuilder struct {
	layers     []LayerSpec
	inputShape []int
	compiled   bool
}

// NewModelBuilder creates a new model builder. The leading dimension of
// inputShape is the batch size and may be any positive placeholder.
func NewModelBuilder(inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		layers:     make([]LayerSpec, 0),
		inputShape: inputShape,
		compiled:   false,
	}
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	mb.layers = append(mb.layers, layer)
	mb.compiled = false // Invalidate compilation
	return mb
}

// AddDense adds a dense layer over a 2D [batch, features] input
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	// Input size will be computed during compilation
	return mb.AddLayer(LayerSpec{
		Type: LayerDense,
		Name: name,
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    useBias,
		},
	})
}

// AddConv2D adds a Conv2D layer to the model
func (mb *ModelBuilder) AddConv2D(
	outputChannels, kernelSize, stride, padding int,
	useBias bool, name string,
) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: LayerConv2D,
		Name: name,
		Parameters: map[string]interface{}{
			"output_channels": outputChannels,
			"kernel_size":     kernelSize,
			"stride":          stride,
			"padding":         padding,
			"use_bias":        useBias,
		},
	})
}

// AddReLU adds a ReLU activation to the model
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: LayerReLU, Name: name, Parameters: map[string]interface{}{}})
}

// AddGELU adds a GELU activation to the model
func (mb *ModelBuilder) AddGELU(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: LayerGELU, Name: name, Parameters: map[string]interface{}{}})
}

// AddMaxPool2D adds a max pooling layer; stride 0 means stride = kernel
func (mb *ModelBuilder) AddMaxPool2D(kernelSize, stride int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: LayerMaxPool2D,
		Name: name,
		Parameters: map[string]interface{}{
			"kernel_size": kernelSize,
			"stride":      stride,
		},
	})
}

// AddGlobalAvgPool averages each channel to a single value, [N,C,H,W] -> [N,C]
func (mb *ModelBuilder) AddGlobalAvgPool(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: LayerGlobalAvgPool, Name: name, Parameters: map[string]interface{}{}})
}

// AddFlatten collapses all non-batch dimensions
func (mb *ModelBuilder) AddFlatten(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: LayerFlatten, Name: name, Parameters: map[string]interface{}{}})
}

// AddDropout adds a Dropout layer to the model
// rate: dropout probability (0.0 = no dropout, 1.0 = drop all)
func (mb *ModelBuilder) AddDropout(rate float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: LayerDropout,
		Name: name,
		Parameters: map[string]interface{}{
			"rate": rate,
		},
	})
}

// AddLayerNorm normalizes the last dimension
func (mb *ModelBuilder) AddLayerNorm(eps float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: LayerLayerNorm,
		Name: name,
		Parameters: map[string]interface{}{
			"eps": eps,
		},
	})
}

// AddResidualBlock adds two 3x3 convolutions with an identity shortcut.
// The block keeps the channel count and spatial size of its input.
func (mb *ModelBuilder) AddResidualBlock(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: LayerResidual, Name: name, Parameters: map[string]interface{}{}})
}

// Compile compiles the model and computes shapes and parameter counts
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, errors.Errorf("cannot compile empty model")
	}
	if len(mb.inputShape) < 2 {
		return nil, errors.Errorf("input shape %v must include a batch dimension", mb.inputShape)
	}

	model := &ModelSpec{
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: mb.inputShape,
	}

	for i, l := range mb.layers {
		params := make(map[string]interface{}, len(l.Parameters))
		for k, v := range l.Parameters {
			params[k] = v
		}
		l.Parameters = params
		model.Layers[i] = l
	}

	// Compute shapes and parameter information
	currentShape := mb.inputShape
	var allParameterShapes [][]int
	totalParams := int64(0)

	for i := range model.Layers {
		layer := &model.Layers[i]

		layer.InputShape = make([]int, len(currentShape))
		copy(layer.InputShape, currentShape)

		outputShape, paramShapes, paramCount, err := mb.computeLayerInfo(layer, currentShape)
		if err != nil {
			return nil, errors.Errorf("failed to compute layer %d (%s) info: %v", i, layer.Name, err)
		}

		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = paramCount

		allParameterShapes = append(allParameterShapes, paramShapes...)
		totalParams += paramCount

		currentShape = outputShape
	}

	model.OutputShape = currentShape
	model.ParameterShapes = allParameterShapes
	model.TotalParameters = totalParams
	model.Compiled = true
	mb.compiled = true

	return model, nil
}

// computeLayerInfo computes output shape and parameter information for a layer
func (mb *ModelBuilder) computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	switch layer.Type {
	case LayerDense:
		return mb.computeDenseInfo(layer, inputShape)
	case LayerConv2D:
		return mb.computeConv2DInfo(layer, inputShape)
	case LayerMaxPool2D:
		return mb.computeMaxPoolInfo(layer, inputShape)
	case LayerGlobalAvgPool:
		if len(inputShape) != 4 {
			return nil, nil, 0, errors.Errorf("global average pooling requires 4D input")
		}
		return []int{inputShape[0], inputShape[1]}, [][]int{}, 0, nil
	case LayerFlatten:
		flat := 1
		for _, d := range inputShape[1:] {
			flat *= d
		}
		return []int{inputShape[0], flat}, [][]int{}, 0, nil
	case LayerLayerNorm:
		features := inputShape[len(inputShape)-1]
		return copyShape(inputShape), [][]int{{features}, {features}}, int64(2 * features), nil
	case LayerResidual:
		return mb.computeResidualInfo(inputShape)
	case LayerReLU, LayerGELU, LayerDropout:
		return mb.computeActivationInfo(layer, inputShape)
	default:
		return nil, nil, 0, errors.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

// computeDenseInfo computes dense layer information
func (mb *ModelBuilder) computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 2 {
		return nil, nil, 0, errors.Errorf("dense layer requires 2D input, add a Flatten or pooling layer first")
	}

	outputSize, ok := layer.Parameters["output_size"].(int)
	if !ok || outputSize <= 0 {
		return nil, nil, 0, errors.Errorf("missing output_size parameter")
	}
	useBias := getBoolParam(layer.Parameters, "use_bias", true)

	inputSize := inputShape[1]
	layer.Parameters["input_size"] = inputSize

	// Weight matrix: [outputSize, inputSize]
	paramShapes := [][]int{{outputSize, inputSize}}
	paramCount := int64(inputSize * outputSize)
	if useBias {
		paramShapes = append(paramShapes, []int{outputSize})
		paramCount += int64(outputSize)
	}

	return []int{inputShape[0], outputSize}, paramShapes, paramCount, nil
}

// computeConv2DInfo computes Conv2D layer information
func (mb *ModelBuilder) computeConv2DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, errors.Errorf("Conv2D layer requires 4D input [batch, channels, height, width]")
	}

	outputChannels, ok := layer.Parameters["output_channels"].(int)
	if !ok {
		return nil, nil, 0, errors.Errorf("missing output_channels parameter")
	}
	kernelSize, ok := layer.Parameters["kernel_size"].(int)
	if !ok {
		return nil, nil, 0, errors.Errorf("missing kernel_size parameter")
	}
	stride := getIntParam(layer.Parameters, "stride", 1)
	padding := getIntParam(layer.Parameters, "padding", 0)
	useBias := getBoolParam(layer.Parameters, "use_bias", true)

	inputChannels := inputShape[1]
	layer.Parameters["input_channels"] = inputChannels

	outputHeight := (inputShape[2]+2*padding-kernelSize)/stride + 1
	outputWidth := (inputShape[3]+2*padding-kernelSize)/stride + 1
	if outputHeight <= 0 || outputWidth <= 0 {
		return nil, nil, 0, errors.Errorf("kernel %d does not fit input %dx%d", kernelSize, inputShape[2], inputShape[3])
	}

	// Weight tensor: [outputChannels, inputChannels, kernelSize, kernelSize]
	paramShapes := [][]int{{outputChannels, inputChannels, kernelSize, kernelSize}}
	paramCount := int64(outputChannels * inputChannels * kernelSize * kernelSize)
	if useBias {
		paramShapes = append(paramShapes, []int{outputChannels})
		paramCount += int64(outputChannels)
	}

	return []int{inputShape[0], outputChannels, outputHeight, outputWidth}, paramShapes, paramCount, nil
}

func (mb *ModelBuilder) computeMaxPoolInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, errors.Errorf("MaxPool2D layer requires 4D input")
	}
	kernel := getIntParam(layer.Parameters, "kernel_size", 2)
	stride := getIntParam(layer.Parameters, "stride", 0)
	if stride <= 0 {
		stride = kernel
	}
	oh := (inputShape[2]-kernel)/stride + 1
	ow := (inputShape[3]-kernel)/stride + 1
	if oh <= 0 || ow <= 0 {
		return nil, nil, 0, errors.Errorf("pool kernel %d does not fit input %dx%d", kernel, inputShape[2], inputShape[3])
	}
	return []int{inputShape[0], inputShape[1], oh, ow}, [][]int{}, 0, nil
}

func (mb *ModelBuilder) computeResidualInfo(inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, errors.Errorf("residual block requires 4D input")
	}
	c := inputShape[1]
	shapes := [][]int{{c, c, 3, 3}, {c}, {c, c, 3, 3}, {c}}
	return copyShape(inputShape), shapes, int64(2 * (c*c*9 + c)), nil
}

func (mb *ModelBuilder) computeActivationInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	// Activation layers don't change shape and have no parameters
	return copyShape(inputShape), [][]int{}, 0, nil
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Model Summary:\n")
	fmt.Fprintf(&b, "Input Shape: %v\n", ms.InputShape)
	fmt.Fprintf(&b, "Output Shape: %v\n", ms.OutputShape)
	fmt.Fprintf(&b, "Total Parameters: %d\n", ms.TotalParameters)
	fmt.Fprintf(&b, "Layers: %d\n\n", len(ms.Layers))

	for i, layer := range ms.Layers {
		fmt.Fprintf(&b, "Layer %d: %s (%s)\n", i+1, layer.Name, layer.Type.String())
		fmt.Fprintf(&b, "  Input:  %v\n", layer.InputShape)
		fmt.Fprintf(&b, "  Output: %v\n", layer.OutputShape)
		fmt.Fprintf(&b, "  Params: %d\n\n", layer.ParameterCount)
	}

	return b.String()
}

// Build instantiates the compiled layers as a Sequential module whose
// parameters are drawn from rng.
func (ms *ModelSpec) Build(rng *rand.Rand) (*Sequential, error) {
	if !ms.Compiled {
		return nil, errors.Errorf("model not compiled")
	}

	seq := NewSequential()
	for i, layer := range ms.Layers {
		m, err := buildLayer(layer, rng)
		if err != nil {
			return nil, errors.Errorf("failed to build layer %d (%s): %v", i, layer.Name, err)
		}
		seq.Add(layer.Name, m)
	}
	return seq, nil
}

func buildLayer(layer LayerSpec, rng *rand.Rand) (Module, error) {
	p := layer.Parameters
	switch layer.Type {
	case LayerDense:
		return NewLinear(rng, getIntParam(p, "input_size", 0), getIntParam(p, "output_size", 0), getBoolParam(p, "use_bias", true)), nil
	case LayerConv2D:
		return NewConv2D(rng,
			getIntParam(p, "input_channels", 0),
			getIntParam(p, "output_channels", 0),
			getIntParam(p, "kernel_size", 3),
			getIntParam(p, "stride", 1),
			getIntParam(p, "padding", 0),
			getBoolParam(p, "use_bias", true)), nil
	case LayerReLU:
		return NewReLU(), nil
	case LayerGELU:
		return NewGELU(), nil
	case LayerMaxPool2D:
		return NewMaxPool2D(getIntParam(p, "kernel_size", 2), getIntParam(p, "stride", 0)), nil
	case LayerGlobalAvgPool:
		return NewGlobalAvgPool(), nil
	case LayerFlatten:
		return NewFlatten(), nil
	case LayerDropout:
		return NewDropout(getFloatParam(p, "rate", 0), rand.New(rand.NewSource(rng.Int63()))), nil
	case LayerLayerNorm:
		return NewLayerNorm(layer.InputShape[len(layer.InputShape)-1], float64(getFloatParam(p, "eps", 1e-5))), nil
	case LayerResidual:
		return NewResidualBlock(rng, layer.InputShape[1]), nil
	default:
		return nil, errors.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

// Helper functions for parameter extraction
func getIntParam(params map[string]interface{}, key string, defaultValue int) int {
	if val, exists := params[key]; exists {
		if intVal, ok := val.(int); ok {
			return intVal
		}
	}
	return defaultValue
}

func getBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, exists := params[key]; exists {
		if boolVal, ok := val.(bool); ok {
			return boolVal
		}
	}
	return defaultValue
}

func getFloatParam(params map[string]interface{}, key string, defaultValue float32) float32 {
	if val, exists := params[key]; exists {
		if floatVal, ok := val.(float32); ok {
			return floatVal
		}
		// Handle float64 conversion
		if floatVal, ok := val.(float64); ok {
			return float32(floatVal)
		}
	}
	return defaultValue
}

func copyShape(shape []int) []int {
	out := make([]int, len(shape))
	copy(out, shape)
	return out
}
