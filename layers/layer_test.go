package layers

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-mil/tensor"
)

func TestCompileComputesShapes(t *testing.T) {
	model, err := NewModelBuilder([]int{4, 3, 16, 16}).
		AddConv2D(8, 3, 1, 1, true, "conv1").
		AddReLU("relu1").
		AddMaxPool2D(2, 0, "pool1").
		AddResidualBlock("res1").
		AddGlobalAvgPool("gap").
		AddDense(5, true, "fc").
		Compile()
	require.NoError(t, err)

	assert.Equal(t, []int{4, 8, 16, 16}, model.Layers[0].OutputShape)
	assert.Equal(t, []int{4, 8, 8, 8}, model.Layers[2].OutputShape)
	assert.Equal(t, []int{4, 8, 8, 8}, model.Layers[3].OutputShape)
	assert.Equal(t, []int{4, 8}, model.Layers[4].OutputShape)
	assert.Equal(t, []int{4, 5}, model.OutputShape)

	expected := int64(8*3*9+8) + int64(2*(8*8*9+8)) + int64(8*5+5)
	assert.Equal(t, expected, model.TotalParameters)
	assert.True(t, strings.Contains(model.Summary(), "Total Parameters"))
}

func TestCompileRejectsInvalidModels(t *testing.T) {
	_, err := NewModelBuilder([]int{1, 3, 8, 8}).Compile()
	assert.Error(t, err)

	_, err = NewModelBuilder([]int{1, 3, 8, 8}).AddDense(2, true, "fc").Compile()
	assert.Error(t, err, "dense on 4D input needs flattening first")

	_, err = NewModelBuilder([]int{1, 3, 2, 2}).AddConv2D(4, 5, 1, 0, true, "conv").Compile()
	assert.Error(t, err)
}

func TestBuildMatchesCompiledShapes(t *testing.T) {
	spec, err := NewModelBuilder([]int{2, 3, 8, 8}).
		AddConv2D(4, 3, 1, 1, false, "conv1").
		AddReLU("relu1").
		AddFlatten("flatten").
		AddDense(6, true, "fc").
		AddDropout(0.5, "drop").
		Compile()
	require.NoError(t, err)

	net, err := spec.Build(rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	net.Eval()

	out, err := net.Forward(tensor.Zeros(2, 3, 8, 8))
	require.NoError(t, err)
	assert.Equal(t, spec.OutputShape, out.Shape)

	var total int64
	for _, p := range Parameters(net) {
		total += int64(p.NumElems)
	}
	assert.Equal(t, spec.TotalParameters, total)

	names := make([]string, 0)
	for _, p := range net.NamedParameters() {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"conv1.weight", "fc.weight", "fc.bias"}, names)
}

func TestDropoutOnlyActsWhileTraining(t *testing.T) {
	d := NewDropout(0.5, rand.New(rand.NewSource(3)))
	x := tensor.Ones(1000)

	d.Eval()
	out, err := d.Forward(x)
	require.NoError(t, err)
	assert.Same(t, x, out)

	d.Train()
	out, err = d.Forward(x)
	require.NoError(t, err)
	zeros := 0
	for _, v := range out.Data {
		if v == 0 {
			zeros++
		} else {
			assert.Equal(t, float32(2), v)
		}
	}
	assert.InDelta(t, 500, zeros, 100)
}

func TestLinearRejectsWrongFeatures(t *testing.T) {
	l := NewLinear(rand.New(rand.NewSource(1)), 4, 2, true)
	_, err := l.Forward(tensor.Zeros(3, 5))
	assert.Error(t, err)
}

func TestTransformerEncoderShapeAndGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	enc, err := NewTransformerEncoder(rng, EncoderConfig{
		EmbedDim:    16,
		Heads:       4,
		FeedForward: 32,
		Dropout:     0.1,
		NormEps:     1e-5,
	}, 2, 1e-6)
	require.NoError(t, err)

	x := tensor.RandomNormal(rng, 0, 1, 3, 5, 16)
	out, err := enc.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 5, 16}, out.Shape)

	require.NoError(t, tensor.Sum(out).Backward())
	for _, p := range enc.NamedParameters() {
		assert.NotNil(t, p.Value.Grad(), p.Name)
	}
	assert.Equal(t, "layers.0.self_attn.q_proj.weight", enc.NamedParameters()[0].Name)
}

func TestEncoderEvalIsDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	enc, err := NewTransformerEncoder(rng, EncoderConfig{EmbedDim: 8, Heads: 2, FeedForward: 16, Dropout: 0.5, NormEps: 1e-5}, 1, 1e-6)
	require.NoError(t, err)
	enc.Eval()

	x := tensor.RandomNormal(rng, 0, 1, 2, 3, 8)
	a, err := enc.Forward(x)
	require.NoError(t, err)
	b, err := enc.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, a.Data, b.Data)
}

func TestSelfAttentionRejectsIndivisibleHeads(t *testing.T) {
	_, err := NewMultiHeadSelfAttention(rand.New(rand.NewSource(1)), 10, 3, 0)
	assert.Error(t, err)
}

func TestBuilderRecordsLayerTypes(t *testing.T) {
	model, err := NewModelBuilder([]int{2, 3, 8, 8}).
		AddConv2D(4, 3, 1, 1, true, "conv").
		AddGELU("gelu").
		AddMaxPool2D(2, 0, "pool").
		AddResidualBlock("res").
		AddGlobalAvgPool("gap").
		AddLayerNorm(1e-5, "norm").
		AddDropout(0.1, "drop").
		AddDense(2, true, "fc").
		Compile()
	require.NoError(t, err)

	want := []LayerType{LayerConv2D, LayerGELU, LayerMaxPool2D, LayerResidual, LayerGlobalAvgPool, LayerLayerNorm, LayerDropout, LayerDense}
	got := make([]LayerType, len(model.Layers))
	for i, l := range model.Layers {
		got[i] = l.Type
	}
	assert.Equal(t, want, got)

	assert.Equal(t, "Conv2D", LayerConv2D.String())
	assert.Equal(t, "LayerNorm", LayerLayerNorm.String())
	assert.Equal(t, "Flatten", LayerFlatten.String())
	assert.Equal(t, "ReLU", LayerReLU.String())
	assert.Equal(t, "Unknown", LayerType(99).String())
}
