package optimizer

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-mil/checkpoints"
	"github.com/tsawler/go-mil/tensor"
)

func param(values ...float32) *tensor.Tensor {
	p := tensor.MustNew([]int{len(values)}, values)
	p.SetRequiresGrad(true)
	return p
}

func TestSGDConfigValidation(t *testing.T) {
	p := []*tensor.Tensor{param(1)}
	tests := []struct {
		name   string
		config SGDConfig
	}{
		{"negative lr", SGDConfig{LearningRate: -1}},
		{"negative momentum", SGDConfig{LearningRate: 0.1, Momentum: -0.1}},
		{"momentum above one", SGDConfig{LearningRate: 0.1, Momentum: 1.5}},
		{"negative weight decay", SGDConfig{LearningRate: 0.1, WeightDecay: -1}},
		{"nesterov without momentum", SGDConfig{LearningRate: 0.1, Nesterov: true}},
	}
	for _, test := range tests {
		_, err := NewSGDOptimizer(test.config, p)
		assert.Error(t, err, test.name)
	}

	_, err := NewSGDOptimizer(DefaultSGDConfig(), nil)
	assert.Error(t, err)
}

func TestSGDVanillaStepWithWeightDecay(t *testing.T) {
	p := param(1, -2)
	p.SetGrad(tensor.MustNew([]int{2}, []float32{0.5, 0.5}))

	sgd, err := NewSGDOptimizer(SGDConfig{LearningRate: 0.1, WeightDecay: 0.5}, []*tensor.Tensor{p})
	require.NoError(t, err)
	require.NoError(t, sgd.Step())

	// w - lr*(g + wd*w)
	assert.InDeltaSlice(t, []float32{1 - 0.1*(0.5+0.5), -2 - 0.1*(0.5-1)}, p.Data, 1e-6)
	assert.Equal(t, uint64(1), sgd.GetStepCount())
}

func TestSGDMomentumMatchesReference(t *testing.T) {
	p := param(1)
	sgd, err := NewSGDOptimizer(SGDConfig{LearningRate: 0.1, Momentum: 0.9}, []*tensor.Tensor{p})
	require.NoError(t, err)

	// constant gradient 1: buf = 1, then 1.9, then 2.71
	expected := []float32{0.9, 0.71, 0.439}
	for _, want := range expected {
		p.SetGrad(tensor.Ones(1))
		require.NoError(t, sgd.Step())
		assert.InDelta(t, want, p.Data[0], 1e-5)
	}
}

func TestSGDNesterov(t *testing.T) {
	p := param(1)
	sgd, err := NewSGDOptimizer(SGDConfig{LearningRate: 0.1, Momentum: 0.5, Nesterov: true}, []*tensor.Tensor{p})
	require.NoError(t, err)

	p.SetGrad(tensor.Ones(1))
	require.NoError(t, sgd.Step())
	// g + momentum*buf = 1 + 0.5
	assert.InDelta(t, 1-0.15, p.Data[0], 1e-6)
}

func TestSGDSkipsParametersWithoutGradient(t *testing.T) {
	a, b := param(1), param(2)
	sgd, err := NewSGDOptimizer(SGDConfig{LearningRate: 1, Momentum: 0.9}, []*tensor.Tensor{a, b})
	require.NoError(t, err)

	a.SetGrad(tensor.Ones(1))
	require.NoError(t, sgd.Step())
	assert.Equal(t, float32(0), a.Data[0])
	assert.Equal(t, float32(2), b.Data[0])

	sgd.ZeroGrad()
	assert.Nil(t, a.Grad())
}

func TestSGDStateRoundTripThroughJSON(t *testing.T) {
	p := param(1, 2)
	sgd, err := NewSGDOptimizer(SGDConfig{LearningRate: 0.1, Momentum: 0.9, WeightDecay: 1e-4}, []*tensor.Tensor{p})
	require.NoError(t, err)
	p.SetGrad(tensor.Ones(2))
	require.NoError(t, sgd.Step())
	sgd.UpdateLearningRate(0.05)

	state, err := sgd.GetState()
	require.NoError(t, err)
	raw, err := json.Marshal(state)
	require.NoError(t, err)
	var decoded checkpoints.OptimizerState
	require.NoError(t, json.Unmarshal(raw, &decoded))

	q := param(0, 0)
	restored, err := NewSGDOptimizer(DefaultSGDConfig(), []*tensor.Tensor{q})
	require.NoError(t, err)
	require.NoError(t, restored.LoadState(&decoded))

	assert.InDelta(t, 0.05, restored.LearningRate(), 1e-12)
	assert.InDelta(t, 0.9, restored.Momentum, 1e-6)
	assert.Equal(t, uint64(1), restored.GetStepCount())
	assert.Equal(t, sgd.MomentumBuffers, restored.MomentumBuffers)

	decoded.Type = "Adam"
	assert.Error(t, restored.LoadState(&decoded))
}

func TestExtractBufferIndex(t *testing.T) {
	assert.Equal(t, 3, extractBufferIndex("momentum_3"))
	assert.Equal(t, -1, extractBufferIndex("momentum"))
	assert.Equal(t, -1, extractBufferIndex("momentum_x"))
}
