package optimizer

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/tsawler/go-mil/checkpoints"
	"github.com/tsawler/go-mil/tensor"
)

// SGDOptimizerState implements stochastic gradient descent with momentum,
// dampening, Nesterov momentum and L2 weight decay. Updates follow
//
//	g = grad + weightDecay*w
//	buf = g (first step) or momentum*buf + (1-dampening)*g
//	w -= lr * (nesterov ? g + momentum*buf : buf)
type SGDOptimizerState struct {
	// Hyperparameters
	learningRate float64
	Momentum     float32 // Momentum coefficient (0 for vanilla SGD)
	Dampening    float32
	WeightDecay  float32 // L2 regularization coefficient
	Nesterov     bool    // Whether to use Nesterov momentum

	params []*tensor.Tensor

	// Momentum buffers (only if momentum > 0); nil until first used
	MomentumBuffers [][]float32

	// Step tracking
	StepCount uint64
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float32
	Dampening    float32
	WeightDecay  float32
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// NewSGDOptimizer creates an SGD optimizer over params
func NewSGDOptimizer(config SGDConfig, params []*tensor.Tensor) (*SGDOptimizerState, error) {
	if len(params) == 0 {
		return nil, errors.Errorf("no parameters provided")
	}

	// Validate configuration parameters
	if config.LearningRate < 0 {
		return nil, errors.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Momentum < 0 {
		return nil, errors.Errorf("momentum cannot be negative: %f", config.Momentum)
	}
	if config.Momentum > 1.0 {
		return nil, errors.Errorf("momentum cannot be greater than 1.0: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, errors.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	if config.Nesterov && (config.Momentum <= 0 || config.Dampening != 0) {
		return nil, errors.Errorf("nesterov momentum requires a momentum and zero dampening")
	}

	return &SGDOptimizerState{
		learningRate: config.LearningRate,
		Momentum:     config.Momentum,
		Dampening:    config.Dampening,
		WeightDecay:  config.WeightDecay,
		Nesterov:     config.Nesterov,
		params:       params,
	}, nil
}

// Step performs a single optimization step
func (sgd *SGDOptimizerState) Step() error {
	if sgd.Momentum > 0 && sgd.MomentumBuffers == nil {
		sgd.MomentumBuffers = make([][]float32, len(sgd.params))
	}
	lr := float32(sgd.learningRate)

	for i, p := range sgd.params {
		grad := p.Grad()
		if grad == nil {
			continue
		}
		if len(grad.Data) != len(p.Data) {
			return errors.Errorf("gradient of parameter %d has %d elements, expected %d", i, len(grad.Data), len(p.Data))
		}

		if sgd.Momentum == 0 {
			for j, g := range grad.Data {
				p.Data[j] -= lr * (g + sgd.WeightDecay*p.Data[j])
			}
			continue
		}

		buf := sgd.MomentumBuffers[i]
		fresh := buf == nil
		if fresh {
			buf = make([]float32, len(p.Data))
			sgd.MomentumBuffers[i] = buf
		}
		for j, g := range grad.Data {
			g += sgd.WeightDecay * p.Data[j]
			if fresh {
				buf[j] = g
			} else {
				buf[j] = sgd.Momentum*buf[j] + (1-sgd.Dampening)*g
			}
			if sgd.Nesterov {
				g += sgd.Momentum * buf[j]
			} else {
				g = buf[j]
			}
			p.Data[j] -= lr * g
		}
	}

	sgd.StepCount++
	return nil
}

// ZeroGrad clears parameter gradients
func (sgd *SGDOptimizerState) ZeroGrad() {
	for _, p := range sgd.params {
		p.ZeroGrad()
	}
}

// LearningRate returns the current learning rate
func (sgd *SGDOptimizerState) LearningRate() float64 {
	return sgd.learningRate
}

// UpdateLearningRate updates the learning rate
func (sgd *SGDOptimizerState) UpdateLearningRate(newLR float64) {
	sgd.learningRate = newLR
}

// GetStepCount returns the current step count
func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizerState) GetState() (*checkpoints.OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0)

	for i, buffer := range sgd.MomentumBuffers {
		if buffer == nil {
			continue
		}
		stateData = append(stateData, extractBufferState(buffer, sgd.params[i].Shape,
			fmt.Sprintf("momentum_%d", i), "momentum"))
	}

	return &checkpoints.OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": sgd.learningRate,
			"momentum":      sgd.Momentum,
			"dampening":     sgd.Dampening,
			"weight_decay":  sgd.WeightDecay,
			"nesterov":      sgd.Nesterov,
			"step_count":    sgd.StepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGDOptimizerState) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	sgd.learningRate = extractFloatParam(state.Parameters, "learning_rate", sgd.learningRate)
	sgd.Momentum = float32(extractFloatParam(state.Parameters, "momentum", float64(sgd.Momentum)))
	sgd.Dampening = float32(extractFloatParam(state.Parameters, "dampening", float64(sgd.Dampening)))
	sgd.WeightDecay = float32(extractFloatParam(state.Parameters, "weight_decay", float64(sgd.WeightDecay)))
	sgd.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.StepCount = extractUint64Param(state.Parameters, "step_count", sgd.StepCount)

	for _, t := range state.StateData {
		if t.StateType != "momentum" {
			continue
		}
		idx := extractBufferIndex(t.Name)
		if idx < 0 || idx >= len(sgd.params) {
			return errors.Errorf("invalid buffer index in tensor name: %s", t.Name)
		}
		if sgd.MomentumBuffers == nil {
			sgd.MomentumBuffers = make([][]float32, len(sgd.params))
		}
		buf := make([]float32, len(sgd.params[idx].Data))
		if err := restoreBufferState(buf, t.Data, t.Name); err != nil {
			return err
		}
		sgd.MomentumBuffers[idx] = buf
	}
	return nil
}
