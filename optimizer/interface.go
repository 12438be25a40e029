package optimizer

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-mil/checkpoints"
)

// Optimizer updates a fixed parameter list from its gradients and can be
// checkpointed.
type Optimizer interface {
	// Step applies the accumulated gradients of every parameter.
	// Parameters without a gradient are left unchanged.
	Step() error

	// ZeroGrad clears the gradients of every parameter
	ZeroGrad()

	// GetState extracts optimizer state for checkpointing
	GetState() (*checkpoints.OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *checkpoints.OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// LearningRate returns the current learning rate
	LearningRate() float64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float64)
}

// extractBufferIndex returns the trailing index of a state tensor name such
// as "momentum_3", or -1.
func extractBufferIndex(name string) int {
	i := strings.LastIndexByte(name, '_')
	if i < 0 {
		return -1
	}
	idx, err := strconv.Atoi(name[i+1:])
	if err != nil {
		return -1
	}
	return idx
}

func validateStateType(optimizerType string, state *checkpoints.OptimizerState) error {
	if state == nil {
		return errors.New("no optimizer state")
	}
	if state.Type != optimizerType {
		return errors.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
