package training

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-mil/tensor"
)

// Loss maps predictions and targets to a differentiable scalar.
type Loss interface {
	Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
}

// ClampedBCELoss is binary cross entropy on probabilities that are first
// clamped to [Eps, 1-Eps], so log never sees 0.
type ClampedBCELoss struct {
	Eps float32
}

// NewClampedBCELoss creates the loss; eps defaults to 1e-5.
func NewClampedBCELoss(eps float32) *ClampedBCELoss {
	if eps <= 0 || eps >= 0.5 {
		eps = 1e-5
	}
	return &ClampedBCELoss{Eps: eps}
}

// Forward returns the mean of -(y log p + (1-y) log(1-p)) as a [1] tensor.
func (l *ClampedBCELoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if predicted.NumElems != target.NumElems {
		return nil, errors.Errorf("predicted has %d elements, target %d", predicted.NumElems, target.NumElems)
	}
	target = tensor.Reshape(target, predicted.Shape...)
	for _, y := range target.Data {
		if y < 0 || y > 1 {
			return nil, errors.Errorf("target %v outside [0, 1]", y)
		}
	}

	p := tensor.Clamp(predicted, l.Eps, 1-l.Eps)
	pos := tensor.Mul(target, tensor.Log(p))
	neg := tensor.Mul(tensor.Affine(target, -1, 1), tensor.Log(tensor.Affine(p, -1, 1)))
	return tensor.Scale(tensor.Mean(tensor.Add(pos, neg)), -1), nil
}

// SlideLoss is the loss of a single slide probability against its label.
func SlideLoss(loss Loss, prob *tensor.Tensor, label float32) (*tensor.Tensor, error) {
	return loss.Forward(prob, tensor.Full(label, prob.Shape...))
}
