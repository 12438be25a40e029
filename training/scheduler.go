package training

import (
	"math"

	"github.com/pkg/errors"
)

// LRScheduler defines the interface for learning rate scheduling strategies.
// Schedulers are stateless: the rate is a pure function of the epoch.
type LRScheduler interface {
	// GetLR returns the learning rate for the given zero-based epoch
	GetLR(epoch int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30 // Default: reduce every 30 epochs
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1 // Default: reduce by 10x
	}
	return &StepLRScheduler{
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

func (s *StepLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	times := epoch / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler decays learning rate exponentially
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per epoch
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95 // Default: 5% reduction per epoch
	}
	return &ExponentialLRScheduler{Gamma: gamma}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler implements cosine annealing schedule
type CosineAnnealingLRScheduler struct {
	TMax   int     // Maximum number of epochs
	EtaMin float64 // Minimum learning rate
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100 // Default: 100 epochs
	}
	if etaMin < 0 {
		etaMin = 0 // Default: anneal to 0
	}
	return &CosineAnnealingLRScheduler{
		TMax:   tMax,
		EtaMin: etaMin,
	}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// WarmupScheduler ramps the rate linearly from 0 at epoch 0 to baseLR at
// epoch Epochs, then hands over to After, whose epoch 0 is epoch Epochs+1.
type WarmupScheduler struct {
	Epochs int
	After  LRScheduler
}

// NewWarmupScheduler wraps after with a linear warmup.
func NewWarmupScheduler(epochs int, after LRScheduler) *WarmupScheduler {
	if after == nil {
		after = &NoOpScheduler{}
	}
	return &WarmupScheduler{Epochs: epochs, After: after}
}

func (s *WarmupScheduler) GetLR(epoch int, baseLR float64) float64 {
	if epoch <= s.Epochs {
		return baseLR * float64(epoch) / float64(s.Epochs)
	}
	return s.After.GetLR(epoch-s.Epochs-1, baseLR)
}

func (s *WarmupScheduler) GetName() string {
	return "Warmup+" + s.After.GetName()
}

// NoOpScheduler maintains constant learning rate
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}

// Scheduler names accepted by NewScheduler.
const (
	SchedulerCosine      = "cosine"
	SchedulerStep        = "step"
	SchedulerExponential = "exponential"
	SchedulerConstant    = "constant"
)

// warmupEpochs and minLR shape the cosine schedule.
const (
	warmupEpochs = 5
	minLR        = 1e-6
)

// NewScheduler builds the named schedule for a run of epochs epochs.
// "cosine" warms up for 5 epochs and anneals to 1e-6 over the rest; "step"
// divides the rate by 10 every lrDrop epochs.
func NewScheduler(name string, epochs, lrDrop int) (LRScheduler, error) {
	switch name {
	case SchedulerCosine:
		return NewWarmupScheduler(warmupEpochs, NewCosineAnnealingLRScheduler(epochs-warmupEpochs, minLR)), nil
	case SchedulerStep:
		return NewStepLRScheduler(lrDrop, 0.1), nil
	case SchedulerExponential:
		return NewExponentialLRScheduler(0.95), nil
	case SchedulerConstant:
		return &NoOpScheduler{}, nil
	}
	return nil, errors.Errorf("unknown scheduler %q", name)
}
