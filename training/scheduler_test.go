package training

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepLRScheduler(t *testing.T) {
	scheduler := NewStepLRScheduler(2, 0.1)
	baseLR := 0.1

	tests := []struct {
		epoch      int
		expectedLR float64
	}{
		{0, 0.1},    // Initial
		{1, 0.1},    // No change yet
		{2, 0.01},   // First reduction
		{3, 0.01},   // Same
		{4, 0.001},  // Second reduction
		{6, 0.0001}, // Third reduction
	}

	for _, tt := range tests {
		lr := scheduler.GetLR(tt.epoch, baseLR)
		if math.Abs(lr-tt.expectedLR) > 1e-8 {
			t.Errorf("Epoch %d: expected LR %f, got %f", tt.epoch, tt.expectedLR, lr)
		}
	}
}

func TestExponentialLRScheduler(t *testing.T) {
	scheduler := NewExponentialLRScheduler(0.9)
	assert.InDelta(t, 0.081, scheduler.GetLR(2, 0.1), 1e-12)
	assert.InDelta(t, 0.059049, scheduler.GetLR(5, 0.1), 1e-12)
}

func TestCosineAnnealingLRScheduler(t *testing.T) {
	scheduler := NewCosineAnnealingLRScheduler(5, 0.0001)
	baseLR := 0.01

	tests := []struct {
		epoch      int
		expectedLR float64
	}{
		{0, 0.01},     // Initial (max)
		{5, 0.0001},   // Final (min)
		{2, 0.006580}, // 0.0001 + 0.0099*(1+cos(2π/5))/2
	}

	for _, tt := range tests {
		lr := scheduler.GetLR(tt.epoch, baseLR)
		if math.Abs(lr-tt.expectedLR) > 1e-6 {
			t.Errorf("Epoch %d: expected LR %f, got %f", tt.epoch, tt.expectedLR, lr)
		}
	}

	assert.Equal(t, 0.0001, scheduler.GetLR(10, baseLR), "beyond TMax")
}

func TestWarmupThenCosine(t *testing.T) {
	scheduler, err := NewScheduler(SchedulerCosine, 15, 50)
	require.NoError(t, err)
	baseLR := 0.0002

	// Linear ramp from zero, reaching the base rate at epoch 5.
	for epoch := 0; epoch <= 5; epoch++ {
		assert.InDelta(t, baseLR*float64(epoch)/5, scheduler.GetLR(epoch, baseLR), 1e-15, "epoch %d", epoch)
	}
	assert.Equal(t, 0.0, scheduler.GetLR(0, baseLR))

	// Cosine over the remaining ten starts one epoch later at the base rate.
	assert.InDelta(t, baseLR, scheduler.GetLR(6, baseLR), 1e-15)
	assert.InDelta(t, 1e-6+(baseLR-1e-6)/2, scheduler.GetLR(11, baseLR), 1e-12)
	assert.Equal(t, 1e-6, scheduler.GetLR(16, baseLR))

	// Monotonically non-increasing after the warmup.
	prev := scheduler.GetLR(5, baseLR)
	for epoch := 6; epoch < 20; epoch++ {
		lr := scheduler.GetLR(epoch, baseLR)
		assert.LessOrEqual(t, lr, prev)
		prev = lr
	}
}

func TestNewScheduler(t *testing.T) {
	step, err := NewScheduler(SchedulerStep, 100, 50)
	require.NoError(t, err)
	assert.InDelta(t, 1, step.GetLR(49, 1), 1e-12)
	assert.InDelta(t, 0.1, step.GetLR(50, 1), 1e-12)
	assert.InDelta(t, 0.01, step.GetLR(100, 1), 1e-12)

	_, err = NewScheduler("plateau", 10, 5)
	assert.Error(t, err)
}

func TestSchedulerNames(t *testing.T) {
	tests := []struct {
		scheduler LRScheduler
		expected  string
	}{
		{NewStepLRScheduler(10, 0.1), "StepLR"},
		{NewExponentialLRScheduler(0.95), "ExponentialLR"},
		{NewCosineAnnealingLRScheduler(100, 0.0), "CosineAnnealingLR"},
		{NewWarmupScheduler(5, NewCosineAnnealingLRScheduler(10, 0)), "Warmup+CosineAnnealingLR"},
		{&NoOpScheduler{}, "ConstantLR"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.scheduler.GetName())
	}
}
