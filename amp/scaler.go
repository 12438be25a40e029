// Package amp implements mixed-precision support for training: dynamic loss
// scaling and half-precision gradient exchange.
package amp

import (
	"math"
	"strings"

	"github.com/pkg/errors"
)

// OptLevel selects how much of a step runs in reduced precision.
type OptLevel int

const (
	// O0 is plain float32 training; loss scaling is disabled.
	O0 OptLevel = iota
	// O1 keeps float32 math but scales the loss dynamically.
	O1
	// O2 additionally exchanges gradients between workers as float16.
	O2
)

func (l OptLevel) String() string {
	switch l {
	case O0:
		return "O0"
	case O1:
		return "O1"
	case O2:
		return "O2"
	default:
		return "Unknown"
	}
}

// ParseOptLevel accepts "O0", "O1" or "O2" (case-insensitive).
func ParseOptLevel(s string) (OptLevel, error) {
	switch strings.ToUpper(s) {
	case "O0":
		return O0, nil
	case "O1":
		return O1, nil
	case "O2":
		return O2, nil
	}
	return O0, errors.Errorf("unknown opt level %q, want O0, O1 or O2", s)
}

// HalfGradients reports whether gradients travel as float16.
func (l OptLevel) HalfGradients() bool {
	return l == O2
}

// ScalerConfig holds the dynamic loss scaling parameters.
type ScalerConfig struct {
	InitialScale   float64
	GrowthFactor   float64
	BackoffFactor  float64
	GrowthInterval int
	MinScale       float64
}

// DefaultScalerConfig returns the usual dynamic scaling schedule: start at
// 2^16, halve on overflow, double after 2000 clean steps.
func DefaultScalerConfig() ScalerConfig {
	return ScalerConfig{
		InitialScale:   65536.0,
		GrowthFactor:   2.0,
		BackoffFactor:  0.5,
		GrowthInterval: 2000,
		MinScale:       1.0,
	}
}

// Scaler multiplies the loss before backward and divides the gradients
// after it. On overflow the step must be skipped and the scale backs off.
type Scaler struct {
	level    OptLevel
	cfg      ScalerConfig
	scale    float64
	goodRuns int
	skipped  int
}

// NewScaler creates a scaler for the given level. At O0 the scale stays 1.
func NewScaler(level OptLevel, cfg ScalerConfig) (*Scaler, error) {
	if level < O0 || level > O2 {
		return nil, errors.Errorf("invalid opt level %d", int(level))
	}
	if cfg.InitialScale <= 0 {
		return nil, errors.Errorf("initial loss scale must be positive: %f", cfg.InitialScale)
	}
	if cfg.GrowthFactor <= 1 {
		return nil, errors.Errorf("growth factor must be greater than 1: %f", cfg.GrowthFactor)
	}
	if cfg.BackoffFactor <= 0 || cfg.BackoffFactor >= 1 {
		return nil, errors.Errorf("backoff factor must be in (0, 1): %f", cfg.BackoffFactor)
	}
	if cfg.GrowthInterval <= 0 {
		return nil, errors.Errorf("growth interval must be positive: %d", cfg.GrowthInterval)
	}

	s := &Scaler{level: level, cfg: cfg, scale: 1}
	if level != O0 {
		s.scale = cfg.InitialScale
	}
	return s, nil
}

// Level returns the configured opt level.
func (s *Scaler) Level() OptLevel {
	return s.level
}

// Scale returns the current loss scale.
func (s *Scaler) Scale() float64 {
	return s.scale
}

// SetScale restores a scale, e.g. from a checkpoint. Ignored at O0.
func (s *Scaler) SetScale(scale float64) {
	if s.level == O0 || scale <= 0 {
		return
	}
	s.scale = scale
}

// Skipped returns how many steps were dropped because of overflow.
func (s *Scaler) Skipped() int {
	return s.skipped
}

// Unscale divides every gradient by the loss scale in place and reports
// whether any value is inf or NaN.
func (s *Scaler) Unscale(grads ...[]float32) (overflow bool) {
	inv := float32(1 / s.scale)
	for _, g := range grads {
		for i, v := range g {
			v *= inv
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				overflow = true
			}
			g[i] = v
		}
	}
	return overflow
}

// Update adjusts the scale after a step. It returns true when the step may
// be applied.
func (s *Scaler) Update(overflow bool) bool {
	if s.level == O0 {
		return !overflow
	}
	if overflow {
		s.scale = math.Max(s.scale*s.cfg.BackoffFactor, s.cfg.MinScale)
		s.goodRuns = 0
		s.skipped++
		return false
	}
	s.goodRuns++
	if s.goodRuns >= s.cfg.GrowthInterval {
		s.scale *= s.cfg.GrowthFactor
		s.goodRuns = 0
	}
	return true
}
