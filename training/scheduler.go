package training

import (
	"fmt"
	"math"
	"strings"
)

// LRScheduler maps an epoch index (0 for the first epoch) to a learning rate.
// Implementations are pure, so one schedule can drive both models from their
// own base rates.
type LRScheduler interface {
	GetLR(epoch int, baseLR float64) float64
	GetName() string
}

// NewLRScheduler builds a schedule by name: constant, step, exponential or
// cosine. Parameters a schedule does not use are ignored; invalid ones fall
// back to the schedule's defaults.
func NewLRScheduler(kind string, stepSize int, gamma float64, tMax int, minFactor float64) (LRScheduler, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "constant":
		return &NoOpScheduler{}, nil
	case "step":
		return NewStepLRScheduler(stepSize, gamma), nil
	case "exponential":
		return NewExponentialLRScheduler(gamma), nil
	case "cosine":
		return NewCosineAnnealingLRScheduler(tMax, minFactor), nil
	default:
		return nil, fmt.Errorf("unknown learning rate schedule %q", kind)
	}
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{StepSize: stepSize, Gamma: gamma}
}

func (s *StepLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch/s.StepSize))
}

func (s *StepLRScheduler) GetName() string { return "StepLR" }

// ExponentialLRScheduler decays learning rate exponentially
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per epoch
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return &ExponentialLRScheduler{Gamma: gamma}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string { return "ExponentialLR" }

// CosineAnnealingLRScheduler anneals from the base rate to MinFactor times
// the base rate over TMax epochs.
type CosineAnnealingLRScheduler struct {
	TMax      int
	MinFactor float64
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, minFactor float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	if minFactor < 0 || minFactor > 1 {
		minFactor = 0
	}
	return &CosineAnnealingLRScheduler{TMax: tMax, MinFactor: minFactor}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	etaMin := baseLR * s.MinFactor
	if epoch >= s.TMax {
		return etaMin
	}
	return etaMin + (baseLR-etaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string { return "CosineAnnealingLR" }

// NoOpScheduler maintains constant learning rate (default behavior)
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, baseLR float64) float64 { return baseLR }

func (s *NoOpScheduler) GetName() string { return "ConstantLR" }
