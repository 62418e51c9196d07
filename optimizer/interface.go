package optimizer

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-sicnn/checkpoints"
	"github.com/tsawler/go-sicnn/layers"
	"github.com/tsawler/go-sicnn/tensor"
)

// Optimizer updates the parameters of exactly one ParamSet. Nothing outside
// that set can be touched by Step, which is what lets a training phase hold
// the other model's weights fixed.
type Optimizer interface {
	// Step applies one update. grads must line up with Params().Tensors().
	Step(grads []*tensor.Tensor) error

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float32)

	// LearningRate returns the current learning rate
	LearningRate() float32

	// Params returns the set this optimizer is bound to
	Params() *layers.ParamSet
}

// OptimizerState represents the complete state of an optimizer
type OptimizerState = checkpoints.OptimizerState

// Kind names an optimizer algorithm.
type Kind int

const (
	KindSGD Kind = iota
	KindAdam
	KindRMSProp
)

func (k Kind) String() string {
	switch k {
	case KindSGD:
		return "SGD"
	case KindAdam:
		return "Adam"
	case KindRMSProp:
		return "RMSProp"
	default:
		return "Unknown"
	}
}

// ParseKind maps a configured name onto a Kind.
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "sgd":
		return KindSGD, nil
	case "adam":
		return KindAdam, nil
	case "rmsprop":
		return KindRMSProp, nil
	default:
		return KindSGD, fmt.Errorf("unknown optimizer %q", name)
	}
}

// Settings are the hyperparameters shared by every Kind. Fields a Kind does
// not use are ignored.
type Settings struct {
	LearningRate float32
	Momentum     float32
	WeightDecay  float32
}

// New builds an optimizer of the given kind over ps.
func New(kind Kind, ps *layers.ParamSet, s Settings) (Optimizer, error) {
	switch kind {
	case KindSGD:
		cfg := DefaultSGDConfig()
		cfg.LearningRate, cfg.Momentum, cfg.WeightDecay = s.LearningRate, s.Momentum, s.WeightDecay
		return NewSGDOptimizer(cfg, ps)
	case KindAdam:
		cfg := DefaultAdamConfig()
		cfg.LearningRate, cfg.WeightDecay = s.LearningRate, s.WeightDecay
		return NewAdamOptimizer(cfg, ps)
	case KindRMSProp:
		cfg := DefaultRMSPropConfig()
		cfg.LearningRate, cfg.Momentum, cfg.WeightDecay = s.LearningRate, s.Momentum, s.WeightDecay
		return NewRMSPropOptimizer(cfg, ps)
	default:
		return nil, fmt.Errorf("unsupported optimizer kind %v", kind)
	}
}

// checkGrads verifies grads line up with the bound parameters.
func checkGrads(ps *layers.ParamSet, grads []*tensor.Tensor) error {
	params := ps.Params()
	if len(grads) != len(params) {
		return fmt.Errorf("got %d gradients for %d parameters in %s", len(grads), len(params), ps.Name())
	}
	for i, g := range grads {
		if g == nil {
			return fmt.Errorf("nil gradient for %s", params[i].Name)
		}
		if g.NumElems != params[i].Value.NumElems {
			return fmt.Errorf("gradient for %s has %d elements, parameter has %d",
				params[i].Name, g.NumElems, params[i].Value.NumElems)
		}
	}
	return nil
}

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0", "variance_1", "squared_grad_avg_0"
func extractBufferIndex(name string) int {
	var idx int
	lastUnderscoreIdx := strings.LastIndex(name, "_")
	if lastUnderscoreIdx == -1 {
		return -1
	}
	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state cannot be nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
