package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-sicnn/layers"
	"github.com/tsawler/go-sicnn/tensor"
)

// AdamOptimizerState is Adam with bias correction and L2 weight decay added
// to the gradient.
type AdamOptimizerState struct {
	// Hyperparameters
	lr          float32
	Beta1       float32 // Momentum decay (typically 0.9)
	Beta2       float32 // Variance decay (typically 0.999)
	Epsilon     float32 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay float32 // L2 regularization coefficient

	MomentumBuffers [][]float32 // First moment for each parameter
	VarianceBuffers [][]float32 // Second moment for each parameter

	// Step tracking for bias correction
	StepCount uint64

	params *layers.ParamSet
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// NewAdamOptimizer creates an Adam optimizer bound to ps
func NewAdamOptimizer(config AdamConfig, ps *layers.ParamSet) (*AdamOptimizerState, error) {
	if ps == nil || ps.Len() == 0 {
		return nil, fmt.Errorf("no parameters provided")
	}
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 {
		return nil, fmt.Errorf("beta1 must be in [0, 1): %f", config.Beta1)
	}
	if config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("beta2 must be in [0, 1): %f", config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive: %f", config.Epsilon)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}

	return &AdamOptimizerState{
		lr:              config.LearningRate,
		Beta1:           config.Beta1,
		Beta2:           config.Beta2,
		Epsilon:         config.Epsilon,
		WeightDecay:     config.WeightDecay,
		MomentumBuffers: newBuffers(ps),
		VarianceBuffers: newBuffers(ps),
		params:          ps,
	}, nil
}

// Step performs a single Adam optimization step
func (adam *AdamOptimizerState) Step(grads []*tensor.Tensor) error {
	if err := checkGrads(adam.params, grads); err != nil {
		return err
	}

	adam.StepCount++
	t := float64(adam.StepCount)
	bc1 := float32(1 - math.Pow(float64(adam.Beta1), t))
	bc2 := float32(1 - math.Pow(float64(adam.Beta2), t))

	for i, p := range adam.params.Params() {
		w := p.Value.Data
		g := grads[i].Data
		m := adam.MomentumBuffers[i]
		v := adam.VarianceBuffers[i]
		for j := range w {
			d := g[j] + adam.WeightDecay*w[j]
			m[j] = adam.Beta1*m[j] + (1-adam.Beta1)*d
			v[j] = adam.Beta2*v[j] + (1-adam.Beta2)*d*d
			mHat := m[j] / bc1
			vHat := v[j] / bc2
			w[j] -= adam.lr * mHat / (float32(math.Sqrt(float64(vHat))) + adam.Epsilon)
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate
func (adam *AdamOptimizerState) UpdateLearningRate(newLR float32) {
	adam.lr = newLR
}

// LearningRate returns the current learning rate
func (adam *AdamOptimizerState) LearningRate() float32 { return adam.lr }

// GetStepCount returns the current step count
func (adam *AdamOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

// Params returns the bound parameter set
func (adam *AdamOptimizerState) Params() *layers.ParamSet { return adam.params }

// GetState extracts optimizer state for checkpointing
func (adam *AdamOptimizerState) GetState() (*OptimizerState, error) {
	stateData := extractBufferStates(adam.MomentumBuffers, "momentum", "momentum")
	stateData = append(stateData, extractBufferStates(adam.VarianceBuffers, "variance", "variance")...)
	return &OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": adam.lr,
			"beta1":         adam.Beta1,
			"beta2":         adam.Beta2,
			"epsilon":       adam.Epsilon,
			"weight_decay":  adam.WeightDecay,
			"step_count":    adam.StepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *AdamOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	adam.lr = extractFloat32Param(state.Parameters, "learning_rate", adam.lr)
	adam.Beta1 = extractFloat32Param(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloat32Param(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloat32Param(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.StepCount = extractUint64Param(state.Parameters, "step_count", adam.StepCount)

	if err := restoreBufferStates(adam.MomentumBuffers, state, "momentum"); err != nil {
		return err
	}
	return restoreBufferStates(adam.VarianceBuffers, state, "variance")
}
