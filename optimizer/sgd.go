package optimizer

import (
	"fmt"

	"github.com/tsawler/go-sicnn/layers"
	"github.com/tsawler/go-sicnn/tensor"
)

// SGDOptimizerState is stochastic gradient descent with optional momentum,
// Nesterov lookahead and L2 weight decay.
type SGDOptimizerState struct {
	// Hyperparameters
	lr          float32
	Momentum    float32 // Momentum coefficient (0 for vanilla SGD)
	WeightDecay float32 // L2 regularization coefficient
	Nesterov    bool    // Whether to use Nesterov momentum

	// Momentum buffers, one per parameter (only if momentum > 0)
	MomentumBuffers [][]float32

	StepCount uint64

	params *layers.ParamSet
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float32
	Momentum     float32
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

// NewSGDOptimizer creates an SGD optimizer bound to ps
func NewSGDOptimizer(config SGDConfig, ps *layers.ParamSet) (*SGDOptimizerState, error) {
	if ps == nil || ps.Len() == 0 {
		return nil, fmt.Errorf("no parameters provided")
	}

	// Validate configuration parameters
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Momentum < 0 {
		return nil, fmt.Errorf("momentum cannot be negative: %f", config.Momentum)
	}
	if config.Momentum > 1.0 {
		return nil, fmt.Errorf("momentum cannot be greater than 1.0: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, fmt.Errorf("nesterov momentum requires a positive momentum")
	}

	sgd := &SGDOptimizerState{
		lr:          config.LearningRate,
		Momentum:    config.Momentum,
		WeightDecay: config.WeightDecay,
		Nesterov:    config.Nesterov,
		params:      ps,
	}
	if config.Momentum > 0 {
		sgd.MomentumBuffers = newBuffers(ps)
	}
	return sgd, nil
}

// Step performs a single SGD optimization step
func (sgd *SGDOptimizerState) Step(grads []*tensor.Tensor) error {
	if err := checkGrads(sgd.params, grads); err != nil {
		return err
	}

	for i, p := range sgd.params.Params() {
		w := p.Value.Data
		g := grads[i].Data
		for j := range w {
			d := g[j] + sgd.WeightDecay*w[j]
			if sgd.MomentumBuffers != nil {
				buf := sgd.MomentumBuffers[i]
				buf[j] = sgd.Momentum*buf[j] + d
				if sgd.Nesterov {
					d += sgd.Momentum * buf[j]
				} else {
					d = buf[j]
				}
			}
			w[j] -= sgd.lr * d
		}
	}

	sgd.StepCount++
	return nil
}

// UpdateLearningRate updates the learning rate
func (sgd *SGDOptimizerState) UpdateLearningRate(newLR float32) {
	sgd.lr = newLR
}

// LearningRate returns the current learning rate
func (sgd *SGDOptimizerState) LearningRate() float32 { return sgd.lr }

// GetStepCount returns the current step count
func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}

// Params returns the bound parameter set
func (sgd *SGDOptimizerState) Params() *layers.ParamSet { return sgd.params }

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizerState) GetState() (*OptimizerState, error) {
	state := &OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": sgd.lr,
			"momentum":      sgd.Momentum,
			"weight_decay":  sgd.WeightDecay,
			"nesterov":      sgd.Nesterov,
			"step_count":    sgd.StepCount,
		},
	}
	if sgd.MomentumBuffers != nil {
		state.StateData = extractBufferStates(sgd.MomentumBuffers, "momentum", "momentum")
	}
	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGDOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	sgd.lr = extractFloat32Param(state.Parameters, "learning_rate", sgd.lr)
	sgd.Momentum = extractFloat32Param(state.Parameters, "momentum", sgd.Momentum)
	sgd.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", sgd.WeightDecay)
	sgd.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.StepCount = extractUint64Param(state.Parameters, "step_count", sgd.StepCount)

	if sgd.Momentum > 0 && sgd.MomentumBuffers == nil {
		sgd.MomentumBuffers = newBuffers(sgd.params)
	}
	if sgd.MomentumBuffers == nil {
		return nil
	}
	return restoreBufferStates(sgd.MomentumBuffers, state, "momentum")
}
