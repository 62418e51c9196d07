package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-sicnn/layers"
	"github.com/tsawler/go-sicnn/tensor"
)

// RMSPropOptimizerState scales each update by a running RMS of past
// gradients, optionally centred and with momentum.
type RMSPropOptimizerState struct {
	// Hyperparameters
	lr          float32
	Alpha       float32 // Smoothing constant (typically 0.99)
	Epsilon     float32 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay float32 // L2 regularization coefficient
	Momentum    float32 // Momentum coefficient (typically 0.9, 0.0 for no momentum)
	Centered    bool    // Whether to use centered RMSProp (subtract mean of gradients)

	SquaredGradAvgBuffers [][]float32
	MomentumBuffers       [][]float32 // only if momentum > 0
	GradientAvgBuffers    [][]float32 // only if centered

	StepCount uint64

	params *layers.ParamSet
}

// RMSPropConfig holds configuration for RMSProp optimizer
type RMSPropConfig struct {
	LearningRate float32
	Alpha        float32
	Epsilon      float32
	WeightDecay  float32
	Momentum     float32
	Centered     bool
}

// DefaultRMSPropConfig returns default RMSProp optimizer configuration
func DefaultRMSPropConfig() RMSPropConfig {
	return RMSPropConfig{
		LearningRate: 0.01,
		Alpha:        0.99,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
		Momentum:     0.0,
		Centered:     false,
	}
}

// NewRMSPropOptimizer creates an RMSProp optimizer bound to ps
func NewRMSPropOptimizer(config RMSPropConfig, ps *layers.ParamSet) (*RMSPropOptimizerState, error) {
	if ps == nil || ps.Len() == 0 {
		return nil, fmt.Errorf("no parameters provided")
	}
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Alpha <= 0 || config.Alpha >= 1 {
		return nil, fmt.Errorf("alpha must be in (0, 1): %f", config.Alpha)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive: %f", config.Epsilon)
	}
	if config.Momentum < 0 {
		return nil, fmt.Errorf("momentum cannot be negative: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}

	rms := &RMSPropOptimizerState{
		lr:                    config.LearningRate,
		Alpha:                 config.Alpha,
		Epsilon:               config.Epsilon,
		WeightDecay:           config.WeightDecay,
		Momentum:              config.Momentum,
		Centered:              config.Centered,
		SquaredGradAvgBuffers: newBuffers(ps),
		params:                ps,
	}
	if config.Momentum > 0 {
		rms.MomentumBuffers = newBuffers(ps)
	}
	if config.Centered {
		rms.GradientAvgBuffers = newBuffers(ps)
	}
	return rms, nil
}

// Step performs a single RMSProp optimization step
func (rms *RMSPropOptimizerState) Step(grads []*tensor.Tensor) error {
	if err := checkGrads(rms.params, grads); err != nil {
		return err
	}

	for i, p := range rms.params.Params() {
		w := p.Value.Data
		g := grads[i].Data
		sq := rms.SquaredGradAvgBuffers[i]
		for j := range w {
			d := g[j] + rms.WeightDecay*w[j]
			sq[j] = rms.Alpha*sq[j] + (1-rms.Alpha)*d*d
			avg := sq[j]
			if rms.GradientAvgBuffers != nil {
				ga := rms.GradientAvgBuffers[i]
				ga[j] = rms.Alpha*ga[j] + (1-rms.Alpha)*d
				avg -= ga[j] * ga[j]
			}
			denom := float32(math.Sqrt(float64(avg))) + rms.Epsilon
			if rms.MomentumBuffers != nil {
				buf := rms.MomentumBuffers[i]
				buf[j] = rms.Momentum*buf[j] + d/denom
				w[j] -= rms.lr * buf[j]
			} else {
				w[j] -= rms.lr * d / denom
			}
		}
	}

	rms.StepCount++
	return nil
}

// UpdateLearningRate updates the learning rate
func (rms *RMSPropOptimizerState) UpdateLearningRate(newLR float32) {
	rms.lr = newLR
}

// LearningRate returns the current learning rate
func (rms *RMSPropOptimizerState) LearningRate() float32 { return rms.lr }

// GetStepCount returns the current step count
func (rms *RMSPropOptimizerState) GetStepCount() uint64 {
	return rms.StepCount
}

// Params returns the bound parameter set
func (rms *RMSPropOptimizerState) Params() *layers.ParamSet { return rms.params }

// GetState extracts optimizer state for checkpointing
func (rms *RMSPropOptimizerState) GetState() (*OptimizerState, error) {
	stateData := extractBufferStates(rms.SquaredGradAvgBuffers, "squared_grad_avg", "squared_grad_avg")
	if rms.MomentumBuffers != nil {
		stateData = append(stateData, extractBufferStates(rms.MomentumBuffers, "momentum", "momentum")...)
	}
	if rms.GradientAvgBuffers != nil {
		stateData = append(stateData, extractBufferStates(rms.GradientAvgBuffers, "gradient_avg", "gradient_avg")...)
	}
	return &OptimizerState{
		Type: "RMSProp",
		Parameters: map[string]interface{}{
			"learning_rate": rms.lr,
			"alpha":         rms.Alpha,
			"epsilon":       rms.Epsilon,
			"weight_decay":  rms.WeightDecay,
			"momentum":      rms.Momentum,
			"centered":      rms.Centered,
			"step_count":    rms.StepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (rms *RMSPropOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("RMSProp", state); err != nil {
		return err
	}

	rms.lr = extractFloat32Param(state.Parameters, "learning_rate", rms.lr)
	rms.Alpha = extractFloat32Param(state.Parameters, "alpha", rms.Alpha)
	rms.Epsilon = extractFloat32Param(state.Parameters, "epsilon", rms.Epsilon)
	rms.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", rms.WeightDecay)
	rms.Momentum = extractFloat32Param(state.Parameters, "momentum", rms.Momentum)
	rms.Centered = extractBoolParam(state.Parameters, "centered", rms.Centered)
	rms.StepCount = extractUint64Param(state.Parameters, "step_count", rms.StepCount)

	if rms.Momentum > 0 && rms.MomentumBuffers == nil {
		rms.MomentumBuffers = newBuffers(rms.params)
	}
	if rms.Centered && rms.GradientAvgBuffers == nil {
		rms.GradientAvgBuffers = newBuffers(rms.params)
	}

	if err := restoreBufferStates(rms.SquaredGradAvgBuffers, state, "squared_grad_avg"); err != nil {
		return err
	}
	if rms.MomentumBuffers != nil {
		if err := restoreBufferStates(rms.MomentumBuffers, state, "momentum"); err != nil {
			return err
		}
	}
	if rms.GradientAvgBuffers != nil {
		return restoreBufferStates(rms.GradientAvgBuffers, state, "gradient_avg")
	}
	return nil
}
