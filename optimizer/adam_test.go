package optimizer

import (
	"testing"
)

func TestAdamStep(t *testing.T) {
	ps, w := singleParam(t, 1, 1)
	adam, err := NewAdamOptimizer(AdamConfig{LearningRate: 0.1, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}, ps)
	if err != nil {
		t.Fatalf("NewAdamOptimizer failed: %v", err)
	}

	// The bias-corrected first step moves every weight by lr * sign(g).
	if err := adam.Step(grad(3, -0.01)); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if !near(w.Data[0], 0.9) || !near(w.Data[1], 1.1) {
		t.Errorf("Expected [0.9 1.1], got %v", w.Data)
	}

	state, _ := adam.GetState()
	ps2, _ := singleParam(t, 1, 1)
	restored, _ := NewAdamOptimizer(DefaultAdamConfig(), ps2)
	if err := restored.LoadState(state); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if restored.GetStepCount() != 1 || restored.VarianceBuffers[0][0] != adam.VarianceBuffers[0][0] {
		t.Error("Adam state not restored")
	}
}

func TestAdamConfigValidation(t *testing.T) {
	ps, _ := singleParam(t, 1)
	bad := []AdamConfig{
		{LearningRate: -1, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8},
		{LearningRate: 0.1, Beta1: 1, Beta2: 0.999, Epsilon: 1e-8},
		{LearningRate: 0.1, Beta1: 0.9, Beta2: 1.2, Epsilon: 1e-8},
		{LearningRate: 0.1, Beta1: 0.9, Beta2: 0.999, Epsilon: 0},
	}
	for i, cfg := range bad {
		if _, err := NewAdamOptimizer(cfg, ps); err == nil {
			t.Errorf("Config %d: expected error for %+v", i, cfg)
		}
	}
}

func TestRMSPropStep(t *testing.T) {
	ps, w := singleParam(t, 1)
	rms, err := NewRMSPropOptimizer(RMSPropConfig{LearningRate: 0.01, Alpha: 0.99, Epsilon: 1e-8}, ps)
	if err != nil {
		t.Fatalf("NewRMSPropOptimizer failed: %v", err)
	}
	// sq = 0.01 * 4; step = 0.01 * 2 / 0.2 = 0.1
	if err := rms.Step(grad(2)); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if !near(w.Data[0], 0.9) {
		t.Errorf("Expected 0.9, got %v", w.Data[0])
	}

	state, _ := rms.GetState()
	ps2, _ := singleParam(t, 1)
	restored, _ := NewRMSPropOptimizer(DefaultRMSPropConfig(), ps2)
	if err := restored.LoadState(state); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if restored.SquaredGradAvgBuffers[0][0] != rms.SquaredGradAvgBuffers[0][0] {
		t.Error("RMSProp state not restored")
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		expected string
		wantErr  bool
	}{
		{"", "SGD", false},
		{"sgd", "SGD", false},
		{"Adam", "Adam", false},
		{"rmsprop", "RMSProp", false},
		{"lbfgs", "", true},
	}
	for _, tt := range tests {
		t.Run("Kind "+tt.name, func(t *testing.T) {
			kind, err := ParseKind(tt.name)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error for %q", tt.name)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseKind failed: %v", err)
			}
			ps, _ := singleParam(t, 1)
			opt, err := New(kind, ps, Settings{LearningRate: 0.1, Momentum: 0.9, WeightDecay: 5e-4})
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			state, _ := opt.GetState()
			if state.Type != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, state.Type)
			}
			if opt.LearningRate() != 0.1 {
				t.Errorf("Expected learning rate 0.1, got %v", opt.LearningRate())
			}
		})
	}
}

func TestExtractBufferIndex(t *testing.T) {
	tests := map[string]int{
		"momentum_0":          0,
		"variance_12":         12,
		"squared_grad_avg_3":  3,
		"nounderscore":        -1,
		"momentum_notanumber": -1,
	}
	for name, want := range tests {
		if got := extractBufferIndex(name); got != want {
			t.Errorf("%s: expected %d, got %d", name, want, got)
		}
	}
}
