package layers

import (
	"math/rand"
	"reflect"
	"strings"
	"testing"

	"github.com/tsawler/go-sicnn/tensor"
)

func TestModelBuilder(t *testing.T) {
	t.Run("Shapes propagate through the stack", func(t *testing.T) {
		ps := NewParamSet("test")
		model, err := NewModelBuilder(ps, []int{3, 8, 8}, rand.New(rand.NewSource(1))).
			AddConv2D(4, 3, 2, 1, true, "conv1").
			AddPReLU("relu1").
			AddDense(5, true, "fc1").
			Compile()
		if err != nil {
			t.Fatalf("Failed to compile model: %v", err)
		}
		if !reflect.DeepEqual(model.OutputShape, []int{5}) {
			t.Errorf("Expected output shape [5], got %v", model.OutputShape)
		}
		// conv 4*3*3*3 + 4, prelu 4, dense 4*4*4*5 + 5
		if got := ps.NumElements(); got != 108+4+4+320+5 {
			t.Errorf("Unexpected parameter count %d", got)
		}
		if ps.Len() != 5 {
			t.Errorf("Expected 5 parameters, got %d", ps.Len())
		}

		x, _ := tensor.Ones([]int{2, 3, 8, 8})
		out, err := model.Forward(x)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		if !reflect.DeepEqual(out.Shape, []int{2, 5}) {
			t.Errorf("Expected [2 5], got %v", out.Shape)
		}

		summary := model.Summary()
		if !strings.Contains(summary, "conv1 (Conv2D)") || !strings.Contains(summary, "fc1 (Dense)") {
			t.Errorf("Summary missing layers:\n%s", summary)
		}
	})

	t.Run("Residual around upsampled input", func(t *testing.T) {
		ps := NewParamSet("res")
		model, err := NewModelBuilder(ps, []int{3, 2, 2}, rand.New(rand.NewSource(3))).
			AddUpsample(2, "up").
			AddResidual("body", func(b *ModelBuilder) *ModelBuilder {
				return b.AddConv2D(3, 3, 1, 1, true, "conv")
			}).
			Compile()
		if err != nil {
			t.Fatalf("Failed to compile model: %v", err)
		}
		if !reflect.DeepEqual(model.OutputShape, []int{3, 4, 4}) {
			t.Errorf("Expected [3 4 4], got %v", model.OutputShape)
		}

		// Zero conv weights make the stack a pure upsample.
		p, _ := ps.Get("conv.weight")
		for i := range p.Value.Data {
			p.Value.Data[i] = 0
		}
		x := tensor.MustNew([]int{1, 3, 2, 2}, []float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12})
		out, err := model.Forward(x)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		up, _ := tensor.UpsampleNearest(x, 2)
		if !out.AllClose(up, 1e-6) {
			t.Errorf("Expected identity skip, got %v", out.Data)
		}
	})

	t.Run("Residual must preserve shape", func(t *testing.T) {
		_, err := NewModelBuilder(NewParamSet("r"), []int{3, 4, 4}, rand.New(rand.NewSource(1))).
			AddResidual("grow", func(b *ModelBuilder) *ModelBuilder {
				return b.AddConv2D(8, 3, 1, 1, false, "conv")
			}).
			Compile()
		if err == nil {
			t.Error("Expected error for channel-changing residual body")
		}
	})

	t.Run("First error sticks", func(t *testing.T) {
		ps := NewParamSet("bad")
		_, err := NewModelBuilder(ps, []int{3, 2, 2}, rand.New(rand.NewSource(1))).
			AddConv2D(4, 5, 1, 0, true, "too_big").
			AddPReLU("never").
			Compile()
		if err == nil {
			t.Fatal("Expected error for kernel larger than input")
		}
		if !strings.Contains(err.Error(), "too_big") {
			t.Errorf("Error should name the failing layer, got %v", err)
		}
	})

	t.Run("Empty model", func(t *testing.T) {
		if _, err := NewModelBuilder(NewParamSet("e"), []int{1}, nil).Compile(); err == nil {
			t.Error("Expected error for empty model")
		}
	})

	t.Run("Same seed same weights", func(t *testing.T) {
		build := func() *ParamSet {
			ps := NewParamSet("seeded")
			NewModelBuilder(ps, []int{1, 4, 4}, rand.New(rand.NewSource(42))).
				AddConv2D(2, 3, 1, 1, true, "c").
				AddDense(3, true, "d")
			return ps
		}
		if build().Fingerprint() != build().Fingerprint() {
			t.Error("Seeded initialisation should be reproducible")
		}
	})
}

func TestLayerTypeString(t *testing.T) {
	tests := []struct {
		lt       LayerType
		expected string
	}{
		{Dense, "Dense"},
		{Conv2D, "Conv2D"},
		{PReLU, "PReLU"},
		{ReLU, "ReLU"},
		{AngleLinear, "AngleLinear"},
		{Upsample, "Upsample"},
		{Residual, "Residual"},
		{LayerType(99), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.lt.String(); got != tt.expected {
			t.Errorf("Expected %s, got %s", tt.expected, got)
		}
	}
}
