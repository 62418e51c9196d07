package models

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-sicnn/layers"
	"github.com/tsawler/go-sicnn/tensor"
)

// Resolver maps a low-resolution batch [B, 3, h, w] to a reconstruction
// [B, 3, h*f, w*f].
type Resolver interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	Params() *layers.ParamSet
	Arch() ResolverArch
	UpscaleFactor() int
}

// CNNH is the hallucination network: nearest-neighbour upsampling followed by
// a residual refinement body.
type CNNH struct {
	arch    ResolverArch
	factor  int
	params  *layers.ParamSet
	network *layers.Sequential
}

// NewResolver builds the named resolver for low-resolution inputs of
// lrHeight x lrWidth.
func NewResolver(arch ResolverArch, factor, lrHeight, lrWidth int, rng *rand.Rand) (*CNNH, error) {
	if factor < 1 {
		return nil, fmt.Errorf("upscale factor must be positive, got %d", factor)
	}

	var width, depth int
	switch arch {
	case ResolverCNNH:
		width, depth = 64, 3
	case ResolverCNNHLite:
		width, depth = 8, 1
	default:
		return nil, fmt.Errorf("resolver %v: %w", arch, ErrUnknownArch)
	}

	ps := layers.NewParamSet("cnn_h")
	network, err := layers.NewModelBuilder(ps, []int{3, lrHeight, lrWidth}, rng).
		AddUpsample(factor, "upsample").
		AddResidual("refine", func(b *layers.ModelBuilder) *layers.ModelBuilder {
			b = b.AddConv2D(width, 3, 1, 1, true, "conv1").AddPReLU("prelu1")
			for i := 0; i < depth; i++ {
				name := fmt.Sprintf("conv%d", i+2)
				b = b.AddConv2D(width, 3, 1, 1, true, name).AddPReLU(fmt.Sprintf("prelu%d", i+2))
			}
			return b.AddConv2D(3, 3, 1, 1, true, "reconstruct")
		}).
		Compile()
	if err != nil {
		return nil, fmt.Errorf("building %v: %w", arch, err)
	}

	return &CNNH{arch: arch, factor: factor, params: ps, network: network}, nil
}

func (m *CNNH) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return m.network.Forward(x)
}

func (m *CNNH) Params() *layers.ParamSet { return m.params }
func (m *CNNH) Arch() ResolverArch       { return m.arch }
func (m *CNNH) UpscaleFactor() int       { return m.factor }

// Summary describes the layer stack.
func (m *CNNH) Summary() string { return m.network.Summary() }
