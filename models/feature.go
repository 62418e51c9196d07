package models

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-sicnn/layers"
	"github.com/tsawler/go-sicnn/tensor"
)

// Mode selects what a FeatureModel forward pass returns.
type Mode int

const (
	// ModeLogits returns the angular classifier outputs.
	ModeLogits Mode = iota
	// ModeEmbedding returns identity embeddings.
	ModeEmbedding
)

func (m Mode) String() string {
	switch m {
	case ModeLogits:
		return "logits"
	case ModeEmbedding:
		return "embedding"
	default:
		return "unknown"
	}
}

// Output is the result of a FeatureModel forward pass: either *Logits or
// *Embedding, depending on the requested Mode.
type Output interface {
	isOutput()
}

// Logits holds the classifier head's (cos, phi) pair, each [B, classes].
type Logits struct {
	Cos *tensor.Tensor
	Phi *tensor.Tensor
}

// Embedding holds identity vectors [B, D].
type Embedding struct {
	Vectors *tensor.Tensor
}

func (*Logits) isOutput()    {}
func (*Embedding) isOutput() {}

// FeatureModel is a face-recognition network with an explicit output mode.
type FeatureModel interface {
	Forward(x *tensor.Tensor, mode Mode) (Output, error)
	Params() *layers.ParamSet
	Arch() FeatureArch
}

// Embedder is the only capability the evaluator needs.
type Embedder interface {
	Embed(x *tensor.Tensor) (*tensor.Tensor, error)
}

// SphereNet is a SphereFace-style network: four stride-2 stages of
// conv + PReLU, each followed by residual blocks, an embedding layer and an
// angular-margin classifier.
type SphereNet struct {
	arch    FeatureArch
	params  *layers.ParamSet
	trunk   *layers.Sequential
	head    *layers.AngleLinearLayer
	classes int
}

// headLayer names the classifier; its weight is [embedding, classes].
const headLayer = "fc6"

// HeadWeight is the parameter name of the classifier weight. Its second
// dimension is the number of classes a saved network was trained on.
const HeadWeight = headLayer + ".weight"

type sphereConfig struct {
	channels  [4]int
	blocks    [4]int
	embedding int
}

func sphereConfigFor(arch FeatureArch) (sphereConfig, error) {
	switch arch {
	case FeatureSphere20a:
		return sphereConfig{channels: [4]int{64, 128, 256, 512}, blocks: [4]int{1, 2, 4, 1}, embedding: 512}, nil
	case FeatureSphereMini:
		return sphereConfig{channels: [4]int{8, 16, 32, 64}, blocks: [4]int{1, 1, 1, 1}, embedding: 64}, nil
	default:
		return sphereConfig{}, fmt.Errorf("feature network %v: %w", arch, ErrUnknownArch)
	}
}

// NewFeatureModel builds the named network for height x width RGB crops and
// the given number of identity classes.
func NewFeatureModel(arch FeatureArch, classes, height, width int, rng *rand.Rand) (*SphereNet, error) {
	cfg, err := sphereConfigFor(arch)
	if err != nil {
		return nil, err
	}
	if classes < 1 {
		return nil, fmt.Errorf("feature network needs at least one class, got %d", classes)
	}

	ps := layers.NewParamSet("cnn_r")
	b := layers.NewModelBuilder(ps, []int{3, height, width}, rng)
	for stage := 0; stage < 4; stage++ {
		s := stage + 1
		b = b.AddConv2D(cfg.channels[stage], 3, 2, 1, true, fmt.Sprintf("conv%d_1", s)).
			AddPReLU(fmt.Sprintf("relu%d_1", s))
		for blk := 0; blk < cfg.blocks[stage]; blk++ {
			a, c := 2*blk+2, 2*blk+3
			b = b.AddResidual(fmt.Sprintf("block%d_%d", s, blk+1), func(r *layers.ModelBuilder) *layers.ModelBuilder {
				return r.AddConv2D(cfg.channels[stage], 3, 1, 1, true, fmt.Sprintf("conv%d_%d", s, a)).
					AddPReLU(fmt.Sprintf("relu%d_%d", s, a)).
					AddConv2D(cfg.channels[stage], 3, 1, 1, true, fmt.Sprintf("conv%d_%d", s, c)).
					AddPReLU(fmt.Sprintf("relu%d_%d", s, c))
			})
		}
	}
	trunk, err := b.AddDense(cfg.embedding, true, "fc5").Compile()
	if err != nil {
		return nil, fmt.Errorf("building %v: %w", arch, err)
	}

	head, err := layers.NewAngleLinear(ps, headLayer, cfg.embedding, classes, rng)
	if err != nil {
		return nil, err
	}

	return &SphereNet{arch: arch, params: ps, trunk: trunk, head: head, classes: classes}, nil
}

// Forward runs the trunk and, in ModeLogits, the classifier head.
func (m *SphereNet) Forward(x *tensor.Tensor, mode Mode) (Output, error) {
	emb, err := m.trunk.Forward(x)
	if err != nil {
		return nil, err
	}
	switch mode {
	case ModeEmbedding:
		return &Embedding{Vectors: emb}, nil
	case ModeLogits:
		cos, phi, err := m.head.Forward(emb)
		if err != nil {
			return nil, err
		}
		return &Logits{Cos: cos, Phi: phi}, nil
	default:
		return nil, fmt.Errorf("unsupported output mode %d", mode)
	}
}

// Embed returns embeddings cut from the graph.
func (m *SphereNet) Embed(x *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := m.Forward(x, ModeEmbedding)
	if err != nil {
		return nil, err
	}
	return tensor.Detach(out.(*Embedding).Vectors), nil
}

func (m *SphereNet) Params() *layers.ParamSet { return m.params }
func (m *SphereNet) Arch() FeatureArch        { return m.arch }
func (m *SphereNet) Classes() int             { return m.classes }

// Summary describes the trunk.
func (m *SphereNet) Summary() string { return m.trunk.Summary() }

// Reference is a frozen feature network used only for scoring. It exposes no
// parameters, so no optimizer can ever be bound to it.
type Reference struct {
	model FeatureModel
}

// NewReference wraps a loaded feature network.
func NewReference(model FeatureModel) *Reference {
	return &Reference{model: model}
}

// Embed returns embeddings cut from the graph.
func (r *Reference) Embed(x *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := r.model.Forward(x, ModeEmbedding)
	if err != nil {
		return nil, err
	}
	emb, ok := out.(*Embedding)
	if !ok {
		return nil, fmt.Errorf("reference model returned %T for embedding mode", out)
	}
	return tensor.Detach(emb.Vectors), nil
}

// Arch reports the wrapped architecture.
func (r *Reference) Arch() FeatureArch { return r.model.Arch() }
