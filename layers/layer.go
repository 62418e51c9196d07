package layers

import (
	"fmt"
	"math"
	"math/rand"
	"strings"

	"github.com/tsawler/go-sicnn/tensor"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv2D
	PReLU
	ReLU
	AngleLinear
	Upsample
	Residual
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv2D:
		return "Conv2D"
	case PReLU:
		return "PReLU"
	case ReLU:
		return "ReLU"
	case AngleLinear:
		return "AngleLinear"
	case Upsample:
		return "Upsample"
	case Residual:
		return "Residual"
	default:
		return "Unknown"
	}
}

// Module is anything that maps one tensor to another.
type Module interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
}

// Layer is a Module that knows its name, type and output shape.
type Layer interface {
	Module
	Name() string
	Type() LayerType
	// OutputShape maps a per-sample input shape to a per-sample output shape.
	OutputShape(in []int) ([]int, error)
}

// DenseLayer computes x @ W + b, flattening any input beyond rank 2.
type DenseLayer struct {
	name   string
	Weight *Parameter
	Bias   *Parameter
}

// NewDense allocates a dense layer. Weights are drawn uniformly from
// [-1/sqrt(in), 1/sqrt(in)].
func NewDense(ps *ParamSet, name string, in, out int, useBias bool, rng *rand.Rand) (*DenseLayer, error) {
	if in <= 0 || out <= 0 {
		return nil, fmt.Errorf("dense layer %s: invalid size %d -> %d", name, in, out)
	}
	bound := float32(1 / math.Sqrt(float64(in)))
	wt, err := tensor.RandomUniform([]int{in, out}, -bound, bound, rng)
	if err != nil {
		return nil, err
	}
	w, err := ps.Add(name, KindWeight, wt)
	if err != nil {
		return nil, err
	}
	l := &DenseLayer{name: name, Weight: w}
	if useBias {
		bt, err := tensor.RandomUniform([]int{out}, -bound, bound, rng)
		if err != nil {
			return nil, err
		}
		b, err := ps.Add(name, KindBias, bt)
		if err != nil {
			return nil, err
		}
		l.Bias = b
	}
	return l, nil
}

func (l *DenseLayer) Name() string    { return l.name }
func (l *DenseLayer) Type() LayerType { return Dense }

func (l *DenseLayer) OutputShape(in []int) ([]int, error) {
	size := 1
	for _, d := range in {
		size *= d
	}
	if size != l.Weight.Value.Shape[0] {
		return nil, fmt.Errorf("dense layer %s expects %d inputs, got shape %v", l.name, l.Weight.Value.Shape[0], in)
	}
	return []int{l.Weight.Value.Shape[1]}, nil
}

func (l *DenseLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Dim() != 2 {
		flat, err := tensor.Flatten(x)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", l.name, err)
		}
		x = flat
	}
	out, err := tensor.MatMul(x, l.Weight.Value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.name, err)
	}
	if l.Bias != nil {
		return tensor.Add(out, l.Bias.Value)
	}
	return out, nil
}

// Conv2DLayer is a square-kernel convolution.
type Conv2DLayer struct {
	name   string
	Params tensor.Conv2DParams
	Weight *Parameter
	Bias   *Parameter
}

// NewConv2D allocates a convolution with He-normal weights and zero bias.
func NewConv2D(ps *ParamSet, name string, inC, outC, kernel, stride, padding int, useBias bool, rng *rand.Rand) (*Conv2DLayer, error) {
	if inC <= 0 || outC <= 0 || kernel <= 0 || stride <= 0 || padding < 0 {
		return nil, fmt.Errorf("conv layer %s: invalid configuration in=%d out=%d k=%d s=%d p=%d",
			name, inC, outC, kernel, stride, padding)
	}
	std := float32(math.Sqrt(2 / float64(inC*kernel*kernel)))
	wt, err := tensor.RandomNormal([]int{outC, inC, kernel, kernel}, 0, std, rng)
	if err != nil {
		return nil, err
	}
	w, err := ps.Add(name, KindWeight, wt)
	if err != nil {
		return nil, err
	}
	l := &Conv2DLayer{name: name, Params: tensor.Conv2DParams{Stride: stride, Padding: padding}, Weight: w}
	if useBias {
		b, err := ps.Add(name, KindBias, tensor.MustNew([]int{outC}, nil))
		if err != nil {
			return nil, err
		}
		l.Bias = b
	}
	return l, nil
}

func (l *Conv2DLayer) Name() string    { return l.name }
func (l *Conv2DLayer) Type() LayerType { return Conv2D }

func (l *Conv2DLayer) OutputShape(in []int) ([]int, error) {
	w := l.Weight.Value.Shape
	if len(in) != 3 || in[0] != w[1] {
		return nil, fmt.Errorf("conv layer %s expects [%d, H, W] input, got %v", l.name, w[1], in)
	}
	k := w[2]
	h := (in[1]+2*l.Params.Padding-k)/l.Params.Stride + 1
	wd := (in[2]+2*l.Params.Padding-k)/l.Params.Stride + 1
	if h <= 0 || wd <= 0 {
		return nil, fmt.Errorf("conv layer %s: input %v too small for kernel %d", l.name, in, k)
	}
	return []int{w[0], h, wd}, nil
}

func (l *Conv2DLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	var bias *tensor.Tensor
	if l.Bias != nil {
		bias = l.Bias.Value
	}
	out, err := tensor.Conv2D(x, l.Weight.Value, bias, l.Params)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.name, err)
	}
	return out, nil
}

// PReLULayer holds one learnable negative slope per channel.
type PReLULayer struct {
	name  string
	Slope *Parameter
}

// NewPReLU allocates a PReLU with every slope at 0.25.
func NewPReLU(ps *ParamSet, name string, channels int) (*PReLULayer, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("prelu layer %s: invalid channel count %d", name, channels)
	}
	st, err := tensor.Full([]int{channels}, 0.25)
	if err != nil {
		return nil, err
	}
	s, err := ps.Add(name, KindSlope, st)
	if err != nil {
		return nil, err
	}
	return &PReLULayer{name: name, Slope: s}, nil
}

func (l *PReLULayer) Name() string    { return l.name }
func (l *PReLULayer) Type() LayerType { return PReLU }

func (l *PReLULayer) OutputShape(in []int) ([]int, error) {
	if len(in) == 0 || in[0] != l.Slope.Value.NumElems {
		return nil, fmt.Errorf("prelu layer %s expects %d channels, got %v", l.name, l.Slope.Value.NumElems, in)
	}
	return append([]int(nil), in...), nil
}

func (l *PReLULayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := tensor.PReLU(x, l.Slope.Value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.name, err)
	}
	return out, nil
}

type reluLayer struct{ name string }

func (l *reluLayer) Name() string                        { return l.name }
func (l *reluLayer) Type() LayerType                     { return ReLU }
func (l *reluLayer) OutputShape(in []int) ([]int, error) { return append([]int(nil), in...), nil }
func (l *reluLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.ReLU(x)
}

type upsampleLayer struct {
	name   string
	factor int
}

func (l *upsampleLayer) Name() string    { return l.name }
func (l *upsampleLayer) Type() LayerType { return Upsample }

func (l *upsampleLayer) OutputShape(in []int) ([]int, error) {
	if len(in) != 3 || l.factor < 1 {
		return nil, fmt.Errorf("upsample layer %s: invalid input %v or factor %d", l.name, in, l.factor)
	}
	return []int{in[0], in[1] * l.factor, in[2] * l.factor}, nil
}

func (l *upsampleLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.UpsampleNearest(x, l.factor)
}

// ResidualLayer adds its input to the output of Body. Body must preserve
// the per-sample shape.
type ResidualLayer struct {
	name string
	Body *Sequential
}

func (l *ResidualLayer) Name() string    { return l.name }
func (l *ResidualLayer) Type() LayerType { return Residual }

func (l *ResidualLayer) OutputShape(in []int) ([]int, error) {
	shape := in
	for _, inner := range l.Body.Layers {
		out, err := inner.OutputShape(shape)
		if err != nil {
			return nil, err
		}
		shape = out
	}
	if len(shape) != len(in) {
		return nil, fmt.Errorf("residual layer %s changes shape %v -> %v", l.name, in, shape)
	}
	for i := range in {
		if shape[i] != in[i] {
			return nil, fmt.Errorf("residual layer %s changes shape %v -> %v", l.name, in, shape)
		}
	}
	return append([]int(nil), in...), nil
}

func (l *ResidualLayer) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := l.Body.Forward(x)
	if err != nil {
		return nil, err
	}
	return tensor.Add(x, out)
}

// ModelBuilder assembles a Sequential stack, allocating parameters into one
// ParamSet and tracking the per-sample shape as layers are appended. The first
// error sticks and is reported by Compile.
type ModelBuilder struct {
	params *ParamSet
	rng    *rand.Rand
	input  []int
	shape  []int
	layers []Layer
	err    error
}

// NewModelBuilder starts a stack for per-sample inputs of the given shape.
func NewModelBuilder(ps *ParamSet, inputShape []int, rng *rand.Rand) *ModelBuilder {
	return &ModelBuilder{
		params: ps,
		rng:    rng,
		input:  append([]int(nil), inputShape...),
		shape:  append([]int(nil), inputShape...),
	}
}

// AddLayer appends an already constructed layer.
func (mb *ModelBuilder) AddLayer(l Layer) *ModelBuilder {
	if mb.err != nil {
		return mb
	}
	out, err := l.OutputShape(mb.shape)
	if err != nil {
		mb.err = err
		return mb
	}
	mb.layers = append(mb.layers, l)
	mb.shape = out
	return mb
}

// AddConv2D appends a convolution whose input channels follow the current
// shape.
func (mb *ModelBuilder) AddConv2D(outC, kernel, stride, padding int, useBias bool, name string) *ModelBuilder {
	if mb.err != nil {
		return mb
	}
	if len(mb.shape) != 3 {
		mb.err = fmt.Errorf("conv layer %s requires [C, H, W] input, have %v", name, mb.shape)
		return mb
	}
	l, err := NewConv2D(mb.params, name, mb.shape[0], outC, kernel, stride, padding, useBias, mb.rng)
	if err != nil {
		mb.err = err
		return mb
	}
	return mb.AddLayer(l)
}

// AddPReLU appends a PReLU over the current channel count.
func (mb *ModelBuilder) AddPReLU(name string) *ModelBuilder {
	if mb.err != nil {
		return mb
	}
	if len(mb.shape) == 0 {
		mb.err = fmt.Errorf("prelu layer %s has no input shape", name)
		return mb
	}
	l, err := NewPReLU(mb.params, name, mb.shape[0])
	if err != nil {
		mb.err = err
		return mb
	}
	return mb.AddLayer(l)
}

// AddReLU appends a parameter-free ReLU.
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(&reluLayer{name: name})
}

// AddUpsample appends a nearest-neighbour upsampling by an integer factor.
func (mb *ModelBuilder) AddUpsample(factor int, name string) *ModelBuilder {
	return mb.AddLayer(&upsampleLayer{name: name, factor: factor})
}

// AddResidual builds a body starting from the current shape and wraps it in
// a skip connection. The body shares this builder's ParamSet.
func (mb *ModelBuilder) AddResidual(name string, body func(b *ModelBuilder) *ModelBuilder) *ModelBuilder {
	if mb.err != nil {
		return mb
	}
	inner, err := body(NewModelBuilder(mb.params, mb.shape, mb.rng)).Compile()
	if err != nil {
		mb.err = fmt.Errorf("residual %s: %w", name, err)
		return mb
	}
	return mb.AddLayer(&ResidualLayer{name: name, Body: inner})
}

// AddDense appends a dense layer over the flattened current shape.
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	if mb.err != nil {
		return mb
	}
	in := 1
	for _, d := range mb.shape {
		in *= d
	}
	l, err := NewDense(mb.params, name, in, outputSize, useBias, mb.rng)
	if err != nil {
		mb.err = err
		return mb
	}
	return mb.AddLayer(l)
}

// Compile finalises the stack.
func (mb *ModelBuilder) Compile() (*Sequential, error) {
	if mb.err != nil {
		return nil, mb.err
	}
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}
	return &Sequential{
		Layers:      append([]Layer(nil), mb.layers...),
		InputShape:  mb.input,
		OutputShape: append([]int(nil), mb.shape...),
		params:      mb.params,
	}, nil
}

// Sequential applies its layers in order.
type Sequential struct {
	Layers      []Layer
	InputShape  []int
	OutputShape []int
	params      *ParamSet
}

// Forward runs x through every layer.
func (s *Sequential) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	for _, l := range s.Layers {
		x, err = l.Forward(x)
		if err != nil {
			return nil, err
		}
	}
	return x, nil
}

// Summary returns a human-readable model summary
func (s *Sequential) Summary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Model Summary:\n")
	fmt.Fprintf(&sb, "Input Shape: %v\n", s.InputShape)
	fmt.Fprintf(&sb, "Output Shape: %v\n", s.OutputShape)
	fmt.Fprintf(&sb, "Total Parameters: %d\n", s.params.NumElements())
	fmt.Fprintf(&sb, "Layers: %d\n\n", len(s.Layers))

	shape := s.InputShape
	for i, l := range s.Layers {
		out, _ := l.OutputShape(shape)
		fmt.Fprintf(&sb, "Layer %d: %s (%s)\n", i+1, l.Name(), l.Type())
		fmt.Fprintf(&sb, "  Input:  %v\n", shape)
		fmt.Fprintf(&sb, "  Output: %v\n", out)
		shape = out
	}
	return sb.String()
}
