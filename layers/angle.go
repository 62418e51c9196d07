package layers

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-sicnn/tensor"
)

// angularPi is the truncated constant the margin bucket is computed with.
const angularPi = 3.14159265

// AngleLinearLayer is the angular-margin classifier head (m = 4). For every
// sample and class it produces the scaled cosine between the sample and the
// class weight column, and the margin-adjusted psi(theta) companion.
type AngleLinearLayer struct {
	name   string
	Margin int
	Weight *Parameter
}

// NewAngleLinear allocates a [in, classes] weight drawn from U(-1, 1). Columns
// are normalised on every forward pass, so their initial norms are irrelevant.
func NewAngleLinear(ps *ParamSet, name string, in, classes int, rng *rand.Rand) (*AngleLinearLayer, error) {
	if in <= 0 || classes <= 0 {
		return nil, fmt.Errorf("angle layer %s: invalid size %d -> %d", name, in, classes)
	}
	wt, err := tensor.RandomUniform([]int{in, classes}, -1, 1, rng)
	if err != nil {
		return nil, err
	}
	w, err := ps.Add(name, KindWeight, wt)
	if err != nil {
		return nil, err
	}
	return &AngleLinearLayer{name: name, Margin: 4, Weight: w}, nil
}

func (l *AngleLinearLayer) Name() string    { return l.name }
func (l *AngleLinearLayer) Type() LayerType { return AngleLinear }

// Forward maps embeddings [B, in] to (cos, phi), each [B, classes] and each
// scaled by the embedding norm.
func (l *AngleLinearLayer) Forward(x *tensor.Tensor) (cos, phi *tensor.Tensor, err error) {
	if x.Dim() != 2 || x.Shape[1] != l.Weight.Value.Shape[0] {
		return nil, nil, fmt.Errorf("%s: expected [B, %d] input, got %v", l.name, l.Weight.Value.Shape[0], x.Shape)
	}

	w := l.Weight.Value
	wsq, err := tensor.Mul(w, w)
	if err != nil {
		return nil, nil, err
	}
	colSum, err := tensor.SumDim(wsq, 0)
	if err != nil {
		return nil, nil, err
	}
	colNorm, err := tensor.Sqrt(colSum)
	if err != nil {
		return nil, nil, err
	}
	unitW, err := tensor.Div(w, colNorm)
	if err != nil {
		return nil, nil, err
	}

	xsq, err := tensor.Mul(x, x)
	if err != nil {
		return nil, nil, err
	}
	rowSum, err := tensor.SumDim(xsq, 1)
	if err != nil {
		return nil, nil, err
	}
	xlen, err := tensor.Sqrt(rowSum)
	if err != nil {
		return nil, nil, err
	}

	dot, err := tensor.MatMul(x, unitW)
	if err != nil {
		return nil, nil, err
	}
	raw, err := tensor.Div(dot, xlen)
	if err != nil {
		return nil, nil, err
	}
	c, err := tensor.Clamp(raw, -1, 1)
	if err != nil {
		return nil, nil, err
	}

	cosM, err := chebyshev4(c)
	if err != nil {
		return nil, nil, err
	}

	// The margin bucket k is piecewise constant in theta and carries no
	// gradient.
	sign := tensor.MustNew(c.Shape, nil)
	offset := tensor.MustNew(c.Shape, nil)
	for i, v := range c.Data {
		theta := math.Acos(float64(v))
		k := math.Floor(float64(l.Margin) * theta / angularPi)
		sign.Data[i] = 1
		if int(k)%2 != 0 {
			sign.Data[i] = -1
		}
		offset.Data[i] = float32(2 * k)
	}
	signed, err := tensor.Mul(cosM, sign)
	if err != nil {
		return nil, nil, err
	}
	psi, err := tensor.Sub(signed, offset)
	if err != nil {
		return nil, nil, err
	}

	cos, err = tensor.Mul(c, xlen)
	if err != nil {
		return nil, nil, err
	}
	phi, err = tensor.Mul(psi, xlen)
	if err != nil {
		return nil, nil, err
	}
	return cos, phi, nil
}

// chebyshev4 evaluates cos(4*theta) = 8c^4 - 8c^2 + 1 from c = cos(theta).
func chebyshev4(c *tensor.Tensor) (*tensor.Tensor, error) {
	c2, err := tensor.Mul(c, c)
	if err != nil {
		return nil, err
	}
	c4, err := tensor.Mul(c2, c2)
	if err != nil {
		return nil, err
	}
	diff, err := tensor.Sub(c4, c2)
	if err != nil {
		return nil, err
	}
	scaled, err := tensor.Scale(diff, 8)
	if err != nil {
		return nil, err
	}
	return tensor.AddScalar(scaled, 1)
}
