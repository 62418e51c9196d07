package tensor

import (
	"fmt"
	"math"
)

type binaryKind int

const (
	kindAdd binaryKind = iota
	kindSub
	kindMul
	kindDiv
)

func (k binaryKind) String() string {
	switch k {
	case kindAdd:
		return "Add"
	case kindSub:
		return "Sub"
	case kindMul:
		return "Mul"
	case kindDiv:
		return "Div"
	default:
		return "Unknown"
	}
}

// binaryOp is an element-wise op over two broadcast-compatible tensors.
type binaryOp struct {
	kind     binaryKind
	a, b     *Tensor
	indexA   []int
	indexB   []int
	outShape []int
}

func (op *binaryOp) Name() string      { return op.kind.String() }
func (op *binaryOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *binaryOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a, b := op.a.Data, op.b.Data
	g := gradOut.Data
	var gradA, gradB *Tensor

	if op.a.requiresGrad {
		full := MustNew(op.outShape, nil)
		for i := range full.Data {
			switch op.kind {
			case kindAdd, kindSub:
				full.Data[i] = g[i]
			case kindMul:
				full.Data[i] = g[i] * b[op.indexB[i]]
			case kindDiv:
				full.Data[i] = g[i] / b[op.indexB[i]]
			}
		}
		gradA = reduceToShape(full, op.indexA, op.a.Shape)
	}

	if op.b.requiresGrad {
		full := MustNew(op.outShape, nil)
		for i := range full.Data {
			switch op.kind {
			case kindAdd:
				full.Data[i] = g[i]
			case kindSub:
				full.Data[i] = -g[i]
			case kindMul:
				full.Data[i] = g[i] * a[op.indexA[i]]
			case kindDiv:
				bv := b[op.indexB[i]]
				full.Data[i] = -g[i] * a[op.indexA[i]] / (bv * bv)
			}
		}
		gradB = reduceToShape(full, op.indexB, op.b.Shape)
	}

	return []*Tensor{gradA, gradB}, nil
}

func binary(kind binaryKind, a, b *Tensor) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("%s: nil operand", kind)
	}
	outShape, err := BroadcastShapes(a.Shape, b.Shape)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", kind, err)
	}

	op := &binaryOp{
		kind:     kind,
		a:        a,
		b:        b,
		indexA:   broadcastIndex(a.Shape, outShape),
		indexB:   broadcastIndex(b.Shape, outShape),
		outShape: outShape,
	}

	out := MustNew(outShape, nil)
	for i := range out.Data {
		x, y := a.Data[op.indexA[i]], b.Data[op.indexB[i]]
		switch kind {
		case kindAdd:
			out.Data[i] = x + y
		case kindSub:
			out.Data[i] = x - y
		case kindMul:
			out.Data[i] = x * y
		case kindDiv:
			out.Data[i] = x / y
		}
	}
	return record(out, op), nil
}

// Add returns a + b with broadcasting.
func Add(a, b *Tensor) (*Tensor, error) { return binary(kindAdd, a, b) }

// Sub returns a - b with broadcasting.
func Sub(a, b *Tensor) (*Tensor, error) { return binary(kindSub, a, b) }

// Mul returns the element-wise product a * b with broadcasting.
func Mul(a, b *Tensor) (*Tensor, error) { return binary(kindMul, a, b) }

// Div returns the element-wise quotient a / b with broadcasting.
func Div(a, b *Tensor) (*Tensor, error) { return binary(kindDiv, a, b) }

// unaryOp is an element-wise op whose derivative depends only on the input
// and output at the same position.
type unaryOp struct {
	name  string
	in    *Tensor
	out   *Tensor
	deriv func(x, y float32) float32
}

func (op *unaryOp) Name() string      { return op.name }
func (op *unaryOp) Inputs() []*Tensor { return []*Tensor{op.in} }

func (op *unaryOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad := MustNew(op.in.Shape, nil)
	for i, g := range gradOut.Data {
		grad.Data[i] = g * op.deriv(op.in.Data[i], op.out.Data[i])
	}
	return []*Tensor{grad}, nil
}

func unary(name string, t *Tensor, fn func(x float32) float32, deriv func(x, y float32) float32) (*Tensor, error) {
	if t == nil {
		return nil, fmt.Errorf("%s: nil operand", name)
	}
	out := MustNew(t.Shape, nil)
	for i, x := range t.Data {
		out.Data[i] = fn(x)
	}
	return record(out, &unaryOp{name: name, in: t, out: out, deriv: deriv}), nil
}

// Scale multiplies every element by s.
func Scale(t *Tensor, s float32) (*Tensor, error) {
	return unary("Scale", t,
		func(x float32) float32 { return x * s },
		func(_, _ float32) float32 { return s })
}

// AddScalar adds s to every element.
func AddScalar(t *Tensor, s float32) (*Tensor, error) {
	return unary("AddScalar", t,
		func(x float32) float32 { return x + s },
		func(_, _ float32) float32 { return 1 })
}

// Sqrt computes the element-wise square root. Negative inputs produce NaN.
func Sqrt(t *Tensor) (*Tensor, error) {
	return unary("Sqrt", t,
		func(x float32) float32 { return float32(math.Sqrt(float64(x))) },
		func(_, y float32) float32 { return 0.5 / y })
}

// Clamp limits every element to [lo, hi]. Gradient passes only where the
// input lies inside the interval.
func Clamp(t *Tensor, lo, hi float32) (*Tensor, error) {
	if lo > hi {
		return nil, fmt.Errorf("clamp: lower bound %g exceeds upper bound %g", lo, hi)
	}
	return unary("Clamp", t,
		func(x float32) float32 {
			if x < lo {
				return lo
			}
			if x > hi {
				return hi
			}
			return x
		},
		func(x, _ float32) float32 {
			if x < lo || x > hi {
				return 0
			}
			return 1
		})
}

// ReLU computes max(x, 0).
func ReLU(t *Tensor) (*Tensor, error) {
	return unary("ReLU", t,
		func(x float32) float32 {
			if x > 0 {
				return x
			}
			return 0
		},
		func(x, _ float32) float32 {
			if x > 0 {
				return 1
			}
			return 0
		})
}

// Tanh computes the hyperbolic tangent.
func Tanh(t *Tensor) (*Tensor, error) {
	return unary("Tanh", t,
		func(x float32) float32 { return float32(math.Tanh(float64(x))) },
		func(_, y float32) float32 { return 1 - y*y })
}
