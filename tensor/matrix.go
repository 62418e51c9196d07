package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

func general(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

// gemm computes c = op(a) @ op(b) into a freshly allocated [m, n] slice.
func gemm(tA, tB blas.Transpose, a blas32.General, b blas32.General, m, n int) []float32 {
	c := make([]float32, m*n)
	blas32.Gemm(tA, tB, 1, a, b, 0, general(m, n, c))
	return c
}

type matMulOp struct {
	a, b *Tensor
}

func (op *matMulOp) Name() string      { return "MatMul" }
func (op *matMulOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *matMulOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	m, k := op.a.Shape[0], op.a.Shape[1]
	n := op.b.Shape[1]
	g := general(m, n, gradOut.Data)
	var gradA, gradB *Tensor

	// dA = dC @ B^T, dB = A^T @ dC
	if op.a.requiresGrad {
		gradA = MustNew(op.a.Shape, gemm(blas.NoTrans, blas.Trans, g, general(k, n, op.b.Data), m, k))
	}
	if op.b.requiresGrad {
		gradB = MustNew(op.b.Shape, gemm(blas.Trans, blas.NoTrans, general(m, k, op.a.Data), g, k, n))
	}
	return []*Tensor{gradA, gradB}, nil
}

// MatMul multiplies two 2-D tensors: [m, k] @ [k, n] -> [m, n].
func MatMul(a, b *Tensor) (*Tensor, error) {
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		return nil, fmt.Errorf("matmul requires 2-D tensors, got %v and %v", a.Shape, b.Shape)
	}
	m, k := a.Shape[0], a.Shape[1]
	if b.Shape[0] != k {
		return nil, fmt.Errorf("incompatible dimensions for matmul: (%d, %d) x (%d, %d)", m, k, b.Shape[0], b.Shape[1])
	}
	n := b.Shape[1]

	data := gemm(blas.NoTrans, blas.NoTrans, general(m, k, a.Data), general(k, n, b.Data), m, n)
	return record(MustNew([]int{m, n}, data), &matMulOp{a: a, b: b}), nil
}

type reshapeOp struct {
	in *Tensor
}

func (op *reshapeOp) Name() string      { return "Reshape" }
func (op *reshapeOp) Inputs() []*Tensor { return []*Tensor{op.in} }

func (op *reshapeOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	data := make([]float32, len(gradOut.Data))
	copy(data, gradOut.Data)
	return []*Tensor{MustNew(op.in.Shape, data)}, nil
}

// Reshape returns a copy of t with a new shape holding the same number of
// elements. A single -1 dimension is inferred.
func Reshape(t *Tensor, newShape []int) (*Tensor, error) {
	shape := copyShape(newShape)
	infer := -1
	known := 1
	for i, d := range shape {
		if d == -1 {
			if infer >= 0 {
				return nil, fmt.Errorf("reshape: only one dimension can be inferred")
			}
			infer = i
			continue
		}
		known *= d
	}
	if infer >= 0 {
		if known == 0 || t.NumElems%known != 0 {
			return nil, fmt.Errorf("reshape: cannot infer dimension for %d elements into %v", t.NumElems, newShape)
		}
		shape[infer] = t.NumElems / known
	}
	if calculateNumElements(shape) != t.NumElems {
		return nil, fmt.Errorf("cannot reshape tensor with %d elements to shape %v", t.NumElems, newShape)
	}

	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	out, err := NewTensor(shape, data)
	if err != nil {
		return nil, err
	}
	return record(out, &reshapeOp{in: t}), nil
}

// Flatten collapses every dimension after the first: [N, ...] -> [N, rest].
func Flatten(t *Tensor) (*Tensor, error) {
	return Reshape(t, []int{t.Shape[0], -1})
}

type concatOp struct {
	parts []*Tensor
}

func (op *concatOp) Name() string      { return "Concat" }
func (op *concatOp) Inputs() []*Tensor { return op.parts }

func (op *concatOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grads := make([]*Tensor, len(op.parts))
	offset := 0
	for i, p := range op.parts {
		if p.requiresGrad {
			data := make([]float32, p.NumElems)
			copy(data, gradOut.Data[offset:offset+p.NumElems])
			grads[i] = MustNew(p.Shape, data)
		}
		offset += p.NumElems
	}
	return grads, nil
}

// Concat joins tensors along the leading (batch) axis. All trailing
// dimensions must agree.
func Concat(parts ...*Tensor) (*Tensor, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("concat requires at least one tensor")
	}
	first := parts[0]
	rows := 0
	total := 0
	for i, p := range parts {
		if len(p.Shape) != len(first.Shape) || !shapesEqual(p.Shape[1:], first.Shape[1:]) {
			return nil, fmt.Errorf("concat: tensor %d has shape %v, incompatible with %v", i, p.Shape, first.Shape)
		}
		rows += p.Shape[0]
		total += p.NumElems
	}

	data := make([]float32, 0, total)
	for _, p := range parts {
		data = append(data, p.Data...)
	}
	shape := copyShape(first.Shape)
	shape[0] = rows
	return record(MustNew(shape, data), &concatOp{parts: parts}), nil
}

type narrowOp struct {
	in     *Tensor
	offset int
}

func (op *narrowOp) Name() string      { return "Narrow" }
func (op *narrowOp) Inputs() []*Tensor { return []*Tensor{op.in} }

func (op *narrowOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad := MustNew(op.in.Shape, nil)
	copy(grad.Data[op.offset:], gradOut.Data)
	return []*Tensor{grad}, nil
}

// Narrow returns rows [start, start+length) of the leading axis.
func Narrow(t *Tensor, start, length int) (*Tensor, error) {
	if start < 0 || length <= 0 || start+length > t.Shape[0] {
		return nil, fmt.Errorf("narrow [%d, %d) out of range for leading dimension %d", start, start+length, t.Shape[0])
	}
	rowSize := t.NumElems / t.Shape[0]
	data := make([]float32, length*rowSize)
	copy(data, t.Data[start*rowSize:(start+length)*rowSize])
	shape := copyShape(t.Shape)
	shape[0] = length
	return record(MustNew(shape, data), &narrowOp{in: t, offset: start * rowSize}), nil
}

// Split divides the leading axis into two equal halves.
func Split(t *Tensor) (*Tensor, *Tensor, error) {
	if t.Shape[0]%2 != 0 {
		return nil, nil, fmt.Errorf("split: leading dimension %d is odd", t.Shape[0])
	}
	half := t.Shape[0] / 2
	first, err := Narrow(t, 0, half)
	if err != nil {
		return nil, nil, err
	}
	second, err := Narrow(t, half, half)
	if err != nil {
		return nil, nil, err
	}
	return first, second, nil
}

type sumDimOp struct {
	in                  *Tensor
	outer, size, inner int
}

func (op *sumDimOp) Name() string      { return "SumDim" }
func (op *sumDimOp) Inputs() []*Tensor { return []*Tensor{op.in} }

func (op *sumDimOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad := MustNew(op.in.Shape, nil)
	for o := 0; o < op.outer; o++ {
		for s := 0; s < op.size; s++ {
			for i := 0; i < op.inner; i++ {
				grad.Data[(o*op.size+s)*op.inner+i] = gradOut.Data[o*op.inner+i]
			}
		}
	}
	return []*Tensor{grad}, nil
}

// SumDim sums over one dimension, keeping it with size 1.
func SumDim(t *Tensor, dim int) (*Tensor, error) {
	if dim < 0 || dim >= len(t.Shape) {
		return nil, fmt.Errorf("dimension %d out of bounds for tensor with %d dimensions", dim, len(t.Shape))
	}
	op := &sumDimOp{in: t, outer: 1, size: t.Shape[dim], inner: 1}
	for i := 0; i < dim; i++ {
		op.outer *= t.Shape[i]
	}
	for i := dim + 1; i < len(t.Shape); i++ {
		op.inner *= t.Shape[i]
	}

	shape := copyShape(t.Shape)
	shape[dim] = 1
	out := MustNew(shape, nil)
	for o := 0; o < op.outer; o++ {
		for s := 0; s < op.size; s++ {
			for i := 0; i < op.inner; i++ {
				out.Data[o*op.inner+i] += t.Data[(o*op.size+s)*op.inner+i]
			}
		}
	}
	return record(out, op), nil
}

type sumOp struct {
	in    *Tensor
	scale float32
}

func (op *sumOp) Name() string      { return "Sum" }
func (op *sumOp) Inputs() []*Tensor { return []*Tensor{op.in} }

func (op *sumOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad := MustNew(op.in.Shape, nil)
	g := gradOut.Data[0] * op.scale
	for i := range grad.Data {
		grad.Data[i] = g
	}
	return []*Tensor{grad}, nil
}

// Sum reduces all elements to a [1] tensor.
func Sum(t *Tensor) (*Tensor, error) {
	var s float64
	for _, v := range t.Data {
		s += float64(v)
	}
	return record(FromScalar(float32(s)), &sumOp{in: t, scale: 1}), nil
}

// Mean averages all elements into a [1] tensor.
func Mean(t *Tensor) (*Tensor, error) {
	var s float64
	for _, v := range t.Data {
		s += float64(v)
	}
	n := float32(t.NumElems)
	return record(FromScalar(float32(s)/n), &sumOp{in: t, scale: 1 / n}), nil
}

// Transpose2D swaps the two axes of a matrix. The result is a constant; it
// is used for data layout, not inside differentiated graphs.
func Transpose2D(t *Tensor) (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("transpose requires a 2-D tensor, got %v", t.Shape)
	}
	rows, cols := t.Shape[0], t.Shape[1]
	out := MustNew([]int{cols, rows}, nil)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out.Data[c*rows+r] = t.Data[r*cols+c]
		}
	}
	return out, nil
}
