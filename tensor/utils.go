package tensor

import (
	"fmt"
	"math"
	"strings"
)

// Clone returns a deep copy of t. The clone keeps the grad-participation
// flag but not the graph link.
func (t *Tensor) Clone() *Tensor {
	c := Detach(t)
	c.requiresGrad = t.requiresGrad
	return c
}

// Item returns the value of a single-element tensor.
func (t *Tensor) Item() (float32, error) {
	if t.NumElems != 1 {
		return 0, fmt.Errorf("item() can only be called on tensors with exactly one element, got %d", t.NumElems)
	}
	return t.Data[0], nil
}

// At returns the element at the given coordinates.
func (t *Tensor) At(indices ...int) (float32, error) {
	if len(indices) != len(t.Shape) {
		return 0, fmt.Errorf("expected %d indices, got %d", len(t.Shape), len(indices))
	}
	idx := 0
	for i, v := range indices {
		if v < 0 || v >= t.Shape[i] {
			return 0, fmt.Errorf("index %d out of range for dimension %d with size %d", v, i, t.Shape[i])
		}
		idx += v * t.Strides[i]
	}
	return t.Data[idx], nil
}

// AllFinite reports whether no element is NaN or infinite.
func (t *Tensor) AllFinite() bool {
	for _, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// AllClose compares shapes exactly and values within an absolute tolerance.
func (t *Tensor) AllClose(other *Tensor, tol float64) bool {
	if !shapesEqual(t.Shape, other.Shape) {
		return false
	}
	for i, v := range t.Data {
		if math.Abs(float64(v)-float64(other.Data[i])) > tol {
			return false
		}
	}
	return true
}

// Row returns a copy of row i of the leading axis, flattened.
func (t *Tensor) Row(i int) ([]float32, error) {
	if len(t.Shape) == 0 || i < 0 || i >= t.Shape[0] {
		return nil, fmt.Errorf("row %d out of range for shape %v", i, t.Shape)
	}
	size := t.NumElems / t.Shape[0]
	out := make([]float32, size)
	copy(out, t.Data[i*size:(i+1)*size])
	return out, nil
}

// PrintData renders up to maxElements values for debugging.
func (t *Tensor) PrintData(maxElements int) string {
	var sb strings.Builder
	sb.WriteString(t.String())
	sb.WriteString("\nData: [")

	n := t.NumElems
	if maxElements > 0 && n > maxElements {
		n = maxElements
	}
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprintf("%.4f", t.Data[i]))
	}
	if n < t.NumElems {
		sb.WriteString(fmt.Sprintf(", ... (%d more)", t.NumElems-n))
	}
	sb.WriteString("]")

	return sb.String()
}
