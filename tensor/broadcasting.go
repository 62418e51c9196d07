package tensor

import (
	"fmt"
)

// BroadcastShapes computes the result shape of broadcasting two shapes
// following NumPy rules, aligned from the trailing dimension.
func BroadcastShapes(shape1, shape2 []int) ([]int, error) {
	maxDims := len(shape1)
	if len(shape2) > maxDims {
		maxDims = len(shape2)
	}

	resultShape := make([]int, maxDims)
	for i := 0; i < maxDims; i++ {
		dim1, dim2 := 1, 1
		if idx := len(shape1) - maxDims + i; idx >= 0 {
			dim1 = shape1[idx]
		}
		if idx := len(shape2) - maxDims + i; idx >= 0 {
			dim2 = shape2[idx]
		}

		switch {
		case dim1 == dim2:
			resultShape[i] = dim1
		case dim1 == 1:
			resultShape[i] = dim2
		case dim2 == 1:
			resultShape[i] = dim1
		default:
			return nil, fmt.Errorf("shapes %v and %v are not broadcastable: dimension %d (%d vs %d)",
				shape1, shape2, i, dim1, dim2)
		}
	}

	return resultShape, nil
}

// AreBroadcastable checks if two shapes can be broadcast together
func AreBroadcastable(shape1, shape2 []int) bool {
	_, err := BroadcastShapes(shape1, shape2)
	return err == nil
}

// broadcastIndex returns, for every flat index of outShape, the flat index of
// the element of an inShape tensor that broadcasting maps onto it.
func broadcastIndex(inShape, outShape []int) []int {
	index := make([]int, calculateNumElements(outShape))
	if shapesEqual(inShape, outShape) {
		for i := range index {
			index[i] = i
		}
		return index
	}

	// Effective strides of the input viewed in the output's rank, with zero
	// stride along broadcast dimensions.
	inStrides := calculateStrides(inShape)
	strides := make([]int, len(outShape))
	offset := len(outShape) - len(inShape)
	for i := range outShape {
		j := i - offset
		if j < 0 || inShape[j] == 1 {
			continue
		}
		strides[i] = inStrides[j]
	}

	coords := make([]int, len(outShape))
	for flat := range index {
		rem := flat
		src := 0
		for d := len(outShape) - 1; d >= 0; d-- {
			coords[d] = rem % outShape[d]
			rem /= outShape[d]
			src += coords[d] * strides[d]
		}
		index[flat] = src
	}
	return index
}

// reduceToShape sums a gradient laid out in the broadcast output shape back
// onto the original input shape.
func reduceToShape(grad *Tensor, index []int, inShape []int) *Tensor {
	out := MustNew(inShape, nil)
	for flat, src := range index {
		out.Data[src] += grad.Data[flat]
	}
	return out
}
