package tensor

import (
	"fmt"
	"math/rand"
)

// NewTensor wraps data (not copied) in a tensor of the given shape.
func NewTensor(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	if data == nil {
		data = make([]float32, numElems)
	}
	if len(data) != numElems {
		return nil, fmt.Errorf("data length %d does not match tensor size %d", len(data), numElems)
	}

	return &Tensor{
		Shape:    copyShape(shape),
		Strides:  calculateStrides(shape),
		Data:     data,
		NumElems: numElems,
	}, nil
}

// MustNew is NewTensor for shapes known to be valid; it panics on error.
func MustNew(shape []int, data []float32) *Tensor {
	t, err := NewTensor(shape, data)
	if err != nil {
		panic(err)
	}
	return t
}

func Zeros(shape []int) (*Tensor, error) {
	return NewTensor(shape, nil)
}

func Ones(shape []int) (*Tensor, error) {
	return Full(shape, 1)
}

func Full(shape []int, value float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	data := make([]float32, calculateNumElements(shape))
	for i := range data {
		data[i] = value
	}
	return NewTensor(shape, data)
}

// FromScalar creates a single-element tensor of shape [1].
func FromScalar(value float32) *Tensor {
	return MustNew([]int{1}, []float32{value})
}

// RandomNormal draws N(mean, std^2) samples from rng. Passing a seeded rng
// makes parameter initialisation reproducible.
func RandomNormal(shape []int, mean, std float32, rng *rand.Rand) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	if rng == nil {
		return nil, fmt.Errorf("random source cannot be nil")
	}

	data := make([]float32, calculateNumElements(shape))
	for i := range data {
		data[i] = float32(rng.NormFloat64())*std + mean
	}
	return NewTensor(shape, data)
}

// RandomUniform draws samples uniformly from [low, high).
func RandomUniform(shape []int, low, high float32, rng *rand.Rand) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	if rng == nil {
		return nil, fmt.Errorf("random source cannot be nil")
	}

	data := make([]float32, calculateNumElements(shape))
	for i := range data {
		data[i] = low + rng.Float32()*(high-low)
	}
	return NewTensor(shape, data)
}
