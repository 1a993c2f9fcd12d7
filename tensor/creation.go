package tensor

import (
	"fmt"
	"math/rand"
)

// NewTensor wraps data in a tensor of the given shape. The slice is used
// directly, not copied.
func NewTensor(shape []int, data []float64) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	if len(data) != numElems {
		return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)", len(data), shape, numElems)
	}

	return &Tensor{
		Shape:    append([]int(nil), shape...),
		Data:     data,
		NumElems: numElems,
	}, nil
}

func Zeros(shape []int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	return NewTensor(shape, make([]float64, calculateNumElements(shape)))
}

func Full(shape []int, value float64) (*Tensor, error) {
	t, err := Zeros(shape)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = value
	}
	return t, nil
}

// Uniform fills a tensor with samples from U(low, high) drawn from rng.
func Uniform(shape []int, low, high float64, rng *rand.Rand) (*Tensor, error) {
	t, err := Zeros(shape)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = low + rng.Float64()*(high-low)
	}
	return t, nil
}

// RandomNormal fills a tensor with samples from N(mean, std^2) drawn from rng.
func RandomNormal(shape []int, mean, std float64, rng *rand.Rand) (*Tensor, error) {
	t, err := Zeros(shape)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = mean + rng.NormFloat64()*std
	}
	return t, nil
}

func FromScalar(value float64) *Tensor {
	return &Tensor{
		Shape:    []int{1},
		Data:     []float64{value},
		NumElems: 1,
	}
}
