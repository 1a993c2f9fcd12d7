package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

func checkShapesCompatible(shape1, shape2 []int) ([]int, error) {
	if len(shape1) == 0 || len(shape2) == 0 {
		return nil, fmt.Errorf("cannot operate on empty tensors")
	}
	if !shapesEqual(shape1, shape2) {
		return nil, fmt.Errorf("tensor shapes must match: %v vs %v", shape1, shape2)
	}
	return shape1, nil
}

func Add(t1, t2 *Tensor) (*Tensor, error) {
	outputShape, err := checkShapesCompatible(t1.Shape, t2.Shape)
	if err != nil {
		return nil, err
	}

	result, err := Zeros(outputShape)
	if err != nil {
		return nil, err
	}
	floats.AddTo(result.Data, t1.Data, t2.Data)
	return result, nil
}

func Sub(t1, t2 *Tensor) (*Tensor, error) {
	outputShape, err := checkShapesCompatible(t1.Shape, t2.Shape)
	if err != nil {
		return nil, err
	}

	result, err := Zeros(outputShape)
	if err != nil {
		return nil, err
	}
	floats.SubTo(result.Data, t1.Data, t2.Data)
	return result, nil
}

func Mul(t1, t2 *Tensor) (*Tensor, error) {
	outputShape, err := checkShapesCompatible(t1.Shape, t2.Shape)
	if err != nil {
		return nil, err
	}

	result, err := Zeros(outputShape)
	if err != nil {
		return nil, err
	}
	floats.MulTo(result.Data, t1.Data, t2.Data)
	return result, nil
}

func Scale(t *Tensor, c float64) *Tensor {
	data := append([]float64(nil), t.Data...)
	floats.Scale(c, data)
	return &Tensor{Shape: append([]int(nil), t.Shape...), Data: data, NumElems: t.NumElems}
}

// Stack joins equally shaped tensors along a new leading dimension.
func Stack(tensors []*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("cannot stack zero tensors")
	}

	inner := tensors[0].Shape
	data := make([]float64, 0, len(tensors)*tensors[0].NumElems)
	for i, t := range tensors {
		if !shapesEqual(t.Shape, inner) {
			return nil, fmt.Errorf("stack: tensor %d has shape %v, expected %v", i, t.Shape, inner)
		}
		data = append(data, t.Data...)
	}

	return NewTensor(append([]int{len(tensors)}, inner...), data)
}

// Concat joins tensors along dimension 0. All trailing dimensions must match.
func Concat(tensors ...*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("cannot concatenate zero tensors")
	}

	trailing := tensors[0].Shape[1:]
	rows := 0
	for i, t := range tensors {
		if !shapesEqual(t.Shape[1:], trailing) {
			return nil, fmt.Errorf("concat: tensor %d has shape %v, trailing dims must be %v", i, t.Shape, trailing)
		}
		rows += t.Shape[0]
	}

	data := make([]float64, 0, rows*calculateNumElementsOrOne(trailing))
	for _, t := range tensors {
		data = append(data, t.Data...)
	}
	return NewTensor(append([]int{rows}, trailing...), data)
}

// Rows copies rows [start, end) of dimension 0 into a new tensor.
func Rows(t *Tensor, start, end int) (*Tensor, error) {
	if start < 0 || end > t.Shape[0] || start >= end {
		return nil, fmt.Errorf("row range [%d, %d) out of bounds for %d rows", start, end, t.Shape[0])
	}

	rowSize := t.NumElems / t.Shape[0]
	data := append([]float64(nil), t.Data[start*rowSize:end*rowSize]...)
	shape := append([]int{end - start}, t.Shape[1:]...)
	return NewTensor(shape, data)
}

// Row returns a view of row i of a 2D tensor.
func (t *Tensor) Row(i int) []float64 {
	cols := t.NumElems / t.Shape[0]
	return t.Data[i*cols : (i+1)*cols]
}

func calculateNumElementsOrOne(shape []int) int {
	if len(shape) == 0 {
		return 1
	}
	return calculateNumElements(shape)
}
