package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// dense views a 2D tensor as a gonum matrix sharing its storage.
func dense(t *Tensor) (*mat.Dense, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("expected 2D tensor, got shape %v", t.Shape)
	}
	return mat.NewDense(t.Shape[0], t.Shape[1], t.Data), nil
}

// MatMul multiplies [m, k] by [k, n].
func MatMul(t1, t2 *Tensor) (*Tensor, error) {
	a, err := dense(t1)
	if err != nil {
		return nil, fmt.Errorf("matmul lhs: %v", err)
	}
	b, err := dense(t2)
	if err != nil {
		return nil, fmt.Errorf("matmul rhs: %v", err)
	}
	if t1.Shape[1] != t2.Shape[0] {
		return nil, fmt.Errorf("incompatible shapes for matmul: %v x %v", t1.Shape, t2.Shape)
	}

	result, err := Zeros([]int{t1.Shape[0], t2.Shape[1]})
	if err != nil {
		return nil, err
	}
	out := mat.NewDense(t1.Shape[0], t2.Shape[1], result.Data)
	out.Mul(a, b)
	return result, nil
}

// matMulTransposed computes op(t1) x op(t2) where op optionally transposes.
func matMulTransposed(t1 *Tensor, transA bool, t2 *Tensor, transB bool) (*Tensor, error) {
	a, err := dense(t1)
	if err != nil {
		return nil, err
	}
	b, err := dense(t2)
	if err != nil {
		return nil, err
	}

	var left, right mat.Matrix = a, b
	if transA {
		left = a.T()
	}
	if transB {
		right = b.T()
	}

	r, k1 := left.Dims()
	k2, c := right.Dims()
	if k1 != k2 {
		return nil, fmt.Errorf("incompatible shapes for matmul: (%d, %d) x (%d, %d)", r, k1, k2, c)
	}

	result, err := Zeros([]int{r, c})
	if err != nil {
		return nil, err
	}
	out := mat.NewDense(r, c, result.Data)
	out.Mul(left, right)
	return result, nil
}

func Transpose(t *Tensor) (*Tensor, error) {
	a, err := dense(t)
	if err != nil {
		return nil, err
	}

	result, err := Zeros([]int{t.Shape[1], t.Shape[0]})
	if err != nil {
		return nil, err
	}
	out := mat.NewDense(t.Shape[1], t.Shape[0], result.Data)
	out.Copy(a.T())
	return result, nil
}

// Reshape returns a tensor with a new shape sharing t's data.
func Reshape(t *Tensor, newShape []int) (*Tensor, error) {
	if err := validateShape(newShape); err != nil {
		return nil, err
	}
	if calculateNumElements(newShape) != t.NumElems {
		return nil, fmt.Errorf("cannot reshape tensor of %d elements to shape %v", t.NumElems, newShape)
	}
	return &Tensor{
		Shape:    append([]int(nil), newShape...),
		Data:     t.Data,
		NumElems: t.NumElems,
	}, nil
}
