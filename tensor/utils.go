package tensor

import (
	"fmt"
	"math"
	"strings"
)

// Clone copies shape and data. The clone is a leaf with no gradient.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Shape:    append([]int(nil), t.Shape...),
		Data:     append([]float64(nil), t.Data...),
		NumElems: t.NumElems,
	}
}

// Detach returns a leaf sharing t's data but outside the autograd graph.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{
		Shape:    t.Shape,
		Data:     t.Data,
		NumElems: t.NumElems,
	}
}

// Item returns the value of a single-element tensor.
func (t *Tensor) Item() (float64, error) {
	if t.NumElems != 1 {
		return 0, fmt.Errorf("Item() called on tensor with %d elements", t.NumElems)
	}
	return t.Data[0], nil
}

// SetData overwrites the contents in place, keeping graph links intact.
func (t *Tensor) SetData(data []float64) error {
	if len(data) != t.NumElems {
		return fmt.Errorf("data length %d does not match tensor size %d", len(data), t.NumElems)
	}
	copy(t.Data, data)
	return nil
}

func (t *Tensor) Dim() int {
	return len(t.Shape)
}

// AllClose reports whether both tensors share a shape and every element is
// within tol of its counterpart.
func (t *Tensor) AllClose(other *Tensor, tol float64) bool {
	if !shapesEqual(t.Shape, other.Shape) {
		return false
	}
	for i, v := range t.Data {
		if math.Abs(v-other.Data[i]) > tol {
			return false
		}
	}
	return true
}

// PrintData renders up to maxElements values for debugging.
func (t *Tensor) PrintData(maxElements int) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Tensor(shape=%v) [", t.Shape))
	for i, v := range t.Data {
		if i >= maxElements {
			b.WriteString(fmt.Sprintf(" ... %d more", t.NumElems-maxElements))
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(fmt.Sprintf("%.4f", v))
	}
	b.WriteString("]")
	return b.String()
}
