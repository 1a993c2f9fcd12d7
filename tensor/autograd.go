package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// Backward propagates gradOut from t through the recorded operations and
// accumulates the result into the grad of every leaf that requires one.
// A nil gradOut is only allowed for single-element tensors and means 1.
func (t *Tensor) Backward(gradOut *Tensor) error {
	if !t.requiresGrad {
		return fmt.Errorf("backward called on a tensor that does not require grad")
	}
	if gradOut == nil {
		if t.NumElems != 1 {
			return fmt.Errorf("gradient must be supplied for non-scalar tensor of shape %v", t.Shape)
		}
		gradOut = FromScalar(1)
	}
	if !shapesEqual(gradOut.Shape, t.Shape) {
		return fmt.Errorf("gradient shape %v does not match tensor shape %v", gradOut.Shape, t.Shape)
	}

	order := topologicalOrder(t)
	grads := map[*Tensor]*Tensor{t: gradOut}

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		g, ok := grads[node]
		if !ok {
			continue
		}

		if node.creator == nil {
			if err := node.accumulateGrad(g); err != nil {
				return err
			}
			continue
		}

		inputGrads, err := node.creator.Backward(g)
		if err != nil {
			return fmt.Errorf("backward through %T failed: %v", node.creator, err)
		}
		for j, input := range node.creator.Inputs() {
			if j >= len(inputGrads) || inputGrads[j] == nil || !input.requiresGrad {
				continue
			}
			// gradients may alias caller data, so sums always allocate
			if existing, ok := grads[input]; ok {
				sum, err := Add(existing, inputGrads[j])
				if err != nil {
					return fmt.Errorf("accumulating gradient: %v", err)
				}
				grads[input] = sum
			} else {
				grads[input] = inputGrads[j]
			}
		}
	}

	return nil
}

// topologicalOrder lists every grad-requiring node reachable from root,
// inputs before the nodes that consume them.
func topologicalOrder(root *Tensor) []*Tensor {
	var order []*Tensor
	visited := make(map[*Tensor]bool)

	var visit func(n *Tensor)
	visit = func(n *Tensor) {
		if visited[n] || !n.requiresGrad {
			return
		}
		visited[n] = true
		if n.creator != nil {
			for _, input := range n.creator.Inputs() {
				visit(input)
			}
		}
		order = append(order, n)
	}
	visit(root)

	return order
}

func (t *Tensor) accumulateGrad(g *Tensor) error {
	if !shapesEqual(g.Shape, t.Shape) {
		return fmt.Errorf("gradient shape %v does not match parameter shape %v", g.Shape, t.Shape)
	}
	if t.grad == nil {
		t.grad = &Tensor{
			Shape:    append([]int(nil), t.Shape...),
			Data:     append([]float64(nil), g.Data...),
			NumElems: t.NumElems,
		}
		return nil
	}
	floats.Add(t.grad.Data, g.Data)
	return nil
}

// ZeroGrad clears accumulated gradients.
func ZeroGrad(tensors []*Tensor) {
	for _, t := range tensors {
		if t.grad == nil {
			continue
		}
		for i := range t.grad.Data {
			t.grad.Data[i] = 0
		}
	}
}

func record(result *Tensor, op Operation, inputs ...*Tensor) *Tensor {
	for _, in := range inputs {
		if in.requiresGrad {
			result.requiresGrad = true
			result.creator = op
			break
		}
	}
	return result
}

// MatMulOp multiplies [m, k] by [k, n].
type MatMulOp struct {
	inputs []*Tensor
}

func (op *MatMulOp) Inputs() []*Tensor { return op.inputs }

func (op *MatMulOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("MatMulOp requires exactly 2 inputs, got %d", len(inputs))
	}
	op.inputs = inputs

	result, err := MatMul(inputs[0], inputs[1])
	if err != nil {
		return nil, err
	}
	return record(result, op, inputs...), nil
}

func (op *MatMulOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a, b := op.inputs[0], op.inputs[1]
	grads := make([]*Tensor, 2)

	// d(A @ B)/dA = gradOut @ B^T, d(A @ B)/dB = A^T @ gradOut
	if a.requiresGrad {
		gradA, err := matMulTransposed(gradOut, false, b, true)
		if err != nil {
			return nil, fmt.Errorf("gradA: %v", err)
		}
		grads[0] = gradA
	}
	if b.requiresGrad {
		gradB, err := matMulTransposed(a, true, gradOut, false)
		if err != nil {
			return nil, fmt.Errorf("gradB: %v", err)
		}
		grads[1] = gradB
	}
	return grads, nil
}

// AddBiasOp adds a [n] bias to every row of a [m, n] input.
type AddBiasOp struct {
	inputs []*Tensor
}

func (op *AddBiasOp) Inputs() []*Tensor { return op.inputs }

func (op *AddBiasOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("AddBiasOp requires exactly 2 inputs, got %d", len(inputs))
	}
	x, bias := inputs[0], inputs[1]
	if len(x.Shape) != 2 || len(bias.Shape) != 1 || x.Shape[1] != bias.Shape[0] {
		return nil, fmt.Errorf("cannot add bias of shape %v to input of shape %v", bias.Shape, x.Shape)
	}
	op.inputs = inputs

	result, err := Zeros(x.Shape)
	if err != nil {
		return nil, err
	}
	for i := 0; i < x.Shape[0]; i++ {
		floats.AddTo(result.Row(i), x.Row(i), bias.Data)
	}
	return record(result, op, inputs...), nil
}

func (op *AddBiasOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	bias := op.inputs[1]

	gradBias, err := Zeros(bias.Shape)
	if err != nil {
		return nil, err
	}
	for i := 0; i < gradOut.Shape[0]; i++ {
		floats.Add(gradBias.Data, gradOut.Row(i))
	}
	return []*Tensor{gradOut, gradBias}, nil
}

// ReLUOp implements max(x, 0).
type ReLUOp struct {
	inputs []*Tensor
}

func (op *ReLUOp) Inputs() []*Tensor { return op.inputs }

func (op *ReLUOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("ReLUOp requires exactly 1 input, got %d", len(inputs))
	}
	op.inputs = inputs

	x := inputs[0]
	result, err := Zeros(x.Shape)
	if err != nil {
		return nil, err
	}
	for i, v := range x.Data {
		if v > 0 {
			result.Data[i] = v
		}
	}
	return record(result, op, inputs...), nil
}

func (op *ReLUOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	x := op.inputs[0]
	grad, err := Zeros(x.Shape)
	if err != nil {
		return nil, err
	}
	for i, v := range x.Data {
		if v > 0 {
			grad.Data[i] = gradOut.Data[i]
		}
	}
	return []*Tensor{grad}, nil
}

// ReshapeOp changes the shape without touching the data.
type ReshapeOp struct {
	inputs   []*Tensor
	newShape []int
}

func (op *ReshapeOp) Inputs() []*Tensor { return op.inputs }

func (op *ReshapeOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("ReshapeOp requires exactly 1 input, got %d", len(inputs))
	}
	op.inputs = inputs

	result, err := Reshape(inputs[0], op.newShape)
	if err != nil {
		return nil, err
	}
	return record(result, op, inputs...), nil
}

func (op *ReshapeOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad, err := Reshape(gradOut, op.inputs[0].Shape)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

// AvgPool2DOp averages non-overlapping kernel x kernel windows over the two
// trailing dimensions of a [n, c, h, w] input. Rows and columns that do not
// fill a whole window are dropped.
type AvgPool2DOp struct {
	inputs []*Tensor
	kernel int
}

func (op *AvgPool2DOp) Inputs() []*Tensor { return op.inputs }

func (op *AvgPool2DOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("AvgPool2DOp requires exactly 1 input, got %d", len(inputs))
	}
	x := inputs[0]
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("AvgPool2D expects 4D input [n, c, h, w], got shape %v", x.Shape)
	}
	k := op.kernel
	if k <= 0 {
		return nil, fmt.Errorf("pooling kernel must be positive, got %d", k)
	}
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oh, ow := h/k, w/k
	if oh == 0 || ow == 0 {
		return nil, fmt.Errorf("pooling kernel %d larger than input plane %dx%d", k, h, w)
	}
	op.inputs = inputs

	result, err := Zeros([]int{n, c, oh, ow})
	if err != nil {
		return nil, err
	}
	scale := 1 / float64(k*k)
	for plane := 0; plane < n*c; plane++ {
		src := x.Data[plane*h*w : (plane+1)*h*w]
		dst := result.Data[plane*oh*ow : (plane+1)*oh*ow]
		for i := 0; i < oh; i++ {
			for j := 0; j < ow; j++ {
				var sum float64
				for di := 0; di < k; di++ {
					row := (i*k + di) * w
					for dj := 0; dj < k; dj++ {
						sum += src[row+j*k+dj]
					}
				}
				dst[i*ow+j] = sum * scale
			}
		}
	}
	return record(result, op, inputs...), nil
}

func (op *AvgPool2DOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	x := op.inputs[0]
	k := op.kernel
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oh, ow := gradOut.Shape[2], gradOut.Shape[3]

	grad, err := Zeros(x.Shape)
	if err != nil {
		return nil, err
	}
	scale := 1 / float64(k*k)
	for plane := 0; plane < n*c; plane++ {
		g := gradOut.Data[plane*oh*ow : (plane+1)*oh*ow]
		dst := grad.Data[plane*h*w : (plane+1)*h*w]
		for i := 0; i < oh; i++ {
			for j := 0; j < ow; j++ {
				v := g[i*ow+j] * scale
				for di := 0; di < k; di++ {
					row := (i*k + di) * w
					for dj := 0; dj < k; dj++ {
						dst[row+j*k+dj] = v
					}
				}
			}
		}
	}
	return []*Tensor{grad}, nil
}

// MatMulAutograd performs matrix multiplication with automatic differentiation
func MatMulAutograd(a, b *Tensor) (*Tensor, error) {
	op := &MatMulOp{}
	return op.Forward(a, b)
}

// AddBiasAutograd adds a row bias with automatic differentiation
func AddBiasAutograd(x, bias *Tensor) (*Tensor, error) {
	op := &AddBiasOp{}
	return op.Forward(x, bias)
}

// ReLUAutograd performs ReLU activation with automatic differentiation
func ReLUAutograd(a *Tensor) (*Tensor, error) {
	op := &ReLUOp{}
	return op.Forward(a)
}

// ReshapeAutograd reshapes while keeping the tensor in the graph
func ReshapeAutograd(a *Tensor, newShape []int) (*Tensor, error) {
	op := &ReshapeOp{newShape: append([]int(nil), newShape...)}
	return op.Forward(a)
}

// AvgPool2DAutograd performs average pooling with automatic differentiation
func AvgPool2DAutograd(a *Tensor, kernel int) (*Tensor, error) {
	op := &AvgPool2DOp{kernel: kernel}
	return op.Forward(a)
}
