package tensor

import (
	"fmt"
	"strings"
)

type DeviceType int

const (
	CPU DeviceType = iota
	GPU
)

func (d DeviceType) String() string {
	switch d {
	case CPU:
		return "CPU"
	case GPU:
		return "GPU"
	default:
		return "Unknown"
	}
}

// ParseDevice maps a configuration string to a device. "auto" resolves to the
// best device compiled into this build, which is always the CPU.
func ParseDevice(name string) (DeviceType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "cpu", "auto":
		return CPU, nil
	case "gpu", "cuda", "mps":
		return GPU, fmt.Errorf("device %q is not available in this build", name)
	default:
		return CPU, fmt.Errorf("unknown device %q", name)
	}
}

// Operation is a node of the autograd tape. Forward computes the result and
// remembers whatever Backward needs; Backward returns one gradient per input,
// nil for inputs that do not need one.
type Operation interface {
	Forward(inputs ...*Tensor) (*Tensor, error)
	Backward(gradOut *Tensor) ([]*Tensor, error)
	Inputs() []*Tensor
}

// Tensor is a dense row-major float64 array.
type Tensor struct {
	Shape    []int
	Data     []float64
	NumElems int

	requiresGrad bool
	grad         *Tensor
	creator      Operation
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d, requires_grad=%t)", t.Shape, t.NumElems, t.requiresGrad)
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
}

func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// SetGrad replaces the accumulated gradient. A nil grad clears it.
func (t *Tensor) SetGrad(grad *Tensor) error {
	if grad != nil && !shapesEqual(grad.Shape, t.Shape) {
		return fmt.Errorf("gradient shape %v does not match tensor shape %v", grad.Shape, t.Shape)
	}
	t.grad = grad
	return nil
}

// Creator returns the operation that produced t, or nil for leaves.
func (t *Tensor) Creator() Operation {
	return t.creator
}

// IsLeaf reports whether t was created directly rather than by an operation.
func (t *Tensor) IsLeaf() bool {
	return t.creator == nil
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("invalid shape: at least one dimension is required")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func shapesEqual(shape1, shape2 []int) bool {
	if len(shape1) != len(shape2) {
		return false
	}
	for i := range shape1 {
		if shape1[i] != shape2[i] {
			return false
		}
	}
	return true
}
