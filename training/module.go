package training

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-siamese/tensor"
)

// Module interface defines methods that all neural network layers must implement
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor // Returns trainable parameters (tensors with requiresGrad=true)
	Train()                       // Sets module to training mode
	Eval()                        // Sets module to evaluation mode
	IsTraining() bool             // Returns true if in training mode
}

// NamedParameter pairs a parameter with a stable, dotted name.
type NamedParameter struct {
	Name   string
	Tensor *tensor.Tensor
}

// namedModule is implemented by modules that own parameters.
type namedModule interface {
	NamedParameters(prefix string) []NamedParameter
}

// NamedParameters lists the parameters of m with names such as "2.weight".
// Modules without parameters contribute nothing.
func NamedParameters(m Module) []NamedParameter {
	if nm, ok := m.(namedModule); ok {
		return nm.NamedParameters("")
	}
	return nil
}

func joinName(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// Linear implements a fully connected (dense) layer: y = xW + b
type Linear struct {
	weight   *tensor.Tensor // [in, out]
	bias     *tensor.Tensor // [out]
	training bool
}

// NewLinear creates a Linear layer with Xavier/Glorot uniform weights and zero bias.
func NewLinear(inputSize, outputSize int, bias bool, rng *rand.Rand) (*Linear, error) {
	if inputSize <= 0 || outputSize <= 0 {
		return nil, fmt.Errorf("invalid linear layer size %d -> %d", inputSize, outputSize)
	}

	// W ~ U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out)))
	bound := math.Sqrt(6.0 / float64(inputSize+outputSize))
	weight, err := tensor.Uniform([]int{inputSize, outputSize}, -bound, bound, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}
	weight.SetRequiresGrad(true)

	linear := &Linear{
		weight:   weight,
		training: true,
	}

	if bias {
		biasT, err := tensor.Zeros([]int{outputSize})
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %v", err)
		}
		biasT.SetRequiresGrad(true)
		linear.bias = biasT
	}

	return linear, nil
}

// Forward performs the forward pass: y = xW + b
func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 2 {
		return nil, fmt.Errorf("Linear layer expects 2D input [batch_size, input_size], got shape %v", input.Shape)
	}
	if input.Shape[1] != l.weight.Shape[0] {
		return nil, fmt.Errorf("input size mismatch: expected %d, got %d", l.weight.Shape[0], input.Shape[1])
	}

	output, err := tensor.MatMulAutograd(input, l.weight)
	if err != nil {
		return nil, fmt.Errorf("linear matmul failed: %v", err)
	}

	if l.bias != nil {
		output, err = tensor.AddBiasAutograd(output, l.bias)
		if err != nil {
			return nil, fmt.Errorf("bias addition failed: %v", err)
		}
	}

	return output, nil
}

func (l *Linear) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{l.weight}
	if l.bias != nil {
		params = append(params, l.bias)
	}
	return params
}

func (l *Linear) NamedParameters(prefix string) []NamedParameter {
	named := []NamedParameter{{Name: joinName(prefix, "weight"), Tensor: l.weight}}
	if l.bias != nil {
		named = append(named, NamedParameter{Name: joinName(prefix, "bias"), Tensor: l.bias})
	}
	return named
}

func (l *Linear) Train()           { l.training = true }
func (l *Linear) Eval()            { l.training = false }
func (l *Linear) IsTraining() bool { return l.training }

// ReLU implements ReLU activation function module
type ReLU struct {
	training bool
}

func NewReLU() *ReLU {
	return &ReLU{training: true}
}

func (r *ReLU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.ReLUAutograd(input)
}

func (r *ReLU) Parameters() []*tensor.Tensor { return nil }
func (r *ReLU) Train()                       { r.training = true }
func (r *ReLU) Eval()                        { r.training = false }
func (r *ReLU) IsTraining() bool             { return r.training }

// AvgPool2D downsamples each slice plane with non-overlapping square windows.
type AvgPool2D struct {
	kernelSize int
	training   bool
}

func NewAvgPool2D(kernelSize int) *AvgPool2D {
	return &AvgPool2D{kernelSize: kernelSize, training: true}
}

func (a *AvgPool2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("AvgPool2D expects 4D input [batch_size, channels, height, width], got shape %v", input.Shape)
	}
	return tensor.AvgPool2DAutograd(input, a.kernelSize)
}

func (a *AvgPool2D) Parameters() []*tensor.Tensor { return nil }
func (a *AvgPool2D) Train()                       { a.training = true }
func (a *AvgPool2D) Eval()                        { a.training = false }
func (a *AvgPool2D) IsTraining() bool             { return a.training }

// Flatten reshapes input tensor to [batch_size, -1]
type Flatten struct {
	training bool
}

func NewFlatten() *Flatten {
	return &Flatten{training: true}
}

func (f *Flatten) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) < 2 {
		return nil, fmt.Errorf("Flatten expects input with at least 2 dimensions, got shape %v", input.Shape)
	}
	batchSize := input.Shape[0]
	return tensor.ReshapeAutograd(input, []int{batchSize, input.NumElems / batchSize})
}

func (f *Flatten) Parameters() []*tensor.Tensor { return nil }
func (f *Flatten) Train()                       { f.training = true }
func (f *Flatten) Eval()                        { f.training = false }
func (f *Flatten) IsTraining() bool             { return f.training }

// Sequential allows chaining multiple modules together
type Sequential struct {
	modules  []Module
	training bool
}

func NewSequential(modules ...Module) *Sequential {
	return &Sequential{
		modules:  modules,
		training: true,
	}
}

// Forward passes input through all modules in sequence
func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	output := input
	var err error

	for i, module := range s.modules {
		output, err = module.Forward(output)
		if err != nil {
			return nil, fmt.Errorf("module %d (%T) forward failed: %v", i, module, err)
		}
	}

	return output, nil
}

// Parameters returns all trainable parameters from all modules
func (s *Sequential) Parameters() []*tensor.Tensor {
	var allParams []*tensor.Tensor
	for _, module := range s.modules {
		allParams = append(allParams, module.Parameters()...)
	}
	return allParams
}

// NamedParameters prefixes each child's parameters with its index.
func (s *Sequential) NamedParameters(prefix string) []NamedParameter {
	var named []NamedParameter
	for i, module := range s.modules {
		if nm, ok := module.(namedModule); ok {
			named = append(named, nm.NamedParameters(joinName(prefix, fmt.Sprint(i)))...)
		}
	}
	return named
}

func (s *Sequential) Train() {
	s.training = true
	for _, module := range s.modules {
		module.Train()
	}
}

func (s *Sequential) Eval() {
	s.training = false
	for _, module := range s.modules {
		module.Eval()
	}
}

func (s *Sequential) IsTraining() bool {
	return s.training
}

// Add appends a module to the sequential container
func (s *Sequential) Add(module Module) {
	s.modules = append(s.modules, module)
}
