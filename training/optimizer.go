package training

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-siamese/tensor"
)

// Optimizer interface defines the methods that all optimizers must implement
type Optimizer interface {
	Step() error      // Updates model parameters based on gradients
	ZeroGrad()        // Resets gradients to zero for all parameters
	GetLR() float64   // Gets current learning rate
	SetLR(lr float64) // Sets learning rate
}

// OptimizerConfig selects and parameterizes an optimizer.
type OptimizerConfig struct {
	Name         string // "adam" or "sgd"
	LearningRate float64
	WeightDecay  float64
	Momentum     float64 // SGD only
	Nesterov     bool    // SGD only
	Beta1        float64 // Adam only (default 0.9)
	Beta2        float64 // Adam only (default 0.999)
	Epsilon      float64 // Adam only (default 1e-8)
}

// NewOptimizer builds the optimizer named in cfg over params.
func NewOptimizer(params []*tensor.Tensor, cfg OptimizerConfig) (Optimizer, error) {
	if cfg.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", cfg.LearningRate)
	}
	switch strings.ToLower(cfg.Name) {
	case "", "adam":
		beta1, beta2, eps := cfg.Beta1, cfg.Beta2, cfg.Epsilon
		if beta1 == 0 {
			beta1 = 0.9
		}
		if beta2 == 0 {
			beta2 = 0.999
		}
		if eps == 0 {
			eps = 1e-8
		}
		return NewAdam(params, cfg.LearningRate, beta1, beta2, eps, cfg.WeightDecay), nil
	case "sgd":
		return NewSGD(params, cfg.LearningRate, cfg.Momentum, cfg.WeightDecay, 0, cfg.Nesterov), nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q", cfg.Name)
	}
}

// SGD implements Stochastic Gradient Descent optimizer
type SGD struct {
	parameters   []*tensor.Tensor
	learningRate float64
	momentum     float64
	weightDecay  float64
	dampening    float64
	nesterov     bool
	velocities   map[*tensor.Tensor][]float64
	mutex        sync.RWMutex
}

// NewSGD creates a new SGD optimizer
func NewSGD(parameters []*tensor.Tensor, lr float64, momentum float64, weightDecay float64, dampening float64, nesterov bool) *SGD {
	return &SGD{
		parameters:   parameters,
		learningRate: lr,
		momentum:     momentum,
		weightDecay:  weightDecay,
		dampening:    dampening,
		nesterov:     nesterov,
		velocities:   make(map[*tensor.Tensor][]float64),
	}
}

// Step performs a single optimization step
func (sgd *SGD) Step() error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	for _, param := range sgd.parameters {
		grad := param.Grad()
		if !param.RequiresGrad() || grad == nil {
			continue
		}
		if grad.NumElems != param.NumElems {
			return fmt.Errorf("gradient size %d does not match parameter size %d", grad.NumElems, param.NumElems)
		}

		// d = grad + weight_decay * param
		d := make([]float64, param.NumElems)
		copy(d, grad.Data)
		if sgd.weightDecay > 0 {
			floats.AddScaled(d, sgd.weightDecay, param.Data)
		}

		if sgd.momentum > 0 {
			velocity, ok := sgd.velocities[param]
			if !ok {
				// first step seeds the buffer with the raw gradient
				velocity = make([]float64, param.NumElems)
				copy(velocity, d)
				sgd.velocities[param] = velocity
			} else {
				// v = momentum * v + (1 - dampening) * d
				floats.Scale(sgd.momentum, velocity)
				floats.AddScaled(velocity, 1-sgd.dampening, d)
			}

			if sgd.nesterov {
				floats.AddScaled(d, sgd.momentum, velocity)
			} else {
				copy(d, velocity)
			}
		}

		floats.AddScaled(param.Data, -sgd.learningRate, d)
	}

	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (sgd *SGD) ZeroGrad() {
	tensor.ZeroGrad(sgd.parameters)
}

// GetLR returns the current learning rate
func (sgd *SGD) GetLR() float64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.learningRate
}

// SetLR sets the learning rate
func (sgd *SGD) SetLR(lr float64) {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	sgd.learningRate = lr
}

// Adam implements the Adam optimizer. Weight decay is applied as an L2 term
// added to the gradient, not decoupled.
type Adam struct {
	parameters  []*tensor.Tensor
	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64
	step        int64
	m           map[*tensor.Tensor][]float64 // First moment estimates
	v           map[*tensor.Tensor][]float64 // Second moment estimates
	mutex       sync.RWMutex
}

// NewAdam creates a new Adam optimizer
func NewAdam(parameters []*tensor.Tensor, lr, beta1, beta2, eps, weightDecay float64) *Adam {
	return &Adam{
		parameters:  parameters,
		lr:          lr,
		beta1:       beta1,
		beta2:       beta2,
		eps:         eps,
		weightDecay: weightDecay,
		m:           make(map[*tensor.Tensor][]float64),
		v:           make(map[*tensor.Tensor][]float64),
	}
}

// Step performs a single optimization step
func (adam *Adam) Step() error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	adam.step++

	// Bias correction factors
	bias1 := 1.0 - math.Pow(adam.beta1, float64(adam.step))
	bias2 := 1.0 - math.Pow(adam.beta2, float64(adam.step))

	for _, param := range adam.parameters {
		grad := param.Grad()
		if !param.RequiresGrad() || grad == nil {
			continue
		}
		if grad.NumElems != param.NumElems {
			return fmt.Errorf("gradient size %d does not match parameter size %d", grad.NumElems, param.NumElems)
		}

		m, ok := adam.m[param]
		if !ok {
			m = make([]float64, param.NumElems)
			adam.m[param] = m
		}
		v, ok := adam.v[param]
		if !ok {
			v = make([]float64, param.NumElems)
			adam.v[param] = v
		}

		for i, g := range grad.Data {
			if adam.weightDecay > 0 {
				g += adam.weightDecay * param.Data[i]
			}
			m[i] = adam.beta1*m[i] + (1-adam.beta1)*g
			v[i] = adam.beta2*v[i] + (1-adam.beta2)*g*g

			mHat := m[i] / bias1
			vHat := v[i] / bias2
			param.Data[i] -= adam.lr * mHat / (math.Sqrt(vHat) + adam.eps)
		}
	}

	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (adam *Adam) ZeroGrad() {
	tensor.ZeroGrad(adam.parameters)
}

// GetLR returns the current learning rate
func (adam *Adam) GetLR() float64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.lr
}

// SetLR sets the learning rate
func (adam *Adam) SetLR(lr float64) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.lr = lr
}
