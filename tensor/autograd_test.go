package tensor

import (
	"math"
	"math/rand"
	"testing"
)

// weightedSum reduces out against fixed weights so that a vector output can
// be checked with finite differences.
func weightedSum(out, weights *Tensor) float64 {
	var s float64
	for i, v := range out.Data {
		s += v * weights.Data[i]
	}
	return s
}

func checkGradient(t *testing.T, name string, x *Tensor, forward func() (*Tensor, error)) {
	t.Helper()

	out, err := forward()
	if err != nil {
		t.Fatalf("%s forward failed: %v", name, err)
	}
	weights, _ := Uniform(out.Shape, -1, 1, rand.New(rand.NewSource(42)))

	ZeroGrad([]*Tensor{x})
	if err := out.Backward(weights); err != nil {
		t.Fatalf("%s backward failed: %v", name, err)
	}
	if x.Grad() == nil {
		t.Fatalf("%s: no gradient accumulated", name)
	}

	const eps = 1e-6
	for i := range x.Data {
		orig := x.Data[i]

		x.Data[i] = orig + eps
		plus, _ := forward()
		fp := weightedSum(plus, weights)

		x.Data[i] = orig - eps
		minus, _ := forward()
		fm := weightedSum(minus, weights)

		x.Data[i] = orig

		numeric := (fp - fm) / (2 * eps)
		if math.Abs(numeric-x.Grad().Data[i]) > 1e-5 {
			t.Errorf("%s: grad[%d] analytic %.8f, numeric %.8f", name, i, x.Grad().Data[i], numeric)
		}
	}
}

func param(t *testing.T, shape []int, seed int64) *Tensor {
	t.Helper()
	p, err := Uniform(shape, -1, 1, rand.New(rand.NewSource(seed)))
	if err != nil {
		t.Fatalf("failed to create parameter: %v", err)
	}
	p.SetRequiresGrad(true)
	return p
}

func TestMatMulGradient(t *testing.T) {
	a := param(t, []int{3, 4}, 1)
	b := param(t, []int{4, 2}, 2)

	checkGradient(t, "matmul/a", a, func() (*Tensor, error) { return MatMulAutograd(a, b) })
	checkGradient(t, "matmul/b", b, func() (*Tensor, error) { return MatMulAutograd(a, b) })
}

func TestAddBiasGradient(t *testing.T) {
	x := param(t, []int{3, 4}, 3)
	bias := param(t, []int{4}, 4)

	checkGradient(t, "bias/x", x, func() (*Tensor, error) { return AddBiasAutograd(x, bias) })
	checkGradient(t, "bias/b", bias, func() (*Tensor, error) { return AddBiasAutograd(x, bias) })

	wrong := param(t, []int{3}, 5)
	if _, err := AddBiasAutograd(x, wrong); err == nil {
		t.Error("expected error for mismatched bias")
	}
}

func TestReLUGradient(t *testing.T) {
	x, _ := NewTensor([]int{2, 3}, []float64{-1.5, -0.3, 0.2, 0.7, 1.1, -2})
	x.SetRequiresGrad(true)

	checkGradient(t, "relu", x, func() (*Tensor, error) { return ReLUAutograd(x) })

	out, _ := ReLUAutograd(x)
	if out.Data[0] != 0 || out.Data[2] != 0.2 {
		t.Errorf("unexpected relu output %v", out.Data)
	}
}

func TestAvgPoolGradient(t *testing.T) {
	x := param(t, []int{2, 2, 5, 4}, 6)

	checkGradient(t, "avgpool", x, func() (*Tensor, error) { return AvgPool2DAutograd(x, 2) })

	out, err := AvgPool2DAutograd(x, 2)
	if err != nil {
		t.Fatalf("pool failed: %v", err)
	}
	if out.Shape[2] != 2 || out.Shape[3] != 2 {
		t.Errorf("expected 2x2 output planes, got %v", out.Shape)
	}

	if _, err := AvgPool2DAutograd(x, 8); err == nil {
		t.Error("expected error for kernel larger than plane")
	}
}

func TestReshapeGradient(t *testing.T) {
	x := param(t, []int{2, 3, 2}, 7)
	checkGradient(t, "reshape", x, func() (*Tensor, error) { return ReshapeAutograd(x, []int{2, 6}) })
}

func TestChainedGraph(t *testing.T) {
	// a small MLP: relu(x @ w1 + b1) @ w2
	x := param(t, []int{4, 3}, 8)
	x.SetRequiresGrad(false)
	w1 := param(t, []int{3, 5}, 9)
	b1 := param(t, []int{5}, 10)
	w2 := param(t, []int{5, 2}, 11)

	forward := func() (*Tensor, error) {
		h, err := MatMulAutograd(x, w1)
		if err != nil {
			return nil, err
		}
		if h, err = AddBiasAutograd(h, b1); err != nil {
			return nil, err
		}
		if h, err = ReLUAutograd(h); err != nil {
			return nil, err
		}
		return MatMulAutograd(h, w2)
	}

	checkGradient(t, "mlp/w1", w1, forward)
	checkGradient(t, "mlp/b1", b1, forward)
	checkGradient(t, "mlp/w2", w2, forward)
}

func TestGradientAccumulation(t *testing.T) {
	w := param(t, []int{2, 2}, 12)
	x, _ := NewTensor([]int{1, 2}, []float64{1, 1})
	ones, _ := Full([]int{1, 2}, 1)

	for i := 0; i < 2; i++ {
		out, err := MatMulAutograd(x, w)
		if err != nil {
			t.Fatalf("forward failed: %v", err)
		}
		if err := out.Backward(ones); err != nil {
			t.Fatalf("backward failed: %v", err)
		}
	}
	for i, g := range w.Grad().Data {
		if g != 2 {
			t.Errorf("accumulated grad[%d] = %v, want 2", i, g)
		}
	}

	ZeroGrad([]*Tensor{w})
	for i, g := range w.Grad().Data {
		if g != 0 {
			t.Errorf("grad[%d] = %v after ZeroGrad", i, g)
		}
	}
}

func TestBackwardErrors(t *testing.T) {
	x, _ := NewTensor([]int{2}, []float64{1, 2})
	if err := x.Backward(nil); err == nil {
		t.Error("expected error for tensor without grad")
	}

	x.SetRequiresGrad(true)
	if err := x.Backward(nil); err == nil {
		t.Error("expected error for implicit gradient on non-scalar")
	}

	wrong, _ := NewTensor([]int{3}, []float64{1, 1, 1})
	if err := x.Backward(wrong); err == nil {
		t.Error("expected error for gradient shape mismatch")
	}
}
