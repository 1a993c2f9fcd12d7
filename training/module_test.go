package training

import (
	"math"
	"math/rand"
	"testing"

	"github.com/tsawler/go-siamese/tensor"
)

var testEncoderConfig = EncoderConfig{PoolSize: 2, HiddenSizes: []int{6}, EmbeddingDim: 3}

func newTestNetwork(t *testing.T, seed int64) *SiameseNetwork {
	t.Helper()
	encoder, err := NewEncoder([]int{2, 4, 4}, testEncoderConfig, rand.New(rand.NewSource(seed)))
	if err != nil {
		t.Fatalf("failed to build encoder: %v", err)
	}
	return NewSiameseNetwork(encoder)
}

// embedBranches runs the network and returns the embedding of every branch.
func embedBranches(t *testing.T, net *SiameseNetwork, inputs ...*tensor.Tensor) []*tensor.Tensor {
	t.Helper()
	emb, err := net.Forward(inputs...)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	parts := make([]*tensor.Tensor, emb.Branches())
	for i := range parts {
		if parts[i], err = emb.Part(i); err != nil {
			t.Fatalf("Part(%d) failed: %v", i, err)
		}
	}
	return parts
}

func randomVolumes(t *testing.T, rng *rand.Rand, batch int) *tensor.Tensor {
	t.Helper()
	x, err := tensor.Uniform([]int{batch, 2, 4, 4}, 0, 1, rng)
	if err != nil {
		t.Fatalf("failed to create volumes: %v", err)
	}
	return x
}

func TestLinearModule(t *testing.T) {
	t.Run("Linear layer forward pass", func(t *testing.T) {
		linear, err := NewLinear(3, 2, true, rand.New(rand.NewSource(1)))
		if err != nil {
			t.Fatalf("Failed to create Linear layer: %v", err)
		}
		copy(linear.weight.Data, []float64{1, 0, 0, 1, 1, 1})
		copy(linear.bias.Data, []float64{0.5, -0.5})

		input := mustTensor(t, []int{2, 3}, []float64{1, 2, 3, 4, 5, 6})
		output, err := linear.Forward(input)
		if err != nil {
			t.Fatalf("Linear forward pass failed: %v", err)
		}

		// [1 2 3] x [[1 0] [0 1] [1 1]] + [0.5 -0.5] = [4.5 4.5]
		expected := []float64{4.5, 4.5, 10.5, 10.5}
		assertClose(t, "output", expected, output.Data, 1e-12)
	})

	t.Run("Xavier initialization bounds", func(t *testing.T) {
		linear, err := NewLinear(10, 6, true, rand.New(rand.NewSource(2)))
		if err != nil {
			t.Fatal(err)
		}
		bound := math.Sqrt(6.0 / 16.0)
		for i, w := range linear.weight.Data {
			if math.Abs(w) > bound {
				t.Fatalf("weight %d = %v exceeds bound %v", i, w, bound)
			}
		}
		for _, b := range linear.bias.Data {
			if b != 0 {
				t.Fatal("expected zero bias")
			}
		}
	})

	t.Run("invalid input", func(t *testing.T) {
		linear, err := NewLinear(3, 2, false, rand.New(rand.NewSource(1)))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := linear.Forward(mustTensor(t, []int{2, 4}, make([]float64, 8))); err == nil {
			t.Error("expected error for wrong input width")
		}
		if len(linear.Parameters()) != 1 {
			t.Errorf("expected weight only, got %d parameters", len(linear.Parameters()))
		}
		if _, err := NewLinear(0, 2, true, rand.New(rand.NewSource(1))); err == nil {
			t.Error("expected error for zero input size")
		}
	})
}

func TestSequentialNamedParameters(t *testing.T) {
	net := newTestNetwork(t, 1)
	named := net.NamedParameters()

	// pool, flatten, linear, relu, linear
	want := []string{"2.weight", "2.bias", "4.weight", "4.bias"}
	if len(named) != len(want) {
		t.Fatalf("expected %d named parameters, got %d", len(want), len(named))
	}
	for i, n := range named {
		if n.Name != want[i] {
			t.Errorf("parameter %d: expected %s, got %s", i, want[i], n.Name)
		}
		if n.Tensor != net.Parameters()[i] {
			t.Errorf("parameter %s does not match Parameters() order", n.Name)
		}
	}
	if named[0].Tensor.Shape[0] != 8 || named[0].Tensor.Shape[1] != 6 {
		t.Errorf("expected first weight [8 6], got %v", named[0].Tensor.Shape)
	}
}

func TestTrainEvalMode(t *testing.T) {
	net := newTestNetwork(t, 1)
	net.Eval()
	if net.Encoder().IsTraining() {
		t.Error("expected eval mode")
	}
	net.Train()
	if !net.Encoder().IsTraining() {
		t.Error("expected training mode")
	}
}

func TestNewEncoderErrors(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	if _, err := NewEncoder([]int{4, 4}, testEncoderConfig, rng); err == nil {
		t.Error("expected error for 2D volume shape")
	}
	if _, err := NewEncoder([]int{2, 4, 4}, EncoderConfig{PoolSize: 8, EmbeddingDim: 2}, rng); err == nil {
		t.Error("expected error for pool larger than slice")
	}
	if _, err := NewEncoder([]int{2, 4, 4}, EncoderConfig{EmbeddingDim: 0}, rng); err == nil {
		t.Error("expected error for zero embedding dim")
	}
}

func TestSiameseSharedWeights(t *testing.T) {
	net := newTestNetwork(t, 7)
	rng := rand.New(rand.NewSource(8))
	x := randomVolumes(t, rng, 3)

	emb, err := net.Forward(x, x)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if emb.Branches() != 2 || emb.BatchSize() != 3 {
		t.Fatalf("expected 2 branches of 3, got %d of %d", emb.Branches(), emb.BatchSize())
	}
	e1, err := emb.Part(0)
	if err != nil {
		t.Fatal(err)
	}
	e2, err := emb.Part(1)
	if err != nil {
		t.Fatal(err)
	}
	if !e1.AllClose(e2, 0) {
		t.Error("identical inputs must give identical embeddings through shared weights")
	}
	if _, err := emb.Part(2); err == nil {
		t.Error("expected error for out of range branch")
	}

	if _, err := net.Forward(x); err == nil {
		t.Error("expected error for a single branch")
	}
	if _, err := net.Forward(x, randomVolumes(t, rng, 2)); err == nil {
		t.Error("expected error for mismatched batch sizes")
	}
}

func TestSiameseBackwardMatchesNumeric(t *testing.T) {
	net := newTestNetwork(t, 21)
	rng := rand.New(rand.NewSource(22))
	x1 := randomVolumes(t, rng, 4)
	x2 := randomVolumes(t, rng, 4)
	labels := []float64{0, 1, 1, 0}
	loss := NewContrastiveLoss()
	const margin = 2.0

	lossValue := func() float64 {
		e := embedBranches(t, net, x1, x2)
		v, err := loss.Forward(e[0], e[1], labels, margin)
		if err != nil {
			t.Fatal(err)
		}
		return v
	}

	emb, err := net.Forward(x1, x2)
	if err != nil {
		t.Fatal(err)
	}
	e1, err := emb.Part(0)
	if err != nil {
		t.Fatal(err)
	}
	e2, err := emb.Part(1)
	if err != nil {
		t.Fatal(err)
	}
	g1, g2, err := loss.Backward(e1, e2, labels, margin)
	if err != nil {
		t.Fatal(err)
	}
	if err := emb.Backward(g1, g2); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	for _, p := range net.NamedParameters() {
		numeric := numericGrad(p.Tensor, lossValue)
		assertClose(t, p.Name, numeric, p.Tensor.Grad().Data, 1e-4)
	}

	if err := emb.Backward(g1); err == nil {
		t.Error("expected error for wrong number of branch gradients")
	}
}
