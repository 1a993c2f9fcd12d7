package training

import (
	"math/rand"
	"testing"

	"github.com/tsawler/go-siamese/tensor"
)

func TestParseLossKind(t *testing.T) {
	for name, want := range map[string]LossKind{"contrastive": LossContrastive, "Triplet": LossTriplet} {
		got, err := ParseLossKind(name)
		if err != nil || got != want {
			t.Errorf("ParseLossKind(%q) = %v, %v", name, got, err)
		}
	}
	if _, err := ParseLossKind("arcface"); err == nil {
		t.Error("expected error for unknown loss kind")
	}
}

func TestNewStrategy(t *testing.T) {
	s, err := NewStrategy(LossContrastive, DefaultMarginSchedule(), false)
	if err != nil || s.Kind() != LossContrastive || s.Branches() != 2 {
		t.Errorf("unexpected contrastive strategy %v, %v", s, err)
	}
	s, err = NewStrategy(LossTriplet, MarginSchedule{}, true)
	if err != nil || s.Kind() != LossTriplet || s.Branches() != 3 {
		t.Errorf("unexpected triplet strategy %v, %v", s, err)
	}
	if _, ok := s.(*TripletStrategy).loss.(*SoftTripletLoss); !ok {
		t.Error("expected soft triplet loss")
	}
	if _, err := NewStrategy(LossContrastive, MarginSchedule{Threshold: 0.3, Factor: 2}, false); err == nil {
		t.Error("expected invalid schedule to be rejected")
	}
}

func TestContrastiveStrategyEvaluate(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	x1 := randomVolumes(t, rng, 3)
	x2 := randomVolumes(t, rng, 3)
	batch := &Batch{Inputs: []*tensor.Tensor{x1, x2}, Labels: []float64{0, 1, 1}}
	strategy := NewContrastiveStrategy(DefaultMarginSchedule())

	t.Run("validation leaves gradients untouched", func(t *testing.T) {
		net := newTestNetwork(t, 5)
		r, err := strategy.Evaluate(net, batch, 2.0, false)
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if r.Samples != 3 || r.Negatives != 2 {
			t.Errorf("expected 3 samples with 2 negatives, got %+v", r)
		}
		for _, p := range net.Parameters() {
			if p.Grad() != nil {
				t.Fatal("validation must not produce gradients")
			}
		}
	})

	t.Run("result matches manual computation", func(t *testing.T) {
		net := newTestNetwork(t, 5)
		const margin = 0.4
		r, err := strategy.Evaluate(net, batch, margin, true)
		if err != nil {
			t.Fatal(err)
		}

		e := embedBranches(t, net, x1, x2)
		dists, err := PairwiseDistance(e[0], e[1])
		if err != nil {
			t.Fatal(err)
		}
		want := PairResult(dists, batch.Labels, margin)
		wantLoss, err := NewContrastiveLoss().Forward(e[0], e[1], batch.Labels, margin)
		if err != nil {
			t.Fatal(err)
		}

		if r.Correct != want.Correct || r.NegativesBelowMargin != want.NegativesBelowMargin {
			t.Errorf("expected %+v, got %+v", want, r)
		}
		if r.Loss != wantLoss {
			t.Errorf("expected loss %v, got %v", wantLoss, r.Loss)
		}
		for _, p := range net.Parameters() {
			if p.Grad() == nil {
				t.Fatal("training pass must populate gradients")
			}
		}
	})

	t.Run("wrong branch count", func(t *testing.T) {
		net := newTestNetwork(t, 5)
		bad := &Batch{Inputs: []*tensor.Tensor{x1}, Labels: []float64{0, 1, 1}}
		if _, err := strategy.Evaluate(net, bad, 1, false); err == nil {
			t.Error("expected error for a single input")
		}
		bad = &Batch{Inputs: []*tensor.Tensor{x1, x2}, Labels: []float64{0}}
		if _, err := strategy.Evaluate(net, bad, 1, false); err == nil {
			t.Error("expected error for label count mismatch")
		}
	})

	t.Run("adapts margin", func(t *testing.T) {
		got, adapted := strategy.AdaptMargin(2.0, &EpochStats{Negatives: 4, NegativesBelowMargin: 4})
		if !adapted || got != 2.0*DefaultMarginFactor {
			t.Errorf("expected margin %v, got %v (adapted %t)", 2.0*DefaultMarginFactor, got, adapted)
		}
	})
}

func TestTripletStrategyEvaluate(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	a := randomVolumes(t, rng, 2)
	p := randomVolumes(t, rng, 2)
	n := randomVolumes(t, rng, 2)
	batch := &Batch{Inputs: []*tensor.Tensor{a, p, n}, Labels: []float64{1, 1}}
	strategy := NewTripletStrategy(NewTripletMarginLoss())

	net := newTestNetwork(t, 10)
	r, err := strategy.Evaluate(net, batch, 1.0, true)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if r.Samples != 2 || r.Negatives != 0 {
		t.Errorf("unexpected result %+v", r)
	}

	e := embedBranches(t, net, a, p, n)
	dap, dan, err := tripletDistances(e[0], e[1], e[2])
	if err != nil {
		t.Fatal(err)
	}
	if want := TripletResult(dap, dan, batch.Labels); want.Correct != r.Correct {
		t.Errorf("expected %d correct, got %d", want.Correct, r.Correct)
	}

	if _, err := strategy.Evaluate(net, &Batch{Inputs: []*tensor.Tensor{a, p}, Labels: []float64{1, 1}}, 1, false); err == nil {
		t.Error("expected error for a pair batch")
	}

	if m, adapted := strategy.AdaptMargin(1.5, &EpochStats{Negatives: 1, NegativesBelowMargin: 1}); m != 1.5 || adapted {
		t.Error("triplet training must not adapt the margin")
	}
}
