package training

import (
	"context"
	"math"
	"strings"
	"testing"

	"github.com/tsawler/go-siamese/tensor"
)

func stackOne(t *testing.T, v *tensor.Tensor) *tensor.Tensor {
	t.Helper()
	x, err := tensor.Stack([]*tensor.Tensor{v})
	if err != nil {
		t.Fatal(err)
	}
	return x
}

func TestConfusionMatrix(t *testing.T) {
	dists := []float64{0.5, 2.5, 1.0, 3.0, 2.0, 0.1}
	labels := []float64{0, 1, 1, 0, 1, 0}

	cm := NewConfusionMatrix(dists, labels, 2.0)
	// d >= 2 predicts dissimilar: 2.5 TP, 3.0 FP, 2.0 TP; 1.0 FN; 0.5 and 0.1 TN
	if cm.TP != 2 || cm.FP != 1 || cm.TN != 2 || cm.FN != 1 {
		t.Fatalf("unexpected counts %+v", cm)
	}

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"accuracy", cm.Accuracy(), 4.0 / 6},
		{"precision", cm.Precision(), 2.0 / 3},
		{"recall", cm.Recall(), 2.0 / 3},
		{"specificity", cm.Specificity(), 2.0 / 3},
		{"npv", cm.NPV(), 2.0 / 3},
		{"f1", cm.F1(), 2.0 / 3},
	}
	for _, tt := range tests {
		if math.Abs(tt.got-tt.want) > 1e-12 {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, tt.got)
		}
	}

	if r := PairResult(dists, labels, 2.0); r.Correct != cm.TP+cm.TN {
		t.Errorf("confusion matrix disagrees with PairResult: %d vs %d", cm.TP+cm.TN, r.Correct)
	}
	if !strings.Contains(cm.String(), "recall = 0.66667") {
		t.Errorf("unexpected report:\n%s", cm)
	}

	var empty ConfusionMatrix
	if empty.Accuracy() != 0 || empty.F1() != 0 {
		t.Error("empty matrix must report zeros")
	}
}

func TestAUCROC(t *testing.T) {
	t.Run("perfect separation", func(t *testing.T) {
		if auc := AUCROC([]float64{0.1, 0.2, 3, 4}, []float64{0, 0, 1, 1}); auc != 1 {
			t.Errorf("expected 1, got %v", auc)
		}
	})

	t.Run("inverted", func(t *testing.T) {
		if auc := AUCROC([]float64{3, 4, 0.1, 0.2}, []float64{0, 0, 1, 1}); auc != 0 {
			t.Errorf("expected 0, got %v", auc)
		}
	})

	t.Run("ties count half", func(t *testing.T) {
		if auc := AUCROC([]float64{1, 1}, []float64{0, 1}); math.Abs(auc-0.5) > 1e-12 {
			t.Errorf("expected 0.5, got %v", auc)
		}
	})

	t.Run("partial", func(t *testing.T) {
		// positive scores 0.8, 0.4; negatives 0.6, 0.2: 3 of 4 pairs ordered
		auc := AUCROC([]float64{0.8, 0.6, 0.4, 0.2}, []float64{1, 0, 1, 0})
		if math.Abs(auc-0.75) > 1e-12 {
			t.Errorf("expected 0.75, got %v", auc)
		}
	})

	t.Run("single class", func(t *testing.T) {
		if auc := AUCROC([]float64{1, 2}, []float64{1, 1}); auc != 0 {
			t.Errorf("expected 0, got %v", auc)
		}
	})
}

func TestScorePairs(t *testing.T) {
	net := newTestNetwork(t, 6)
	ds := newRandomDataset(t, 7, 2, 3)
	loader := mustLoader(t, ds, DataLoaderConfig{BatchSize: 3})

	dists, labels, err := ScorePairs(context.Background(), net, loader)
	if err != nil {
		t.Fatalf("ScorePairs failed: %v", err)
	}
	if len(dists) != 7 || len(labels) != 7 {
		t.Fatalf("expected 7 scores, got %d and %d", len(dists), len(labels))
	}

	vols, _, err := ds.Get(4)
	if err != nil {
		t.Fatal(err)
	}
	e := embedBranches(t, net, stackOne(t, vols[0]), stackOne(t, vols[1]))
	want, err := PairwiseDistance(e[0], e[1])
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(dists[4]-want[0]) > 1e-12 {
		t.Errorf("expected distance %v for sample 4, got %v", want[0], dists[4])
	}
	for _, p := range net.Parameters() {
		if p.Grad() != nil {
			t.Fatal("scoring must not produce gradients")
		}
	}

	triplets := mustLoader(t, newRandomDataset(t, 3, 3, 1), DataLoaderConfig{BatchSize: 3})
	if _, _, err := ScorePairs(context.Background(), net, triplets); err == nil {
		t.Error("expected error for triplet batches")
	}
}
