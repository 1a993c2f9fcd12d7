package training

import (
	"context"
	"fmt"
	"sort"
)

// ConfusionMatrix counts pair verification outcomes. The positive class is
// "dissimilar" (label 1), predicted when the distance reaches the margin, so
// its accuracy agrees with PairResult.
type ConfusionMatrix struct {
	TP int // dissimilar pairs at or beyond the margin
	FP int // similar pairs at or beyond the margin
	TN int // similar pairs inside the margin
	FN int // dissimilar pairs inside the margin
}

// NewConfusionMatrix classifies each distance against margin.
func NewConfusionMatrix(dists, labels []float64, margin float64) ConfusionMatrix {
	var cm ConfusionMatrix
	for i, d := range dists {
		predicted := d >= margin
		actual := labels[i] == 1
		switch {
		case predicted && actual:
			cm.TP++
		case predicted && !actual:
			cm.FP++
		case !predicted && actual:
			cm.FN++
		default:
			cm.TN++
		}
	}
	return cm
}

func (cm ConfusionMatrix) Total() int { return cm.TP + cm.FP + cm.TN + cm.FN }

// ratio returns 0 when den is 0.
func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func (cm ConfusionMatrix) Accuracy() float64    { return ratio(cm.TP+cm.TN, cm.Total()) }
func (cm ConfusionMatrix) Precision() float64   { return ratio(cm.TP, cm.TP+cm.FP) }
func (cm ConfusionMatrix) Recall() float64      { return ratio(cm.TP, cm.TP+cm.FN) }
func (cm ConfusionMatrix) Specificity() float64 { return ratio(cm.TN, cm.TN+cm.FP) }
func (cm ConfusionMatrix) NPV() float64         { return ratio(cm.TN, cm.TN+cm.FN) }

func (cm ConfusionMatrix) F1() float64 {
	p, r := cm.Precision(), cm.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

func (cm ConfusionMatrix) String() string {
	return fmt.Sprintf("                 predicted similar  predicted dissimilar\n"+
		"similar          %17d  %20d\n"+
		"dissimilar       %17d  %20d\n"+
		"precision = %.5f, recall = %.5f, f1 = %.5f, specificity = %.5f",
		cm.TN, cm.FP, cm.FN, cm.TP, cm.Precision(), cm.Recall(), cm.F1(), cm.Specificity())
}

// AUCROC returns the area under the ROC curve of scores for the positive
// label 1, or 0 when only one class is present. Tied scores share one ROC
// step.
func AUCROC(scores, labels []float64) float64 {
	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })

	var totalPos, totalNeg int
	for _, l := range labels {
		if l == 1 {
			totalPos++
		} else {
			totalNeg++
		}
	}
	if totalPos == 0 || totalNeg == 0 {
		return 0
	}

	var auc, prevTPR, prevFPR float64
	tp, fp := 0, 0
	for i := 0; i < len(order); {
		// consume every sample sharing this score before adding a trapezoid
		j := i
		for ; j < len(order) && scores[order[j]] == scores[order[i]]; j++ {
			if labels[order[j]] == 1 {
				tp++
			} else {
				fp++
			}
		}
		tpr := float64(tp) / float64(totalPos)
		fpr := float64(fp) / float64(totalNeg)
		auc += (fpr - prevFPR) * (tpr + prevTPR) / 2
		prevTPR, prevFPR = tpr, fpr
		i = j
	}
	return auc
}

// ScorePairs embeds every pair of loader and returns the pair distances with
// their labels. Parameters and gradients are left untouched.
func ScorePairs(ctx context.Context, net *SiameseNetwork, loader *DataLoader) ([]float64, []float64, error) {
	net.Eval()
	var dists, labels []float64
	for batch, err := range loader.All(ctx) {
		if err != nil {
			return nil, nil, err
		}
		if len(batch.Inputs) != 2 {
			return nil, nil, fmt.Errorf("pair scoring needs 2 inputs, got %d", len(batch.Inputs))
		}
		emb, err := net.Forward(batch.Inputs[0], batch.Inputs[1])
		if err != nil {
			return nil, nil, err
		}
		e1, err := emb.Part(0)
		if err != nil {
			return nil, nil, err
		}
		e2, err := emb.Part(1)
		if err != nil {
			return nil, nil, err
		}
		d, err := PairwiseDistance(e1, e2)
		if err != nil {
			return nil, nil, err
		}
		dists = append(dists, d...)
		labels = append(labels, batch.Labels...)
	}
	return dists, labels, nil
}
