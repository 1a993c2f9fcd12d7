package training

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-siamese/tensor"
)

// LossKind names the metric-learning objective.
type LossKind string

const (
	LossContrastive LossKind = "contrastive"
	LossTriplet     LossKind = "triplet"
)

func ParseLossKind(name string) (LossKind, error) {
	switch LossKind(strings.ToLower(name)) {
	case LossContrastive:
		return LossContrastive, nil
	case LossTriplet:
		return LossTriplet, nil
	default:
		return "", fmt.Errorf("unknown loss kind %q (want contrastive or triplet)", name)
	}
}

// Strategy is the part of an epoch that depends on the loss kind: how a
// batch is embedded and scored, and how the margin evolves afterwards.
type Strategy interface {
	Kind() LossKind

	// Branches is the number of volumes per sample (2 for pairs, 3 for triplets).
	Branches() int

	// Evaluate runs the network on batch. When backward is set, gradients
	// of the batch loss are accumulated into the network parameters.
	Evaluate(net *SiameseNetwork, batch *Batch, margin float64, backward bool) (BatchResult, error)

	// AdaptMargin returns the margin to use after a training epoch.
	AdaptMargin(margin float64, stats *EpochStats) (float64, bool)
}

// NewStrategy returns the strategy for kind. soft selects the softplus
// triplet objective and is ignored for contrastive training.
func NewStrategy(kind LossKind, schedule MarginSchedule, soft bool) (Strategy, error) {
	switch kind {
	case LossContrastive:
		if err := schedule.Validate(); err != nil {
			return nil, err
		}
		return NewContrastiveStrategy(schedule), nil
	case LossTriplet:
		if soft {
			return NewTripletStrategy(NewSoftTripletLoss()), nil
		}
		return NewTripletStrategy(NewTripletMarginLoss()), nil
	default:
		return nil, fmt.Errorf("unknown loss kind %q", kind)
	}
}

func checkBatch(batch *Batch, branches int) error {
	if len(batch.Inputs) != branches {
		return fmt.Errorf("batch has %d inputs, expected %d", len(batch.Inputs), branches)
	}
	if len(batch.Labels) != batch.Inputs[0].Shape[0] {
		return fmt.Errorf("batch has %d labels for %d samples", len(batch.Labels), batch.Inputs[0].Shape[0])
	}
	return nil
}

// ContrastiveStrategy trains on labelled pairs and adapts the margin.
type ContrastiveStrategy struct {
	loss     PairLoss
	schedule MarginSchedule
}

func NewContrastiveStrategy(schedule MarginSchedule) *ContrastiveStrategy {
	return &ContrastiveStrategy{loss: NewContrastiveLoss(), schedule: schedule}
}

func (cs *ContrastiveStrategy) Kind() LossKind { return LossContrastive }
func (cs *ContrastiveStrategy) Branches() int  { return 2 }

func (cs *ContrastiveStrategy) Evaluate(net *SiameseNetwork, batch *Batch, margin float64, backward bool) (BatchResult, error) {
	if err := checkBatch(batch, 2); err != nil {
		return BatchResult{}, err
	}

	emb, err := net.Forward(batch.Inputs...)
	if err != nil {
		return BatchResult{}, err
	}
	e1, err := emb.Part(0)
	if err != nil {
		return BatchResult{}, err
	}
	e2, err := emb.Part(1)
	if err != nil {
		return BatchResult{}, err
	}

	loss, err := cs.loss.Forward(e1, e2, batch.Labels, margin)
	if err != nil {
		return BatchResult{}, fmt.Errorf("contrastive loss: %v", err)
	}
	dists, err := PairwiseDistance(e1, e2)
	if err != nil {
		return BatchResult{}, err
	}

	if backward {
		g1, g2, err := cs.loss.Backward(e1, e2, batch.Labels, margin)
		if err != nil {
			return BatchResult{}, fmt.Errorf("contrastive loss backward: %v", err)
		}
		if err := emb.Backward(g1, g2); err != nil {
			return BatchResult{}, fmt.Errorf("backward pass failed: %v", err)
		}
	}

	result := PairResult(dists, batch.Labels, margin)
	result.Loss = loss
	return result, nil
}

func (cs *ContrastiveStrategy) AdaptMargin(margin float64, stats *EpochStats) (float64, bool) {
	return cs.schedule.Adapt(margin, stats)
}

// TripletStrategy trains on (anchor, positive, negative) volumes. The margin
// stays fixed.
type TripletStrategy struct {
	loss TripletLoss
}

func NewTripletStrategy(loss TripletLoss) *TripletStrategy {
	return &TripletStrategy{loss: loss}
}

func (ts *TripletStrategy) Kind() LossKind { return LossTriplet }
func (ts *TripletStrategy) Branches() int  { return 3 }

func (ts *TripletStrategy) Evaluate(net *SiameseNetwork, batch *Batch, margin float64, backward bool) (BatchResult, error) {
	if err := checkBatch(batch, 3); err != nil {
		return BatchResult{}, err
	}

	emb, err := net.Forward(batch.Inputs...)
	if err != nil {
		return BatchResult{}, err
	}
	parts := make([]*tensor.Tensor, 3)
	for i := range parts {
		if parts[i], err = emb.Part(i); err != nil {
			return BatchResult{}, err
		}
	}
	anchor, positive, negative := parts[0], parts[1], parts[2]

	loss, err := ts.loss.Forward(anchor, positive, negative, margin)
	if err != nil {
		return BatchResult{}, fmt.Errorf("triplet loss: %v", err)
	}
	dap, dan, err := tripletDistances(anchor, positive, negative)
	if err != nil {
		return BatchResult{}, err
	}

	if backward {
		ga, gp, gn, err := ts.loss.Backward(anchor, positive, negative, margin)
		if err != nil {
			return BatchResult{}, fmt.Errorf("triplet loss backward: %v", err)
		}
		if err := emb.Backward(ga, gp, gn); err != nil {
			return BatchResult{}, fmt.Errorf("backward pass failed: %v", err)
		}
	}

	result := TripletResult(dap, dan, batch.Labels)
	result.Loss = loss
	return result, nil
}

func (ts *TripletStrategy) AdaptMargin(margin float64, stats *EpochStats) (float64, bool) {
	return margin, false
}
