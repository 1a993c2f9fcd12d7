package training

// accuracyEpsilon keeps ratio denominators non-zero.
const accuracyEpsilon = 1e-10

// BatchResult summarizes one forward (and optional backward) pass.
type BatchResult struct {
	Loss                 float64
	Correct              int
	Samples              int
	Negatives            int // pairs labelled dissimilar
	NegativesBelowMargin int // dissimilar pairs closer than the margin
}

// EpochStats accumulates BatchResults over an epoch. The zero value is ready
// to use; a new value is created for every epoch.
type EpochStats struct {
	LossSum              float64
	Batches              int
	Correct              int
	Samples              int
	Negatives            int
	NegativesBelowMargin int
}

func (s *EpochStats) AddBatch(r BatchResult) {
	s.LossSum += r.Loss
	s.Batches++
	s.Correct += r.Correct
	s.Samples += r.Samples
	s.Negatives += r.Negatives
	s.NegativesBelowMargin += r.NegativesBelowMargin
}

// MeanLoss is the mean of the per-batch losses, or 0 for an empty epoch.
func (s *EpochStats) MeanLoss() float64 {
	if s.Batches == 0 {
		return 0
	}
	return s.LossSum / float64(s.Batches)
}

// Accuracy is Correct/Samples, or 0 when no samples were seen.
func (s *EpochStats) Accuracy() float64 {
	if s.Samples == 0 {
		return 0
	}
	return float64(s.Correct) / float64(s.Samples)
}

// NegativeBelowFraction is the share of dissimilar pairs that fell inside the
// margin. It is 0 when the epoch had no dissimilar pairs.
func (s *EpochStats) NegativeBelowFraction() float64 {
	return float64(s.NegativesBelowMargin) / (float64(s.Negatives) + accuracyEpsilon)
}

// PairResult scores contrastive pairs against margin. Label 1 marks a
// dissimilar pair, the same convention ContrastiveLoss uses for its hinge
// term, so a pair is predicted dissimilar when its distance reaches the
// margin and is correct when (d >= margin) == (label == 1). Read with label 1
// meaning "similar", this is the same rule as (d < margin) == label.
func PairResult(dists, labels []float64, margin float64) BatchResult {
	r := BatchResult{Samples: len(dists)}
	for i, d := range dists {
		dissimilar := labels[i] == 1
		if (d >= margin) == dissimilar {
			r.Correct++
		}
		if dissimilar {
			r.Negatives++
			if d < margin {
				r.NegativesBelowMargin++
			}
		}
	}
	return r
}

// TripletResult scores triplets. Label 1 expects the anchor to sit closer to
// the positive than to the negative.
func TripletResult(dap, dan, labels []float64) BatchResult {
	r := BatchResult{Samples: len(dap)}
	for i := range dap {
		if (dap[i] < dan[i]) == (labels[i] == 1) {
			r.Correct++
		}
	}
	return r
}
