package training

import "fmt"

const (
	DefaultMarginThreshold = 0.3
	DefaultMarginFactor    = 0.95
)

// MarginSchedule shrinks the contrastive margin when too many dissimilar
// pairs end an epoch inside it.
type MarginSchedule struct {
	Threshold float64 // fraction of negatives below margin that triggers a decay
	Factor    float64 // multiplier applied to the margin on decay
}

func DefaultMarginSchedule() MarginSchedule {
	return MarginSchedule{Threshold: DefaultMarginThreshold, Factor: DefaultMarginFactor}
}

func (ms MarginSchedule) Validate() error {
	if ms.Threshold < 0 || ms.Threshold > 1 {
		return fmt.Errorf("margin threshold must be in [0, 1], got %g", ms.Threshold)
	}
	if ms.Factor <= 0 || ms.Factor > 1 {
		return fmt.Errorf("margin factor must be in (0, 1], got %g", ms.Factor)
	}
	return nil
}

// Adapt returns the margin for the next epoch and whether it changed.
func (ms MarginSchedule) Adapt(margin float64, stats *EpochStats) (float64, bool) {
	if stats.NegativeBelowFraction() > ms.Threshold {
		return margin * ms.Factor, true
	}
	return margin, false
}
