package dataset

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-siamese/tensor"
)

// Subset exposes the given indices of a VolumeSource.
type Subset struct {
	src     VolumeSource
	indices []int
}

func NewSubset(src VolumeSource, indices []int) *Subset {
	return &Subset{src: src, indices: indices}
}

func (s *Subset) Len() int                               { return len(s.indices) }
func (s *Subset) Class(idx int) int                      { return s.src.Class(s.indices[idx]) }
func (s *Subset) Volume(idx int) (*tensor.Tensor, error) { return s.src.Volume(s.indices[idx]) }

// Indices returns the positions in the parent source.
func (s *Subset) Indices() []int { return s.indices }

// RandomSplit shuffles src with seed and cuts it into a training subset of
// int(trainFrac*n) volumes and a validation subset holding the rest.
func RandomSplit(src VolumeSource, trainFrac float64, seed int64) (*Subset, *Subset, error) {
	if trainFrac <= 0 || trainFrac >= 1 {
		return nil, nil, fmt.Errorf("train fraction must be in (0, 1), got %g", trainFrac)
	}
	n := src.Len()
	trainSize := int(float64(n) * trainFrac)
	if trainSize == 0 || trainSize == n {
		return nil, nil, fmt.Errorf("cannot split %d volumes at %g", n, trainFrac)
	}

	indices := rand.New(rand.NewSource(seed)).Perm(n)
	return NewSubset(src, indices[:trainSize]), NewSubset(src, indices[trainSize:]), nil
}
