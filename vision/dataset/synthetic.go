package dataset

import (
	"fmt"
	"math"
	"math/rand"
	"slices"

	"github.com/tsawler/go-siamese/tensor"
)

// SyntheticVolumes generates labelled volumes in memory. Class c volumes
// share a smooth intensity pattern of frequency c+1 along the slice axis;
// per-volume noise keeps samples of one class distinct.
type SyntheticVolumes struct {
	shape   []int
	classes []int
	volumes [][]float64
}

func NewSyntheticVolumes(numClasses, perClass int, shape []int, noise float64, seed int64) (*SyntheticVolumes, error) {
	if numClasses <= 0 || perClass <= 0 {
		return nil, fmt.Errorf("need positive class and sample counts, got %d x %d", numClasses, perClass)
	}
	if len(shape) != 3 {
		return nil, fmt.Errorf("volume shape must be [slices, height, width], got %v", shape)
	}

	rng := rand.New(rand.NewSource(seed))
	sv := &SyntheticVolumes{shape: slices.Clone(shape)}
	s, h, w := shape[0], shape[1], shape[2]

	for c := 0; c < numClasses; c++ {
		for n := 0; n < perClass; n++ {
			data := make([]float64, s*h*w)
			for z := 0; z < s; z++ {
				base := 0.5 + 0.4*math.Sin(float64(c+1)*math.Pi*float64(z)/float64(s))
				for i := 0; i < h*w; i++ {
					v := base + noise*rng.NormFloat64()
					data[z*h*w+i] = min(max(v, 0), 1)
				}
			}
			sv.volumes = append(sv.volumes, data)
			sv.classes = append(sv.classes, c)
		}
	}
	return sv, nil
}

func (sv *SyntheticVolumes) Len() int          { return len(sv.volumes) }
func (sv *SyntheticVolumes) Class(idx int) int { return sv.classes[idx] }

func (sv *SyntheticVolumes) Volume(idx int) (*tensor.Tensor, error) {
	if idx < 0 || idx >= len(sv.volumes) {
		return nil, fmt.Errorf("index %d out of range [0, %d)", idx, len(sv.volumes))
	}
	return tensor.NewTensor(sv.shape, slices.Clone(sv.volumes[idx]))
}
