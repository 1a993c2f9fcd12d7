package dataset

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-siamese/tensor"
)

// classIndex lists the sample indices of every class.
type classIndex struct {
	byClass map[int][]int
	classes []int
}

func buildClassIndex(src VolumeSource) classIndex {
	ci := classIndex{byClass: make(map[int][]int)}
	for i := 0; i < src.Len(); i++ {
		c := src.Class(i)
		if _, ok := ci.byClass[c]; !ok {
			ci.classes = append(ci.classes, c)
		}
		ci.byClass[c] = append(ci.byClass[c], i)
	}
	return ci
}

// pick returns a random member of class c other than exclude, or -1.
func (ci classIndex) pick(rng *rand.Rand, c, exclude int) int {
	members := ci.byClass[c]
	if len(members) == 0 || (len(members) == 1 && members[0] == exclude) {
		return -1
	}
	for {
		if m := members[rng.Intn(len(members))]; m != exclude {
			return m
		}
	}
}

// pickOther returns a random member of any class other than c, or -1.
func (ci classIndex) pickOther(rng *rand.Rand, c int) int {
	var others []int
	for _, k := range ci.classes {
		if k != c {
			others = append(others, k)
		}
	}
	if len(others) == 0 {
		return -1
	}
	return ci.pick(rng, others[rng.Intn(len(others))], -1)
}

// sampleRand is deterministic per (seed, idx) so that concurrent workers and
// repeated epochs see the same partner for a sample.
func sampleRand(seed int64, idx int) *rand.Rand {
	return rand.New(rand.NewSource(seed*1_000_003 + int64(idx)))
}

// ContrastivePairs turns a VolumeSource into volume pairs. Sample i pairs
// volume i with a partner of the same class or, with equal probability, of
// another class. Label 1 marks a dissimilar pair, label 0 a similar one.
type ContrastivePairs struct {
	src   VolumeSource
	index classIndex
	seed  int64
}

func NewContrastivePairs(src VolumeSource, seed int64) (*ContrastivePairs, error) {
	index := buildClassIndex(src)
	if len(index.classes) < 2 {
		return nil, fmt.Errorf("contrastive pairs need at least 2 classes, got %d", len(index.classes))
	}
	return &ContrastivePairs{src: src, index: index, seed: seed}, nil
}

func (cp *ContrastivePairs) Len() int { return cp.src.Len() }

// Partner returns the index paired with idx and the pair label.
func (cp *ContrastivePairs) Partner(idx int) (int, float64) {
	rng := sampleRand(cp.seed, idx)
	class := cp.src.Class(idx)
	if rng.Intn(2) == 0 {
		if j := cp.index.pick(rng, class, idx); j >= 0 {
			return j, 0
		}
	}
	return cp.index.pickOther(rng, class), 1
}

func (cp *ContrastivePairs) Get(idx int) ([]*tensor.Tensor, float64, error) {
	j, label := cp.Partner(idx)
	v1, err := cp.src.Volume(idx)
	if err != nil {
		return nil, 0, err
	}
	v2, err := cp.src.Volume(j)
	if err != nil {
		return nil, 0, err
	}
	return []*tensor.Tensor{v1, v2}, label, nil
}

// TripletSet turns a VolumeSource into (anchor, positive, negative) triplets.
// Every triplet carries label 1: the anchor is expected closer to the
// positive.
type TripletSet struct {
	src   VolumeSource
	index classIndex
	seed  int64
}

func NewTripletSet(src VolumeSource, seed int64) (*TripletSet, error) {
	index := buildClassIndex(src)
	if len(index.classes) < 2 {
		return nil, fmt.Errorf("triplets need at least 2 classes, got %d", len(index.classes))
	}
	for _, c := range index.classes {
		if len(index.byClass[c]) < 2 {
			return nil, fmt.Errorf("class %d has a single volume, no positive available", c)
		}
	}
	return &TripletSet{src: src, index: index, seed: seed}, nil
}

func (ts *TripletSet) Len() int { return ts.src.Len() }

// Members returns the positive and negative indices for anchor idx.
func (ts *TripletSet) Members(idx int) (int, int) {
	rng := sampleRand(ts.seed, idx)
	class := ts.src.Class(idx)
	return ts.index.pick(rng, class, idx), ts.index.pickOther(rng, class)
}

func (ts *TripletSet) Get(idx int) ([]*tensor.Tensor, float64, error) {
	pos, neg := ts.Members(idx)
	volumes := make([]*tensor.Tensor, 3)
	for i, j := range []int{idx, pos, neg} {
		v, err := ts.src.Volume(j)
		if err != nil {
			return nil, 0, err
		}
		volumes[i] = v
	}
	return volumes, 1, nil
}
