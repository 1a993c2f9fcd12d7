package training

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-siamese/tensor"
)

// PairLoss scores pairs of embeddings against binary labels. The margin is
// passed in on every call; the loss holds no mutable state.
type PairLoss interface {
	Forward(e1, e2 *tensor.Tensor, labels []float64, margin float64) (float64, error)
	Backward(e1, e2 *tensor.Tensor, labels []float64, margin float64) (*tensor.Tensor, *tensor.Tensor, error)
}

// TripletLoss scores (anchor, positive, negative) embedding triples.
type TripletLoss interface {
	Forward(anchor, positive, negative *tensor.Tensor, margin float64) (float64, error)
	Backward(anchor, positive, negative *tensor.Tensor, margin float64) (*tensor.Tensor, *tensor.Tensor, *tensor.Tensor, error)
}

func checkEmbeddings(batch ...*tensor.Tensor) error {
	first := batch[0]
	if len(first.Shape) != 2 {
		return fmt.Errorf("embeddings must be 2D [batch_size, dim], got shape %v", first.Shape)
	}
	for i, e := range batch[1:] {
		if len(e.Shape) != 2 || e.Shape[0] != first.Shape[0] || e.Shape[1] != first.Shape[1] {
			return fmt.Errorf("embedding batch %d has shape %v, expected %v", i+1, e.Shape, first.Shape)
		}
	}
	return nil
}

// PairwiseDistance returns the Euclidean distance between matching rows.
func PairwiseDistance(e1, e2 *tensor.Tensor) ([]float64, error) {
	if err := checkEmbeddings(e1, e2); err != nil {
		return nil, err
	}
	dists := make([]float64, e1.Shape[0])
	for i := range dists {
		dists[i] = floats.Distance(e1.Row(i), e2.Row(i), 2)
	}
	return dists, nil
}

// ContrastiveLoss implements mean((1-y)*d^2 + y*max(margin-d, 0)^2) where
// y = 1 marks a dissimilar pair.
type ContrastiveLoss struct{}

func NewContrastiveLoss() *ContrastiveLoss {
	return &ContrastiveLoss{}
}

func (cl *ContrastiveLoss) Forward(e1, e2 *tensor.Tensor, labels []float64, margin float64) (float64, error) {
	dists, err := PairwiseDistance(e1, e2)
	if err != nil {
		return 0, err
	}
	if len(labels) != len(dists) {
		return 0, fmt.Errorf("label count %d does not match batch size %d", len(labels), len(dists))
	}

	var total float64
	for i, d := range dists {
		y := labels[i]
		hinge := math.Max(margin-d, 0)
		total += (1-y)*d*d + y*hinge*hinge
	}
	return total / float64(len(dists)), nil
}

// Backward returns dL/de1 and dL/de2. At d = 0 the hinge term has no
// direction and contributes no gradient.
func (cl *ContrastiveLoss) Backward(e1, e2 *tensor.Tensor, labels []float64, margin float64) (*tensor.Tensor, *tensor.Tensor, error) {
	dists, err := PairwiseDistance(e1, e2)
	if err != nil {
		return nil, nil, err
	}
	if len(labels) != len(dists) {
		return nil, nil, fmt.Errorf("label count %d does not match batch size %d", len(labels), len(dists))
	}

	g1, err := tensor.Zeros(e1.Shape)
	if err != nil {
		return nil, nil, err
	}
	g2, err := tensor.Zeros(e2.Shape)
	if err != nil {
		return nil, nil, err
	}

	n := float64(len(dists))
	for i, d := range dists {
		y := labels[i]
		// dL/dd scaled so that coeff * (e1 - e2) = dL/de1
		coeff := 2 * (1 - y)
		if hinge := margin - d; y != 0 && hinge > 0 && d > 0 {
			coeff -= 2 * y * hinge / d
		}
		coeff /= n

		row1 := g1.Row(i)
		floats.SubTo(row1, e1.Row(i), e2.Row(i))
		floats.Scale(coeff, row1)
		floats.ScaleTo(g2.Row(i), -1, row1)
	}
	return g1, g2, nil
}

// TripletMarginLoss implements mean(max(d(a,p) - d(a,n) + margin, 0)).
type TripletMarginLoss struct{}

func NewTripletMarginLoss() *TripletMarginLoss {
	return &TripletMarginLoss{}
}

func (tl *TripletMarginLoss) Forward(anchor, positive, negative *tensor.Tensor, margin float64) (float64, error) {
	dap, dan, err := tripletDistances(anchor, positive, negative)
	if err != nil {
		return 0, err
	}
	var total float64
	for i := range dap {
		total += math.Max(dap[i]-dan[i]+margin, 0)
	}
	return total / float64(len(dap)), nil
}

func (tl *TripletMarginLoss) Backward(anchor, positive, negative *tensor.Tensor, margin float64) (*tensor.Tensor, *tensor.Tensor, *tensor.Tensor, error) {
	dap, dan, err := tripletDistances(anchor, positive, negative)
	if err != nil {
		return nil, nil, nil, err
	}
	weights := make([]float64, len(dap))
	for i := range dap {
		if dap[i]-dan[i]+margin > 0 {
			weights[i] = 1
		}
	}
	return tripletGradients(anchor, positive, negative, dap, dan, weights)
}

// SoftTripletLoss replaces the hinge with softplus: mean(log(1 + exp(d(a,p) - d(a,n)))).
// The margin argument is ignored.
type SoftTripletLoss struct{}

func NewSoftTripletLoss() *SoftTripletLoss {
	return &SoftTripletLoss{}
}

func (sl *SoftTripletLoss) Forward(anchor, positive, negative *tensor.Tensor, margin float64) (float64, error) {
	dap, dan, err := tripletDistances(anchor, positive, negative)
	if err != nil {
		return 0, err
	}
	var total float64
	for i := range dap {
		total += softplus(dap[i] - dan[i])
	}
	return total / float64(len(dap)), nil
}

func (sl *SoftTripletLoss) Backward(anchor, positive, negative *tensor.Tensor, margin float64) (*tensor.Tensor, *tensor.Tensor, *tensor.Tensor, error) {
	dap, dan, err := tripletDistances(anchor, positive, negative)
	if err != nil {
		return nil, nil, nil, err
	}
	weights := make([]float64, len(dap))
	for i := range dap {
		weights[i] = sigmoid(dap[i] - dan[i])
	}
	return tripletGradients(anchor, positive, negative, dap, dan, weights)
}

func softplus(x float64) float64 {
	if x > 30 {
		return x
	}
	return math.Log1p(math.Exp(x))
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func tripletDistances(anchor, positive, negative *tensor.Tensor) ([]float64, []float64, error) {
	if err := checkEmbeddings(anchor, positive, negative); err != nil {
		return nil, nil, err
	}
	dap, err := PairwiseDistance(anchor, positive)
	if err != nil {
		return nil, nil, err
	}
	dan, err := PairwiseDistance(anchor, negative)
	if err != nil {
		return nil, nil, err
	}
	return dap, dan, nil
}

// tripletGradients distributes weight_i * d/d(.) [d(a,p) - d(a,n)] / N over
// the three branches.
func tripletGradients(anchor, positive, negative *tensor.Tensor, dap, dan, weights []float64) (*tensor.Tensor, *tensor.Tensor, *tensor.Tensor, error) {
	ga, err := tensor.Zeros(anchor.Shape)
	if err != nil {
		return nil, nil, nil, err
	}
	gp, err := tensor.Zeros(positive.Shape)
	if err != nil {
		return nil, nil, nil, err
	}
	gn, err := tensor.Zeros(negative.Shape)
	if err != nil {
		return nil, nil, nil, err
	}

	n := float64(len(dap))
	diff := make([]float64, anchor.Shape[1])
	for i := range dap {
		w := weights[i] / n
		if w == 0 {
			continue
		}

		if dap[i] > 0 {
			floats.SubTo(diff, anchor.Row(i), positive.Row(i))
			floats.AddScaled(ga.Row(i), w/dap[i], diff)
			floats.AddScaled(gp.Row(i), -w/dap[i], diff)
		}
		if dan[i] > 0 {
			floats.SubTo(diff, anchor.Row(i), negative.Row(i))
			floats.AddScaled(ga.Row(i), -w/dan[i], diff)
			floats.AddScaled(gn.Row(i), w/dan[i], diff)
		}
	}
	return ga, gp, gn, nil
}
