package training

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-siamese/tensor"
)

// EncoderConfig describes the embedding tower applied to every volume.
type EncoderConfig struct {
	PoolSize     int   // Average-pooling window over each slice (1 disables pooling)
	HiddenSizes  []int // Widths of the hidden ReLU layers
	EmbeddingDim int   // Length of the output embedding
}

// NewEncoder builds pool -> flatten -> (linear -> relu)* -> linear for volumes
// of shape [slices, height, width].
func NewEncoder(volumeShape []int, cfg EncoderConfig, rng *rand.Rand) (*Sequential, error) {
	if len(volumeShape) != 3 {
		return nil, fmt.Errorf("encoder expects volume shape [slices, height, width], got %v", volumeShape)
	}
	if cfg.EmbeddingDim <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", cfg.EmbeddingDim)
	}

	slices, height, width := volumeShape[0], volumeShape[1], volumeShape[2]
	encoder := NewSequential()

	if cfg.PoolSize > 1 {
		if height < cfg.PoolSize || width < cfg.PoolSize {
			return nil, fmt.Errorf("pool size %d larger than slice %dx%d", cfg.PoolSize, height, width)
		}
		encoder.Add(NewAvgPool2D(cfg.PoolSize))
		height /= cfg.PoolSize
		width /= cfg.PoolSize
	}
	encoder.Add(NewFlatten())

	in := slices * height * width
	for i, hidden := range cfg.HiddenSizes {
		layer, err := NewLinear(in, hidden, true, rng)
		if err != nil {
			return nil, fmt.Errorf("hidden layer %d: %v", i, err)
		}
		encoder.Add(layer)
		encoder.Add(NewReLU())
		in = hidden
	}

	out, err := NewLinear(in, cfg.EmbeddingDim, true, rng)
	if err != nil {
		return nil, fmt.Errorf("embedding layer: %v", err)
	}
	encoder.Add(out)

	return encoder, nil
}

// SiameseNetwork runs every input branch through one shared encoder.
type SiameseNetwork struct {
	encoder Module
}

func NewSiameseNetwork(encoder Module) *SiameseNetwork {
	return &SiameseNetwork{encoder: encoder}
}

func (s *SiameseNetwork) Encoder() Module                   { return s.encoder }
func (s *SiameseNetwork) Parameters() []*tensor.Tensor      { return s.encoder.Parameters() }
func (s *SiameseNetwork) NamedParameters() []NamedParameter { return NamedParameters(s.encoder) }
func (s *SiameseNetwork) Train()                            { s.encoder.Train() }
func (s *SiameseNetwork) Eval()                             { s.encoder.Eval() }

// Forward embeds each input batch. The branches are stacked into a single
// encoder pass so the shared weights see one graph.
func (s *SiameseNetwork) Forward(inputs ...*tensor.Tensor) (*Embeddings, error) {
	if len(inputs) < 2 {
		return nil, fmt.Errorf("siamese forward needs at least 2 inputs, got %d", len(inputs))
	}
	for i, in := range inputs[1:] {
		if len(in.Shape) != len(inputs[0].Shape) || in.Shape[0] != inputs[0].Shape[0] {
			return nil, fmt.Errorf("input %d has shape %v, expected %v", i+1, in.Shape, inputs[0].Shape)
		}
	}

	stacked, err := tensor.Concat(inputs...)
	if err != nil {
		return nil, fmt.Errorf("failed to stack branches: %v", err)
	}

	out, err := s.encoder.Forward(stacked)
	if err != nil {
		return nil, fmt.Errorf("encoder forward failed: %v", err)
	}
	if len(out.Shape) != 2 {
		return nil, fmt.Errorf("encoder must produce [batch, dim] embeddings, got %v", out.Shape)
	}

	return &Embeddings{out: out, branches: len(inputs), batch: inputs[0].Shape[0]}, nil
}

// Embeddings holds the stacked encoder output of one Siamese forward pass.
type Embeddings struct {
	out      *tensor.Tensor
	branches int
	batch    int
}

func (e *Embeddings) Branches() int  { return e.branches }
func (e *Embeddings) BatchSize() int { return e.batch }

// Part returns a detached copy of branch i's embeddings, shape [batch, dim].
func (e *Embeddings) Part(i int) (*tensor.Tensor, error) {
	if i < 0 || i >= e.branches {
		return nil, fmt.Errorf("branch %d out of range [0, %d)", i, e.branches)
	}
	return tensor.Rows(e.out, i*e.batch, (i+1)*e.batch)
}

// Backward pushes one gradient per branch back through the shared encoder.
func (e *Embeddings) Backward(grads ...*tensor.Tensor) error {
	if len(grads) != e.branches {
		return fmt.Errorf("expected %d branch gradients, got %d", e.branches, len(grads))
	}
	if !e.out.RequiresGrad() {
		return fmt.Errorf("embeddings were computed without trainable parameters")
	}

	stacked, err := tensor.Concat(grads...)
	if err != nil {
		return fmt.Errorf("failed to stack gradients: %v", err)
	}
	return e.out.Backward(stacked)
}
