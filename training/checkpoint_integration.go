package training

import (
	"fmt"

	"github.com/tsawler/go-siamese/checkpoints"
	"github.com/tsawler/go-siamese/tensor"
)

// CheckpointWriter persists the best model seen so far.
type CheckpointWriter interface {
	Save(cp *checkpoints.Checkpoint) error
}

// FileCheckpointWriter overwrites a single checkpoint file on every save.
type FileCheckpointWriter struct {
	Path  string
	saver *checkpoints.CheckpointSaver
}

func NewFileCheckpointWriter(path string, format checkpoints.CheckpointFormat) *FileCheckpointWriter {
	return &FileCheckpointWriter{Path: path, saver: checkpoints.NewCheckpointSaver(format)}
}

func (w *FileCheckpointWriter) Save(cp *checkpoints.Checkpoint) error {
	return w.saver.SaveCheckpoint(cp, w.Path)
}

// StateDict copies the network's parameters into checkpoint weights.
func StateDict(net *SiameseNetwork) []checkpoints.WeightTensor {
	params := net.NamedParameters()
	weights := make([]checkpoints.WeightTensor, len(params))
	for i, p := range params {
		weights[i] = checkpoints.WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Tensor.Shape...),
			Data:  append([]float64(nil), p.Tensor.Data...),
		}
	}
	return weights
}

// LoadStateDict restores parameters by name. Every network parameter must be
// present with a matching shape; extra weights are an error too.
func LoadStateDict(net *SiameseNetwork, weights []checkpoints.WeightTensor) error {
	byName := make(map[string]checkpoints.WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}

	params := net.NamedParameters()
	if len(params) != len(byName) {
		return fmt.Errorf("checkpoint has %d weights, network has %d parameters", len(byName), len(params))
	}
	for _, p := range params {
		w, ok := byName[p.Name]
		if !ok {
			return fmt.Errorf("checkpoint is missing parameter %s", p.Name)
		}
		if len(w.Shape) != len(p.Tensor.Shape) {
			return fmt.Errorf("parameter %s: checkpoint shape %v, network shape %v", p.Name, w.Shape, p.Tensor.Shape)
		}
		for i := range w.Shape {
			if w.Shape[i] != p.Tensor.Shape[i] {
				return fmt.Errorf("parameter %s: checkpoint shape %v, network shape %v", p.Name, w.Shape, p.Tensor.Shape)
			}
		}
		if err := p.Tensor.SetData(w.Data); err != nil {
			return fmt.Errorf("parameter %s: %v", p.Name, err)
		}
	}
	tensor.ZeroGrad(net.Parameters())
	return nil
}

// RestoreCheckpoint loads weights from cp and returns the margin it was
// saved with.
func RestoreCheckpoint(net *SiameseNetwork, cp *checkpoints.Checkpoint) (float64, error) {
	if err := LoadStateDict(net, cp.Weights); err != nil {
		return 0, err
	}
	return cp.TrainingState.Margin, nil
}
