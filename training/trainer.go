package training

import (
	"context"
	"fmt"
	"io"
	"time"

	"k8s.io/klog/v2"

	"github.com/tsawler/go-siamese/checkpoints"
	"github.com/tsawler/go-siamese/metrics"
)

// TrainerConfig holds configuration for training
type TrainerConfig struct {
	Epochs        int
	InitialMargin float64

	Scheduler   LRScheduler          // nil keeps the optimizer's learning rate
	Scalars     metrics.ScalarWriter // nil disables scalar logging
	Checkpoints CheckpointWriter     // nil disables checkpointing
	Progress    io.Writer            // nil disables progress bars

	// Metadata is stored with every checkpoint (JSON-compatible values only)
	Metadata map[string]any
}

// EpochMetrics holds metrics for a single epoch
type EpochMetrics struct {
	Epoch         int
	LearningRate  float64
	Margin        float64 // margin after this epoch's adaptation
	MarginAdapted bool
	TrainLoss     float64
	TrainAccuracy float64
	ValidLoss     float64
	ValidAccuracy float64
	Improved      bool
	EpochDuration time.Duration
}

// Trainer drives the train / adapt / validate / checkpoint cycle. The margin
// is owned here and handed to the strategy on every batch.
type Trainer struct {
	net       *SiameseNetwork
	strategy  Strategy
	optimizer Optimizer
	config    TrainerConfig

	baseLR    float64
	margin    float64
	bestScore float64
	history   []EpochMetrics
}

// NewTrainer creates a new Trainer
func NewTrainer(net *SiameseNetwork, strategy Strategy, optimizer Optimizer, config TrainerConfig) (*Trainer, error) {
	if config.Epochs <= 0 {
		return nil, fmt.Errorf("epochs must be positive, got %d", config.Epochs)
	}
	if config.InitialMargin <= 0 {
		return nil, fmt.Errorf("initial margin must be positive, got %g", config.InitialMargin)
	}
	return &Trainer{
		net:       net,
		strategy:  strategy,
		optimizer: optimizer,
		config:    config,
		baseLR:    optimizer.GetLR(),
		margin:    config.InitialMargin,
	}, nil
}

func (t *Trainer) Margin() float64         { return t.margin }
func (t *Trainer) BestScore() float64      { return t.bestScore }
func (t *Trainer) History() []EpochMetrics { return t.history }

// Fit runs the configured number of epochs. It returns the metrics of every
// completed epoch, together with the first error encountered.
func (t *Trainer) Fit(ctx context.Context, trainLoader, validLoader *DataLoader) ([]EpochMetrics, error) {
	klog.Infof("training %s for %d epochs, %d train / %d validation batches per epoch",
		t.strategy.Kind(), t.config.Epochs, trainLoader.Len(), validLoader.Len())

	for epoch := 0; epoch < t.config.Epochs; epoch++ {
		m, err := t.runEpoch(ctx, epoch, trainLoader, validLoader)
		if err != nil {
			return t.history, err
		}
		t.history = append(t.history, m)
	}
	return t.history, nil
}

func (t *Trainer) runEpoch(ctx context.Context, epoch int, trainLoader, validLoader *DataLoader) (EpochMetrics, error) {
	start := time.Now()
	m := EpochMetrics{Epoch: epoch}

	if t.config.Scheduler != nil {
		t.optimizer.SetLR(t.config.Scheduler.GetLR(epoch, 0, t.baseLR))
	}
	m.LearningRate = t.optimizer.GetLR()

	trainStats, err := t.TrainEpoch(ctx, trainLoader, epoch)
	if err != nil {
		return m, fmt.Errorf("training epoch %d failed: %w", epoch+1, err)
	}
	t.margin, m.MarginAdapted = t.strategy.AdaptMargin(t.margin, trainStats)
	m.Margin = t.margin
	m.TrainLoss = trainStats.MeanLoss()
	m.TrainAccuracy = trainStats.Accuracy()
	klog.Infof("[ Train | %03d/%03d ] margin = %.5f, acc = %.5f, loss = %.5f",
		epoch+1, t.config.Epochs, t.margin, m.TrainAccuracy, m.TrainLoss)
	if m.MarginAdapted {
		klog.V(1).Infof("%.1f%% of negative pairs inside the margin, shrinking it",
			100*trainStats.NegativeBelowFraction())
	}

	validStats, err := t.ValidateEpoch(ctx, validLoader, epoch)
	if err != nil {
		return m, fmt.Errorf("validation epoch %d failed: %w", epoch+1, err)
	}
	m.ValidLoss = validStats.MeanLoss()
	m.ValidAccuracy = validStats.Accuracy()
	klog.Infof("[ Validation | %03d/%03d ] margin = %.5f, acc = %.5f, loss = %.5f",
		epoch+1, t.config.Epochs, t.margin, m.ValidAccuracy, m.ValidLoss)

	if m.ValidAccuracy > t.bestScore {
		klog.Infof("model improved: score %.5f --> %.5f", t.bestScore, m.ValidAccuracy)
		if t.config.Checkpoints != nil {
			if err := t.config.Checkpoints.Save(t.checkpoint(epoch, m)); err != nil {
				return m, fmt.Errorf("saving checkpoint for epoch %d: %w", epoch+1, err)
			}
		}
		t.bestScore = m.ValidAccuracy
		m.Improved = true
	} else {
		klog.Infof("no improvement: score %.5f --> %.5f", t.bestScore, m.ValidAccuracy)
	}

	if err := t.writeScalars(epoch, m); err != nil {
		return m, err
	}

	m.EpochDuration = time.Since(start)
	return m, nil
}

func (t *Trainer) checkpoint(epoch int, m EpochMetrics) *checkpoints.Checkpoint {
	return &checkpoints.Checkpoint{
		Weights: StateDict(t.net),
		TrainingState: checkpoints.TrainingState{
			Epoch:           epoch,
			TrainLoss:       m.TrainLoss,
			BestValAccuracy: m.ValidAccuracy,
			Margin:          t.margin,
			LossKind:        string(t.strategy.Kind()),
			LearningRate:    m.LearningRate,
		},
		Metadata: checkpoints.CheckpointMetadata{
			Description: fmt.Sprintf("best validation accuracy after epoch %d", epoch+1),
			Extra:       t.config.Metadata,
		},
	}
}

func (t *Trainer) writeScalars(epoch int, m EpochMetrics) error {
	if t.config.Scalars == nil {
		return nil
	}
	scalars := []struct {
		tag   string
		value float64
	}{
		{metrics.TagTrainingLoss, m.TrainLoss},
		{metrics.TagTrainingScore, m.TrainAccuracy},
		{metrics.TagValidationLoss, m.ValidLoss},
		{metrics.TagValidationScore, m.ValidAccuracy},
	}
	for _, s := range scalars {
		if err := t.config.Scalars.AddScalar(s.tag, s.value, epoch); err != nil {
			return fmt.Errorf("writing %s for epoch %d: %w", s.tag, epoch+1, err)
		}
	}
	return nil
}

// TrainEpoch runs one pass over loader with gradient updates. The margin is
// read but not changed.
func (t *Trainer) TrainEpoch(ctx context.Context, loader *DataLoader, epoch int) (*EpochStats, error) {
	t.net.Train()
	return t.runBatches(ctx, loader, fmt.Sprintf("Train %03d/%03d", epoch+1, t.config.Epochs), true)
}

// ValidateEpoch scores loader without touching parameters or margin.
func (t *Trainer) ValidateEpoch(ctx context.Context, loader *DataLoader, epoch int) (*EpochStats, error) {
	t.net.Eval()
	return t.runBatches(ctx, loader, fmt.Sprintf("Valid %03d/%03d", epoch+1, t.config.Epochs), false)
}

// Evaluate scores loader once, for use outside of Fit.
func (t *Trainer) Evaluate(ctx context.Context, loader *DataLoader) (*EpochStats, error) {
	t.net.Eval()
	return t.runBatches(ctx, loader, "Eval", false)
}

// SetMargin replaces the current margin, e.g. after restoring a checkpoint.
func (t *Trainer) SetMargin(margin float64) { t.margin = margin }

func (t *Trainer) runBatches(ctx context.Context, loader *DataLoader, desc string, train bool) (*EpochStats, error) {
	stats := &EpochStats{}

	var bar *ProgressBar
	if t.config.Progress != nil {
		bar = NewProgressBar(t.config.Progress, desc, loader.Len())
		defer bar.Finish()
	}

	step := 0
	for batch, err := range loader.All(ctx) {
		if err != nil {
			return stats, err
		}

		if train {
			t.optimizer.ZeroGrad()
		}
		result, err := t.strategy.Evaluate(t.net, batch, t.margin, train)
		if err != nil {
			return stats, fmt.Errorf("batch %d: %v", step, err)
		}
		if train {
			if err := t.optimizer.Step(); err != nil {
				return stats, fmt.Errorf("optimizer step failed: %v", err)
			}
		}
		stats.AddBatch(result)
		step++

		klog.V(1).Infof("%s batch %d: loss %.5f, correct %d/%d", desc, step, result.Loss, result.Correct, result.Samples)
		if bar != nil {
			bar.Update(step, map[string]float64{"loss": result.Loss, "acc": stats.Accuracy()})
		}
	}
	return stats, nil
}
