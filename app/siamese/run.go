package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"k8s.io/klog/v2"

	"github.com/tsawler/go-siamese/checkpoints"
	"github.com/tsawler/go-siamese/config"
	"github.com/tsawler/go-siamese/metrics"
	"github.com/tsawler/go-siamese/tensor"
	"github.com/tsawler/go-siamese/training"
	"github.com/tsawler/go-siamese/vision/dataset"
)

const volumeCacheSize = 256

// selectDevice resolves the configured device, failing when it is not
// compiled into this build.
func selectDevice(cfg config.Config) error {
	device, err := tensor.ParseDevice(cfg.Device)
	if err != nil {
		return err
	}
	klog.Infof("using device %s", device)
	return nil
}

// loadVolumes reads dir, or generates synthetic volumes when dir is empty.
func loadVolumes(cfg config.Config, dir string, seed int64) (dataset.VolumeSource, error) {
	if dir == "" {
		klog.Warningf("no data directory configured, using %d synthetic volumes per class", cfg.Synthetic)
		return dataset.NewSyntheticVolumes(2, cfg.Synthetic, cfg.Volume.Shape(), 0.1, seed)
	}
	vf, err := dataset.NewVolumeFolder(dir, dataset.VolumeFolderConfig{
		Slices:    cfg.Volume.Slices,
		Height:    cfg.Volume.Height,
		Width:     cfg.Volume.Width,
		CacheSize: volumeCacheSize,
		Workers:   cfg.Workers,
	})
	if err != nil {
		return nil, err
	}
	klog.Info(vf)
	return vf, nil
}

// sampleSet pairs or triples the volumes of src according to kind.
func sampleSet(src dataset.VolumeSource, kind training.LossKind, seed int64) (training.Dataset, error) {
	if kind == training.LossTriplet {
		return dataset.NewTripletSet(src, seed)
	}
	return dataset.NewContrastivePairs(src, seed)
}

func newLoader(ds training.Dataset, cfg config.Config, shuffle bool) (*training.DataLoader, error) {
	return training.NewDataLoader(ds, training.DataLoaderConfig{
		BatchSize:     cfg.BatchSize,
		Shuffle:       shuffle,
		Workers:       cfg.Workers,
		PrefetchDepth: cfg.PrefetchDepth,
		Seed:          cfg.Seed,
	})
}

func newNetwork(cfg config.Config) (*training.SiameseNetwork, error) {
	encoder, err := training.NewEncoder(cfg.Volume.Shape(), training.EncoderConfig{
		PoolSize:     cfg.Encoder.PoolSize,
		HiddenSizes:  cfg.Encoder.Hidden,
		EmbeddingDim: cfg.Encoder.EmbeddingDim,
	}, rand.New(rand.NewSource(cfg.Seed)))
	if err != nil {
		return nil, err
	}
	return training.NewSiameseNetwork(encoder), nil
}

func newOptimizer(net *training.SiameseNetwork, cfg config.Config) (training.Optimizer, error) {
	return training.NewOptimizer(net.Parameters(), training.OptimizerConfig{
		Name:         cfg.Optimizer.Name,
		LearningRate: cfg.Optimizer.LearningRate,
		WeightDecay:  cfg.Optimizer.WeightDecay,
		Momentum:     cfg.Optimizer.Momentum,
		Nesterov:     cfg.Optimizer.Nesterov,
	})
}

func checkpointFormat(cfg config.Config) (checkpoints.CheckpointFormat, error) {
	if cfg.CheckpointFormat == "" {
		return checkpoints.FormatForPath(cfg.ModelPath), nil
	}
	return checkpoints.ParseFormat(cfg.CheckpointFormat)
}

// openSinks fans scalars out to the event database, SVG plots and the live
// dashboard, whichever are configured.
func openSinks(cfg config.Config) (metrics.Multi, error) {
	var sinks metrics.Multi
	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating log directory: %v", err)
		}
		db, err := metrics.OpenSQLite(filepath.Join(cfg.LogDir, "scalars.db"), cfg.Run)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, db)

		plots, err := metrics.NewPlotWriter(filepath.Join(cfg.LogDir, cfg.Run), nil)
		if err != nil {
			sinks.Close()
			return nil, err
		}
		sinks = append(sinks, plots)
	}
	if cfg.Dashboard != "" {
		dash := metrics.NewDashboard(nil)
		if _, err := dash.Start(cfg.Dashboard); err != nil {
			sinks.Close()
			return nil, fmt.Errorf("starting dashboard: %v", err)
		}
		sinks = append(sinks, dash)
	}
	return sinks, nil
}

func trainingMetadata(cfg config.Config) map[string]any {
	return map[string]any{
		"loss":          cfg.Loss,
		"batch_size":    cfg.BatchSize,
		"optimizer":     cfg.Optimizer.Name,
		"learning_rate": cfg.Optimizer.LearningRate,
		"volume":        fmt.Sprint(cfg.Volume.Shape()),
		"train_dir":     cfg.TrainDir,
	}
}

// train runs the full experiment described by cfg.
func train(ctx context.Context, cfg config.Config, progress io.Writer) (err error) {
	if err := selectDevice(cfg); err != nil {
		return err
	}
	kind, err := training.ParseLossKind(cfg.Loss)
	if err != nil {
		return err
	}

	volumes, err := loadVolumes(cfg, cfg.TrainDir, cfg.Seed)
	if err != nil {
		return err
	}
	trainVolumes, validVolumes, err := dataset.RandomSplit(volumes, cfg.TrainSplit, cfg.Seed)
	if err != nil {
		return err
	}
	trainSet, err := sampleSet(trainVolumes, kind, cfg.Seed)
	if err != nil {
		return fmt.Errorf("training set: %v", err)
	}
	validSet, err := sampleSet(validVolumes, kind, cfg.Seed+1)
	if err != nil {
		return fmt.Errorf("validation set: %v", err)
	}
	trainLoader, err := newLoader(trainSet, cfg, true)
	if err != nil {
		return err
	}
	validLoader, err := newLoader(validSet, cfg, false)
	if err != nil {
		return err
	}

	net, err := newNetwork(cfg)
	if err != nil {
		return err
	}
	if progress != nil {
		training.PrintArchitecture(progress, "SiameseNetwork", net)
	}
	optimizer, err := newOptimizer(net, cfg)
	if err != nil {
		return err
	}
	scheduler, err := training.NewScheduler(training.SchedulerConfig{
		Name:     cfg.Scheduler.Name,
		StepSize: cfg.Scheduler.StepSize,
		Gamma:    cfg.Scheduler.Gamma,
		TMax:     cfg.Scheduler.TMax,
		EtaMin:   cfg.Scheduler.EtaMin,
	})
	if err != nil {
		return err
	}
	strategy, err := training.NewStrategy(kind, training.MarginSchedule{
		Threshold: cfg.MarginThreshold,
		Factor:    cfg.MarginFactor,
	}, cfg.SoftTriplet)
	if err != nil {
		return err
	}
	format, err := checkpointFormat(cfg)
	if err != nil {
		return err
	}

	sinks, err := openSinks(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sinks.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	trainerConfig := training.TrainerConfig{
		Epochs:        cfg.Epochs,
		InitialMargin: cfg.Margin,
		Scheduler:     scheduler,
		Checkpoints:   training.NewFileCheckpointWriter(cfg.ModelPath, format),
		Metadata:      trainingMetadata(cfg),
	}
	if len(sinks) > 0 {
		trainerConfig.Scalars = sinks
	}
	if cfg.Progress {
		trainerConfig.Progress = progress
	}
	trainer, err := training.NewTrainer(net, strategy, optimizer, trainerConfig)
	if err != nil {
		return err
	}

	if _, err := trainer.Fit(ctx, trainLoader, validLoader); err != nil {
		return err
	}
	klog.Infof("best validation accuracy %.5f, final margin %.5f, checkpoint %s",
		trainer.BestScore(), trainer.Margin(), cfg.ModelPath)
	return nil
}

// evaluate restores the best checkpoint and scores it on TestDir.
func evaluate(ctx context.Context, cfg config.Config, progress io.Writer) (*training.EpochStats, error) {
	if err := selectDevice(cfg); err != nil {
		return nil, err
	}
	format, err := checkpointFormat(cfg)
	if err != nil {
		return nil, err
	}
	cp, err := checkpoints.NewCheckpointSaver(format).LoadCheckpoint(cfg.ModelPath)
	if err != nil {
		return nil, err
	}

	net, err := newNetwork(cfg)
	if err != nil {
		return nil, err
	}
	margin, err := training.RestoreCheckpoint(net, cp)
	if err != nil {
		return nil, fmt.Errorf("restoring %s: %v", cfg.ModelPath, err)
	}

	lossName := cp.TrainingState.LossKind
	if lossName == "" {
		lossName = cfg.Loss
	}
	kind, err := training.ParseLossKind(lossName)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(lossName, cfg.Loss) {
		klog.Warningf("checkpoint was trained with %s loss, config says %s", lossName, cfg.Loss)
	}

	volumes, err := loadVolumes(cfg, cfg.TestDir, cfg.Seed+2)
	if err != nil {
		return nil, err
	}
	testSet, err := sampleSet(volumes, kind, cfg.Seed+2)
	if err != nil {
		return nil, err
	}
	loader, err := newLoader(testSet, cfg, false)
	if err != nil {
		return nil, err
	}

	strategy, err := training.NewStrategy(kind, training.MarginSchedule{
		Threshold: cfg.MarginThreshold,
		Factor:    cfg.MarginFactor,
	}, cfg.SoftTriplet)
	if err != nil {
		return nil, err
	}
	optimizer, err := newOptimizer(net, cfg)
	if err != nil {
		return nil, err
	}
	trainerConfig := training.TrainerConfig{Epochs: 1, InitialMargin: margin}
	if cfg.Progress {
		trainerConfig.Progress = progress
	}
	trainer, err := training.NewTrainer(net, strategy, optimizer, trainerConfig)
	if err != nil {
		return nil, err
	}

	klog.Infof("evaluating %s (epoch %d, validation accuracy %.5f)",
		cfg.ModelPath, cp.TrainingState.Epoch+1, cp.TrainingState.BestValAccuracy)
	stats, err := trainer.Evaluate(ctx, loader)
	if err != nil {
		return nil, err
	}
	klog.Infof("[ Test ] margin = %.5f, acc = %.5f, loss = %.5f", margin, stats.Accuracy(), stats.MeanLoss())

	if kind == training.LossContrastive {
		dists, labels, err := training.ScorePairs(ctx, net, loader)
		if err != nil {
			return nil, err
		}
		klog.Infof("pair verification at margin %.5f:\n%s", margin, training.NewConfusionMatrix(dists, labels, margin))
		klog.Infof("AUC-ROC = %.5f", training.AUCROC(dists, labels))
	}
	return stats, nil
}
