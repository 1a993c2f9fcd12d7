// Package config holds the settings of a training run. A run is described by
// a JSON file decoded over Default(); every field the file leaves out keeps
// its default.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-siamese/tensor"
)

// Config is passed explicitly to every component; there is no global state.
type Config struct {
	Device string `json:"device"` // cpu or auto

	// Data
	TrainDir   string  `json:"train_dir"`   // root/<class>/<patient>_<slice>.png, empty uses synthetic volumes
	TestDir    string  `json:"test_dir"`    // evaluated by -mode eval
	TrainSplit float64 `json:"train_split"` // share of TrainDir used for training, the rest validates
	Synthetic  int     `json:"synthetic"`   // synthetic volumes per class when TrainDir is empty
	Volume     Volume  `json:"volume"`

	// Model
	Encoder Encoder `json:"encoder"`

	// Loss and margin
	Loss            string  `json:"loss"` // contrastive or triplet
	SoftTriplet     bool    `json:"soft_triplet"`
	Margin          float64 `json:"margin"`
	MarginThreshold float64 `json:"margin_threshold"`
	MarginFactor    float64 `json:"margin_factor"`

	// Optimisation
	Epochs        int       `json:"epochs"`
	BatchSize     int       `json:"batch_size"`
	Workers       int       `json:"workers"`
	PrefetchDepth int       `json:"prefetch_depth"`
	Seed          int64     `json:"seed"`
	Optimizer     Optimizer `json:"optimizer"`
	Scheduler     Scheduler `json:"scheduler"`

	// Outputs
	ModelPath        string `json:"model_path"`        // best checkpoint, overwritten on improvement
	CheckpointFormat string `json:"checkpoint_format"` // json or proto, empty picks by extension
	LogDir           string `json:"log_dir"`           // scalar database and plots, empty disables both
	Run              string `json:"run"`               // run name inside the scalar database
	Dashboard        string `json:"dashboard"`         // listen address of the live dashboard, empty disables it
	Progress         bool   `json:"progress"`
}

// Volume is the shape every patient volume is resized to.
type Volume struct {
	Slices int `json:"slices"`
	Height int `json:"height"`
	Width  int `json:"width"`
}

// Shape returns [slices, height, width].
func (v Volume) Shape() []int { return []int{v.Slices, v.Height, v.Width} }

// Encoder sizes the shared embedding tower.
type Encoder struct {
	PoolSize     int   `json:"pool_size"`
	Hidden       []int `json:"hidden"`
	EmbeddingDim int   `json:"embedding_dim"`
}

type Optimizer struct {
	Name         string  `json:"name"` // adam or sgd
	LearningRate float64 `json:"learning_rate"`
	WeightDecay  float64 `json:"weight_decay"`
	Momentum     float64 `json:"momentum"`
	Nesterov     bool    `json:"nesterov"`
}

type Scheduler struct {
	Name     string  `json:"name"` // constant, step, exponential or cosine
	StepSize int     `json:"step_size"`
	Gamma    float64 `json:"gamma"`
	TMax     int     `json:"t_max"`
	EtaMin   float64 `json:"eta_min"`
}

// Default returns the settings of the reference experiment.
func Default() Config {
	return Config{
		Device:     "auto",
		TrainSplit: 0.8,
		Synthetic:  16,
		Volume:     Volume{Slices: 20, Height: 32, Width: 32},
		Encoder:    Encoder{PoolSize: 4, Hidden: []int{128, 64}, EmbeddingDim: 32},

		Loss:            "contrastive",
		Margin:          2.0,
		MarginThreshold: 0.3,
		MarginFactor:    0.95,

		Epochs:    50,
		BatchSize: 3,
		Workers:   1,
		Seed:      42,
		Optimizer: Optimizer{Name: "adam", LearningRate: 0.005, WeightDecay: 1e-5},
		Scheduler: Scheduler{Name: "constant"},

		ModelPath: "siamese.json",
		Run:       "contrastive_0",
		Progress:  true,
	}
}

// Load decodes the JSON file at path over Default and validates the result.
// Unknown keys are rejected so that typos do not silently fall back to a
// default.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "reading config")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, errors.Wrapf(err, "decoding config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, errors.WithMessagef(err, "config %s", path)
	}
	return cfg, nil
}

// Save writes the config as indented JSON.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding config")
	}
	return errors.Wrap(os.WriteFile(path, append(data, '\n'), 0o644), "writing config")
}

// Validate checks ranges and enumerations.
func (c Config) Validate() error {
	switch {
	case c.TrainSplit <= 0 || c.TrainSplit >= 1:
		return errors.Errorf("train_split must be in (0, 1), got %g", c.TrainSplit)
	case c.TrainDir == "" && c.Synthetic <= 0:
		return errors.New("synthetic must be positive when train_dir is empty")
	case c.Volume.Slices <= 0 || c.Volume.Height <= 0 || c.Volume.Width <= 0:
		return errors.Errorf("volume dimensions must be positive, got %v", c.Volume.Shape())
	case c.Encoder.EmbeddingDim <= 0:
		return errors.Errorf("embedding_dim must be positive, got %d", c.Encoder.EmbeddingDim)
	case c.Encoder.PoolSize > 1 && (c.Volume.Height%c.Encoder.PoolSize != 0 || c.Volume.Width%c.Encoder.PoolSize != 0):
		return errors.Errorf("pool_size %d does not divide %dx%d slices", c.Encoder.PoolSize, c.Volume.Height, c.Volume.Width)
	case c.Margin <= 0:
		return errors.Errorf("margin must be positive, got %g", c.Margin)
	case c.MarginThreshold < 0 || c.MarginThreshold > 1:
		return errors.Errorf("margin_threshold must be in [0, 1], got %g", c.MarginThreshold)
	case c.MarginFactor <= 0 || c.MarginFactor > 1:
		return errors.Errorf("margin_factor must be in (0, 1], got %g", c.MarginFactor)
	case c.Epochs <= 0:
		return errors.Errorf("epochs must be positive, got %d", c.Epochs)
	case c.BatchSize <= 0:
		return errors.Errorf("batch_size must be positive, got %d", c.BatchSize)
	case c.Workers < 0 || c.PrefetchDepth < 0:
		return errors.New("workers and prefetch_depth must not be negative")
	case c.Optimizer.LearningRate <= 0:
		return errors.Errorf("learning_rate must be positive, got %g", c.Optimizer.LearningRate)
	case c.ModelPath == "":
		return errors.New("model_path is required")
	}
	for _, h := range c.Encoder.Hidden {
		if h <= 0 {
			return errors.Errorf("hidden layer sizes must be positive, got %v", c.Encoder.Hidden)
		}
	}

	switch strings.ToLower(c.Loss) {
	case "contrastive", "triplet":
	default:
		return errors.Errorf("loss must be contrastive or triplet, got %q", c.Loss)
	}
	switch strings.ToLower(c.Optimizer.Name) {
	case "adam", "sgd":
	default:
		return errors.Errorf("optimizer must be adam or sgd, got %q", c.Optimizer.Name)
	}
	switch strings.ToLower(c.CheckpointFormat) {
	case "", "json", "proto", "pb", "protobuf":
	default:
		return errors.Errorf("unknown checkpoint_format %q", c.CheckpointFormat)
	}
	if _, err := tensor.ParseDevice(c.Device); err != nil {
		return errors.WithMessage(err, "device")
	}
	return nil
}

func (c Config) String() string {
	var b strings.Builder
	b.WriteString("== Config ==")
	row := func(key string, val any) { fmt.Fprintf(&b, "\n%-18s: %v", key, val) }
	row("Device", c.Device)
	row("TrainDir", c.TrainDir)
	row("TestDir", c.TestDir)
	row("Volume", c.Volume.Shape())
	row("Encoder", fmt.Sprintf("pool %d, hidden %v, embedding %d", c.Encoder.PoolSize, c.Encoder.Hidden, c.Encoder.EmbeddingDim))
	row("Loss", c.Loss)
	row("Margin", c.Margin)
	row("MarginThreshold", c.MarginThreshold)
	row("MarginFactor", c.MarginFactor)
	row("Epochs", c.Epochs)
	row("BatchSize", c.BatchSize)
	row("Optimizer", fmt.Sprintf("%s lr=%g wd=%g", c.Optimizer.Name, c.Optimizer.LearningRate, c.Optimizer.WeightDecay))
	row("Scheduler", c.Scheduler.Name)
	row("ModelPath", c.ModelPath)
	row("LogDir", c.LogDir)
	return b.String()
}
