// Package metrics records per-epoch training scalars. Sinks implement
// ScalarWriter; Multi fans a single stream out to several of them.
package metrics

import (
	"errors"
	"sync"
	"time"
)

// Tags written once per epoch by the trainer.
const (
	TagTrainingLoss    = "Training Loss"
	TagTrainingScore   = "Training Score"
	TagValidationLoss  = "Validation Loss"
	TagValidationScore = "Validation Score"
)

// ScalarWriter receives (tag, value, step) events.
type ScalarWriter interface {
	AddScalar(tag string, value float64, step int) error
	Close() error
}

// Scalar is one recorded event.
type Scalar struct {
	Tag      string    `json:"tag"`
	Step     int       `json:"step"`
	Value    float64   `json:"value"`
	WallTime time.Time `json:"wall_time"`
}

// Multi forwards every event to all writers and joins their errors.
type Multi []ScalarWriter

func (m Multi) AddScalar(tag string, value float64, step int) error {
	var errs []error
	for _, w := range m {
		if err := w.AddScalar(tag, value, step); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, w := range m {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps scalars in memory. It is safe for concurrent use.
type Recorder struct {
	mu      sync.RWMutex
	scalars []Scalar
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) AddScalar(tag string, value float64, step int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scalars = append(r.scalars, Scalar{Tag: tag, Step: step, Value: value, WallTime: time.Now()})
	return nil
}

func (r *Recorder) Close() error { return nil }

// Scalars returns a copy of all events, optionally filtered by tag.
func (r *Recorder) Scalars(tag string) []Scalar {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Scalar
	for _, s := range r.scalars {
		if tag == "" || s.Tag == tag {
			out = append(out, s)
		}
	}
	return out
}

// Tags returns the distinct tags in first-seen order.
func (r *Recorder) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var tags []string
	for _, s := range r.scalars {
		if !seen[s.Tag] {
			seen[s.Tag] = true
			tags = append(tags, s.Tag)
		}
	}
	return tags
}
