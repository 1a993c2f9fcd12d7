package training

import (
	"context"
	"fmt"
	"iter"
	"math/rand"

	"github.com/tsawler/go-siamese/async"
	"github.com/tsawler/go-siamese/tensor"
)

// Dataset interface defines methods that all datasets must implement.
// Get must be safe for concurrent use.
type Dataset interface {
	// Len returns the total number of samples
	Len() int
	// Get returns one pair or triplet of volumes and its label
	Get(idx int) (volumes []*tensor.Tensor, label float64, err error)
}

// Batch holds one tensor per branch, each [batch, ...sample shape], and the
// labels of its samples.
type Batch struct {
	Inputs []*tensor.Tensor
	Labels []float64
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int { return len(b.Labels) }

// DataLoaderConfig controls batching and background loading.
type DataLoaderConfig struct {
	BatchSize     int
	Shuffle       bool
	DropLast      bool  // Discard a trailing partial batch
	Workers       int   // Background loaders (default: 1)
	PrefetchDepth int   // Batches loaded ahead (default: 2 per worker)
	Seed          int64 // Shuffle seed; epoch e uses Seed+e
}

// DataLoader provides batching, shuffling, and prefetching over a Dataset
type DataLoader struct {
	dataset Dataset
	config  DataLoaderConfig
	epoch   int
}

// NewDataLoader creates a new DataLoader
func NewDataLoader(dataset Dataset, config DataLoaderConfig) (*DataLoader, error) {
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	return &DataLoader{dataset: dataset, config: config}, nil
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	n := dl.dataset.Len()
	if dl.config.DropLast {
		return n / dl.config.BatchSize
	}
	return (n + dl.config.BatchSize - 1) / dl.config.BatchSize
}

// Dataset returns the underlying dataset.
func (dl *DataLoader) Dataset() Dataset { return dl.dataset }

// epochOrder returns the sample order for the next epoch.
func (dl *DataLoader) epochOrder() []int {
	indices := make([]int, dl.dataset.Len())
	for i := range indices {
		indices[i] = i
	}
	if dl.config.Shuffle {
		rng := rand.New(rand.NewSource(dl.config.Seed + int64(dl.epoch)))
		rng.Shuffle(len(indices), func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
	}
	dl.epoch++
	return indices
}

// All iterates over one epoch of batches. Batches are loaded by background
// workers and yielded in order; iteration stops at the first error. Each call
// starts a new epoch with a fresh shuffle.
func (dl *DataLoader) All(ctx context.Context) iter.Seq2[*Batch, error] {
	indices := dl.epochOrder()
	numBatches := dl.Len()
	batchSize := dl.config.BatchSize

	return func(yield func(*Batch, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		results := async.Prefetch(ctx, numBatches, async.PrefetchConfig{
			Workers:       dl.config.Workers,
			PrefetchDepth: dl.config.PrefetchDepth,
		}, func(b int) (*Batch, error) {
			end := min((b+1)*batchSize, len(indices))
			return dl.loadBatch(indices[b*batchSize : end])
		})

		for r := range results {
			if !yield(r.Value, r.Err) || r.Err != nil {
				return
			}
		}
		if err := ctx.Err(); err != nil {
			yield(nil, err)
		}
	}
}

// loadBatch loads samples and stacks each branch into one tensor.
func (dl *DataLoader) loadBatch(indices []int) (*Batch, error) {
	if len(indices) == 0 {
		return nil, fmt.Errorf("empty batch indices")
	}

	var branches [][]*tensor.Tensor
	labels := make([]float64, len(indices))

	for i, idx := range indices {
		volumes, label, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to load sample %d: %v", idx, err)
		}
		if branches == nil {
			branches = make([][]*tensor.Tensor, len(volumes))
		}
		if len(volumes) != len(branches) {
			return nil, fmt.Errorf("sample %d has %d volumes, expected %d", idx, len(volumes), len(branches))
		}
		for b, v := range volumes {
			branches[b] = append(branches[b], v)
		}
		labels[i] = label
	}

	batch := &Batch{Inputs: make([]*tensor.Tensor, len(branches)), Labels: labels}
	for b, samples := range branches {
		stacked, err := tensor.Stack(samples)
		if err != nil {
			return nil, fmt.Errorf("failed to stack branch %d: %v", b, err)
		}
		batch.Inputs[b] = stacked
	}
	return batch, nil
}
