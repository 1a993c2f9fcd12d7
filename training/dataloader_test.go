package training

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/tsawler/go-siamese/tensor"
)

// toyDataset serves n samples of `branches` [2, 4, 4] volumes. Every element
// of sample i's volumes equals i, so batches can be traced back to indices.
type toyDataset struct {
	n        int
	branches int
	failAt   int
}

func newToyDataset(n, branches int) *toyDataset {
	return &toyDataset{n: n, branches: branches, failAt: -1}
}

func (d *toyDataset) Len() int { return d.n }

func (d *toyDataset) Get(idx int) ([]*tensor.Tensor, float64, error) {
	if idx == d.failAt {
		return nil, 0, fmt.Errorf("corrupt sample %d", idx)
	}
	volumes := make([]*tensor.Tensor, d.branches)
	for b := range volumes {
		v, err := tensor.Full([]int{2, 4, 4}, float64(idx))
		if err != nil {
			return nil, 0, err
		}
		volumes[b] = v
	}
	return volumes, float64(idx % 2), nil
}

// randomDataset serves seeded random volumes with alternating labels.
type randomDataset struct {
	volumes [][]*tensor.Tensor
	labels  []float64
}

func newRandomDataset(t *testing.T, n, branches int, seed int64) *randomDataset {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	ds := &randomDataset{}
	for i := 0; i < n; i++ {
		var vols []*tensor.Tensor
		for b := 0; b < branches; b++ {
			v, err := tensor.Uniform([]int{2, 4, 4}, 0, 1, rng)
			if err != nil {
				t.Fatal(err)
			}
			vols = append(vols, v)
		}
		ds.volumes = append(ds.volumes, vols)
		ds.labels = append(ds.labels, float64(i%2))
	}
	return ds
}

func (d *randomDataset) Len() int { return len(d.volumes) }

func (d *randomDataset) Get(idx int) ([]*tensor.Tensor, float64, error) {
	return d.volumes[idx], d.labels[idx], nil
}

func mustLoader(t *testing.T, ds Dataset, config DataLoaderConfig) *DataLoader {
	t.Helper()
	dl, err := NewDataLoader(ds, config)
	if err != nil {
		t.Fatalf("NewDataLoader failed: %v", err)
	}
	return dl
}

func collectBatches(t *testing.T, dl *DataLoader) [][]int {
	t.Helper()
	var epoch [][]int
	for batch, err := range dl.All(context.Background()) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		var ids []int
		for i := 0; i < batch.Size(); i++ {
			ids = append(ids, int(batch.Inputs[0].Data[i*32]))
		}
		epoch = append(epoch, ids)
	}
	return epoch
}

func TestDataLoaderBatching(t *testing.T) {
	t.Run("keeps the partial batch", func(t *testing.T) {
		dl, err := NewDataLoader(newToyDataset(7, 2), DataLoaderConfig{BatchSize: 3, Workers: 2})
		if err != nil {
			t.Fatal(err)
		}
		if dl.Len() != 3 {
			t.Errorf("expected 3 batches, got %d", dl.Len())
		}
		batches := collectBatches(t, dl)
		want := [][]int{{0, 1, 2}, {3, 4, 5}, {6}}
		if fmt.Sprint(batches) != fmt.Sprint(want) {
			t.Errorf("expected %v, got %v", want, batches)
		}
	})

	t.Run("drops the partial batch", func(t *testing.T) {
		dl, err := NewDataLoader(newToyDataset(7, 2), DataLoaderConfig{BatchSize: 3, DropLast: true})
		if err != nil {
			t.Fatal(err)
		}
		if dl.Len() != 2 {
			t.Errorf("expected 2 batches, got %d", dl.Len())
		}
		if got := len(collectBatches(t, dl)); got != 2 {
			t.Errorf("expected 2 batches, got %d", got)
		}
	})

	t.Run("stacks every branch", func(t *testing.T) {
		dl := mustLoader(t, newToyDataset(4, 3), DataLoaderConfig{BatchSize: 2})
		for batch, err := range dl.All(context.Background()) {
			if err != nil {
				t.Fatal(err)
			}
			if len(batch.Inputs) != 3 {
				t.Fatalf("expected 3 inputs, got %d", len(batch.Inputs))
			}
			for _, in := range batch.Inputs {
				if fmt.Sprint(in.Shape) != "[2 2 4 4]" {
					t.Fatalf("expected shape [2 2 4 4], got %v", in.Shape)
				}
			}
			if len(batch.Labels) != 2 {
				t.Fatalf("expected 2 labels, got %d", len(batch.Labels))
			}
		}
	})

	t.Run("rejects zero batch size", func(t *testing.T) {
		if _, err := NewDataLoader(newToyDataset(4, 2), DataLoaderConfig{}); err == nil {
			t.Error("expected error for zero batch size")
		}
	})
}

func TestDataLoaderShuffle(t *testing.T) {
	cfg := DataLoaderConfig{BatchSize: 4, Shuffle: true, Seed: 42, Workers: 3}
	a := mustLoader(t, newToyDataset(20, 2), cfg)
	b := mustLoader(t, newToyDataset(20, 2), cfg)

	first := collectBatches(t, a)
	if fmt.Sprint(first) != fmt.Sprint(collectBatches(t, b)) {
		t.Error("equal seeds must give equal epoch orders")
	}
	second := collectBatches(t, a)
	if fmt.Sprint(first) == fmt.Sprint(second) {
		t.Error("consecutive epochs should be shuffled differently")
	}

	seen := make(map[int]bool)
	for _, batch := range second {
		for _, id := range batch {
			if seen[id] {
				t.Fatalf("sample %d appeared twice in one epoch", id)
			}
			seen[id] = true
		}
	}
	if len(seen) != 20 {
		t.Errorf("expected all 20 samples, saw %d", len(seen))
	}
}

func TestDataLoaderErrors(t *testing.T) {
	t.Run("sample error stops the epoch", func(t *testing.T) {
		ds := newToyDataset(9, 2)
		ds.failAt = 4
		dl := mustLoader(t, ds, DataLoaderConfig{BatchSize: 3, Workers: 2})

		var good int
		var gotErr error
		for batch, err := range dl.All(context.Background()) {
			if err != nil {
				gotErr = err
				break
			}
			good += batch.Size()
		}
		if gotErr == nil {
			t.Fatal("expected an error from the corrupt sample")
		}
		if good != 3 {
			t.Errorf("expected 3 samples before the failure, got %d", good)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		dl := mustLoader(t, newToyDataset(30, 2), DataLoaderConfig{BatchSize: 1})

		var gotErr error
		n := 0
		for _, err := range dl.All(ctx) {
			if err != nil {
				gotErr = err
				break
			}
			n++
			if n == 2 {
				cancel()
			}
		}
		if !errors.Is(gotErr, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", gotErr)
		}
	})

	t.Run("early break", func(t *testing.T) {
		dl := mustLoader(t, newToyDataset(30, 2), DataLoaderConfig{BatchSize: 2, Workers: 4})
		for range dl.All(context.Background()) {
			break
		}
		// a second epoch must still work after abandoning the first
		if got := len(collectBatches(t, dl)); got != 15 {
			t.Errorf("expected 15 batches, got %d", got)
		}
	})
}
