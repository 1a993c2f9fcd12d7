package dataset

import (
	"fmt"
	"sync"
	"testing"
)

func TestVolumeCacheBasicOperations(t *testing.T) {
	c := NewVolumeCache(2)

	if data, ok := c.Get("AD/1"); ok || data != nil {
		t.Error("expected a miss on an empty cache")
	}

	c.Put("AD/1", []float64{1, 2})
	data, ok := c.Get("AD/1")
	if !ok || data[1] != 2 {
		t.Fatalf("expected cached volume, got %v %t", data, ok)
	}

	c.Put("AD/1", []float64{3, 4})
	if data, _ := c.Get("AD/1"); data[0] != 3 {
		t.Errorf("expected replaced volume, got %v", data)
	}

	stats := c.Stats()
	if stats.Size != 1 || stats.Hits != 2 || stats.Misses != 1 {
		t.Errorf("unexpected stats %s", stats)
	}
	if stats.HitRate < 66 || stats.HitRate > 67 {
		t.Errorf("expected hit rate ~66.7%%, got %v", stats.HitRate)
	}
}

func TestVolumeCacheEviction(t *testing.T) {
	c := NewVolumeCache(2)
	c.Put("a", []float64{1})
	c.Put("b", []float64{2})
	c.Get("a") // b is now the least recently used
	c.Put("c", []float64{3})

	if _, ok := c.Get("b"); ok {
		t.Error("expected b to be evicted")
	}
	for _, key := range []string{"a", "c"} {
		if _, ok := c.Get(key); !ok {
			t.Errorf("expected %s to survive", key)
		}
	}
	if c.Stats().Size != 2 {
		t.Errorf("expected size 2, got %d", c.Stats().Size)
	}
}

func TestVolumeCacheDisabled(t *testing.T) {
	c := NewVolumeCache(0)
	c.Put("a", []float64{1})
	if _, ok := c.Get("a"); ok {
		t.Error("a zero-size cache must not store anything")
	}
}

func TestVolumeCacheConcurrentAccess(t *testing.T) {
	c := NewVolumeCache(16)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("p%d", (w+i)%32)
				if _, ok := c.Get(key); !ok {
					c.Put(key, []float64{float64(i)})
				}
			}
		}(w)
	}
	wg.Wait()

	stats := c.Stats()
	if stats.Size > 16 {
		t.Errorf("cache grew past its limit: %s", stats)
	}
	if stats.Hits+stats.Misses != 800 {
		t.Errorf("expected 800 lookups, got %d", stats.Hits+stats.Misses)
	}
}
