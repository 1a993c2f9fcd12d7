package dataset

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeSlice writes an 8x8 gray PNG of intensity level.
func writeSlice(t *testing.T, path string, level uint8) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = level
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

// createVolumeTree lays out root/<class>/<patient>_<slice>.png. The level of
// slice k is 10*k so slice order can be checked after loading.
func createVolumeTree(t *testing.T, layout map[string]map[string]int) string {
	t.Helper()
	root := t.TempDir()
	for class, patients := range layout {
		dir := filepath.Join(root, class)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		for id, n := range patients {
			for k := 0; k < n; k++ {
				writeSlice(t, filepath.Join(dir, fmt.Sprintf("%s_%d.png", id, k)), uint8(10*k))
			}
		}
	}
	return root
}

func TestNewVolumeFolder(t *testing.T) {
	root := createVolumeTree(t, map[string]map[string]int{
		"AD": {"1001": 12, "1002": 12},
		"NC": {"2001": 12, "2002": 12, "2003": 3},
	})
	// files that are not slices are ignored
	os.WriteFile(filepath.Join(root, "AD", "notes.txt"), []byte("x"), 0o644)
	os.WriteFile(filepath.Join(root, "README"), []byte("x"), 0o644)

	vf, err := NewVolumeFolder(root, VolumeFolderConfig{Slices: 4, Height: 4, Width: 4, CacheSize: 2})
	if err != nil {
		t.Fatalf("NewVolumeFolder failed: %v", err)
	}

	if vf.Len() != 5 {
		t.Errorf("expected 5 volumes, got %d", vf.Len())
	}
	if names := vf.ClassNames(); len(names) != 2 || names[0] != "AD" || names[1] != "NC" {
		t.Errorf("expected classes [AD NC], got %v", names)
	}
	dist := vf.ClassDistribution()
	if dist["AD"] != 2 || dist["NC"] != 3 {
		t.Errorf("unexpected distribution %v", dist)
	}
	if !strings.Contains(vf.String(), "5 volumes of 4x4x4") {
		t.Errorf("unexpected summary %q", vf.String())
	}

	for i := 0; i < vf.Len(); i++ {
		want := 0
		if strings.HasPrefix(vf.Patient(i), "2") {
			want = 1
		}
		if vf.Class(i) != want {
			t.Errorf("patient %s: expected class %d, got %d", vf.Patient(i), want, vf.Class(i))
		}
	}
}

func TestVolumeFolderVolume(t *testing.T) {
	root := createVolumeTree(t, map[string]map[string]int{
		"AD": {"1001": 12},
		"NC": {"2001": 2},
	})
	vf, err := NewVolumeFolder(root, VolumeFolderConfig{Slices: 4, Height: 4, Width: 4, CacheSize: 4, Workers: 2})
	if err != nil {
		t.Fatal(err)
	}

	t.Run("numeric slice order", func(t *testing.T) {
		v, err := vf.Volume(0)
		if err != nil {
			t.Fatalf("Volume failed: %v", err)
		}
		if fmt.Sprint(v.Shape) != "[4 4 4]" {
			t.Fatalf("expected shape [4 4 4], got %v", v.Shape)
		}
		// 12 slices thinned to 0, 3, 6, 9; lexical order would put 10 and 11 before 2
		for s, k := range []int{0, 3, 6, 9} {
			want := float64(10*k) / 255.0
			if got := v.Data[s*16]; got < want-1e-9 || got > want+1e-9 {
				t.Errorf("slice %d: expected %v, got %v", s, want, got)
			}
		}
	})

	t.Run("short volumes are zero padded", func(t *testing.T) {
		v, err := vf.Volume(1)
		if err != nil {
			t.Fatal(err)
		}
		if v.Data[16] == 0 {
			t.Error("expected second slice to be populated")
		}
		for _, x := range v.Data[32:] {
			if x != 0 {
				t.Fatal("expected padding slices to be zero")
			}
		}
	})

	t.Run("cache returns independent copies", func(t *testing.T) {
		a, _ := vf.Volume(0)
		a.Data[5] = 42
		b, err := vf.Volume(0)
		if err != nil {
			t.Fatal(err)
		}
		if b.Data[5] == 42 {
			t.Error("cached volume was modified through a returned tensor")
		}
		if vf.CacheStats().Hits == 0 {
			t.Error("expected cache hits")
		}
	})

	t.Run("out of range", func(t *testing.T) {
		if _, err := vf.Volume(2); err == nil {
			t.Error("expected range error")
		}
	})
}

func TestVolumeFolderErrors(t *testing.T) {
	t.Run("missing root", func(t *testing.T) {
		if _, err := NewVolumeFolder(filepath.Join(t.TempDir(), "nope"), VolumeFolderConfig{Slices: 1, Height: 1, Width: 1}); err == nil {
			t.Error("expected error for missing directory")
		}
	})

	t.Run("no volumes", func(t *testing.T) {
		root := t.TempDir()
		os.MkdirAll(filepath.Join(root, "AD"), 0o755)
		if _, err := NewVolumeFolder(root, VolumeFolderConfig{Slices: 1, Height: 1, Width: 1}); err == nil {
			t.Error("expected error for empty classes")
		}
	})

	t.Run("bad shape", func(t *testing.T) {
		if _, err := NewVolumeFolder(t.TempDir(), VolumeFolderConfig{}); err == nil {
			t.Error("expected error for zero shape")
		}
	})

	t.Run("corrupt slice", func(t *testing.T) {
		root := createVolumeTree(t, map[string]map[string]int{"AD": {"1": 1}})
		os.WriteFile(filepath.Join(root, "AD", "1_1.png"), []byte("garbage"), 0o644)
		vf, err := NewVolumeFolder(root, VolumeFolderConfig{Slices: 2, Height: 2, Width: 2})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := vf.Volume(0); err == nil || !strings.Contains(err.Error(), "AD/1") {
			t.Errorf("expected error naming the volume, got %v", err)
		}
	})
}

func TestSplitSliceName(t *testing.T) {
	tests := []struct {
		name  string
		id    string
		slice int
	}{
		{"218391_78.jpeg", "218391", 78},
		{"patient_a_3.png", "patient_a", 3},
		{"scan.png", "scan", -1},
		{"scan_top.png", "scan_top", -1},
	}
	for _, tt := range tests {
		id, slice := splitSliceName(tt.name)
		if id != tt.id || slice != tt.slice {
			t.Errorf("splitSliceName(%q) = %q, %d", tt.name, id, slice)
		}
	}
}
