package preprocessing

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"sync"
)

// SliceProcessor decodes MRI slices into grayscale float64 planes of a fixed
// size with values in [0, 1]
type SliceProcessor struct {
	height int
	width  int
}

// NewSliceProcessor creates a processor that resizes every slice to height x width
func NewSliceProcessor(height, width int) *SliceProcessor {
	return &SliceProcessor{height: height, width: width}
}

// Size returns the output height and width.
func (p *SliceProcessor) Size() (int, int) { return p.height, p.width }

// Decode reads a PNG or JPEG slice and resamples it with nearest-neighbour
// lookup. Color images are converted to luminance.
func (p *SliceProcessor) Decode(r io.Reader) ([]float64, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode slice: %w", err)
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("empty image %dx%d", width, height)
	}

	scaleX := float64(width) / float64(p.width)
	scaleY := float64(height) / float64(p.height)

	data := make([]float64, p.height*p.width)
	for y := 0; y < p.height; y++ {
		srcY := min(int(float64(y)*scaleY), height-1)
		for x := 0; x < p.width; x++ {
			srcX := min(int(float64(x)*scaleX), width-1)
			g := color.Gray16Model.Convert(img.At(bounds.Min.X+srcX, bounds.Min.Y+srcY)).(color.Gray16)
			data[y*p.width+x] = float64(g.Y) / 65535.0
		}
	}
	return data, nil
}

// DecodeFile decodes the slice stored at path.
func (p *SliceProcessor) DecodeFile(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return p.Decode(f)
}

// StackSlices decodes paths into one [slices, height, width] volume. Paths
// beyond slices are dropped evenly across the stack; missing slices stay
// zero. Decoding runs on up to maxWorkers goroutines.
func (p *SliceProcessor) StackSlices(paths []string, slices, maxWorkers int) ([]float64, error) {
	if slices <= 0 {
		return nil, fmt.Errorf("slice count must be positive, got %d", slices)
	}
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	selected := SelectSlices(len(paths), slices)
	plane := p.height * p.width
	volume := make([]float64, slices*plane)
	errs := make([]error, len(selected))

	jobs := make(chan int, len(selected))
	var wg sync.WaitGroup
	for w := 0; w < min(maxWorkers, len(selected)); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				data, err := p.DecodeFile(paths[selected[i]])
				if err != nil {
					errs[i] = err
					continue
				}
				copy(volume[i*plane:(i+1)*plane], data)
			}
		}()
	}
	for i := range selected {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("slice %s: %w", paths[selected[i]], err)
		}
	}
	return volume, nil
}

// SelectSlices picks at most want indices out of [0, n), spread evenly and in
// increasing order.
func SelectSlices(n, want int) []int {
	if n <= want {
		idx := make([]int, n)
		for i := range idx {
			idx[i] = i
		}
		return idx
	}
	idx := make([]int, want)
	for i := range idx {
		idx[i] = i * n / want
	}
	return idx
}
