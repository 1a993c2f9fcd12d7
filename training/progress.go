package training

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"time"
)

// ProgressBar renders a tqdm-style progress line
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	metrics     map[string]float64
}

// NewProgressBar creates a progress bar that redraws itself on out
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40,
		metrics:     make(map[string]float64),
	}
}

// Update advances the progress bar to step and replaces the shown metrics
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	pb.metrics = metrics
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

// render draws the progress bar
func (pb *ProgressBar) render() {
	percentage := 1.0
	if pb.total > 0 {
		percentage = min(float64(pb.current)/float64(pb.total), 1.0)
	}

	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	var rate float64
	if pb.current > 0 && percentage > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		eta = time.Duration(float64(elapsed)/percentage) - elapsed
	}

	var line strings.Builder
	fmt.Fprintf(&line, "\r%s: %3.0f%%|%s| %d/%d [%s<%s",
		pb.description, percentage*100, bar, pb.current, pb.total,
		formatDuration(elapsed), formatDuration(eta))

	if rate > 0 {
		fmt.Fprintf(&line, ", %.2fit/s", rate)
	}

	// map order is random; keep the line stable between redraws
	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, key := range keys {
		fmt.Fprintf(&line, ", %s=%.4f", key, pb.metrics[key])
	}
	line.WriteString("]")

	io.WriteString(pb.out, line.String())
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// PrintArchitecture writes a PyTorch-style summary of a network's parameters.
func PrintArchitecture(out io.Writer, name string, net *SiameseNetwork) {
	fmt.Fprintf(out, "%s(\n", name)
	var total int
	for _, p := range net.NamedParameters() {
		fmt.Fprintf(out, "  (%s): %v\n", p.Name, p.Tensor.Shape)
		total += p.Tensor.NumElems
	}
	fmt.Fprintf(out, ")\n")
	fmt.Fprintf(out, "Trainable parameters: %s\n", formatParameterCount(total))
	fmt.Fprintf(out, "Params size (MB): %.3f\n\n", float64(total*8)/1024/1024) // 8 bytes per float64
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}
