package metrics

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Chart groups tags drawn on one set of axes.
type Chart struct {
	Name   string // file stem, e.g. "loss"
	Title  string
	YLabel string
	Tags   []string
}

// DefaultCharts plots loss and accuracy curves for training and validation.
var DefaultCharts = []Chart{
	{Name: "loss", Title: "Loss", YLabel: "loss", Tags: []string{TagTrainingLoss, TagValidationLoss}},
	{Name: "score", Title: "Accuracy", YLabel: "accuracy", Tags: []string{TagTrainingScore, TagValidationScore}},
}

// FindChart returns the chart with the given name.
func FindChart(charts []Chart, name string) (Chart, bool) {
	for _, c := range charts {
		if c.Name == name {
			return c, true
		}
	}
	return Chart{}, false
}

// RenderSVG draws chart from the recorded scalars.
func RenderSVG(rec *Recorder, chart Chart, width, height vg.Length) ([]byte, error) {
	p := plot.New()
	p.Title.Text = chart.Title
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = chart.YLabel
	p.Legend.Top = true
	p.Add(plotter.NewGrid())

	for i, tag := range chart.Tags {
		scalars := rec.Scalars(tag)
		if len(scalars) == 0 {
			continue
		}
		pts := make(plotter.XYs, len(scalars))
		for j, s := range scalars {
			pts[j].X = float64(s.Step)
			pts[j].Y = s.Value
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, fmt.Errorf("failed to plot %s: %v", tag, err)
		}
		line.Width = vg.Points(2)
		line.Color = plotutil.Color(i)
		p.Add(line)
		p.Legend.Add(tag, line)
	}

	writer, err := p.WriterTo(width, height, "svg")
	if err != nil {
		return nil, fmt.Errorf("failed to render %s: %v", chart.Name, err)
	}
	var buf bytes.Buffer
	if _, err := writer.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PlotWriter records scalars and redraws SVG charts into a directory after
// every epoch's validation score arrives, and again on Close.
type PlotWriter struct {
	*Recorder
	dir    string
	charts []Chart
	width  vg.Length
	height vg.Length
}

func NewPlotWriter(dir string, charts []Chart) (*PlotWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create plot directory: %v", err)
	}
	if charts == nil {
		charts = DefaultCharts
	}
	return &PlotWriter{
		Recorder: NewRecorder(),
		dir:      dir,
		charts:   charts,
		width:    6 * vg.Inch,
		height:   4 * vg.Inch,
	}, nil
}

func (pw *PlotWriter) AddScalar(tag string, value float64, step int) error {
	if err := pw.Recorder.AddScalar(tag, value, step); err != nil {
		return err
	}
	if tag == TagValidationScore {
		return pw.Flush()
	}
	return nil
}

// Flush writes one <name>.svg per chart.
func (pw *PlotWriter) Flush() error {
	for _, chart := range pw.charts {
		svg, err := RenderSVG(pw.Recorder, chart, pw.width, pw.height)
		if err != nil {
			return err
		}
		path := filepath.Join(pw.dir, chart.Name+".svg")
		if err := os.WriteFile(path, svg, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %v", path, err)
		}
	}
	return nil
}

func (pw *PlotWriter) Close() error {
	return pw.Flush()
}
