package training

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"
)

func TestProgressBar(t *testing.T) {
	var out bytes.Buffer
	pb := NewProgressBar(&out, "Train 001/050", 10)

	for i := 1; i <= 10; i++ {
		pb.Update(i, map[string]float64{
			"loss": 1.0 - float64(i)*0.08,
			"acc":  float64(i) * 0.09,
		})
	}
	pb.Finish()

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\r")
	last := lines[len(lines)-1]
	if !strings.HasPrefix(last, "Train 001/050: 100%|") {
		t.Errorf("unexpected final line %q", last)
	}
	if !strings.Contains(last, "10/10") {
		t.Errorf("expected step counter in %q", last)
	}
	// keys are rendered in sorted order
	if !strings.Contains(last, "acc=0.9000, loss=0.2000]") {
		t.Errorf("expected sorted metrics in %q", last)
	}
	if !strings.HasSuffix(out.String(), "\n") {
		t.Error("Finish should end the line")
	}
}

func TestProgressBarFormatting(t *testing.T) {
	t.Run("half way", func(t *testing.T) {
		var out bytes.Buffer
		pb := NewProgressBar(&out, "Valid", 4)
		pb.Update(2, nil)
		if !strings.Contains(out.String(), " 50%|"+strings.Repeat("█", 20)+strings.Repeat(" ", 20)+"|") {
			t.Errorf("unexpected half-way bar %q", out.String())
		}
	})

	t.Run("empty loader", func(t *testing.T) {
		var out bytes.Buffer
		pb := NewProgressBar(&out, "Eval", 0)
		pb.Finish()
		if !strings.Contains(out.String(), "100%") || !strings.Contains(out.String(), "0/0") {
			t.Errorf("unexpected output %q", out.String())
		}
	})

	t.Run("durations", func(t *testing.T) {
		tests := map[time.Duration]string{
			0:                           "00:00",
			-time.Second:                "00:00",
			59 * time.Second:            "00:59",
			2*time.Minute + time.Second: "02:01",
		}
		for d, want := range tests {
			if got := formatDuration(d); got != want {
				t.Errorf("formatDuration(%v) = %s, want %s", d, got, want)
			}
		}
	})

	t.Run("parameter counts", func(t *testing.T) {
		tests := map[int]string{75: "75", 1500: "1.5K", 2500000: "2.5M"}
		for n, want := range tests {
			if got := formatParameterCount(n); got != want {
				t.Errorf("formatParameterCount(%d) = %s, want %s", n, got, want)
			}
		}
	})
}

func TestPrintArchitecture(t *testing.T) {
	var out bytes.Buffer
	PrintArchitecture(&out, "SiameseNetwork", newTestNetwork(t, 1))

	got := out.String()
	for _, want := range []string{
		"SiameseNetwork(\n",
		"  (2.weight): [8 6]\n",
		"  (4.bias): [3]\n",
		"Trainable parameters: 75\n",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("expected %q in:\n%s", want, got)
		}
	}
}

func BenchmarkProgressBar(b *testing.B) {
	pb := NewProgressBar(io.Discard, "Benchmark", b.N)
	metrics := map[string]float64{"loss": 0.5, "acc": 0.8}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pb.Update(i+1, metrics)
	}
}
