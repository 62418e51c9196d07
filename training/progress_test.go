package training

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestProgressBar(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar(&buf, "Epoch 1/3", 4)

	pb.Update(2, map[string]float64{"total": 1.5, "feature": 0.25})
	line := pb.Line()
	if !strings.HasPrefix(line, "Epoch 1/3:  50%|") {
		t.Errorf("unexpected line %q", line)
	}
	if !strings.Contains(line, " 2/4 ") {
		t.Errorf("step count missing from %q", line)
	}
	if strings.Index(line, "feature=") > strings.Index(line, "total=") {
		t.Errorf("metrics not sorted in %q", line)
	}

	pb.Update(3, map[string]float64{"total": 1.0})
	if !strings.Contains(pb.Line(), "feature=0.25") {
		t.Errorf("earlier metric dropped: %q", pb.Line())
	}

	pb.Finish()
	out := buf.String()
	if !strings.HasSuffix(out, "\n") {
		t.Errorf("finish should end the line, got %q", out)
	}
	if !strings.Contains(out, "100%") || strings.Count(out, "\r") != 3 {
		t.Errorf("unexpected output %q", out)
	}
}

func TestProgressBarNilWriter(t *testing.T) {
	pb := NewProgressBar(nil, "quiet", 0)
	pb.Update(1, nil)
	pb.Finish()
	if !strings.Contains(pb.Line(), "100%") {
		t.Errorf("empty total should render as complete: %q", pb.Line())
	}
}

func TestFormatHelpers(t *testing.T) {
	tests := []struct {
		count int64
		want  string
	}{
		{12, "12"},
		{1500, "1.5K"},
		{2300000, "2.3M"},
	}
	for _, tt := range tests {
		if got := FormatParameterCount(tt.count); got != tt.want {
			t.Errorf("FormatParameterCount(%d) = %s, want %s", tt.count, got, tt.want)
		}
	}
	if got := formatDuration(75 * time.Second); got != "01:15" {
		t.Errorf("formatDuration = %s", got)
	}
	if got := formatDuration(-time.Second); got != "00:00" {
		t.Errorf("negative duration = %s", got)
	}
}
