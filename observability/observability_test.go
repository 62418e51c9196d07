package observability

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	before := testutil.ToFloat64(trainingSteps)
	RecordStep(map[string]float64{"feature": 2.5, "resolver_total": 0.75}, 30*time.Millisecond)
	if got := testutil.ToFloat64(trainingSteps); got != before+1 {
		t.Errorf("steps_total = %v, want %v", got, before+1)
	}
	if got := testutil.ToFloat64(trainingLoss.WithLabelValues("feature")); got != 2.5 {
		t.Errorf("feature loss = %v", got)
	}

	RecordEpoch(7, 0.001, 0.1)
	if got := testutil.ToFloat64(trainingEpoch); got != 7 {
		t.Errorf("epoch = %v", got)
	}
	if got := testutil.ToFloat64(learningRate.WithLabelValues("cnn_r")); got < 0.0999 || got > 0.1001 {
		t.Errorf("cnn_r learning rate = %v", got)
	}

	skipped := testutil.ToFloat64(skippedItems)
	RecordSkippedItem()
	if got := testutil.ToFloat64(skippedItems); got != skipped+1 {
		t.Errorf("skipped_items_total = %v", got)
	}

	RecordEvaluation("reference", 3, 1.25, 0.9, 0.8)
	if got := testutil.ToFloat64(evalScore.WithLabelValues("reference", "3")); got != 1.25 {
		t.Errorf("score = %v", got)
	}
	if got := testutil.ToFloat64(evalSimilarity.WithLabelValues("reference", "bicubic")); got != 0.8 {
		t.Errorf("bicubic similarity = %v", got)
	}

	written := testutil.ToFloat64(checkpointsWritten.WithLabelValues("cnn_h"))
	RecordCheckpoint("cnn_h")
	if got := testutil.ToFloat64(checkpointsWritten.WithLabelValues("cnn_h")); got != written+1 {
		t.Errorf("checkpoints written = %v", got)
	}
}

func TestNewLogger(t *testing.T) {
	t.Setenv(LevelEnv, "")

	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "sicnn-test", "warn")
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info().Msg("hidden")
	logger.Warn().Int("epoch", 2).Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info message passed a warn-level logger: %s", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "sicnn-test") || !strings.Contains(out, "epoch") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestLoggerLevelFromEnvironment(t *testing.T) {
	t.Setenv(LevelEnv, "debug")
	logger, err := NewLogger(&bytes.Buffer{}, "sicnn-test", "error")
	if err != nil {
		t.Fatal(err)
	}
	if logger.GetLevel() != zerolog.DebugLevel {
		t.Errorf("level = %v, want debug", logger.GetLevel())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zerolog.Level
		wantErr bool
	}{
		{"", zerolog.InfoLevel, false},
		{"DEBUG", zerolog.DebugLevel, false},
		{" warn ", zerolog.WarnLevel, false},
		{"loud", zerolog.NoLevel, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
