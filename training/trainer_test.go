package training

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/tsawler/go-sicnn/vision/dataloader"
)

// sliceSource replays fixed batches.
type sliceSource struct {
	batches []*dataloader.Batch
	pos     int
	resets  int
	failAt  int
}

func (s *sliceSource) Next(ctx context.Context) (*dataloader.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.failAt > 0 && s.pos == s.failAt {
		return nil, errors.New("disk on fire")
	}
	if s.pos >= len(s.batches) {
		return nil, io.EOF
	}
	b := s.batches[s.pos]
	s.pos++
	return b, nil
}

func (s *sliceSource) Reset()   { s.pos = 0; s.resets++ }
func (s *sliceSource) Len() int { return len(s.batches) }

func newSliceSource(t *testing.T, n int) *sliceSource {
	t.Helper()
	src := &sliceSource{}
	for i := 0; i < n; i++ {
		src.batches = append(src.batches, newTestBatch(t, int64(100+i), 2))
	}
	return src
}

func TestRunEpoch(t *testing.T) {
	state := newTestState(t, 30)
	src := newSliceSource(t, 3)
	var progress, logs bytes.Buffer

	sched, err := NewScheduler(state, src, SchedulerConfig{
		Alpha:    1,
		Schedule: NewStepLRScheduler(1, 0.5),
		Progress: &progress,
		Logger:   zerolog.New(&logs).Level(zerolog.DebugLevel),
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	ctx := context.Background()
	if err := sched.RunEpoch(ctx, 1); err != nil {
		t.Fatalf("RunEpoch(1): %v", err)
	}
	if state.GlobalStep != 3 || state.Epoch != 1 {
		t.Errorf("after epoch 1: step %d epoch %d", state.GlobalStep, state.Epoch)
	}
	if lr := state.ResolverOpt.LearningRate(); lr != 0.01 {
		t.Errorf("epoch 1 resolver lr = %v, want base rate", lr)
	}

	if err := sched.RunEpoch(ctx, 2); err != nil {
		t.Fatalf("RunEpoch(2): %v", err)
	}
	if state.GlobalStep != 6 {
		t.Errorf("GlobalStep = %d, want 6", state.GlobalStep)
	}
	if src.resets != 2 {
		t.Errorf("source reset %d times, want 2", src.resets)
	}
	if lr := state.ResolverOpt.LearningRate(); math.Abs(float64(lr)-0.005) > 1e-9 {
		t.Errorf("epoch 2 resolver lr = %v, want 0.005", lr)
	}
	if lr := state.FeatureOpt.LearningRate(); math.Abs(float64(lr)-0.05) > 1e-8 {
		t.Errorf("epoch 2 feature lr = %v, want 0.05", lr)
	}

	history := sched.History()
	if len(history) != 2 || history[1].Epoch != 2 || history[1].Batches != 3 {
		t.Fatalf("unexpected history %+v", history)
	}
	if history[0].Mean.TotalLoss <= 0 {
		t.Errorf("mean loss not recorded: %+v", history[0].Mean)
	}

	if !strings.Contains(progress.String(), "Epoch 2") {
		t.Errorf("progress output missing: %q", progress.String())
	}
	for _, want := range []string{`"epoch":2`, `"batch":2`, "epoch finished", "step complete"} {
		if !strings.Contains(logs.String(), want) {
			t.Errorf("logs missing %s", want)
		}
	}
}

func TestRunEpochErrors(t *testing.T) {
	t.Run("Cancelled", func(t *testing.T) {
		state := newTestState(t, 31)
		sched, err := NewScheduler(state, newSliceSource(t, 2), SchedulerConfig{Logger: zerolog.Nop()})
		if err != nil {
			t.Fatal(err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := sched.RunEpoch(ctx, 1); !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
		if state.GlobalStep != 0 {
			t.Errorf("steps ran after cancellation: %d", state.GlobalStep)
		}
	})

	t.Run("Source failure", func(t *testing.T) {
		src := newSliceSource(t, 3)
		src.failAt = 1
		sched, err := NewScheduler(newTestState(t, 32), src, SchedulerConfig{Logger: zerolog.Nop()})
		if err != nil {
			t.Fatal(err)
		}
		err = sched.RunEpoch(context.Background(), 1)
		if err == nil || !strings.Contains(err.Error(), "disk on fire") {
			t.Errorf("error = %v", err)
		}
	})

	t.Run("Non-finite loss", func(t *testing.T) {
		src := newSliceSource(t, 2)
		src.batches[1].HR.Data[3] = float32(math.Inf(1))
		state := newTestState(t, 33)
		sched, err := NewScheduler(state, src, SchedulerConfig{Logger: zerolog.Nop()})
		if err != nil {
			t.Fatal(err)
		}
		err = sched.RunEpoch(context.Background(), 1)
		if !errors.Is(err, ErrNonFiniteLoss) {
			t.Fatalf("error = %v, want ErrNonFiniteLoss", err)
		}
		if state.GlobalStep != 1 {
			t.Errorf("GlobalStep = %d, want 1", state.GlobalStep)
		}
	})

	t.Run("Invalid", func(t *testing.T) {
		state := newTestState(t, 34)
		if _, err := NewScheduler(nil, newSliceSource(t, 1), SchedulerConfig{}); err == nil {
			t.Error("expected error for nil state")
		}
		if _, err := NewScheduler(state, newSliceSource(t, 1), SchedulerConfig{Alpha: -1}); err == nil {
			t.Error("expected error for negative alpha")
		}
		sched, _ := NewScheduler(state, newSliceSource(t, 1), SchedulerConfig{})
		if err := sched.RunEpoch(context.Background(), 0); err == nil {
			t.Error("expected error for epoch 0")
		}
	})
}
