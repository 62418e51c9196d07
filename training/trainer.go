package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/tsawler/go-sicnn/observability"
	"github.com/tsawler/go-sicnn/vision/dataloader"
)

// SchedulerConfig holds configuration for the epoch loop
type SchedulerConfig struct {
	Alpha          float32
	BaseLRResolver float32
	BaseLRFeature  float32
	// Schedule defaults to a constant rate.
	Schedule LRScheduler
	// Progress receives the progress bar. Nil disables it.
	Progress io.Writer
	Logger   zerolog.Logger
}

// EpochStats summarises one pass over the training source.
type EpochStats struct {
	Epoch    int
	Batches  int
	Last     StepResult
	Mean     StepResult
	Duration time.Duration
}

// Scheduler drives alternating steps over a batch source.
type Scheduler struct {
	state  *TrainingState
	source dataloader.Source
	config SchedulerConfig
	logger zerolog.Logger
	stats  []EpochStats
}

// NewScheduler creates a new Scheduler
func NewScheduler(state *TrainingState, source dataloader.Source, config SchedulerConfig) (*Scheduler, error) {
	if state == nil || source == nil {
		return nil, errors.New("scheduler needs a training state and a batch source")
	}
	if config.Alpha < 0 {
		return nil, fmt.Errorf("alpha must not be negative, got %v", config.Alpha)
	}
	if config.Schedule == nil {
		config.Schedule = &NoOpScheduler{}
	}
	if config.BaseLRResolver <= 0 {
		config.BaseLRResolver = state.ResolverOpt.LearningRate()
	}
	if config.BaseLRFeature <= 0 {
		config.BaseLRFeature = state.FeatureOpt.LearningRate()
	}
	return &Scheduler{
		state:  state,
		source: source,
		config: config,
		logger: config.Logger.With().Str("component", "scheduler").Logger(),
	}, nil
}

// State returns the training state the scheduler advances.
func (s *Scheduler) State() *TrainingState { return s.state }

// History returns the stats of every completed epoch.
func (s *Scheduler) History() []EpochStats { return s.stats }

// RunEpoch performs one full pass over the source. epoch is 1-based. The
// learning rate schedule is applied before the first batch and ctx is checked
// between steps.
func (s *Scheduler) RunEpoch(ctx context.Context, epoch int) error {
	if epoch < 1 {
		return fmt.Errorf("epoch must be at least 1, got %d", epoch)
	}
	s.state.Epoch = epoch
	s.applySchedule(epoch)

	s.source.Reset()
	start := time.Now()
	total := s.source.Len()
	bar := NewProgressBar(s.config.Progress, fmt.Sprintf("Epoch %d", epoch), total)
	s.logger.Info().Int("epoch", epoch).Int("batches", total).Msg("epoch started")

	stats := EpochStats{Epoch: epoch}
	var sum StepResult
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("epoch %d interrupted after %d batches: %w", epoch, stats.Batches, err)
		}
		batch, err := s.source.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("epoch %d batch %d: %w", epoch, stats.Batches, err)
		}

		stepStart := time.Now()
		res, err := Step(s.state, batch, StepConfig{Alpha: s.config.Alpha, BatchIndex: stats.Batches})
		if err != nil {
			ev := s.logger.Error().Err(err).Int("epoch", epoch).Int("batch", stats.Batches)
			var se *StepError
			if errors.As(err, &se) {
				ev = ev.Str("phase", string(se.Phase))
			}
			ev.Msg("step failed")
			return err
		}
		observability.RecordStep(res.Losses(), time.Since(stepStart))

		s.logger.Debug().
			Int("epoch", epoch).
			Int("batch", stats.Batches).
			Int("step", s.state.GlobalStep).
			Float32("feature_loss", res.FeatureLoss).
			Float32("reconstruction_loss", res.ReconstructionLoss).
			Float32("identity_loss", res.IdentityLoss).
			Float32("total_loss", res.TotalLoss).
			Float64("lambda", res.Lambda).
			Msg("step complete")

		stats.Batches++
		stats.Last = res
		sum.FeatureLoss += res.FeatureLoss
		sum.ReconstructionLoss += res.ReconstructionLoss
		sum.IdentityLoss += res.IdentityLoss
		sum.TotalLoss += res.TotalLoss
		sum.Lambda = res.Lambda
		bar.Update(stats.Batches, map[string]float64{
			"l_r":  float64(res.FeatureLoss),
			"l_sr": float64(res.ReconstructionLoss),
			"l_si": float64(res.IdentityLoss),
		})
	}
	bar.Finish()

	if stats.Batches > 0 {
		n := float32(stats.Batches)
		stats.Mean = StepResult{
			FeatureLoss:        sum.FeatureLoss / n,
			ReconstructionLoss: sum.ReconstructionLoss / n,
			IdentityLoss:       sum.IdentityLoss / n,
			TotalLoss:          sum.TotalLoss / n,
			Lambda:             sum.Lambda,
		}
	}
	stats.Duration = time.Since(start)
	s.stats = append(s.stats, stats)

	s.logger.Info().
		Int("epoch", epoch).
		Int("batches", stats.Batches).
		Float32("feature_loss", stats.Mean.FeatureLoss).
		Float32("total_loss", stats.Mean.TotalLoss).
		Dur("duration", stats.Duration).
		Msg("epoch finished")
	return nil
}

func (s *Scheduler) applySchedule(epoch int) {
	lrR := float32(s.config.Schedule.GetLR(epoch-1, float64(s.config.BaseLRResolver)))
	lrF := float32(s.config.Schedule.GetLR(epoch-1, float64(s.config.BaseLRFeature)))
	s.state.ResolverOpt.UpdateLearningRate(lrR)
	s.state.FeatureOpt.UpdateLearningRate(lrF)
	observability.RecordEpoch(epoch, lrR, lrF)
	s.logger.Debug().
		Int("epoch", epoch).
		Str("schedule", s.config.Schedule.GetName()).
		Float32("lr_resolver", lrR).
		Float32("lr_feature", lrF).
		Msg("learning rates applied")
}
