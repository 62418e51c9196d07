package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tsawler/go-sicnn/checkpoints"
	"github.com/tsawler/go-sicnn/config"
	"github.com/tsawler/go-sicnn/evaluation"
	"github.com/tsawler/go-sicnn/models"
	"github.com/tsawler/go-sicnn/observability"
	"github.com/tsawler/go-sicnn/optimizer"
	"github.com/tsawler/go-sicnn/tensor"
	"github.com/tsawler/go-sicnn/training"
	"github.com/tsawler/go-sicnn/vision/dataloader"
	"github.com/tsawler/go-sicnn/vision/dataset"
)

// trainFlags holds the raw flag values. Only flags the user set are applied
// on top of the loaded configuration.
type trainFlags struct {
	configPath     string
	resumeResolver string
	resumeFeature  string

	epochs        int
	batchSize     int
	testBatchSize int
	seed          int64
	threads       int
	upscale       int
	lrResolver    float32
	lrFeature     float32
	alpha         float32

	trainDir  string
	testDir   string
	labels    string
	resultDir string
	modelDir  string
	reference string

	resolverArch string
	featureArch  string
	accelerator  string
	format       string
	schedule     string
	logLevel     string
	metricsAddr  string
}

func newTrainCmd() *cobra.Command {
	var f trainFlags
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Jointly train the resolver and feature networks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(f.configPath)
			if err != nil {
				return err
			}
			if err := f.apply(&cfg, cmd.Flags().Changed); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			logger, err := observability.InitLogger("sicnn", cfg.LogLevel)
			if err != nil {
				return err
			}
			return runTrain(cmd.Context(), cfg, resumeFiles{Resolver: f.resumeResolver, Feature: f.resumeFeature}, cmd.OutOrStdout(), logger)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.configPath, "config", "c", "", "TOML configuration file")
	fl.StringVar(&f.resumeResolver, "resume-resolver", "", "resolver checkpoint to continue from")
	fl.StringVar(&f.resumeFeature, "resume-feature", "", "feature checkpoint to continue from")

	fl.IntVar(&f.epochs, "epochs", 0, "number of epochs")
	fl.IntVar(&f.batchSize, "batch-size", 0, "training batch size")
	fl.IntVar(&f.testBatchSize, "test-batch-size", 0, "test batch size")
	fl.Int64Var(&f.seed, "seed", 0, "random seed")
	fl.IntVar(&f.threads, "threads", 0, "image decoding workers")
	fl.IntVar(&f.upscale, "upscale-factor", 0, "ratio between HR and LR size")
	fl.Float32Var(&f.lrResolver, "lr-resolver", 0, "resolver learning rate")
	fl.Float32Var(&f.lrFeature, "lr-feature", 0, "feature network learning rate")
	fl.Float32Var(&f.alpha, "alpha", 0, "weight of the identity loss")

	fl.StringVar(&f.trainDir, "train-dir", "", "directory holding HR and LR")
	fl.StringVar(&f.testDir, "test-dir", "", "directory holding valid_HR and valid_LR")
	fl.StringVar(&f.labels, "label-mapping", "", "file of \"name label\" lines")
	fl.StringVar(&f.resultDir, "result-dir", "", "where rendered outputs go")
	fl.StringVar(&f.modelDir, "model-dir", "", "where checkpoints go")
	fl.StringVar(&f.reference, "reference", "", "frozen feature checkpoint used for scoring")

	fl.StringVar(&f.resolverArch, "resolver-arch", "", "cnnh or cnnh_lite")
	fl.StringVar(&f.featureArch, "feature-arch", "", "sphere20a or sphere_mini")
	fl.StringVar(&f.accelerator, "accelerator", "", "cpu or gpu")
	fl.StringVar(&f.format, "checkpoint-format", "", "json or onnx")
	fl.StringVar(&f.schedule, "lr-schedule", "", "constant, step, exponential or cosine")
	fl.StringVar(&f.logLevel, "log-level", "", "zerolog level")
	fl.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

// apply copies every changed flag into cfg.
func (f *trainFlags) apply(cfg *config.Config, changed func(string) bool) error {
	ints := map[string]struct {
		dst *int
		v   int
	}{
		"epochs":          {&cfg.Epochs, f.epochs},
		"batch-size":      {&cfg.BatchSize, f.batchSize},
		"test-batch-size": {&cfg.TestBatchSize, f.testBatchSize},
		"threads":         {&cfg.Threads, f.threads},
		"upscale-factor":  {&cfg.UpscaleFactor, f.upscale},
	}
	for name, o := range ints {
		if changed(name) {
			*o.dst = o.v
		}
	}
	floats := map[string]struct {
		dst *float32
		v   float32
	}{
		"lr-resolver": {&cfg.LRResolver, f.lrResolver},
		"lr-feature":  {&cfg.LRFeature, f.lrFeature},
		"alpha":       {&cfg.Alpha, f.alpha},
	}
	for name, o := range floats {
		if changed(name) {
			*o.dst = o.v
		}
	}
	strs := map[string]struct {
		dst *string
		v   string
	}{
		"train-dir":     {&cfg.TrainDir, f.trainDir},
		"test-dir":      {&cfg.TestDir, f.testDir},
		"label-mapping": {&cfg.LabelMapping, f.labels},
		"result-dir":    {&cfg.ResultDir, f.resultDir},
		"model-dir":     {&cfg.ModelDir, f.modelDir},
		"reference":     {&cfg.ReferenceCheckpoint, f.reference},
		"lr-schedule":   {&cfg.LRSchedule, f.schedule},
		"log-level":     {&cfg.LogLevel, f.logLevel},
		"metrics-addr":  {&cfg.MetricsAddr, f.metricsAddr},
	}
	for name, o := range strs {
		if changed(name) {
			*o.dst = o.v
		}
	}
	if changed("seed") {
		cfg.Seed = f.seed
	}

	var err error
	if changed("resolver-arch") {
		if cfg.ResolverArch, err = models.ParseResolverArch(f.resolverArch); err != nil {
			return err
		}
	}
	if changed("feature-arch") {
		if cfg.FeatureArch, err = models.ParseFeatureArch(f.featureArch); err != nil {
			return err
		}
	}
	if changed("accelerator") {
		if cfg.Accelerator, err = tensor.ParseDevice(f.accelerator); err != nil {
			return err
		}
	}
	if changed("checkpoint-format") {
		if cfg.CheckpointFormat, err = checkpoints.ParseFormat(f.format); err != nil {
			return err
		}
	}
	return nil
}

type resumeFiles struct {
	Resolver string
	Feature  string
}

// runTrain runs epochs state.Epoch+1 through cfg.Epochs. After each epoch the
// models are checkpointed, the test set is rendered and the renders are
// scored with the reference network and with the live feature network.
func runTrain(ctx context.Context, cfg config.Config, resume resumeFiles, out io.Writer, logger zerolog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := tensor.ProbeDevice(cfg.Accelerator); err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := observability.ServeMetrics(ctx, cfg.MetricsAddr); err != nil {
				logger.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("metrics listener stopped")
			}
		}()
	}

	trainSet, err := dataset.NewPairedFolderDataset(cfg.TrainHR(), cfg.TrainLR(),
		dataset.Options{Labeled: true, MappingFile: cfg.LabelMapping})
	if err != nil {
		return fmt.Errorf("training set: %w", err)
	}
	testSet, err := dataset.NewPairedFolderDataset(cfg.TestHR(), cfg.TestLR(), dataset.Options{})
	if err != nil {
		return fmt.Errorf("test set: %w", err)
	}
	classes := cfg.NumClasses
	if classes == 0 {
		classes = trainSet.NumClasses()
	}
	if classes == 0 {
		return fmt.Errorf("no identity classes found under %s", cfg.TrainHR())
	}
	logger.Info().
		Int("train_images", trainSet.Len()).
		Int("test_images", testSet.Len()).
		Int("classes", classes).
		Msg("datasets loaded")

	cache := dataloader.NewCacheManager(cfg.CacheSize)
	trainLoader, err := dataloader.NewDataLoader(trainSet, dataloader.Config{
		BatchSize:     cfg.BatchSize,
		DropLast:      true,
		Shuffle:       true,
		Seed:          cfg.Seed,
		NumWorkers:    cfg.Threads,
		HRWidth:       cfg.HRWidth,
		HRHeight:      cfg.HRHeight,
		UpscaleFactor: cfg.UpscaleFactor,
		CacheManager:  cache,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	if trainLoader.Len() == 0 {
		return fmt.Errorf("%d training images do not fill one batch of %d", trainSet.Len(), cfg.BatchSize)
	}
	testLoader, err := dataloader.NewDataLoader(testSet, dataloader.Config{
		BatchSize:     cfg.TestBatchSize,
		NumWorkers:    cfg.Threads,
		HRWidth:       cfg.HRWidth,
		HRHeight:      cfg.HRHeight,
		UpscaleFactor: cfg.UpscaleFactor,
		CacheManager:  cache,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	var trainSrc dataloader.Source = trainLoader
	if cfg.Prefetch {
		p := dataloader.NewPrefetcher(trainLoader)
		defer p.Close()
		trainSrc = p
	}

	state, err := buildState(cfg, classes)
	if err != nil {
		return err
	}
	logger.Info().
		Str("resolver", cfg.ResolverArch.String()).
		Str("resolver_params", training.FormatParameterCount(state.Resolver.Params().NumElements())).
		Str("feature", cfg.FeatureArch.String()).
		Str("feature_params", training.FormatParameterCount(state.Feature.Params().NumElements())).
		Str("optimizer", cfg.Optimizer.String()).
		Msg("models built")

	manager := training.NewCheckpointManager(state, training.CheckpointConfig{
		ResultDir: cfg.ResultDir,
		ModelDir:  cfg.ModelDir,
		Format:    cfg.CheckpointFormat,
		Logger:    logger,
	})
	for _, file := range []string{resume.Resolver, resume.Feature} {
		if file == "" {
			continue
		}
		if _, err := manager.Restore(file); err != nil {
			return err
		}
	}

	schedule, err := training.NewLRScheduler(cfg.LRSchedule, cfg.LRStepSize, cfg.LRGamma, cfg.LRCosineTMax, cfg.LRMinFactor)
	if err != nil {
		return err
	}
	sched, err := training.NewScheduler(state, trainSrc, training.SchedulerConfig{
		Alpha:          cfg.Alpha,
		BaseLRResolver: cfg.LRResolver,
		BaseLRFeature:  cfg.LRFeature,
		Schedule:       schedule,
		Progress:       out,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	scorers := []scorer{{name: "live", model: models.NewReference(state.Feature)}}
	if cfg.ReferenceCheckpoint != "" {
		ref, err := training.LoadReference(cfg.ReferenceCheckpoint, cfg.FeatureArch, cfg.HRHeight, cfg.HRWidth)
		if err != nil {
			return err
		}
		scorers = append([]scorer{{name: "reference", model: ref}}, scorers...)
	} else {
		logger.Warn().Msg("no reference checkpoint configured, scoring with the live feature network only")
	}

	logger.Info().Str("run_id", manager.RunID()).Int("from_epoch", state.Epoch+1).Int("epochs", cfg.Epochs).Msg("training started")
	for epoch := state.Epoch + 1; epoch <= cfg.Epochs; epoch++ {
		if err := sched.RunEpoch(ctx, epoch); err != nil {
			return err
		}
		history := sched.History()
		stats := history[len(history)-1]

		if _, err := manager.SaveResolver(epoch, stats.Last.TotalLoss); err != nil {
			return err
		}
		if _, err := manager.SaveFeature(epoch, stats.Last.FeatureLoss); err != nil {
			return err
		}

		dir, err := manager.RenderOutputs(ctx, epoch, testLoader)
		if err != nil {
			return err
		}
		dirs := evaluation.Dirs{SR: dir, HR: cfg.TestHR(), LR: cfg.TestLR()}
		for _, s := range scorers {
			record, err := evaluation.Evaluate(ctx, dirs, s.model, evaluation.Options{
				UpscaleFactor: cfg.UpscaleFactor,
				Logger:        logger,
			})
			if err != nil {
				return fmt.Errorf("epoch %d %s evaluation: %w", epoch, s.name, err)
			}
			fmt.Fprintf(out, "epoch %d, %s network:\n", epoch, s.name)
			if err := record.WriteReport(out); err != nil {
				return err
			}
			observability.RecordEvaluation(s.name, epoch, record.Score, record.MeanSR(), record.MeanBicubic())
		}
	}
	logger.Info().Str("run_id", manager.RunID()).Int("steps", state.GlobalStep).Msg("training finished")
	return nil
}

type scorer struct {
	name  string
	model models.Embedder
}

// buildState creates both networks and their optimizers from one seeded
// source.
func buildState(cfg config.Config, classes int) (*training.TrainingState, error) {
	rng := rand.New(rand.NewSource(cfg.Seed))
	resolver, err := models.NewResolver(cfg.ResolverArch, cfg.UpscaleFactor,
		cfg.HRHeight/cfg.UpscaleFactor, cfg.HRWidth/cfg.UpscaleFactor, rng)
	if err != nil {
		return nil, err
	}
	feature, err := models.NewFeatureModel(cfg.FeatureArch, classes, cfg.HRHeight, cfg.HRWidth, rng)
	if err != nil {
		return nil, err
	}
	resolverOpt, err := optimizer.New(cfg.Optimizer, resolver.Params(), optimizer.Settings{
		LearningRate: cfg.LRResolver,
		Momentum:     cfg.Momentum,
		WeightDecay:  cfg.WeightDecayResolver,
	})
	if err != nil {
		return nil, err
	}
	featureOpt, err := optimizer.New(cfg.Optimizer, feature.Params(), optimizer.Settings{
		LearningRate: cfg.LRFeature,
		Momentum:     cfg.Momentum,
		WeightDecay:  cfg.WeightDecayFeature,
	})
	if err != nil {
		return nil, err
	}
	return training.NewTrainingState(resolver, feature, resolverOpt, featureOpt)
}
