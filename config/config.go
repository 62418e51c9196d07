// Package config loads training settings from TOML, layered over defaults
// taken from the reference training runs.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/tsawler/go-sicnn/checkpoints"
	"github.com/tsawler/go-sicnn/models"
	"github.com/tsawler/go-sicnn/optimizer"
	"github.com/tsawler/go-sicnn/tensor"
)

// Schedules names the accepted lr_schedule values.
var Schedules = []string{"constant", "step", "exponential", "cosine"}

// Config is the resolved training configuration.
type Config struct {
	BatchSize     int
	TestBatchSize int
	Epochs        int
	Seed          int64
	Threads       int
	UpscaleFactor int

	LRResolver          float32
	LRFeature           float32
	Momentum            float32
	WeightDecayResolver float32
	WeightDecayFeature  float32
	Alpha               float32
	Optimizer           optimizer.Kind

	LRSchedule   string
	LRStepSize   int
	LRGamma      float64
	LRMinFactor  float64
	LRCosineTMax int

	TrainDir            string
	TestDir             string
	LabelMapping        string
	ResultDir           string
	ModelDir            string
	ReferenceCheckpoint string

	ResolverArch models.ResolverArch
	FeatureArch  models.FeatureArch
	NumClasses   int
	HRWidth      int
	HRHeight     int

	Accelerator      tensor.DeviceType
	CheckpointFormat checkpoints.CheckpointFormat
	CacheSize        int
	Prefetch         bool
	MetricsAddr      string
	LogLevel         string
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		BatchSize:     256,
		TestBatchSize: 256,
		Epochs:        200,
		Seed:          123,
		Threads:       8,
		UpscaleFactor: 4,

		LRResolver:          0.001,
		LRFeature:           0.1,
		Momentum:            0.9,
		WeightDecayResolver: 2.5e-4,
		WeightDecayFeature:  5e-4,
		Alpha:               10000,
		Optimizer:           optimizer.KindSGD,

		LRSchedule:  "constant",
		LRStepSize:  30,
		LRGamma:     0.1,
		LRMinFactor: 0,

		ResultDir: "results",
		ModelDir:  "models",

		ResolverArch: models.ResolverCNNH,
		FeatureArch:  models.FeatureSphere20a,
		HRWidth:      96,
		HRHeight:     112,

		Accelerator:      tensor.CPU,
		CheckpointFormat: checkpoints.FormatJSON,
		CacheSize:        4096,
		Prefetch:         true,
		LogLevel:         "info",
	}
}

type fileConfig struct {
	BatchSize     int   `toml:"batch_size"`
	TestBatchSize int   `toml:"test_batch_size"`
	Epochs        int   `toml:"epochs"`
	Seed          int64 `toml:"seed"`
	Threads       int   `toml:"threads"`
	UpscaleFactor int   `toml:"upscale_factor"`

	LRResolver          float64 `toml:"lr_resolver"`
	LRFeature           float64 `toml:"lr_feature"`
	Momentum            float64 `toml:"momentum"`
	WeightDecayResolver float64 `toml:"weight_decay_resolver"`
	WeightDecayFeature  float64 `toml:"weight_decay_feature"`
	Alpha               float64 `toml:"alpha"`
	Optimizer           string  `toml:"optimizer"`

	LRSchedule   string  `toml:"lr_schedule"`
	LRStepSize   int     `toml:"lr_step_size"`
	LRGamma      float64 `toml:"lr_gamma"`
	LRMinFactor  float64 `toml:"lr_min_factor"`
	LRCosineTMax int     `toml:"lr_cosine_t_max"`

	TrainDir            string `toml:"train_dir"`
	TestDir             string `toml:"test_dir"`
	LabelMapping        string `toml:"label_mapping"`
	ResultDir           string `toml:"result_dir"`
	ModelDir            string `toml:"model_dir"`
	ReferenceCheckpoint string `toml:"reference_checkpoint"`

	ResolverArch string `toml:"resolver_arch"`
	FeatureArch  string `toml:"feature_arch"`
	NumClasses   int    `toml:"num_classes"`
	HRWidth      int    `toml:"hr_width"`
	HRHeight     int    `toml:"hr_height"`

	Accelerator      string `toml:"accelerator"`
	CheckpointFormat string `toml:"checkpoint_format"`
	CacheSize        int    `toml:"cache_size"`
	Prefetch         bool   `toml:"prefetch"`
	MetricsAddr      string `toml:"metrics_addr"`
	LogLevel         string `toml:"log_level"`
}

// Load reads path and overlays every key it defines onto Default. An empty
// path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("load config: unknown keys %s", strings.Join(keys, ", "))
	}

	if meta.IsDefined("batch_size") {
		cfg.BatchSize = raw.BatchSize
	}
	if meta.IsDefined("test_batch_size") {
		cfg.TestBatchSize = raw.TestBatchSize
	}
	if meta.IsDefined("epochs") {
		cfg.Epochs = raw.Epochs
	}
	if meta.IsDefined("seed") {
		cfg.Seed = raw.Seed
	}
	if meta.IsDefined("threads") {
		cfg.Threads = raw.Threads
	}
	if meta.IsDefined("upscale_factor") {
		cfg.UpscaleFactor = raw.UpscaleFactor
	}

	if meta.IsDefined("lr_resolver") {
		cfg.LRResolver = float32(raw.LRResolver)
	}
	if meta.IsDefined("lr_feature") {
		cfg.LRFeature = float32(raw.LRFeature)
	}
	if meta.IsDefined("momentum") {
		cfg.Momentum = float32(raw.Momentum)
	}
	if meta.IsDefined("weight_decay_resolver") {
		cfg.WeightDecayResolver = float32(raw.WeightDecayResolver)
	}
	if meta.IsDefined("weight_decay_feature") {
		cfg.WeightDecayFeature = float32(raw.WeightDecayFeature)
	}
	if meta.IsDefined("alpha") {
		cfg.Alpha = float32(raw.Alpha)
	}
	if meta.IsDefined("optimizer") {
		if cfg.Optimizer, err = optimizer.ParseKind(raw.Optimizer); err != nil {
			return Config{}, fmt.Errorf("parse optimizer: %w", err)
		}
	}

	if meta.IsDefined("lr_schedule") {
		cfg.LRSchedule = strings.ToLower(strings.TrimSpace(raw.LRSchedule))
	}
	if meta.IsDefined("lr_step_size") {
		cfg.LRStepSize = raw.LRStepSize
	}
	if meta.IsDefined("lr_gamma") {
		cfg.LRGamma = raw.LRGamma
	}
	if meta.IsDefined("lr_min_factor") {
		cfg.LRMinFactor = raw.LRMinFactor
	}
	if meta.IsDefined("lr_cosine_t_max") {
		cfg.LRCosineTMax = raw.LRCosineTMax
	}

	if meta.IsDefined("train_dir") {
		cfg.TrainDir = strings.TrimSpace(raw.TrainDir)
	}
	if meta.IsDefined("test_dir") {
		cfg.TestDir = strings.TrimSpace(raw.TestDir)
	}
	if meta.IsDefined("label_mapping") {
		cfg.LabelMapping = strings.TrimSpace(raw.LabelMapping)
	}
	if meta.IsDefined("result_dir") {
		cfg.ResultDir = strings.TrimSpace(raw.ResultDir)
	}
	if meta.IsDefined("model_dir") {
		cfg.ModelDir = strings.TrimSpace(raw.ModelDir)
	}
	if meta.IsDefined("reference_checkpoint") {
		cfg.ReferenceCheckpoint = strings.TrimSpace(raw.ReferenceCheckpoint)
	}

	if meta.IsDefined("resolver_arch") {
		if cfg.ResolverArch, err = models.ParseResolverArch(raw.ResolverArch); err != nil {
			return Config{}, fmt.Errorf("parse resolver_arch: %w", err)
		}
	}
	if meta.IsDefined("feature_arch") {
		if cfg.FeatureArch, err = models.ParseFeatureArch(raw.FeatureArch); err != nil {
			return Config{}, fmt.Errorf("parse feature_arch: %w", err)
		}
	}
	if meta.IsDefined("num_classes") {
		cfg.NumClasses = raw.NumClasses
	}
	if meta.IsDefined("hr_width") {
		cfg.HRWidth = raw.HRWidth
	}
	if meta.IsDefined("hr_height") {
		cfg.HRHeight = raw.HRHeight
	}

	if meta.IsDefined("accelerator") {
		if cfg.Accelerator, err = tensor.ParseDevice(raw.Accelerator); err != nil {
			return Config{}, fmt.Errorf("parse accelerator: %w", err)
		}
	}
	if meta.IsDefined("checkpoint_format") {
		if cfg.CheckpointFormat, err = checkpoints.ParseFormat(raw.CheckpointFormat); err != nil {
			return Config{}, fmt.Errorf("parse checkpoint_format: %w", err)
		}
	}
	if meta.IsDefined("cache_size") {
		cfg.CacheSize = raw.CacheSize
	}
	if meta.IsDefined("prefetch") {
		cfg.Prefetch = raw.Prefetch
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}

	return cfg, nil
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	positive("batch_size", c.BatchSize)
	positive("test_batch_size", c.TestBatchSize)
	positive("epochs", c.Epochs)
	positive("threads", c.Threads)
	positive("upscale_factor", c.UpscaleFactor)
	positive("hr_width", c.HRWidth)
	positive("hr_height", c.HRHeight)

	if c.LRResolver <= 0 {
		errs = append(errs, fmt.Errorf("lr_resolver must be positive, got %v", c.LRResolver))
	}
	if c.LRFeature <= 0 {
		errs = append(errs, fmt.Errorf("lr_feature must be positive, got %v", c.LRFeature))
	}
	if c.Alpha < 0 {
		errs = append(errs, fmt.Errorf("alpha must not be negative, got %v", c.Alpha))
	}
	if c.Momentum < 0 || c.Momentum >= 1 {
		errs = append(errs, fmt.Errorf("momentum must be in [0, 1), got %v", c.Momentum))
	}
	if c.WeightDecayResolver < 0 || c.WeightDecayFeature < 0 {
		errs = append(errs, errors.New("weight decay must not be negative"))
	}
	if c.NumClasses < 0 {
		errs = append(errs, fmt.Errorf("num_classes must not be negative, got %d", c.NumClasses))
	}
	if c.UpscaleFactor > 0 && (c.HRWidth%c.UpscaleFactor != 0 || c.HRHeight%c.UpscaleFactor != 0) {
		errs = append(errs, fmt.Errorf("hr size %dx%d is not divisible by upscale_factor %d",
			c.HRWidth, c.HRHeight, c.UpscaleFactor))
	}

	known := false
	for _, s := range Schedules {
		known = known || s == c.LRSchedule
	}
	if !known {
		errs = append(errs, fmt.Errorf("lr_schedule %q is not one of %s", c.LRSchedule, strings.Join(Schedules, ", ")))
	}

	if c.TrainDir == "" {
		errs = append(errs, errors.New("train_dir is required"))
	}
	if c.TestDir == "" {
		errs = append(errs, errors.New("test_dir is required"))
	}
	return errors.Join(errs...)
}

// TrainHR is the high-resolution training directory.
func (c Config) TrainHR() string { return filepath.Join(c.TrainDir, "HR") }

// TrainLR is the low-resolution training directory.
func (c Config) TrainLR() string { return filepath.Join(c.TrainDir, "LR") }

// TestHR is the high-resolution validation directory.
func (c Config) TestHR() string { return filepath.Join(c.TestDir, "valid_HR") }

// TestLR is the low-resolution validation directory.
func (c Config) TestLR() string { return filepath.Join(c.TestDir, "valid_LR") }
