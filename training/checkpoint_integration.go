package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/tsawler/go-sicnn/checkpoints"
	"github.com/tsawler/go-sicnn/layers"
	"github.com/tsawler/go-sicnn/models"
	"github.com/tsawler/go-sicnn/observability"
	"github.com/tsawler/go-sicnn/optimizer"
	"github.com/tsawler/go-sicnn/tensor"
	"github.com/tsawler/go-sicnn/vision/dataloader"
	"github.com/tsawler/go-sicnn/vision/preprocessing"
)

// TimestampLayout formats the suffix of rendered directories and checkpoint
// files.
const TimestampLayout = "2006-01-02_15-04-05"

// Model names used in checkpoint files and metadata.
const (
	ResolverName = "cnn_h"
	FeatureName  = "cnn_r"
)

// CheckpointConfig configures where renders and checkpoints go
type CheckpointConfig struct {
	ResultDir string
	ModelDir  string
	Format    checkpoints.CheckpointFormat
	// RunID tags every checkpoint written by this manager. Generated when
	// empty.
	RunID  string
	Logger zerolog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// CheckpointManager renders test reconstructions and persists model state
// at the end of each epoch.
type CheckpointManager struct {
	config CheckpointConfig
	state  *TrainingState
	saver  *checkpoints.CheckpointSaver
	logger zerolog.Logger
}

// NewCheckpointManager creates a new checkpoint manager
func NewCheckpointManager(state *TrainingState, config CheckpointConfig) *CheckpointManager {
	if config.RunID == "" {
		config.RunID = checkpoints.NewRunID()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &CheckpointManager{
		config: config,
		state:  state,
		saver:  checkpoints.NewCheckpointSaver(config.Format),
		logger: config.Logger.With().Str("component", "checkpoints").Logger(),
	}
}

// RunID returns the identifier stamped into every checkpoint.
func (cm *CheckpointManager) RunID() string { return cm.config.RunID }

func (cm *CheckpointManager) timestamp() string {
	return cm.config.Now().Format(TimestampLayout)
}

// RenderOutputs runs the resolver over every test batch and writes each
// reconstruction as a PNG into {result}/output_{epoch}_{timestamp}, keeping
// the relative file names of the source. It returns the directory.
func (cm *CheckpointManager) RenderOutputs(ctx context.Context, epoch int, src dataloader.Source) (string, error) {
	dir := filepath.Join(cm.config.ResultDir, fmt.Sprintf("output_%d_%s", epoch, cm.timestamp()))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	src.Reset()
	written := 0
	for {
		batch, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("render epoch %d: %w", epoch, err)
		}
		sr, err := cm.state.Resolver.Forward(batch.LR)
		if err != nil {
			return "", fmt.Errorf("render epoch %d: %w", epoch, err)
		}
		if err := writeRenders(dir, sr, batch.Names); err != nil {
			return "", err
		}
		written += len(batch.Names)
	}
	src.Reset()

	cm.logger.Info().Int("epoch", epoch).Int("images", written).Str("path", dir).Msg("rendered test outputs")
	return dir, nil
}

func writeRenders(dir string, sr *tensor.Tensor, names []string) error {
	if sr.Dim() != 4 || sr.Shape[0] != len(names) || sr.Shape[1] != 3 {
		return fmt.Errorf("cannot render output of shape %v for %d names", sr.Shape, len(names))
	}
	h, w := sr.Shape[2], sr.Shape[3]
	plane := 3 * h * w
	for i, name := range names {
		img, err := preprocessing.FromCHW(sr.Data[i*plane:(i+1)*plane], h, w)
		if err != nil {
			return err
		}
		out := filepath.Join(dir, filepath.FromSlash(preprocessing.PNGName(path.Clean(name))))
		if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
			return err
		}
		if err := preprocessing.SavePNG(out, img); err != nil {
			return fmt.Errorf("failed to write %s: %w", out, err)
		}
	}
	return nil
}

// SaveResolver writes {models}/cnn_h_epoch_{epoch}_{timestamp} with the
// resolver weights and its optimizer state.
func (cm *CheckpointManager) SaveResolver(epoch int, lastLoss float32) (string, error) {
	return cm.save(ResolverName, cm.state.Resolver.Arch().String(), cm.state.Resolver.Params(), cm.state.ResolverOpt, epoch, lastLoss)
}

// SaveFeature writes {models}/cnn_r_epoch_{epoch}_{timestamp}. A saved
// feature model can later be loaded as the reference for scoring.
func (cm *CheckpointManager) SaveFeature(epoch int, lastLoss float32) (string, error) {
	return cm.save(FeatureName, cm.state.Feature.Arch().String(), cm.state.Feature.Params(), cm.state.FeatureOpt, epoch, lastLoss)
}

func (cm *CheckpointManager) save(name, arch string, ps *layers.ParamSet, opt optimizer.Optimizer, epoch int, lastLoss float32) (string, error) {
	if err := os.MkdirAll(cm.config.ModelDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create model directory: %w", err)
	}

	checkpoint := &checkpoints.Checkpoint{
		Model: checkpoints.ModelInfo{
			Name:           name,
			Arch:           arch,
			ParameterCount: ps.NumElements(),
		},
		Weights: checkpoints.ExtractWeights(ps),
		TrainingState: checkpoints.TrainingState{
			Epoch:        epoch,
			Step:         cm.state.GlobalStep,
			LearningRate: opt.LearningRate(),
			LastLoss:     lastLoss,
		},
		Metadata: checkpoints.CheckpointMetadata{
			RunID:       cm.config.RunID,
			Description: fmt.Sprintf("%s after epoch %d", name, epoch),
			Tags:        []string{fmt.Sprintf("epoch_%d", epoch), arch},
		},
	}
	state, err := opt.GetState()
	if err != nil {
		return "", fmt.Errorf("failed to capture %s optimizer state: %w", name, err)
	}
	checkpoint.OptimizerState = state

	file := filepath.Join(cm.config.ModelDir,
		fmt.Sprintf("%s_epoch_%d_%s%s", name, epoch, cm.timestamp(), cm.config.Format.Extension()))
	if err := cm.saver.SaveCheckpoint(checkpoint, file); err != nil {
		return "", err
	}
	observability.RecordCheckpoint(name)
	cm.logger.Info().Int("epoch", epoch).Str("model", name).Str("path", file).Msg("checkpoint saved")
	return file, nil
}

// Restore loads a checkpoint written by SaveResolver or SaveFeature into the
// matching model and optimizer. The training state's epoch and step are
// advanced to the checkpoint's.
func (cm *CheckpointManager) Restore(file string) (*checkpoints.Checkpoint, error) {
	checkpoint, err := checkpoints.NewCheckpointSaver(checkpoints.FormatForPath(file)).LoadCheckpoint(file)
	if err != nil {
		return nil, err
	}

	var (
		ps   *layers.ParamSet
		opt  optimizer.Optimizer
		arch string
	)
	switch checkpoint.Model.Name {
	case ResolverName:
		ps, opt, arch = cm.state.Resolver.Params(), cm.state.ResolverOpt, cm.state.Resolver.Arch().String()
	case FeatureName:
		ps, opt, arch = cm.state.Feature.Params(), cm.state.FeatureOpt, cm.state.Feature.Arch().String()
	default:
		return nil, fmt.Errorf("checkpoint %s holds unknown model %q", file, checkpoint.Model.Name)
	}
	if checkpoint.Model.Arch != arch {
		return nil, fmt.Errorf("checkpoint %s is %s, model is %s", file, checkpoint.Model.Arch, arch)
	}
	if err := checkpoints.LoadWeights(checkpoint.Weights, ps); err != nil {
		return nil, fmt.Errorf("restore %s: %w", file, err)
	}
	if checkpoint.OptimizerState != nil {
		if err := opt.LoadState(checkpoint.OptimizerState); err != nil {
			return nil, fmt.Errorf("restore %s optimizer: %w", file, err)
		}
	}
	if checkpoint.TrainingState.Epoch > cm.state.Epoch {
		cm.state.Epoch = checkpoint.TrainingState.Epoch
	}
	if checkpoint.TrainingState.Step > cm.state.GlobalStep {
		cm.state.GlobalStep = checkpoint.TrainingState.Step
	}
	cm.logger.Info().Str("path", file).Str("model", checkpoint.Model.Name).Int("epoch", checkpoint.TrainingState.Epoch).Msg("checkpoint restored")
	return checkpoint, nil
}

// LoadReference builds a frozen feature network from a checkpoint written by
// SaveFeature (or converted from a pretrained network). The class count is
// taken from the saved classifier weight. height and width are the HR crop
// size the network was built for.
func LoadReference(file string, arch models.FeatureArch, height, width int) (*models.Reference, error) {
	checkpoint, err := checkpoints.NewCheckpointSaver(checkpoints.FormatForPath(file)).LoadCheckpoint(file)
	if err != nil {
		return nil, err
	}
	if checkpoint.Model.Arch != "" && checkpoint.Model.Arch != arch.String() {
		return nil, fmt.Errorf("reference %s is %s, not %s", file, checkpoint.Model.Arch, arch)
	}

	classes := 0
	for _, w := range checkpoint.Weights {
		if w.Name == models.HeadWeight && len(w.Shape) == 2 {
			classes = w.Shape[1]
		}
	}
	if classes == 0 {
		return nil, fmt.Errorf("reference %s has no %s weight", file, models.HeadWeight)
	}

	// Initial values are overwritten by the checkpoint.
	model, err := models.NewFeatureModel(arch, classes, height, width, rand.New(rand.NewSource(0)))
	if err != nil {
		return nil, err
	}
	if err := checkpoints.LoadWeights(checkpoint.Weights, model.Params()); err != nil {
		return nil, fmt.Errorf("load reference %s: %w", file, err)
	}
	return models.NewReference(model), nil
}
