package training

import (
	"errors"
	"fmt"
	"math"

	"github.com/tsawler/go-sicnn/models"
	"github.com/tsawler/go-sicnn/optimizer"
	"github.com/tsawler/go-sicnn/tensor"
	"github.com/tsawler/go-sicnn/vision/dataloader"
)

// ErrNonFiniteLoss aborts training when a loss becomes NaN or infinite.
var ErrNonFiniteLoss = errors.New("non-finite loss")

// Phase names one half of an alternating step.
type Phase string

const (
	PhaseFeature  Phase = "feature"
	PhaseResolver Phase = "resolver"
)

// TrainingState is everything a step reads and advances. Each model is paired
// with the only optimizer allowed to change it.
type TrainingState struct {
	Resolver    models.Resolver
	Feature     models.FeatureModel
	ResolverOpt optimizer.Optimizer
	FeatureOpt  optimizer.Optimizer

	Epoch int
	// GlobalStep counts completed steps across epochs. It drives the angular
	// margin annealing.
	GlobalStep int
	// PrevSR is the detached reconstruction from the previous step, fed to
	// the feature phase of the next one.
	PrevSR *tensor.Tensor
}

// NewTrainingState checks that each optimizer is bound to its model's
// parameters.
func NewTrainingState(resolver models.Resolver, feature models.FeatureModel, resolverOpt, featureOpt optimizer.Optimizer) (*TrainingState, error) {
	if resolverOpt.Params() != resolver.Params() {
		return nil, fmt.Errorf("resolver optimizer is bound to %s, not %s", resolverOpt.Params().Name(), resolver.Params().Name())
	}
	if featureOpt.Params() != feature.Params() {
		return nil, fmt.Errorf("feature optimizer is bound to %s, not %s", featureOpt.Params().Name(), feature.Params().Name())
	}
	return &TrainingState{
		Resolver:    resolver,
		Feature:     feature,
		ResolverOpt: resolverOpt,
		FeatureOpt:  featureOpt,
	}, nil
}

// StepConfig carries per-step settings.
type StepConfig struct {
	Alpha      float32
	BatchIndex int
}

// StepResult reports the losses of one alternating step.
type StepResult struct {
	FeatureLoss        float32
	ReconstructionLoss float32
	IdentityLoss       float32
	TotalLoss          float32
	Lambda             float64
}

// Losses returns the result keyed by term, for logging and metrics.
func (r StepResult) Losses() map[string]float64 {
	return map[string]float64{
		"feature":        float64(r.FeatureLoss),
		"reconstruction": float64(r.ReconstructionLoss),
		"identity":       float64(r.IdentityLoss),
		"total":          float64(r.TotalLoss),
	}
}

// Step runs the feature phase then the resolver phase on one batch.
//
// The feature phase classifies concat(PrevSR, HR) against the labels twice
// over and updates only the feature parameters. The resolver phase
// reconstructs LR, scores it by pixel MSE plus alpha times the embedding MSE
// against the detached HR embeddings, and updates only the resolver
// parameters. A non-finite loss returns ErrNonFiniteLoss before that phase
// touches any weight.
func Step(state *TrainingState, batch *dataloader.Batch, cfg StepConfig) (StepResult, error) {
	var res StepResult
	n := batch.HR.Shape[0]
	if batch.LR.Shape[0] != n || len(batch.Labels) != n {
		return res, fmt.Errorf("batch has %d LR, %d HR and %d labels", batch.LR.Shape[0], n, len(batch.Labels))
	}

	prev := state.PrevSR
	if prev == nil || !sameShape(prev.Shape, batch.HR.Shape) {
		sr, err := state.Resolver.Forward(batch.LR)
		if err != nil {
			return res, state.wrap(cfg, PhaseFeature, err)
		}
		prev = tensor.Detach(sr)
	}

	// Feature phase.
	iteration := state.GlobalStep + 1
	res.Lambda = AngleLambda(iteration)
	input, err := tensor.Concat(prev, batch.HR)
	if err != nil {
		return res, state.wrap(cfg, PhaseFeature, err)
	}
	out, err := state.Feature.Forward(input, models.ModeLogits)
	if err != nil {
		return res, state.wrap(cfg, PhaseFeature, err)
	}
	logits, ok := out.(*models.Logits)
	if !ok {
		return res, state.wrap(cfg, PhaseFeature, fmt.Errorf("logits mode returned %T", out))
	}
	labels := make([]int, 0, 2*n)
	labels = append(labels, batch.Labels...)
	labels = append(labels, batch.Labels...)
	featureLoss, err := ClassificationLoss(logits, labels, iteration)
	if err != nil {
		return res, state.wrap(cfg, PhaseFeature, err)
	}
	if res.FeatureLoss, err = finite(featureLoss); err != nil {
		return res, state.wrap(cfg, PhaseFeature, err)
	}
	grads, err := tensor.Gradients(featureLoss, state.Feature.Params().Tensors())
	if err != nil {
		return res, state.wrap(cfg, PhaseFeature, err)
	}
	if err := state.FeatureOpt.Step(grads); err != nil {
		return res, state.wrap(cfg, PhaseFeature, err)
	}

	// Resolver phase.
	sr, err := state.Resolver.Forward(batch.LR)
	if err != nil {
		return res, state.wrap(cfg, PhaseResolver, err)
	}
	lSR, err := ReconstructionLoss(sr, batch.HR)
	if err != nil {
		return res, state.wrap(cfg, PhaseResolver, err)
	}
	pair, err := tensor.Concat(sr, batch.HR)
	if err != nil {
		return res, state.wrap(cfg, PhaseResolver, err)
	}
	out, err = state.Feature.Forward(pair, models.ModeEmbedding)
	if err != nil {
		return res, state.wrap(cfg, PhaseResolver, err)
	}
	emb, ok := out.(*models.Embedding)
	if !ok {
		return res, state.wrap(cfg, PhaseResolver, fmt.Errorf("embedding mode returned %T", out))
	}
	fSR, fHR, err := tensor.Split(emb.Vectors)
	if err != nil {
		return res, state.wrap(cfg, PhaseResolver, err)
	}
	lSI, err := IdentityLoss(fSR, fHR)
	if err != nil {
		return res, state.wrap(cfg, PhaseResolver, err)
	}
	total, err := TotalResolverLoss(lSR, lSI, cfg.Alpha)
	if err != nil {
		return res, state.wrap(cfg, PhaseResolver, err)
	}
	if res.TotalLoss, err = finite(total); err != nil {
		return res, state.wrap(cfg, PhaseResolver, err)
	}
	res.ReconstructionLoss, _ = lSR.Item()
	res.IdentityLoss, _ = lSI.Item()

	grads, err = tensor.Gradients(total, state.Resolver.Params().Tensors())
	if err != nil {
		return res, state.wrap(cfg, PhaseResolver, err)
	}
	if err := state.ResolverOpt.Step(grads); err != nil {
		return res, state.wrap(cfg, PhaseResolver, err)
	}

	state.PrevSR = tensor.Detach(sr)
	state.GlobalStep++
	return res, nil
}

// StepError locates a failed step.
type StepError struct {
	Epoch int
	Batch int
	Phase Phase
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("epoch %d batch %d %s phase: %v", e.Epoch, e.Batch, e.Phase, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

func (s *TrainingState) wrap(cfg StepConfig, phase Phase, err error) error {
	return &StepError{Epoch: s.Epoch, Batch: cfg.BatchIndex, Phase: phase, Err: err}
}

func finite(loss *tensor.Tensor) (float32, error) {
	v, err := loss.Item()
	if err != nil {
		return 0, err
	}
	if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
		return v, fmt.Errorf("loss is %v: %w", v, ErrNonFiniteLoss)
	}
	return v, nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
