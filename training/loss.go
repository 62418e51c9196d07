package training

import (
	"fmt"
	"math"

	"github.com/tsawler/go-sicnn/models"
	"github.com/tsawler/go-sicnn/tensor"
)

// Angular margin annealing bounds. The margin starts almost disabled and
// tightens as training progresses.
const (
	LambdaMin = 5.0
	LambdaMax = 1500.0
)

// MSELoss implements Mean Squared Error loss function
type MSELoss struct {
	reduction string // "mean" or "sum"
}

// NewMSELoss creates a new Mean Squared Error loss function
func NewMSELoss(reduction string) *MSELoss {
	if reduction == "" {
		reduction = "mean"
	}
	return &MSELoss{reduction: reduction}
}

// Forward computes L = (1/N) * sum((y_pred - y_true)^2), or the plain sum.
func (mse *MSELoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if len(predicted.Shape) != len(target.Shape) {
		return nil, fmt.Errorf("predicted %v and target %v must have the same shape", predicted.Shape, target.Shape)
	}
	for i, dim := range predicted.Shape {
		if dim != target.Shape[i] {
			return nil, fmt.Errorf("predicted %v and target %v must have the same shape", predicted.Shape, target.Shape)
		}
	}

	diff, err := tensor.Sub(predicted, target)
	if err != nil {
		return nil, fmt.Errorf("subtraction failed: %w", err)
	}
	squared, err := tensor.Mul(diff, diff)
	if err != nil {
		return nil, fmt.Errorf("multiplication failed: %w", err)
	}

	switch mse.reduction {
	case "mean":
		return tensor.Mean(squared)
	case "sum":
		return tensor.Sum(squared)
	default:
		return nil, fmt.Errorf("unsupported reduction: %s", mse.reduction)
	}
}

// ReconstructionLoss is the pixel MSE between the super-resolved batch and
// its high-resolution targets.
func ReconstructionLoss(sr, hr *tensor.Tensor) (*tensor.Tensor, error) {
	return NewMSELoss("mean").Forward(sr, hr)
}

// IdentityLoss is the MSE between embeddings of the reconstruction and of the
// ground truth. The ground-truth embeddings are treated as constants, so no
// gradient flows through them.
func IdentityLoss(fSR, fHR *tensor.Tensor) (*tensor.Tensor, error) {
	return NewMSELoss("mean").Forward(fSR, tensor.Detach(fHR))
}

// TotalResolverLoss combines the terms as lSR + alpha*lSI.
func TotalResolverLoss(lSR, lSI *tensor.Tensor, alpha float32) (*tensor.Tensor, error) {
	weighted, err := tensor.Scale(lSI, alpha)
	if err != nil {
		return nil, err
	}
	return tensor.Add(lSR, weighted)
}

// AngleLambda returns the margin blend factor for the given 1-based
// iteration: max(LambdaMin, LambdaMax / (1 + 0.1*it)).
func AngleLambda(iteration int) float64 {
	return math.Max(LambdaMin, LambdaMax/(1+0.1*float64(iteration)))
}

// ClassificationLoss is the A-Softmax loss. For each sample the target
// class logit is moved from cos toward phi by 1/(1+lambda), then the mean
// negative log-likelihood of the target is taken.
func ClassificationLoss(logits *models.Logits, labels []int, iteration int) (*tensor.Tensor, error) {
	cos, phi := logits.Cos, logits.Phi
	if cos.Dim() != 2 || len(cos.Shape) != len(phi.Shape) || cos.Shape[0] != phi.Shape[0] || cos.Shape[1] != phi.Shape[1] {
		return nil, fmt.Errorf("cos %v and phi %v must be matching [N, C]", cos.Shape, phi.Shape)
	}
	n, classes := cos.Shape[0], cos.Shape[1]
	if len(labels) != n {
		return nil, fmt.Errorf("got %d labels for %d samples", len(labels), n)
	}

	blend := float32(1 / (1 + AngleLambda(iteration)))
	mask := tensor.MustNew([]int{n, classes}, nil)
	for i, label := range labels {
		if label < 0 || label >= classes {
			return nil, fmt.Errorf("label %d out of range [0, %d)", label, classes)
		}
		mask.Data[i*classes+label] = blend
	}

	diff, err := tensor.Sub(phi, cos)
	if err != nil {
		return nil, err
	}
	shift, err := tensor.Mul(diff, mask)
	if err != nil {
		return nil, err
	}
	output, err := tensor.Add(cos, shift)
	if err != nil {
		return nil, err
	}
	logp, err := tensor.LogSoftmax(output)
	if err != nil {
		return nil, err
	}
	return tensor.NLLLoss(logp, labels)
}
