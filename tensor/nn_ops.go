package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
)

// Conv2DParams describes a square-kernel 2-D convolution.
type Conv2DParams struct {
	Stride  int
	Padding int
}

type conv2DOp struct {
	x, w, b  *Tensor
	params   Conv2DParams
	cols     []float32
	outH     int
	outW     int
	kernel   int
	colWidth int
}

func (op *conv2DOp) Name() string { return "Conv2D" }

func (op *conv2DOp) Inputs() []*Tensor {
	return []*Tensor{op.x, op.w, op.b}
}

func (op *conv2DOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	n, c, h, w := op.x.Shape[0], op.x.Shape[1], op.x.Shape[2], op.x.Shape[3]
	outC := op.w.Shape[0]
	rows := n * op.outH * op.outW
	plane := op.outH * op.outW

	// Reorder NCHW gradient into im2col row order: [(n,oh,ow), o].
	g2 := make([]float32, rows*outC)
	for ni := 0; ni < n; ni++ {
		for o := 0; o < outC; o++ {
			src := gradOut.Data[(ni*outC+o)*plane : (ni*outC+o+1)*plane]
			for p, v := range src {
				g2[(ni*plane+p)*outC+o] = v
			}
		}
	}
	g := general(rows, outC, g2)

	var gradX, gradW, gradB *Tensor
	if op.w.requiresGrad {
		// dW = g2^T @ cols
		gradW = MustNew(op.w.Shape, gemm(blas.Trans, blas.NoTrans, g, general(rows, op.colWidth, op.cols), outC, op.colWidth))
	}
	if op.b != nil && op.b.requiresGrad {
		gradB = MustNew(op.b.Shape, nil)
		for r := 0; r < rows; r++ {
			for o := 0; o < outC; o++ {
				gradB.Data[o] += g2[r*outC+o]
			}
		}
	}
	if op.x.requiresGrad {
		// dcols = g2 @ W, then scatter back to the input layout.
		dcols := gemm(blas.NoTrans, blas.NoTrans, g, general(outC, op.colWidth, op.w.Data), rows, op.colWidth)
		gradX = MustNew(op.x.Shape, nil)
		col2im(dcols, gradX.Data, n, c, h, w, op.kernel, op.params, op.outH, op.outW)
	}
	return []*Tensor{gradX, gradW, gradB}, nil
}

func im2col(x []float32, n, c, h, w, k int, p Conv2DParams, outH, outW int) []float32 {
	width := c * k * k
	cols := make([]float32, n*outH*outW*width)
	for ni := 0; ni < n; ni++ {
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				row := cols[((ni*outH+oh)*outW+ow)*width:]
				col := 0
				for ci := 0; ci < c; ci++ {
					base := (ni*c + ci) * h * w
					for ki := 0; ki < k; ki++ {
						y := oh*p.Stride - p.Padding + ki
						for kj := 0; kj < k; kj++ {
							xx := ow*p.Stride - p.Padding + kj
							if y >= 0 && y < h && xx >= 0 && xx < w {
								row[col] = x[base+y*w+xx]
							}
							col++
						}
					}
				}
			}
		}
	}
	return cols
}

func col2im(cols, dst []float32, n, c, h, w, k int, p Conv2DParams, outH, outW int) {
	width := c * k * k
	for ni := 0; ni < n; ni++ {
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				row := cols[((ni*outH+oh)*outW+ow)*width:]
				col := 0
				for ci := 0; ci < c; ci++ {
					base := (ni*c + ci) * h * w
					for ki := 0; ki < k; ki++ {
						y := oh*p.Stride - p.Padding + ki
						for kj := 0; kj < k; kj++ {
							xx := ow*p.Stride - p.Padding + kj
							if y >= 0 && y < h && xx >= 0 && xx < w {
								dst[base+y*w+xx] += row[col]
							}
							col++
						}
					}
				}
			}
		}
	}
}

// Conv2D convolves x [N, C, H, W] with weight [O, C, K, K] and an optional
// bias [O], producing [N, O, OH, OW].
func Conv2D(x, weight, bias *Tensor, params Conv2DParams) (*Tensor, error) {
	if len(x.Shape) != 4 || len(weight.Shape) != 4 {
		return nil, fmt.Errorf("conv2d expects 4-D input and weight, got %v and %v", x.Shape, weight.Shape)
	}
	if params.Stride <= 0 {
		params.Stride = 1
	}
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	outC, inC, k := weight.Shape[0], weight.Shape[1], weight.Shape[2]
	if inC != c || weight.Shape[3] != k {
		return nil, fmt.Errorf("conv2d weight %v incompatible with input %v", weight.Shape, x.Shape)
	}
	if bias != nil && (len(bias.Shape) != 1 || bias.Shape[0] != outC) {
		return nil, fmt.Errorf("conv2d bias %v incompatible with %d output channels", bias.Shape, outC)
	}
	outH := (h+2*params.Padding-k)/params.Stride + 1
	outW := (w+2*params.Padding-k)/params.Stride + 1
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("conv2d output would be empty for input %v and kernel %d", x.Shape, k)
	}

	colWidth := c * k * k
	rows := n * outH * outW
	cols := im2col(x.Data, n, c, h, w, k, params, outH, outW)
	out2 := gemm(blas.NoTrans, blas.Trans, general(rows, colWidth, cols), general(outC, colWidth, weight.Data), rows, outC)

	plane := outH * outW
	out := MustNew([]int{n, outC, outH, outW}, nil)
	for ni := 0; ni < n; ni++ {
		for p := 0; p < plane; p++ {
			src := out2[(ni*plane+p)*outC:]
			for o := 0; o < outC; o++ {
				v := src[o]
				if bias != nil {
					v += bias.Data[o]
				}
				out.Data[(ni*outC+o)*plane+p] = v
			}
		}
	}

	op := &conv2DOp{x: x, w: weight, b: bias, params: params, cols: cols,
		outH: outH, outW: outW, kernel: k, colWidth: colWidth}
	return record(out, op), nil
}

type upsampleOp struct {
	in     *Tensor
	factor int
}

func (op *upsampleOp) Name() string      { return "UpsampleNearest" }
func (op *upsampleOp) Inputs() []*Tensor { return []*Tensor{op.in} }

func (op *upsampleOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	n, c, h, w := op.in.Shape[0], op.in.Shape[1], op.in.Shape[2], op.in.Shape[3]
	f := op.factor
	ow := w * f
	grad := MustNew(op.in.Shape, nil)
	for nc := 0; nc < n*c; nc++ {
		for y := 0; y < h*f; y++ {
			for x := 0; x < ow; x++ {
				grad.Data[nc*h*w+(y/f)*w+x/f] += gradOut.Data[(nc*h*f+y)*ow+x]
			}
		}
	}
	return []*Tensor{grad}, nil
}

// UpsampleNearest enlarges the spatial dimensions of [N, C, H, W] by an
// integer factor, repeating pixels.
func UpsampleNearest(t *Tensor, factor int) (*Tensor, error) {
	if len(t.Shape) != 4 {
		return nil, fmt.Errorf("upsample expects a 4-D tensor, got %v", t.Shape)
	}
	if factor < 1 {
		return nil, fmt.Errorf("upsample factor must be positive, got %d", factor)
	}
	n, c, h, w := t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]
	ow := w * factor
	out := MustNew([]int{n, c, h * factor, ow}, nil)
	for nc := 0; nc < n*c; nc++ {
		for y := 0; y < h*factor; y++ {
			for x := 0; x < ow; x++ {
				out.Data[(nc*h*factor+y)*ow+x] = t.Data[nc*h*w+(y/factor)*w+x/factor]
			}
		}
	}
	return record(out, &upsampleOp{in: t, factor: factor}), nil
}

type preluOp struct {
	x, alpha *Tensor
	inner    int
}

func (op *preluOp) Name() string      { return "PReLU" }
func (op *preluOp) Inputs() []*Tensor { return []*Tensor{op.x, op.alpha} }

func (op *preluOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	channels := op.alpha.NumElems
	var gradX, gradA *Tensor
	if op.x.requiresGrad {
		gradX = MustNew(op.x.Shape, nil)
	}
	if op.alpha.requiresGrad {
		gradA = MustNew(op.alpha.Shape, nil)
	}
	for i, x := range op.x.Data {
		ch := (i / op.inner) % channels
		g := gradOut.Data[i]
		if x > 0 {
			if gradX != nil {
				gradX.Data[i] = g
			}
			continue
		}
		if gradX != nil {
			gradX.Data[i] = g * op.alpha.Data[ch]
		}
		if gradA != nil {
			gradA.Data[ch] += g * x
		}
	}
	return []*Tensor{gradX, gradA}, nil
}

// PReLU applies a parametric ReLU with one learnable slope per channel
// (dimension 1) of x.
func PReLU(x, alpha *Tensor) (*Tensor, error) {
	if len(x.Shape) < 2 || x.Shape[1] != alpha.NumElems {
		return nil, fmt.Errorf("prelu slope of %d elements incompatible with input %v", alpha.NumElems, x.Shape)
	}
	inner := 1
	for _, d := range x.Shape[2:] {
		inner *= d
	}
	channels := alpha.NumElems
	out := MustNew(x.Shape, nil)
	for i, v := range x.Data {
		if v > 0 {
			out.Data[i] = v
		} else {
			out.Data[i] = v * alpha.Data[(i/inner)%channels]
		}
	}
	return record(out, &preluOp{x: x, alpha: alpha, inner: inner}), nil
}

type logSoftmaxOp struct {
	in, out *Tensor
}

func (op *logSoftmaxOp) Name() string      { return "LogSoftmax" }
func (op *logSoftmaxOp) Inputs() []*Tensor { return []*Tensor{op.in} }

func (op *logSoftmaxOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	rows, cols := op.in.Shape[0], op.in.Shape[1]
	grad := MustNew(op.in.Shape, nil)
	for r := 0; r < rows; r++ {
		g := gradOut.Data[r*cols : (r+1)*cols]
		var sum float32
		for _, v := range g {
			sum += v
		}
		for j := 0; j < cols; j++ {
			p := float32(math.Exp(float64(op.out.Data[r*cols+j])))
			grad.Data[r*cols+j] = g[j] - p*sum
		}
	}
	return []*Tensor{grad}, nil
}

// LogSoftmax normalises each row of a [N, C] tensor into log-probabilities.
func LogSoftmax(t *Tensor) (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("log-softmax expects a 2-D tensor, got %v", t.Shape)
	}
	rows, cols := t.Shape[0], t.Shape[1]
	out := MustNew(t.Shape, nil)
	for r := 0; r < rows; r++ {
		row := t.Data[r*cols : (r+1)*cols]
		maxVal := row[0]
		for _, v := range row[1:] {
			if v > maxVal {
				maxVal = v
			}
		}
		var sum float64
		for _, v := range row {
			sum += math.Exp(float64(v - maxVal))
		}
		logSum := float32(math.Log(sum)) + maxVal
		for j, v := range row {
			out.Data[r*cols+j] = v - logSum
		}
	}
	return record(out, &logSoftmaxOp{in: t, out: out}), nil
}

type nllOp struct {
	in     *Tensor
	labels []int
}

func (op *nllOp) Name() string      { return "NLLLoss" }
func (op *nllOp) Inputs() []*Tensor { return []*Tensor{op.in} }

func (op *nllOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	cols := op.in.Shape[1]
	grad := MustNew(op.in.Shape, nil)
	scale := -gradOut.Data[0] / float32(len(op.labels))
	for r, y := range op.labels {
		grad.Data[r*cols+y] = scale
	}
	return []*Tensor{grad}, nil
}

// NLLLoss returns the mean negative log-likelihood of the labelled classes
// given row-wise log-probabilities [N, C].
func NLLLoss(logProbs *Tensor, labels []int) (*Tensor, error) {
	if len(logProbs.Shape) != 2 {
		return nil, fmt.Errorf("nll loss expects a 2-D tensor, got %v", logProbs.Shape)
	}
	rows, cols := logProbs.Shape[0], logProbs.Shape[1]
	if len(labels) != rows {
		return nil, fmt.Errorf("nll loss: %d labels for %d rows", len(labels), rows)
	}
	var sum float64
	for r, y := range labels {
		if y < 0 || y >= cols {
			return nil, fmt.Errorf("nll loss: label %d out of range [0, %d)", y, cols)
		}
		sum -= float64(logProbs.Data[r*cols+y])
	}
	out := FromScalar(float32(sum / float64(rows)))
	return record(out, &nllOp{in: logProbs, labels: append([]int(nil), labels...)}), nil
}
