package tensor

import (
	"fmt"
)

// record attaches op as the creator of out when any input participates in
// the graph. Outputs of ops over constants stay leaves.
func record(out *Tensor, op Operation) *Tensor {
	for _, in := range op.Inputs() {
		if in != nil && in.requiresGrad {
			out.requiresGrad = true
			out.creator = op
			break
		}
	}
	return out
}

// Detach returns a copy of t that is cut from the graph. Gradients never flow
// through the result into whatever produced t.
func Detach(t *Tensor) *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{
		Shape:    copyShape(t.Shape),
		Strides:  calculateStrides(t.Shape),
		Data:     data,
		NumElems: t.NumElems,
	}
}

// Gradients computes d(loss)/d(w) for every w in wrt, in order. loss must
// hold a single element. Only the subgraph that leads to a requested tensor
// is traversed, so tensors outside wrt never receive gradient. A requested
// tensor the loss does not depend on gets a zero gradient.
func Gradients(loss *Tensor, wrt []*Tensor) ([]*Tensor, error) {
	if loss == nil {
		return nil, fmt.Errorf("loss tensor cannot be nil")
	}
	if loss.NumElems != 1 {
		return nil, fmt.Errorf("gradients require a scalar loss, got shape %v", loss.Shape)
	}

	wanted := make(map[*Tensor]bool, len(wrt))
	for _, w := range wrt {
		wanted[w] = true
	}

	// Topological order (inputs before outputs) plus a memo of which nodes
	// lie on a path to a requested tensor.
	var order []*Tensor
	visited := make(map[*Tensor]bool)
	needs := make(map[*Tensor]bool)
	var visit func(t *Tensor) bool
	visit = func(t *Tensor) bool {
		if visited[t] {
			return needs[t]
		}
		visited[t] = true
		need := wanted[t]
		if t.creator != nil {
			for _, in := range t.creator.Inputs() {
				if in == nil {
					continue
				}
				if visit(in) {
					need = true
				}
			}
		}
		needs[t] = need
		order = append(order, t)
		return need
	}
	visit(loss)

	grads := make(map[*Tensor]*Tensor)
	seed, err := Ones(loss.Shape)
	if err != nil {
		return nil, err
	}
	grads[loss] = seed

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		if node.creator == nil || !needs[node] {
			continue
		}
		gradOut, ok := grads[node]
		if !ok {
			continue
		}
		inputs := node.creator.Inputs()
		inGrads, err := node.creator.Backward(gradOut)
		if err != nil {
			return nil, fmt.Errorf("backward through %s failed: %w", node.creator.Name(), err)
		}
		if len(inGrads) != len(inputs) {
			return nil, fmt.Errorf("backward through %s returned %d gradients for %d inputs",
				node.creator.Name(), len(inGrads), len(inputs))
		}
		for j, in := range inputs {
			if in == nil || inGrads[j] == nil || !needs[in] {
				continue
			}
			if err := accumulate(grads, in, inGrads[j]); err != nil {
				return nil, err
			}
		}
	}

	result := make([]*Tensor, len(wrt))
	for i, w := range wrt {
		if g, ok := grads[w]; ok {
			result[i] = g
			continue
		}
		zero, err := Zeros(w.Shape)
		if err != nil {
			return nil, err
		}
		result[i] = zero
	}
	return result, nil
}

func accumulate(grads map[*Tensor]*Tensor, t, g *Tensor) error {
	if g.NumElems != t.NumElems {
		return fmt.Errorf("gradient shape %v does not match tensor shape %v", g.Shape, t.Shape)
	}
	existing, ok := grads[t]
	if !ok {
		grads[t] = g
		return nil
	}
	// Gradients returned by ops are freshly allocated, so summing into the
	// existing buffer is safe.
	for i, v := range g.Data {
		existing.Data[i] += v
	}
	return nil
}
