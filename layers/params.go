package layers

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/tsawler/go-sicnn/tensor"
)

// ParameterKind tags the role a parameter plays inside its layer.
type ParameterKind string

const (
	KindWeight ParameterKind = "weight"
	KindBias   ParameterKind = "bias"
	KindSlope  ParameterKind = "slope"
)

// Parameter is one learnable tensor owned by a layer.
type Parameter struct {
	Name  string
	Layer string
	Kind  ParameterKind
	Value *tensor.Tensor
}

// ParamSet is the ordered, named collection of parameters belonging to a
// single model. An optimizer is always bound to exactly one ParamSet, and a
// gradient request names the set it differentiates, so a set that is not
// named is never updated.
type ParamSet struct {
	name   string
	params []*Parameter
	index  map[string]int
}

// NewParamSet creates an empty parameter set.
func NewParamSet(name string) *ParamSet {
	return &ParamSet{name: name, index: make(map[string]int)}
}

// Name returns the set's name.
func (ps *ParamSet) Name() string { return ps.name }

// Len returns the number of parameters.
func (ps *ParamSet) Len() int { return len(ps.params) }

// Add registers a tensor under layer.kind. The tensor is marked as requiring
// gradients.
func (ps *ParamSet) Add(layer string, kind ParameterKind, value *tensor.Tensor) (*Parameter, error) {
	name := fmt.Sprintf("%s.%s", layer, kind)
	if _, exists := ps.index[name]; exists {
		return nil, fmt.Errorf("parameter %s already registered in %s", name, ps.name)
	}
	value.SetRequiresGrad(true)
	p := &Parameter{Name: name, Layer: layer, Kind: kind, Value: value}
	ps.index[name] = len(ps.params)
	ps.params = append(ps.params, p)
	return p, nil
}

// Params returns the parameters in registration order.
func (ps *ParamSet) Params() []*Parameter {
	out := make([]*Parameter, len(ps.params))
	copy(out, ps.params)
	return out
}

// Tensors returns the parameter values in registration order, suitable for a
// gradient request.
func (ps *ParamSet) Tensors() []*tensor.Tensor {
	out := make([]*tensor.Tensor, len(ps.params))
	for i, p := range ps.params {
		out[i] = p.Value
	}
	return out
}

// Get looks a parameter up by its full name.
func (ps *ParamSet) Get(name string) (*Parameter, bool) {
	i, ok := ps.index[name]
	if !ok {
		return nil, false
	}
	return ps.params[i], true
}

// NumElements counts scalar parameters across the set.
func (ps *ParamSet) NumElements() int64 {
	var n int64
	for _, p := range ps.params {
		n += int64(p.Value.NumElems)
	}
	return n
}

// Fingerprint hashes every parameter name, shape and value bit pattern. Two
// sets with equal fingerprints hold identical weights.
func (ps *ParamSet) Fingerprint() string {
	h := sha256.New()
	var buf [4]byte
	for _, p := range ps.params {
		h.Write([]byte(p.Name))
		for _, d := range p.Value.Shape {
			binary.LittleEndian.PutUint32(buf[:], uint32(d))
			h.Write(buf[:])
		}
		for _, v := range p.Value.Data {
			binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
			h.Write(buf[:])
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Load copies data into the named parameter. The shape must match exactly.
func (ps *ParamSet) Load(name string, shape []int, data []float32) error {
	p, ok := ps.Get(name)
	if !ok {
		return fmt.Errorf("unknown parameter %s in %s", name, ps.name)
	}
	if len(shape) != len(p.Value.Shape) {
		return fmt.Errorf("parameter %s: shape %v does not match %v", name, shape, p.Value.Shape)
	}
	for i, d := range shape {
		if p.Value.Shape[i] != d {
			return fmt.Errorf("parameter %s: shape %v does not match %v", name, shape, p.Value.Shape)
		}
	}
	if len(data) != p.Value.NumElems {
		return fmt.Errorf("parameter %s: %d values for %d elements", name, len(data), p.Value.NumElems)
	}
	copy(p.Value.Data, data)
	return nil
}
