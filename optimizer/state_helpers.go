package optimizer

import (
	"fmt"

	"github.com/tsawler/go-sicnn/checkpoints"
	"github.com/tsawler/go-sicnn/layers"
)

// newBuffers allocates one zeroed buffer per parameter.
func newBuffers(ps *layers.ParamSet) [][]float32 {
	params := ps.Params()
	bufs := make([][]float32, len(params))
	for i, p := range params {
		bufs[i] = make([]float32, p.Value.NumElems)
	}
	return bufs
}

// extractBufferStates copies a family of buffers into checkpoint tensors
// named prefix_<index>.
func extractBufferStates(bufs [][]float32, prefix, stateType string) []checkpoints.OptimizerTensor {
	out := make([]checkpoints.OptimizerTensor, 0, len(bufs))
	for i, buf := range bufs {
		data := make([]float32, len(buf))
		copy(data, buf)
		out = append(out, checkpoints.OptimizerTensor{
			Name:      fmt.Sprintf("%s_%d", prefix, i),
			Shape:     []int{len(data)},
			Data:      data,
			StateType: stateType,
		})
	}
	return out
}

// restoreBufferStates copies every checkpoint tensor of stateType back into
// the matching buffer.
func restoreBufferStates(bufs [][]float32, state *OptimizerState, stateType string) error {
	for _, t := range state.StateData {
		if t.StateType != stateType {
			continue
		}
		idx := extractBufferIndex(t.Name)
		if idx < 0 || idx >= len(bufs) {
			return fmt.Errorf("invalid buffer index in tensor name: %s", t.Name)
		}
		if len(t.Data) != len(bufs[idx]) {
			return fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
				t.Name, len(bufs[idx]), len(t.Data))
		}
		copy(bufs[idx], t.Data)
	}
	return nil
}

// extractFloat32Param safely extracts a float32 parameter from the state map
func extractFloat32Param(params map[string]interface{}, key string, defaultValue float32) float32 {
	switch val := params[key].(type) {
	case float64:
		return float32(val)
	case float32:
		return val
	}
	return defaultValue
}

// extractBoolParam safely extracts a bool parameter from the state map
func extractBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := params[key].(bool); ok {
		return val
	}
	return defaultValue
}

// extractUint64Param safely extracts a uint64 parameter from the state map
func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	switch val := params[key].(type) {
	case float64:
		return uint64(val)
	case uint64:
		return val
	}
	return defaultValue
}
