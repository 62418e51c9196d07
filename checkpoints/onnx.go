package checkpoints

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers from onnx.proto. Only the subset needed to carry named
// initializers plus string metadata is written.
const (
	modelIRVersion       protowire.Number = 1
	modelProducerName    protowire.Number = 2
	modelProducerVersion protowire.Number = 3
	modelModelVersion    protowire.Number = 5
	modelDocString       protowire.Number = 6
	modelGraph           protowire.Number = 7
	modelOpsetImport     protowire.Number = 8
	modelMetadataProps   protowire.Number = 14

	graphName        protowire.Number = 2
	graphInitializer protowire.Number = 5

	tensorDims      protowire.Number = 1
	tensorDataType  protowire.Number = 2
	tensorFloatData protowire.Number = 4
	tensorName      protowire.Number = 8
	tensorDocString protowire.Number = 12

	opsetDomain  protowire.Number = 1
	opsetVersion protowire.Number = 2

	entryKey   protowire.Number = 1
	entryValue protowire.Number = 2

	dataTypeFloat = 1
	irVersion     = 7
	opsetLevel    = 13

	// optimizerPrefix marks initializers that hold optimizer state rather
	// than model weights.
	optimizerPrefix = "optimizer/"
)

// metadata_props keys
const (
	keyModelName    = "model_name"
	keyArch         = "arch"
	keyParamCount   = "parameter_count"
	keyEpoch        = "epoch"
	keyStep         = "step"
	keyLearningRate = "learning_rate"
	keyLastLoss     = "last_loss"
	keyRunID        = "run_id"
	keyCreatedAt    = "created_at"
	keyTags         = "tags"
	keyOptType      = "optimizer_type"
	keyOptParams    = "optimizer_parameters"
)

func encodeONNX(cp *Checkpoint) ([]byte, error) {
	var graph []byte
	graph = protowire.AppendTag(graph, graphName, protowire.BytesType)
	graph = protowire.AppendString(graph, cp.Model.Name)

	for _, w := range cp.Weights {
		if err := checkTensor(w.Name, w.Shape, w.Data); err != nil {
			return nil, err
		}
		graph = protowire.AppendTag(graph, graphInitializer, protowire.BytesType)
		graph = protowire.AppendBytes(graph, encodeTensor(w.Name, w.Type, w.Shape, w.Data))
	}

	meta := map[string]string{
		keyModelName:    cp.Model.Name,
		keyArch:         cp.Model.Arch,
		keyParamCount:   strconv.FormatInt(cp.Model.ParameterCount, 10),
		keyEpoch:        strconv.Itoa(cp.TrainingState.Epoch),
		keyStep:         strconv.Itoa(cp.TrainingState.Step),
		keyLearningRate: strconv.FormatFloat(float64(cp.TrainingState.LearningRate), 'g', -1, 32),
		keyLastLoss:     strconv.FormatFloat(float64(cp.TrainingState.LastLoss), 'g', -1, 32),
		keyRunID:        cp.Metadata.RunID,
		keyCreatedAt:    cp.Metadata.CreatedAt.Format(time.RFC3339Nano),
	}
	if len(cp.Metadata.Tags) > 0 {
		meta[keyTags] = strings.Join(cp.Metadata.Tags, ",")
	}

	if opt := cp.OptimizerState; opt != nil {
		params, err := json.Marshal(opt.Parameters)
		if err != nil {
			return nil, fmt.Errorf("optimizer parameters: %w", err)
		}
		meta[keyOptType] = opt.Type
		meta[keyOptParams] = string(params)
		for _, t := range opt.StateData {
			if err := checkTensor(t.Name, t.Shape, t.Data); err != nil {
				return nil, err
			}
			graph = protowire.AppendTag(graph, graphInitializer, protowire.BytesType)
			graph = protowire.AppendBytes(graph, encodeTensor(optimizerPrefix+t.Name, t.StateType, t.Shape, t.Data))
		}
	}

	var opset []byte
	opset = protowire.AppendTag(opset, opsetDomain, protowire.BytesType)
	opset = protowire.AppendString(opset, "")
	opset = protowire.AppendTag(opset, opsetVersion, protowire.VarintType)
	opset = protowire.AppendVarint(opset, opsetLevel)

	var b []byte
	b = protowire.AppendTag(b, modelIRVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, irVersion)
	b = protowire.AppendTag(b, modelProducerName, protowire.BytesType)
	b = protowire.AppendString(b, cp.Metadata.Framework)
	b = protowire.AppendTag(b, modelProducerVersion, protowire.BytesType)
	b = protowire.AppendString(b, cp.Metadata.Version)
	b = protowire.AppendTag(b, modelModelVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(cp.TrainingState.Epoch))
	if cp.Metadata.Description != "" {
		b = protowire.AppendTag(b, modelDocString, protowire.BytesType)
		b = protowire.AppendString(b, cp.Metadata.Description)
	}
	b = protowire.AppendTag(b, modelGraph, protowire.BytesType)
	b = protowire.AppendBytes(b, graph)
	b = protowire.AppendTag(b, modelOpsetImport, protowire.BytesType)
	b = protowire.AppendBytes(b, opset)

	// Sorted keys keep the encoding deterministic.
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = protowire.AppendTag(entry, entryKey, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		entry = protowire.AppendTag(entry, entryValue, protowire.BytesType)
		entry = protowire.AppendString(entry, meta[k])
		b = protowire.AppendTag(b, modelMetadataProps, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b, nil
}

func checkTensor(name string, shape []int, data []float32) error {
	n := 1
	for _, d := range shape {
		n *= d
	}
	if n != len(data) {
		return fmt.Errorf("tensor %s: shape %v holds %d values, have %d", name, shape, n, len(data))
	}
	return nil
}

func encodeTensor(name, doc string, shape []int, data []float32) []byte {
	var dims []byte
	for _, d := range shape {
		dims = protowire.AppendVarint(dims, uint64(d))
	}
	floats := make([]byte, 0, 4*len(data))
	for _, v := range data {
		floats = protowire.AppendFixed32(floats, math.Float32bits(v))
	}

	var b []byte
	b = protowire.AppendTag(b, tensorDims, protowire.BytesType)
	b = protowire.AppendBytes(b, dims)
	b = protowire.AppendTag(b, tensorDataType, protowire.VarintType)
	b = protowire.AppendVarint(b, dataTypeFloat)
	b = protowire.AppendTag(b, tensorFloatData, protowire.BytesType)
	b = protowire.AppendBytes(b, floats)
	b = protowire.AppendTag(b, tensorName, protowire.BytesType)
	b = protowire.AppendString(b, name)
	if doc != "" {
		b = protowire.AppendTag(b, tensorDocString, protowire.BytesType)
		b = protowire.AppendString(b, doc)
	}
	return b
}

type decodedTensor struct {
	name  string
	doc   string
	shape []int
	data  []float32
}

// walk calls fn for every top-level field of a message.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, value []byte, varint uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var value []byte
		var varint uint64
		switch typ {
		case protowire.VarintType:
			varint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			value, n = protowire.ConsumeBytes(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			varint = uint64(v)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err := fn(num, typ, value, varint); err != nil {
			return err
		}
	}
	return nil
}

func decodeTensor(b []byte) (*decodedTensor, error) {
	t := &decodedTensor{}
	dataType := uint64(dataTypeFloat)
	err := walk(b, func(num protowire.Number, typ protowire.Type, value []byte, varint uint64) error {
		switch num {
		case tensorDims:
			if typ == protowire.VarintType {
				t.shape = append(t.shape, int(varint))
				return nil
			}
			for len(value) > 0 {
				v, n := protowire.ConsumeVarint(value)
				if n < 0 {
					return protowire.ParseError(n)
				}
				t.shape = append(t.shape, int(v))
				value = value[n:]
			}
		case tensorDataType:
			dataType = varint
		case tensorFloatData:
			if typ == protowire.Fixed32Type {
				t.data = append(t.data, math.Float32frombits(uint32(varint)))
				return nil
			}
			for len(value) > 0 {
				v, n := protowire.ConsumeFixed32(value)
				if n < 0 {
					return protowire.ParseError(n)
				}
				t.data = append(t.data, math.Float32frombits(v))
				value = value[n:]
			}
		case tensorName:
			t.name = string(value)
		case tensorDocString:
			t.doc = string(value)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if dataType != dataTypeFloat {
		return nil, fmt.Errorf("tensor %s: unsupported data type %d", t.name, dataType)
	}
	if err := checkTensor(t.name, t.shape, t.data); err != nil {
		return nil, err
	}
	return t, nil
}

func decodeONNX(b []byte) (*Checkpoint, error) {
	cp := &Checkpoint{}
	var tensors []*decodedTensor
	meta := make(map[string]string)

	err := walk(b, func(num protowire.Number, _ protowire.Type, value []byte, _ uint64) error {
		switch num {
		case modelProducerName:
			cp.Metadata.Framework = string(value)
		case modelProducerVersion:
			cp.Metadata.Version = string(value)
		case modelDocString:
			cp.Metadata.Description = string(value)
		case modelGraph:
			return walk(value, func(num protowire.Number, _ protowire.Type, value []byte, _ uint64) error {
				if num != graphInitializer {
					return nil
				}
				t, err := decodeTensor(value)
				if err != nil {
					return err
				}
				tensors = append(tensors, t)
				return nil
			})
		case modelMetadataProps:
			var k, v string
			err := walk(value, func(num protowire.Number, _ protowire.Type, value []byte, _ uint64) error {
				switch num {
				case entryKey:
					k = string(value)
				case entryValue:
					v = string(value)
				}
				return nil
			})
			if err != nil {
				return err
			}
			meta[k] = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	cp.Model.Name = meta[keyModelName]
	cp.Model.Arch = meta[keyArch]
	cp.Metadata.RunID = meta[keyRunID]
	if tags := meta[keyTags]; tags != "" {
		cp.Metadata.Tags = strings.Split(tags, ",")
	}
	if s := meta[keyCreatedAt]; s != "" {
		created, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("created_at: %w", err)
		}
		cp.Metadata.CreatedAt = created
	}
	if cp.Model.ParameterCount, err = parseInt64(meta, keyParamCount); err != nil {
		return nil, err
	}
	epoch, err := parseInt64(meta, keyEpoch)
	if err != nil {
		return nil, err
	}
	step, err := parseInt64(meta, keyStep)
	if err != nil {
		return nil, err
	}
	cp.TrainingState.Epoch, cp.TrainingState.Step = int(epoch), int(step)
	if cp.TrainingState.LearningRate, err = parseFloat32(meta, keyLearningRate); err != nil {
		return nil, err
	}
	if cp.TrainingState.LastLoss, err = parseFloat32(meta, keyLastLoss); err != nil {
		return nil, err
	}

	if typ, ok := meta[keyOptType]; ok {
		cp.OptimizerState = &OptimizerState{Type: typ}
		if err := json.Unmarshal([]byte(meta[keyOptParams]), &cp.OptimizerState.Parameters); err != nil {
			return nil, fmt.Errorf("optimizer parameters: %w", err)
		}
	}

	for _, t := range tensors {
		if name, ok := strings.CutPrefix(t.name, optimizerPrefix); ok {
			if cp.OptimizerState == nil {
				return nil, fmt.Errorf("optimizer tensor %s without optimizer metadata", name)
			}
			cp.OptimizerState.StateData = append(cp.OptimizerState.StateData, OptimizerTensor{
				Name: name, Shape: t.shape, Data: t.data, StateType: t.doc,
			})
			continue
		}
		layer := t.name
		if i := strings.LastIndex(t.name, "."); i >= 0 {
			layer = t.name[:i]
		}
		cp.Weights = append(cp.Weights, WeightTensor{
			Name: t.name, Shape: t.shape, Data: t.data, Layer: layer, Type: t.doc,
		})
	}
	return cp, nil
}

func parseInt64(meta map[string]string, key string) (int64, error) {
	s, ok := meta[key]
	if !ok || s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func parseFloat32(meta map[string]string, key string) (float32, error) {
	s, ok := meta[key]
	if !ok || s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 32)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return float32(v), nil
}
