package checkpoints

import (
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tsawler/go-sicnn/models"
	"github.com/tsawler/go-sicnn/tensor"
)

func testResolver(t *testing.T, seed int64) *models.CNNH {
	t.Helper()
	m, err := models.NewResolver(models.ResolverCNNHLite, 2, 4, 4, rand.New(rand.NewSource(seed)))
	if err != nil {
		t.Fatalf("Failed to create test model: %v", err)
	}
	return m
}

func testCheckpoint(m *models.CNNH) *Checkpoint {
	return &Checkpoint{
		Model: ModelInfo{
			Name:           m.Params().Name(),
			Arch:           m.Arch().String(),
			ParameterCount: m.Params().NumElements(),
		},
		Weights: ExtractWeights(m.Params()),
		TrainingState: TrainingState{
			Epoch:        3,
			Step:         120,
			LearningRate: 0.001,
			LastLoss:     0.25,
		},
		OptimizerState: &OptimizerState{
			Type: "SGD",
			Parameters: map[string]interface{}{
				"learning_rate": 0.001,
				"momentum":      0.9,
				"step_count":    120,
			},
			StateData: []OptimizerTensor{
				{Name: "momentum_0", Shape: []int{2, 2}, Data: []float32{1, -2, 3.5, 0}, StateType: "momentum"},
			},
		},
		Metadata: CheckpointMetadata{
			CreatedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			RunID:       NewRunID(),
			Description: "resolver after epoch 3",
			Tags:        []string{"cnn_h", "epoch-3"},
		},
	}
}

func TestCheckpointRoundTripReproducesOutputs(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatJSON, FormatONNX} {
		t.Run(format.String(), func(t *testing.T) {
			src := testResolver(t, 1)
			dst := testResolver(t, 2)
			if src.Params().Fingerprint() == dst.Params().Fingerprint() {
				t.Fatalf("differently seeded models should start with different weights")
			}

			path := filepath.Join(t.TempDir(), "cnn_h"+format.Extension())
			saver := NewCheckpointSaver(format)
			cp := testCheckpoint(src)
			if err := saver.SaveCheckpoint(cp, path); err != nil {
				t.Fatalf("Failed to save checkpoint: %v", err)
			}

			loaded, err := saver.LoadCheckpoint(path)
			if err != nil {
				t.Fatalf("Failed to load checkpoint: %v", err)
			}
			if err := LoadWeights(loaded.Weights, dst.Params()); err != nil {
				t.Fatalf("Failed to load weights: %v", err)
			}
			if src.Params().Fingerprint() != dst.Params().Fingerprint() {
				t.Fatalf("fingerprints differ after restore")
			}

			x, _ := tensor.RandomUniform([]int{1, 3, 4, 4}, -1, 1, rand.New(rand.NewSource(9)))
			want, err := src.Forward(x)
			if err != nil {
				t.Fatalf("forward: %v", err)
			}
			got, err := dst.Forward(x)
			if err != nil {
				t.Fatalf("forward: %v", err)
			}
			if !got.AllClose(want, 0) {
				t.Errorf("restored model output differs")
			}

			if loaded.Model != cp.Model {
				t.Errorf("model info = %+v, want %+v", loaded.Model, cp.Model)
			}
			if loaded.TrainingState != cp.TrainingState {
				t.Errorf("training state = %+v, want %+v", loaded.TrainingState, cp.TrainingState)
			}
			if loaded.Metadata.RunID != cp.Metadata.RunID {
				t.Errorf("run id = %q, want %q", loaded.Metadata.RunID, cp.Metadata.RunID)
			}
			if loaded.Metadata.Framework != "go-sicnn" {
				t.Errorf("framework = %q", loaded.Metadata.Framework)
			}
			if !loaded.Metadata.CreatedAt.Equal(cp.Metadata.CreatedAt) {
				t.Errorf("created at = %v, want %v", loaded.Metadata.CreatedAt, cp.Metadata.CreatedAt)
			}
			if strings.Join(loaded.Metadata.Tags, ",") != "cnn_h,epoch-3" {
				t.Errorf("tags = %v", loaded.Metadata.Tags)
			}
			for i, w := range loaded.Weights {
				if w.Layer != cp.Weights[i].Layer || w.Type != cp.Weights[i].Type {
					t.Errorf("weight %d: layer/type = %s/%s, want %s/%s", i, w.Layer, w.Type, cp.Weights[i].Layer, cp.Weights[i].Type)
				}
			}

			opt := loaded.OptimizerState
			if opt == nil {
				t.Fatalf("optimizer state lost")
			}
			if opt.Type != "SGD" {
				t.Errorf("optimizer type = %q", opt.Type)
			}
			if lr, ok := opt.Parameters["learning_rate"].(float64); !ok || lr != 0.001 {
				t.Errorf("learning_rate parameter = %v", opt.Parameters["learning_rate"])
			}
			if len(opt.StateData) != 1 {
				t.Fatalf("got %d optimizer tensors, want 1", len(opt.StateData))
			}
			st := opt.StateData[0]
			if st.Name != "momentum_0" || st.StateType != "momentum" || st.Data[2] != 3.5 {
				t.Errorf("optimizer tensor = %+v", st)
			}
		})
	}
}

func TestSaveLeavesNoTemporaryFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cnn_h.json")
	if err := NewCheckpointSaver(FormatJSON).SaveCheckpoint(testCheckpoint(testResolver(t, 1)), path); err != nil {
		t.Fatalf("save: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "cnn_h.json" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("directory holds %v, want only cnn_h.json", names)
	}
}

func TestCheckpointErrors(t *testing.T) {
	saver := NewCheckpointSaver(FormatJSON)

	t.Run("NilCheckpoint", func(t *testing.T) {
		if err := saver.SaveCheckpoint(nil, filepath.Join(t.TempDir(), "x.json")); err == nil {
			t.Errorf("expected error saving nil checkpoint")
		}
	})

	t.Run("MissingDirectory", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "missing", "x.json")
		if err := saver.SaveCheckpoint(testCheckpoint(testResolver(t, 1)), path); err == nil {
			t.Errorf("expected error saving into a missing directory")
		}
	})

	t.Run("MissingFile", func(t *testing.T) {
		if _, err := saver.LoadCheckpoint(filepath.Join(t.TempDir(), "nope.json")); err == nil {
			t.Errorf("expected error loading a missing file")
		}
	})

	t.Run("CorruptJSON", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.json")
		if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := saver.LoadCheckpoint(path); err == nil {
			t.Errorf("expected error decoding corrupt JSON")
		}
	})

	t.Run("TruncatedONNX", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "cnn_h.onnx")
		onnx := NewCheckpointSaver(FormatONNX)
		if err := onnx.SaveCheckpoint(testCheckpoint(testResolver(t, 1)), path); err != nil {
			t.Fatalf("save: %v", err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, data[:len(data)/2], 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := onnx.LoadCheckpoint(path); err == nil {
			t.Errorf("expected error decoding a truncated file")
		}
	})

	t.Run("ShapeDataMismatch", func(t *testing.T) {
		cp := testCheckpoint(testResolver(t, 1))
		cp.Weights[0].Data = cp.Weights[0].Data[:1]
		path := filepath.Join(t.TempDir(), "x.onnx")
		if err := NewCheckpointSaver(FormatONNX).SaveCheckpoint(cp, path); err == nil {
			t.Errorf("expected error encoding inconsistent tensor")
		}
	})

	t.Run("UnsupportedFormat", func(t *testing.T) {
		bad := NewCheckpointSaver(CheckpointFormat(99))
		if err := bad.SaveCheckpoint(testCheckpoint(testResolver(t, 1)), filepath.Join(t.TempDir(), "x")); err == nil {
			t.Errorf("expected error for unsupported format")
		}
	})
}

func TestLoadWeightsValidation(t *testing.T) {
	m := testResolver(t, 1)
	weights := ExtractWeights(m.Params())

	t.Run("CountMismatch", func(t *testing.T) {
		if err := LoadWeights(weights[1:], m.Params()); err == nil {
			t.Errorf("expected error for missing weight")
		}
	})

	t.Run("Duplicate", func(t *testing.T) {
		dup := append([]WeightTensor(nil), weights...)
		dup[1] = dup[0]
		if err := LoadWeights(dup, m.Params()); err == nil {
			t.Errorf("expected error for duplicate weight")
		}
	})

	t.Run("WrongShape", func(t *testing.T) {
		bad := append([]WeightTensor(nil), weights...)
		bad[0].Shape = []int{1, 1}
		if err := LoadWeights(bad, m.Params()); err == nil {
			t.Errorf("expected error for wrong shape")
		}
	})

	t.Run("ForeignSet", func(t *testing.T) {
		other, err := models.NewResolver(models.ResolverCNNH, 2, 4, 4, rand.New(rand.NewSource(1)))
		if err != nil {
			t.Fatal(err)
		}
		if err := LoadWeights(weights, other.Params()); err == nil {
			t.Errorf("expected error loading lite weights into full resolver")
		}
	})
}

func TestExtractWeightsCopies(t *testing.T) {
	m := testResolver(t, 1)
	weights := ExtractWeights(m.Params())
	before := m.Params().Fingerprint()
	weights[0].Data[0] += 1
	if m.Params().Fingerprint() != before {
		t.Errorf("mutating extracted weights changed the model")
	}
}

func TestCheckpointFormatString(t *testing.T) {
	tests := []struct {
		format CheckpointFormat
		name   string
		ext    string
	}{
		{FormatJSON, "JSON", ".json"},
		{FormatONNX, "ONNX", ".onnx"},
		{CheckpointFormat(99), "Unknown", ".json"},
	}
	for _, tt := range tests {
		if got := tt.format.String(); got != tt.name {
			t.Errorf("String() = %q, want %q", got, tt.name)
		}
		if got := tt.format.Extension(); got != tt.ext {
			t.Errorf("Extension() = %q, want %q", got, tt.ext)
		}
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    CheckpointFormat
		wantErr bool
	}{
		{"", FormatJSON, false},
		{"json", FormatJSON, false},
		{" ONNX ", FormatONNX, false},
		{"pb", FormatONNX, false},
		{"yaml", FormatJSON, true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFormat(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseFormat(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	if FormatForPath("a/b/cnn_r.ONNX") != FormatONNX || FormatForPath("x.json") != FormatJSON {
		t.Errorf("FormatForPath picked the wrong format")
	}
}

func TestNewRunIDUnique(t *testing.T) {
	a, b := NewRunID(), NewRunID()
	if a == b || len(a) != 36 {
		t.Errorf("run ids %q and %q", a, b)
	}
}
