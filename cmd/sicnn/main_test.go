package main

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/tsawler/go-sicnn/checkpoints"
	"github.com/tsawler/go-sicnn/config"
	"github.com/tsawler/go-sicnn/models"
	"github.com/tsawler/go-sicnn/tensor"
	"github.com/tsawler/go-sicnn/vision/preprocessing"
)

const (
	testSize   = 16
	testFactor = 2
)

func writeNoisy(t *testing.T, path string, w, h int, rng *rand.Rand) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(rng.Intn(256)), uint8(rng.Intn(256)), uint8(rng.Intn(256)), 255})
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := preprocessing.SavePNG(path, img); err != nil {
		t.Fatal(err)
	}
}

func pngSize(t *testing.T, path string) (int, int) {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	cfg, err := png.DecodeConfig(f)
	if err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return cfg.Width, cfg.Height
}

func TestPrepare(t *testing.T) {
	root := t.TempDir()
	rng := rand.New(rand.NewSource(1))
	src := filepath.Join(root, "aligned")
	writeNoisy(t, filepath.Join(src, "Alice", "Face01.JPG"), 40, 48, rng)
	writeNoisy(t, filepath.Join(src, "bob", "2.png"), 20, 20, rng)
	if err := os.WriteFile(filepath.Join(src, "bob", "broken.jpeg"), []byte("not an image"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "notes.txt"), []byte("ignored"), 0644); err != nil {
		t.Fatal(err)
	}

	o := prepareOptions{
		Src:     src,
		HR:      filepath.Join(root, "HR"),
		LR:      filepath.Join(root, "LR"),
		Factor:  4,
		Width:   24,
		Height:  28,
		Workers: 2,
	}
	n, err := runPrepare(context.Background(), o, zerolog.Nop())
	if err != nil {
		t.Fatalf("runPrepare: %v", err)
	}
	if n != 2 {
		t.Errorf("prepared %d images, want 2", n)
	}

	for _, name := range []string{"alice/face01.png", "bob/2.png"} {
		if w, h := pngSize(t, filepath.Join(o.HR, filepath.FromSlash(name))); w != 24 || h != 28 {
			t.Errorf("HR %s is %dx%d", name, w, h)
		}
		if w, h := pngSize(t, filepath.Join(o.LR, filepath.FromSlash(name))); w != 6 || h != 7 {
			t.Errorf("LR %s is %dx%d", name, w, h)
		}
	}

	t.Run("downscale existing HR", func(t *testing.T) {
		lr := filepath.Join(root, "LR2")
		n, err := runPrepare(context.Background(), prepareOptions{
			HR: o.HR, LR: lr, Factor: 4, Width: 24, Height: 28,
		}, zerolog.Nop())
		if err != nil {
			t.Fatal(err)
		}
		if n != 2 {
			t.Errorf("prepared %d images, want 2", n)
		}
		if w, h := pngSize(t, filepath.Join(lr, "bob", "2.png")); w != 6 || h != 7 {
			t.Errorf("LR is %dx%d", w, h)
		}
	})

	t.Run("invalid", func(t *testing.T) {
		cases := []prepareOptions{
			{LR: "x", Factor: 4, Width: 24, Height: 28},
			{HR: "x", LR: "y", Factor: 5, Width: 24, Height: 28},
			{HR: "x", LR: "y", Factor: 0, Width: 24, Height: 28},
		}
		for _, c := range cases {
			if _, err := runPrepare(context.Background(), c, zerolog.Nop()); err == nil {
				t.Errorf("expected error for %+v", c)
			}
		}
	})
}

func TestTrainFlagsApply(t *testing.T) {
	set := map[string]bool{
		"epochs": true, "lr-feature": true, "feature-arch": true,
		"train-dir": true, "checkpoint-format": true, "seed": true,
	}
	f := trainFlags{
		epochs:      3,
		batchSize:   99, // not marked as changed
		lrFeature:   0.5,
		featureArch: "sphere_mini",
		trainDir:    "/data/train",
		format:      "onnx",
		seed:        7,
	}
	cfg := config.Default()
	if err := f.apply(&cfg, func(name string) bool { return set[name] }); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cfg.Epochs != 3 || cfg.LRFeature != 0.5 || cfg.TrainDir != "/data/train" || cfg.Seed != 7 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.FeatureArch != models.FeatureSphereMini || cfg.CheckpointFormat != checkpoints.FormatONNX {
		t.Errorf("enum overrides not applied: %v %v", cfg.FeatureArch, cfg.CheckpointFormat)
	}
	if cfg.BatchSize != config.Default().BatchSize {
		t.Errorf("unchanged flag overrode batch size: %d", cfg.BatchSize)
	}

	f.resolverArch = "srgan"
	set["resolver-arch"] = true
	err := f.apply(&cfg, func(name string) bool { return set[name] })
	if !errors.Is(err, models.ErrUnknownArch) {
		t.Errorf("unknown architecture error = %v", err)
	}
}

// newTinyRun lays out a dataset of two identities and a small test set.
func newTinyRun(t *testing.T) config.Config {
	t.Helper()
	root := t.TempDir()
	rng := rand.New(rand.NewSource(5))
	for _, name := range []string{"ann/1.png", "ann/2.png", "ben/1.png", "ben/2.png"} {
		writeNoisy(t, filepath.Join(root, "train", "HR", filepath.FromSlash(name)), testSize, testSize, rng)
		writeNoisy(t, filepath.Join(root, "train", "LR", filepath.FromSlash(name)), testSize/testFactor, testSize/testFactor, rng)
	}
	for _, name := range []string{"p1.png", "p2.png", "p3.png"} {
		writeNoisy(t, filepath.Join(root, "test", "valid_HR", name), testSize, testSize, rng)
		writeNoisy(t, filepath.Join(root, "test", "valid_LR", name), testSize/testFactor, testSize/testFactor, rng)
	}

	cfg := config.Default()
	cfg.BatchSize = 2
	cfg.TestBatchSize = 2
	cfg.Epochs = 1
	cfg.Threads = 2
	cfg.UpscaleFactor = testFactor
	cfg.LRResolver = 0.01
	cfg.LRFeature = 0.1
	cfg.Alpha = 1
	cfg.TrainDir = filepath.Join(root, "train")
	cfg.TestDir = filepath.Join(root, "test")
	cfg.ResultDir = filepath.Join(root, "results")
	cfg.ModelDir = filepath.Join(root, "models")
	cfg.ResolverArch = models.ResolverCNNHLite
	cfg.FeatureArch = models.FeatureSphereMini
	cfg.HRWidth = testSize
	cfg.HRHeight = testSize
	return cfg
}

func glob(t *testing.T, pattern string) []string {
	t.Helper()
	m, err := filepath.Glob(pattern)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestTrainAndScore(t *testing.T) {
	cfg := newTinyRun(t)
	var out bytes.Buffer
	if err := runTrain(context.Background(), cfg, resumeFiles{}, &out, zerolog.Nop()); err != nil {
		t.Fatalf("runTrain: %v", err)
	}

	resolvers := glob(t, filepath.Join(cfg.ModelDir, "cnn_h_epoch_1_*.json"))
	features := glob(t, filepath.Join(cfg.ModelDir, "cnn_r_epoch_1_*.json"))
	renders := glob(t, filepath.Join(cfg.ResultDir, "output_1_*"))
	if len(resolvers) != 1 || len(features) != 1 || len(renders) != 1 {
		t.Fatalf("artifacts: %v %v %v", resolvers, features, renders)
	}
	for _, name := range []string{"p1.png", "p2.png", "p3.png"} {
		if w, h := pngSize(t, filepath.Join(renders[0], name)); w != testSize || h != testSize {
			t.Errorf("render %s is %dx%d", name, w, h)
		}
	}
	report := out.String()
	if !strings.Contains(report, "epoch 1, live network:") || !strings.Contains(report, " -  files: 3") {
		t.Errorf("training report missing evaluation:\n%s", report)
	}
	if strings.Contains(report, "reference network") {
		t.Error("no reference was configured")
	}

	t.Run("resume with reference", func(t *testing.T) {
		next := cfg
		next.Epochs = 2
		next.ReferenceCheckpoint = features[0]
		var out bytes.Buffer
		err := runTrain(context.Background(), next, resumeFiles{Resolver: resolvers[0], Feature: features[0]}, &out, zerolog.Nop())
		if err != nil {
			t.Fatalf("resumed runTrain: %v", err)
		}
		if n := len(glob(t, filepath.Join(cfg.ModelDir, "cnn_h_epoch_*.json"))); n != 2 {
			t.Errorf("%d resolver checkpoints after resuming, want 2", n)
		}
		if strings.Contains(out.String(), "epoch 1,") {
			t.Error("resumed run repeated epoch 1")
		}
		if !strings.Contains(out.String(), "epoch 2, reference network:") {
			t.Errorf("missing reference report:\n%s", out.String())
		}
	})

	t.Run("score", func(t *testing.T) {
		var out bytes.Buffer
		err := runScore(context.Background(), scoreOptions{
			SR:          renders[0],
			HR:          cfg.TestHR(),
			LR:          cfg.TestLR(),
			Net:         "sphere_mini",
			Model:       features[0],
			Accelerator: "cpu",
			Factor:      testFactor,
			Width:       testSize,
			Height:      testSize,
		}, &out, zerolog.Nop())
		if err != nil {
			t.Fatalf("runScore: %v", err)
		}
		if !strings.Contains(out.String(), " -  files: 3") || !strings.Contains(out.String(), " -  score: ") {
			t.Errorf("score report:\n%s", out.String())
		}
	})

	t.Run("score rejects wrong network", func(t *testing.T) {
		err := runScore(context.Background(), scoreOptions{
			SR: renders[0], HR: cfg.TestHR(), LR: cfg.TestLR(),
			Net: "sphere20a", Model: features[0], Accelerator: "cpu",
			Factor: testFactor, Width: testSize, Height: testSize,
		}, &bytes.Buffer{}, zerolog.Nop())
		if err == nil {
			t.Error("expected architecture mismatch")
		}
	})
}

func TestTrainErrors(t *testing.T) {
	t.Run("accelerator", func(t *testing.T) {
		cfg := newTinyRun(t)
		cfg.Accelerator = tensor.GPU
		err := runTrain(context.Background(), cfg, resumeFiles{}, &bytes.Buffer{}, zerolog.Nop())
		if !errors.Is(err, tensor.ErrAcceleratorUnavailable) {
			t.Errorf("err = %v, want ErrAcceleratorUnavailable", err)
		}
	})

	t.Run("batch larger than training set", func(t *testing.T) {
		cfg := newTinyRun(t)
		cfg.BatchSize = 5
		if err := runTrain(context.Background(), cfg, resumeFiles{}, &bytes.Buffer{}, zerolog.Nop()); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("missing test set", func(t *testing.T) {
		cfg := newTinyRun(t)
		cfg.TestDir = filepath.Join(t.TempDir(), "absent")
		if err := runTrain(context.Background(), cfg, resumeFiles{}, &bytes.Buffer{}, zerolog.Nop()); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		cfg := newTinyRun(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := runTrain(ctx, cfg, resumeFiles{}, &bytes.Buffer{}, zerolog.Nop()); !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	})
}
