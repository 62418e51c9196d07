package dataloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/tsawler/go-sicnn/vision/dataset"
	"github.com/tsawler/go-sicnn/vision/preprocessing"
)

// MockDataset implements the Dataset interface over files written to a temp dir.
type MockDataset struct {
	items []dataset.Item
}

func (md *MockDataset) Len() int { return len(md.items) }

func (md *MockDataset) Item(index int) (dataset.Item, error) {
	if index < 0 || index >= len(md.items) {
		return dataset.Item{}, fmt.Errorf("index %d out of range [0, %d)", index, len(md.items))
	}
	return md.items[index], nil
}

func writeSolidPNG(t *testing.T, path string, w, h int, v uint8) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
}

// newMockDataset writes n HR (8x8) and LR (4x4) pairs. Item i is filled with
// value 10*i; items listed in corrupt hold garbage instead of an HR image.
func newMockDataset(t *testing.T, n int, corrupt ...int) *MockDataset {
	t.Helper()
	dir := t.TempDir()
	bad := make(map[int]bool)
	for _, c := range corrupt {
		bad[c] = true
	}
	md := &MockDataset{}
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("face_%02d.png", i)
		hr := filepath.Join(dir, "hr_"+name)
		lr := filepath.Join(dir, "lr_"+name)
		if bad[i] {
			if err := os.WriteFile(hr, []byte("not a png"), 0644); err != nil {
				t.Fatal(err)
			}
		} else {
			writeSolidPNG(t, hr, 8, 8, uint8(10*i))
		}
		writeSolidPNG(t, lr, 4, 4, uint8(10*i))
		md.items = append(md.items, dataset.Item{HRPath: hr, LRPath: lr, Label: i % 3, Name: name})
	}
	return md
}

func testConfig(bs int, dropLast bool) Config {
	return Config{
		BatchSize:     bs,
		DropLast:      dropLast,
		NumWorkers:    3,
		MaxCacheSize:  64,
		HRWidth:       8,
		HRHeight:      8,
		UpscaleFactor: 2,
		Logger:        zerolog.Nop(),
	}
}

func drain(t *testing.T, src Source) [][]string {
	t.Helper()
	var out [][]string
	for {
		b, err := src.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, b.Names)
	}
}

func TestDataLoaderBatching(t *testing.T) {
	ds := newMockDataset(t, 5)

	t.Run("DropLast", func(t *testing.T) {
		dl, err := NewDataLoader(ds, testConfig(2, true))
		if err != nil {
			t.Fatal(err)
		}
		if dl.Len() != 2 {
			t.Errorf("Len() = %d, want 2", dl.Len())
		}
		batches := drain(t, dl)
		if len(batches) != 2 || len(batches[1]) != 2 {
			t.Fatalf("batches = %v", batches)
		}
	})

	t.Run("KeepLast", func(t *testing.T) {
		dl, err := NewDataLoader(ds, testConfig(2, false))
		if err != nil {
			t.Fatal(err)
		}
		if dl.Len() != 3 {
			t.Errorf("Len() = %d, want 3", dl.Len())
		}
		batches := drain(t, dl)
		if len(batches) != 3 || len(batches[2]) != 1 || batches[2][0] != "face_04.png" {
			t.Fatalf("batches = %v", batches)
		}
	})
}

func TestDataLoaderBatchContents(t *testing.T) {
	ds := newMockDataset(t, 4)
	dl, err := NewDataLoader(ds, testConfig(4, true))
	if err != nil {
		t.Fatal(err)
	}
	b, err := dl.Next(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if got := b.HR.Shape; len(got) != 4 || got[0] != 4 || got[1] != 3 || got[2] != 8 || got[3] != 8 {
		t.Fatalf("HR shape = %v", got)
	}
	if got := b.LR.Shape; got[2] != 4 || got[3] != 4 {
		t.Fatalf("LR shape = %v", got)
	}
	if b.Size() != 4 {
		t.Errorf("Size() = %d", b.Size())
	}

	// Slots keep dataset order even though decodes run concurrently.
	hrPer, lrPer := 3*8*8, 3*4*4
	for i := 0; i < 4; i++ {
		want := preprocessing.Normalize(uint8(10 * i))
		if b.HR.Data[i*hrPer] != want || b.LR.Data[i*lrPer+lrPer-1] != want {
			t.Errorf("sample %d: HR %v LR %v, want %v", i, b.HR.Data[i*hrPer], b.LR.Data[i*lrPer+lrPer-1], want)
		}
		if b.Labels[i] != i%3 || b.Names[i] != fmt.Sprintf("face_%02d.png", i) {
			t.Errorf("sample %d: label %d name %s", i, b.Labels[i], b.Names[i])
		}
	}
}

func TestDataLoaderSkipsCorruptItems(t *testing.T) {
	ds := newMockDataset(t, 5, 1)
	var logs bytes.Buffer
	cfg := testConfig(2, true)
	cfg.Logger = zerolog.New(&logs)

	dl, err := NewDataLoader(ds, cfg)
	if err != nil {
		t.Fatal(err)
	}
	batches := drain(t, dl)
	want := [][]string{{"face_00.png", "face_02.png"}, {"face_03.png", "face_04.png"}}
	if fmt.Sprint(batches) != fmt.Sprint(want) {
		t.Fatalf("batches = %v, want %v", batches, want)
	}
	if !strings.Contains(logs.String(), "skipping undecodable item") || !strings.Contains(logs.String(), "hr_face_01.png") {
		t.Errorf("skip was not logged with its path: %s", logs.String())
	}
}

func TestDataLoaderResetAndCache(t *testing.T) {
	ds := newMockDataset(t, 4)
	dl, err := NewDataLoader(ds, testConfig(2, true))
	if err != nil {
		t.Fatal(err)
	}
	first := drain(t, dl)
	if cur, total := dl.Progress(); cur != 4 || total != 4 {
		t.Errorf("Progress() = %d/%d", cur, total)
	}

	dl.Reset()
	second := drain(t, dl)
	if fmt.Sprint(first) != fmt.Sprint(second) {
		t.Errorf("epochs differ: %v vs %v", first, second)
	}
	stats := dl.GetCacheManager().Stats()
	if stats.Hits != 8 {
		t.Errorf("second epoch should be served from cache, stats %s", dl.Stats())
	}
}

func TestDataLoaderShuffleIsSeeded(t *testing.T) {
	ds := newMockDataset(t, 6)
	cfg := testConfig(6, true)
	cfg.Shuffle = true
	cfg.Seed = 42

	a, _ := NewDataLoader(ds, cfg)
	b, _ := NewDataLoader(ds, cfg)
	if fmt.Sprint(drain(t, a)) != fmt.Sprint(drain(t, b)) {
		t.Errorf("same seed produced different orders")
	}
}

func TestDataLoaderCancelled(t *testing.T) {
	dl, err := NewDataLoader(newMockDataset(t, 2), testConfig(2, true))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := dl.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestDataLoaderConfigValidation(t *testing.T) {
	ds := &MockDataset{}
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"ZeroBatch", func(c *Config) { c.BatchSize = 0 }},
		{"ZeroFactor", func(c *Config) { c.UpscaleFactor = 0 }},
		{"NoSize", func(c *Config) { c.HRWidth = 0 }},
		{"Indivisible", func(c *Config) { c.UpscaleFactor = 3 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(2, true)
			tt.modify(&cfg)
			if _, err := NewDataLoader(ds, cfg); err == nil {
				t.Errorf("expected error")
			}
		})
	}
}

func TestPrefetcher(t *testing.T) {
	ds := newMockDataset(t, 5)
	direct, _ := NewDataLoader(ds, testConfig(2, false))
	want := drain(t, direct)

	dl, _ := NewDataLoader(ds, testConfig(2, false))
	p := NewPrefetcher(dl)
	defer p.Close()

	if p.Len() != 3 {
		t.Errorf("Len() = %d", p.Len())
	}
	if got := drain(t, p); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("prefetched %v, want %v", got, want)
	}
	if _, err := p.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("EOF should persist until Reset, got %v", err)
	}

	p.Reset()
	if got := drain(t, p); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("after Reset got %v, want %v", got, want)
	}

	// Reset in the middle of an epoch discards the batch held ahead.
	p.Reset()
	if _, err := p.Next(context.Background()); err != nil {
		t.Fatal(err)
	}
	p.Reset()
	if got := drain(t, p); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("after mid-epoch Reset got %v, want %v", got, want)
	}
}
