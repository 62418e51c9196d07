// Package evaluation scores super-resolved faces by how well a frozen
// recognition network still matches them to the ground truth, relative to a
// plain bicubic upscale of the low-resolution input.
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"io/fs"
	"math"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-sicnn/models"
	"github.com/tsawler/go-sicnn/tensor"
	"github.com/tsawler/go-sicnn/vision/preprocessing"
)

// Epsilon keeps the cosine finite for zero-norm embeddings.
const Epsilon = 1e-5

// ErrMissingMatch is returned when an HR file has no SR or LR counterpart.
var ErrMissingMatch = errors.New("missing matching file")

// ErrNoImages is returned when the HR directory holds no images.
var ErrNoImages = errors.New("no images to evaluate")

// Dirs names the three directories of one evaluation.
type Dirs struct {
	SR string
	HR string
	LR string
}

// Options configures an evaluation run.
type Options struct {
	// UpscaleFactor enlarges LR images before comparison. Defaults to 4.
	UpscaleFactor int
	Logger        zerolog.Logger
}

// Similarity is the pair of cosines measured for one file.
type Similarity struct {
	Name    string
	SR      float64
	Bicubic float64
}

// ScoreRecord aggregates the similarities of an evaluation run.
type ScoreRecord struct {
	Count      int
	SumSR      float64
	SumBicubic float64
	MinSR      float64
	MaxSR      float64
	MinBicubic float64
	MaxBicubic float64
	// FileScore sums ((sr-bic)/(1-bic))^2 over files.
	FileScore float64
	// Score is 18*(meanSR-meanBic)^2/(0.65-meanBic)^2.
	Score float64
}

func (r *ScoreRecord) MeanSR() float64      { return r.SumSR / float64(r.Count) }
func (r *ScoreRecord) MeanBicubic() float64 { return r.SumBicubic / float64(r.Count) }

// Cosine returns dot(a, b) / (|a||b| + Epsilon).
func Cosine(a, b []float64) float64 {
	return floats.Dot(a, b) / (floats.Norm(a, 2)*floats.Norm(b, 2) + Epsilon)
}

// Accumulate folds per-file similarities into a ScoreRecord.
func Accumulate(sims []Similarity) (*ScoreRecord, error) {
	if len(sims) == 0 {
		return nil, ErrNoImages
	}
	r := &ScoreRecord{
		MinSR: math.Inf(1), MaxSR: math.Inf(-1),
		MinBicubic: math.Inf(1), MaxBicubic: math.Inf(-1),
	}
	for _, s := range sims {
		r.Count++
		r.SumSR += s.SR
		r.SumBicubic += s.Bicubic
		r.MinSR = math.Min(r.MinSR, s.SR)
		r.MaxSR = math.Max(r.MaxSR, s.SR)
		r.MinBicubic = math.Min(r.MinBicubic, s.Bicubic)
		r.MaxBicubic = math.Max(r.MaxBicubic, s.Bicubic)
		r.FileScore += ratioSquared(s.SR-s.Bicubic, 1-s.Bicubic)
	}
	r.Score = 18 * ratioSquared(r.MeanSR()-r.MeanBicubic(), 0.65-r.MeanBicubic())
	return r, nil
}

// ratioSquared is (num/den)^2, with 0/0 taken as 0.
func ratioSquared(num, den float64) float64 {
	if num == 0 {
		return 0
	}
	q := num / den
	return q * q
}

// WriteReport prints the record in the layout of the training log.
func (r *ScoreRecord) WriteReport(w io.Writer) error {
	_, err := fmt.Fprintf(w,
		" -  files: %d\n -  ave: %.6f / %.6f\n -  min: %.6f / %.6f\n -  max: %.6f / %.6f\n -  score: %.6f\n",
		r.Count,
		r.MeanSR(), r.MeanBicubic(),
		r.MinSR, r.MinBicubic,
		r.MaxSR, r.MaxBicubic,
		r.Score)
	return err
}

// Evaluate compares every image under dirs.HR with the same-named image
// under dirs.SR and with the bicubic upscale of its dirs.LR counterpart.
// Names may differ in extension. Files are visited in sorted order.
func Evaluate(ctx context.Context, dirs Dirs, model models.Embedder, opts Options) (*ScoreRecord, error) {
	if opts.UpscaleFactor <= 0 {
		opts.UpscaleFactor = 4
	}
	logger := opts.Logger.With().Str("component", "evaluation").Logger()

	names, err := listImages(dirs.HR)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%s: %w", dirs.HR, ErrNoImages)
	}

	sims := make([]Similarity, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sim, err := scoreFile(dirs, name, model, opts.UpscaleFactor)
		if err != nil {
			return nil, err
		}
		logger.Debug().Str("path", name).Float64("sr", sim.SR).Float64("bicubic", sim.Bicubic).Msg("scored")
		sims = append(sims, sim)
	}

	record, err := Accumulate(sims)
	if err != nil {
		return nil, err
	}
	logger.Info().
		Int("files", record.Count).
		Float64("mean_sr", record.MeanSR()).
		Float64("mean_bicubic", record.MeanBicubic()).
		Float64("score", record.Score).
		Msg("evaluation finished")
	return record, nil
}

func scoreFile(dirs Dirs, name string, model models.Embedder, factor int) (Similarity, error) {
	srPath, err := findMatch(dirs.SR, name)
	if err != nil {
		return Similarity{}, err
	}
	lrPath, err := findMatch(dirs.LR, name)
	if err != nil {
		return Similarity{}, err
	}

	hrImg, err := preprocessing.LoadImage(filepath.Join(dirs.HR, filepath.FromSlash(name)))
	if err != nil {
		return Similarity{}, err
	}
	srImg, err := preprocessing.LoadImage(srPath)
	if err != nil {
		return Similarity{}, err
	}
	lrImg, err := preprocessing.LoadImage(lrPath)
	if err != nil {
		return Similarity{}, err
	}

	b := hrImg.Bounds()
	w, h := b.Dx(), b.Dy()
	lb := lrImg.Bounds()
	bicubic := preprocessing.Resize(lrImg, lb.Dx()*factor, lb.Dy()*factor)

	// Stack HR, SR and bicubic into one batch of three.
	proc := preprocessing.NewImageProcessor(w, h)
	plane := 3 * w * h
	data := make([]float32, 0, 3*plane)
	for _, img := range []image.Image{hrImg, srImg, bicubic} {
		p, err := proc.Preprocess(img)
		if err != nil {
			return Similarity{}, fmt.Errorf("%s: %w", name, err)
		}
		data = append(data, p.Data...)
	}
	batch, err := tensor.NewTensor([]int{3, 3, h, w}, data)
	if err != nil {
		return Similarity{}, err
	}

	emb, err := model.Embed(batch)
	if err != nil {
		return Similarity{}, fmt.Errorf("embed %s: %w", name, err)
	}
	vecs := make([][]float64, 3)
	for i := range vecs {
		row, err := emb.Row(i)
		if err != nil {
			return Similarity{}, err
		}
		vecs[i] = toFloat64(row)
	}
	return Similarity{
		Name:    name,
		SR:      Cosine(vecs[0], vecs[1]),
		Bicubic: Cosine(vecs[0], vecs[2]),
	}, nil
}

// findMatch locates name under dir, accepting any image extension for the
// same stem.
func findMatch(dir, name string) (string, error) {
	exact := filepath.Join(dir, filepath.FromSlash(name))
	if fileExists(exact) {
		return exact, nil
	}
	stem := strings.TrimSuffix(name, path.Ext(name))
	for _, ext := range preprocessing.Extensions {
		candidate := filepath.Join(dir, filepath.FromSlash(stem+ext))
		if fileExists(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%s has no counterpart in %s: %w", name, dir, ErrMissingMatch)
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

// listImages returns slash-separated image paths under root, sorted.
func listImages(root string) ([]string, error) {
	var names []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !preprocessing.IsImageFile(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", root, err)
	}
	return names, nil
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
