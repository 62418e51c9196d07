package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-sicnn/observability"
	"github.com/tsawler/go-sicnn/vision/preprocessing"
)

type prepareOptions struct {
	// Src holds aligned faces to crop into HR. When empty, HR is read as is.
	Src     string
	HR      string
	LR      string
	Factor  int
	Width   int
	Height  int
	Workers int
}

func newPrepareCmd() *cobra.Command {
	var (
		o        prepareOptions
		logLevel string
	)
	cmd := &cobra.Command{
		Use:   "prepare",
		Short: "Build HR and LR image sets from aligned faces",
		Long: "prepare writes every image under --src to --hr at the HR crop size and " +
			"its bicubic downscale to --lr. Without --src the images already in --hr are " +
			"downscaled. Output names are lower case with a .png extension.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := observability.InitLogger("sicnn", logLevel)
			if err != nil {
				return err
			}
			n, err := runPrepare(cmd.Context(), o, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "prepared %d images\n", n)
			return nil
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&o.Src, "src", "", "aligned face images")
	fl.StringVar(&o.HR, "hr", "", "high-resolution output directory")
	fl.StringVar(&o.LR, "lr", "", "low-resolution output directory")
	fl.IntVar(&o.Factor, "factor", 4, "downscale factor from HR to LR")
	fl.IntVar(&o.Width, "hr-width", 96, "HR crop width")
	fl.IntVar(&o.Height, "hr-height", 112, "HR crop height")
	fl.IntVar(&o.Workers, "threads", 8, "concurrent conversions")
	fl.StringVar(&logLevel, "log-level", "info", "zerolog level")
	_ = cmd.MarkFlagRequired("hr")
	_ = cmd.MarkFlagRequired("lr")
	return cmd
}

// runPrepare returns the number of images written. Files that cannot be
// decoded are logged and skipped.
func runPrepare(ctx context.Context, o prepareOptions, logger zerolog.Logger) (int, error) {
	if o.HR == "" || o.LR == "" {
		return 0, errors.New("prepare needs --hr and --lr")
	}
	if o.Factor <= 0 || o.Width <= 0 || o.Height <= 0 {
		return 0, fmt.Errorf("invalid size %dx%d / %d", o.Width, o.Height, o.Factor)
	}
	if o.Width%o.Factor != 0 || o.Height%o.Factor != 0 {
		return 0, fmt.Errorf("HR size %dx%d is not divisible by factor %d", o.Width, o.Height, o.Factor)
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	src := o.Src
	if src == "" {
		src = o.HR
	}

	var files []string
	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && preprocessing.IsImageFile(d.Name()) {
			rel, err := filepath.Rel(src, p)
			if err != nil {
				return err
			}
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", src, err)
	}

	var written atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.Workers)
	for _, rel := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ok, err := prepareOne(o, src, rel)
			if err != nil {
				return err
			}
			if !ok {
				logger.Warn().Str("path", filepath.Join(src, rel)).Msg("skipping undecodable image")
				return nil
			}
			written.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(written.Load()), err
	}
	logger.Info().Int("images", int(written.Load())).Str("hr", o.HR).Str("lr", o.LR).Msg("prepared")
	return int(written.Load()), nil
}

// prepareOne reports false when the source is not a decodable image.
func prepareOne(o prepareOptions, src, rel string) (bool, error) {
	img, err := preprocessing.LoadImage(filepath.Join(src, rel))
	if err != nil {
		return false, nil
	}
	// New HR files are named like their LR twins. Existing HR files keep
	// their names so the pairs still line up.
	name := preprocessing.PNGName(rel)
	if o.Src != "" {
		name = preprocessing.PNGName(strings.ToLower(rel))
	}

	hr := preprocessing.Resize(img, o.Width, o.Height)
	if o.Src != "" {
		if err := writePNG(filepath.Join(o.HR, name), hr); err != nil {
			return false, err
		}
	}
	lr := preprocessing.Resize(hr, o.Width/o.Factor, o.Height/o.Factor)
	if err := writePNG(filepath.Join(o.LR, name), lr); err != nil {
		return false, err
	}
	return true, nil
}

func writePNG(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return preprocessing.SavePNG(path, img)
}
