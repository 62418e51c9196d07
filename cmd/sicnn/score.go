package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tsawler/go-sicnn/evaluation"
	"github.com/tsawler/go-sicnn/models"
	"github.com/tsawler/go-sicnn/observability"
	"github.com/tsawler/go-sicnn/tensor"
	"github.com/tsawler/go-sicnn/training"
)

type scoreOptions struct {
	SR, HR, LR  string
	Net         string
	Model       string
	Accelerator string
	Factor      int
	Width       int
	Height      int
}

func newScoreCmd() *cobra.Command {
	var (
		o        scoreOptions
		logLevel string
	)
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score super-resolved faces against a frozen recognition network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := observability.InitLogger("sicnn", logLevel)
			if err != nil {
				return err
			}
			return runScore(cmd.Context(), o, cmd.OutOrStdout(), logger)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&o.SR, "sr", "", "super-resolved images")
	fl.StringVar(&o.HR, "hr", "", "ground-truth images")
	fl.StringVar(&o.LR, "lr", "", "low-resolution inputs")
	fl.StringVar(&o.Net, "net", models.FeatureSphere20a.String(), "reference network architecture")
	fl.StringVar(&o.Model, "model", "", "reference network checkpoint")
	fl.StringVar(&o.Accelerator, "accelerator", "cpu", "cpu or gpu")
	fl.IntVar(&o.Factor, "factor", 4, "upscale factor between LR and HR")
	fl.IntVar(&o.Width, "hr-width", 96, "HR width the network was built for")
	fl.IntVar(&o.Height, "hr-height", 112, "HR height the network was built for")
	fl.StringVar(&logLevel, "log-level", "info", "zerolog level")
	for _, name := range []string{"sr", "hr", "lr", "model"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func runScore(ctx context.Context, o scoreOptions, out io.Writer, logger zerolog.Logger) error {
	if o.SR == "" || o.HR == "" || o.LR == "" || o.Model == "" {
		return errors.New("score needs --sr, --hr, --lr and --model")
	}
	device, err := tensor.ParseDevice(o.Accelerator)
	if err != nil {
		return err
	}
	if err := tensor.ProbeDevice(device); err != nil {
		return err
	}
	arch, err := models.ParseFeatureArch(o.Net)
	if err != nil {
		return err
	}
	ref, err := training.LoadReference(o.Model, arch, o.Height, o.Width)
	if err != nil {
		return err
	}

	record, err := evaluation.Evaluate(ctx, evaluation.Dirs{SR: o.SR, HR: o.HR, LR: o.LR}, ref,
		evaluation.Options{UpscaleFactor: o.Factor, Logger: logger})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s vs %s:\n", o.SR, o.HR)
	return record.WriteReport(out)
}
