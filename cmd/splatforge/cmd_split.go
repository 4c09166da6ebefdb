package main

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ent0n29/splatforge/internal/app"
	"github.com/ent0n29/splatforge/internal/config"
	"github.com/ent0n29/splatforge/internal/imageio"
	"github.com/ent0n29/splatforge/internal/observability"
	"github.com/ent0n29/splatforge/internal/segment"
)

var (
	splitOutDir     string
	splitPreprocess bool
)

func init() {
	splitCmd.Flags().StringVarP(&splitOutDir, "out", "o", ".", "directory for the extracted views")
	splitCmd.Flags().BoolVar(&splitPreprocess, "preprocess", false, "run background removal on each view with the configured engine")
	rootCmd.AddCommand(splitCmd)
}

var splitCmd = &cobra.Command{
	Use:   "split <composite.png>",
	Short: "Cut a side-by-side multi-view image into one PNG per view",
	Args:  cobra.ExactArgs(1),
	RunE:  runSplit,
}

func runSplit(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	img, err := imageio.Decode(data)
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}

	views, err := splitViews(cmd.Context(), img)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(splitOutDir, 0o755); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for i, v := range views {
		name := filepath.Join(splitOutDir, fmt.Sprintf("view_%02d_%d-%d.png", i, v.Start, v.End))
		f, err := os.Create(name)
		if err != nil {
			return err
		}
		if err := imageio.EncodePNG(f, v.Image); err != nil {
			f.Close()
			return fmt.Errorf("write %s: %w", name, err)
		}
		if err := f.Close(); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\tcolumns %d-%d\t%dx%d\n", name, v.Start, v.End, v.Image.Bounds().Dx(), v.Image.Bounds().Dy())
	}
	if len(views) == 0 {
		fmt.Fprintln(out, "no visible views found")
	}
	return nil
}

func splitViews(ctx context.Context, img image.Image) ([]segment.SubImage, error) {
	if !splitPreprocess {
		return segment.Split(img), nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	observability.InitLogger(cfg.LogLevel, "console")
	eng, err := app.NewEngine(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer eng.Close()
	return segment.SplitAndPreprocess(ctx, img, eng)
}
