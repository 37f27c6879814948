package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/scalerd/internal/config"
	"github.com/jmylchreest/scalerd/internal/scaler"
	"github.com/jmylchreest/scalerd/internal/service"
)

var scaleCmd = &cobra.Command{
	Use:   "scale <input> <output>",
	Short: "Scale an image file",
	Long: `Scale a PNG, JPEG, GIF or WebP file on a configured engine and write
the result as PNG.

When only one of --width and --height is given the other follows the
aspect ratio of the crop.

  scalerd scale in.jpg out.png --width 320
  scalerd scale in.png out.png --engine 1 --crop 0,0,640,360 --height 180`,
	Args: cobra.ExactArgs(2),
	RunE: runScale,
}

func init() {
	rootCmd.AddCommand(scaleCmd)

	scaleCmd.Flags().Int("engine", 0, "Engine id")
	scaleCmd.Flags().Int("width", 0, "Output width")
	scaleCmd.Flags().Int("height", 0, "Output height")
	scaleCmd.Flags().String("crop", "", "Input crop as x,y,w,h")
	scaleCmd.Flags().String("interpolator", "", "Interpolator override (nearest, approx-bilinear, bilinear, catmull-rom)")
}

func runScale(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()

	req := service.ScaleRequest{}
	req.EngineID, _ = flags.GetInt("engine")
	req.Width, _ = flags.GetInt("width")
	req.Height, _ = flags.GetInt("height")
	req.Interpolator, _ = flags.GetString("interpolator")
	if crop, _ := flags.GetString("crop"); crop != "" {
		r, err := scaler.ParseRect(crop)
		if err != nil {
			return err
		}
		req.Crop = r
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := scaleFile(ctx, appConfig.Scaler, args[0], args[1], req, slog.Default())
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s: %dx%d %s -> %dx%d png (%s)\n",
		args[1], res.SourceWidth, res.SourceHeight, res.SourceFormat, res.Width, res.Height, res.Elapsed)
	return nil
}

// scaleFile scales the image at in and writes the PNG to out.
func scaleFile(ctx context.Context, cfg config.ScalerConfig, in, out string, req service.ScaleRequest, logger *slog.Logger) (*service.ScaleResult, error) {
	data, err := os.ReadFile(in)
	if err != nil {
		return nil, fmt.Errorf("reading input: %w", err)
	}

	device, err := buildDevice(cfg, logger)
	if err != nil {
		return nil, err
	}
	defer device.Stop()

	res, err := service.NewImageScaler(device, service.ImageScalerOptions{
		TaskTimeout:  cfg.TaskTimeout,
		CloseTimeout: cfg.CloseTimeout,
		Logger:       logger,
	}).Scale(ctx, data, req)
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(out, res.PNG, 0o644); err != nil { //nolint:gosec // output image is not sensitive
		return nil, fmt.Errorf("writing output: %w", err)
	}
	return res, nil
}
