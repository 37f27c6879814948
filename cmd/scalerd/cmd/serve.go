package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	internalhttp "github.com/jmylchreest/scalerd/internal/http"
	"github.com/jmylchreest/scalerd/internal/http/handlers"
	"github.com/jmylchreest/scalerd/internal/scheduler"
	"github.com/jmylchreest/scalerd/internal/service"
	"github.com/jmylchreest/scalerd/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scalerd server",
	Long: `Start the scalerd HTTP server and API.

The server provides:
- Image scaling at POST /api/v1/engines/{id}/scale
- Engine inspection at /api/v1/engines
- Health check endpoints (/health, /livez, /readyz)
- OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 8080, "Port to listen on")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := appConfig
	overrideString(cmd.Flags(), "host", &cfg.Server.Host)
	overrideInt(cmd.Flags(), "port", &cfg.Server.Port)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	logger := slog.Default()

	device, err := buildDevice(cfg.Scaler, logger)
	if err != nil {
		return err
	}
	defer device.Stop()

	imageScaler := service.NewImageScaler(device, service.ImageScalerOptions{
		TaskTimeout:  cfg.Scaler.TaskTimeout,
		CloseTimeout: cfg.Scaler.CloseTimeout,
		Logger:       logger,
	})

	server := internalhttp.NewServer(internalhttp.ServerConfigFrom(cfg.Server), logger, version.Version)

	handlers.NewHealthHandler(version.Version).WithEngines(device).Register(server.API())
	handlers.NewEngineHandler(device).Register(server.API())
	handlers.NewScaleHandler(imageScaler).WithMaxBodyBytes(cfg.Server.MaxBodyBytes).Register(server.API())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Stats.Enabled {
		reporter := scheduler.NewStatsReporter(device, cfg.Stats.Cron).WithLogger(logger)
		if err := reporter.Start(ctx); err != nil {
			return fmt.Errorf("starting stats reporter: %w", err)
		}
		defer reporter.Stop()
	}

	logger.Info("starting scalerd server",
		slog.String("host", cfg.Server.Host),
		slog.Int("port", cfg.Server.Port),
		slog.Int("engines", len(device.Engines())),
		slog.String("version", version.Version),
	)

	err = server.ListenAndServe(ctx)
	if ctx.Err() != nil {
		logger.Info("received shutdown signal")
	}
	return err
}
