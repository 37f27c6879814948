package cmd

import (
	"fmt"
	"log/slog"

	"github.com/jmylchreest/scalerd/internal/config"
	"github.com/jmylchreest/scalerd/internal/scaler"
	"github.com/jmylchreest/scalerd/internal/scaler/blit"
	"github.com/jmylchreest/scalerd/internal/scaler/vfe"
)

// buildDevice creates the configured backends and registers them on a device.
func buildDevice(cfg config.ScalerConfig, logger *slog.Logger) (*scaler.Device, error) {
	specs := make([]scaler.EngineSpec, 0, len(cfg.Engines))
	for _, ec := range cfg.Engines {
		backend, err := newBackend(ec, logger)
		if err != nil {
			return nil, fmt.Errorf("engine %d: %w", ec.ID, err)
		}
		specs = append(specs, scaler.EngineSpec{ID: ec.ID, Backend: backend})
	}

	device, err := scaler.NewDevice(specs, scaler.Options{
		PoolCapacity: cfg.PoolCapacity,
		MaxSessions:  cfg.MaxSessions,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating scaler device: %w", err)
	}
	return device, nil
}

func newBackend(ec config.EngineConfig, logger *slog.Logger) (scaler.Backend, error) {
	switch ec.Backend {
	case config.BackendBlit:
		return blit.New(blit.Options{
			Interpolator: ec.Interpolator,
			Logger:       logger,
		})
	case config.BackendVFE:
		return vfe.New(vfe.Options{
			Interpolator: ec.Interpolator,
			ReleaseDelay: ec.ReleaseDelay,
			QueueDepth:   ec.QueueDepth,
			Logger:       logger,
		})
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", scaler.ErrInvalidArgument, ec.Backend)
	}
}
