// Package blit implements a synchronous scaler backend. Each job is rendered
// inside Scale and both completions are signalled before Scale returns.
package blit

import (
	"fmt"
	"log/slog"

	"github.com/jmylchreest/scalerd/internal/scaler"
	"golang.org/x/image/draw"
)

// Name is the backend name.
const Name = "blit"

// ParamInterpolator overrides the interpolator for one session.
const ParamInterpolator = "interpolator"

// Options configures the blit backend.
type Options struct {
	// Interpolator is the default interpolator name.
	Interpolator string
	Logger       *slog.Logger
}

// Backend renders jobs on the worker goroutine.
type Backend struct {
	interp draw.Interpolator
	logger *slog.Logger
}

type sessionContext struct {
	interp draw.Interpolator
}

// New creates a blit backend.
func New(opts Options) (*Backend, error) {
	interp, err := scaler.ParseInterpolator(opts.Interpolator)
	if err != nil {
		return nil, fmt.Errorf("blit: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{interp: interp, logger: logger}, nil
}

// Name implements scaler.Backend.
func (b *Backend) Name() string {
	return Name
}

// Capabilities implements scaler.Backend.
func (b *Backend) Capabilities() scaler.Capabilities {
	return scaler.CapResize | scaler.CapCrop | scaler.CapFormatConvert
}

// Open implements scaler.Backend.
func (b *Backend) Open(s *scaler.Session) (any, error) {
	ctx := &sessionContext{interp: b.interp}
	if name := s.Param(ParamInterpolator); name != "" {
		interp, err := scaler.ParseInterpolator(name)
		if err != nil {
			return nil, err
		}
		ctx.interp = interp
	}
	return ctx, nil
}

// Close implements scaler.Backend.
func (b *Backend) Close(_ *scaler.Session) error {
	return nil
}

// Scale implements scaler.Backend.
func (b *Backend) Scale(s *scaler.Session, job scaler.Job) error {
	ctx, ok := s.HWContext().(*sessionContext)
	if !ok {
		return fmt.Errorf("%w: blit session context missing", scaler.ErrInternal)
	}
	if err := scaler.Render(job, ctx.interp); err != nil {
		return err
	}

	b.logger.Debug("blit completed",
		slog.String("session_id", s.ID().String()),
		slog.Uint64("frame_id", uint64(job.FrameID)),
		slog.String("src", job.InputCrop.String()),
		slog.String("dst", job.OutputActive.String()),
	)

	job.Done.ScalingCompleted(true)
	job.Done.BufferReleased()
	return nil
}

// Abort implements scaler.Backend. Nothing is ever outstanding once Scale
// returns.
func (b *Backend) Abort(_ *scaler.Session) error {
	return nil
}
