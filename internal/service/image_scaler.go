// Package service provides the business logic layer for scalerd operations.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"time"

	// Register image format decoders
	_ "image/gif"
	_ "image/jpeg"

	// WebP support from x/image
	_ "golang.org/x/image/webp"

	"github.com/jmylchreest/scalerd/internal/observability"
	"github.com/jmylchreest/scalerd/internal/scaler"
	"github.com/jmylchreest/scalerd/internal/scaler/blit"
)

// Default timeouts applied when ImageScalerOptions leaves them unset.
const (
	DefaultTaskTimeout  = 10 * time.Second
	DefaultCloseTimeout = 5 * time.Second
)

// ErrInvalidOutput is returned when the engine completes a task without
// valid content.
var ErrInvalidOutput = errors.New("service: scaled output is not valid")

// SessionOpener opens engine sessions. *scaler.Device implements it.
type SessionOpener interface {
	Open(engineID int, cfg scaler.SessionConfig) (scaler.Handle, error)
}

// ScaleRequest describes one image scale operation.
type ScaleRequest struct {
	EngineID int
	// Width and Height of the output. When one is zero it follows the aspect
	// ratio of the crop; when both are zero the crop size is kept.
	Width  int
	Height int
	// Crop selects the input region. The zero rectangle means the whole image;
	// a partial overlap is truncated to the image.
	Crop image.Rectangle
	// Interpolator overrides the engine default where the backend supports it.
	Interpolator string
}

// ScaleResult holds the encoded output of a scale operation.
type ScaleResult struct {
	PNG          []byte
	Width        int
	Height       int
	SourceWidth  int
	SourceHeight int
	SourceFormat string
	Elapsed      time.Duration
}

// ImageScalerOptions configures an ImageScaler.
type ImageScalerOptions struct {
	TaskTimeout  time.Duration
	CloseTimeout time.Duration
	Logger       *slog.Logger
}

// ImageScaler decodes images, scales them on an engine and encodes the
// result as PNG.
type ImageScaler struct {
	opener       SessionOpener
	taskTimeout  time.Duration
	closeTimeout time.Duration
	logger       *slog.Logger
}

// NewImageScaler creates a new ImageScaler.
func NewImageScaler(opener SessionOpener, opts ImageScalerOptions) *ImageScaler {
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = DefaultTaskTimeout
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = DefaultCloseTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &ImageScaler{
		opener:       opener,
		taskTimeout:  opts.TaskTimeout,
		closeTimeout: opts.CloseTimeout,
		logger:       observability.WithComponent(opts.Logger, "image_scaler"),
	}
}

// Scale decodes data (PNG, JPEG, GIF or WebP) and scales it per req.
func (s *ImageScaler) Scale(ctx context.Context, data []byte, req ScaleRequest) (result *ScaleResult, err error) {
	logger := observability.LoggerFromContext(ctx)
	if logger == slog.Default() {
		logger = s.logger
	}
	done := observability.TimedOperationWithError(ctx, logger, "scale_image", &err)
	defer done()

	start := time.Now()
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decoding image (format=%s): %w", scaler.ErrInvalidArgument, format, err)
	}

	bounds := src.Bounds()
	srcSize := scaler.Size{Width: bounds.Dx(), Height: bounds.Dy()}
	crop := srcSize.Bounds()
	if !req.Crop.Empty() {
		clamped, ok := scaler.ClampRect(req.Crop, srcSize)
		if !ok {
			return nil, fmt.Errorf("%w: crop %v outside %v image", scaler.ErrInvalidArgument, req.Crop, srcSize)
		}
		crop = clamped
	}

	out, err := OutputSize(scaler.Size{Width: crop.Dx(), Height: crop.Dy()}, req.Width, req.Height)
	if err != nil {
		return nil, err
	}

	dst := image.NewRGBA(out.Bounds())
	if err := s.run(ctx, req, scaler.TaskDescriptor{
		Input:     scaler.InputBuffer{Pixels: rebase(src)},
		Output:    scaler.OutputBuffer{Pixels: dst},
		InputCrop: crop,
	}); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("encoding to PNG: %w", err)
	}

	return &ScaleResult{
		PNG:          buf.Bytes(),
		Width:        out.Width,
		Height:       out.Height,
		SourceWidth:  srcSize.Width,
		SourceHeight: srcSize.Height,
		SourceFormat: format,
		Elapsed:      time.Since(start),
	}, nil
}

// ScaleReader reads an encoded image from r and scales it per req.
func (s *ImageScaler) ScaleReader(ctx context.Context, r io.Reader, req ScaleRequest) (*ScaleResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading image data: %w", err)
	}
	return s.Scale(ctx, data, req)
}

// run opens a session, dispatches one task and waits for the output buffer.
func (s *ImageScaler) run(ctx context.Context, req ScaleRequest, desc scaler.TaskDescriptor) (err error) {
	var valid bool
	released := make(chan struct{})

	cfg := scaler.SessionConfig{
		TaskDone:         func(_ any, _ time.Time, ok bool) { valid = ok },
		InputBufferDone:  func(any) {},
		OutputBufferDone: func(any) { close(released) },
	}
	if req.Interpolator != "" {
		cfg.Params = map[string]string{blit.ParamInterpolator: req.Interpolator}
	}

	h, err := s.opener.Open(req.EngineID, cfg)
	if err != nil {
		return fmt.Errorf("opening session on engine %d: %w", req.EngineID, err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.closeTimeout)
		defer cancel()
		if cerr := h.Close(closeCtx); cerr != nil {
			s.logger.Warn("closing session failed",
				slog.String("session_id", h.ID().String()),
				slog.String("error", cerr.Error()),
			)
			if err == nil {
				err = fmt.Errorf("closing session: %w", cerr)
			}
		}
	}()

	if err := h.Dispatch(desc); err != nil {
		return fmt.Errorf("dispatching task: %w", err)
	}

	timer := time.NewTimer(s.taskTimeout)
	defer timer.Stop()

	select {
	case <-released:
	case <-timer.C:
		return fmt.Errorf("%w: task did not finish within %s", scaler.ErrInterrupted, s.taskTimeout)
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", scaler.ErrInterrupted, ctx.Err())
	}

	if !valid {
		return ErrInvalidOutput
	}
	return nil
}

// OutputSize resolves the requested output dimensions against the source.
func OutputSize(src scaler.Size, width, height int) (scaler.Size, error) {
	if width < 0 || height < 0 {
		return scaler.Size{}, fmt.Errorf("%w: negative output size %dx%d", scaler.ErrInvalidArgument, width, height)
	}
	if src.Empty() {
		return scaler.Size{}, fmt.Errorf("%w: empty source", scaler.ErrInvalidArgument)
	}

	switch {
	case width == 0 && height == 0:
		return src, nil
	case width == 0:
		width = max(1, (src.Width*height+src.Height/2)/src.Height)
	case height == 0:
		height = max(1, (src.Height*width+src.Width/2)/src.Width)
	}
	return scaler.Size{Width: width, Height: height}, nil
}

// rebase returns img with its bounds starting at the origin.
func rebase(img image.Image) image.Image {
	if img.Bounds().Min == (image.Point{}) {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, img.Bounds().Dx(), img.Bounds().Dy()))
	for y := 0; y < dst.Rect.Dy(); y++ {
		for x := 0; x < dst.Rect.Dx(); x++ {
			dst.Set(x, y, img.At(img.Bounds().Min.X+x, img.Bounds().Min.Y+y))
		}
	}
	return dst
}

// IsSupportedFormat checks if the content type is a supported image format.
func IsSupportedFormat(contentType string) bool {
	switch contentType {
	case "image/png", "image/jpeg", "image/jpg", "image/gif", "image/webp":
		return true
	default:
		return false
	}
}
