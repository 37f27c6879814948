package scaler

import (
	"fmt"
	"image"
	"strings"

	"golang.org/x/image/draw"
)

// Interpolator names accepted by ParseInterpolator.
const (
	InterpolatorNearest        = "nearest"
	InterpolatorApproxBiLinear = "approx-bilinear"
	InterpolatorBiLinear       = "bilinear"
	InterpolatorCatmullRom     = "catmull-rom"
)

// ParseInterpolator maps a name to an x/image/draw interpolator. The empty
// name selects bilinear.
func ParseInterpolator(name string) (draw.Interpolator, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case InterpolatorNearest:
		return draw.NearestNeighbor, nil
	case InterpolatorApproxBiLinear:
		return draw.ApproxBiLinear, nil
	case "", InterpolatorBiLinear:
		return draw.BiLinear, nil
	case InterpolatorCatmullRom:
		return draw.CatmullRom, nil
	default:
		return nil, fmt.Errorf("%w: unknown interpolator %q", ErrInvalidArgument, name)
	}
}

// Render scales job.InputCrop of the input onto job.OutputActive of the
// output. Rectangles are relative to the pixel bounds origin.
func Render(job Job, interp draw.Interpolator) error {
	return RenderRect(job, job.OutputActive, interp)
}

// RenderRect is Render with an explicit destination rectangle.
func RenderRect(job Job, active image.Rectangle, interp draw.Interpolator) error {
	if job.Input == nil || job.Output == nil {
		return fmt.Errorf("%w: frame %d has no pixel buffers", ErrInvalidArgument, job.FrameID)
	}

	inBounds := job.Input.Bounds()
	outBounds := job.Output.Bounds()
	sr := job.InputCrop.Add(inBounds.Min)
	dr := active.Add(outBounds.Min)
	if !sr.In(inBounds) {
		return fmt.Errorf("%w: frame %d input crop %v exceeds pixels %v", ErrInvalidArgument, job.FrameID, sr, inBounds)
	}
	if !dr.In(outBounds) {
		return fmt.Errorf("%w: frame %d output rect %v exceeds pixels %v", ErrInvalidArgument, job.FrameID, dr, outBounds)
	}

	interp.Scale(job.Output, dr, job.Input, sr, draw.Src, nil)
	return nil
}
