package handlers

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"mime"
	"strconv"

	"github.com/danielgtaylor/huma/v2"
	"github.com/jmylchreest/scalerd/internal/observability"
	"github.com/jmylchreest/scalerd/internal/scaler"
	"github.com/jmylchreest/scalerd/internal/service"
)

// DefaultMaxBodyBytes caps uploads when no limit is configured.
const DefaultMaxBodyBytes = 32 * 1024 * 1024

// ImageScaler scales encoded images. *service.ImageScaler implements it.
type ImageScaler interface {
	Scale(ctx context.Context, data []byte, req service.ScaleRequest) (*service.ScaleResult, error)
}

// ScaleHandler handles image scaling requests.
type ScaleHandler struct {
	scaler       ImageScaler
	maxBodyBytes int64
}

// NewScaleHandler creates a new scale handler.
func NewScaleHandler(s ImageScaler) *ScaleHandler {
	return &ScaleHandler{scaler: s, maxBodyBytes: DefaultMaxBodyBytes}
}

// WithMaxBodyBytes sets the upload size limit.
func (h *ScaleHandler) WithMaxBodyBytes(n int64) *ScaleHandler {
	if n > 0 {
		h.maxBodyBytes = n
	}
	return h
}

// Register registers the scale route with the API.
func (h *ScaleHandler) Register(api huma.API) {
	imageTypes := map[string]*huma.MediaType{}
	for _, ct := range []string{"image/png", "image/jpeg", "image/gif", "image/webp", "application/octet-stream"} {
		imageTypes[ct] = &huma.MediaType{}
	}

	huma.Register(api, huma.Operation{
		OperationID:      "scaleImage",
		Method:           "POST",
		Path:             "/api/v1/engines/{id}/scale",
		Summary:          "Scale image",
		Description:      "Scales an uploaded PNG, JPEG, GIF or WebP image on the given engine and returns a PNG",
		Tags:             []string{"Engines"},
		MaxBodyBytes:     h.maxBodyBytes,
		RequestBody:      &huma.RequestBody{Content: imageTypes, Required: true},
		SkipValidateBody: true,
	}, h.Scale)
}

// ScaleImageInput is the input for scaling an image.
type ScaleImageInput struct {
	ID           int    `path:"id" minimum:"0" doc:"Engine id"`
	Width        int    `query:"width" minimum:"0" maximum:"16384" doc:"Output width; 0 keeps the aspect ratio"`
	Height       int    `query:"height" minimum:"0" maximum:"16384" doc:"Output height; 0 keeps the aspect ratio"`
	Crop         string `query:"crop" doc:"Input crop as x,y,w,h" example:"0,0,640,360"`
	Interpolator string `query:"interpolator" doc:"nearest, approx-bilinear, bilinear or catmull-rom"`
	ContentType  string `header:"Content-Type"`
	RawBody      []byte
}

// ScaleImageOutput is the output for scaling an image.
type ScaleImageOutput struct {
	ContentType  string `header:"Content-Type"`
	Width        string `header:"X-Image-Width"`
	Height       string `header:"X-Image-Height"`
	SourceFormat string `header:"X-Source-Format"`
	Body         []byte
}

// Scale scales the request body and returns the encoded PNG.
func (h *ScaleHandler) Scale(ctx context.Context, input *ScaleImageInput) (*ScaleImageOutput, error) {
	if len(input.RawBody) == 0 {
		return nil, huma.Error400BadRequest("image body is required")
	}
	if input.ContentType != "" {
		mediaType, _, err := mime.ParseMediaType(input.ContentType)
		if err != nil || (mediaType != "application/octet-stream" && !service.IsSupportedFormat(mediaType)) {
			return nil, huma.Error415UnsupportedMediaType(fmt.Sprintf("unsupported content type %q", input.ContentType))
		}
	}

	var crop image.Rectangle
	if input.Crop != "" {
		r, err := scaler.ParseRect(input.Crop)
		if err != nil {
			return nil, huma.Error400BadRequest("invalid crop", err)
		}
		crop = r
	}

	result, err := h.scaler.Scale(ctx, input.RawBody, service.ScaleRequest{
		EngineID:     input.ID,
		Width:        input.Width,
		Height:       input.Height,
		Crop:         crop,
		Interpolator: input.Interpolator,
	})
	if err != nil {
		observability.LoggerFromContext(ctx).WarnContext(ctx, "scale request failed",
			slog.Int("engine_id", input.ID),
			slog.String("error", err.Error()),
		)
		return nil, scalerError("failed to scale image", err)
	}

	return &ScaleImageOutput{
		ContentType:  "image/png",
		Width:        strconv.Itoa(result.Width),
		Height:       strconv.Itoa(result.Height),
		SourceFormat: result.SourceFormat,
		Body:         result.PNG,
	}, nil
}
