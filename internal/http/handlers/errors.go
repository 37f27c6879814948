package handlers

import (
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/jmylchreest/scalerd/internal/scaler"
)

// retryAfterSeconds is advertised on 503 responses.
const retryAfterSeconds = "1"

// scalerError maps engine errors to HTTP status codes.
func scalerError(msg string, err error) error {
	switch {
	case errors.Is(err, scaler.ErrBusy), errors.Is(err, scaler.ErrNoMemory):
		return huma.ErrorWithHeaders(
			huma.Error503ServiceUnavailable(msg, err),
			http.Header{"Retry-After": []string{retryAfterSeconds}},
		)
	case errors.Is(err, scaler.ErrInvalidArgument):
		return huma.Error400BadRequest(msg, err)
	case errors.Is(err, scaler.ErrAborting):
		return huma.Error409Conflict(msg, err)
	case errors.Is(err, scaler.ErrInvalidHandle):
		return huma.Error410Gone(msg, err)
	case errors.Is(err, scaler.ErrInterrupted):
		return huma.NewError(http.StatusRequestTimeout, msg, err)
	default:
		return huma.Error500InternalServerError(msg, err)
	}
}
