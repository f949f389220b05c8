package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"tilewarm/internal/jobs"
	"tilewarm/internal/preview"
	"tilewarm/internal/publish"
	"tilewarm/internal/render"
	"tilewarm/internal/tilemath"
	"tilewarm/internal/warmer"
)

var errBadRequest = errors.New("bad request")

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (h *Handlers) writeOK(w http.ResponseWriter, status int, message string, data any) {
	h.writeJSON(w, status, envelope{Success: true, Message: message, Data: data})
}

// writeError maps err onto a status code. data may carry a partial result.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error, data any) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Int("status", status), zap.Error(err))
	}
	h.writeJSON(w, status, envelope{Success: false, Message: err.Error(), Data: data})
}

func statusFor(err error) int {
	var rse *render.StatusError
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, warmer.ErrInvalidRequest),
		errors.Is(err, tilemath.ErrInvalidCoordinate),
		errors.Is(err, tilemath.ErrInvalidZoom),
		errors.Is(err, tilemath.ErrTooManyTiles),
		errors.Is(err, preview.ErrInvalidSize),
		errors.Is(err, publish.ErrInvalidPath):
		return http.StatusBadRequest
	case errors.Is(err, jobs.ErrUnknownRun):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrRunFinished):
		return http.StatusConflict
	case errors.Is(err, jobs.ErrShutdown), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	case errors.Is(err, warmer.ErrAllTilesFailed),
		errors.Is(err, render.ErrRender),
		errors.As(err, &rse):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) validateStruct(v any) error {
	err := h.validate.Struct(v)
	if err == nil {
		return nil
	}

	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}

	msgs := make([]string, 0, len(validationErrs))
	for _, fe := range validationErrs {
		msgs = append(msgs, translateError(fe))
	}
	return fmt.Errorf("%w: %s", errBadRequest, strings.Join(msgs, "; "))
}

func translateError(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "required_without":
		return fmt.Sprintf("%s is required when %s is missing", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be less than or equal to %s", field, fe.Param())
	case "len":
		return fmt.Sprintf("%s must have %s values", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}
