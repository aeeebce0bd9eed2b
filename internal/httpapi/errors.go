package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/wehubfusion/Banda/pkg/concurrency"
	bandaerrors "github.com/wehubfusion/Banda/pkg/errors"
	"github.com/wehubfusion/Banda/pkg/storage"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Success   bool   `json:"success"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

// Codes for failures that do not come from the pipeline.
const (
	CodeBadRequest   = "BAD_REQUEST"
	CodeBodyTooLarge = "BODY_TOO_LARGE"
	CodeNotFound     = "NOT_FOUND"
	CodeOverloaded   = "OVERLOADED"
	CodeTimeout      = "TIMEOUT"
	CodeInternal     = "INTERNAL"
)

// statusClientClosed is logged when the caller cancels the request.
const statusClientClosed = 499

// classify maps an error to its HTTP status and code.
func classify(err error) (int, string) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, CodeBodyTooLarge
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, CodeBadRequest
	case errors.Is(err, errNotFound), errors.Is(err, storage.ErrBlobNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, concurrency.ErrCircuitOpen):
		return http.StatusServiceUnavailable, CodeOverloaded
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, CodeTimeout
	case errors.Is(err, context.Canceled):
		return statusClientClosed, CodeTimeout
	}

	switch code := bandaerrors.CodeOf(err); code {
	case bandaerrors.CodeConfigurationMissing, bandaerrors.CodeTemplateMissing:
		return http.StatusNotFound, code
	case bandaerrors.CodeInvalidDocument:
		return http.StatusBadRequest, code
	case bandaerrors.CodeNoMainDataSource, bandaerrors.CodeDerivedColumn:
		return http.StatusUnprocessableEntity, code
	case bandaerrors.CodeQueryFailed:
		return http.StatusBadGateway, code
	case "":
		return http.StatusInternalServerError, CodeInternal
	default:
		return http.StatusInternalServerError, code
	}
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	requestID := middleware.GetReqID(r.Context())

	fields := []zap.Field{
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.String("code", code),
		zap.String("request_id", requestID),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", fields...)
		if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
			hub.WithScope(func(scope *sentry.Scope) {
				scope.SetTag("code", code)
				scope.SetTag("request_id", requestID)
				hub.CaptureException(err)
			})
		}
	} else {
		s.logger.Info("Request rejected", fields...)
	}

	respondJSON(w, status, ErrorResponse{
		Success:   false,
		Code:      code,
		Message:   err.Error(),
		RequestID: requestID,
	})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
