package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cai265891-design/Signalidea/internal/api/response"
	"github.com/cai265891-design/Signalidea/internal/pipeline"
	"github.com/cai265891-design/Signalidea/internal/worker"
	"github.com/cai265891-design/Signalidea/internal/workflow"
	"github.com/cai265891-design/Signalidea/pkg/models"
)

const busyRetryAfter = 5 * time.Second

// writeServiceError maps pipeline and workflow errors onto the API error
// envelope. Unknown errors are logged and reported as 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		upstream *workflow.UpstreamError
		schema   *workflow.SchemaViolationError
		timeout  *workflow.TimeoutError
	)

	switch {
	case errors.Is(err, pipeline.ErrEmptyInput),
		errors.Is(err, pipeline.ErrTooManyItems),
		errors.Is(err, pipeline.ErrInvalidCallback):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, pipeline.ErrJobNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
	case errors.Is(err, pipeline.ErrTaskNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Task not found", nil)
	case errors.Is(err, pipeline.ErrNotRetriable):
		response.Error(w, http.StatusConflict, "CONFLICT", err.Error(), nil)
	case errors.Is(err, workflow.ErrNotConfigured):
		slog.Error("workflow not configured", "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "SERVER_CONFIGURATION_ERROR",
			"Server configuration error", nil)
	case errors.Is(err, worker.ErrQueueFull), errors.Is(err, worker.ErrQueueClosed):
		response.RetryLater(w, http.StatusServiceUnavailable, busyRetryAfter, "BUSY",
			"Server is busy, try again shortly")
	case errors.As(err, &timeout):
		response.Error(w, http.StatusGatewayTimeout, "UPSTREAM_TIMEOUT", timeout.Error(), nil)
	case errors.As(err, &upstream):
		status := upstream.Status
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		response.Error(w, status, "UPSTREAM_ERROR", upstream.Error(), nil)
	case errors.Is(err, workflow.ErrUnreachable):
		response.Error(w, http.StatusBadGateway, "UPSTREAM_UNREACHABLE", err.Error(), nil)
	case errors.As(err, &schema):
		slog.Error("workflow returned invalid result", "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "UPSTREAM_SCHEMA_VIOLATION",
			"Workflow result does not match the expected schema", schema.Errors)
	case errors.Is(err, workflow.ErrMalformedResponse):
		slog.Error("workflow returned malformed body", "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "UPSTREAM_MALFORMED_RESPONSE",
			"Workflow returned a response that is not valid JSON", nil)
	default:
		slog.Error("request failed", "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}

// decodeAndValidate reads a JSON body into dst and checks its struct tags.
// It writes the 400 response itself and returns false on failure.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return false
	}
	if errs := models.Validate(dst); len(errs) > 0 {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", errs[0].Message, errs)
		return false
	}
	return true
}
