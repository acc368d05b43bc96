package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/cai265891-design/Signalidea/internal/api/response"
	"github.com/cai265891-design/Signalidea/internal/pipeline"
	"github.com/cai265891-design/Signalidea/pkg/models"
	"github.com/google/uuid"
)

// CallbackReceiver applies workflow completion reports.
type CallbackReceiver interface {
	HandleCallback(ctx context.Context, cb pipeline.Callback) error
}

type callbackRequest struct {
	Secret         string          `json:"secret"`
	TaskID         string          `json:"taskId" validate:"required,uuid"`
	Status         string          `json:"status" validate:"required,oneof=PROCESSING COMPLETED FAILED"`
	Result         json.RawMessage `json:"result"`
	ErrorMessage   string          `json:"errorMessage"`
	DiscoveredURLs []string        `json:"discoveredUrls"`
}

// NewCallbackHandler returns an http.HandlerFunc for POST /api/v1/pipeline/callback.
// The route is not behind API-key auth; the shared secret in the body
// authenticates the workflow engine instead.
func NewCallbackHandler(svc CallbackReceiver, secret string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req callbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		if secret == "" {
			slog.Error("callback rejected: N8N_CALLBACK_SECRET is not set")
			response.Error(w, http.StatusInternalServerError, "SERVER_CONFIGURATION_ERROR",
				"Server configuration error", nil)
			return
		}
		if subtle.ConstantTimeCompare([]byte(req.Secret), []byte(secret)) != 1 {
			slog.Warn("callback rejected: invalid secret", "remote_addr", r.RemoteAddr)
			response.Error(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid callback secret", nil)
			return
		}

		if errs := models.Validate(&req); len(errs) > 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", errs[0].Message, errs)
			return
		}

		cb := pipeline.Callback{
			TaskID:         uuid.MustParse(req.TaskID),
			Status:         req.Status,
			Result:         req.Result,
			ErrorMessage:   req.ErrorMessage,
			DiscoveredURLs: req.DiscoveredURLs,
		}
		if err := svc.HandleCallback(r.Context(), cb); err != nil {
			writeServiceError(w, r, err)
			return
		}

		response.JSON(w, map[string]any{
			"success": true,
			"taskId":  cb.TaskID,
		})
	}
}
