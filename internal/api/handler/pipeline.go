package handler

import (
	"context"
	"net/http"

	mw "github.com/cai265891-design/Signalidea/internal/api/middleware"
	"github.com/cai265891-design/Signalidea/internal/api/response"
	"github.com/cai265891-design/Signalidea/internal/pipeline"
	"github.com/cai265891-design/Signalidea/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// PipelineStarter creates pipeline jobs.
type PipelineStarter interface {
	Start(ctx context.Context, ownerID uuid.UUID, input string) (*models.PipelineJob, error)
}

// StatusReader projects jobs and tasks for clients.
type StatusReader interface {
	GetStatus(ctx context.Context, jobID, ownerID uuid.UUID) (*pipeline.JobStatusView, error)
	GetProgress(ctx context.Context, projectID, ownerID uuid.UUID, workflowType string) (*pipeline.TaskProgressView, error)
}

// MatrixCoordinator fans feature-matrix work out per competitor.
type MatrixCoordinator interface {
	Dispatch(ctx context.Context, ownerID, projectID uuid.UUID, competitors []models.MatrixCompetitor) ([]uuid.UUID, error)
	RetryTask(ctx context.Context, ownerID, taskID uuid.UUID) (*models.AnalysisTask, error)
}

type startRequest struct {
	UserInput string `json:"userInput" validate:"required,nonempty,max=5000"`
}

type startResponse struct {
	JobID   uuid.UUID `json:"jobId"`
	Status  string    `json:"status"`
	Message string    `json:"message"`
}

// NewStartHandler returns an http.HandlerFunc for POST /api/v1/pipeline/start.
func NewStartHandler(svc PipelineStarter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}

		var req startRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}

		job, err := svc.Start(r.Context(), userID, req.UserInput)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		response.JSON(w, startResponse{
			JobID:   job.ID,
			Status:  job.Status,
			Message: "Pipeline started",
		})
	}
}

// NewStatusHandler returns an http.HandlerFunc for GET /api/v1/pipeline/status/{jobID}.
func NewStatusHandler(svc StatusReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}

		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a valid UUID", nil)
			return
		}

		view, err := svc.GetStatus(r.Context(), jobID, userID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		response.JSON(w, view)
	}
}

// NewTaskProgressHandler returns an http.HandlerFunc for GET /api/v1/task-progress.
func NewTaskProgressHandler(svc StatusReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}

		q := r.URL.Query()
		raw := q.Get("projectId")
		if raw == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "projectId is required", nil)
			return
		}
		projectID, err := uuid.Parse(raw)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "projectId must be a valid UUID", nil)
			return
		}

		workflowType := q.Get("workflowType")
		switch workflowType {
		case "", "ALL",
			models.WorkflowIntentClarifier,
			models.WorkflowCompetitorDiscovery,
			models.WorkflowTopFiveSelector,
			models.WorkflowFeatureMatrix,
			models.WorkflowRedditSearch:
		default:
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown workflowType", nil)
			return
		}

		view, err := svc.GetProgress(r.Context(), projectID, userID, workflowType)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		response.JSON(w, view)
	}
}

type matrixTriggerRequest struct {
	ProjectID          string                    `json:"projectId" validate:"required,uuid"`
	TopFiveCompetitors []models.MatrixCompetitor `json:"topFiveCompetitors" validate:"required,min=1,max=5,dive"`
}

type matrixTriggerResponse struct {
	Success bool        `json:"success"`
	TaskIDs []uuid.UUID `json:"taskIds"`
	Message string      `json:"message"`
}

// NewMatrixTriggerHandler returns an http.HandlerFunc for POST /api/v1/matrix-forge-trigger.
func NewMatrixTriggerHandler(svc MatrixCoordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}

		var req matrixTriggerRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}
		projectID := uuid.MustParse(req.ProjectID)

		ids, err := svc.Dispatch(r.Context(), userID, projectID, req.TopFiveCompetitors)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		response.JSON(w, matrixTriggerResponse{
			Success: true,
			TaskIDs: ids,
			Message: "Feature matrix analysis started",
		})
	}
}

type retryResponse struct {
	TaskID   uuid.UUID `json:"taskId"`
	Status   string    `json:"status"`
	Attempts int       `json:"attempts"`
}

// NewRetryHandler returns an http.HandlerFunc for POST /api/v1/pipeline/tasks/{taskID}/retry.
func NewRetryHandler(svc MatrixCoordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}

		taskID, err := uuid.Parse(chi.URLParam(r, "taskID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "taskID must be a valid UUID", nil)
			return
		}

		task, err := svc.RetryTask(r.Context(), userID, taskID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		response.Accepted(w, retryResponse{
			TaskID:   task.ID,
			Status:   task.Status,
			Attempts: task.Attempts,
		})
	}
}

func requireUser(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, ok := mw.GetUserID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing user", nil)
	}
	return userID, ok
}
