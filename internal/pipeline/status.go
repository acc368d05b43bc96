package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cai265891-design/Signalidea/internal/cache"
	"github.com/cai265891-design/Signalidea/internal/store"
	"github.com/cai265891-design/Signalidea/pkg/models"
	"github.com/google/uuid"
)

// JobStatusView is everything a client needs to render a job.
type JobStatusView struct {
	ID           uuid.UUID  `json:"id"`
	UserID       uuid.UUID  `json:"userId"`
	UserInput    string     `json:"userInput"`
	Status       string     `json:"status"`
	CurrentStage string     `json:"currentStage"`
	ErrorMessage *string    `json:"errorMessage"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	CompletedAt  *time.Time `json:"completedAt"`

	IntentTask     *models.TaskSummary `json:"intentTask"`
	CompetitorTask *models.TaskSummary `json:"competitorTask"`
	TopFiveTask    *models.TaskSummary `json:"topFiveTask"`

	IntentResult     json.RawMessage `json:"intentResult"`
	CompetitorResult json.RawMessage `json:"competitorResult"`
	TopFiveResult    json.RawMessage `json:"topFiveResult"`

	Stages StageProgress `json:"stages"`
}

// StageProgress counts settled stages out of the three a job can run.
type StageProgress struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	Percentage int `json:"percentage"`
}

// TaskView is one row of the task progress listing.
type TaskView struct {
	ID             uuid.UUID       `json:"id"`
	Status         string          `json:"status"`
	WorkflowType   string          `json:"workflowType"`
	InputData      json.RawMessage `json:"inputData"`
	Result         json.RawMessage `json:"result"`
	DiscoveredURLs []string        `json:"discoveredUrls"`
	ErrorMessage   *string         `json:"errorMessage"`
	Attempts       int             `json:"attempts"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	CompletedAt    *time.Time      `json:"completedAt"`
}

// TaskProgressView lists a project's tasks newest first with totals.
type TaskProgressView struct {
	Tasks    []TaskView      `json:"tasks"`
	Progress models.Progress `json:"progress"`
}

// pipelineStages is the stage count used for the stage percentage.
const pipelineStages = 3

// StatusReader projects jobs and tasks into client views. It never writes to
// the store.
type StatusReader struct {
	store store.Store
	cache cache.Cache
	ttl   time.Duration
}

// NewStatusReader creates a StatusReader. Terminal job views are cached for
// ttl; pass cache.NopCache{} to disable caching.
func NewStatusReader(s store.Store, c cache.Cache, ttl time.Duration) *StatusReader {
	return &StatusReader{store: s, cache: c, ttl: ttl}
}

// GetStatus returns the job view for jobID if ownerID owns it.
func (r *StatusReader) GetStatus(ctx context.Context, jobID, ownerID uuid.UUID) (*JobStatusView, error) {
	key := cache.StatusViewKey(ownerID, jobID)

	var cached JobStatusView
	found, err := cache.GetJSON(ctx, r.cache, key, &cached)
	if err != nil {
		slog.Warn("status cache read failed", "job_id", jobID, "error", err)
	}
	if found {
		return &cached, nil
	}

	job, err := r.store.GetJob(ctx, jobID, ownerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading job: %w", err)
	}

	view := &JobStatusView{
		ID:               job.ID,
		UserID:           job.UserID,
		UserInput:        job.UserInput,
		Status:           job.Status,
		CurrentStage:     job.CurrentStage,
		ErrorMessage:     job.ErrorMessage,
		CreatedAt:        job.CreatedAt,
		UpdatedAt:        job.UpdatedAt,
		CompletedAt:      job.CompletedAt,
		IntentResult:     job.IntentResult,
		CompetitorResult: job.CompetitorResult,
		TopFiveResult:    job.TopFiveResult,
		Stages:           StageProgress{Total: pipelineStages},
	}

	var ids []uuid.UUID
	for _, id := range []*uuid.UUID{job.IntentTaskID, job.CompetitorTaskID, job.TopFiveTaskID} {
		if id != nil {
			ids = append(ids, *id)
		}
	}
	tasks, err := r.store.GetTasksByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading stage tasks: %w", err)
	}

	byID := make(map[uuid.UUID]*models.AnalysisTask, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	summary := func(id *uuid.UUID) *models.TaskSummary {
		if id == nil {
			return nil
		}
		t, ok := byID[*id]
		if !ok {
			return nil
		}
		if t.Status == models.StatusCompleted {
			view.Stages.Completed++
		}
		return t.Summary()
	}
	view.IntentTask = summary(job.IntentTaskID)
	view.CompetitorTask = summary(job.CompetitorTaskID)
	view.TopFiveTask = summary(job.TopFiveTaskID)

	// a job completed without the top-five stage has nothing left to run
	if job.Status == models.StatusCompleted {
		view.Stages.Completed = pipelineStages
	}
	view.Stages.Percentage = models.Percentage(view.Stages.Completed, view.Stages.Total)

	if models.IsTerminal(job.Status) {
		if err := cache.SetJSON(ctx, r.cache, key, view, r.ttl); err != nil {
			slog.Warn("status cache write failed", "job_id", jobID, "error", err)
		}
	}
	return view, nil
}

// GetProgress lists the tasks of projectID owned by ownerID. An empty
// workflowType selects FEATURE_MATRIX tasks; "ALL" selects every task.
func (r *StatusReader) GetProgress(ctx context.Context, projectID, ownerID uuid.UUID, workflowType string) (*TaskProgressView, error) {
	tasks, err := r.store.ListTasks(ctx, projectID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}

	switch workflowType {
	case "ALL":
	case "":
		tasks = filterType(tasks, models.WorkflowFeatureMatrix)
	default:
		tasks = filterType(tasks, workflowType)
	}

	view := &TaskProgressView{
		Tasks:    make([]TaskView, 0, len(tasks)),
		Progress: models.SummarizeTasks(tasks),
	}
	for _, t := range tasks {
		view.Tasks = append(view.Tasks, TaskView{
			ID:             t.ID,
			Status:         t.Status,
			WorkflowType:   t.WorkflowType,
			InputData:      t.InputData,
			Result:         t.ResultData,
			DiscoveredURLs: t.DiscoveredURLs,
			ErrorMessage:   t.ErrorMessage,
			Attempts:       t.Attempts,
			CreatedAt:      t.CreatedAt,
			UpdatedAt:      t.UpdatedAt,
			CompletedAt:    t.CompletedAt,
		})
	}
	return view, nil
}
