package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Workflow types handled by the external automation engine.
const (
	WorkflowIntentClarifier     = "INTENT_CLARIFIER"
	WorkflowCompetitorDiscovery = "COMPETITOR_DISCOVERY"
	WorkflowTopFiveSelector     = "TOP_FIVE_SELECTOR"
	WorkflowFeatureMatrix       = "FEATURE_MATRIX"
	WorkflowRedditSearch        = "REDDIT_SEARCH"
)

// ValidWorkflowType reports whether t is a known workflow type.
func ValidWorkflowType(t string) bool {
	switch t {
	case WorkflowIntentClarifier, WorkflowCompetitorDiscovery, WorkflowTopFiveSelector,
		WorkflowFeatureMatrix, WorkflowRedditSearch:
		return true
	}
	return false
}

// AnalysisTask is a single unit of external work. Stage tasks belong to a
// pipeline job through ProjectID; feature-matrix tasks use the same column
// to group one fan-out set.
type AnalysisTask struct {
	ID             uuid.UUID       `db:"id"              json:"id"`
	ProjectID      uuid.UUID       `db:"project_id"      json:"projectId"`
	UserID         uuid.UUID       `db:"user_id"         json:"userId"`
	WorkflowType   string          `db:"workflow_type"   json:"workflowType"`
	Status         string          `db:"status"          json:"status"`
	InputData      json.RawMessage `db:"input_data"      json:"inputData"`
	ResultData     json.RawMessage `db:"result_data"     json:"resultData"`
	DiscoveredURLs []string        `db:"discovered_urls" json:"discoveredUrls"`
	ErrorMessage   *string         `db:"error_message"   json:"errorMessage"`
	Attempts       int             `db:"attempts"        json:"attempts"`
	CreatedAt      time.Time       `db:"created_at"      json:"createdAt"`
	UpdatedAt      time.Time       `db:"updated_at"      json:"updatedAt"`
	CompletedAt    *time.Time      `db:"completed_at"    json:"completedAt"`
}

// TaskSummary is the per-stage task shape returned by the status view.
type TaskSummary struct {
	ID           uuid.UUID       `json:"id"`
	Status       string          `json:"status"`
	WorkflowType string          `json:"workflowType"`
	Result       json.RawMessage `json:"result"`
	ErrorMessage *string         `json:"errorMessage"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
	CompletedAt  *time.Time      `json:"completedAt"`
}

// Summary projects the task into its status-view shape.
func (t *AnalysisTask) Summary() *TaskSummary {
	return &TaskSummary{
		ID:           t.ID,
		Status:       t.Status,
		WorkflowType: t.WorkflowType,
		Result:       t.ResultData,
		ErrorMessage: t.ErrorMessage,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
		CompletedAt:  t.CompletedAt,
	}
}
