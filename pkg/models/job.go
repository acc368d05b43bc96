package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status values shared by pipeline jobs and analysis tasks.
const (
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

// Pipeline stages. A job's CurrentStage names the stage whose task is in flight,
// or StageCompleted once the job has finished successfully.
const (
	StageIntentClarifier     = "INTENT_CLARIFIER"
	StageCompetitorDiscovery = "COMPETITOR_DISCOVERY"
	StageTopFiveSelector     = "TOP_FIVE_SELECTOR"
	StageCompleted           = "COMPLETED"
)

// IsTerminal reports whether status is COMPLETED or FAILED.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// PipelineJob is one end-to-end research run. The client polls
// GET /api/v1/pipeline/status/{jobId} until status is COMPLETED or FAILED.
//
// Stage results are cached on the job as raw JSON so the status view can
// return them without touching the task rows.
type PipelineJob struct {
	ID           uuid.UUID  `db:"id"            json:"id"`
	UserID       uuid.UUID  `db:"user_id"       json:"userId"`
	UserInput    string     `db:"user_input"    json:"userInput"`
	Status       string     `db:"status"        json:"status"`
	CurrentStage string     `db:"current_stage" json:"currentStage"`
	ErrorMessage *string    `db:"error_message" json:"errorMessage"`

	IntentResult     json.RawMessage `db:"intent_result"     json:"intentResult"`
	CompetitorResult json.RawMessage `db:"competitor_result" json:"competitorResult"`
	TopFiveResult    json.RawMessage `db:"top_five_result"   json:"topFiveResult"`

	IntentTaskID     *uuid.UUID `db:"intent_task_id"     json:"intentTaskId"`
	CompetitorTaskID *uuid.UUID `db:"competitor_task_id" json:"competitorTaskId"`
	TopFiveTaskID    *uuid.UUID `db:"top_five_task_id"   json:"topFiveTaskId"`

	CreatedAt   time.Time  `db:"created_at"   json:"createdAt"`
	UpdatedAt   time.Time  `db:"updated_at"   json:"updatedAt"`
	CompletedAt *time.Time `db:"completed_at" json:"completedAt"`
}

// StageTaskID returns the head task id recorded for stage, if any.
func (j *PipelineJob) StageTaskID(stage string) *uuid.UUID {
	switch stage {
	case StageIntentClarifier:
		return j.IntentTaskID
	case StageCompetitorDiscovery:
		return j.CompetitorTaskID
	case StageTopFiveSelector:
		return j.TopFiveTaskID
	}
	return nil
}
