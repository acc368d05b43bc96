package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cai265891-design/Signalidea/pkg/models"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrTaskTerminal is returned when a status update targets a task that is
// already COMPLETED or FAILED.
var ErrTaskTerminal = errors.New("task already terminal")

// ErrJobTerminal is returned when an update targets a job that is already
// COMPLETED or FAILED.
var ErrJobTerminal = errors.New("job already terminal")

var ErrInvalidTransition = errors.New("invalid status transition")

// Store is the data access interface. All database operations go through here.
//
// Methods taking an owner id scope the read to that user and return
// ErrNotFound for rows owned by someone else.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, userID uuid.UUID) error

	CreateJob(ctx context.Context, job *models.PipelineJob) error
	GetJob(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) (*models.PipelineJob, error)
	GetJobByID(ctx context.Context, id uuid.UUID) (*models.PipelineJob, error)
	UpdateJob(ctx context.Context, id uuid.UUID, opts ...JobUpdateOption) error
	ListStaleJobIDs(ctx context.Context, olderThan time.Time) ([]uuid.UUID, error)

	CreateTask(ctx context.Context, task *models.AnalysisTask) error
	GetTask(ctx context.Context, id uuid.UUID) (*models.AnalysisTask, error)
	UpdateTaskStatus(ctx context.Context, id uuid.UUID, status string, opts ...TaskUpdateOption) error
	ResetTask(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) error
	ListTasks(ctx context.Context, projectID uuid.UUID, ownerID uuid.UUID) ([]*models.AnalysisTask, error)
	GetTasksByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.AnalysisTask, error)
	ListStaleTasks(ctx context.Context, olderThan time.Time) ([]*models.AnalysisTask, error)
}

// --- Job updates ---

type jobUpdateParams struct {
	Status           *string
	CurrentStage     *string
	ErrorMessage     *string
	IntentResult     json.RawMessage
	CompetitorResult json.RawMessage
	TopFiveResult    json.RawMessage
	IntentTaskID     *uuid.UUID
	CompetitorTaskID *uuid.UUID
	TopFiveTaskID    *uuid.UUID
}

type JobUpdateOption func(*jobUpdateParams)

func WithJobStatus(status string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Status = &status
	}
}

func WithStage(stage string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.CurrentStage = &stage
	}
}

func WithJobError(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ErrorMessage = &msg
	}
}

func WithIntentResult(raw json.RawMessage) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.IntentResult = raw
	}
}

func WithCompetitorResult(raw json.RawMessage) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.CompetitorResult = raw
	}
}

func WithTopFiveResult(raw json.RawMessage) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.TopFiveResult = raw
	}
}

// WithStageTask records id as the head task of stage.
func WithStageTask(stage string, id uuid.UUID) JobUpdateOption {
	return func(p *jobUpdateParams) {
		switch stage {
		case models.StageIntentClarifier:
			p.IntentTaskID = &id
		case models.StageCompetitorDiscovery:
			p.CompetitorTaskID = &id
		case models.StageTopFiveSelector:
			p.TopFiveTaskID = &id
		}
	}
}

// --- Task updates ---

type taskUpdateParams struct {
	Result         json.RawMessage
	ErrorMessage   *string
	DiscoveredURLs []string
}

type TaskUpdateOption func(*taskUpdateParams)

func WithResult(raw json.RawMessage) TaskUpdateOption {
	return func(p *taskUpdateParams) {
		p.Result = raw
	}
}

func WithErrorMessage(msg string) TaskUpdateOption {
	return func(p *taskUpdateParams) {
		p.ErrorMessage = &msg
	}
}

func WithDiscoveredURLs(urls []string) TaskUpdateOption {
	return func(p *taskUpdateParams) {
		p.DiscoveredURLs = urls
	}
}

// validTaskTransitions lists, per current status, the statuses a task may move to.
// PROCESSING -> PROCESSING lets a fan-out item record intermediate output.
// FAILED -> PENDING is only reachable through ResetTask.
var validTaskTransitions = map[string][]string{
	models.StatusPending:    {models.StatusProcessing, models.StatusFailed},
	models.StatusProcessing: {models.StatusProcessing, models.StatusCompleted, models.StatusFailed},
}

// sourcesFor returns the statuses from which a task may move to target.
func sourcesFor(target string) []string {
	var out []string
	for from, tos := range validTaskTransitions {
		for _, to := range tos {
			if to == target {
				out = append(out, from)
			}
		}
	}
	return out
}

// classifyNoRows explains why a conditional task update touched no rows.
func classifyNoRows(current string, found bool) error {
	if !found {
		return ErrNotFound
	}
	if models.IsTerminal(current) {
		return ErrTaskTerminal
	}
	return ErrInvalidTransition
}

var terminalStatuses = []string{models.StatusCompleted, models.StatusFailed}
