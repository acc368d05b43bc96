// Package pipeline drives research jobs through the external workflow stages
// and fans feature-matrix work out per competitor.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cai265891-design/Signalidea/internal/config"
	"github.com/cai265891-design/Signalidea/internal/store"
	"github.com/cai265891-design/Signalidea/internal/worker"
	"github.com/cai265891-design/Signalidea/internal/workflow"
	"github.com/cai265891-design/Signalidea/pkg/models"
	"github.com/google/uuid"
)

// CallbackPath is where the workflow engine reports task outcomes.
const CallbackPath = "/api/v1/pipeline/callback"

// Submitter accepts detached work. worker.Queue implements it.
type Submitter interface {
	Submit(name string, fn worker.Unit, opts ...worker.SubmitOption) error
}

// Callback is a task outcome reported by the workflow engine.
type Callback struct {
	TaskID         uuid.UUID
	Status         string
	Result         json.RawMessage
	ErrorMessage   string
	DiscoveredURLs []string
}

// Engine advances pipeline jobs from one stage to the next.
type Engine struct {
	store       store.Store
	invoker     workflow.Invoker
	queue       Submitter
	wf          config.WorkflowConfig
	callbackURL string
}

// NewEngine creates an Engine. When publicBaseURL is set, every stage payload
// carries a callbackUrl pointing back at this service.
func NewEngine(s store.Store, inv workflow.Invoker, q Submitter, wf config.WorkflowConfig, publicBaseURL string) *Engine {
	e := &Engine{
		store:   s,
		invoker: inv,
		queue:   q,
		wf:      wf,
	}
	if publicBaseURL != "" {
		e.callbackURL = strings.TrimRight(publicBaseURL, "/") + CallbackPath
	}
	return e
}

// --- stage payloads ---

type intentPayload struct {
	Input       string    `json:"input"`
	TaskID      uuid.UUID `json:"taskId"`
	CallbackURL string    `json:"callbackUrl,omitempty"`
}

type competitorPayload struct {
	UserInput            string                 `json:"userInput"`
	AnalysisData         json.RawMessage        `json:"analysisData"`
	RequirementStatement string                 `json:"requirementStatement"`
	MustHaves            []string               `json:"mustHaves"`
	KeyAssumptions       []models.KeyAssumption `json:"keyAssumptions"`
	TaskID               uuid.UUID              `json:"taskId"`
	CallbackURL          string                 `json:"callbackUrl,omitempty"`
}

type topFivePayload struct {
	Competitors  []models.Competitor `json:"competitors"`
	AnalysisData json.RawMessage     `json:"analysisData"`
	TaskID       uuid.UUID           `json:"taskId"`
	CallbackURL  string              `json:"callbackUrl,omitempty"`
}

func (e *Engine) endpoint(stage string) config.Endpoint {
	switch stage {
	case models.StageIntentClarifier:
		return e.wf.Intent
	case models.StageCompetitorDiscovery:
		return e.wf.CompetitorDiscovery
	case models.StageTopFiveSelector:
		return e.wf.TopFiveSelector
	}
	return config.Endpoint{}
}

// Start creates a job and its intent-clarifier task, queues the first
// trigger and returns without waiting for the workflow engine.
func (e *Engine) Start(ctx context.Context, ownerID uuid.UUID, input string) (*models.PipelineJob, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, ErrEmptyInput
	}
	if e.wf.Intent.URL == "" {
		return nil, fmt.Errorf("%w: N8N_WEBHOOK_URL", workflow.ErrNotConfigured)
	}

	now := time.Now().UTC()
	job := &models.PipelineJob{
		ID:           uuid.New(),
		UserID:       ownerID,
		UserInput:    input,
		Status:       models.StatusPending,
		CurrentStage: models.StageIntentClarifier,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}

	taskID := uuid.New()
	task, err := e.createStageTask(ctx, job, models.StageIntentClarifier, taskID, intentPayload{
		Input:       input,
		TaskID:      taskID,
		CallbackURL: e.callbackURL,
	})
	if err != nil {
		e.failJob(ctx, job.ID, err.Error())
		return nil, err
	}

	if err := e.store.UpdateJob(ctx, job.ID,
		store.WithStageTask(models.StageIntentClarifier, task.ID),
		store.WithJobStatus(models.StatusProcessing),
	); err != nil {
		err = fmt.Errorf("recording intent task: %w", err)
		e.failStage(ctx, job.ID, task.ID, err.Error())
		return nil, err
	}
	job.Status = models.StatusProcessing
	job.IntentTaskID = &task.ID

	if err := e.dispatch(job.ID, models.StageIntentClarifier, task); err != nil {
		e.failStage(ctx, job.ID, task.ID, fmt.Sprintf("intent clarifier: %v", err))
		return nil, err
	}

	slog.Info("pipeline started", "job_id", job.ID, "task_id", task.ID)
	return job, nil
}

func (e *Engine) createStageTask(ctx context.Context, job *models.PipelineJob, stage string, taskID uuid.UUID, payload any) (*models.AnalysisTask, error) {
	input, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", stageLabel(stage), err)
	}

	now := time.Now().UTC()
	task := &models.AnalysisTask{
		ID:           taskID,
		ProjectID:    job.ID,
		UserID:       job.UserID,
		WorkflowType: stage,
		Status:       models.StatusPending,
		InputData:    input,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("creating %s task: %w", stageLabel(stage), err)
	}
	return task, nil
}

// dispatch queues the stage trigger. A trigger that panics or runs out of
// attempts fails the task and the job.
func (e *Engine) dispatch(jobID uuid.UUID, stage string, task *models.AnalysisTask) error {
	name := fmt.Sprintf("trigger %s %s", stage, task.ID)
	return e.queue.Submit(name, func(ctx context.Context) error {
		return e.trigger(ctx, jobID, stage, task)
	}, worker.WithFailureHook(func(ctx context.Context, err error) {
		e.failStage(ctx, jobID, task.ID, fmt.Sprintf("%s: %v", stageLabel(stage), err))
	}))
}

// trigger marks the task PROCESSING and posts its payload to the stage
// webhook. The result arrives later through HandleCallback; a synchronous
// failure fails the task and the job here.
func (e *Engine) trigger(ctx context.Context, jobID uuid.UUID, stage string, task *models.AnalysisTask) error {
	err := e.store.UpdateTaskStatus(ctx, task.ID, models.StatusProcessing)
	if isStoreVerdict(err) {
		slog.Warn("stage task no longer pending, skipping trigger",
			"job_id", jobID,
			"task_id", task.ID,
			"error", err,
		)
		return nil
	}
	if err != nil {
		return worker.Retryable(fmt.Errorf("marking task processing: %w", err))
	}

	ep := e.endpoint(stage)
	_, err = e.invoker.Invoke(ctx, ep.URL, json.RawMessage(task.InputData), workflow.Options{
		Name:    stageLabel(stage),
		Timeout: ep.Timeout,
	})
	if err != nil {
		slog.Error("stage trigger failed",
			"job_id", jobID,
			"task_id", task.ID,
			"workflow_type", stage,
			"error", err,
		)
		e.failStage(ctx, jobID, task.ID, triggerFailureMessage(stage, err))
		return nil
	}

	slog.Info("stage triggered", "job_id", jobID, "task_id", task.ID, "workflow_type", stage)
	return nil
}

// triggerFailureMessage keeps typed messages ("x timed out after Ns") as they
// are and prefixes everything else with the stage name.
func triggerFailureMessage(stage string, err error) string {
	var te *workflow.TimeoutError
	if errors.As(err, &te) {
		return te.Error()
	}
	var ue *workflow.UpstreamError
	if errors.As(err, &ue) {
		return ue.Error()
	}
	return fmt.Sprintf("%s: %v", stageLabel(stage), err)
}

// HandleCallback applies a task outcome and advances the owning job.
//
// Replays against a task that is already terminal are accepted and change
// nothing. Callbacks for a task that is not the current head of its job, or
// whose job has finished, update the task only.
func (e *Engine) HandleCallback(ctx context.Context, cb Callback) error {
	switch cb.Status {
	case models.StatusProcessing, models.StatusCompleted, models.StatusFailed:
	default:
		return fmt.Errorf("%w: status must be PROCESSING, COMPLETED or FAILED", ErrInvalidCallback)
	}

	task, err := e.store.GetTask(ctx, cb.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrTaskNotFound
	}
	if err != nil {
		return fmt.Errorf("loading task: %w", err)
	}

	if models.IsTerminal(task.Status) {
		slog.Info("callback replay ignored",
			"task_id", task.ID,
			"status", task.Status,
			"callback_status", cb.Status,
		)
		return nil
	}

	if !isStage(task.WorkflowType) {
		return e.recordItemCallback(ctx, task, cb)
	}

	if cb.Status == models.StatusProcessing {
		return ignoreTerminal(e.store.UpdateTaskStatus(ctx, task.ID, models.StatusProcessing))
	}

	if cb.Status == models.StatusFailed {
		msg := cb.ErrorMessage
		if msg == "" {
			msg = fmt.Sprintf("Task %s failed", task.WorkflowType)
		}
		return e.settleFailure(ctx, task, msg)
	}

	value, canonical, err := workflow.DecodeResult(task.WorkflowType, cb.Result)
	if err != nil {
		slog.Error("callback result rejected",
			"task_id", task.ID,
			"workflow_type", task.WorkflowType,
			"error", err,
		)
		if ferr := e.settleFailure(ctx, task, fmt.Sprintf("%s: %v", stageLabel(task.WorkflowType), err)); ferr != nil {
			return ferr
		}
		return err
	}

	err = e.store.UpdateTaskStatus(ctx, task.ID, models.StatusCompleted, store.WithResult(canonical))
	if errors.Is(err, store.ErrTaskTerminal) {
		// lost a race with a concurrent replay
		return nil
	}
	if err != nil {
		return fmt.Errorf("completing task: %w", err)
	}

	job, ok, err := e.headJob(ctx, task)
	if err != nil || !ok {
		return err
	}
	return e.advance(ctx, job, task, value, canonical)
}

// recordItemCallback handles tasks that are not pipeline stages, such as
// feature-matrix items reported by the workflow engine.
func (e *Engine) recordItemCallback(ctx context.Context, task *models.AnalysisTask, cb Callback) error {
	var opts []store.TaskUpdateOption
	if cb.DiscoveredURLs != nil {
		opts = append(opts, store.WithDiscoveredURLs(cb.DiscoveredURLs))
	}

	switch cb.Status {
	case models.StatusCompleted:
		result := cb.Result
		if task.WorkflowType == models.WorkflowFeatureMatrix {
			_, canonical, err := workflow.DecodeResult(task.WorkflowType, cb.Result)
			if err != nil {
				_ = ignoreTerminal(e.store.UpdateTaskStatus(ctx, task.ID, models.StatusFailed,
					store.WithErrorMessage(fmt.Sprintf("feature matrix: %v", err))))
				return err
			}
			result = canonical
		}
		opts = append(opts, store.WithResult(result))
	case models.StatusFailed:
		msg := cb.ErrorMessage
		if msg == "" {
			msg = fmt.Sprintf("Task %s failed", task.WorkflowType)
		}
		opts = append(opts, store.WithErrorMessage(msg))
	}

	if err := ignoreTerminal(e.store.UpdateTaskStatus(ctx, task.ID, cb.Status, opts...)); err != nil {
		return err
	}

	if tasks, err := e.store.ListTasks(ctx, task.ProjectID, task.UserID); err == nil {
		p := models.SummarizeTasks(filterType(tasks, task.WorkflowType))
		slog.Info("item callback recorded",
			"project_id", task.ProjectID,
			"task_id", task.ID,
			"status", cb.Status,
			"completed", p.Completed,
			"failed", p.Failed,
			"total", p.Total,
		)
	}
	return nil
}

// settleFailure fails the task and, when it heads its job, the job too.
func (e *Engine) settleFailure(ctx context.Context, task *models.AnalysisTask, msg string) error {
	err := e.store.UpdateTaskStatus(ctx, task.ID, models.StatusFailed, store.WithErrorMessage(msg))
	if errors.Is(err, store.ErrTaskTerminal) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failing task: %w", err)
	}

	job, ok, err := e.headJob(ctx, task)
	if err != nil || !ok {
		return err
	}
	if Decide(task.WorkflowType, Outcome{Status: models.StatusFailed}).Kind == ActionFail {
		e.failJob(ctx, job.ID, msg)
	}
	return nil
}

// headJob loads the task's job and reports whether the task is still the
// job's current stage head.
func (e *Engine) headJob(ctx context.Context, task *models.AnalysisTask) (*models.PipelineJob, bool, error) {
	job, err := e.store.GetJobByID(ctx, task.ProjectID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("callback for task without job", "task_id", task.ID, "project_id", task.ProjectID)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("loading job: %w", err)
	}

	if models.IsTerminal(job.Status) {
		slog.Info("job already terminal, not advancing", "job_id", job.ID, "task_id", task.ID)
		return nil, false, nil
	}
	head := job.StageTaskID(task.WorkflowType)
	if job.CurrentStage != task.WorkflowType || head == nil || *head != task.ID {
		slog.Warn("task is not the current stage head, not advancing",
			"job_id", job.ID,
			"task_id", task.ID,
			"current_stage", job.CurrentStage,
		)
		return nil, false, nil
	}
	return job, true, nil
}

// advance caches the stage result on the job and either triggers the next
// stage or completes the job.
func (e *Engine) advance(ctx context.Context, job *models.PipelineJob, task *models.AnalysisTask, value any, canonical json.RawMessage) error {
	stage := task.WorkflowType
	outcome := Outcome{Status: models.StatusCompleted}
	if list, ok := value.(*models.CompetitorList); ok {
		outcome.CompetitorCount = len(list.Competitors)
	}
	action := Decide(stage, outcome)

	var opts []store.JobUpdateOption
	switch stage {
	case models.StageIntentClarifier:
		opts = append(opts, store.WithIntentResult(canonical))
	case models.StageCompetitorDiscovery:
		opts = append(opts, store.WithCompetitorResult(canonical))
	case models.StageTopFiveSelector:
		opts = append(opts, store.WithTopFiveResult(canonical))
	}

	slog.Info("stage completed",
		"job_id", job.ID,
		"task_id", task.ID,
		"workflow_type", stage,
		"action", action.Kind.String(),
		"next", action.Next,
	)

	switch action.Kind {
	case ActionComplete:
		if stage == models.StageCompetitorDiscovery {
			opts = append(opts, store.WithTopFiveResult(canonical))
		}
		opts = append(opts,
			store.WithJobStatus(models.StatusCompleted),
			store.WithStage(models.StageCompleted),
		)
		err := ignoreJobTerminal(persist(ctx, func(ctx context.Context) error {
			return e.store.UpdateJob(ctx, job.ID, opts...)
		}))
		if err != nil {
			err = fmt.Errorf("completing job: %w", err)
			e.failJob(ctx, job.ID, err.Error())
			return err
		}
		return nil

	case ActionAdvance:
		next, err := e.createNextTask(ctx, job, action.Next, value, canonical)
		if err != nil {
			e.failJob(ctx, job.ID, err.Error())
			return err
		}
		opts = append(opts,
			store.WithStage(action.Next),
			store.WithStageTask(action.Next, next.ID),
		)
		err = persist(ctx, func(ctx context.Context) error {
			return e.store.UpdateJob(ctx, job.ID, opts...)
		})
		if errors.Is(err, store.ErrJobTerminal) {
			_ = e.store.UpdateTaskStatus(ctx, next.ID, models.StatusFailed, store.WithErrorMessage("job already terminal"))
			return nil
		}
		if err != nil {
			// the next task never became the head; fail it with the job
			err = fmt.Errorf("advancing job: %w", err)
			e.failStage(ctx, job.ID, next.ID, err.Error())
			return err
		}
		if err := e.dispatch(job.ID, action.Next, next); err != nil {
			e.failStage(ctx, job.ID, next.ID, fmt.Sprintf("%s: %v", stageLabel(action.Next), err))
			return err
		}
		return nil
	}
	return nil
}

// createNextTask builds the follow-up stage's payload from the result that
// just completed and persists the task.
func (e *Engine) createNextTask(ctx context.Context, job *models.PipelineJob, next string, value any, canonical json.RawMessage) (*models.AnalysisTask, error) {
	taskID := uuid.New()

	var payload any
	switch next {
	case models.StageCompetitorDiscovery:
		intent, ok := value.(*models.IntentResult)
		if !ok {
			return nil, fmt.Errorf("unexpected intent result type %T", value)
		}
		payload = competitorPayload{
			UserInput:            job.UserInput,
			AnalysisData:         canonical,
			RequirementStatement: intent.RequirementStatement,
			MustHaves:            intent.Certainties.MustHaves,
			KeyAssumptions:       intent.KeyAssumptions,
			TaskID:               taskID,
			CallbackURL:          e.callbackURL,
		}
	case models.StageTopFiveSelector:
		list, ok := value.(*models.CompetitorList)
		if !ok {
			return nil, fmt.Errorf("unexpected competitor result type %T", value)
		}
		payload = topFivePayload{
			Competitors:  list.Competitors,
			AnalysisData: job.IntentResult,
			TaskID:       taskID,
			CallbackURL:  e.callbackURL,
		}
	default:
		return nil, fmt.Errorf("no follow-up task for stage %s", next)
	}

	return e.createStageTask(ctx, job, next, taskID, payload)
}

// failStage records a trigger failure on the task and the job.
func (e *Engine) failStage(ctx context.Context, jobID, taskID uuid.UUID, msg string) {
	err := persist(ctx, func(ctx context.Context) error {
		return e.store.UpdateTaskStatus(ctx, taskID, models.StatusFailed, store.WithErrorMessage(msg))
	})
	if err != nil && !errors.Is(err, store.ErrTaskTerminal) {
		slog.Error("failed to record task failure", "task_id", taskID, "error", err)
	}
	e.failJob(ctx, jobID, msg)
}

func (e *Engine) failJob(ctx context.Context, jobID uuid.UUID, msg string) {
	err := persist(ctx, func(ctx context.Context) error {
		return e.store.UpdateJob(ctx, jobID,
			store.WithJobStatus(models.StatusFailed),
			store.WithJobError(msg),
		)
	})
	if errors.Is(err, store.ErrJobTerminal) {
		return
	}
	if err != nil {
		slog.Error("failed to record job failure", "job_id", jobID, "error", err)
		return
	}
	slog.Warn("pipeline failed", "job_id", jobID, "error", msg)
}

func ignoreTerminal(err error) error {
	if errors.Is(err, store.ErrTaskTerminal) {
		return nil
	}
	return err
}

func ignoreJobTerminal(err error) error {
	if errors.Is(err, store.ErrJobTerminal) {
		return nil
	}
	return err
}

func filterType(tasks []*models.AnalysisTask, workflowType string) []*models.AnalysisTask {
	out := make([]*models.AnalysisTask, 0, len(tasks))
	for _, t := range tasks {
		if t.WorkflowType == workflowType {
			out = append(out, t)
		}
	}
	return out
}
