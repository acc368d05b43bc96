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
	"golang.org/x/sync/errgroup"
)

// MaxFanOutItems caps the competitors accepted by one dispatch.
const MaxFanOutItems = 5

// ItemResult holds the outcome of one fan-out item.
type ItemResult[R any] struct {
	Index int
	Value R
	Err   error
}

// FanOutOutcome collects every item's result in input order.
type FanOutOutcome[R any] struct {
	Results   []ItemResult[R]
	Succeeded int
	Failed    int
}

// RunFanOut runs fn for every item in parallel and waits for all of them to
// settle. A failing item never cancels its siblings. limit bounds the number
// of concurrent items when positive.
func RunFanOut[T, R any](ctx context.Context, items []T, limit int, fn func(ctx context.Context, item T) (R, error)) FanOutOutcome[R] {
	results := make([]ItemResult[R], len(items))

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}

	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					results[i] = ItemResult[R]{Index: i, Err: fmt.Errorf("panic: %v", r)}
				}
			}()
			v, err := fn(ctx, item)
			results[i] = ItemResult[R]{Index: i, Value: v, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	out := FanOutOutcome[R]{Results: results}
	for _, r := range results {
		if r.Err != nil {
			out.Failed++
		} else {
			out.Succeeded++
		}
	}
	return out
}

// matrixItem is one competitor's feature-matrix task.
type matrixItem struct {
	Task       *models.AnalysisTask
	Competitor models.MatrixCompetitor
}

type discoverPayload struct {
	TaskID    uuid.UUID `json:"taskId"`
	ProjectID uuid.UUID `json:"projectId"`
	Name      string    `json:"name"`
	Website   string    `json:"website"`
	Tagline   string    `json:"tagline"`
}

type scrapePayload struct {
	TaskID         uuid.UUID `json:"taskId"`
	ProjectID      uuid.UUID `json:"projectId"`
	CompetitorName string    `json:"competitorName"`
	Website        string    `json:"website"`
	URLs           []string  `json:"urls"`
}

// Coordinator builds a feature matrix by running a two-step chain per
// competitor: URL discovery, then enrichment of the discovered pages.
type Coordinator struct {
	store   store.Store
	invoker workflow.Invoker
	queue   Submitter
	wf      config.WorkflowConfig
}

func NewCoordinator(s store.Store, inv workflow.Invoker, q Submitter, wf config.WorkflowConfig) *Coordinator {
	return &Coordinator{
		store:   s,
		invoker: inv,
		queue:   q,
		wf:      wf,
	}
}

func (c *Coordinator) configured() error {
	if c.wf.URLDiscovery.URL == "" || c.wf.FeatureMatrix.URL == "" {
		return fmt.Errorf("%w: N8N_WEBHOOK_DISCOVER_URL and N8N_WEBHOOK_SCRAPE_URL are required", workflow.ErrNotConfigured)
	}
	return nil
}

// Dispatch creates one FEATURE_MATRIX task per competitor under projectID,
// queues the fan-out and returns the task ids without waiting for it.
func (c *Coordinator) Dispatch(ctx context.Context, ownerID, projectID uuid.UUID, competitors []models.MatrixCompetitor) ([]uuid.UUID, error) {
	if len(competitors) == 0 || len(competitors) > MaxFanOutItems {
		return nil, ErrTooManyItems
	}
	if err := c.configured(); err != nil {
		return nil, err
	}

	if _, err := c.store.GetJob(ctx, projectID, ownerID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("loading project: %w", err)
	}

	items := make([]matrixItem, 0, len(competitors))
	ids := make([]uuid.UUID, 0, len(competitors))
	for _, comp := range competitors {
		input, err := json.Marshal(comp)
		if err != nil {
			return nil, fmt.Errorf("encoding competitor: %w", err)
		}
		now := time.Now().UTC()
		task := &models.AnalysisTask{
			ID:           uuid.New(),
			ProjectID:    projectID,
			UserID:       ownerID,
			WorkflowType: models.WorkflowFeatureMatrix,
			Status:       models.StatusPending,
			InputData:    input,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := c.store.CreateTask(ctx, task); err != nil {
			return nil, fmt.Errorf("creating feature matrix task: %w", err)
		}
		items = append(items, matrixItem{Task: task, Competitor: comp})
		ids = append(ids, task.ID)
	}

	name := fmt.Sprintf("feature matrix %s", projectID)
	err := c.queue.Submit(name, func(ctx context.Context) error {
		c.run(ctx, projectID, items)
		return nil
	}, worker.WithFailureHook(c.abandon(items)))
	if err != nil {
		for _, it := range items {
			c.finish(ctx, it.Task.ID, models.StatusFailed, store.WithErrorMessage(fmt.Sprintf("feature matrix: %v", err)))
		}
		return nil, err
	}

	slog.Info("feature matrix dispatched", "project_id", projectID, "items", len(items))
	return ids, nil
}

// RetryTask resets a failed feature-matrix task and runs its chain again.
func (c *Coordinator) RetryTask(ctx context.Context, ownerID, taskID uuid.UUID) (*models.AnalysisTask, error) {
	task, err := c.store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && task.UserID != ownerID) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading task: %w", err)
	}
	if task.WorkflowType != models.WorkflowFeatureMatrix {
		return nil, fmt.Errorf("%w: %s tasks cannot be retried", ErrNotRetriable, task.WorkflowType)
	}
	if err := c.configured(); err != nil {
		return nil, err
	}

	var comp models.MatrixCompetitor
	if err := json.Unmarshal(task.InputData, &comp); err != nil {
		return nil, fmt.Errorf("decoding task input: %w", err)
	}

	switch err := c.store.ResetTask(ctx, taskID, ownerID); {
	case errors.Is(err, store.ErrNotFound):
		return nil, ErrTaskNotFound
	case errors.Is(err, store.ErrInvalidTransition):
		return nil, fmt.Errorf("%w: task is %s", ErrNotRetriable, task.Status)
	case err != nil:
		return nil, fmt.Errorf("resetting task: %w", err)
	}

	task, err = c.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("reloading task: %w", err)
	}

	item := matrixItem{Task: task, Competitor: comp}
	err = c.queue.Submit(fmt.Sprintf("feature matrix retry %s", taskID), func(ctx context.Context) error {
		c.run(ctx, task.ProjectID, []matrixItem{item})
		return nil
	}, worker.WithFailureHook(c.abandon([]matrixItem{item})))
	if err != nil {
		c.finish(ctx, taskID, models.StatusFailed, store.WithErrorMessage(fmt.Sprintf("feature matrix: %v", err)))
		return nil, err
	}

	slog.Info("feature matrix task retried", "task_id", taskID, "attempts", task.Attempts)
	return task, nil
}

func (c *Coordinator) run(ctx context.Context, projectID uuid.UUID, items []matrixItem) {
	start := time.Now()
	out := RunFanOut(ctx, items, c.wf.FanOutConcurrency, c.runItem)

	slog.Info("feature matrix settled",
		"project_id", projectID,
		"succeeded", out.Succeeded,
		"failed", out.Failed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// runItem runs one competitor's chain and always leaves its task terminal.
func (c *Coordinator) runItem(ctx context.Context, it matrixItem) (result *models.FeatureMatrixResult, err error) {
	taskID := it.Task.ID
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			slog.Error("panic in feature matrix item", "task_id", taskID, "error", r)
			c.finish(ctx, taskID, models.StatusFailed, store.WithErrorMessage("feature matrix: "+err.Error()))
		}
	}()

	err = persist(ctx, func(ctx context.Context) error {
		return c.store.UpdateTaskStatus(ctx, taskID, models.StatusProcessing)
	})
	if err != nil {
		slog.Warn("feature matrix item not started", "task_id", taskID, "error", err)
		return nil, err
	}

	discovered, err := workflow.Call[models.URLDiscoveryResult](ctx, c.invoker, c.wf.URLDiscovery.URL, discoverPayload{
		TaskID:    taskID,
		ProjectID: it.Task.ProjectID,
		Name:      it.Competitor.Name,
		Website:   it.Competitor.Website,
		Tagline:   it.Competitor.Tagline,
	}, workflow.Options{Name: "url discovery", Timeout: c.wf.URLDiscovery.Timeout})
	if err != nil {
		c.finish(ctx, taskID, models.StatusFailed, store.WithErrorMessage(stepFailure("url discovery", err)))
		return nil, err
	}

	err = persist(ctx, func(ctx context.Context) error {
		return c.store.UpdateTaskStatus(ctx, taskID, models.StatusProcessing, store.WithDiscoveredURLs(discovered.URLs))
	})
	if err != nil {
		slog.Warn("feature matrix item abandoned after url discovery", "task_id", taskID, "error", err)
		return nil, err
	}

	matrix, err := workflow.Call[models.FeatureMatrixResult](ctx, c.invoker, c.wf.FeatureMatrix.URL, scrapePayload{
		TaskID:         taskID,
		ProjectID:      it.Task.ProjectID,
		CompetitorName: it.Competitor.Name,
		Website:        it.Competitor.Website,
		URLs:           discovered.URLs,
	}, workflow.Options{Name: "feature matrix", Timeout: c.wf.FeatureMatrix.Timeout})
	if err != nil {
		c.finish(ctx, taskID, models.StatusFailed, store.WithErrorMessage(stepFailure("feature matrix", err)))
		return nil, err
	}

	if matrix.Competitor == "" {
		matrix.Competitor = it.Competitor.Name
	}
	raw, err := json.Marshal(matrix)
	if err != nil {
		c.finish(ctx, taskID, models.StatusFailed, store.WithErrorMessage(stepFailure("feature matrix", err)))
		return nil, err
	}
	c.finish(ctx, taskID, models.StatusCompleted, store.WithResult(raw))
	return matrix, nil
}

// finish writes an item's terminal state, retrying transient store errors.
// abandon fails whichever items a crashed run left unfinished.
func (c *Coordinator) abandon(items []matrixItem) func(ctx context.Context, err error) {
	return func(ctx context.Context, err error) {
		for _, it := range items {
			c.finish(ctx, it.Task.ID, models.StatusFailed, store.WithErrorMessage(fmt.Sprintf("feature matrix: %v", err)))
		}
	}
}

func (c *Coordinator) finish(ctx context.Context, taskID uuid.UUID, status string, opts ...store.TaskUpdateOption) {
	err := persist(ctx, func(ctx context.Context) error {
		return c.store.UpdateTaskStatus(ctx, taskID, status, opts...)
	})
	if err != nil && !errors.Is(err, store.ErrTaskTerminal) {
		slog.Error("failed to record feature matrix outcome",
			"task_id", taskID,
			"status", status,
			"error", err,
		)
	}
}

// stepFailure formats "<step>: <err>" without repeating the step name when
// the error already leads with it.
func stepFailure(step string, err error) string {
	msg := err.Error()
	if strings.HasPrefix(msg, step) {
		return msg
	}
	return step + ": " + msg
}
