package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cai265891-design/Signalidea/internal/store"
	"github.com/cai265891-design/Signalidea/pkg/models"
)

// InterruptedMessage is recorded on tasks the reaper fails.
const InterruptedMessage = "interrupted: no terminal state recorded"

// StalledMessage is recorded on jobs whose current stage finished without the
// job moving on.
const StalledMessage = "interrupted: stage finished but the job did not advance"

// Reaper fails tasks left PENDING or PROCESSING by a process that exited
// before recording an outcome.
type Reaper struct {
	store      store.Store
	staleAfter time.Duration
}

func NewReaper(s store.Store, staleAfter time.Duration) *Reaper {
	return &Reaper{store: s, staleAfter: staleAfter}
}

// Sweep fails every stale task and, where the task heads its job's current
// stage, the job. It then fails stale jobs whose stage head is already
// terminal or missing. It returns the number of tasks and jobs failed.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-r.staleAfter)
	stale, err := r.store.ListStaleTasks(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, t := range stale {
		err := r.store.UpdateTaskStatus(ctx, t.ID, models.StatusFailed, store.WithErrorMessage(InterruptedMessage))
		if isStoreVerdict(err) {
			continue
		}
		if err != nil {
			return reaped, err
		}
		reaped++

		if !isStage(t.WorkflowType) {
			continue
		}
		job, err := r.store.GetJobByID(ctx, t.ProjectID)
		if err != nil {
			continue
		}
		head := job.StageTaskID(t.WorkflowType)
		if job.CurrentStage != t.WorkflowType || head == nil || *head != t.ID {
			continue
		}
		err = r.store.UpdateJob(ctx, job.ID,
			store.WithJobStatus(models.StatusFailed),
			store.WithJobError(InterruptedMessage),
		)
		if err != nil && !errors.Is(err, store.ErrJobTerminal) {
			return reaped, err
		}
	}

	stalled, err := r.sweepJobs(ctx, cutoff)
	reaped += stalled
	if err != nil {
		return reaped, err
	}

	if reaped > 0 {
		slog.Warn("reaped stale tasks", "count", reaped, "stale_after", r.staleAfter.String())
	}
	return reaped, nil
}

func (r *Reaper) sweepJobs(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := r.store.ListStaleJobIDs(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, id := range ids {
		job, err := r.store.GetJobByID(ctx, id)
		if err != nil {
			continue
		}
		if !r.headSettled(ctx, job) {
			continue
		}
		err = r.store.UpdateJob(ctx, job.ID,
			store.WithJobStatus(models.StatusFailed),
			store.WithJobError(StalledMessage),
		)
		if isStoreVerdict(err) {
			continue
		}
		if err != nil {
			return failed, err
		}
		slog.Warn("failed stalled job", "job_id", job.ID, "current_stage", job.CurrentStage)
		failed++
	}
	return failed, nil
}

// headSettled reports whether nothing can move job forward any more: its
// current stage has no task, or that task already reached a terminal state.
func (r *Reaper) headSettled(ctx context.Context, job *models.PipelineJob) bool {
	head := job.StageTaskID(job.CurrentStage)
	if head == nil {
		return true
	}
	task, err := r.store.GetTask(ctx, *head)
	if errors.Is(err, store.ErrNotFound) {
		return true
	}
	if err != nil {
		return false
	}
	return models.IsTerminal(task.Status)
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				slog.Error("stale task sweep failed", "error", err)
			}
		}
	}
}
