package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cai265891-design/Signalidea/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- API Keys ---

const apiKeyColumns = `id, user_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at`

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	return collectAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, user_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.UserID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE user_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return collectAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, userID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`, id, userID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func collectAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// --- Pipeline Jobs ---

const jobColumns = `id, user_id, user_input, status, current_stage, error_message,
	intent_result, competitor_result, top_five_result,
	intent_task_id, competitor_task_id, top_five_task_id,
	created_at, updated_at, completed_at`

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.PipelineJob) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pipeline_jobs (id, user_id, user_input, status, current_stage, intent_task_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.UserID, job.UserInput, job.Status, job.CurrentStage, job.IntentTaskID, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) (*models.PipelineJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM pipeline_jobs WHERE id = $1 AND user_id = $2`, id, ownerID)
	j, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) GetJobByID(ctx context.Context, id uuid.UUID) (*models.PipelineJob, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM pipeline_jobs WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get job by id: %w", err)
	}
	return j, nil
}

// ListStaleJobIDs returns unfinished jobs not updated since olderThan.
func (s *PostgresStore) ListStaleJobIDs(ctx context.Context, olderThan time.Time) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM pipeline_jobs WHERE status = ANY($1) AND updated_at < $2 ORDER BY updated_at`,
		[]string{models.StatusPending, models.StatusProcessing}, olderThan)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("scan job ids: %w", err)
	}
	return ids, nil
}

func scanJob(row pgx.Row) (*models.PipelineJob, error) {
	var j models.PipelineJob
	var intent, competitor, topFive []byte
	err := row.Scan(&j.ID, &j.UserID, &j.UserInput, &j.Status, &j.CurrentStage, &j.ErrorMessage,
		&intent, &competitor, &topFive,
		&j.IntentTaskID, &j.CompetitorTaskID, &j.TopFiveTaskID,
		&j.CreatedAt, &j.UpdatedAt, &j.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	j.IntentResult = rawJSON(intent)
	j.CompetitorResult = rawJSON(competitor)
	j.TopFiveResult = rawJSON(topFive)
	return &j, nil
}

// UpdateJob applies opts to a job that is not yet terminal. Moving the job to
// COMPLETED or FAILED stamps completed_at.
func (s *PostgresStore) UpdateJob(ctx context.Context, id uuid.UUID, opts ...JobUpdateOption) error {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	now := time.Now().UTC()
	query := `UPDATE pipeline_jobs SET updated_at = $2`
	args := []any{id, now}
	argIdx := 3

	set := func(column string, v any) {
		query += fmt.Sprintf(", %s = $%d", column, argIdx)
		args = append(args, v)
		argIdx++
	}

	if params.Status != nil {
		set("status", *params.Status)
		if models.IsTerminal(*params.Status) {
			set("completed_at", now)
		}
	}
	if params.CurrentStage != nil {
		set("current_stage", *params.CurrentStage)
	}
	if params.ErrorMessage != nil {
		set("error_message", *params.ErrorMessage)
	}
	if params.IntentResult != nil {
		set("intent_result", []byte(params.IntentResult))
	}
	if params.CompetitorResult != nil {
		set("competitor_result", []byte(params.CompetitorResult))
	}
	if params.TopFiveResult != nil {
		set("top_five_result", []byte(params.TopFiveResult))
	}
	if params.IntentTaskID != nil {
		set("intent_task_id", *params.IntentTaskID)
	}
	if params.CompetitorTaskID != nil {
		set("competitor_task_id", *params.CompetitorTaskID)
	}
	if params.TopFiveTaskID != nil {
		set("top_five_task_id", *params.TopFiveTaskID)
	}

	query += fmt.Sprintf(" WHERE id = $1 AND status <> ALL($%d)", argIdx)
	args = append(args, terminalStatuses)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM pipeline_jobs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}
	return ErrJobTerminal
}

// --- Analysis Tasks ---

const taskColumns = `id, project_id, user_id, workflow_type, status, input_data, result_data,
	discovered_urls, error_message, attempts, created_at, updated_at, completed_at`

func (s *PostgresStore) CreateTask(ctx context.Context, task *models.AnalysisTask) error {
	if task.Attempts == 0 {
		task.Attempts = 1
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO async_analysis_tasks (id, project_id, user_id, workflow_type, status, input_data, attempts, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		task.ID, task.ProjectID, task.UserID, task.WorkflowType, task.Status, nullableJSON(task.InputData),
		task.Attempts, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id uuid.UUID) (*models.AnalysisTask, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM async_analysis_tasks WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// UpdateTaskStatus moves a task to status in a single conditional UPDATE, so
// two writers racing to finalize the same task cannot both succeed.
func (s *PostgresStore) UpdateTaskStatus(ctx context.Context, id uuid.UUID, status string, opts ...TaskUpdateOption) error {
	params := &taskUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	sources := sourcesFor(status)
	if len(sources) == 0 {
		return fmt.Errorf("%w: cannot set task status to %s", ErrInvalidTransition, status)
	}

	now := time.Now().UTC()
	query := `UPDATE async_analysis_tasks SET status = $2, updated_at = $3`
	args := []any{id, status, now}
	argIdx := 4

	set := func(column string, v any) {
		query += fmt.Sprintf(", %s = $%d", column, argIdx)
		args = append(args, v)
		argIdx++
	}

	if models.IsTerminal(status) {
		set("completed_at", now)
	}
	if params.Result != nil {
		set("result_data", []byte(params.Result))
	}
	if params.ErrorMessage != nil {
		set("error_message", *params.ErrorMessage)
	}
	if params.DiscoveredURLs != nil {
		urls, err := json.Marshal(params.DiscoveredURLs)
		if err != nil {
			return fmt.Errorf("encode discovered urls: %w", err)
		}
		set("discovered_urls", urls)
	}

	query += fmt.Sprintf(" WHERE id = $1 AND status = ANY($%d)", argIdx)
	args = append(args, sources)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM async_analysis_tasks WHERE id = $1`, id).Scan(&current)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("get task status: %w", err)
	}
	err = classifyNoRows(current, err == nil)
	if errors.Is(err, ErrInvalidTransition) {
		return fmt.Errorf("%w: %s -> %s", err, current, status)
	}
	return err
}

// ResetTask moves a FAILED task owned by ownerID back to PENDING for a retry.
func (s *PostgresStore) ResetTask(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE async_analysis_tasks
		 SET status = $3, error_message = NULL, result_data = NULL, discovered_urls = NULL,
		     completed_at = NULL, attempts = attempts + 1, updated_at = NOW()
		 WHERE id = $1 AND user_id = $2 AND status = $4`,
		id, ownerID, models.StatusPending, models.StatusFailed)
	if err != nil {
		return fmt.Errorf("reset task: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var current string
	err = s.pool.QueryRow(ctx,
		`SELECT status FROM async_analysis_tasks WHERE id = $1 AND user_id = $2`, id, ownerID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get task status: %w", err)
	}
	return fmt.Errorf("%w: only FAILED tasks can be reset, task is %s", ErrInvalidTransition, current)
}

func (s *PostgresStore) ListTasks(ctx context.Context, projectID uuid.UUID, ownerID uuid.UUID) ([]*models.AnalysisTask, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM async_analysis_tasks
		 WHERE project_id = $1 AND user_id = $2 ORDER BY created_at DESC`, projectID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return collectTasks(rows)
}

func (s *PostgresStore) GetTasksByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.AnalysisTask, error) {
	if len(ids) == 0 {
		return []*models.AnalysisTask{}, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM async_analysis_tasks WHERE id = ANY($1) ORDER BY created_at DESC`, ids)
	if err != nil {
		return nil, fmt.Errorf("get tasks by ids: %w", err)
	}
	return collectTasks(rows)
}

func (s *PostgresStore) ListStaleTasks(ctx context.Context, olderThan time.Time) ([]*models.AnalysisTask, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM async_analysis_tasks
		 WHERE status = ANY($1) AND updated_at < $2 ORDER BY updated_at`,
		[]string{models.StatusPending, models.StatusProcessing}, olderThan)
	if err != nil {
		return nil, fmt.Errorf("list stale tasks: %w", err)
	}
	return collectTasks(rows)
}

func scanTask(row pgx.Row) (*models.AnalysisTask, error) {
	var t models.AnalysisTask
	var input, result, urls []byte
	err := row.Scan(&t.ID, &t.ProjectID, &t.UserID, &t.WorkflowType, &t.Status, &input, &result,
		&urls, &t.ErrorMessage, &t.Attempts, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.InputData = rawJSON(input)
	t.ResultData = rawJSON(result)
	if t.DiscoveredURLs, err = decodeURLs(urls); err != nil {
		return nil, err
	}
	return &t, nil
}

func collectTasks(rows pgx.Rows) ([]*models.AnalysisTask, error) {
	defer rows.Close()

	tasks := []*models.AnalysisTask{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
