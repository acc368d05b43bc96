package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cai265891-design/Signalidea/pkg/models"
	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// sqliteTime is fixed width so that TEXT comparison and ORDER BY follow time order.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS api_keys (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	name         TEXT NOT NULL,
	key_hash     TEXT NOT NULL,
	key_prefix   TEXT NOT NULL,
	scopes       TEXT NOT NULL DEFAULT '[]',
	last_used_at TEXT,
	deleted_at   TEXT,
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys (key_prefix);
CREATE UNIQUE INDEX IF NOT EXISTS idx_api_keys_user_name ON api_keys (user_id, name) WHERE deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS pipeline_jobs (
	id                 TEXT PRIMARY KEY,
	user_id            TEXT NOT NULL,
	user_input         TEXT NOT NULL,
	status             TEXT NOT NULL,
	current_stage      TEXT NOT NULL,
	error_message      TEXT,
	intent_result      TEXT,
	competitor_result  TEXT,
	top_five_result    TEXT,
	intent_task_id     TEXT,
	competitor_task_id TEXT,
	top_five_task_id   TEXT,
	created_at         TEXT NOT NULL,
	updated_at         TEXT NOT NULL,
	completed_at       TEXT
);

CREATE TABLE IF NOT EXISTS async_analysis_tasks (
	id              TEXT PRIMARY KEY,
	project_id      TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	workflow_type   TEXT NOT NULL,
	status          TEXT NOT NULL,
	input_data      TEXT,
	result_data     TEXT,
	discovered_urls TEXT,
	error_message   TEXT,
	attempts        INTEGER NOT NULL DEFAULT 1,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL,
	completed_at    TEXT
);
CREATE INDEX IF NOT EXISTS idx_tasks_project ON async_analysis_tasks (project_id, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON async_analysis_tasks (status, updated_at);
`

// SQLiteStore implements Store on an embedded SQLite database. It backs local
// development and the in-memory store used by tests.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at dsn and applies the schema.
// Use ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// a single connection keeps ":memory:" databases alive and serializes writers
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- API Keys ---

func (s *SQLiteStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = ? AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	return collectSQLiteAPIKeys(rows)
}

func (s *SQLiteStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	now := formatTime(time.Now())
	if _, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ?, updated_at = ? WHERE id = ?`, now, now, id); err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	scopes, err := json.Marshal(key.Scopes)
	if err != nil {
		return fmt.Errorf("encode scopes: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, user_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.UserID, key.Name, key.KeyHash, key.KeyPrefix, string(scopes),
		formatTime(key.CreatedAt), formatTime(key.UpdatedAt))
	if err != nil {
		if isSQLiteConstraint(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE user_id = ? AND deleted_at IS NULL ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return collectSQLiteAPIKeys(rows)
}

func (s *SQLiteStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, userID uuid.UUID) error {
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET deleted_at = ?, updated_at = ? WHERE id = ? AND user_id = ? AND deleted_at IS NULL`,
		now, now, id, userID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func collectSQLiteAPIKeys(rows *sql.Rows) ([]*models.APIKey, error) {
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		var scopes string
		var lastUsed, deleted sql.NullString
		var created, updated string
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix, &scopes,
			&lastUsed, &deleted, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		if err := json.Unmarshal([]byte(scopes), &k.Scopes); err != nil {
			return nil, fmt.Errorf("decode scopes: %w", err)
		}
		k.LastUsedAt = parseNullTime(lastUsed)
		k.DeletedAt = parseNullTime(deleted)
		k.CreatedAt = parseTime(created)
		k.UpdatedAt = parseTime(updated)
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// --- Pipeline Jobs ---

func (s *SQLiteStore) CreateJob(ctx context.Context, job *models.PipelineJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pipeline_jobs (id, user_id, user_input, status, current_stage, intent_task_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.UserID, job.UserInput, job.Status, job.CurrentStage, job.IntentTaskID,
		formatTime(job.CreatedAt), formatTime(job.UpdatedAt))
	if err != nil {
		if isSQLiteConstraint(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) (*models.PipelineJob, error) {
	j, err := scanSQLiteJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM pipeline_jobs WHERE id = ? AND user_id = ?`, id, ownerID))
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *SQLiteStore) GetJobByID(ctx context.Context, id uuid.UUID) (*models.PipelineJob, error) {
	j, err := scanSQLiteJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM pipeline_jobs WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("get job by id: %w", err)
	}
	return j, nil
}

// ListStaleJobIDs returns unfinished jobs not updated since olderThan.
func (s *SQLiteStore) ListStaleJobIDs(ctx context.Context, olderThan time.Time) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM pipeline_jobs WHERE status IN (?, ?) AND updated_at < ? ORDER BY updated_at`,
		models.StatusPending, models.StatusProcessing, formatTime(olderThan))
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	defer rows.Close()

	ids := []uuid.UUID{}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanSQLiteJob(row *sql.Row) (*models.PipelineJob, error) {
	var j models.PipelineJob
	var intent, competitor, topFive sql.NullString
	var created, updated string
	var completed sql.NullString
	err := row.Scan(&j.ID, &j.UserID, &j.UserInput, &j.Status, &j.CurrentStage, &j.ErrorMessage,
		&intent, &competitor, &topFive,
		&j.IntentTaskID, &j.CompetitorTaskID, &j.TopFiveTaskID,
		&created, &updated, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	j.IntentResult = nullRaw(intent)
	j.CompetitorResult = nullRaw(competitor)
	j.TopFiveResult = nullRaw(topFive)
	j.CreatedAt = parseTime(created)
	j.UpdatedAt = parseTime(updated)
	j.CompletedAt = parseNullTime(completed)
	return &j, nil
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, id uuid.UUID, opts ...JobUpdateOption) error {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	now := formatTime(time.Now())
	sets := []string{"updated_at = ?"}
	args := []any{now}
	set := func(column string, v any) {
		sets = append(sets, column+" = ?")
		args = append(args, v)
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
		set("intent_result", string(params.IntentResult))
	}
	if params.CompetitorResult != nil {
		set("competitor_result", string(params.CompetitorResult))
	}
	if params.TopFiveResult != nil {
		set("top_five_result", string(params.TopFiveResult))
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

	args = append(args, id, models.StatusCompleted, models.StatusFailed)
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_jobs SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status NOT IN (?, ?)`, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM pipeline_jobs WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}
	return ErrJobTerminal
}

// --- Analysis Tasks ---

func (s *SQLiteStore) CreateTask(ctx context.Context, task *models.AnalysisTask) error {
	if task.Attempts == 0 {
		task.Attempts = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO async_analysis_tasks (id, project_id, user_id, workflow_type, status, input_data, attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.ProjectID, task.UserID, task.WorkflowType, task.Status, nullableText(task.InputData),
		task.Attempts, formatTime(task.CreatedAt), formatTime(task.UpdatedAt))
	if err != nil {
		if isSQLiteConstraint(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, id uuid.UUID) (*models.AnalysisTask, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM async_analysis_tasks WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	tasks, err := collectSQLiteTasks(rows)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("get task: %w", ErrNotFound)
	}
	return tasks[0], nil
}

func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, id uuid.UUID, status string, opts ...TaskUpdateOption) error {
	params := &taskUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	sources := sourcesFor(status)
	if len(sources) == 0 {
		return fmt.Errorf("%w: cannot set task status to %s", ErrInvalidTransition, status)
	}

	now := formatTime(time.Now())
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{status, now}
	set := func(column string, v any) {
		sets = append(sets, column+" = ?")
		args = append(args, v)
	}

	if models.IsTerminal(status) {
		set("completed_at", now)
	}
	if params.Result != nil {
		set("result_data", string(params.Result))
	}
	if params.ErrorMessage != nil {
		set("error_message", *params.ErrorMessage)
	}
	if params.DiscoveredURLs != nil {
		urls, err := json.Marshal(params.DiscoveredURLs)
		if err != nil {
			return fmt.Errorf("encode discovered urls: %w", err)
		}
		set("discovered_urls", string(urls))
	}

	args = append(args, id)
	for _, src := range sources {
		args = append(args, src)
	}
	query := `UPDATE async_analysis_tasks SET ` + strings.Join(sets, ", ") +
		` WHERE id = ? AND status IN (` + placeholders(len(sources)) + `)`

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM async_analysis_tasks WHERE id = ?`, id).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("get task status: %w", err)
	}
	err = classifyNoRows(current, err == nil)
	if errors.Is(err, ErrInvalidTransition) {
		return fmt.Errorf("%w: %s -> %s", err, current, status)
	}
	return err
}

func (s *SQLiteStore) ResetTask(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE async_analysis_tasks
		 SET status = ?, error_message = NULL, result_data = NULL, discovered_urls = NULL,
		     completed_at = NULL, attempts = attempts + 1, updated_at = ?
		 WHERE id = ? AND user_id = ? AND status = ?`,
		models.StatusPending, formatTime(time.Now()), id, ownerID, models.StatusFailed)
	if err != nil {
		return fmt.Errorf("reset task: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx,
		`SELECT status FROM async_analysis_tasks WHERE id = ? AND user_id = ?`, id, ownerID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get task status: %w", err)
	}
	return fmt.Errorf("%w: only FAILED tasks can be reset, task is %s", ErrInvalidTransition, current)
}

func (s *SQLiteStore) ListTasks(ctx context.Context, projectID uuid.UUID, ownerID uuid.UUID) ([]*models.AnalysisTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM async_analysis_tasks
		 WHERE project_id = ? AND user_id = ? ORDER BY created_at DESC`, projectID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return collectSQLiteTasks(rows)
}

func (s *SQLiteStore) GetTasksByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.AnalysisTask, error) {
	if len(ids) == 0 {
		return []*models.AnalysisTask{}, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM async_analysis_tasks WHERE id IN (`+placeholders(len(ids))+`) ORDER BY created_at DESC`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("get tasks by ids: %w", err)
	}
	return collectSQLiteTasks(rows)
}

func (s *SQLiteStore) ListStaleTasks(ctx context.Context, olderThan time.Time) ([]*models.AnalysisTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM async_analysis_tasks
		 WHERE status IN (?, ?) AND updated_at < ? ORDER BY updated_at`,
		models.StatusPending, models.StatusProcessing, formatTime(olderThan))
	if err != nil {
		return nil, fmt.Errorf("list stale tasks: %w", err)
	}
	return collectSQLiteTasks(rows)
}

func collectSQLiteTasks(rows *sql.Rows) ([]*models.AnalysisTask, error) {
	defer rows.Close()

	tasks := []*models.AnalysisTask{}
	for rows.Next() {
		var t models.AnalysisTask
		var input, result, urls sql.NullString
		var created, updated string
		var completed sql.NullString
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.UserID, &t.WorkflowType, &t.Status, &input, &result,
			&urls, &t.ErrorMessage, &t.Attempts, &created, &updated, &completed); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.InputData = nullRaw(input)
		t.ResultData = nullRaw(result)
		decoded, err := decodeURLs([]byte(urls.String))
		if err != nil {
			return nil, err
		}
		t.DiscoveredURLs = decoded
		t.CreatedAt = parseTime(created)
		t.UpdatedAt = parseTime(updated)
		t.CompletedAt = parseNullTime(completed)
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(sqliteTime, s)
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullRaw(ns sql.NullString) json.RawMessage {
	if !ns.Valid {
		return nil
	}
	return rawJSON([]byte(ns.String))
}

func nullableText(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func isSQLiteConstraint(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY")
}

var _ Store = (*SQLiteStore)(nil)
