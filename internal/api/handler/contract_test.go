package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cai265891-design/Signalidea/internal/api"
	"github.com/cai265891-design/Signalidea/internal/api/handler"
	mw "github.com/cai265891-design/Signalidea/internal/api/middleware"
	"github.com/cai265891-design/Signalidea/internal/apikey"
	"github.com/cai265891-design/Signalidea/internal/cache"
	"github.com/cai265891-design/Signalidea/internal/config"
	"github.com/cai265891-design/Signalidea/internal/pipeline"
	"github.com/cai265891-design/Signalidea/internal/store"
	"github.com/cai265891-design/Signalidea/internal/worker"
	"github.com/cai265891-design/Signalidea/internal/workflow"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ─── test fixtures ───────────────────────────────────────────────────────────

const callbackSecret = "contract-secret"

// ackInvoker accepts every trigger; results arrive through the callback route.
type ackInvoker struct {
	mu    sync.Mutex
	names []string
}

func (a *ackInvoker) Invoke(_ context.Context, _ string, _ any, opts workflow.Options) (*workflow.RawResponse, error) {
	a.mu.Lock()
	a.names = append(a.names, opts.Name)
	a.mu.Unlock()
	return &workflow.RawResponse{Status: http.StatusOK, Body: []byte(`{"message":"Workflow was started"}`)}, nil
}

func (a *ackInvoker) triggered() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.names...)
}

// inlineQueue runs units on the submitting goroutine.
type inlineQueue struct{}

func (inlineQueue) Submit(_ string, fn worker.Unit, opts ...worker.SubmitOption) error {
	if err := fn(context.Background()); err != nil {
		worker.FailureHook(opts...)(context.Background(), err)
	}
	return nil
}

// countingCache backs the rate limiter with an in-memory counter.
type countingCache struct {
	cache.NopCache
	mu     sync.Mutex
	counts map[string]int64
}

func (c *countingCache) IncrWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[key]++
	return c.counts[key], nil
}

type testServer struct {
	server  *httptest.Server
	store   *store.SQLiteStore
	invoker *ackInvoker
	adminID uuid.UUID
	admin   string
	user    string
}

func newTestServer(t *testing.T, requestsPerMin int) *testServer {
	t.Helper()
	ctx := context.Background()

	st, err := store.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ts := &testServer{store: st, invoker: &ackInvoker{}, adminID: uuid.New()}
	ts.admin = ts.issueKey(t, ts.adminID, "admin", apikey.ScopePipeline, apikey.ScopeAdmin)
	ts.user = ts.issueKey(t, uuid.New(), "user", apikey.ScopePipeline)

	wf := config.WorkflowConfig{
		CallbackSecret:      callbackSecret,
		Intent:              config.Endpoint{URL: "http://n8n.test/intent", Timeout: time.Second},
		CompetitorDiscovery: config.Endpoint{URL: "http://n8n.test/competitors", Timeout: time.Second},
		TopFiveSelector:     config.Endpoint{URL: "http://n8n.test/top-five", Timeout: time.Second},
		URLDiscovery:        config.Endpoint{URL: "http://n8n.test/discover", Timeout: time.Second},
		FeatureMatrix:       config.Endpoint{URL: "http://n8n.test/scrape", Timeout: time.Second},
	}
	engine := pipeline.NewEngine(st, ts.invoker, inlineQueue{}, wf, "https://signalidea.test")
	reader := pipeline.NewStatusReader(st, cache.NopCache{}, time.Minute)
	coord := pipeline.NewCoordinator(st, ts.invoker, inlineQueue{}, wf)

	deps := api.Dependencies{
		Auth:      mw.NewAuth(st),
		RateLimit: mw.NewRateLimit(&countingCache{counts: map[string]int64{}}, requestsPerMin),

		HealthHandler:       handler.NewHealthHandler(st, cache.NopCache{}, nil),
		CallbackHandler:     handler.NewCallbackHandler(engine, wf.CallbackSecret),
		StartHandler:        handler.NewStartHandler(engine),
		StatusHandler:       handler.NewStatusHandler(reader),
		RetryHandler:        handler.NewRetryHandler(coord),
		TaskProgressHandler: handler.NewTaskProgressHandler(reader),
		MatrixTrigger:       handler.NewMatrixTriggerHandler(coord),
		AnalyzeHandler:      handler.NewAnalyzeHandler(pipeline.NewProxy(ts.invoker, wf)),
		DiscoveryHandler:    handler.NewCompetitorDiscoveryHandler(pipeline.NewProxy(ts.invoker, wf)),
		CreateKeyHandler:    handler.NewCreateKeyHandler(st),
		ListKeysHandler:     handler.NewListKeysHandler(st),
		RevokeKeyHandler:    handler.NewRevokeKeyHandler(st),
		WorkflowsHandler:    handler.NewWorkflowConfigHandler(wf, "https://signalidea.test"),
	}

	ts.server = httptest.NewServer(api.NewRouter(deps))
	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) issueKey(t *testing.T, userID uuid.UUID, name string, scopes ...string) string {
	t.Helper()
	key, raw, err := apikey.Generate(userID, name, scopes)
	require.NoError(t, err)
	require.NoError(t, ts.store.CreateAPIKey(context.Background(), key))
	return raw
}

func (ts *testServer) do(t *testing.T, method, path, key string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var parsed map[string]any
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	}
	return resp, parsed
}

func (ts *testServer) callback(t *testing.T, taskID any, status string, result any) *http.Response {
	t.Helper()
	resp, _ := ts.do(t, "POST", "/api/v1/pipeline/callback", "", map[string]any{
		"secret": callbackSecret,
		"taskId": taskID,
		"status": status,
		"result": result,
	})
	return resp
}

func (ts *testServer) status(t *testing.T, key string, jobID any) map[string]any {
	t.Helper()
	resp, body := ts.do(t, "GET", fmt.Sprintf("/api/v1/pipeline/status/%s", jobID), key, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	return body["data"].(map[string]any)
}

func competitors(n int) map[string]any {
	list := make([]map[string]any, n)
	for i := range list {
		list[i] = map[string]any{"name": fmt.Sprintf("Competitor %d", i+1), "website": fmt.Sprintf("https://c%d.example", i+1)}
	}
	return map[string]any{"competitors": list}
}

var intentResult = map[string]any{
	"Clear Requirement Statement": "A shared todo list for small teams",
	"Certainties":                 map[string]any{"Must-Haves": []string{"shared lists"}},
	"Key Assumptions":             []map[string]any{{"assumption": "teams under 10", "confidence": 0.7}},
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONTRACT TESTS
// ═══════════════════════════════════════════════════════════════════════════════

func TestHealth_200_Public(t *testing.T) {
	ts := newTestServer(t, 100)
	resp, body := ts.do(t, "GET", "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["data"].(map[string]any)["status"])
}

func TestPipeline_EndToEnd(t *testing.T) {
	ts := newTestServer(t, 100)

	resp, body := ts.do(t, "POST", "/api/v1/pipeline/start", ts.user, map[string]any{"userInput": "a todo app"})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	jobID := body["data"].(map[string]any)["jobId"]

	view := ts.status(t, ts.user, jobID)
	assert.Equal(t, "PROCESSING", view["status"])
	assert.Equal(t, "INTENT_CLARIFIER", view["currentStage"])
	intentTask := view["intentTask"].(map[string]any)["id"]

	require.Equal(t, http.StatusOK, ts.callback(t, intentTask, "COMPLETED", intentResult).StatusCode)

	view = ts.status(t, ts.user, jobID)
	assert.Equal(t, "COMPETITOR_DISCOVERY", view["currentStage"])
	competitorTask := view["competitorTask"].(map[string]any)["id"]

	require.Equal(t, http.StatusOK, ts.callback(t, competitorTask, "COMPLETED", competitors(8)).StatusCode)

	view = ts.status(t, ts.user, jobID)
	assert.Equal(t, "TOP_FIVE_SELECTOR", view["currentStage"])
	topFiveTask := view["topFiveTask"].(map[string]any)["id"]

	require.Equal(t, http.StatusOK, ts.callback(t, topFiveTask, "COMPLETED", competitors(5)).StatusCode)

	view = ts.status(t, ts.user, jobID)
	assert.Equal(t, "COMPLETED", view["status"])
	assert.Equal(t, "COMPLETED", view["currentStage"])
	assert.NotNil(t, view["completedAt"])
	assert.Len(t, view["topFiveResult"].(map[string]any)["competitors"], 5)
	assert.Equal(t, float64(100), view["stages"].(map[string]any)["percentage"])

	assert.Equal(t, []string{"intent clarifier", "competitor discovery", "top five selector"}, ts.invoker.triggered())

	// replaying the last callback changes nothing
	completedAt := view["completedAt"]
	require.Equal(t, http.StatusOK, ts.callback(t, topFiveTask, "COMPLETED", competitors(5)).StatusCode)
	assert.Equal(t, completedAt, ts.status(t, ts.user, jobID)["completedAt"])
	assert.Len(t, ts.invoker.triggered(), 3)
}

func TestPipeline_SmallListSkipsTopFive(t *testing.T) {
	ts := newTestServer(t, 100)

	_, body := ts.do(t, "POST", "/api/v1/pipeline/start", ts.user, map[string]any{"userInput": "a todo app"})
	jobID := body["data"].(map[string]any)["jobId"]

	view := ts.status(t, ts.user, jobID)
	ts.callback(t, view["intentTask"].(map[string]any)["id"], "COMPLETED", intentResult)
	view = ts.status(t, ts.user, jobID)
	ts.callback(t, view["competitorTask"].(map[string]any)["id"], "COMPLETED", competitors(3))

	view = ts.status(t, ts.user, jobID)
	assert.Equal(t, "COMPLETED", view["status"])
	assert.Nil(t, view["topFiveTask"])
	assert.Len(t, view["topFiveResult"].(map[string]any)["competitors"], 3)
}

func TestPipeline_FailureCallbackFailsJob(t *testing.T) {
	ts := newTestServer(t, 100)

	_, body := ts.do(t, "POST", "/api/v1/pipeline/start", ts.user, map[string]any{"userInput": "a todo app"})
	jobID := body["data"].(map[string]any)["jobId"]
	view := ts.status(t, ts.user, jobID)

	resp, _ := ts.do(t, "POST", "/api/v1/n8n/callback", "", map[string]any{
		"secret":       callbackSecret,
		"taskId":       view["intentTask"].(map[string]any)["id"],
		"status":       "FAILED",
		"errorMessage": "LLM quota exceeded",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	view = ts.status(t, ts.user, jobID)
	assert.Equal(t, "FAILED", view["status"])
	assert.Equal(t, "INTENT_CLARIFIER", view["currentStage"])
	assert.Equal(t, "LLM quota exceeded", view["errorMessage"])
}

func TestPipeline_SchemaViolationCallback(t *testing.T) {
	ts := newTestServer(t, 100)

	_, body := ts.do(t, "POST", "/api/v1/pipeline/start", ts.user, map[string]any{"userInput": "a todo app"})
	jobID := body["data"].(map[string]any)["jobId"]
	view := ts.status(t, ts.user, jobID)

	resp := ts.callback(t, view["intentTask"].(map[string]any)["id"], "COMPLETED", map[string]any{"Certainties": map[string]any{}})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	view = ts.status(t, ts.user, jobID)
	assert.Equal(t, "FAILED", view["status"])
}

func TestStatus_404_OtherUsersJob(t *testing.T) {
	ts := newTestServer(t, 100)

	_, body := ts.do(t, "POST", "/api/v1/pipeline/start", ts.user, map[string]any{"userInput": "a todo app"})
	jobID := body["data"].(map[string]any)["jobId"]

	resp, body := ts.do(t, "GET", fmt.Sprintf("/api/v1/pipeline/status/%s", jobID), ts.admin, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", body["error"].(map[string]any)["code"])
}

func TestCallback_401_WrongSecret(t *testing.T) {
	ts := newTestServer(t, 100)
	resp, _ := ts.do(t, "POST", "/api/v1/pipeline/callback", "", map[string]any{
		"secret": "guess", "taskId": uuid.NewString(), "status": "COMPLETED",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCallback_404_UnknownTask(t *testing.T) {
	ts := newTestServer(t, 100)
	assert.Equal(t, http.StatusNotFound, ts.callback(t, uuid.NewString(), "COMPLETED", competitors(1)).StatusCode)
}

func TestMatrixTrigger_404_UnknownProject(t *testing.T) {
	ts := newTestServer(t, 100)
	resp, _ := ts.do(t, "POST", "/api/v1/matrix-forge-trigger", ts.user, map[string]any{
		"projectId":          uuid.NewString(),
		"topFiveCompetitors": []map[string]any{{"name": "A", "website": "https://a.example"}},
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTaskProgress_ListsStageTasks(t *testing.T) {
	ts := newTestServer(t, 100)

	_, body := ts.do(t, "POST", "/api/v1/pipeline/start", ts.user, map[string]any{"userInput": "a todo app"})
	jobID := body["data"].(map[string]any)["jobId"]

	resp, body := ts.do(t, "GET", fmt.Sprintf("/api/v1/task-progress?projectId=%s&workflowType=ALL", jobID), ts.user, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]any)
	assert.Len(t, data["tasks"], 1)
	assert.Equal(t, float64(1), data["progress"].(map[string]any)["total"])
}

func TestAdminKeys_Lifecycle(t *testing.T) {
	ts := newTestServer(t, 100)

	resp, body := ts.do(t, "POST", "/api/v1/admin/keys", ts.admin, map[string]any{"name": "ci"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	created := body["data"].(map[string]any)
	raw := created["key"].(string)

	// the new key authenticates as the admin's user
	resp, _ = ts.do(t, "POST", "/api/v1/pipeline/start", raw, map[string]any{"userInput": "a todo app"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = ts.do(t, "GET", "/api/v1/admin/keys", ts.admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["data"], 2)
	assert.NotContains(t, fmt.Sprint(body), raw)

	resp, _ = ts.do(t, "DELETE", fmt.Sprintf("/api/v1/admin/keys/%s", created["id"]), ts.admin, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = ts.do(t, "POST", "/api/v1/pipeline/start", raw, map[string]any{"userInput": "a todo app"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdminEndpoints_403_WithoutAdminScope(t *testing.T) {
	ts := newTestServer(t, 100)

	for _, ep := range []struct{ method, path string }{
		{"POST", "/api/v1/admin/keys"},
		{"GET", "/api/v1/admin/keys"},
		{"GET", "/api/v1/admin/workflows"},
	} {
		resp, body := ts.do(t, ep.method, ep.path, ts.user, nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, ep.path)
		assert.Equal(t, "FORBIDDEN", body["error"].(map[string]any)["code"])
	}
}

func TestRateLimit_429_Exceeded(t *testing.T) {
	ts := newTestServer(t, 2)

	for i := 0; i < 2; i++ {
		resp, _ := ts.do(t, "GET", "/api/v1/admin/workflows", ts.admin, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Limit"))
	}

	resp, body := ts.do(t, "GET", "/api/v1/admin/workflows", ts.admin, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", body["error"].(map[string]any)["code"])
}
