package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cai265891-design/Signalidea/internal/pipeline"
	"github.com/google/uuid"
)

// APIError is a non-2xx answer from the Signalidea API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api returned %d", e.Status)
	}
	return fmt.Sprintf("api returned %d %s: %s", e.Status, e.Code, e.Message)
}

// Permanent reports whether repeating the request cannot succeed.
func (e *APIError) Permanent() bool {
	switch e.Status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}

// StartResult is the answer to a pipeline start.
type StartResult struct {
	JobID   uuid.UUID `json:"jobId"`
	Status  string    `json:"status"`
	Message string    `json:"message"`
}

// Client talks to the Signalidea HTTP API with an API key.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Start begins a pipeline run for userInput.
func (c *Client) Start(ctx context.Context, userInput string) (*StartResult, error) {
	var out StartResult
	err := c.do(ctx, http.MethodPost, "/api/v1/pipeline/start", map[string]string{"userInput": userInput}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Fetch returns the current status view of jobID.
func (c *Client) Fetch(ctx context.Context, jobID uuid.UUID) (*pipeline.JobStatusView, error) {
	var out pipeline.JobStatusView
	if err := c.do(ctx, http.MethodGet, "/api/v1/pipeline/status/"+jobID.String(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Progress returns the task listing of a project, optionally filtered by
// workflow type.
func (c *Client) Progress(ctx context.Context, projectID uuid.UUID, workflowType string) (*pipeline.TaskProgressView, error) {
	q := url.Values{"projectId": {projectID.String()}}
	if workflowType != "" {
		q.Set("workflowType", workflowType)
	}

	var out pipeline.TaskProgressView
	if err := c.do(ctx, http.MethodGet, "/api/v1/task-progress?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, dst any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&env)
		return &APIError{Status: resp.StatusCode, Code: env.Error.Code, Message: env.Error.Message}
	}

	env := struct {
		Data any `json:"data"`
	}{Data: dst}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
