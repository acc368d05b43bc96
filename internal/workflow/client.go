package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"
)

const maxResponseBytes = 10 << 20

// Invoker posts a JSON payload to a workflow webhook.
type Invoker interface {
	Invoke(ctx context.Context, url string, payload any, opts Options) (*RawResponse, error)
}

// Options configures a single invocation.
type Options struct {
	// Name labels the call in errors and logs, e.g. "intent clarifier".
	Name    string
	Timeout time.Duration
}

// RawResponse is a successful (2xx) response body.
type RawResponse struct {
	Status int
	Body   []byte
}

// HTTPClient implements Invoker against n8n webhooks.
type HTTPClient struct {
	apiKey string
	client *http.Client
}

// NewHTTPClient creates a workflow client. An empty apiKey is allowed; calls
// then go out without an Authorization header.
func NewHTTPClient(apiKey string) *HTTPClient {
	if apiKey == "" {
		slog.Warn("N8N_API_KEY is not set; workflow calls will be unauthenticated")
	}
	return &HTTPClient{
		apiKey: apiKey,
		client: &http.Client{},
	}
}

// Invoke posts payload to url and returns the body of a 2xx response.
// The call is bounded by opts.Timeout when set.
func (c *HTTPClient) Invoke(ctx context.Context, url string, payload any, opts Options) (*RawResponse, error) {
	name := opts.Name
	if name == "" {
		name = "workflow"
	}
	if url == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, name)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", name, err)
	}

	parent := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(parent, err, name, opts.Timeout)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classifyError(parent, err, name, opts.Timeout)
	}

	slog.Debug("workflow call",
		"name", name,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UpstreamError{Name: name, Status: resp.StatusCode, Body: string(respBody)}
	}

	return &RawResponse{Status: resp.StatusCode, Body: respBody}, nil
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// classifyError maps transport-level errors to the timeout or unreachable kinds.
// Only the per-call timer counts as a timeout; a caller whose own context
// ended gets the unreachable kind wrapping that context's error.
func classifyError(parent context.Context, err error, name string, timeout time.Duration) error {
	if perr := parent.Err(); perr != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnreachable, name, perr)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Name: name, After: timeout, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{Name: name, After: timeout, Err: err}
	}

	return fmt.Errorf("%w: %s: %v", ErrUnreachable, name, err)
}

// Compile-time check that HTTPClient implements Invoker.
var _ Invoker = (*HTTPClient)(nil)
