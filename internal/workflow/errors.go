package workflow

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cai265891-design/Signalidea/pkg/models"
)

// Sentinel errors for workflow engine failures. The typed errors below match
// these through errors.Is.
var (
	ErrNotConfigured     = errors.New("workflow endpoint not configured")
	ErrUnreachable       = errors.New("workflow engine unreachable")
	ErrTimeout           = errors.New("workflow timed out")
	ErrUpstream          = errors.New("workflow engine returned an error")
	ErrMalformedResponse = errors.New("workflow engine returned malformed JSON")
	ErrSchemaViolation   = errors.New("workflow result failed schema validation")
)

const maxErrorBody = 500

// TimeoutError reports a call that exceeded its configured timeout.
type TimeoutError struct {
	Name  string
	After time.Duration
	Err   error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %ds", e.Name, int(e.After.Round(time.Second).Seconds()))
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }
func (e *TimeoutError) Unwrap() error        { return e.Err }

// UpstreamError carries a non-2xx response from the workflow engine.
type UpstreamError struct {
	Name   string
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Name, e.Status, truncate(e.Body, maxErrorBody))
}

func (e *UpstreamError) Is(target error) bool { return target == ErrUpstream }

// MalformedResponseError is returned when the body is not JSON at all.
type MalformedResponseError struct {
	RawBody string
	Err     error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed response: %v", e.Err)
}

func (e *MalformedResponseError) Is(target error) bool { return target == ErrMalformedResponse }
func (e *MalformedResponseError) Unwrap() error        { return e.Err }

// SchemaViolationError lists every constraint the decoded result failed.
type SchemaViolationError struct {
	Errors []models.FieldError
}

func (e *SchemaViolationError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		msgs = append(msgs, fe.Message)
	}
	return "schema violation: " + strings.Join(msgs, "; ")
}

func (e *SchemaViolationError) Is(target error) bool { return target == ErrSchemaViolation }

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
// Bytes that were already invalid are replaced so the result is safe to store.
func truncate(s string, n int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
