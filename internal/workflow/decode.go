package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cai265891-design/Signalidea/pkg/models"
)

// Call invokes url and decodes the response into T through the same
// normalize-then-validate path used for callbacks.
func Call[T any](ctx context.Context, inv Invoker, url string, payload any, opts Options) (*T, error) {
	resp, err := inv.Invoke(ctx, url, payload, opts)
	if err != nil {
		return nil, err
	}

	out := new(T)
	if err := Decode(resp.Body, out); err != nil {
		return nil, fmt.Errorf("%s: %w", opts.Name, err)
	}
	return out, nil
}

// Decode parses body, reshapes it toward the schema of dst, unmarshals it and
// runs struct validation. dst must be a pointer to one of the result variants
// in pkg/models, or any other validatable struct.
func Decode(body []byte, dst any) error {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return &MalformedResponseError{RawBody: truncate(string(body), maxErrorBody), Err: err}
	}

	v = normalize(v, dst)

	canonical, err := json.Marshal(v)
	if err != nil {
		return &MalformedResponseError{RawBody: truncate(string(body), maxErrorBody), Err: err}
	}
	if err := json.Unmarshal(canonical, dst); err != nil {
		return &SchemaViolationError{Errors: []models.FieldError{{
			Field:   typeErrorField(err),
			Tag:     "type",
			Message: err.Error(),
		}}}
	}

	if errs := models.Validate(dst); len(errs) > 0 {
		return &SchemaViolationError{Errors: errs}
	}
	return nil
}

// DecodeResult decodes a callback result for workflowType and returns the
// validated value together with its canonical JSON encoding.
func DecodeResult(workflowType string, raw json.RawMessage) (any, json.RawMessage, error) {
	dst, err := models.NewResult(workflowType)
	if err != nil {
		return nil, nil, err
	}
	if len(raw) == 0 {
		return nil, nil, &SchemaViolationError{Errors: []models.FieldError{{
			Field: "result", Tag: "required", Message: "result is required",
		}}}
	}
	if err := Decode(raw, dst); err != nil {
		return nil, nil, err
	}
	canonical, err := json.Marshal(dst)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding %s result: %w", workflowType, err)
	}
	return dst, canonical, nil
}

// normalize reshapes common n8n output variations before strict decoding.
func normalize(v any, dst any) any {
	v = unwrapEnvelope(v)

	switch dst.(type) {
	case *models.IntentResult:
		return v
	case *models.CompetitorList:
		return normalizeCompetitorList(v)
	case *models.URLDiscoveryResult:
		return normalizeURLs(v)
	case *models.FeatureMatrixResult:
		if arr, ok := v.([]any); ok && len(arr) == 1 {
			return unwrapEnvelope(arr[0])
		}
		return v
	}
	return v
}

// unwrapEnvelope peels the wrappers n8n puts around a node's output:
// a one-element item array, an {"output": ...} or {"json": ...} object,
// and JSON encoded as a string.
func unwrapEnvelope(v any) any {
	for i := 0; i < 4; i++ {
		switch t := v.(type) {
		case string:
			var inner any
			if err := json.Unmarshal([]byte(strings.TrimSpace(t)), &inner); err != nil {
				return v
			}
			v = inner
		case []any:
			if len(t) != 1 {
				return v
			}
			first, ok := t[0].(map[string]any)
			if !ok || looksLikeItem(first) {
				return v
			}
			v = first
		case map[string]any:
			inner, ok := singleWrapper(t)
			if !ok {
				return v
			}
			v = inner
		default:
			return v
		}
	}
	return v
}

func singleWrapper(m map[string]any) (any, bool) {
	if len(m) != 1 {
		return nil, false
	}
	for _, key := range []string{"output", "json", "data", "result"} {
		if inner, ok := m[key]; ok {
			return inner, true
		}
	}
	return nil, false
}

// looksLikeItem reports whether m is a list element (a competitor) rather
// than a wrapped result object.
func looksLikeItem(m map[string]any) bool {
	_, hasName := m["name"]
	_, hasCompetitors := m["competitors"]
	return hasName && !hasCompetitors
}

func normalizeCompetitorList(v any) any {
	var obj map[string]any
	switch t := v.(type) {
	case []any:
		obj = map[string]any{"competitors": t}
	case map[string]any:
		if looksLikeItem(t) {
			obj = map[string]any{"competitors": []any{t}}
		} else {
			obj = t
		}
	default:
		return v
	}

	switch list := obj["competitors"].(type) {
	case map[string]any:
		obj["competitors"] = []any{normalizeCompetitor(list)}
	case []any:
		for i, item := range list {
			if m, ok := item.(map[string]any); ok {
				list[i] = normalizeCompetitor(m)
			}
		}
	}
	return obj
}

var competitorAliases = map[string]string{
	"primary_job": "tagline",
	"url":         "website",
	"last_update": "lastUpdate",
}

func normalizeCompetitor(m map[string]any) map[string]any {
	for from, to := range competitorAliases {
		if val, ok := m[from]; ok {
			if _, exists := m[to]; !exists {
				m[to] = val
			}
			delete(m, from)
		}
	}
	return m
}

func normalizeURLs(v any) any {
	switch t := v.(type) {
	case string:
		return map[string]any{"urls": []any{t}}
	case []any:
		return map[string]any{"urls": t}
	case map[string]any:
		if _, ok := t["urls"]; !ok {
			if alt, ok := t["discoveredUrls"]; ok {
				t["urls"] = alt
				delete(t, "discoveredUrls")
			}
		}
		if s, ok := t["urls"].(string); ok {
			t["urls"] = []any{s}
		}
		return t
	}
	return v
}

func typeErrorField(err error) string {
	var ute *json.UnmarshalTypeError
	if errors.As(err, &ute) {
		return ute.Field
	}
	return ""
}
