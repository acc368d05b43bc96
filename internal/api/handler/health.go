package handler

import (
	"context"
	"net/http"

	"github.com/cai265891-design/Signalidea/internal/api/response"
	"github.com/cai265891-design/Signalidea/internal/config"
	"github.com/cai265891-design/Signalidea/internal/worker"
)

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewHealthHandler returns an http.HandlerFunc for GET /api/v1/health.
// stats may be nil when no worker queue is running.
func NewHealthHandler(db, cache Pinger, stats func() worker.Stats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := cache.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		body := map[string]any{
			"status":   "ok",
			"services": checks,
		}
		if stats != nil {
			body["worker"] = stats()
		}
		response.JSON(w, body)
	}
}

type endpointReport struct {
	Name        string `json:"name"`
	Env         string `json:"env"`
	Configured  bool   `json:"configured"`
	TimeoutSecs int    `json:"timeoutSecs"`
}

// NewWorkflowConfigHandler returns an http.HandlerFunc for
// GET /api/v1/admin/workflows. It reports which workflow endpoints are set
// without revealing URLs or secrets.
func NewWorkflowConfigHandler(wf config.WorkflowConfig, publicBaseURL string) http.HandlerFunc {
	report := func(name, env string, ep config.Endpoint) endpointReport {
		return endpointReport{
			Name:        name,
			Env:         env,
			Configured:  ep.URL != "",
			TimeoutSecs: int(ep.Timeout.Seconds()),
		}
	}

	body := map[string]any{
		"endpoints": []endpointReport{
			report("intent clarifier", "N8N_WEBHOOK_URL", wf.Intent),
			report("competitor discovery", "N8N_COMPETITOR_DISCOVERY_URL", wf.CompetitorDiscovery),
			report("top five selector", "N8N_TOP_FIVE_SELECTOR_URL", wf.TopFiveSelector),
			report("url discovery", "N8N_WEBHOOK_DISCOVER_URL", wf.URLDiscovery),
			report("feature matrix", "N8N_WEBHOOK_SCRAPE_URL", wf.FeatureMatrix),
		},
		"apiKeySet":         wf.APIKey != "",
		"callbackSecretSet": wf.CallbackSecret != "",
		"callbackEnabled":   publicBaseURL != "",
		"fanOutConcurrency": wf.FanOutConcurrency,
	}

	return func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, body)
	}
}
