package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/cai265891-design/Signalidea/internal/api/response"
	"github.com/cai265891-design/Signalidea/pkg/models"
)

// Analyzer runs single workflows synchronously.
type Analyzer interface {
	Analyze(ctx context.Context, input string) (*models.IntentResult, error)
	DiscoverCompetitors(ctx context.Context, userInput string, analysis json.RawMessage) (*models.CompetitorList, error)
}

type analyzeRequest struct {
	Input string `json:"input" validate:"required,nonempty,max=5000"`
}

// NewAnalyzeHandler returns an http.HandlerFunc for POST /api/v1/n8n/analyze.
// The caller waits for the intent clarifier; nothing is stored.
func NewAnalyzeHandler(svc Analyzer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireUser(w, r); !ok {
			return
		}

		var req analyzeRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}

		result, err := svc.Analyze(r.Context(), req.Input)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		response.JSON(w, result)
	}
}

type discoveryRequest struct {
	UserInput    string          `json:"userInput" validate:"required,nonempty,max=5000"`
	AnalysisData json.RawMessage `json:"analysisData"`
}

// NewCompetitorDiscoveryHandler returns an http.HandlerFunc for
// POST /api/v1/n8n/competitor-discovery.
func NewCompetitorDiscoveryHandler(svc Analyzer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireUser(w, r); !ok {
			return
		}

		var req discoveryRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}

		list, err := svc.DiscoverCompetitors(r.Context(), req.UserInput, req.AnalysisData)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		response.JSON(w, list)
	}
}
