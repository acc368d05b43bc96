package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cai265891-design/Signalidea/internal/config"
	"github.com/cai265891-design/Signalidea/internal/workflow"
	"github.com/cai265891-design/Signalidea/pkg/models"
)

// Proxy runs a single workflow synchronously on behalf of a caller that waits
// for the answer. Nothing is persisted.
type Proxy struct {
	invoker workflow.Invoker
	wf      config.WorkflowConfig
}

func NewProxy(inv workflow.Invoker, wf config.WorkflowConfig) *Proxy {
	return &Proxy{invoker: inv, wf: wf}
}

type analyzeRequest struct {
	Input string `json:"input"`
}

type discoveryRequest struct {
	UserInput    string          `json:"userInput"`
	AnalysisData json.RawMessage `json:"analysisData"`
}

// Analyze sends input to the intent clarifier and returns its validated
// requirement analysis.
func (p *Proxy) Analyze(ctx context.Context, input string) (*models.IntentResult, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, ErrEmptyInput
	}
	if p.wf.Intent.URL == "" {
		return nil, fmt.Errorf("%w: N8N_WEBHOOK_URL", workflow.ErrNotConfigured)
	}

	return workflow.Call[models.IntentResult](ctx, p.invoker, p.wf.Intent.URL,
		analyzeRequest{Input: input},
		workflow.Options{Name: stageLabel(models.StageIntentClarifier), Timeout: p.wf.Intent.Timeout})
}

// DiscoverCompetitors asks the competitor discovery workflow for products
// matching userInput and a previous requirement analysis.
func (p *Proxy) DiscoverCompetitors(ctx context.Context, userInput string, analysis json.RawMessage) (*models.CompetitorList, error) {
	userInput = strings.TrimSpace(userInput)
	if userInput == "" {
		return nil, ErrEmptyInput
	}
	if p.wf.CompetitorDiscovery.URL == "" {
		return nil, fmt.Errorf("%w: N8N_COMPETITOR_DISCOVERY_URL", workflow.ErrNotConfigured)
	}
	if len(analysis) == 0 {
		analysis = json.RawMessage("null")
	}

	return workflow.Call[models.CompetitorList](ctx, p.invoker, p.wf.CompetitorDiscovery.URL,
		discoveryRequest{UserInput: userInput, AnalysisData: analysis},
		workflow.Options{Name: stageLabel(models.StageCompetitorDiscovery), Timeout: p.wf.CompetitorDiscovery.Timeout})
}
