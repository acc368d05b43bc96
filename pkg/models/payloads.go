package models

import (
	"encoding/json"
	"fmt"
)

// IntentResult is the requirement analysis returned by the intent clarifier.
// Keys match the automation engine's output verbatim.
type IntentResult struct {
	RequirementStatement string          `json:"Clear Requirement Statement" validate:"required,nonempty"`
	Certainties          Certainties     `json:"Certainties"`
	KeyAssumptions       []KeyAssumption `json:"Key Assumptions" validate:"required,dive"`
}

type Certainties struct {
	MustHaves         []string `json:"Must-Haves" validate:"required,dive,nonempty"`
	TargetUserProfile string   `json:"Target User Profile,omitempty"`
	TargetMarket      string   `json:"Target Market,omitempty"`
	SuccessCriteria   []string `json:"Success Criteria,omitempty"`
	OutOfScope        []string `json:"Out of Scope,omitempty"`
}

type KeyAssumption struct {
	Assumption string  `json:"assumption" validate:"required"`
	Rationale  string  `json:"rationale"`
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`
}

// Competitor is one discovered product.
type Competitor struct {
	Name       string  `json:"name" validate:"required,nonempty"`
	Tagline    string  `json:"tagline"`
	Website    string  `json:"website"`
	LastUpdate string  `json:"lastUpdate"`
	Confidence float64 `json:"confidence"`
}

// CompetitorList is the result shape of both competitor discovery and
// top-five selection.
type CompetitorList struct {
	Competitors       []Competitor `json:"competitors" validate:"required,dive"`
	TotalFound        *int         `json:"totalFound,omitempty"`
	SelectionStrategy string       `json:"selectionStrategy,omitempty"`
}

// URLDiscoveryResult is the first step of a feature-matrix item.
type URLDiscoveryResult struct {
	URLs []string `json:"urls" validate:"required,min=1,dive,nonempty"`
}

// FeatureMatrixResult is the enrichment output for one competitor.
type FeatureMatrixResult struct {
	Competitor string    `json:"competitor,omitempty"`
	Features   []Feature `json:"features" validate:"required,dive"`
	Pricing    string    `json:"pricing,omitempty"`
	Summary    string    `json:"summary,omitempty"`
}

type Feature struct {
	Name      string `json:"name" validate:"required,nonempty"`
	Category  string `json:"category,omitempty"`
	Available bool   `json:"available"`
	Evidence  string `json:"evidence,omitempty"`
}

// MatrixCompetitor is one fan-out input item for the feature matrix.
type MatrixCompetitor struct {
	Name    string `json:"name" validate:"required,nonempty"`
	Website string `json:"website" validate:"required,nonempty"`
	Tagline string `json:"tagline"`
}

// NewResult returns a zero value of the result variant for workflowType.
func NewResult(workflowType string) (any, error) {
	switch workflowType {
	case WorkflowIntentClarifier:
		return &IntentResult{}, nil
	case WorkflowCompetitorDiscovery, WorkflowTopFiveSelector:
		return &CompetitorList{}, nil
	case WorkflowFeatureMatrix:
		return &FeatureMatrixResult{}, nil
	default:
		return nil, fmt.Errorf("no result schema for workflow type %q", workflowType)
	}
}

// DecodeCompetitors reads a cached competitor list from a job column.
func DecodeCompetitors(raw json.RawMessage) ([]Competitor, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var list CompetitorList
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode competitor list: %w", err)
	}
	return list.Competitors, nil
}
