package models_test

import (
	"encoding/json"
	"testing"

	"github.com/cai265891-design/Signalidea/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_IntentResult(t *testing.T) {
	raw := `{
		"Clear Requirement Statement": "An AI image product for marketers",
		"Certainties": {"Must-Haves": ["text to image", "brand presets"], "Target Market": "SMB"},
		"Key Assumptions": [{"assumption": "users pay monthly", "rationale": "SaaS norm", "confidence": 0.7}]
	}`
	var r models.IntentResult
	require.NoError(t, json.Unmarshal([]byte(raw), &r))

	assert.Nil(t, models.Validate(&r))
	assert.Equal(t, "SMB", r.Certainties.TargetMarket)
	assert.Len(t, r.Certainties.MustHaves, 2)
}

func TestValidate_IntentResult_MissingFields(t *testing.T) {
	var r models.IntentResult
	require.NoError(t, json.Unmarshal([]byte(`{"Certainties": {}}`), &r))

	errs := models.Validate(&r)
	require.NotEmpty(t, errs)

	fields := map[string]string{}
	for _, e := range errs {
		fields[e.Field] = e.Tag
	}
	assert.Equal(t, "required", fields["Clear Requirement Statement"])
	assert.Equal(t, "required", fields["Certainties.Must-Haves"])
	assert.Equal(t, "required", fields["Key Assumptions"])
}

func TestValidate_KeyAssumptionConfidenceRange(t *testing.T) {
	for _, tt := range []struct {
		name       string
		confidence float64
		tag        string
	}{
		{"zero", 0, ""},
		{"one", 1, ""},
		{"above one", 1.5, "lte"},
		{"negative", -0.1, "gte"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			errs := models.Validate(&models.KeyAssumption{Assumption: "users pay monthly", Confidence: tt.confidence})
			if tt.tag == "" {
				assert.Nil(t, errs)
				return
			}
			require.Len(t, errs, 1)
			assert.Equal(t, tt.tag, errs[0].Tag)
		})
	}

	errs := models.Validate(&models.KeyAssumption{Assumption: "x", Confidence: 1.5})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "must be at most 1")
}

func TestValidate_CompetitorList(t *testing.T) {
	list := models.CompetitorList{Competitors: []models.Competitor{{Name: "Acme"}, {Name: "  "}}}

	errs := models.Validate(&list)
	require.Len(t, errs, 1)
	assert.Equal(t, "competitors[1].name", errs[0].Field)
	assert.Equal(t, "nonempty", errs[0].Tag)
	assert.Contains(t, errs[0].Message, "cannot be empty")
}

func TestValidate_CompetitorList_EmptyIsValid(t *testing.T) {
	list := models.CompetitorList{Competitors: []models.Competitor{}}
	assert.Nil(t, models.Validate(&list))
}

func TestValidate_URLDiscovery(t *testing.T) {
	assert.NotNil(t, models.Validate(&models.URLDiscoveryResult{URLs: []string{}}))
	assert.Nil(t, models.Validate(&models.URLDiscoveryResult{URLs: []string{"https://acme.io/pricing"}}))
}

func TestNewResult(t *testing.T) {
	v, err := models.NewResult(models.WorkflowTopFiveSelector)
	require.NoError(t, err)
	assert.IsType(t, &models.CompetitorList{}, v)

	_, err = models.NewResult(models.WorkflowRedditSearch)
	assert.Error(t, err)
}

func TestDecodeCompetitors(t *testing.T) {
	got, err := models.DecodeCompetitors(json.RawMessage(`{"competitors":[{"name":"A"},{"name":"B"}]}`))
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = models.DecodeCompetitors(nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}
