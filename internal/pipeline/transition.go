package pipeline

import "github.com/cai265891-design/Signalidea/pkg/models"

// TopFiveThreshold is the competitor count above which the top-five selector
// runs. At or below it the discovered list is the final result.
const TopFiveThreshold = 5

// ActionKind is what the engine does after a stage task settles.
type ActionKind int

const (
	// ActionIgnore means the stage is not part of the pipeline.
	ActionIgnore ActionKind = iota
	ActionAdvance
	ActionComplete
	ActionFail
)

func (k ActionKind) String() string {
	switch k {
	case ActionAdvance:
		return "advance"
	case ActionComplete:
		return "complete"
	case ActionFail:
		return "fail"
	default:
		return "ignore"
	}
}

// Outcome is the settled state of a stage task.
type Outcome struct {
	Status          string
	CompetitorCount int
}

// Action tells the engine how to move the job. Next is set for ActionAdvance.
type Action struct {
	Kind ActionKind
	Next string
}

// Decide maps a settled stage to the job's next move.
//
//	INTENT_CLARIFIER completed      -> advance to COMPETITOR_DISCOVERY
//	COMPETITOR_DISCOVERY, count > 5 -> advance to TOP_FIVE_SELECTOR
//	COMPETITOR_DISCOVERY, count <= 5 -> complete
//	TOP_FIVE_SELECTOR completed     -> complete
//	any stage failed                -> fail
func Decide(stage string, o Outcome) Action {
	if !isStage(stage) {
		return Action{Kind: ActionIgnore}
	}
	if o.Status == models.StatusFailed {
		return Action{Kind: ActionFail}
	}
	if o.Status != models.StatusCompleted {
		return Action{Kind: ActionIgnore}
	}

	switch stage {
	case models.StageIntentClarifier:
		return Action{Kind: ActionAdvance, Next: models.StageCompetitorDiscovery}
	case models.StageCompetitorDiscovery:
		if o.CompetitorCount > TopFiveThreshold {
			return Action{Kind: ActionAdvance, Next: models.StageTopFiveSelector}
		}
		return Action{Kind: ActionComplete}
	default:
		return Action{Kind: ActionComplete}
	}
}

func isStage(s string) bool {
	switch s {
	case models.StageIntentClarifier, models.StageCompetitorDiscovery, models.StageTopFiveSelector:
		return true
	}
	return false
}

// stageLabel names a stage in error messages, e.g. "intent clarifier timed out after 60s".
func stageLabel(stage string) string {
	switch stage {
	case models.StageIntentClarifier:
		return "intent clarifier"
	case models.StageCompetitorDiscovery:
		return "competitor discovery"
	case models.StageTopFiveSelector:
		return "top five selector"
	case models.WorkflowFeatureMatrix:
		return "feature matrix"
	default:
		return stage
	}
}
