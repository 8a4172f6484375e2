package models

import "time"

// PlanProposal is the raw schema-constrained planner output before
// validation. QueryMap is the planner's opaque filter mapping; it is
// translated to the store's native query syntax before persistence.
type PlanProposal struct {
	TargetSampleSize       int            `json:"targetSampleSize" jsonschema:"maximum=100,description=How many conversations to classify in total (1-100)."`
	StopRequested          bool           `json:"stopRequested" jsonschema:"description=Set true only when no sensible sampling plan exists."`
	AdditionalInstructions string         `json:"additionalInstructions" jsonschema:"description=Extra guidance for the classifier."`
	QueryMap               map[string]any `json:"queryMap" jsonschema:"description=Filter mapping over conversation fields used to select candidates."`
	PlanDetails            string         `json:"planDetails" jsonschema:"description=Human-readable rationale for the plan."`
}

// ConvClassificationPlan is the validated, persisted form of a plan.
type ConvClassificationPlan struct {
	TargetSampleSize       int    `json:"target_sample_size"`
	StopRequested          bool   `json:"stop_requested"`
	AdditionalInstructions string `json:"additional_instructions"`
	QueryMapSerialized     string `json:"query_map_serialized"`
	PlanDetails            string `json:"plan_details"`
}

// Classification is the fixed two-value taxonomy.
type Classification string

// Classification labels. The taxonomy is defined externally and fixed.
const (
	ClassificationResolved   Classification = "RESOLVED"
	ClassificationUnresolved Classification = "UNRESOLVED"
)

// Valid reports whether the label is one of the fixed taxonomy values.
func (c Classification) Valid() bool {
	return c == ClassificationResolved || c == ClassificationUnresolved
}

// ClassificationOutput is one classifier verdict for one conversation.
type ClassificationOutput struct {
	ConversationID string         `json:"conversationId" jsonschema:"description=Id of the classified conversation."`
	Classification Classification `json:"classification" jsonschema:"enum=RESOLVED,enum=UNRESOLVED"`
}

// ClassificationEnvelope is the schema-constrained classifier response.
type ClassificationEnvelope struct {
	Outputs []ClassificationOutput `json:"outputs"`
}

// AgentRunOutcome is the final artifact of a run, persisted separately
// from the checkpoint.
type AgentRunOutcome struct {
	RunID           string    `json:"run_id"`
	ConversationIDs []string  `json:"conversation_ids"`
	CreatedAt       time.Time `json:"created_at"`
}
