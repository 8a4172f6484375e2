package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/convolab/triage/pkg/models"
)

// PromptBuilder renders the runtime's prompts. It is stateless: every
// method takes what it needs and returns the finished text.
type PromptBuilder struct{}

const planningSystemTemplate = `You are a sampling planner for a customer-service
conversation classifier. Produce a plan selecting which unclassified
conversations to classify next.

The conversation store schema:
%s

Rules:
- targetSampleSize must be between 1 and 100.
- queryMap must only use the fields and operators listed in the schema.
- Set stopRequested to true only if no sensible plan exists.
- planDetails must explain the sampling choice in plain language.`

const planningUserTemplate = `User instructions: %s

Progress so far: %d conversations classified, %d plans produced, %d model calls used.
%s%s`

const classificationSystemTemplate = `You classify customer-service conversations
as RESOLVED or UNRESOLVED. RESOLVED means the customer's issue was addressed
by the end of the conversation; UNRESOLVED means it was not.

Return one verdict per conversation, using the conversation ids exactly as given.
%s`

const summarySystemTemplate = `You summarize a finished classification run for its
operator. Respond with exactly three bullet points: what was classified, how the
sample was selected, and anything notable from the failure log. Be concise.`

// Planning renders the system and user prompts for a plan request.
func (PromptBuilder) Planning(ac *models.AgentContext, schemaDescription string) (system, user string) {
	system = fmt.Sprintf(planningSystemTemplate, schemaDescription)

	replan := ""
	if ac.ReplanningReason != models.ReplanNone {
		replan = fmt.Sprintf("The previous plan failed. Reason: %s. Produce a different plan.\n", ac.ReplanningReason)
	}
	failures := ""
	if text := ac.FailureLogText(); text != "" {
		failures = "Failure log:\n" + text
	}
	user = fmt.Sprintf(planningUserTemplate,
		ac.UserInstructions,
		ac.TotalConversationsClassified, ac.PlansCount, ac.ModelCallCount,
		replan, failures)
	return system, user
}

// Classification renders the prompts for one batch of conversations.
func (PromptBuilder) Classification(plan *models.ConvClassificationPlan, batch []models.Conversation) (system, user string) {
	extra := ""
	if plan != nil && plan.AdditionalInstructions != "" {
		extra = "Additional instructions: " + plan.AdditionalInstructions
	}
	system = fmt.Sprintf(classificationSystemTemplate, extra)

	var b strings.Builder
	fmt.Fprintf(&b, "Classify these %d conversations:\n\n", len(batch))
	for _, conv := range batch {
		b.WriteString(renderConversation(conv))
		b.WriteString("\n")
	}
	return system, b.String()
}

// Summary renders the prompts for the final run summary.
func (PromptBuilder) Summary(ac *models.AgentContext) (system, user string) {
	failures := "none"
	if text := ac.FailureLogText(); text != "" {
		failures = text
	}
	plan := ""
	if ac.CurrentPlan != nil {
		plan = ac.CurrentPlan.PlanDetails
	}
	user = fmt.Sprintf(`Run instructions: %s
Conversations classified: %d of a target of %d.
Plans produced: %d. Model calls used: %d.
Last plan rationale: %s
Failure log: %s`,
		ac.UserInstructions,
		ac.TotalConversationsClassified, ac.TargetSampleSize,
		ac.PlansCount, ac.ModelCallCount,
		plan, failures)
	return summarySystemTemplate, user
}

// renderConversation flattens one conversation into prompt text. Messages
// are rendered as role-prefixed lines; meta is attached as compact JSON.
func renderConversation(conv models.Conversation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Conversation %s:\n", conv.ID)
	if conv.Summary != "" {
		fmt.Fprintf(&b, "  Summary: %s\n", conv.Summary)
	}
	for _, msg := range conv.Messages {
		fmt.Fprintf(&b, "  [%s] %s\n", msg.Role, msg.Text)
	}
	if meta, err := json.Marshal(conv.Meta); err == nil && string(meta) != "{}" {
		fmt.Fprintf(&b, "  Meta: %s\n", meta)
	}
	return b.String()
}
