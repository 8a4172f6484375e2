package models

import (
	"fmt"
	"time"
)

// ReplanReason tags why the runtime went back to Planning. The planner
// prompt receives the reason verbatim so the model can adapt its next plan.
type ReplanReason string

// Replan triggers. These three are the only ones; anything else that goes
// wrong either retries in place or terminates the run.
const (
	ReplanNone            ReplanReason = ""
	ReplanFetchFailure    ReplanReason = "fetch_failure"
	ReplanNoConversations ReplanReason = "no_conversations_found"
	ReplanFetchRejected   ReplanReason = "fetch_rejected"
)

// AgentContext is the full durable state of one classification run. It is
// the unit of checkpointing: the runtime persists it on every state
// transition and the checkpoint store is the single source of truth; the
// in-memory copy is derivative.
type AgentContext struct {
	RunID            string `json:"run_id"`
	UserInstructions string `json:"user_instructions"`

	// APIKey is the opaque credential for the downstream LLM provider.
	// It is never persisted: checkpoints redact it and resume re-injects
	// the key from the resuming request.
	APIKey string `json:"-"`

	State State `json:"state"`

	// Monotonic counters, bounded by the configured limits.
	ModelCallCount int `json:"model_call_count"`
	PlansCount     int `json:"plans_count"`

	// TotalConversationsClassified never decreases.
	TotalConversationsClassified int `json:"total_conversations_classified"`

	// TargetSampleSize is set exactly once per plan (1–100).
	TargetSampleSize int `json:"target_sample_size"`

	CurrentPlan *ConvClassificationPlan `json:"current_plan,omitempty"`

	// Transient slots for the current batch. Populated only while the
	// owning states are current; cleared by the saving handler.
	FetchedConversations   []Conversation         `json:"fetched_conversations,omitempty"`
	PendingClassifications []ClassificationOutput `json:"pending_classifications,omitempty"`

	// AllConversationIDs accumulates the ids of every conversation saved
	// by this run. Growth is monotonic; RejectBatch never mutates it.
	AllConversationIDs []string `json:"all_conversation_ids"`

	// FailureLogs is append-only operator-visible failure context fed back
	// into the planner prompt.
	FailureLogs []string `json:"failure_logs"`

	ReplanningReason ReplanReason `json:"replanning_reason,omitempty"`

	// ApprovalFetchCommandExecuted is the sticky "approve all fetches"
	// flag set by ApproveAllFetch. ApprovalBatchCommandExecuted exists for
	// symmetry in the persisted layout but is never set sticky; batch
	// approval is always per-batch. The asymmetry is intentional.
	ApprovalFetchCommandExecuted bool `json:"approval_fetch_command_executed"`
	ApprovalBatchCommandExecuted bool `json:"approval_batch_command_executed"`

	Summary string `json:"summary,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewAgentContext creates a fresh run context in the Planning state.
func NewAgentContext(runID, userInstructions, apiKey string) *AgentContext {
	now := time.Now().UTC()
	return &AgentContext{
		RunID:            runID,
		UserInstructions: userInstructions,
		APIKey:           apiKey,
		State:            Planning(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// AppendFailure records a failure line with a UTC timestamp prefix.
func (c *AgentContext) AppendFailure(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	c.FailureLogs = append(c.FailureLogs, time.Now().UTC().Format(time.RFC3339)+" "+line)
}

// FailureLogText returns the failure log as a single prompt-ready block.
func (c *AgentContext) FailureLogText() string {
	if len(c.FailureLogs) == 0 {
		return ""
	}
	text := ""
	for _, l := range c.FailureLogs {
		text += l + "\n"
	}
	return text
}

// ClearBatch drops the transient batch slots. Called by the saving handler
// after persisting, and by RejectFetch (the already-fetched batch is
// discarded, not retained).
func (c *AgentContext) ClearBatch() {
	c.FetchedConversations = nil
	c.PendingClassifications = nil
}

// Validate checks the state/slot consistency invariants that every
// checkpoint snapshot must satisfy.
func (c *AgentContext) Validate() error {
	if c.RunID == "" {
		return fmt.Errorf("agent context has no run id")
	}
	switch c.State.Name {
	case StatePlanning, StateSummarizing, StateCompleted, StateStopped, StateError:
		if len(c.PendingClassifications) > 0 {
			return fmt.Errorf("state %s must not carry pending classifications", c.State.Name)
		}
	}
	if c.State.Name == StatePlanning && len(c.FetchedConversations) > 0 {
		return fmt.Errorf("state planning must not carry a fetched batch")
	}
	if c.TargetSampleSize < 0 || c.TargetSampleSize > 100 {
		return fmt.Errorf("target sample size %d out of range [0,100]", c.TargetSampleSize)
	}
	return nil
}
