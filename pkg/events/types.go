// Package events defines the structured progress events a run streams to
// its subscriber, and the ordered producer they travel through.
//
// Every event carries a type, a human-readable log message, an optional
// JSON data payload, and the owning run id. Events from one run are
// totally ordered; the sequence is finite and ends when the run reaches a
// terminal state or parks at an approval waypoint.
//
// Long texts (plan rationale, batch summaries, the final run summary) are
// delivered as a started/delta/done triple so subscribers can render a
// live typing effect, see StreamText.
package events

// Run lifecycle event types.
const (
	TypeRunStarted   = "agent.run.started"
	TypeRunResumed   = "agent.run.resumed"
	TypeRunStopped   = "agent.run.stopped"
	TypeRunCompleted = "agent.run.completed"
	TypeRunError     = "agent.run.error"
)

// Planning event types.
const (
	TypePlanningStarted   = "agent.run.planning.started"
	TypePlanningCompleted = "agent.run.planning.completed"
	TypeReplanning        = "agent.run.replanning"

	TypePlanSummaryStarted = "agent.run.plan_summary.started"
	TypePlanSummaryDelta   = "agent.run.plan_summary.delta"
	TypePlanSummaryDone    = "agent.run.plan_summary.done"
)

// Fetching event types.
const (
	TypeFetchingStarted   = "agent.run.fetching.started"
	TypeFetchingCompleted = "agent.run.fetching.completed"
	TypeFetchingError     = "agent.run.fetching.error"
	TypeFetchingStopped   = "agent.run.fetching.stopped"
)

// Classifying event types.
const (
	TypeClassifyingStarted   = "agent.run.classifying.started"
	TypeClassifyingCompleted = "agent.run.classifying.completed"
	TypeClassifyingNextBatch = "agent.run.classifying_next_batch"

	TypeOutputTextStarted = "agent.run.output_text.started"
	TypeOutputTextDone    = "agent.run.output_text.done"
)

// Saving and summarizing event types.
const (
	TypeSavingStarted   = "agent.run.saving.started"
	TypeSavingCompleted = "agent.run.saving.completed"

	TypeSummarizingStarted   = "agent.run.summarizing.started"
	TypeSummarizingCompleted = "agent.run.summarizing.completed"

	TypeSummaryStarted = "agent.run.summary.started"
	TypeSummaryDelta   = "agent.run.summary.delta"
	TypeSummaryDone    = "agent.run.summary.done"
)

// Approval waypoint event types.
const (
	TypeAwaitingFetchApproval = "agent.run.awaiting_fetch_approval"
	TypeAwaitingBatchApproval = "agent.run.awaiting_batch_approval"

	TypeFetchApproved  = "agent.run.fetch_approved"
	TypeFetchRejected  = "agent.run.fetch_rejected"
	TypeBatchApproved  = "agent.run.batch_approved"
	TypeBatchRejected  = "agent.run.batch_rejected"
	TypeBatchCompleted = "agent.run.batch_completed"

	TypeBatchSummaryStarted = "agent.run.batch_summary.started"
	TypeBatchSummaryDelta   = "agent.run.batch_summary.delta"
	TypeBatchSummaryDone    = "agent.run.batch_summary.done"
)

// Prefixes accepted by StreamText.
const (
	PrefixPlanSummary  = "agent.run.plan_summary"
	PrefixSummary      = "agent.run.summary"
	PrefixBatchSummary = "agent.run.batch_summary"
)

// Suffixes appended to a text-stream prefix by StreamText.
const (
	suffixStarted = ".started"
	suffixDelta   = ".delta"
	suffixDone    = ".done"
)

// Event is one structured progress record.
type Event struct {
	Type       string `json:"type"`
	LogMessage string `json:"logMessage"`
	Data       any    `json:"data,omitempty"`
	RunID      string `json:"runId,omitempty"`
}

// New builds an event with no data payload.
func New(runID, eventType, logMessage string) Event {
	return Event{Type: eventType, LogMessage: logMessage, RunID: runID}
}

// NewWithData builds an event carrying a JSON-serializable payload.
func NewWithData(runID, eventType, logMessage string, data any) Event {
	return Event{Type: eventType, LogMessage: logMessage, Data: data, RunID: runID}
}
