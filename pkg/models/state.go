package models

// StateName identifies a variant of the run state machine.
type StateName string

// Run state machine variants. Terminal states are Completed and Stopped;
// Error always drains to Stopped on the next tick.
const (
	StatePlanning              StateName = "planning"
	StateFetching              StateName = "fetching"
	StateClassifying           StateName = "classifying"
	StateSaving                StateName = "saving"
	StateSummarizing           StateName = "summarizing"
	StateAwaitingFetchApproval StateName = "awaiting_fetch_approval"
	StateAwaitingBatchApproval StateName = "awaiting_batch_approval"
	StateCompleted             StateName = "completed"
	StateStopped               StateName = "stopped"
	StateError                 StateName = "error"
)

// State is the tagged run state. Each variant carries only the data that
// belongs to it: Error owns the failure message, Stopped owns the stop
// reason, Planning owns the replanning origin. Batch data lives on the
// AgentContext transient slots and is only populated while a state that
// owns it is current (see AgentContext.Validate).
type State struct {
	Name StateName `json:"name"`

	// Message is set only for the Error variant.
	Message string `json:"message,omitempty"`

	// Reason is set only for the Stopped variant.
	Reason string `json:"reason,omitempty"`
}

// Planning returns the initial state.
func Planning() State { return State{Name: StatePlanning} }

// Fetching returns the batch-fetch state.
func Fetching() State { return State{Name: StateFetching} }

// Classifying returns the classification state.
func Classifying() State { return State{Name: StateClassifying} }

// Saving returns the persistence state.
func Saving() State { return State{Name: StateSaving} }

// Summarizing returns the run-summary state.
func Summarizing() State { return State{Name: StateSummarizing} }

// AwaitingFetchApproval returns the fetch-approval waypoint state.
func AwaitingFetchApproval() State { return State{Name: StateAwaitingFetchApproval} }

// AwaitingBatchApproval returns the batch-approval waypoint state.
func AwaitingBatchApproval() State { return State{Name: StateAwaitingBatchApproval} }

// Completed returns the successful terminal state.
func Completed() State { return State{Name: StateCompleted} }

// Stopped returns the stopped terminal state with a human-readable reason.
func Stopped(reason string) State { return State{Name: StateStopped, Reason: reason} }

// Errored returns the error state carrying the failure message.
func Errored(message string) State { return State{Name: StateError, Message: message} }

// IsTerminal reports whether the state ends the run. Error is not terminal:
// it drains to Stopped on the next tick so the subscriber always sees a
// closing agent.run.stopped event.
func (s State) IsTerminal() bool {
	return s.Name == StateCompleted || s.Name == StateStopped
}

// IsAwaiting reports whether the state is an approval waypoint. Awaiting
// states are the only non-progressing non-terminal states: the runtime
// checkpoints and yields, and only a command (or Stop) re-enters the run.
func (s State) IsAwaiting() bool {
	return s.Name == StateAwaitingFetchApproval || s.Name == StateAwaitingBatchApproval
}
