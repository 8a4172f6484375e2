package models

import "fmt"

// CommandMode identifies an externally-submitted run command.
type CommandMode string

// Command modes accepted by the dispatcher. The wire values match the
// HTTP command endpoint body.
const (
	CommandApproveFetch    CommandMode = "APPROVE_FETCH"
	CommandApproveAllFetch CommandMode = "APPROVE_ALL_FETCH"
	CommandRejectFetch     CommandMode = "REJECT_FETCH"
	CommandApproveBatch    CommandMode = "APPROVE_BATCH"
	CommandRejectBatch     CommandMode = "REJECT_BATCH"
	CommandStop            CommandMode = "STOP"
	CommandNoOp            CommandMode = "NO_OP"
)

// Command is an approval/abort instruction targeted at a run parked in an
// awaiting state.
type Command struct {
	Mode CommandMode `json:"mode"`

	// Feedback accompanies RejectFetch and RejectBatch; it is appended to
	// the run's failure log so the planner can factor it in.
	Feedback string `json:"feedback,omitempty"`
}

// Validate checks the mode is known and feedback is only present where it
// is meaningful.
func (c Command) Validate() error {
	switch c.Mode {
	case CommandApproveFetch, CommandApproveAllFetch, CommandApproveBatch,
		CommandRejectFetch, CommandRejectBatch, CommandStop, CommandNoOp:
		return nil
	default:
		return fmt.Errorf("unknown command mode %q", c.Mode)
	}
}

// ValidFor reports whether the command may be applied while the run is in
// the given state. Stop and NoOp are accepted at either waypoint.
func (c Command) ValidFor(state State) bool {
	switch state.Name {
	case StateAwaitingFetchApproval:
		switch c.Mode {
		case CommandApproveFetch, CommandApproveAllFetch, CommandRejectFetch, CommandStop, CommandNoOp:
			return true
		}
	case StateAwaitingBatchApproval:
		switch c.Mode {
		case CommandApproveBatch, CommandRejectBatch, CommandStop, CommandNoOp:
			return true
		}
	}
	return false
}
