package agent

import (
	"context"
	"fmt"

	"github.com/convolab/triage/pkg/events"
	"github.com/convolab/triage/pkg/models"
)

// Submit applies a command to a parked run and returns the continuation
// stream. The checkpoint is loaded under the per-run lock so two
// concurrent dispatches on the same run serialize; the loser sees the
// winner's committed state and, if the run is no longer awaiting, gets a
// single error event with the run unchanged.
func (r *Runtime) Submit(ctx context.Context, runID string, cmd models.Command, apiKey string) (*events.Stream, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	stream := events.NewStream(ctx)
	go func() {
		unlock := r.locks.acquire(runID)
		defer unlock()
		defer stream.Close()

		ac, err := r.checkpoints.Load(ctx, runID)
		if err != nil {
			_ = stream.Emit(events.New(runID, events.TypeRunError, "Failed to load run: "+err.Error()))
			return
		}
		ac.APIKey = apiKey

		if err := stream.Emit(events.New(runID, events.TypeRunResumed, "Run resumed from checkpoint")); err != nil {
			return
		}
		if !ac.State.IsAwaiting() || !cmd.ValidFor(ac.State) {
			_ = stream.Emit(events.New(runID, events.TypeRunError,
				fmt.Sprintf("Command %s is not valid while the run is %s", cmd.Mode, ac.State.Name)))
			return
		}

		if err := r.applyCommand(ctx, ac, cmd, stream); err != nil {
			return
		}
		r.drive(ctx, ac, stream)
	}()
	return stream, nil
}

// applyCommand mutates the context per the command, persists, and emits
// the acknowledgement events. On return the run is ready to be driven
// (or already parked/terminal for NoOp and Stop).
func (r *Runtime) applyCommand(ctx context.Context, ac *models.AgentContext, cmd models.Command, s *events.Stream) error {
	switch cmd.Mode {
	case models.CommandNoOp:
		// Nothing changes; re-surface the approval prompt for the caller.
		return r.emitAwaiting(s, ac)

	case models.CommandStop:
		ac.ClearBatch()
		ac.State = models.Stopped("stopped by user command")
		if err := r.persist(ctx, ac); err != nil {
			return err
		}
		return s.Emit(events.New(ac.RunID, events.TypeRunStopped, "Run stopped: "+ac.State.Reason))

	case models.CommandApproveFetch, models.CommandApproveAllFetch:
		if cmd.Mode == models.CommandApproveAllFetch {
			ac.ApprovalFetchCommandExecuted = true
		}
		ac.State = models.Classifying()
		if err := r.persist(ctx, ac); err != nil {
			return err
		}
		return s.Emit(events.New(ac.RunID, events.TypeFetchApproved,
			fmt.Sprintf("Fetch approved: classifying %d conversations", len(ac.FetchedConversations))))

	case models.CommandRejectFetch:
		if cmd.Feedback != "" {
			ac.AppendFailure("fetch rejected by user: %s", cmd.Feedback)
		} else {
			ac.AppendFailure("fetch rejected by user")
		}
		return r.replan(ctx, ac, s, models.ReplanFetchRejected,
			events.New(ac.RunID, events.TypeFetchRejected, "Fetch rejected: discarding batch and replanning"))

	case models.CommandRejectBatch:
		// The batch is retried against the same plan; nothing is billed
		// and AllConversationIDs is untouched.
		if cmd.Feedback != "" {
			ac.AppendFailure("batch rejected by user: %s", cmd.Feedback)
		} else {
			ac.AppendFailure("batch rejected by user")
		}
		ac.PendingClassifications = nil
		ac.State = models.Classifying()
		if err := r.persist(ctx, ac); err != nil {
			return err
		}
		return s.Emit(events.New(ac.RunID, events.TypeBatchRejected, "Batch rejected: reclassifying"))

	case models.CommandApproveBatch:
		return r.applyApproveBatch(ctx, ac, s)
	}
	return fmt.Errorf("unhandled command mode %s", cmd.Mode)
}

// applyApproveBatch acknowledges the approval and commits the transition
// to Saving; the saving handler on the following tick (same goroutine,
// same per-run lock) writes the batch. A crash between this checkpoint
// and the writes resumes in Saving, so an approved batch is never lost.
func (r *Runtime) applyApproveBatch(ctx context.Context, ac *models.AgentContext, s *events.Stream) error {
	if err := s.Emit(events.New(ac.RunID, events.TypeBatchApproved,
		fmt.Sprintf("Batch approved: saving %d classifications", len(ac.PendingClassifications)))); err != nil {
		return err
	}
	ac.State = models.Saving()
	return r.persist(ctx, ac)
}
