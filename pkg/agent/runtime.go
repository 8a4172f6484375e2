// Package agent implements the classification run state machine: the
// runtime that drives planning → fetching → approvals → classifying →
// saving → summarizing, and the dispatcher that re-enters parked runs on
// externally-submitted commands.
//
// Per run the machine is single-threaded cooperative: one handler at a
// time, serialized by a per-run lock. Every state transition is
// checkpointed before the tick's closing event is emitted, so a crash
// between persist and emit costs at most a re-emitted bridging event on
// resume. The checkpoint store is the single source of truth; the
// in-memory context is derivative.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/convolab/triage/pkg/config"
	"github.com/convolab/triage/pkg/events"
	"github.com/convolab/triage/pkg/llm"
	"github.com/convolab/triage/pkg/models"
)

// CheckpointStore persists run contexts and outcomes.
type CheckpointStore interface {
	Save(ctx context.Context, ac *models.AgentContext) error
	Load(ctx context.Context, runID string) (*models.AgentContext, error)
	SaveOutcome(ctx context.Context, outcome *models.AgentRunOutcome) error
}

// ConversationStore is the agent's view of the conversation data store.
type ConversationStore interface {
	TranslateQuery(queryMap map[string]any) (string, error)
	FetchUnclassified(ctx context.Context, serializedQuery string, limit int) ([]models.Conversation, error)
	SaveClassification(ctx context.Context, conversationID string, label models.Classification) error
}

// Broker issues the runtime's LLM calls. See pkg/llm for the production
// implementation; tests substitute fakes.
type Broker interface {
	PlanCompletion(ctx context.Context, req llm.Request) llm.Result[models.PlanProposal]
	ClassificationCompletion(ctx context.Context, req llm.Request) llm.Result[models.ClassificationEnvelope]
	TextCompletion(ctx context.Context, req llm.Request) llm.Result[string]
}

// BrokerFactory builds a broker bound to a run's provider credential.
type BrokerFactory func(apiKey string) Broker

// errCheckpointFailed marks persistence failures, which are fatal for the
// current tick: no further events are emitted for the transition.
var errCheckpointFailed = errors.New("agent: checkpoint write failed")

// Runtime drives classification runs.
type Runtime struct {
	cfg           config.AgentConfig
	checkpoints   CheckpointStore
	conversations ConversationStore
	newBroker     BrokerFactory
	locks         *runLocks
}

// NewRuntime wires a runtime from its collaborators.
func NewRuntime(cfg config.AgentConfig, checkpoints CheckpointStore, conversations ConversationStore, factory BrokerFactory) *Runtime {
	return &Runtime{
		cfg:           cfg,
		checkpoints:   checkpoints,
		conversations: conversations,
		newBroker:     factory,
		locks:         newRunLocks(),
	}
}

// Start creates a new run and returns its event stream. The stream ends
// when the run reaches a terminal state or parks at an approval waypoint.
func (r *Runtime) Start(ctx context.Context, userInstructions, apiKey string) (*events.Stream, string) {
	runID := uuid.NewString()
	ac := models.NewAgentContext(runID, userInstructions, apiKey)
	stream := events.NewStream(ctx)

	go func() {
		unlock := r.locks.acquire(runID)
		defer unlock()
		defer stream.Close()

		if err := r.persist(ctx, ac); err != nil {
			_ = stream.Emit(events.New(runID, events.TypeRunError, "Failed to create run checkpoint"))
			return
		}
		if err := stream.Emit(events.New(runID, events.TypeRunStarted, "Run started")); err != nil {
			return
		}
		r.drive(ctx, ac, stream)
	}()

	return stream, runID
}

// Resume reloads a checkpointed run and continues driving it. A run
// parked at an approval waypoint re-emits its awaiting event so the
// subscriber can re-render the prompt; anything else picks up where the
// last committed transition left off.
func (r *Runtime) Resume(ctx context.Context, runID, apiKey string) (*events.Stream, error) {
	ac, err := r.checkpoints.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	ac.APIKey = apiKey
	stream := events.NewStream(ctx)

	go func() {
		unlock := r.locks.acquire(runID)
		defer unlock()
		defer stream.Close()

		if err := stream.Emit(events.New(runID, events.TypeRunResumed, "Run resumed from checkpoint")); err != nil {
			return
		}
		if ac.State.IsAwaiting() {
			_ = r.emitAwaiting(stream, ac)
			return
		}
		if ac.State.IsTerminal() {
			r.emitTerminal(stream, ac)
			return
		}
		r.drive(ctx, ac, stream)
	}()

	return stream, nil
}

// drive ticks the state machine until the run parks or terminates. Emit
// failures mean the subscriber is gone: in-flight work completed, the
// sequence just ends.
func (r *Runtime) drive(ctx context.Context, ac *models.AgentContext, s *events.Stream) {
	for {
		if ac.State.IsTerminal() || ac.State.IsAwaiting() {
			return
		}
		if err := r.tick(ctx, ac, s); err != nil {
			return
		}
	}
}

// tick executes the handler for the current state. A handler error that
// is not a subscriber/checkpoint failure routes the run to Error,
// appending to the failure log; the Error state drains to Stopped on the
// next tick.
func (r *Runtime) tick(ctx context.Context, ac *models.AgentContext, s *events.Stream) error {
	log := slog.With("run_id", ac.RunID, "state", ac.State.Name)

	var err error
	switch ac.State.Name {
	case models.StatePlanning:
		err = r.handlePlanning(ctx, ac, s)
	case models.StateFetching:
		err = r.handleFetching(ctx, ac, s)
	case models.StateClassifying:
		err = r.handleClassifying(ctx, ac, s)
	case models.StateSaving:
		err = r.handleSaving(ctx, ac, s)
	case models.StateSummarizing:
		err = r.handleSummarizing(ctx, ac, s)
	case models.StateError:
		err = r.handleErrorDrain(ctx, ac, s)
	default:
		err = fmt.Errorf("no handler for state %s", ac.State.Name)
	}

	if err == nil {
		return nil
	}
	if errors.Is(err, events.ErrSubscriberGone) || errors.Is(err, errCheckpointFailed) {
		return err
	}

	log.Error("Handler failed, routing run to error state", "error", err)
	ac.AppendFailure("%s handler: %v", ac.State.Name, err)
	ac.ClearBatch()
	ac.State = models.Errored(err.Error())
	if perr := r.persist(ctx, ac); perr != nil {
		return perr
	}
	return s.Emit(events.New(ac.RunID, events.TypeRunError, err.Error()))
}

// handleErrorDrain moves Error to Stopped, closing the sequence with an
// explicit terminal event.
func (r *Runtime) handleErrorDrain(ctx context.Context, ac *models.AgentContext, s *events.Stream) error {
	ac.State = models.Stopped(ac.State.Message)
	if err := r.persist(ctx, ac); err != nil {
		return err
	}
	return s.Emit(events.New(ac.RunID, events.TypeRunStopped, "Run stopped: "+ac.State.Reason))
}

// persist checkpoints the context. Failures are wrapped so tick/drive
// treat them as fatal for the current transition.
func (r *Runtime) persist(ctx context.Context, ac *models.AgentContext) error {
	if err := r.checkpoints.Save(ctx, ac); err != nil {
		slog.Error("Checkpoint write failed", "run_id", ac.RunID, "state", ac.State.Name, "error", err)
		return fmt.Errorf("%w: %v", errCheckpointFailed, err)
	}
	return nil
}

// emitAwaiting re-emits the approval-request event for a parked run.
func (r *Runtime) emitAwaiting(s *events.Stream, ac *models.AgentContext) error {
	switch ac.State.Name {
	case models.StateAwaitingFetchApproval:
		return s.Emit(events.NewWithData(ac.RunID, events.TypeAwaitingFetchApproval,
			fmt.Sprintf("Awaiting approval to classify a batch of %d conversations", len(ac.FetchedConversations)),
			fetchPreview(ac)))
	case models.StateAwaitingBatchApproval:
		return s.Emit(events.NewWithData(ac.RunID, events.TypeAwaitingBatchApproval,
			fmt.Sprintf("Awaiting approval of %d classifications", len(ac.PendingClassifications)),
			batchPreview(ac)))
	}
	return nil
}

// emitTerminal re-emits the closing event for an already-finished run.
func (r *Runtime) emitTerminal(s *events.Stream, ac *models.AgentContext) {
	switch ac.State.Name {
	case models.StateCompleted:
		_ = s.Emit(events.New(ac.RunID, events.TypeRunCompleted, "Run completed"))
	case models.StateStopped:
		_ = s.Emit(events.New(ac.RunID, events.TypeRunStopped, "Run stopped: "+ac.State.Reason))
	}
}

// fetchPreview is the opaque payload of a fetch-approval request.
func fetchPreview(ac *models.AgentContext) map[string]any {
	previews := make([]map[string]any, 0, len(ac.FetchedConversations))
	for _, conv := range ac.FetchedConversations {
		previews = append(previews, conv.Preview())
	}
	return map[string]any{
		"batch_size":         len(ac.FetchedConversations),
		"target_sample_size": ac.TargetSampleSize,
		"classified_so_far":  ac.TotalConversationsClassified,
		"conversations":      previews,
	}
}

// batchPreview is the opaque payload of a batch-approval request.
func batchPreview(ac *models.AgentContext) map[string]any {
	return map[string]any{
		"outputs":           ac.PendingClassifications,
		"classified_so_far": ac.TotalConversationsClassified,
	}
}
