package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/convolab/triage/pkg/conversations"
	"github.com/convolab/triage/pkg/events"
	"github.com/convolab/triage/pkg/llm"
	"github.com/convolab/triage/pkg/models"
)

// handlePlanning asks the model for a sampling plan. Unparseable or
// invalid proposals are retried within the configured budget; provider
// client errors and an exhausted plan budget end the run.
func (r *Runtime) handlePlanning(ctx context.Context, ac *models.AgentContext, s *events.Stream) error {
	if ac.PlansCount >= r.cfg.MaxPlans {
		return fmt.Errorf("maximum plans (%d) exceeded", r.cfg.MaxPlans)
	}

	if err := s.Emit(events.New(ac.RunID, events.TypePlanningStarted, "Planning how to sample conversations")); err != nil {
		return err
	}

	broker := r.newBroker(ac.APIKey)
	var prompts PromptBuilder
	system, user := prompts.Planning(ac, conversations.SchemaDescription())

	var plan *models.ConvClassificationPlan
	var lastFailure string
	for attempt := 0; attempt < r.cfg.PlanParseRetries; attempt++ {
		result := broker.PlanCompletion(ctx, llm.Request{System: system, User: user})
		if !result.Success {
			ac.AppendFailure("planning attempt %d: %s", attempt+1, result.FailureLog)
			if result.Kind == llm.FailureClientError {
				return fmt.Errorf("planner call rejected by provider: %s", result.FailureLog)
			}
			lastFailure = result.FailureLog
			continue
		}

		candidate, err := r.validateProposal(ac, result.Data)
		if err != nil {
			if errors.Is(err, errPlanFatal) {
				return err
			}
			ac.AppendFailure("planning attempt %d: %v", attempt+1, err)
			lastFailure = err.Error()
			continue
		}
		plan = candidate
		break
	}
	if plan == nil {
		return fmt.Errorf("no valid plan after %d attempts: %s", r.cfg.PlanParseRetries, lastFailure)
	}

	ac.CurrentPlan = plan
	ac.TargetSampleSize = plan.TargetSampleSize
	ac.PlansCount++
	ac.ReplanningReason = models.ReplanNone
	ac.State = models.Fetching()
	if err := r.persist(ctx, ac); err != nil {
		return err
	}

	if err := events.StreamText(ctx, s, ac.RunID, events.PrefixPlanSummary, plan.PlanDetails,
		r.cfg.StreamChunkSize, r.cfg.StreamChunkDelay); err != nil {
		return err
	}
	return s.Emit(events.NewWithData(ac.RunID, events.TypePlanningCompleted,
		fmt.Sprintf("Plan ready: classify %d conversations", plan.TargetSampleSize),
		map[string]any{"target_sample_size": plan.TargetSampleSize, "plans_count": ac.PlansCount}))
}

// errPlanFatal marks proposal rejections that must not be retried.
var errPlanFatal = errors.New("agent: plan rejected")

// validateProposal checks a planner proposal and translates its query map.
// A fatal rejection wraps errPlanFatal; anything else may be retried.
func (r *Runtime) validateProposal(ac *models.AgentContext, proposal models.PlanProposal) (*models.ConvClassificationPlan, error) {
	if proposal.StopRequested {
		return nil, fmt.Errorf("%w: planner requested stop: %s", errPlanFatal, proposal.PlanDetails)
	}
	if proposal.TargetSampleSize == 0 {
		return nil, fmt.Errorf("%w: planner proposed a target sample size of 0", errPlanFatal)
	}
	if proposal.TargetSampleSize < 0 || proposal.TargetSampleSize > 100 {
		return nil, fmt.Errorf("target sample size %d out of range [1,100]", proposal.TargetSampleSize)
	}
	if ac.TotalConversationsClassified >= proposal.TargetSampleSize {
		return nil, fmt.Errorf("target sample size %d already reached (%d classified)",
			proposal.TargetSampleSize, ac.TotalConversationsClassified)
	}

	serialized, err := r.conversations.TranslateQuery(proposal.QueryMap)
	if err != nil {
		return nil, fmt.Errorf("plan query rejected: %w", err)
	}

	return &models.ConvClassificationPlan{
		TargetSampleSize:       proposal.TargetSampleSize,
		StopRequested:          false,
		AdditionalInstructions: proposal.AdditionalInstructions,
		QueryMapSerialized:     serialized,
		PlanDetails:            proposal.PlanDetails,
	}, nil
}

// handleFetching pulls the next batch of unclassified conversations. Empty
// results and store failures replan while the plan budget lasts.
func (r *Runtime) handleFetching(ctx context.Context, ac *models.AgentContext, s *events.Stream) error {
	batchSize := r.cfg.MaxBatch
	if remaining := ac.TargetSampleSize - ac.TotalConversationsClassified; remaining < batchSize {
		batchSize = remaining
	}
	if batchSize <= 0 {
		ac.State = models.Summarizing()
		return r.persist(ctx, ac)
	}

	if err := s.Emit(events.New(ac.RunID, events.TypeFetchingStarted,
		fmt.Sprintf("Fetching up to %d unclassified conversations", batchSize))); err != nil {
		return err
	}

	serialized := ""
	if ac.CurrentPlan != nil {
		serialized = ac.CurrentPlan.QueryMapSerialized
	}
	batch, err := r.conversations.FetchUnclassified(ctx, serialized, batchSize)
	if err != nil {
		ac.AppendFailure("fetch failed: %v", err)
		if ac.PlansCount >= r.cfg.MaxPlans {
			return fmt.Errorf("fetch failed with plan budget exhausted: %w", err)
		}
		return r.replan(ctx, ac, s, models.ReplanFetchFailure,
			events.New(ac.RunID, events.TypeFetchingError, "Fetch failed: "+err.Error()))
	}
	if len(batch) == 0 {
		if ac.PlansCount >= r.cfg.MaxPlans {
			ac.State = models.Summarizing()
			if err := r.persist(ctx, ac); err != nil {
				return err
			}
			return s.Emit(events.New(ac.RunID, events.TypeFetchingStopped,
				"No conversations matched the plan and the plan budget is exhausted"))
		}
		ac.AppendFailure("plan query matched no unclassified conversations")
		return r.replan(ctx, ac, s, models.ReplanNoConversations,
			events.New(ac.RunID, events.TypeFetchingStopped, "No conversations matched the plan"))
	}

	ac.FetchedConversations = batch
	if ac.ApprovalFetchCommandExecuted {
		ac.State = models.Classifying()
	} else {
		ac.State = models.AwaitingFetchApproval()
	}
	if err := r.persist(ctx, ac); err != nil {
		return err
	}
	if err := s.Emit(events.New(ac.RunID, events.TypeFetchingCompleted,
		fmt.Sprintf("Fetched %d conversations", len(batch)))); err != nil {
		return err
	}
	if ac.State.IsAwaiting() {
		return r.emitAwaiting(s, ac)
	}
	return nil
}

// replan routes the run back to Planning with the given reason, emitting
// the cause event and a replanning marker.
func (r *Runtime) replan(ctx context.Context, ac *models.AgentContext, s *events.Stream, reason models.ReplanReason, cause events.Event) error {
	ac.ReplanningReason = reason
	ac.ClearBatch()
	ac.State = models.Planning()
	if err := r.persist(ctx, ac); err != nil {
		return err
	}
	if err := s.Emit(cause); err != nil {
		return err
	}
	return s.Emit(events.NewWithData(ac.RunID, events.TypeReplanning,
		"Replanning: "+string(reason), map[string]any{"reason": string(reason)}))
}

// handleClassifying runs the classifier over the fetched batch. The model
// call budget is checked on entry so an exhausted run stops before
// spending another call.
func (r *Runtime) handleClassifying(ctx context.Context, ac *models.AgentContext, s *events.Stream) error {
	if ac.ModelCallCount >= r.cfg.MaxModelCalls {
		ac.ClearBatch()
		ac.State = models.Stopped(fmt.Sprintf("Maximum model calls (%d) reached", r.cfg.MaxModelCalls))
		if err := r.persist(ctx, ac); err != nil {
			return err
		}
		return s.Emit(events.New(ac.RunID, events.TypeRunStopped, ac.State.Reason))
	}

	if err := s.Emit(events.New(ac.RunID, events.TypeClassifyingStarted,
		fmt.Sprintf("Classifying %d conversations", len(ac.FetchedConversations)))); err != nil {
		return err
	}

	broker := r.newBroker(ac.APIKey)
	var prompts PromptBuilder
	system, user := prompts.Classification(ac.CurrentPlan, ac.FetchedConversations)

	if err := s.Emit(events.New(ac.RunID, events.TypeOutputTextStarted, "")); err != nil {
		return err
	}
	result := broker.ClassificationCompletion(ctx, llm.Request{System: system, User: user})
	ac.ModelCallCount++
	if !result.Success {
		ac.AppendFailure("classification failed: %s", result.FailureLog)
		return fmt.Errorf("classification call failed: %s", result.FailureLog)
	}

	outputs := filterOutputs(result.Data.Outputs, ac.FetchedConversations)
	if len(outputs) == 0 {
		ac.AppendFailure("classifier returned no verdicts for the fetched batch")
		return fmt.Errorf("classifier returned no usable verdicts")
	}
	if err := s.Emit(events.NewWithData(ac.RunID, events.TypeOutputTextDone, "",
		map[string]any{"outputs": outputs})); err != nil {
		return err
	}

	ac.PendingClassifications = outputs
	ac.State = models.AwaitingBatchApproval()
	if err := r.persist(ctx, ac); err != nil {
		return err
	}
	if err := s.Emit(events.New(ac.RunID, events.TypeClassifyingCompleted,
		fmt.Sprintf("Classified %d conversations", len(outputs)))); err != nil {
		return err
	}
	return r.emitAwaiting(s, ac)
}

// filterOutputs keeps verdicts that reference a fetched conversation and
// carry a valid label. One verdict per conversation; later duplicates lose.
func filterOutputs(outputs []models.ClassificationOutput, batch []models.Conversation) []models.ClassificationOutput {
	inBatch := make(map[string]bool, len(batch))
	for _, conv := range batch {
		inBatch[conv.ID] = true
	}

	kept := make([]models.ClassificationOutput, 0, len(outputs))
	seen := make(map[string]bool, len(outputs))
	for _, out := range outputs {
		if !inBatch[out.ConversationID] || !out.Classification.Valid() || seen[out.ConversationID] {
			continue
		}
		seen[out.ConversationID] = true
		kept = append(kept, out)
	}
	return kept
}

// handleSaving persists the approved classifications. Per-item failures
// are logged and skipped; the batch is billed by what actually saved.
// Re-entering after a crash is safe because already-saved ids are never
// billed twice.
func (r *Runtime) handleSaving(ctx context.Context, ac *models.AgentContext, s *events.Stream) error {
	if err := s.Emit(events.New(ac.RunID, events.TypeSavingStarted,
		fmt.Sprintf("Saving %d classifications", len(ac.PendingClassifications)))); err != nil {
		return err
	}

	outputs := ac.PendingClassifications
	saved := r.saveBatch(ctx, ac)
	summary := batchSummaryText(outputs, ac)

	if ac.TotalConversationsClassified >= ac.TargetSampleSize {
		ac.State = models.Summarizing()
	} else {
		ac.State = models.Fetching()
	}
	if err := r.persist(ctx, ac); err != nil {
		return err
	}
	if err := s.Emit(events.NewWithData(ac.RunID, events.TypeSavingCompleted,
		fmt.Sprintf("Saved %d classifications (%d of %d total)", saved, ac.TotalConversationsClassified, ac.TargetSampleSize),
		map[string]any{"saved": saved, "total_classified": ac.TotalConversationsClassified})); err != nil {
		return err
	}
	if err := s.Emit(events.NewWithData(ac.RunID, events.TypeBatchCompleted,
		fmt.Sprintf("Batch complete: %d saved, %d of %d classified", saved, ac.TotalConversationsClassified, ac.TargetSampleSize),
		map[string]any{"saved": saved, "total_classified": ac.TotalConversationsClassified})); err != nil {
		return err
	}
	if err := events.StreamText(ctx, s, ac.RunID, events.PrefixBatchSummary, summary,
		r.cfg.StreamChunkSize, r.cfg.StreamChunkDelay); err != nil {
		return err
	}
	if ac.State.Name == models.StateFetching {
		return s.Emit(events.New(ac.RunID, events.TypeClassifyingNextBatch,
			fmt.Sprintf("Moving to the next batch (%d of %d classified)", ac.TotalConversationsClassified, ac.TargetSampleSize)))
	}
	return nil
}

// batchSummaryText renders the post-save batch summary from the verdicts
// that were pending and the already-updated run totals.
func batchSummaryText(outputs []models.ClassificationOutput, ac *models.AgentContext) string {
	resolved := 0
	for _, out := range outputs {
		if out.Classification == models.ClassificationResolved {
			resolved++
		}
	}
	return fmt.Sprintf("Saved a batch of %d classifications: %d RESOLVED, %d UNRESOLVED. Progress: %d of %d conversations classified.",
		len(outputs), resolved, len(outputs)-resolved,
		ac.TotalConversationsClassified, ac.TargetSampleSize)
}

// saveBatch writes the pending classifications to the store and folds the
// results into the context. Returns the number newly saved. Ids already in
// AllConversationIDs are not billed again.
func (r *Runtime) saveBatch(ctx context.Context, ac *models.AgentContext) int {
	known := make(map[string]bool, len(ac.AllConversationIDs))
	for _, id := range ac.AllConversationIDs {
		known[id] = true
	}

	saved := 0
	for _, out := range ac.PendingClassifications {
		if known[out.ConversationID] {
			continue
		}
		if err := r.conversations.SaveClassification(ctx, out.ConversationID, out.Classification); err != nil {
			slog.Warn("Skipping classification that failed to save",
				"run_id", ac.RunID, "conversation_id", out.ConversationID, "error", err)
			ac.AppendFailure("failed to save classification for %s: %v", out.ConversationID, err)
			continue
		}
		ac.AllConversationIDs = append(ac.AllConversationIDs, out.ConversationID)
		known[out.ConversationID] = true
		saved++
	}

	ac.TotalConversationsClassified += saved
	ac.ClearBatch()
	return saved
}

// handleSummarizing produces the final run summary and closes the run. A
// summary-call failure falls back to a deterministic text so the run still
// reaches a terminal state.
func (r *Runtime) handleSummarizing(ctx context.Context, ac *models.AgentContext, s *events.Stream) error {
	if err := s.Emit(events.New(ac.RunID, events.TypeSummarizingStarted, "Summarizing the run")); err != nil {
		return err
	}

	broker := r.newBroker(ac.APIKey)
	var prompts PromptBuilder
	system, user := prompts.Summary(ac)

	summary := ""
	result := broker.TextCompletion(ctx, llm.Request{System: system, User: user})
	if result.Success {
		summary = result.Data
	} else {
		ac.AppendFailure("summary call failed: %s", result.FailureLog)
		summary = fmt.Sprintf(
			"- Classified %d of %d targeted conversations.\n- Produced %d plans using %d model calls.\n- The summary model call failed; see the failure log.",
			ac.TotalConversationsClassified, ac.TargetSampleSize, ac.PlansCount, ac.ModelCallCount)
	}
	ac.Summary = summary

	if ac.TotalConversationsClassified > 0 {
		outcome := &models.AgentRunOutcome{
			RunID:           ac.RunID,
			ConversationIDs: ac.AllConversationIDs,
			CreatedAt:       time.Now().UTC(),
		}
		if err := r.checkpoints.SaveOutcome(ctx, outcome); err != nil {
			return fmt.Errorf("failed to persist run outcome: %w", err)
		}
		ac.State = models.Completed()
	} else {
		ac.State = models.Stopped("no conversations were classified")
	}
	if err := r.persist(ctx, ac); err != nil {
		return err
	}

	if err := events.StreamText(ctx, s, ac.RunID, events.PrefixSummary, summary,
		r.cfg.StreamChunkSize, r.cfg.StreamChunkDelay); err != nil {
		return err
	}
	if err := s.Emit(events.New(ac.RunID, events.TypeSummarizingCompleted, "Run summary ready")); err != nil {
		return err
	}
	r.emitTerminal(s, ac)
	return nil
}
