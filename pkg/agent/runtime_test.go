package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convolab/triage/pkg/config"
	"github.com/convolab/triage/pkg/conversations"
	"github.com/convolab/triage/pkg/events"
	"github.com/convolab/triage/pkg/llm"
	"github.com/convolab/triage/pkg/models"
)

// memCheckpoints is an in-memory CheckpointStore enforcing the same
// snapshot-consistency contract as the real one.
type memCheckpoints struct {
	mu       sync.Mutex
	runs     map[string][]byte
	outcomes map[string]*models.AgentRunOutcome
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{
		runs:     make(map[string][]byte),
		outcomes: make(map[string]*models.AgentRunOutcome),
	}
}

func (m *memCheckpoints) Save(_ context.Context, ac *models.AgentContext) error {
	if err := ac.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(ac)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[ac.RunID] = payload
	return nil
}

func (m *memCheckpoints) Load(_ context.Context, runID string) (*models.AgentContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payload, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	var ac models.AgentContext
	if err := json.Unmarshal(payload, &ac); err != nil {
		return nil, err
	}
	return &ac, nil
}

func (m *memCheckpoints) SaveOutcome(_ context.Context, outcome *models.AgentRunOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.outcomes[outcome.RunID]; !exists {
		m.outcomes[outcome.RunID] = outcome
	}
	return nil
}

// fakeConvStore serves a fixed corpus, treating saved ids as classified.
// emptyFetches makes the first n fetches return nothing (replan tests).
type fakeConvStore struct {
	mu           sync.Mutex
	corpus       []models.Conversation
	saved        map[string]models.Classification
	emptyFetches int
	fetchErr     error
	saveErrFor   map[string]error
}

func newFakeConvStore(size int) *fakeConvStore {
	store := &fakeConvStore{saved: make(map[string]models.Classification)}
	for i := 0; i < size; i++ {
		store.corpus = append(store.corpus, models.Conversation{
			ID:      fmt.Sprintf("conv-%02d", i),
			Summary: fmt.Sprintf("conversation %02d about refunds", i),
			Messages: []models.ConversationMessage{
				{Role: "user", Text: "I want a refund"},
				{Role: "agent", Text: "Let me check"},
			},
		})
	}
	return store
}

func (f *fakeConvStore) TranslateQuery(queryMap map[string]any) (string, error) {
	return conversations.TranslateQuery(queryMap)
}

func (f *fakeConvStore) FetchUnclassified(_ context.Context, _ string, limit int) ([]models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if f.emptyFetches > 0 {
		f.emptyFetches--
		return nil, nil
	}
	var batch []models.Conversation
	for _, conv := range f.corpus {
		if _, classified := f.saved[conv.ID]; classified {
			continue
		}
		batch = append(batch, conv)
		if len(batch) == limit {
			break
		}
	}
	return batch, nil
}

func (f *fakeConvStore) SaveClassification(_ context.Context, conversationID string, label models.Classification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.saveErrFor[conversationID]; err != nil {
		return err
	}
	f.saved[conversationID] = label
	return nil
}

// fakeBroker classifies whatever batch the prompt asks about by reading
// the store, and replays scripted plan/text results.
type fakeBroker struct {
	store      *fakeConvStore
	mu         sync.Mutex
	plans      []llm.Result[models.PlanProposal]
	planCalls  int
	classCalls int
	classErr   *llm.Result[models.ClassificationEnvelope]
}

func (b *fakeBroker) PlanCompletion(_ context.Context, _ llm.Request) llm.Result[models.PlanProposal] {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.planCalls++
	if len(b.plans) > 0 {
		next := b.plans[0]
		b.plans = b.plans[1:]
		return next
	}
	return llm.Ok(models.PlanProposal{
		TargetSampleSize: 20,
		QueryMap:         map[string]any{"resolved": false},
		PlanDetails:      "Sample the most recent unresolved-looking conversations.",
	})
}

func (b *fakeBroker) ClassificationCompletion(_ context.Context, _ llm.Request) llm.Result[models.ClassificationEnvelope] {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.classCalls++
	if b.classErr != nil {
		return *b.classErr
	}

	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	var outputs []models.ClassificationOutput
	for _, conv := range b.store.corpus {
		if _, classified := b.store.saved[conv.ID]; classified {
			continue
		}
		outputs = append(outputs, models.ClassificationOutput{
			ConversationID: conv.ID,
			Classification: models.ClassificationResolved,
		})
		if len(outputs) == 10 {
			break
		}
	}
	return llm.Ok(models.ClassificationEnvelope{Outputs: outputs})
}

func (b *fakeBroker) TextCompletion(_ context.Context, _ llm.Request) llm.Result[string] {
	return llm.Ok("- classified conversations\n- sampled by recency\n- no notable failures")
}

func testConfig() config.AgentConfig {
	return config.AgentConfig{
		MaxModelCalls:    10,
		MaxPlans:         5,
		MaxBatch:         10,
		PlanParseRetries: 3,
		StreamChunkSize:  4096,
		StreamChunkDelay: 0,
	}
}

func newTestRuntime(store *fakeConvStore, broker *fakeBroker, checkpoints *memCheckpoints) *Runtime {
	return NewRuntime(testConfig(), checkpoints, store, func(string) Broker { return broker })
}

// drain collects every event until the stream closes.
func drain(stream *events.Stream) []events.Event {
	var got []events.Event
	for ev := range stream.Events() {
		got = append(got, ev)
	}
	return got
}

func eventTypes(evs []events.Event) []string {
	types := make([]string, 0, len(evs))
	for _, ev := range evs {
		types = append(types, ev.Type)
	}
	return types
}

func lastEvent(t *testing.T, evs []events.Event) events.Event {
	t.Helper()
	require.NotEmpty(t, evs)
	return evs[len(evs)-1]
}

func TestRuntime_HappyPathWithApprovals(t *testing.T) {
	ctx := context.Background()
	store := newFakeConvStore(25)
	broker := &fakeBroker{store: store}
	checkpoints := newMemCheckpoints()
	runtime := newTestRuntime(store, broker, checkpoints)

	// Start: plan, fetch, park at fetch approval.
	stream, runID := runtime.Start(ctx, "classify last 20 from REFUND", "sk-test")
	evs := drain(stream)
	types := eventTypes(evs)
	assert.Equal(t, events.TypeRunStarted, types[0])
	assert.Contains(t, types, events.TypePlanningStarted)
	assert.Contains(t, types, events.TypePlanningCompleted)
	assert.Contains(t, types, events.TypeFetchingCompleted)
	assert.Equal(t, events.TypeAwaitingFetchApproval, lastEvent(t, evs).Type)

	// Approve all fetches: batch 1 classifies and parks at batch approval.
	stream, err := runtime.Submit(ctx, runID, models.Command{Mode: models.CommandApproveAllFetch}, "sk-test")
	require.NoError(t, err)
	evs = drain(stream)
	types = eventTypes(evs)
	assert.Equal(t, events.TypeRunResumed, types[0])
	assert.Contains(t, types, events.TypeFetchApproved)
	assert.Contains(t, types, events.TypeClassifyingCompleted)
	assert.Equal(t, events.TypeAwaitingBatchApproval, lastEvent(t, evs).Type)

	// Approve batch 1: saves 10, fetches batch 2 WITHOUT a fetch waypoint,
	// classifies, parks at batch approval again.
	stream, err = runtime.Submit(ctx, runID, models.Command{Mode: models.CommandApproveBatch}, "sk-test")
	require.NoError(t, err)
	evs = drain(stream)
	types = eventTypes(evs)
	assert.Contains(t, types, events.TypeBatchCompleted)
	assert.Contains(t, types, events.TypeClassifyingNextBatch)
	assert.NotContains(t, types, events.TypeAwaitingFetchApproval, "sticky approve-all must skip fetch approval")
	assert.Equal(t, events.TypeAwaitingBatchApproval, lastEvent(t, evs).Type)

	// Approve batch 2: target reached, run summarizes and completes.
	stream, err = runtime.Submit(ctx, runID, models.Command{Mode: models.CommandApproveBatch}, "sk-test")
	require.NoError(t, err)
	evs = drain(stream)
	types = eventTypes(evs)
	assert.Contains(t, types, events.TypeSummaryDone)
	assert.Equal(t, events.TypeRunCompleted, lastEvent(t, evs).Type)

	final, err := checkpoints.Load(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, final.State.Name)
	assert.Equal(t, 20, final.TotalConversationsClassified)
	assert.Len(t, final.AllConversationIDs, 20)
	assert.Equal(t, 2, final.ModelCallCount)
	assert.Equal(t, 1, final.PlansCount)
	assert.NotEmpty(t, final.Summary)

	outcome := checkpoints.outcomes[runID]
	require.NotNil(t, outcome, "completed run must store its outcome")
	assert.Len(t, outcome.ConversationIDs, 20)
}

// indexOfType returns the position of the first event of the given type,
// or -1.
func indexOfType(types []string, typ string) int {
	for i, t := range types {
		if t == typ {
			return i
		}
	}
	return -1
}

func TestRuntime_BatchApprovalRunsSavingState(t *testing.T) {
	ctx := context.Background()
	store := newFakeConvStore(25)
	broker := &fakeBroker{store: store}
	checkpoints := newMemCheckpoints()
	runtime := newTestRuntime(store, broker, checkpoints)

	stream, runID := runtime.Start(ctx, "classify last 20 from REFUND", "sk-test")
	drain(stream)
	stream, err := runtime.Submit(ctx, runID, models.Command{Mode: models.CommandApproveAllFetch}, "sk-test")
	require.NoError(t, err)
	drain(stream)

	// Every batch approval passes through the saving state: approval ack,
	// then saving started/completed around the writes, then the batch close.
	for batch := 1; batch <= 2; batch++ {
		stream, err = runtime.Submit(ctx, runID, models.Command{Mode: models.CommandApproveBatch}, "sk-test")
		require.NoError(t, err)
		evs := drain(stream)
		types := eventTypes(evs)

		approved := indexOfType(types, events.TypeBatchApproved)
		started := indexOfType(types, events.TypeSavingStarted)
		completed := indexOfType(types, events.TypeSavingCompleted)
		closed := indexOfType(types, events.TypeBatchCompleted)
		require.NotEqual(t, -1, approved, "batch %d: missing batch approval ack", batch)
		require.NotEqual(t, -1, started, "batch %d: missing saving started", batch)
		require.NotEqual(t, -1, completed, "batch %d: missing saving completed", batch)
		require.NotEqual(t, -1, closed, "batch %d: missing batch completion", batch)
		assert.Less(t, approved, started, "batch %d: approval ack precedes saving", batch)
		assert.Less(t, started, completed, "batch %d: saving events bracket the writes", batch)
		assert.Less(t, completed, closed, "batch %d: batch closes after saving", batch)
	}

	final, err := checkpoints.Load(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, final.State.Name)
	assert.Equal(t, 20, final.TotalConversationsClassified)
}

func TestRuntime_ReplanOnEmptyFetch(t *testing.T) {
	ctx := context.Background()
	store := newFakeConvStore(10)
	store.emptyFetches = 1
	broker := &fakeBroker{store: store, plans: []llm.Result[models.PlanProposal]{
		llm.Ok(models.PlanProposal{
			TargetSampleSize: 5,
			QueryMap:         map[string]any{"category": "NOPE"},
			PlanDetails:      "First plan, too narrow.",
		}),
		llm.Ok(models.PlanProposal{
			TargetSampleSize: 5,
			QueryMap:         map[string]any{"resolved": false},
			PlanDetails:      "Second plan, wider.",
		}),
	}}
	checkpoints := newMemCheckpoints()
	runtime := newTestRuntime(store, broker, checkpoints)

	stream, runID := runtime.Start(ctx, "classify 5", "sk-test")
	evs := drain(stream)
	types := eventTypes(evs)

	assert.Contains(t, types, events.TypeFetchingStopped)
	assert.Contains(t, types, events.TypeReplanning)
	// Two plan summaries streamed: one per plan.
	planSummaries := 0
	for _, typ := range types {
		if typ == events.TypePlanSummaryDone {
			planSummaries++
		}
	}
	assert.Equal(t, 2, planSummaries)
	assert.Equal(t, events.TypeAwaitingFetchApproval, lastEvent(t, evs).Type)

	ac, err := checkpoints.Load(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, 2, ac.PlansCount)
	assert.Equal(t, models.ReplanNone, ac.ReplanningReason, "reason clears on successful plan")
	assert.NotEmpty(t, ac.FailureLogs)
}

func TestRuntime_RejectBatchRetriesSamePlan(t *testing.T) {
	ctx := context.Background()
	store := newFakeConvStore(10)
	broker := &fakeBroker{store: store, plans: []llm.Result[models.PlanProposal]{
		llm.Ok(models.PlanProposal{
			TargetSampleSize: 10,
			QueryMap:         map[string]any{"resolved": false},
			PlanDetails:      "plan",
		}),
	}}
	checkpoints := newMemCheckpoints()
	runtime := newTestRuntime(store, broker, checkpoints)

	stream, runID := runtime.Start(ctx, "classify 10", "sk-test")
	drain(stream)
	stream, err := runtime.Submit(ctx, runID, models.Command{Mode: models.CommandApproveFetch}, "sk-test")
	require.NoError(t, err)
	drain(stream)

	stream, err = runtime.Submit(ctx, runID,
		models.Command{Mode: models.CommandRejectBatch, Feedback: "wrong labels"}, "sk-test")
	require.NoError(t, err)
	evs := drain(stream)
	types := eventTypes(evs)

	assert.Contains(t, types, events.TypeBatchRejected)
	assert.Contains(t, types, events.TypeClassifyingCompleted, "rejection retries classification in place")
	assert.Equal(t, events.TypeAwaitingBatchApproval, lastEvent(t, evs).Type)

	ac, err := checkpoints.Load(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, 2, ac.ModelCallCount, "retry costs a model call")
	assert.Equal(t, 0, ac.TotalConversationsClassified, "rejection must not bill the target")
	assert.Empty(t, ac.AllConversationIDs)
	require.NotEmpty(t, ac.FailureLogs)
	assert.Contains(t, ac.FailureLogs[len(ac.FailureLogs)-1], "wrong labels")
}

func TestRuntime_ModelCallExhaustion(t *testing.T) {
	ctx := context.Background()
	store := newFakeConvStore(10)
	broker := &fakeBroker{store: store}
	checkpoints := newMemCheckpoints()
	cfg := testConfig()
	cfg.MaxModelCalls = 1
	runtime := NewRuntime(cfg, checkpoints, store, func(string) Broker { return broker })

	stream, runID := runtime.Start(ctx, "classify", "sk-test")
	drain(stream)
	stream, err := runtime.Submit(ctx, runID, models.Command{Mode: models.CommandApproveFetch}, "sk-test")
	require.NoError(t, err)
	drain(stream)

	// The one allowed call is spent; re-entering Classifying stops the run.
	stream, err = runtime.Submit(ctx, runID, models.Command{Mode: models.CommandRejectBatch}, "sk-test")
	require.NoError(t, err)
	evs := drain(stream)

	last := lastEvent(t, evs)
	assert.Equal(t, events.TypeRunStopped, last.Type)
	assert.Contains(t, last.LogMessage, "Maximum model calls (1) reached")

	ac, err := checkpoints.Load(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.StateStopped, ac.State.Name)
	assert.Equal(t, 1, ac.ModelCallCount)
}

func TestRuntime_ResumeAcrossRestart(t *testing.T) {
	ctx := context.Background()
	store := newFakeConvStore(10)
	broker := &fakeBroker{store: store, plans: []llm.Result[models.PlanProposal]{
		llm.Ok(models.PlanProposal{
			TargetSampleSize: 10,
			QueryMap:         map[string]any{"resolved": false},
			PlanDetails:      "plan",
		}),
	}}
	checkpoints := newMemCheckpoints()

	runtime := newTestRuntime(store, broker, checkpoints)
	stream, runID := runtime.Start(ctx, "classify 10", "sk-test")
	drain(stream)
	stream, err := runtime.Submit(ctx, runID, models.Command{Mode: models.CommandApproveFetch}, "sk-test")
	require.NoError(t, err)
	drain(stream)

	// "Restart": a fresh runtime over the same checkpoints.
	restarted := newTestRuntime(store, broker, checkpoints)

	stream, err = restarted.Resume(ctx, runID, "sk-test")
	require.NoError(t, err)
	evs := drain(stream)
	require.NotEmpty(t, evs)
	assert.Equal(t, events.TypeRunResumed, evs[0].Type)
	assert.Equal(t, events.TypeAwaitingBatchApproval, lastEvent(t, evs).Type,
		"resume of a parked run re-surfaces the approval prompt")

	stream, err = restarted.Submit(ctx, runID, models.Command{Mode: models.CommandApproveBatch}, "sk-test")
	require.NoError(t, err)
	evs = drain(stream)
	assert.Equal(t, events.TypeRunResumed, evs[0].Type)
	assert.Equal(t, events.TypeRunCompleted, lastEvent(t, evs).Type)
}

func TestRuntime_StopAtWaypoint(t *testing.T) {
	ctx := context.Background()
	store := newFakeConvStore(10)
	broker := &fakeBroker{store: store}
	checkpoints := newMemCheckpoints()
	runtime := newTestRuntime(store, broker, checkpoints)

	stream, runID := runtime.Start(ctx, "classify", "sk-test")
	drain(stream)

	stream, err := runtime.Submit(ctx, runID, models.Command{Mode: models.CommandStop}, "sk-test")
	require.NoError(t, err)
	evs := drain(stream)
	assert.Equal(t, events.TypeRunStopped, lastEvent(t, evs).Type)

	ac, err := checkpoints.Load(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.StateStopped, ac.State.Name)
	assert.Empty(t, ac.FetchedConversations)
}

func TestRuntime_InvalidCommandLeavesRunUnchanged(t *testing.T) {
	ctx := context.Background()
	store := newFakeConvStore(10)
	broker := &fakeBroker{store: store}
	checkpoints := newMemCheckpoints()
	runtime := newTestRuntime(store, broker, checkpoints)

	stream, runID := runtime.Start(ctx, "classify", "sk-test")
	drain(stream)

	before, err := checkpoints.Load(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, models.StateAwaitingFetchApproval, before.State.Name)

	// Batch approval is not valid at the fetch waypoint.
	stream, err = runtime.Submit(ctx, runID, models.Command{Mode: models.CommandApproveBatch}, "sk-test")
	require.NoError(t, err)
	evs := drain(stream)
	assert.Equal(t, events.TypeRunError, lastEvent(t, evs).Type)

	after, err := checkpoints.Load(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.StateAwaitingFetchApproval, after.State.Name)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt, "invalid command must not touch the checkpoint")
}

func TestRuntime_RejectFetchReplans(t *testing.T) {
	ctx := context.Background()
	store := newFakeConvStore(10)
	broker := &fakeBroker{store: store, plans: []llm.Result[models.PlanProposal]{
		llm.Ok(models.PlanProposal{
			TargetSampleSize: 5,
			QueryMap:         map[string]any{"intent": "REFUND"},
			PlanDetails:      "first plan",
		}),
		llm.Ok(models.PlanProposal{
			TargetSampleSize: 5,
			QueryMap:         map[string]any{"resolved": false},
			PlanDetails:      "second plan",
		}),
	}}
	checkpoints := newMemCheckpoints()
	runtime := newTestRuntime(store, broker, checkpoints)

	stream, runID := runtime.Start(ctx, "classify 5", "sk-test")
	drain(stream)

	stream, err := runtime.Submit(ctx, runID,
		models.Command{Mode: models.CommandRejectFetch, Feedback: "not the right slice"}, "sk-test")
	require.NoError(t, err)
	evs := drain(stream)
	types := eventTypes(evs)

	assert.Contains(t, types, events.TypeFetchRejected)
	assert.Contains(t, types, events.TypeReplanning)
	assert.Equal(t, events.TypeAwaitingFetchApproval, lastEvent(t, evs).Type,
		"the replanned fetch parks at a fresh approval waypoint")

	ac, err := checkpoints.Load(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, 2, ac.PlansCount)
	found := false
	for _, line := range ac.FailureLogs {
		if strings.Contains(line, "not the right slice") {
			found = true
		}
	}
	assert.True(t, found, "rejection feedback lands in the failure log")
}

func TestRuntime_PlanWithZeroTargetErrors(t *testing.T) {
	ctx := context.Background()
	store := newFakeConvStore(10)
	broker := &fakeBroker{store: store, plans: []llm.Result[models.PlanProposal]{
		llm.Ok(models.PlanProposal{TargetSampleSize: 0, PlanDetails: "useless plan"}),
	}}
	checkpoints := newMemCheckpoints()
	runtime := newTestRuntime(store, broker, checkpoints)

	stream, runID := runtime.Start(ctx, "classify nothing", "sk-test")
	evs := drain(stream)
	types := eventTypes(evs)

	assert.Contains(t, types, events.TypeRunError)
	assert.Equal(t, events.TypeRunStopped, lastEvent(t, evs).Type, "error always drains to stopped")

	ac, err := checkpoints.Load(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.StateStopped, ac.State.Name)
}

func TestRuntime_PlanParseRetriesThenError(t *testing.T) {
	ctx := context.Background()
	store := newFakeConvStore(10)
	broker := &fakeBroker{store: store, plans: []llm.Result[models.PlanProposal]{
		llm.Fail[models.PlanProposal](llm.FailureBadOutput, "garbage 1"),
		llm.Fail[models.PlanProposal](llm.FailureBadOutput, "garbage 2"),
		llm.Fail[models.PlanProposal](llm.FailureBadOutput, "garbage 3"),
	}}
	checkpoints := newMemCheckpoints()
	runtime := newTestRuntime(store, broker, checkpoints)

	stream, runID := runtime.Start(ctx, "classify", "sk-test")
	evs := drain(stream)

	assert.Equal(t, events.TypeRunStopped, lastEvent(t, evs).Type)
	assert.Equal(t, 3, broker.planCalls, "exactly the retry budget is spent")

	ac, err := checkpoints.Load(ctx, runID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(ac.FailureLogs), 3)
}

func TestRuntime_ApproveBatchIsIdempotentPerBatch(t *testing.T) {
	ctx := context.Background()
	store := newFakeConvStore(10)
	broker := &fakeBroker{store: store, plans: []llm.Result[models.PlanProposal]{
		llm.Ok(models.PlanProposal{
			TargetSampleSize: 10,
			QueryMap:         map[string]any{"resolved": false},
			PlanDetails:      "plan",
		}),
	}}
	checkpoints := newMemCheckpoints()
	runtime := newTestRuntime(store, broker, checkpoints)

	stream, runID := runtime.Start(ctx, "classify 10", "sk-test")
	drain(stream)
	stream, err := runtime.Submit(ctx, runID, models.Command{Mode: models.CommandApproveFetch}, "sk-test")
	require.NoError(t, err)
	drain(stream)

	stream, err = runtime.Submit(ctx, runID, models.Command{Mode: models.CommandApproveBatch}, "sk-test")
	require.NoError(t, err)
	drain(stream)

	// A second approval of the same (already saved) batch is rejected: the
	// run is no longer awaiting.
	stream, err = runtime.Submit(ctx, runID, models.Command{Mode: models.CommandApproveBatch}, "sk-test")
	require.NoError(t, err)
	evs := drain(stream)
	assert.Equal(t, events.TypeRunError, lastEvent(t, evs).Type)

	ac, err := checkpoints.Load(ctx, runID)
	require.NoError(t, err)
	assert.Len(t, ac.AllConversationIDs, 10)
	unique := make(map[string]bool)
	for _, id := range ac.AllConversationIDs {
		assert.False(t, unique[id], "duplicate id %s", id)
		unique[id] = true
	}
}
