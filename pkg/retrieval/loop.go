package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/convolab/triage/pkg/llm"
)

// seedCap bounds the seed search top-k regardless of the multiplier.
const seedCap = 100

// decisionParseRetries bounds re-asks on malformed steering output.
const decisionParseRetries = 3

// repeatLimit forces termination once a (query, filter) pair has been
// seen this many times.
const repeatLimit = 2

// Loop runs the agentic retrieval loop.
type Loop struct {
	searcher Searcher
	model    DecisionModel
	now      func() int64
}

// NewLoop builds a loop over the given searcher and steering model.
func NewLoop(searcher Searcher, model DecisionModel) *Loop {
	return &Loop{searcher: searcher, model: model, now: func() int64 { return time.Now().UnixNano() }}
}

// Run executes the loop: a single seed search, then up to MaxIterations
// steering rounds, each asking the model for TERMINATE or NEXT_QUERY and
// folding new unique hits into a buffer trimmed to MaxResults by score.
func (l *Loop) Run(ctx context.Context, req Request) (*Result, error) {
	if req.MaxResults <= 0 {
		return nil, fmt.Errorf("maxResults must be positive")
	}
	if req.Question == "" {
		return nil, fmt.Errorf("question must not be empty")
	}

	result := &Result{}
	tune := newTuner(l.now())

	seed, err := l.searcher.Search(ctx, req.VectorStoreIDs, Query{
		Text:   req.Question,
		Filter: req.UserFilter,
		TopK:   seedTopK(req),
	})
	if err != nil {
		return nil, fmt.Errorf("seed search failed: %w", err)
	}
	if len(seed) == 0 {
		result.TerminationReason = ReasonNoInitialResults
		result.Trace = append(result.Trace, Iteration{Index: 0, Query: req.Question, Termination: result.TerminationReason})
		return result, nil
	}

	buffer := newChunkBuffer(req.MaxResults)
	buffer.merge(seed)
	result.Trace = append(result.Trace, Iteration{Index: 0, Query: req.Question, ResultCount: len(seed)})

	if req.MaxIterations <= 0 {
		result.TerminationReason = ReasonAfterInitial
		result.Trace = append(result.Trace, Iteration{Index: 0, Termination: result.TerminationReason})
		result.Chunks = buffer.sorted()
		return result, nil
	}

	var memory []string
	repeats := make(map[string]int)
	sampling := tune.observe(buffer.scores())

	for iter := 1; iter <= req.MaxIterations; iter++ {
		dec, response, ok := l.decide(ctx, req, buffer, memory, sampling, &result.Trace, iter)
		if fragment := extractMemory(response); fragment != "" {
			memory = append(memory, fragment)
		}
		if !ok {
			result.TerminationReason = ReasonParseFailures
			result.Trace = append(result.Trace, Iteration{Index: iter, Termination: result.TerminationReason})
			break
		}

		if dec.Terminate {
			result.TerminationReason = ReasonLLMTerminate
			result.Trace = append(result.Trace, Iteration{Index: iter, Termination: result.TerminationReason})
			if dec.Conclusion != "" {
				memory = append(memory, dec.Conclusion)
			}
			break
		}

		key := canonicalKey(dec.Query, dec.Filter)
		repeats[key]++
		if repeats[key] >= repeatLimit {
			result.TerminationReason = ReasonRepeatedQueries
			result.Trace = append(result.Trace, Iteration{
				Index: iter, Query: dec.Query, Filter: dec.Filter,
				Termination: result.TerminationReason,
			})
			break
		}

		hits, err := l.searcher.Search(ctx, req.VectorStoreIDs, Query{
			Text:       dec.Query,
			Filter:     combineFilters(req.UserFilter, dec.Filter),
			ExcludeIDs: buffer.seenIDs(),
			TopK:       req.MaxResults,
		})
		if err != nil {
			// A failed iteration search is not fatal for the loop; the
			// seed results are still worth returning.
			slog.Warn("Retrieval iteration search failed", "iteration", iter, "error", err)
			result.TerminationReason = ReasonMaxIterations(req.MaxIterations)
			result.Trace = append(result.Trace, Iteration{
				Index: iter, Query: dec.Query, Filter: dec.Filter,
				Termination: result.TerminationReason,
			})
			break
		}

		added := buffer.merge(hits)
		result.Trace = append(result.Trace, Iteration{
			Index: iter, Query: dec.Query, Filter: dec.Filter, ResultCount: added,
		})
		sampling = tune.observe(buffer.scores())
	}

	if result.TerminationReason == "" {
		result.TerminationReason = ReasonMaxIterations(req.MaxIterations)
		result.Trace = append(result.Trace, Iteration{Index: req.MaxIterations, Termination: result.TerminationReason})
	}

	result.Memory = strings.Join(memory, "\n")
	result.Chunks = buffer.sorted()
	return result, nil
}

// decide asks the steering model for the next move, retrying malformed
// responses within the parse budget. Returns the last raw response so
// callers can harvest memory fragments even from failed parses.
func (l *Loop) decide(ctx context.Context, req Request, buffer *chunkBuffer, memory []string, sampling llm.Sampling, trace *[]Iteration, iter int) (decision, string, bool) {
	system, user := steeringPrompts(req, buffer, memory, iter)

	lastResponse := ""
	for attempt := 0; attempt < decisionParseRetries; attempt++ {
		res := l.model.TextCompletion(ctx, llm.Request{System: system, User: user, Sampling: &sampling})
		if !res.Success {
			slog.Warn("Steering completion failed", "iteration", iter, "attempt", attempt+1, "failure", res.FailureLog)
			continue
		}
		lastResponse = res.Data
		dec, err := parseDecision(res.Data)
		if err != nil {
			slog.Warn("Unparseable steering response", "iteration", iter, "attempt", attempt+1, "error", err)
			continue
		}
		return dec, lastResponse, true
	}
	return decision{}, lastResponse, false
}

// steeringPrompts renders the steering request: the question, a compact
// view of what was already found, and the accumulated memory.
func steeringPrompts(req Request, buffer *chunkBuffer, memory []string, iter int) (system, user string) {
	system = fmt.Sprintf(`You steer an iterative document search. Decide the next move.

Respond with exactly one of:
  TERMINATE: <one-line conclusion>
  NEXT_QUERY: <search text> { <JSON filter object, optional> }

Filters use: scalar equality, {"ne"|"gt"|"gte"|"lt"|"lte": value}, {"and"|"or": [subfilters]}
over the chunk fields file_id, filename, chunk_index.

If you learned something worth remembering, add a line starting with %s followed by the insight.`,
		memoryMarker)

	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\nIteration %d of %d.\n\nCurrent results:\n", req.Question, iter, req.MaxIterations)
	for i, chunk := range buffer.sorted() {
		if i >= 10 {
			break
		}
		fmt.Fprintf(&b, "- [%.3f] %s#%d: %s\n", chunk.Score, chunk.Filename, chunk.ChunkIndex, firstLine(chunk.Content))
	}
	if len(memory) > 0 {
		b.WriteString("\nAccumulated notes:\n")
		for _, m := range memory {
			b.WriteString(m + "\n")
		}
	}
	return system, b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 160 {
		s = s[:160] + "..."
	}
	return s
}

// seedTopK computes the seed search size. The "narrow" strategy searches
// exactly MaxResults; everything else widens by the multiplier, capped.
func seedTopK(req Request) int {
	if req.SeedStrategy == "narrow" {
		return req.MaxResults
	}
	multiplier := req.SeedMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	k := req.MaxResults * multiplier
	if k > seedCap {
		k = seedCap
	}
	return k
}

// combineFilters conjoins the user filter with the model's filter.
func combineFilters(userFilter, llmFilter map[string]any) map[string]any {
	switch {
	case len(userFilter) == 0:
		return llmFilter
	case len(llmFilter) == 0:
		return userFilter
	default:
		return map[string]any{"and": []any{userFilter, llmFilter}}
	}
}

// chunkBuffer keeps the best max chunks seen so far, unique by id and by
// (fileId, content) so re-chunked duplicates collapse.
type chunkBuffer struct {
	max     int
	byID    map[string]bool
	byDedup map[string]bool
	chunks  []Chunk
}

func newChunkBuffer(max int) *chunkBuffer {
	return &chunkBuffer{
		max:     max,
		byID:    make(map[string]bool),
		byDedup: make(map[string]bool),
	}
}

// merge folds new unique hits in and trims to max by score. Returns how
// many chunks were actually added.
func (b *chunkBuffer) merge(hits []Chunk) int {
	added := 0
	for _, chunk := range hits {
		dedup := chunk.FileID + "\x00" + firstLine(chunk.Content)
		if b.byID[chunk.ID] || b.byDedup[dedup] {
			continue
		}
		b.byID[chunk.ID] = true
		b.byDedup[dedup] = true
		b.chunks = append(b.chunks, chunk)
		added++
	}

	sort.SliceStable(b.chunks, func(i, j int) bool { return b.chunks[i].Score > b.chunks[j].Score })
	if len(b.chunks) > b.max {
		b.chunks = b.chunks[:b.max]
	}
	return added
}

// seenIDs returns every id ever merged, including trimmed ones, so the
// index never re-serves a chunk the loop already considered.
func (b *chunkBuffer) seenIDs() []string {
	ids := make([]string, 0, len(b.byID))
	for id := range b.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (b *chunkBuffer) scores() []float64 {
	scores := make([]float64, len(b.chunks))
	for i, chunk := range b.chunks {
		scores[i] = chunk.Score
	}
	return scores
}

func (b *chunkBuffer) sorted() []Chunk {
	out := make([]Chunk, len(b.chunks))
	copy(out, b.chunks)
	return out
}
