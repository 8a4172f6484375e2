// Package retrieval implements the agentic retrieval loop: iterative
// LLM-steered search over a vector index with hyperparameter self-tuning,
// a query-repetition guard, and knowledge memory accumulation.
package retrieval

import (
	"context"
	"fmt"

	"github.com/convolab/triage/pkg/llm"
)

// Chunk is one scored hit from the vector index.
type Chunk struct {
	ID         string  `json:"id"`
	FileID     string  `json:"fileId"`
	Filename   string  `json:"filename"`
	ChunkIndex int     `json:"chunkIndex"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
}

// Query is one filtered top-k search. Filter uses the same operator
// vocabulary the planner uses: scalar equality, {"ne"|"gt"|"gte"|"lt"|"lte": v},
// and {"and"|"or": [subfilters]}. ExcludeIDs removes already-seen chunks.
type Query struct {
	Text       string
	Filter     map[string]any
	ExcludeIDs []string
	TopK       int
}

// Searcher executes filtered vector searches across one or more stores.
// Implementations unable to express the id exclusion natively may ignore
// ExcludeIDs; the loop deduplicates client-side as well.
type Searcher interface {
	Search(ctx context.Context, storeIDs []string, q Query) ([]Chunk, error)
}

// DecisionModel issues the loop's steering completions. *llm.Broker
// satisfies it.
type DecisionModel interface {
	TextCompletion(ctx context.Context, req llm.Request) llm.Result[string]
}

// Request describes one loop invocation.
type Request struct {
	Question       string
	VectorStoreIDs []string
	UserFilter     map[string]any
	MaxResults     int
	MaxIterations  int
	SeedStrategy   string
	SeedMultiplier int
}

// Iteration is one entry of the loop trace.
type Iteration struct {
	Index       int            `json:"index"`
	Query       string         `json:"query,omitempty"`
	Filter      map[string]any `json:"filter,omitempty"`
	ResultCount int            `json:"resultCount"`
	Termination string         `json:"termination,omitempty"`
}

// Result is the loop's output: the retained chunks sorted by score
// descending, the per-iteration trace, the accumulated knowledge memory,
// and the reason the loop ended.
type Result struct {
	Chunks            []Chunk     `json:"chunks"`
	Trace             []Iteration `json:"trace"`
	Memory            string      `json:"memory,omitempty"`
	TerminationReason string      `json:"terminationReason"`
}

// Termination reasons recorded in the trace.
const (
	ReasonNoInitialResults = "No initial results found."
	ReasonAfterInitial     = "Terminated after initial results."
	ReasonRepeatedQueries  = "Terminated after 2 repeated queries."
	ReasonParseFailures    = "Default termination after LLM decision parse failures."
	ReasonLLMTerminate     = "LLM decided to TERMINATE."
)

// ReasonMaxIterations renders the max-iterations termination reason.
func ReasonMaxIterations(n int) string {
	return fmt.Sprintf("Reached max iterations (%d).", n)
}
