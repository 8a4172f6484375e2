package retrieval

import (
	"encoding/json"
	"fmt"
	"strings"
)

// memoryMarker tags the part of a steering response the loop should keep
// as knowledge memory.
const memoryMarker = "##MEMORY##"

// decision is one parsed steering response.
type decision struct {
	Terminate  bool
	Conclusion string
	Query      string
	Filter     map[string]any
}

// parseDecision interprets a steering completion. The model must answer
// with either
//
//	TERMINATE[: <conclusion>]
//
// or
//
//	NEXT_QUERY: <query text> [{ <JSON filter map> }]
//
// anywhere in the response. Anything else is a parse error the loop may
// retry.
func parseDecision(response string) (decision, error) {
	for _, line := range strings.Split(response, "\n") {
		line = strings.TrimSpace(line)

		if rest, ok := strings.CutPrefix(line, "TERMINATE"); ok {
			conclusion := strings.TrimSpace(strings.TrimPrefix(rest, ":"))
			return decision{Terminate: true, Conclusion: conclusion}, nil
		}

		if rest, ok := strings.CutPrefix(line, "NEXT_QUERY:"); ok {
			return parseNextQuery(strings.TrimSpace(rest))
		}
	}
	return decision{}, fmt.Errorf("response contains neither TERMINATE nor NEXT_QUERY")
}

// parseNextQuery splits "query text { json filter }" into its parts. The
// filter is optional; when present it must be the trailing JSON object.
func parseNextQuery(rest string) (decision, error) {
	if rest == "" {
		return decision{}, fmt.Errorf("NEXT_QUERY has no query text")
	}

	open := strings.Index(rest, "{")
	if open < 0 {
		return decision{Query: strings.TrimSpace(rest)}, nil
	}

	query := strings.TrimSpace(rest[:open])
	if query == "" {
		return decision{}, fmt.Errorf("NEXT_QUERY has a filter but no query text")
	}

	var filter map[string]any
	if err := json.Unmarshal([]byte(rest[open:]), &filter); err != nil {
		return decision{}, fmt.Errorf("malformed NEXT_QUERY filter: %w", err)
	}
	if len(filter) == 0 {
		filter = nil
	}
	return decision{Query: query, Filter: filter}, nil
}

// extractMemory returns the memory fragment of a response, or "" when the
// response carries no marker. Everything after the marker is kept, minus
// any decision line.
func extractMemory(response string) string {
	_, after, found := strings.Cut(response, memoryMarker)
	if !found {
		return ""
	}

	var kept []string
	for _, line := range strings.Split(after, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "TERMINATE") || strings.HasPrefix(trimmed, "NEXT_QUERY:") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// canonicalKey builds the repetition-guard key for a (query, filter) pair.
// The filter is marshaled with sorted keys so semantically equal filters
// collide.
func canonicalKey(query string, filter map[string]any) string {
	if len(filter) == 0 {
		return query
	}
	raw, err := json.Marshal(filter)
	if err != nil {
		return query
	}
	return query + "\x00" + string(raw)
}
