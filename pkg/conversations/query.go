// Package conversations is the agent's view of the conversation store:
// planner query translation, bounded unclassified fetches, and per-item
// classification writes.
package conversations

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidQuery wraps all translation failures so the runtime can treat
// them uniformly as validation failures.
type ErrInvalidQuery struct{ Reason string }

func (e *ErrInvalidQuery) Error() string { return "invalid query: " + e.Reason }

func invalidf(format string, args ...any) error {
	return &ErrInvalidQuery{Reason: fmt.Sprintf(format, args...)}
}

// condition is one validated filter leaf.
type condition struct {
	Key   string `json:"key"`
	Op    string `json:"op"`
	Value any    `json:"value"`
}

// filterNode is the canonical validated filter tree. Exactly one of
// All/Any/Cond is set.
type filterNode struct {
	All  []filterNode `json:"and,omitempty"`
	Any  []filterNode `json:"or,omitempty"`
	Cond *condition   `json:"cond,omitempty"`
}

// Columns the planner may filter on, mapped to SQL expressions. Meta
// attributes live inside the meta JSONB column.
var queryColumns = map[string]string{
	"resolved":        "resolved",
	"summaryContains": "summary",
	"label":           "labels",
	"createdAfter":    "created_at",
	"createdBefore":   "created_at",
	"category":        "meta->>'category'",
	"intent":          "meta->>'intent'",
	"userState":       "meta->>'userState'",
	"flag":            "meta->'flags'",
	"minTurns":        "(meta->>'numberOfTurns')::int",
	"maxTurns":        "(meta->>'numberOfTurns')::int",
	"filename":        "meta->>'filename'",
	"chunk_index":     "(meta->>'chunk_index')::int",
}

var allowedOps = map[string]bool{"eq": true, "ne": true, "gt": true, "gte": true, "lt": true, "lte": true, "in": true}

// TranslateQuery validates the planner's opaque query mapping and
// serializes it to the store's native syntax (a canonical filter-tree
// JSON that CompileQuery later turns into SQL). Unknown keys and the
// chunk_index-without-filename pairing are rejected here so a bad plan
// fails before anything is persisted.
func TranslateQuery(queryMap map[string]any) (string, error) {
	if _, hasChunk := queryMap["chunk_index"]; hasChunk {
		if _, hasFile := queryMap["filename"]; !hasFile {
			return "", invalidf("chunk_index filtering requires filename")
		}
	}

	node, err := translateMap(queryMap)
	if err != nil {
		return "", err
	}

	serialized, err := json.Marshal(node)
	if err != nil {
		return "", fmt.Errorf("failed to serialize query: %w", err)
	}
	return string(serialized), nil
}

func translateMap(m map[string]any) (filterNode, error) {
	// Deterministic key order keeps serialization canonical, which the
	// retrieval loop's repetition guard depends on.
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var children []filterNode
	for _, key := range keys {
		value := m[key]
		switch key {
		case "and", "or":
			list, ok := value.([]any)
			if !ok {
				return filterNode{}, invalidf("%q expects a list of sub-filters", key)
			}
			var subs []filterNode
			for _, item := range list {
				sub, ok := item.(map[string]any)
				if !ok {
					return filterNode{}, invalidf("%q sub-filter must be an object", key)
				}
				node, err := translateMap(sub)
				if err != nil {
					return filterNode{}, err
				}
				subs = append(subs, node)
			}
			if key == "and" {
				children = append(children, filterNode{All: subs})
			} else {
				children = append(children, filterNode{Any: subs})
			}
		default:
			node, err := translateLeaf(key, value)
			if err != nil {
				return filterNode{}, err
			}
			children = append(children, node)
		}
	}

	if len(children) == 1 {
		return children[0], nil
	}
	return filterNode{All: children}, nil
}

func translateLeaf(key string, value any) (filterNode, error) {
	if _, ok := queryColumns[key]; !ok {
		return filterNode{}, invalidf("unknown query key %q", key)
	}

	// Operator object form: {"ne": ...}, {"gte": ...}, {"in": [...]}.
	if opMap, ok := value.(map[string]any); ok {
		if len(opMap) != 1 {
			return filterNode{}, invalidf("key %q expects exactly one operator", key)
		}
		for op, operand := range opMap {
			if !allowedOps[op] {
				return filterNode{}, invalidf("unsupported operator %q on key %q", op, key)
			}
			return filterNode{Cond: &condition{Key: key, Op: op, Value: operand}}, nil
		}
	}

	// Scalar form is equality.
	switch value.(type) {
	case string, bool, float64, int:
		return filterNode{Cond: &condition{Key: key, Op: "eq", Value: value}}, nil
	default:
		return filterNode{}, invalidf("key %q has unsupported value type %T", key, value)
	}
}

// CompileQuery turns a serialized filter tree back into a SQL fragment
// with positional args starting at argOffset+1. An empty serialized query
// compiles to no constraint.
func CompileQuery(serialized string, argOffset int) (string, []any, error) {
	if strings.TrimSpace(serialized) == "" || serialized == "{}" {
		return "", nil, nil
	}
	var node filterNode
	if err := json.Unmarshal([]byte(serialized), &node); err != nil {
		return "", nil, invalidf("malformed serialized query: %v", err)
	}
	var args []any
	clause, err := compileNode(node, &args, argOffset)
	if err != nil {
		return "", nil, err
	}
	return clause, args, nil
}

func compileNode(node filterNode, args *[]any, offset int) (string, error) {
	switch {
	case node.Cond != nil:
		return compileCondition(*node.Cond, args, offset)
	case len(node.All) > 0:
		return compileJunction(node.All, " AND ", args, offset)
	case len(node.Any) > 0:
		return compileJunction(node.Any, " OR ", args, offset)
	default:
		return "TRUE", nil
	}
}

func compileJunction(nodes []filterNode, sep string, args *[]any, offset int) (string, error) {
	parts := make([]string, 0, len(nodes))
	for _, n := range nodes {
		part, err := compileNode(n, args, offset)
		if err != nil {
			return "", err
		}
		parts = append(parts, part)
	}
	return "(" + strings.Join(parts, sep) + ")", nil
}

func compileCondition(c condition, args *[]any, offset int) (string, error) {
	column, ok := queryColumns[c.Key]
	if !ok {
		return "", invalidf("unknown query key %q", c.Key)
	}

	placeholder := func(v any) string {
		*args = append(*args, v)
		return fmt.Sprintf("$%d", offset+len(*args))
	}

	// Keys with fixed comparison semantics regardless of operator form.
	switch c.Key {
	case "summaryContains":
		return fmt.Sprintf("%s ILIKE %s", column, placeholder("%"+fmt.Sprint(c.Value)+"%")), nil
	case "label":
		return fmt.Sprintf("%s @> %s", column, placeholder(jsonArray(c.Value))), nil
	case "flag":
		return fmt.Sprintf("%s @> %s", column, placeholder(jsonArray(c.Value))), nil
	case "createdAfter":
		return fmt.Sprintf("%s > %s", column, placeholder(c.Value)), nil
	case "createdBefore":
		return fmt.Sprintf("%s < %s", column, placeholder(c.Value)), nil
	case "minTurns":
		return fmt.Sprintf("%s >= %s", column, placeholder(c.Value)), nil
	case "maxTurns":
		return fmt.Sprintf("%s <= %s", column, placeholder(c.Value)), nil
	}

	switch c.Op {
	case "eq":
		return fmt.Sprintf("%s = %s", column, placeholder(c.Value)), nil
	case "ne":
		return fmt.Sprintf("%s <> %s", column, placeholder(c.Value)), nil
	case "gt":
		return fmt.Sprintf("%s > %s", column, placeholder(c.Value)), nil
	case "gte":
		return fmt.Sprintf("%s >= %s", column, placeholder(c.Value)), nil
	case "lt":
		return fmt.Sprintf("%s < %s", column, placeholder(c.Value)), nil
	case "lte":
		return fmt.Sprintf("%s <= %s", column, placeholder(c.Value)), nil
	case "in":
		list, ok := c.Value.([]any)
		if !ok || len(list) == 0 {
			return "", invalidf("operator \"in\" on key %q expects a non-empty list", c.Key)
		}
		parts := make([]string, 0, len(list))
		for _, v := range list {
			parts = append(parts, placeholder(v))
		}
		return fmt.Sprintf("%s IN (%s)", column, strings.Join(parts, ", ")), nil
	default:
		return "", invalidf("unsupported operator %q on key %q", c.Op, c.Key)
	}
}

// jsonArray renders a scalar as a single-element JSON array for JSONB
// containment checks.
func jsonArray(v any) string {
	b, err := json.Marshal([]any{v})
	if err != nil {
		return "[]"
	}
	return string(b)
}
