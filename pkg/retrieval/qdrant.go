package retrieval

import (
	"context"
	"fmt"
	"sort"

	"github.com/qdrant/go-client/qdrant"

	"github.com/convolab/triage/pkg/config"
)

// Embedder turns query text into the vector the index searches with.
// *llm.Broker satisfies it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// QdrantSearcher executes filtered top-k searches against Qdrant
// collections. Chunk attributes live in the point payload under file_id,
// filename, chunk_index and content.
type QdrantSearcher struct {
	client *qdrant.Client
	embed  Embedder
}

// NewQdrantSearcher connects to Qdrant using the retrieval configuration.
func NewQdrantSearcher(cfg config.RetrievalConfig, embed Embedder) (*QdrantSearcher, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.QdrantHost,
		Port:   cfg.QdrantPort,
		APIKey: cfg.APIKey,
		UseTLS: cfg.QdrantTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}
	return &QdrantSearcher{client: client, embed: embed}, nil
}

// Close releases the underlying connection.
func (s *QdrantSearcher) Close() error {
	return s.client.Close()
}

// Search embeds the query text once and searches every store, merging the
// per-store hits into one score-descending list of at most q.TopK chunks.
func (s *QdrantSearcher) Search(ctx context.Context, storeIDs []string, q Query) ([]Chunk, error) {
	if q.TopK <= 0 {
		return nil, nil
	}
	vector, err := s.embed.Embed(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	filter, err := buildFilter(q.Filter, q.ExcludeIDs)
	if err != nil {
		return nil, err
	}

	var merged []Chunk
	for _, store := range storeIDs {
		request := &qdrant.SearchPoints{
			CollectionName: store,
			Vector:         vector,
			Limit:          uint64(q.TopK),
			WithPayload:    qdrant.NewWithPayload(true),
			Filter:         filter,
		}
		response, err := s.client.GetPointsClient().Search(ctx, request)
		if err != nil {
			return nil, fmt.Errorf("failed to search store %s: %w", store, err)
		}
		for _, point := range response.Result {
			merged = append(merged, chunkFromPoint(point))
		}
	}

	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if len(merged) > q.TopK {
		merged = merged[:q.TopK]
	}
	return merged, nil
}

// buildFilter converts the operator map plus the id exclusion into a
// Qdrant filter.
func buildFilter(filter map[string]any, excludeIDs []string) (*qdrant.Filter, error) {
	result := &qdrant.Filter{}

	if len(filter) > 0 {
		conditions, err := buildConditions(filter)
		if err != nil {
			return nil, err
		}
		result.Must = conditions
	}

	if len(excludeIDs) > 0 {
		ids := make([]*qdrant.PointId, 0, len(excludeIDs))
		for _, id := range excludeIDs {
			ids = append(ids, qdrant.NewID(id))
		}
		result.MustNot = []*qdrant.Condition{qdrant.NewHasID(ids...)}
	}

	if len(result.Must) == 0 && len(result.MustNot) == 0 {
		return nil, nil
	}
	return result, nil
}

// buildConditions translates one filter level. "and"/"or" nest; scalar
// values match by equality; operator objects compare or exclude.
func buildConditions(filter map[string]any) ([]*qdrant.Condition, error) {
	var conditions []*qdrant.Condition
	for key, value := range filter {
		switch key {
		case "and", "or":
			subfilters, ok := value.([]any)
			if !ok {
				return nil, fmt.Errorf("%q expects an array of subfilters", key)
			}
			nested, err := buildCompound(key, subfilters)
			if err != nil {
				return nil, err
			}
			conditions = append(conditions, nested)
		default:
			condition, err := buildFieldCondition(key, value)
			if err != nil {
				return nil, err
			}
			conditions = append(conditions, condition)
		}
	}
	return conditions, nil
}

func buildCompound(op string, subfilters []any) (*qdrant.Condition, error) {
	nested := &qdrant.Filter{}
	for _, raw := range subfilters {
		sub, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%q subfilter must be an object", op)
		}
		conditions, err := buildConditions(sub)
		if err != nil {
			return nil, err
		}
		if op == "or" {
			nested.Should = append(nested.Should, conditions...)
		} else {
			nested.Must = append(nested.Must, conditions...)
		}
	}
	return &qdrant.Condition{ConditionOneOf: &qdrant.Condition_Filter{Filter: nested}}, nil
}

func buildFieldCondition(key string, value any) (*qdrant.Condition, error) {
	if operators, ok := value.(map[string]any); ok {
		return buildOperatorCondition(key, operators)
	}
	return matchCondition(key, value)
}

func buildOperatorCondition(key string, operators map[string]any) (*qdrant.Condition, error) {
	if len(operators) != 1 {
		return nil, fmt.Errorf("field %q expects exactly one operator", key)
	}
	for op, operand := range operators {
		switch op {
		case "ne":
			match, err := matchCondition(key, operand)
			if err != nil {
				return nil, err
			}
			nested := &qdrant.Filter{MustNot: []*qdrant.Condition{match}}
			return &qdrant.Condition{ConditionOneOf: &qdrant.Condition_Filter{Filter: nested}}, nil
		case "gt", "gte", "lt", "lte":
			number, ok := toFloat(operand)
			if !ok {
				return nil, fmt.Errorf("operator %q on field %q expects a number", op, key)
			}
			r := &qdrant.Range{}
			switch op {
			case "gt":
				r.Gt = &number
			case "gte":
				r.Gte = &number
			case "lt":
				r.Lt = &number
			case "lte":
				r.Lte = &number
			}
			return qdrant.NewRange(key, r), nil
		default:
			return nil, fmt.Errorf("unsupported operator %q on field %q", op, key)
		}
	}
	return nil, fmt.Errorf("field %q has an empty operator object", key)
}

func matchCondition(key string, value any) (*qdrant.Condition, error) {
	switch v := value.(type) {
	case string:
		return qdrant.NewMatch(key, v), nil
	case bool:
		return qdrant.NewMatchBool(key, v), nil
	case float64:
		if v == float64(int64(v)) {
			return qdrant.NewMatchInt(key, int64(v)), nil
		}
		return nil, fmt.Errorf("field %q cannot match on a non-integer number", key)
	case int:
		return qdrant.NewMatchInt(key, int64(v)), nil
	case int64:
		return qdrant.NewMatchInt(key, v), nil
	default:
		return nil, fmt.Errorf("field %q has unsupported match value type %T", key, value)
	}
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// chunkFromPoint flattens a scored point into a Chunk.
func chunkFromPoint(point *qdrant.ScoredPoint) Chunk {
	chunk := Chunk{Score: float64(point.Score)}

	if point.Id != nil {
		switch id := point.Id.PointIdOptions.(type) {
		case *qdrant.PointId_Uuid:
			chunk.ID = id.Uuid
		case *qdrant.PointId_Num:
			chunk.ID = fmt.Sprintf("%d", id.Num)
		}
	}

	for key, value := range point.Payload {
		switch key {
		case "file_id":
			chunk.FileID = value.GetStringValue()
		case "filename":
			chunk.Filename = value.GetStringValue()
		case "chunk_index":
			chunk.ChunkIndex = int(value.GetIntegerValue())
		case "content":
			chunk.Content = value.GetStringValue()
		}
	}
	return chunk
}
