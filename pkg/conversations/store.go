package conversations

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/convolab/triage/pkg/models"
)

// ErrConversationNotFound is returned when a classification write targets
// a missing conversation id.
var ErrConversationNotFound = errors.New("conversations: conversation not found")

// Store reads and classifies conversations in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a conversation store on the given connection.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// TranslateQuery validates and serializes a planner query mapping. See
// TranslateQuery in query.go.
func (s *Store) TranslateQuery(queryMap map[string]any) (string, error) {
	return TranslateQuery(queryMap)
}

// FetchUnclassified returns at most limit conversations matching the
// serialized plan query that have no classification yet, newest first.
func (s *Store) FetchUnclassified(ctx context.Context, serializedQuery string, limit int) ([]models.Conversation, error) {
	if limit <= 0 {
		return nil, nil
	}

	clause, args, err := CompileQuery(serializedQuery, 0)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT id, created_at, messages, summary, labels, resolved, classification, meta, version
		FROM conversations
		WHERE classification IS NULL`
	if clause != "" {
		query += " AND " + clause
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d", limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch conversations: %w", err)
	}
	defer rows.Close()

	var convs []models.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversations: %w", err)
	}
	return convs, nil
}

// SaveClassification writes the classification label for one conversation
// and bumps its version. Returns ErrConversationNotFound for unknown ids.
func (s *Store) SaveClassification(ctx context.Context, conversationID string, label models.Classification) error {
	if !label.Valid() {
		return fmt.Errorf("invalid classification label %q", label)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET classification = $1, version = version + 1
		WHERE id = $2`,
		string(label), conversationID,
	)
	if err != nil {
		return fmt.Errorf("failed to save classification for %s: %w", conversationID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check classification write for %s: %w", conversationID, err)
	}
	if affected == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// SchemaDescription is a prompt-ready description of the queryable fields.
// The planner sees this so its queryMap stays inside the whitelist.
func SchemaDescription() string {
	return `Conversations have: resolved (bool), summaryContains (text match),
label (exact label), createdAfter/createdBefore (RFC3339), category, intent,
userState, flag, minTurns/maxTurns (ints). Operators: scalar value = equality,
{"ne"|"gt"|"gte"|"lt"|"lte": value}, {"in": [values]}, and {"and"|"or": [subfilters]}.
chunk_index may only be used together with filename.`
}

func scanConversation(rows *sql.Rows) (models.Conversation, error) {
	var (
		conv           models.Conversation
		messagesJSON   []byte
		labelsJSON     []byte
		metaJSON       []byte
		classification sql.NullString
	)
	if err := rows.Scan(
		&conv.ID, &conv.CreatedAt, &messagesJSON, &conv.Summary,
		&labelsJSON, &conv.Resolved, &classification, &metaJSON, &conv.Version,
	); err != nil {
		return models.Conversation{}, fmt.Errorf("failed to scan conversation row: %w", err)
	}

	if err := json.Unmarshal(messagesJSON, &conv.Messages); err != nil {
		return models.Conversation{}, fmt.Errorf("malformed messages for conversation %s: %w", conv.ID, err)
	}
	if err := json.Unmarshal(labelsJSON, &conv.Labels); err != nil {
		return models.Conversation{}, fmt.Errorf("malformed labels for conversation %s: %w", conv.ID, err)
	}
	if err := json.Unmarshal(metaJSON, &conv.Meta); err != nil {
		return models.Conversation{}, fmt.Errorf("malformed meta for conversation %s: %w", conv.ID, err)
	}
	if classification.Valid {
		label := models.Classification(classification.String)
		conv.Classification = &label
	}
	return conv, nil
}
