// Package checkpoint persists agent run contexts. The store is the single
// source of truth for a run: the runtime saves the full context on every
// state transition and reloads it on resume, so a process restart loses
// nothing but in-flight provider calls.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/convolab/triage/pkg/models"
)

// ErrRunNotFound is returned by Load when no checkpoint exists for the run id.
var ErrRunNotFound = errors.New("checkpoint: run not found")

// RunListItem is one row of a checkpoint listing.
type RunListItem struct {
	RunID     string    `json:"run_id"`
	StateName string    `json:"state_name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store reads and writes agent_runs and agent_runs_outcome.
type Store struct {
	db *sql.DB
}

// NewStore creates a checkpoint store on the given connection.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Save upserts the run context atomically. The API key is redacted by the
// context's JSON encoding; updated_at and the denormalized state_name
// column are refreshed on every write. Saving the same context twice is a
// no-op apart from updated_at.
func (s *Store) Save(ctx context.Context, ac *models.AgentContext) error {
	if err := ac.Validate(); err != nil {
		return fmt.Errorf("refusing to checkpoint inconsistent context: %w", err)
	}

	ac.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(ac)
	if err != nil {
		return fmt.Errorf("failed to marshal agent context: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_runs (run_id, state_name, context, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id) DO UPDATE
		SET state_name = EXCLUDED.state_name,
		    context    = EXCLUDED.context,
		    updated_at = EXCLUDED.updated_at`,
		ac.RunID, string(ac.State.Name), payload, ac.CreatedAt, ac.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to persist checkpoint for run %s: %w", ac.RunID, err)
	}
	return nil
}

// Load returns the last-committed snapshot for the run id, or ErrRunNotFound.
func (s *Store) Load(ctx context.Context, runID string) (*models.AgentContext, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT context FROM agent_runs WHERE run_id = $1`, runID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint for run %s: %w", runID, err)
	}

	var ac models.AgentContext
	if err := json.Unmarshal(payload, &ac); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint for run %s: %w", runID, err)
	}
	return &ac, nil
}

// SaveOutcome writes the final run artifact. Writing the same outcome
// twice keeps the first row (outcomes are immutable).
func (s *Store) SaveOutcome(ctx context.Context, outcome *models.AgentRunOutcome) error {
	ids, err := json.Marshal(outcome.ConversationIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome conversation ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_runs_outcome (run_id, conversation_ids, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (run_id) DO NOTHING`,
		outcome.RunID, ids, outcome.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to persist outcome for run %s: %w", outcome.RunID, err)
	}
	return nil
}

// List returns checkpoint rows ordered by created_at descending, using
// keyset pagination: pass the created_at of the last seen row as after
// (zero value = first page).
func (s *Store) List(ctx context.Context, limit int, after time.Time) ([]RunListItem, error) {
	if limit <= 0 || limit > 100 {
		limit = 25
	}

	query := `SELECT run_id, state_name, created_at, updated_at FROM agent_runs`
	args := []any{}
	if !after.IsZero() {
		query += ` WHERE created_at < $1`
		args = append(args, after)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var items []RunListItem
	for rows.Next() {
		var item RunListItem
		if err := rows.Scan(&item.RunID, &item.StateName, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate checkpoint rows: %w", err)
	}
	return items, nil
}
