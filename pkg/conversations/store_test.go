package conversations

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/convolab/triage/pkg/database"
	"github.com/convolab/triage/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}
	ctx := context.Background()

	connStr := os.Getenv("CI_DATABASE_URL")
	if connStr == "" {
		pgContainer, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		require.NoError(t, err)

		t.Cleanup(func() {
			if err := testcontainers.TerminateContainer(pgContainer); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})

		connStr, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	db, err := sql.Open("pgx", connStr)
	require.NoError(t, err)
	require.NoError(t, database.RunMigrations(db, "test"))

	t.Cleanup(func() {
		_, _ = db.Exec(`DELETE FROM conversations`)
		_ = db.Close()
	})
	return NewStore(db)
}

func insertConversation(t *testing.T, db *sql.DB, conv models.Conversation) {
	t.Helper()
	messages, err := json.Marshal(conv.Messages)
	require.NoError(t, err)
	labels, err := json.Marshal(conv.Labels)
	require.NoError(t, err)
	meta, err := json.Marshal(conv.Meta)
	require.NoError(t, err)

	var classification any
	if conv.Classification != nil {
		classification = string(*conv.Classification)
	}
	_, err = db.Exec(`
		INSERT INTO conversations (id, created_at, messages, summary, labels, resolved, classification, meta, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1)`,
		conv.ID, conv.CreatedAt, messages, conv.Summary, labels, conv.Resolved, classification, meta,
	)
	require.NoError(t, err)
}

func seedConversations(t *testing.T, store *Store) {
	t.Helper()
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	resolved := models.ClassificationResolved

	fixtures := []models.Conversation{
		{
			ID:        "billing-1",
			CreatedAt: base,
			Messages: []models.ConversationMessage{
				{Role: "user", Text: "I was charged twice"},
				{Role: "agent", Text: "Refund issued"},
			},
			Summary:  "duplicate charge refunded",
			Labels:   []string{"billing"},
			Resolved: true,
			Meta:     models.ConversationMeta{Category: "billing", NumberOfTurns: 2},
		},
		{
			ID:        "billing-2",
			CreatedAt: base.Add(time.Hour),
			Messages: []models.ConversationMessage{
				{Role: "user", Text: "Where is my refund?"},
			},
			Summary:  "refund still pending",
			Labels:   []string{"billing", "escalated"},
			Resolved: false,
			Meta:     models.ConversationMeta{Category: "billing", NumberOfTurns: 1, Flags: []string{"angry"}},
		},
		{
			ID:        "shipping-1",
			CreatedAt: base.Add(2 * time.Hour),
			Messages: []models.ConversationMessage{
				{Role: "user", Text: "Package never arrived"},
			},
			Summary:  "lost package",
			Labels:   []string{"shipping"},
			Resolved: false,
			Meta:     models.ConversationMeta{Category: "shipping", NumberOfTurns: 1},
		},
		{
			ID:             "already-done",
			CreatedAt:      base.Add(3 * time.Hour),
			Messages:       []models.ConversationMessage{{Role: "user", Text: "thanks"}},
			Summary:        "classified earlier",
			Resolved:       true,
			Classification: &resolved,
			Meta:           models.ConversationMeta{Category: "billing", NumberOfTurns: 1},
		},
	}
	for _, conv := range fixtures {
		insertConversation(t, store.db, conv)
	}
}

func TestStore_FetchUnclassified(t *testing.T) {
	store := newTestStore(t)
	seedConversations(t, store)
	ctx := context.Background()

	t.Run("empty query returns all unclassified newest first", func(t *testing.T) {
		convs, err := store.FetchUnclassified(ctx, "", 10)
		require.NoError(t, err)
		require.Len(t, convs, 3, "already-classified rows are never fetched")
		assert.Equal(t, "shipping-1", convs[0].ID)
		assert.Equal(t, "billing-2", convs[1].ID)
		assert.Equal(t, "billing-1", convs[2].ID)
	})

	t.Run("limit bounds the batch", func(t *testing.T) {
		convs, err := store.FetchUnclassified(ctx, "", 2)
		require.NoError(t, err)
		assert.Len(t, convs, 2)
	})

	t.Run("category filter hits the meta column", func(t *testing.T) {
		serialized, err := store.TranslateQuery(map[string]any{"category": "billing"})
		require.NoError(t, err)

		convs, err := store.FetchUnclassified(ctx, serialized, 10)
		require.NoError(t, err)
		require.Len(t, convs, 2)
		for _, conv := range convs {
			assert.Equal(t, "billing", conv.Meta.Category)
		}
	})

	t.Run("compound filter", func(t *testing.T) {
		serialized, err := store.TranslateQuery(map[string]any{
			"resolved":        false,
			"summaryContains": "refund",
		})
		require.NoError(t, err)

		convs, err := store.FetchUnclassified(ctx, serialized, 10)
		require.NoError(t, err)
		require.Len(t, convs, 1)
		assert.Equal(t, "billing-2", convs[0].ID)
	})

	t.Run("label containment", func(t *testing.T) {
		serialized, err := store.TranslateQuery(map[string]any{"label": "escalated"})
		require.NoError(t, err)

		convs, err := store.FetchUnclassified(ctx, serialized, 10)
		require.NoError(t, err)
		require.Len(t, convs, 1)
		assert.Equal(t, "billing-2", convs[0].ID)
	})

	t.Run("scanned rows carry messages and meta", func(t *testing.T) {
		serialized, err := store.TranslateQuery(map[string]any{"category": "shipping"})
		require.NoError(t, err)

		convs, err := store.FetchUnclassified(ctx, serialized, 10)
		require.NoError(t, err)
		require.Len(t, convs, 1)
		assert.Equal(t, "Package never arrived", convs[0].Messages[0].Text)
		assert.Equal(t, 1, convs[0].Meta.NumberOfTurns)
		assert.Nil(t, convs[0].Classification)
	})

	t.Run("zero limit fetches nothing", func(t *testing.T) {
		convs, err := store.FetchUnclassified(ctx, "", 0)
		require.NoError(t, err)
		assert.Empty(t, convs)
	})
}

func TestStore_SaveClassification(t *testing.T) {
	store := newTestStore(t)
	seedConversations(t, store)
	ctx := context.Background()

	require.NoError(t, store.SaveClassification(ctx, "shipping-1", models.ClassificationUnresolved))

	var label string
	var version int
	err := store.db.QueryRowContext(ctx,
		`SELECT classification, version FROM conversations WHERE id = $1`, "shipping-1",
	).Scan(&label, &version)
	require.NoError(t, err)
	assert.Equal(t, "UNRESOLVED", label)
	assert.Equal(t, 2, version, "classification write bumps the version")

	// A classified row drops out of future fetches.
	convs, err := store.FetchUnclassified(ctx, "", 10)
	require.NoError(t, err)
	for _, conv := range convs {
		assert.NotEqual(t, "shipping-1", conv.ID)
	}
}

func TestStore_SaveClassificationUnknownID(t *testing.T) {
	store := newTestStore(t)

	err := store.SaveClassification(context.Background(), "ghost", models.ClassificationResolved)
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestStore_SaveClassificationRejectsBadLabel(t *testing.T) {
	store := newTestStore(t)

	err := store.SaveClassification(context.Background(), "billing-1", models.Classification("MAYBE"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid classification label")
}
