package pgvector

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contract-insights/backend/internal/vector"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	dsn := os.Getenv("CONTRACT_INSIGHTS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CONTRACT_INSIGHTS_TEST_POSTGRES_DSN not set")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	idx := New(pool, 3)
	require.NoError(t, idx.InitSchema(context.Background()))
	return idx
}

func TestSearchIsScopedToUser(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)
	alice, bob := "alice-"+uuid.NewString(), "bob-"+uuid.NewString()
	doc := uuid.NewString()

	require.NoError(t, idx.Upsert(ctx, alice, doc, []vector.Entry{
		{ChunkID: doc + "-0", ChunkIndex: 0, Text: "notice", Page: 1, UploadedAt: time.Now(), Vector: []float32{1, 0, 0}},
	}))
	t.Cleanup(func() { _ = idx.DeleteDocument(ctx, alice, doc) })

	got, err := idx.Search(ctx, alice, []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.InDelta(t, 1.0, got[0].Score, 1e-5)

	got, err = idx.Search(ctx, bob, []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}
