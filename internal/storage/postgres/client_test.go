package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contract-insights/backend/internal/storage/models"
)

// These tests need a disposable database; set CONTRACT_INSIGHTS_TEST_POSTGRES_DSN to run them.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	dsn := os.Getenv("CONTRACT_INSIGHTS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CONTRACT_INSIGHTS_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	c, err := NewClient(ctx, dsn, 4)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.InitSchema(ctx))
	return c
}

func TestRiskRecomputedWithInsight(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	docID := uuid.NewString()
	now := time.Now()

	require.NoError(t, c.CreateDocument(ctx, &models.Document{
		ID: docID, UserID: "pg-user", ContractName: "Lease", Filename: "lease.txt", SizeBytes: 10,
		MIMEType: "text/plain", UploadedAt: now, UpdatedAt: now, IngestionState: models.StateReady,
	}))
	t.Cleanup(func() { _ = c.DeleteDocument(ctx, docID) })

	risk, err := c.AddInsight(ctx, &models.Insight{
		ID: uuid.NewString(), DocumentID: docID, Type: models.InsightRisk, Category: "liability",
		Title: "Unlimited liability", Confidence: 0.9, RiskLevel: models.RiskHigh,
	})
	require.NoError(t, err)
	assert.Equal(t, models.RiskHigh, risk)

	doc, err := c.GetDocument(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, models.RiskHigh, doc.RiskLevel)
	assert.Empty(t, doc.Parties)
}

func TestChunksRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	docID := uuid.NewString()
	now := time.Now()

	require.NoError(t, c.CreateDocument(ctx, &models.Document{
		ID: docID, UserID: "pg-user", ContractName: "NDA", Filename: "nda.txt", SizeBytes: 10,
		MIMEType: "text/plain", UploadedAt: now, UpdatedAt: now, IngestionState: models.StateIndexing,
	}))
	t.Cleanup(func() { _ = c.DeleteDocument(ctx, docID) })

	require.NoError(t, c.ReplaceChunks(ctx, docID, []models.Chunk{
		{ID: docID + "-0", DocumentID: docID, Index: 0, Text: "hello", Page: 1, Embedding: []float32{0.5, 0.5}},
	}))
	chunks, err := c.ListChunks(ctx, docID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, []float32{0.5, 0.5}, chunks[0].Embedding)
}
