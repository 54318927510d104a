package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contract-insights/backend/internal/apperr"
	"github.com/contract-insights/backend/internal/storage/models"
	"github.com/contract-insights/backend/internal/vector"
	"github.com/contract-insights/backend/internal/vector/memory"
)

type docStore map[string]*models.Document

func (d docStore) GetDocument(_ context.Context, id string) (*models.Document, error) {
	doc, ok := d[id]
	if !ok {
		return nil, apperr.NotFound("document", id)
	}
	return doc, nil
}

var base = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func seed(t *testing.T, idx *memory.Index, docs docStore, userID, docID string, state models.IngestionState, uploaded time.Time, vecs ...[]float32) {
	t.Helper()
	docs[docID] = &models.Document{ID: docID, UserID: userID, IngestionState: state, UploadedAt: uploaded}
	entries := make([]vector.Entry, len(vecs))
	for i, v := range vecs {
		entries[i] = vector.Entry{
			ChunkID:    docID + "-" + string(rune('a'+i)),
			DocumentID: docID,
			ChunkIndex: i,
			Text:       "chunk",
			UploadedAt: uploaded,
			Vector:     v,
		}
	}
	require.NoError(t, idx.Upsert(context.Background(), userID, docID, entries))
}

func TestRankOrdersAndTruncates(t *testing.T) {
	idx := memory.New(2)
	docs := docStore{}
	seed(t, idx, docs, "u1", "old", models.StateReady, base, []float32{1, 0}, []float32{0.6, 0.8}, []float32{1, 0})
	seed(t, idx, docs, "u1", "new", models.StateIndexed, base.Add(time.Hour), []float32{1, 0}, []float32{0, 1})

	r := NewRanker(idx, docs, Config{TopK: 3})
	got, err := r.Rank(context.Background(), "u1", []float32{1, 0})
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, "new-a", got[0].ChunkID)
	assert.Equal(t, "old-a", got[1].ChunkID)
	assert.Equal(t, "old-c", got[2].ChunkID)
	for _, c := range got {
		assert.InDelta(t, 1.0, c.Score, 1e-6)
	}
}

func TestRankSkipsInvisibleAndDeletedDocuments(t *testing.T) {
	idx := memory.New(2)
	docs := docStore{}
	seed(t, idx, docs, "u1", "ready", models.StateReady, base, []float32{0.6, 0.8})
	seed(t, idx, docs, "u1", "embedding", models.StateEmbedding, base, []float32{1, 0})
	seed(t, idx, docs, "u1", "failed", models.StateFailed, base, []float32{1, 0})
	seed(t, idx, docs, "u1", "deleted", models.StateReady, base, []float32{1, 0})
	delete(docs, "deleted")

	got, err := NewRanker(idx, docs, Config{}).Rank(context.Background(), "u1", []float32{1, 0})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ready", got[0].DocumentID)
	assert.InDelta(t, 0.6, got[0].Score, 1e-6)
}

func TestRankClampsNegativeScores(t *testing.T) {
	idx := memory.New(2)
	docs := docStore{}
	seed(t, idx, docs, "u1", "d", models.StateReady, base, []float32{-1, 0})

	got, err := NewRanker(idx, docs, Config{}).Rank(context.Background(), "u1", []float32{1, 0})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 0.0, got[0].Score)
}

func TestRankEmptyCorpusAndTenantIsolation(t *testing.T) {
	idx := memory.New(2)
	docs := docStore{}
	seed(t, idx, docs, "u1", "d", models.StateReady, base, []float32{1, 0})
	r := NewRanker(idx, docs, Config{})

	got, err := r.Rank(context.Background(), "u2", []float32{1, 0})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NotNil(t, got)
}

func TestRankRejectsWrongDimension(t *testing.T) {
	r := NewRanker(memory.New(2), docStore{}, Config{})
	_, err := r.Rank(context.Background(), "u1", []float32{1, 0, 0})
	assert.True(t, apperr.Is(err, apperr.KindSchema))
}

type countingIndex struct {
	*memory.Index
	searches []int
}

func (c *countingIndex) Search(ctx context.Context, userID string, query []float32, limit int) ([]vector.Candidate, error) {
	c.searches = append(c.searches, limit)
	return c.Index.Search(ctx, userID, query, limit)
}

func TestRankWidensPastInvisibleCandidates(t *testing.T) {
	mem := memory.New(2)
	docs := docStore{}
	seed(t, mem, docs, "u1", "ready", models.StateReady, base, []float32{0.8, 0.6})
	crowd := make([][]float32, 25)
	for i := range crowd {
		crowd[i] = []float32{1, 0}
	}
	seed(t, mem, docs, "u1", "reindexing", models.StateChunking, base, crowd...)

	idx := &countingIndex{Index: mem}
	got, err := NewRanker(idx, docs, Config{}).Rank(context.Background(), "u1", []float32{1, 0})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ready", got[0].DocumentID)
	assert.InDelta(t, 0.8, got[0].Score, 1e-6)
	assert.Equal(t, []int{20, 40}, idx.searches)
}
