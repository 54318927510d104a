package query

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contract-insights/backend/internal/apperr"
	rediscache "github.com/contract-insights/backend/internal/cache/redis"
	"github.com/contract-insights/backend/internal/embedding"
	"github.com/contract-insights/backend/internal/retrieval"
	"github.com/contract-insights/backend/internal/storage/models"
	"github.com/contract-insights/backend/internal/synthesis"
	"github.com/contract-insights/backend/internal/vector"
	"github.com/contract-insights/backend/internal/vector/memory"
	"github.com/contract-insights/backend/pkg/retry"
)

type docStore map[string]*models.Document

func (d docStore) GetDocument(_ context.Context, id string) (*models.Document, error) {
	if doc, ok := d[id]; ok {
		return doc, nil
	}
	return nil, apperr.NotFound("document", id)
}

type memoryHistory struct {
	mu      sync.Mutex
	records []*models.QueryRecord
}

func (h *memoryHistory) InsertQueryRecord(_ context.Context, r *models.QueryRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}

type brokenEmbedder struct{ embedding.Embedder }

func (brokenEmbedder) Embed(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("provider unavailable")
}

type fixture struct {
	engine  *Engine
	index   *memory.Index
	docs    docStore
	history *memoryHistory
	cache   *rediscache.Client
}

func newFixture(t *testing.T, emb embedding.Embedder) *fixture {
	t.Helper()
	lex := embedding.NewLexiconEmbedder(embedding.DefaultLexiconDimension)
	if emb == nil {
		emb = lex
	}
	mr := miniredis.RunT(t)
	cache := rediscache.NewFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = cache.Close() })

	f := &fixture{
		index:   memory.New(lex.Dimension()),
		docs:    docStore{},
		history: &memoryHistory{},
		cache:   cache,
	}
	f.engine = NewEngine(Deps{
		Embedder:    emb,
		Ranker:      retrieval.NewRanker(f.index, f.docs, retrieval.Config{}),
		Synthesizer: synthesis.New(synthesis.Config{}, nil),
		History:     f.history,
		Cache:       cache,
		Retry:       retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond},
	})
	return f
}

func (f *fixture) ingest(t *testing.T, userID, docID string, texts ...string) {
	t.Helper()
	lex := embedding.NewLexiconEmbedder(embedding.DefaultLexiconDimension)
	vecs, err := lex.Embed(context.Background(), texts)
	require.NoError(t, err)

	f.docs[docID] = &models.Document{ID: docID, UserID: userID, ContractName: docID, IngestionState: models.StateReady}
	entries := make([]vector.Entry, len(texts))
	for i, text := range texts {
		entries[i] = vector.Entry{
			ChunkID:      fmt.Sprintf("%s-%d", docID, i),
			DocumentID:   docID,
			ChunkIndex:   i,
			Text:         text,
			Page:         1,
			ContractName: docID,
			Vector:       vecs[i],
		}
	}
	require.NoError(t, f.index.Upsert(context.Background(), userID, docID, entries))
}

func recordStates() (*[]State, func(State)) {
	var states []State
	return &states, func(s State) { states = append(states, s) }
}

func TestAskValidatesQuestion(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.engine.Ask(context.Background(), "u1", "   ")
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = f.engine.Ask(context.Background(), "", "What is the term?")
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized))
}

func TestAskEmptyCorpusIsNoEvidence(t *testing.T) {
	f := newFixture(t, nil)
	states, onState := recordStates()

	res, err := f.engine.AskWithProgress(context.Background(), "nobody", "What is the termination notice period?", onState)
	require.NoError(t, err)
	assert.True(t, res.NoEvidence())
	assert.Equal(t, synthesis.NoEvidenceMessage, res.Answer)
	assert.Empty(t, res.Citations)
	assert.Equal(t, []State{StateReceived, StateEmbedding, StateRetrieving, StateSynthesizing, StateNoEvidence}, *states)

	require.Len(t, f.history.records, 1)
	assert.Equal(t, string(StateNoEvidence), f.history.records[0].State)
}

func TestAskAnswersFromEvidence(t *testing.T) {
	f := newFixture(t, nil)
	f.ingest(t, "u1", "msa",
		"3. Termination\nEither party may terminate this agreement with 90 days written notice to the other party.")
	f.ingest(t, "u2", "other",
		"Either party may terminate this agreement with 30 days written notice.")

	res, err := f.engine.Ask(context.Background(), "u1", "What is the notice period for terminating the agreement?")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.GreaterOrEqual(t, res.Confidence, 0.5)
	require.NotEmpty(t, res.Citations)
	for _, c := range res.Citations {
		assert.Equal(t, "msa", c.DocumentID)
	}
	assert.Contains(t, res.Answer, "90 days written notice")

	rec := f.history.records[0]
	assert.Equal(t, "u1", rec.UserID)
	require.Len(t, rec.Sources, len(res.Citations))
	assert.Equal(t, "msa", rec.Sources[0].DocumentID)
}

func TestAskFailsWithStageOnEmbeddingOutage(t *testing.T) {
	f := newFixture(t, brokenEmbedder{embedding.NewLexiconEmbedder(embedding.DefaultLexiconDimension)})
	states, onState := recordStates()

	res, err := f.engine.AskWithProgress(context.Background(), "u1", "What is the notice period?", onState)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, StageEmbedding, apperr.StageOf(err))
	assert.Equal(t, StateFailed, (*states)[len(*states)-1])
	assert.Empty(t, f.history.records)
}

type unreachableIndex struct{ *memory.Index }

func (unreachableIndex) Search(context.Context, string, []float32, int) ([]vector.Candidate, error) {
	return nil, errors.New("vector store unreachable")
}

func TestAskFailsWithStageOnRankerFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.ingest(t, "u1", "msa", "Either party may terminate with 90 days written notice.")
	f.engine.ranker = retrieval.NewRanker(unreachableIndex{f.index}, f.docs, retrieval.Config{})
	states, onState := recordStates()

	res, err := f.engine.AskWithProgress(context.Background(), "u1", "What is the notice period?", onState)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Contains(t, err.Error(), "vector store unreachable")
	assert.Equal(t, StageRetrieval, apperr.StageOf(err))
	assert.Equal(t, []State{StateReceived, StateEmbedding, StateRetrieving, StateFailed}, *states)
	assert.Empty(t, f.history.records)
}

func TestAskCachesPerCorpusGeneration(t *testing.T) {
	f := newFixture(t, nil)
	f.ingest(t, "u1", "msa", "Client shall pay all invoices within 30 days of receipt.")
	ctx := context.Background()

	first, err := f.engine.Ask(ctx, "u1", "When are invoices due for payment?")
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := f.engine.Ask(ctx, "u1", "when are invoices due for payment")
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Answer, second.Answer)
	assert.NotEqual(t, first.ID, second.ID)

	_, err = f.cache.BumpGeneration(ctx, "u1")
	require.NoError(t, err)
	third, err := f.engine.Ask(ctx, "u1", "When are invoices due for payment?")
	require.NoError(t, err)
	assert.False(t, third.Cached)
}
