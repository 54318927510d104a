package embedding

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contract-insights/backend/internal/apperr"
)

const (
	terminationClause = "3. Termination. Either party may terminate this agreement with 90 days written notice to the other party."
	paymentClause     = "2. Payment. Client shall pay all invoices within 30 days of receipt."
	lawClause         = "4. Governing Law. This agreement is governed by the laws of the State of New York."
)

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / math.Sqrt(na*nb)
}

func embedAll(t *testing.T, e Embedder, texts ...string) [][]float32 {
	t.Helper()
	vecs, err := e.Embed(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, len(texts))
	return vecs
}

func TestAnalyzeStemsAndGroupsConcepts(t *testing.T) {
	a := Analyze("Either party may terminate; termination requires written notices.")
	assert.Equal(t, 2, a.Concepts["termination"])
	assert.Equal(t, 2, a.Concepts["notice"])
	assert.NotContains(t, a.Terms, "party")
	assert.NotContains(t, a.Terms, "may")

	assert.Equal(t, "termin", Stem("termination"))
	assert.Equal(t, "terminat", Stem("terminate"))
	assert.Equal(t, "invoic", Stem("invoices"))
	assert.Equal(t, "90", Stem("90"))
	assert.Equal(t, "day", Stem("days"))
	assert.Equal(t, "fee", Stem("fees"))
}

func TestLexiconEmbedderIsDeterministicAndNormalised(t *testing.T) {
	e := NewLexiconEmbedder(0)
	require.Equal(t, DefaultLexiconDimension, e.Dimension())

	first := embedAll(t, e, terminationClause)[0]
	second := embedAll(t, NewLexiconEmbedder(0), terminationClause)[0]
	assert.Equal(t, first, second)

	var norm float64
	for _, v := range first {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)

	empty := embedAll(t, e, "the and of")[0]
	assert.Len(t, empty, DefaultLexiconDimension)
	assert.Zero(t, cosine(empty, first))
}

func TestLexiconEmbedderRanksMatchingClauses(t *testing.T) {
	e := NewLexiconEmbedder(DefaultLexiconDimension)
	vecs := embedAll(t, e, terminationClause, paymentClause, lawClause)

	tests := []struct {
		question string
		best     int
		min      float64
	}{
		{"what is the termination notice period?", 0, 0.7},
		{"when are invoices due?", 1, 0.7},
		{"which law governs the agreement?", 2, 0.7},
	}
	for _, tt := range tests {
		q := embedAll(t, e, tt.question)[0]
		best, bestScore := -1, -1.0
		for i, v := range vecs {
			if s := cosine(q, v); s > bestScore {
				best, bestScore = i, s
			}
		}
		assert.Equal(t, tt.best, best, tt.question)
		assert.GreaterOrEqual(t, bestScore, tt.min, tt.question)
	}

	q := embedAll(t, e, "how long does confidentiality last?")[0]
	for _, v := range vecs {
		assert.Less(t, cosine(q, v), 0.5)
	}
}

type fixedEmbedder struct {
	dim   int
	out   int
	calls [][]string
	err   error
}

func (f *fixedEmbedder) Name() string   { return "fixed" }
func (f *fixedEmbedder) Dimension() int { return f.dim }
func (f *fixedEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls = append(f.calls, texts)
	if f.err != nil {
		return nil, f.err
	}
	vecs := make([][]float32, len(texts))
	for i := range texts {
		vecs[i] = make([]float32, f.out)
		vecs[i][0] = float32(len(texts[i]))
	}
	return vecs, nil
}

func TestGuardRejectsDimensionMismatch(t *testing.T) {
	g := Guard(&fixedEmbedder{dim: 4, out: 3})
	_, err := g.Embed(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindSchema))

	ok := Guard(&fixedEmbedder{dim: 4, out: 4})
	vec, err := EmbedOne(context.Background(), ok, "abc")
	require.NoError(t, err)
	assert.Len(t, vec, 4)
}

type mapCache struct {
	data map[string][]float32
	err  error
}

func (m *mapCache) GetEmbeddings(_ context.Context, model string, texts []string) ([][]float32, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = m.data[model+"/"+t]
	}
	return out, nil
}

func (m *mapCache) SetEmbeddings(_ context.Context, model string, texts []string, vecs [][]float32, _ time.Duration) error {
	for i, t := range texts {
		m.data[model+"/"+t] = vecs[i]
	}
	return nil
}

type countingObserver struct{ hits, misses int }

func (c *countingObserver) ObserveCache(_ string, hits, misses int) {
	c.hits += hits
	c.misses += misses
}

func TestCachedEmbedderOnlyForwardsMisses(t *testing.T) {
	inner := &fixedEmbedder{dim: 2, out: 2}
	cache := &mapCache{data: map[string][]float32{}}
	obs := &countingObserver{}
	c := NewCachedEmbedder(inner, cache, time.Hour, obs)

	first := embedAll(t, c, "a", "bb")
	second := embedAll(t, c, "bb", "ccc", "a")

	assert.Equal(t, first[1], second[0])
	assert.Equal(t, first[0], second[2])
	assert.Equal(t, [][]string{{"a", "bb"}, {"ccc"}}, inner.calls)
	assert.Equal(t, 2, obs.hits)
	assert.Equal(t, 3, obs.misses)
}

func TestCachedEmbedderFallsBackWhenCacheDown(t *testing.T) {
	inner := &fixedEmbedder{dim: 2, out: 2}
	c := NewCachedEmbedder(inner, &mapCache{err: errors.New("connection refused")}, time.Hour, nil)

	vecs := embedAll(t, c, "a")
	assert.Len(t, vecs[0], 2)
	assert.Len(t, inner.calls, 1)
}
