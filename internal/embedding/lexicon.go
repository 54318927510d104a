package embedding

import (
	"context"
	"math"
	"sort"

	"github.com/cespare/xxhash/v2"
)

const DefaultLexiconDimension = 512

// LexiconEmbedder is an offline, deterministic embedder: sublinear term
// frequencies and weighted contract-concept features are hashed into a fixed
// number of signed buckets and L2-normalised.
type LexiconEmbedder struct {
	dim int
}

func NewLexiconEmbedder(dim int) *LexiconEmbedder {
	if dim <= 0 {
		dim = DefaultLexiconDimension
	}
	return &LexiconEmbedder{dim: dim}
}

func (l *LexiconEmbedder) Name() string   { return "lexicon" }
func (l *LexiconEmbedder) Dimension() int { return l.dim }

func (l *LexiconEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = l.vector(t)
	}
	return out, nil
}

func (l *LexiconEmbedder) vector(text string) []float32 {
	a := Analyze(text)
	acc := make([]float64, l.dim)

	// Map iteration order is random; sort so float sums are reproducible.
	terms := sortedKeys(a.Terms)
	for _, t := range terms {
		l.add(acc, "w:"+t, 1+math.Log(float64(a.Terms[t])))
	}
	concepts := sortedKeys(a.Concepts)
	for _, c := range concepts {
		l.add(acc, "c:"+c, conceptWeight(c)*(1+math.Log(float64(a.Concepts[c]))))
	}

	var norm float64
	for _, v := range acc {
		norm += v * v
	}
	vec := make([]float32, l.dim)
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	for i, v := range acc {
		vec[i] = float32(v / norm)
	}
	return vec
}

func (l *LexiconEmbedder) add(acc []float64, feature string, weight float64) {
	h := xxhash.Sum64String(feature)
	idx := int(h % uint64(l.dim))
	if h>>63 == 1 {
		weight = -weight
	}
	acc[idx] += weight
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
