package embedding

import (
	"context"
	"fmt"

	"github.com/contract-insights/backend/internal/vector"
)

// Embedder turns texts into fixed-dimension vectors, one per input, in order.
type Embedder interface {
	Name() string
	Dimension() int
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Guard wraps an Embedder and rejects any output whose length differs from the
// configured dimension.
func Guard(e Embedder) Embedder {
	if g, ok := e.(*guarded); ok {
		return g
	}
	return &guarded{Embedder: e}
}

type guarded struct {
	Embedder
}

func (g *guarded) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := g.Embedder.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embedder %s returned %d vectors for %d texts", g.Name(), len(vecs), len(texts))
	}
	if err := vector.CheckDimension(g.Dimension(), vecs...); err != nil {
		return nil, err
	}
	return vecs, nil
}

// EmbedOne is a convenience for single-text callers such as the query path.
func EmbedOne(ctx context.Context, e Embedder, text string) ([]float32, error) {
	vecs, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedder %s returned %d vectors for 1 text", e.Name(), len(vecs))
	}
	return vecs[0], nil
}
