// Package vector defines the per-user chunk index and the ordering every
// backend's results are reported in.
package vector

import (
	"cmp"
	"context"
	"math"
	"slices"
	"time"

	"github.com/contract-insights/backend/internal/apperr"
)

// Entry is one indexed chunk.
type Entry struct {
	ChunkID      string
	DocumentID   string
	ChunkIndex   int
	Text         string
	Page         int
	ClauseType   string
	ContractName string
	UploadedAt   time.Time
	Vector       []float32
}

// Candidate is a search hit. Score is the raw cosine similarity.
type Candidate struct {
	Entry
	Score float64
}

// Index stores chunk vectors partitioned by owning user. Search never returns
// entries stored under a different user. Upsert replaces every entry of the
// document; backends that can do so make the swap atomic for readers.
type Index interface {
	Dimension() int
	Upsert(ctx context.Context, userID, documentID string, entries []Entry) error
	DeleteDocument(ctx context.Context, userID, documentID string) error
	Search(ctx context.Context, userID string, query []float32, limit int) ([]Candidate, error)
}

// Compare orders candidates by score desc, then newest document, lower chunk
// index, document ID and chunk ID.
func Compare(a, b Candidate) int {
	if c := cmp.Compare(b.Score, a.Score); c != 0 {
		return c
	}
	if !a.UploadedAt.Equal(b.UploadedAt) {
		if a.UploadedAt.After(b.UploadedAt) {
			return -1
		}
		return 1
	}
	if c := cmp.Compare(a.ChunkIndex, b.ChunkIndex); c != 0 {
		return c
	}
	if c := cmp.Compare(a.DocumentID, b.DocumentID); c != 0 {
		return c
	}
	return cmp.Compare(a.ChunkID, b.ChunkID)
}

func Sort(cands []Candidate) {
	slices.SortFunc(cands, Compare)
}

// CheckDimension rejects any vector whose length differs from dim.
func CheckDimension(dim int, vecs ...[]float32) error {
	for i, v := range vecs {
		if len(v) != dim {
			return apperr.Schema("vector %d has dimension %d, index expects %d", i, len(v), dim)
		}
	}
	return nil
}

func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
