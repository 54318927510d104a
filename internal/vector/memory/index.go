// Package memory is an in-process vector.Index. Each user has a separate
// partition and each document's entries are swapped in as a whole.
package memory

import (
	"context"
	"math"
	"slices"
	"sync"

	"github.com/contract-insights/backend/internal/vector"
)

type stored struct {
	entry vector.Entry
	norm  float64
}

type partition struct {
	mu   sync.RWMutex
	docs map[string][]stored
}

type Index struct {
	dim int

	mu    sync.RWMutex
	users map[string]*partition
}

var _ vector.Index = (*Index)(nil)

func New(dim int) *Index {
	return &Index{dim: dim, users: make(map[string]*partition)}
}

func (x *Index) Dimension() int { return x.dim }

func (x *Index) partition(userID string, create bool) *partition {
	x.mu.RLock()
	p := x.users[userID]
	x.mu.RUnlock()
	if p != nil || !create {
		return p
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if p = x.users[userID]; p == nil {
		p = &partition{docs: make(map[string][]stored)}
		x.users[userID] = p
	}
	return p
}

func (x *Index) Upsert(ctx context.Context, userID, documentID string, entries []vector.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	docEntries := make([]stored, 0, len(entries))
	for _, e := range entries {
		if err := vector.CheckDimension(x.dim, e.Vector); err != nil {
			return err
		}
		e.DocumentID = documentID
		e.Vector = slices.Clone(e.Vector)
		docEntries = append(docEntries, stored{entry: e, norm: norm(e.Vector)})
	}

	p := x.partition(userID, true)
	p.mu.Lock()
	p.docs[documentID] = docEntries
	p.mu.Unlock()
	return nil
}

func (x *Index) DeleteDocument(_ context.Context, userID, documentID string) error {
	p := x.partition(userID, false)
	if p == nil {
		return nil
	}
	p.mu.Lock()
	delete(p.docs, documentID)
	p.mu.Unlock()
	return nil
}

func (x *Index) Search(ctx context.Context, userID string, query []float32, limit int) ([]vector.Candidate, error) {
	if err := vector.CheckDimension(x.dim, query); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := x.partition(userID, false)
	if p == nil || limit <= 0 {
		return []vector.Candidate{}, nil
	}

	qn := norm(query)
	p.mu.RLock()
	cands := make([]vector.Candidate, 0)
	for _, entries := range p.docs {
		for _, s := range entries {
			cands = append(cands, vector.Candidate{Entry: s.entry, Score: cosine(query, qn, s.entry.Vector, s.norm)})
		}
	}
	p.mu.RUnlock()

	vector.Sort(cands)
	if len(cands) > limit {
		cands = cands[:limit]
	}
	return cands, nil
}

// Len reports how many entries the user has indexed.
func (x *Index) Len(userID string) int {
	p := x.partition(userID, false)
	if p == nil {
		return 0
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, entries := range p.docs {
		n += len(entries)
	}
	return n
}

func norm(v []float32) float64 {
	var s float64
	for _, f := range v {
		s += float64(f) * float64(f)
	}
	return math.Sqrt(s)
}

func cosine(a []float32, na float64, b []float32, nb float64) float64 {
	if na == 0 || nb == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (na * nb)
}
