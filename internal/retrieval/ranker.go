// Package retrieval ranks indexed chunks against a query vector.
package retrieval

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/contract-insights/backend/internal/apperr"
	"github.com/contract-insights/backend/internal/storage/models"
	"github.com/contract-insights/backend/internal/vector"
	"github.com/contract-insights/backend/pkg/logger"
)

const (
	DefaultTopK                = 5
	DefaultCandidateMultiplier = 4

	// maxCandidates is the widest single search, the Milvus topK ceiling.
	maxCandidates = 16384
)

// Documents resolves the owning document of a candidate.
type Documents interface {
	GetDocument(ctx context.Context, id string) (*models.Document, error)
}

type Config struct {
	TopK                int
	CandidateMultiplier int
}

type Ranker struct {
	index      vector.Index
	docs       Documents
	topK       int
	multiplier int
}

func NewRanker(index vector.Index, docs Documents, cfg Config) *Ranker {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.CandidateMultiplier <= 0 {
		cfg.CandidateMultiplier = DefaultCandidateMultiplier
	}
	return &Ranker{index: index, docs: docs, topK: cfg.TopK, multiplier: cfg.CandidateMultiplier}
}

func (r *Ranker) TopK() int { return r.topK }

// Rank returns at most TopK chunks of the user's queryable documents, ordered
// by vector.Compare. Scores below zero are reported as zero. An empty corpus
// yields an empty result.
func (r *Ranker) Rank(ctx context.Context, userID string, query []float32) ([]vector.Candidate, error) {
	if err := vector.CheckDimension(r.index.Dimension(), query); err != nil {
		return nil, err
	}

	visible := make(map[string]bool)
	var (
		cands []vector.Candidate
		out   []vector.Candidate
		err   error
	)
	// Chunks of documents that are not queryable (mid reindex, failed) can
	// crowd the window, so it doubles until TopK survive or the index runs dry.
	for limit := r.topK * r.multiplier; ; limit *= 2 {
		limit = min(limit, maxCandidates)
		cands, err = r.index.Search(ctx, userID, query, limit)
		if err != nil {
			return nil, fmt.Errorf("failed to search index: %w", err)
		}
		out, err = r.filter(ctx, userID, cands, visible)
		if err != nil {
			return nil, err
		}
		if len(out) >= r.topK || len(cands) < limit || limit == maxCandidates {
			break
		}
	}

	vector.Sort(out)
	if len(out) > r.topK {
		out = out[:r.topK]
	}

	logger.Debug("Chunks ranked",
		zap.String("user_id", userID),
		zap.Int("candidates", len(cands)),
		zap.Int("results", len(out)),
	)
	return out, nil
}

func (r *Ranker) filter(ctx context.Context, userID string, cands []vector.Candidate, visible map[string]bool) ([]vector.Candidate, error) {
	out := make([]vector.Candidate, 0, min(len(cands), r.topK))
	for _, c := range cands {
		ok, seen := visible[c.DocumentID]
		if !seen {
			var err error
			ok, err = r.queryable(ctx, userID, c.DocumentID)
			if err != nil {
				return nil, err
			}
			visible[c.DocumentID] = ok
		}
		if !ok {
			continue
		}
		if c.Score < 0 {
			c.Score = 0
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *Ranker) queryable(ctx context.Context, userID, documentID string) (bool, error) {
	doc, err := r.docs.GetDocument(ctx, documentID)
	if apperr.Is(err, apperr.KindNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load document %s: %w", documentID, err)
	}
	return doc.UserID == userID && doc.IngestionState.Queryable(), nil
}
