// Package pgvector stores chunk vectors in PostgreSQL using the pgvector extension.
package pgvector

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgv "github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/contract-insights/backend/internal/vector"
	"github.com/contract-insights/backend/pkg/logger"
)

// Index keeps every user's vectors in one table and filters by user_id.
// Upsert runs in a single transaction so readers see either the old or the
// new set of a document's entries.
type Index struct {
	pool *pgxpool.Pool
	dim  int
}

var _ vector.Index = (*Index)(nil)

func New(pool *pgxpool.Pool, dim int) *Index {
	return &Index{pool: pool, dim: dim}
}

func (x *Index) Dimension() int { return x.dim }

func (x *Index) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunk_vectors (
			chunk_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			document_id TEXT NOT NULL,
			chunk_index INT NOT NULL,
			text TEXT NOT NULL,
			page INT NOT NULL,
			clause_type TEXT NOT NULL DEFAULT '',
			contract_name TEXT NOT NULL DEFAULT '',
			uploaded_at TIMESTAMPTZ NOT NULL,
			embedding vector(%d) NOT NULL
		)`, x.dim),
		`CREATE INDEX IF NOT EXISTS idx_chunk_vectors_user_doc ON chunk_vectors(user_id, document_id)`,
		`CREATE INDEX IF NOT EXISTS idx_chunk_vectors_embedding ON chunk_vectors USING hnsw (embedding vector_cosine_ops)`,
	}
	for _, s := range stmts {
		if _, err := x.pool.Exec(ctx, s); err != nil {
			return fmt.Errorf("failed to initialize pgvector schema: %w", err)
		}
	}

	var dim int
	err := x.pool.QueryRow(ctx, `
		SELECT atttypmod FROM pg_attribute
		WHERE attrelid = 'chunk_vectors'::regclass AND attname = 'embedding'`).Scan(&dim)
	if err != nil {
		return fmt.Errorf("failed to read embedding dimension: %w", err)
	}
	if dim > 0 && dim != x.dim {
		return vector.CheckDimension(x.dim, make([]float32, dim))
	}

	logger.Info("pgvector schema initialized", zap.Int("dimension", x.dim))
	return nil
}

func (x *Index) Upsert(ctx context.Context, userID, documentID string, entries []vector.Entry) error {
	for _, e := range entries {
		if err := vector.CheckDimension(x.dim, e.Vector); err != nil {
			return err
		}
	}

	return pgx.BeginFunc(ctx, x.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM chunk_vectors WHERE user_id = $1 AND document_id = $2`, userID, documentID); err != nil {
			return fmt.Errorf("failed to clear document vectors: %w", err)
		}

		batch := &pgx.Batch{}
		for _, e := range entries {
			batch.Queue(`INSERT INTO chunk_vectors (chunk_id, user_id, document_id, chunk_index, text, page, clause_type, contract_name, uploaded_at, embedding)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
				e.ChunkID, userID, documentID, e.ChunkIndex, e.Text, e.Page, e.ClauseType, e.ContractName, e.UploadedAt,
				pgv.NewVector(e.Vector))
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert document vectors: %w", err)
		}
		return nil
	})
}

func (x *Index) DeleteDocument(ctx context.Context, userID, documentID string) error {
	if _, err := x.pool.Exec(ctx, `DELETE FROM chunk_vectors WHERE user_id = $1 AND document_id = $2`, userID, documentID); err != nil {
		return fmt.Errorf("failed to delete document vectors: %w", err)
	}
	return nil
}

func (x *Index) Search(ctx context.Context, userID string, query []float32, limit int) ([]vector.Candidate, error) {
	if err := vector.CheckDimension(x.dim, query); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []vector.Candidate{}, nil
	}

	rows, err := x.pool.Query(ctx, `
		SELECT chunk_id, document_id, chunk_index, text, page, clause_type, contract_name, uploaded_at,
		       1 - (embedding <=> $2::vector) AS score
		FROM chunk_vectors
		WHERE user_id = $1
		ORDER BY embedding <=> $2::vector
		LIMIT $3`, userID, pgv.NewVector(query), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query vector search: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (vector.Candidate, error) {
		var c vector.Candidate
		err := row.Scan(&c.ChunkID, &c.DocumentID, &c.ChunkIndex, &c.Text, &c.Page, &c.ClauseType,
			&c.ContractName, &c.UploadedAt, &c.Score)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan search rows: %w", err)
	}
	if results == nil {
		results = []vector.Candidate{}
	}
	vector.Sort(results)
	return results, nil
}
