// Package postgres persists contracts in PostgreSQL (including Supabase) through pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/contract-insights/backend/internal/apperr"
	"github.com/contract-insights/backend/internal/storage"
	"github.com/contract-insights/backend/internal/storage/models"
	"github.com/contract-insights/backend/pkg/logger"
)

type Client struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Client)(nil)

func NewClient(ctx context.Context, dsn string, maxConns int32) (*Client, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	logger.Info("Postgres client initialized", zap.String("host", cfg.ConnConfig.Host))
	return &Client{pool: pool}, nil
}

// Pool exposes the connection pool so the pgvector index can share it.
func (c *Client) Pool() *pgxpool.Pool { return c.pool }

func (c *Client) Close() error {
	c.pool.Close()
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

func (c *Client) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		contract_name TEXT NOT NULL,
		filename TEXT NOT NULL,
		size_bytes BIGINT NOT NULL,
		mime_type TEXT NOT NULL,
		parties TEXT[] NOT NULL DEFAULT '{}',
		uploaded_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		start_date TIMESTAMPTZ,
		expiry_date TIMESTAMPTZ,
		status TEXT NOT NULL DEFAULT 'Active',
		risk_level TEXT NOT NULL DEFAULT 'Low' CHECK (risk_level IN ('Low', 'Medium', 'High')),
		ingestion_state TEXT NOT NULL,
		ingestion_error TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_documents_user ON documents(user_id, uploaded_at DESC);

	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		chunk_index INT NOT NULL,
		text TEXT NOT NULL CHECK (length(text) > 0),
		page INT NOT NULL,
		char_offset INT NOT NULL,
		clause_type TEXT NOT NULL DEFAULT '',
		embedding BYTEA,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (document_id, chunk_index)
	);

	CREATE TABLE IF NOT EXISTS insights (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		type TEXT NOT NULL CHECK (type IN ('risk', 'clause')),
		category TEXT NOT NULL,
		title TEXT NOT NULL,
		summary TEXT NOT NULL DEFAULT '',
		confidence DOUBLE PRECISION NOT NULL CHECK (confidence BETWEEN 0 AND 1),
		risk_level TEXT NOT NULL CHECK (risk_level IN ('Low', 'Medium', 'High')),
		evidence_text TEXT NOT NULL DEFAULT '',
		source_section TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_insights_document ON insights(document_id);

	CREATE TABLE IF NOT EXISTS query_history (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		query_text TEXT NOT NULL,
		response TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
		result_count INT NOT NULL DEFAULT 0,
		latency_ms INT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_query_user ON query_history(user_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS query_sources (
		id SERIAL PRIMARY KEY,
		query_id TEXT NOT NULL REFERENCES query_history(id) ON DELETE CASCADE,
		document_id TEXT NOT NULL,
		chunk_id TEXT NOT NULL,
		relevance DOUBLE PRECISION NOT NULL DEFAULT 0
	);
	`
	if _, err := c.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	logger.Info("Postgres schema initialized")
	return nil
}

const documentColumns = `id, user_id, contract_name, filename, size_bytes, mime_type, parties,
	uploaded_at, updated_at, start_date, expiry_date, status, risk_level, ingestion_state,
	ingestion_error, text`

func (c *Client) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc.RiskLevel == "" {
		doc.RiskLevel = models.RiskLow
	}
	if doc.Status == "" {
		doc.Status = models.StatusActive
	}
	parties := doc.Parties
	if parties == nil {
		parties = []string{}
	}

	_, err := c.pool.Exec(ctx, `INSERT INTO documents (`+documentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		doc.ID, doc.UserID, doc.ContractName, doc.Filename, doc.SizeBytes, doc.MIMEType, parties,
		doc.UploadedAt, doc.UpdatedAt, doc.StartDate, doc.ExpiryDate, string(doc.Status),
		string(doc.RiskLevel), string(doc.IngestionState), doc.IngestionError, doc.Text,
	)
	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}
	logger.Debug("Document inserted", zap.String("doc_id", doc.ID), zap.String("user_id", doc.UserID))
	return nil
}

func (c *Client) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	doc, err := scanDocument(c.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("document", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

func (c *Client) ListDocuments(ctx context.Context, userID string, filter models.DocumentFilter) ([]models.Document, error) {
	where := []string{"user_id = $1"}
	args := []any{userID}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.Status != "" {
		where = append(where, "status = "+next(string(filter.Status)))
	}
	if filter.RiskLevel != "" {
		where = append(where, "risk_level = "+next(string(filter.RiskLevel)))
	}
	if s := strings.TrimSpace(filter.Search); s != "" {
		p := next("%" + s + "%")
		where = append(where, "(contract_name ILIKE "+p+" OR filename ILIKE "+p+
			" OR array_to_string(parties, ' ') ILIKE "+p+")")
	}

	query := `SELECT ` + documentColumns + ` FROM documents WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY uploaded_at DESC, id ASC`
	if filter.Limit > 0 {
		query += " LIMIT " + next(filter.Limit)
	}

	rows, err := c.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []models.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

func (c *Client) DeleteDocument(ctx context.Context, id string) error {
	tag, err := c.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("document", id)
	}
	logger.Info("Document deleted", zap.String("doc_id", id))
	return nil
}

func (c *Client) UpdateDocumentState(ctx context.Context, id string, state models.IngestionState, ingestErr string) error {
	tag, err := c.pool.Exec(ctx,
		`UPDATE documents SET ingestion_state = $1, ingestion_error = $2, updated_at = $3 WHERE id = $4`,
		string(state), ingestErr, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update document state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("document", id)
	}
	return nil
}

func (c *Client) UpdateDocumentAnalysis(ctx context.Context, doc *models.Document) error {
	parties := doc.Parties
	if parties == nil {
		parties = []string{}
	}
	tag, err := c.pool.Exec(ctx, `
		UPDATE documents SET contract_name = $1, parties = $2, start_date = $3, expiry_date = $4,
			status = $5, text = $6, updated_at = $7
		WHERE id = $8`,
		doc.ContractName, parties, doc.StartDate, doc.ExpiryDate, string(doc.Status), doc.Text, time.Now(), doc.ID)
	if err != nil {
		return fmt.Errorf("failed to update document analysis: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("document", doc.ID)
	}
	return nil
}

func (c *Client) ReplaceChunks(ctx context.Context, documentID string, chunks []models.Chunk) error {
	return pgx.BeginFunc(ctx, c.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
			return fmt.Errorf("failed to clear chunks: %w", err)
		}

		now := time.Now()
		batch := &pgx.Batch{}
		for _, ch := range chunks {
			if ch.DocumentID != documentID {
				return fmt.Errorf("chunk %s belongs to document %s, not %s", ch.ID, ch.DocumentID, documentID)
			}
			batch.Queue(`INSERT INTO chunks (id, document_id, chunk_index, text, page, char_offset, clause_type, embedding, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				ch.ID, documentID, ch.Index, ch.Text, ch.Page, ch.Offset, ch.ClauseType, storage.EncodeVector(ch.Embedding), now)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert chunks: %w", err)
		}
		return nil
	})
}

func (c *Client) DeleteChunks(ctx context.Context, documentID string) error {
	if _, err := c.pool.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

const chunkSelect = `SELECT c.id, c.document_id, c.chunk_index, c.text, c.page, c.char_offset, c.clause_type,
	c.embedding, c.created_at, d.contract_name, d.user_id, d.uploaded_at
	FROM chunks c JOIN documents d ON d.id = c.document_id`

func (c *Client) ListChunks(ctx context.Context, documentID string) ([]models.Chunk, error) {
	owned, err := c.queryChunks(ctx, chunkSelect+` WHERE c.document_id = $1 ORDER BY c.chunk_index`, documentID)
	if err != nil {
		return nil, err
	}
	chunks := make([]models.Chunk, len(owned))
	for i := range owned {
		chunks[i] = owned[i].Chunk
	}
	return chunks, nil
}

func (c *Client) ListQueryableChunks(ctx context.Context) ([]models.OwnedChunk, error) {
	return c.queryChunks(ctx, chunkSelect+` WHERE d.ingestion_state = ANY($1) ORDER BY d.user_id, c.document_id, c.chunk_index`,
		[]string{string(models.StateIndexed), string(models.StateClassifying), string(models.StateReady)})
}

func (c *Client) queryChunks(ctx context.Context, query string, args ...any) ([]models.OwnedChunk, error) {
	rows, err := c.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	var out []models.OwnedChunk
	for rows.Next() {
		var (
			oc   models.OwnedChunk
			blob []byte
		)
		if err := rows.Scan(&oc.ID, &oc.DocumentID, &oc.Index, &oc.Text, &oc.Page, &oc.Offset, &oc.ClauseType,
			&blob, &oc.CreatedAt, &oc.Metadata.ContractName, &oc.UserID, &oc.UploadedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		if oc.Embedding, err = storage.DecodeVector(blob); err != nil {
			return nil, fmt.Errorf("failed to decode embedding for chunk %s: %w", oc.ID, err)
		}
		oc.Metadata.Page = oc.Page
		oc.Metadata.ClauseType = oc.ClauseType
		out = append(out, oc)
	}
	return out, rows.Err()
}

func (c *Client) ReplaceInsights(ctx context.Context, documentID string, insights []models.Insight) (models.RiskLevel, error) {
	var risk models.RiskLevel
	err := pgx.BeginFunc(ctx, c.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM insights WHERE document_id = $1`, documentID); err != nil {
			return fmt.Errorf("failed to clear insights: %w", err)
		}
		for i := range insights {
			if insights[i].DocumentID != documentID {
				return fmt.Errorf("insight %s belongs to document %s, not %s", insights[i].ID, insights[i].DocumentID, documentID)
			}
			if err := insertInsight(ctx, tx, &insights[i]); err != nil {
				return err
			}
		}
		var err error
		risk, err = recomputeRisk(ctx, tx, documentID)
		return err
	})
	return risk, err
}

func (c *Client) AddInsight(ctx context.Context, insight *models.Insight) (models.RiskLevel, error) {
	var risk models.RiskLevel
	err := pgx.BeginFunc(ctx, c.pool, func(tx pgx.Tx) error {
		if err := insertInsight(ctx, tx, insight); err != nil {
			return err
		}
		var err error
		risk, err = recomputeRisk(ctx, tx, insight.DocumentID)
		return err
	})
	return risk, err
}

func insertInsight(ctx context.Context, tx pgx.Tx, in *models.Insight) error {
	if !in.RiskLevel.Valid() {
		return apperr.Validation("invalid risk level %q", in.RiskLevel)
	}
	if in.Confidence < 0 || in.Confidence > 1 {
		return apperr.Validation("confidence %.2f outside [0,1]", in.Confidence)
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now()
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO insights (id, document_id, type, category, title, summary, confidence, risk_level,
			evidence_text, source_section, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		in.ID, in.DocumentID, string(in.Type), in.Category, in.Title, in.Summary, in.Confidence,
		string(in.RiskLevel), in.EvidenceText, in.SourceSection, in.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert insight: %w", err)
	}
	return nil
}

// recomputeRisk locks the document row so concurrent insight writers serialise.
func recomputeRisk(ctx context.Context, tx pgx.Tx, documentID string) (models.RiskLevel, error) {
	var id string
	if err := tx.QueryRow(ctx, `SELECT id FROM documents WHERE id = $1 FOR UPDATE`, documentID).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", apperr.NotFound("document", documentID)
		}
		return "", fmt.Errorf("failed to lock document: %w", err)
	}

	rows, err := tx.Query(ctx, `SELECT risk_level FROM insights WHERE document_id = $1`, documentID)
	if err != nil {
		return "", fmt.Errorf("failed to read insight risk: %w", err)
	}
	levels, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.RiskLevel, error) {
		var l string
		err := row.Scan(&l)
		return models.RiskLevel(l), err
	})
	if err != nil {
		return "", fmt.Errorf("failed to scan insight risk: %w", err)
	}

	risk := models.MaxRisk(levels...)
	if _, err := tx.Exec(ctx, `UPDATE documents SET risk_level = $1, updated_at = $2 WHERE id = $3`,
		string(risk), time.Now(), documentID); err != nil {
		return "", fmt.Errorf("failed to update document risk: %w", err)
	}
	return risk, nil
}

const insightSelect = `SELECT i.id, i.document_id, i.type, i.category, i.title, i.summary, i.confidence,
	i.risk_level, i.evidence_text, i.source_section, i.created_at FROM insights i`

func (c *Client) ListInsights(ctx context.Context, documentID string) ([]models.Insight, error) {
	return c.queryInsights(ctx, insightSelect+` WHERE i.document_id = $1 ORDER BY i.type, i.category, i.id`, documentID)
}

func (c *Client) ListInsightsByUser(ctx context.Context, userID string, limit int) ([]models.Insight, error) {
	query := insightSelect + ` JOIN documents d ON d.id = i.document_id WHERE d.user_id = $1 ORDER BY i.created_at DESC, i.id`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return c.queryInsights(ctx, query, args...)
}

func (c *Client) queryInsights(ctx context.Context, query string, args ...any) ([]models.Insight, error) {
	rows, err := c.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list insights: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Insight, error) {
		var (
			in        models.Insight
			typ, risk string
		)
		err := row.Scan(&in.ID, &in.DocumentID, &typ, &in.Category, &in.Title, &in.Summary, &in.Confidence,
			&risk, &in.EvidenceText, &in.SourceSection, &in.CreatedAt)
		in.Type = models.InsightType(typ)
		in.RiskLevel = models.RiskLevel(risk)
		return in, err
	})
}

func (c *Client) InsertQueryRecord(ctx context.Context, record *models.QueryRecord) error {
	return pgx.BeginFunc(ctx, c.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO query_history (id, user_id, query_text, response, state, confidence, result_count, latency_ms, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			record.ID, record.UserID, record.QueryText, record.Response, record.State, record.Confidence,
			record.ResultCount, record.LatencyMS, record.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert query record: %w", err)
		}
		for _, src := range record.Sources {
			if _, err := tx.Exec(ctx,
				`INSERT INTO query_sources (query_id, document_id, chunk_id, relevance) VALUES ($1, $2, $3, $4)`,
				record.ID, src.DocumentID, src.ChunkID, src.Relevance); err != nil {
				return fmt.Errorf("failed to insert query source: %w", err)
			}
		}
		return nil
	})
}

func (c *Client) ListQueryHistory(ctx context.Context, userID string, limit int) ([]models.QueryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := c.pool.Query(ctx, `
		SELECT id, user_id, query_text, response, state, confidence, result_count, latency_ms, created_at
		FROM query_history WHERE user_id = $1 ORDER BY created_at DESC, id LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get query history: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.QueryRecord, error) {
		var r models.QueryRecord
		err := row.Scan(&r.ID, &r.UserID, &r.QueryText, &r.Response, &r.State, &r.Confidence,
			&r.ResultCount, &r.LatencyMS, &r.CreatedAt)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan query history: %w", err)
	}

	for i := range records {
		srcRows, err := c.pool.Query(ctx,
			`SELECT id, query_id, document_id, chunk_id, relevance FROM query_sources WHERE query_id = $1 ORDER BY id`,
			records[i].ID)
		if err != nil {
			return nil, fmt.Errorf("failed to get query sources: %w", err)
		}
		records[i].Sources, err = pgx.CollectRows(srcRows, func(row pgx.CollectableRow) (models.QuerySource, error) {
			var s models.QuerySource
			err := row.Scan(&s.ID, &s.QueryID, &s.DocumentID, &s.ChunkID, &s.Relevance)
			return s, err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan query sources: %w", err)
		}
	}
	return records, nil
}

func scanDocument(row pgx.Row) (*models.Document, error) {
	var (
		doc                 models.Document
		status, risk, state string
	)
	err := row.Scan(&doc.ID, &doc.UserID, &doc.ContractName, &doc.Filename, &doc.SizeBytes, &doc.MIMEType,
		&doc.Parties, &doc.UploadedAt, &doc.UpdatedAt, &doc.StartDate, &doc.ExpiryDate, &status, &risk,
		&state, &doc.IngestionError, &doc.Text)
	if err != nil {
		return nil, err
	}
	doc.Status = models.Status(status)
	doc.RiskLevel = models.RiskLevel(risk)
	doc.IngestionState = models.IngestionState(state)
	return &doc, nil
}
