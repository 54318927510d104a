package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/contract-insights/backend/internal/apperr"
	"github.com/contract-insights/backend/internal/storage"
	"github.com/contract-insights/backend/internal/storage/models"
	"github.com/contract-insights/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

var _ storage.Repository = (*Client)(nil)

func NewClient(dbPath string) (*Client, error) {
	// Pragmas go in the DSN so that every pooled connection gets them.
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		contract_name TEXT NOT NULL,
		filename TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		mime_type TEXT NOT NULL,
		parties TEXT,
		uploaded_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		start_date INTEGER,
		expiry_date INTEGER,
		status TEXT NOT NULL DEFAULT 'Active',
		risk_level TEXT NOT NULL DEFAULT 'Low' CHECK (risk_level IN ('Low', 'Medium', 'High')),
		ingestion_state TEXT NOT NULL,
		ingestion_error TEXT,
		text TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_documents_user ON documents(user_id, uploaded_at);
	CREATE INDEX IF NOT EXISTS idx_documents_state ON documents(ingestion_state);

	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		text TEXT NOT NULL CHECK (length(text) > 0),
		page INTEGER NOT NULL,
		char_offset INTEGER NOT NULL,
		clause_type TEXT,
		embedding BLOB,
		created_at INTEGER NOT NULL,
		UNIQUE (document_id, chunk_index),
		FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);

	CREATE TABLE IF NOT EXISTS insights (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		type TEXT NOT NULL CHECK (type IN ('risk', 'clause')),
		category TEXT NOT NULL,
		title TEXT NOT NULL,
		summary TEXT,
		confidence REAL NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
		risk_level TEXT NOT NULL CHECK (risk_level IN ('Low', 'Medium', 'High')),
		evidence_text TEXT,
		source_section TEXT,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_insights_document ON insights(document_id);

	CREATE TABLE IF NOT EXISTS query_history (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		query_text TEXT NOT NULL,
		response TEXT,
		state TEXT NOT NULL,
		confidence REAL,
		result_count INTEGER,
		latency_ms INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_query_user ON query_history(user_id, created_at);

	CREATE TABLE IF NOT EXISTS query_sources (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		query_id TEXT NOT NULL,
		document_id TEXT NOT NULL,
		chunk_id TEXT NOT NULL,
		relevance REAL,
		FOREIGN KEY (query_id) REFERENCES query_history(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_sources_query ON query_sources(query_id);
	`

	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

const documentColumns = `id, user_id, contract_name, filename, size_bytes, mime_type, parties,
	uploaded_at, updated_at, start_date, expiry_date, status, risk_level, ingestion_state,
	ingestion_error, text`

func (c *Client) CreateDocument(ctx context.Context, doc *models.Document) error {
	parties, err := json.Marshal(doc.Parties)
	if err != nil {
		return fmt.Errorf("failed to encode parties: %w", err)
	}
	if doc.RiskLevel == "" {
		doc.RiskLevel = models.RiskLow
	}
	if doc.Status == "" {
		doc.Status = models.StatusActive
	}

	query := `INSERT INTO documents (` + documentColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = c.db.ExecContext(ctx, query,
		doc.ID,
		doc.UserID,
		doc.ContractName,
		doc.Filename,
		doc.SizeBytes,
		doc.MIMEType,
		string(parties),
		doc.UploadedAt.UnixNano(),
		doc.UpdatedAt.UnixNano(),
		nullableTime(doc.StartDate),
		nullableTime(doc.ExpiryDate),
		string(doc.Status),
		string(doc.RiskLevel),
		string(doc.IngestionState),
		doc.IngestionError,
		doc.Text,
	)
	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}

	logger.Debug("Document inserted", zap.String("doc_id", doc.ID), zap.String("user_id", doc.UserID))
	return nil
}

func (c *Client) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("document", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

func (c *Client) ListDocuments(ctx context.Context, userID string, filter models.DocumentFilter) ([]models.Document, error) {
	var (
		where = []string{"user_id = ?"}
		args  = []any{userID}
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.RiskLevel != "" {
		where = append(where, "risk_level = ?")
		args = append(args, string(filter.RiskLevel))
	}
	if s := strings.TrimSpace(filter.Search); s != "" {
		// parties holds a JSON array of names.
		where = append(where, "(contract_name LIKE ? OR filename LIKE ? OR parties LIKE ?)")
		pattern := "%" + s + "%"
		args = append(args, pattern, pattern, pattern)
	}

	query := `SELECT ` + documentColumns + ` FROM documents WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY uploaded_at DESC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []models.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

func (c *Client) DeleteDocument(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("document", id)
	}

	logger.Info("Document deleted", zap.String("doc_id", id))
	return nil
}

func (c *Client) UpdateDocumentState(ctx context.Context, id string, state models.IngestionState, ingestErr string) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE documents SET ingestion_state = ?, ingestion_error = ?, updated_at = ? WHERE id = ?`,
		string(state), ingestErr, time.Now().UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update document state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("document", id)
	}
	return nil
}

// UpdateDocumentAnalysis stores extracted text and metadata. Risk level is not
// touched here.
func (c *Client) UpdateDocumentAnalysis(ctx context.Context, doc *models.Document) error {
	parties, err := json.Marshal(doc.Parties)
	if err != nil {
		return fmt.Errorf("failed to encode parties: %w", err)
	}

	res, err := c.db.ExecContext(ctx, `
		UPDATE documents SET contract_name = ?, parties = ?, start_date = ?, expiry_date = ?,
			status = ?, text = ?, updated_at = ?
		WHERE id = ?`,
		doc.ContractName,
		string(parties),
		nullableTime(doc.StartDate),
		nullableTime(doc.ExpiryDate),
		string(doc.Status),
		doc.Text,
		time.Now().UnixNano(),
		doc.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update document analysis: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("document", doc.ID)
	}
	return nil
}

func (c *Client) ReplaceChunks(ctx context.Context, documentID string, chunks []models.Chunk) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("failed to clear chunks: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, document_id, chunk_index, text, page, char_offset, clause_type, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixNano()
	for _, ch := range chunks {
		if ch.DocumentID != documentID {
			return fmt.Errorf("chunk %s belongs to document %s, not %s", ch.ID, ch.DocumentID, documentID)
		}
		if _, err := stmt.ExecContext(ctx,
			ch.ID, documentID, ch.Index, ch.Text, ch.Page, ch.Offset, ch.ClauseType,
			storage.EncodeVector(ch.Embedding), now,
		); err != nil {
			return fmt.Errorf("failed to insert chunk: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chunks: %w", err)
	}
	return nil
}

func (c *Client) DeleteChunks(ctx context.Context, documentID string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

const chunkSelect = `SELECT c.id, c.document_id, c.chunk_index, c.text, c.page, c.char_offset,
	COALESCE(c.clause_type, ''), c.embedding, c.created_at, d.contract_name, d.user_id, d.uploaded_at
	FROM chunks c JOIN documents d ON d.id = c.document_id`

func (c *Client) ListChunks(ctx context.Context, documentID string) ([]models.Chunk, error) {
	owned, err := c.queryChunks(ctx, chunkSelect+` WHERE c.document_id = ? ORDER BY c.chunk_index`, documentID)
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
	return c.queryChunks(ctx,
		chunkSelect+` WHERE d.ingestion_state IN (?, ?, ?) ORDER BY d.user_id, c.document_id, c.chunk_index`,
		string(models.StateIndexed), string(models.StateClassifying), string(models.StateReady),
	)
}

func (c *Client) queryChunks(ctx context.Context, query string, args ...any) ([]models.OwnedChunk, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	var out []models.OwnedChunk
	for rows.Next() {
		var (
			oc                    models.OwnedChunk
			blob                  []byte
			createdAt, uploadedAt int64
		)
		if err := rows.Scan(&oc.ID, &oc.DocumentID, &oc.Index, &oc.Text, &oc.Page, &oc.Offset,
			&oc.ClauseType, &blob, &createdAt, &oc.Metadata.ContractName, &oc.UserID, &uploadedAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if oc.Embedding, err = storage.DecodeVector(blob); err != nil {
			return nil, fmt.Errorf("failed to decode embedding for chunk %s: %w", oc.ID, err)
		}
		oc.CreatedAt = time.Unix(0, createdAt)
		oc.UploadedAt = time.Unix(0, uploadedAt)
		oc.Metadata.Page = oc.Page
		oc.Metadata.ClauseType = oc.ClauseType
		out = append(out, oc)
	}
	return out, rows.Err()
}

func (c *Client) ReplaceInsights(ctx context.Context, documentID string, insights []models.Insight) (models.RiskLevel, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM insights WHERE document_id = ?`, documentID); err != nil {
		return "", fmt.Errorf("failed to clear insights: %w", err)
	}
	for i := range insights {
		if insights[i].DocumentID != documentID {
			return "", fmt.Errorf("insight %s belongs to document %s, not %s", insights[i].ID, insights[i].DocumentID, documentID)
		}
		if err := insertInsight(ctx, tx, &insights[i]); err != nil {
			return "", err
		}
	}

	risk, err := recomputeRisk(ctx, tx, documentID)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit insights: %w", err)
	}
	return risk, nil
}

func (c *Client) AddInsight(ctx context.Context, insight *models.Insight) (models.RiskLevel, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertInsight(ctx, tx, insight); err != nil {
		return "", err
	}
	risk, err := recomputeRisk(ctx, tx, insight.DocumentID)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit insight: %w", err)
	}
	return risk, nil
}

func insertInsight(ctx context.Context, tx *sql.Tx, in *models.Insight) error {
	if !in.RiskLevel.Valid() {
		return apperr.Validation("invalid risk level %q", in.RiskLevel)
	}
	if in.Confidence < 0 || in.Confidence > 1 {
		return apperr.Validation("confidence %.2f outside [0,1]", in.Confidence)
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now()
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO insights (id, document_id, type, category, title, summary, confidence, risk_level,
			evidence_text, source_section, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.DocumentID, string(in.Type), in.Category, in.Title, in.Summary, in.Confidence,
		string(in.RiskLevel), in.EvidenceText, in.SourceSection, in.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert insight: %w", err)
	}
	return nil
}

func recomputeRisk(ctx context.Context, tx *sql.Tx, documentID string) (models.RiskLevel, error) {
	rows, err := tx.QueryContext(ctx, `SELECT risk_level FROM insights WHERE document_id = ?`, documentID)
	if err != nil {
		return "", fmt.Errorf("failed to read insight risk: %w", err)
	}
	var levels []models.RiskLevel
	for rows.Next() {
		var l string
		if err := rows.Scan(&l); err != nil {
			rows.Close()
			return "", fmt.Errorf("failed to scan row: %w", err)
		}
		levels = append(levels, models.RiskLevel(l))
	}
	rows.Close()

	risk := models.MaxRisk(levels...)
	res, err := tx.ExecContext(ctx, `UPDATE documents SET risk_level = ?, updated_at = ? WHERE id = ?`,
		string(risk), time.Now().UnixNano(), documentID)
	if err != nil {
		return "", fmt.Errorf("failed to update document risk: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", apperr.NotFound("document", documentID)
	}
	return risk, nil
}

const insightSelect = `SELECT i.id, i.document_id, i.type, i.category, i.title, COALESCE(i.summary, ''),
	i.confidence, i.risk_level, COALESCE(i.evidence_text, ''), COALESCE(i.source_section, ''), i.created_at
	FROM insights i`

func (c *Client) ListInsights(ctx context.Context, documentID string) ([]models.Insight, error) {
	return c.queryInsights(ctx, insightSelect+` WHERE i.document_id = ? ORDER BY i.type, i.category, i.id`, documentID)
}

func (c *Client) ListInsightsByUser(ctx context.Context, userID string, limit int) ([]models.Insight, error) {
	query := insightSelect + ` JOIN documents d ON d.id = i.document_id WHERE d.user_id = ?
		ORDER BY i.created_at DESC, i.id`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return c.queryInsights(ctx, query, args...)
}

func (c *Client) queryInsights(ctx context.Context, query string, args ...any) ([]models.Insight, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list insights: %w", err)
	}
	defer rows.Close()

	var out []models.Insight
	for rows.Next() {
		var (
			in        models.Insight
			typ, risk string
			createdAt int64
		)
		if err := rows.Scan(&in.ID, &in.DocumentID, &typ, &in.Category, &in.Title, &in.Summary,
			&in.Confidence, &risk, &in.EvidenceText, &in.SourceSection, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		in.Type = models.InsightType(typ)
		in.RiskLevel = models.RiskLevel(risk)
		in.CreatedAt = time.Unix(0, createdAt)
		out = append(out, in)
	}
	return out, rows.Err()
}

func (c *Client) InsertQueryRecord(ctx context.Context, record *models.QueryRecord) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO query_history (id, user_id, query_text, response, state, confidence, result_count, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.UserID, record.QueryText, record.Response, record.State, record.Confidence,
		record.ResultCount, record.LatencyMS, record.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert query record: %w", err)
	}

	for _, src := range record.Sources {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO query_sources (query_id, document_id, chunk_id, relevance) VALUES (?, ?, ?, ?)`,
			record.ID, src.DocumentID, src.ChunkID, src.Relevance,
		)
		if err != nil {
			return fmt.Errorf("failed to insert query source: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit query record: %w", err)
	}

	logger.Debug("Query recorded",
		zap.String("query_id", record.ID),
		zap.String("state", record.State),
		zap.Float64("confidence", record.Confidence),
	)
	return nil
}

func (c *Client) ListQueryHistory(ctx context.Context, userID string, limit int) ([]models.QueryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, user_id, query_text, COALESCE(response, ''), state, COALESCE(confidence, 0),
			COALESCE(result_count, 0), COALESCE(latency_ms, 0), created_at
		FROM query_history
		WHERE user_id = ?
		ORDER BY created_at DESC, id
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get query history: %w", err)
	}

	var records []models.QueryRecord
	for rows.Next() {
		var r models.QueryRecord
		var createdAt int64
		if err := rows.Scan(&r.ID, &r.UserID, &r.QueryText, &r.Response, &r.State, &r.Confidence,
			&r.ResultCount, &r.LatencyMS, &createdAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		r.CreatedAt = time.Unix(0, createdAt)
		records = append(records, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range records {
		if records[i].Sources, err = c.listQuerySources(ctx, records[i].ID); err != nil {
			return nil, err
		}
	}
	return records, nil
}

func (c *Client) listQuerySources(ctx context.Context, queryID string) ([]models.QuerySource, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, query_id, document_id, chunk_id, COALESCE(relevance, 0) FROM query_sources WHERE query_id = ? ORDER BY id`,
		queryID)
	if err != nil {
		return nil, fmt.Errorf("failed to get query sources: %w", err)
	}
	defer rows.Close()

	var sources []models.QuerySource
	for rows.Next() {
		var s models.QuerySource
		if err := rows.Scan(&s.ID, &s.QueryID, &s.DocumentID, &s.ChunkID, &s.Relevance); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		sources = append(sources, s)
	}
	return sources, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(s scanner) (*models.Document, error) {
	var (
		doc                   models.Document
		parties               sql.NullString
		uploadedAt, updatedAt int64
		startDate, expiryDate sql.NullInt64
		status, risk, state   string
		ingestErr, text       sql.NullString
	)
	err := s.Scan(&doc.ID, &doc.UserID, &doc.ContractName, &doc.Filename, &doc.SizeBytes, &doc.MIMEType,
		&parties, &uploadedAt, &updatedAt, &startDate, &expiryDate, &status, &risk, &state, &ingestErr, &text)
	if err != nil {
		return nil, err
	}

	if parties.Valid && parties.String != "" {
		if err := json.Unmarshal([]byte(parties.String), &doc.Parties); err != nil {
			return nil, fmt.Errorf("failed to decode parties: %w", err)
		}
	}
	doc.UploadedAt = time.Unix(0, uploadedAt)
	doc.UpdatedAt = time.Unix(0, updatedAt)
	doc.StartDate = timeFromNullable(startDate)
	doc.ExpiryDate = timeFromNullable(expiryDate)
	doc.Status = models.Status(status)
	doc.RiskLevel = models.RiskLevel(risk)
	doc.IngestionState = models.IngestionState(state)
	doc.IngestionError = ingestErr.String
	doc.Text = text.String
	return &doc, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func timeFromNullable(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64)
	return &t
}
