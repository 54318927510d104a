// Package storage defines the persistence contract shared by the relational backends.
package storage

import (
	"context"

	"github.com/contract-insights/backend/internal/storage/models"
)

// Repository is the key-based CRUD surface the engine needs. GetDocument and
// DeleteDocument return an apperr not-found error for unknown ids.
//
// Insight writes recompute the owning document's risk level in the same
// transaction, so a document's risk is never set independently of its insights.
type Repository interface {
	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	ListDocuments(ctx context.Context, userID string, filter models.DocumentFilter) ([]models.Document, error)
	DeleteDocument(ctx context.Context, id string) error
	UpdateDocumentState(ctx context.Context, id string, state models.IngestionState, ingestErr string) error
	UpdateDocumentAnalysis(ctx context.Context, doc *models.Document) error

	ReplaceChunks(ctx context.Context, documentID string, chunks []models.Chunk) error
	DeleteChunks(ctx context.Context, documentID string) error
	ListChunks(ctx context.Context, documentID string) ([]models.Chunk, error)
	ListQueryableChunks(ctx context.Context) ([]models.OwnedChunk, error)

	ReplaceInsights(ctx context.Context, documentID string, insights []models.Insight) (models.RiskLevel, error)
	AddInsight(ctx context.Context, insight *models.Insight) (models.RiskLevel, error)
	ListInsights(ctx context.Context, documentID string) ([]models.Insight, error)
	ListInsightsByUser(ctx context.Context, userID string, limit int) ([]models.Insight, error)

	InsertQueryRecord(ctx context.Context, record *models.QueryRecord) error
	ListQueryHistory(ctx context.Context, userID string, limit int) ([]models.QueryRecord, error)

	Ping(ctx context.Context) error
	Close() error
}
