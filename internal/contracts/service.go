// Package contracts is the engine's public surface: ingesting contracts,
// answering questions over them and reading back their insights.
package contracts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/contract-insights/backend/internal/apperr"
	"github.com/contract-insights/backend/internal/embedding"
	"github.com/contract-insights/backend/internal/ingestion"
	"github.com/contract-insights/backend/internal/insights"
	"github.com/contract-insights/backend/internal/query"
	"github.com/contract-insights/backend/internal/retrieval"
	"github.com/contract-insights/backend/internal/storage"
	"github.com/contract-insights/backend/internal/storage/models"
	"github.com/contract-insights/backend/internal/synthesis"
	"github.com/contract-insights/backend/internal/vector"
	"github.com/contract-insights/backend/pkg/logger"
	"github.com/contract-insights/backend/pkg/retry"
)

const (
	expiringWindow   = 90 * 24 * time.Hour
	defaultListLimit = 50
)

// Upload is one file received from a client.
type Upload struct {
	Filename string
	MIMEType string
	Data     []byte
}

// IngestOutcome reports one upload of a batch. DocumentID is empty when the
// upload was rejected before a record was created.
type IngestOutcome struct {
	Filename   string `json:"filename"`
	DocumentID string `json:"document_id,omitempty"`
	Err        error  `json:"-"`
}

// Cache is the answer cache plus the per-user corpus generation that
// invalidates it. cache/redis.Client satisfies it.
type Cache interface {
	query.AnswerCache
	BumpGeneration(ctx context.Context, userID string) (int64, error)
}

// Projection mirrors analysed contracts elsewhere. graph/neo4j.Projector
// satisfies it.
type Projection interface {
	Project(ctx context.Context, doc *models.Document, found []models.Insight) error
	Remove(ctx context.Context, userID, documentID string) error
}

// Observer is every metric the service reports. metrics.Recorder satisfies it.
type Observer interface {
	ingestion.Observer
	query.Observer
	ObserveProjectionError()
}

type nopObserver struct{}

func (nopObserver) ObserveIngestion(string, string, time.Duration, int) {}
func (nopObserver) ObserveEmbeddingRetry()                              {}
func (nopObserver) ObserveQuery(string, time.Duration, int, float64)    {}
func (nopObserver) ObserveProjectionError()                             {}

type Deps struct {
	Repo     storage.Repository
	Index    vector.Index
	Embedder embedding.Embedder
	// Generator enables LLM answers when Config.AnswerMode is "llm".
	Generator  synthesis.Generator
	Cache      Cache
	Projection Projection
	Observer   Observer
}

type Config struct {
	MaxBytes     int64
	ChunkTokens  int
	OverlapRatio float64
	Workers      int
	// EmbedRatePerSecond paces embedding batches across all pipelines; zero
	// disables pacing.
	EmbedRatePerSecond float64
	EmbedBurst         int
	BatchSize          int
	StageTimeout       time.Duration
	Retry              retry.Config

	TopK                int
	CandidateMultiplier int
	MinRelevance        float64
	MaxSentences        int
	AnswerMode          string
	CacheTTL            time.Duration
}

type Service struct {
	repo       storage.Repository
	index      vector.Index
	validator  *ingestion.Validator
	processor  *ingestion.Processor
	pool       *ingestion.Pool
	engine     *query.Engine
	cache      Cache
	projection Projection
	observer   Observer
	now        func() time.Time

	bg     context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	closed sync.Once
}

func New(deps Deps, cfg Config) *Service {
	s := &Service{
		repo:       deps.Repo,
		index:      deps.Index,
		validator:  ingestion.NewValidator(cfg.MaxBytes),
		pool:       ingestion.NewPool(cfg.Workers),
		cache:      deps.Cache,
		projection: deps.Projection,
		observer:   deps.Observer,
		now:        time.Now,
	}
	if s.observer == nil {
		s.observer = nopObserver{}
	}
	s.bg, s.stop = context.WithCancel(context.Background())

	var limiter *rate.Limiter
	if cfg.EmbedRatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.EmbedRatePerSecond), max(cfg.EmbedBurst, 1))
	}

	s.processor = ingestion.NewProcessor(ingestion.Deps{
		Repo:           deps.Repo,
		Index:          deps.Index,
		Embedder:       deps.Embedder,
		Chunker:        ingestion.NewChunker(cfg.ChunkTokens, cfg.OverlapRatio),
		Limiter:        limiter,
		Observer:       s.observer,
		OnCorpusChange: s.corpusChanged,
	}, ingestion.Config{
		BatchSize:    cfg.BatchSize,
		StageTimeout: cfg.StageTimeout,
		Retry:        cfg.Retry,
	})

	var answers query.AnswerCache
	if deps.Cache != nil {
		answers = deps.Cache
	}
	s.engine = query.NewEngine(query.Deps{
		Embedder: deps.Embedder,
		Ranker: retrieval.NewRanker(deps.Index, deps.Repo, retrieval.Config{
			TopK:                cfg.TopK,
			CandidateMultiplier: cfg.CandidateMultiplier,
		}),
		Synthesizer: synthesis.New(synthesis.Config{
			MinRelevance: cfg.MinRelevance,
			MaxSentences: cfg.MaxSentences,
			Mode:         cfg.AnswerMode,
		}, deps.Generator),
		History:  deps.Repo,
		Cache:    answers,
		CacheTTL: cfg.CacheTTL,
		Observer: s.observer,
		Retry:    cfg.Retry,
	})
	return s
}

func (s *Service) MaxBytes() int64 { return s.validator.MaxBytes() }

// Close cancels background ingestions and waits for them to wind down.
func (s *Service) Close() {
	s.closed.Do(func() {
		s.stop()
		s.wg.Wait()
	})
}

// Ping reports whether the relational store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// Ingest validates, stores and indexes one contract and returns its document
// ID. Uploads rejected by validation create no record. When the pipeline
// fails the document is kept in the failed state and its ID is returned
// together with the error.
func (s *Service) Ingest(ctx context.Context, userID string, data []byte, mimeType, filename string) (string, error) {
	doc, pages, err := s.accept(ctx, userID, Upload{Filename: filename, MIMEType: mimeType, Data: data})
	if err != nil {
		return "", err
	}
	return doc.ID, s.run(ctx, doc, pages)
}

// IngestAsync accepts an upload and runs its pipeline in the background. The
// caller follows progress with Status or Watch.
func (s *Service) IngestAsync(ctx context.Context, userID string, up Upload) (string, error) {
	doc, pages, err := s.accept(ctx, userID, up)
	if err != nil {
		return "", err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// Errors are recorded on the document and in the tracker.
		_ = s.run(s.bg, doc, pages)
	}()
	return doc.ID, nil
}

// IngestBatch ingests uploads concurrently on the worker pool. Each upload
// runs its own pipeline; one failure never affects another.
func (s *Service) IngestBatch(ctx context.Context, userID string, uploads []Upload) []IngestOutcome {
	out := make([]IngestOutcome, len(uploads))
	for i, up := range uploads {
		out[i].Filename = up.Filename
	}

	errs := s.pool.Run(ctx, len(uploads), func(ctx context.Context, i int) error {
		id, err := s.Ingest(ctx, userID, uploads[i].Data, uploads[i].MIMEType, uploads[i].Filename)
		out[i].DocumentID = id
		return err
	})
	for i, err := range errs {
		out[i].Err = err
	}

	failed := 0
	for _, o := range out {
		if o.Err != nil {
			failed++
		}
	}
	logger.Info("Batch ingestion finished",
		zap.String("user_id", userID),
		zap.Int("documents", len(uploads)),
		zap.Int("failed", failed),
		zap.Int("workers", s.pool.Workers()),
	)
	return out
}

// accept validates and extracts an upload, then creates its document record.
func (s *Service) accept(ctx context.Context, userID string, up Upload) (*models.Document, []ingestion.Page, error) {
	if userID == "" {
		return nil, nil, apperr.Unauthorized("missing user")
	}
	mimeType, err := s.validator.Validate(up.Filename, up.MIMEType, up.Data)
	if err != nil {
		return nil, nil, err
	}
	pages, err := ingestion.Extract(mimeType, up.Data)
	if err != nil {
		return nil, nil, err
	}

	now := s.now().UTC()
	doc := &models.Document{
		ID:             uuid.New().String(),
		UserID:         userID,
		ContractName:   ingestion.ContractName(up.Filename),
		Filename:       up.Filename,
		SizeBytes:      int64(len(up.Data)),
		MIMEType:       mimeType,
		UploadedAt:     now,
		UpdatedAt:      now,
		Status:         models.StatusActive,
		RiskLevel:      models.RiskLow,
		IngestionState: models.StateReceived,
		Text:           ingestion.JoinPages(pages),
	}
	if err := s.repo.CreateDocument(ctx, doc); err != nil {
		return nil, nil, fmt.Errorf("failed to create document: %w", err)
	}
	s.processor.Tracker().Update(doc.ID, func(st *ingestion.Status) {
		st.UserID = userID
		st.State = models.StateReceived
	})

	logger.Info("Document accepted",
		zap.String("doc_id", doc.ID),
		zap.String("user_id", userID),
		zap.String("mime_type", mimeType),
		zap.Int64("size_bytes", doc.SizeBytes),
		zap.Int("pages", len(pages)),
	)
	return doc, pages, nil
}

func (s *Service) run(ctx context.Context, doc *models.Document, pages []ingestion.Page) error {
	if err := s.processor.Process(ctx, doc, pages); err != nil {
		return err
	}
	s.project(ctx, doc)
	return nil
}

// project is best effort: the projection never decides an ingestion outcome.
func (s *Service) project(ctx context.Context, doc *models.Document) {
	if s.projection == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	found, err := s.repo.ListInsights(ctx, doc.ID)
	if err == nil {
		err = s.projection.Project(ctx, doc, found)
	}
	if err != nil {
		s.observer.ObserveProjectionError()
		logger.Warn("Graph projection failed", zap.String("doc_id", doc.ID), zap.Error(err))
	}
}

func (s *Service) corpusChanged(ctx context.Context, userID string) {
	if s.cache == nil {
		return
	}
	if _, err := s.cache.BumpGeneration(ctx, userID); err != nil {
		logger.Warn("Failed to invalidate cached answers", zap.String("user_id", userID), zap.Error(err))
	}
}

// Query answers question from the user's queryable contracts.
func (s *Service) Query(ctx context.Context, userID, question string) (*query.Result, error) {
	return s.engine.Ask(ctx, userID, question)
}

// QueryWithProgress is Query reporting each state of the request.
func (s *Service) QueryWithProgress(ctx context.Context, userID, question string, onState func(query.State)) (*query.Result, error) {
	return s.engine.AskWithProgress(ctx, userID, question, onState)
}

// owned loads a document and hides other users' documents as not found.
func (s *Service) owned(ctx context.Context, userID, documentID string) (*models.Document, error) {
	doc, err := s.repo.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.UserID != userID {
		return nil, apperr.NotFound("document", documentID)
	}
	return doc, nil
}

func (s *Service) GetDocument(ctx context.Context, userID, documentID string) (*models.Document, error) {
	return s.owned(ctx, userID, documentID)
}

func (s *Service) ListDocuments(ctx context.Context, userID string, filter models.DocumentFilter) ([]models.Document, error) {
	docs, err := s.repo.ListDocuments(ctx, userID, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	if docs == nil {
		docs = []models.Document{}
	}
	return docs, nil
}

// GetInsights returns the document's insights, clause insights first.
func (s *Service) GetInsights(ctx context.Context, userID, documentID string) ([]models.Insight, error) {
	if _, err := s.owned(ctx, userID, documentID); err != nil {
		return nil, err
	}
	found, err := s.repo.ListInsights(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list insights: %w", err)
	}
	if found == nil {
		found = []models.Insight{}
	}
	return found, nil
}

func (s *Service) ListUserInsights(ctx context.Context, userID string, limit int) ([]models.Insight, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	found, err := s.repo.ListInsightsByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list insights: %w", err)
	}
	if found == nil {
		found = []models.Insight{}
	}
	return found, nil
}

func (s *Service) QueryHistory(ctx context.Context, userID string, limit int) ([]models.QueryRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	records, err := s.repo.ListQueryHistory(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list query history: %w", err)
	}
	if records == nil {
		records = []models.QueryRecord{}
	}
	return records, nil
}

// DeleteDocument removes a document with its chunks, vectors, insights and
// projection. It waits for any pipeline running on the document.
func (s *Service) DeleteDocument(ctx context.Context, userID, documentID string) error {
	doc, err := s.owned(ctx, userID, documentID)
	if err != nil {
		return err
	}

	unlock, err := s.processor.Locks().Lock(ctx, documentID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.index.DeleteDocument(ctx, userID, documentID); err != nil {
		return fmt.Errorf("failed to remove vectors: %w", err)
	}
	if err := s.repo.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	s.processor.Tracker().Forget(documentID)
	s.corpusChanged(ctx, userID)

	if s.projection != nil {
		if err := s.projection.Remove(context.WithoutCancel(ctx), userID, documentID); err != nil {
			s.observer.ObserveProjectionError()
			logger.Warn("Failed to remove graph projection", zap.String("doc_id", documentID), zap.Error(err))
		}
	}

	logger.Info("Document deleted",
		zap.String("doc_id", documentID),
		zap.String("user_id", userID),
		zap.String("contract_name", doc.ContractName),
	)
	return nil
}

// Reanalyze re-runs classification and metadata extraction over the stored
// chunks without re-embedding.
func (s *Service) Reanalyze(ctx context.Context, userID, documentID string) (*models.Document, error) {
	doc, err := s.owned(ctx, userID, documentID)
	if err != nil {
		return nil, err
	}
	if err := s.processor.Reanalyze(ctx, doc); err != nil {
		return nil, err
	}
	s.project(ctx, doc)
	return doc, nil
}

// Reindex replays the whole pipeline over the document's stored text, for
// example after the embedding model changed.
func (s *Service) Reindex(ctx context.Context, userID, documentID string) (*models.Document, error) {
	doc, err := s.owned(ctx, userID, documentID)
	if err != nil {
		return nil, err
	}
	if doc.Text == "" {
		return nil, apperr.Validation("Document %s has no stored text to reindex.", doc.ContractName)
	}
	if err := s.run(ctx, doc, nil); err != nil {
		return doc, err
	}
	return doc, nil
}

// Status returns the document's live pipeline status, or one derived from
// the stored record once the tracker no longer holds it.
func (s *Service) Status(ctx context.Context, userID, documentID string) (ingestion.Status, error) {
	doc, err := s.owned(ctx, userID, documentID)
	if err != nil {
		return ingestion.Status{}, err
	}
	if st, ok := s.processor.Tracker().Get(documentID); ok {
		return st, nil
	}
	return ingestion.Status{
		DocumentID: doc.ID,
		UserID:     doc.UserID,
		State:      doc.IngestionState,
		Error:      doc.IngestionError,
		UpdatedAt:  doc.UpdatedAt,
	}, nil
}

// Watch streams the document's status until the returned stop is called. The
// first value is the current status.
func (s *Service) Watch(ctx context.Context, userID, documentID string) (<-chan ingestion.Status, func(), error) {
	current, err := s.Status(ctx, userID, documentID)
	if err != nil {
		return nil, nil, err
	}
	tracker := s.processor.Tracker()
	if _, ok := tracker.Get(documentID); !ok {
		tracker.Update(documentID, func(st *ingestion.Status) { *st = current })
	}
	ch, stop := tracker.Subscribe(documentID)
	return ch, stop, nil
}

// Stats summarises the user's portfolio.
func (s *Service) Stats(ctx context.Context, userID string) (*models.Stats, error) {
	docs, err := s.repo.ListDocuments(ctx, userID, models.DocumentFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	return summarize(docs, s.now()), nil
}

func summarize(docs []models.Document, now time.Time) *models.Stats {
	st := &models.Stats{
		TotalContracts: len(docs),
		ByRisk:         map[models.RiskLevel]int{models.RiskLow: 0, models.RiskMedium: 0, models.RiskHigh: 0},
		ByState:        make(map[string]int),
	}

	var riskSum, rated int
	for _, d := range docs {
		st.ByState[string(d.IngestionState)]++
		st.StorageBytes += d.SizeBytes
		if d.RiskLevel.Valid() {
			st.ByRisk[d.RiskLevel]++
			riskSum += d.RiskLevel.Rank()
			rated++
		}
		if d.RiskLevel == models.RiskHigh {
			st.HighRisk++
		}
		switch status := insights.LifecycleStatus(d.ExpiryDate, now); {
		case status == models.StatusActive:
			st.ActiveContracts++
		case status == models.StatusExpired:
			st.Expired++
		case d.ExpiryDate != nil && d.ExpiryDate.Sub(now) <= expiringWindow:
			st.ExpiringSoon++
		}
	}
	if rated > 0 {
		st.AverageRiskScore = float64(int(float64(riskSum)/float64(rated)*100+0.5)) / 100
	}
	return st
}

// RebuildIndex loads every queryable chunk's stored embedding into the vector
// index. It is meant for in-process indexes at start-up and returns the
// number of documents restored.
func (s *Service) RebuildIndex(ctx context.Context) (int, error) {
	owned, err := s.repo.ListQueryableChunks(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load chunks: %w", err)
	}

	type key struct{ user, doc string }
	var (
		order   []key
		grouped = make(map[key][]vector.Entry)
	)
	for _, oc := range owned {
		if len(oc.Embedding) == 0 {
			continue
		}
		k := key{oc.UserID, oc.DocumentID}
		if _, ok := grouped[k]; !ok {
			order = append(order, k)
		}
		grouped[k] = append(grouped[k], vector.Entry{
			ChunkID:      oc.ID,
			DocumentID:   oc.DocumentID,
			ChunkIndex:   oc.Index,
			Text:         oc.Text,
			Page:         oc.Page,
			ClauseType:   oc.ClauseType,
			ContractName: oc.Metadata.ContractName,
			UploadedAt:   oc.UploadedAt,
			Vector:       oc.Embedding,
		})
	}

	var errs []error
	restored := 0
	for _, k := range order {
		if err := s.index.Upsert(ctx, k.user, k.doc, grouped[k]); err != nil {
			logger.Error("Failed to restore document vectors", zap.String("doc_id", k.doc), zap.Error(err))
			errs = append(errs, fmt.Errorf("document %s: %w", k.doc, err))
			continue
		}
		restored++
	}

	logger.Info("Vector index rebuilt",
		zap.Int("documents", restored),
		zap.Int("chunks", len(owned)),
	)
	return restored, errors.Join(errs...)
}
