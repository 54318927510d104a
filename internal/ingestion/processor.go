package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/contract-insights/backend/internal/apperr"
	"github.com/contract-insights/backend/internal/embedding"
	"github.com/contract-insights/backend/internal/insights"
	"github.com/contract-insights/backend/internal/storage"
	"github.com/contract-insights/backend/internal/storage/models"
	"github.com/contract-insights/backend/internal/vector"
	"github.com/contract-insights/backend/pkg/logger"
	"github.com/contract-insights/backend/pkg/retry"
)

const (
	StageChunking    = "chunking"
	StageEmbedding   = "embedding"
	StageIndexing    = "indexing"
	StageClassifying = "classifying"

	DefaultBatchSize    = 32
	DefaultStageTimeout = 60 * time.Second

	cleanupTimeout = 30 * time.Second
)

var chunkNamespace = uuid.MustParse("5b0e6f0c-3f1d-4c56-9a43-2f7c1a0d8e11")

// ChunkID is stable for a (document, index) pair so re-running the pipeline
// over the same text reproduces the same chunk identities.
func ChunkID(documentID string, index int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(fmt.Sprintf("%s/%d", documentID, index))).String()
}

// Observer receives pipeline outcomes. metrics.Recorder satisfies it.
type Observer interface {
	ObserveIngestion(result, stage string, d time.Duration, chunks int)
	ObserveEmbeddingRetry()
}

type nopObserver struct{}

func (nopObserver) ObserveIngestion(string, string, time.Duration, int) {}
func (nopObserver) ObserveEmbeddingRetry()                              {}

type Deps struct {
	Repo       storage.Repository
	Index      vector.Index
	Embedder   embedding.Embedder
	Classifier *insights.Classifier
	Chunker    *Chunker
	Tracker    *Tracker
	Locks      *KeyedMutex
	// Limiter paces embedding batches across every running pipeline. Nil means unlimited.
	Limiter  *rate.Limiter
	Observer Observer
	// OnCorpusChange runs whenever the set of a user's queryable chunks changes.
	OnCorpusChange func(ctx context.Context, userID string)
}

type Config struct {
	BatchSize    int
	StageTimeout time.Duration
	Retry        retry.Config
}

// Processor runs the ingestion pipeline for one document at a time per
// document ID. Stages run strictly in order:
// chunking, embedding, indexing, indexed, classifying, ready.
type Processor struct {
	repo           storage.Repository
	index          vector.Index
	embedder       embedding.Embedder
	classifier     *insights.Classifier
	chunker        *Chunker
	tracker        *Tracker
	locks          *KeyedMutex
	limiter        *rate.Limiter
	observer       Observer
	onCorpusChange func(ctx context.Context, userID string)

	batchSize    int
	stageTimeout time.Duration
	retryCfg     retry.Config
	now          func() time.Time
}

func NewProcessor(deps Deps, cfg Config) *Processor {
	p := &Processor{
		repo:           deps.Repo,
		index:          deps.Index,
		embedder:       embedding.Guard(deps.Embedder),
		classifier:     deps.Classifier,
		chunker:        deps.Chunker,
		tracker:        deps.Tracker,
		locks:          deps.Locks,
		limiter:        deps.Limiter,
		observer:       deps.Observer,
		onCorpusChange: deps.OnCorpusChange,
		batchSize:      cfg.BatchSize,
		stageTimeout:   cfg.StageTimeout,
		retryCfg:       cfg.Retry,
		now:            time.Now,
	}
	if p.classifier == nil {
		p.classifier = insights.NewClassifier()
	}
	if p.chunker == nil {
		p.chunker = NewChunker(DefaultChunkTokens, DefaultOverlapRatio)
	}
	if p.tracker == nil {
		p.tracker = NewTracker()
	}
	if p.locks == nil {
		p.locks = NewKeyedMutex()
	}
	if p.observer == nil {
		p.observer = nopObserver{}
	}
	if p.onCorpusChange == nil {
		p.onCorpusChange = func(context.Context, string) {}
	}
	if p.batchSize <= 0 {
		p.batchSize = DefaultBatchSize
	}
	if p.stageTimeout <= 0 {
		p.stageTimeout = DefaultStageTimeout
	}
	if p.retryCfg.Logger == nil {
		p.retryCfg.Logger = logger.GetLogger()
	}
	return p
}

func (p *Processor) Tracker() *Tracker   { return p.tracker }
func (p *Processor) Locks() *KeyedMutex  { return p.locks }
func (p *Processor) Index() vector.Index { return p.index }

// Process runs the full pipeline over an already persisted document. pages is
// the extracted text; a nil pages replays doc.Text. Any failure leaves the
// document failed with no chunks or vectors.
func (p *Processor) Process(ctx context.Context, doc *models.Document, pages []Page) error {
	start := p.now()
	if pages == nil {
		pages = SplitPages(doc.Text)
	} else if doc.Text == "" {
		doc.Text = JoinPages(pages)
	}

	unlock, err := p.locks.Lock(ctx, doc.ID)
	if err != nil {
		// Another run owns the document; its state is not ours to touch.
		logger.Warn("Ingestion abandoned waiting for document lock",
			zap.String("doc_id", doc.ID),
			zap.Error(err),
		)
		return classify(StageChunking, err)
	}
	defer unlock()

	logger.Info("Ingestion started",
		zap.String("doc_id", doc.ID),
		zap.String("user_id", doc.UserID),
		zap.String("filename", doc.Filename),
	)

	chunks, err := p.chunk(ctx, doc, pages)
	if err != nil {
		return p.fail(ctx, doc, StageChunking, err, start)
	}
	if err := p.embed(ctx, doc, chunks); err != nil {
		return p.fail(ctx, doc, StageEmbedding, err, start)
	}
	if err := p.store(ctx, doc, chunks); err != nil {
		return p.fail(ctx, doc, StageIndexing, err, start)
	}
	if err := p.analyze(ctx, doc, chunks); err != nil {
		return p.fail(ctx, doc, StageClassifying, err, start)
	}

	elapsed := p.now().Sub(start)
	p.observer.ObserveIngestion(string(models.StateReady), "", elapsed, len(chunks))
	logger.Info("Ingestion completed",
		zap.String("doc_id", doc.ID),
		zap.Int("chunks", len(chunks)),
		zap.String("risk_level", string(doc.RiskLevel)),
		zap.Duration("duration", elapsed),
	)
	return nil
}

// Reanalyze re-runs classification over a document's stored chunks. A failure
// leaves the document queryable in the indexed state.
func (p *Processor) Reanalyze(ctx context.Context, doc *models.Document) error {
	unlock, err := p.locks.Lock(ctx, doc.ID)
	if err != nil {
		return err
	}
	defer unlock()

	if !doc.IngestionState.Queryable() {
		return apperr.Validation("Document %s is not indexed yet.", doc.ContractName)
	}
	chunks, err := p.repo.ListChunks(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("failed to load chunks: %w", err)
	}
	if err := p.analyze(ctx, doc, chunks); err != nil {
		if serr := p.setState(context.WithoutCancel(ctx), doc, models.StateIndexed, ""); serr != nil {
			logger.Error("Failed to restore document state", zap.String("doc_id", doc.ID), zap.Error(serr))
		}
		return classify(StageClassifying, err)
	}
	return nil
}

func (p *Processor) chunk(ctx context.Context, doc *models.Document, pages []Page) ([]models.Chunk, error) {
	if err := p.setState(ctx, doc, models.StateChunking, ""); err != nil {
		return nil, err
	}

	now := p.now()
	var chunks []models.Chunk
	for c := range p.chunker.Chunks(pages) {
		clause := p.classifier.ClauseType(c.Text)
		chunks = append(chunks, models.Chunk{
			ID:         ChunkID(doc.ID, c.Index),
			DocumentID: doc.ID,
			Index:      c.Index,
			Text:       c.Text,
			Page:       c.Page,
			Offset:     c.Offset,
			ClauseType: clause,
			Metadata: models.ChunkMetadata{
				ContractName: doc.ContractName,
				Page:         c.Page,
				ClauseType:   clause,
			},
			CreatedAt: now,
		})
	}
	if len(chunks) == 0 {
		return nil, apperr.Validation("No text could be extracted from %s.", doc.Filename)
	}

	p.tracker.Update(doc.ID, func(s *Status) { s.ChunksTotal = len(chunks) })
	logger.Debug("Document chunked", zap.String("doc_id", doc.ID), zap.Int("chunks", len(chunks)))
	return chunks, nil
}

// embed fills chunk embeddings batch by batch. Cancellation is honoured only
// between batches; a batch that has started runs to completion.
func (p *Processor) embed(ctx context.Context, doc *models.Document, chunks []models.Chunk) error {
	if err := p.setState(ctx, doc, models.StateEmbedding, ""); err != nil {
		return err
	}

	for start := 0; start < len(chunks); start += p.batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		end := min(start+p.batchSize, len(chunks))
		texts := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			texts = append(texts, c.Text)
		}

		vecs, err := p.embedBatch(ctx, doc.ID, texts)
		if err != nil {
			return err
		}
		for i, v := range vecs {
			chunks[start+i].Embedding = v
		}
		p.tracker.Update(doc.ID, func(s *Status) { s.ChunksEmbedded = end })
	}
	return nil
}

func (p *Processor) embedBatch(ctx context.Context, docID string, texts []string) ([][]float32, error) {
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.stageTimeout)
	defer cancel()

	cfg := p.retryCfg
	cfg.OnRetry = func(attempt int, err error) {
		p.observer.ObserveEmbeddingRetry()
		logger.Warn("Embedding batch failed",
			zap.String("doc_id", docID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	return retry.DoWithResult(bctx, cfg, func(ctx context.Context) ([][]float32, error) {
		vecs, err := p.embedder.Embed(ctx, texts)
		if apperr.Is(err, apperr.KindSchema) {
			return nil, retry.Permanent(err)
		}
		return vecs, err
	})
}

// store persists chunks, then swaps the document's vectors into the index.
// The document becomes queryable once both writes succeed.
func (p *Processor) store(ctx context.Context, doc *models.Document, chunks []models.Chunk) error {
	if err := p.setState(ctx, doc, models.StateIndexing, ""); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.stageTimeout)
	defer cancel()

	if err := retry.Do(wctx, p.retryCfg, func(ctx context.Context) error {
		return p.repo.ReplaceChunks(ctx, doc.ID, chunks)
	}); err != nil {
		return fmt.Errorf("failed to persist chunks: %w", err)
	}

	entries := make([]vector.Entry, len(chunks))
	for i, c := range chunks {
		entries[i] = vector.Entry{
			ChunkID:      c.ID,
			DocumentID:   doc.ID,
			ChunkIndex:   c.Index,
			Text:         c.Text,
			Page:         c.Page,
			ClauseType:   c.ClauseType,
			ContractName: doc.ContractName,
			UploadedAt:   doc.UploadedAt,
			Vector:       c.Embedding,
		}
	}
	if err := retry.Do(wctx, p.retryCfg, func(ctx context.Context) error {
		err := p.index.Upsert(ctx, doc.UserID, doc.ID, entries)
		if apperr.Is(err, apperr.KindSchema) {
			return retry.Permanent(err)
		}
		return err
	}); err != nil {
		return fmt.Errorf("failed to index vectors: %w", err)
	}

	if err := p.setState(wctx, doc, models.StateIndexed, ""); err != nil {
		return err
	}
	p.onCorpusChange(wctx, doc.UserID)
	return nil
}

// analyze classifies chunks, extracts contract metadata and stores insights.
func (p *Processor) analyze(ctx context.Context, doc *models.Document, chunks []models.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.setState(ctx, doc, models.StateClassifying, ""); err != nil {
		return err
	}

	found := p.classifier.Classify(doc.ID, chunks)
	now := p.now()
	for i := range found {
		found[i].CreatedAt = now
	}

	md := insights.ExtractMetadata(doc.Text)
	doc.Parties = md.Parties
	doc.StartDate = md.StartDate
	doc.ExpiryDate = md.ExpiryDate
	doc.Status = insights.LifecycleStatus(md.ExpiryDate, now)
	doc.UpdatedAt = now

	if err := p.repo.UpdateDocumentAnalysis(ctx, doc); err != nil {
		return fmt.Errorf("failed to store contract metadata: %w", err)
	}
	risk, err := p.repo.ReplaceInsights(ctx, doc.ID, found)
	if err != nil {
		return fmt.Errorf("failed to store insights: %w", err)
	}
	doc.RiskLevel = risk

	logger.Debug("Document classified",
		zap.String("doc_id", doc.ID),
		zap.Int("insights", len(found)),
		zap.String("risk_level", string(risk)),
	)
	return p.setState(ctx, doc, models.StateReady, "")
}

func (p *Processor) setState(ctx context.Context, doc *models.Document, state models.IngestionState, msg string) error {
	if err := p.repo.UpdateDocumentState(ctx, doc.ID, state, msg); err != nil {
		return fmt.Errorf("failed to update document state: %w", err)
	}
	doc.IngestionState = state
	doc.IngestionError = msg
	stage := string(state)
	if state == models.StateFailed {
		stage = ""
	}
	p.tracker.Update(doc.ID, func(s *Status) {
		s.UserID = doc.UserID
		s.State = state
		s.Error = msg
		if stage != "" {
			s.Stage = stage
		}
	})
	return nil
}

// fail removes whatever the failed run wrote and marks the document failed.
func (p *Processor) fail(ctx context.Context, doc *models.Document, stage string, cause error, started time.Time) error {
	err := classify(stage, cause)
	msg := apperr.UserMessage(err)

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if derr := p.index.DeleteDocument(cctx, doc.UserID, doc.ID); derr != nil {
		logger.Error("Failed to remove vectors of failed document", zap.String("doc_id", doc.ID), zap.Error(derr))
	}
	if derr := p.repo.DeleteChunks(cctx, doc.ID); derr != nil {
		logger.Error("Failed to remove chunks of failed document", zap.String("doc_id", doc.ID), zap.Error(derr))
	}
	if serr := p.setState(cctx, doc, models.StateFailed, msg); serr != nil {
		logger.Error("Failed to mark document failed", zap.String("doc_id", doc.ID), zap.Error(serr))
	}
	p.tracker.Update(doc.ID, func(s *Status) {
		s.UserID = doc.UserID
		s.State = models.StateFailed
		s.Error = msg
		s.Stage = stage
	})
	p.onCorpusChange(cctx, doc.UserID)

	p.observer.ObserveIngestion(string(models.StateFailed), stage, p.now().Sub(started), 0)
	logger.Error("Ingestion failed",
		zap.String("doc_id", doc.ID),
		zap.String("stage", stage),
		zap.Error(cause),
	)
	return err
}

// classify attaches the stage to classified errors and turns anything else
// into an ingestion failure for that stage.
func classify(stage string, err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return apperr.WithStage(stage, err)
	}
	return apperr.IngestionFailed(stage, err)
}
