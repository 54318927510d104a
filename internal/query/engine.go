package query

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/contract-insights/backend/internal/apperr"
	"github.com/contract-insights/backend/internal/embedding"
	"github.com/contract-insights/backend/internal/retrieval"
	"github.com/contract-insights/backend/internal/storage/models"
	"github.com/contract-insights/backend/internal/synthesis"
	"github.com/contract-insights/backend/internal/vector"
	"github.com/contract-insights/backend/pkg/logger"
	"github.com/contract-insights/backend/pkg/retry"
)

type State string

const (
	StateReceived     State = "received"
	StateEmbedding    State = "embedding"
	StateRetrieving   State = "retrieving"
	StateSynthesizing State = "synthesizing"
	StateCompleted    State = "completed"
	StateNoEvidence   State = "no_evidence"
	StateFailed       State = "failed"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateNoEvidence || s == StateFailed
}

const (
	StageEmbedding  = "query_embedding"
	StageRetrieval  = "retrieval"
	DefaultCacheTTL = 10 * time.Minute
	maxQuestionLen  = 2000
)

type Result struct {
	ID         string               `json:"id"`
	Question   string               `json:"question"`
	State      State                `json:"state"`
	Answer     string               `json:"answer"`
	Citations  []synthesis.Citation `json:"citations"`
	Confidence float64              `json:"confidence"`
	Mode       string               `json:"mode"`
	LatencyMS  int                  `json:"latency_ms"`
	Cached     bool                 `json:"cached"`
}

// NoEvidence reports whether the engine found nothing relevant. Callers must
// branch on this rather than treat the message as an answer.
func (r *Result) NoEvidence() bool { return r.State == StateNoEvidence }

// AnswerCache memoises results per user, corpus generation and question.
type AnswerCache interface {
	Generation(ctx context.Context, userID string) (int64, error)
	GetAnswer(ctx context.Context, userID string, generation int64, question string, dst any) (bool, error)
	SetAnswer(ctx context.Context, userID string, generation int64, question string, answer any, ttl time.Duration) error
}

type History interface {
	InsertQueryRecord(ctx context.Context, record *models.QueryRecord) error
}

// Observer receives the outcome of every query. metrics.Recorder satisfies it.
type Observer interface {
	ObserveQuery(state string, d time.Duration, results int, topRelevance float64)
}

type nopObserver struct{}

func (nopObserver) ObserveQuery(string, time.Duration, int, float64) {}

type Deps struct {
	Embedder    embedding.Embedder
	Ranker      *retrieval.Ranker
	Synthesizer *synthesis.Synthesizer
	History     History
	Cache       AnswerCache
	CacheTTL    time.Duration
	Observer    Observer
	Retry       retry.Config
}

type Engine struct {
	embedder embedding.Embedder
	ranker   *retrieval.Ranker
	synth    *synthesis.Synthesizer
	history  History
	cache    AnswerCache
	cacheTTL time.Duration
	observer Observer
	retryCfg retry.Config
}

func NewEngine(deps Deps) *Engine {
	e := &Engine{
		embedder: embedding.Guard(deps.Embedder),
		ranker:   deps.Ranker,
		synth:    deps.Synthesizer,
		history:  deps.History,
		cache:    deps.Cache,
		cacheTTL: deps.CacheTTL,
		observer: deps.Observer,
		retryCfg: deps.Retry,
	}
	if e.synth == nil {
		e.synth = synthesis.New(synthesis.Config{}, nil)
	}
	if e.observer == nil {
		e.observer = nopObserver{}
	}
	if e.cacheTTL <= 0 {
		e.cacheTTL = DefaultCacheTTL
	}
	if e.retryCfg.Logger == nil {
		e.retryCfg.Logger = logger.GetLogger()
	}
	return e
}

// Ask answers question over the user's queryable contracts.
func (e *Engine) Ask(ctx context.Context, userID, question string) (*Result, error) {
	return e.AskWithProgress(ctx, userID, question, nil)
}

// AskWithProgress is Ask reporting every state transition to onState. On
// Failed the error carries the failing stage and no result is returned.
func (e *Engine) AskWithProgress(ctx context.Context, userID, question string, onState func(State)) (*Result, error) {
	start := time.Now()
	advance := func(s State) {
		if onState != nil {
			onState(s)
		}
	}

	question = strings.TrimSpace(question)
	if question == "" {
		return nil, apperr.Validation("Question must not be empty.")
	}
	if len(question) > maxQuestionLen {
		return nil, apperr.Validation("Question must be at most %d characters.", maxQuestionLen)
	}
	if userID == "" {
		return nil, apperr.Unauthorized("missing user")
	}

	res := &Result{ID: uuid.New().String(), Question: question, State: StateReceived}
	advance(StateReceived)

	generation, cacheable := e.generation(ctx, userID)
	if cacheable {
		var cached Result
		ok, err := e.cache.GetAnswer(ctx, userID, generation, question, &cached)
		if err != nil {
			logger.Warn("Answer cache read failed", zap.String("user_id", userID), zap.Error(err))
		} else if ok {
			cached.ID = res.ID
			cached.Cached = true
			cached.LatencyMS = int(time.Since(start).Milliseconds())
			advance(cached.State)
			e.observer.ObserveQuery(string(cached.State), time.Since(start), len(cached.Citations), cached.Confidence)
			e.finish(ctx, userID, &cached, start)
			return &cached, nil
		}
	}

	res.State = StateEmbedding
	advance(StateEmbedding)
	qvec, err := retry.DoWithResult(ctx, e.retryCfg, func(ctx context.Context) ([]float32, error) {
		v, err := embedding.EmbedOne(ctx, e.embedder, question)
		if apperr.Is(err, apperr.KindSchema) {
			return nil, retry.Permanent(err)
		}
		return v, err
	})
	if err != nil {
		return nil, e.fail(userID, StageEmbedding, err, start, advance)
	}

	res.State = StateRetrieving
	advance(StateRetrieving)
	cands, err := e.ranker.Rank(ctx, userID, qvec)
	if err != nil {
		return nil, e.fail(userID, StageRetrieval, err, start, advance)
	}

	res.State = StateSynthesizing
	advance(StateSynthesizing)
	ans := e.synth.Synthesize(ctx, question, cands)

	res.Answer = ans.Text
	res.Citations = ans.Citations
	res.Confidence = ans.Confidence
	res.Mode = ans.Mode
	res.State = StateCompleted
	if ans.Status == synthesis.StatusNoEvidence {
		res.State = StateNoEvidence
	}
	res.LatencyMS = int(time.Since(start).Milliseconds())
	advance(res.State)

	if cacheable {
		if err := e.cache.SetAnswer(ctx, userID, generation, question, res, e.cacheTTL); err != nil {
			logger.Warn("Answer cache write failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
	e.observer.ObserveQuery(string(res.State), time.Since(start), len(cands), topScore(cands))
	e.finish(ctx, userID, res, start)
	return res, nil
}

func (e *Engine) generation(ctx context.Context, userID string) (int64, bool) {
	if e.cache == nil {
		return 0, false
	}
	gen, err := e.cache.Generation(ctx, userID)
	if err != nil {
		logger.Warn("Answer cache unavailable", zap.String("user_id", userID), zap.Error(err))
		return 0, false
	}
	return gen, true
}

func (e *Engine) fail(userID, stage string, err error, start time.Time, advance func(State)) error {
	advance(StateFailed)
	e.observer.ObserveQuery(string(StateFailed), time.Since(start), 0, 0)
	logger.Error("Query failed",
		zap.String("user_id", userID),
		zap.String("stage", stage),
		zap.Error(err),
	)
	return apperr.WithStage(stage, err)
}

// finish records the query in history. Failures are logged, never returned.
func (e *Engine) finish(ctx context.Context, userID string, res *Result, start time.Time) {
	logger.Info("Query processed",
		zap.String("query_id", res.ID),
		zap.String("state", string(res.State)),
		zap.Int("citations", len(res.Citations)),
		zap.Float64("confidence", res.Confidence),
		zap.Bool("cached", res.Cached),
		zap.Int("latency_ms", res.LatencyMS),
	)
	if e.history == nil {
		return
	}

	record := &models.QueryRecord{
		ID:          res.ID,
		UserID:      userID,
		QueryText:   res.Question,
		Response:    res.Answer,
		State:       string(res.State),
		Confidence:  res.Confidence,
		ResultCount: len(res.Citations),
		LatencyMS:   res.LatencyMS,
		CreatedAt:   start,
	}
	for _, c := range res.Citations {
		record.Sources = append(record.Sources, models.QuerySource{
			QueryID:    res.ID,
			DocumentID: c.DocumentID,
			ChunkID:    c.ChunkID,
			Relevance:  c.Relevance,
		})
	}
	if err := e.history.InsertQueryRecord(context.WithoutCancel(ctx), record); err != nil {
		logger.Warn("Failed to record query history", zap.String("query_id", res.ID), zap.Error(err))
	}
}

func topScore(cands []vector.Candidate) float64 {
	if len(cands) == 0 {
		return 0
	}
	return cands[0].Score
}
