package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/contract-insights/backend/internal/api"
	rediscache "github.com/contract-insights/backend/internal/cache/redis"
	"github.com/contract-insights/backend/internal/contracts"
	"github.com/contract-insights/backend/internal/embedding"
	"github.com/contract-insights/backend/internal/graph/neo4j"
	"github.com/contract-insights/backend/internal/llm"
	"github.com/contract-insights/backend/internal/metrics"
	"github.com/contract-insights/backend/internal/middleware/auth"
	"github.com/contract-insights/backend/internal/middleware/ratelimit"
	"github.com/contract-insights/backend/internal/middleware/validation"
	"github.com/contract-insights/backend/internal/storage"
	"github.com/contract-insights/backend/internal/storage/postgres"
	"github.com/contract-insights/backend/internal/storage/sqlite"
	"github.com/contract-insights/backend/internal/synthesis"
	"github.com/contract-insights/backend/internal/vector"
	"github.com/contract-insights/backend/internal/vector/memory"
	"github.com/contract-insights/backend/internal/vector/pgvector"
	"github.com/contract-insights/backend/internal/vector/zilliz"
	"github.com/contract-insights/backend/pkg/config"
	appLogger "github.com/contract-insights/backend/pkg/logger"
	"github.com/contract-insights/backend/pkg/retry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting contract insights API server",
		zap.String("storage", cfg.Storage.Driver),
		zap.String("vector", cfg.Vector.Backend),
		zap.String("embedding", cfg.Embedding.Provider),
		zap.String("answer_mode", cfg.Answer.Mode))

	metrics.Init()
	ctx := context.Background()

	repo, pool, closeRepo := openRepository(ctx, cfg)
	defer closeRepo()

	llmClient := llm.NewClient(llm.Config{
		APIKey:              cfg.LLM.APIKey,
		BaseURL:             cfg.LLM.BaseURL,
		Model:               cfg.LLM.Model,
		EmbeddingModel:      cfg.Embedding.Model,
		EmbeddingDimensions: cfg.Embedding.Dimension,
		Temperature:         cfg.LLM.Temperature,
		MaxTokens:           cfg.LLM.MaxTokens,
		Timeout:             time.Duration(cfg.LLM.TimeoutSec) * time.Second,
	})

	var embedder embedding.Embedder
	switch cfg.Embedding.Provider {
	case "openai":
		embedder = embedding.NewOpenAIEmbedder(llmClient, cfg.Embedding.Model, cfg.Embedding.Dimension)
	default:
		embedder = embedding.NewLexiconEmbedder(cfg.Embedding.Dimension)
	}

	var cache contracts.Cache
	if cfg.Redis.Enabled {
		redisClient, err := rediscache.NewClient(ctx, cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			appLogger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		cache = redisClient
		embedder = embedding.NewCachedEmbedder(embedder, redisClient,
			time.Duration(cfg.Embedding.CacheTTL)*time.Second, metrics.Recorder{})
	}

	index, closeIndex := openIndex(ctx, cfg, pool, embedder.Dimension())
	defer closeIndex()

	var projection contracts.Projection
	if cfg.Neo4j.Enabled {
		projector, err := neo4j.NewProjector(ctx, cfg.Neo4j.URI, cfg.Neo4j.Username, cfg.Neo4j.Password, cfg.Neo4j.Database)
		if err != nil {
			appLogger.Fatal("Failed to connect to Neo4j", zap.Error(err))
		}
		defer projector.Close(context.Background())
		projection = projector
	}

	var generator synthesis.Generator
	if cfg.Answer.Mode == synthesis.ModeLLM {
		generator = llmClient
	}

	svc := contracts.New(contracts.Deps{
		Repo:       repo,
		Index:      index,
		Embedder:   embedder,
		Generator:  generator,
		Cache:      cache,
		Projection: projection,
		Observer:   metrics.Recorder{},
	}, contracts.Config{
		MaxBytes:           cfg.Ingestion.MaxBytes,
		ChunkTokens:        cfg.Ingestion.ChunkTokens,
		OverlapRatio:       cfg.Ingestion.OverlapRatio,
		Workers:            cfg.Ingestion.Workers,
		EmbedRatePerSecond: cfg.Ingestion.EmbedRatePerSecond,
		EmbedBurst:         cfg.Ingestion.EmbedBurst,
		BatchSize:          cfg.Embedding.BatchSize,
		StageTimeout:       time.Duration(cfg.Ingestion.StageTimeoutSec) * time.Second,
		Retry: retry.Config{
			MaxAttempts:    cfg.Ingestion.RetryAttempts,
			InitialDelay:   time.Duration(cfg.Ingestion.RetryInitialMS) * time.Millisecond,
			MaxDelay:       5 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.1,
			Logger:         appLogger.GetLogger(),
		},
		TopK:                cfg.Retrieval.TopK,
		CandidateMultiplier: cfg.Retrieval.CandidateMultiplier,
		MinRelevance:        cfg.Retrieval.MinRelevance,
		MaxSentences:        cfg.Answer.MaxSentences,
		AnswerMode:          cfg.Answer.Mode,
		CacheTTL:            time.Duration(cfg.Answer.CacheTTL) * time.Second,
	})
	defer svc.Close()

	// The in-process index starts empty; refill it from the chunk store.
	if cfg.Vector.Backend == "memory" {
		restored, err := svc.RebuildIndex(ctx)
		if err != nil {
			appLogger.Warn("Index rebuild incomplete", zap.Error(err))
		}
		appLogger.Info("Vector index rebuilt", zap.Int("documents", restored))
	}

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Logger:               appLogger.GetLogger(),
	})
	defer limiter.Stop()

	app := api.NewApp(svc, api.Options{
		ReadTimeout:    time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:      cfg.Server.BodyLimit,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Development:    cfg.Server.Development,
		AccessLog:      true,
		Auth: auth.Config{
			Mode:      cfg.Auth.Mode,
			Header:    cfg.Auth.Header,
			JWTSecret: cfg.Auth.JWTSecret,
			JWTIssuer: cfg.Auth.JWTIssuer,
			Logger:    appLogger.GetLogger(),
		},
		Validation: validation.Config{
			MaxUploadBytes: cfg.Ingestion.MaxBytes,
			Logger:         appLogger.GetLogger(),
		},
		RateLimiter: limiter,
		Metrics:     metrics.MetricsHandler(),
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")

	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		appLogger.Error("Server forced to shutdown", zap.Error(err))
	}

	appLogger.Info("Server exited")
}

// openRepository returns the document store, plus the Postgres pool when the
// postgres driver is selected so pgvector can share it.
func openRepository(ctx context.Context, cfg *config.Config) (storage.Repository, *pgxpool.Pool, func()) {
	switch cfg.Storage.Driver {
	case "postgres":
		client, err := postgres.NewClient(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
		if err != nil {
			appLogger.Fatal("Failed to create Postgres client", zap.Error(err))
		}
		if err := client.InitSchema(ctx); err != nil {
			appLogger.Fatal("Failed to initialize schema", zap.Error(err))
		}
		return client, client.Pool(), func() { client.Close() }
	default:
		client, err := sqlite.NewClient(cfg.SQLite.Path)
		if err != nil {
			appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
		}
		if err := client.InitSchema(ctx); err != nil {
			appLogger.Fatal("Failed to initialize schema", zap.Error(err))
		}
		return client, nil, func() { client.Close() }
	}
}

func openIndex(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, dim int) (vector.Index, func()) {
	switch cfg.Vector.Backend {
	case "zilliz":
		client, err := zilliz.NewClient(ctx, cfg.Zilliz.Endpoint, cfg.Zilliz.APIKey, cfg.Zilliz.CollectionName, dim)
		if err != nil {
			appLogger.Fatal("Failed to create Zilliz client", zap.Error(err))
		}
		if err := client.CreateCollection(ctx); err != nil {
			appLogger.Fatal("Failed to create collection", zap.Error(err))
		}
		return client, func() { client.Close() }
	case "pgvector":
		if pool == nil {
			appLogger.Fatal("pgvector requires the postgres storage driver")
		}
		index := pgvector.New(pool, dim)
		if err := index.InitSchema(ctx); err != nil {
			appLogger.Fatal("Failed to initialize pgvector schema", zap.Error(err))
		}
		return index, func() {}
	default:
		return memory.New(dim), func() {}
	}
}
