package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/contract-insights/backend/internal/contracts"
	"github.com/contract-insights/backend/internal/embedding"
	"github.com/contract-insights/backend/internal/evaluation"
	"github.com/contract-insights/backend/internal/llm"
	"github.com/contract-insights/backend/internal/storage/sqlite"
	"github.com/contract-insights/backend/internal/vector/memory"
	"github.com/contract-insights/backend/pkg/config"
	appLogger "github.com/contract-insights/backend/pkg/logger"
)

var (
	evalJSON     bool
	evalTopK     int
	evalMinScore float64
)

var rootCmd = &cobra.Command{
	Use:   "evaluate [dataset.json]",
	Short: "Measure retrieval quality on a labelled question set",
	Long: `Ingests the dataset's contracts into a scratch store, asks every question
and reports hit rate, MRR and no-evidence precision.`,
	Args:          cobra.ExactArgs(1),
	RunE:          runEvaluate,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Flags().BoolVar(&evalJSON, "json", false, "output the report as JSON")
	rootCmd.Flags().IntVarP(&evalTopK, "top-k", "k", 0, "citations per answer (default from config)")
	rootCmd.Flags().Float64Var(&evalMinScore, "min-relevance", 0, "relevance floor (default from config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := appLogger.Init(cfg.Logging.Level, "console", "stderr"); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Sync()

	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read dataset: %w", err)
	}
	dataset, err := evaluation.LoadDatasetFromJSON(raw)
	if err != nil {
		return err
	}
	if err := loadDocuments(filepath.Dir(args[0]), dataset); err != nil {
		return err
	}

	scratch, err := os.MkdirTemp("", "contract-eval-*")
	if err != nil {
		return fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	ctx := context.Background()
	repo, err := sqlite.NewClient(filepath.Join(scratch, "eval.db"))
	if err != nil {
		return fmt.Errorf("failed to create scratch store: %w", err)
	}
	defer repo.Close()
	if err := repo.InitSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	var embedder embedding.Embedder = embedding.NewLexiconEmbedder(cfg.Embedding.Dimension)
	if cfg.Embedding.Provider == "openai" {
		client := llm.NewClient(llm.Config{
			APIKey:              cfg.LLM.APIKey,
			BaseURL:             cfg.LLM.BaseURL,
			EmbeddingModel:      cfg.Embedding.Model,
			EmbeddingDimensions: cfg.Embedding.Dimension,
			Timeout:             time.Duration(cfg.LLM.TimeoutSec) * time.Second,
		})
		embedder = embedding.NewOpenAIEmbedder(client, cfg.Embedding.Model, cfg.Embedding.Dimension)
	}

	topK, minScore := cfg.Retrieval.TopK, cfg.Retrieval.MinRelevance
	if evalTopK > 0 {
		topK = evalTopK
	}
	if cmd.Flags().Changed("min-relevance") {
		minScore = evalMinScore
	}

	svc := contracts.New(contracts.Deps{
		Repo:     repo,
		Index:    memory.New(embedder.Dimension()),
		Embedder: embedder,
	}, contracts.Config{
		MaxBytes:            cfg.Ingestion.MaxBytes,
		ChunkTokens:         cfg.Ingestion.ChunkTokens,
		OverlapRatio:        cfg.Ingestion.OverlapRatio,
		Workers:             cfg.Ingestion.Workers,
		BatchSize:           cfg.Embedding.BatchSize,
		TopK:                topK,
		CandidateMultiplier: cfg.Retrieval.CandidateMultiplier,
		MinRelevance:        minScore,
		MaxSentences:        cfg.Answer.MaxSentences,
	})
	defer svc.Close()

	report, err := evaluation.NewEvaluator(svc).Run(ctx, dataset)
	if err != nil {
		return fmt.Errorf("evaluation failed: %w", err)
	}

	if evalJSON {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal report: %w", err)
		}
		cmd.Println(string(data))
		return nil
	}

	cmd.Println(evaluation.GenerateReport(report))
	for _, item := range report.Items {
		if !item.Correct {
			cmd.Printf("MISS [%s] %q state=%s top=%.2f\n", item.Category, item.Question, item.State, item.TopScore)
		}
	}
	return nil
}

// loadDocuments reads documents given by path, relative to the dataset file,
// and sniffs their type when the dataset leaves it out.
func loadDocuments(base string, dataset *evaluation.Dataset) error {
	for i := range dataset.Documents {
		doc := &dataset.Documents[i]
		if doc.Path != "" {
			path := doc.Path
			if !filepath.IsAbs(path) {
				path = filepath.Join(base, path)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", doc.Path, err)
			}
			doc.Data = data
			if doc.Filename == "" {
				doc.Filename = filepath.Base(path)
			}
		}
		if doc.MIMEType == "" {
			if doc.Data != nil {
				doc.MIMEType = mimetype.Detect(doc.Data).String()
			} else {
				doc.MIMEType = "text/plain"
			}
		}
		appLogger.Debug("Loaded evaluation document",
			zap.String("filename", doc.Filename),
			zap.String("mime_type", doc.MIMEType))
	}
	return nil
}
