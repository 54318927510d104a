package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/contract-insights/backend/pkg/circuitbreaker"
	"github.com/contract-insights/backend/pkg/logger"
	"github.com/contract-insights/backend/pkg/retry"
)

const embeddingBatchSize = 100

type Config struct {
	APIKey              string
	BaseURL             string
	Model               string
	EmbeddingModel      string
	EmbeddingDimensions int
	Temperature         float32
	MaxTokens           int
	Timeout             time.Duration
}

type Client struct {
	client         *openai.Client
	model          string
	embeddingModel string
	dimensions     int
	temperature    float32
	maxTokens      int
	timeout        time.Duration
	completionCB   *circuitbreaker.CircuitBreaker
	embeddingCB    *circuitbreaker.CircuitBreaker
	retryConfig    retry.Config
}

type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
	MaxTokens    int
}

type CompletionResponse struct {
	Content string
	Usage   Usage
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Evidence is one retrieved passage offered to the model as grounding.
type Evidence struct {
	Label  string
	Source string
	Text   string
}

func NewClient(cfg Config) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	breaker := func(name string) *circuitbreaker.CircuitBreaker {
		return circuitbreaker.New(name, circuitbreaker.Config{
			MaxRequests:      5,
			Interval:         time.Minute,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Logger:           logger.GetLogger(),
		})
	}

	logger.Info("LLM client initialized",
		zap.String("model", cfg.Model),
		zap.String("embedding_model", cfg.EmbeddingModel),
		zap.Int("embedding_dimensions", cfg.EmbeddingDimensions),
	)

	return &Client{
		client:         openai.NewClientWithConfig(oc),
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
		dimensions:     cfg.EmbeddingDimensions,
		temperature:    cfg.Temperature,
		maxTokens:      cfg.MaxTokens,
		timeout:        cfg.Timeout,
		completionCB:   breaker("llm-completion"),
		embeddingCB:    breaker("llm-embedding"),
		retryConfig: retry.Config{
			MaxAttempts:    3,
			InitialDelay:   500 * time.Millisecond,
			MaxDelay:       5 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.1,
			Logger:         logger.GetLogger(),
		},
	}
}

func (c *Client) EmbeddingDimensions() int { return c.dimensions }

func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: req.UserPrompt},
	}

	var result *CompletionResponse

	err := c.completionCB.Execute(ctx, func(ctx context.Context) error {
		return retry.Do(ctx, c.retryConfig, func(ctx context.Context) error {
			resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
				Model:       c.model,
				Messages:    messages,
				Temperature: temperature,
				MaxTokens:   maxTokens,
			})
			if err != nil {
				return classify(fmt.Errorf("failed to create completion: %w", err))
			}
			if len(resp.Choices) == 0 {
				return retry.Permanent(errors.New("completion returned no choices"))
			}

			logger.Debug("LLM completion generated",
				zap.Int("prompt_tokens", resp.Usage.PromptTokens),
				zap.Int("completion_tokens", resp.Usage.CompletionTokens),
			)

			result = &CompletionResponse{
				Content: resp.Choices[0].Message.Content,
				Usage: Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				},
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// GenerateBatchEmbeddings embeds texts in provider-sized batches. It makes a
// single attempt per batch; callers own the retry policy.
func (c *Client) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	embeddings := make([][]float32, 0, len(texts))

	for i := 0; i < len(texts); i += embeddingBatchSize {
		end := min(i+embeddingBatchSize, len(texts))
		batch := texts[i:end]

		err := c.embeddingCB.Execute(ctx, func(ctx context.Context) error {
			resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
				Input:      batch,
				Model:      openai.EmbeddingModel(c.embeddingModel),
				Dimensions: c.dimensions,
			})
			if err != nil {
				return classify(fmt.Errorf("failed to generate batch embeddings: %w", err))
			}
			if len(resp.Data) != len(batch) {
				return fmt.Errorf("embedding provider returned %d vectors for %d inputs", len(resp.Data), len(batch))
			}

			sort.Slice(resp.Data, func(a, b int) bool { return resp.Data[a].Index < resp.Data[b].Index })
			for _, data := range resp.Data {
				embeddings = append(embeddings, data.Embedding)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	logger.Debug("Batch embeddings generated", zap.Int("count", len(embeddings)))

	return embeddings, nil
}

// GenerateGroundedAnswer asks the model to answer using only the supplied
// evidence and to cite it by label.
func (c *Client) GenerateGroundedAnswer(ctx context.Context, question string, evidence []Evidence) (string, error) {
	systemPrompt := `You answer questions about the user's contracts.

Rules:
1. Use ONLY the numbered evidence passages provided. Do not rely on outside knowledge.
2. Cite every statement with the passage label in square brackets, for example [1].
3. If the passages do not answer the question, reply exactly: INSUFFICIENT_EVIDENCE
4. Be concise: at most three sentences.`

	var sb strings.Builder
	for _, e := range evidence {
		fmt.Fprintf(&sb, "[%s] (%s)\n%s\n\n", e.Label, e.Source, e.Text)
	}

	userPrompt := fmt.Sprintf("Question: %s\n\nEvidence:\n%s", question, sb.String())

	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Temperature:  0.1,
		MaxTokens:    400,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate answer: %w", err)
	}

	answer := strings.TrimSpace(resp.Content)
	if answer == "" || strings.Contains(answer, "INSUFFICIENT_EVIDENCE") {
		return "", ErrInsufficientEvidence
	}

	logger.Info("Grounded answer generated",
		zap.Int("evidence", len(evidence)),
		zap.Int("answer_length", len(answer)),
	)
	return answer, nil
}

var ErrInsufficientEvidence = errors.New("model found the evidence insufficient")

// classify marks client errors other than rate limiting as permanent.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && isPermanentStatus(apiErr.HTTPStatusCode) {
		return retry.Permanent(err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && isPermanentStatus(reqErr.HTTPStatusCode) {
		return retry.Permanent(err)
	}
	return err
}

func isPermanentStatus(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusTooManyRequests && code != http.StatusRequestTimeout
}
