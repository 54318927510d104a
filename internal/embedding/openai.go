package embedding

import (
	"context"

	"github.com/contract-insights/backend/internal/llm"
)

// OpenAIEmbedder delegates to the provider through the llm client, which
// applies the circuit breaker. Retries are left to the caller.
type OpenAIEmbedder struct {
	client *llm.Client
	model  string
	dim    int
}

func NewOpenAIEmbedder(client *llm.Client, model string, dim int) *OpenAIEmbedder {
	return &OpenAIEmbedder{client: client, model: model, dim: dim}
}

func (o *OpenAIEmbedder) Name() string   { return o.model }
func (o *OpenAIEmbedder) Dimension() int { return o.dim }

func (o *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return o.client.GenerateBatchEmbeddings(ctx, texts)
}
