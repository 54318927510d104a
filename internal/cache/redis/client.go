package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/contract-insights/backend/internal/storage"
	"github.com/contract-insights/backend/pkg/logger"
	"github.com/contract-insights/backend/pkg/utils"
)

type Client struct {
	client *redis.Client
}

func NewClient(ctx context.Context, host string, port int, password string, db int) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", addr))

	return &Client{client: client}, nil
}

// NewFromClient wraps an existing go-redis client.
func NewFromClient(client *redis.Client) *Client {
	return &Client{client: client}
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func embeddingKey(model, text string) string {
	return fmt.Sprintf("embedding:%s:%s", model, utils.HashString(text))
}

// GetEmbeddings looks up cached vectors for texts. The result has one slot per
// text; misses are nil.
func (c *Client) GetEmbeddings(ctx context.Context, model string, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	if len(texts) == 0 {
		return out, nil
	}

	keys := make([]string, len(texts))
	for i, t := range texts {
		keys[i] = embeddingKey(model, t)
	}

	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get embedding cache: %w", err)
	}

	hits := 0
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		vec, err := storage.DecodeVector([]byte(s))
		if err != nil {
			logger.Warn("Discarding corrupt cached embedding", zap.String("key", keys[i]), zap.Error(err))
			continue
		}
		out[i] = vec
		hits++
	}

	logger.Debug("Embedding cache lookup", zap.Int("requested", len(texts)), zap.Int("hits", hits))
	return out, nil
}

func (c *Client) SetEmbeddings(ctx context.Context, model string, texts []string, vecs [][]float32, ttl time.Duration) error {
	if len(texts) != len(vecs) {
		return fmt.Errorf("embedding cache: %d texts but %d vectors", len(texts), len(vecs))
	}
	if len(texts) == 0 {
		return nil
	}

	_, err := c.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, t := range texts {
			p.Set(ctx, embeddingKey(model, t), storage.EncodeVector(vecs[i]), ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set embedding cache: %w", err)
	}

	logger.Debug("Embeddings cached", zap.Int("count", len(texts)), zap.Duration("ttl", ttl))
	return nil
}

func generationKey(userID string) string {
	return "corpus:generation:" + userID
}

func answerKey(userID string, generation int64, question string) string {
	return fmt.Sprintf("answer:%s:%d:%s", userID, generation, utils.HashString(utils.NormalizeQuestion(question)))
}

// Generation returns the user's corpus generation. Every change to what the
// user can retrieve bumps it, which orphans previously cached answers.
func (c *Client) Generation(ctx context.Context, userID string) (int64, error) {
	gen, err := c.client.Get(ctx, generationKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get corpus generation: %w", err)
	}
	return gen, nil
}

func (c *Client) BumpGeneration(ctx context.Context, userID string) (int64, error) {
	gen, err := c.client.Incr(ctx, generationKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to bump corpus generation: %w", err)
	}
	logger.Debug("Corpus generation bumped", zap.String("user_id", userID), zap.Int64("generation", gen))
	return gen, nil
}

func (c *Client) SetAnswer(ctx context.Context, userID string, generation int64, question string, answer any, ttl time.Duration) error {
	data, err := json.Marshal(answer)
	if err != nil {
		return fmt.Errorf("failed to marshal answer: %w", err)
	}

	if err := c.client.Set(ctx, answerKey(userID, generation, question), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set answer cache: %w", err)
	}

	logger.Debug("Answer cached", zap.String("user_id", userID), zap.Int64("generation", generation), zap.Duration("ttl", ttl))
	return nil
}

// GetAnswer decodes a cached answer into dst and reports whether one was found.
func (c *Client) GetAnswer(ctx context.Context, userID string, generation int64, question string, dst any) (bool, error) {
	data, err := c.client.Get(ctx, answerKey(userID, generation, question)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get answer cache: %w", err)
	}

	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("failed to unmarshal answer: %w", err)
	}

	logger.Debug("Answer cache hit", zap.String("user_id", userID))
	return true, nil
}
