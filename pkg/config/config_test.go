package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, int64(10*1024*1024), cfg.Ingestion.MaxBytes)
	assert.Equal(t, 500, cfg.Ingestion.ChunkTokens)
	assert.InDelta(t, 0.15, cfg.Ingestion.OverlapRatio, 1e-9)
	assert.Equal(t, 3, cfg.Ingestion.RetryAttempts)
	assert.Equal(t, 5, cfg.Retrieval.TopK)
	assert.InDelta(t, 0.5, cfg.Retrieval.MinRelevance, 1e-9)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "memory", cfg.Vector.Backend)
	assert.Equal(t, "lexicon", cfg.Embedding.Provider)
	assert.Equal(t, "X-User-ID", cfg.Auth.Header)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown storage", func(c *Config) { c.Storage.Driver = "mysql" }, "storage.driver"},
		{"pgvector without postgres", func(c *Config) { c.Vector.Backend = "pgvector" }, "requires storage.driver postgres"},
		{"zero topK", func(c *Config) { c.Retrieval.TopK = 0 }, "retrieval.topK"},
		{"overlap too large", func(c *Config) { c.Ingestion.OverlapRatio = 0.6 }, "overlapRatio"},
		{"relevance above one", func(c *Config) { c.Retrieval.MinRelevance = 1.5 }, "minRelevance"},
		{"jwt without secret", func(c *Config) { c.Auth.Mode = "jwt" }, "jwtSecret"},
		{"unknown answer mode", func(c *Config) { c.Answer.Mode = "guess" }, "answer.mode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("CONTRACT_INSIGHTS_RETRIEVAL_TOPK", "3")
	t.Setenv("CONTRACT_INSIGHTS_LOGGING_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Retrieval.TopK)
	assert.Equal(t, "debug", cfg.Logging.Level)
}
