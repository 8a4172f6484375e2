// Package config loads runtime configuration from the environment.
// Defaults mirror the documented resource bounds: 10 model calls, 5 plans,
// batches of 10.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// AgentConfig bounds one classification run.
type AgentConfig struct {
	// MaxModelCalls caps classification LLM calls per run.
	MaxModelCalls int

	// MaxPlans caps planning attempts (initial plan + replans) per run.
	MaxPlans int

	// MaxBatch caps the number of conversations fetched per iteration.
	MaxBatch int

	// PlanParseRetries bounds retries on unparseable planner output.
	PlanParseRetries int

	// StreamChunkSize and StreamChunkDelay shape the X.delta cadence of
	// long-text events. The delay keeps the stream subscriber-friendly.
	StreamChunkSize  int
	StreamChunkDelay time.Duration
}

// LLMConfig configures the downstream completion provider.
type LLMConfig struct {
	// BaseURL overrides the provider endpoint (empty = provider default).
	BaseURL string

	// Model is the completion model identifier.
	Model string

	// Timeout bounds every completion call. A timeout is treated as a
	// retryable provider_server_error.
	Timeout time.Duration
}

// RetrievalConfig configures the agentic retrieval loop and its vector index.
type RetrievalConfig struct {
	QdrantHost string
	QdrantPort int
	QdrantTLS  bool
	APIKey     string

	MaxResults     int
	MaxIterations  int
	SeedStrategy   string
	SeedMultiplier int
}

// Config is the full server configuration.
type Config struct {
	HTTPPort  string
	Agent     AgentConfig
	LLM       LLMConfig
	Retrieval RetrievalConfig
}

// LoadFromEnv builds the configuration from environment variables,
// applying defaults for anything unset.
func LoadFromEnv() (*Config, error) {
	agent := AgentConfig{
		MaxModelCalls:    10,
		MaxPlans:         5,
		MaxBatch:         10,
		PlanParseRetries: 3,
		StreamChunkSize:  48,
		StreamChunkDelay: 20 * time.Millisecond,
	}
	var err error
	if agent.MaxModelCalls, err = intEnv("AGENT_MAX_MODEL_CALLS", agent.MaxModelCalls); err != nil {
		return nil, err
	}
	if agent.MaxPlans, err = intEnv("AGENT_MAX_PLANS", agent.MaxPlans); err != nil {
		return nil, err
	}
	if agent.MaxBatch, err = intEnv("AGENT_MAX_BATCH", agent.MaxBatch); err != nil {
		return nil, err
	}

	llmTimeout, err := durationEnv("LLM_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, err
	}

	retrieval := RetrievalConfig{
		QdrantHost:     getEnvOrDefault("QDRANT_HOST", "localhost"),
		QdrantTLS:      os.Getenv("QDRANT_TLS") == "true",
		APIKey:         os.Getenv("QDRANT_API_KEY"),
		SeedStrategy:   getEnvOrDefault("RETRIEVAL_SEED_STRATEGY", "wide"),
		SeedMultiplier: 3,
		MaxResults:     20,
		MaxIterations:  5,
	}
	if retrieval.QdrantPort, err = intEnv("QDRANT_PORT", 6334); err != nil {
		return nil, err
	}
	if retrieval.MaxResults, err = intEnv("RETRIEVAL_MAX_RESULTS", retrieval.MaxResults); err != nil {
		return nil, err
	}
	if retrieval.MaxIterations, err = intEnv("RETRIEVAL_MAX_ITERATIONS", retrieval.MaxIterations); err != nil {
		return nil, err
	}
	if retrieval.SeedMultiplier, err = intEnv("RETRIEVAL_SEED_MULTIPLIER", retrieval.SeedMultiplier); err != nil {
		return nil, err
	}

	return &Config{
		HTTPPort: getEnvOrDefault("HTTP_PORT", "8080"),
		Agent:    agent,
		LLM: LLMConfig{
			BaseURL: os.Getenv("LLM_BASE_URL"),
			Model:   getEnvOrDefault("LLM_MODEL", "gpt-4o-mini"),
			Timeout: llmTimeout,
		},
		Retrieval: retrieval,
	}, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func intEnv(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func durationEnv(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
