// Triage server: drives LLM classification runs over a conversation
// corpus, exposes them as SSE streams, and answers retrieval queries.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/convolab/triage/pkg/agent"
	"github.com/convolab/triage/pkg/api"
	"github.com/convolab/triage/pkg/checkpoint"
	"github.com/convolab/triage/pkg/config"
	"github.com/convolab/triage/pkg/conversations"
	"github.com/convolab/triage/pkg/database"
	"github.com/convolab/triage/pkg/llm"
	"github.com/convolab/triage/pkg/retrieval"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// Database (runs embedded migrations on connect)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// Stores and runtime
	checkpoints := checkpoint.NewStore(dbClient.DB())
	convStore := conversations.NewStore(dbClient.DB())
	brokerFactory := func(apiKey string) agent.Broker {
		return llm.NewBroker(cfg.LLM, apiKey)
	}
	runtime := agent.NewRuntime(cfg.Agent, checkpoints, convStore, brokerFactory)
	slog.Info("Agent runtime initialized",
		"max_model_calls", cfg.Agent.MaxModelCalls,
		"max_plans", cfg.Agent.MaxPlans,
		"max_batch", cfg.Agent.MaxBatch)

	// Retrieval loop. The retrieval endpoint is not per-run, so its broker
	// uses the service-level credential.
	serviceBroker := llm.NewBroker(cfg.LLM, os.Getenv("LLM_API_KEY"))
	searcher, err := retrieval.NewQdrantSearcher(cfg.Retrieval, serviceBroker)
	if err != nil {
		slog.Error("Failed to connect to Qdrant", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := searcher.Close(); err != nil {
			slog.Error("Error closing Qdrant client", "error", err)
		}
	}()
	loop := retrieval.NewLoop(searcher, serviceBroker)
	slog.Info("Retrieval loop initialized",
		"qdrant_host", cfg.Retrieval.QdrantHost,
		"qdrant_port", cfg.Retrieval.QdrantPort)

	// HTTP server
	server := api.NewServer(runtime, checkpoints, loop, dbClient)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	slog.Info("Shutdown complete")
}
