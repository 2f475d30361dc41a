package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rattsbas/aegis/internal/cache"
	"github.com/rattsbas/aegis/internal/config"
	"github.com/rattsbas/aegis/internal/embedclient"
	"github.com/rattsbas/aegis/internal/lexical"
	"github.com/rattsbas/aegis/internal/llmclient"
	"github.com/rattsbas/aegis/internal/middleware"
	"github.com/rattsbas/aegis/internal/router"
	"github.com/rattsbas/aegis/internal/service"
	"github.com/rattsbas/aegis/internal/vectorstore"
)

// Version is stamped at build time in production images; the default here
// only matters for local runs.
const Version = "0.1.0"

func buildOrchestrator(cfg *config.Config, pool *pgxpool.Pool, lex *lexical.Index, embedder service.Embedder, lm *llmclient.Client) *service.Orchestrator {
	retriever := service.NewRetriever(
		embedder,
		vectorstore.New(pool, cfg.ExpectedEmbeddingDim),
		lex,
		service.NewQueryRewriterService(),
		service.NewQueryExpanderService(),
		service.RetrieverConfig{
			SearchTimeout:       time.Duration(cfg.SearchTimeoutSeconds) * time.Second,
			SimilarityThreshold: cfg.RAGSimilarityThreshold,
			RRFK:                cfg.RRFK,
			VariantFanoutLimit:  cfg.VariantFanoutLimit,
			MaxEscalationSteps:  cfg.MaxEscalationSteps,
		},
	)

	var grader *service.Grader
	if cfg.CRAGEnabled {
		grader = service.NewGrader(lm, service.GraderConfig{
			Threshold:     cfg.CRAGGradeThreshold,
			MaxConcurrent: cfg.CRAGMaxConcurrentGrading,
			PerDocTimeout: time.Duration(cfg.CRAGGradeTimeoutSeconds) * time.Second,
		})
	}

	var critic *service.Critic
	if cfg.CriticReviseEnabled {
		critic = service.NewCritic(lm)
	}

	// No cross-encoder inference library is present in the retrieved example
	// pack (DESIGN.md: internal/service/reranker.go), so RerankingEnabled is
	// honored as a no-op until a CrossEncoderClient implementation exists.
	var reranker *service.Reranker

	fewShot := service.NewFewShotRetriever(embedder, vectorstore.New(pool, cfg.ExpectedEmbeddingDim), 2)

	return service.NewOrchestrator(
		retriever,
		grader,
		critic,
		service.NewGuardrail(),
		service.NewStructuredOutputValidator(),
		fewShot,
		service.NewPromptAssembler(),
		reranker,
		lm,
		service.OrchestratorConfig{
			Strategy:                strategyFor(cfg),
			RoutingEnabled:          cfg.EPREnabled,
			GradingEnabled:          cfg.CRAGEnabled,
			SelfReflectionEnabled:   cfg.CRAGEnableSelfReflection,
			StructuredOutputEnabled: cfg.StructuredOutputEnabled,
			CriticReviseEnabled:     cfg.CriticReviseEnabled,
			RerankingEnabled:        cfg.RerankingEnabled,
			GenConfig: service.ModeGenConfig{
				Evidence: genConfig(cfg.GenEvidence),
				Assist:   genConfig(cfg.GenAssist),
				Chat:     genConfig(cfg.GenChat),
			},
			MaxRetries: cfg.CriticMaxRevisions,
		},
	)
}

func genConfig(m config.ModeGenConfig) llmclient.GenConfig {
	return llmclient.GenConfig{
		Temperature: float32(m.Temperature),
		TopP:        float32(m.TopP),
		MaxTokens:   m.MaxTokens,
	}
}

func strategyFor(cfg *config.Config) service.Strategy {
	switch {
	case cfg.AdaptiveRetrievalEnabled:
		return service.StrategyAdaptive
	case cfg.ParallelSearchEnabled:
		return service.StrategyParallelV1
	default:
		return service.StrategyLegacy
	}
}

func getPort(cfg *config.Config) string {
	return fmt.Sprintf("%d", cfg.Port)
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("pgxpool: %w", err)
	}
	defer pool.Close()

	lex, err := lexical.Open(cfg.LexicalIndexPath)
	if err != nil {
		return fmt.Errorf("lexical.Open: %w", err)
	}
	defer lex.Close()

	embedBase := embedclient.New(cfg.EmbeddingBaseURL, cfg.EmbeddingAPIKey, cfg.EmbeddingModel, cfg.ExpectedEmbeddingDim)
	if err := embedBase.VerifyDimension(ctx); err != nil {
		return fmt.Errorf("embedclient: %w", err)
	}
	embedder := cache.NewCachedEmbedder(embedBase, cache.NewEmbeddingCache(cache.DefaultEmbeddingTTL()))

	lm := llmclient.New(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.ConstitutionalModel, cfg.ConstitutionalFallback)

	orch := buildOrchestrator(cfg, pool, lex, embedder, lm)
	queryCache := cache.New(5 * time.Minute)
	defer queryCache.Stop()

	reg := prometheus.NewRegistry()
	metrics := middleware.NewMetrics(reg)

	rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		MaxRequests: cfg.MaxConcurrentQueries * 4,
		Window:      time.Minute,
	})
	defer rateLimiter.Stop()

	mux := router.New(&router.Dependencies{
		DB:               pool,
		Version:          Version,
		FrontendURL:      cfg.FrontendURL,
		Orchestrator:     orch,
		QueryCache:       queryCache,
		Metrics:          metrics,
		MetricsReg:       reg,
		QueryRateLimiter: rateLimiter,
	})

	srv := &http.Server{
		Addr:         ":" + getPort(cfg),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 150 * time.Second, // covers the streaming-endpoint budget
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("aegis starting", "version", Version, "port", cfg.Port, "environment", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received signal, shutting down gracefully", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
