// Package config loads process configuration from the environment, exactly
// once at startup. It is immutable after Load() returns.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// ModeGenConfig is the per-mode generation knobs (temperature/top_p/max_tokens).
type ModeGenConfig struct {
	Temperature float64
	TopP        float64
	MaxTokens   int
}

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Port        int
	Environment string

	// Vector store (Postgres + pgvector)
	DatabaseURL string

	// Lexical index (bleve). Empty path means a transient in-memory index.
	LexicalIndexPath string

	// Embedding
	EmbeddingBaseURL     string
	EmbeddingAPIKey      string
	EmbeddingModel       string
	ExpectedEmbeddingDim int

	// Language model
	LLMBaseURL             string
	LLMAPIKey              string
	LLMTimeoutSeconds      int
	ConstitutionalModel    string
	ConstitutionalFallback string

	// Reranking
	RerankingModel   string
	RerankingEnabled bool

	// Per-mode generation config
	GenEvidence ModeGenConfig
	GenAssist   ModeGenConfig
	GenChat     ModeGenConfig

	// Retrieval
	SearchTimeoutSeconds   int
	ParallelSearchEnabled  bool
	MaxConcurrentQueries   int
	RAGSimilarityThreshold float64
	RRFK                   int
	VariantFanoutLimit     int

	// Adaptive escalation
	AdaptiveRetrievalEnabled bool
	MaxEscalationSteps       int

	// Structured output / critic
	StructuredOutputEnabled bool
	CriticReviseEnabled     bool
	CriticMaxRevisions      int

	// CRAG (grading + self-reflection)
	CRAGEnabled              bool
	CRAGGradeThreshold       float64
	CRAGMaxConcurrentGrading int
	CRAGGradeTimeoutSeconds  int
	CRAGEnableSelfReflection bool

	// EPR (intent-based two-pass routing)
	EPREnabled bool

	// Evaluation
	DeterministicEval bool

	FrontendURL string
	PromptsDir  string
}

// Load reads configuration from environment variables. Required variables
// cause a fatal error if missing; everything else has a documented default.
func Load() (*Config, error) {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return nil, fmt.Errorf("config.Load: DATABASE_URL is required")
	}

	llmBaseURL := os.Getenv("LLM_BASE_URL")
	if llmBaseURL == "" {
		return nil, fmt.Errorf("config.Load: LLM_BASE_URL is required")
	}

	cfg := &Config{
		Port:        envInt("PORT", 8080),
		Environment: envStr("ENVIRONMENT", "development"),

		DatabaseURL: databaseURL,

		LexicalIndexPath: envStr("LEXICAL_INDEX_PATH", ""),

		EmbeddingBaseURL:     envStr("EMBEDDING_BASE_URL", ""),
		EmbeddingAPIKey:      envStr("EMBEDDING_API_KEY", ""),
		EmbeddingModel:       envStr("EMBEDDING_MODEL", "text-embedding-3-large"),
		ExpectedEmbeddingDim: envInt("EXPECTED_EMBEDDING_DIM", 768),

		LLMBaseURL:             llmBaseURL,
		LLMAPIKey:              envStr("LLM_API_KEY", ""),
		LLMTimeoutSeconds:      envInt("LLM_TIMEOUT", 90),
		ConstitutionalModel:    envStr("CONSTITUTIONAL_MODEL", "gpt-4o"),
		ConstitutionalFallback: envStr("CONSTITUTIONAL_FALLBACK", "gpt-4o-mini"),

		RerankingModel:   envStr("RERANKING_MODEL", ""),
		RerankingEnabled: envBool("RERANKING_ENABLED", false),

		GenEvidence: ModeGenConfig{
			Temperature: envFloat("EVIDENCE_TEMPERATURE", 0.1),
			TopP:        envFloat("EVIDENCE_TOP_P", 0.9),
			MaxTokens:   envInt("EVIDENCE_MAX_TOKENS", 1200),
		},
		GenAssist: ModeGenConfig{
			Temperature: envFloat("ASSIST_TEMPERATURE", 0.3),
			TopP:        envFloat("ASSIST_TOP_P", 0.95),
			MaxTokens:   envInt("ASSIST_MAX_TOKENS", 1200),
		},
		GenChat: ModeGenConfig{
			Temperature: envFloat("CHAT_TEMPERATURE", 0.6),
			TopP:        envFloat("CHAT_TOP_P", 0.95),
			MaxTokens:   envInt("CHAT_MAX_TOKENS", 200),
		},

		SearchTimeoutSeconds:   envInt("SEARCH_TIMEOUT", 5),
		ParallelSearchEnabled:  envBool("PARALLEL_SEARCH_ENABLED", true),
		MaxConcurrentQueries:   envInt("MAX_CONCURRENT_QUERIES", 8),
		RAGSimilarityThreshold: envFloat("RAG_SIMILARITY_THRESHOLD", 0.5),
		RRFK:                   envInt("RRF_K", 60),
		VariantFanoutLimit:     envInt("VARIANT_FANOUT_LIMIT", 3),

		AdaptiveRetrievalEnabled: envBool("ADAPTIVE_RETRIEVAL_ENABLED", true),
		MaxEscalationSteps:       envInt("MAX_ESCALATION_STEPS", 4),

		StructuredOutputEnabled: envBool("STRUCTURED_OUTPUT_ENABLED", true),
		CriticReviseEnabled:     envBool("CRITIC_REVISE_ENABLED", true),
		CriticMaxRevisions:      envInt("CRITIC_MAX_REVISIONS", 2),

		CRAGEnabled:              envBool("CRAG_ENABLED", true),
		CRAGGradeThreshold:       envFloat("CRAG_GRADE_THRESHOLD", 0.3),
		CRAGMaxConcurrentGrading: envInt("CRAG_MAX_CONCURRENT_GRADING", 5),
		CRAGGradeTimeoutSeconds:  envInt("CRAG_GRADE_TIMEOUT", 10),
		CRAGEnableSelfReflection: envBool("CRAG_ENABLE_SELF_REFLECTION", true),

		EPREnabled: envBool("EPR_ENABLED", true),

		DeterministicEval: envBool("DETERMINISTIC_EVAL", false),

		FrontendURL: envStr("FRONTEND_URL", "http://localhost:3000"),
		PromptsDir:  envStr("PROMPTS_DIR", "./internal/service/prompts"),
	}

	if cfg.DeterministicEval {
		cfg.GenEvidence.Temperature = 0
		cfg.GenEvidence.TopP = 1
		cfg.GenAssist.Temperature = 0
		cfg.GenAssist.TopP = 1
		cfg.GenChat.Temperature = 0
		cfg.GenChat.TopP = 1
	}

	return cfg, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
