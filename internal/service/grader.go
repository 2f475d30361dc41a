package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rattsbas/aegis/internal/llmclient"
	"github.com/rattsbas/aegis/internal/model"
)

const (
	defaultGraderMaxConcurrent = 5
	defaultGraderThreshold     = 0.3
	defaultGraderTimeout       = 8 * time.Second
)

// SmallLM is the cheap-LM consumed interface shared by Grader and Critic for
// non-streaming JSON-producing calls.
type SmallLM interface {
	GenerateContent(ctx context.Context, systemPrompt, userPrompt string, cfg llmclient.GenConfig) (string, error)
}

// GraderConfig tunes Grade's batching and thresholds.
type GraderConfig struct {
	Threshold     float64
	MaxConcurrent int
	PerDocTimeout time.Duration
}

func (c GraderConfig) withDefaults() GraderConfig {
	if c.Threshold <= 0 {
		c.Threshold = defaultGraderThreshold
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = defaultGraderMaxConcurrent
	}
	if c.PerDocTimeout <= 0 {
		c.PerDocTimeout = defaultGraderTimeout
	}
	return c
}

// graderVerdict is the JSON shape the grading prompt asks the small LM for.
type graderVerdict struct {
	Relevant bool    `json:"relevant"`
	Reason   string  `json:"reason"`
	Score    float64 `json:"score"`
}

// GradedDocument is one graded candidate.
type GradedDocument struct {
	Result     model.SearchResult
	Relevant   bool
	Score      float64
	Reason     string
	Confidence float64
	TimedOut   bool
}

// GradeMetrics summarizes one Grade call.
type GradeMetrics struct {
	Graded        int
	RelevantCount int
	RelevantPct   float64
	TimeoutCount  int
	ParseFailures int
	TotalLatency  time.Duration
}

// Grader implements C10.
type Grader struct {
	lm  SmallLM
	cfg GraderConfig
}

// NewGrader constructs a Grader.
func NewGrader(lm SmallLM, cfg GraderConfig) *Grader {
	return &Grader{lm: lm, cfg: cfg.withDefaults()}
}

// Grade scores each document for relevance to query with a cheap LM call,
// run concurrently bounded by cfg.MaxConcurrent, and returns only documents
// judged relevant (model says relevant AND score >= threshold) alongside
// aggregate metrics. A per-doc timeout or JSON parse failure is treated as
// not relevant with score 0 and confidence 0; it never fails the whole call.
func (g *Grader) Grade(ctx context.Context, query string, docs []model.SearchResult) ([]model.SearchResult, GradeMetrics, error) {
	start := time.Now()
	graded := make([]GradedDocument, len(docs))

	sem := make(chan struct{}, g.cfg.MaxConcurrent)
	var wg sync.WaitGroup
	for i, doc := range docs {
		i, doc := i, doc
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			graded[i] = g.gradeOne(ctx, query, doc)
		}()
	}
	wg.Wait()

	var filtered []model.SearchResult
	metrics := GradeMetrics{Graded: len(graded)}
	for _, gd := range graded {
		if gd.TimedOut {
			metrics.TimeoutCount++
		}
		if gd.Reason == "parse_failure" {
			metrics.ParseFailures++
		}
		if gd.Relevant && gd.Score >= g.cfg.Threshold {
			metrics.RelevantCount++
			filtered = append(filtered, gd.Result)
		}
	}
	if len(graded) > 0 {
		metrics.RelevantPct = float64(metrics.RelevantCount) / float64(len(graded))
	}
	metrics.TotalLatency = time.Since(start)

	return filtered, metrics, nil
}

func (g *Grader) gradeOne(ctx context.Context, query string, doc model.SearchResult) GradedDocument {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.PerDocTimeout)
	defer cancel()

	system := "Du är en relevansbedömare för svenska juridiska och samhälleliga dokument. Svara endast med JSON."
	user := fmt.Sprintf("Fråga: %s\n\nDokument: %s\n%s\n\nBedöm om dokumentet är relevant för frågan. Returnera JSON: {\"relevant\": bool, \"reason\": \"...\", \"score\": 0.0-1.0}.",
		query, doc.Doc.Title, doc.Doc.Snippet)

	raw, err := g.lm.GenerateContent(ctx, system, user, llmclient.GenConfig{Temperature: 0, MaxTokens: 200})
	if err != nil {
		slog.Warn("[GRADER] grading call failed or timed out", "doc_id", doc.Doc.ID, "err", err)
		return GradedDocument{Result: doc, TimedOut: true}
	}

	span, err := parseLLMJSON(raw)
	if err != nil {
		return GradedDocument{Result: doc, Reason: "parse_failure"}
	}
	var verdict graderVerdict
	if err := json.Unmarshal([]byte(span), &verdict); err != nil {
		return GradedDocument{Result: doc, Reason: "parse_failure"}
	}

	confidence := verdict.Score - g.cfg.Threshold
	if confidence < 0 {
		confidence = -confidence
	}
	confidence /= maxFloat(g.cfg.Threshold, 1-g.cfg.Threshold)

	return GradedDocument{
		Result:     doc,
		Relevant:   verdict.Relevant,
		Score:      verdict.Score,
		Reason:     verdict.Reason,
		Confidence: confidence,
	}
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
