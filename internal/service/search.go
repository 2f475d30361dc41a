package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rattsbas/aegis/internal/model"
	"github.com/rattsbas/aegis/internal/vectorstore"
)

// Strategy names one of the selectable retrieval strategies (§4.8).
type Strategy string

const (
	StrategyLegacy     Strategy = "legacy"
	StrategyParallelV1 Strategy = "parallel_v1"
	StrategyRewriteV1  Strategy = "rewrite_v1"
	StrategyRAGFusion  Strategy = "rag_fusion"
	StrategyAdaptive   Strategy = "adaptive"
)

// SearchRequest is one retrieval call.
type SearchRequest struct {
	Query          string
	History        []model.ConversationTurn
	Strategy       Strategy
	RoutingEnabled bool
	Collections    []string // overrides ListCollections when non-nil
}

// SearchResponse is the Retriever's output: ranked results, metrics,
// confidence signals and (when routing was used) the routing decision.
type SearchResponse struct {
	Results   []model.SearchResult
	Metrics   model.RetrievalMetrics
	Signals   model.ConfidenceSignals
	Plan      model.QueryPlan
	Routing   *model.Routing
	Intent    model.Intent
	HasIntent bool
}

// Search dispatches to the requested strategy, or to intent-based two-pass
// routing when enabled. Smalltalk intent yields an empty primary list; in
// that case retrieval is skipped entirely (empty results, no error).
func (r *Retriever) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	collections, err := r.resolveCollections(ctx, req.Collections)
	if err != nil {
		return nil, fmt.Errorf("service.Search: %w", err)
	}

	if req.RoutingEnabled {
		return r.searchRouted(ctx, req, collections)
	}

	var (
		docs     []scoredDoc
		timeouts []string
		plan     model.QueryPlan
		metrics  model.RetrievalMetrics
	)
	metrics.PerStageLatency = make(map[string]time.Duration)
	start := time.Now()

	switch req.Strategy {
	case StrategyLegacy:
		plan = model.QueryPlan{Original: req.Query, Standalone: req.Query}
		docs, timeouts, err = r.legacySearch(ctx, req.Query, collections)
		metrics.Strategy = string(StrategyLegacy)

	case StrategyParallelV1:
		plan = model.QueryPlan{Original: req.Query, Standalone: req.Query}
		docs, timeouts, err = r.parallelSearch(ctx, req.Query, collections, defaultK)
		metrics.Strategy = string(StrategyParallelV1)

	case StrategyRewriteV1:
		rewrite := r.rewriter.Rewrite(req.Query, req.History)
		plan = rewrite.Plan
		docs, timeouts, err = r.parallelSearch(ctx, plan.Standalone, collections, defaultK)
		metrics.Strategy = string(StrategyRewriteV1)

	case StrategyRAGFusion:
		plan, docs, timeouts, metrics, err = r.ragFusionSearch(ctx, req.Query, req.History, collections, defaultK, r.cfg.VariantFanoutLimit)
		metrics.Strategy = string(StrategyRAGFusion)

	case StrategyAdaptive:
		plan, docs, metrics, err = r.adaptiveSearch(ctx, req.Query, req.History, collections)
		metrics.Strategy = string(StrategyAdaptive)

	default:
		return nil, fmt.Errorf("service.Search: unknown strategy %q", req.Strategy)
	}

	if err != nil {
		return nil, fmt.Errorf("service.Search: %w", err)
	}

	metrics.Timeouts = append(metrics.Timeouts, timeouts...)
	metrics.TotalLatency = time.Since(start)
	metrics.PerStageLatency["total"] = metrics.TotalLatency

	filtered := applyThreshold(docs, r.cfg.SimilarityThreshold)
	signals := computeConfidenceSignals(plan, filtered, metrics.OverlapRatio)
	metrics.Scores = scoreStats(filtered)
	metrics.CountsByRetriever = countsByRetriever(filtered)

	return &SearchResponse{
		Results: toSearchResults(filtered),
		Metrics: metrics,
		Signals: signals,
		Plan:    plan,
	}, nil
}

// countsByRetriever tallies how many surviving results came from each
// retriever tag (spec §3: "counts per retriever").
func countsByRetriever(docs []scoredDoc) map[model.RetrieverTag]int {
	counts := make(map[model.RetrieverTag]int)
	for _, d := range docs {
		counts[d.retriever]++
	}
	return counts
}

func (r *Retriever) resolveCollections(ctx context.Context, override []string) ([]string, error) {
	if len(override) > 0 {
		return override, nil
	}
	collections, err := r.vs.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolveCollections: %w", err)
	}
	return collections, nil
}

// legacySearch issues one embedding call and queries each collection in
// sequence, the way the original single-query code path worked before
// per-collection fan-out.
func (r *Retriever) legacySearch(ctx context.Context, query string, collections []string) ([]scoredDoc, []string, error) {
	embedding, err := r.embedder.EmbedSingle(ctx, query)
	if err != nil {
		return nil, nil, fmt.Errorf("legacySearch: embed: %w", err)
	}

	var all []scoredDoc
	var timeouts []string
	for _, collection := range collections {
		docs, timedOut := r.searchCollection(ctx, collection, embedding, defaultK, vectorstore.QueryFilter{})
		if timedOut {
			timeouts = append(timeouts, collection)
		}
		all = append(all, docs...)
	}

	best := make(map[string]scoredDoc)
	for _, d := range all {
		cur, seen := best[d.id]
		if !seen || d.score > cur.score {
			best[d.id] = d
		}
	}
	merged := make([]scoredDoc, 0, len(best))
	for _, d := range best {
		merged = append(merged, d)
	}
	return merged, timeouts, nil
}

// ragFusionSearch rewrites, expands to variantLimit variants, fans them out
// and RRF-merges. Returns the metrics fields fusion_gain/overlap_ratio and
// unique-doc counts already populated.
func (r *Retriever) ragFusionSearch(ctx context.Context, query string, history []model.ConversationTurn, collections []string, k, variantLimit int) (model.QueryPlan, []scoredDoc, []string, model.RetrievalMetrics, error) {
	var metrics model.RetrievalMetrics
	metrics.PerStageLatency = make(map[string]time.Duration)

	rewrite := r.rewriter.Rewrite(query, history)
	plan := rewrite.Plan

	variants := r.expander.Expand(plan, variantLimit)
	fused, timeouts, perVariant, err := r.fuseVariants(ctx, variants, collections, k)
	if err != nil {
		return plan, nil, timeouts, metrics, fmt.Errorf("ragFusionSearch: %w", err)
	}

	gain, overlapRatio, before, after := fusionMetrics(perVariant)
	metrics.FusionGain = gain
	metrics.OverlapRatio = overlapRatio
	metrics.UniqueDocsBefore = before
	metrics.UniqueDocsAfter = after

	return plan, fused, timeouts, metrics, nil
}

// toSearchResults converts the Retriever's internal representation to the
// model-level SearchResult the rest of the pipeline consumes.
func toSearchResults(docs []scoredDoc) []model.SearchResult {
	out := make([]model.SearchResult, len(docs))
	for i, d := range docs {
		out[i] = d.toSearchResult()
	}
	return out
}

// searchRouted runs intent-based two-pass routing. Smalltalk yields an
// empty primary/support list: retrieval is skipped entirely.
func (r *Retriever) searchRouted(ctx context.Context, req SearchRequest, collections []string) (*SearchResponse, error) {
	qp := &QueryProcessor{}
	intentRes := qp.ClassifyIntent(req.Query)
	entry := routingEntryFor(intentRes.Intent)

	routing := &model.Routing{
		Primary: entry.Primary, Support: entry.Support,
		Secondary: entry.Secondary, SecondaryBudget: entry.SecondaryBudget,
	}

	if len(entry.Primary) == 0 && len(entry.Support) == 0 {
		return &SearchResponse{Intent: intentRes.Intent, HasIntent: true, Routing: routing}, nil
	}

	rewrite := r.rewriter.Rewrite(req.Query, req.History)
	plan := rewrite.Plan

	docs, metrics, err := r.searchWithRouting(ctx, plan, entry, r.cfg.VariantFanoutLimit)
	if err != nil {
		return nil, fmt.Errorf("searchRouted: %w", err)
	}
	metrics.Strategy = "routed"

	filtered := applyThreshold(docs, r.cfg.SimilarityThreshold)
	signals := computeConfidenceSignals(plan, filtered, metrics.OverlapRatio)
	metrics.Scores = scoreStats(filtered)
	metrics.CountsByRetriever = countsByRetriever(filtered)

	return &SearchResponse{
		Results:   toSearchResults(filtered),
		Metrics:   metrics,
		Signals:   signals,
		Plan:      plan,
		Routing:   routing,
		Intent:    intentRes.Intent,
		HasIntent: true,
	}, nil
}
