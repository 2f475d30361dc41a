// Package service implements the retrieval and generation pipeline: query
// processing, rewriting, expansion, retrieval, reranking, grading, critique,
// guardrails, structured-output validation and the orchestrator tying them
// together. Grounded on the teacher's internal/service package structure —
// one small file per responsibility, interfaces for everything the package
// consumes so each piece tests in isolation.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rattsbas/aegis/internal/lexical"
	"github.com/rattsbas/aegis/internal/model"
	"github.com/rattsbas/aegis/internal/vectorstore"
)

// snippetTruncateLen is the max snippet length before an ellipsis is appended.
const snippetTruncateLen = 200

// Embedder is the consumed embedding interface (C1).
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedSingle(ctx context.Context, text string) ([]float32, error)
}

// VectorSearcher is the consumed vector-store interface (C3), scoped to the
// subset of operations the Retriever needs.
type VectorSearcher interface {
	Query(ctx context.Context, collection string, embedding []float32, nResults int, filter vectorstore.QueryFilter) ([]vectorstore.QueryResult, error)
	ListCollections(ctx context.Context) ([]string, error)
}

// LexicalSearcher is the consumed lexical-index interface (C2).
type LexicalSearcher interface {
	Search(query string, cutoff int) ([]lexical.Hit, error)
}

// RetrieverConfig bundles the retrieval knobs from configuration.
type RetrieverConfig struct {
	SearchTimeout       time.Duration
	SimilarityThreshold float64
	RRFK                int
	VariantFanoutLimit  int
	MaxEscalationSteps  int
}

// scoredDoc is the Retriever's internal working representation of one
// candidate, convertible to model.SearchResult once a strategy has settled
// on a final score.
type scoredDoc struct {
	id          string
	doc         model.Document
	score       float64
	retriever   model.RetrieverTag
	tier        model.Tier
	hasTier     bool
	rrfScore    float64
	variantHits int
}

func (d scoredDoc) toSearchResult() model.SearchResult {
	return model.SearchResult{
		Doc:        d.doc,
		Score:      d.score,
		Retriever:  d.retriever,
		Tier:       d.tier,
		HasTier:    d.hasTier,
		RRFScore:   d.rrfScore,
		VariantHit: d.variantHits,
	}
}

// tierRank orders tiers A < B < C < (untagged) for deterministic tie-breaks.
func tierRank(t model.Tier, hasTier bool) int {
	if !hasTier {
		return 3
	}
	switch t {
	case model.TierPrimary:
		return 0
	case model.TierSupport:
		return 1
	case model.TierSecondary:
		return 2
	default:
		return 3
	}
}

// breakTie orders two equal-score candidates by (tier, collection name, id).
func breakTie(a, b scoredDoc) bool {
	ra, rb := tierRank(a.tier, a.hasTier), tierRank(b.tier, b.hasTier)
	if ra != rb {
		return ra < rb
	}
	if a.doc.Collection != b.doc.Collection {
		return a.doc.Collection < b.doc.Collection
	}
	return a.id < b.id
}

// Retriever implements C8: dense per-collection search, lexical sidecar,
// RRF fusion, adaptive escalation and intent-based two-pass routing.
type Retriever struct {
	embedder Embedder
	vs       VectorSearcher
	lex      LexicalSearcher
	rewriter *QueryRewriterService
	expander *QueryExpanderService
	cfg      RetrieverConfig
}

// NewRetriever constructs a Retriever. lex may be nil for vector-only search.
func NewRetriever(embedder Embedder, vs VectorSearcher, lex LexicalSearcher, rewriter *QueryRewriterService, expander *QueryExpanderService, cfg RetrieverConfig) *Retriever {
	return &Retriever{embedder: embedder, vs: vs, lex: lex, rewriter: rewriter, expander: expander, cfg: cfg}
}

// truncateSnippet truncates s to snippetTruncateLen runes with an ellipsis.
func truncateSnippet(s string) string {
	runes := []rune(s)
	if len(runes) <= snippetTruncateLen {
		return s
	}
	return string(runes[:snippetTruncateLen]) + "…"
}

// searchCollection issues one vector-store query bounded by the configured
// timeout. A timeout or store error never fails the caller: it returns an
// empty list and a timed-out flag so the caller can record it in metrics.
func (r *Retriever) searchCollection(ctx context.Context, collection string, embedding []float32, k int, filter vectorstore.QueryFilter) ([]scoredDoc, bool) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.SearchTimeout)
	defer cancel()

	results, err := r.vs.Query(ctx, collection, embedding, k, filter)
	if err != nil {
		slog.Warn("[RETRIEVER] collection search failed", "collection", collection, "err", err)
		return nil, true
	}

	docs := make([]scoredDoc, 0, len(results))
	for _, res := range results {
		doc := res.Document
		doc.Snippet = truncateSnippet(doc.Snippet)
		docs = append(docs, scoredDoc{
			id:        res.ID,
			doc:       doc,
			score:     res.Similarity,
			retriever: model.RetrieverDense,
		})
	}
	return docs, false
}

// searchCollections fans out searchCollection across collections
// concurrently, waits for all (each independently timeout-bound),
// deduplicates by document id keeping the highest score, and sorts
// descending. Wall-clock is bounded by the slowest collection, not the sum.
func (r *Retriever) searchCollections(ctx context.Context, collections []string, embedding []float32, k int, filter vectorstore.QueryFilter) ([]scoredDoc, []string) {
	type perCollection struct {
		docs      []scoredDoc
		timedOut  bool
		collection string
	}

	out := make([]perCollection, len(collections))
	g, gCtx := errgroup.WithContext(ctx)
	for i, collection := range collections {
		i, collection := i, collection
		g.Go(func() error {
			docs, timedOut := r.searchCollection(gCtx, collection, embedding, k, filter)
			out[i] = perCollection{docs: docs, timedOut: timedOut, collection: collection}
			return nil
		})
	}
	_ = g.Wait() // searchCollection never returns an error; per-collection failures are local

	best := make(map[string]scoredDoc)
	var timeouts []string
	for _, pc := range out {
		if pc.timedOut {
			timeouts = append(timeouts, pc.collection)
		}
		for _, d := range pc.docs {
			cur, seen := best[d.id]
			if !seen || d.score > cur.score {
				best[d.id] = d
			}
		}
	}

	merged := make([]scoredDoc, 0, len(best))
	for _, d := range best {
		merged = append(merged, d)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].score != merged[j].score {
			return merged[i].score > merged[j].score
		}
		return breakTie(merged[i], merged[j])
	})

	return merged, timeouts
}

// scoreStats computes top/mean/std/normalized-entropy over a score list.
func scoreStats(docs []scoredDoc) model.ScoreStats {
	if len(docs) == 0 {
		return model.ScoreStats{}
	}

	sum := 0.0
	top := docs[0].score
	for _, d := range docs {
		sum += d.score
		if d.score > top {
			top = d.score
		}
	}
	mean := sum / float64(len(docs))

	variance := 0.0
	for _, d := range docs {
		diff := d.score - mean
		variance += diff * diff
	}
	variance /= float64(len(docs))
	std := math.Sqrt(variance)

	// Normalized entropy of the score distribution treated as a probability
	// mass (scores renormalized to sum to 1); 0 when all mass is on one doc.
	entropy := 0.0
	if sum > 0 {
		for _, d := range docs {
			if d.score <= 0 {
				continue
			}
			p := d.score / sum
			entropy -= p * math.Log2(p)
		}
		if len(docs) > 1 {
			entropy /= math.Log2(float64(len(docs)))
		}
	}

	return model.ScoreStats{Top: top, Mean: mean, Std: std, Entropy: entropy}
}

// applyThreshold filters docs below the configured similarity threshold,
// unless doing so would empty the result set — in that case the top 3 are
// kept with a warning logged.
func applyThreshold(docs []scoredDoc, threshold float64) []scoredDoc {
	filtered := make([]scoredDoc, 0, len(docs))
	for _, d := range docs {
		if d.score >= threshold {
			filtered = append(filtered, d)
		}
	}
	if len(filtered) == 0 && len(docs) > 0 {
		slog.Warn("[RETRIEVER] similarity threshold would empty result set, keeping top 3", "threshold", threshold)
		limit := 3
		if limit > len(docs) {
			limit = len(docs)
		}
		return append([]scoredDoc{}, docs[:limit]...)
	}
	return filtered
}

// defaultK is the per-collection candidate count used by parallel_v1 and as
// the base for adaptive escalation's k-doubling steps.
const defaultK = 10

// parallelSearch embeds the query once and fans out across collections.
func (r *Retriever) parallelSearch(ctx context.Context, query string, collections []string, k int) ([]scoredDoc, []string, error) {
	embedding, err := r.embedder.EmbedSingle(ctx, query)
	if err != nil {
		return nil, nil, fmt.Errorf("service.parallelSearch: embed: %w", err)
	}
	docs, timeouts := r.searchCollections(ctx, collections, embedding, k, vectorstore.QueryFilter{})
	return docs, timeouts, nil
}

// fuseVariants batch-embeds query variants, fans each out through a
// parallel per-collection search behind a fanout semaphore, and fuses the
// per-variant ranked lists with RRF.
func (r *Retriever) fuseVariants(ctx context.Context, variants []model.QueryVariant, collections []string, k int) ([]scoredDoc, []string, [][]scoredDoc, error) {
	if len(variants) == 0 {
		return nil, nil, nil, fmt.Errorf("service.fuseVariants: no variants")
	}

	texts := make([]string, len(variants))
	for i, v := range variants {
		texts[i] = v.Query
	}
	embeddings, err := r.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("service.fuseVariants: embed: %w", err)
	}

	sem := make(chan struct{}, r.cfg.VariantFanoutLimit)
	perVariant := make([][]scoredDoc, len(variants))
	var allTimeouts []string
	var mu timeoutCollector

	g, gCtx := errgroup.WithContext(ctx)
	for i := range variants {
		i := i
		g.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()
			docs, timeouts := r.searchCollections(gCtx, collections, embeddings[i], k, vectorstore.QueryFilter{})
			perVariant[i] = docs
			mu.add(timeouts)
			return nil
		})
	}
	_ = g.Wait()
	allTimeouts = mu.all()

	if lexDocs := r.lexicalSidecar(variants); len(lexDocs) > 0 {
		perVariant = append(perVariant, lexDocs)
	}

	fused := fuseRRF(perVariant, r.cfg.RRFK)
	for i := range fused {
		if fused[i].retriever != model.RetrieverLexical {
			fused[i].retriever = model.RetrieverFusion
		}
	}
	return fused, allTimeouts, perVariant, nil
}

// lexicalSidecar runs the lexical variant's query text (or, absent one, the
// semantic variant's) through the keyword index and converts hits into an
// extra ranked list for RRF fusion alongside the dense variants. Lexical
// scores are not commensurate with cosine similarity, but RRF fuses by
// rank, not raw score, so this is safe for fusion; raw lexical scores do
// leak into downstream confidence signals when a lexical-only hit wins
// dedup, which is an accepted approximation absent a shared score scale.
func (r *Retriever) lexicalSidecar(variants []model.QueryVariant) []scoredDoc {
	if r.lex == nil {
		return nil
	}

	queryText := ""
	for _, v := range variants {
		if v.Kind == model.VariantLexical {
			queryText = v.Query
			break
		}
	}
	if queryText == "" && len(variants) > 0 {
		queryText = variants[0].Query
	}
	if queryText == "" {
		return nil
	}

	hits, err := r.lex.Search(queryText, defaultK)
	if err != nil {
		slog.Warn("[RETRIEVER] lexical sidecar search failed", "err", err)
		return nil
	}

	docs := make([]scoredDoc, 0, len(hits))
	for _, h := range hits {
		docs = append(docs, scoredDoc{
			id:        h.ID,
			doc:       model.Document{ID: h.ID, Title: h.Title, Snippet: truncateSnippet(h.Text), Collection: "lexical"},
			score:     h.Score,
			retriever: model.RetrieverLexical,
		})
	}
	return docs
}

// timeoutCollector merges timeout collection names across concurrent tasks.
type timeoutCollector struct {
	mu  sync.Mutex
	set map[string]struct{}
}

func (c *timeoutCollector) add(names []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.set == nil {
		c.set = make(map[string]struct{})
	}
	for _, n := range names {
		c.set[n] = struct{}{}
	}
}

func (c *timeoutCollector) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.set))
	for n := range c.set {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// lexicalOverlapTokens extracts lowercased tokens of length >=3 that are not
// purely numeric, for the lexical_overlap confidence signal. Stopwords are
// retained deliberately: Swedish legal queries are short, and removing
// function words loses signal on queries like "vad galler for" where "for"
// load-bears the intent.
func lexicalOverlapTokens(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		tok = strings.Trim(tok, ".,;:!?()[]{}\"'")
		if len(tok) < 3 {
			continue
		}
		if isAllDigits(tok) {
			continue
		}
		out[tok] = struct{}{}
	}
	return out
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
