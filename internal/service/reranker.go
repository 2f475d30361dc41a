package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rattsbas/aegis/internal/model"
)

// Device names where a CrossEncoderClient's scoring actually runs.
type Device string

const (
	DeviceCUDA Device = "cuda"
	DeviceCPU  Device = "cpu"
)

// CrossEncoderClient scores (query, passage) pairs in one batch, returning
// raw relevance logits in passage order.
type CrossEncoderClient interface {
	Score(ctx context.Context, query string, passages []string) ([]float64, error)
}

// RerankResult is Rerank's output for one (query, documents) call.
type RerankResult struct {
	Results         []model.SearchResult
	OriginalScores  []float64
	RerankedScores  []float64
	Latency         time.Duration
	Device          Device
}

// Reranker implements C9: cross-encoder scoring of (query, passage) pairs.
// The client is loaded lazily on first use and degrades from CUDA to CPU on
// an initialization failure, logged once.
type Reranker struct {
	client CrossEncoderClient

	mu          sync.Mutex
	device      Device
	initialized bool
	initErr     error

	batchConcurrency int
}

// NewReranker constructs a Reranker around a pre-built CrossEncoderClient.
// The client itself owns the CUDA/CPU decision at construction time; the
// Reranker only records and logs the outcome on first call.
func NewReranker(client CrossEncoderClient, batchConcurrency int) *Reranker {
	if batchConcurrency <= 0 {
		batchConcurrency = 4
	}
	return &Reranker{client: client, device: DeviceCUDA, batchConcurrency: batchConcurrency}
}

// ensureLoaded records the lazy-load outcome exactly once. A client that
// errors on its first call is treated as a CUDA failure and the Reranker
// falls back to reporting DeviceCPU for all subsequent calls; the client
// itself is responsible for actually retrying on CPU.
func (r *Reranker) ensureLoaded(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return
	}
	r.initialized = true
	if _, err := r.client.Score(ctx, "__warmup__", []string{"__warmup__"}); err != nil {
		r.device = DeviceCPU
		r.initErr = err
		slog.Warn("[RERANKER] falling back to CPU after initialization error", "err", err)
	}
}

// logistic squashes a raw relevance logit into [0,1].
func logistic(logit float64) float64 {
	return 1.0 / (1.0 + math.Exp(-logit))
}

// Rerank scores results against query and returns them re-sorted by
// reranker output, truncated to topK. Empty results return an empty
// RerankResult without calling the client.
func (r *Reranker) Rerank(ctx context.Context, query string, results []model.SearchResult, topK int) (*RerankResult, error) {
	if len(results) == 0 {
		return &RerankResult{Device: r.device}, nil
	}

	r.ensureLoaded(ctx)

	start := time.Now()
	passages := make([]string, len(results))
	original := make([]float64, len(results))
	for i, res := range results {
		passages[i] = res.Doc.Title + "\n" + res.Doc.Snippet
		original[i] = res.Score
	}

	logits, err := r.client.Score(ctx, query, passages)
	if err != nil {
		return nil, fmt.Errorf("reranker: score: %w", err)
	}
	if len(logits) != len(passages) {
		return nil, fmt.Errorf("reranker: client returned %d scores for %d passages", len(logits), len(passages))
	}

	reranked := make([]float64, len(logits))
	out := make([]model.SearchResult, len(results))
	for i, logit := range logits {
		reranked[i] = logistic(logit)
		out[i] = results[i]
		out[i].Score = reranked[i]
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })

	if topK > 0 && topK < len(out) {
		out = out[:topK]
	}

	return &RerankResult{
		Results:        out,
		OriginalScores: original,
		RerankedScores: reranked,
		Latency:        time.Since(start),
		Device:         r.device,
	}, nil
}

// rerankBatchJob is one (query, documents) pair submitted to RerankBatch.
type rerankBatchJob struct {
	Query   string
	Results []model.SearchResult
	TopK    int
}

// RerankBatch runs multiple independent (query, documents) reranks
// concurrently, bounded by the Reranker's batchConcurrency, and returns
// results in the same order as jobs. A single job's failure does not cancel
// the others: it is logged and that job's result stays nil. The returned
// error is always nil.
func (r *Reranker) RerankBatch(ctx context.Context, jobs []rerankBatchJob) ([]*RerankResult, error) {
	out := make([]*RerankResult, len(jobs))
	sem := make(chan struct{}, r.batchConcurrency)

	g, gctx := errgroup.WithContext(ctx)
	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()

			res, err := r.Rerank(gctx, job.Query, job.Results, job.TopK)
			if err != nil {
				slog.Warn("[RERANKER] batch job failed", "index", i, "err", err)
				return nil
			}
			out[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
