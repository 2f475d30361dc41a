package service

import (
	"context"
	"fmt"

	"github.com/rattsbas/aegis/internal/model"
	"github.com/rattsbas/aegis/internal/vectorstore"
)

const defaultFewShotLimit = 2

// fewShotCollectionPrefix names the dedicated vector collections holding
// curated (query, answer) exemplars, one collection per mode.
const fewShotCollectionPrefix = "fewshot_"

// FewShotRetriever retrieves curated exemplars for prompt assembly (spec
// §4.14 step 9), grounded on the teacher's CortexService.Search: embed the
// query once, run a nearest-neighbour search, no persistence/expiry concern
// here since this repo writes no conversation state.
type FewShotRetriever struct {
	embedder Embedder
	vs       VectorSearcher
	limit    int
}

// NewFewShotRetriever constructs a FewShotRetriever. limit<=0 defaults to 2.
func NewFewShotRetriever(embedder Embedder, vs VectorSearcher, limit int) *FewShotRetriever {
	if limit <= 0 {
		limit = defaultFewShotLimit
	}
	return &FewShotRetriever{embedder: embedder, vs: vs, limit: limit}
}

func collectionForMode(mode model.Mode) string {
	return fewShotCollectionPrefix + string(mode)
}

// Retrieve finds up to f.limit exemplars from the mode-keyed collection
// that most resemble query. A missing collection (no exemplars curated for
// this mode) is not an error: it returns an empty slice.
func (f *FewShotRetriever) Retrieve(ctx context.Context, mode model.Mode, query string) ([]model.Document, error) {
	embedding, err := f.embedder.EmbedSingle(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("fewshot: embed: %w", err)
	}

	results, err := f.vs.Query(ctx, collectionForMode(mode), embedding, f.limit, vectorstore.QueryFilter{})
	if err != nil {
		return nil, nil
	}

	docs := make([]model.Document, len(results))
	for i, r := range results {
		docs[i] = r.Document
	}
	return docs, nil
}
