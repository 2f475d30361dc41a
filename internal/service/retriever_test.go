package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rattsbas/aegis/internal/lexical"
	"github.com/rattsbas/aegis/internal/model"
	"github.com/rattsbas/aegis/internal/vectorstore"
)

type stubLexicalSearcher struct {
	hits []lexical.Hit
	err  error
}

func (s *stubLexicalSearcher) Search(_ string, _ int) ([]lexical.Hit, error) {
	return s.hits, s.err
}

func testRetriever(t *testing.T, vs VectorSearcher, lex LexicalSearcher) *Retriever {
	t.Helper()
	return NewRetriever(
		&fakeEmbedder{vec: []float32{0.1, 0.2}},
		vs,
		lex,
		NewQueryRewriterService(),
		NewQueryExpanderService(),
		RetrieverConfig{SearchTimeout: time.Second, SimilarityThreshold: 0, RRFK: 60, VariantFanoutLimit: 3, MaxEscalationSteps: 2},
	)
}

func TestSearchCollections_DedupesByIDKeepingHighestScore(t *testing.T) {
	vs := &multiCollectionVS{
		byCollection: map[string][]vectorstore.QueryResult{
			"statutes": {{ID: "d1", Similarity: 0.4, Document: model.Document{ID: "d1"}}},
			"cases":    {{ID: "d1", Similarity: 0.9, Document: model.Document{ID: "d1"}}},
		},
	}
	r := testRetriever(t, vs, nil)

	merged, timeouts := r.searchCollections(context.Background(), []string{"statutes", "cases"}, []float32{0.1}, 10, vectorstore.QueryFilter{})

	require.Empty(t, timeouts)
	require.Len(t, merged, 1)
	assert.Equal(t, 0.9, merged[0].score)
}

func TestSearchCollections_SortsDescendingByScore(t *testing.T) {
	vs := &multiCollectionVS{
		byCollection: map[string][]vectorstore.QueryResult{
			"statutes": {
				{ID: "low", Similarity: 0.2, Document: model.Document{ID: "low"}},
				{ID: "high", Similarity: 0.8, Document: model.Document{ID: "high"}},
			},
		},
	}
	r := testRetriever(t, vs, nil)

	merged, _ := r.searchCollections(context.Background(), []string{"statutes"}, []float32{0.1}, 10, vectorstore.QueryFilter{})

	require.Len(t, merged, 2)
	assert.Equal(t, "high", merged[0].id)
	assert.Equal(t, "low", merged[1].id)
}

func TestSearchCollections_RecordsTimeoutCollectionsWithoutFailing(t *testing.T) {
	vs := &multiCollectionVS{
		byCollection: map[string][]vectorstore.QueryResult{
			"ok": {{ID: "d1", Similarity: 0.5, Document: model.Document{ID: "d1"}}},
		},
		errByCollection: map[string]error{"broken": errors.New("deadline exceeded")},
	}
	r := testRetriever(t, vs, nil)

	merged, timeouts := r.searchCollections(context.Background(), []string{"ok", "broken"}, []float32{0.1}, 10, vectorstore.QueryFilter{})

	assert.Len(t, merged, 1)
	assert.Equal(t, []string{"broken"}, timeouts)
}

func TestApplyThreshold_FiltersBelowThreshold(t *testing.T) {
	docs := []scoredDoc{{id: "a", score: 0.9}, {id: "b", score: 0.1}}
	filtered := applyThreshold(docs, 0.5)
	require.Len(t, filtered, 1)
	assert.Equal(t, "a", filtered[0].id)
}

func TestApplyThreshold_KeepsTop3WhenThresholdWouldEmptyResultSet(t *testing.T) {
	docs := []scoredDoc{{id: "a", score: 0.1}, {id: "b", score: 0.2}, {id: "c", score: 0.3}, {id: "d", score: 0.4}}
	filtered := applyThreshold(docs, 0.9)
	assert.Len(t, filtered, 3)
}

func TestScoreStats_ComputesTopMeanStd(t *testing.T) {
	stats := scoreStats([]scoredDoc{{score: 1.0}, {score: 0.5}, {score: 0.5}})
	assert.Equal(t, 1.0, stats.Top)
	assert.InDelta(t, 0.666, stats.Mean, 0.01)
	assert.Greater(t, stats.Std, 0.0)
}

func TestScoreStats_EmptyReturnsZeroValue(t *testing.T) {
	assert.Equal(t, model.ScoreStats{}, scoreStats(nil))
}

func TestParallelSearch_PropagatesEmbedError(t *testing.T) {
	r := NewRetriever(
		&fakeEmbedder{err: errors.New("embed down")},
		&fakeVectorSearcher{},
		nil,
		NewQueryRewriterService(),
		NewQueryExpanderService(),
		RetrieverConfig{SearchTimeout: time.Second},
	)

	_, _, err := r.parallelSearch(context.Background(), "query", []string{"statutes"}, defaultK)
	require.Error(t, err)
}

func TestLexicalSidecar_ConvertsHitsToScoredDocs(t *testing.T) {
	lex := &stubLexicalSearcher{hits: []lexical.Hit{{ID: "l1", Score: 2.3, Title: "Lag", Text: "text"}}}
	r := testRetriever(t, &fakeVectorSearcher{}, lex)

	docs := r.lexicalSidecar([]model.QueryVariant{{Kind: model.VariantLexical, Query: "uppsägning"}})

	require.Len(t, docs, 1)
	assert.Equal(t, "l1", docs[0].id)
	assert.Equal(t, model.RetrieverLexical, docs[0].retriever)
}

func TestLexicalSidecar_NilLexicalSearcherReturnsNil(t *testing.T) {
	r := testRetriever(t, &fakeVectorSearcher{}, nil)
	assert.Nil(t, r.lexicalSidecar([]model.QueryVariant{{Query: "q"}}))
}

func TestLexicalOverlapTokens_DropsShortAndNumericTokens(t *testing.T) {
	tokens := lexicalOverlapTokens("Vad galler for 12 dagars uppsagningstid?")
	_, hasShort := tokens["12"]
	assert.False(t, hasShort)
	_, hasLong := tokens["uppsagningstid?"]
	assert.False(t, hasLong, "punctuation should be trimmed")
	_, hasWord := tokens["uppsagningstid"]
	assert.True(t, hasWord)
}

// multiCollectionVS lets tests control results/errors per collection name,
// unlike fakeVectorSearcher (fewshot_test.go) which is single-collection.
type multiCollectionVS struct {
	byCollection    map[string][]vectorstore.QueryResult
	errByCollection map[string]error
}

func (m *multiCollectionVS) Query(_ context.Context, collection string, _ []float32, _ int, _ vectorstore.QueryFilter) ([]vectorstore.QueryResult, error) {
	if err, ok := m.errByCollection[collection]; ok {
		return nil, err
	}
	return m.byCollection[collection], nil
}

func (m *multiCollectionVS) ListCollections(_ context.Context) ([]string, error) {
	out := make([]string, 0, len(m.byCollection))
	for c := range m.byCollection {
		out = append(out, c)
	}
	return out, nil
}
