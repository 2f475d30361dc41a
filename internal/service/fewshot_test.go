package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rattsbas/aegis/internal/model"
	"github.com/rattsbas/aegis/internal/vectorstore"
)

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vec
	}
	return out, f.err
}

func (f *fakeEmbedder) EmbedSingle(_ context.Context, _ string) ([]float32, error) {
	return f.vec, f.err
}

type fakeVectorSearcher struct {
	collection string
	results    []vectorstore.QueryResult
	err        error
}

func (f *fakeVectorSearcher) Query(_ context.Context, collection string, _ []float32, nResults int, _ vectorstore.QueryFilter) ([]vectorstore.QueryResult, error) {
	f.collection = collection
	if f.err != nil {
		return nil, f.err
	}
	if nResults < len(f.results) {
		return f.results[:nResults], nil
	}
	return f.results, nil
}

func (f *fakeVectorSearcher) ListCollections(_ context.Context) ([]string, error) {
	return []string{f.collection}, nil
}

func TestRetrieve_QueriesModeKeyedCollection(t *testing.T) {
	embedder := &fakeEmbedder{vec: []float32{0.1, 0.2}}
	vs := &fakeVectorSearcher{results: []vectorstore.QueryResult{
		{ID: "e1", Document: model.Document{Title: "exempel 1"}},
	}}
	r := NewFewShotRetriever(embedder, vs, 0)

	docs, err := r.Retrieve(context.Background(), model.ModeEvidence, "vad gäller?")
	require.NoError(t, err)
	assert.Equal(t, "fewshot_evidence", vs.collection)
	require.Len(t, docs, 1)
	assert.Equal(t, "exempel 1", docs[0].Title)
}

func TestRetrieve_DefaultsLimitToTwo(t *testing.T) {
	r := NewFewShotRetriever(&fakeEmbedder{}, &fakeVectorSearcher{}, -1)
	assert.Equal(t, 2, r.limit)
}

func TestRetrieve_MissingCollectionReturnsEmptyNotError(t *testing.T) {
	embedder := &fakeEmbedder{vec: []float32{0.1}}
	vs := &fakeVectorSearcher{err: errors.New("collection not found")}
	r := NewFewShotRetriever(embedder, vs, 2)

	docs, err := r.Retrieve(context.Background(), model.ModeAssist, "fråga")
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestRetrieve_EmbedErrorPropagates(t *testing.T) {
	embedder := &fakeEmbedder{err: errors.New("embed down")}
	r := NewFewShotRetriever(embedder, &fakeVectorSearcher{}, 2)

	_, err := r.Retrieve(context.Background(), model.ModeChat, "hej")
	require.Error(t, err)
}
