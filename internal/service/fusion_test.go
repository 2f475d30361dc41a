package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rattsbas/aegis/internal/model"
)

func TestFuseRRF_RanksByAggregateScore(t *testing.T) {
	variantA := []scoredDoc{{id: "doc-1", score: 0.9}, {id: "doc-2", score: 0.8}}
	variantB := []scoredDoc{{id: "doc-2", score: 0.95}, {id: "doc-3", score: 0.7}}

	fused := fuseRRF([][]scoredDoc{variantA, variantB}, 60)

	require.Len(t, fused, 3)
	// doc-2 appears in both variants (rank 2 then rank 1) so it should win.
	assert.Equal(t, "doc-2", fused[0].id)
	assert.Equal(t, 2, fused[0].variantHits)
}

func TestFuseRRF_Deterministic(t *testing.T) {
	variants := [][]scoredDoc{
		{{id: "a", score: 0.5}, {id: "b", score: 0.4}},
		{{id: "b", score: 0.6}, {id: "a", score: 0.3}},
	}

	first := fuseRRF(variants, 60)
	second := fuseRRF(variants, 60)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].id, second[i].id)
		assert.Equal(t, first[i].rrfScore, second[i].rrfScore)
	}
}

func TestFuseRRF_TieBrokenByTierThenCollectionThenID(t *testing.T) {
	// "z" and "a" each appear once, each at rank 0 of their own variant, so
	// their RRF scores are identical and the tie-break rule decides order.
	variants := [][]scoredDoc{
		{{id: "z", score: 0.5, doc: model.Document{Collection: "b"}}},
		{{id: "a", score: 0.5, doc: model.Document{Collection: "a"}}},
	}

	fused := fuseRRF(variants, 60)
	require.Len(t, fused, 2)
	assert.InDelta(t, fused[0].rrfScore, fused[1].rrfScore, 0.0001)
	assert.Equal(t, "a", fused[0].id, "lexically-earlier collection should win a same-score tie")
}

func TestFuseRRF_EmptyVariants(t *testing.T) {
	fused := fuseRRF(nil, 60)
	assert.Empty(t, fused)
}

func TestFusionMetrics_GainAndOverlap(t *testing.T) {
	variants := [][]scoredDoc{
		{{id: "a"}, {id: "b"}},
		{{id: "a"}, {id: "c"}, {id: "d"}},
	}

	gain, overlap, before, after := fusionMetrics(variants)

	assert.Equal(t, 2, before)
	assert.Equal(t, 4, after) // a, b, c, d
	assert.InDelta(t, 1.0, gain, 0.0001) // (4-2)/2
	assert.InDelta(t, 0.25, overlap, 0.0001) // only "a" appears in >=2 variants: 1/4
}

func TestFusionMetrics_NoVariants(t *testing.T) {
	gain, overlap, before, after := fusionMetrics(nil)
	assert.Zero(t, gain)
	assert.Zero(t, overlap)
	assert.Zero(t, before)
	assert.Zero(t, after)
}
