package service

import (
	"strings"

	"github.com/rattsbas/aegis/internal/model"
)

// Escalation thresholds: escalate while any is breached.
const (
	thresholdTopScore          = 0.025
	thresholdMargin            = 0.003
	thresholdMustIncludeHit    = 0.5
	thresholdNearDuplicateHigh = 0.7
	thresholdLexicalOverlap    = 0.15
	thresholdOverallConfidence = 0.4

	abstainLexicalOverlap = 0.05
	abstainOverallLow     = 0.25
	abstainNoEntitiesLex  = 0.3

	emptyEntitiesPenalty = 0.20

	weightTopScore     = 0.20
	weightMargin       = 0.10
	weightMustInclude  = 0.25
	weightLexOverlap   = 0.20
	weightDiversity    = 0.10
	weightFusionAgree  = 0.15
)

// computeConfidenceSignals derives the signals used to drive escalation and
// abstention from a fused result set and the originating query plan.
func computeConfidenceSignals(plan model.QueryPlan, docs []scoredDoc, overlapRatio float64) model.ConfidenceSignals {
	stats := scoreStats(docs)

	margin := 0.0
	if len(docs) >= 2 {
		margin = docs[0].score - docs[1].score
	}

	hitRate := mustIncludeHitRate(plan.MustInclude, docs)
	nearDup := nearDuplicateRatio(docs)
	lexOverlap := lexicalOverlapRatio(plan, docs)

	hasEntities := len(plan.DetectedEntities) > 0
	if hitRate >= 0.5 && hasEntities {
		boosted := 0.5 * hitRate
		if lexOverlap < boosted {
			lexOverlap = boosted
		}
	}

	uniqueSources := make(map[string]struct{})
	for _, d := range docs {
		uniqueSources[d.doc.Collection] = struct{}{}
	}

	overall := weightTopScore*stats.Top +
		weightMargin*margin +
		weightMustInclude*hitRate +
		weightLexOverlap*lexOverlap +
		weightDiversity*(1-nearDup) +
		weightFusionAgree*overlapRatio

	queryTokens := len(strings.Fields(plan.Standalone))
	if queryTokens > 0 && !hasEntities {
		overall -= emptyEntitiesPenalty
	}
	if overall < 0 {
		overall = 0
	}

	sig := model.ConfidenceSignals{
		TopScore:               stats.Top,
		Margin:                 margin,
		MustIncludeHitRate:     hitRate,
		FusionGain:             0, // filled by caller when fusion was used
		OverlapRatio:           overlapRatio,
		NearDuplicateRatio:     nearDup,
		UniqueSources:          len(uniqueSources),
		LexicalOverlap:         lexOverlap,
		QueryTokenCount:        queryTokens,
		HasExtractableEntities: hasEntities,
		OverallConfidence:      overall,
		ConfidenceTier:         model.ClassifyTier(overall),
	}

	sig.ShouldAbstain, sig.AbstainReason = shouldAbstainFinal(sig)
	return sig
}

// shouldEscalate reports whether any escalation threshold is breached.
func shouldEscalate(sig model.ConfidenceSignals) (bool, string) {
	switch {
	case sig.TopScore < thresholdTopScore:
		return true, "top_score_below_threshold"
	case sig.Margin < thresholdMargin:
		return true, "margin_below_threshold"
	case sig.MustIncludeHitRate < thresholdMustIncludeHit:
		return true, "must_include_hit_rate_below_threshold"
	case sig.NearDuplicateRatio > thresholdNearDuplicateHigh:
		return true, "near_duplicate_ratio_above_threshold"
	case sig.LexicalOverlap < thresholdLexicalOverlap:
		return true, "lexical_overlap_below_threshold"
	case sig.OverallConfidence < thresholdOverallConfidence:
		return true, "overall_confidence_below_threshold"
	default:
		return false, ""
	}
}

// shouldAbstainFinal is the no-answer policy applied after the final
// escalation step.
func shouldAbstainFinal(sig model.ConfidenceSignals) (bool, string) {
	switch {
	case sig.LexicalOverlap < abstainLexicalOverlap:
		return true, "lexical_overlap_too_low"
	case sig.TopScore == 0:
		return true, "top_score_zero"
	case sig.OverallConfidence < abstainOverallLow:
		return true, "overall_confidence_too_low"
	case !sig.HasExtractableEntities && sig.LexicalOverlap < abstainNoEntitiesLex:
		return true, "no_entities_and_low_lexical_overlap"
	default:
		return false, ""
	}
}

func mustIncludeHitRate(mustInclude []string, docs []scoredDoc) float64 {
	if len(mustInclude) == 0 {
		return 1.0
	}
	hits := 0
	for _, tok := range mustInclude {
		for _, d := range docs {
			if strings.Contains(d.doc.Snippet, tok) || strings.Contains(d.doc.Title, tok) {
				hits++
				break
			}
		}
	}
	return float64(hits) / float64(len(mustInclude))
}

// nearDuplicateRatio approximates duplicate-content ratio by counting pairs
// of top results with identical titles or near-identical snippet prefixes.
func nearDuplicateRatio(docs []scoredDoc) float64 {
	top := docs
	if len(top) > 10 {
		top = top[:10]
	}
	if len(top) < 2 {
		return 0
	}
	dupCount := 0
	for i := 0; i < len(top); i++ {
		for j := i + 1; j < len(top); j++ {
			if snippetPrefix(top[i].doc.Snippet) == snippetPrefix(top[j].doc.Snippet) ||
				top[i].doc.Title == top[j].doc.Title {
				dupCount++
			}
		}
	}
	pairs := len(top) * (len(top) - 1) / 2
	return float64(dupCount) / float64(pairs)
}

func snippetPrefix(s string) string {
	runes := []rune(strings.ToLower(strings.TrimSpace(s)))
	if len(runes) > 40 {
		runes = runes[:40]
	}
	return string(runes)
}

// lexicalOverlapRatio is the fraction of query tokens (lowercased, >=3
// chars, non-numeric, stopwords retained) found in the top results' text.
func lexicalOverlapRatio(plan model.QueryPlan, docs []scoredDoc) float64 {
	queryTokens := lexicalOverlapTokens(plan.Standalone)
	if len(queryTokens) == 0 {
		return 0
	}

	top := docs
	if len(top) > 10 {
		top = top[:10]
	}
	corpus := strings.Builder{}
	for _, d := range top {
		corpus.WriteString(strings.ToLower(d.doc.Title))
		corpus.WriteByte(' ')
		corpus.WriteString(strings.ToLower(d.doc.Snippet))
		corpus.WriteByte(' ')
	}
	haystack := corpus.String()

	hits := 0
	for tok := range queryTokens {
		if strings.Contains(haystack, tok) {
			hits++
		}
	}
	return float64(hits) / float64(len(queryTokens))
}
