package service

import (
	"regexp"
	"strings"

	"github.com/rattsbas/aegis/internal/model"
)

// DefaultVariantLimit is the default max number of query variants (N).
const DefaultVariantLimit = 3

// whatDoesXSayAboutYRe recognizes the "what does X say about Y" question
// pattern for rule-based paraphrase.
var whatDoesXSayAboutYRe = regexp.MustCompile(`(?i)vad säger (.+?) om (.+)`)

// QueryExpanderService implements C7.
type QueryExpanderService struct{}

// NewQueryExpanderService constructs a QueryExpanderService. Stateless.
func NewQueryExpanderService() *QueryExpanderService {
	return &QueryExpanderService{}
}

// Expand produces up to limit query variants: semantic (the standalone
// query), lexical (the rewriter's lexical query, if distinct), and
// paraphrase (a rule-based reformulation). Expansion never introduces new
// statute numbers beyond the plan's own.
func (e *QueryExpanderService) Expand(plan model.QueryPlan, limit int) []model.QueryVariant {
	if limit <= 0 {
		limit = DefaultVariantLimit
	}

	variants := []model.QueryVariant{{Kind: model.VariantSemantic, Query: plan.Standalone}}

	if plan.Lexical != "" && plan.Lexical != plan.Standalone {
		variants = append(variants, model.QueryVariant{Kind: model.VariantLexical, Query: plan.Lexical})
	}

	if len(variants) < limit {
		if paraphrase, ok := e.paraphrase(plan); ok {
			variants = append(variants, model.QueryVariant{Kind: model.VariantParaphrase, Query: paraphrase})
		}
	}

	if len(variants) > limit {
		variants = variants[:limit]
	}
	return variants
}

// paraphrase attempts a rule-based reformulation: question-pattern
// templates, entity-focused keyword concatenation, or plain keyword
// extraction for short queries.
func (e *QueryExpanderService) paraphrase(plan model.QueryPlan) (string, bool) {
	query := plan.Standalone

	if m := whatDoesXSayAboutYRe.FindStringSubmatch(query); m != nil {
		subject, topic := strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
		return subject + " " + topic, true
	}

	if len(plan.DetectedEntities) > 0 {
		var parts []string
		for _, ent := range plan.DetectedEntities {
			parts = append(parts, ent.Value)
		}
		for word, keyword := range legalContextWords {
			if strings.Contains(strings.ToLower(query), word) {
				parts = append(parts, keyword)
				break
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, " "), true
		}
	}

	keywords := (&QueryProcessor{}).ExtractKeywords(query)
	if len(keywords) >= 2 {
		limit := 4
		if limit > len(keywords) {
			limit = len(keywords)
		}
		return strings.Join(keywords[:limit], " "), true
	}

	return "", false
}
