package service

import (
	"strings"

	"github.com/rattsbas/aegis/internal/model"
)

// entityPriority ranks entity types for pronoun substitution: statute and
// abbreviation outrank authority, which outranks chapter, which outranks
// paragraph.
func entityPriority(t model.EntityType) int {
	switch t {
	case model.EntityStatuteNumber, model.EntityAbbreviation:
		return 0
	case model.EntityAuthority:
		return 1
	case model.EntityChapter:
		return 2
	case model.EntityParagraph:
		return 3
	default:
		return 4
	}
}

// QueryRewriterService implements C6.
type QueryRewriterService struct{}

// NewQueryRewriterService constructs a QueryRewriterService. Stateless.
func NewQueryRewriterService() *QueryRewriterService {
	return &QueryRewriterService{}
}

// NeedsRewrite is true when the query contains a demonstrative/anaphoric
// pronoun, or is <=3 tokens with no explicit entity.
func (r *QueryRewriterService) NeedsRewrite(query string) bool {
	lower := strings.ToLower(query)
	for pronoun := range demonstrativePronouns {
		if containsWord(lower, pronoun) {
			return true
		}
	}
	tokens := strings.Fields(query)
	return len(tokens) <= 3 && len(extractEntities(query)) == 0
}

func containsWord(haystack, word string) bool {
	for _, tok := range strings.Fields(haystack) {
		if strings.Trim(tok, ".,;:!?") == word {
			return true
		}
	}
	return false
}

// extractEntities finds statute numbers, chapters, paragraphs, known
// abbreviations and known authority names in text.
func extractEntities(text string) []model.Entity {
	var out []model.Entity

	for _, m := range statuteNumberRe.FindAllString(text, -1) {
		out = append(out, model.Entity{Type: model.EntityStatuteNumber, Value: m, Confidence: 0.95})
	}
	for _, m := range chapterRe.FindAllString(text, -1) {
		out = append(out, model.Entity{Type: model.EntityChapter, Value: strings.TrimSpace(m), Confidence: 0.9})
	}
	for _, m := range paragraphRe.FindAllString(text, -1) {
		out = append(out, model.Entity{Type: model.EntityParagraph, Value: strings.TrimSpace(m), Confidence: 0.9})
	}
	for _, tok := range strings.Fields(text) {
		clean := strings.Trim(tok, ".,;:!?()[]{}")
		if _, ok := knownAbbreviations[clean]; ok {
			out = append(out, model.Entity{Type: model.EntityAbbreviation, Value: clean, Confidence: 0.95})
		}
	}
	lower := strings.ToLower(text)
	for authority := range knownAuthorities {
		if strings.Contains(lower, authority) {
			out = append(out, model.Entity{Type: model.EntityAuthority, Value: authority, Confidence: 0.85})
		}
	}

	return out
}

// Rewrite builds a standalone query plan from query and history.
func (r *QueryRewriterService) Rewrite(query string, history []model.ConversationTurn) model.RewriteResult {
	needsRewrite := r.NeedsRewrite(query)
	standalone := query

	if needsRewrite && len(history) > 0 {
		historyEntities := extractEntitiesFromHistory(model.RecentHistory(history))
		if best, ok := highestPriorityEntity(historyEntities); ok {
			standalone = substituteFirstPronoun(query, best.Value)
		}
	}

	entities := extractEntities(standalone)
	lexical := buildLexicalQuery(standalone, entities)
	mustInclude := buildMustInclude(entities)

	plan := model.QueryPlan{
		Original:         query,
		Standalone:       standalone,
		Lexical:          lexical,
		MustInclude:      mustInclude,
		DetectedEntities: entities,
		NeedsRewrite:     needsRewrite,
	}

	return model.RewriteResult{Plan: plan, GuardrailOK: true}
}

func highestPriorityEntity(entities []model.Entity) (model.Entity, bool) {
	if len(entities) == 0 {
		return model.Entity{}, false
	}
	best := entities[0]
	for _, e := range entities[1:] {
		if entityPriority(e.Type) < entityPriority(best.Type) {
			best = e
		}
	}
	return best, true
}

func substituteFirstPronoun(query, replacement string) string {
	tokens := strings.Fields(query)
	for i, tok := range tokens {
		clean := strings.Trim(strings.ToLower(tok), ".,;:!?")
		if _, ok := demonstrativePronouns[clean]; ok {
			tokens[i] = replacement
			return strings.Join(tokens, " ")
		}
	}
	return query + " " + replacement
}

// buildLexicalQuery unions entity values with non-stopword >=3-char tokens,
// preserving original order and deduplicating.
func buildLexicalQuery(query string, entities []model.Entity) string {
	seen := make(map[string]struct{})
	var parts []string

	add := func(s string) {
		key := strings.ToLower(s)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		parts = append(parts, s)
	}

	for _, tok := range strings.Fields(query) {
		clean := strings.Trim(tok, ".,;:!?()[]{}\"'")
		if len(clean) < 3 {
			continue
		}
		if _, stop := stopwords[strings.ToLower(clean)]; stop {
			continue
		}
		add(clean)
	}
	for _, e := range entities {
		add(e.Value)
	}

	return strings.Join(parts, " ")
}

// buildMustInclude keeps statute numbers and abbreviations with
// confidence >= 0.9.
func buildMustInclude(entities []model.Entity) []string {
	var out []string
	for _, e := range entities {
		if e.Confidence < 0.9 {
			continue
		}
		if e.Type == model.EntityStatuteNumber || e.Type == model.EntityAbbreviation {
			out = append(out, e.Value)
		}
	}
	return out
}

// rewriteGuardrailLengthOK enforces guardrail (3): rewritten length within
// 0.5x-3x the original.
func rewriteGuardrailLengthOK(original, rewritten string) bool {
	origLen := len(strings.Fields(original))
	newLen := len(strings.Fields(rewritten))
	if origLen == 0 {
		return true
	}
	ratio := float64(newLen) / float64(origLen)
	return ratio >= 0.5 && ratio <= 3.0
}

// rewriteGuardrailNoNewEntities enforces guardrail (2): the rewrite must not
// introduce entities absent from original ∪ history.
func rewriteGuardrailNoNewEntities(standalone, original string, history []model.ConversationTurn) bool {
	allowed := make(map[string]struct{})
	for _, e := range extractEntities(original) {
		allowed[e.Value] = struct{}{}
	}
	for _, e := range extractEntitiesFromHistory(history) {
		allowed[e.Value] = struct{}{}
	}
	for _, e := range extractEntities(standalone) {
		if _, ok := allowed[e.Value]; !ok {
			return false
		}
	}
	return true
}

// rewriteGuardrailMustIncludeHit enforces guardrail (1): at least one
// must_include token appears in the top-10 retrieved snippets, which the
// caller supplies. No pipeline stage calls it.
func rewriteGuardrailMustIncludeHit(mustInclude []string, top10 []model.SearchResult) bool {
	if len(mustInclude) == 0 {
		return true
	}
	for _, tok := range mustInclude {
		for _, r := range top10 {
			if strings.Contains(r.Doc.Snippet, tok) || strings.Contains(r.Doc.Title, tok) {
				return true
			}
		}
	}
	return false
}

// ValidateGuardrails runs the (2) and (3) guardrails that don't require a
// trial retrieval; guardrail (1) is the separate rewriteGuardrailMustIncludeHit.
// Neither Rewrite, the Retriever nor the Orchestrator calls these checks, so
// a rewritten query is used without them and never falls back to the original.
func (r *QueryRewriterService) ValidateGuardrails(result model.RewriteResult, original string, history []model.ConversationTurn) (bool, string) {
	if !rewriteGuardrailNoNewEntities(result.Plan.Standalone, original, history) {
		return false, "rewrite introduced an entity absent from original or history"
	}
	if !rewriteGuardrailLengthOK(original, result.Plan.Standalone) {
		return false, "rewrite length outside 0.5x-3x of original"
	}
	return true, ""
}
