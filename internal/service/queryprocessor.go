package service

import (
	"regexp"
	"sort"
	"strings"

	"github.com/rattsbas/aegis/internal/model"
)

// chatPatterns match greetings, meta/identity questions and short
// acknowledgements that never need retrieval.
var chatPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*(hej|hallå|tjena|god\s?morgon|god\s?kväll)\b`),
	regexp.MustCompile(`(?i)^\s*(tack|okej|ok|perfekt|toppen)\s*[!.]*\s*$`),
	regexp.MustCompile(`(?i)vem är du\??`),
	regexp.MustCompile(`(?i)vad kan du (hjälpa|göra)`),
}

// evidencePatterns match explicit legal references that require citation.
var evidencePatterns = []*regexp.Regexp{
	statuteNumberRe,
	chapterRe,
	paragraphRe,
	regexp.MustCompile(`(?i)vad säger lagen`),
	regexp.MustCompile(`(?i)\bcitera\b`),
	regexp.MustCompile(`(?i)\benligt lag\b`),
}

// QueryProcessor implements C5: mode classification, decontextualization,
// intent classification, keyword extraction and evidence-level scoring.
type QueryProcessor struct{}

// NewQueryProcessor constructs a QueryProcessor. Stateless; safe to share.
func NewQueryProcessor() *QueryProcessor {
	return &QueryProcessor{}
}

// ClassifyResult is classify's output.
type ClassifyResult struct {
	Mode   model.Mode
	Reason string
}

// Classify never fails: an empty query classifies as ASSIST. CHAT patterns
// are checked before EVIDENCE patterns.
func (p *QueryProcessor) Classify(query string) ClassifyResult {
	if strings.TrimSpace(query) == "" {
		return ClassifyResult{Mode: model.ModeAssist, Reason: "empty_query_default"}
	}
	for _, re := range chatPatterns {
		if re.MatchString(query) {
			return ClassifyResult{Mode: model.ModeChat, Reason: "chat_pattern"}
		}
	}
	for _, re := range evidencePatterns {
		if re.MatchString(query) {
			return ClassifyResult{Mode: model.ModeEvidence, Reason: "evidence_pattern"}
		}
	}
	return ClassifyResult{Mode: model.ModeAssist, Reason: "default"}
}

// DecontextualizeResult is decontextualize's output.
type DecontextualizeResult struct {
	Original   string
	Rewritten  string
	Entities   []model.Entity
	Confidence float64
}

// Decontextualize prepends up to 3 recently-mentioned legal entities to a
// short or follow-up-marked query, so it stands alone without history.
func (p *QueryProcessor) Decontextualize(query string, history []model.ConversationTurn) DecontextualizeResult {
	recent := model.RecentHistory(history)
	entities := extractEntitiesFromHistory(recent)

	if len(entities) > 3 {
		entities = entities[:3]
	}

	if !looksLikeFollowUp(query) || len(entities) == 0 {
		return DecontextualizeResult{Original: query, Rewritten: query, Entities: nil, Confidence: 0}
	}

	values := make([]string, len(entities))
	for i, e := range entities {
		values[i] = e.Value
	}
	rewritten := query + " (avser: " + strings.Join(values, ", ") + ")"

	confidence := float64(len(entities)) / 3.0
	return DecontextualizeResult{Original: query, Rewritten: rewritten, Entities: entities, Confidence: confidence}
}

// looksLikeFollowUp reports whether query is short or opens with a
// follow-up marker or demonstrative pronoun.
func looksLikeFollowUp(query string) bool {
	tokens := strings.Fields(query)
	if len(tokens) <= 3 {
		return true
	}
	first := strings.ToLower(strings.Trim(tokens[0], ".,;:!?"))
	if _, ok := demonstrativePronouns[first]; ok {
		return true
	}
	for _, marker := range followUpMarkers {
		if strings.HasPrefix(strings.ToLower(query), marker+" ") {
			return true
		}
	}
	return false
}

// extractEntitiesFromHistory scans the most recent turns for legal entities,
// most recent turn first so priority naturally favors recency.
func extractEntitiesFromHistory(history []model.ConversationTurn) []model.Entity {
	var out []model.Entity
	for i := len(history) - 1; i >= 0; i-- {
		out = append(out, extractEntities(history[i].Content)...)
	}
	return out
}

// IntentResult is classify_intent's output.
type IntentResult struct {
	Intent               model.Intent
	Confidence           float64
	SuggestedCollections []string
}

var (
	parliamentTraceRe   = regexp.MustCompile(`(?i)\b(riksdagsdebatt|motion|betänkande|protokoll|votering)`)
	policyArgumentsRe   = regexp.MustCompile(`(?i)\b(argument|för och emot|debatt om|ståndpunkt)\b`)
	researchSynthesisRe = regexp.MustCompile(`(?i)\b(forskning|studie|rapport|utredning)\b`)
	practicalProcessRe  = regexp.MustCompile(`(?i)\b(hur (gör|ansöker|överklagar) jag|process för|steg för steg)\b`)
	clarificationEdgeRe = regexp.MustCompile(`(?i)^\s*(vad menar du|kan du förtydliga|vad betyder det)\b`)
)

// ClassifyIntent applies the fixed priority order: smalltalk, abbreviation
// edge, clarification edge, parliament trace, policy arguments, research
// synthesis, practical process, legal text, unknown.
func (p *QueryProcessor) ClassifyIntent(query string) IntentResult {
	switch {
	case p.Classify(query).Mode == model.ModeChat:
		return IntentResult{Intent: model.IntentSmalltalk, Confidence: 0.9}
	case abbreviationEdgeRe.MatchString(query):
		return IntentResult{Intent: model.IntentAbbreviationEdge, Confidence: 0.85, SuggestedCollections: []string{"statutes"}}
	case clarificationEdgeRe.MatchString(query):
		return IntentResult{Intent: model.IntentClarificationEdge, Confidence: 0.7}
	case parliamentTraceRe.MatchString(query):
		return IntentResult{Intent: model.IntentParliamentTrace, Confidence: 0.75, SuggestedCollections: []string{"parliament"}}
	case policyArgumentsRe.MatchString(query):
		return IntentResult{Intent: model.IntentPolicyArguments, Confidence: 0.65, SuggestedCollections: []string{"parliament", "reports"}}
	case researchSynthesisRe.MatchString(query):
		return IntentResult{Intent: model.IntentResearchSynthesis, Confidence: 0.65, SuggestedCollections: []string{"research"}}
	case practicalProcessRe.MatchString(query):
		return IntentResult{Intent: model.IntentPracticalProcess, Confidence: 0.6, SuggestedCollections: []string{"guides"}}
	case len(evidenceMatches(query)) > 0:
		return IntentResult{Intent: model.IntentLegalText, Confidence: 0.8, SuggestedCollections: []string{"statutes", "bills"}}
	default:
		return IntentResult{Intent: model.IntentUnknown, Confidence: 0.3}
	}
}

func evidenceMatches(query string) []string {
	var out []string
	for _, re := range evidencePatterns {
		if re.MatchString(query) {
			out = append(out, re.String())
		}
	}
	return out
}

// ExtractKeywords returns stopword-filtered tokens of length >=3, sorted by
// length descending (ties preserve first-seen order).
func (p *QueryProcessor) ExtractKeywords(query string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, tok := range strings.Fields(strings.ToLower(query)) {
		tok = strings.Trim(tok, ".,;:!?()[]{}\"'")
		if len(tok) < 3 {
			continue
		}
		if _, stop := stopwords[tok]; stop {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

// DetermineEvidenceLevel implements the HIGH/LOW/NONE rule from §4.5/§4.12.
func (p *QueryProcessor) DetermineEvidenceLevel(sources []model.SearchResult) model.EvidenceLevel {
	if len(sources) == 0 {
		return model.EvidenceNone
	}

	highScoreCount := 0
	sum := 0.0
	hasStatuteOrBill := false
	for _, s := range sources {
		sum += s.Score
		if s.Score > 0.7 {
			highScoreCount++
			if s.Doc.Type == model.DocTypeStatute || s.Doc.Type == model.DocTypeBill {
				hasStatuteOrBill = true
			}
		}
	}
	mean := sum / float64(len(sources))

	if highScoreCount >= 2 && hasStatuteOrBill {
		return model.EvidenceHigh
	}
	if mean > 0.75 {
		return model.EvidenceHigh
	}
	if mean > 0.4 {
		return model.EvidenceLow
	}
	return model.EvidenceNone
}
