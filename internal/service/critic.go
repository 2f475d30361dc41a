package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rattsbas/aegis/internal/llmclient"
	"github.com/rattsbas/aegis/internal/model"
)

const maxCriticRevisions = 2

// Reflection is self_reflection's output (spec §4.11). Its ThoughtProcess is
// never embedded in downstream prompts, to avoid contaminating generation
// with the model's own reasoning about itself.
type Reflection struct {
	ThoughtProcess          string   `json:"thought_process"`
	HasSufficientEvidence   bool     `json:"has_sufficient_evidence"`
	MissingEvidence         []string `json:"missing_evidence"`
	CitationPlan            []string `json:"citation_plan"`
	ConstitutionalCompliance bool    `json:"constitutional_compliance"`
	Confidence              float64  `json:"confidence"`
}

// conservativeReflection is returned when the LM's reflection call fails to
// parse: it never claims sufficient evidence, so EVIDENCE mode always
// short-circuits to refusal rather than risk an unsupported answer.
func conservativeReflection() Reflection {
	return Reflection{
		ThoughtProcess:        "reflection unavailable",
		HasSufficientEvidence: false,
		ConstitutionalCompliance: true,
	}
}

// Critic implements C11: self-reflection plus deterministic critique/revise.
type Critic struct {
	lm SmallLM
}

// NewCritic constructs a Critic.
func NewCritic(lm SmallLM) *Critic {
	return &Critic{lm: lm}
}

// SelfReflect asks the small LM whether sources sufficiently support
// answering query in mode. A parse failure returns a conservative
// "insufficient" reflection rather than failing the call.
func (c *Critic) SelfReflect(ctx context.Context, query string, mode model.Mode, sources []model.SearchResult) Reflection {
	var sb strings.Builder
	for i, s := range sources {
		fmt.Fprintf(&sb, "[%d] %s: %s\n", i+1, s.Doc.Title, s.Doc.Snippet)
	}

	system := "Du granskar om källorna räcker för att besvara frågan korrekt och fullständigt. Svara endast med JSON enligt schemat."
	user := fmt.Sprintf("Läge: %s\nFråga: %s\n\nKällor:\n%s\n\nReturnera JSON: {\"thought_process\": \"...\", \"has_sufficient_evidence\": bool, \"missing_evidence\": [...], \"citation_plan\": [...], \"constitutional_compliance\": bool, \"confidence\": 0.0-1.0}.",
		mode, query, sb.String())

	raw, err := c.lm.GenerateContent(ctx, system, user, llmclient.GenConfig{Temperature: 0, MaxTokens: 400})
	if err != nil {
		return conservativeReflection()
	}

	span, err := parseLLMJSON(raw)
	if err != nil {
		return conservativeReflection()
	}
	var reflection Reflection
	if err := json.Unmarshal([]byte(span), &reflection); err != nil {
		return conservativeReflection()
	}
	return reflection
}

// CriticResult is critique's output.
type CriticResult struct {
	OK          bool
	Issues      []string
	SuggestedFix model.StructuredResponse
}

// Critique is a purely deterministic validation of candidate against mode's
// constraints; it never calls the LM. It delegates to
// StructuredOutputValidator.Validate, which covers the EVIDENCE-mode
// citation-shape rule and the no-leaked-note rule, and attaches Revise's
// fix for the issues found.
func (c *Critic) Critique(candidate model.StructuredResponse, mode model.Mode) CriticResult {
	v := NewStructuredOutputValidator()
	result := v.Validate(candidate, mode)
	return CriticResult{OK: result.OK, Issues: result.Issues, SuggestedFix: c.Revise(candidate, result)}
}

// Revise applies deterministic fixes for each issue: fills missing fields
// with defaults, strips the internal note, and enforces the EVIDENCE
// refusal shape. No LM call.
func (c *Critic) Revise(candidate model.StructuredResponse, critique ValidationResult) model.StructuredResponse {
	fixed := candidate.StripInternalNote()

	if mustUseEvidenceRefusalShape(critique.Issues) {
		fixed.SaknasUnderlag = true
		fixed.Svar = refusalSvar
		fixed.Kallor = nil
	}
	if mustClearFaktaUtanKalla(critique.Issues) {
		fixed.FaktaUtanKalla = nil
	}
	if strings.TrimSpace(fixed.Svar) == "" && !fixed.SaknasUnderlag {
		fixed.Svar = safeFallbackSvar
	}

	return fixed
}

func mustUseEvidenceRefusalShape(issues []string) bool {
	for _, issue := range issues {
		if strings.Contains(issue, "refusal text") || strings.Contains(issue, "empty kallor") {
			return true
		}
	}
	return false
}

func mustClearFaktaUtanKalla(issues []string) bool {
	for _, issue := range issues {
		if strings.Contains(issue, "fakta_utan_kalla") {
			return true
		}
	}
	return false
}

// ReviseBounded runs up to maxCriticRevisions critique/revise rounds,
// re-critiquing the revised candidate each time. If still not ok after the
// bound, it emits the mode-specific fallback: the EVIDENCE refusal shape
// with empty sources, or the ASSIST safe fallback text without citations.
func (c *Critic) ReviseBounded(candidate model.StructuredResponse, mode model.Mode) (model.StructuredResponse, bool) {
	current := candidate
	for i := 0; i < maxCriticRevisions; i++ {
		result := c.Critique(current, mode)
		if result.OK {
			return current, true
		}
		current = result.SuggestedFix
	}

	final := c.Critique(current, mode)
	if final.OK {
		return current, true
	}

	if mode == model.ModeEvidence {
		return model.StructuredResponse{Mode: mode, SaknasUnderlag: true, Svar: refusalSvar}, false
	}
	return model.StructuredResponse{Mode: mode, Svar: safeFallbackSvar}, false
}
