package service

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/rattsbas/aegis/internal/apperr"
	"github.com/rattsbas/aegis/internal/model"
)

const maxQueryLength = 2000

// securityPatterns are the closed set of pattern classes checked in both
// queries and responses: prompt-injection, jailbreak, shell-exec lures, and
// system-prompt reveal attempts.
var securityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore (all )?(previous|prior|above) instructions`),
	regexp.MustCompile(`(?i)you are now (in )?(developer|dan|jailbreak) mode`),
	regexp.MustCompile(`(?i)reveal (your|the) (system|hidden) prompt`),
	regexp.MustCompile(`(?i)\brm\s+-rf\b`),
	regexp.MustCompile(`(?i)\b(curl|wget)\s+http`),
	regexp.MustCompile(`(?i)disregard (your|all) (safety|rules|guidelines)`),
}

// citationMarkerRe matches the inline citation marker format, e.g. "[1]".
var citationMarkerRe = regexp.MustCompile(`\[(\d+)\]`)

// Correction is one applied term correction.
type Correction struct {
	From       string
	To         string
	Confidence float64
}

// GuardrailResult is validate_response's output.
type GuardrailResult struct {
	Text          string
	Corrections   []Correction
	Status        model.GuardrailStatus
	EvidenceLevel model.EvidenceLevel
	Confidence    float64
}

// Guardrail implements C12: post-generation correction and safety checks.
type Guardrail struct {
	qp *QueryProcessor
}

// NewGuardrail constructs a Guardrail.
func NewGuardrail() *Guardrail {
	return &Guardrail{qp: NewQueryProcessor()}
}

// ApplyCorrections regex-replaces outdated Swedish legal terms per the
// static termCorrections table, recording each substitution made.
func (g *Guardrail) ApplyCorrections(text string) (string, []Correction) {
	var corrections []Correction
	corrected := text
	for from, to := range termCorrections {
		if strings.Contains(corrected, from) {
			corrected = strings.ReplaceAll(corrected, from, to)
			corrections = append(corrections, Correction{From: from, To: to, Confidence: 0.95})
		}
	}
	return corrected, corrections
}

// CheckSecurityViolations reports the first matched pattern class, if any.
func (g *Guardrail) CheckSecurityViolations(text string) (bool, string) {
	for _, re := range securityPatterns {
		if re.MatchString(text) {
			return true, re.String()
		}
	}
	return false, ""
}

// CheckQuerySafety rejects queries matching a security pattern, exceeding
// the hard length limit, or skewed toward uppercase/special characters when
// long.
func (g *Guardrail) CheckQuerySafety(query string) (bool, string) {
	if violated, pattern := g.CheckSecurityViolations(query); violated {
		return false, "security pattern matched: " + pattern
	}
	if len(query) > maxQueryLength {
		return false, "query exceeds maximum length"
	}
	if len(query) > 100 {
		upper, special, total := 0, 0, 0
		for _, r := range query {
			if unicode.IsLetter(r) {
				total++
				if unicode.IsUpper(r) {
					upper++
				}
			} else if !unicode.IsSpace(r) && !unicode.IsDigit(r) {
				special++
			}
		}
		if total > 0 && float64(upper)/float64(total) > 0.8 {
			return false, "query is predominantly uppercase"
		}
		if len(query) > 0 && float64(special)/float64(len(query)) > 0.3 {
			return false, "query is predominantly special characters"
		}
	}
	return true, ""
}

// ValidateCitations enforces citation-marker format and uniqueness in
// EVIDENCE mode.
func (g *Guardrail) ValidateCitations(text string, mode model.Mode) (bool, string) {
	if mode != model.ModeEvidence {
		return true, ""
	}
	matches := citationMarkerRe.FindAllStringSubmatch(text, -1)
	seen := make(map[string]struct{})
	for _, m := range matches {
		if _, dup := seen[m[1]]; dup {
			return false, "duplicate citation marker " + m[0]
		}
		seen[m[1]] = struct{}{}
	}
	return true, ""
}

// DetermineEvidenceLevel delegates to QueryProcessor's shared rule (§4.5).
func (g *Guardrail) DetermineEvidenceLevel(sources []model.SearchResult) model.EvidenceLevel {
	return g.qp.DetermineEvidenceLevel(sources)
}

// ValidateResponse composes apply_corrections, the security check and
// citation validation into the final corrected text, its corrections,
// status and evidence level.
//
// Violations detected in CHAT mode are surfaced as a security error;
// in other modes they are logged via Status=rejected and the text is
// replaced with the safe fallback.
func (g *Guardrail) ValidateResponse(text, query string, mode model.Mode, sources []model.SearchResult) (GuardrailResult, error) {
	if violated, pattern := g.CheckSecurityViolations(text); violated {
		if mode == model.ModeChat {
			return GuardrailResult{}, apperr.New(apperr.KindSecurity, "security violation detected: "+pattern)
		}
		return GuardrailResult{
			Text:          safeFallbackSvar,
			Status:        model.GuardrailRejected,
			EvidenceLevel: model.EvidenceNone,
		}, nil
	}

	if ok, _ := g.ValidateCitations(text, mode); !ok {
		return GuardrailResult{
			Text:          text,
			Status:        model.GuardrailRejected,
			EvidenceLevel: g.DetermineEvidenceLevel(sources),
			Confidence:    0,
		}, nil
	}

	corrected, corrections := g.ApplyCorrections(text)
	status := model.GuardrailUnchanged
	if len(corrections) > 0 {
		status = model.GuardrailCorrected
	}

	confidence := 1.0
	for _, c := range corrections {
		confidence *= c.Confidence
	}

	return GuardrailResult{
		Text:          corrected,
		Corrections:   corrections,
		Status:        status,
		EvidenceLevel: g.DetermineEvidenceLevel(sources),
		Confidence:    confidence,
	}, nil
}
