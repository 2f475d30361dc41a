package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rattsbas/aegis/internal/model"
)

const retryInstruction = "Du returnerade ogiltig JSON. Returnera endast giltig JSON enligt schemat, inga backticks, ingen löptext."

// refusalSvar is the verbatim EVIDENCE-mode refusal text used whenever the
// model (or a failed retry) cannot produce a valid structured response.
const refusalSvar = "Tyvärr kan jag inte besvara frågan utifrån de dokument som har hämtats i den här sökningen. Underlag saknas för att ge ett rättssäkert svar, och jag kan därför inte spekulera. Om du vill kan du omformulera frågan eller ange vilka dokument/avsnitt du vill att jag ska söker i."

// safeFallbackSvar is the verbatim ASSIST-mode fallback when structured
// output validation fails twice.
const safeFallbackSvar = "Jag kunde inte tolka modellens strukturerade svar. Försök igen."

// parseLLMJSON extracts the widest balanced {...} span from text, tolerant
// of ``` code-fence wrappers and trailing prose around the JSON object.
func parseLLMJSON(text string) (string, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", fmt.Errorf("structured: no JSON object found")
	}

	depth := 0
	end := -1
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				end = i
			}
		}
		if end != -1 {
			break
		}
	}
	if end == -1 {
		return "", fmt.Errorf("structured: unbalanced JSON object")
	}
	return text[start : end+1], nil
}

// unmarshalStructuredResponse parses raw LM output into a StructuredResponse.
func unmarshalStructuredResponse(raw string) (model.StructuredResponse, error) {
	span, err := parseLLMJSON(raw)
	if err != nil {
		return model.StructuredResponse{}, err
	}
	var resp model.StructuredResponse
	if err := json.Unmarshal([]byte(span), &resp); err != nil {
		return model.StructuredResponse{}, fmt.Errorf("structured: unmarshal: %w", err)
	}
	return resp, nil
}

// StructuredOutputValidator implements C13.
type StructuredOutputValidator struct{}

// NewStructuredOutputValidator constructs a StructuredOutputValidator.
// Stateless.
func NewStructuredOutputValidator() *StructuredOutputValidator {
	return &StructuredOutputValidator{}
}

// ValidationResult is Validate's output.
type ValidationResult struct {
	OK          bool
	Issues      []string
	SuggestedFix *model.StructuredResponse
}

// Validate applies schema validation plus the mode-appropriate constraints
// from spec §4.11's critique list.
func (v *StructuredOutputValidator) Validate(resp model.StructuredResponse, mode model.Mode) ValidationResult {
	var issues []string

	if strings.TrimSpace(resp.Svar) == "" && !resp.SaknasUnderlag {
		issues = append(issues, "svar is empty")
	}
	if strings.Contains(strings.ToLower(resp.Svar), "arbetsanteckning") {
		issues = append(issues, "svar leaks internal note marker")
	}

	if mode == model.ModeEvidence {
		if resp.SaknasUnderlag {
			if strings.TrimSpace(resp.Svar) != refusalSvar {
				issues = append(issues, "saknas_underlag=true requires the refusal text verbatim")
			}
			if len(resp.Kallor) != 0 {
				issues = append(issues, "saknas_underlag=true requires empty kallor")
			}
		}
		if len(resp.FaktaUtanKalla) != 0 {
			issues = append(issues, "fakta_utan_kalla must be empty in EVIDENCE mode")
		}
		for i, k := range resp.Kallor {
			if k.DocID == "" || k.ChunkID == "" || k.Citat == "" {
				issues = append(issues, fmt.Sprintf("kallor[%d] missing doc_id, chunk_id or citat", i))
			}
		}
	}

	return ValidationResult{OK: len(issues) == 0, Issues: issues}
}

// RetryCallFn re-invokes the language model with an additional instruction
// appended to the prior prompt (the strict-JSON retry instruction on
// failure).
type RetryCallFn func(ctx context.Context, instruction string) (string, error)

// ValidateWithRetries calls call, parses and validates the result; on parse
// or validation failure it re-invokes call with the strict-JSON retry
// instruction. maxRetries bounds the total number of additional attempts;
// a value <= 0 is treated as 1 (spec default: 1, for 2 attempts total).
func (v *StructuredOutputValidator) ValidateWithRetries(ctx context.Context, call RetryCallFn, mode model.Mode, maxRetries int) (model.StructuredResponse, ValidationResult, error) {
	if maxRetries <= 0 {
		maxRetries = 1
	}

	var lastResp model.StructuredResponse
	var lastResult ValidationResult
	instruction := ""

	for attempt := 0; attempt <= maxRetries; attempt++ {
		raw, err := call(ctx, instruction)
		if err != nil {
			return model.StructuredResponse{}, ValidationResult{OK: false, Issues: []string{err.Error()}}, fmt.Errorf("structured: call: %w", err)
		}

		resp, parseErr := unmarshalStructuredResponse(raw)
		if parseErr != nil {
			lastResult = ValidationResult{OK: false, Issues: []string{parseErr.Error()}}
			instruction = retryInstruction
			continue
		}

		result := v.Validate(resp, mode)
		lastResp, lastResult = resp, result
		if result.OK {
			return resp, result, nil
		}
		instruction = retryInstruction
	}

	return lastResp, lastResult, nil
}
