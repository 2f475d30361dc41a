package service

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rattsbas/aegis/internal/model"
)

const constitutionalExamplesPlaceholder = "{{CONSTITUTIONAL_EXAMPLES}}"

// modeRules is the constitutional rule block per mode, verbatim (spec §6).
var modeRules = map[model.Mode]string{
	model.ModeEvidence: "Använd endast de tillhandahållna källorna. Alla påståenden måste citeras med [Källa N]. " +
		"Lagrumshänvisningar ska återges ordagrant när de förekommer. Om källorna inte stödjer svaret, " +
		"svara med vägransmallen och sätt saknas_underlag=true.",
	model.ModeAssist: "Källor är att föredra och ska citeras när de används. Allmän kunskap är tillåten men ska " +
		"placeras i fakta_utan_kalla.",
	model.ModeChat: "Inga källor används. Svara på max 2–3 meningar. Ingen markdown.",
}

// structuredOutputSchema is Layer 2, emitted only when structured output is
// enabled (EVIDENCE/ASSIST; never CHAT).
const structuredOutputSchema = `Returnera endast giltig JSON enligt detta schema:
{
  "mode": "EVIDENCE" | "ASSIST",
  "saknas_underlag": bool,
  "svar": string,
  "kallor": [{"doc_id": string, "chunk_id": string, "citat": string, "loc": string}],
  "fakta_utan_kalla": [string],
  "arbetsanteckning": string
}`

// PromptAssembler builds the layered system prompt ("prompt sandwich"),
// grounded on the teacher's PromptLoader: a role preamble, the mode's
// constitutional rules, an optional JSON-schema block, the few-shot
// examples substitution and the Orchestrator-built context block.
//
// Unlike the teacher, nothing here is read from disk — the rule text is
// static per mode (spec §6), so there is no FATAL-missing-file startup
// path. HotReload is kept for parity with the teacher's idiom and to leave
// room for an operator to swap in a different rule set without a restart.
type PromptAssembler struct {
	mu    sync.RWMutex
	rules map[model.Mode]string
}

// NewPromptAssembler constructs a PromptAssembler with the default
// mode-rule set.
func NewPromptAssembler() *PromptAssembler {
	p := &PromptAssembler{}
	p.load()
	return p
}

func (p *PromptAssembler) load() {
	rules := make(map[model.Mode]string, len(modeRules))
	for mode, text := range modeRules {
		rules[mode] = text
	}
	p.mu.Lock()
	p.rules = rules
	p.mu.Unlock()
}

// HotReload resets the rule set back to the built-in defaults.
func (p *PromptAssembler) HotReload() {
	p.load()
}

// rolePreamble returns the Swedish role preamble, constant across modes.
func rolePreamble() string {
	return "Du är en assistent som svarar på frågor om svensk lagstiftning, riksdagstryck och statliga utredningar."
}

// BuildFewShotBlock formats up to two retrieved exemplars into the fixed
// placeholder format.
func BuildFewShotBlock(examples []model.Document) string {
	if len(examples) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, ex := range examples {
		fmt.Fprintf(&sb, "Exempel %d:\n%s\n\n", i+1, ex.Snippet)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// BuildContextBlock renders the retrieved sources into the context block
// format: "Källa N: <title> [⭐ PRIORITET (SFS)|Typ: <UPPER>] | Relevans: <score>\n<snippet>".
// Primary-tier (A) results are marked with the priority/SFS badge; all
// others show their document type.
func BuildContextBlock(results []model.SearchResult) string {
	var sb strings.Builder
	for i, r := range results {
		tag := fmt.Sprintf("Typ: %s", strings.ToUpper(string(r.Doc.Type)))
		if r.HasTier && r.Tier == model.TierPrimary {
			tag = "⭐ PRIORITET (SFS)"
		}
		fmt.Fprintf(&sb, "Källa %d: %s [%s] | Relevans: %.3f\n%s\n\n", i+1, r.Doc.Title, tag, r.Score, r.Doc.Snippet)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// BuildSystemPrompt assembles the full layered prompt. structuredOutput
// controls Layer 2 (omitted entirely in CHAT mode, where it never applies).
func (p *PromptAssembler) BuildSystemPrompt(mode model.Mode, structuredOutput bool, fewShot []model.Document, context []model.SearchResult) string {
	p.mu.RLock()
	rule := p.rules[mode]
	p.mu.RUnlock()

	var sb strings.Builder
	sb.WriteString(rolePreamble())
	sb.WriteString("\n\n")
	sb.WriteString(rule)

	if structuredOutput && mode != model.ModeChat {
		sb.WriteString("\n\n")
		sb.WriteString(structuredOutputSchema)
	}

	sb.WriteString("\n\n")
	if block := BuildFewShotBlock(fewShot); block != "" {
		sb.WriteString(block)
	} else {
		sb.WriteString(constitutionalExamplesPlaceholder)
	}

	if mode != model.ModeChat {
		sb.WriteString("\n\n")
		sb.WriteString(BuildContextBlock(context))
	}

	return sb.String()
}
