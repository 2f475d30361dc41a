package service

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rattsbas/aegis/internal/model"
)

func TestBuildContextBlock_MarksPrimaryTierWithPriorityBadge(t *testing.T) {
	results := []model.SearchResult{
		{Doc: model.Document{Title: "Skollagen", Snippet: "text", Type: model.DocTypeStatute}, Score: 0.91, Tier: model.TierPrimary, HasTier: true},
		{Doc: model.Document{Title: "Utredning", Snippet: "text2", Type: model.DocTypeReport}, Score: 0.5, Tier: model.TierSecondary, HasTier: true},
	}
	block := BuildContextBlock(results)
	assert.Contains(t, block, "Källa 1: Skollagen [⭐ PRIORITET (SFS)] | Relevans: 0.910")
	assert.Contains(t, block, "Källa 2: Utredning [Typ: REPORT] | Relevans: 0.500")
}

func TestBuildFewShotBlock_EmptyReturnsEmptyString(t *testing.T) {
	assert.Equal(t, "", BuildFewShotBlock(nil))
}

func TestBuildFewShotBlock_FormatsNumberedExamples(t *testing.T) {
	examples := []model.Document{{Snippet: "fråga ett"}, {Snippet: "fråga två"}}
	block := BuildFewShotBlock(examples)
	assert.Contains(t, block, "Exempel 1:\nfråga ett")
	assert.Contains(t, block, "Exempel 2:\nfråga två")
}

func TestBuildSystemPrompt_EvidenceModeIncludesSchemaAndCitationRule(t *testing.T) {
	p := NewPromptAssembler()
	prompt := p.BuildSystemPrompt(model.ModeEvidence, true, nil, []model.SearchResult{
		{Doc: model.Document{Title: "Skollagen", Type: model.DocTypeStatute}, Score: 0.8, Tier: model.TierPrimary, HasTier: true},
	})
	assert.Contains(t, prompt, "[Källa N]")
	assert.Contains(t, prompt, `"mode": "EVIDENCE" | "ASSIST"`)
	assert.Contains(t, prompt, "Källa 1: Skollagen")
	assert.Contains(t, prompt, constitutionalExamplesPlaceholder)
}

func TestBuildSystemPrompt_ChatModeOmitsSchemaAndContext(t *testing.T) {
	p := NewPromptAssembler()
	prompt := p.BuildSystemPrompt(model.ModeChat, true, nil, []model.SearchResult{
		{Doc: model.Document{Title: "Skollagen"}, Score: 0.8},
	})
	assert.NotContains(t, prompt, "mode\": \"EVIDENCE\"")
	assert.NotContains(t, prompt, "Källa 1")
	assert.Contains(t, prompt, "Inga källor")
}

func TestBuildSystemPrompt_SubstitutesFewShotBlockWhenPresent(t *testing.T) {
	p := NewPromptAssembler()
	prompt := p.BuildSystemPrompt(model.ModeAssist, false, []model.Document{{Snippet: "exempelfråga"}}, nil)
	assert.Contains(t, prompt, "exempelfråga")
	assert.False(t, strings.Contains(prompt, constitutionalExamplesPlaceholder))
}

func TestHotReload_RestoresDefaultRules(t *testing.T) {
	p := NewPromptAssembler()
	p.mu.Lock()
	p.rules[model.ModeChat] = "overridden"
	p.mu.Unlock()

	p.HotReload()
	prompt := p.BuildSystemPrompt(model.ModeChat, false, nil, nil)
	assert.Contains(t, prompt, "Inga källor")
	assert.NotContains(t, prompt, "overridden")
}
