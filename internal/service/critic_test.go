package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rattsbas/aegis/internal/llmclient"
	"github.com/rattsbas/aegis/internal/model"
)

type fixedLM struct {
	resp string
	err  error
}

func (f *fixedLM) GenerateContent(_ context.Context, _, _ string, _ llmclient.GenConfig) (string, error) {
	return f.resp, f.err
}

func TestSelfReflect_ParsesValidReflection(t *testing.T) {
	lm := &fixedLM{resp: `{"thought_process":"ok","has_sufficient_evidence":true,"missing_evidence":[],"citation_plan":["d1"],"constitutional_compliance":true,"confidence":0.8}`}
	c := NewCritic(lm)

	reflection := c.SelfReflect(context.Background(), "q", model.ModeEvidence, nil)
	assert.True(t, reflection.HasSufficientEvidence)
	assert.Equal(t, 0.8, reflection.Confidence)
}

func TestSelfReflect_ReturnsConservativeOnLMError(t *testing.T) {
	lm := &fixedLM{err: errors.New("lm down")}
	c := NewCritic(lm)

	reflection := c.SelfReflect(context.Background(), "q", model.ModeEvidence, nil)
	assert.False(t, reflection.HasSufficientEvidence)
}

func TestSelfReflect_ReturnsConservativeOnParseFailure(t *testing.T) {
	lm := &fixedLM{resp: "not json"}
	c := NewCritic(lm)

	reflection := c.SelfReflect(context.Background(), "q", model.ModeEvidence, nil)
	assert.False(t, reflection.HasSufficientEvidence)
}

func TestCritique_ValidCandidateOK(t *testing.T) {
	c := NewCritic(&fixedLM{})
	candidate := model.StructuredResponse{
		Mode:   model.ModeEvidence,
		Svar:   "Enligt 2010:800 gäller skolplikt.",
		Kallor: []model.Kalla{{DocID: "d1", ChunkID: "c1", Citat: "skolplikt"}},
	}
	result := c.Critique(candidate, model.ModeEvidence)
	assert.True(t, result.OK)
}

func TestRevise_EnforcesRefusalShapeWhenSaknasUnderlagWithWrongText(t *testing.T) {
	c := NewCritic(&fixedLM{})
	candidate := model.StructuredResponse{
		Mode:           model.ModeEvidence,
		SaknasUnderlag: true,
		Svar:           "jag vet inte säkert",
		Kallor:         []model.Kalla{{DocID: "d1", ChunkID: "c1", Citat: "x"}},
	}
	critique := NewStructuredOutputValidator().Validate(candidate, model.ModeEvidence)
	require.False(t, critique.OK)

	fixed := c.Revise(candidate, critique)
	assert.Equal(t, refusalSvar, fixed.Svar)
	assert.Empty(t, fixed.Kallor)
}

func TestRevise_StripsInternalNote(t *testing.T) {
	c := NewCritic(&fixedLM{})
	candidate := model.StructuredResponse{
		Mode:             model.ModeAssist,
		Svar:             "svaret",
		Arbetsanteckning: "intern anteckning",
	}
	critique := NewStructuredOutputValidator().Validate(candidate, model.ModeAssist)
	fixed := c.Revise(candidate, critique)
	assert.Empty(t, fixed.Arbetsanteckning)
}

func TestReviseBounded_FallsBackToRefusalInEvidenceMode(t *testing.T) {
	c := NewCritic(&fixedLM{})
	candidate := model.StructuredResponse{
		Mode:           model.ModeEvidence,
		SaknasUnderlag: true,
		Svar:           "oklar text",
	}
	final, _ := c.ReviseBounded(candidate, model.ModeEvidence)
	assert.Equal(t, refusalSvar, final.Svar)
	assert.True(t, final.SaknasUnderlag)
}

func TestReviseBounded_ConvergesForValidCandidate(t *testing.T) {
	c := NewCritic(&fixedLM{})
	candidate := model.StructuredResponse{
		Mode:   model.ModeEvidence,
		Svar:   "Enligt 2010:800 gäller skolplikt.",
		Kallor: []model.Kalla{{DocID: "d1", ChunkID: "c1", Citat: "skolplikt"}},
	}
	final, ok := c.ReviseBounded(candidate, model.ModeEvidence)
	assert.True(t, ok)
	assert.Equal(t, candidate.Svar, final.Svar)
}
