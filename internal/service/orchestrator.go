package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rattsbas/aegis/internal/apperr"
	"github.com/rattsbas/aegis/internal/llmclient"
	"github.com/rattsbas/aegis/internal/model"
)

// GenerativeLM is the consumed language-model interface for final-answer
// generation (C4): a non-streaming call used by the non-streaming pipeline
// and a streaming call used by the SSE pipeline, mirroring llmclient.Client.
type GenerativeLM interface {
	GenerateContent(ctx context.Context, systemPrompt, userPrompt string, cfg llmclient.GenConfig) (string, error)
	GenerateContentStream(ctx context.Context, systemPrompt, userPrompt string, cfg llmclient.GenConfig) <-chan llmclient.Event
}

// ModeGenConfig bundles the per-mode generation parameters (spec §3).
type ModeGenConfig struct {
	Evidence llmclient.GenConfig
	Assist   llmclient.GenConfig
	Chat     llmclient.GenConfig
}

func (m ModeGenConfig) forMode(mode model.Mode) llmclient.GenConfig {
	switch mode {
	case model.ModeEvidence:
		return m.Evidence
	case model.ModeChat:
		return m.Chat
	default:
		return m.Assist
	}
}

// OrchestratorConfig bundles the feature flags and generation configuration
// driving the pipeline (spec §4.14, §5).
type OrchestratorConfig struct {
	Strategy                Strategy
	RoutingEnabled          bool
	GradingEnabled          bool
	SelfReflectionEnabled   bool
	StructuredOutputEnabled bool
	CriticReviseEnabled     bool
	RerankingEnabled        bool
	GenConfig               ModeGenConfig
	MaxRetries              int
	DebugThoughtChain       bool
}

// Orchestrator implements C14: the end-to-end retrieval-augmented answer
// pipeline, grounded on the teacher's handler/chat.go (sequential stages,
// SSE event emission) and generator.go (prompt composition before the LM
// call). Unlike the teacher it is transport-agnostic: handlers call
// RunNonStreaming or RunStreaming and translate results/events into HTTP.
type Orchestrator struct {
	qp        *QueryProcessor
	retriever *Retriever
	grader    *Grader
	critic    *Critic
	guardrail *Guardrail
	validator *StructuredOutputValidator
	fewShot   *FewShotRetriever
	prompts   *PromptAssembler
	reranker  *Reranker
	lm        GenerativeLM
	cfg       OrchestratorConfig
}

// NewOrchestrator wires the pipeline. grader, critic, fewShot and reranker
// may be nil: the corresponding optional pipeline steps are then skipped
// regardless of the config flags.
func NewOrchestrator(
	retriever *Retriever,
	grader *Grader,
	critic *Critic,
	guardrail *Guardrail,
	validator *StructuredOutputValidator,
	fewShot *FewShotRetriever,
	prompts *PromptAssembler,
	reranker *Reranker,
	lm GenerativeLM,
	cfg OrchestratorConfig,
) *Orchestrator {
	return &Orchestrator{
		qp:        NewQueryProcessor(),
		retriever: retriever,
		grader:    grader,
		critic:    critic,
		guardrail: guardrail,
		validator: validator,
		fewShot:   fewShot,
		prompts:   prompts,
		reranker:  reranker,
		lm:        lm,
		cfg:       cfg,
	}
}

// pipelineState carries the intermediate results threaded through the
// non-streaming and streaming pipelines, so both can share the same
// stage implementations.
type pipelineState struct {
	mode           model.Mode
	decontextual   string
	sources        []model.SearchResult
	metrics        model.RetrievalMetrics
	signals        model.ConfidenceSignals
	routing        *model.Routing
	intent         model.Intent
	hasIntent      bool
	reasoningTrace []string
}

// classifyMode resolves the effective mode: an explicit override wins,
// otherwise the classifier decides.
func (o *Orchestrator) classifyMode(query string, override model.Mode) model.Mode {
	if override != "" && override != model.ModeAuto {
		return override
	}
	return o.qp.Classify(query).Mode
}

// retrieveStage runs decontextualization, strategy selection and retrieval
// (steps 3-5). Returns the populated pipelineState, or an error for a
// retrieval-layer failure (bubbled as a typed error per spec §7).
func (o *Orchestrator) retrieveStage(ctx context.Context, query string, history []model.ConversationTurn, mode model.Mode) (*pipelineState, error) {
	decon := o.qp.Decontextualize(query, history)
	state := &pipelineState{mode: mode, decontextual: decon.Rewritten}
	if decon.Rewritten != decon.Original {
		slog.Info("[ORCHESTRATOR] decontextualized", "original", decon.Original, "rewritten", decon.Rewritten)
		state.reasoningTrace = append(state.reasoningTrace, fmt.Sprintf("decontextualized: %q -> %q", decon.Original, decon.Rewritten))
	}

	resp, err := o.retriever.Search(ctx, SearchRequest{
		Query:          decon.Rewritten,
		History:        history,
		Strategy:       o.cfg.Strategy,
		RoutingEnabled: o.cfg.RoutingEnabled,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindRetrieval, "retrieval failed", err)
	}

	state.sources = resp.Results
	state.metrics = resp.Metrics
	state.signals = resp.Signals
	state.routing = resp.Routing
	state.intent = resp.Intent
	state.hasIntent = resp.HasIntent
	return state, nil
}

// abstainResult implements the deterministic no-answer policy (§4.8): when
// the retriever's confidence signals say ShouldAbstain, the pipeline never
// reaches generation. EVIDENCE gets the verbatim refusal template, every
// other non-CHAT mode gets the safe fallback; both carry no sources, so
// kallor is empty (§8). Grounded on the Python orchestrator's end-of-
// retrieval abstain check (original_source/.../retrieval_orchestrator.py:886-907).
func (o *Orchestrator) abstainResult(state *pipelineState) *model.RAGResult {
	if !state.signals.ShouldAbstain {
		return nil
	}
	answer := safeFallbackSvar
	if state.mode == model.ModeEvidence {
		answer = refusalSvar
	}
	state.reasoningTrace = append(state.reasoningTrace, fmt.Sprintf("abstained: %s", state.signals.AbstainReason))
	return &model.RAGResult{
		Answer:          answer,
		Sources:         nil,
		Mode:            state.mode,
		GuardrailStatus: model.GuardrailUnchanged,
		EvidenceLevel:   model.EvidenceNone,
		Success:         true,
		Metrics:         state.metrics,
		Routing:         state.routing,
		Intent:          state.intent,
		HasIntent:       state.hasIntent,
		ReasoningTrace:  state.reasoningTrace,
		Abstained:       true,
	}
}

// gradeStage runs C10 when enabled, filtering sources and recording the
// grading step in the reasoning trace (step 6).
func (o *Orchestrator) gradeStage(ctx context.Context, query string, state *pipelineState) {
	if !o.cfg.GradingEnabled || o.grader == nil {
		return
	}
	graded, metrics, err := o.grader.Grade(ctx, query, state.sources)
	if err != nil {
		slog.Warn("[ORCHESTRATOR] grading failed, keeping ungraded sources", "err", err)
		return
	}
	state.sources = graded
	state.reasoningTrace = append(state.reasoningTrace, fmt.Sprintf("graded %d documents, %d relevant", metrics.Graded, metrics.RelevantCount))
}

// reflectStage runs C11 self-reflection when enabled (step 7). Returns a
// non-nil refusal result only when EVIDENCE mode and evidence is judged
// insufficient; the caller short-circuits in that case.
func (o *Orchestrator) reflectStage(ctx context.Context, query string, state *pipelineState) *model.RAGResult {
	if !o.cfg.SelfReflectionEnabled || o.critic == nil || state.mode != model.ModeEvidence {
		return nil
	}
	reflection := o.critic.SelfReflect(ctx, query, state.mode, state.sources)
	state.reasoningTrace = append(state.reasoningTrace, fmt.Sprintf("self-reflection: sufficient=%v confidence=%.2f", reflection.HasSufficientEvidence, reflection.Confidence))
	if reflection.HasSufficientEvidence {
		return nil
	}
	return &model.RAGResult{
		Answer:          refusalSvar,
		Sources:         nil,
		Mode:            state.mode,
		GuardrailStatus: model.GuardrailUnchanged,
		EvidenceLevel:   model.EvidenceNone,
		Success:         true,
		Metrics:         state.metrics,
		Routing:         state.routing,
		Intent:          state.intent,
		HasIntent:       state.hasIntent,
		ReasoningTrace:  state.reasoningTrace,
		Abstained:       true,
	}
}

// buildPrompt runs steps 8-10: context block, few-shot retrieval and
// system-prompt composition.
func (o *Orchestrator) buildPrompt(ctx context.Context, query string, state *pipelineState) string {
	var fewShot []model.Document
	if o.fewShot != nil {
		examples, err := o.fewShot.Retrieve(ctx, state.mode, query)
		if err != nil {
			slog.Warn("[ORCHESTRATOR] few-shot retrieval failed", "err", err)
		} else {
			fewShot = examples
		}
	}
	return o.prompts.BuildSystemPrompt(state.mode, o.cfg.StructuredOutputEnabled, fewShot, state.sources)
}

// generateStructured runs steps 11-13 for non-CHAT modes: generation,
// structured-output validation with a bounded strict-JSON retry, and
// bounded critic/revise.
func (o *Orchestrator) generateStructured(ctx context.Context, systemPrompt, query string, state *pipelineState) (model.StructuredResponse, error) {
	genCfg := o.cfg.GenConfig.forMode(state.mode)

	if !o.cfg.StructuredOutputEnabled {
		raw, err := o.lm.GenerateContent(ctx, systemPrompt, query, genCfg)
		if err != nil {
			return model.StructuredResponse{}, apperr.Wrap(apperr.KindLLMUnavailable, "generation failed", err)
		}
		return model.StructuredResponse{Mode: state.mode, Svar: raw}, nil
	}

	call := func(ctx context.Context, instruction string) (string, error) {
		prompt := systemPrompt
		if instruction != "" {
			prompt = systemPrompt + "\n\n" + instruction
		}
		return o.lm.GenerateContent(ctx, prompt, query, genCfg)
	}

	resp, result, err := o.validator.ValidateWithRetries(ctx, call, state.mode, o.cfg.MaxRetries)
	if err != nil {
		return model.StructuredResponse{}, apperr.Wrap(apperr.KindLLMUnavailable, "generation failed", err)
	}

	if !result.OK {
		if state.mode == model.ModeEvidence {
			resp = model.StructuredResponse{Mode: state.mode, SaknasUnderlag: true, Svar: refusalSvar}
		} else {
			resp = model.StructuredResponse{Mode: state.mode, Svar: safeFallbackSvar}
		}
	}

	if o.cfg.CriticReviseEnabled && o.critic != nil {
		resp, _ = o.critic.ReviseBounded(resp, state.mode)
	}

	return resp, nil
}

// RunNonStreaming executes the full 16-step pipeline (spec §4.14).
func (o *Orchestrator) RunNonStreaming(ctx context.Context, query string, history []model.ConversationTurn, modeOverride model.Mode) (*model.RAGResult, error) {
	start := time.Now()
	mode := o.classifyMode(query, modeOverride)

	if ok, reason := o.guardrail.CheckQuerySafety(query); !ok {
		return nil, apperr.New(apperr.KindSecurity, "query rejected: "+reason)
	}

	if mode == model.ModeChat {
		return o.runChat(ctx, query, start)
	}

	state, err := o.retrieveStage(ctx, query, history, mode)
	if err != nil {
		return nil, err
	}

	if abstain := o.abstainResult(state); abstain != nil {
		abstain.Metrics.TotalLatency = time.Since(start)
		return abstain, nil
	}

	o.gradeStage(ctx, query, state)

	if refusal := o.reflectStage(ctx, query, state); refusal != nil {
		refusal.Metrics.TotalLatency = time.Since(start)
		return refusal, nil
	}

	systemPrompt := o.buildPrompt(ctx, query, state)

	structured, err := o.generateStructured(ctx, systemPrompt, query, state)
	if err != nil {
		return nil, err
	}

	guardResult, err := o.guardrail.ValidateResponse(structured.Svar, query, mode, state.sources)
	if err != nil {
		return nil, err
	}

	if o.cfg.RerankingEnabled && o.reranker != nil && len(state.sources) > 0 {
		reranked, err := o.reranker.Rerank(ctx, query, state.sources, len(state.sources))
		if err != nil {
			slog.Warn("[ORCHESTRATOR] reranking failed, keeping original order", "err", err)
		} else {
			state.sources = reranked.Results
		}
	}

	state.metrics.TotalLatency = time.Since(start)

	return &model.RAGResult{
		Answer:          guardResult.Text,
		Sources:         state.sources,
		Citations:       citationsFromKallor(structured.Kallor, state.sources),
		ReasoningTrace:  state.reasoningTrace,
		Metrics:         state.metrics,
		Mode:            mode,
		GuardrailStatus: guardResult.Status,
		EvidenceLevel:   guardResult.EvidenceLevel,
		Success:         true,
		Routing:         state.routing,
		Intent:          state.intent,
		HasIntent:       state.hasIntent,
	}, nil
}

// runChat handles the CHAT-mode shortcut (step 1): no retrieval, no
// structured output, guardrail applies to the raw LM output.
func (o *Orchestrator) runChat(ctx context.Context, query string, start time.Time) (*model.RAGResult, error) {
	systemPrompt := o.prompts.BuildSystemPrompt(model.ModeChat, false, nil, nil)
	raw, err := o.lm.GenerateContent(ctx, systemPrompt, query, o.cfg.GenConfig.forMode(model.ModeChat))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindLLMUnavailable, "generation failed", err)
	}

	guardResult, err := o.guardrail.ValidateResponse(raw, query, model.ModeChat, nil)
	if err != nil {
		return nil, err
	}

	return &model.RAGResult{
		Answer:          guardResult.Text,
		Mode:            model.ModeChat,
		GuardrailStatus: guardResult.Status,
		EvidenceLevel:   model.EvidenceNone,
		Success:         true,
		Metrics:         model.RetrievalMetrics{TotalLatency: time.Since(start)},
	}, nil
}

// citationsFromKallor converts the LM-facing kallor schema entries into the
// outward-facing Citation shape, resolving each doc_id against the
// retrieved source list for title/collection/tier.
func citationsFromKallor(kallor []model.Kalla, sources []model.SearchResult) []model.Citation {
	byID := make(map[string]model.SearchResult, len(sources))
	for _, s := range sources {
		byID[s.Doc.ID] = s
	}

	citations := make([]model.Citation, 0, len(kallor))
	for _, k := range kallor {
		src, ok := byID[k.DocID]
		citation := model.Citation{Claim: k.Citat, SourceID: k.DocID}
		if ok {
			citation.SourceTitle = src.Doc.Title
			citation.SourceCollection = src.Doc.Collection
			citation.Tier = src.Tier
		}
		citations = append(citations, citation)
	}
	return citations
}
