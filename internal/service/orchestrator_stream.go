package service

import (
	"context"
	"time"

	"github.com/rattsbas/aegis/internal/apperr"
	"github.com/rattsbas/aegis/internal/llmclient"
	"github.com/rattsbas/aegis/internal/model"
)

// StreamEventKind names one SSE event type (spec §4.14 streaming pipeline).
type StreamEventKind string

const (
	StreamMetadata         StreamEventKind = "metadata"
	StreamDecontextualized StreamEventKind = "decontextualized"
	StreamGrading          StreamEventKind = "grading"
	StreamThoughtChain     StreamEventKind = "thought_chain"
	StreamRefusal          StreamEventKind = "refusal"
	StreamToken            StreamEventKind = "token"
	StreamCorrections      StreamEventKind = "corrections"
	StreamFallback         StreamEventKind = "fallback"
	StreamError            StreamEventKind = "error"
	StreamComplete         StreamEventKind = "complete"
)

// StreamMetadataPayload is StreamMetadata's payload.
type StreamMetadataPayload struct {
	Mode          model.Mode
	Sources       []model.SearchResult
	EvidenceLevel model.EvidenceLevel
	SearchTimeMs  int64
}

// StreamCorrectionsPayload is StreamCorrections's payload.
type StreamCorrectionsPayload struct {
	Corrections   []Correction
	CorrectedText string
}

// StreamEvent is one item emitted by RunStreaming. Only the payload fields
// that belong to Kind are populated; StreamRefusal carries none.
type StreamEvent struct {
	Kind         StreamEventKind
	Metadata     *StreamMetadataPayload
	Decontextual string
	GradedCount  int
	RelevantCount int
	ThoughtChain string
	Token        string
	Corrections  *StreamCorrectionsPayload
	FromModel    string
	ToModel      string
	Err          error
	ElapsedMs    int64
}

// RunStreaming executes the same pipeline as RunNonStreaming but emits
// events as each stage completes and streams the final answer token by
// token, in the fixed order from spec §4.14: metadata precedes any token;
// corrections (if any) follow the last token; complete is terminal.
//
// The returned channel is closed when the pipeline finishes or ctx is
// cancelled; callers must drain it to avoid leaking the producing goroutine.
func (o *Orchestrator) RunStreaming(ctx context.Context, query string, history []model.ConversationTurn, modeOverride model.Mode) <-chan StreamEvent {
	out := make(chan StreamEvent, 64)

	go func() {
		defer close(out)
		start := time.Now()

		mode := o.classifyMode(query, modeOverride)

		if ok, reason := o.guardrail.CheckQuerySafety(query); !ok {
			out <- StreamEvent{Kind: StreamError, Err: apperr.New(apperr.KindSecurity, "query rejected: "+reason)}
			return
		}

		if mode == model.ModeChat {
			o.streamChat(ctx, out, query, start)
			return
		}

		state, err := o.retrieveStage(ctx, query, history, mode)
		if err != nil {
			out <- StreamEvent{Kind: StreamError, Err: err}
			return
		}

		if state.decontextual != query {
			out <- StreamEvent{Kind: StreamDecontextualized, Decontextual: state.decontextual}
		}

		out <- StreamEvent{Kind: StreamMetadata, Metadata: &StreamMetadataPayload{
			Mode: mode, Sources: state.sources, SearchTimeMs: state.metrics.TotalLatency.Milliseconds(),
		}}

		if abstain := o.abstainResult(state); abstain != nil {
			if o.cfg.DebugThoughtChain {
				out <- StreamEvent{Kind: StreamThoughtChain, ThoughtChain: joinTrace(state.reasoningTrace)}
			}
			out <- StreamEvent{Kind: StreamRefusal}
			for _, tok := range splitTokens(abstain.Answer) {
				out <- StreamEvent{Kind: StreamToken, Token: tok}
			}
			out <- StreamEvent{Kind: StreamComplete, ElapsedMs: time.Since(start).Milliseconds()}
			return
		}

		if o.cfg.GradingEnabled && o.grader != nil {
			before := len(state.sources)
			o.gradeStage(ctx, query, state)
			out <- StreamEvent{Kind: StreamGrading, GradedCount: before, RelevantCount: len(state.sources)}
		}

		if refusal := o.reflectStage(ctx, query, state); refusal != nil {
			if o.cfg.DebugThoughtChain {
				out <- StreamEvent{Kind: StreamThoughtChain, ThoughtChain: joinTrace(state.reasoningTrace)}
			}
			out <- StreamEvent{Kind: StreamRefusal}
			for _, tok := range splitTokens(refusalSvar) {
				out <- StreamEvent{Kind: StreamToken, Token: tok}
			}
			out <- StreamEvent{Kind: StreamComplete, ElapsedMs: time.Since(start).Milliseconds()}
			return
		}

		if o.cfg.DebugThoughtChain && len(state.reasoningTrace) > 0 {
			out <- StreamEvent{Kind: StreamThoughtChain, ThoughtChain: joinTrace(state.reasoningTrace)}
		}

		systemPrompt := o.buildPrompt(ctx, query, state)
		genCfg := o.cfg.GenConfig.forMode(mode)

		var answerText string
		for ev := range o.lm.GenerateContentStream(ctx, systemPrompt, query, genCfg) {
			switch ev.Kind {
			case llmclient.EventToken:
				answerText += ev.Token
				out <- StreamEvent{Kind: StreamToken, Token: ev.Token}
			case llmclient.EventFallback:
				out <- StreamEvent{Kind: StreamFallback, FromModel: ev.FromModel, ToModel: ev.ToModel}
			case llmclient.EventError:
				out <- StreamEvent{Kind: StreamError, Err: ev.Err}
				return
			}
		}

		structured := model.StructuredResponse{Mode: mode, Svar: answerText}
		if o.cfg.StructuredOutputEnabled {
			if parsed, perr := unmarshalStructuredResponse(answerText); perr == nil {
				structured = parsed
			}
			if o.cfg.CriticReviseEnabled && o.critic != nil {
				structured, _ = o.critic.ReviseBounded(structured, mode)
			}
		}

		guardResult, err := o.guardrail.ValidateResponse(structured.Svar, query, mode, state.sources)
		if err != nil {
			out <- StreamEvent{Kind: StreamError, Err: err}
			return
		}
		if len(guardResult.Corrections) > 0 {
			out <- StreamEvent{Kind: StreamCorrections, Corrections: &StreamCorrectionsPayload{
				Corrections: guardResult.Corrections, CorrectedText: guardResult.Text,
			}}
		}

		out <- StreamEvent{Kind: StreamComplete, ElapsedMs: time.Since(start).Milliseconds()}
	}()

	return out
}

func (o *Orchestrator) streamChat(ctx context.Context, out chan<- StreamEvent, query string, start time.Time) {
	systemPrompt := o.prompts.BuildSystemPrompt(model.ModeChat, false, nil, nil)
	out <- StreamEvent{Kind: StreamMetadata, Metadata: &StreamMetadataPayload{Mode: model.ModeChat, EvidenceLevel: model.EvidenceNone}}

	var answerText string
	for ev := range o.lm.GenerateContentStream(ctx, systemPrompt, query, o.cfg.GenConfig.forMode(model.ModeChat)) {
		switch ev.Kind {
		case llmclient.EventToken:
			answerText += ev.Token
			out <- StreamEvent{Kind: StreamToken, Token: ev.Token}
		case llmclient.EventFallback:
			out <- StreamEvent{Kind: StreamFallback, FromModel: ev.FromModel, ToModel: ev.ToModel}
		case llmclient.EventError:
			out <- StreamEvent{Kind: StreamError, Err: ev.Err}
			return
		}
	}

	guardResult, err := o.guardrail.ValidateResponse(answerText, query, model.ModeChat, nil)
	if err != nil {
		out <- StreamEvent{Kind: StreamError, Err: err}
		return
	}
	if len(guardResult.Corrections) > 0 {
		out <- StreamEvent{Kind: StreamCorrections, Corrections: &StreamCorrectionsPayload{
			Corrections: guardResult.Corrections, CorrectedText: guardResult.Text,
		}}
	}
	out <- StreamEvent{Kind: StreamComplete, ElapsedMs: time.Since(start).Milliseconds()}
}

func joinTrace(trace []string) string {
	out := ""
	for i, t := range trace {
		if i > 0 {
			out += "; "
		}
		out += t
	}
	return out
}

func splitTokens(text string) []string {
	var tokens []string
	word := ""
	for _, r := range text {
		if r == ' ' {
			if word != "" {
				tokens = append(tokens, word+" ")
				word = ""
			}
			continue
		}
		word += string(r)
	}
	if word != "" {
		tokens = append(tokens, word)
	}
	return tokens
}
