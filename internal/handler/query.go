package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rattsbas/aegis/internal/apperr"
	"github.com/rattsbas/aegis/internal/cache"
	"github.com/rattsbas/aegis/internal/middleware"
	"github.com/rattsbas/aegis/internal/model"
	"github.com/rattsbas/aegis/internal/service"
)

// queryTimeout bounds the pipeline to a fixed upper wall-clock budget
// regardless of per-stage timeouts.
const queryTimeout = 60 * time.Second

const maxRequestQueryLength = 10000

// QueryRequest is the request body for POST /agent/query and its streaming
// counterpart.
type QueryRequest struct {
	Query   string           `json:"query"`
	Mode    string           `json:"mode,omitempty"` // "", "auto", "chat", "assist", "evidence"
	History []HistoryTurnDTO `json:"history,omitempty"`
}

// HistoryTurnDTO is one caller-supplied conversation turn.
type HistoryTurnDTO struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (req QueryRequest) toHistory() []model.ConversationTurn {
	if len(req.History) == 0 {
		return nil
	}
	turns := make([]model.ConversationTurn, len(req.History))
	for i, h := range req.History {
		role := model.RoleUser
		if h.Role == string(model.RoleAssistant) {
			role = model.RoleAssistant
		}
		turns[i] = model.ConversationTurn{Role: role, Content: h.Content}
	}
	return model.RecentHistory(turns)
}

func parseMode(raw string) (model.Mode, error) {
	switch model.Mode(raw) {
	case "", model.ModeAuto:
		return model.ModeAuto, nil
	case model.ModeChat, model.ModeAssist, model.ModeEvidence:
		return model.Mode(raw), nil
	default:
		return "", apperr.New(apperr.KindValidation, "mode must be one of: auto, chat, assist, evidence")
	}
}

// SourceDTO is one retrieved document surfaced to the caller.
type SourceDTO struct {
	DocID      string  `json:"doc_id"`
	Title      string  `json:"title"`
	Collection string  `json:"collection"`
	Type       string  `json:"type"`
	Score      float64 `json:"score"`
	Tier       string  `json:"tier,omitempty"`
}

// QueryResponse is the JSON shape returned by POST /agent/query.
type QueryResponse struct {
	Answer          string           `json:"answer"`
	Mode            string           `json:"mode"`
	Sources         []SourceDTO      `json:"sources"`
	Citations       []model.Citation `json:"citations"`
	GuardrailStatus string           `json:"guardrail_status"`
	EvidenceLevel   string           `json:"evidence_level"`
	Routing         *model.Routing   `json:"routing,omitempty"`
	Intent          string           `json:"intent,omitempty"`
	LatencyMs       int64            `json:"latency_ms"`
}

func sourcesDTO(results []model.SearchResult) []SourceDTO {
	out := make([]SourceDTO, len(results))
	for i, r := range results {
		out[i] = SourceDTO{
			DocID:      r.Doc.ID,
			Title:      r.Doc.Title,
			Collection: r.Doc.Collection,
			Type:       string(r.Doc.Type),
			Score:      r.Score,
		}
		if r.HasTier {
			out[i].Tier = string(r.Tier)
		}
	}
	return out
}

func toQueryResponse(result *model.RAGResult) QueryResponse {
	resp := QueryResponse{
		Answer:          result.Answer,
		Mode:            string(result.Mode),
		Sources:         sourcesDTO(result.Sources),
		Citations:       result.Citations,
		GuardrailStatus: string(result.GuardrailStatus),
		EvidenceLevel:   string(result.EvidenceLevel),
		Routing:         result.Routing,
		LatencyMs:       result.Metrics.TotalLatency.Milliseconds(),
	}
	if result.HasIntent {
		resp.Intent = string(result.Intent)
	}
	return resp
}

// Query returns the non-streaming POST /agent/query handler. metrics may be
// nil, in which case no-answer triggers are simply not counted.
func Query(orch *service.Orchestrator, queryCache *cache.QueryCache, metrics *middleware.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req QueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, apperr.New(apperr.KindValidation, "invalid request body"))
			return
		}
		if req.Query == "" {
			respondError(w, apperr.New(apperr.KindValidation, "query is required"))
			return
		}
		if len(req.Query) > maxRequestQueryLength {
			respondError(w, apperr.New(apperr.KindValidation, "query exceeds maximum length"))
			return
		}

		mode, err := parseMode(req.Mode)
		if err != nil {
			respondError(w, err)
			return
		}

		if queryCache != nil {
			if cached, ok := queryCache.Get(mode, req.Query); ok {
				respondJSON(w, http.StatusOK, envelope{Success: true, Data: toQueryResponse(cached)})
				return
			}
		}

		ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
		defer cancel()

		result, err := orch.RunNonStreaming(ctx, req.Query, req.toHistory(), mode)
		if err != nil {
			respondError(w, err)
			return
		}

		if result.Abstained && metrics != nil {
			metrics.IncrementAbstentions()
		}

		if queryCache != nil {
			queryCache.Set(mode, req.Query, result)
		}

		respondJSON(w, http.StatusOK, envelope{Success: true, Data: toQueryResponse(result)})
	}
}
