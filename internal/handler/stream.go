package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rattsbas/aegis/internal/apperr"
	"github.com/rattsbas/aegis/internal/middleware"
	"github.com/rattsbas/aegis/internal/service"
)

const streamTimeout = 120 * time.Second

// sendEvent writes a single SSE event in the standard format.
func sendEvent(w http.ResponseWriter, f http.Flusher, event string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		payload = []byte(`{}`)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	f.Flush()
}

// streamMetadataDTO is the JSON payload for the "metadata" SSE event.
type streamMetadataDTO struct {
	Mode          string      `json:"mode"`
	Sources       []SourceDTO `json:"sources"`
	EvidenceLevel string      `json:"evidence_level"`
	SearchTimeMs  int64       `json:"search_time_ms"`
}

// StreamQuery returns the SSE streaming POST /agent/query/stream handler.
// metrics may be nil, in which case no-answer triggers are simply not
// counted.
func StreamQuery(orch *service.Orchestrator, metrics *middleware.Metrics) http.HandlerFunc {
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

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		ctx, cancel := context.WithTimeout(r.Context(), streamTimeout)
		defer cancel()

		for ev := range orch.RunStreaming(ctx, req.Query, req.toHistory(), mode) {
			switch ev.Kind {
			case service.StreamMetadata:
				sendEvent(w, flusher, "metadata", streamMetadataDTO{
					Mode:          string(ev.Metadata.Mode),
					Sources:       sourcesDTO(ev.Metadata.Sources),
					EvidenceLevel: string(ev.Metadata.EvidenceLevel),
					SearchTimeMs:  ev.Metadata.SearchTimeMs,
				})
			case service.StreamDecontextualized:
				sendEvent(w, flusher, "decontextualized", map[string]string{"query": ev.Decontextual})
			case service.StreamGrading:
				sendEvent(w, flusher, "grading", map[string]int{"graded": ev.GradedCount, "relevant": ev.RelevantCount})
			case service.StreamThoughtChain:
				sendEvent(w, flusher, "thought_chain", map[string]string{"trace": ev.ThoughtChain})
			case service.StreamRefusal:
				if metrics != nil {
					metrics.IncrementAbstentions()
				}
				sendEvent(w, flusher, "refusal", map[string]bool{"refused": true})
			case service.StreamToken:
				sendEvent(w, flusher, "token", map[string]string{"token": ev.Token})
			case service.StreamCorrections:
				sendEvent(w, flusher, "corrections", map[string]interface{}{
					"corrections":    ev.Corrections.Corrections,
					"corrected_text": ev.Corrections.CorrectedText,
				})
			case service.StreamFallback:
				sendEvent(w, flusher, "fallback", map[string]string{"from": ev.FromModel, "to": ev.ToModel})
			case service.StreamError:
				sendEvent(w, flusher, "error", map[string]string{"error": ev.Err.Error()})
			case service.StreamComplete:
				sendEvent(w, flusher, "complete", map[string]int64{"latency_ms": ev.ElapsedMs})
			}
		}
	}
}
