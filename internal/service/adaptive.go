package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rattsbas/aegis/internal/model"
)

// adaptiveSearch runs the confidence-driven escalation state machine
// (§4.8): step A (rag_fusion, 2 variants) → B (k×2, all collections) →
// C (rag_fusion, 3 variants, k×2, all collections) → D (fallback). It
// escalates only while a confidence threshold is breached, and never runs
// past the last step named in EscalationStep (A,B,C,D).
func (r *Retriever) adaptiveSearch(ctx context.Context, query string, history []model.ConversationTurn, collections []string) (model.QueryPlan, []scoredDoc, model.RetrievalMetrics, error) {
	var metrics model.RetrievalMetrics
	metrics.PerStageLatency = make(map[string]time.Duration)

	var (
		plan model.QueryPlan
		docs []scoredDoc
	)

	steps := []model.EscalationStep{model.StepA, model.StepB, model.StepC, model.StepD}
	maxSteps := r.cfg.MaxEscalationSteps
	if maxSteps <= 0 || maxSteps > len(steps) {
		maxSteps = len(steps)
	}

	for i := 0; i < maxSteps; i++ {
		step := steps[i]
		stepStart := time.Now()

		var (
			stepDocs     []scoredDoc
			timeouts     []string
			fusionGain   float64
			overlapRatio float64
			before, after int
			err          error
		)

		switch step {
		case model.StepA:
			plan, stepDocs, timeouts, fusionGain, overlapRatio, before, after, err =
				r.adaptiveFusionStep(ctx, query, history, collections, defaultK, 2)
		case model.StepB:
			rewrite := r.rewriter.Rewrite(query, history)
			plan = rewrite.Plan
			stepDocs, timeouts, err = r.parallelSearch(ctx, plan.Standalone, collections, defaultK*2)
		case model.StepC:
			plan, stepDocs, timeouts, fusionGain, overlapRatio, before, after, err =
				r.adaptiveFusionStep(ctx, query, history, collections, defaultK*2, 3)
		case model.StepD:
			// D keeps step C's results; nothing new to search.
			stepDocs = docs
		}

		metrics.PerStageLatency[string(step)] = time.Since(stepStart)
		if err != nil {
			return plan, docs, metrics, fmt.Errorf("adaptiveSearch: step %s: %w", step, err)
		}

		metrics.Timeouts = append(metrics.Timeouts, timeouts...)
		if step != model.StepD {
			docs = stepDocs
			metrics.FusionGain = fusionGain
			metrics.OverlapRatio = overlapRatio
			metrics.UniqueDocsBefore = before
			metrics.UniqueDocsAfter = after
		}

		metrics.EscalationPath = append(metrics.EscalationPath, step)
		metrics.FinalStep = step

		filtered := applyThreshold(docs, r.cfg.SimilarityThreshold)
		signals := computeConfidenceSignals(plan, filtered, metrics.OverlapRatio)

		if step == model.StepD {
			signals.ConfidenceTier = "very_low"
			metrics.ReasonCodes = append(metrics.ReasonCodes, "escalation_exhausted")
			break
		}

		escalate, reason := shouldEscalate(signals)
		if !escalate {
			metrics.ReasonCodes = append(metrics.ReasonCodes, "confidence_sufficient")
			break
		}
		metrics.ReasonCodes = append(metrics.ReasonCodes, reason)
	}

	return plan, docs, metrics, nil
}

// adaptiveFusionStep runs a rag_fusion pass with a given k and variant
// count, used by steps A and C.
func (r *Retriever) adaptiveFusionStep(ctx context.Context, query string, history []model.ConversationTurn, collections []string, k, variantLimit int) (model.QueryPlan, []scoredDoc, []string, float64, float64, int, int, error) {
	plan, docs, timeouts, metrics, err := r.ragFusionSearch(ctx, query, history, collections, k, variantLimit)
	if err != nil {
		return plan, nil, timeouts, 0, 0, 0, 0, err
	}
	return plan, docs, timeouts, metrics.FusionGain, metrics.OverlapRatio, metrics.UniqueDocsBefore, metrics.UniqueDocsAfter, nil
}
