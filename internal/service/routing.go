package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rattsbas/aegis/internal/model"
)

// routingTable is the static, read-only intent-based two-pass routing
// table (§4.8). Loaded once; never mutated.
var routingTable = map[model.Intent]model.RoutingEntry{
	model.IntentLegalText: {
		Primary: []string{"statutes"}, Support: []string{"bills"},
		Secondary: []string{"research"}, SecondaryBudget: 1, RequireSeparation: true,
	},
	model.IntentParliamentTrace: {
		Primary: []string{"parliament"}, Support: []string{"bills"},
	},
	model.IntentPolicyArguments: {
		Primary: []string{"parliament"}, Support: []string{"reports"},
		Secondary: []string{"research"}, SecondaryBudget: 2, RequireSeparation: true,
	},
	model.IntentResearchSynthesis: {
		Primary: []string{"research"}, Support: []string{"reports"},
	},
	model.IntentPracticalProcess: {
		Primary: []string{"guides"}, Support: []string{"statutes"},
	},
	model.IntentAbbreviationEdge: {
		Primary: []string{"statutes"},
	},
	model.IntentClarificationEdge: {},
	model.IntentSmalltalk:         {}, // empty primary: Orchestrator skips retrieval entirely
	model.IntentUnknown: {
		Primary: []string{"statutes", "bills", "reports", "guides", "research"},
	},
}

// routingEntryFor returns the static routing row for intent, defaulting to
// the unknown-intent row if absent.
func routingEntryFor(intent model.Intent) model.RoutingEntry {
	if entry, ok := routingTable[intent]; ok {
		return entry
	}
	return routingTable[model.IntentUnknown]
}

// tagTier stamps every doc in docs with tier, returning a new slice.
func tagTier(docs []scoredDoc, tier model.Tier) []scoredDoc {
	out := make([]scoredDoc, len(docs))
	for i, d := range docs {
		d.tier = tier
		d.hasTier = true
		out[i] = d
	}
	return out
}

// searchWithRouting runs pass 1 (primary ∪ support) and, if the routing
// entry grants a secondary budget, pass 2 (secondary only, capped). Results
// are concatenated with stable ordering by tier, then score descending.
func (r *Retriever) searchWithRouting(ctx context.Context, plan model.QueryPlan, entry model.RoutingEntry, variantLimit int) ([]scoredDoc, model.RetrievalMetrics, error) {
	var metrics model.RetrievalMetrics
	metrics.PerStageLatency = make(map[string]time.Duration)

	if len(entry.Primary) == 0 && len(entry.Support) == 0 {
		return nil, metrics, nil
	}

	pass1Collections := append(append([]string{}, entry.Primary...), entry.Support...)
	variants := (&QueryExpanderService{}).Expand(plan, variantLimit)

	start := time.Now()
	fused, timeouts, _, err := r.fuseVariants(ctx, variants, pass1Collections, defaultK)
	metrics.PerStageLatency["pass1"] = time.Since(start)
	metrics.Timeouts = append(metrics.Timeouts, timeouts...)
	if err != nil {
		return nil, metrics, fmt.Errorf("service.searchWithRouting: pass1: %w", err)
	}

	primarySet := toSet(entry.Primary)
	tagged := make([]scoredDoc, len(fused))
	for i, d := range fused {
		tier := model.TierSupport
		if primarySet[d.doc.Collection] {
			tier = model.TierPrimary
		}
		d.tier = tier
		d.hasTier = true
		tagged[i] = d
	}

	results := tagged

	if entry.SecondaryBudget > 0 && len(entry.Secondary) > 0 {
		start2 := time.Now()
		fused2, timeouts2, _, err := r.fuseVariants(ctx, variants, entry.Secondary, defaultK)
		metrics.PerStageLatency["pass2"] = time.Since(start2)
		metrics.Timeouts = append(metrics.Timeouts, timeouts2...)
		if err == nil {
			budget := entry.SecondaryBudget
			if budget > len(fused2) {
				budget = len(fused2)
			}
			secondary := tagTier(fused2[:budget], model.TierSecondary)
			results = append(results, secondary...)
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		ri, rj := tierRank(results[i].tier, results[i].hasTier), tierRank(results[j].tier, results[j].hasTier)
		if ri != rj {
			return ri < rj
		}
		return results[i].score > results[j].score
	})

	return results, metrics, nil
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, s := range items {
		out[s] = true
	}
	return out
}
