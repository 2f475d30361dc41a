package service

import "sort"

// fuseRRF combines one ranked result list per query variant into a single
// list ordered by reciprocal-rank-fusion score: RRF(d) = sum 1/(kRRF+rank_i(d))
// over the variants in which d appears, rank_i 1-indexed. Pure and
// deterministic: same inputs, same output, every time.
func fuseRRF(variants [][]scoredDoc, kRRF int) []scoredDoc {
	scores := make(map[string]float64)
	hits := make(map[string]int)
	best := make(map[string]scoredDoc)

	for _, variant := range variants {
		for rank, d := range variant {
			scores[d.id] += 1.0 / float64(kRRF+rank+1)
			hits[d.id]++
			cur, seen := best[d.id]
			if !seen || d.score > cur.score {
				best[d.id] = d
			}
		}
	}

	fused := make([]scoredDoc, 0, len(best))
	for id, d := range best {
		d.rrfScore = scores[id]
		d.variantHits = hits[id]
		fused = append(fused, d)
	}

	sort.Slice(fused, func(i, j int) bool {
		if fused[i].rrfScore != fused[j].rrfScore {
			return fused[i].rrfScore > fused[j].rrfScore
		}
		return breakTie(fused[i], fused[j])
	})

	return fused
}

// fusionMetrics compares the first variant's unique ids to the union across
// all variants: fusion_gain = (after-before)/before, overlap_ratio =
// |ids in >=2 variants| / after.
func fusionMetrics(variants [][]scoredDoc) (gain, overlapRatio float64, before, after int) {
	if len(variants) == 0 {
		return 0, 0, 0, 0
	}

	firstSeen := make(map[string]struct{}, len(variants[0]))
	for _, d := range variants[0] {
		firstSeen[d.id] = struct{}{}
	}
	before = len(firstSeen)

	counts := make(map[string]int)
	for _, variant := range variants {
		seenInVariant := make(map[string]struct{}, len(variant))
		for _, d := range variant {
			if _, dup := seenInVariant[d.id]; dup {
				continue
			}
			seenInVariant[d.id] = struct{}{}
			counts[d.id]++
		}
	}
	after = len(counts)

	if before > 0 {
		gain = float64(after-before) / float64(before)
	}

	if after > 0 {
		overlap := 0
		for _, c := range counts {
			if c >= 2 {
				overlap++
			}
		}
		overlapRatio = float64(overlap) / float64(after)
	}

	return gain, overlapRatio, before, after
}
