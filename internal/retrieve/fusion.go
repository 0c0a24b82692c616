package retrieve

import (
	"math"
	"sort"
	"time"
)

// fuseAndBoost runs per-container Reciprocal Rank Fusion followed by the
// optional freshness boost, then concatenates every container's list ready
// for the cross-container merge in Engine.Retrieve.
func fuseAndBoost(perContainer map[string]containerCandidates, req Request, rrfK int) []candidate {
	var all []candidate
	for _, cc := range perContainer {
		fused := fuseRRF(cc, rrfK)
		if req.FreshnessOn {
			lambda := req.FreshnessLam
			if lambda <= 0 {
				lambda = 0.02
			}
			applyFreshness(fused, lambda)
		}
		all = append(all, fused...)
	}
	return all
}

// fuseRRF combines one container's BM25 and vector rank lists with
// Reciprocal Rank Fusion: score = sum over lists of 1/(k+rank), absent from
// a list contributing zero. Ties break by (i) higher per-list best rank,
// (ii) newer ingested_at, (iii) lexicographic chunk id.
func fuseRRF(cc containerCandidates, k int) []candidate {
	if k <= 0 {
		k = 60
	}
	ftRank := make(map[string]int, len(cc.ftIDs))
	for i, id := range cc.ftIDs {
		ftRank[id] = i + 1
	}
	vecRank := make(map[string]int, len(cc.vecIDs))
	for i, id := range cc.vecIDs {
		vecRank[id] = i + 1
	}

	seen := map[string]bool{}
	ids := make([]string, 0, len(cc.ftIDs)+len(cc.vecIDs))
	for _, id := range cc.ftIDs {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, id := range cc.vecIDs {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	out := make([]candidate, 0, len(ids))
	for _, id := range ids {
		c, ok := cc.byID[id]
		if !ok {
			// Hydration dropped the row (e.g. soft-deleted between search
			// and lookup); it cannot be scored or snippeted, so drop it.
			continue
		}
		fr, vr := ftRank[id], vecRank[id]
		score := 0.0
		if fr > 0 {
			score += 1.0 / float64(k+fr)
		}
		if vr > 0 {
			score += 1.0 / float64(k+vr)
		}
		c.FtRank, c.VecRank, c.Score = fr, vr, score
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		bi, bj := bestRank(out[i]), bestRank(out[j])
		if bi != bj {
			return bi < bj
		}
		ti, tj := out[i].Provenance.IngestedAt, out[j].Provenance.IngestedAt
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	return out
}

func bestRank(c candidate) int {
	best := 0
	if c.FtRank > 0 {
		best = c.FtRank
	}
	if c.VecRank > 0 && (best == 0 || c.VecRank < best) {
		best = c.VecRank
	}
	if best == 0 {
		return math.MaxInt32
	}
	return best
}

// applyFreshness multiplies each candidate's fused score by (1 + freshness)
// where freshness = exp(-lambda * age_days), recording freshness per result.
func applyFreshness(cands []candidate, lambda float64) {
	now := time.Now()
	for i := range cands {
		ingested := cands[i].Provenance.IngestedAt
		ageDays := 0.0
		if !ingested.IsZero() {
			ageDays = now.Sub(ingested).Hours() / 24
			if ageDays < 0 {
				ageDays = 0
			}
		}
		freshness := math.Exp(-lambda * ageDays)
		cands[i].Freshness = freshness
		cands[i].Score *= 1 + freshness
	}
}
