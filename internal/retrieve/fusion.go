package retrieve

import (
	"sort"

	"github.com/lorekeep/lorekeep/internal/keyword"
	"github.com/lorekeep/lorekeep/internal/vector"
)

// DefaultRRFConstant is the standard reciprocal-rank-fusion smoothing
// constant, shared by most production fusion implementations.
const DefaultRRFConstant = 60

// candidate is one child chunk in the fusion pool. Candidates from both
// legs share ids, so fusion joins on id.
type candidate struct {
	id       string
	content  string
	parentID string
	source   string
	title    string
	score    float64
}

// rrfFuse merges ranked legs with reciprocal rank fusion:
//
//	score(d) = Σ 1 / (c + rank + 1)
//
// over every leg the chunk appears in, rank 0-based within the leg.
// Each leg is truncated to k before scoring and the fused list is
// truncated to k after. Score ties keep first-seen order across legs.
func rrfFuse(legs [][]candidate, k, c int) []candidate {
	if c <= 0 {
		c = DefaultRRFConstant
	}

	byID := make(map[string]*candidate)
	order := make([]*candidate, 0)
	for _, leg := range legs {
		if k > 0 && len(leg) > k {
			leg = leg[:k]
		}
		for rank, cand := range leg {
			cur, ok := byID[cand.id]
			if !ok {
				kept := cand
				kept.score = 0
				cur = &kept
				byID[cand.id] = cur
				order = append(order, cur)
			}
			cur.score += 1.0 / float64(c+rank+1)
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		return order[i].score > order[j].score
	})

	out := make([]candidate, 0, len(order))
	for _, cand := range order {
		if k > 0 && len(out) == k {
			break
		}
		out = append(out, *cand)
	}
	return out
}

func denseCandidates(hits []vector.Hit) []candidate {
	out := make([]candidate, 0, len(hits))
	for _, hit := range hits {
		out = append(out, candidate{
			id:       hit.ID,
			content:  hit.Content,
			parentID: hit.Metadata.ParentID,
			source:   hit.Metadata.Source,
			title:    hit.Metadata.Title,
		})
	}
	return out
}

func keywordCandidates(results []keyword.Result) []candidate {
	out := make([]candidate, 0, len(results))
	for _, res := range results {
		out = append(out, candidate{
			id:       res.ID,
			content:  res.Content,
			parentID: res.ParentID,
			source:   res.Source,
			title:    res.Title,
		})
	}
	return out
}

func truncateCandidates(cands []candidate, k int) []candidate {
	if k > 0 && len(cands) > k {
		return cands[:k]
	}
	return cands
}
