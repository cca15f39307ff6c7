package ranking

import (
	"math"
	"sort"
)

// DefaultConclusiveGap is the minimum lead of the best average rank over
// the runner-up for a ranking to count as conclusive.
const DefaultConclusiveGap = 0.5

// AggregateRanking is one model's cross-reviewer standing. Lower average
// rank is better. RankingsCount is the number of positions that were
// actually recorded for the model, which can be fewer than the number of
// reviewers when parsing finds no label for it.
type AggregateRanking struct {
	Model         string  `json:"model"`
	AverageRank   float64 `json:"average_rank"`
	RankingsCount int     `json:"rankings_count"`
}

// CalculateAggregateRankings folds parsed per-reviewer label lists into a
// sorted aggregate. Each parsed label is resolved through the label map;
// unresolvable labels are silently dropped. Positions are 1-based within
// each reviewer's list. The result is sorted ascending by average rank,
// ties broken by model identifier, and is deterministic for fixed input.
func CalculateAggregateRankings(parsedRankings [][]string, labels *LabelMap) []AggregateRanking {
	positions := map[string][]int{}
	for _, ranked := range parsedRankings {
		for i, label := range ranked {
			model, ok := labels.ModelFor(label)
			if !ok {
				continue
			}
			positions[model] = append(positions[model], i+1)
		}
	}

	out := make([]AggregateRanking, 0, len(positions))
	for model, ps := range positions {
		sum := 0
		for _, p := range ps {
			sum += p
		}
		avg := float64(sum) / float64(len(ps))
		out = append(out, AggregateRanking{
			Model:         model,
			AverageRank:   math.Round(avg*100) / 100,
			RankingsCount: len(ps),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].AverageRank != out[j].AverageRank {
			return out[i].AverageRank < out[j].AverageRank
		}
		return out[i].Model < out[j].Model
	})
	return out
}

// Winner returns the best-ranked model, if any.
func Winner(rankings []AggregateRanking) (string, bool) {
	if len(rankings) == 0 {
		return "", false
	}
	return rankings[0].Model, true
}

// Conclusive reports whether the aggregate has a clear winner: fewer than
// two candidates, or a lead of at least gap between first and second.
func Conclusive(rankings []AggregateRanking, gap float64) bool {
	if len(rankings) < 2 {
		return true
	}
	return rankings[1].AverageRank-rankings[0].AverageRank >= gap
}
