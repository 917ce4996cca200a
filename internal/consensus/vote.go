package consensus

import (
	"math"
	"sort"

	"github.com/gridharvest/coordinator/internal/model"
)

// vote is one submitter's weighted contribution to a field.
type vote struct {
	submitterID string
	weight      float64
	value       model.FieldVote
}

// resolveField computes the weighted consensus for one field. The winning
// value is the weighted majority for string fields, the weighted median
// for numeric fields, and the weighted medoid (member set maximizing
// weighted Jaccard similarity to the rest) for id-set fields. Confidence
// is agreeing weight over total weight; the field resolves only at or
// above cfg.ResolveThreshold, and agreeing/outlier partitions are reported
// only for resolved fields.
func resolveField(key string, kind model.FieldKind, votes []vote, cfg Config) model.FieldConsensus {
	fc := model.FieldConsensus{Key: key, Kind: kind, Status: model.FieldStatusNoConsensus}
	if len(votes) == 0 {
		return fc
	}

	var totalWeight float64
	for _, v := range votes {
		totalWeight += v.weight
	}
	if totalWeight <= 0 {
		return fc
	}

	var agreeing, outliers []string
	var agreeWeight float64

	switch kind {
	case model.FieldKindNumeric:
		median := weightedMedian(votes)
		fc.Number = median
		for _, v := range votes {
			if numericAgrees(v.value.Number, median, cfg) {
				agreeing = append(agreeing, v.submitterID)
				agreeWeight += v.weight
			} else {
				outliers = append(outliers, v.submitterID)
			}
		}

	case model.FieldKindString:
		winner := weightedMajority(votes)
		fc.Text = winner
		for _, v := range votes {
			if v.value.Text == winner {
				agreeing = append(agreeing, v.submitterID)
				agreeWeight += v.weight
			} else {
				outliers = append(outliers, v.submitterID)
			}
		}

	case model.FieldKindIDSet:
		medoid := weightedMedoid(votes)
		fc.Members = medoid
		for _, v := range votes {
			if jaccard(v.value.Members, medoid) >= cfg.JaccardTolerance {
				agreeing = append(agreeing, v.submitterID)
				agreeWeight += v.weight
			} else {
				outliers = append(outliers, v.submitterID)
			}
		}

	default:
		return fc
	}

	fc.Confidence = agreeWeight / totalWeight
	if fc.Confidence >= cfg.ResolveThreshold {
		fc.Status = model.FieldStatusResolved
		sort.Strings(agreeing)
		sort.Strings(outliers)
		fc.Agreeing = agreeing
		fc.Outliers = outliers
	}
	return fc
}

func numericAgrees(v, consensus float64, cfg Config) bool {
	diff := math.Abs(v - consensus)
	band := math.Max(cfg.NumericAbsTolerance, cfg.NumericRelTolerance*math.Abs(consensus))
	return diff <= band
}

// weightedMedian returns the value at the weighted midpoint.
func weightedMedian(votes []vote) float64 {
	sorted := make([]vote, len(votes))
	copy(sorted, votes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].value.Number < sorted[j].value.Number })

	var total float64
	for _, v := range sorted {
		total += v.weight
	}

	half := total / 2
	var acc float64
	for _, v := range sorted {
		acc += v.weight
		if acc >= half {
			return v.value.Number
		}
	}
	return sorted[len(sorted)-1].value.Number
}

// weightedMajority returns the text value with the highest total weight.
// Ties break lexicographically so the result is deterministic.
func weightedMajority(votes []vote) string {
	weights := make(map[string]float64)
	for _, v := range votes {
		weights[v.value.Text] += v.weight
	}

	var winner string
	best := math.Inf(-1)
	keys := make([]string, 0, len(weights))
	for k := range weights {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if weights[k] > best {
			winner, best = k, weights[k]
		}
	}
	return winner
}

// weightedMedoid returns the voter's member set with the highest weighted
// Jaccard similarity to all other votes.
func weightedMedoid(votes []vote) []string {
	var bestSet []string
	best := math.Inf(-1)
	for i, v := range votes {
		var score float64
		for j, other := range votes {
			if i == j {
				continue
			}
			score += other.weight * jaccard(v.value.Members, other.value.Members)
		}
		// Weight the candidate's own standing too, so a single heavy
		// voter cannot be outvoted by two identical empty sets.
		score += v.weight
		if score > best {
			best = score
			bestSet = v.value.Members
		}
	}
	sorted := make([]string, len(bestSet))
	copy(sorted, bestSet)
	sort.Strings(sorted)
	return sorted
}

// jaccard computes |a∩b| / |a∪b|. Two empty sets count as identical.
func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	set := make(map[string]bool, len(a))
	for _, x := range a {
		set[x] = true
	}
	var inter int
	union := make(map[string]bool, len(a)+len(b))
	for _, x := range a {
		union[x] = true
	}
	for _, x := range b {
		if set[x] {
			inter++
		}
		union[x] = true
	}
	return float64(inter) / float64(len(union))
}
