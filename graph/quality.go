package graph

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/BaSui01/engram/types"
)

// ComputeNDCG computes normalized discounted cumulative gain for a
// ranked result list using the given relevance grades. Grades and
// results are matched by position. Returns 0 for empty input and 1 for
// a perfectly ordered list.
func ComputeNDCG(relevance []float64) float64 {
	if len(relevance) == 0 {
		return 0
	}
	var dcg float64
	for i, rel := range relevance {
		dcg += rel / math.Log2(float64(i)+2)
	}

	ideal := make([]float64, len(relevance))
	copy(ideal, relevance)
	sort.Sort(sort.Reverse(sort.Float64Slice(ideal)))
	var idcg float64
	for i, rel := range ideal {
		idcg += rel / math.Log2(float64(i)+2)
	}
	if idcg == 0 {
		return 0
	}
	return dcg / idcg
}

// ComputeAverageRelevancy averages the scores of a result list.
func ComputeAverageRelevancy(results []types.ScoredRecord) float64 {
	if len(results) == 0 {
		return 0
	}
	var sum float64
	for i := range results {
		sum += results[i].Score
	}
	return sum / float64(len(results))
}

// BuildQualityMetrics derives quality metrics for one search call.
// Without explicit feedback the results' own scores stand in as
// relevance grades, so Calibrated is false: the NDCG measures ranking
// consistency, not ground-truth retrieval quality.
func BuildQualityMetrics(results []types.ScoredRecord, candidatesAfterFilter, memoriesPacked, tokensConsumed int, latency time.Duration, textWeight float64) types.QualityMetrics {
	relevance := make([]float64, len(results))
	for i := range results {
		relevance[i] = results[i].Score
	}
	return types.QualityMetrics{
		AverageRelevancy:      ComputeAverageRelevancy(results),
		NDCG:                  ComputeNDCG(relevance),
		CandidatesAfterFilter: candidatesAfterFilter,
		MemoriesPacked:        memoriesPacked,
		TokensConsumed:        tokensConsumed,
		SearchLatency:         latency,
		HybridTextWeight:      textWeight,
		Calibrated:            false,
	}
}

// AssessQuality inspects one search's metrics and returns human-readable
// warnings about retrieval health. An empty slice means healthy.
func AssessQuality(m types.QualityMetrics) []string {
	var warnings []string
	if m.CandidatesAfterFilter == 0 {
		warnings = append(warnings, "no candidates survived filtering")
	}
	if m.AverageRelevancy > 0 && m.AverageRelevancy < 0.3 {
		warnings = append(warnings, fmt.Sprintf("average relevancy %.2f is below 0.30", m.AverageRelevancy))
	}
	if m.CandidatesAfterFilter > 1 && m.NDCG < 0.4 {
		warnings = append(warnings, fmt.Sprintf("ndcg %.2f suggests poor ranking order", m.NDCG))
	}
	if m.SearchLatency > time.Second {
		warnings = append(warnings, fmt.Sprintf("search took %s, over the 1s target", m.SearchLatency.Round(time.Millisecond)))
	}
	if m.CandidatesAfterFilter > 0 && m.MemoriesPacked == 0 {
		warnings = append(warnings, "candidates were found but none fit the context budget")
	}
	return warnings
}
