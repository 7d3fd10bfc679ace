package graph

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/BaSui01/engram/types"
)

// Rerank stage names.
const (
	StageRecency = "recency"
	StageDedup   = "dedup"
	StageEntity  = "entity"
	StageQuality = "quality"
)

// RerankConfig tunes the post-search rerank pipeline.
type RerankConfig struct {
	// Stages run in the listed order. Unknown names are skipped.
	Stages          []string
	DupThreshold    float64
	RecencyHalfLife time.Duration
	EntityBoost     float64
	QualityPenalty  float64
}

// DefaultRerankConfig returns production defaults.
func DefaultRerankConfig() RerankConfig {
	return RerankConfig{
		Stages:          []string{StageRecency, StageDedup, StageEntity, StageQuality},
		DupThreshold:    0.97,
		RecencyHalfLife: 30 * 24 * time.Hour,
		EntityBoost:     0.1,
		QualityPenalty:  0.15,
	}
}

// Rerank runs the configured stages over search results and returns the
// surviving results re-sorted by adjusted score. queryEntities feeds the
// entity stage and may be nil.
func Rerank(results []types.ScoredRecord, queryEntities []string, cfg RerankConfig, now time.Time) []types.ScoredRecord {
	out := make([]types.ScoredRecord, len(results))
	copy(out, results)

	for _, stage := range cfg.Stages {
		switch stage {
		case StageRecency:
			out = stageRecency(out, cfg.RecencyHalfLife, now)
		case StageDedup:
			out = stageDedup(out, cfg.DupThreshold)
		case StageEntity:
			out = stageEntity(out, queryEntities, cfg.EntityBoost)
		case StageQuality:
			out = stageQuality(out, cfg.QualityPenalty)
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// stageRecency dampens scores by age since last access: a record one
// half-life old keeps 75% of its score, converging toward 50%.
func stageRecency(results []types.ScoredRecord, halfLife time.Duration, now time.Time) []types.ScoredRecord {
	if halfLife <= 0 {
		return results
	}
	for i := range results {
		age := now.Sub(results[i].Record.LastAccessedAt)
		if age < 0 {
			age = 0
		}
		m := math.Pow(0.5, age.Hours()/halfLife.Hours())
		results[i].Score *= 0.5 + 0.5*m
	}
	return results
}

// stageDedup drops near-duplicate results across memory types, keeping
// the highest-scored of each group.
func stageDedup(results []types.ScoredRecord, threshold float64) []types.ScoredRecord {
	if threshold <= 0 {
		return results
	}
	sorted := make([]types.ScoredRecord, len(results))
	copy(sorted, results)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	kept := make([]types.ScoredRecord, 0, len(sorted))
	for _, cand := range sorted {
		dup := false
		for _, k := range kept {
			if cand.Record.DedupHash != "" && cand.Record.DedupHash == k.Record.DedupHash {
				dup = true
				break
			}
			if Cosine(cand.Record.Embedding, k.Record.Embedding) >= threshold {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, cand)
		}
	}
	return kept
}

// stageEntity boosts results that mention any entity from the query.
func stageEntity(results []types.ScoredRecord, queryEntities []string, boost float64) []types.ScoredRecord {
	if len(queryEntities) == 0 || boost == 0 {
		return results
	}
	wanted := make(map[string]struct{}, len(queryEntities))
	for _, e := range queryEntities {
		wanted[strings.ToLower(e)] = struct{}{}
	}
	for i := range results {
		for _, e := range results[i].Record.Metadata.Entities {
			if _, ok := wanted[strings.ToLower(e)]; ok {
				results[i].Score += boost
				break
			}
		}
	}
	return results
}

// stageQuality penalizes results with weak provenance: low-confidence
// triples and records the store considers unimportant.
func stageQuality(results []types.ScoredRecord, penalty float64) []types.ScoredRecord {
	if penalty == 0 {
		return results
	}
	for i := range results {
		rec := results[i].Record
		if rec.Confidence > 0 && rec.Confidence < 0.5 {
			results[i].Score -= penalty
		}
		if rec.Importance < 0.2 {
			results[i].Score -= penalty
		}
		if results[i].Score < 0 {
			results[i].Score = 0
		}
	}
	return results
}
