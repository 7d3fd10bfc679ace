package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/engram/types"
)

// ConsolidationConfig tunes the background consolidation pipeline.
type ConsolidationConfig struct {
	MinClusterSize    int
	ClusterSimilarity float64
	// CandidateMinAge keeps freshly stored records out of consolidation
	// so an in-flight conversation is never rewritten under itself.
	CandidateMinAge    time.Duration
	CandidateBatchSize int
	MaxItemRetries     int
	// CorroborationBoost is added to an existing triple's confidence when
	// a new extraction agrees with it.
	CorroborationBoost float64
	// ConfidenceTransfer is subtracted from a contradicted triple and
	// granted to its challenger. Neither record is overwritten.
	ConfidenceTransfer  float64
	MaxGapSuggestions   int
	StaleAfter          time.Duration
	StaleMinAccessCount int
}

// DefaultConsolidationConfig returns production defaults.
func DefaultConsolidationConfig() ConsolidationConfig {
	return ConsolidationConfig{
		MinClusterSize:      3,
		ClusterSimilarity:   0.75,
		CandidateMinAge:     5 * time.Minute,
		CandidateBatchSize:  200,
		MaxItemRetries:      2,
		CorroborationBoost:  0.05,
		ConfidenceTransfer:  0.2,
		MaxGapSuggestions:   2,
		StaleAfter:          90 * 24 * time.Hour,
		StaleMinAccessCount: 5,
	}
}

// RunConsolidation runs one consolidation pass: collect raw records old
// enough to be stable, cluster them by embedding similarity, extract
// semantic triples from large clusters, check new triples against
// existing knowledge for corroboration and contradiction, then mark the
// batch consolidated. All writes for a run commit in one transaction;
// a failed run leaves every candidate in the raw state for the next
// pass, which makes the pipeline idempotent. Individual cluster
// failures are retried a bounded number of times and then skipped
// without failing the run.
func (s *Store) RunConsolidation(ctx context.Context, cfg ConsolidationConfig) (types.ConsolidationReport, error) {
	if cfg.MinClusterSize < 2 {
		cfg.MinClusterSize = DefaultConsolidationConfig().MinClusterSize
	}
	if cfg.CandidateBatchSize <= 0 {
		cfg.CandidateBatchSize = DefaultConsolidationConfig().CandidateBatchSize
	}

	report := types.ConsolidationReport{
		RunID:     types.NewID(),
		StartedAt: time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		candidates, err := s.collectCandidates(tx, cfg)
		if err != nil {
			return err
		}
		report.CandidatesFound = len(candidates)
		if len(candidates) == 0 {
			return s.finishRun(tx, &report, "ok")
		}

		clusters := clusterByEmbedding(candidates, cfg.ClusterSimilarity)

		consolidatedIDs := make([]string, 0, len(candidates))
		for _, cluster := range clusters {
			if len(cluster) < cfg.MinClusterSize {
				for _, rec := range cluster {
					consolidatedIDs = append(consolidatedIDs, rec.ID)
					report.SingletonsMarked++
				}
				continue
			}
			report.ClustersFormed++

			// Each attempt runs in a savepoint. A failed attempt rolls
			// back its rows and restores the report counters, so a
			// retried or skipped cluster contributes nothing.
			var clusterErr error
			for attempt := 0; attempt <= cfg.MaxItemRetries; attempt++ {
				before := report
				clusterErr = tx.Transaction(func(stx *gorm.DB) error {
					return s.consolidateCluster(stx, cluster, cfg, &report)
				})
				if clusterErr == nil {
					break
				}
				report = before
			}
			if clusterErr != nil {
				report.ItemsSkipped++
				s.logger.Warn("cluster consolidation skipped",
					zap.Int("cluster_size", len(cluster)), zap.Error(clusterErr))
				continue
			}
			for _, rec := range cluster {
				consolidatedIDs = append(consolidatedIDs, rec.ID)
			}
		}

		if len(consolidatedIDs) > 0 {
			if err := tx.Model(&recordRow{}).Where("id IN ?", consolidatedIDs).
				Update("state", string(types.ConsolidationStateConsolidated)).Error; err != nil {
				return err
			}
		}

		if err := s.detectStaleGaps(tx, cfg, &report); err != nil {
			return err
		}
		return s.finishRun(tx, &report, "ok")
	})

	report.Duration = time.Since(report.StartedAt)
	if err != nil {
		if s.collector != nil {
			s.collector.RecordConsolidation("error", report.ItemsSkipped)
		}
		return report, types.NewError(types.ErrConsolidationAbort, "consolidation run aborted").WithCause(err)
	}
	if s.collector != nil {
		s.collector.RecordConsolidation("ok", report.ItemsSkipped)
	}
	s.logger.Info("consolidation run complete",
		zap.String("run_id", report.RunID),
		zap.Int("candidates", report.CandidatesFound),
		zap.Int("clusters", report.ClustersFormed),
		zap.Int("triples", report.TriplesCreated),
		zap.Int("contradictions", report.ContradictionsFound),
		zap.Int("skipped", report.ItemsSkipped))
	return report, nil
}

func (s *Store) collectCandidates(tx *gorm.DB, cfg ConsolidationConfig) ([]types.MemoryRecord, error) {
	cutoff := time.Now().Add(-cfg.CandidateMinAge)
	var rows []recordRow
	err := tx.Where("state = ? AND type = ? AND created_at <= ?",
		string(types.ConsolidationStateRaw), string(types.MemoryTypeEpisodic), cutoff).
		Order("created_at").
		Limit(cfg.CandidateBatchSize).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]types.MemoryRecord, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toRecord())
	}
	return out, nil
}

// clusterByEmbedding groups records with union-find: two records join
// the same cluster when their embeddings' cosine meets the threshold.
// Records without embeddings become singletons.
func clusterByEmbedding(records []types.MemoryRecord, threshold float64) [][]types.MemoryRecord {
	parent := make([]int, len(records))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[rb] = ra
		}
	}

	for i := 0; i < len(records); i++ {
		if len(records[i].Embedding) == 0 {
			continue
		}
		for j := i + 1; j < len(records); j++ {
			if Cosine(records[i].Embedding, records[j].Embedding) >= threshold {
				union(i, j)
			}
		}
	}

	groups := make(map[int][]types.MemoryRecord)
	for i := range records {
		root := find(i)
		groups[root] = append(groups[root], records[i])
	}
	out := make([][]types.MemoryRecord, 0, len(groups))
	for _, g := range groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

// consolidateCluster extracts one semantic triple from a cluster, checks
// it against existing knowledge, stores it, links provenance edges and
// merges entity profiles.
func (s *Store) consolidateCluster(tx *gorm.DB, cluster []types.MemoryRecord, cfg ConsolidationConfig, report *types.ConsolidationReport) error {
	triple := extractTriple(cluster)
	now := time.Now()

	newRec := types.MemoryRecord{
		ID:             types.NewID(),
		Type:           types.MemoryTypeSemantic,
		Content:        triple.content,
		Embedding:      meanVector(clusterEmbeddings(cluster)),
		Metadata:       mergedClusterMetadata(cluster),
		CreatedAt:      now,
		LastAccessedAt: now,
		DecayScore:     1.0,
		AccessCount:    1,
		DedupHash:      dedupHash(triple.content),
		Importance:     0.7,
		State:          types.ConsolidationStateConsolidated,
		Subject:        triple.subject,
		Predicate:      triple.predicate,
		Object:         triple.object,
		Confidence:     triple.confidence,
		Version:        1,
	}

	var contradicted []types.MemoryRecord
	if triple.subject != "" && triple.predicate != "" {
		var existing []recordRow
		err := tx.Where("type = ? AND subject = ? AND predicate = ? AND state != ?",
			string(types.MemoryTypeSemantic), triple.subject, triple.predicate,
			string(types.ConsolidationStateArchived)).
			Find(&existing).Error
		if err != nil {
			return err
		}
		for i := range existing {
			prior := existing[i].toRecord()
			if strings.EqualFold(prior.Object, triple.object) {
				// Agreement strengthens the prior triple instead of
				// inserting a duplicate.
				boosted := prior.Confidence + cfg.CorroborationBoost
				if boosted > 1 {
					boosted = 1
				}
				return tx.Model(&recordRow{}).Where("id = ?", prior.ID).Updates(map[string]any{
					"confidence":       boosted,
					"access_count":     gorm.Expr("access_count + 1"),
					"last_accessed_at": now,
				}).Error
			}

			// Contradiction: keep both records, shift confidence toward
			// the newer claim and surface a gap for review.
			report.ContradictionsFound++
			reduced := prior.Confidence - cfg.ConfidenceTransfer
			if reduced < 0 {
				reduced = 0
			}
			if err := tx.Model(&recordRow{}).Where("id = ?", prior.ID).
				Update("confidence", reduced).Error; err != nil {
				return err
			}
			newRec.Confidence += cfg.ConfidenceTransfer
			if newRec.Confidence > 1 {
				newRec.Confidence = 1
			}
			if prior.Version >= newRec.Version {
				newRec.Version = prior.Version + 1
			}
			newRec.SupersedesID = prior.ID
			contradicted = append(contradicted, prior)
		}
	}

	if err := tx.Create(ptrRow(fromRecord(newRec))).Error; err != nil {
		return err
	}
	report.TriplesCreated++

	for _, prior := range contradicted {
		if err := s.insertGap(tx, types.KnowledgeGap{
			ID:        types.NewID(),
			Kind:      types.GapConflictingFact,
			RecordIDs: []string{prior.ID, newRec.ID},
			Description: fmt.Sprintf("%s %s: %q vs %q",
				triple.subject, triple.predicate, prior.Object, triple.object),
			CreatedAt: now,
		}, report); err != nil {
			return err
		}
		if err := s.insertEdge(tx, prior.ID, newRec.ID, types.RelationContradicts, now); err != nil {
			return err
		}
	}

	for _, member := range cluster {
		if err := s.insertEdge(tx, newRec.ID, member.ID, types.RelationDerivedFrom, now); err != nil {
			return err
		}
	}
	merged, err := s.mergeClusterEntities(tx, cluster, newRec.ID, now)
	if err != nil {
		return err
	}
	report.EntitiesMerged += merged
	return nil
}

func ptrRow(r recordRow) *recordRow { return &r }

func (s *Store) insertEdge(tx *gorm.DB, fromID, toID string, relType types.RelationType, now time.Time) error {
	if relType.Symmetric() && fromID > toID {
		fromID, toID = toID, fromID
	}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&edgeRow{
		FromID:    fromID,
		ToID:      toID,
		EdgeType:  string(relType),
		CreatedAt: now,
	}).Error
}

func (s *Store) insertGap(tx *gorm.DB, gap types.KnowledgeGap, report *types.ConsolidationReport) error {
	row := fromGap(gap)
	if err := tx.Create(&row).Error; err != nil {
		return err
	}
	report.GapsDetected++
	report.Gaps = append(report.Gaps, gap)
	return nil
}

// mergeClusterEntities unions the cluster's entity mentions into the
// entity profile table, aliasing case variants under one canonical name.
func (s *Store) mergeClusterEntities(tx *gorm.DB, cluster []types.MemoryRecord, recordID string, now time.Time) (int, error) {
	mentions := make(map[string]string)
	for _, rec := range cluster {
		for _, e := range rec.Metadata.Entities {
			trimmed := strings.TrimSpace(e)
			if trimmed == "" {
				continue
			}
			mentions[strings.ToLower(trimmed)] = trimmed
		}
	}

	merged := 0
	for canonical, original := range mentions {
		var row entityRow
		err := tx.Where("canonical_name = ?", canonical).First(&row).Error
		if err == gorm.ErrRecordNotFound {
			fresh := fromEntity(types.EntityProfile{
				ID:            types.NewID(),
				CanonicalName: canonical,
				Aliases:       uniqueStrings([]string{original}),
				MentionCount:  1,
				RecordIDs:     []string{recordID},
				UpdatedAt:     now,
			})
			if err := tx.Create(&fresh).Error; err != nil {
				return merged, err
			}
			continue
		}
		if err != nil {
			return merged, err
		}

		profile := row.toEntity()
		profile.Aliases = uniqueStrings(append(profile.Aliases, original))
		profile.RecordIDs = uniqueStrings(append(profile.RecordIDs, recordID))
		profile.MentionCount++
		profile.UpdatedAt = now
		updated := fromEntity(profile)
		if err := tx.Model(&entityRow{}).Where("id = ?", profile.ID).Updates(map[string]any{
			"aliases":       updated.Aliases,
			"record_ids":    updated.RecordIDs,
			"mention_count": updated.MentionCount,
			"updated_at":    updated.UpdatedAt,
		}).Error; err != nil {
			return merged, err
		}
		merged++
	}
	return merged, nil
}

// detectStaleGaps flags old, frequently accessed knowledge for refresh.
func (s *Store) detectStaleGaps(tx *gorm.DB, cfg ConsolidationConfig, report *types.ConsolidationReport) error {
	if cfg.StaleAfter <= 0 || cfg.MaxGapSuggestions <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-cfg.StaleAfter)
	var rows []recordRow
	err := tx.Where("created_at <= ? AND access_count >= ? AND type = ?",
		cutoff, cfg.StaleMinAccessCount, string(types.MemoryTypeSemantic)).
		Order("access_count DESC").
		Limit(cfg.MaxGapSuggestions).
		Find(&rows).Error
	if err != nil {
		return err
	}
	now := time.Now()
	for i := range rows {
		var open int64
		if err := tx.Model(&gapRow{}).
			Where("kind = ? AND resolved = ? AND record_ids LIKE ?",
				string(types.GapStaleHighUse), false, "%"+rows[i].ID+"%").
			Count(&open).Error; err != nil {
			return err
		}
		if open > 0 {
			continue
		}
		gap := types.KnowledgeGap{
			ID:          types.NewID(),
			Kind:        types.GapStaleHighUse,
			RecordIDs:   []string{rows[i].ID},
			Description: fmt.Sprintf("frequently used fact is %s old and may be stale", time.Since(rows[i].CreatedAt).Round(24*time.Hour)),
			CreatedAt:   now,
		}
		if err := s.insertGap(tx, gap, report); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) finishRun(tx *gorm.DB, report *types.ConsolidationReport, status string) error {
	report.Duration = time.Since(report.StartedAt)
	data, err := json.Marshal(report)
	if err != nil {
		data = []byte("{}")
	}
	finished := time.Now()
	return tx.Create(&runRow{
		ID:         report.RunID,
		StartedAt:  report.StartedAt,
		FinishedAt: &finished,
		Report:     string(data),
	}).Error
}

// triple is a subject-predicate-object extraction from a cluster.
type triple struct {
	subject    string
	predicate  string
	object     string
	content    string
	confidence float64
}

// relationVerbs are the copular and relational phrases the extractor
// recognizes, longest first so "works at" wins over "is".
var relationVerbs = []string{
	"works at", "lives in", "is located in", "is called", "prefers",
	"likes", "dislikes", "uses", "owns", "means", "is", "are",
}

// extractTriple derives a subject-predicate-object fact from a cluster
// by pattern-matching its most established member. Clusters whose text
// matches no pattern still yield a summary record: subject falls back to
// the dominant entity and the predicate to relates_to.
func extractTriple(cluster []types.MemoryRecord) triple {
	rep := cluster[0]
	for _, rec := range cluster[1:] {
		if rec.AccessCount > rep.AccessCount {
			rep = rec
		}
	}

	sentence := firstSentence(rep.Content)
	lower := strings.ToLower(sentence)
	for _, verb := range relationVerbs {
		idx := strings.Index(lower, " "+verb+" ")
		if idx <= 0 {
			continue
		}
		subject := strings.TrimSpace(sentence[:idx])
		object := strings.TrimSpace(sentence[idx+len(verb)+2:])
		object = strings.TrimRight(object, ".!?")
		if subject == "" || object == "" {
			continue
		}
		return triple{
			subject:    strings.ToLower(subject),
			predicate:  strings.ReplaceAll(verb, " ", "_"),
			object:     object,
			content:    sentence,
			confidence: baseConfidence(len(cluster)),
		}
	}

	subject := dominantEntity(cluster)
	return triple{
		subject:    subject,
		predicate:  string(types.RelationRelatesTo),
		object:     sentence,
		content:    sentence,
		confidence: baseConfidence(len(cluster)) * 0.8,
	}
}

// baseConfidence grows with cluster size and saturates below 1.
func baseConfidence(clusterSize int) float64 {
	c := 0.5 + 0.1*float64(clusterSize-1)
	if c > 0.9 {
		c = 0.9
	}
	return c
}

func firstSentence(text string) string {
	text = strings.TrimSpace(text)
	for _, sep := range []string{". ", "! ", "? ", "\n"} {
		if idx := strings.Index(text, sep); idx > 0 {
			return strings.TrimSpace(text[:idx+1])
		}
	}
	return text
}

func dominantEntity(cluster []types.MemoryRecord) string {
	counts := make(map[string]int)
	for _, rec := range cluster {
		for _, e := range rec.Metadata.Entities {
			counts[strings.ToLower(strings.TrimSpace(e))]++
		}
	}
	best, bestCount := "", 0
	for e, n := range counts {
		if e != "" && n > bestCount {
			best, bestCount = e, n
		}
	}
	if best == "" {
		return "conversation"
	}
	return best
}

func clusterEmbeddings(cluster []types.MemoryRecord) [][]float32 {
	out := make([][]float32, 0, len(cluster))
	for _, rec := range cluster {
		if len(rec.Embedding) > 0 {
			out = append(out, rec.Embedding)
		}
	}
	return out
}

func mergedClusterMetadata(cluster []types.MemoryRecord) types.Metadata {
	var meta types.Metadata
	for _, rec := range cluster {
		meta.Merge(rec.Metadata)
	}
	meta.Source = "consolidation"
	return meta
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
