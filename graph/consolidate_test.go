package graph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/engram/types"
)

// backdate moves a record's creation time past the consolidation age gate.
func backdate(t *testing.T, s *Store, id string, age time.Duration) {
	t.Helper()
	require.NoError(t, s.pool.DB().Model(&recordRow{}).Where("id = ?", id).
		Update("created_at", time.Now().Add(-age)).Error)
}

// storeCluster stores three episodic records similar enough to cluster
// but distinct enough to survive store-time dedup.
func storeCluster(t *testing.T, s *Store, ctx context.Context) []string {
	t.Helper()
	contents := []string{
		"Alex works at Initech. Mentioned during standup.",
		"Alex works at Initech. Confirmed in the HR doc.",
		"Alex works at Initech. Repeated while planning travel.",
	}
	embeddings := [][]float32{
		vec(1, 0.3, 0, 0),
		vec(1, 0, 0.3, 0),
		vec(1, 0, 0, 0.3),
	}
	ids := make([]string, 0, 3)
	for i, content := range contents {
		id, err := s.StoreEpisodicDedup(ctx, content, types.Metadata{Entities: []string{"Alex", "Initech"}}, embeddings[i])
		require.NoError(t, err)
		backdate(t, s, id, time.Hour)
		ids = append(ids, id)
	}
	return ids
}

func TestConsolidationExtractsTriple(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ids := storeCluster(t, s, ctx)

	report, err := s.RunConsolidation(ctx, DefaultConsolidationConfig())
	require.NoError(t, err)

	assert.Equal(t, 3, report.CandidatesFound)
	assert.Equal(t, 1, report.ClustersFormed)
	assert.Equal(t, 1, report.TriplesCreated)
	assert.Zero(t, report.ItemsSkipped)

	// Every cluster member is consolidated and linked to the new triple.
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.ConsolidationStateConsolidated, rec.State)

		edges, err := s.Edges(ctx, id)
		require.NoError(t, err)
		assert.NotEmpty(t, edges)
	}

	var rows []recordRow
	require.NoError(t, s.pool.DB().Where("type = ?", string(types.MemoryTypeSemantic)).Find(&rows).Error)
	require.Len(t, rows, 1)
	triple := rows[0].toRecord()
	assert.Equal(t, "alex", triple.Subject)
	assert.Equal(t, "works_at", triple.Predicate)
	assert.Equal(t, "Initech", triple.Object)
	assert.Greater(t, triple.Confidence, 0.5)

	entities, err := s.Entities(ctx)
	require.NoError(t, err)
	names := make([]string, 0, len(entities))
	for _, e := range entities {
		names = append(names, e.CanonicalName)
	}
	assert.Contains(t, names, "alex")
	assert.Contains(t, names, "initech")
}

func TestConsolidationIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	storeCluster(t, s, ctx)

	first, err := s.RunConsolidation(ctx, DefaultConsolidationConfig())
	require.NoError(t, err)
	assert.Equal(t, 1, first.TriplesCreated)

	// A second pass finds nothing left in the raw state.
	second, err := s.RunConsolidation(ctx, DefaultConsolidationConfig())
	require.NoError(t, err)
	assert.Zero(t, second.CandidatesFound)
	assert.Zero(t, second.TriplesCreated)
}

func TestConsolidationSkipsFreshRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.StoreEpisodicDedup(ctx, "just stored seconds ago", types.Metadata{}, vec(1, 0, 0, 0))
	require.NoError(t, err)

	report, err := s.RunConsolidation(ctx, DefaultConsolidationConfig())
	require.NoError(t, err)
	assert.Zero(t, report.CandidatesFound)
}

func TestConsolidationMarksSingletons(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.StoreEpisodicDedup(ctx, "a lone unclusterable note", types.Metadata{}, vec(0, 0, 1, 0))
	require.NoError(t, err)
	backdate(t, s, id, time.Hour)

	report, err := s.RunConsolidation(ctx, DefaultConsolidationConfig())
	require.NoError(t, err)
	assert.Equal(t, 1, report.SingletonsMarked)
	assert.Zero(t, report.TriplesCreated)

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.ConsolidationStateConsolidated, rec.State)
}

func TestConsolidationContradictionNeverOverwrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// A prior consolidated triple claims Alex works at Acme.
	prior := fromRecord(types.MemoryRecord{
		ID:             types.NewID(),
		Type:           types.MemoryTypeSemantic,
		Content:        "Alex works at Acme.",
		CreatedAt:      time.Now().Add(-24 * time.Hour),
		LastAccessedAt: time.Now().Add(-24 * time.Hour),
		DecayScore:     1.0,
		AccessCount:    3,
		DedupHash:      dedupHash("Alex works at Acme."),
		Importance:     0.7,
		State:          types.ConsolidationStateConsolidated,
		Subject:        "alex",
		Predicate:      "works_at",
		Object:         "Acme",
		Confidence:     0.8,
		Version:        1,
	})
	require.NoError(t, s.pool.DB().Create(&prior).Error)

	storeCluster(t, s, ctx)

	cfg := DefaultConsolidationConfig()
	report, err := s.RunConsolidation(ctx, cfg)
	require.NoError(t, err)

	assert.Equal(t, 1, report.ContradictionsFound)
	assert.Equal(t, 1, report.GapsDetected)
	require.Len(t, report.Gaps, 1)
	assert.Equal(t, types.GapConflictingFact, report.Gaps[0].Kind)

	// The old claim survives with reduced confidence.
	old, err := s.Get(ctx, prior.ID)
	require.NoError(t, err)
	assert.Equal(t, "Acme", old.Object)
	assert.InDelta(t, 0.8-cfg.ConfidenceTransfer, old.Confidence, 1e-9)

	// The challenger carries a version bump and a supersedes pointer.
	var rows []recordRow
	require.NoError(t, s.pool.DB().
		Where("type = ? AND object = ?", string(types.MemoryTypeSemantic), "Initech").
		Find(&rows).Error)
	require.Len(t, rows, 1)
	challenger := rows[0].toRecord()
	assert.Equal(t, prior.ID, challenger.SupersedesID)
	assert.Equal(t, 2, challenger.Version)
	assert.Greater(t, challenger.Confidence, 0.5)

	edges, err := s.Edges(ctx, prior.ID)
	require.NoError(t, err)
	foundContradicts := false
	for _, e := range edges {
		if e.Type == types.RelationContradicts {
			foundContradicts = true
		}
	}
	assert.True(t, foundContradicts)
}

func TestConsolidationSkippedClusterLeavesNoPartialWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	prior := fromRecord(types.MemoryRecord{
		ID:             types.NewID(),
		Type:           types.MemoryTypeSemantic,
		Content:        "Alex works at Acme.",
		CreatedAt:      time.Now().Add(-24 * time.Hour),
		LastAccessedAt: time.Now().Add(-24 * time.Hour),
		DecayScore:     1.0,
		AccessCount:    3,
		DedupHash:      dedupHash("Alex works at Acme."),
		Importance:     0.7,
		State:          types.ConsolidationStateConsolidated,
		Subject:        "alex",
		Predicate:      "works_at",
		Object:         "Acme",
		Confidence:     0.8,
		Version:        1,
	})
	require.NoError(t, s.pool.DB().Create(&prior).Error)

	ids := storeCluster(t, s, ctx)

	// Break the gap table so every attempt fails after the triple row
	// and the confidence shift are already written.
	require.NoError(t, s.pool.DB().Exec("DROP TABLE knowledge_gaps").Error)

	report, err := s.RunConsolidation(ctx, DefaultConsolidationConfig())
	require.NoError(t, err)
	assert.Equal(t, 1, report.ItemsSkipped)
	assert.Zero(t, report.TriplesCreated)
	assert.Zero(t, report.ContradictionsFound)
	assert.Zero(t, report.GapsDetected)
	assert.Empty(t, report.Gaps)

	// No half-written triple survives the skipped cluster.
	var count int64
	require.NoError(t, s.pool.DB().Model(&recordRow{}).
		Where("type = ? AND object = ?", string(types.MemoryTypeSemantic), "Initech").
		Count(&count).Error)
	assert.Zero(t, count)

	// The contradicted claim keeps its confidence.
	old, err := s.Get(ctx, prior.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, old.Confidence, 1e-9)

	// Skipped members stay raw for the next run.
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.ConsolidationStateRaw, rec.State)
	}
}

func TestConsolidationCorroborationBoostsConfidence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	prior := fromRecord(types.MemoryRecord{
		ID:             types.NewID(),
		Type:           types.MemoryTypeSemantic,
		Content:        "Alex works at Initech.",
		CreatedAt:      time.Now().Add(-24 * time.Hour),
		LastAccessedAt: time.Now().Add(-24 * time.Hour),
		DecayScore:     1.0,
		AccessCount:    3,
		DedupHash:      dedupHash("Alex works at Initech."),
		Importance:     0.7,
		State:          types.ConsolidationStateConsolidated,
		Subject:        "alex",
		Predicate:      "works_at",
		Object:         "Initech",
		Confidence:     0.8,
		Version:        1,
	})
	require.NoError(t, s.pool.DB().Create(&prior).Error)

	storeCluster(t, s, ctx)

	cfg := DefaultConsolidationConfig()
	report, err := s.RunConsolidation(ctx, cfg)
	require.NoError(t, err)
	assert.Zero(t, report.ContradictionsFound)

	boosted, err := s.Get(ctx, prior.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.8+cfg.CorroborationBoost, boosted.Confidence, 1e-9)

	// Agreement does not add a second triple for the same fact.
	var count int64
	require.NoError(t, s.pool.DB().Model(&recordRow{}).
		Where("type = ? AND subject = ? AND predicate = ?", string(types.MemoryTypeSemantic), "alex", "works_at").
		Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestConsolidationStaleGapDetection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stale := fromRecord(types.MemoryRecord{
		ID:             types.NewID(),
		Type:           types.MemoryTypeSemantic,
		Content:        "The office wifi password is hunter2.",
		CreatedAt:      time.Now().Add(-120 * 24 * time.Hour),
		LastAccessedAt: time.Now(),
		DecayScore:     1.0,
		AccessCount:    9,
		DedupHash:      dedupHash("The office wifi password is hunter2."),
		Importance:     0.7,
		State:          types.ConsolidationStateConsolidated,
		Version:        1,
	})
	require.NoError(t, s.pool.DB().Create(&stale).Error)

	report, err := s.RunConsolidation(ctx, DefaultConsolidationConfig())
	require.NoError(t, err)
	require.NotEmpty(t, report.Gaps)
	assert.Equal(t, types.GapStaleHighUse, report.Gaps[0].Kind)

	// Re-running does not duplicate the open gap.
	report2, err := s.RunConsolidation(ctx, DefaultConsolidationConfig())
	require.NoError(t, err)
	assert.Zero(t, report2.GapsDetected)
}
