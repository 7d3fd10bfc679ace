package graph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/engram/internal/database"
	"github.com/BaSui01/engram/internal/migration"
	"github.com/BaSui01/engram/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	pool, err := database.Open(database.Config{
		Path:         ":memory:",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	mig, err := migration.NewMigrator(pool.SQLDB(), migration.Config{})
	require.NoError(t, err)
	require.NoError(t, mig.Up())
	require.NoError(t, mig.Close())

	cfg := DefaultConfig()
	cfg.EmbeddingDim = 4
	cfg.SweepsPerSecond = 0
	return New(pool, cfg, nil, nil)
}

func vec(a, b, c, d float32) []float32 { return []float32{a, b, c, d} }

func TestStoreDedupExactContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.StoreEpisodicDedup(ctx, "the deploy runs at midnight", types.Metadata{}, vec(1, 0, 0, 0))
	require.NoError(t, err)

	// Same text modulo case and spacing merges instead of inserting.
	id2, err := s.StoreEpisodicDedup(ctx, "The deploy  runs at midnight", types.Metadata{Category: "ops"}, vec(0, 1, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	rec, err := s.Get(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.AccessCount)
	assert.Equal(t, "ops", rec.Metadata.Category)
	assert.Equal(t, 1.0, rec.DecayScore)
}

func TestStoreDedupByEmbedding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.StoreSemanticDedup(ctx, "the user prefers dark mode", types.Metadata{}, vec(1, 0, 0, 0))
	require.NoError(t, err)

	// Different text, near-identical embedding: merges.
	id2, err := s.StoreSemanticDedup(ctx, "user likes the dark theme", types.Metadata{}, vec(1, 0.05, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	// Same embedding but different type: stays separate.
	id3, err := s.StoreEpisodicDedup(ctx, "user likes the dark theme", types.Metadata{}, vec(1, 0.05, 0, 0))
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)
}

func TestStoreDistinctRecordsInsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.StoreEpisodicDedup(ctx, "first unrelated fact", types.Metadata{}, vec(1, 0, 0, 0))
	require.NoError(t, err)
	id2, err := s.StoreEpisodicDedup(ctx, "second unrelated fact", types.Metadata{}, vec(0, 1, 0, 0))
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	stats, err := s.MemoryStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.EpisodicCount)
}

func TestStoreRejectsBadInput(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.StoreEpisodicDedup(ctx, "   ", types.Metadata{}, nil)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))

	_, err = s.StoreEpisodicDedup(ctx, "valid content", types.Metadata{}, []float32{1, 0})
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
}

func TestRelateSymmetricCanonicalOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.StoreEpisodicDedup(ctx, "fact a", types.Metadata{}, vec(1, 0, 0, 0))
	require.NoError(t, err)
	b, err := s.StoreEpisodicDedup(ctx, "fact b", types.Metadata{}, vec(0, 1, 0, 0))
	require.NoError(t, err)

	require.NoError(t, s.Relate(ctx, a, b, types.RelationRelatesTo))
	// Reversed order resolves to the same canonical edge.
	require.NoError(t, s.Relate(ctx, b, a, types.RelationRelatesTo))

	edges, err := s.Edges(ctx, a)
	require.NoError(t, err)
	assert.Len(t, edges, 1)
}

func TestRelateUnknownRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.StoreEpisodicDedup(ctx, "lonely fact", types.Metadata{}, vec(1, 0, 0, 0))
	require.NoError(t, err)

	err = s.Relate(ctx, a, "missing-id", types.RelationSupersedes)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))

	err = s.Relate(ctx, a, a, types.RelationRelatesTo)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
}

func TestWorkingSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	slots := []types.WorkingSlot{
		{ID: types.NewID(), Content: "pinned note", Priority: 9, TokenCost: 4, Pinned: true, Source: types.SlotSourceUserNoted},
		{ID: types.NewID(), Content: "recalled fact", Priority: 3, TokenCost: 5, Source: types.SlotSourceRecalled},
	}
	require.NoError(t, s.SaveWorkingSnapshot(ctx, "session-1", slots))

	loaded, err := s.LoadWorkingSnapshot(ctx, "session-1")
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, slots[0].ID, loaded[0].ID)
	assert.True(t, loaded[0].Pinned)

	missing, err := s.LoadWorkingSnapshot(ctx, "no-such-session")
	require.NoError(t, err)
	assert.Nil(t, missing)

	// Overwrite replaces, never appends.
	require.NoError(t, s.SaveWorkingSnapshot(ctx, "session-1", slots[:1]))
	loaded, err = s.LoadWorkingSnapshot(ctx, "session-1")
	require.NoError(t, err)
	assert.Len(t, loaded, 1)
}

func TestApplyDecayLowersOldScores(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	oldID, err := s.StoreEpisodicDedup(ctx, "an old memory", types.Metadata{}, vec(1, 0, 0, 0))
	require.NoError(t, err)
	freshID, err := s.StoreEpisodicDedup(ctx, "a fresh memory", types.Metadata{}, vec(0, 1, 0, 0))
	require.NoError(t, err)

	// Backdate the old record by two half-lives.
	backdated := time.Now().Add(-2 * s.config.DecayHalfLife)
	require.NoError(t, s.pool.DB().Model(&recordRow{}).Where("id = ?", oldID).
		Update("last_accessed_at", backdated).Error)

	touched, err := s.ApplyDecay(ctx, time.Now())
	require.NoError(t, err)
	assert.Greater(t, touched, 0)

	oldRec, err := s.Get(ctx, oldID)
	require.NoError(t, err)
	freshRec, err := s.Get(ctx, freshID)
	require.NoError(t, err)

	assert.InDelta(t, 0.25, oldRec.DecayScore, 0.01)
	assert.Greater(t, freshRec.DecayScore, 0.9)
}

func TestGarbageCollectSparesPinnedAndProcedural(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	decayed, err := s.StoreEpisodicDedup(ctx, "forgettable chatter", types.Metadata{}, vec(1, 0, 0, 0))
	require.NoError(t, err)
	pinned, err := s.StoreEpisodicDedup(ctx, "pinned instruction", types.Metadata{}, vec(0, 1, 0, 0))
	require.NoError(t, err)
	require.NoError(t, s.SetPinned(ctx, pinned, true))
	procedural, err := s.StoreProcedural(ctx, "how to run the deploy", types.Metadata{}, vec(0, 0, 1, 0))
	require.NoError(t, err)

	// Force every record under the GC floor.
	require.NoError(t, s.pool.DB().Model(&recordRow{}).Where("1 = 1").
		Update("decay_score", 0.01).Error)

	removed, err := s.GarbageCollect(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.Get(ctx, decayed)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
	_, err = s.Get(ctx, pinned)
	assert.NoError(t, err)
	_, err = s.Get(ctx, procedural)
	assert.NoError(t, err)
}

func TestApplyDecayMonotonicOverTime(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.StoreEpisodicDedup(ctx, "a slowly fading note", types.Metadata{}, vec(1, 0, 0, 0))
	require.NoError(t, err)

	// Sweeping at a later instant never raises a score.
	rapid.Check(t, func(rt *rapid.T) {
		h1 := rapid.Float64Range(0, 2000).Draw(rt, "h1")
		h2 := rapid.Float64Range(0, 2000).Draw(rt, "h2")
		if h2 < h1 {
			h1, h2 = h2, h1
		}
		base := time.Now()

		_, err := s.ApplyDecay(ctx, base.Add(time.Duration(h1*float64(time.Hour))))
		require.NoError(rt, err)
		earlier, err := s.Get(ctx, id)
		require.NoError(rt, err)

		_, err = s.ApplyDecay(ctx, base.Add(time.Duration(h2*float64(time.Hour))))
		require.NoError(rt, err)
		later, err := s.Get(ctx, id)
		require.NoError(rt, err)

		assert.LessOrEqual(rt, later.DecayScore, earlier.DecayScore+1e-9)
	})
}

func TestGarbageCollectSparesFrequentlyAccessed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.StoreEpisodicDedup(ctx, "heavily used fact", types.Metadata{}, vec(1, 0, 0, 0))
	require.NoError(t, err)
	require.NoError(t, s.pool.DB().Model(&recordRow{}).Where("id = ?", id).
		Updates(map[string]any{"decay_score": 0.01, "access_count": 10}).Error)

	removed, err := s.GarbageCollect(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}

func TestGarbageCollectMinAccessIsStrict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	atMin, err := s.StoreEpisodicDedup(ctx, "seen exactly at the threshold", types.Metadata{}, vec(1, 0, 0, 0))
	require.NoError(t, err)
	below, err := s.StoreEpisodicDedup(ctx, "seen once and forgotten", types.Metadata{}, vec(0, 1, 0, 0))
	require.NoError(t, err)

	require.NoError(t, s.pool.DB().Model(&recordRow{}).Where("id = ?", atMin).
		Updates(map[string]any{"decay_score": 0.01, "access_count": s.config.GCMinAccess}).Error)
	require.NoError(t, s.pool.DB().Model(&recordRow{}).Where("id = ?", below).
		Updates(map[string]any{"decay_score": 0.01, "access_count": s.config.GCMinAccess - 1}).Error)

	removed, err := s.GarbageCollect(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.Get(ctx, atMin)
	assert.NoError(t, err)
	_, err = s.Get(ctx, below)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func TestGapLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	row := fromGap(types.KnowledgeGap{
		ID:          types.NewID(),
		Kind:        types.GapConflictingFact,
		RecordIDs:   []string{"a", "b"},
		Description: "office location: berlin vs munich",
		CreatedAt:   time.Now(),
	})
	require.NoError(t, s.pool.DB().Create(&row).Error)

	gaps, err := s.OpenGaps(ctx)
	require.NoError(t, err)
	require.Len(t, gaps, 1)

	require.NoError(t, s.ResolveGap(ctx, gaps[0].ID))
	gaps, err = s.OpenGaps(ctx)
	require.NoError(t, err)
	assert.Empty(t, gaps)

	err = s.ResolveGap(ctx, "missing")
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}
