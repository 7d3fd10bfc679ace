package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/engram/types"
)

func TestResolveLexicalWeightFactualVsConceptual(t *testing.T) {
	cfg := DefaultSearchConfig()

	factual := ResolveLexicalWeight("BTC price 2024", cfg)
	conceptual := ResolveLexicalWeight("how does the consolidation pipeline decide which memories to merge together", cfg)

	assert.Greater(t, factual, conceptual)
	assert.LessOrEqual(t, factual, cfg.WeightMax)
	assert.GreaterOrEqual(t, conceptual, cfg.WeightMin)
}

func TestResolveLexicalWeightClamped(t *testing.T) {
	cfg := DefaultSearchConfig()

	// Every factual signal at once still stays inside the clamp.
	w := ResolveLexicalWeight(`"/etc/config_v2"`, cfg)
	assert.LessOrEqual(t, w, cfg.WeightMax)

	w = ResolveLexicalWeight("why would someone want a broad overview summary of everything we have discussed so far today", cfg)
	assert.GreaterOrEqual(t, w, cfg.WeightMin)
}

func TestResolveLexicalWeightSignals(t *testing.T) {
	cfg := DefaultSearchConfig()
	base := ResolveLexicalWeight("where does alex keep the spare office keys", cfg)

	tests := []struct {
		name  string
		query string
	}{
		{"path", "where is src/main/config stored for deployments right now"},
		{"digits", "where did we set the 8080 listener for deployments right now"},
		{"identifier", "where is retry_count configured for the deployments right now"},
		{"quoted", `where is "primary database" configured for deployments right now`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Greater(t, ResolveLexicalWeight(tt.query, cfg), base)
		})
	}
}

func TestSearchLexicalOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.StoreEpisodicDedup(ctx, "the kubernetes cluster lives in frankfurt", types.Metadata{}, nil)
	require.NoError(t, err)
	_, err = s.StoreEpisodicDedup(ctx, "alex prefers coffee over tea", types.Metadata{}, nil)
	require.NoError(t, err)

	results, _, err := s.Search(ctx, "kubernetes frankfurt", nil, DefaultSearchConfig(), Filters{})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Contains(t, results[0].Record.Content, "kubernetes")
	assert.Zero(t, results[0].VectorScore)
	assert.Greater(t, results[0].LexicalScore, 0.0)
}

func TestSearchVectorOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	near, err := s.StoreEpisodicDedup(ctx, "first topic", types.Metadata{}, vec(1, 0, 0, 0))
	require.NoError(t, err)
	_, err = s.StoreEpisodicDedup(ctx, "second topic", types.Metadata{}, vec(0, 1, 0, 0))
	require.NoError(t, err)

	results, _, err := s.Search(ctx, "", vec(1, 0.3, 0, 0), DefaultSearchConfig(), Filters{})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, near, results[0].Record.ID)
	assert.Greater(t, results[0].VectorScore, results[1].VectorScore)
}

func TestSearchTouchesResults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.StoreEpisodicDedup(ctx, "touchable search target", types.Metadata{}, vec(1, 0, 0, 0))
	require.NoError(t, err)
	require.NoError(t, s.pool.DB().Model(&recordRow{}).Where("id = ?", id).
		Update("decay_score", 0.4).Error)

	results, _, err := s.Search(ctx, "touchable target", nil, DefaultSearchConfig(), Filters{})
	require.NoError(t, err)
	require.NotEmpty(t, results)

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.AccessCount)
	assert.Equal(t, 1.0, rec.DecayScore)
}

func TestSearchFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.StoreEpisodicDedup(ctx, "shared keyword in episodic", types.Metadata{Category: "ops"}, nil)
	require.NoError(t, err)
	_, err = s.StoreSemanticDedup(ctx, "shared keyword in semantic", types.Metadata{Category: "personal"}, nil)
	require.NoError(t, err)

	results, _, err := s.Search(ctx, "shared keyword", nil, DefaultSearchConfig(), Filters{
		Types: []types.MemoryType{types.MemoryTypeSemantic},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, types.MemoryTypeSemantic, results[0].Record.Type)

	results, _, err = s.Search(ctx, "shared keyword", nil, DefaultSearchConfig(), Filters{Category: "ops"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "ops", results[0].Record.Metadata.Category)
}

func TestSearchHostileQueryDoesNotBreakFTS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.StoreEpisodicDedup(ctx, "plain stored content", types.Metadata{}, nil)
	require.NoError(t, err)

	// FTS operator characters in user input must not error out.
	_, _, err = s.Search(ctx, `"unbalanced ( NEAR/3 AND *`, nil, DefaultSearchConfig(), Filters{})
	require.NoError(t, err)
}

func TestSearchTopKBound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		_, err := s.StoreEpisodicDedup(ctx, "repeated keyword entry number "+types.NewID(), types.Metadata{}, nil)
		require.NoError(t, err)
	}

	cfg := DefaultSearchConfig()
	cfg.TopK = 5
	results, _, err := s.Search(ctx, "repeated keyword entry", nil, cfg, Filters{})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(results), 5)
}
