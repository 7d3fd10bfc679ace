package engram

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/BaSui01/engram/config"
	"github.com/BaSui01/engram/graph"
	"github.com/BaSui01/engram/internal/cache"
	"github.com/BaSui01/engram/internal/database"
	"github.com/BaSui01/engram/internal/metrics"
	"github.com/BaSui01/engram/internal/migration"
	"github.com/BaSui01/engram/llm/tokenizer"
	"github.com/BaSui01/engram/memory"
	"github.com/BaSui01/engram/types"
)

// Session bundles the per-session memory tiers. Sessions live in the
// Engine's registry; they are never package-level state.
type Session struct {
	ID      string
	Sensory *memory.SensoryBuffer
	Working *memory.WorkingMemory
}

// SearchResult is one search call's ranked records plus its quality
// measurement.
type SearchResult struct {
	Results  []types.ScoredRecord
	Metrics  types.QualityMetrics
	Warnings []string
	// FromCache is true when the ranked list came from the recall cache.
	FromCache bool
}

type options struct {
	logger     *zap.Logger
	registerer prometheus.Registerer
	counter    tokenizer.Tokenizer
}

// Option customizes Engine construction.
type Option func(*options)

// WithLogger sets the engine logger. Default: no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegisterer sets the Prometheus registerer for engine metrics.
// Default: the global default registerer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithTokenizer overrides the token counter resolved from the model name.
func WithTokenizer(t tokenizer.Tokenizer) Option {
	return func(o *options) { o.counter = t }
}

// Engine is the memory engine facade: three memory tiers, hybrid search,
// consolidation and budgeted context assembly behind one handle.
type Engine struct {
	config     *config.Config
	logger     *zap.Logger
	pool       *database.Pool
	store      *graph.Store
	collector  *metrics.Collector
	cache      *cache.RecallCache
	tokenizers *tokenizer.Registry
	counter    tokenizer.Tokenizer

	// workingBudget is the per-session working memory budget: model
	// context window minus reserved headroom.
	workingBudget int

	mu       sync.Mutex
	sessions map[string]*Session
}

// New opens the durable store, applies pending migrations and returns a
// ready engine.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, types.NewError(types.ErrValidation, "invalid configuration").WithCause(err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "engram"))

	pool, err := database.Open(database.Config{
		Path:         cfg.Database.Path,
		BusyTimeout:  cfg.Database.BusyTimeout,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	}, logger)
	if err != nil {
		return nil, types.NewError(types.ErrStore, "open durable store").WithCause(err)
	}

	mig, err := migration.NewMigrator(pool.SQLDB(), migration.Config{})
	if err != nil {
		_ = pool.Close()
		return nil, types.NewError(types.ErrStore, "prepare migrations").WithCause(err)
	}
	if err := mig.Up(); err != nil {
		_ = mig.Close()
		_ = pool.Close()
		return nil, types.NewError(types.ErrStore, "apply migrations").WithCause(err)
	}
	if err := mig.Close(); err != nil {
		_ = pool.Close()
		return nil, types.NewError(types.ErrStore, "release migration source").WithCause(err)
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(cfg.Metrics.Namespace, o.registerer, logger)
	}

	store := graph.New(pool, graph.Config{
		EmbeddingDim:    cfg.Graph.EmbeddingDim,
		DedupThreshold:  cfg.Graph.DedupThreshold,
		DecayFactor:     cfg.Graph.DecayFactor,
		DecayHalfLife:   cfg.Graph.DecayHalfLife,
		GCScoreFloor:    cfg.Graph.GCScoreFloor,
		GCMinAccess:     cfg.Graph.GCMinAccess,
		ChunkSize:       cfg.Graph.ChunkSize,
		SweepsPerSecond: cfg.Graph.SweepsPerSecond,
	}, collector, logger)

	var recall *cache.RecallCache
	if cfg.Cache.Enabled {
		recall, err = cache.New(cache.Config{
			Addr:     cfg.Cache.Addr,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
			TTL:      cfg.Cache.TTL,
		}, logger)
		if err != nil {
			// The cache is an accelerator, not a dependency.
			logger.Warn("recall cache unavailable, continuing without it", zap.Error(err))
			recall = nil
		}
	}

	registry := tokenizer.NewRegistry()
	counter := o.counter
	if counter == nil {
		counter = tokenizer.ForModel(cfg.Model)
	}
	registry.Register(cfg.Model, counter)

	// The working budget is the model window minus instruction headroom
	// and the reply reserve.
	window := tokenizer.ResolveContextWindow(cfg.Model, tokenizer.DefaultCapabilities().ContextWindow)
	budget := window - cfg.Working.HeadroomTokens - cfg.Context.MinReplyTokens
	if budget <= 0 {
		budget = window / 2
	}

	logger.Info("engine ready",
		zap.String("model", cfg.Model),
		zap.Int("context_window", window),
		zap.Int("working_budget", budget),
	)

	return &Engine{
		config:        cfg,
		logger:        logger,
		pool:          pool,
		store:         store,
		collector:     collector,
		cache:         recall,
		tokenizers:    registry,
		counter:       counter,
		workingBudget: budget,
		sessions:      make(map[string]*Session),
	}, nil
}

// Session returns the session with the given id, creating it on first
// use.
func (e *Engine) Session(id string) *Session {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s, ok := e.sessions[id]; ok {
		return s
	}
	s := &Session{
		ID:      id,
		Sensory: memory.NewSensoryBuffer(e.config.Sensory.Capacity, e.counter, e.logger),
		Working: memory.NewWorkingMemory(e.workingBudget, memory.WorkingConfig{
			BoostStep:   e.config.Working.BoostStep,
			MomentumCap: e.config.Working.MomentumCap,
			MinPriority: e.config.Working.MinPriority,
		}, e.counter, e.logger),
	}
	e.sessions[id] = s
	return s
}

// EndSession drops a session from the registry.
func (e *Engine) EndSession(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, id)
}

// Observe pushes one raw message event into a session's sensory buffer
// and returns the evicted event, if the push overflowed the ring.
func (e *Engine) Observe(sessionID, role, text, tag string) *types.RawEvent {
	return e.Session(sessionID).Sensory.Push(role, text, tag)
}

// AdmitWorking promotes content into a session's working memory. Evicted
// slots are returned so the caller can demote them to the durable store
// once embeddings are available.
func (e *Engine) AdmitWorking(sessionID, content string, priority float64, source types.SlotSource, pinned bool) (types.WorkingSlot, []types.WorkingSlot, error) {
	return e.Session(sessionID).Working.Admit(content, priority, source, pinned)
}

// StoreEpisodic stores an episodic record with dedup-aware merging.
func (e *Engine) StoreEpisodic(ctx context.Context, content string, meta types.Metadata, embedding []float32) (string, error) {
	id, err := e.store.StoreEpisodicDedup(ctx, content, meta, embedding)
	e.invalidateRecall(ctx, err)
	return id, err
}

// StoreSemantic stores a semantic record with dedup-aware merging.
func (e *Engine) StoreSemantic(ctx context.Context, content string, meta types.Metadata, embedding []float32) (string, error) {
	id, err := e.store.StoreSemanticDedup(ctx, content, meta, embedding)
	e.invalidateRecall(ctx, err)
	return id, err
}

// StoreProcedural stores a procedural record with dedup-aware merging.
func (e *Engine) StoreProcedural(ctx context.Context, content string, meta types.Metadata, embedding []float32) (string, error) {
	id, err := e.store.StoreProcedural(ctx, content, meta, embedding)
	e.invalidateRecall(ctx, err)
	return id, err
}

// Relate links two stored records.
func (e *Engine) Relate(ctx context.Context, fromID, toID string, relType types.RelationType) error {
	err := e.store.Relate(ctx, fromID, toID, relType)
	e.invalidateRecall(ctx, err)
	return err
}

func (e *Engine) invalidateRecall(ctx context.Context, opErr error) {
	if e.cache != nil && opErr == nil {
		e.cache.Invalidate(ctx)
	}
}

// Search runs the full retrieval pipeline: hybrid search, reranking and
// quality measurement. Quality is reported to the metrics sink on a
// separate goroutine so recording never delays the response.
func (e *Engine) Search(ctx context.Context, queryText string, embedding []float32, filters graph.Filters) (SearchResult, error) {
	start := time.Now()

	searchCfg := graph.SearchConfig{
		TopK:           e.config.Search.TopK,
		CandidateLimit: e.config.Search.CandidateLimit,
		RRFK:           e.config.Search.RRFK,
		WeightMin:      e.config.Search.WeightMin,
		WeightMax:      e.config.Search.WeightMax,
		FactualStep:    e.config.Search.FactualStep,
		ConceptualStep: e.config.Search.ConceptualStep,
	}
	rerankCfg := graph.RerankConfig{
		Stages:          e.config.Rerank.Stages,
		DupThreshold:    e.config.Rerank.DupThreshold,
		RecencyHalfLife: e.config.Rerank.RecencyHalfLife,
		EntityBoost:     e.config.Rerank.EntityBoost,
		QualityPenalty:  e.config.Rerank.QualityPenalty,
	}
	textWeight := graph.ResolveLexicalWeight(queryText, searchCfg)

	compute := func() ([]types.ScoredRecord, error) {
		results, _, err := e.store.Search(ctx, queryText, embedding, searchCfg, filters)
		if err != nil {
			return nil, err
		}
		return graph.Rerank(results, e.queryEntities(ctx, queryText), rerankCfg, time.Now()), nil
	}

	var (
		results   []types.ScoredRecord
		fromCache bool
		err       error
	)
	if e.cache != nil {
		key := e.cache.Key(ctx, queryText, embedding, searchCfg.TopK)
		results, fromCache, err = e.cache.GetOrCompute(ctx, key, compute)
		if e.collector != nil {
			if fromCache {
				e.collector.RecordCacheHit("recall")
			} else {
				e.collector.RecordCacheMiss("recall")
			}
		}
	} else {
		results, err = compute()
	}
	if err != nil {
		if e.collector != nil {
			go e.collector.RecordSearch("error", time.Since(start), 0, 0, textWeight, 0)
		}
		return SearchResult{}, err
	}

	tokens := 0
	for i := range results {
		cost, cerr := e.counter.CountTokens(results[i].Record.Content)
		if cerr != nil {
			cost = len(results[i].Record.Content) / 4
		}
		results[i].TokenCost = cost
		tokens += cost
	}

	qm := graph.BuildQualityMetrics(results, len(results), len(results), tokens, time.Since(start), textWeight)
	warnings := graph.AssessQuality(qm)
	for _, w := range warnings {
		e.logger.Warn("retrieval quality", zap.String("warning", w))
	}
	if e.collector != nil {
		go e.collector.RecordSearch("ok", qm.SearchLatency, qm.NDCG, qm.AverageRelevancy, textWeight, qm.CandidatesAfterFilter)
	}

	return SearchResult{
		Results:   results,
		Metrics:   qm,
		Warnings:  warnings,
		FromCache: fromCache,
	}, nil
}

// queryEntities matches tracked entity names against the query text for
// the entity-overlap rerank stage. Lookup failures just disable the
// boost.
func (e *Engine) queryEntities(ctx context.Context, queryText string) []string {
	profiles, err := e.store.Entities(ctx)
	if err != nil || len(profiles) == 0 {
		return nil
	}
	lower := strings.ToLower(queryText)
	var matched []string
	for _, p := range profiles {
		if p.CanonicalName != "" && strings.Contains(lower, p.CanonicalName) {
			matched = append(matched, p.CanonicalName)
		}
	}
	return matched
}

// RunConsolidation executes one consolidation pass. Intended to be
// driven by an external scheduler or StartMaintenance.
func (e *Engine) RunConsolidation(ctx context.Context) (types.ConsolidationReport, error) {
	report, err := e.store.RunConsolidation(ctx, graph.ConsolidationConfig{
		MinClusterSize:      e.config.Consolidation.MinClusterSize,
		ClusterSimilarity:   e.config.Consolidation.ClusterSimilarity,
		CandidateMinAge:     e.config.Consolidation.CandidateMinAge,
		CandidateBatchSize:  e.config.Consolidation.CandidateBatchSize,
		MaxItemRetries:      e.config.Consolidation.MaxItemRetries,
		CorroborationBoost:  e.config.Consolidation.CorroborationBoost,
		ConfidenceTransfer:  e.config.Consolidation.ConfidenceTransfer,
		MaxGapSuggestions:   e.config.Consolidation.MaxGapSuggestions,
		StaleAfter:          e.config.Consolidation.StaleAfter,
		StaleMinAccessCount: e.config.Consolidation.StaleMinAccessCount,
	})
	e.invalidateRecall(ctx, err)
	return report, err
}

// ApplyDecay recomputes decay scores across the store.
func (e *Engine) ApplyDecay(ctx context.Context) (int, error) {
	return e.store.ApplyDecay(ctx, time.Now())
}

// GarbageCollect removes fully decayed, rarely used records.
func (e *Engine) GarbageCollect(ctx context.Context) (int, error) {
	removed, err := e.store.GarbageCollect(ctx)
	if removed > 0 {
		e.invalidateRecall(ctx, err)
	}
	return removed, err
}

// StartMaintenance runs consolidation, decay and garbage collection on
// the given interval until ctx is cancelled. The live path never waits
// on this loop; it only contends on the store lock per chunk.
func (e *Engine) StartMaintenance(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := e.RunConsolidation(ctx); err != nil {
					e.logger.Warn("scheduled consolidation failed", zap.Error(err))
				}
				if _, err := e.ApplyDecay(ctx); err != nil {
					e.logger.Warn("scheduled decay failed", zap.Error(err))
				}
				if _, err := e.GarbageCollect(ctx); err != nil {
					e.logger.Warn("scheduled garbage collection failed", zap.Error(err))
				}
			}
		}
	}()
}

// MemoryStats returns diagnostic counts from the durable store.
func (e *Engine) MemoryStats(ctx context.Context) (types.MemoryStats, error) {
	return e.store.MemoryStats(ctx)
}

// OpenGaps lists unresolved knowledge gaps.
func (e *Engine) OpenGaps(ctx context.Context) ([]types.KnowledgeGap, error) {
	return e.store.OpenGaps(ctx)
}

// ResolveGap marks a knowledge gap as handled.
func (e *Engine) ResolveGap(ctx context.Context, gapID string) error {
	return e.store.ResolveGap(ctx, gapID)
}

// SaveSession persists a session's working slots so the session can
// survive a restart.
func (e *Engine) SaveSession(ctx context.Context, sessionID string) error {
	s := e.Session(sessionID)
	return e.store.SaveWorkingSnapshot(ctx, sessionID, s.Working.SnapshotForContext())
}

// RestoreSession loads persisted working slots into a session. Restored
// slots carry the restored provenance; slots that no longer fit the
// budget are returned.
func (e *Engine) RestoreSession(ctx context.Context, sessionID string) ([]types.WorkingSlot, error) {
	slots, err := e.store.LoadWorkingSnapshot(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(slots) == 0 {
		return nil, nil
	}
	skipped := e.Session(sessionID).Working.Restore(slots)
	return skipped, nil
}

// WorkingBudget returns the per-session working memory token budget.
func (e *Engine) WorkingBudget() int {
	return e.workingBudget
}

// Close releases the cache and the durable store.
func (e *Engine) Close() error {
	if e.cache != nil {
		_ = e.cache.Close()
	}
	return e.pool.Close()
}
