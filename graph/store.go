package graph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/engram/internal/database"
	"github.com/BaSui01/engram/internal/metrics"
	"github.com/BaSui01/engram/types"
)

// Config tunes the memory graph.
type Config struct {
	EmbeddingDim   int
	DedupThreshold float64
	DecayFactor    float64
	DecayHalfLife  time.Duration
	GCScoreFloor   float64
	// GCMinAccess: records accessed at least this many times survive GC.
	GCMinAccess int
	// ChunkSize bounds rows touched per transaction in background sweeps.
	ChunkSize int
	// SweepsPerSecond paces chunked sweeps; zero disables pacing.
	SweepsPerSecond float64
	// DedupCandidateLimit bounds how many recent same-type records are
	// compared against a new record's embedding.
	DedupCandidateLimit int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		EmbeddingDim:        1536,
		DedupThreshold:      0.97,
		DecayFactor:         0.5,
		DecayHalfLife:       7 * 24 * time.Hour,
		GCScoreFloor:        0.05,
		GCMinAccess:         2,
		ChunkSize:           200,
		SweepsPerSecond:     10,
		DedupCandidateLimit: 500,
	}
}

// Store is the durable memory graph. One mutex serializes every caller,
// live path and background sweeps alike, so no caller ever observes a
// partial write.
type Store struct {
	mu        sync.Mutex
	pool      *database.Pool
	config    Config
	logger    *zap.Logger
	collector *metrics.Collector
}

// New creates a Store over an open database pool. The collector may be
// nil.
func New(pool *database.Pool, config Config, collector *metrics.Collector, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = DefaultConfig().ChunkSize
	}
	if config.DedupCandidateLimit <= 0 {
		config.DedupCandidateLimit = DefaultConfig().DedupCandidateLimit
	}
	return &Store{
		pool:      pool,
		config:    config,
		collector: collector,
		logger:    logger.With(zap.String("component", "memory_graph")),
	}
}

// StoreEpisodicDedup stores an episodic record, merging into an existing
// near-duplicate instead of inserting. Returns the record id either way.
func (s *Store) StoreEpisodicDedup(ctx context.Context, content string, meta types.Metadata, embedding []float32) (string, error) {
	return s.storeDedup(ctx, types.MemoryTypeEpisodic, content, meta, embedding)
}

// StoreSemanticDedup stores a semantic record with the same dedup rules.
func (s *Store) StoreSemanticDedup(ctx context.Context, content string, meta types.Metadata, embedding []float32) (string, error) {
	return s.storeDedup(ctx, types.MemoryTypeSemantic, content, meta, embedding)
}

// StoreProcedural stores a procedural record with the same dedup rules.
// Procedural records are exempt from garbage collection.
func (s *Store) StoreProcedural(ctx context.Context, content string, meta types.Metadata, embedding []float32) (string, error) {
	return s.storeDedup(ctx, types.MemoryTypeProcedural, content, meta, embedding)
}

func (s *Store) storeDedup(ctx context.Context, typ types.MemoryType, content string, meta types.Metadata, embedding []float32) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", types.NewError(types.ErrValidation, "content must not be empty")
	}
	if len(embedding) > 0 && len(embedding) != s.config.EmbeddingDim {
		return "", types.NewErrorf(types.ErrValidation,
			"embedding dimension %d does not match configured %d", len(embedding), s.config.EmbeddingDim)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	hash := dedupHash(content)
	now := time.Now()
	var id string

	err := s.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		// Exact-hash match first: cheapest dedup path.
		var existing recordRow
		res := tx.Where("type = ? AND dedup_hash = ?", string(typ), hash).First(&existing)
		if res.Error == nil {
			id = existing.ID
			return s.mergeLocked(tx, &existing, meta, now)
		}
		if res.Error != gorm.ErrRecordNotFound {
			return res.Error
		}

		// Embedding similarity against recent same-type records.
		if len(embedding) > 0 {
			var candidates []recordRow
			if err := tx.Where("type = ? AND embedding IS NOT NULL", string(typ)).
				Order("last_accessed_at DESC").
				Limit(s.config.DedupCandidateLimit).
				Find(&candidates).Error; err != nil {
				return err
			}
			for i := range candidates {
				if Cosine(embedding, DecodeVector(candidates[i].Embedding)) >= s.config.DedupThreshold {
					id = candidates[i].ID
					return s.mergeLocked(tx, &candidates[i], meta, now)
				}
			}
		}

		row := fromRecord(types.MemoryRecord{
			ID:             types.NewID(),
			Type:           typ,
			Content:        content,
			Embedding:      embedding,
			Metadata:       meta,
			CreatedAt:      now,
			LastAccessedAt: now,
			DecayScore:     1.0,
			AccessCount:    1,
			DedupHash:      hash,
			Importance:     0.5,
			State:          types.ConsolidationStateRaw,
			Version:        1,
		})
		id = row.ID
		return tx.Create(&row).Error
	})
	if err != nil {
		s.recordOp("store_"+string(typ), "error")
		if types.GetErrorCode(err) != "" {
			return "", err
		}
		return "", types.NewErrorf(types.ErrStore, "store %s record", typ).WithCause(err)
	}

	s.recordOp("store_"+string(typ), "ok")
	return id, nil
}

// mergeLocked folds a duplicate into the existing record: access count up,
// metadata unioned, decay refreshed.
func (s *Store) mergeLocked(tx *gorm.DB, existing *recordRow, meta types.Metadata, now time.Time) error {
	var merged types.Metadata
	_ = json.Unmarshal([]byte(existing.Metadata), &merged)
	merged.Merge(meta)
	metaJSON, err := json.Marshal(merged)
	if err != nil {
		metaJSON = []byte(existing.Metadata)
	}

	if s.collector != nil {
		s.collector.RecordMerge()
	}
	return tx.Model(&recordRow{}).Where("id = ?", existing.ID).Updates(map[string]any{
		"access_count":     gorm.Expr("access_count + 1"),
		"last_accessed_at": now,
		"decay_score":      1.0,
		"metadata":         string(metaJSON),
	}).Error
}

// Relate upserts an edge between two records. Symmetric relation types
// canonicalize endpoint order so the same pair never yields two edges.
func (s *Store) Relate(ctx context.Context, fromID, toID string, relType types.RelationType) error {
	if fromID == toID {
		return types.NewError(types.ErrValidation, "cannot relate a record to itself")
	}
	if relType.Symmetric() && fromID > toID {
		fromID, toID = toID, fromID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&recordRow{}).Where("id IN ?", []string{fromID, toID}).Count(&count).Error; err != nil {
			return err
		}
		if count != 2 {
			return types.NewErrorf(types.ErrNotFound, "relate: unknown record id (%s -> %s)", fromID, toID)
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&edgeRow{
			FromID:    fromID,
			ToID:      toID,
			EdgeType:  string(relType),
			CreatedAt: time.Now(),
		}).Error
	})
	if err != nil {
		s.recordOp("relate", "error")
		if types.GetErrorCode(err) != "" {
			return err
		}
		return types.NewError(types.ErrStore, "relate records").WithCause(err)
	}
	s.recordOp("relate", "ok")
	return nil
}

// Edges returns all edges touching the given record.
func (s *Store) Edges(ctx context.Context, recordID string) ([]types.RelationEdge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []edgeRow
	err := s.pool.DB().WithContext(ctx).
		Where("from_id = ? OR to_id = ?", recordID, recordID).
		Find(&rows).Error
	if err != nil {
		return nil, types.NewError(types.ErrStore, "load edges").WithCause(err)
	}
	out := make([]types.RelationEdge, 0, len(rows))
	for _, r := range rows {
		out = append(out, types.RelationEdge{
			FromID:    r.FromID,
			ToID:      r.ToID,
			Type:      types.RelationType(r.EdgeType),
			CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}

// Get loads a record by id.
func (s *Store) Get(ctx context.Context, id string) (types.MemoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(ctx, id)
}

func (s *Store) getLocked(ctx context.Context, id string) (types.MemoryRecord, error) {
	var row recordRow
	err := s.pool.DB().WithContext(ctx).Where("id = ?", id).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return types.MemoryRecord{}, types.NewErrorf(types.ErrNotFound, "record %s not found", id)
	}
	if err != nil {
		return types.MemoryRecord{}, types.NewError(types.ErrStore, "load record").WithCause(err)
	}
	return row.toRecord(), nil
}

// SetPinned marks or unmarks a record as pinned.
func (s *Store) SetPinned(ctx context.Context, id string, pinned bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.pool.DB().WithContext(ctx).Model(&recordRow{}).Where("id = ?", id).Update("pinned", pinned)
	if res.Error != nil {
		return types.NewError(types.ErrStore, "update pinned flag").WithCause(res.Error)
	}
	if res.RowsAffected == 0 {
		return types.NewErrorf(types.ErrNotFound, "record %s not found", id)
	}
	return nil
}

// MemoryStats returns per-type counts and the store's size on disk.
func (s *Store) MemoryStats(ctx context.Context) (types.MemoryStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats types.MemoryStats
	db := s.pool.DB().WithContext(ctx)

	type typeCount struct {
		Type  string
		Count int64
	}
	var counts []typeCount
	if err := db.Model(&recordRow{}).Select("type, count(*) as count").Group("type").Scan(&counts).Error; err != nil {
		return stats, types.NewError(types.ErrStore, "count records").WithCause(err)
	}
	for _, c := range counts {
		switch types.MemoryType(c.Type) {
		case types.MemoryTypeEpisodic:
			stats.EpisodicCount = c.Count
		case types.MemoryTypeSemantic:
			stats.SemanticCount = c.Count
		case types.MemoryTypeProcedural:
			stats.ProceduralCount = c.Count
		}
	}

	if err := db.Model(&edgeRow{}).Count(&stats.EdgeCount).Error; err != nil {
		return stats, types.NewError(types.ErrStore, "count edges").WithCause(err)
	}
	if err := db.Model(&entityRow{}).Count(&stats.EntityCount).Error; err != nil {
		return stats, types.NewError(types.ErrStore, "count entities").WithCause(err)
	}
	if err := db.Model(&gapRow{}).Where("resolved = ?", false).Count(&stats.OpenGapCount).Error; err != nil {
		return stats, types.NewError(types.ErrStore, "count gaps").WithCause(err)
	}

	var pageCount, pageSize int64
	if err := db.Raw("PRAGMA page_count").Scan(&pageCount).Error; err == nil {
		if err := db.Raw("PRAGMA page_size").Scan(&pageSize).Error; err == nil {
			stats.StoreSizeBytes = pageCount * pageSize
		}
	}
	return stats, nil
}

// SaveWorkingSnapshot persists a session's working slots.
func (s *Store) SaveWorkingSnapshot(ctx context.Context, sessionID string, slots []types.WorkingSlot) error {
	data, err := json.Marshal(slots)
	if err != nil {
		return types.NewError(types.ErrValidation, "encode working snapshot").WithCause(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"slots", "saved_at"}),
		}).Create(&snapshotRow{
			SessionID: sessionID,
			Slots:     string(data),
			SavedAt:   time.Now(),
		}).Error
	})
	if err != nil {
		return types.NewError(types.ErrStore, "save working snapshot").WithCause(err)
	}
	return nil
}

// LoadWorkingSnapshot restores a session's persisted working slots.
func (s *Store) LoadWorkingSnapshot(ctx context.Context, sessionID string) ([]types.WorkingSlot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row snapshotRow
	err := s.pool.DB().WithContext(ctx).Where("session_id = ?", sessionID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewError(types.ErrStore, "load working snapshot").WithCause(err)
	}

	var slots []types.WorkingSlot
	if err := json.Unmarshal([]byte(row.Slots), &slots); err != nil {
		return nil, types.NewError(types.ErrStore, "decode working snapshot").WithCause(err)
	}
	return slots, nil
}

// OpenGaps lists unresolved knowledge gaps.
func (s *Store) OpenGaps(ctx context.Context) ([]types.KnowledgeGap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []gapRow
	if err := s.pool.DB().WithContext(ctx).Where("resolved = ?", false).Order("created_at").Find(&rows).Error; err != nil {
		return nil, types.NewError(types.ErrStore, "load gaps").WithCause(err)
	}
	out := make([]types.KnowledgeGap, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toGap())
	}
	return out, nil
}

// ResolveGap marks a knowledge gap as resolved.
func (s *Store) ResolveGap(ctx context.Context, gapID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.pool.DB().WithContext(ctx).Model(&gapRow{}).Where("id = ?", gapID).Update("resolved", true)
	if res.Error != nil {
		return types.NewError(types.ErrStore, "resolve gap").WithCause(res.Error)
	}
	if res.RowsAffected == 0 {
		return types.NewErrorf(types.ErrNotFound, "gap %s not found", gapID)
	}
	return nil
}

// Entities lists all tracked entity profiles.
func (s *Store) Entities(ctx context.Context) ([]types.EntityProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []entityRow
	if err := s.pool.DB().WithContext(ctx).Order("mention_count DESC").Find(&rows).Error; err != nil {
		return nil, types.NewError(types.ErrStore, "load entities").WithCause(err)
	}
	out := make([]types.EntityProfile, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toEntity())
	}
	return out, nil
}

func (s *Store) recordOp(operation, status string) {
	if s.collector != nil {
		s.collector.RecordStoreOp(operation, status)
	}
}

// dedupHash fingerprints content after lowercasing and collapsing
// whitespace, so trivial formatting differences still collide.
func dedupHash(content string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(content)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
