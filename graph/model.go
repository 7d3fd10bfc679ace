package graph

import (
	"encoding/json"
	"time"

	"github.com/BaSui01/engram/types"
)

// recordRow is the gorm model for memory_records.
type recordRow struct {
	ID             string    `gorm:"column:id;primaryKey"`
	Type           string    `gorm:"column:type"`
	Content        string    `gorm:"column:content"`
	Embedding      []byte    `gorm:"column:embedding"`
	Metadata       string    `gorm:"column:metadata"`
	CreatedAt      time.Time `gorm:"column:created_at"`
	LastAccessedAt time.Time `gorm:"column:last_accessed_at"`
	DecayScore     float64   `gorm:"column:decay_score"`
	AccessCount    int       `gorm:"column:access_count"`
	DedupHash      string    `gorm:"column:dedup_hash"`
	Pinned         bool      `gorm:"column:pinned"`
	Importance     float64   `gorm:"column:importance"`
	State          string    `gorm:"column:state"`
	Subject        string    `gorm:"column:subject"`
	Predicate      string    `gorm:"column:predicate"`
	Object         string    `gorm:"column:object"`
	Confidence     float64   `gorm:"column:confidence"`
	Version        int       `gorm:"column:version"`
	SupersedesID   string    `gorm:"column:supersedes_id"`
}

func (recordRow) TableName() string { return "memory_records" }

// edgeRow is the gorm model for memory_edges.
type edgeRow struct {
	FromID    string    `gorm:"column:from_id;primaryKey"`
	ToID      string    `gorm:"column:to_id;primaryKey"`
	EdgeType  string    `gorm:"column:edge_type;primaryKey"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (edgeRow) TableName() string { return "memory_edges" }

// entityRow is the gorm model for entity_profiles.
type entityRow struct {
	ID            string    `gorm:"column:id;primaryKey"`
	CanonicalName string    `gorm:"column:canonical_name"`
	Aliases       string    `gorm:"column:aliases"`
	MentionCount  int       `gorm:"column:mention_count"`
	RecordIDs     string    `gorm:"column:record_ids"`
	UpdatedAt     time.Time `gorm:"column:updated_at"`
}

func (entityRow) TableName() string { return "entity_profiles" }

// gapRow is the gorm model for knowledge_gaps.
type gapRow struct {
	ID          string    `gorm:"column:id;primaryKey"`
	Kind        string    `gorm:"column:kind"`
	RecordIDs   string    `gorm:"column:record_ids"`
	Description string    `gorm:"column:description"`
	Resolved    bool      `gorm:"column:resolved"`
	CreatedAt   time.Time `gorm:"column:created_at"`
}

func (gapRow) TableName() string { return "knowledge_gaps" }

// snapshotRow is the gorm model for working_memory_snapshots.
type snapshotRow struct {
	SessionID string    `gorm:"column:session_id;primaryKey"`
	Slots     string    `gorm:"column:slots"`
	SavedAt   time.Time `gorm:"column:saved_at"`
}

func (snapshotRow) TableName() string { return "working_memory_snapshots" }

// runRow is the gorm model for consolidation_runs.
type runRow struct {
	ID         string     `gorm:"column:id;primaryKey"`
	StartedAt  time.Time  `gorm:"column:started_at"`
	FinishedAt *time.Time `gorm:"column:finished_at"`
	Report     string     `gorm:"column:report"`
}

func (runRow) TableName() string { return "consolidation_runs" }

// toRecord converts a row to the domain type.
func (r *recordRow) toRecord() types.MemoryRecord {
	var meta types.Metadata
	_ = json.Unmarshal([]byte(r.Metadata), &meta)

	return types.MemoryRecord{
		ID:             r.ID,
		Type:           types.MemoryType(r.Type),
		Content:        r.Content,
		Embedding:      DecodeVector(r.Embedding),
		Metadata:       meta,
		CreatedAt:      r.CreatedAt,
		LastAccessedAt: r.LastAccessedAt,
		DecayScore:     r.DecayScore,
		AccessCount:    r.AccessCount,
		DedupHash:      r.DedupHash,
		Pinned:         r.Pinned,
		Importance:     r.Importance,
		State:          types.ConsolidationState(r.State),
		Subject:        r.Subject,
		Predicate:      r.Predicate,
		Object:         r.Object,
		Confidence:     r.Confidence,
		Version:        r.Version,
		SupersedesID:   r.SupersedesID,
	}
}

// fromRecord converts a domain record to a row.
func fromRecord(rec types.MemoryRecord) recordRow {
	metaJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		metaJSON = []byte("{}")
	}
	return recordRow{
		ID:             rec.ID,
		Type:           string(rec.Type),
		Content:        rec.Content,
		Embedding:      EncodeVector(rec.Embedding),
		Metadata:       string(metaJSON),
		CreatedAt:      rec.CreatedAt,
		LastAccessedAt: rec.LastAccessedAt,
		DecayScore:     rec.DecayScore,
		AccessCount:    rec.AccessCount,
		DedupHash:      rec.DedupHash,
		Pinned:         rec.Pinned,
		Importance:     rec.Importance,
		State:          string(rec.State),
		Subject:        rec.Subject,
		Predicate:      rec.Predicate,
		Object:         rec.Object,
		Confidence:     rec.Confidence,
		Version:        rec.Version,
		SupersedesID:   rec.SupersedesID,
	}
}

func (e *entityRow) toEntity() types.EntityProfile {
	var aliases, recordIDs []string
	_ = json.Unmarshal([]byte(e.Aliases), &aliases)
	_ = json.Unmarshal([]byte(e.RecordIDs), &recordIDs)
	return types.EntityProfile{
		ID:            e.ID,
		CanonicalName: e.CanonicalName,
		Aliases:       aliases,
		MentionCount:  e.MentionCount,
		RecordIDs:     recordIDs,
		UpdatedAt:     e.UpdatedAt,
	}
}

func fromEntity(ent types.EntityProfile) entityRow {
	aliases, _ := json.Marshal(ent.Aliases)
	recordIDs, _ := json.Marshal(ent.RecordIDs)
	if ent.Aliases == nil {
		aliases = []byte("[]")
	}
	if ent.RecordIDs == nil {
		recordIDs = []byte("[]")
	}
	return entityRow{
		ID:            ent.ID,
		CanonicalName: ent.CanonicalName,
		Aliases:       string(aliases),
		MentionCount:  ent.MentionCount,
		RecordIDs:     string(recordIDs),
		UpdatedAt:     ent.UpdatedAt,
	}
}

func (g *gapRow) toGap() types.KnowledgeGap {
	var recordIDs []string
	_ = json.Unmarshal([]byte(g.RecordIDs), &recordIDs)
	return types.KnowledgeGap{
		ID:          g.ID,
		Kind:        types.GapKind(g.Kind),
		RecordIDs:   recordIDs,
		Description: g.Description,
		Resolved:    g.Resolved,
		CreatedAt:   g.CreatedAt,
	}
}

func fromGap(gap types.KnowledgeGap) gapRow {
	recordIDs, _ := json.Marshal(gap.RecordIDs)
	if gap.RecordIDs == nil {
		recordIDs = []byte("[]")
	}
	return gapRow{
		ID:          gap.ID,
		Kind:        string(gap.Kind),
		RecordIDs:   string(recordIDs),
		Description: gap.Description,
		Resolved:    gap.Resolved,
		CreatedAt:   gap.CreatedAt,
	}
}
