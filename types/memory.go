package types

import (
	"time"

	"github.com/google/uuid"
)

// MemoryType classifies a durable memory record.
type MemoryType string

const (
	// MemoryTypeEpisodic is a memory of a specific occurred event.
	MemoryTypeEpisodic MemoryType = "episodic"
	// MemoryTypeSemantic is a generalized fact derived from episodic records.
	MemoryTypeSemantic MemoryType = "semantic"
	// MemoryTypeProcedural is a learned preference, skill, or action pattern.
	MemoryTypeProcedural MemoryType = "procedural"
)

// ConsolidationState tracks whether an episodic record has been processed
// by the consolidation pipeline.
type ConsolidationState string

const (
	ConsolidationStateRaw          ConsolidationState = "raw"
	ConsolidationStateConsolidated ConsolidationState = "consolidated"
	ConsolidationStateArchived     ConsolidationState = "archived"
)

// RawEvent is a single inbound message held in the sensory buffer.
// Ephemeral, FIFO-bounded, never persisted directly.
type RawEvent struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Role       string    `json:"role"`
	Text       string    `json:"text"`
	TokenCount int       `json:"token_count"`
	Tag        string    `json:"tag,omitempty"`
}

// SlotSource records which tier or path produced a working slot.
type SlotSource string

const (
	SlotSourceRecalled   SlotSource = "recalled"
	SlotSourceRecent     SlotSource = "recent"
	SlotSourceToolResult SlotSource = "tool-result"
	SlotSourceUserNoted  SlotSource = "user-referenced"
	SlotSourceRestored   SlotSource = "restored"
)

// WorkingSlot is an active, budget-counted unit of Tier-1 context.
type WorkingSlot struct {
	ID        string     `json:"id"`
	Content   string     `json:"content"`
	Priority  float64    `json:"priority"`
	TokenCost int        `json:"token_cost"`
	Pinned    bool       `json:"pinned"`
	Source    SlotSource `json:"source"`
	Momentum  int        `json:"momentum"`
	CreatedAt time.Time  `json:"created_at"`
	BoostedAt time.Time  `json:"boosted_at"`
}

// Metadata is the structured metadata attached to a memory record:
// known fields plus an open extension map. Validated at the store boundary.
type Metadata struct {
	Category  string            `json:"category,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	KeyFact   string            `json:"key_fact,omitempty"`
	Entities  []string          `json:"entities,omitempty"`
	Source    string            `json:"source,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// Merge unions other into m. Known scalar fields keep m's value when set;
// entity lists and the extension map are unioned.
func (m *Metadata) Merge(other Metadata) {
	if m.Category == "" {
		m.Category = other.Category
	}
	if m.SessionID == "" {
		m.SessionID = other.SessionID
	}
	if m.KeyFact == "" {
		m.KeyFact = other.KeyFact
	}
	if m.Source == "" {
		m.Source = other.Source
	}
	seen := make(map[string]bool, len(m.Entities))
	for _, e := range m.Entities {
		seen[e] = true
	}
	for _, e := range other.Entities {
		if !seen[e] {
			m.Entities = append(m.Entities, e)
			seen[e] = true
		}
	}
	if len(other.Extra) > 0 && m.Extra == nil {
		m.Extra = make(map[string]string, len(other.Extra))
	}
	for k, v := range other.Extra {
		if _, ok := m.Extra[k]; !ok {
			m.Extra[k] = v
		}
	}
}

// MemoryRecord is a durable Tier-2 memory.
type MemoryRecord struct {
	ID             string             `json:"id"`
	Type           MemoryType         `json:"type"`
	Content        string             `json:"content"`
	Embedding      []float32          `json:"-"`
	Metadata       Metadata           `json:"metadata"`
	CreatedAt      time.Time          `json:"created_at"`
	LastAccessedAt time.Time          `json:"last_accessed_at"`
	DecayScore     float64            `json:"decay_score"`
	AccessCount    int                `json:"access_count"`
	DedupHash      string             `json:"dedup_hash"`
	Pinned         bool               `json:"pinned"`
	Importance     float64            `json:"importance"`
	State          ConsolidationState `json:"state"`

	// Subject/Predicate/Object carry the extracted triple for semantic
	// records; Confidence, Version and SupersedesID track fact evolution.
	Subject      string  `json:"subject,omitempty"`
	Predicate    string  `json:"predicate,omitempty"`
	Object       string  `json:"object,omitempty"`
	Confidence   float64 `json:"confidence,omitempty"`
	Version      int     `json:"version,omitempty"`
	SupersedesID string  `json:"supersedes_id,omitempty"`
}

// RelationType labels an edge between two memory records.
type RelationType string

const (
	RelationRelatesTo   RelationType = "relates_to"
	RelationContradicts RelationType = "contradicts"
	RelationSupersedes  RelationType = "supersedes"
	RelationDerivedFrom RelationType = "derived_from"
	RelationMentions    RelationType = "mentions"
)

// Symmetric reports whether the relation has no inherent direction.
// Symmetric edges are stored with canonically ordered endpoints so the
// same pair never produces two rows.
func (r RelationType) Symmetric() bool {
	return r == RelationRelatesTo || r == RelationContradicts
}

// RelationEdge links two memory records.
type RelationEdge struct {
	FromID    string       `json:"from_id"`
	ToID      string       `json:"to_id"`
	Type      RelationType `json:"type"`
	CreatedAt time.Time    `json:"created_at"`
}

// EntityProfile tracks an entity mentioned across memory records.
// Produced and merged by the consolidation pipeline.
type EntityProfile struct {
	ID            string    `json:"id"`
	CanonicalName string    `json:"canonical_name"`
	Aliases       []string  `json:"aliases,omitempty"`
	MentionCount  int       `json:"mention_count"`
	RecordIDs     []string  `json:"record_ids,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// GapKind classifies a detected knowledge gap.
type GapKind string

const (
	GapConflictingFact         GapKind = "conflicting_fact"
	GapStaleHighUse            GapKind = "stale_high_use"
	GapUnresolvedContradiction GapKind = "unresolved_contradiction"
	GapIncompleteSchema        GapKind = "incomplete_schema"
)

// KnowledgeGap is emitted when consolidation detects conflicting or
// incomplete knowledge instead of silently overwriting it.
type KnowledgeGap struct {
	ID          string    `json:"id"`
	Kind        GapKind   `json:"kind"`
	RecordIDs   []string  `json:"record_ids"`
	Description string    `json:"description"`
	Resolved    bool      `json:"resolved"`
	CreatedAt   time.Time `json:"created_at"`
}

// ConsolidationReport summarizes one consolidation run.
type ConsolidationReport struct {
	RunID               string         `json:"run_id"`
	StartedAt           time.Time      `json:"started_at"`
	Duration            time.Duration  `json:"duration"`
	CandidatesFound     int            `json:"candidates_found"`
	ClustersFormed      int            `json:"clusters_formed"`
	TriplesCreated      int            `json:"triples_created"`
	ContradictionsFound int            `json:"contradictions_found"`
	SingletonsMarked    int            `json:"singletons_marked"`
	EntitiesMerged      int            `json:"entities_merged"`
	ItemsSkipped        int            `json:"items_skipped"`
	GapsDetected        int            `json:"gaps_detected"`
	Gaps                []KnowledgeGap `json:"gaps,omitempty"`
}

// BudgetReport describes how a context-building call spent its budget.
type BudgetReport struct {
	Budget            int  `json:"budget"`
	TokensUsed        int  `json:"tokens_used"`
	TokensAvailable   int  `json:"tokens_available"`
	PinnedTokens      int  `json:"pinned_tokens"`
	WorkingTokens     int  `json:"working_tokens"`
	RecalledTokens    int  `json:"recalled_tokens"`
	SensoryTokens     int  `json:"sensory_tokens"`
	MemoriesInjected  int  `json:"memories_injected"`
	ItemsDropped      int  `json:"items_dropped"`
	PinnedTruncated   bool `json:"pinned_truncated"`
	RetrievalDegraded bool `json:"retrieval_degraded"`
}

// QualityMetrics measures the quality of one search call.
// Calibrated is false when relevance grades came from the results' own
// scores rather than explicit feedback: a calibration proxy, not ground
// truth.
type QualityMetrics struct {
	AverageRelevancy      float64       `json:"average_relevancy"`
	NDCG                  float64       `json:"ndcg"`
	CandidatesAfterFilter int           `json:"candidates_after_filter"`
	MemoriesPacked        int           `json:"memories_packed"`
	TokensConsumed        int           `json:"tokens_consumed"`
	SearchLatency         time.Duration `json:"search_latency"`
	HybridTextWeight      float64       `json:"hybrid_text_weight"`
	Calibrated            bool          `json:"calibrated"`
}

// ScoredRecord is a search result with its component scores.
type ScoredRecord struct {
	Record       MemoryRecord `json:"record"`
	Score        float64      `json:"score"`
	VectorScore  float64      `json:"vector_score"`
	LexicalScore float64      `json:"lexical_score"`
	TokenCost    int          `json:"token_cost"`
}

// MemoryStats holds per-type diagnostic counts for the durable store.
type MemoryStats struct {
	EpisodicCount   int64 `json:"episodic_count"`
	SemanticCount   int64 `json:"semantic_count"`
	ProceduralCount int64 `json:"procedural_count"`
	EdgeCount       int64 `json:"edge_count"`
	EntityCount     int64 `json:"entity_count"`
	OpenGapCount    int64 `json:"open_gap_count"`
	StoreSizeBytes  int64 `json:"store_size_bytes"`
}

// NewID returns a fresh UUID string for records, events, slots and runs.
func NewID() string {
	return uuid.NewString()
}
