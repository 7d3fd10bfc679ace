package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Rerank stage names accepted in RerankConfig.Stages.
const (
	StageRecency = "recency"
	StageDedup   = "dedup"
	StageEntity  = "entity"
	StageQuality = "quality"
)

// Config is the full configuration tree for the memory engine.
type Config struct {
	// Model is the default model identifier used for budget resolution.
	Model string `yaml:"model" json:"model"`

	Database      DatabaseConfig      `yaml:"database" json:"database"`
	Sensory       SensoryConfig       `yaml:"sensory" json:"sensory"`
	Working       WorkingConfig       `yaml:"working" json:"working"`
	Graph         GraphConfig         `yaml:"graph" json:"graph"`
	Search        SearchConfig        `yaml:"search" json:"search"`
	Rerank        RerankConfig        `yaml:"rerank" json:"rerank"`
	Consolidation ConsolidationConfig `yaml:"consolidation" json:"consolidation"`
	Context       ContextConfig       `yaml:"context" json:"context"`
	Cache         CacheConfig         `yaml:"cache" json:"cache"`
	Metrics       MetricsConfig       `yaml:"metrics" json:"metrics"`
}

// DatabaseConfig configures the SQLite durable store.
type DatabaseConfig struct {
	// Path is the SQLite file path. ":memory:" runs fully in memory.
	Path         string        `yaml:"path" json:"path"`
	BusyTimeout  time.Duration `yaml:"busy_timeout" json:"busy_timeout"`
	MaxOpenConns int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns" json:"max_idle_conns"`
}

// SensoryConfig configures the Tier-0 ring buffer.
type SensoryConfig struct {
	Capacity int `yaml:"capacity" json:"capacity"`
}

// WorkingConfig configures Tier-1 working memory.
type WorkingConfig struct {
	// HeadroomTokens is reserved from the model context window for
	// instructions and tool schemas.
	HeadroomTokens int     `yaml:"headroom_tokens" json:"headroom_tokens"`
	BoostStep      float64 `yaml:"boost_step" json:"boost_step"`
	MomentumCap    int     `yaml:"momentum_cap" json:"momentum_cap"`
	MinPriority    float64 `yaml:"min_priority" json:"min_priority"`
}

// GraphConfig configures the durable memory graph.
type GraphConfig struct {
	EmbeddingDim   int           `yaml:"embedding_dim" json:"embedding_dim"`
	DedupThreshold float64       `yaml:"dedup_threshold" json:"dedup_threshold"`
	DecayFactor    float64       `yaml:"decay_factor" json:"decay_factor"`
	DecayHalfLife  time.Duration `yaml:"decay_half_life" json:"decay_half_life"`
	GCScoreFloor   float64       `yaml:"gc_score_floor" json:"gc_score_floor"`
	GCMinAccess    int           `yaml:"gc_min_access" json:"gc_min_access"`
	// ChunkSize bounds rows touched per transaction in decay/GC sweeps.
	ChunkSize int `yaml:"chunk_size" json:"chunk_size"`
	// SweepsPerSecond paces background sweeps between chunks.
	SweepsPerSecond float64 `yaml:"sweeps_per_second" json:"sweeps_per_second"`
}

// SearchConfig configures hybrid retrieval.
type SearchConfig struct {
	TopK           int `yaml:"top_k" json:"top_k"`
	CandidateLimit int `yaml:"candidate_limit" json:"candidate_limit"`
	RRFK           int `yaml:"rrf_k" json:"rrf_k"`
	// WeightMin/WeightMax clamp the auto-resolved lexical weight.
	WeightMin float64 `yaml:"weight_min" json:"weight_min"`
	WeightMax float64 `yaml:"weight_max" json:"weight_max"`
	// FactualStep/ConceptualStep shift the lexical weight per detected
	// query signal.
	FactualStep    float64 `yaml:"factual_step" json:"factual_step"`
	ConceptualStep float64 `yaml:"conceptual_step" json:"conceptual_step"`
}

// RerankConfig configures the post-search rerank pipeline.
type RerankConfig struct {
	// Stages run in the listed order. Default: recency, dedup, entity,
	// quality.
	Stages          []string      `yaml:"stages" json:"stages"`
	DupThreshold    float64       `yaml:"dup_threshold" json:"dup_threshold"`
	RecencyHalfLife time.Duration `yaml:"recency_half_life" json:"recency_half_life"`
	EntityBoost     float64       `yaml:"entity_boost" json:"entity_boost"`
	QualityPenalty  float64       `yaml:"quality_penalty" json:"quality_penalty"`
}

// ConsolidationConfig configures the background consolidation pipeline.
type ConsolidationConfig struct {
	MinClusterSize      int           `yaml:"min_cluster_size" json:"min_cluster_size"`
	ClusterSimilarity   float64       `yaml:"cluster_similarity" json:"cluster_similarity"`
	CandidateMinAge     time.Duration `yaml:"candidate_min_age" json:"candidate_min_age"`
	CandidateBatchSize  int           `yaml:"candidate_batch_size" json:"candidate_batch_size"`
	MaxItemRetries      int           `yaml:"max_item_retries" json:"max_item_retries"`
	CorroborationBoost  float64       `yaml:"corroboration_boost" json:"corroboration_boost"`
	ConfidenceTransfer  float64       `yaml:"confidence_transfer" json:"confidence_transfer"`
	MaxGapSuggestions   int           `yaml:"max_gap_suggestions" json:"max_gap_suggestions"`
	StaleAfter          time.Duration `yaml:"stale_after" json:"stale_after"`
	StaleMinAccessCount int           `yaml:"stale_min_access_count" json:"stale_min_access_count"`
}

// ContextConfig configures budgeted prompt assembly.
type ContextConfig struct {
	MinHistoryFraction float64 `yaml:"min_history_fraction" json:"min_history_fraction"`
	MaxSystemFraction  float64 `yaml:"max_system_fraction" json:"max_system_fraction"`
	// MinReplyTokens is reserved from the model context window for the
	// model's reply before the working budget is derived.
	MinReplyTokens      int `yaml:"min_reply_tokens" json:"min_reply_tokens"`
	MaxRecalledMemories int `yaml:"max_recalled_memories" json:"max_recalled_memories"`
}

// CacheConfig configures the optional Redis recall cache.
type CacheConfig struct {
	Enabled  bool          `yaml:"enabled" json:"enabled"`
	Addr     string        `yaml:"addr" json:"addr"`
	Password string        `yaml:"password" json:"password"`
	DB       int           `yaml:"db" json:"db"`
	TTL      time.Duration `yaml:"ttl" json:"ttl"`
}

// MetricsConfig configures the Prometheus collector.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Namespace string `yaml:"namespace" json:"namespace"`
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() *Config {
	return &Config{
		Model: "gpt-4o",
		Database: DatabaseConfig{
			Path:         "engram.db",
			BusyTimeout:  5 * time.Second,
			MaxOpenConns: 1,
			MaxIdleConns: 1,
		},
		Sensory: SensoryConfig{
			Capacity: 32,
		},
		Working: WorkingConfig{
			HeadroomTokens: 4096,
			BoostStep:      0.15,
			MomentumCap:    5,
			MinPriority:    1.0,
		},
		Graph: GraphConfig{
			EmbeddingDim:    1536,
			DedupThreshold:  0.97,
			DecayFactor:     0.5,
			DecayHalfLife:   7 * 24 * time.Hour,
			GCScoreFloor:    0.05,
			GCMinAccess:     2,
			ChunkSize:       200,
			SweepsPerSecond: 10,
		},
		Search: SearchConfig{
			TopK:           10,
			CandidateLimit: 100,
			RRFK:           60,
			WeightMin:      0.2,
			WeightMax:      0.8,
			FactualStep:    0.08,
			ConceptualStep: 0.06,
		},
		Rerank: RerankConfig{
			Stages:          []string{StageRecency, StageDedup, StageEntity, StageQuality},
			DupThreshold:    0.97,
			RecencyHalfLife: 30 * 24 * time.Hour,
			EntityBoost:     0.1,
			QualityPenalty:  0.15,
		},
		Consolidation: ConsolidationConfig{
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
		},
		Context: ContextConfig{
			MinHistoryFraction:  0.35,
			MaxSystemFraction:   0.45,
			MinReplyTokens:      1024,
			MaxRecalledMemories: 20,
		},
		Cache: CacheConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			TTL:     2 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "engram",
		},
	}
}

// Load reads a YAML file and overlays it on the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for inconsistent values.
func (c *Config) Validate() error {
	if c.Sensory.Capacity <= 0 {
		return fmt.Errorf("sensory.capacity must be positive, got %d", c.Sensory.Capacity)
	}
	if c.Graph.EmbeddingDim <= 0 {
		return fmt.Errorf("graph.embedding_dim must be positive, got %d", c.Graph.EmbeddingDim)
	}
	if c.Graph.DedupThreshold <= 0 || c.Graph.DedupThreshold > 1 {
		return fmt.Errorf("graph.dedup_threshold must be in (0,1], got %g", c.Graph.DedupThreshold)
	}
	if c.Graph.DecayFactor <= 0 || c.Graph.DecayFactor >= 1 {
		return fmt.Errorf("graph.decay_factor must be in (0,1), got %g", c.Graph.DecayFactor)
	}
	if c.Graph.DecayHalfLife <= 0 {
		return fmt.Errorf("graph.decay_half_life must be positive")
	}
	if c.Search.WeightMin < 0 || c.Search.WeightMax > 1 || c.Search.WeightMin > c.Search.WeightMax {
		return fmt.Errorf("search weight clamp [%g, %g] is invalid", c.Search.WeightMin, c.Search.WeightMax)
	}
	if c.Search.RRFK <= 0 {
		return fmt.Errorf("search.rrf_k must be positive, got %d", c.Search.RRFK)
	}
	for _, s := range c.Rerank.Stages {
		switch s {
		case StageRecency, StageDedup, StageEntity, StageQuality:
		default:
			return fmt.Errorf("unknown rerank stage %q", s)
		}
	}
	if c.Consolidation.MinClusterSize < 2 {
		return fmt.Errorf("consolidation.min_cluster_size must be at least 2, got %d", c.Consolidation.MinClusterSize)
	}
	if c.Context.MinHistoryFraction < 0 || c.Context.MinHistoryFraction > 1 {
		return fmt.Errorf("context.min_history_fraction must be in [0,1], got %g", c.Context.MinHistoryFraction)
	}
	if c.Context.MaxSystemFraction < 0 || c.Context.MaxSystemFraction > 1 {
		return fmt.Errorf("context.max_system_fraction must be in [0,1], got %g", c.Context.MaxSystemFraction)
	}
	if c.Context.MinReplyTokens < 0 {
		return fmt.Errorf("context.min_reply_tokens must be non-negative, got %d", c.Context.MinReplyTokens)
	}
	return nil
}
