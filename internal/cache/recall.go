package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/BaSui01/engram/types"
)

// Config configures the recall cache.
type Config struct {
	Addr     string        `yaml:"addr" json:"addr"`
	Password string        `yaml:"password" json:"password"`
	DB       int           `yaml:"db" json:"db"`
	TTL      time.Duration `yaml:"ttl" json:"ttl"`
}

// DefaultConfig returns default cache settings.
func DefaultConfig() Config {
	return Config{
		Addr: "localhost:6379",
		TTL:  2 * time.Minute,
	}
}

const generationKey = "engram:recall:gen"

// RecallCache caches ranked recall results keyed by query fingerprint.
// A generation counter invalidates all entries on store writes, and
// singleflight collapses concurrent identical queries into one store hit.
type RecallCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
	group  singleflight.Group
}

// New connects to Redis and returns a recall cache.
func New(config Config, logger *zap.Logger) (*RecallCache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.TTL <= 0 {
		config.TTL = 2 * time.Minute
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	c := &RecallCache{
		client: client,
		ttl:    config.TTL,
		logger: logger.With(zap.String("component", "recall_cache")),
	}
	c.logger.Info("recall cache connected", zap.String("addr", config.Addr))
	return c, nil
}

// Key fingerprints a query. The current generation is baked in so a bump
// orphans every older entry.
func (c *RecallCache) Key(ctx context.Context, queryText string, embedding []float32, k int) string {
	gen, err := c.client.Get(ctx, generationKey).Int64()
	if err != nil {
		gen = 0
	}

	h := sha256.New()
	fmt.Fprintf(h, "%d|%d|%s|", gen, k, queryText)
	for _, v := range embedding {
		fmt.Fprintf(h, "%x", v)
	}
	return "engram:recall:" + hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached results for key, if present.
func (c *RecallCache) Get(ctx context.Context, key string) ([]types.ScoredRecord, bool) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	var results []types.ScoredRecord
	if err := json.Unmarshal(data, &results); err != nil {
		c.logger.Warn("corrupt cache entry dropped", zap.String("key", key), zap.Error(err))
		c.client.Del(ctx, key)
		return nil, false
	}
	return results, true
}

// Set stores results under key for the configured TTL.
func (c *RecallCache) Set(ctx context.Context, key string, results []types.ScoredRecord) {
	data, err := json.Marshal(results)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("cache set failed", zap.Error(err))
	}
}

// GetOrCompute returns cached results or computes them, collapsing
// concurrent calls with the same key into one computation.
func (c *RecallCache) GetOrCompute(ctx context.Context, key string, compute func() ([]types.ScoredRecord, error)) ([]types.ScoredRecord, bool, error) {
	if results, ok := c.Get(ctx, key); ok {
		return results, true, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		if results, ok := c.Get(ctx, key); ok {
			return results, nil
		}
		results, err := compute()
		if err != nil {
			return nil, err
		}
		c.Set(ctx, key, results)
		return results, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.([]types.ScoredRecord), false, nil
}

// Invalidate bumps the generation counter, orphaning all cached entries.
// Called after any durable store write.
func (c *RecallCache) Invalidate(ctx context.Context) {
	if err := c.client.Incr(ctx, generationKey).Err(); err != nil {
		c.logger.Warn("cache invalidation failed", zap.Error(err))
	}
}

// Close releases the Redis connection.
func (c *RecallCache) Close() error {
	return c.client.Close()
}
