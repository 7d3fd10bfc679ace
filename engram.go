// Package engram is a tiered memory engine for long-running
// conversational agents: a fixed-capacity sensory ring, token-budgeted
// working memory, and a durable SQLite-backed memory graph with hybrid
// search, reranking, background consolidation and budget-aware context
// assembly.
//
// Usage:
//
//	import "github.com/BaSui01/engram"
//
//	cfg := config.DefaultConfig()
//	cfg.Database.Path = "memory.db"
//	eng, err := engram.New(cfg, engram.WithLogger(logger))
//	defer eng.Close()
//
//	eng.Observe("session-1", "user", "my office is in Berlin", "")
//	id, err := eng.StoreEpisodic(ctx, "office is in Berlin", meta, embedding)
//	res, err := eng.Search(ctx, "where is the office", embedding, graph.Filters{})
//	asm, err := eng.BuildContext(ctx, "session-1", "where is the office", embedding, 0)
//
// Embeddings are supplied by the caller; the engine stores and compares
// fixed-dimension vectors but never generates them.
package engram
