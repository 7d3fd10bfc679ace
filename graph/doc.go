// Package graph implements the durable Tier-2 memory graph: dedup-aware
// record storage, relation edges, decay and garbage collection, hybrid
// search with reranking and retrieval-quality metrics, and the background
// consolidation pipeline. All store access is serialized through one lock;
// background sweeps run in short chunked transactions so they never starve
// the live turn path.
package graph
